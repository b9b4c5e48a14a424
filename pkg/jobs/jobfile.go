package jobs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoJobFiles is returned by Dequeue when the inbox holds no job files.
var ErrNoJobFiles = errors.New("no job files in inbox")

// JobFile is an ordered list of job lines stored in one file. Lines keep
// their original line endings so Save rewrites the survivors verbatim.
type JobFile struct {
	Path  string
	lines []string
}

// Name returns the base name of the file.
func (f *JobFile) Name() string { return filepath.Base(f.Path) }

// Len returns the number of remaining lines.
func (f *JobFile) Len() int { return len(f.lines) }

// Item returns the work item at index i.
func (f *JobFile) Item(i int) WorkItem {
	raw := strings.TrimSpace(f.lines[i])
	return WorkItem{Raw: raw, Job: ParseLine(raw), File: f.Name(), Index: i}
}

// Items returns every line of the file as a work item, top to bottom.
func (f *JobFile) Items() []WorkItem {
	items := make([]WorkItem, len(f.lines))
	for i := range f.lines {
		items[i] = f.Item(i)
	}
	return items
}

// Remove drops the line at index i. Call Save to persist.
func (f *JobFile) Remove(i int) error {
	if i < 0 || i >= len(f.lines) {
		return fmt.Errorf("remove line %d from %s: index out of range (%d lines)", i, f.Name(), len(f.lines))
	}
	f.lines = append(f.lines[:i:i], f.lines[i+1:]...)
	return nil
}

// Save writes the remaining lines back in order. A file with no lines left
// is deleted instead of being left empty.
func (f *JobFile) Save() error {
	if len(f.lines) == 0 {
		if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("delete empty job file %s: %w", f.Name(), err)
		}
		return nil
	}
	if err := os.WriteFile(f.Path, []byte(strings.Join(f.lines, "")), 0o644); err != nil {
		return fmt.Errorf("rewrite job file %s: %w", f.Name(), err)
	}
	return nil
}

// ReadJobFile loads one job file.
func ReadJobFile(path string) (*JobFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job file: %w", err)
	}
	return &JobFile{Path: path, lines: splitLines(string(data))}, nil
}

// VisibleFiles returns the regular files of dir in sorted order, skipping
// dot-files and directories. A missing dir yields no files.
func VisibleFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var paths []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") || !e.Type().IsRegular() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// LoadJobFiles reads every visible job file in dir, in enumeration order.
func LoadJobFiles(dir string) ([]*JobFile, error) {
	paths, err := VisibleFiles(dir)
	if err != nil {
		return nil, err
	}
	files := make([]*JobFile, 0, len(paths))
	for _, p := range paths {
		f, err := ReadJobFile(p)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, nil
}

// CountLines returns the number of lines a job file would hold.
func CountLines(data []byte) int {
	return len(splitLines(string(data)))
}

// splitLines splits s after each newline. A trailing fragment without a
// newline is kept as the last line.
func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
