package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// WorkFile is the local hand-off file between a take transaction and the
// processor. Lines are appended by take and popped one at a time by the
// runner, so lines left behind by a crash are processed by the next run.
// Blank lines and lines starting with '#' are ignored.
type WorkFile struct {
	Path string
}

// Append adds line to the end of the file, creating it if needed.
func (w WorkFile) Append(line string) error {
	if err := os.MkdirAll(filepath.Dir(w.Path), 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	f, err := os.OpenFile(w.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open work file: %w", err)
	}
	if _, err := f.WriteString(strings.TrimRight(line, "\r\n") + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append to work file: %w", err)
	}
	return f.Close()
}

// Pop removes and returns the first actionable line. ok is false when none
// is left. Ignored lines stay in the file.
func (w WorkFile) Pop() (line string, ok bool, err error) {
	lines, err := w.read()
	if err != nil || lines == nil {
		return "", false, err
	}
	for i, l := range lines {
		if !actionable(l) {
			continue
		}
		rest := append(lines[:i:i], lines[i+1:]...)
		if err := os.WriteFile(w.Path, []byte(strings.Join(rest, "")), 0o644); err != nil {
			return "", false, fmt.Errorf("rewrite work file: %w", err)
		}
		return strings.TrimSpace(l), true, nil
	}
	return "", false, nil
}

// Pending counts the actionable lines.
func (w WorkFile) Pending() (int, error) {
	lines, err := w.read()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, l := range lines {
		if actionable(l) {
			n++
		}
	}
	return n, nil
}

func (w WorkFile) read() ([]string, error) {
	data, err := os.ReadFile(w.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read work file: %w", err)
	}
	lines := strings.SplitAfter(string(data), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines, nil
}

func actionable(line string) bool {
	t := strings.TrimSpace(line)
	return t != "" && !strings.HasPrefix(t, "#")
}
