package jobs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreListName is the job list whose ids are never reported missing.
const IgnoreListName = "ignore.txt"

// ResultExtension is the artifact whose presence marks a job as done.
const ResultExtension = ".text"

// MissingReport lists the jobs of the client's lists that never came back.
type MissingReport struct {
	Checked int      // distinct ids found in the lists
	Done    int      // ids with a result artifact
	Ignored int      // ids listed in ignore.txt
	Lines   []string // one raw line per missing processable id, in list order
	Skipped []string // ids without a result whose line is not processable
}

// IsListFile reports whether path is a job list rather than the ignore list.
func IsListFile(path string) bool {
	return filepath.Base(path) != IgnoreListName
}

// FindMissing compares the ids in the job lists of listDirs against the
// result artifacts in saveDir. Lines whose status is normal and whose id has
// no artifact are returned once each, ready to be queued again. An id listed
// in any ignore.txt is never reported.
func FindMissing(listDirs []string, saveDir string) (MissingReport, error) {
	var rep MissingReport

	done, err := resultIDs(saveDir)
	if err != nil {
		return rep, err
	}

	ignored := make(map[string]bool)
	var lists []string
	for _, dir := range listDirs {
		if dir == "" {
			continue
		}
		files, err := VisibleFiles(dir)
		if err != nil {
			return rep, err
		}
		for _, path := range files {
			if IsListFile(path) {
				lists = append(lists, path)
				continue
			}
			f, err := ReadJobFile(path)
			if err != nil {
				return rep, err
			}
			for _, item := range f.Items() {
				if id := item.BVID(); id != "" {
					ignored[id] = true
				}
			}
		}
	}

	seen := make(map[string]bool)
	for _, path := range lists {
		f, err := ReadJobFile(path)
		if err != nil {
			return rep, err
		}
		for _, item := range f.Items() {
			id := item.BVID()
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			rep.Checked++
			switch {
			case done[id]:
				rep.Done++
			case ignored[id]:
				rep.Ignored++
			case item.Job.Processable():
				rep.Lines = append(rep.Lines, item.Raw)
			default:
				rep.Skipped = append(rep.Skipped, id)
			}
		}
	}
	return rep, nil
}

// Render returns the missing lines as the content of a job list.
func (r MissingReport) Render() []byte {
	if len(r.Lines) == 0 {
		return nil
	}
	return []byte(strings.Join(r.Lines, "\n") + "\n")
}

// resultIDs collects the ids named by the result artifacts in dir.
func resultIDs(dir string) (map[string]bool, error) {
	ids := make(map[string]bool)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return ids, nil
		}
		return nil, fmt.Errorf("list results %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ResultExtension) {
			continue
		}
		for _, id := range bvidPattern.FindAllString(e.Name(), -1) {
			ids[id] = true
		}
	}
	return ids, nil
}
