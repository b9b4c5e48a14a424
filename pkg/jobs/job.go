// Package jobs models the work items carried by the queue: job lines, the
// job files under to_stt/ that hold them, and the policies that decide which
// line a server takes next.
package jobs

import (
	"bytes"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// StatusNormal marks a job whose media is available. Any other status is a
// permanent skip marker written upstream.
const StatusNormal = "normal"

// Job is the structured record carried on one line of a job file.
type Job struct {
	BVID     string  `json:"bvid"`
	UpName   string  `json:"up_name"`
	Title    string  `json:"title"`
	Link     string  `json:"link"`
	Pubdate  int64   `json:"pubdate"`
	Duration float64 `json:"duration"`
	CID      int64   `json:"cid"`
	Status   string  `json:"status"`
}

// Processable reports whether the job should be handed to the processor.
func (j *Job) Processable() bool {
	return j != nil && j.Status == StatusNormal
}

// WorkItem is one line of a job file together with its source position.
type WorkItem struct {
	Raw   string // trimmed line content
	Job   *Job   // nil when the line is not a structured record
	File  string // job file name, relative to the inbox
	Index int    // zero-based line index within File
}

// Structured reports whether the line decoded as a job record.
func (w WorkItem) Structured() bool { return w.Job != nil }

// BVID returns the video identifier of the item: the record's bvid field
// for structured lines, otherwise the first identifier found in the raw text.
func (w WorkItem) BVID() string {
	if w.Job != nil && w.Job.BVID != "" {
		return w.Job.BVID
	}
	id, _ := ExtractBVID(w.Raw)
	return id
}

// ParseLine decodes a job line. It returns nil for any line that is not a
// JSON object carrying a numeric, non-null duration; such lines are
// unparsable and always eligible for selection.
func ParseLine(line string) *Job {
	line = strings.TrimSpace(line)
	if line == "" || line[0] != '{' {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return nil
	}
	raw, ok := fields["duration"]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	var duration float64
	if err := json.Unmarshal(raw, &duration); err != nil {
		return nil
	}

	var job Job
	// Fields of an unexpected type are left zero; only duration decides
	// whether the line is structured.
	if err := json.Unmarshal([]byte(line), &job); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil
		}
	}
	job.Duration = duration
	return &job
}

var bvidPattern = regexp.MustCompile(`BV[a-zA-Z0-9]{10}`)

// ExtractBVID finds the first video identifier in free text.
func ExtractBVID(s string) (string, bool) {
	id := bvidPattern.FindString(s)
	return id, id != ""
}
