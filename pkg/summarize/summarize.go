// Package summarize adds AI summaries to Markdown transcripts. Scan finds
// the documents under a directory that have a transcript section but no
// summary section, or a summary that recorded a provider error; each
// becomes a dispatch task, and Handle writes the provider's answer back into
// the document.
package summarize

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"golang.org/x/text/encoding/simplifiedchinese"

	"sttq/pkg/dispatch"
)

// Options configures a Summarizer.
type Options struct {
	SummaryHeading    string   // level-2 heading of the summary section
	TranscriptHeading string   // level-2 heading of the transcript section
	Credit            string   // fmt pattern naming the provider, e.g. "> made by %s"; empty disables it
	UserPrompt        string   // text/template executed with {{.Content}} = transcript
	FixMarkers        []string // a summary section containing one of these is summarized again
	Logger            *slog.Logger
}

// Document is a Markdown file waiting for a summary.
type Document struct {
	Path       string
	Content    string
	Transcript string
}

// ScanResult is the state of a document tree.
type ScanResult struct {
	Pending      []Document // missing a valid summary, transcript present
	Summarized   int        // already carrying a summary
	Invalid      int        // summaries matching a fix marker, counted in Pending when a transcript exists
	NoTranscript []string   // missing both; nothing to summarize
	Unreadable   []string
}

// Summarizer finds, prompts and updates documents.
type Summarizer struct {
	summaryHeading    string
	transcriptHeading string
	credit            string
	fixMarkers        []string
	summaryRe         *regexp.Regexp
	transcriptRe      *regexp.Regexp
	prompt            *template.Template
	logger            *slog.Logger

	mu      sync.Mutex
	written []string
	failed  []string
}

var nextHeadingRe = regexp.MustCompile(`(?m)^## `)

func headingPattern(h string) *regexp.Regexp {
	return regexp.MustCompile(`(?m)^##[ \t]+` + regexp.QuoteMeta(h))
}

// New builds a Summarizer. It fails when the prompt template does not parse.
func New(opts Options) (*Summarizer, error) {
	if opts.SummaryHeading == "" || opts.TranscriptHeading == "" {
		return nil, errors.New("summary and transcript headings are required")
	}
	tmpl, err := template.New("prompt").Option("missingkey=error").Parse(opts.UserPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse user prompt: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		summaryHeading:    opts.SummaryHeading,
		transcriptHeading: opts.TranscriptHeading,
		credit:            opts.Credit,
		fixMarkers:        opts.FixMarkers,
		summaryRe:         headingPattern(opts.SummaryHeading),
		transcriptRe:      headingPattern(opts.TranscriptHeading),
		prompt:            tmpl,
		logger:            logger,
	}, nil
}

// Scan walks dir recursively and classifies every .md file. Hidden
// directories are skipped. Files that are not UTF-8 are decoded as GBK.
func (s *Summarizer) Scan(dir string) (ScanResult, error) {
	var res ScanResult
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}

		content, err := readText(path)
		if err != nil {
			s.logger.Warn("unreadable document", slog.String("file", path), slog.String("error", err.Error()))
			res.Unreadable = append(res.Unreadable, path)
			return nil
		}
		if loc := s.summaryRe.FindStringIndex(content); loc != nil {
			if !s.invalidSummary(content[loc[1]:]) {
				res.Summarized++
				return nil
			}
			s.logger.Info("summary carries an error marker", slog.String("file", path))
			res.Invalid++
		}
		loc := s.transcriptRe.FindStringIndex(content)
		if loc == nil {
			res.NoTranscript = append(res.NoTranscript, path)
			return nil
		}
		res.Pending = append(res.Pending, Document{
			Path:       path,
			Content:    content,
			Transcript: strings.TrimSpace(content[loc[1]:]),
		})
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scan %s: %w", dir, err)
	}
	return res, nil
}

// invalidSummary reports whether the section starting at rest contains one
// of the fix markers.
func (s *Summarizer) invalidSummary(rest string) bool {
	if len(s.fixMarkers) == 0 {
		return false
	}
	if next := nextHeadingRe.FindStringIndex(rest); next != nil {
		rest = rest[:next[0]]
	}
	_, ok := dispatch.HasErrorMarker(rest, s.fixMarkers)
	return ok
}

func readText(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, err := simplifiedchinese.GBK.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("decode as GBK: %w", err)
	}
	return string(decoded), nil
}

// Prompt renders the user prompt for doc.
func (s *Summarizer) Prompt(doc Document) (string, error) {
	var buf bytes.Buffer
	if err := s.prompt.Execute(&buf, struct{ Content string }{doc.Transcript}); err != nil {
		return "", fmt.Errorf("render prompt for %s: %w", doc.Path, err)
	}
	return buf.String(), nil
}

// Task turns doc into a dispatch task identified by its path.
func (s *Summarizer) Task(doc Document) (dispatch.Task, error) {
	prompt, err := s.Prompt(doc)
	if err != nil {
		return dispatch.Task{}, err
	}
	return dispatch.Task{ID: doc.Path, Payload: prompt, Context: doc}, nil
}

// Insert places summary into content, crediting provider. An existing
// summary section is replaced; otherwise the section goes right before the
// transcript heading, or at the end when there is none.
func (s *Summarizer) Insert(content, summary, provider string) string {
	// Keeps renderers from gluing the bold marker to the preceding word.
	summary = strings.ReplaceAll(strings.TrimSpace(summary), "**“", " **“")
	body := summary
	if s.credit != "" && provider != "" {
		body = fmt.Sprintf(s.credit, provider) + "\n\n" + summary
	}
	heading := "## " + s.summaryHeading

	if loc := s.summaryRe.FindStringIndex(content); loc != nil {
		start := loc[1]
		if next := nextHeadingRe.FindStringIndex(content[start:]); next != nil {
			end := start + next[0]
			return content[:start] + "\n\n" + body + "\n\n" + content[end:]
		}
		return content[:start] + "\n\n" + body + "\n"
	}

	if loc := s.transcriptRe.FindStringIndex(content); loc != nil {
		before := strings.TrimRight(content[:loc[0]], "\n")
		if before != "" {
			before += "\n\n"
		}
		return before + heading + "\n\n" + body + "\n\n" + content[loc[0]:]
	}

	return strings.TrimRight(content, " \t\r\n") + "\n\n" + heading + "\n\n" + body + "\n"
}

// Handle is a dispatch result handler: it writes a successful summary into
// the task's document and records the outcome. Failed results are logged.
func (s *Summarizer) Handle(r dispatch.TaskResult) {
	doc, ok := r.Task.Context.(Document)
	if !ok {
		s.logger.Error("result without a document", slog.String("task", r.Task.ID))
		return
	}
	log := s.logger.With(slog.String("file", doc.Path))

	if r.Err != nil {
		log.Warn("document left without summary", slog.String("error", r.Err.Error()))
		s.record(&s.failed, doc.Path)
		return
	}
	if strings.TrimSpace(r.Output) == "" {
		log.Warn("provider returned an empty summary", slog.String("provider", r.Provider))
		s.record(&s.failed, doc.Path)
		return
	}

	updated := s.Insert(doc.Content, r.Output, r.Provider)
	if err := os.WriteFile(doc.Path, []byte(updated), 0o644); err != nil {
		log.Error("write summary", slog.String("error", err.Error()))
		s.record(&s.failed, doc.Path)
		return
	}
	log.Info("summary added", slog.String("provider", r.Provider))
	s.record(&s.written, doc.Path)
}

func (s *Summarizer) record(list *[]string, path string) {
	s.mu.Lock()
	*list = append(*list, path)
	s.mu.Unlock()
}

// Results returns the documents written and the documents left without a
// summary so far.
func (s *Summarizer) Results() (written, failed []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.written...), append([]string(nil), s.failed...)
}
