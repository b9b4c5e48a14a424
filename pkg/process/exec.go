package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"sttq/pkg/jobs"
)

// Environment variables passed to the processing command.
const (
	EnvJobLine       = "STTQ_JOB_LINE"
	EnvBVID          = "STTQ_BVID"
	EnvTitle         = "STTQ_TITLE"
	EnvArtifactStem  = "STTQ_ARTIFACT_STEM"
	EnvOutputDir     = "STTQ_OUTPUT_DIR"
	outputTailLength = 2000
)

// ErrNoArtifacts is returned when the command succeeded but left none of
// the expected result files in the output directory.
var ErrNoArtifacts = errors.New("command produced no artifacts")

// Processor turns one job into result artifacts.
type Processor interface {
	Process(ctx context.Context, item jobs.WorkItem) error
}

// ExecProcessor runs an external command once per job. The job is described
// through STTQ_* environment variables; the command writes its artifacts
// into OutputDir.
type ExecProcessor struct {
	Command   []string
	OutputDir string
	Timeout   time.Duration // 0 disables the bound
	Logger    *slog.Logger
}

// Process runs the command for item.
func (p *ExecProcessor) Process(ctx context.Context, item jobs.WorkItem) error {
	if len(p.Command) == 0 {
		return errors.New("process.command is not configured")
	}
	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Command[0], p.Command[1:]...)
	cmd.Env = append(cmd.Environ(), jobEnv(item, p.OutputDir)...)
	cmd.WaitDelay = 10 * time.Second
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	p.logger().Debug("process command finished",
		slog.String("bvid", item.BVID()),
		slog.Duration("elapsed", time.Since(start)),
		slog.String("output", tail(out.String())))
	if err != nil {
		return fmt.Errorf("run %s for %s: %w: %s", p.Command[0], item.BVID(), err, tail(out.String()))
	}

	if item.Structured() {
		for _, name := range jobs.ArtifactNames(item.Job) {
			if _, err := os.Stat(filepath.Join(p.OutputDir, name)); err == nil {
				return nil
			}
		}
		return fmt.Errorf("%s: %w (expected %s.*)", item.BVID(), ErrNoArtifacts, jobs.ArtifactStem(item.Job))
	}
	return nil
}

func (p *ExecProcessor) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func jobEnv(item jobs.WorkItem, outputDir string) []string {
	env := []string{
		EnvJobLine + "=" + item.Raw,
		EnvBVID + "=" + item.BVID(),
		EnvOutputDir + "=" + outputDir,
	}
	if item.Structured() {
		env = append(env,
			EnvTitle+"="+item.Job.Title,
			EnvArtifactStem+"="+jobs.ArtifactStem(item.Job))
	}
	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= outputTailLength {
		return s
	}
	start := len(s) - outputTailLength
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return "..." + s[start:]
}
