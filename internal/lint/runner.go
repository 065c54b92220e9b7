// Package lint implements the two-pass lint gate: a strict pass over
// error-class selectors that fails the pipeline, and an advisory pass for
// complexity and style that is reported but never blocks.
package lint

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"ferry/internal/config"
)

// Report holds the outcome of both lint passes.
type Report struct {
	StrictViolations   int
	AdvisoryViolations int
	StrictOutput       string
	AdvisoryOutput     string
}

// Runner executes the configured linter in a working directory.
type Runner struct {
	cfg config.LintConfig
	dir string
}

// NewRunner creates a lint runner for the given context directory.
func NewRunner(cfg config.LintConfig, dir string) *Runner {
	return &Runner{cfg: cfg, dir: dir}
}

// Run executes the strict pass then the advisory pass. A non-zero exit from
// the strict pass is returned as an error; the advisory pass never fails.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if !r.cfg.Enabled {
		log.Info().Msg("Linting disabled, skipping")
		return report, nil
	}

	strictArgs := []string{
		"--count",
		fmt.Sprintf("--select=%s", strings.Join(r.cfg.StrictSelect, ",")),
		"--show-source",
		"--statistics",
		".",
	}

	log.Info().
		Str("command", r.cfg.Command).
		Strs("select", r.cfg.StrictSelect).
		Msg("Running strict lint pass")

	output, runErr := r.runPass(ctx, strictArgs)
	report.StrictOutput = output
	report.StrictViolations = countFromOutput(output)

	if runErr != nil {
		if _, ok := runErr.(*exec.ExitError); ok {
			log.Error().
				Int("violations", report.StrictViolations).
				Msg("Strict lint pass failed")
			return report, fmt.Errorf("strict lint pass found %d violation(s)", report.StrictViolations)
		}
		return report, fmt.Errorf("failed to run linter %q: %w", r.cfg.Command, runErr)
	}

	advisoryArgs := []string{
		"--count",
		"--exit-zero",
		fmt.Sprintf("--max-complexity=%d", r.cfg.MaxComplexity),
		fmt.Sprintf("--max-line-length=%d", r.cfg.MaxLineLength),
		"--statistics",
		".",
	}

	log.Info().Msg("Running advisory lint pass")

	output, runErr = r.runPass(ctx, advisoryArgs)
	report.AdvisoryOutput = output
	report.AdvisoryViolations = countFromOutput(output)

	// The advisory pass is report-only: violations and even a failure to
	// run it are logged, never returned.
	if runErr != nil {
		log.Warn().Err(runErr).Msg("Advisory lint pass did not complete")
	} else if report.AdvisoryViolations > 0 {
		log.Warn().
			Int("violations", report.AdvisoryViolations).
			Msg("Advisory lint pass reported violations")
	} else {
		log.Info().Msg("Advisory lint pass clean")
	}

	return report, nil
}

func (r *Runner) runPass(ctx context.Context, args []string) (string, error) {
	parts := strings.Fields(r.cfg.Command)
	if len(parts) == 0 {
		return "", fmt.Errorf("lint.command is empty")
	}

	cmd := exec.CommandContext(ctx, parts[0], append(parts[1:], args...)...)
	cmd.Dir = r.dir

	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	return buf.String(), err
}

// countFromOutput extracts the total violation count emitted by --count
// (the final all-digit line of the linter output).
func countFromOutput(output string) int {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		if n, err := strconv.Atoi(line); err == nil {
			return n
		}
		break
	}
	return 0
}
