// Package deploy runs the host's deploy script on behalf of tool processes,
// enforcing the environment guard rules.
package deploy

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/estelle/pylon/internal/common/errors"
	"github.com/estelle/pylon/internal/common/logger"
)

// Deploy targets.
const (
	TargetStage   = "stage"
	TargetRelease = "release"
	TargetPromote = "promote"
)

const (
	// scriptTimeout kills a deploy script that runs too long.
	scriptTimeout = 3 * time.Minute

	// tailBytes is how much of the script output is returned to the
	// caller; the full output goes to the per-target log file.
	tailBytes = 4 * 1024
)

// Runner spawns the deploy script. One deploy runs at a time.
type Runner struct {
	environment string // release | stage | dev
	scriptPath  string
	logDir      string

	mu     sync.Mutex
	logger *logger.Logger
}

// NewRunner creates a deploy runner for the given host environment.
func NewRunner(environment, scriptPath, logDir string, log *logger.Logger) *Runner {
	return &Runner{
		environment: environment,
		scriptPath:  scriptPath,
		logDir:      logDir,
		logger:      log.WithComponent("deploy"),
	}
}

// Deploy validates the target against the guard rules, runs the script and
// returns the output tail. The full output is appended to the per-target
// log file regardless of outcome.
func (r *Runner) Deploy(ctx context.Context, target string) (string, error) {
	switch target {
	case TargetStage, TargetRelease, TargetPromote:
	default:
		return "", apperrors.InvalidInput(fmt.Sprintf("invalid deploy target: %s", target))
	}
	if target == r.environment {
		return "", apperrors.Conflict(fmt.Sprintf("cannot deploy to own environment (%s)", r.environment))
	}
	if target == TargetPromote && r.environment != TargetStage {
		return "", apperrors.Conflict("promote is only allowed from stage")
	}
	if r.scriptPath == "" {
		return "", apperrors.InvalidInput("no deploy script configured")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	r.logger.Info("deploy started", zap.String("target", target))
	start := time.Now()

	cmd := exec.CommandContext(ctx, r.scriptPath, target)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	runErr := cmd.Run()

	r.appendLog(target, start, output.Bytes(), runErr)

	tail := tailOf(output.Bytes())
	if ctx.Err() == context.DeadlineExceeded {
		r.logger.Error("deploy timed out", zap.String("target", target))
		return tail, apperrors.Timeout(fmt.Sprintf("deploy %s", target))
	}
	if runErr != nil {
		r.logger.Error("deploy failed", zap.String("target", target), zap.Error(runErr))
		return tail, apperrors.Upstream(fmt.Sprintf("deploy script failed: %v", runErr), runErr)
	}
	r.logger.Info("deploy finished",
		zap.String("target", target), zap.Duration("took", time.Since(start)))
	return tail, nil
}

func (r *Runner) appendLog(target string, start time.Time, output []byte, runErr error) {
	if r.logDir == "" {
		return
	}
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		r.logger.Warn("failed to create deploy log dir", zap.Error(err))
		return
	}
	path := filepath.Join(r.logDir, fmt.Sprintf("deploy-%s.log", target))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		r.logger.Warn("failed to open deploy log", zap.Error(err))
		return
	}
	defer f.Close()

	status := "ok"
	if runErr != nil {
		status = runErr.Error()
	}
	fmt.Fprintf(f, "=== %s target=%s status=%s ===\n", start.Format(time.RFC3339), target, status)
	_, _ = f.Write(output)
	if len(output) > 0 && output[len(output)-1] != '\n' {
		fmt.Fprintln(f)
	}
}

func tailOf(output []byte) string {
	if len(output) <= tailBytes {
		return string(output)
	}
	return string(output[len(output)-tailBytes:])
}
