package claude

import (
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/estelle/pylon/internal/workspace"
)

// SessionOptions describe how a session's subprocess is started.
type SessionOptions struct {
	WorkingDir      string
	SystemPrompt    string
	PermissionMode  workspace.PermissionMode
	ResumeSessionID string
	LinkedDocuments []string
}

// Process is a running assistant subprocess. The CLI implementation wraps
// os/exec; tests substitute in-memory pipes.
type Process interface {
	Stdin() io.Writer
	Stdout() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts an assistant subprocess for a conversation.
type Launcher func(opts SessionOptions) (Process, error)

const cliBinary = "claude"

type cliProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

// LaunchCLI is the production Launcher: it spawns the claude CLI in
// stream-json mode inside the conversation's working directory.
func LaunchCLI(opts SessionOptions) (Process, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--verbose",
	}
	if opts.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", opts.SystemPrompt)
	}
	switch opts.PermissionMode {
	case workspace.PermissionAcceptEdits:
		args = append(args, "--permission-mode", "acceptEdits")
	case workspace.PermissionBypass:
		args = append(args, "--dangerously-skip-permissions")
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	if len(opts.LinkedDocuments) > 0 {
		args = append(args, "--add-dir", strings.Join(opts.LinkedDocuments, ","))
	}

	cmd := exec.Command(cliBinary, args...)
	cmd.Dir = opts.WorkingDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("claude: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("claude: failed to start %s: %w", cliBinary, err)
	}
	return &cliProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (p *cliProcess) Stdin() io.Writer  { return p.stdin }
func (p *cliProcess) Stdout() io.Reader { return p.stdout }

func (p *cliProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *cliProcess) Kill() error {
	_ = p.stdin.Close()
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
