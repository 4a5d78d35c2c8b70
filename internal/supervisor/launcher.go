package supervisor

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"

	"github.com/walkingzzzy/office-mcp-sub009/internal/logstore"
)

// maxLineBytes caps a single child stderr line to prevent OOM from a
// misbehaving server.
const maxLineBytes = 64 * 1024

// process is a running child, abstracted so lifecycle logic and tests do
// not depend on real OS processes.
type process interface {
	PID() int
	// Wait blocks until the process exits. Called exactly once, by the
	// supervisor's exit watcher.
	Wait() error
	// Terminate asks the process group to exit gracefully.
	Terminate() error
	// Kill forcibly ends the process group.
	Kill() error
	// Stdin and Stdout expose the child's pipes for the MCP handshake.
	Stdin() io.WriteCloser
	Stdout() io.Reader
}

type launcher interface {
	Launch(cfg ServerConfig) (process, error)
}

// osLauncher spawns real child processes. Each child runs in its own
// process group so a kill reaches grandchildren too, and the environment
// is built from scratch rather than inherited, keeping the bridge's
// credentials out of tool servers.
type osLauncher struct {
	logger *slog.Logger
}

func (l *osLauncher) Launch(cfg ServerConfig) (process, error) {
	cmd := exec.Command(cfg.Command, cfg.Args...)
	if cfg.Cwd != "" {
		cmd.Dir = cfg.Cwd
	}
	cmd.Env = buildEnv(cfg.Env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawning %q: %w", cfg.Command, err)
	}

	// Children speak MCP on stdout; their diagnostics arrive on stderr
	// and flow into the log store under the server's module.
	go l.drainStderr(cfg.ID, stderr)

	return &osProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

func (l *osLauncher) drainStderr(serverID string, r io.Reader) {
	module := "server:" + serverID
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		l.logger.Info(line, slog.String(logstore.ModuleKey, module))
	}
}

// buildEnv constructs a minimal environment plus the validated per-server
// overrides. The parent environment is never inherited.
func buildEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *osProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Wait() error { return p.cmd.Wait() }

func (p *osProcess) Terminate() error { return p.signal(syscall.SIGTERM) }

func (p *osProcess) Kill() error { return p.signal(syscall.SIGKILL) }

// signal targets the whole process group (negative PID).
func (p *osProcess) signal(sig syscall.Signal) error {
	if p.cmd.Process == nil {
		return nil
	}
	return syscall.Kill(-p.cmd.Process.Pid, sig)
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *osProcess) Stdout() io.Reader     { return p.stdout }
