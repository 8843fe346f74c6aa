package sandbox

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/c360/embedbridge/errors"
)

// Process is a handle to a running sandbox the host can tear down.
type Process interface {
	Stop() error
}

// Launcher spawns a sandbox runtime serving the given session subject.
// A nil Launcher on the host config means the environment cannot spawn
// processes and the host falls back to the shared variant.
type Launcher interface {
	Launch(ctx context.Context, baseSubject string) (Process, error)
}

// ExecLauncher starts the sandbox daemon as a child process. The session
// subject is appended as a -subject flag so each spawn serves its own
// isolated subject space.
type ExecLauncher struct {
	// Path to the embedboxd binary.
	Path string
	// Args are passed before the generated -subject flag (NATS URL,
	// inference URL, model selection).
	Args []string
	// Env entries appended to the inherited environment.
	Env []string
}

// Launch starts the daemon and returns without waiting for readiness;
// the host watches the ready broadcast separately.
func (l *ExecLauncher) Launch(ctx context.Context, baseSubject string) (Process, error) {
	if l.Path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "ExecLauncher", "Launch", "no daemon path")
	}

	args := append([]string{}, l.Args...)
	args = append(args, "-subject", baseSubject)

	cmd := exec.CommandContext(ctx, l.Path, args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, errors.WrapTransient(err, "ExecLauncher", "Launch", "start sandbox daemon")
	}
	return &execProcess{cmd: cmd}, nil
}

type execProcess struct {
	cmd *exec.Cmd
}

// Stop asks the daemon to exit and escalates to a kill if it lingers.
func (p *execProcess) Stop() error {
	if p.cmd.Process == nil {
		return nil
	}
	_ = p.cmd.Process.Signal(os.Interrupt)

	done := make(chan error, 1)
	go func() { done <- p.cmd.Wait() }()

	select {
	case <-done:
		return nil
	case <-time.After(3 * time.Second):
		_ = p.cmd.Process.Kill()
		<-done
		return nil
	}
}
