package session

import (
	"context"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Process is a launched client.
type Process interface {
	PID() int32
	// Done is closed once the process has been waited on.
	Done() <-chan struct{}
}

// Launcher starts the client executable.
type Launcher interface {
	Launch(ctx context.Context, exe string, args []string) (Process, error)
}

// ExecLauncher starts the client as a child process and keeps its handle.
type ExecLauncher struct{}

// Child is a process started by ExecLauncher.
type Child struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// Launch starts exe from its own directory. The child is not bound to ctx: a
// running game must outlive the command that started it.
func (ExecLauncher) Launch(_ context.Context, exe string, args []string) (Process, error) {
	// a relative exe would be resolved against the changed working directory
	exe, err := filepath.Abs(exe)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = filepath.Dir(exe)

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	child := &Child{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		log.Debug().
			Err(err).
			Int("pid", cmd.Process.Pid).
			Str("exe", exe).
			Msg("Client process exited")
		close(child.done)
	}()

	return child, nil
}

// PID implements Process.
func (c *Child) PID() int32 {
	return int32(c.cmd.Process.Pid)
}

// Done implements Process.
func (c *Child) Done() <-chan struct{} {
	return c.done
}
