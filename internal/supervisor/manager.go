package supervisor

import (
	"context"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/turtacn/Vigil/internal/monitor"
	"github.com/turtacn/Vigil/pkg/logger"
)

const (
	defaultBackoff    = time.Second
	defaultMaxBackoff = 30 * time.Second
	// A helper that stayed up this long resets the restart backoff.
	stableAfter = time.Minute
)

// ProcessManager handles the lifecycle of the helper daemon: the userspace
// companion that serves firmware files and configuration to the SoCs.
type ProcessManager struct {
	command []string
	env     []string

	// Backoff is the first restart delay; it doubles up to MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration

	mu       sync.Mutex
	cmd      *exec.Cmd
	stopping bool
}

// New creates a ProcessManager for command with extra environment env.
func New(command, env []string) *ProcessManager {
	return &ProcessManager{
		command:    command,
		env:        env,
		Backoff:    defaultBackoff,
		MaxBackoff: defaultMaxBackoff,
	}
}

// Start launches the helper with stdout and stderr forwarded to ours.
// An empty command is a no-op.
func (pm *ProcessManager) Start() error {
	if len(pm.command) == 0 {
		return nil
	}

	cmd := exec.Command(pm.command[0], pm.command[1:]...)
	cmd.Env = append(os.Environ(), pm.env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	logger.Log.Info("Supervisor: starting helper", "cmd", pm.command)
	if err := cmd.Start(); err != nil {
		return err
	}
	pm.mu.Lock()
	pm.cmd = cmd
	pm.stopping = false
	pm.mu.Unlock()
	return nil
}

func (pm *ProcessManager) current() *exec.Cmd {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.cmd
}

// Pid returns the helper's process id, or 0 when none was started.
func (pm *ProcessManager) Pid() int {
	if cmd := pm.current(); cmd != nil && cmd.Process != nil {
		return cmd.Process.Pid
	}
	return 0
}

// Stop sends SIGTERM and disables further restarts.
func (pm *ProcessManager) Stop() error {
	pm.mu.Lock()
	pm.stopping = true
	cmd := pm.cmd
	pm.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		logger.Log.Info("Supervisor: Sending SIGTERM", "pid", cmd.Process.Pid)
		return cmd.Process.Signal(unix.SIGTERM)
	}
	return nil
}

// Kill immediately terminates the helper using SIGKILL.
func (pm *ProcessManager) Kill() error {
	if cmd := pm.current(); cmd != nil && cmd.Process != nil {
		logger.Log.Warn("Supervisor: Sending SIGKILL", "pid", cmd.Process.Pid)
		return cmd.Process.Kill()
	}
	return nil
}

// Wait waits for the helper to exit and returns the resulting error, if any.
func (pm *ProcessManager) Wait() error {
	if cmd := pm.current(); cmd != nil {
		return cmd.Wait()
	}
	return nil
}

func (pm *ProcessManager) stopped() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.stopping
}

// Supervise keeps the helper running until ctx ends or Stop is called,
// restarting it with exponential backoff. onState reports whether the
// helper is up.
func (pm *ProcessManager) Supervise(ctx context.Context, onState func(up bool)) {
	if len(pm.command) == 0 {
		return
	}
	backoff := pm.Backoff
	for {
		reason := "start_failed"
		if err := pm.Start(); err != nil {
			logger.Log.Error("Supervisor: helper failed to start", "err", err)
		} else {
			onState(true)
			started := time.Now()
			exited := make(chan error, 1)
			go func() { exited <- pm.Wait() }()

			select {
			case err := <-exited:
				onState(false)
				reason = "exited"
				logger.Log.Warn("Supervisor: helper exited", "err", err, "uptime", time.Since(started))
				if time.Since(started) >= stableAfter {
					backoff = pm.Backoff
				}
			case <-ctx.Done():
				_ = pm.Stop()
				<-exited
				onState(false)
				return
			}
		}
		if pm.stopped() {
			return
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		monitor.HelperRestarts.WithLabelValues(reason).Inc()
		logger.Log.Info("Supervisor: restarting helper", "reason", reason, "backoff", backoff)
		if backoff *= 2; backoff > pm.MaxBackoff {
			backoff = pm.MaxBackoff
		}
	}
}

// Personal.AI order the ending
