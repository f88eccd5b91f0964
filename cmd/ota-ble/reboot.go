package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync/atomic"
)

// exitReboot is the exit status that asks the service supervisor to
// restart the daemon after a ResetDevice command.
const exitReboot = 3

// rebooter carries out ResetDevice. With a command configured it runs it
// (typically a host reboot); without one it stops the daemon and main
// exits with exitReboot.
type rebooter struct {
	command []string
	stop    context.CancelFunc
	log     *slog.Logger

	requested atomic.Bool
}

func newRebooter(command []string, stop context.CancelFunc, log *slog.Logger) *rebooter {
	return &rebooter{command: command, stop: stop, log: log}
}

func (r *rebooter) Reboot(ctx context.Context) error {
	defer r.stop()
	if len(r.command) == 0 {
		r.requested.Store(true)
		r.log.Info("[OTA] reset: stopping daemon")
		return nil
	}

	r.log.Info("[OTA] reset: running command", "command", r.command)
	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...) //nolint:gosec // command comes from the operator's config
	if out, err := cmd.CombinedOutput(); err != nil {
		// Fall back to a supervised restart.
		r.requested.Store(true)
		return fmt.Errorf("reset command: %w: %s", err, out)
	}
	return nil
}

func (r *rebooter) exitRequested() bool {
	return r.requested.Load()
}
