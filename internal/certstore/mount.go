package certstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/looplab/fsm"

	"github.com/tyemirov/zertman/internal/shell"
	"github.com/tyemirov/zertman/pkg/logging"
)

// MountMode is the access mode of the system partition.
type MountMode string

const (
	MountModeReadOnly  MountMode = "ro"
	MountModeReadWrite MountMode = "rw"
	MountModeUnknown   MountMode = "unknown"
)

const (
	mountStateReadOnly  = "read_only"
	mountStateReadWrite = "read_write"
	mountStateDegraded  = "degraded"

	mountEventRemountReadWrite = "remount_rw"
	mountEventRemountReadOnly  = "remount_ro"
	mountEventRestoreFailed    = "restore_failed"

	logMessageRestoreReadOnlyFailed = "system partition left read-write"
	logFieldMountPoint              = "mount_point"
)

// mountSession brackets system store writes between a read-write remount and an
// unconditional read-only remount.
type mountSession struct {
	commandRunner  shell.Runner
	loggingService *logging.Service
	mountPoint     string
	machine        *fsm.FSM
}

func newMountSession(commandRunner shell.Runner, loggingService *logging.Service, mountPoint string) *mountSession {
	machine := fsm.NewFSM(
		mountStateReadOnly,
		fsm.Events{
			{Name: mountEventRemountReadWrite, Src: []string{mountStateReadOnly, mountStateDegraded}, Dst: mountStateReadWrite},
			{Name: mountEventRemountReadOnly, Src: []string{mountStateReadWrite}, Dst: mountStateReadOnly},
			{Name: mountEventRestoreFailed, Src: []string{mountStateReadWrite}, Dst: mountStateDegraded},
		},
		fsm.Callbacks{},
	)
	return &mountSession{
		commandRunner:  commandRunner,
		loggingService: loggingService,
		mountPoint:     mountPoint,
		machine:        machine,
	}
}

// acquireReadWrite remounts the partition read-write. The returned release function
// must be called on every exit path; it remounts read-only even when the bracketed
// operation failed.
func (session *mountSession) acquireReadWrite(ctx context.Context) (func(), error) {
	if !session.machine.Can(mountEventRemountReadWrite) {
		return nil, fmt.Errorf("remount %s read-write: partition already held in state %s", session.mountPoint, session.machine.Current())
	}
	if _, err := session.commandRunner.Run(ctx, remountCommand(MountModeReadWrite, session.mountPoint)); err != nil {
		session.restoreReadOnly(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w: remount %s read-write: %w", ErrPrivilegedCommand, session.mountPoint, err)
	}
	if err := session.machine.Event(ctx, mountEventRemountReadWrite); err != nil {
		return nil, fmt.Errorf("track remount of %s: %w", session.mountPoint, err)
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		releaseContext := context.WithoutCancel(ctx)
		if session.restoreReadOnly(releaseContext) {
			_ = session.machine.Event(releaseContext, mountEventRemountReadOnly)
			return
		}
		_ = session.machine.Event(releaseContext, mountEventRestoreFailed)
	}, nil
}

func (session *mountSession) restoreReadOnly(ctx context.Context) bool {
	_, err := session.commandRunner.Run(ctx, remountCommand(MountModeReadOnly, session.mountPoint))
	if err == nil {
		return true
	}
	if session.loggingService != nil {
		session.loggingService.Error(logMessageRestoreReadOnlyFailed, err, logging.String(logFieldMountPoint, session.mountPoint))
	}
	return false
}

func (session *mountSession) state() string {
	return session.machine.Current()
}

func remountCommand(mode MountMode, mountPoint string) string {
	return fmt.Sprintf("mount -o remount,%s %s", mode, shell.Quote(mountPoint))
}

// parseMountMode finds mountPoint in mount(8) output. Both the
// "device on /system type ext4 (ro,...)" and "device /system ext4 ro,... 0 0"
// layouts are recognised.
func parseMountMode(lines []string, mountPoint string) MountMode {
	for _, line := range lines {
		fields := strings.Fields(line)
		options := ""
		switch {
		case len(fields) >= 6 && fields[1] == "on" && fields[2] == mountPoint:
			options = strings.Trim(fields[5], "()")
		case len(fields) >= 4 && fields[1] == mountPoint:
			options = fields[3]
		default:
			continue
		}
		for _, option := range strings.Split(options, ",") {
			switch option {
			case string(MountModeReadOnly):
				return MountModeReadOnly
			case string(MountModeReadWrite):
				return MountModeReadWrite
			}
		}
		return MountModeUnknown
	}
	return MountModeUnknown
}
