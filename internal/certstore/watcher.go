package certstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/tyemirov/zertman/pkg/logging"
)

const (
	watchedOperations = fsnotify.Create | fsnotify.Remove | fsnotify.Rename

	logMessageWatcherError = "certificate directory watcher error"
)

// Watcher reports certificates added or removed by other programs, for example
// through the system settings. It reads the directories directly and therefore
// only works when running on the device with permission to list both stores.
type Watcher struct {
	layout         Layout
	loggingService *logging.Service
	listener       Listener
}

// NewWatcher constructs a Watcher that forwards external changes to listener.
func NewWatcher(layout Layout, loggingService *logging.Service, listener Listener) *Watcher {
	return &Watcher{layout: layout.withDefaults(), loggingService: loggingService, listener: listener}
}

// Run watches both store directories until ctx is cancelled.
func (watcher *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create directory watcher: %w", err)
	}
	defer notifier.Close()

	directories := map[string]bool{
		filepath.Clean(watcher.layout.UserDirectory):   false,
		filepath.Clean(watcher.layout.SystemDirectory): true,
	}
	for directory := range directories {
		if err := notifier.Add(directory); err != nil {
			return fmt.Errorf("watch %s: %w", directory, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			change, relevant := changeFromEvent(event, directories)
			if relevant && watcher.listener != nil {
				watcher.listener.CertificatesChanged(change)
			}
		case watchErr, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			if watcher.loggingService != nil {
				watcher.loggingService.Warn(logMessageWatcherError, watchErr)
			}
		}
	}
}

func changeFromEvent(event fsnotify.Event, directories map[string]bool) (Change, bool) {
	if event.Op&watchedOperations == 0 {
		return Change{}, false
	}
	fileName := filepath.Base(event.Name)
	if strings.HasPrefix(fileName, stagingFilePrefix) {
		return Change{}, false
	}
	system, known := directories[filepath.Dir(event.Name)]
	if !known {
		return Change{}, false
	}
	return Change{Kind: ChangeExternal, Certificate: NewCertificate(fileName, system)}, true
}
