package certstore

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tyemirov/zertman/internal/shell"
	"github.com/tyemirov/zertman/pkg/logging"
)

const (
	systemCertificateFileMode = "644"
	stagingFilePrefix         = "."
	stagingFileSuffix         = ".tmp"

	logMessageCommandFailed     = "privileged command failed"
	logMessageCleanupFailed     = "cleanup after failed move did not complete"
	logMessageDescriptionFailed = "certificate description unavailable"
	logMessageSourceRemoved     = "source removal reported failure but source is gone"
	logFieldCommand             = "command"
	logFieldCertificate         = "certificate"
)

// Configuration controls the store locations and collaborators.
type Configuration struct {
	Layout        Layout
	ContentReader ContentReader
}

// Store manages the user and system certificate directories through a privileged runner.
// Mutations are serialized; the system partition is remounted read-write only for the
// duration of a system store mutation.
type Store struct {
	commandRunner  shell.Runner
	contentReader  ContentReader
	loggingService *logging.Service
	layout         Layout
	mount          *mountSession
	mutations      *semaphore.Weighted

	listenerMutex sync.RWMutex
	listener      Listener
}

// NewStore constructs a Store. A nil loggingService disables logging; a nil
// ContentReader reads through commandRunner.
func NewStore(commandRunner shell.Runner, loggingService *logging.Service, configuration Configuration) *Store {
	layout := configuration.Layout.withDefaults()
	contentReader := configuration.ContentReader
	if contentReader == nil {
		contentReader = NewShellContentReader(commandRunner)
	}
	return &Store{
		commandRunner:  commandRunner,
		contentReader:  contentReader,
		loggingService: loggingService,
		layout:         layout,
		mount:          newMountSession(commandRunner, loggingService, layout.SystemMountPoint),
		mutations:      semaphore.NewWeighted(1),
	}
}

// Layout returns the directories managed by the store.
func (store *Store) Layout() Layout {
	return store.layout
}

// SetListener registers listener, replacing any previous one. A nil listener clears the registration.
func (store *Store) SetListener(listener Listener) {
	store.listenerMutex.Lock()
	defer store.listenerMutex.Unlock()
	store.listener = listener
}

// List returns the certificates in the system or user store, sorted by file name.
func (store *Store) List(ctx context.Context, system bool) ([]Certificate, error) {
	directory := store.layout.Directory(system)
	lines, err := store.run(ctx, fmt.Sprintf("ls -1 %s", shell.Quote(directory)))
	if err != nil {
		// The user directory is only created once the first certificate is added.
		if !errors.Is(err, shell.ErrCommandFailed) {
			return nil, fmt.Errorf("list %s: %w", directory, err)
		}
		directoryExists, existsErr := store.exists(ctx, directory)
		if existsErr != nil || directoryExists {
			return nil, fmt.Errorf("list %s: %w", directory, err)
		}
		return []Certificate{}, nil
	}
	seen := map[string]struct{}{}
	certificates := make([]Certificate, 0, len(lines))
	for _, line := range lines {
		fileName := path.Base(strings.TrimSpace(line))
		if fileName == "" || fileName == "." || strings.HasPrefix(fileName, stagingFilePrefix) {
			continue
		}
		if _, exists := seen[fileName]; exists {
			continue
		}
		seen[fileName] = struct{}{}
		certificates = append(certificates, NewCertificate(fileName, system))
	}
	sort.Slice(certificates, func(left int, right int) bool {
		return certificates[left].FileName < certificates[right].FileName
	})
	return certificates, nil
}

// Delete removes the certificate file. System store deletions happen inside a
// read-write mount bracket that always ends read-only.
func (store *Store) Delete(ctx context.Context, certificate Certificate) error {
	if err := store.lockMutations(ctx); err != nil {
		return err
	}
	err := store.deleteLocked(ctx, certificate)
	store.mutations.Release(1)
	if err != nil {
		return err
	}
	store.notify(Change{Kind: ChangeDeleted, Certificate: certificate})
	return nil
}

func (store *Store) deleteLocked(ctx context.Context, certificate Certificate) error {
	certificatePath := certificate.Path(store.layout)
	exists, err := store.exists(ctx, certificatePath)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("delete %s: %w", certificatePath, ErrNotFound)
	}
	if certificate.System {
		release, acquireErr := store.mount.acquireReadWrite(ctx)
		if acquireErr != nil {
			return fmt.Errorf("delete %s: %w", certificatePath, acquireErr)
		}
		defer release()
	}
	if _, err := store.run(ctx, fmt.Sprintf("rm %s", shell.Quote(certificatePath))); err != nil {
		return fmt.Errorf("delete %s: %w", certificatePath, err)
	}
	return nil
}

// MoveToSystem promotes a user certificate into the system store and returns the
// descriptor of the new location. On failure the stores are left as they were.
func (store *Store) MoveToSystem(ctx context.Context, certificate Certificate) (Certificate, error) {
	if certificate.System {
		return Certificate{}, fmt.Errorf("move %s: %w", certificate.FileName, ErrNotUserCertificate)
	}
	if err := store.lockMutations(ctx); err != nil {
		return Certificate{}, err
	}
	moved, err := store.moveLocked(ctx, certificate)
	store.mutations.Release(1)
	if err != nil {
		return Certificate{}, err
	}
	store.notify(Change{Kind: ChangeMoved, Certificate: moved})
	return moved, nil
}

func (store *Store) moveLocked(ctx context.Context, certificate Certificate) (Certificate, error) {
	destination := NewCertificate(certificate.FileName, true)
	sourcePath := certificate.Path(store.layout)
	destinationPath := destination.Path(store.layout)

	sourceExists, err := store.exists(ctx, sourcePath)
	if err != nil {
		return Certificate{}, err
	}
	if !sourceExists {
		return Certificate{}, fmt.Errorf("move %s: %w", sourcePath, ErrNotFound)
	}
	destinationExists, err := store.exists(ctx, destinationPath)
	if err != nil {
		return Certificate{}, err
	}
	if destinationExists {
		return Certificate{}, fmt.Errorf("move %s: %w", destinationPath, ErrAlreadyExists)
	}

	release, err := store.mount.acquireReadWrite(ctx)
	if err != nil {
		return Certificate{}, fmt.Errorf("move %s: %w", sourcePath, err)
	}
	defer release()

	stagingPath := path.Join(store.layout.SystemDirectory, stagingFilePrefix+certificate.FileName+"."+uuid.NewString()+stagingFileSuffix)
	steps := []string{
		fmt.Sprintf("cp %s %s", shell.Quote(sourcePath), shell.Quote(stagingPath)),
		fmt.Sprintf("chmod %s %s", systemCertificateFileMode, shell.Quote(stagingPath)),
		fmt.Sprintf("mv %s %s", shell.Quote(stagingPath), shell.Quote(destinationPath)),
	}
	for _, step := range steps {
		if _, stepErr := store.run(ctx, step); stepErr != nil {
			store.removeQuietly(ctx, stagingPath)
			return Certificate{}, fmt.Errorf("move %s: %w", sourcePath, stepErr)
		}
	}
	if _, removeErr := store.run(ctx, fmt.Sprintf("rm %s", shell.Quote(sourcePath))); removeErr != nil {
		// rm may have taken effect even though it reported failure.
		sourceRemains, existsErr := store.exists(context.WithoutCancel(ctx), sourcePath)
		if existsErr != nil || sourceRemains {
			store.removeQuietly(ctx, destinationPath)
			return Certificate{}, fmt.Errorf("move %s: %w", sourcePath, removeErr)
		}
		if store.loggingService != nil {
			store.loggingService.Warn(logMessageSourceRemoved, removeErr, logging.String(logFieldCertificate, sourcePath))
		}
	}
	return destination, nil
}

// Describe returns a label pair for certificate, falling back to a placeholder when
// the content is missing or not a certificate.
func (store *Store) Describe(ctx context.Context, certificate Certificate) Description {
	certificatePath := certificate.Path(store.layout)
	content, err := store.contentReader.ReadCertificate(ctx, certificatePath)
	if err == nil {
		description, describeErr := describeContent(content)
		if describeErr == nil {
			return description
		}
		err = describeErr
	}
	if store.loggingService != nil {
		store.loggingService.Warn(logMessageDescriptionFailed, err, logging.String(logFieldCertificate, certificatePath))
	}
	return placeholderDescription(certificate)
}

// Permissions returns the symbolic file mode of the certificate, e.g. "-rw-r--r--".
func (store *Store) Permissions(ctx context.Context, certificate Certificate) (string, error) {
	certificatePath := certificate.Path(store.layout)
	lines, err := store.run(ctx, fmt.Sprintf("stat -c %%A %s", shell.Quote(certificatePath)))
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", certificatePath, err)
	}
	if len(lines) == 0 {
		return "", fmt.Errorf("stat %s: empty output", certificatePath)
	}
	return strings.TrimSpace(lines[0]), nil
}

// MountMode reports the current access mode of the system partition.
func (store *Store) MountMode(ctx context.Context) (MountMode, error) {
	lines, err := store.run(ctx, "mount")
	if err != nil {
		return MountModeUnknown, fmt.Errorf("read mount table: %w", err)
	}
	return parseMountMode(lines, store.layout.SystemMountPoint), nil
}

func (store *Store) lockMutations(ctx context.Context) error {
	if err := store.mutations.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for pending store mutation: %w", err)
	}
	return nil
}

func (store *Store) exists(ctx context.Context, certificatePath string) (bool, error) {
	_, err := store.commandRunner.Run(ctx, fmt.Sprintf("ls %s", shell.Quote(certificatePath)))
	if err == nil {
		return true, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return false, ctxErr
	}
	if errors.Is(err, shell.ErrCommandFailed) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %w", ErrPrivilegedCommand, err)
}

func (store *Store) removeQuietly(ctx context.Context, certificatePath string) {
	if _, err := store.run(context.WithoutCancel(ctx), fmt.Sprintf("rm -f %s", shell.Quote(certificatePath))); err != nil && store.loggingService != nil {
		store.loggingService.Error(logMessageCleanupFailed, err, logging.String(logFieldCertificate, certificatePath))
	}
}

func (store *Store) run(ctx context.Context, command string) ([]string, error) {
	lines, err := store.commandRunner.Run(ctx, command)
	if err != nil {
		if store.loggingService != nil {
			store.loggingService.Warn(logMessageCommandFailed, err, logging.String(logFieldCommand, command))
		}
		return nil, fmt.Errorf("%w: %w", ErrPrivilegedCommand, err)
	}
	return lines, nil
}

func (store *Store) notify(change Change) {
	store.listenerMutex.RLock()
	listener := store.listener
	store.listenerMutex.RUnlock()
	if listener != nil {
		listener.CertificatesChanged(change)
	}
}
