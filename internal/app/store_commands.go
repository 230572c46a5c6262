package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tyemirov/zertman/internal/certstore"
	"github.com/tyemirov/zertman/pkg/logging"
)

const (
	logMessageStoreChanged   = "certificate store changed"
	logMessageReceivedSignal = "received shutdown signal"
	logMessageWatching       = "watching certificate stores"
	logFieldChange           = "change"
	logFieldCertificate      = "certificate"
	logFieldStore            = "store"
	logFieldSignal           = "signal"
	logFieldDirectories      = "directories"
)

// certificateRecord is the output row for one certificate.
type certificateRecord struct {
	FileName string `json:"file_name" yaml:"file_name"`
	Store    string `json:"store" yaml:"store"`
	Summary  string `json:"summary,omitempty" yaml:"summary,omitempty"`
	Detail   string `json:"detail,omitempty" yaml:"detail,omitempty"`
	Mode     string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

type statusRecord struct {
	MountPoint      string `json:"mount_point" yaml:"mount_point"`
	Mode            string `json:"mode" yaml:"mode"`
	UserDirectory   string `json:"user_directory" yaml:"user_directory"`
	SystemDirectory string `json:"system_directory" yaml:"system_directory"`
}

func newListCommand() *cobra.Command {
	listCommand := &cobra.Command{
		Use:   "list",
		Short: "List certificates in the user or system store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
	listCommand.Flags().Bool(flagNameSystem, false, "List the system store instead of the user store")
	listCommand.Flags().Bool(flagNameDescribe, false, "Include subject and issuer labels")
	return listCommand
}

func newDeleteCommand() *cobra.Command {
	deleteCommand := &cobra.Command{
		Use:   "delete <file-name>",
		Short: "Delete a certificate from the user or system store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, args[0])
		},
	}
	deleteCommand.Flags().Bool(flagNameSystem, false, "Delete from the system store")
	return deleteCommand
}

func newPromoteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "promote <file-name>",
		Short: "Move a user certificate into the system store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPromote(cmd, args[0])
		},
	}
}

func newDescribeCommand() *cobra.Command {
	describeCommand := &cobra.Command{
		Use:   "describe <file-name>",
		Short: "Show the subject and issuer labels of a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDescribe(cmd, args[0])
		},
	}
	describeCommand.Flags().Bool(flagNameSystem, false, "Describe a system store certificate")
	return describeCommand
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the system partition is mounted read-only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd)
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Log certificates added or removed by other programs (run on the device)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd)
		},
	}
}

func runList(cmd *cobra.Command) error {
	resources, store, err := resolveStore(cmd)
	if err != nil {
		return err
	}
	system, _ := cmd.Flags().GetBool(flagNameSystem)
	describe, _ := cmd.Flags().GetBool(flagNameDescribe)
	certificates, err := store.List(cmd.Context(), system)
	if err != nil {
		return err
	}
	records := make([]certificateRecord, 0, len(certificates))
	for _, certificate := range certificates {
		record := certificateRecord{FileName: certificate.FileName, Store: certificate.StoreName()}
		if describe {
			description := store.Describe(cmd.Context(), certificate)
			record.Summary = description.Summary
			record.Detail = description.Detail
		}
		records = append(records, record)
	}
	return writeOutput(resources, records, certificateTable(records, describe))
}

func runDelete(cmd *cobra.Command, fileName string) error {
	_, store, err := resolveStore(cmd)
	if err != nil {
		return err
	}
	system, _ := cmd.Flags().GetBool(flagNameSystem)
	certificate, err := certificateArgument(fileName, system)
	if err != nil {
		return err
	}
	if err := store.Delete(cmd.Context(), certificate); err != nil {
		return fmt.Errorf("delete certificate: %w", err)
	}
	return nil
}

func runPromote(cmd *cobra.Command, fileName string) error {
	resources, store, err := resolveStore(cmd)
	if err != nil {
		return err
	}
	certificate, err := certificateArgument(fileName, false)
	if err != nil {
		return err
	}
	moved, err := store.MoveToSystem(cmd.Context(), certificate)
	if err != nil {
		return fmt.Errorf("promote certificate: %w", err)
	}
	permissions, err := store.Permissions(cmd.Context(), moved)
	if err != nil {
		return err
	}
	record := certificateRecord{FileName: moved.FileName, Store: moved.StoreName(), Mode: permissions}
	return writeOutput(resources, record, [][]string{{"FILE", "STORE", "MODE"}, {record.FileName, record.Store, permissions}})
}

func runDescribe(cmd *cobra.Command, fileName string) error {
	resources, store, err := resolveStore(cmd)
	if err != nil {
		return err
	}
	system, _ := cmd.Flags().GetBool(flagNameSystem)
	certificate, err := certificateArgument(fileName, system)
	if err != nil {
		return err
	}
	description := store.Describe(cmd.Context(), certificate)
	record := certificateRecord{
		FileName: certificate.FileName,
		Store:    certificate.StoreName(),
		Summary:  description.Summary,
		Detail:   description.Detail,
	}
	return writeOutput(resources, record, certificateTable([]certificateRecord{record}, true))
}

func runStatus(cmd *cobra.Command) error {
	resources, store, err := resolveStore(cmd)
	if err != nil {
		return err
	}
	mode, err := store.MountMode(cmd.Context())
	if err != nil {
		return err
	}
	layout := store.Layout()
	record := statusRecord{
		MountPoint:      layout.SystemMountPoint,
		Mode:            string(mode),
		UserDirectory:   layout.UserDirectory,
		SystemDirectory: layout.SystemDirectory,
	}
	if err := writeOutput(resources, record, [][]string{{"MOUNT POINT", "MODE"}, {record.MountPoint, record.Mode}}); err != nil {
		return err
	}
	if mode == certstore.MountModeReadWrite {
		return fmt.Errorf("%s is mounted read-write", layout.SystemMountPoint)
	}
	return nil
}

func runWatch(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	layout := resources.layout()
	watcher := certstore.NewWatcher(layout, resources.loggingService, certstore.ListenerFunc(func(change certstore.Change) {
		logStoreChange(resources.loggingService, change)
	}))
	watchContext, cancel := createSignalContext(cmd.Context(), resources.loggingService)
	defer cancel()
	resources.loggingService.Info(logMessageWatching, logging.Strings(logFieldDirectories, []string{layout.UserDirectory, layout.SystemDirectory}))
	return watcher.Run(watchContext)
}

func resolveStore(cmd *cobra.Command) (*applicationResources, *certstore.Store, error) {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return nil, nil, err
	}
	store, err := resources.store()
	if err != nil {
		return nil, nil, err
	}
	return resources, store, nil
}

func certificateArgument(fileName string, system bool) (certstore.Certificate, error) {
	trimmed := strings.TrimSpace(fileName)
	if trimmed == "" || trimmed == "." || trimmed == ".." || strings.Contains(trimmed, "/") {
		return certstore.Certificate{}, fmt.Errorf("invalid certificate file name %q", fileName)
	}
	return certstore.NewCertificate(trimmed, system), nil
}

func logStoreChange(loggingService *logging.Service, change certstore.Change) {
	if loggingService == nil {
		return
	}
	loggingService.Info(logMessageStoreChanged,
		logging.String(logFieldChange, string(change.Kind)),
		logging.String(logFieldCertificate, change.Certificate.FileName),
		logging.String(logFieldStore, change.Certificate.StoreName()),
	)
}

func createSignalContext(parent context.Context, loggingService *logging.Service) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
			return
		case receivedSignal := <-signalChannel:
			if loggingService != nil {
				loggingService.Info(logMessageReceivedSignal, logging.String(logFieldSignal, receivedSignal.String()))
			}
			cancel()
		}
	}()

	return ctx, func() {
		signal.Stop(signalChannel)
		cancel()
	}
}
