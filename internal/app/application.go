package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tyemirov/zertman/internal/certstore"
	"github.com/tyemirov/zertman/internal/shell"
	"github.com/tyemirov/zertman/pkg/logging"
)

type contextKey string

const (
	contextKeyApplicationResources contextKey = "application-resources"

	defaultConfigFileName  = "config"
	defaultConfigFileType  = "yaml"
	defaultApplicationName = "zertman"

	shellModeSu  = "su"
	shellModeADB = "adb"

	outputFormatTable = "table"
	outputFormatJSON  = "json"
	outputFormatYAML  = "yaml"

	flagNameConfigFile      = "config"
	flagNameUserDirectory   = "user-dir"
	flagNameSystemDirectory = "system-dir"
	flagNameMountPoint      = "mount-point"
	flagNameShellMode       = "shell"
	flagNameADBSerial       = "serial"
	flagNameRetries         = "retries"
	flagNameOutputFormat    = "output"
	flagNameLoggingType     = "logging-type"
	flagNameSystem          = "system"
	flagNameDescribe        = "describe"

	configKeyUserDirectory   = "store.user_directory"
	configKeySystemDirectory = "store.system_directory"
	configKeyMountPoint      = "store.mount_point"
	configKeyShellMode       = "shell.mode"
	configKeyADBSerial       = "shell.adb_serial"
	configKeyRetries         = "shell.retries"
	configKeyOutputFormat    = "output.format"
	configKeyLoggingType     = "logging.type"

	logMessageFailedInitializeLogger = "failed to initialize logger"
	logMessageResolveUserConfigDir   = "resolve user config directory"
	logMessageCommandExecutionFailed = "command execution failed"
)

type applicationResources struct {
	configurationManager *viper.Viper
	loggingService       *logging.Service
	defaultConfigDirPath string
	outputWriter         io.Writer
	logWriter            io.Writer
	commandRunner        shell.Runner
}

func (resources *applicationResources) updateLogger(loggingType string) error {
	normalizedType, err := logging.NormalizeType(loggingType)
	if err != nil {
		return err
	}
	if resources.loggingService != nil && resources.loggingService.Type() == normalizedType {
		return nil
	}
	service, err := logging.NewServiceWithWriter(normalizedType, resources.logWriter)
	if err != nil {
		return err
	}
	if resources.loggingService != nil {
		_ = resources.loggingService.Sync()
	}
	resources.loggingService = service
	return nil
}

// layout returns the configured store directories.
func (resources *applicationResources) layout() certstore.Layout {
	return certstore.Layout{
		UserDirectory:    strings.TrimSpace(resources.configurationManager.GetString(configKeyUserDirectory)),
		SystemDirectory:  strings.TrimSpace(resources.configurationManager.GetString(configKeySystemDirectory)),
		SystemMountPoint: strings.TrimSpace(resources.configurationManager.GetString(configKeyMountPoint)),
	}
}

// runner returns the privileged runner selected by configuration, wrapped in the configured retry policy.
func (resources *applicationResources) runner() (shell.Runner, error) {
	baseRunner := resources.commandRunner
	if baseRunner == nil {
		switch mode := strings.ToLower(strings.TrimSpace(resources.configurationManager.GetString(configKeyShellMode))); mode {
		case shellModeSu:
			baseRunner = shell.NewSuRunner()
		case shellModeADB:
			baseRunner = shell.NewADBRunner(resources.configurationManager.GetString(configKeyADBSerial))
		default:
			return nil, fmt.Errorf("unsupported shell mode %q (expected %s or %s)", mode, shellModeSu, shellModeADB)
		}
	}
	retries := resources.configurationManager.GetInt(configKeyRetries)
	if retries < 0 {
		return nil, fmt.Errorf("retries must not be negative: %d", retries)
	}
	return shell.NewRetryingRunner(baseRunner, shell.RetryPolicy{MaxRetries: uint64(retries)}), nil
}

func (resources *applicationResources) store() (*certstore.Store, error) {
	commandRunner, err := resources.runner()
	if err != nil {
		return nil, err
	}
	store := certstore.NewStore(commandRunner, resources.loggingService, certstore.Configuration{Layout: resources.layout()})
	store.SetListener(certstore.ListenerFunc(func(change certstore.Change) {
		logStoreChange(resources.loggingService, change)
	}))
	return store, nil
}

// Execute runs the CLI using the provided context and arguments, returning an exit code.
func Execute(ctx context.Context, arguments []string) int {
	return execute(ctx, arguments, os.Stdout, os.Stderr, nil)
}

func execute(ctx context.Context, arguments []string, outputWriter io.Writer, logWriter io.Writer, commandRunner shell.Runner) int {
	initialService, err := logging.NewServiceWithWriter(logging.TypeConsole, logWriter)
	if err != nil {
		fmt.Fprintf(logWriter, "%s: %v\n", logMessageFailedInitializeLogger, err)
		return 1
	}
	configurationManager := viper.New()
	configurationManager.SetEnvPrefix(strings.ToUpper(defaultApplicationName))
	configurationManager.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configurationManager.AutomaticEnv()

	userConfigDir, userConfigErr := os.UserConfigDir()
	if userConfigErr != nil {
		initialService.Error(logMessageResolveUserConfigDir, userConfigErr)
		return 1
	}

	configurationManager.SetDefault(configKeyUserDirectory, certstore.DefaultUserDirectory)
	configurationManager.SetDefault(configKeySystemDirectory, certstore.DefaultSystemDirectory)
	configurationManager.SetDefault(configKeyMountPoint, certstore.DefaultSystemMountPoint)
	configurationManager.SetDefault(configKeyShellMode, shellModeSu)
	configurationManager.SetDefault(configKeyADBSerial, "")
	configurationManager.SetDefault(configKeyRetries, 0)
	configurationManager.SetDefault(configKeyOutputFormat, outputFormatTable)
	configurationManager.SetDefault(configKeyLoggingType, logging.TypeConsole)
	resources := &applicationResources{
		configurationManager: configurationManager,
		loggingService:       initialService,
		defaultConfigDirPath: filepath.Join(userConfigDir, defaultApplicationName),
		outputWriter:         outputWriter,
		logWriter:            logWriter,
		commandRunner:        commandRunner,
	}
	defer func() {
		if resources.loggingService != nil {
			_ = resources.loggingService.Sync()
		}
	}()

	rootCommand := newRootCommand(resources)
	rootCommand.SetContext(context.WithValue(ctx, contextKeyApplicationResources, resources))
	rootCommand.SetArgs(arguments)
	rootCommand.SetOut(outputWriter)
	rootCommand.SetErr(logWriter)

	if executionErr := rootCommand.Execute(); executionErr != nil {
		resources.loggingService.Error(logMessageCommandExecutionFailed, executionErr)
		return 1
	}

	return 0
}
