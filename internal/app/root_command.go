package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func newRootCommand(resources *applicationResources) *cobra.Command {
	rootCommand := &cobra.Command{
		Use:           defaultApplicationName,
		Short:         "Manage user and system CA certificates on a rooted Android device",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfigurationFile(cmd); err != nil {
				return err
			}
			return resources.updateLogger(resources.configurationManager.GetString(configKeyLoggingType))
		},
	}

	storeFlags := pflag.NewFlagSet("store", pflag.ContinueOnError)
	configureStoreFlags(storeFlags, resources.configurationManager)
	rootCommand.PersistentFlags().AddFlagSet(storeFlags)

	rootCommand.PersistentFlags().String(flagNameConfigFile, "", "Path to configuration file")

	rootCommand.AddCommand(newListCommand())
	rootCommand.AddCommand(newDeleteCommand())
	rootCommand.AddCommand(newPromoteCommand())
	rootCommand.AddCommand(newDescribeCommand())
	rootCommand.AddCommand(newStatusCommand())
	rootCommand.AddCommand(newWatchCommand())

	return rootCommand
}

func configureStoreFlags(flagSet *pflag.FlagSet, configurationManager *viper.Viper) {
	flagSet.String(flagNameUserDirectory, configurationManager.GetString(configKeyUserDirectory), "Directory holding user-installed certificates")
	flagSet.String(flagNameSystemDirectory, configurationManager.GetString(configKeySystemDirectory), "Directory holding system certificates")
	flagSet.String(flagNameMountPoint, configurationManager.GetString(configKeyMountPoint), "Mount point of the partition containing the system directory")
	flagSet.String(flagNameShellMode, configurationManager.GetString(configKeyShellMode), "Privileged shell (su or adb)")
	flagSet.String(flagNameADBSerial, configurationManager.GetString(configKeyADBSerial), "Device serial used with --shell adb")
	flagSet.Int(flagNameRetries, configurationManager.GetInt(configKeyRetries), "Retries for failed privileged commands")
	flagSet.StringP(flagNameOutputFormat, "o", configurationManager.GetString(configKeyOutputFormat), "Output format (table, json or yaml)")
	flagSet.String(flagNameLoggingType, configurationManager.GetString(configKeyLoggingType), "Logging type (CONSOLE or JSON)")
	_ = configurationManager.BindPFlag(configKeyUserDirectory, flagSet.Lookup(flagNameUserDirectory))
	_ = configurationManager.BindPFlag(configKeySystemDirectory, flagSet.Lookup(flagNameSystemDirectory))
	_ = configurationManager.BindPFlag(configKeyMountPoint, flagSet.Lookup(flagNameMountPoint))
	_ = configurationManager.BindPFlag(configKeyShellMode, flagSet.Lookup(flagNameShellMode))
	_ = configurationManager.BindPFlag(configKeyADBSerial, flagSet.Lookup(flagNameADBSerial))
	_ = configurationManager.BindPFlag(configKeyRetries, flagSet.Lookup(flagNameRetries))
	_ = configurationManager.BindPFlag(configKeyOutputFormat, flagSet.Lookup(flagNameOutputFormat))
	_ = configurationManager.BindPFlag(configKeyLoggingType, flagSet.Lookup(flagNameLoggingType))
}

func loadConfigurationFile(cmd *cobra.Command) error {
	resources, err := getApplicationResources(cmd)
	if err != nil {
		return err
	}
	configurationManager := resources.configurationManager
	configFilePath, flagErr := cmd.Flags().GetString(flagNameConfigFile)
	if flagErr != nil {
		return fmt.Errorf("read config flag: %w", flagErr)
	}
	if configFilePath != "" {
		configurationManager.SetConfigFile(configFilePath)
	} else {
		configurationManager.AddConfigPath(resources.defaultConfigDirPath)
		configurationManager.SetConfigName(defaultConfigFileName)
		configurationManager.SetConfigType(defaultConfigFileType)
	}
	if readErr := configurationManager.ReadInConfig(); readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return fmt.Errorf("read configuration: %w", readErr)
		}
	}
	return nil
}

func getApplicationResources(cmd *cobra.Command) (*applicationResources, error) {
	resourceValue := cmd.Context().Value(contextKeyApplicationResources)
	if resourceValue == nil {
		return nil, errors.New("application resources not configured")
	}
	resources, ok := resourceValue.(*applicationResources)
	if !ok {
		return nil, errors.New("invalid application resources type")
	}
	return resources, nil
}
