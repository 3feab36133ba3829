package cmd

import (
	"github.com/spf13/cobra"

	"github.com/maestroproject/maestro/internal/common"
	commonconfig "github.com/maestroproject/maestro/internal/common/config"
	"github.com/maestroproject/maestro/internal/scheduler/configuration"
)

func RootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler",
		SilenceUsage: true,
		Short:        "The maestro dag scheduler",
	}

	cmd.PersistentFlags().StringSlice(
		"config",
		[]string{},
		"Fully qualified path to application configuration file (for multiple config files repeat this arg or separate paths with commas)")

	cmd.AddCommand(
		runCmd(),
		migrateDbCmd(),
		pruneDbCmd(),
	)

	return cmd
}

func loadConfig(cmd *cobra.Command) (configuration.Configuration, error) {
	var config configuration.Configuration
	userSpecifiedConfigs, err := cmd.Flags().GetStringSlice("config")
	if err != nil {
		return config, err
	}
	if err := common.LoadConfig(&config, "./config/scheduler", userSpecifiedConfigs); err != nil {
		return config, err
	}
	if err := config.Validate(); err != nil {
		commonconfig.LogValidationErrors(err)
		return config, err
	}
	return config, nil
}
