package cmd

import (
	"github.com/spf13/cobra"

	"github.com/maestroproject/maestro/internal/common/app"
	"github.com/maestroproject/maestro/internal/scheduler/schedulerapp"
)

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs the scheduler",
		RunE:  runScheduler,
	}
	return cmd
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return schedulerapp.Run(app.CreateContextWithShutdown(), config)
}
