package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/maestroproject/maestro/internal/common/database"
	schedulerdb "github.com/maestroproject/maestro/internal/scheduler/database"
)

func migrateDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrateDatabase",
		Short: "migrates the scheduler database to the latest version",
		RunE:  migrateDatabase,
	}
	return cmd
}

func migrateDatabase(cmd *cobra.Command, _ []string) error {
	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning scheduler database migration")
	ctx := context.Background()
	db, err := database.OpenPgxConn(ctx, config.Postgres)
	if err != nil {
		return errors.Wrap(err, "Failed to connect to database")
	}
	defer db.Close(ctx)
	err = schedulerdb.Migrate(ctx, db)
	if err != nil {
		return errors.Wrap(err, "Failed to migrate scheduler database")
	}
	log.Infof("Scheduler database migrated in %s", time.Since(start))
	return nil
}
