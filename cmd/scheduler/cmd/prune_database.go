package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/clock"

	"github.com/maestroproject/maestro/internal/common/database"
	schedulerdb "github.com/maestroproject/maestro/internal/scheduler/database"
)

func pruneDbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pruneDatabase",
		Short: "removes old data from the database",
		RunE:  pruneDatabase,
	}
	cmd.Flags().Duration(
		"timeout",
		5*time.Minute,
		"Duration after which the prune will fail if it has not completed")
	cmd.Flags().Int(
		"batchsize",
		10000,
		"Number of dag runs that will be deleted in a single batch")
	cmd.Flags().Duration(
		"expireAfter",
		7*24*time.Hour,
		"Length of time after completion that dag run data will be removed")
	return cmd
}

func pruneDatabase(cmd *cobra.Command, _ []string) error {
	timeout, err := cmd.Flags().GetDuration("timeout")
	if err != nil {
		return errors.WithStack(err)
	}
	batchSize, err := cmd.Flags().GetInt("batchsize")
	if err != nil {
		return errors.WithStack(err)
	}
	expireAfter, err := cmd.Flags().GetDuration("expireAfter")
	if err != nil {
		return errors.WithStack(err)
	}

	config, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	db, err := database.OpenPgxConn(ctx, config.Postgres)
	if err != nil {
		return errors.Wrap(err, "Failed to connect to database")
	}
	defer db.Close(ctx)
	return schedulerdb.PruneDb(ctx, db, batchSize, expireAfter, clock.RealClock{})
}
