package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"modelforge.evalgo.org/catalog"
	"modelforge.evalgo.org/jobs"
)

var reapOnce bool

var reaperCmd = &cobra.Command{
	Use:   "reaper",
	Short: "remove expired terminal jobs",
	Long: `Sweep the job store for terminal jobs older than the retention
window and delete them. With --once a single sweep runs and the
process exits; otherwise it sweeps immediately and then every 24
hours until stopped.

Only completed, failed and cancelled jobs are eligible; active jobs
are never touched regardless of age.`,
	Run: runReaper,
}

func init() {
	reaperCmd.Flags().BoolVar(&reapOnce, "once", false,
		"run a single sweep and exit")
	RootCmd.AddCommand(reaperCmd)
}

func runReaper(cmd *cobra.Command, args []string) {
	settings := mustSettings()

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The sweep only touches the job store; skip the runtime, caches and
	// broker that the other roles need.
	db, err := catalog.OpenDatabase(settings.Database.URL,
		settings.Database.MaxConnections, settings.App.Debug)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	pool, err := jobs.OpenPool(ctx, settings.Database.URL,
		settings.Database.MaxConnections)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open job store pool")
	}

	store := jobs.NewSQLStore(db, pool)
	defer store.Close()

	reaper := jobs.NewReaper(store, settings.Job.Retention())
	if reapOnce {
		removed, err := reaper.RunOnce(ctx)
		if err != nil {
			logger.WithError(err).Fatal("Retention sweep failed")
		}
		logger.WithField("removed", removed).Info("Retention sweep finished")
		return
	}
	reaper.Run(ctx)
}
