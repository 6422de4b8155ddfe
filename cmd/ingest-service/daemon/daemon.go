// Package daemon provides the ingest service daemon for VitalSync.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/vitalsync/vitalsync/internal/common/cli"
	"github.com/vitalsync/vitalsync/internal/common/config"
	"github.com/vitalsync/vitalsync/internal/common/constants"
	"github.com/vitalsync/vitalsync/internal/common/metrics"
	"github.com/vitalsync/vitalsync/internal/ingest"
	"github.com/vitalsync/vitalsync/internal/ingest/database"
	"github.com/vitalsync/vitalsync/internal/ingest/pipeline"
	"github.com/vitalsync/vitalsync/internal/ingest/processor"
	"github.com/vitalsync/vitalsync/internal/ingest/workers"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *ingest.Service

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	JSONLogs  bool

	MetricsConfig metrics.Config
	DBconfig      database.Config
	MigrationsDir string

	PoolSize           int
	ClaimLimit         int
	PollInterval       time.Duration
	StaleJobAge        time.Duration
	StaleSweepInterval time.Duration

	ConfigPath string
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.IngestServiceCmdName,
		Short:         "VitalSync ingest service",
		Long:          "VitalSync ingest service drains queued health export payloads and inserts their samples into a PostgreSQL database.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.IngestServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetSlog(a.config.Verbosity, a.config.JSONLogs) // Update logging after loading config if necessary
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cmd.SilenceUsage = true

			return a.run()
		},
	}
	a.viper = viper.New()
	a.cmd.CompletionOptions.HiddenDefaultCmd = true

	installRootCmd(&a)
	installMigrateCmd(&a)
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")
	cmd.PersistentFlags().BoolVar(&app.config.JSONLogs, "json-logs", false, "enable JSON formatted logs")

	// Daemon flags
	cmd.Flags().StringVarP(&app.config.ConfigPath, "daemon-config", "c", "", "path to the configuration file")

	cmd.Flags().IntVar(&app.config.PoolSize, "pool-size", 0, "number of jobs each worker executes concurrently (0 uses the default)")
	cmd.Flags().IntVar(&app.config.ClaimLimit, "claim-limit", 0, "maximum jobs claimed per queue poll (0 uses the default)")
	cmd.Flags().DurationVar(&app.config.PollInterval, "poll-interval", 0, "how long an idle worker waits between queue polls (0 uses the default)")
	cmd.Flags().DurationVar(&app.config.StaleJobAge, "stale-job-age", 0, "how old a running job must be before the stale sweep requeues it (0 uses the default)")
	cmd.Flags().DurationVar(&app.config.StaleSweepInterval, "stale-sweep-interval", 0, "how often running jobs are checked for abandoned claims (0 uses the default)")

	// Metrics server flags
	cmd.Flags().DurationVar(&app.config.MetricsConfig.ReadTimeout, "read-timeout", 5*time.Second, "read timeout for the metrics HTTP server")
	cmd.Flags().DurationVar(&app.config.MetricsConfig.WriteTimeout, "write-timeout", 10*time.Second, "write timeout for the metrics HTTP server")
	cmd.Flags().StringVar(&app.config.MetricsConfig.Host, "metrics-host", "", "host for the metrics endpoint")
	cmd.Flags().IntVar(&app.config.MetricsConfig.Port, "metrics-port", 2113, "port for the metrics endpoint")

	addDBFlags(cmd, &app.config.DBconfig)

	if err := cmd.MarkFlagFilename("daemon-config"); err != nil {
		panic(fmt.Sprintf("failed to mark daemon-config flag as filename: %v", err))
	}
}

// addDBFlags registers the database flags as persistent so that the migrate
// subcommand can use them too.
func addDBFlags(cmd *cobra.Command, config *database.Config) {
	cmd.PersistentFlags().StringVar(&config.Host, "db-host", "", "database host")
	cmd.PersistentFlags().IntVarP(&config.Port, "db-port", "p", 5432, "database port")
	cmd.PersistentFlags().StringVarP(&config.User, "db-user", "u", "", "database user")
	cmd.PersistentFlags().StringVarP(&config.Password, "db-password", "P", "", "database password")
	cmd.PersistentFlags().StringVarP(&config.DBName, "db-name", "n", "", "database name")
	cmd.PersistentFlags().StringVarP(&config.SSLMode, "db-sslmode", "s", "", "database SSL mode")
}

// Run executes the command and associated process, returning an error if any.
func (a App) Run() error {
	return a.cmd.Execute()
}

// UsageError returns if the error is a command parsing or runtime one.
func (a App) UsageError() bool {
	return !a.cmd.SilenceUsage
}

// Hup prints all goroutine stack traces and return false to signal you shouldn't quit.
func (a App) Hup() (shouldQuit bool) {
	buf := make([]byte, 1<<16)
	runtime.Stack(buf, true)
	fmt.Printf("%s", buf)
	return false
}

// Quit gracefully shuts down the daemon.
func (a *App) Quit() {
	a.WaitReady()
	if a.daemon != nil {
		a.daemon.Quit(false)
	}
}

// WaitReady waits for the daemon to be ready.
func (a *App) WaitReady() {
	<-a.ready
}

// RootCmd returns the root command.
func (a App) RootCmd() cobra.Command {
	return *a.cmd
}

func (a *App) run() (err error) {
	defer func() {
		select {
		case <-a.ready:
		default:
			close(a.ready)
		}
	}()

	a.config.ConfigPath, err = filepath.Abs(a.config.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}
	cm := config.New(a.config.ConfigPath)
	db, err := database.New(context.Background(), a.config.DBconfig)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %v", err)
	}

	registry := prometheus.NewRegistry()
	orch, err := pipeline.New(db, registry)
	if err != nil {
		return fmt.Errorf("failed to create the ingestion pipeline: %v", err)
	}

	var procOpts []processor.Options
	if a.config.PoolSize > 0 {
		procOpts = append(procOpts, processor.WithPoolSize(a.config.PoolSize))
	}
	if a.config.ClaimLimit > 0 {
		procOpts = append(procOpts, processor.WithClaimLimit(a.config.ClaimLimit))
	}
	proc, err := processor.New(db, orch, nil, procOpts...)
	if err != nil {
		return fmt.Errorf("failed to create job processor: %v", err)
	}
	defer proc.Close()

	var workerOpts []workers.Options
	if a.config.PollInterval > 0 {
		workerOpts = append(workerOpts, workers.WithPollInterval(a.config.PollInterval))
	}
	workerPool, err := workers.New(cm, proc, registry, workerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %v", err)
	}

	metricsServer := metrics.New(a.config.MetricsConfig, registry)

	var serviceOpts []ingest.Option
	if a.config.StaleJobAge > 0 {
		serviceOpts = append(serviceOpts, ingest.WithStaleJobAge(a.config.StaleJobAge))
	}
	if a.config.StaleSweepInterval > 0 {
		serviceOpts = append(serviceOpts, ingest.WithStaleSweepInterval(a.config.StaleSweepInterval))
	}
	a.daemon = ingest.New(context.Background(), workerPool, db, metricsServer, serviceOpts...)
	close(a.ready)

	return a.daemon.Run()
}
