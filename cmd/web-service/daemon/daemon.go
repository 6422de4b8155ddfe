// Package daemon provides the web service daemon for VitalSync.
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
	"github.com/vitalsync/vitalsync/internal/ingest/database"
	"github.com/vitalsync/vitalsync/internal/ingest/pipeline"
	"github.com/vitalsync/vitalsync/internal/ingest/queue"
	"github.com/vitalsync/vitalsync/internal/webservice"
)

// App represents the application.
type App struct {
	cmd    *cobra.Command
	viper  *viper.Viper
	config appConfig

	daemon *webservice.Server

	ready chan struct{}
}

// appConfig holds the configuration for the application.
type appConfig struct {
	Verbosity int
	Daemon    webservice.StaticConfig
	Database  database.Config
}

// New creates a new App instance with default values.
func New() (*App, error) {
	a := App{ready: make(chan struct{})}

	a.cmd = &cobra.Command{
		Use:           constants.WebServiceCmdName,
		Short:         "VitalSync web service",
		Long:          "VitalSync web service used for accepting HTTP requests with health exports from client devices.",
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Command parsing has been successful. Returns to not print usage anymore.
			a.cmd.SilenceUsage = true
			cli.SetVerbosity(a.config.Verbosity) // Set verbosity before loading config
			if err := cli.InitViperConfig(constants.WebServiceCmdName, a.cmd, a.viper); err != nil {
				return err
			}
			if err := a.viper.Unmarshal(&a.config); err != nil {
				return fmt.Errorf("unable to strictly decode configuration into struct: %w", err)
			}
			slog.Info("got app config", "config", a.config)

			cli.SetVerbosity(a.config.Verbosity)
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
	cli.InstallConfigFlag(a.cmd)

	if err := a.viper.BindPFlags(a.cmd.PersistentFlags()); err != nil {
		return nil, err
	}

	a.installVersion()

	return &a, nil
}

func installRootCmd(app *App) {
	cmd := app.cmd

	defaultConf := webservice.StaticConfig{
		ConfigPath: "",
		SpoolDir:   constants.DefaultServiceSpoolDir,

		ReadTimeout: 5 * time.Second,
		// Inline ingestion of a full-size payload runs several chunked
		// transactions inside the request, so the request timeout has to
		// cover multi-second database work. The write timeout stays above
		// it so the timeout body can still be written.
		WriteTimeout:   35 * time.Second,
		RequestTimeout: 30 * time.Second,
		MaxHeaderBytes: 1 << 13, // 8 KB
		MaxUploadBytes: 1 << 25, // 32 MB

		ListenPort: 8080,
	}

	defaultDB := database.Config{
		Host:    "localhost",
		Port:    5432,
		SSLMode: "prefer",
	}

	cmd.PersistentFlags().CountVarP(&app.config.Verbosity, "verbose", "v", "issue INFO (-v), DEBUG (-vv)")

	// Daemon flags
	cmd.Flags().StringVar(&app.config.Daemon.ConfigPath, "daemon-config", defaultConf.ConfigPath, "path to the configuration file")
	cmd.Flags().StringVar(&app.config.Daemon.SpoolDir, "spool-dir", defaultConf.SpoolDir, "directory to spool uploaded payloads in")

	cmd.Flags().DurationVar(&app.config.Daemon.ReadTimeout, "read-timeout", defaultConf.ReadTimeout, "read timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.WriteTimeout, "write-timeout", defaultConf.WriteTimeout, "write timeout for HTTP server")
	cmd.Flags().DurationVar(&app.config.Daemon.RequestTimeout, "request-timeout", defaultConf.RequestTimeout, "request timeout for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxHeaderBytes, "max-header-bytes", defaultConf.MaxHeaderBytes, "maximum header bytes for HTTP server")
	cmd.Flags().IntVar(&app.config.Daemon.MaxUploadBytes, "max-upload-bytes", defaultConf.MaxUploadBytes, "maximum upload bytes for HTTP server")

	cmd.Flags().StringVar(&app.config.Daemon.ListenHost, "listen-host", defaultConf.ListenHost, "host to listen on")
	cmd.Flags().IntVar(&app.config.Daemon.ListenPort, "listen-port", defaultConf.ListenPort, "port to listen on")

	// Database flags
	cmd.Flags().StringVar(&app.config.Database.Host, "db-host", defaultDB.Host, "database host")
	cmd.Flags().IntVar(&app.config.Database.Port, "db-port", defaultDB.Port, "database port")
	cmd.Flags().StringVar(&app.config.Database.User, "db-user", defaultDB.User, "database user")
	cmd.Flags().StringVar(&app.config.Database.Password, "db-password", defaultDB.Password, "database password")
	cmd.Flags().StringVar(&app.config.Database.DBName, "db-name", defaultDB.DBName, "database name")
	cmd.Flags().StringVar(&app.config.Database.SSLMode, "db-sslmode", defaultDB.SSLMode, "database SSL mode")

	err := cmd.MarkFlagFilename("daemon-config")
	if err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark daemon-config flag as filename: %v", err))
	}

	err = cmd.MarkFlagDirname("spool-dir")
	if err != nil {
		// This should never happen.
		panic(fmt.Sprintf("failed to mark spool-dir flag as dirname: %v", err))
	}
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

	a.config.Daemon.ConfigPath, err = filepath.Abs(a.config.Daemon.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path for config file: %v", err)
	}
	dConf := a.config.Daemon

	ctx := context.Background()
	cm := config.New(dConf.ConfigPath)

	db, err := database.New(ctx, a.config.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to the database: %v", err)
	}
	defer db.Close()

	registry := prometheus.NewRegistry()
	orch, err := pipeline.New(db, registry)
	if err != nil {
		return fmt.Errorf("failed to create the ingestion pipeline: %v", err)
	}
	dispatcher := queue.NewDispatcher(dConf.SpoolDir, db)

	a.daemon, err = webservice.New(ctx, cm, db, orch, dispatcher, registry, dConf)
	close(a.ready)
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	return a.daemon.Run()
}
