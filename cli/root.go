package cli

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/always-cache/cache-worker/config"
)

type options struct {
	configFile string
	generation string
	provider   string
	dbPath     string

	origin      string
	port        int
	controlPort int

	verbosityTrace bool
	logFilename    string
}

// Execute runs the command line interface.
func Execute(version string) {
	if version == "" {
		version = "DEV"
	}
	if err := newRootCmd(version).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(version string) *cobra.Command {
	opts := &options{}
	rootCmd := &cobra.Command{
		Use:   "cache-worker",
		Short: "Offline cache in front of a web application.",
		Long: `cache-worker sits between browsers and a web application and serves
static assets from a versioned cache, falling back to cached pages when the
application cannot be reached.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(opts, version)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "YAML config file")
	flags.StringVar(&opts.generation, "generation", "", "Name of the current cache generation")
	flags.StringVar(&opts.provider, "storage", "", "Cache storage provider (sqlite, leveldb or memory)")
	flags.StringVar(&opts.dbPath, "db", "", "Cache DB file or directory (use 'memory' for in-memory sqlite)")
	flags.BoolVar(&opts.verbosityTrace, "vv", false, "Verbosity: trace logging")
	flags.StringVar(&opts.logFilename, "log-file", "", "Log file to use (in addition to stdout)")

	rootCmd.AddCommand(newServeCmd(opts), newCachesCmd(opts))
	return rootCmd
}

func setupLogging(opts *options, version string) error {
	// set log level
	logLevel := zerolog.DebugLevel
	if opts.verbosityTrace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if opts.logFilename != "" {
		logFileOutput, err := os.OpenFile(opts.logFilename, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return err
		}
		logOutputs = append(logOutputs, logFileOutput)
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()
	return nil
}

// loadConfig reads the config file, if any, and applies the flags that were set on top of it.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.Load(opts.configFile); err != nil {
			return config.Config{}, err
		}
	}

	// serve flags are not defined on the other commands, Changed is false for them
	flags := cmd.Flags()
	if flags.Changed("generation") {
		cfg.Worker.Generation = opts.generation
	}
	if flags.Changed("storage") {
		cfg.Storage.Provider = opts.provider
	}
	if flags.Changed("db") {
		cfg.Storage.Path = opts.dbPath
	}
	if flags.Changed("origin") {
		cfg.Server.Origin = opts.origin
	}
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("control-port") {
		cfg.Server.ControlPort = opts.controlPort
	}
	return cfg, nil
}
