package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/studiowebux/stompload/internal/broker"
	"github.com/studiowebux/stompload/internal/cli"
	"github.com/studiowebux/stompload/internal/config"
	"github.com/studiowebux/stompload/internal/logging"
	stompversion "github.com/studiowebux/stompload/internal/version"
	"go.uber.org/zap"
)

var (
	version = "0.1.0"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "stompload",
	Short: "STOMP over WebSocket load tester",
	Long: `stompload drives broadcast load tests against STOMP brokers reached over WebSocket.

A scenario connects U consumer sessions, subscribes each to one destination,
publishes M messages from P producers and checks that every consumer received
every message, in order and with the expected payload.

Scenario names are looked up in ~/.stompload/scenarios (override with
STOMPLOAD_HOME or --scenarios-dir). The extension is optional.

Examples:
  stompload run greetings                     # Run a scenario
  stompload run greetings --tui               # Live progress view
  stompload run greetings -u 100 -m 50        # Override users and messages
  stompload run api -e host=10.0.0.5:61614    # Provide a variable
  stompload serve --port 61614                # Local fan-out broker
  stompload probe ws://localhost:61614/stomp /topic/greetings
  stompload runs list                         # Run history
  stompload runs list -f "[?status=='failed']" -q "[].id"`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.Initialize(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [scenario]",
	Short: "Run a load-test scenario",
	Long: `Run a load-test scenario file (YAML, JSON or JSONC).

Without an argument an interactive picker lists the scenarios directory.
Missing {{variables}} are prompted for when stdin is a terminal.`,
	Args: cobra.MaximumNArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return cli.ValidateProjection(flagFilter, flagQuery)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		scenario := ""
		if len(args) > 0 {
			scenario = args[0]
		}
		return runScenario(cmd, scenario)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the built-in STOMP fan-out broker",
	Long: `Start an in-process STOMP 1.2 broker over WebSocket.

SEND frames are fanned out to every subscriber of the destination; /app/ is
rewritten to /topic/ by default. Prometheus metrics are served on /metrics.
Settings are read from --config, else ~/.stompload/broker.yaml when present.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd)
	},
}

var probeCmd = &cobra.Command{
	Use:   "probe <url> <destination>",
	Short: "Check one round trip through a broker",
	Long: `Connect one session, subscribe to the destination, send a message and
wait for it to come back. Timings for each step are reported.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProbe(cmd, args[0], args[1])
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and check for a newer release",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVersion(cmd)
	},
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect the run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.ListRuns(cmd.OutOrStdout(), config.DatabasePath, flagLimit, flagOutput, flagFilter, flagQuery)
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one run with its phases",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		return cli.ShowRun(cmd.OutOrStdout(), config.DatabasePath, id, flagOutput, flagFilter, flagQuery)
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseRunID(args[0])
		if err != nil {
			return err
		}
		if err := cli.DeleteRun(config.DatabasePath, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted run %d\n", id)
		return nil
	},
}

// Global flags
var (
	flagLogLevel     string
	flagDev          bool
	flagScenariosDir string
)

// Flags for run
var (
	flagOutput      string
	flagFilter      string
	flagQuery       string
	flagSave        string
	flagExtraVars   []string
	flagEnvFile     string
	flagTUI         bool
	flagNoHistory   bool
	flagURL         string
	flagDestination string
	flagUsers       int
	flagMessages    int
	flagProducers   int
	flagConverter   string
)

// Flags for serve
var (
	flagConfig        string
	flagHost          string
	flagPort          int
	flagStatsInterval int
)

// Flags for probe
var (
	flagPayload  string
	flagSendDest string
	flagTimeout  time.Duration
)

// Flags for runs
var (
	flagLimit int
)

// Flags for version
var (
	flagCheck bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "warn", "Log level (debug/info/warn/error)")
	rootCmd.PersistentFlags().BoolVar(&flagDev, "dev", false, "Human-readable console logs")
	rootCmd.PersistentFlags().StringVar(&flagScenariosDir, "scenarios-dir", "", "Directory for scenario names")

	runCmd.Flags().StringVarP(&flagOutput, "output", "o", "text", "Output format (json/yaml/text)")
	runCmd.Flags().StringVarP(&flagFilter, "filter", "f", "", "JMESPath filter over the JSON report")
	runCmd.Flags().StringVarP(&flagQuery, "query", "q", "", "JMESPath query over the JSON report")
	runCmd.Flags().StringVarP(&flagSave, "save", "s", "", "Save report to file")
	runCmd.Flags().StringArrayVarP(&flagExtraVars, "extra-vars", "e", []string{}, "Set variable (key=value), can be repeated")
	runCmd.Flags().StringVar(&flagEnvFile, "env-file", "", "Load environment variables from file (default: ./.env or ~/.stompload/.env)")
	runCmd.Flags().BoolVar(&flagTUI, "tui", false, "Show live progress")
	runCmd.Flags().BoolVar(&flagNoHistory, "no-history", false, "Do not record the run")
	runCmd.Flags().StringVar(&flagURL, "url", "", "Override the endpoint URL")
	runCmd.Flags().StringVarP(&flagDestination, "destination", "d", "", "Override the destination")
	runCmd.Flags().IntVarP(&flagUsers, "users", "u", 0, "Override the number of consumer sessions")
	runCmd.Flags().IntVarP(&flagMessages, "messages", "m", 0, "Override messages per producer")
	runCmd.Flags().IntVarP(&flagProducers, "producers", "p", 0, "Override the number of producers")
	runCmd.Flags().StringVar(&flagConverter, "converter", "", "Override the payload converter (json/text)")

	serveCmd.Flags().StringVarP(&flagConfig, "config", "c", "", "Broker config file (YAML or JSON)")
	serveCmd.Flags().StringVar(&flagHost, "host", "", "Listen host")
	serveCmd.Flags().IntVar(&flagPort, "port", 0, "Listen port")
	serveCmd.Flags().IntVar(&flagStatsInterval, "stats-interval", -1, "Seconds between stats log lines, 0 disables")

	probeCmd.Flags().StringVar(&flagPayload, "payload", `{"probe":true}`, "Message body")
	probeCmd.Flags().StringVar(&flagSendDest, "send-destination", "", "Publish destination (default: the subscribed destination)")
	probeCmd.Flags().StringVar(&flagConverter, "converter", "", "Payload converter (json/text)")
	probeCmd.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "Timeout per step")
	probeCmd.Flags().StringVarP(&flagOutput, "output", "o", "text", "Output format (json/yaml/text)")

	runsCmd.PersistentFlags().StringVarP(&flagOutput, "output", "o", "text", "Output format (json/yaml/text)")
	runsCmd.PersistentFlags().StringVarP(&flagFilter, "filter", "f", "", "JMESPath filter over the JSON output")
	runsCmd.PersistentFlags().StringVarP(&flagQuery, "query", "q", "", "JMESPath query over the JSON output")
	runsListCmd.Flags().IntVarP(&flagLimit, "limit", "n", 20, "Number of runs to show")

	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd)

	versionCmd.Flags().BoolVar(&flagCheck, "check", false, "Check GitHub for a newer release")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(probeCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(versionCmd)
}

// newLogger builds the command logger; the TUI logs to a file instead of stderr
func newLogger(toFile bool) (*zap.Logger, func() error, error) {
	if !toFile {
		return logging.New(flagLogLevel, flagDev)
	}

	path := filepath.Join(config.ConfigDir, "stompload.log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, config.FilePermissions)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	logger, err := logging.NewWriter(f, flagLogLevel)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return logger, func() error {
		_ = logger.Sync()
		return f.Close()
	}, nil
}

// runScenario executes a scenario in CLI mode
func runScenario(cmd *cobra.Command, scenario string) error {
	logger, sync, err := newLogger(flagTUI)
	if err != nil {
		return err
	}
	defer sync()

	envFile := flagEnvFile
	if envFile == "" {
		if candidate := config.LocalEnvFile(); fileExists(candidate) {
			envFile = candidate
		}
	}

	opts := cli.RunOptions{
		Scenario:     scenario,
		ScenariosDir: flagScenariosDir,
		OutputFormat: flagOutput,
		Filter:       flagFilter,
		Query:        flagQuery,
		SavePath:     flagSave,
		ExtraVars:    flagExtraVars,
		EnvFile:      envFile,
		TUI:          flagTUI,
		History:      !flagNoHistory,
		DatabasePath: config.DatabasePath,
		Overrides: cli.Overrides{
			URL:         flagURL,
			Destination: flagDestination,
			Users:       flagUsers,
			Messages:    flagMessages,
			Producers:   flagProducers,
			Converter:   flagConverter,
		},
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
		Logger: logger,
	}

	_, err = cli.Run(cmd.Context(), opts)
	return err
}

// runServe starts the broker and blocks until interrupted
func runServe(cmd *cobra.Command) error {
	logger, sync, err := logging.New(levelAtLeastInfo(flagLogLevel), flagDev)
	if err != nil {
		return err
	}
	defer sync()

	var brokerConfig *broker.Config
	switch {
	case flagConfig != "":
		brokerConfig, err = broker.LoadConfig(flagConfig)
	case config.BrokerConfigExists():
		brokerConfig, err = broker.LoadConfig(config.BrokerConfigFile)
	default:
		brokerConfig = broker.DefaultConfig()
	}
	if err != nil {
		return err
	}

	if flagHost != "" {
		brokerConfig.Host = flagHost
	}
	if flagPort > 0 {
		brokerConfig.Port = flagPort
	}
	if flagStatsInterval >= 0 {
		brokerConfig.StatsInterval = flagStatsInterval
	}

	srv := broker.NewServer(brokerConfig, logger)
	if err := srv.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Broker listening on %s (metrics on %s)\n", srv.GetAddress(), brokerConfig.MetricsPath)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down broker", zap.Int("sessions", srv.Sessions()))
	return srv.Stop()
}

// runProbe performs a single round trip
func runProbe(cmd *cobra.Command, url, destination string) error {
	logger, sync, err := logging.New(flagLogLevel, flagDev)
	if err != nil {
		return err
	}
	defer sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	result, err := cli.Probe(ctx, cli.ProbeOptions{
		URL:             url,
		Destination:     destination,
		SendDestination: flagSendDest,
		Payload:         flagPayload,
		Converter:       flagConverter,
		Timeout:         flagTimeout,
	}, logger)
	if err != nil {
		return err
	}

	output, err := cli.FormatProbe(result, flagOutput)
	if err != nil {
		return fmt.Errorf("failed to format output: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), output)
	return nil
}

// runVersion prints the version and optionally the latest release
func runVersion(cmd *cobra.Command) error {
	fmt.Fprintf(cmd.OutOrStdout(), "stompload %s\n", version)
	if !flagCheck {
		return nil
	}

	update, err := stompversion.NewChecker().Check(cmd.Context(), version)
	if err != nil {
		return err
	}
	if update.Available {
		fmt.Fprintf(cmd.OutOrStdout(), "A newer release is available: %s (%s)\n", update.Latest, update.URL)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "You are on the latest release")
	}
	return nil
}

func parseRunID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid run id: %s", s)
	}
	return id, nil
}

// levelAtLeastInfo keeps the broker's startup and stats lines visible
func levelAtLeastInfo(level string) string {
	if !rootCmd.PersistentFlags().Changed("log-level") {
		return "info"
	}
	return level
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
