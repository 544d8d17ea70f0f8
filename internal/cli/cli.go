package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/studiowebux/stompload/internal/config"
	"github.com/studiowebux/stompload/internal/loadtest"
	"github.com/studiowebux/stompload/internal/parser"
	"github.com/studiowebux/stompload/internal/tui"
	"github.com/studiowebux/stompload/internal/types"
	"go.uber.org/zap"
)

// promptForVariable prompts the user to enter a value for a variable
func promptForVariable(name string) (string, error) {
	fmt.Fprintf(os.Stderr, "Enter value for '%s': ", name)
	reader := bufio.NewReader(os.Stdin)
	value, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(value), nil
}

// isInteractive checks if stdin is a terminal (not piped)
func isInteractive() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// Overrides replace scenario fields from the command line. Zero values keep
// the scenario's own setting.
type Overrides struct {
	URL         string
	Destination string
	Users       int
	Messages    int
	Producers   int
	Converter   string
}

// RunOptions contains options for running a scenario in CLI mode
type RunOptions struct {
	Scenario     string // Path or bare name looked up in ScenariosDir
	ScenariosDir string
	OutputFormat string // json, yaml, text
	Filter       string // JMESPath filter over the JSON report
	Query        string // JMESPath query applied after Filter; either replaces OutputFormat
	SavePath     string
	ExtraVars    []string // key=value pairs from -e flag
	EnvFile      string   // path to .env file
	TUI          bool
	History      bool
	DatabasePath string
	Overrides    Overrides

	Stdout io.Writer
	Stderr io.Writer
	Logger *zap.Logger
}

// Run loads a scenario, drives the harness and reports the outcome.
// The returned error is non-nil when the run did not complete.
func Run(ctx context.Context, opts RunOptions) (*loadtest.Result, error) {
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	if err := ValidateProjection(opts.Filter, opts.Query); err != nil {
		return nil, err
	}

	dir, err := config.GetScenariosDirectory(opts.ScenariosDir)
	if err != nil {
		return nil, err
	}

	name := opts.Scenario
	if name == "" {
		if !isInteractive() {
			return nil, fmt.Errorf("no scenario given (non-interactive mode)")
		}
		files, err := parser.ListScenarios(dir)
		if err != nil {
			return nil, err
		}
		name, err = promptForScenario(files)
		if err != nil {
			return nil, err
		}
	}

	filePath, err := parser.ResolveScenarioPath(name, dir)
	if err != nil {
		return nil, err
	}

	var prompt func(string) (string, error)
	if isInteractive() {
		prompt = promptForVariable
	}
	cfg, err := LoadScenario(filePath, opts, prompt)
	if err != nil {
		return nil, err
	}

	harness, err := loadtest.NewHarness(cfg, opts.Logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var result *loadtest.Result
	if opts.TUI {
		result, err = tui.Run(ctx, cfg.Name, harness)
	} else {
		// Handle Ctrl+C for graceful cancellation
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				fmt.Fprintln(opts.Stderr, "\nRun cancelled by user")
				cancel()
			case <-ctx.Done():
			}
		}()
		result, err = harness.Run(ctx)
	}
	if result == nil {
		return nil, err
	}

	if opts.History {
		if saveErr := saveHistory(opts.DatabasePath, cfg, result); saveErr != nil {
			// Don't fail the run if history save fails, just warn
			fmt.Fprintf(opts.Stderr, "Warning: failed to save history: %v\n", saveErr)
		}
	}

	var output string
	var fmtErr error
	if opts.Filter != "" || opts.Query != "" {
		output, fmtErr = Project(result, opts.Filter, opts.Query)
	} else {
		output, fmtErr = FormatReport(result, opts.OutputFormat)
	}
	if fmtErr != nil {
		return result, fmt.Errorf("failed to format output: %w", fmtErr)
	}

	if opts.SavePath != "" {
		if writeErr := os.WriteFile(opts.SavePath, []byte(output), config.FilePermissions); writeErr != nil {
			return result, fmt.Errorf("failed to save report: %w", writeErr)
		}
		fmt.Fprintf(opts.Stderr, "Report saved to %s\n", opts.SavePath)
	} else {
		fmt.Fprint(opts.Stdout, output)
	}

	return result, err
}

// LoadScenario parses filePath, resolves its placeholders and applies the
// command-line overrides. Missing variables are asked for through prompt;
// a nil prompt turns them into an error.
func LoadScenario(filePath string, opts RunOptions, prompt func(string) (string, error)) (*loadtest.Config, error) {
	s, err := parser.ParseScenarioFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse scenario: %w", err)
	}

	cliVars := parseExtraVars(opts.ExtraVars)

	envVars := parser.LoadSystemEnv()
	var fileVars map[string]string
	if opts.EnvFile != "" {
		fileVars, err = parser.LoadEnvFile(opts.EnvFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
		// File vars override system vars
		for k, v := range fileVars {
			envVars[k] = v
		}
	}

	resolver := parser.NewVariableResolver(cliVars, fileVars, envVars)
	if err := resolver.ResolveScenario(s); err != nil {
		if prompt == nil {
			return nil, fmt.Errorf("%w (non-interactive mode, use -e name=value)", err)
		}
		for _, name := range resolver.GetUnresolvedVariables() {
			if strings.HasPrefix(name, "env.") {
				return nil, fmt.Errorf("environment variable %s is not set", name[4:])
			}
			value, err := prompt(name)
			if err != nil {
				return nil, fmt.Errorf("failed to read input for '%s': %w", name, err)
			}
			cliVars[name] = value
		}
		// Resolved placeholders are gone, so a second pass only sees the prompted ones
		resolver = parser.NewVariableResolver(cliVars, fileVars, envVars)
		if err := resolver.ResolveScenario(s); err != nil {
			return nil, err
		}
	}

	applyOverrides(s, opts.Overrides)

	cfg := loadtest.NewConfig(*s)
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario %s: %w", s.Name, err)
	}
	return cfg, nil
}

// parseExtraVars turns key=value pairs into a map; a bare key maps to ""
func parseExtraVars(extra []string) map[string]string {
	vars := make(map[string]string)
	for _, ev := range extra {
		parts := strings.SplitN(ev, "=", 2)
		if len(parts) == 2 {
			vars[parts[0]] = parts[1]
		} else if parts[0] != "" {
			vars[parts[0]] = ""
		}
	}
	return vars
}

func applyOverrides(s *types.Scenario, o Overrides) {
	if o.URL != "" {
		s.URL = o.URL
	}
	if o.Destination != "" {
		// A send destination that mirrored the old destination follows it
		if s.SendDestination == s.Destination {
			s.SendDestination = ""
		}
		s.Destination = o.Destination
	}
	if o.Users > 0 {
		s.Users = o.Users
	}
	if o.Messages > 0 {
		s.Messages = o.Messages
	}
	if o.Producers > 0 {
		s.Producers = o.Producers
	}
	if o.Converter != "" {
		s.Converter = o.Converter
	}
}

func saveHistory(dbPath string, cfg *loadtest.Config, result *loadtest.Result) error {
	if dbPath == "" {
		dbPath = config.DatabasePath
	}
	mgr, err := loadtest.NewManager(dbPath)
	if err != nil {
		return err
	}
	defer mgr.Close()

	_, err = mgr.SaveResult(cfg, result)
	return err
}
