package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/eventsync/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update    bool   // regenerate golden files
	Filter    string // scenario filter (glob pattern on file names)
	GoldenDir string // defaults to <scenarios-dir>/golden
}

// ScenarioResult holds the result of a single scenario execution.
type ScenarioResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run replication scenarios",
		Long: `Run replication scenarios against an in-process server.

Each scenario gets a fresh server and data directory. Scenarios pass when
every expect clause and assertion holds and, if a golden file exists, the
trace matches it byte for byte.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  eventsync test ./scenarios
  eventsync test ./scenarios --filter "catch_*"
  eventsync test ./scenarios --update
  eventsync test ./testdata/scenarios --golden-dir ./testdata/golden --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenario files by glob pattern")
	cmd.Flags().StringVar(&opts.GoldenDir, "golden-dir", "", "golden file directory (default <scenarios-dir>/golden)")

	return cmd
}

func runTests(opts *TestOptions, scenariosDir string, cmd *cobra.Command) error {
	if _, err := os.Stat(scenariosDir); os.IsNotExist(err) {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", scenariosDir))
	}
	if opts.GoldenDir == "" {
		opts.GoldenDir = filepath.Join(scenariosDir, "golden")
	}

	scenarioFiles, err := harness.FindScenarios(scenariosDir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	if len(scenarioFiles) == 0 {
		if opts.Format == "json" {
			return outputTestJSON(cmd, TestResult{Scenarios: []ScenarioResult{}})
		}
		fmt.Fprintln(cmd.OutOrStdout(), "No scenarios found.")
		return nil
	}

	result := TestResult{
		Scenarios: make([]ScenarioResult, 0, len(scenarioFiles)),
		Total:     len(scenarioFiles),
	}

	for _, scenarioFile := range scenarioFiles {
		scenResult := runScenario(scenarioFile, opts, cmd)
		result.Scenarios = append(result.Scenarios, scenResult)

		if scenResult.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		return outputTestJSON(cmd, result)
	}

	return outputTestText(cmd, result)
}

// runScenario executes a single scenario and returns the result.
func runScenario(scenarioFile string, opts *TestOptions, cmd *cobra.Command) ScenarioResult {
	w := cmd.OutOrStdout()
	text := opts.Format != "json"

	fail := func(name string, errs ...string) ScenarioResult {
		if text {
			fmt.Fprintf(w, "✗ %s\n", name)
			for _, e := range errs {
				fmt.Fprintf(w, "  %s\n", e)
			}
		}
		return ScenarioResult{Name: name, Pass: false, Errors: errs}
	}

	scenario, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		return fail(filepath.Base(scenarioFile), fmt.Sprintf("failed to load scenario: %v", err))
	}

	result, err := harness.Run(scenario)
	if err != nil {
		return fail(scenario.Name, fmt.Sprintf("execution failed: %v", err))
	}

	snapshot, err := harness.Snapshot(scenario.Name, result)
	if err != nil {
		return fail(scenario.Name, fmt.Sprintf("failed to render trace: %v", err))
	}

	goldenPath := filepath.Join(opts.GoldenDir, scenario.Name+".golden")
	suffix := ""
	switch {
	case opts.Update:
		if err := writeGolden(goldenPath, snapshot); err != nil {
			return fail(scenario.Name, fmt.Sprintf("failed to update golden file: %v", err))
		}
		suffix = " (golden updated)"

	default:
		golden, err := os.ReadFile(goldenPath)
		switch {
		case os.IsNotExist(err):
			// No golden file - assertion-based validation only
		case err != nil:
			return fail(scenario.Name, fmt.Sprintf("golden comparison failed: %v", err))
		case !bytes.Equal(golden, snapshot):
			return fail(scenario.Name, append(result.Errors, "trace does not match golden file (run with --update to regenerate)")...)
		}
	}

	if !result.Pass {
		return fail(scenario.Name, result.Errors...)
	}

	if text {
		fmt.Fprintf(w, "✓ %s%s\n", scenario.Name, suffix)
	}
	opts.formatter(cmd).VerboseLog("  %d trace events", len(result.Trace))
	return ScenarioResult{Name: scenario.Name, Pass: true}
}

// writeGolden writes snapshot to path, creating its directory.
func writeGolden(path string, snapshot []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	return os.WriteFile(path, snapshot, 0644)
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(cmd *cobra.Command, result TestResult) error {
	status := "ok"
	if result.Failed > 0 {
		status = "error"
	}

	response := CLIResponse{
		Status: status,
		Data:   result,
	}

	if result.Failed > 0 {
		response.Error = &CLIError{
			Code:    "E_TEST_FAILED",
			Message: fmt.Sprintf("%d scenario(s) failed", result.Failed),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(response); err != nil {
		return err
	}

	if result.Failed > 0 {
		// Test failures = exit code 1
		exitErr := NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
		exitErr.Reported = true
		return exitErr
	}
	return nil
}

// outputTestText outputs the test result as text.
func outputTestText(cmd *cobra.Command, result TestResult) error {
	w := cmd.OutOrStdout()

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		// Test failures = exit code 1
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
