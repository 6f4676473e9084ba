package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	pathpkg "path/filepath"
	"runtime/pprof"

	tea "github.com/charmbracelet/bubbletea/v2"
	"github.com/charmbracelet/fang"
	charmlog "github.com/charmbracelet/log"
	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"smda/internal/config"
	"smda/internal/logging"
	"smda/internal/report"
	"smda/internal/session"
	smdalog "smda/internal/smda/log"
)

// errAnalysisFailed makes the process exit non-zero after an error outcome
// has been written.
var errAnalysisFailed = errors.New("analysis failed")

func init() {
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug")
	rootCmd.PersistentFlags().Float64P("timeout", "t", 0, "Analysis budget in seconds, 0 disables it (default from SMDA_TIMEOUT or 300)")
	rootCmd.PersistentFlags().StringP("backend", "b", "", "Disassembly backend: native or objdump")
	rootCmd.PersistentFlags().String("arch", "", "Instruction set for raw buffers: intel or arm64")
	rootCmd.PersistentFlags().String("objdump", "", "objdump binary used by the objdump backend")
	rootCmd.PersistentFlags().Int("max-functions", 0, "Stop after this many functions, 0 means unlimited")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Write the JSON report to this file")
	rootCmd.PersistentFlags().BoolP("summary", "s", false, "Show a markdown summary instead of JSON")
	rootCmd.PersistentFlags().BoolP("listing", "l", false, "Print the colorized disassembly of every function")

	rootCmd.Flags().BoolP("help", "h", false, "Help")
	rootCmd.Flags().StringP("debug-info", "p", "", "Separate debug information file (ELF or PE with symbols)")
	rootCmd.Flags().Bool("tui", false, "Browse the result interactively")
	rootCmd.Flags().String("cpuprofile", "", "Write CPU profile to file")
	rootCmd.Flags().String("memprofile", "", "Write memory profile to file")
}

var rootCmd = &cobra.Command{
	Use:   "smda [file]",
	Short: "Recursive disassembler producing control flow reports",
	Long: `smda disassembles ELF and PE executables, recovers functions and basic blocks
and writes a JSON report with the control flow graph. The analysis runs under a
time budget; when it runs out, the partial result is reported with status "timeout".`,
	Example: `
# Disassemble a file and print the JSON report
smda /path/to/binary

# Use a 60 second budget and write the report to a file
smda -t 60 -o report.json /path/to/binary

# Show a summary with symbols from a separate debug file
smda -s -p /path/to/binary.debug /path/to/binary
  `,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cpuprofile, _ := cmd.Flags().GetString("cpuprofile")
		if cpuprofile != "" {
			f, err := os.Create(cpuprofile)
			if err != nil {
				return fmt.Errorf("could not create CPU profile: %v", err)
			}
			defer f.Close()
			if err := pprof.StartCPUProfile(f); err != nil {
				return fmt.Errorf("could not start CPU profile: %v", err)
			}
			defer pprof.StopCPUProfile()
		}

		memprofile, _ := cmd.Flags().GetString("memprofile")
		if memprofile != "" {
			defer func() {
				f, err := os.Create(memprofile)
				if err != nil {
					fmt.Fprintf(os.Stderr, "could not create memory profile: %v\n", err)
					return
				}
				defer f.Close()
				if err := pprof.WriteHeapProfile(f); err != nil {
					fmt.Fprintf(os.Stderr, "could not write memory profile: %v\n", err)
				}
			}()
		}

		absPath, err := pathpkg.Abs(args[0])
		if err != nil {
			return fmt.Errorf("failed to resolve path: %v", err)
		}
		debugInfo, _ := cmd.Flags().GetString("debug-info")

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(cfg)
		defer logger.Close()

		d, err := session.NewFromConfig(cfg, logger.Logger)
		if err != nil {
			return err
		}

		if tui, _ := cmd.Flags().GetBool("tui"); tui {
			program := tea.NewProgram(
				NewModel(d, absPath, debugInfo),
				tea.WithAltScreen(),
				tea.WithContext(cmd.Context()),
			)
			if _, err := program.Run(); err != nil {
				slog.Error("TUI run error", "error", err)
				return fmt.Errorf("TUI error: %v", err)
			}
			return nil
		}

		out, err := d.DisassembleFile(absPath, debugInfo)
		if err != nil {
			return err
		}
		return emit(cmd, absPath, out, d)
	},
}

// loadConfig reads .env and SMDA_* variables, then applies the flags that
// were set explicitly.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("timeout") {
		cfg.Timeout, _ = flags.GetFloat64("timeout")
	}
	if flags.Changed("backend") {
		name, _ := flags.GetString("backend")
		if cfg.Backend, err = config.ParseBackendKind(name); err != nil {
			return nil, err
		}
	}
	if flags.Changed("arch") {
		cfg.Architecture, _ = flags.GetString("arch")
	}
	if flags.Changed("objdump") {
		cfg.ObjdumpPath, _ = flags.GetString("objdump")
	}
	if flags.Changed("max-functions") {
		cfg.MaxFunctions, _ = flags.GetInt("max-functions")
	}
	if debug, _ := flags.GetBool("debug"); debug {
		cfg.Debug = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) *logging.LoggerCloser {
	logger := logging.NewLogger()
	if cfg.Debug {
		logger.SetLevel(charmlog.DebugLevel)
	}
	smdalog.Setup("", cfg.Debug)
	if cfg.Debug {
		smdalog.SetDebug(true)
	}
	return logger
}

// emit writes the outcome in the formats selected by the flags. The JSON
// report goes to stdout unless another format or an output file was asked
// for.
func emit(cmd *cobra.Command, path string, out *report.Outcome, d *session.Disassembler) error {
	stdout := cmd.OutOrStdout()
	outputPath, _ := cmd.Flags().GetString("output")
	summary, _ := cmd.Flags().GetBool("summary")
	listing, _ := cmd.Flags().GetBool("listing")

	res, _ := d.Last()
	if !out.OK() {
		res = nil
	}
	if listing && res != nil {
		if err := writeListing(stdout, res); err != nil {
			return err
		}
	}
	if summary {
		if err := renderSummary(stdout, displayName(path), out, res); err != nil {
			return err
		}
	}
	switch {
	case outputPath != "":
		if err := writeJSONFile(outputPath, out); err != nil {
			return err
		}
	case !summary && !listing:
		if err := writeJSON(stdout, out); err != nil {
			return err
		}
	}

	if !out.OK() {
		return errAnalysisFailed
	}
	return nil
}

// Execute runs the root command and returns its error.
func Execute() error {
	// Piped output gets plain cobra so the JSON is not touched by fang.
	if !term.IsTerminal(os.Stdout.Fd()) {
		rootCmd.Version = config.Version
		return rootCmd.Execute()
	}
	return fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(config.Version),
		fang.WithNotifySignal(os.Interrupt),
	)
}

// readBuffer reads a raw buffer file, or stdin for "-".
func readBuffer(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
