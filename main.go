// strtrans translates large "KEY "value"" string tables in resumable chunks,
// within a daily character quota.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/minios-linux/strtrans/chunk"
	"github.com/minios-linux/strtrans/config"
	"github.com/minios-linux/strtrans/i18n"
	"github.com/minios-linux/strtrans/settings"
)

// Version information (set via -ldflags during build)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	infoLabel    = color.New(color.FgBlue).Sprint("[INFO]")
	successLabel = color.New(color.FgGreen).Sprint("[OK]")
	warningLabel = color.New(color.Bold, color.FgYellow).Sprint("[WARN]")
	errorLabel   = color.New(color.FgRed).Sprint("[ERROR]")
	headerColor  = color.New(color.Bold, color.FgCyan)
)

// stderr is where the log helpers and prompts write. Tests swap it.
var stderr io.Writer = color.Error

func logInfo(format string, args ...any) {
	fmt.Fprintf(stderr, infoLabel+" "+format+"\n", args...)
}

func logSuccess(format string, args ...any) {
	fmt.Fprintf(stderr, successLabel+" "+format+"\n", args...)
}

func logWarning(format string, args ...any) {
	fmt.Fprintf(stderr, warningLabel+" "+format+"\n", args...)
}

func logError(format string, args ...any) {
	fmt.Fprintf(stderr, errorLabel+" "+format+"\n", args...)
}

// newLogger returns the structured logger handed to the packages. It writes
// colored, human-readable lines to stderr.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	noColor := color.NoColor
	if f, ok := w.(*os.File); ok {
		noColor = noColor || !isatty.IsTerminal(f.Fd())
	}
	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		TimeFormat: "15:04:05",
		NoColor:    noColor,
	}))
}

// errInterrupted is returned when a run was stopped by a signal. Progress is
// on disk and the same command resumes it.
var errInterrupted = errors.New("interrupted")

// ---------------------------------------------------------------------------
// Global flags
// ---------------------------------------------------------------------------

var (
	configPath string
	workDir    string
	dataDir    string
	verbose    bool
)

// loadConfig layers the config file, .env and environment, then the global
// flags. Command flags are applied by each command before Validate.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("work-dir") {
		cfg.WorkDir = workDir
	}
	if flags.Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	settings.SetDataDir(cfg.DataDir)
	return cfg, nil
}

func layoutOf(cfg *config.Config) chunk.Layout {
	return chunk.Layout{WorkDir: cfg.WorkDir}
}

// ---------------------------------------------------------------------------
// Root command
// ---------------------------------------------------------------------------

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "strtrans",
		Short: "Resumable, quota-aware translation of .str string tables",
		Long: `strtrans translates large string tables made of lines like

  GREETING "Hallo Welt"

The input is split into parts that are translated concurrently. Progress is
checkpointed, so an interrupted or failed run is resumed by running the same
command again. A daily character quota and a minimum delay between requests
are enforced across all workers.

Commands:
  translate   Translate a file (resumes an earlier run in the same work dir)
  merge       Merge existing parts into the output file
  status      Show per-part progress and today's quota
  clean       Remove the temporary work directory
  init        Write a config file with the current settings
  auth        Manage stored API keys

Providers:
  google      Google Translate web endpoint, no key needed
  openai      OpenAI-compatible chat completions API, API key required`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: strtrans.yaml or strtrans.toml in the current directory)")
	pf.StringVar(&workDir, "work-dir", ".strtrans", "Directory for parts, progress and run stats")
	pf.StringVar(&dataDir, "data-dir", "", "Directory for quota state and stored keys (default: XDG data dir)")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Log every retry and skipped string")

	root.AddCommand(
		newTranslateCmd(),
		newMergeCmd(),
		newStatusCmd(),
		newCleanCmd(),
		newInitCmd(),
		newAuthCmd(),
		newVersionCmd(),
	)

	return root
}

func main() {
	i18n.Init("")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	switch {
	case err == nil:
	case errors.Is(err, errInterrupted):
		os.Exit(130)
	default:
		logError("%v", err)
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// version
// ---------------------------------------------------------------------------

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date.`,
		Run: func(cmd *cobra.Command, args []string) {
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "strtrans version %s\n", version)
			fmt.Fprintf(w, "  commit:    %s\n", commit)
			fmt.Fprintf(w, "  built:     %s\n", date)
		},
	}
}

// ---------------------------------------------------------------------------
// Prompts
// ---------------------------------------------------------------------------

// isInteractive reports whether f is a terminal a prompt can be answered on.
func isInteractive(f *os.File) bool {
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// confirm prints question and reads one line from in. Only an explicit yes
// (English or in the UI language) counts; EOF and anything else is no.
func confirm(in io.Reader, out io.Writer, question string) bool {
	fmt.Fprint(out, question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		fmt.Fprintln(out)
		return false
	}
	return i18n.IsYes(line)
}

// cleanupAction is what happens to the work directory after a run.
type cleanupAction int

const (
	cleanupKeep cleanupAction = iota
	cleanupDelete
	cleanupAsk
)

// decideCleanup resolves --yes/--keep and whether stdin can answer a prompt.
func decideCleanup(yes, keep, interactive bool) cleanupAction {
	switch {
	case keep:
		return cleanupKeep
	case yes:
		return cleanupDelete
	case interactive:
		return cleanupAsk
	default:
		return cleanupKeep
	}
}
