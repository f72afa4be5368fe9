package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minios-linux/strtrans/checkpoint"
	"github.com/minios-linux/strtrans/config"
	"github.com/minios-linux/strtrans/i18n"
	"github.com/minios-linux/strtrans/merge"
	"github.com/minios-linux/strtrans/pipeline"
	"github.com/minios-linux/strtrans/settings"
	"github.com/minios-linux/strtrans/textenc"
	"github.com/minios-linux/strtrans/translate"
)

// ---------------------------------------------------------------------------
// merge
// ---------------------------------------------------------------------------

func newMergeCmd() *cobra.Command {
	var (
		output   string
		encoding string
	)

	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge translated parts into the output file",
		Long: `Concatenate every part in the work directory, in part order, into the
output file. Parts that are missing are reported and skipped.

The output encoding is --encoding, else output_encoding from the config,
else the detected encoding of the configured input, else UTF-8.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("output") {
				cfg.Output = output
			}
			if cmd.Flags().Changed("encoding") {
				cfg.OutputEncoding = encoding
			}
			return runMerge(cfg)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file")
	cmd.Flags().StringVar(&encoding, "encoding", "", "Output encoding")

	return cmd
}

// mergeEncoding picks the output encoding for a standalone merge.
func mergeEncoding(cfg *config.Config) (textenc.Encoding, error) {
	if cfg.OutputEncoding != "" {
		return textenc.Lookup(cfg.OutputEncoding)
	}
	if cfg.Input != "" {
		if enc, err := textenc.Detect(cfg.Input); err == nil {
			return enc, nil
		}
	}
	return textenc.UTF8, nil
}

func runMerge(cfg *config.Config) error {
	if cfg.Output == "" {
		if cfg.Input == "" {
			return errors.New("no output file: use --output or set output in the config file")
		}
		cfg.Output = defaultOutput(cfg.Input, cfg.TargetLang)
	}

	layout := layoutOf(cfg)
	parts, err := merge.Discover(layout.PartsDir())
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("no parts found in %s", layout.PartsDir())
	}
	if gaps := merge.Gaps(parts); len(gaps) > 0 {
		logWarning("Parts missing from the sequence: %s", joinInts(gaps))
	}

	enc, err := mergeEncoding(cfg)
	if err != nil {
		return err
	}

	st, err := merge.Merge(parts, cfg.Output, enc)
	if err != nil {
		if errors.Is(err, merge.ErrUnencodable) {
			logWarning("Rerun with a wider --encoding such as UTF-8")
		}
		return err
	}
	logSuccess("Merged %d parts (%d lines) into %s (%s)", st.Merged, st.Lines, cfg.Output, enc.Name())
	return nil
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-part progress and today's quota",
		Long: `Show the progress of every part in the work directory, today's quota
usage and the summary of the last run. Does not modify any files.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runStatus(cmd, cfg)
		},
	}
}

func runStatus(cmd *cobra.Command, cfg *config.Config) error {
	w := cmd.OutOrStdout()
	layout := layoutOf(cfg)

	statuses, err := pipeline.Status(layout)
	if err != nil {
		return err
	}
	headerColor.Fprintf(w, "\n%s: %s\n", i18n.T("Work directory"), layout.WorkDir)
	fmt.Fprintln(w, strings.Repeat("─", 60))
	if len(statuses) == 0 {
		fmt.Fprintf(w, "  %s\n", i18n.T("No parts yet"))
	} else {
		printStatusTable(w, statuses)
	}

	tracker, closeQuota, err := openQuota(cmd.Context(), cfg)
	if err != nil {
		logWarning("Quota unavailable: %v", err)
	} else {
		defer closeQuota()
		fmt.Fprintf(w, "\n  %s %s: %d / %d (%d %s)\n", i18n.T("Quota"), tracker.Day(),
			tracker.Used(), tracker.Limit(), tracker.Remaining(), i18n.T("left"))
	}

	latest, err := pipeline.LatestSummary(layout)
	if err != nil {
		return err
	}
	if latest != nil {
		fmt.Fprintf(w, "  %s %s: %d/%d %s, %s\n", i18n.T("Last run"),
			latest.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			latest.Completed+latest.Skipped, latest.Chunks, i18n.T("parts done"), lastRunState(latest))
	}
	fmt.Fprintln(w)
	return nil
}

func printStatusTable(w io.Writer, statuses []pipeline.ChunkStatus) {
	counts := map[checkpoint.State]int{}
	fmt.Fprintf(w, "  %-6s %-12s %15s %7s\n", i18n.T("Part"), i18n.T("State"), i18n.T("Lines"), "%")
	for _, st := range statuses {
		if st.Err != nil {
			fmt.Fprintf(w, "  %-6d %-12s %v\n", st.Index, "error", st.Err)
			continue
		}
		counts[st.State]++
		fmt.Fprintf(w, "  %-6d %-12s %15s %6.1f%%\n", st.Index, i18n.T(st.State.String()),
			fmt.Sprintf("%d/%d", st.LastLine, st.TotalLines), st.Percent)
	}
	fmt.Fprintf(w, "\n  %d %s, %d %s, %d %s\n",
		counts[checkpoint.Completed], i18n.T("completed"),
		counts[checkpoint.InProgress], i18n.T("in progress"),
		counts[checkpoint.NotStarted], i18n.T("not started"))
}

func lastRunState(s *pipeline.Summary) string {
	switch {
	case s.Interrupted:
		return i18n.T("interrupted")
	case len(s.Failed) > 0:
		return fmt.Sprintf(i18n.N("%d part failed", "%d parts failed", len(s.Failed)), len(s.Failed))
	case s.Merged:
		return i18n.T("merged")
	default:
		return i18n.T("not merged")
	}
}

// ---------------------------------------------------------------------------
// clean
// ---------------------------------------------------------------------------

func newCleanCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the temporary work directory",
		Long: `Remove parts, progress files and run stats from the work directory.
The merged output and the daily quota state are not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			action := decideCleanup(yes, false, isInteractive(os.Stdin))
			if action == cleanupKeep && !yes {
				return errors.New("refusing to delete without confirmation; use --yes")
			}
			return cleanup(action, cfg, cmd.InOrStdin())
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

// ---------------------------------------------------------------------------
// init
// ---------------------------------------------------------------------------

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the current settings",
		Long: `Write the effective configuration (defaults, existing config file and
environment) to path, strtrans.yaml by default. A .toml path writes TOML.
API keys are never written; use 'strtrans auth login' for those.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.FileNames[0]
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.WriteFile(path); err != nil {
				return err
			}
			logSuccess("Wrote %s", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")
	return cmd
}

// ---------------------------------------------------------------------------
// auth
// ---------------------------------------------------------------------------

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage stored API keys",
		Long: `Manage API keys stored in the strtrans data directory (auth.json, mode 0600).

A key given with --api-key, ` + config.EnvPrefix + `API_KEY or the provider's own
variable (OPENAI_API_KEY) takes precedence over a stored key.

Examples:
  strtrans auth login --provider openai
  strtrans auth login --provider openai --base-url http://localhost:11434/v1
  strtrans auth logout --provider openai
  strtrans auth list`,
	}

	cmd.AddCommand(
		newAuthLoginCmd(),
		newAuthLogoutCmd(),
		newAuthListCmd(),
	)

	return cmd
}

// keyProviders returns the providers that take an API key.
func keyProviders() []string {
	var out []string
	for _, id := range translate.ProviderIDs() {
		if translate.DefaultProviders()[id].NeedsAPIKey {
			out = append(out, id)
		}
	}
	return out
}

func checkKeyProvider(id string) error {
	info, ok := translate.DefaultProviders()[id]
	if !ok {
		return fmt.Errorf("unknown provider %q (available: %s)", id, strings.Join(translate.ProviderIDs(), ", "))
	}
	if !info.NeedsAPIKey {
		return fmt.Errorf("provider %s does not use an API key", id)
	}
	return nil
}

func newAuthLoginCmd() *cobra.Command {
	var provider, key, baseURL string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store an API key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			if err := checkKeyProvider(provider); err != nil {
				return err
			}

			if key == "" {
				existing := settings.GetAPIKey(provider)
				var err error
				key, err = readKey(cmd.InOrStdin(), stderr, existing)
				if err != nil {
					return err
				}
				if key == "" {
					logInfo("Keeping existing key")
					return nil
				}
			}

			if err := settings.SetAPIKey(provider, key, baseURL); err != nil {
				return fmt.Errorf("saving API key: %w", err)
			}
			logSuccess("%s API key saved to %s", provider, settings.FilePath())
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", translate.ProviderOpenAI, "Provider: "+strings.Join(keyProviders(), ", "))
	cmd.Flags().StringVar(&key, "key", "", "API key (default: read from stdin)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Custom endpoint stored with the key")
	return cmd
}

// readKey prompts for a key. An empty answer keeps existing; with no
// existing key it is an error.
func readKey(in io.Reader, out io.Writer, existing string) (string, error) {
	if existing != "" {
		fmt.Fprintf(out, "  Current key: %s\n", settings.MaskKey(existing))
		fmt.Fprint(out, "  Enter new key to replace, or press Enter to keep: ")
	} else {
		fmt.Fprint(out, "  Enter API key: ")
	}

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		if existing != "" {
			return "", nil
		}
		return "", errors.New("no input received")
	}
	key := strings.TrimSpace(scanner.Text())
	if key == "" && existing == "" {
		return "", errors.New("no API key provided")
	}
	return key, nil
}

func newAuthLogoutCmd() *cobra.Command {
	var provider string

	cmd := &cobra.Command{
		Use:   "logout",
		Short: "Remove stored API keys",
		Long:  `Remove the stored key of one provider, or of all providers when --provider is not given.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			if provider == "" {
				if err := settings.RemoveAll(); err != nil {
					return fmt.Errorf("removing credentials: %w", err)
				}
				logSuccess("All stored credentials removed")
				return nil
			}
			if err := settings.Remove(provider); err != nil {
				return fmt.Errorf("removing %s credentials: %w", provider, err)
			}
			logSuccess("%s credentials removed", provider)
			return nil
		},
	}

	cmd.Flags().StringVar(&provider, "provider", "", "Provider to log out (default: all)")
	return cmd
}

func newAuthListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "Show stored credentials",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd); err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			headerColor.Fprintf(w, "\nStored Credentials (%s)\n", settings.FilePath())
			fmt.Fprintln(w, strings.Repeat("─", 60))
			for _, id := range keyProviders() {
				entry := settings.Get(id)
				switch {
				case entry != nil && entry.Key != "":
					status := "configured (key: " + settings.MaskKey(entry.Key) + ")"
					if entry.BaseURL != "" {
						status += ", endpoint: " + entry.BaseURL
					}
					fmt.Fprintf(w, "  %-10s %s\n", id, status)
				default:
					fmt.Fprintf(w, "  %-10s not configured\n", id)
				}
				if name := settings.EnvVarForProvider(id); name != "" && os.Getenv(name) != "" {
					fmt.Fprintf(w, "  %-10s %s is set (overrides stored key)\n", "", name)
				}
			}
			if os.Getenv(config.EnvPrefix+"API_KEY") != "" {
				fmt.Fprintf(w, "  %sAPI_KEY is set (overrides everything else)\n", config.EnvPrefix)
			}
			fmt.Fprintln(w)
			return nil
		},
	}
}
