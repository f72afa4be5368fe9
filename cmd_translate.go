package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/minios-linux/strtrans/config"
	"github.com/minios-linux/strtrans/i18n"
	"github.com/minios-linux/strtrans/merge"
	"github.com/minios-linux/strtrans/pipeline"
	"github.com/minios-linux/strtrans/quota"
	"github.com/minios-linux/strtrans/settings"
	"github.com/minios-linux/strtrans/textenc"
	"github.com/minios-linux/strtrans/translate"
)

// ---------------------------------------------------------------------------
// translate
// ---------------------------------------------------------------------------

type translateArgs struct {
	input          string
	output         string
	source         string
	target         string
	provider       string
	model          string
	apiKey         string
	baseURL        string
	workers        int
	parts          int
	flushEvery     int
	dailyLimit     int
	rateDelay      string
	maxAttempts    int
	quotaStore     string
	redisURL       string
	encoding       string
	outputEncoding string
	memo           bool
	stopOnQuota    bool
	noMerge        bool
	progress       bool
	yes            bool
	keep           bool
}

func newTranslateCmd() *cobra.Command {
	var a translateArgs

	cmd := &cobra.Command{
		Use:   "translate [input]",
		Short: "Translate a string table",
		Long: `Translate every "KEY "value"" line of the input file and write the
merged result to --output. Comments, blank lines and lines that are not
entries are copied unchanged.

Running the same command again after an interruption, a failed part or an
exhausted quota picks up where the previous run stopped.

Examples:
  strtrans translate game.str
  strtrans translate game.str --target fr --parts 50 --progress
  strtrans translate game.str --provider openai --model gpt-4o-mini
  strtrans translate game.str --quota-store redis --redis-url redis://localhost:6379/0`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("input", args[0]); err != nil {
					return err
				}
			}
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			applyTranslateFlags(cmd.Flags(), &a, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runTranslate(cmd.Context(), cfg, a)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&a.input, "input", "i", "", "Input .str file")
	f.StringVarP(&a.output, "output", "o", "", "Output file (default: <input>_<target><ext>)")
	f.StringVar(&a.source, "source", "de", "Source language code")
	f.StringVar(&a.target, "target", "tr", "Target language code")
	f.StringVar(&a.provider, "provider", translate.ProviderGoogle, "Translation provider: "+strings.Join(translate.ProviderIDs(), ", "))
	f.StringVar(&a.model, "model", "", "Model name (openai)")
	f.StringVar(&a.apiKey, "api-key", "", "API key (openai; default: "+config.EnvPrefix+"API_KEY, OPENAI_API_KEY or stored key)")
	f.StringVar(&a.baseURL, "base-url", "", "Custom API endpoint (openai-compatible)")
	f.IntVarP(&a.workers, "workers", "j", 0, "Parts translated concurrently (default: from CPU and memory)")
	f.IntVar(&a.parts, "parts", 100, "Number of parts the input is split into")
	f.IntVar(&a.flushEvery, "flush-every", 10, "Lines between checkpoint saves")
	f.IntVar(&a.dailyLimit, "daily-limit", quota.DefaultDailyLimit, "Characters allowed per day")
	f.StringVar(&a.rateDelay, "rate-delay", "1s", "Minimum delay between requests")
	f.IntVar(&a.maxAttempts, "max-attempts", 3, "Attempts per string before keeping the original")
	f.StringVar(&a.quotaStore, "quota-store", config.QuotaStoreFile, "Where daily usage is kept: file or redis")
	f.StringVar(&a.redisURL, "redis-url", "", "Redis URL for --quota-store redis")
	f.StringVar(&a.encoding, "encoding", "", "Input encoding (default: detected)")
	f.StringVar(&a.outputEncoding, "output-encoding", "", "Output encoding (default: input encoding)")
	f.BoolVar(&a.memo, "memo", false, "Reuse translations of repeated strings")
	f.BoolVar(&a.stopOnQuota, "stop-on-quota", false, "Stop parts when the quota runs out instead of copying the rest untranslated")
	f.BoolVar(&a.noMerge, "no-merge", false, "Translate parts only; merge later with 'strtrans merge'")
	f.BoolVar(&a.progress, "progress", false, "Show a progress bar")
	f.BoolVarP(&a.yes, "yes", "y", false, "Delete temporary files after a successful run without asking")
	f.BoolVar(&a.keep, "keep", false, "Keep temporary files without asking")
	cmd.MarkFlagsMutuallyExclusive("yes", "keep")

	_ = cmd.RegisterFlagCompletionFunc("provider", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		var out []string
		for _, id := range translate.ProviderIDs() {
			out = append(out, fmt.Sprintf("%s\t%s", id, translate.DefaultProviders()[id].Name))
		}
		return out, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

// applyTranslateFlags overrides cfg with every flag set on the command line.
func applyTranslateFlags(flags *pflag.FlagSet, a *translateArgs, cfg *config.Config) {
	overrides := map[string]func(){
		"input":           func() { cfg.Input = a.input },
		"output":          func() { cfg.Output = a.output },
		"source":          func() { cfg.SourceLang = a.source },
		"target":          func() { cfg.TargetLang = a.target },
		"provider":        func() { cfg.Provider = a.provider },
		"model":           func() { cfg.Model = a.model },
		"api-key":         func() { cfg.APIKey = a.apiKey },
		"base-url":        func() { cfg.BaseURL = a.baseURL },
		"workers":         func() { cfg.Workers = a.workers },
		"parts":           func() { cfg.Parts = a.parts },
		"flush-every":     func() { cfg.FlushEvery = a.flushEvery },
		"daily-limit":     func() { cfg.DailyLimit = a.dailyLimit },
		"rate-delay":      func() { cfg.RateDelay = a.rateDelay },
		"max-attempts":    func() { cfg.MaxAttempts = a.maxAttempts },
		"quota-store":     func() { cfg.QuotaStore = a.quotaStore },
		"redis-url":       func() { cfg.RedisURL = a.redisURL },
		"output-encoding": func() { cfg.OutputEncoding = a.outputEncoding },
		"memo":            func() { cfg.Memo = a.memo },
		"stop-on-quota":   func() { cfg.StopOnQuota = a.stopOnQuota },
	}
	for name, apply := range overrides {
		if flags.Changed(name) {
			apply()
		}
	}
}

// defaultOutput derives the output path from the input: game.str with
// target tr becomes game_tr.str next to it.
func defaultOutput(input, target string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_" + target + ext
}

// openQuota builds the tracker over the configured store. The returned
// closer releases the store connection.
func openQuota(ctx context.Context, cfg *config.Config) (*quota.Tracker, func(), error) {
	var (
		store  quota.Store
		closer = func() {}
	)
	switch cfg.QuotaStore {
	case config.QuotaStoreRedis:
		rs, err := quota.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		store = rs
		closer = func() { _ = rs.Close() }
	default:
		dir, err := settings.QuotaDir()
		if err != nil {
			return nil, nil, err
		}
		store = quota.NewFileStore(dir)
	}

	t, err := quota.New(ctx, quota.Config{
		DailyLimit: cfg.DailyLimit,
		RateDelay:  cfg.RateDelayDuration(),
		Store:      store,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}
	return t, closer, nil
}

// newProvider resolves the API key and endpoint and builds the provider.
func newProvider(cfg *config.Config) (translate.Provider, error) {
	info, ok := translate.DefaultProviders()[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q (available: %s)", cfg.Provider, strings.Join(translate.ProviderIDs(), ", "))
	}

	apiKey := settings.ResolveAPIKey(cfg.Provider, cfg.APIKey)
	if info.NeedsAPIKey && apiKey == "" {
		hint := config.EnvPrefix + "API_KEY"
		if name := settings.EnvVarForProvider(cfg.Provider); name != "" {
			hint += " or " + name
		}
		return nil, fmt.Errorf("provider %s needs an API key: use --api-key, set %s, or run 'strtrans auth login --provider %s'", cfg.Provider, hint, cfg.Provider)
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = settings.GetBaseURL(cfg.Provider)
	}

	return translate.NewProvider(translate.ProviderConfig{
		ID:      cfg.Provider,
		Model:   cfg.Model,
		APIKey:  apiKey,
		BaseURL: baseURL,
	})
}

func lookupEncoding(label string) (*textenc.Encoding, error) {
	if label == "" {
		return nil, nil
	}
	enc, err := textenc.Lookup(label)
	if err != nil {
		return nil, err
	}
	return &enc, nil
}

func runTranslate(ctx context.Context, cfg *config.Config, a translateArgs) error {
	if cfg.Input == "" {
		return errors.New("no input file: pass it as an argument, with --input or in the config file")
	}
	if cfg.Output == "" {
		cfg.Output = defaultOutput(cfg.Input, cfg.TargetLang)
	}

	level, _ := cfg.SlogLevel()
	if a.progress && !verbose {
		// Keep info lines from tearing the bar.
		level = max(level, slog.LevelWarn)
	}
	log := newLogger(os.Stderr, level)

	inEnc, err := lookupEncoding(a.encoding)
	if err != nil {
		return err
	}
	outEnc, err := lookupEncoding(cfg.OutputEncoding)
	if err != nil {
		return err
	}

	tracker, closeQuota, err := openQuota(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeQuota()

	prov, err := newProvider(cfg)
	if err != nil {
		return err
	}

	client := translate.NewClient(translate.Options{
		Provider:    prov,
		Quota:       tracker,
		Source:      cfg.SourceLang,
		Target:      cfg.TargetLang,
		MaxAttempts: cfg.MaxAttempts,
		RetryDelay:  cfg.RetryDelay(),
		Memo:        cfg.Memo,
		Logger:      log,
	})

	logInfo("Translating %s (%s → %s) with %s, %d of %d characters left today",
		cfg.Input, translate.LanguageName(cfg.SourceLang), translate.LanguageName(cfg.TargetLang),
		cfg.Provider, tracker.Remaining(), tracker.Limit())

	opts := pipeline.Options{
		Input:          cfg.Input,
		Output:         cfg.Output,
		Layout:         layoutOf(cfg),
		Parts:          cfg.Parts,
		Workers:        cfg.Workers,
		FlushEvery:     cfg.FlushEvery,
		Encoding:       inEnc,
		OutputEncoding: outEnc,
		Translator:     client,
		Quota:          tracker,
		StopOnQuota:    cfg.StopOnQuota,
		NoMerge:        a.noMerge,
		Logger:         log,
	}

	var bar *progressbar.ProgressBar
	if a.progress {
		opts.OnStart = func(total int) {
			bar = newProgressBar(total, cfg.Input)
		}
		opts.OnLine = func() {
			_ = bar.Add(1)
		}
		opts.OnResume = func(lines int) {
			_ = bar.Add(lines)
		}
	}

	sum, runErr := pipeline.Run(ctx, opts)
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(stderr)
	}
	if sum == nil {
		return runErr
	}

	printSummary(stderr, sum)

	if runErr != nil {
		if errors.Is(runErr, merge.ErrUnencodable) {
			logWarning("Some translations cannot be written as %s; rerun with a wider --output-encoding such as UTF-8", sum.OutputEncoding)
		}
		return runErr
	}
	if sum.Interrupted {
		logWarning("%s", i18n.T("Run interrupted; progress saved. Run the same command again to resume."))
		return errInterrupted
	}

	if sum.Merged {
		action := decideCleanup(a.yes, a.keep, isInteractive(os.Stdin))
		if err := cleanup(action, cfg, os.Stdin); err != nil {
			return err
		}
	}

	if n := len(sum.Failed); n > 0 {
		return fmt.Errorf(i18n.N("%d part failed; run the same command again to retry it",
			"%d parts failed; run the same command again to retry them", n), n)
	}
	return nil
}

// cleanup removes or keeps the work directory after a merged run.
func cleanup(action cleanupAction, cfg *config.Config, in io.Reader) error {
	layout := layoutOf(cfg)
	if action == cleanupAsk {
		action = cleanupKeep
		if confirm(in, stderr, fmt.Sprintf(i18n.T("Delete temporary files in %s? [y/N]: "), layout.WorkDir)) {
			action = cleanupDelete
		}
	}

	if action == cleanupDelete {
		if err := pipeline.Clean(layout); err != nil {
			return err
		}
		logSuccess("%s", i18n.T("Temporary files removed"))
		return nil
	}
	logInfo(i18n.T("Temporary files kept in %s"), layout.WorkDir)
	return nil
}

func newProgressBar(total int, input string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("lines"),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionSetDescription(fmt.Sprintf("[cyan]%s[reset]", filepath.Base(input))),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}))
}

// printSummary writes the end-of-run report.
func printSummary(w io.Writer, sum *pipeline.Summary) {
	headerColor.Fprintf(w, "\n%s\n", i18n.T("Translation summary"))
	fmt.Fprintln(w, strings.Repeat("─", 60))

	fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Lines:"), sum.TotalLines)
	fmt.Fprintf(w, "  %-22s %d (%d %s)\n", i18n.T("Parts:"), sum.Chunks, sum.LinesPerPart, i18n.T("lines each"))
	fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Completed:"), sum.Completed)
	if sum.Skipped > 0 {
		fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Already done:"), sum.Skipped)
	}
	if len(sum.Failed) > 0 {
		fmt.Fprintf(w, "  %-22s %s\n", i18n.T("Failed parts:"), joinInts(sum.Failed))
	}

	st := sum.Translate
	fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Translated strings:"), st.Translated)
	if st.MemoHits > 0 {
		fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Reused translations:"), st.MemoHits)
	}
	if st.SkippedQuota > 0 {
		fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Skipped (quota):"), st.SkippedQuota)
	}
	if st.Failed > 0 {
		fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Kept untranslated:"), st.Failed)
	}
	fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Characters sent:"), st.Chars)
	fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Quota left today:"), sum.QuotaRemaining)

	switch {
	case sum.Merged:
		fmt.Fprintf(w, "  %-22s %s (%s)\n", i18n.T("Output:"), sum.Output, sum.OutputEncoding)
		if sum.MissingParts > 0 {
			fmt.Fprintf(w, "  %-22s %d\n", i18n.T("Missing parts:"), sum.MissingParts)
		}
	case sum.Interrupted:
		fmt.Fprintf(w, "  %-22s %s\n", i18n.T("Output:"), i18n.T("not written (interrupted)"))
	default:
		fmt.Fprintf(w, "  %-22s %s\n", i18n.T("Output:"), i18n.T("not merged"))
	}
	if sum.StatsFile != "" {
		fmt.Fprintf(w, "  %-22s %s\n", i18n.T("Run stats:"), sum.StatsFile)
	}
	fmt.Fprintln(w)
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}
