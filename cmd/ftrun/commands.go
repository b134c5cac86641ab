package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/ftrun/internal/checkpoint"
	"github.com/hochfrequenz/ftrun/internal/chooser"
	"github.com/hochfrequenz/ftrun/internal/config"
	"github.com/hochfrequenz/ftrun/internal/dispatch"
	"github.com/hochfrequenz/ftrun/internal/domain"
	"github.com/hochfrequenz/ftrun/internal/logging"
	"github.com/hochfrequenz/ftrun/internal/notify"
	"github.com/hochfrequenz/ftrun/internal/prompts"
	"github.com/hochfrequenz/ftrun/internal/runstore"
)

var (
	cli       domain.CliArgs
	setValues []string
	runsState string
	runsLimit int
)

var bannerStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("205")).
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("240")).
	Padding(0, 2)

func init() {
	// train command
	trainCmd := &cobra.Command{
		Use:   "train [CONFIG] [key=value...]",
		Short: "Run a fine-tuning config",
		Long: `Resolve CONFIG (a YAML file, or a directory of them) with the given
overrides and run exactly one mode. Without a mode flag the model is trained.`,
		RunE: runTrain,
	}
	f := trainCmd.Flags()
	f.StringArrayVar(&setValues, "set", nil, "override a config key (key=value), repeatable")
	f.BoolVar(&cli.Debug, "debug", false, "print a sample of tokenized labels")
	f.BoolVar(&cli.Inference, "inference", false, "start the interactive inference loop")
	f.BoolVar(&cli.MergeLora, "merge-lora", false, "merge the adapter into the base model")
	f.BoolVar(&cli.PrepareDSOnly, "prepare-ds-only", false, "prepare the dataset and exit")
	f.StringVar(&cli.Prompter, "prompter", "", "prompter used to render inference instructions")
	f.BoolVar(&cli.Shard, "shard", false, "re-save the loaded model to output_dir")
	rootCmd.AddCommand(trainCmd)

	// runs command
	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		RunE:  runRuns,
	}
	runsCmd.Flags().StringVar(&runsState, "status", "", "filter by status")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs")
	rootCmd.AddCommand(runsCmd)

	// checkpoints command
	checkpointsCmd := &cobra.Command{
		Use:   "checkpoints [CONFIG]",
		Short: "List checkpoints in a config's output directory",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runCheckpoints,
	}
	rootCmd.AddCommand(checkpointsCmd)
}

// splitArgs separates the config source from key=value overrides. A first
// argument without "=" is the source; otherwise the settings' config
// directory is used.
func splitArgs(args []string, defaultSource string) (string, []string) {
	if len(args) > 0 && !strings.Contains(args[0], "=") {
		return args[0], args[1:]
	}
	return defaultSource, args
}

func resolveConfig(args []string, s *config.Settings, log *slog.Logger) (config.RunConfig, error) {
	source, raw := splitArgs(args, s.General.ConfigDir)
	overrides, err := config.ParseOverrides(append(raw, setValues...))
	if err != nil {
		return config.RunConfig{}, err
	}
	return config.Resolve(source, overrides, config.Options{
		Chooser: chooser.New(),
		Getenv:  os.Getenv,
		Logger:  log,
	})
}

func runTrain(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	log := logging.New("ftrun")

	cfg, err := resolveConfig(args, s, log)
	if err != nil {
		return err
	}
	rank := cfg.Int("local_rank")
	log = logging.WithRank(log, rank)

	if cfg.IsCoordinator() {
		fmt.Fprintln(os.Stderr, bannerStyle.Render("ftrun"))
	}

	ledger := &runLedger{
		notifier: notify.NoopNotifier{},
		run: &domain.Run{
			Mode:       dispatch.Select(cli, cfg.String("adapter") != ""),
			ConfigPath: cfg.Source(),
			BaseModel:  cfg.String("base_model"),
			OutputDir:  cfg.String("output_dir"),
			Rank:       rank,
			StartedAt:  time.Now().UTC(),
		},
		log: log,
	}
	if cfg.IsCoordinator() {
		ledger.notifier = notify.FromSettings(s.Notifications)
		if s.Ledger.Enabled {
			store, err := runstore.New(s.Ledger.DatabasePath)
			if err != nil {
				log.Warn("run ledger unavailable", "path", s.Ledger.DatabasePath, "error", err)
			} else {
				ledger.store = store
			}
		}
	}
	ledger.start()
	defer ledger.close()

	runner := &dispatch.Runner{
		Logger:       ledger.log,
		Prompts:      prompts.DefaultLoader("."),
		OnCheckpoint: ledger.checkpoint,
		OnInterrupt: func(saveErr error) {
			ledger.finish(domain.RunInterrupted, saveErr)
			ledger.close()
		},
	}

	started := time.Now()
	res, err := runner.Run(cmd.Context(), cfg, cli)
	if errors.Is(err, dispatch.ErrInterrupted) {
		ledger.finish(domain.RunInterrupted, nil)
		return nil
	}
	ledger.finish(res.Status, err)
	if err != nil {
		return err
	}
	ledger.log.Info("run finished", "mode", res.Mode, "took", humanize.RelTime(started, time.Now(), "", ""))
	return nil
}

func runRuns(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	store, err := runstore.New(s.Ledger.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	runs, err := store.List(runstore.ListOptions{Status: domain.RunStatus(runsState), Limit: runsLimit})
	if err != nil {
		return err
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMODE\tSTATUS\tSTARTED\tDURATION\tCHECKPOINT\tOUTPUT")
	for _, r := range runs {
		last := r.LastCheckpoint
		if last == "" {
			last = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.ID), r.Mode, r.Status, humanize.Time(r.StartedAt),
			r.Duration(now).Round(time.Second), last, r.OutputDir)
	}
	w.Flush()

	return nil
}

func runCheckpoints(cmd *cobra.Command, args []string) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}

	cfg, err := resolveConfig(args, s, logging.New("ftrun"))
	if err != nil {
		return err
	}

	refs, err := checkpoint.Discover(cfg.String("output_dir"))
	if err != nil {
		return err
	}
	if len(refs) == 0 {
		fmt.Printf("No checkpoints in %s\n", cfg.String("output_dir"))
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tMODIFIED\tPATH")
	for _, ref := range refs {
		modified := "-"
		if info, err := os.Stat(ref.Path); err == nil {
			modified = humanize.Time(info.ModTime())
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", ref.Step, modified, ref.Path)
	}
	w.Flush()

	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
