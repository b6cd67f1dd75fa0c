// cmd/lhist/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"lhist/internal/change"
	"lhist/internal/config"
	"lhist/internal/gateway"
	"lhist/internal/history"
	"lhist/internal/label"
	"lhist/internal/logging"
	"lhist/internal/metrics"
	"lhist/internal/update"
	"lhist/internal/watch"
)

var rootDir string

var rootCmd = &cobra.Command{
	Use:   "lhist",
	Short: "lhist keeps a local history of a project directory",
	Long: `lhist records every change made to the files under a project directory,
lets you label points in that history, compare any two of them and revert
files or whole directories to an earlier state.`,
	SilenceUsage: true,
}

// env bundles what every command needs.
type env struct {
	root   string
	cfg    *config.Config
	logger *logging.Logger
	store  *history.Store
}

func (e *env) Close() error {
	err := e.store.Close()
	e.logger.Sync()
	return err
}

// openEnv opens the store of the project at --root.
func openEnv(m *metrics.Metrics) (*env, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("resolving root: %w", err)
	}
	cfg, err := config.Load(config.Path(root))
	if err != nil {
		return nil, err
	}
	logger, err := logging.NewDevelopment(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	s, err := history.Open(filepath.Join(root, config.Dir), history.Options{
		Config:  cfg,
		Gateway: gateway.NewOS(root),
		Metrics: m,
		Logger:  logger.WithStore(root),
	})
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	return &env{root: root, cfg: cfg, logger: logger, store: s}, nil
}

// refresh records external changes under path and saves them.
func (e *env) refresh(ctx context.Context, path string) (*change.ChangeSet, error) {
	cs, err := e.store.Refresh(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	if err := e.store.Save(); err != nil {
		return nil, fmt.Errorf("saving: %w", err)
	}
	return cs, nil
}

// findLabel returns the newest named label called name that covers path.
func (e *env) findLabel(path, name string) (*label.Label, error) {
	labels, err := e.store.GetLabelsFor(path)
	if err != nil {
		return nil, err
	}
	for _, l := range labels {
		if l.Kind == label.Named && l.Name == name {
			return l, nil
		}
	}
	return nil, fmt.Errorf("no label %q for %q", name, path)
}

func pathArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	p := filepath.ToSlash(filepath.Clean(args[0]))
	if p == "." {
		return ""
	}
	return p
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootDir, "root", "C", ".", "Project directory")

	var initCmd = &cobra.Command{
		Use:   "init",
		Short: "Start recording the history of the project directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			cs, err := e.refresh(cmd.Context(), "")
			if err != nil {
				return err
			}
			n := 0
			if cs != nil {
				n = len(cs.Changes)
			}
			fmt.Printf("Initialized local history in %s (%d entries recorded)\n",
				filepath.Join(e.root, config.Dir), n)
			return nil
		},
	}

	var scanCmd = &cobra.Command{
		Use:   "scan [path]",
		Short: "Record changes made to the project directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			cs, err := e.refresh(cmd.Context(), pathArg(args))
			if err != nil {
				return err
			}
			if cs == nil {
				fmt.Println("No changes detected")
				return nil
			}
			printChangeSet(cs, true)
			return nil
		},
	}

	var labelCmd = &cobra.Command{
		Use:   "label <name>",
		Short: "Label the current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.refresh(cmd.Context(), ""); err != nil {
				return err
			}
			l, err := e.store.PutLabel(args[0])
			if err != nil {
				return fmt.Errorf("putting label: %w", err)
			}
			fmt.Printf("Labelled %s\n", l)
			return nil
		},
	}

	var labelsCmd = &cobra.Command{
		Use:   "labels [path]",
		Short: "List the labels at which a path existed",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			labels, err := e.store.GetLabelsFor(pathArg(args))
			if err != nil {
				return fmt.Errorf("listing labels: %w", err)
			}
			if len(labels) == 0 {
				fmt.Println("No labels found")
				return nil
			}
			for _, l := range labels {
				printLabel(l)
			}
			return nil
		},
	}

	var logCmd = &cobra.Command{
		Use:   "log [path]",
		Short: "Show the change sets touching a path",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verbose, _ := cmd.Flags().GetBool("verbose")
			limit, _ := cmd.Flags().GetInt("limit")

			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			sets := e.store.ChangeSets(pathArg(args))
			if limit > 0 && len(sets) > limit {
				sets = sets[:limit]
			}
			for _, cs := range sets {
				printChangeSet(cs, verbose)
			}
			if verbose {
				printStats(e.store.Stats())
			}
			if verify, _ := cmd.Flags().GetBool("verify"); verify {
				n, err := e.store.VerifyContents()
				if err != nil {
					return fmt.Errorf("verifying contents: %w", err)
				}
				fmt.Printf("%s %d blobs intact\n", green("ok"), n)
			}
			return nil
		},
	}

	var diffCmd = &cobra.Command{
		Use:   "diff <path>",
		Short: "Show how a path changed since a label or sequence number",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			labelName, _ := cmd.Flags().GetString("label")
			seq, _ := cmd.Flags().GetInt64("seq")

			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.refresh(cmd.Context(), ""); err != nil {
				return err
			}
			path := pathArg(args)
			var d *label.Difference
			switch {
			case labelName != "":
				l, err := e.findLabel(path, labelName)
				if err != nil {
					return err
				}
				if d, err = l.DifferenceWith(e.store.CurrentLabel(path)); err != nil {
					return err
				}
			case cmd.Flags().Changed("seq"):
				if d, err = e.store.Diff(path, seq, path, history.CurrentSeq); err != nil {
					return err
				}
			default:
				return errors.New("specify --label or --seq")
			}
			return printDifference(e.store, d)
		},
	}

	var revertCmd = &cobra.Command{
		Use:   "revert <path>",
		Short: "Revert a path to its state at a label or sequence number",
		Long: `Reverts the file or directory at path, and everything below it, to the state
it had at a label or sequence number. The revert itself is recorded as a new
change set, so it can be reverted in turn.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			labelName, _ := cmd.Flags().GetString("label")
			to, _ := cmd.Flags().GetInt64("to")
			name, _ := cmd.Flags().GetString("name")

			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			if _, err := e.refresh(cmd.Context(), ""); err != nil {
				return err
			}
			path := pathArg(args)
			var res history.RevertResult
			switch {
			case labelName != "":
				l, err := e.findLabel(path, labelName)
				if err != nil {
					return err
				}
				res, err = e.store.RevertToLabel(l, name)
				if err != nil {
					return reportRevertError(err)
				}
			case cmd.Flags().Changed("to"):
				res, err = e.store.Revert(e.store.Seq(), to, path, name)
				if err != nil {
					return reportRevertError(err)
				}
			default:
				return errors.New("specify --label or --to")
			}
			if err := e.store.Save(); err != nil {
				return fmt.Errorf("saving: %w", err)
			}
			if res.ChangeSet == nil {
				fmt.Println("Nothing to revert")
				return nil
			}
			printChangeSet(res.ChangeSet, true)
			return nil
		},
	}

	var purgeCmd = &cobra.Command{
		Use:   "purge",
		Short: "Drop history older than the configured purge period",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(nil)
			if err != nil {
				return err
			}
			defer e.Close()

			period := e.cfg.PurgePeriod
			if cmd.Flags().Changed("older-than") {
				period, _ = cmd.Flags().GetDuration("older-than")
			}
			before := time.Now().Add(-period)
			res, err := e.store.PurgeUpTo(before.UnixMilli())
			if err != nil {
				return fmt.Errorf("purging: %w", err)
			}
			fmt.Printf("Purged %d change sets before %s, freed %d blobs\n",
				res.ChangeSets, before.Format(time.RFC3339), res.BlobsFreed)
			for _, l := range res.Invalidated {
				fmt.Printf("  label %q at %d no longer applies\n", l.Name, l.Seq)
			}
			return nil
		},
	}

	var watchCmd = &cobra.Command{
		Use:   "watch",
		Short: "Record changes to the project directory as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("metrics-addr")

			reg := prometheus.NewRegistry()
			m, err := metrics.New(reg)
			if err != nil {
				return err
			}
			e, err := openEnv(m)
			if err != nil {
				return err
			}
			defer e.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if _, err := e.refresh(ctx, ""); err != nil {
				return err
			}
			if addr != "" {
				srv := serveMetrics(addr, reg, e.logger.Logger)
				defer srv.Shutdown(context.Background())
			}

			w, err := watch.New(e.root, e.store, watch.Options{
				Filter: update.NewFilter(e.cfg.Ignore, true),
				Logger: e.logger.Logger,
				OnRefresh: func(cs *change.ChangeSet) {
					printChangeSet(cs, false)
					if err := e.store.Save(); err != nil {
						e.logger.Error("saving", zap.Error(err))
					}
				},
			})
			if err != nil {
				return err
			}
			defer w.Close()

			fmt.Printf("Watching %s (Ctrl-C to stop)\n", e.root)
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return e.store.Save()
		},
	}

	logCmd.Flags().BoolP("verbose", "v", false, "Show every change and store statistics")
	logCmd.Flags().IntP("limit", "n", 0, "Show at most n change sets")
	logCmd.Flags().Bool("verify", false, "Re-read every stored blob and check its content id")

	diffCmd.Flags().StringP("label", "l", "", "Compare with this label")
	diffCmd.Flags().Int64P("seq", "s", 0, "Compare with the state after this sequence number")

	revertCmd.Flags().StringP("label", "l", "", "Revert to this label")
	revertCmd.Flags().Int64P("to", "t", 0, "Revert to the state after this sequence number")
	revertCmd.Flags().StringP("name", "m", "", "Name of the recorded revert")

	purgeCmd.Flags().Duration("older-than", 0, "Override the configured purge period")

	watchCmd.Flags().String("metrics-addr", "", "Serve prometheus metrics on this address")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(labelCmd)
	rootCmd.AddCommand(labelsCmd)
	rootCmd.AddCommand(logCmd)
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(revertCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(watchCmd)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
