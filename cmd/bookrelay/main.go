// BookRelay replicates an e-reader library (books, reading progress,
// statistics and reading goals) between the local library database, a
// directory tree, Google Drive, OneDrive and portable zip backups.
//
// Usage:
//
//	bookrelay replicate --to gdrive            # copy the local library to Google Drive
//	bookrelay replicate --from onedrive        # copy OneDrive into the local library
//	bookrelay export --dir ~/backups           # write a zip backup of the local library
//	bookrelay import backup.zip                # restore a zip backup
//	bookrelay list [backend]                   # list the books a backend holds
//	bookrelay delete <backend> <title>...      # delete books from a backend
//	bookrelay auth <gdrive|onedrive>           # authorize a cloud drive
//	bookrelay daemon                           # run scheduled auto replication
//	bookrelay version                          # print version
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/njoerd114/bookrelay/internal/backend"
	"github.com/njoerd114/bookrelay/internal/cloud"
	"github.com/njoerd114/bookrelay/internal/cloud/gdrive"
	"github.com/njoerd114/bookrelay/internal/cloud/onedrive"
	"github.com/njoerd114/bookrelay/internal/config"
	"github.com/njoerd114/bookrelay/internal/model"
	"github.com/njoerd114/bookrelay/internal/progress"
	"github.com/njoerd114/bookrelay/internal/replication"
	"github.com/njoerd114/bookrelay/internal/storage"
	"github.com/njoerd114/bookrelay/internal/telemetry"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

// rootOptions holds the global flags.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "bookrelay",
		Short:         "Replicate an e-reader library between storage backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to config.yaml (default ~/.config/bookrelay/config.yaml)")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newReplicateCommand(opts),
		newExportCommand(opts),
		newImportCommand(opts),
		newListCommand(opts),
		newDeleteCommand(opts),
		newAuthCommand(opts),
		newDaemonCommand(opts),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), "bookrelay", version)
			},
		},
	)
	return cmd
}

// --- Application wiring ------------------------------------------------------

// app is everything a subcommand needs, built from the global flags.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	backends *backend.Registry
	reporter *progress.Reporter
	engine   *replication.Engine
	closers  []func()
}

func (o *rootOptions) open(ctx context.Context) (*app, error) {
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	base := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	logger := slog.New(base)
	slog.SetDefault(logger)

	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, reporter: progress.NewReporter()}

	// --- Telemetry (optional) ---

	if cfg.Telemetry != nil {
		shutdown, err := telemetry.Setup(ctx, telemetry.Config{
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			Insecure:     cfg.Telemetry.Insecure,
			ServiceName:  cfg.Telemetry.ServiceName,
			Headers:      cfg.Telemetry.Headers,
		})
		if err != nil {
			logger.Error("telemetry setup failed, continuing without telemetry", "error", err)
		} else {
			logger = slog.New(telemetry.Fanout(base, telemetry.NewLogHandler(telemetry.DefaultServiceName, level)))
			slog.SetDefault(logger)
			logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.OTLPEndpoint)
			a.closers = append(a.closers, func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(flushCtx); err != nil {
					logger.Error("telemetry shutdown error", "error", err)
				}
			})
		}
	}

	a.log = logger
	a.backends = backend.NewRegistry(cfg, logger)
	a.closers = append(a.closers, func() {
		if err := a.backends.Close(); err != nil {
			logger.Error("closing backends", "error", err)
		}
	})
	a.engine = replication.NewEngine(a.backends, a.reporter, logger)
	return a, nil
}

// loadConfig reads the config file. A missing file at the default location
// means defaults; a missing file given with --config is an error.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, err
		}
		cfg, err := config.Load(p)
		if errors.Is(err, fs.ErrNotExist) {
			slog.Debug("no config file, using defaults", "path", p)
			return config.Default()
		}
		if err != nil {
			return nil, fmt.Errorf("loading config from %q: %w", p, err)
		}
		return cfg, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading config from %q: %w", path, err)
	}
	return cfg, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// runOptions builds run options from the replication config.
func (a *app) runOptions() replication.RunOptions {
	r := a.cfg.Replication
	opts := replication.DefaultRunOptions()
	opts.SaveBehavior = r.SaveBehavior
	opts.StatisticsMergeMode = r.StatisticsMergeMode
	opts.ReadingGoalsMergeMode = r.ReadingGoalsMergeMode
	opts.CacheListing = r.CacheEnabled()
	opts.Concurrency = r.Concurrency
	return opts
}

// --- Progress display --------------------------------------------------------

// showProgress renders reporter updates on w until the returned function is
// called.
func showProgress(reporter *progress.Reporter, w io.Writer) func() {
	updates, unsubscribe := reporter.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for u := range updates {
			fmt.Fprintf(w, "\r%3.0f%%  %d transferred, %d up to date", u.Percent, u.Completed, u.Skipped)
		}
		fmt.Fprintln(w)
	}()
	return func() {
		unsubscribe()
		<-done
	}
}

func printResult(w io.Writer, res replication.Result) error {
	fmt.Fprintf(w, "%d processed, %d changed, %d up to date, %d failed\n", res.Processed, res.Changed, res.Skipped, res.Failed)
	for _, msg := range res.Errors {
		fmt.Fprintln(w, "  "+msg)
	}
	if res.Failed > 0 {
		return fmt.Errorf("%d of %d book(s) failed", res.Failed, res.Processed)
	}
	return nil
}

// cancelled turns a user abort into a clean exit.
func cancelled(w io.Writer, err error) error {
	if storage.IsCancelled(err) {
		fmt.Fprintln(w, "cancelled")
		return nil
	}
	return err
}

// --- Subcommands -------------------------------------------------------------

func newReplicateCommand(root *rootOptions) *cobra.Command {
	var (
		from, to    string
		types       string
		titles      []string
		noGoals     bool
		overwrite   bool
		concurrency int
	)
	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Copy books and reading data from one backend to another",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := model.ParseStorageKind(from)
			if err != nil {
				return err
			}
			target, err := model.ParseStorageKind(to)
			if err != nil {
				return err
			}
			if source == target {
				return fmt.Errorf("--from and --to both name %s", source)
			}
			dataTypes, err := model.ParseDataTypes(types)
			if err != nil {
				return err
			}

			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			opts := a.runOptions()
			opts.DataTypes = dataTypes
			opts.ReadingGoals = !noGoals
			if overwrite {
				opts.SaveBehavior = model.SaveOverwrite
			}
			if concurrency > 0 {
				opts.Concurrency = min(concurrency, config.MaxConcurrency)
			}
			req := replication.Request{Source: source, Target: target, Options: opts}
			for _, t := range titles {
				req.Contexts = append(req.Contexts, model.Context{Title: t})
			}

			stop := showProgress(a.reporter, cmd.ErrOrStderr())
			res, err := a.engine.Run(cmd.Context(), req)
			stop()
			if err != nil {
				return cancelled(cmd.OutOrStdout(), err)
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&from, "from", string(model.StorageLocal), "source backend")
	cmd.Flags().StringVar(&to, "to", string(model.StorageLocal), "target backend")
	cmd.Flags().StringVar(&types, "types", "book,progress,statistics", "data types to replicate")
	cmd.Flags().StringSliceVar(&titles, "title", nil, "replicate only these titles (repeatable)")
	cmd.Flags().BoolVar(&noGoals, "no-goals", false, "skip reading goals")
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace newer data on the target")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "books replicated at once (default from config)")
	return cmd
}

func newExportCommand(root *rootOptions) *cobra.Command {
	var from, dir string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a zip backup of a backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			source, err := model.ParseStorageKind(from)
			if err != nil {
				return err
			}
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			archive, err := a.backends.Backup(cmd.Context())
			if err != nil {
				return err
			}
			if err := archive.BeginExport(dir); err != nil {
				return err
			}

			stop := showProgress(a.reporter, cmd.ErrOrStderr())
			res, err := a.engine.Run(cmd.Context(), replication.Request{
				Source: source, Target: model.StorageBackup, Options: a.runOptions(),
			})
			stop()
			if err != nil {
				return cancelled(cmd.OutOrStdout(), err)
			}
			if path := archive.Written(); path != "" {
				fmt.Fprintln(cmd.OutOrStdout(), "wrote", path)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to export")
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&from, "from", string(model.StorageLocal), "backend to export")
	cmd.Flags().StringVar(&dir, "dir", ".", "directory the backup is written to")
	return cmd
}

func newImportCommand(root *rootOptions) *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "import <backup.zip>",
		Short: "Restore a zip backup into a backend",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := model.ParseStorageKind(to)
			if err != nil {
				return err
			}
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			archive, err := a.backends.Backup(cmd.Context())
			if err != nil {
				return err
			}
			contexts, err := archive.Open(args[0])
			if err != nil {
				return err
			}
			opts := a.runOptions()
			opts.ReadingGoals = archive.HasReadingGoals()

			stop := showProgress(a.reporter, cmd.ErrOrStderr())
			res, err := a.engine.Run(cmd.Context(), replication.Request{
				Source: model.StorageBackup, Target: target, Contexts: contexts, Options: opts,
			})
			stop()
			if err != nil {
				return cancelled(cmd.OutOrStdout(), err)
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&to, "to", string(model.StorageLocal), "backend to restore into")
	return cmd
}

func newListCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list [backend]",
		Short: "List the books a backend holds",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := model.StorageLocal
			if len(args) == 1 {
				k, err := model.ParseStorageKind(args[0])
				if err != nil {
					return err
				}
				kind = k
			}
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			adapter, err := a.backends.Get(cmd.Context(), kind)
			if err != nil {
				return err
			}
			lister, ok := adapter.(storage.Lister)
			if !ok {
				return fmt.Errorf("backend %s cannot list books", kind)
			}
			contexts, err := lister.ListContexts(cmd.Context())
			if err != nil {
				return cancelled(cmd.OutOrStdout(), err)
			}
			for _, c := range contexts {
				fmt.Fprintln(cmd.OutOrStdout(), c.Title)
			}
			return nil
		},
	}
}

func newDeleteCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <backend> <title>...",
		Short: "Delete books and their reading data from a backend",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseStorageKind(args[0])
			if err != nil {
				return err
			}
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			res, err := a.engine.Delete(cmd.Context(), kind, args[1:])
			if err != nil {
				return cancelled(cmd.OutOrStdout(), err)
			}
			return printResult(cmd.OutOrStdout(), res)
		},
	}
}

func newAuthCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "auth <gdrive|onedrive>",
		Short:     "Authorize access to a cloud drive",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{string(model.StorageGDrive), string(model.StorageOneDrive)},
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := model.ParseStorageKind(args[0])
			if err != nil {
				return err
			}
			a, err := root.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			var (
				oc *oauth2.Config
				dc *config.DriveConfig
			)
			switch kind {
			case model.StorageGDrive:
				if dc = a.cfg.GDrive; dc != nil {
					oc = gdrive.OAuthConfig(dc.ClientID, dc.ClientSecret)
				}
			case model.StorageOneDrive:
				if dc = a.cfg.OneDrive; dc != nil {
					oc = onedrive.OAuthConfig(dc.ClientID, dc.ClientSecret, dc.Tenant)
				}
			default:
				return fmt.Errorf("backend %s does not use OAuth", kind)
			}
			if oc == nil {
				return fmt.Errorf("storage backend %q is not configured", kind)
			}

			out := cmd.OutOrStdout()
			err = cloud.Authorize(cmd.Context(), oc, dc.TokenFile, func(authURL string) {
				fmt.Fprintln(out, "Open this URL in a browser to authorize bookrelay:")
				fmt.Fprintln(out, "  "+authURL)
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(out, "token stored in", dc.TokenFile)
			return nil
		},
	}
}

func newDaemonCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run scheduled auto replication and serve the progress feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := root.open(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			if listen := a.cfg.Progress.Listen; listen != "" {
				stop := serveFeed(ctx, listen, a.reporter, a.log)
				defer stop()
			}

			if a.cfg.Auto.Mode == model.AutoOff {
				a.log.Info("auto replication is off, waiting for shutdown")
				<-ctx.Done()
				return nil
			}
			opts := a.runOptions()
			opts.DataTypes = a.cfg.Auto.AutoDataTypes()
			opts.ReadingGoals = a.cfg.Auto.AutoReadingGoals()
			err = a.engine.Schedule(ctx, replication.AutoSchedule{
				Mode:    a.cfg.Auto.Mode,
				Remote:  a.cfg.Auto.Remote,
				Spec:    a.cfg.Auto.Schedule,
				Options: opts,
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

// serveFeed serves the websocket progress feed on listen. The returned
// function shuts the server down.
func serveFeed(ctx context.Context, listen string, reporter *progress.Reporter, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/progress", progress.NewFeed(reporter, logger))
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("progress feed listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("progress feed stopped", "error", err)
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
