package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pders01/marks/internal/config"
	"github.com/pders01/marks/internal/debuglog"
	"github.com/pders01/marks/internal/feedsource"
	"github.com/pders01/marks/internal/jobs"
	"github.com/pders01/marks/internal/pipeline"
	"github.com/pders01/marks/internal/readable"
	"github.com/pders01/marks/internal/search"
	"github.com/pders01/marks/internal/storage"
)

// Version is set at build time.
var Version = "dev"

type globalFlags struct {
	configPath string
	dbPath     string
	logLevel   string
}

// app holds the opened stores and the wired pipeline for one command run.
type app struct {
	cfg      *config.Config
	store    *storage.Store
	index    *search.Index
	queue    *jobs.Queue
	pipeline *pipeline.Pipeline
	poller   *feedsource.Poller
}

// loadConfig reads the configuration, applies flag overrides and sets up
// logging.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if flags.dbPath != "" {
		cfg.Database.Path = flags.dbPath
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if err := debuglog.Setup(debuglog.ParseLogLevel(cfg.Log.Level), cfg.Log.File); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openApp(flags *globalFlags) (*app, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	a, err := openStores(cfg)
	if err != nil {
		debuglog.Close()
		return nil, err
	}
	return a, nil
}

// openStores opens the database and index and wires the pipeline. Both
// files stay locked until closeStores.
func openStores(cfg *config.Config) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	store, err := storage.NewStoreWithTimeout(cfg.Database.Path, cfg.Database.Timeout)
	if err != nil {
		return nil, err
	}

	jobStore, err := jobs.NewStore(store.DB(), jobs.WithDefaultMaxAttempts(cfg.Jobs.MaxAttempts))
	if err != nil {
		store.Close()
		return nil, err
	}
	queue := jobs.NewQueue(jobStore, cfg.Jobs)

	index, err := search.Open(cfg.Index.Path, cfg.Index.OpenTimeout)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening index: %w", err)
	}

	fetcher := readable.NewFetcher(cfg)
	p := pipeline.New(store, index, fetcher, queue, cfg.Pipeline, pipeline.WithParser(fetcher.Parser()))
	p.Register(queue)

	poller := feedsource.NewPoller(store, p.BookmarkStored, cfg)
	poller.Register(queue)

	return &app{
		cfg:      cfg,
		store:    store,
		index:    index,
		queue:    queue,
		pipeline: p,
		poller:   poller,
	}, nil
}

func (a *app) closeStores() error {
	err := a.index.Close()
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *app) Close() error {
	err := a.closeStores()
	debuglog.Close()
	return err
}

// drain processes due jobs until none are left.
func (a *app) drain(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := a.queue.Process(ctx)
		total += n
		if err != nil || n == 0 {
			return total, err
		}
	}
}

// withApp opens the app around fn.
func withApp(flags *globalFlags, fn func(ctx context.Context, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := openApp(flags)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd.Context(), a)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "marks",
		Short:         "Bookmark content pipeline: fetch, extract and index bookmarked pages",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "path to configuration file")
	root.PersistentFlags().StringVar(&flags.dbPath, "db", "", "path to database file (overrides config)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level: off, error, warn, info, debug")

	root.AddCommand(
		newAddCmd(flags),
		newFetchCmd(flags),
		newReindexCmd(flags),
		newMissingCmd(flags),
		newUnfetchedCmd(flags),
		newPollCmd(flags),
		newSearchCmd(flags),
		newShowCmd(flags),
		newRmCmd(flags),
		newWorkCmd(flags),
		newQueueCmd(flags),
		newGenerateConfigCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		os.Exit(1)
	}
}
