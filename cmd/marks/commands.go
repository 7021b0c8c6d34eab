package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/pders01/marks/internal/config"
	"github.com/pders01/marks/internal/debuglog"
	"github.com/pders01/marks/internal/feedsource"
	"github.com/pders01/marks/internal/readable"
	"github.com/pders01/marks/internal/storage"
	"github.com/pders01/marks/internal/tui"
)

var (
	errorStyle   = lipgloss.NewStyle().Foreground(tui.ErrorColor).Bold(true)
	successStyle = lipgloss.NewStyle().Foreground(tui.SuccessColor)
	labelStyle   = tui.LabelStyle
	titleStyle   = tui.HeaderStyle
	mutedStyle   = lipgloss.NewStyle().Foreground(tui.MutedColor)
)

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid bookmark id %q", arg)
	}
	return id, nil
}

func newAddCmd(flags *globalFlags) *cobra.Command {
	var (
		b        storage.Bookmark
		tags     []string
		htmlFile string
		sync     bool
	)
	cmd := &cobra.Command{
		Use:   "add <url>",
		Short: "Store a bookmark and schedule its content fetch",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVarP(&b.Username, "user", "u", os.Getenv("USER"), "owner of the bookmark")
	cmd.Flags().StringVarP(&b.Description, "desc", "d", "", "description")
	cmd.Flags().StringVarP(&b.Extended, "ext", "e", "", "extended notes")
	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "tags")
	cmd.Flags().BoolVar(&b.IsPrivate, "private", false, "hide from other users' searches")
	cmd.Flags().StringVar(&htmlFile, "html", "", "import page content from this file instead of fetching")
	cmd.Flags().BoolVar(&sync, "sync", false, "process the resulting jobs before returning")

	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		b.URL = cmd.Flags().Arg(0)
		b.TagString = strings.Join(tags, " ")
		b.InsertedBy = "cli"
		if b.Username == "" {
			return fmt.Errorf("--user is required")
		}
		if existing, err := a.store.GetByURL(b.URL, b.Username); err == nil {
			b.ID = existing.ID
		}
		if err := a.store.SaveBookmark(&b); err != nil {
			return err
		}

		if htmlFile != "" {
			f, err := os.Open(htmlFile)
			if err != nil {
				return err
			}
			defer f.Close()
			if err := a.pipeline.ImportContent(ctx, b.ID, f, "text/html"); err != nil {
				return err
			}
		} else if err := a.pipeline.BookmarkStored(ctx, b.ID); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s %d %s\n", successStyle.Render("stored"), b.ID, b.URL)
		if sync {
			return runDrain(ctx, cmd, a)
		}
		return nil
	})
	return cmd
}

func runDrain(ctx context.Context, cmd *cobra.Command, a *app) error {
	n, err := a.drain(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "processed %d jobs\n", n)
	return err
}

func newFetchCmd(flags *globalFlags) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "fetch <id>",
		Short: "Fetch a bookmark's content again",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "fetch and index before returning")
	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		id, err := parseID(cmd.Flags().Arg(0))
		if err != nil {
			return err
		}
		if sync {
			if err := a.pipeline.FetchContent(ctx, id); err != nil {
				return err
			}
			return runDrain(ctx, cmd, a)
		}
		if err := a.pipeline.BookmarkStored(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scheduled fetch of bookmark %d\n", id)
		return nil
	})
	return cmd
}

func newReindexCmd(flags *globalFlags) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the index document of every bookmark",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "index in this process before returning")
	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		n, err := a.pipeline.ReindexAll(ctx, sync)
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d bookmarks\n", verb(sync, "reindexed", "scheduled"), n)
		return err
	})
	return cmd
}

func newMissingCmd(flags *globalFlags) *cobra.Command {
	var sync bool
	cmd := &cobra.Command{
		Use:   "missing",
		Short: "Index bookmarks that have no index document",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&sync, "sync", false, "index in this process before returning")
	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		n, err := a.pipeline.FindMissing(ctx, sync)
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d missing bookmarks\n", verb(sync, "indexed", "scheduled"), n)
		return err
	})
	return cmd
}

func verb(sync bool, done, scheduled string) string {
	if sync {
		return done
	}
	return scheduled
}

func newUnfetchedCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unfetched",
		Short: "Schedule a fetch for every bookmark without content",
		Args:  cobra.NoArgs,
	}
	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		n, err := a.pipeline.FetchUnfetched(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scheduled %d fetches\n", n)
		return nil
	})
	return cmd
}

func newPollCmd(flags *globalFlags) *cobra.Command {
	var (
		username string
		sync     bool
	)
	cmd := &cobra.Command{
		Use:   "poll <feed-url>",
		Short: "Bookmark the items of an RSS or Atom feed",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringVarP(&username, "user", "u", os.Getenv("USER"), "owner of the created bookmarks")
	cmd.Flags().BoolVar(&sync, "sync", false, "poll in this process instead of scheduling a job")
	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		feedURL := cmd.Flags().Arg(0)
		if !sync {
			err := a.queue.Enqueue(ctx, feedsource.TaskPollFeed, feedsource.PollPayload{URL: feedURL, Username: username})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled poll of %s\n", feedURL)
			return nil
		}
		n, err := a.poller.Poll(ctx, feedURL, username)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "added %d bookmarks from %s\n", n, feedURL)
		return nil
	})
	return cmd
}

func newSearchCmd(flags *globalFlags) *cobra.Command {
	var (
		viewer string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search bookmarks",
		Args:  cobra.MinimumNArgs(1),
	}
	cmd.Flags().StringVarP(&viewer, "user", "u", os.Getenv("USER"), "search as this user, which includes their private bookmarks")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum results")
	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		results, err := a.index.Search(strings.Join(cmd.Flags().Args(), " "), viewer, limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(results) == 0 {
			fmt.Fprintln(out, mutedStyle.Render("no results"))
			return nil
		}
		for _, r := range results {
			fmt.Fprintf(out, "%5d  %s %s\n", r.BookmarkID, titleStyle.Render(r.Description),
				mutedStyle.Render(fmt.Sprintf("[%s] %.2f", r.Tags, r.Score)))
		}
		return nil
	})
	return cmd
}

func newShowCmd(flags *globalFlags) *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a bookmark, its pipeline state and readable content",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "print markdown without terminal rendering")
	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		id, err := parseID(cmd.Flags().Arg(0))
		if err != nil {
			return err
		}
		b, r, state, err := a.pipeline.Status(id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		row := func(label, value string) {
			fmt.Fprintln(out, labelStyle.Render(label)+value)
		}
		fmt.Fprintln(out, titleStyle.Render(b.Description))
		row("url", b.URL)
		row("user", b.Username)
		row("tags", b.TagString)
		row("state", state.String())
		if r != nil {
			row("status", fmt.Sprintf("%d %s", r.StatusCode, readable.Status(r.StatusCode)))
			if r.StatusMessage != "" {
				row("message", r.StatusMessage)
			}
			row("content type", r.ContentType)
			row("imported", r.ImportedAt.Format(time.RFC1123))
		}
		if !r.HasContent() {
			return nil
		}

		md, err := readable.Markdown(*r.Content)
		if err != nil {
			return err
		}
		if raw {
			fmt.Fprintln(out, md)
			return nil
		}
		renderer, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
		if err != nil {
			return err
		}
		rendered, err := renderer.Render(md)
		if err != nil {
			return err
		}
		fmt.Fprint(out, rendered)
		return nil
	})
	return cmd
}

func newRmCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Delete a bookmark and its index document",
		Args:  cobra.ExactArgs(1),
	}
	cmd.RunE = withApp(flags, func(ctx context.Context, a *app) error {
		id, err := parseID(cmd.Flags().Arg(0))
		if err != nil {
			return err
		}
		if err := a.store.DeleteBookmark(id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted bookmark %d\n", id)
		return nil
	})
	return cmd
}

func newWorkCmd(flags *globalFlags) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the job worker",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVar(&once, "once", false, "process due jobs and exit")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if once {
			return withApp(flags, func(ctx context.Context, a *app) error {
				return runDrain(ctx, cmd, a)
			})(cmd, args)
		}
		cfg, err := loadConfig(flags)
		if err != nil {
			return err
		}
		defer debuglog.Close()
		debuglog.Infof("worker started with %d workers", cfg.Jobs.Workers)
		fmt.Fprintf(cmd.OutOrStdout(), "working with %d workers, ctrl+c to stop\n", cfg.Jobs.Workers)
		return runWorker(cmd.Context(), cfg)
	}
	return cmd
}

func newQueueCmd(flags *globalFlags) *cobra.Command {
	var (
		watch bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show job queue state",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "open the live dashboard")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "recent jobs to list")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(flags)
		if err != nil {
			return err
		}
		defer debuglog.Close()

		if _, err := os.Stat(cfg.Database.Path); errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render(tui.MsgNoJobs))
			return nil
		}
		source := sharedJobs{path: cfg.Database.Path, timeout: cfg.Database.Timeout}
		if watch {
			return tui.Run(source, time.Second)
		}
		ctx := cmd.Context()
		stats, err := source.Stats(ctx)
		if err != nil {
			return err
		}
		recent, err := source.Recent(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), tui.RenderSummary(stats, recent, time.Now()))
		return nil
	}
	return cmd
}

func newGenerateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate-config [path]",
		Short: "Write the default configuration file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			} else {
				home, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				path = filepath.Join(home, ".config", "marks", "config.toml")
			}
			if err := config.GenerateDefaultConfig(path); err != nil {
				return fmt.Errorf("generating config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Generated default configuration at: %s\n", path)
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			tui.ShowBanner(cmd.OutOrStdout(), Version)
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", tui.AppName, Version)
		},
	}
}
