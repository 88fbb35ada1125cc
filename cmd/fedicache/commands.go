// ABOUTME: Subcommands: migrate, stats, sweep, timeline and thread
// ABOUTME: Text output is colorized for terminals; --format json emits one document per run

package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/fedicache/internal/store"
	"github.com/2389/fedicache/internal/sweeper"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	dim    = color.New(color.FgHiBlack)
	bold   = color.New(color.Bold)
)

// NewMigrateCommand opens the cache, applying pending migrations, and lists
// everything that has been applied.
func NewMigrateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			applied, err := st.AppliedMigrations(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, map[string]any{"database": opts.cfg.Database.Path, "migrations": applied})
			}
			for _, name := range applied {
				green.Fprint(out, "    ▶ ")
				fmt.Fprintln(out, name)
			}
			return nil
		},
	}
}

// NewStatsCommand prints row counts for every cache table.
func NewStatsCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show row counts per table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			counts, err := st.TableCounts(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, counts)
			}
			for _, table := range store.Tables {
				fmt.Fprintf(out, "%-24s %d\n", table, counts[table])
			}
			return nil
		},
	}
}

// NewSweepCommand deletes expired filters once, or on the configured
// schedule with --watch until interrupted.
func NewSweepCommand(opts *RootOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete expired content filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			sw, err := sweeper.New(st, opts.cfg.Sweep.Schedule, opts.logger)
			if err != nil {
				return err
			}

			if !watch {
				removed, err := sw.RunOnce(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if opts.Format == "json" {
					return writeJSON(out, map[string]int64{"removed": removed})
				}
				fmt.Fprintf(out, "removed %d expired filter(s)\n", removed)
				return nil
			}

			if !opts.cfg.Sweep.Enabled {
				return fmt.Errorf("scheduled sweeps are disabled; set sweep.enabled in the config file")
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			sw.Start()
			<-ctx.Done()
			sw.Stop()
			return nil
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "keep running and sweep on the configured schedule")
	return cmd
}

// NewTimelineCommand prints a cached timeline, newest first, with gaps.
func NewTimelineCommand(opts *RootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "timeline <id>",
		Short: "Print a cached timeline",
		Long:  "Print a cached timeline such as \"home\", \"list-42\" or \"tag-golang\". Gaps show where content has not been fetched yet.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			items, err := st.TimelineItems(ctx, args[0], store.Page{Limit: limit})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				rows := make([]itemView, 0, len(items))
				for _, item := range items {
					rows = append(rows, newItemView(item))
				}
				return writeJSON(out, rows)
			}
			if len(items) == 0 {
				dim.Fprintf(out, "timeline %q is empty\n", args[0])
				return nil
			}
			for _, item := range items {
				if item.Gap != nil {
					yellow.Fprintf(out, "  ··· load more after %s\n", item.Gap.AfterStatusID)
					continue
				}
				printBundle(out, item.Status, "")
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum statuses to show (0 for all)")
	return cmd
}

// NewThreadCommand prints a status with its cached ancestors and descendants.
func NewThreadCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "thread <status-id>",
		Short: "Print the cached reply context of a status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			st, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			thread, err := st.ThreadContext(ctx, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.Format == "json" {
				return writeJSON(out, newThreadView(thread))
			}
			for i := range thread.Ancestors {
				printBundle(out, &thread.Ancestors[i], "  ")
			}
			printBundle(out, thread.Status, "")
			for i := range thread.Descendants {
				printBundle(out, &thread.Descendants[i], "  ")
			}
			return nil
		},
	}
}

func printBundle(out io.Writer, b *store.StatusBundle, indent string) {
	fmt.Fprint(out, indent)
	dim.Fprint(out, b.Status.CreatedAt.Local().Format(time.DateTime)+" ")
	bold.Fprint(out, "@"+b.Account.Acct)
	if b.Reblog != nil {
		green.Fprint(out, " boosted ")
		bold.Fprint(out, "@"+b.Reblog.Account.Acct)
		fmt.Fprintf(out, " [%s]: %s\n", b.Reblog.Status.ID, excerpt(b.Reblog.Status.Content))
		return
	}
	fmt.Fprintf(out, " [%s]: %s\n", b.Status.ID, excerpt(b.Status.Content))
}

// excerpt flattens content to a single line of at most 80 runes.
func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > 80 {
		return string(r[:79]) + "…"
	}
	return s
}

type statusView struct {
	ID        string      `json:"id"`
	CreatedAt time.Time   `json:"created_at"`
	Account   string      `json:"account"`
	Content   string      `json:"content"`
	Reblog    *statusView `json:"reblog,omitempty"`
}

type itemView struct {
	Status *statusView `json:"status,omitempty"`
	Gap    string      `json:"load_more_after,omitempty"`
}

type threadView struct {
	Ancestors   []statusView `json:"ancestors"`
	Status      statusView   `json:"status"`
	Descendants []statusView `json:"descendants"`
}

func newStatusView(b *store.StatusBundle) statusView {
	v := statusView{
		ID:        b.Status.ID,
		CreatedAt: b.Status.CreatedAt,
		Account:   b.Account.Acct,
		Content:   b.Status.Content,
	}
	if b.Reblog != nil {
		r := newStatusView(b.Reblog)
		v.Reblog = &r
	}
	return v
}

func newItemView(item store.TimelineItem) itemView {
	if item.Gap != nil {
		return itemView{Gap: item.Gap.AfterStatusID}
	}
	v := newStatusView(item.Status)
	return itemView{Status: &v}
}

func newThreadView(t *store.Thread) threadView {
	v := threadView{
		Ancestors:   make([]statusView, 0, len(t.Ancestors)),
		Status:      newStatusView(t.Status),
		Descendants: make([]statusView, 0, len(t.Descendants)),
	}
	for i := range t.Ancestors {
		v.Ancestors = append(v.Ancestors, newStatusView(&t.Ancestors[i]))
	}
	for i := range t.Descendants {
		v.Descendants = append(v.Descendants, newStatusView(&t.Descendants[i]))
	}
	return v
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
