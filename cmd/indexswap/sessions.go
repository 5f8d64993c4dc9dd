package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/indexswap/internal/browser"
	"github.com/mtzanidakis/indexswap/internal/store"
)

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect stored sessions",
	}
	cmd.AddCommand(newSessionsListCmd(opts), newSessionsPurgeCmd(opts))
	return cmd
}

func (o *rootOptions) openStore() (*store.Store, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	db, err := store.New(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	return db, nil
}

func newSessionsListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No sessions.")
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSER\tSTATUS\tMODULES\tEXPIRES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n",
					browser.ShortID(s.ID), s.Username, s.Status,
					swappedCount(s.Modules), len(s.Modules),
					s.ExpiresAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
}

func newSessionsPurgeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete expired sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := opts.openStore()
			if err != nil {
				return err
			}
			defer db.Close()

			n, err := db.PurgeExpired(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired sessions.\n", n)
			return err
		},
	}
}

func swappedCount(modules []store.Module) int {
	n := 0
	for _, m := range modules {
		if m.Swapped {
			n++
		}
	}
	return n
}
