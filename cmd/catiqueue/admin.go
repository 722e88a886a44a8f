package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/metailurini/cati-queue/queue"
	"github.com/metailurini/cati-queue/reaper"
	"github.com/metailurini/cati-queue/storage/migrator"
)

func migrateCmd(a *app) *cobra.Command {
	command := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back the queue schema",
	}
	command.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return migrator.NewRunner(nil).Run(cmd.Context(), db, &a.logger)
		},
	})
	command.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back every migration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := a.openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()
			return migrator.NewRunner(nil).Down(cmd.Context(), db, &a.logger)
		},
	})
	return command
}

func reapCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Reclaim expired leases once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			pub, err := a.publisher()
			if err != nil {
				return err
			}
			defer pub.Close()

			r, err := reaper.NewRunner(store, reaper.Config{
				BatchSize: a.cfg.Reaper.BatchSize,
				Backoff:   a.cfg.BackoffPolicy(),
				Events:    pub,
				Logger:    &a.logger,
			})
			if err != nil {
				return err
			}
			n, err := r.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d\n", n)
			return nil
		},
	}
}

func statsCmd(a *app) *cobra.Command {
	var surveyID string
	command := &cobra.Command{
		Use:   "stats",
		Short: "Print per-status entry counts as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			db, store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			var out any
			if surveyID != "" {
				s, err := store.Stats(ctx, surveyID)
				if err != nil {
					return err
				}
				out = map[string]queue.Stats{surveyID: s}
			} else {
				all, err := store.StatsBySurvey(ctx)
				if err != nil {
					return err
				}
				out = all
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	command.Flags().StringVar(&surveyID, "survey", "", "Restrict to one survey")
	return command
}
