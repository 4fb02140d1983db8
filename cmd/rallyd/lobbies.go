package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/skshohagmiah/rally/internal/store"
)

// lobbiesCmd inspects the lobby directory of a stopped server.
func lobbiesCmd() *cobra.Command {
	var dataDir string

	cmd := &cobra.Command{
		Use:   "lobbies",
		Short: "Inspect the stored lobby directory",
	}
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Lobby directory (required)")
	cmd.MarkPersistentFlagRequired("data-dir")

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored lobbies",
		RunE: func(cmd *cobra.Command, args []string) error {
			ls, err := store.Open(dataDir)
			if err != nil {
				return err
			}
			defer ls.Close()

			recs, err := ls.List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCAPACITY\tCREATED")
			for _, rec := range recs {
				created := time.Unix(0, rec.CreatedAt).Format(time.RFC3339)
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", rec.ID, rec.Name, rec.Capacity, created)
			}
			return w.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Remove a stored lobby",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return err
			}
			ls, err := store.Open(dataDir)
			if err != nil {
				return err
			}
			defer ls.Close()

			if err := ls.Delete(id); err != nil {
				return err
			}
			fmt.Printf("deleted %s\n", id)
			return nil
		},
	})

	return cmd
}
