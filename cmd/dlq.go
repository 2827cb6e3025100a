package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/bozzfozz/harmony-sub003/internal/config"
	"github.com/bozzfozz/harmony-sub003/internal/store"
	"github.com/bozzfozz/harmony-sub003/internal/store/downloads"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and resurrect dead-lettered downloads",
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List downloads in the dead letter state",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cleanup, err := openDownloadStore()
		if err != nil {
			return err
		}
		defer cleanup()

		rows, err := store.ListDeadLetters(context.Background())
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("no dead-lettered downloads")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tFILENAME\tUSERNAME\tRETRIES\tLAST ERROR")
		for _, d := range rows {
			lastErr := ""
			if d.LastError != nil {
				lastErr = *d.LastError
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", d.ID, d.Filename, d.Username, d.RetryCount, lastErr)
		}
		return w.Flush()
	},
}

var dlqRetryCmd = &cobra.Command{
	Use:   "retry <download-id>",
	Short: "Return a dead-lettered download to the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid download id %q", args[0])
		}

		store, cleanup, err := openDownloadStore()
		if err != nil {
			return err
		}
		defer cleanup()

		if err := store.Resurrect(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("download %d returned to queue; it will be picked up on the next scan\n", id)
		return nil
	},
}

func openDownloadStore() (*downloads.Store, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	ds := downloads.New(db, cfg.Database.Driver)
	if err := ds.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, nil, err
	}
	return ds, func() { db.Close() }, nil
}

func init() {
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
}
