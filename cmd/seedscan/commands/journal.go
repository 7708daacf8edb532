package commands

import (
	"errors"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/shizukutanaka/seedscan/internal/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the local solution journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled solutions",
	Args:  cobra.NoArgs,
	RunE:  runJournalList,
}

var journalShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one journaled solution including its mnemonic",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalShow,
}

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalListCmd, journalShowCmd)
	journalListCmd.Flags().Bool("pending", false, "only list solutions the coordinator has not acknowledged")
}

func openJournal() (*journal.Store, func(), error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Journal.Path == "" {
		_ = logger.Sync()
		return nil, nil, errors.New("journal.path is not configured")
	}
	store, err := journal.Open(logger.Named("journal"), cfg.Journal.Path)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		_ = logger.Sync()
	}, nil
}

func runJournalList(cmd *cobra.Command, args []string) error {
	store, done, err := openJournal()
	if err != nil {
		return err
	}
	defer done()

	pendingOnly, _ := cmd.Flags().GetBool("pending")
	var sols []journal.Solution
	if pendingOnly {
		sols, err = store.Pending(cmd.Context())
	} else {
		sols, err = store.List(cmd.Context())
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sols) == 0 {
		fmt.Fprintln(out, "No solutions journaled.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEVICE\tOFFSET\tFOUND\tSTATUS")
	for _, s := range sols {
		status := "pending"
		if s.Delivered() {
			status = "delivered " + humanize.Time(s.DeliveredAt)
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", s.ID, s.Device, s.Offset, humanize.Time(s.FoundAt), status)
	}
	return w.Flush()
}

func runJournalShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid id %q", args[0])
	}
	store, done, err := openJournal()
	if err != nil {
		return err
	}
	defer done()

	s, err := store.Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "id:        %d\n", s.ID)
	fmt.Fprintf(out, "device:    %s\n", s.Device)
	fmt.Fprintf(out, "offset:    %s\n", s.Offset)
	fmt.Fprintf(out, "found:     %s\n", s.FoundAt.Format("2006-01-02 15:04:05"))
	if s.Delivered() {
		fmt.Fprintf(out, "delivered: %s\n", s.DeliveredAt.Format("2006-01-02 15:04:05"))
	} else {
		fmt.Fprintln(out, "delivered: no")
	}
	fmt.Fprintf(out, "mnemonic:  %s\n", s.Mnemonic)
	return nil
}
