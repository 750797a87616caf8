package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/leadmail/internal/config"
	"github.com/foxzi/leadmail/internal/queue"
)

var (
	queueListStatus   string
	queueListCampaign string
	queueListStage    string
	queueListLimit    int
	queueStatsCamp    string
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue inspection commands",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queue entries",
	RunE:  runQueueList,
}

var queueShowCmd = &cobra.Command{
	Use:   "show <entry_id>",
	Short: "Show entry details",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueShow,
}

var queueStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue statistics",
	RunE:  runQueueStats,
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <entry_id>",
	Short: "Requeue a failed entry",
	Args:  cobra.ExactArgs(1),
	RunE:  runQueueRetry,
}

func init() {
	queueListCmd.Flags().StringVar(&queueListStatus, "status", "", "Filter by status (pending, sending, sent, failed, skipped)")
	queueListCmd.Flags().StringVar(&queueListCampaign, "campaign", "", "Filter by campaign")
	queueListCmd.Flags().StringVar(&queueListStage, "stage", "", "Filter by stage (initial, followup-1, ...)")
	queueListCmd.Flags().IntVar(&queueListLimit, "limit", 50, "Maximum number of entries to show")

	queueStatsCmd.Flags().StringVar(&queueStatsCamp, "campaign", "", "Restrict to one campaign")

	queueCmd.AddCommand(queueListCmd, queueShowCmd, queueStatsCmd, queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}

func openQueueStorage() (*queue.BoltStorage, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	storage, err := queue.NewBoltStorage(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue storage: %w", err)
	}

	return storage, cfg, nil
}

func runQueueList(cmd *cobra.Command, args []string) error {
	storage, _, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	filter := queue.ListFilter{
		CampaignID: queueListCampaign,
		Stage:      queueListStage,
		Limit:      queueListLimit,
	}
	if queueListStatus != "" {
		filter.Status = queue.Status(queueListStatus)
		if !filter.Status.Valid() {
			return fmt.Errorf("invalid status: %s", queueListStatus)
		}
	}

	entries, err := storage.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("failed to list entries: %w", err)
	}

	if len(entries) == 0 {
		fmt.Println("Queue is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tLEAD\tSTAGE\tSTATUS\tATTEMPTS\tSCHEDULED")
	fmt.Fprintln(w, "--\t--------\t----\t-----\t------\t--------\t---------")

	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			truncateID(e.ID),
			e.CampaignID,
			truncateID(e.LeadID),
			e.Stage,
			e.Status,
			e.AttemptCount,
			e.ScheduledAt.Format("2006-01-02 15:04"),
		)
	}

	w.Flush()
	fmt.Printf("\nTotal: %d entries\n", len(entries))

	return nil
}

func runQueueShow(cmd *cobra.Command, args []string) error {
	storage, _, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	e, err := storage.Get(cmd.Context(), args[0])
	if errors.Is(err, queue.ErrNotFound) {
		return fmt.Errorf("entry not found: %s", args[0])
	}
	if err != nil {
		return fmt.Errorf("failed to get entry: %w", err)
	}

	fmt.Printf("Entry: %s\n\n", e.ID)
	fmt.Printf("Campaign:    %s\n", e.CampaignID)
	fmt.Printf("Lead:        %s\n", e.LeadID)
	fmt.Printf("Stage:       %s\n", e.Stage)
	fmt.Printf("Status:      %s\n", e.Status)
	fmt.Printf("Attempts:    %d\n", e.AttemptCount)
	fmt.Printf("Scheduled:   %s\n", e.ScheduledAt.Format(time.RFC3339))
	fmt.Printf("Created:     %s\n", e.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Updated:     %s\n", e.UpdatedAt.Format(time.RFC3339))

	if e.SentAt != nil {
		fmt.Printf("Sent:        %s\n", e.SentAt.Format(time.RFC3339))
	}
	if e.Provider != "" {
		fmt.Printf("Provider:    %s\n", e.Provider)
	}
	if e.ProviderMessageID != "" {
		fmt.Printf("Message ID:  %s\n", e.ProviderMessageID)
	}
	if e.ParentID != "" {
		fmt.Printf("Follows:     %s\n", e.ParentID)
	}
	if e.ManualRetries > 0 {
		fmt.Printf("Retried:     %d times\n", e.ManualRetries)
	}
	if e.LastError != "" {
		fmt.Printf("\nLast Error:\n  %s\n", e.LastError)
	}

	return nil
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	storage, _, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	stats, err := storage.Stats(cmd.Context(), queueStatsCamp)
	if err != nil {
		return fmt.Errorf("failed to get queue stats: %w", err)
	}

	fmt.Println("Queue Statistics")
	fmt.Println("================")
	if queueStatsCamp != "" {
		fmt.Printf("Campaign:  %s\n", queueStatsCamp)
	}
	fmt.Printf("Total:     %d\n", stats.Total)
	fmt.Printf("Pending:   %d\n", stats.Pending)
	fmt.Printf("Sending:   %d\n", stats.Sending)
	fmt.Printf("Sent:      %d\n", stats.Sent)
	fmt.Printf("Failed:    %d\n", stats.Failed)
	fmt.Printf("Skipped:   %d\n", stats.Skipped)

	return nil
}

func runQueueRetry(cmd *cobra.Command, args []string) error {
	storage, cfg, err := openQueueStorage()
	if err != nil {
		return err
	}
	defer storage.Close()

	e, err := storage.Retry(cmd.Context(), args[0], time.Now(), cfg.Dispatch.MaxManualRetries)
	if err != nil {
		return fmt.Errorf("failed to retry entry: %w", err)
	}

	fmt.Printf("Entry %s requeued (retry %d of %d)\n", e.ID, e.ManualRetries, cfg.Dispatch.MaxManualRetries)
	return nil
}

func truncateID(id string) string {
	if len(id) > 12 {
		return id[:12] + "..."
	}
	return id
}
