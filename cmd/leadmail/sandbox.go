package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/leadmail/internal/sandbox"
)

var (
	sandboxCampaign string
	sandboxTo       string
	sandboxLimit    int
	sandboxRaw      bool
	sandboxOlder    time.Duration
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Inspect messages captured by sandbox providers",
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List captured messages",
	RunE:  runSandboxList,
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show <message_id>",
	Short: "Show a captured message",
	Args:  cobra.ExactArgs(1),
	RunE:  runSandboxShow,
}

var sandboxClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete captured messages",
	RunE:  runSandboxClear,
}

func init() {
	sandboxListCmd.Flags().StringVar(&sandboxCampaign, "campaign", "", "Filter by campaign")
	sandboxListCmd.Flags().StringVar(&sandboxTo, "to", "", "Filter by recipient")
	sandboxListCmd.Flags().IntVar(&sandboxLimit, "limit", 50, "Maximum number of messages to show")

	sandboxShowCmd.Flags().BoolVar(&sandboxRaw, "raw", false, "Print the raw RFC 5322 message")

	sandboxClearCmd.Flags().StringVar(&sandboxCampaign, "campaign", "", "Only clear this campaign")
	sandboxClearCmd.Flags().DurationVar(&sandboxOlder, "older-than", 0, "Only clear messages older than this")

	sandboxCmd.AddCommand(sandboxListCmd, sandboxShowCmd, sandboxClearCmd)
	rootCmd.AddCommand(sandboxCmd)
}

func openSandbox() (*sandbox.Storage, func() error, error) {
	storage, _, err := openQueueStorage()
	if err != nil {
		return nil, nil, err
	}

	sb, err := sandbox.NewStorage(storage.DB())
	if err != nil {
		storage.Close()
		return nil, nil, err
	}
	return sb, storage.Close, nil
}

func runSandboxList(cmd *cobra.Command, args []string) error {
	sb, closeFn, err := openSandbox()
	if err != nil {
		return err
	}
	defer closeFn()

	msgs, err := sb.List(cmd.Context(), sandbox.ListFilter{
		CampaignID: sandboxCampaign,
		To:         sandboxTo,
		Limit:      sandboxLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to list messages: %w", err)
	}

	if len(msgs) == 0 {
		fmt.Println("No captured messages")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tSTAGE\tTO\tSUBJECT\tCAPTURED")
	fmt.Fprintln(w, "--\t--------\t-----\t--\t-------\t--------")

	for _, m := range msgs {
		subject := m.Subject
		if len(subject) > 40 {
			subject = subject[:37] + "..."
		}
		if m.SimulatedErr != "" {
			subject = "[error] " + subject
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(m.ID), m.CampaignID, m.Stage, m.To, subject,
			m.CapturedAt.Format("2006-01-02 15:04"))
	}

	w.Flush()
	fmt.Printf("\nTotal: %d messages\n", len(msgs))
	return nil
}

func runSandboxShow(cmd *cobra.Command, args []string) error {
	sb, closeFn, err := openSandbox()
	if err != nil {
		return err
	}
	defer closeFn()

	m, err := sb.Get(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get message: %w", err)
	}
	if m == nil {
		return fmt.Errorf("message not found: %s", args[0])
	}

	if sandboxRaw {
		_, err := os.Stdout.Write(m.Data)
		return err
	}

	fmt.Printf("Message: %s\n\n", m.ID)
	fmt.Printf("Entry:    %s\n", m.EntryID)
	fmt.Printf("Campaign: %s (%s)\n", m.CampaignID, m.Stage)
	fmt.Printf("From:     %s\n", m.From)
	fmt.Printf("To:       %s\n", m.To)
	if m.ReplyTo != "" {
		fmt.Printf("Reply-To: %s\n", m.ReplyTo)
	}
	fmt.Printf("Subject:  %s\n", m.Subject)
	fmt.Printf("Captured: %s\n", m.CapturedAt.Format(time.RFC3339))
	if m.SimulatedErr != "" {
		fmt.Printf("Error:    %s\n", m.SimulatedErr)
	}

	fmt.Println("\n---")
	fmt.Println(m.Text)
	fmt.Println("---")
	return nil
}

func runSandboxClear(cmd *cobra.Command, args []string) error {
	sb, closeFn, err := openSandbox()
	if err != nil {
		return err
	}
	defer closeFn()

	n, err := sb.Clear(cmd.Context(), sandboxCampaign, sandboxOlder)
	if err != nil {
		return fmt.Errorf("failed to clear sandbox: %w", err)
	}

	fmt.Printf("Deleted %d messages\n", n)
	return nil
}
