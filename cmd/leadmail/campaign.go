package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/foxzi/leadmail/internal/dispatch"
	"github.com/foxzi/leadmail/internal/dnscheck"
	"github.com/foxzi/leadmail/internal/leads"
)

var (
	enqueueCountry string
	enqueueSource  string
	enqueueRunID   string
	enqueueLimit   int

	processOnce      bool
	processInterval  time.Duration
	processBatchSize int
	processRateLimit int
	processProvider  string
	processWorkers   int

	checkSelector string
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign commands",
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured campaigns",
	RunE:  runCampaignList,
}

var campaignEnqueueCmd = &cobra.Command{
	Use:   "enqueue <campaign>",
	Short: "Queue the initial message for every matching lead",
	Long: `Queue the initial message for every lead matching the campaign filter.
Flags override individual filter fields. Leads already queued are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaignEnqueue,
}

var campaignFollowUpsCmd = &cobra.Command{
	Use:   "followups [campaign]",
	Short: "Schedule due follow-ups (all campaigns when none given)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCampaignFollowUps,
}

var campaignCheckCmd = &cobra.Command{
	Use:   "check <campaign>",
	Short: "Check the sender domain's MX, SPF, DKIM and DMARC records",
	Args:  cobra.ExactArgs(1),
	RunE:  runCampaignCheck,
}

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Dispatch due queue entries",
	Long: `Dispatch due queue entries through the configured providers.
Without --once the command keeps processing batches until interrupted.`,
	RunE: runProcess,
}

func init() {
	campaignEnqueueCmd.Flags().StringVar(&enqueueCountry, "country", "", "Override filter country")
	campaignEnqueueCmd.Flags().StringVar(&enqueueSource, "source", "", "Override filter source")
	campaignEnqueueCmd.Flags().StringVar(&enqueueRunID, "run-id", "", `Override filter run ID ("latest" for the newest run)`)
	campaignEnqueueCmd.Flags().IntVar(&enqueueLimit, "limit", 0, "Maximum number of leads to queue")

	processCmd.Flags().BoolVar(&processOnce, "once", false, "Process a single batch and exit")
	processCmd.Flags().DurationVar(&processInterval, "interval", 0, "Delay between batches (default from config)")
	processCmd.Flags().IntVar(&processBatchSize, "batch-size", 0, "Entries per batch (default from config)")
	processCmd.Flags().IntVar(&processRateLimit, "rate-limit", 0, "Override global sends per hour")
	processCmd.Flags().StringVar(&processProvider, "provider", "", "Force every entry through this provider")
	processCmd.Flags().IntVar(&processWorkers, "workers", 0, "Concurrent senders (default from config)")

	campaignCheckCmd.Flags().StringVar(&checkSelector, "selector", "", "DKIM selector (default from the provider's dkim settings)")

	campaignCmd.AddCommand(campaignListCmd, campaignEnqueueCmd, campaignFollowUpsCmd, campaignCheckCmd)
	rootCmd.AddCommand(campaignCmd, processCmd)
}

func runCampaignList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTEMPLATE\tPROVIDER\tFOLLOW-UP\tSTATUS")
	fmt.Fprintln(w, "--\t--------\t--------\t---------\t------")

	for _, c := range catalog.Campaigns() {
		followUp := "-"
		if c.FollowUp != nil {
			followUp = fmt.Sprintf("%dd x%d", c.FollowUp.AfterDays, c.FollowUp.MaxStages)
		}
		status := "enabled"
		if c.Disabled {
			status = "disabled"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.TemplateID, c.Provider, followUp, status)
	}

	return w.Flush()
}

func runCampaignEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	svc := a.Service()
	camp, err := svc.Catalog().Campaign(args[0])
	if err != nil {
		return err
	}

	filter := overrideFilter(camp.Filter)
	n, err := svc.Enqueue(cmd.Context(), camp.ID, filter)
	if err != nil {
		return fmt.Errorf("failed to enqueue campaign: %w", err)
	}

	fmt.Printf("Queued %d entries for campaign %s\n", n, camp.ID)
	return nil
}

func overrideFilter(f leads.Filter) leads.Filter {
	if enqueueCountry != "" {
		f.Country = enqueueCountry
	}
	if enqueueSource != "" {
		f.Source = enqueueSource
	}
	if enqueueRunID != "" {
		f.RunID = enqueueRunID
	}
	if enqueueLimit > 0 {
		f.Limit = enqueueLimit
	}
	return f
}

func runCampaignFollowUps(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var n int
	if len(args) == 1 {
		n, err = a.Service().ScheduleFollowUps(cmd.Context(), args[0])
	} else {
		n, err = a.Service().ScheduleAllFollowUps(cmd.Context())
	}
	if err != nil {
		return fmt.Errorf("failed to schedule follow-ups: %w", err)
	}

	fmt.Printf("Scheduled %d follow-ups\n", n)
	return nil
}

func runCampaignCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	catalog, err := cfg.Catalog()
	if err != nil {
		return err
	}
	camp, err := catalog.Campaign(args[0])
	if err != nil {
		return err
	}

	domain, err := dnscheck.SenderDomain(camp.Sender.Email)
	if err != nil {
		return err
	}

	selector := checkSelector
	if p, ok := cfg.Providers[camp.Provider]; ok && selector == "" && p.DKIM != nil && p.DKIM.Domain == domain {
		selector = p.DKIM.Selector
	}

	report, err := dnscheck.NewChecker(nil).Check(cmd.Context(), domain, selector)
	if err != nil {
		return err
	}

	fmt.Printf("Sender domain: %s\n\n", report.Domain)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHECK\tSTATUS\tVALUE\tNOTE")
	fmt.Fprintln(w, "-----\t------\t-----\t----")
	for _, r := range report.Results {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Type, r.Status, r.Value, r.Message)
	}
	w.Flush()

	if !report.Ready() {
		return fmt.Errorf("sender domain %s is not ready for campaign %s", domain, camp.ID)
	}
	fmt.Println("\nSender domain is ready")
	return nil
}

func runProcess(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if processRateLimit > 0 {
		cfg.RateLimit.Global = cfg.PerWindow(processRateLimit)
	}
	if processProvider != "" {
		if _, ok := cfg.Providers[processProvider]; !ok {
			return fmt.Errorf("unknown provider: %s", processProvider)
		}
	}

	a, err := openApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	opts := dispatch.Options{
		BatchSize: processBatchSize,
		Provider:  processProvider,
	}
	workers := processWorkers
	if workers <= 0 {
		workers = cfg.Dispatch.Workers
	}

	if processOnce {
		res, err := a.ProcessOnce(cmd.Context(), opts, workers)
		if err != nil {
			return fmt.Errorf("failed to process batch: %w", err)
		}
		printResult(res)
		return nil
	}

	interval := processInterval
	if interval <= 0 {
		interval = cfg.Dispatch.Interval
	}
	return a.ProcessLoop(cmd.Context(), opts, workers, interval)
}

func printResult(res dispatch.Result) {
	fmt.Println("Batch Result")
	fmt.Println("============")
	fmt.Printf("Sent:      %d\n", res.Sent)
	fmt.Printf("Failed:    %d\n", res.Failed)
	fmt.Printf("Deferred:  %d\n", res.Deferred)
	fmt.Printf("Skipped:   %d\n", res.Skipped)
	if res.Recovered > 0 {
		fmt.Printf("Recovered: %d\n", res.Recovered)
	}
}
