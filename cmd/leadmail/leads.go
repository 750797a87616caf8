package main

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foxzi/leadmail/internal/leads"
)

var (
	leadEmail     string
	leadFirstName string
	leadLastName  string
	leadCompany   string
	leadIndustry  string
	leadCountry   string
	leadSource    string
	leadRunID     string
	leadUndo      bool
)

var leadsCmd = &cobra.Command{
	Use:   "leads",
	Short: "Lead store commands",
}

var leadsAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a lead",
	RunE:  runLeadsAdd,
}

var leadsShowCmd = &cobra.Command{
	Use:   "show <lead_id>",
	Short: "Show a lead",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeadsShow,
}

var leadsOptOutCmd = &cobra.Command{
	Use:   "opt-out <lead_id>",
	Short: "Mark a lead as do-not-contact",
	Args:  cobra.ExactArgs(1),
	RunE:  runLeadsOptOut,
}

func init() {
	leadsAddCmd.Flags().StringVar(&leadEmail, "email", "", "Email address")
	leadsAddCmd.Flags().StringVar(&leadFirstName, "first-name", "", "First name")
	leadsAddCmd.Flags().StringVar(&leadLastName, "last-name", "", "Last name")
	leadsAddCmd.Flags().StringVar(&leadCompany, "company", "", "Company name")
	leadsAddCmd.Flags().StringVar(&leadIndustry, "industry", "", "Industry")
	leadsAddCmd.Flags().StringVar(&leadCountry, "country", "", "Country")
	leadsAddCmd.Flags().StringVar(&leadSource, "source", "manual", "Source")
	leadsAddCmd.Flags().StringVar(&leadRunID, "run-id", "", "Scrape run ID")

	leadsOptOutCmd.Flags().BoolVar(&leadUndo, "undo", false, "Clear the do-not-contact flag")

	leadsCmd.AddCommand(leadsAddCmd, leadsShowCmd, leadsOptOutCmd)
	rootCmd.AddCommand(leadsCmd)
}

func openLeads() (*leads.Store, *sql.DB, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}

	db, err := leads.Open(cfg.Leads.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open lead store: %w", err)
	}
	return leads.NewStore(db), db, nil
}

func runLeadsAdd(cmd *cobra.Command, args []string) error {
	store, db, err := openLeads()
	if err != nil {
		return err
	}
	defer db.Close()

	l := &leads.Lead{
		Email:       leadEmail,
		FirstName:   leadFirstName,
		LastName:    leadLastName,
		CompanyName: leadCompany,
		Industry:    leadIndustry,
		Country:     leadCountry,
		Source:      leadSource,
		RunID:       leadRunID,
	}
	if err := store.Add(cmd.Context(), l); err != nil {
		return err
	}

	fmt.Printf("Lead added: %s\n", l.ID)
	return nil
}

func runLeadsShow(cmd *cobra.Command, args []string) error {
	store, db, err := openLeads()
	if err != nil {
		return err
	}
	defer db.Close()

	l, err := store.Lead(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if l == nil {
		return fmt.Errorf("lead not found: %s", args[0])
	}

	fmt.Printf("Lead: %s\n\n", l.ID)
	fmt.Printf("Email:          %s\n", l.Email)
	fmt.Printf("Name:           %s %s\n", l.FirstName, l.LastName)
	fmt.Printf("Company:        %s\n", l.CompanyName)
	fmt.Printf("Country:        %s\n", l.Country)
	fmt.Printf("Source:         %s\n", l.Source)
	fmt.Printf("Status:         %s\n", l.Status)
	fmt.Printf("Do not contact: %t\n", l.DoNotContact)
	return nil
}

func runLeadsOptOut(cmd *cobra.Command, args []string) error {
	store, db, err := openLeads()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := store.SetDoNotContact(cmd.Context(), args[0], !leadUndo); err != nil {
		return err
	}

	if leadUndo {
		fmt.Printf("Lead %s may be contacted again\n", args[0])
	} else {
		fmt.Printf("Lead %s opted out\n", args[0])
	}
	return nil
}
