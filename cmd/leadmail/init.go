package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var (
	initOutput   string
	initEnvFile  string
	initDataDir  string
	initFrom     string
	initProvider string
	initAPIKey   string
	initForce    bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter configuration",
	Long: `Write a starter configuration with one template and one campaign,
plus a dotenv file holding a generated API key.

Examples:
  # Sandbox setup for trying things out
  leadmail init --from sales@example.com

  # SMTP provider; set LEADMAIL_PROVIDER_MAIN_PASSWORD afterwards
  leadmail init --from sales@example.com --provider smtp -o leadmail.yaml`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initOutput, "output", "o", "config.yaml", "Output configuration file path")
	initCmd.Flags().StringVar(&initEnvFile, "env-out", ".env", "Output dotenv file path")
	initCmd.Flags().StringVar(&initDataDir, "data-dir", "/var/lib/leadmail", "Data directory for queue and lead databases")
	initCmd.Flags().StringVar(&initFrom, "from", "", "Sender address for the sample campaign (required)")
	initCmd.Flags().StringVar(&initProvider, "provider", "sandbox", "Provider kind: sandbox, smtp, postmark, ses, resend")
	initCmd.Flags().StringVar(&initAPIKey, "api-key", "", "API key (generated when empty)")
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing files")
	initCmd.MarkFlagRequired("from")

	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	switch initProvider {
	case "sandbox", "smtp", "postmark", "ses", "resend":
	default:
		return fmt.Errorf("unknown provider kind: %s", initProvider)
	}

	if !initForce {
		for _, path := range []string{initOutput, initEnvFile} {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
		}
	}

	if initAPIKey == "" {
		initAPIKey = generateRandomString(32)
	}

	if err := os.WriteFile(initOutput, []byte(generateConfig()), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	if err := os.WriteFile(initEnvFile, []byte(generateEnv()), 0o600); err != nil {
		return fmt.Errorf("failed to write env file: %w", err)
	}

	fmt.Printf("Configuration written to %s\n", initOutput)
	fmt.Printf("Secrets written to %s\n\n", initEnvFile)
	fmt.Println("Next steps:")
	fmt.Printf("  1. Add leads:     leadmail -c %s leads add --email lead@example.com --first-name Ann\n", initOutput)
	fmt.Printf("  2. Queue them:    leadmail -c %s campaign enqueue intro\n", initOutput)
	fmt.Printf("  3. Send:          leadmail -c %s process --once\n", initOutput)
	if initProvider != "sandbox" {
		fmt.Printf("\nSet the provider credentials in %s before sending (prefix %s).\n",
			initEnvFile, "LEADMAIL_PROVIDER_MAIN_")
	}
	return nil
}

func generateRandomString(length int) string {
	b := make([]byte, (length+1)/2)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b)[:length]
}

func generateConfig() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, `logging:
  level: info
  format: json

storage:
  path: %q

leads:
  path: %q

dispatch:
  batch_size: 50
  max_attempts: 3
  retry_base: 5m
  retry_max: 1h
  workers: 1
  interval: 1m

rate_limit:
  backend: bolt
  global: 100
  window: 1h

follow_up:
  interval: 1h

api:
  enabled: true
  listen_addr: "127.0.0.1:8080"

metrics:
  enabled: true
  listen_addr: "127.0.0.1:9090"
  path: /metrics

providers:
  main:
    kind: %s
`, filepath.Join(initDataDir, "leadmail.db"), filepath.Join(initDataDir, "leads.db"), initProvider)

	switch initProvider {
	case "smtp":
		sb.WriteString("    host: smtp.example.com\n    port: 587\n    tls: starttls\n    username: " + initFrom + "\n")
	case "ses":
		sb.WriteString("    region: us-east-1\n")
	}

	fmt.Fprintf(&sb, `
templates:
  intro:
    subject: "Quick question for {{company_name}}"
    text: |
      Hi {{first_name}},

      I came across {{company_name}} and wanted to reach out.
  bump:
    subject: "Re: Quick question for {{company_name}}"
    text: |
      Hi {{first_name}}, just bumping this up in case it got buried.

campaigns:
  intro:
    name: Intro
    template: intro
    provider: main
    sender:
      email: %q
    rate_limit_per_hour: 50
    filter:
      status: new
    follow_up:
      after_days: 3
      template: bump
      max_stages: 2
`, initFrom)

	return sb.String()
}

func generateEnv() string {
	return "LEADMAIL_API_KEY=" + initAPIKey + "\n"
}
