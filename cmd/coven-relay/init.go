// ABOUTME: init and token subcommands: starter config with a random JWT secret and dev tokens
// ABOUTME: Tokens are signed with the configured secret so a running relay accepts them

package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/config"
)

const starterConfig = `# coven-relay configuration
# Generated by coven-relay init

server:
  http_addr: %q
  allowed_origins: []

auth:
  jwt_secret: %q
  # internal_service_secret: "${COVEN_RELAY_INTERNAL_SECRET}"

database:
  path: %q
  undelivered_retention: "168h"

# redis:
#   addr: "localhost:6379"

sessions:
  grace_period: "5m"
  sweep_interval: "60s"

delivery:
  max_retries: 3
  ack_timeout: "5s"
  backoff_base: "1s"

heartbeat:
  interval: "30s"
  disconnect_timeout: "90s"

rate_limits:
  window: "1m"
  messages: 60
  rooms: 20
  ai: 10
  trusted_cidrs: []

ai:
  fallback_chain: ["openai", "anthropic", "gemini"]
  buffer_tokens: false

logging:
  level: "info"
  format: "text"

metrics:
  enabled: false
  path: "/metrics"
`

func newInitCmd(configPath *string) *cobra.Command {
	var (
		httpAddr string
		dbPath   string
		force    bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file with a random JWT secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.OutOrStdout(), *configPath, httpAddr, dbPath, force)
		},
	}
	cmd.Flags().StringVar(&httpAddr, "http-addr", "localhost:8080", "HTTP listen address")
	cmd.Flags().StringVar(&dbPath, "db", filepath.Join(defaultDataPath(), "relay.db"), "SQLite database path")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func runInit(out io.Writer, configPath, httpAddr, dbPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("config already exists at %s (use --force to overwrite)", configPath)
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(starterConfig, httpAddr, secret, dbPath)
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	green.Fprintf(out, "  ✓ Created config: %s\n", configPath)
	green.Fprintf(out, "  ✓ Database path:  %s\n", dbPath)
	fmt.Fprintln(out)
	yellow.Fprintln(out, "  Ready to go:")
	fmt.Fprintln(out, "    coven-relay serve                         # start the relay")
	fmt.Fprintln(out, "    coven-relay token --sub alice --name Alice  # mint a client token")
	fmt.Fprintln(out)
	return nil
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		subject string
		name    string
		ttl     time.Duration
		admin   bool
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed client token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			token, err := mintToken(cfg.Auth.JWTSecret, subject, name, ttl, admin)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "sub", "", "user id carried in the sub claim (required)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant the admin claim")
	return cmd
}

func mintToken(secret, subject, name string, ttl time.Duration, admin bool) (string, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "", errors.New("--sub is required")
	}
	if ttl <= 0 {
		return "", errors.New("--ttl must be positive")
	}
	verifier := auth.NewJWTVerifier([]byte(secret))
	token, err := verifier.Generate(subject, ttl, auth.TokenOptions{
		Username: strings.TrimSpace(name),
		Admin:    admin,
	})
	if err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return token, nil
}
