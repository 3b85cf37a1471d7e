// ABOUTME: health and stats subcommands that query a running relay over HTTP
// ABOUTME: The relay address comes from the config file unless --addr is given

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// relayBaseURL resolves the relay's base URL. A wildcard listen host is
// dialed as localhost.
func relayBaseURL(configPath, addr string) (string, error) {
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return "", fmt.Errorf("loading config: %w", err)
		}
		addr = cfg.Server.HTTPAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/"), nil
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port), nil
}

func getJSON(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func newHealthCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check relay health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := relayBaseURL(*configPath, addr)
			if err != nil {
				return err
			}
			if err := getJSON(cmd.Context(), base+"/health", nil); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			color.New(color.FgGreen).Fprintln(cmd.OutOrStdout(), "healthy")
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "relay address (defaults to server.http_addr)")
	return cmd
}

func newStatsCmd(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show relay counters, connections and providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := relayBaseURL(*configPath, addr)
			if err != nil {
				return err
			}
			var stats gateway.StatsResponse
			if err := getJSON(cmd.Context(), base+"/api/stats", &stats); err != nil {
				return fmt.Errorf("fetching stats: %w", err)
			}
			printStats(cmd.OutOrStdout(), stats)
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "relay address (defaults to server.http_addr)")
	return cmd
}

func printStats(out io.Writer, stats gateway.StatsResponse) {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintln(out, "  Relay")
	fmt.Fprintf(out, "  Connections: %d\n", stats.Connections)
	fmt.Fprintf(out, "  Rooms:       %d\n", stats.Rooms)
	fmt.Fprintln(out)

	cyan.Fprintln(out, "  Counters")
	names := make([]string, 0, len(stats.Counters))
	for name := range stats.Counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "  %-24s %d\n", name, stats.Counters[name])
	}
	fmt.Fprintln(out)

	cyan.Fprintln(out, "  Providers")
	for _, p := range stats.Providers {
		state := color.GreenString("enabled")
		if !p.Enabled {
			state = color.YellowString("disabled")
		}
		fmt.Fprintf(out, "  %-12s %s ", p.ID, state)
		gray.Fprintln(out, strings.Join(p.Models, ", "))
	}
}
