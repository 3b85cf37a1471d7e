// ABOUTME: Entry point for the coven-relay realtime chat server
// ABOUTME: Cobra root command, serve subcommand and the colorized slog handler

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-relay/internal/config"
	"github.com/2389/coven-relay/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
  ___ _____   _____ _ __        _ __ ___| | __ _ _   _
 / __/ _ \ \ / / _ \ '_ \ _____| '__/ _ \ |/ _' | | | |
| (_| (_) \ V /  __/ | | |_____| | |  __/ | (_| | |_| |
 \___\___/ \_/ \___|_| |_|     |_|  \___|_|\__,_|\__, |
                                                 |___/
`

// defaultConfigPath returns the path to the relay config file.
// Priority: COVEN_RELAY_CONFIG env var > XDG_CONFIG_HOME/coven/relay.yaml > ~/.config/coven/relay.yaml
func defaultConfigPath() string {
	if envPath := os.Getenv("COVEN_RELAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "relay.yaml")
}

// defaultDataPath returns the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func defaultDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:           "coven-relay",
		Short:         "Realtime chat relay with acknowledged delivery and AI streaming",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to relay config file (.yaml or .toml)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newInitCmd(&configPath))
	cmd.AddCommand(newTokenCmd(&configPath))
	cmd.AddCommand(newHealthCmd(&configPath))
	cmd.AddCommand(newStatsCmd(&configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coven-relay %s\n", version)
		},
	}
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cmd.OutOrStdout(), *configPath)
		},
	}
}

func runServe(ctx context.Context, out io.Writer, configPath string) error {
	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Fprint(out, banner)
	gray.Fprintf(out, "    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Config:    %s\n", configPath)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "HTTP:      %s (ws: /ws)\n", cfg.Server.HTTPAddr)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Database:  %s\n", cfg.Database.Path)
	green.Fprint(out, "    ▶ ")
	if cfg.Redis.Addr != "" {
		fmt.Fprintf(out, "Counters:  redis %s\n", cfg.Redis.Addr)
	} else {
		fmt.Fprint(out, "Counters:  ")
		yellow.Fprintln(out, "memory (single instance)")
	}
	if cfg.Metrics.Enabled {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Fprintln(out)

	logger.Info("starting coven-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating relay: %w", err)
	}

	return gw.Run(ctx)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	return setupLoggerTo(os.Stdout, cfg)
}

func setupLoggerTo(out io.Writer, cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			level = slog.LevelInfo
		}
	}

	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(newColorHandler(out, level))
}

// levelTags maps each slog level band to its colored three-letter tag.
var levelTags = []struct {
	min slog.Level
	tag string
}{
	{slog.LevelError, color.New(color.FgRed, color.Bold).Sprint("ERR")},
	{slog.LevelWarn, color.YellowString("WRN")},
	{slog.LevelInfo, color.CyanString("INF")},
}

var debugTag = color.MagentaString("DBG")

func levelTag(l slog.Level) string {
	for _, lt := range levelTags {
		if l >= lt.min {
			return lt.tag
		}
	}
	return debugTag
}

// colorHandler writes one colored line per record: time, level, message and
// key=value pairs. Attributes bound with WithAttrs are rendered once, with the
// group path in effect at the time they were bound. Derived handlers share
// the writer lock.
type colorHandler struct {
	out    io.Writer
	mu     *sync.Mutex
	level  slog.Leveler
	bound  string // pre-rendered WithAttrs output
	prefix string // "group.sub." for record attrs
}

func newColorHandler(out io.Writer, level slog.Leveler) *colorHandler {
	return &colorHandler{out: out, mu: &sync.Mutex{}, level: level}
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func appendAttr(b *strings.Builder, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			prefix += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, prefix, ga)
		}
		return
	}
	b.WriteString(color.HiBlackString(" %s%s=", prefix, a.Key))
	b.WriteString(a.Value.String())
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(color.HiBlackString(r.Time.Format("15:04:05")))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level))
	b.WriteByte(' ')
	b.WriteString(r.Message)
	b.WriteString(h.bound)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.prefix, a)
		return true
	})
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, b.String())
	return err
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	var b strings.Builder
	b.WriteString(h.bound)
	for _, a := range attrs {
		appendAttr(&b, h.prefix, a)
	}
	child := *h
	child.bound = b.String()
	return &child
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	child := *h
	child.prefix = h.prefix + name + "."
	return &child
}

func execute(cmd *cobra.Command) int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
