// ABOUTME: Entry point for the muse-gateway server
// ABOUTME: Runs the generation API over a resilient bot-gateway pipeline

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/muse-gateway/internal/artifact"
	"github.com/2389/muse-gateway/internal/config"
	"github.com/2389/muse-gateway/internal/gateway"
	"github.com/2389/muse-gateway/internal/generation"
	"github.com/2389/muse-gateway/internal/httpapi"
	"github.com/2389/muse-gateway/internal/interactions"
	"github.com/2389/muse-gateway/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _ __ ___  _   _ ___  ___       __ _  __ _| |_ _____      ____ _ _   _
| '_ ' _ \| | | / __|/ _ \_____/ _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| | | | | | |_| \__ \  __/____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
|_| |_| |_|\__,_|___/\___|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                               |___/                             |___/
`

// getConfigPath returns the path to the config file.
// Priority: MUSE_CONFIG env var > XDG_CONFIG_HOME/muse/gateway.yaml > ~/.config/muse/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MUSE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "muse", "gateway.yaml")
}

// getDataPath returns the path to the muse data directory.
// Priority: XDG_DATA_HOME/muse > ~/.local/share/muse
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "muse")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: muse-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the generation server")
		fmt.Println("  init     Create a starter config file")
		fmt.Println("  health   Check server health")
		fmt.Println("  reset    Force-reset all in-flight generations")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "reset":
		err = runReset(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Storage:  %s\n", cfg.Storage.Dir)
	fmt.Println()

	logger.Info("starting muse-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
	)

	records, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer records.Close()

	artifacts, err := artifact.New(cfg.Storage.Dir, cfg.Storage.BaseURL)
	if err != nil {
		return fmt.Errorf("opening artifact storage: %w", err)
	}

	poster := interactions.NewClient(cfg.Discord.APIBase, cfg.Discord.Token)
	target := interactions.Target{
		ApplicationID:  cfg.Discord.BotID,
		GuildID:        cfg.Discord.GuildID,
		ChannelID:      cfg.Discord.ChannelID,
		CommandID:      cfg.Discord.CommandID,
		CommandVersion: cfg.Discord.CommandVersion,
	}

	newSession := func(generationID string) generation.Session {
		return gateway.NewSession(gateway.SessionOptions{
			GenerationID: generationID,
			GatewayURL:   cfg.Discord.GatewayURL,
			Token:        cfg.Discord.Token,
			BotID:        cfg.Discord.BotID,
			Target:       target,
			Poster:       poster,
			Records:      records,
			Artifacts:    artifacts,
			Policy: gateway.Policy{
				ConnectTimeout:       cfg.Gateway.ConnectTimeout,
				ReadyTimeout:         cfg.Gateway.ReadyTimeout,
				ReconnectDelay:       cfg.Gateway.ReconnectDelay,
				ReconnectMaxAttempts: cfg.Gateway.ReconnectMaxAttempts,
			},
			Retry: gateway.RetryPolicy{
				Attempts: cfg.Generation.ReadRetryMax,
				Delay:    cfg.Generation.ReadRetryDelay,
			},
			Logger: logger,
		})
	}

	manager := generation.NewManager(records, artifacts, newSession, generation.Options{
		ClickInterval: cfg.Generation.ClickInterval,
		CleanupGrace:  cfg.Generation.CleanupGrace,
		StuckTimeout:  cfg.Generation.StuckTimeout,
	}, logger)
	defer manager.Shutdown()

	api := httpapi.New(manager, cfg.Server.BearerToken, cfg.Storage.Dir, logger)
	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	}
}

func runInit() error {
	configPath := getConfigPath()
	dataPath := getDataPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# muse-gateway configuration
# Generated by muse-gateway init

server:
  http_addr: "localhost:8080"
  bearer_token: "${MUSE_BEARER_TOKEN}"

discord:
  token: "${DISCORD_TOKEN}"
  bot_id: "${DISCORD_BOT_ID}"
  guild_id: "${DISCORD_GUILD_ID}"
  channel_id: "${DISCORD_CHANNEL_ID}"
  command_id: "${DISCORD_COMMAND_ID}"
  command_version: "${DISCORD_COMMAND_VERSION}"

database:
  path: "%s"

storage:
  dir: "%s"
  base_url: "http://localhost:8080/artifacts"

logging:
  level: "info"
  format: "text"
`, filepath.Join(dataPath, "gateway.db"), filepath.Join(dataPath, "artifacts"))

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("  Fill in the discord credentials (or export the referenced env vars) and run: muse-gateway serve")
	return nil
}

func runHealth(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

// runReset frees the single-flight slot from the command line when a
// crashed run left records in flight.
func runReset(ctx context.Context) error {
	configPath := getConfigPath()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	records, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer records.Close()

	count, err := records.ForceResetActive(ctx, "manual reset via cli")
	if err != nil {
		return fmt.Errorf("resetting generations: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Reset %d generation(s)\n", count)
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
