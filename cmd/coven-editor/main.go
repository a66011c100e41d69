// ABOUTME: Entry point for coven-editor, the agent-assisted WordPress editor host
// ABOUTME: Serves the chat and frame APIs and bridges agent commands into the editor

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/2389/coven-editor/internal/config"
	"github.com/2389/coven-editor/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                                                 _ _ _
  ___ _____   _____ _ __         ___  __| (_) |_ ___  _ __
 / __/ _ \ \ / / _ \ '_ \ _____ / _ \/ _' | | __/ _ \| '__|
| (_| (_) \ V /  __/ | | |_____|  __/ (_| | | || (_) | |
 \___\___/ \_/ \___|_| |_|      \___|\__,_|_|\__\___/|_|
`

// getConfigPath returns the path to the editor config file.
// Priority: COVEN_EDITOR_CONFIG env var > XDG_CONFIG_HOME/coven/editor.yaml > ~/.config/coven/editor.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_EDITOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "editor.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "editor.yaml")
}

// getDataPath returns the path to the coven data directory.
// Priority: XDG_DATA_HOME/coven > ~/.local/share/coven
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: coven-editor <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the editor host")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check editor host health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Variables from ./.env feed ${VAR} expansion in the config; the real
	// environment wins.
	_ = godotenv.Load(".env")

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     %s\n", cfg.Agent.URL)
	green.Print("    ▶ ")
	fmt.Printf("Editor:    %s\n", cfg.Editor.WordPressURL)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if cfg.Agent.JWTSecret == "" {
		yellow.Println("    ! agent requests are unauthenticated")
	}
	fmt.Println()

	logger.Info("starting coven-editor",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"agent_url", cfg.Agent.URL,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
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
