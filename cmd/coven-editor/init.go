// ABOUTME: Interactive config file creation for coven-editor
// ABOUTME: Prompts for the agent backend and editor site and writes a YAML config

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-editor/internal/config"
)

// initAnswers holds the values collected by runInit.
type initAnswers struct {
	HTTPAddr       string
	AgentURL       string
	JWTSecret      string
	WordPressURL   string
	FallbackOrigin string
	HostOrigin     string
	DBPath         string
	LogLevel       string
	LogFormat      string
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("coven-editor configuration setup")
	fmt.Println("================================")
	fmt.Println()

	defaultDBPath := filepath.Join(getDataPath(), "editor.db")

	outputFile := prompt(reader, "Config file path", getConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Println("\n--- Server Configuration ---")
	a.HTTPAddr = prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Agent Backend ---")
	a.AgentURL = prompt(reader, "Agent URL", "http://localhost:8000")
	if isYes(prompt(reader, "Sign agent requests with a JWT?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		a.JWTSecret = secret
	}

	fmt.Println("\n--- Editor ---")
	a.WordPressURL = prompt(reader, "WordPress site URL", "http://localhost:8080")
	a.FallbackOrigin = prompt(reader, "Fallback origin (leave empty for none)", "")
	a.HostOrigin = prompt(reader, "Hosting page origin (leave empty for none)", "")

	fmt.Println("\n--- Database Configuration ---")
	a.DBPath = prompt(reader, "SQLite database path", defaultDBPath)

	fmt.Println("\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, "Log level (debug/info/warn/error)", config.DefaultLogLevel)
	a.LogFormat = prompt(reader, "Log format (text/json)", config.DefaultLogFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", dataDir)
	if a.JWTSecret != "" {
		fmt.Println("\nThe agent backend must verify tokens with the jwt_secret in the config.")
	}
	fmt.Println("\nTo start the server:")
	fmt.Printf("  coven-editor serve\n")

	return nil
}

// renderConfig produces the YAML config for a.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# coven-editor configuration\n")
	cfg.WriteString("# Generated by coven-editor init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("\n")

	cfg.WriteString("agent:\n")
	cfg.WriteString(fmt.Sprintf("  url: %q\n", a.AgentURL))
	if a.JWTSecret != "" {
		cfg.WriteString(fmt.Sprintf("  jwt_secret: %q\n", a.JWTSecret))
	}
	cfg.WriteString("  connect_timeout: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("editor:\n")
	cfg.WriteString(fmt.Sprintf("  wordpress_url: %q\n", a.WordPressURL))
	if a.FallbackOrigin != "" {
		cfg.WriteString(fmt.Sprintf("  fallback_origin: %q\n", a.FallbackOrigin))
	}
	if a.HostOrigin != "" {
		cfg.WriteString(fmt.Sprintf("  host_origin: %q\n", a.HostOrigin))
	}
	cfg.WriteString(fmt.Sprintf("  initial_credits: %d\n", config.DefaultInitialCredits))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString("  enabled: false\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))

	return cfg.String()
}

// generateSecret returns a random 32-byte secret, base64 encoded.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
