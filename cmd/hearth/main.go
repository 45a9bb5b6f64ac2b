// Command hearth is the main entry point for the Hearth companion runtime.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"github.com/MrWong99/hearth/internal/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	if err := newRootCmd(version).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "hearth: %v\n", err)
		os.Exit(1)
	}
}

// ── Configuration ────────────────────────────────────────────────────────────

// loadConfig reads .env files from the working directory and next to the
// config file, then loads and validates the config. Variables already set in
// the environment win over .env values.
func loadConfig(path string) (*config.Config, error) {
	for _, f := range []string{".env", filepath.Join(filepath.Dir(path), ".env")} {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("failed to read env file", "path", f, "err", err)
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", path)
		}
		return nil, err
	}
	return cfg, nil
}

// ── Logger ───────────────────────────────────────────────────────────────────

// newLogger installs a text logger on stderr as the default logger. The
// returned level can be changed while running.
func newLogger(level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(level.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}

// ── Startup summary ──────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Hearth: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	names := make([]string, 0, len(cfg.Providers.LLM))
	for _, p := range cfg.Providers.LLM {
		names = append(names, p.Name)
	}
	printRow("Providers", fmt.Sprint(names))
	printRow("Presets", fmt.Sprint(len(cfg.Presets)))
	printRow("Characters", fmt.Sprint(len(cfg.Characters)))
	printRow("MCP servers", fmt.Sprint(len(cfg.Tools.MCPServers)))
	if cfg.Voice.Enabled {
		printRow("Voiceover", fmt.Sprintf("%d tts", len(cfg.Voice.TTS)))
	} else {
		printRow("Voiceover", "(disabled)")
	}
	printRow("Socket", cfg.Socket.Addr)
	if cfg.Ops.Addr != "" {
		printRow("Ops", cfg.Ops.Addr)
	} else {
		printRow("Ops", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if r := []rune(value); len(r) > 19 {
		value = string(r[:18]) + "…"
	}
	fmt.Printf("║  %-13s  : %-19s ║\n", label, value)
}
