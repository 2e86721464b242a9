// Command confer joins a call room from the terminal.
//
// This tool joins a video call room through a WebSocket relay and negotiates
// media either peer to peer (mesh) or through a forwarding server (sfu).
//
// It can be launched interactively (no -room flag) or non-interactively via
// CLI flags (-mode, -url, -room, -name, -host). CONFER_* environment
// variables provide the defaults.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/confer/internal/app"
	"github.com/1ureka/confer/internal/config"
	"github.com/1ureka/confer/internal/util"
)

var version = "dev"

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Load()

	// CLI flags.
	mode := flag.String("mode", string(cfg.Mode), "Call topology: mesh or sfu")
	wsURL := flag.String("url", cfg.SignalURL, "WebSocket URL of the relay")
	roomID := flag.String("room", cfg.RoomID, "Room to join")
	name := flag.String("name", cfg.DisplayName, "Display name")
	isHost := flag.Bool("host", cfg.IsHost, "Join as the room host")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Confer — v%s", version))
	pterm.Println()

	cfg.Mode = config.Mode(*mode)
	cfg.RoomID = *roomID
	cfg.DisplayName = *name
	cfg.IsHost = *isHost

	if cfg.RoomID == "" {
		// No -room flag → interactive mode.
		askCall(cfg, *wsURL)
	} else {
		normalized, err := normalizeWSURL(*wsURL)
		if err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
		cfg.SignalURL = normalized
	}

	if err := app.Run(ctx, cfg); err != nil {
		util.LogError("call ended: %v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully left the call")
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askCall fills in the call parameters with interactive prompts.
func askCall(cfg *config.Config, defaultURL string) {
	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Mesh — Connect directly to every participant", "SFU  — Send through a forwarding server"}).
		WithDefaultText("Select the call topology").
		Show()
	pterm.Println()

	if strings.HasPrefix(mode, "SFU") {
		cfg.Mode = config.ModeSFU
	} else {
		cfg.Mode = config.ModeMesh
	}

	cfg.SignalURL = askURL(defaultURL)
	cfg.RoomID = askText("Room id", true)
	if cfg.DisplayName == "" {
		cfg.DisplayName = askText("Display name (optional)", false)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// normalizeWSURL validates and normalizes a raw WebSocket URL string.
func normalizeWSURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}

// askURL prompts the user for a valid WebSocket URL until one is entered.
func askURL(defaultURL string) string {
	for {
		prompt := pterm.DefaultInteractiveTextInput.WithDefaultText("Relay URL (e.g. wss://relay.example.com/ws)")
		if defaultURL != "" {
			prompt = prompt.WithDefaultValue(defaultURL)
		}
		raw, _ := prompt.Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}

// askText prompts for a line of text, repeating while a required answer is
// empty.
func askText(prompt string, required bool) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		value := strings.TrimSpace(raw)
		if value != "" || !required {
			pterm.Println()
			return value
		}

		util.LogWarning("a value is required")
		pterm.Println()
	}
}
