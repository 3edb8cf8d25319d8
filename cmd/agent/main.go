// Command agent is a headless stand-in for the browser extension: it drives
// a Chrome instance over its DevTools websocket and serves the relay's
// extension socket, so automation works on machines where no extension is
// installed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kelseyhightower/envconfig"

	"github.com/devbrowser/relay/lib/chromedebug"
	"github.com/devbrowser/relay/lib/extension"
)

type agentConfig struct {
	RelayURL  string `envconfig:"RELAY_URL" default:"http://127.0.0.1:9222"`
	ChromeURL string `envconfig:"CHROME_URL" default:"http://127.0.0.1:9223"`
	StateFile string `envconfig:"STATE_FILE" default:""`
}

func main() {
	slogger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var cfg agentConfig
	if err := envconfig.Process("", &cfg); err != nil {
		slogger.Error("failed to load configuration", "err", err)
		os.Exit(1)
	}
	slogger.Info("agent configuration", "relay", cfg.RelayURL, "chrome", cfg.ChromeURL)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	statePath := cfg.StateFile
	if statePath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			slogger.Error("failed to resolve state path", "err", err)
			os.Exit(1)
		}
		statePath = dir + "/devbrowser/agent-state.json"
	}
	storage := extension.OpenFileStorage(statePath)

	wsURL, err := chromedebug.ResolveWebSocketURL(ctx, cfg.ChromeURL)
	if err != nil {
		slogger.Error("failed to resolve chrome websocket", "err", err)
		os.Exit(1)
	}

	browser := chromedebug.New(wsURL, storage, slogger)
	if err := browser.Connect(ctx); err != nil {
		slogger.Error("failed to connect to chrome", "err", err)
		os.Exit(1)
	}
	defer browser.Close()

	sessions := extension.NewSessionRegistry(browser, storage, slogger)
	if err := sessions.Initialize(ctx); err != nil {
		slogger.Error("failed to initialize session registry", "err", err)
		os.Exit(1)
	}
	tabs := extension.NewTabManager(browser, slogger)
	router := extension.NewRouter(browser, sessions, tabs, slogger)

	conn := extension.NewConnection(extensionWSURL(cfg.RelayURL), cfg.RelayURL+"/", router, slogger)
	conn.StartMaintaining(ctx)

	<-ctx.Done()
	slogger.Info("shutdown signal received")
	conn.Disconnect()
}

func extensionWSURL(relayURL string) string {
	switch {
	case len(relayURL) > 8 && relayURL[:8] == "https://":
		return "wss://" + relayURL[8:] + "/extension"
	case len(relayURL) > 7 && relayURL[:7] == "http://":
		return "ws://" + relayURL[7:] + "/extension"
	default:
		return fmt.Sprintf("ws://%s/extension", relayURL)
	}
}
