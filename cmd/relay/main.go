// Command relay runs the signaling relay server.
//
// The relay forwards signaling envelopes between the participants of each
// room over WebSocket (/ws/:roomId) and announces joins and departures. It
// carries no media.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/1ureka/confer/internal/config"
	"github.com/1ureka/confer/internal/signaling"
	"github.com/1ureka/confer/internal/util"
)

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := config.Load()
	addr := flag.String("addr", cfg.RelayAddr, "Listen address")
	debugMode := flag.Bool("debug", cfg.Debug, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	server := signaling.NewServer(signaling.NewHub())
	bound, err := server.Start(*addr)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogSuccess("relay listening on %s (ws://%s/ws/<room>)", bound, bound)

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Close(shutdownCtx); err != nil {
		util.LogError("shutdown: %v", err)
		os.Exit(1)
	}
	util.LogInfo("relay stopped")
}
