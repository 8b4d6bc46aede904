// Package main provides the live operations dashboard. It subscribes to the
// server's realtime stream over websocket and renders rounds, guesses and
// transfers as they change.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"blockpool/internal/logger"
	"blockpool/internal/realtime"
	"blockpool/internal/tui"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
)

const reconnectDelay = 3 * time.Second

func main() {
	if _, statErr := os.Stat(".env"); statErr == nil {
		_ = godotenv.Load(".env")
	}

	streamURL := os.Getenv("STREAM_URL")
	if streamURL == "" {
		streamURL = "ws://localhost:8080/realtime"
	}

	// Debug logs go to file to avoid interfering with the TUI.
	debug := os.Getenv("DEBUG") != ""
	var log *logger.Logger
	if debug {
		logFile, err := os.OpenFile("monitor.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to open log file: %v\n", err)
			log = logger.New(false)
		} else {
			log = logger.NewWithWriter(true, logFile)
		}
	} else {
		log = logger.New(false)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	updateCh := make(chan realtime.Event, 256)

	go func() {
		streamLoop(ctx, streamURL, updateCh, log)
		close(updateCh)
	}()

	go func() {
		if err := tui.Run(updateCh); err != nil {
			log.Printf("tui error: %v", err)
		}
		cancel()
	}()

	<-ctx.Done()
}

// streamLoop keeps one websocket subscription alive, reconnecting with a
// short pause on failure. Events missed while disconnected are gone; the
// stream is advisory and the dashboard catches up from the next change.
func streamLoop(ctx context.Context, url string, updateCh chan<- realtime.Event, log *logger.Logger) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := consume(ctx, url, updateCh); err != nil {
			if !strings.Contains(err.Error(), "context canceled") {
				log.Printf("stream: %v, reconnecting...", err)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func consume(ctx context.Context, url string, updateCh chan<- realtime.Event) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev realtime.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("read event: %w", err)
		}
		select {
		case updateCh <- ev:
		case <-ctx.Done():
			return nil
		}
	}
}
