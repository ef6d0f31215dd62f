package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hugin/internal/client"
	"hugin/internal/common"
	"hugin/internal/config"
	"hugin/internal/logging"
	"hugin/internal/metrics"
	"hugin/internal/session"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("stream failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("stream", flag.ContinueOnError)
	envPath := flags.String("env", "", "Path of a .env file (default ./.env)")
	instruments := flags.String("instruments", "BTC-PERPETUAL", "Comma-separated instruments to stream")
	reconnect := flags.Duration("reconnect", 5*time.Second, "Delay between reconnection attempts")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if len(splitCSV(*instruments)) == 0 {
		return errors.New("no instruments to stream")
	}

	cfg, err := config.Load(*envPath)
	if err != nil {
		return err
	}
	logger := logging.New(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c, err := client.New(cfg, client.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer c.Close()
	c.OnBook(func(book common.OrderBook) {
		bid, _ := book.BestBid()
		ask, _ := book.BestAsk()
		log.Info().
			Str("instrument", book.Instrument).
			Uint64("sequence", book.Sequence).
			Stringer("bid", bid.Price).
			Stringer("ask", ask.Price).
			Msg("book")
	})

	reg := metrics.Init(logger)
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server")
		}
	}()
	defer func() {
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
	log.Info().Str("addr", cfg.Metrics.Addr).Msg("serving metrics")

	// Reconnection and resubscription are explicit: the client never does
	// either on its own.
	ticker := time.NewTicker(*reconnect)
	defer ticker.Stop()
	for {
		if !c.Connected() {
			start(ctx, c, cfg, splitCSV(*instruments))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func start(ctx context.Context, c *client.Client, cfg config.Config, instruments []string) {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	if err := c.Connect(dialCtx); err != nil {
		log.Error().Err(err).Str("url", cfg.Exchange.URL).Msg("connect failed")
		return
	}
	if cfg.HasCredentials() {
		if call, err := c.Authenticate(session.Credentials{}); err != nil {
			log.Error().Err(err).Msg("authenticate")
		} else if err := call.Wait(dialCtx); err != nil {
			log.Error().Err(err).Msg("authenticate")
		}
	}
	for _, instrument := range instruments {
		if _, err := c.Subscribe(instrument); err != nil {
			log.Error().Err(err).Str("instrument", instrument).Msg("subscribe")
		}
	}
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
