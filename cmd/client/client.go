package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"hugin/internal/client"
	"hugin/internal/common"
	"hugin/internal/config"
	"hugin/internal/logging"
	"hugin/internal/session"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("client failed")
		os.Exit(1)
	}
}

// run owns the client for its whole life so that every exit path, failures
// included, goes through the deferred Close.
func run(ctx context.Context, args []string) error {
	// 1. CLI Parameter Parsing
	flags := flag.NewFlagSet("client", flag.ContinueOnError)
	envPath := flags.String("env", "", "Path of a .env file (default ./.env)")
	actionStr := flags.String("action", "book", "Action to perform: ['book', 'place', 'cancel', 'orders']")
	instrument := flags.String("instrument", "BTC-PERPETUAL", "Instrument name")

	// Order Parameters
	sideStr := flags.String("side", "buy", "Order side: 'buy' or 'sell'")
	priceStr := flags.String("price", "", "Limit price")
	amountStr := flags.String("amount", "10", "Amount or comma-separated list (e.g. 10,20,50)")

	// Cancel Parameters
	id := flags.String("id", "", "Exchange order id or correlation id of the order to cancel")

	wait := flags.Duration("wait", 5*time.Second, "How long to keep listening for updates")
	if err := flags.Parse(args); err != nil {
		return err
	}

	action := strings.ToLower(*actionStr)
	var (
		side  common.Side
		price decimal.Decimal
	)
	switch action {
	case "book", "orders":
	case "place":
		var err error
		if side, err = common.ParseSide(*sideStr); err != nil {
			return fmt.Errorf("bad side: %w", err)
		}
		if price, err = decimal.NewFromString(*priceStr); err != nil {
			return fmt.Errorf("bad or missing -price: %w", err)
		}
	case "cancel":
		if *id == "" {
			return errors.New("-id is required for cancellation")
		}
	default:
		return fmt.Errorf("unknown action %q", *actionStr)
	}

	cfg, err := config.Load(*envPath)
	if err != nil {
		return err
	}
	logging.New(cfg)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	c, err := client.New(cfg)
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}
	defer c.Close()

	c.OnBook(func(book common.OrderBook) {
		printTop(book)
	})
	c.OnOrder(func(order common.Order) {
		fmt.Printf("\n[ORDER] %s %s %s %s @ %s filled %s status %v\n",
			order.CorrelationID, order.ID, order.Side, order.Amount, order.Price, order.Filled, order.Status)
	})

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := c.Connect(dialCtx); err != nil {
		return fmt.Errorf("connecting to %s: %w", cfg.Exchange.URL, err)
	}
	fmt.Printf("Connected to %s\n", cfg.Exchange.URL)

	if action != "book" {
		if err := login(dialCtx, c); err != nil {
			return err
		}
		if call, err := c.SubscribeOrders(*instrument); err != nil {
			log.Error().Err(err).Msg("subscribing to order updates")
		} else if err := call.Wait(dialCtx); err != nil {
			log.Error().Err(err).Msg("subscribing to order updates")
		}
	}

	// Execute Action
	switch action {
	case "book":
		call, err := c.Subscribe(*instrument)
		if err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}
		if err := call.Wait(dialCtx); err != nil {
			return fmt.Errorf("subscribing: %w", err)
		}

	case "place":
		for _, amount := range parseAmounts(*amountStr) {
			ticket, err := c.PlaceOrder(*instrument, price, amount, side)
			if err != nil {
				log.Error().Err(err).Stringer("amount", amount).Msg("failed to place order")
				continue
			}
			fmt.Printf("-> Sent %s Order: %s %s @ %s (correlation id %s)\n",
				strings.ToUpper(side.String()), *instrument, amount, price, ticket.CorrelationID)
		}

	case "cancel":
		ticket, err := c.CancelOrder(*id)
		if err != nil {
			return fmt.Errorf("failed to cancel: %w", err)
		}
		fmt.Printf("-> Sent Cancel Request for %s\n", *id)
		if err := ticket.Call.Wait(dialCtx); err != nil {
			log.Error().Err(err).Msg("cancel failed")
		}
	}

	fmt.Printf("\nListening for updates for %v... (Press Ctrl+C to exit)\n", *wait)
	select {
	case <-ctx.Done():
	case <-time.After(*wait):
	}

	for _, order := range c.Orders() {
		fmt.Printf("\n%v\n", order)
	}
	return nil
}

func login(ctx context.Context, c *client.Client) error {
	call, err := c.Authenticate(session.Credentials{})
	if err != nil {
		return fmt.Errorf("authenticating (set HUGIN_CLIENT_ID and HUGIN_CLIENT_SECRET): %w", err)
	}
	if err := call.Wait(ctx); err != nil {
		return fmt.Errorf("authentication failed: %w", err)
	}
	return nil
}

// parseAmounts splits a comma-separated string into decimals.
func parseAmounts(input string) []decimal.Decimal {
	var result []decimal.Decimal
	for _, p := range strings.Split(input, ",") {
		p = strings.TrimSpace(p)
		if val, err := decimal.NewFromString(p); err == nil {
			result = append(result, val)
		} else {
			log.Warn().Str("amount", p).Msg("invalid amount, skipping")
		}
	}
	return result
}

func printTop(book common.OrderBook) {
	bid, hasBid := book.BestBid()
	ask, hasAsk := book.BestAsk()
	line := fmt.Sprintf("[BOOK] %s #%d", book.Instrument, book.Sequence)
	if hasBid {
		line += fmt.Sprintf(" | bid %s x %s", bid.Price, bid.Size)
	}
	if hasAsk {
		line += fmt.Sprintf(" | ask %s x %s", ask.Price, ask.Size)
	}
	fmt.Println(line)
}
