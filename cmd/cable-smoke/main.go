// Package main provides a CI-friendly cable smoke test for courier.
//
// It validates:
//   - handshake + top-level subscription confirm
//   - join_conversation
//   - send_message -> confirmed new_message echo reconciled with the optimistic copy
//   - mark_read through the reliable path
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"courier/cmd/internal/chat"
	"courier/cmd/internal/chatcache"
	"courier/cmd/internal/engine"
	"courier/cmd/internal/realtime"
)

func main() {
	var (
		baseURL = flag.String("url", "http://127.0.0.1:3000", "REST base URL (the cable endpoint is derived from it)")
		token   = flag.String("token", os.Getenv("COURIER_TOKEN"), "bearer token")
		userID  = flag.String("user", os.Getenv("COURIER_USER_ID"), "user id (defaults to the token subject)")
		convID  = flag.String("conv", "1", "Conversation ID to join")
		text    = flag.String("text", "hello courier 👋", "Message text to send")
		timeout = flag.Duration("timeout", 10*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateBaseURL(*baseURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("missing -token (or COURIER_TOKEN)")
	}

	var logOut io.Writer = io.Discard
	if *verbose {
		logOut = os.Stderr
	}
	log := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: slog.LevelDebug}))

	cfg := realtime.DefaultConfig(*baseURL)
	cfg.ConnectTimeout = *timeout
	cfg.AutoReconnect = false

	mgr, err := realtime.NewManager(log, cfg, nil, realtime.StaticCredentials{Token: *token, UserID: *userID}, nil, nil)
	if err != nil {
		fatalf("manager: %v", err)
	}
	defer func() { _ = mgr.Close() }()

	cache, err := chatcache.New(log, chatcache.Config{}, nil)
	if err != nil {
		fatalf("cache: %v", err)
	}
	eng, err := engine.New(log, mgr, cache, chat.Participant{ID: *userID})
	if err != nil {
		fatalf("engine: %v", err)
	}
	defer eng.Stop()

	root := context.Background()

	step(root, *timeout, "connect", mgr.Connect)
	step(root, *timeout, "join", func(ctx context.Context) error {
		_, err := eng.Open(ctx, *convID)
		return err
	})

	updates := make(chan chatcache.Entry, 16)
	unwatch := eng.Watch(*convID, func(e chatcache.Entry) {
		select {
		case updates <- e:
		default:
		}
	})
	defer unwatch()

	var msg chat.Message
	step(root, *timeout, "send", func(ctx context.Context) error {
		var err error
		msg, err = eng.SendMessage(ctx, *convID, *text)
		return err
	})
	if *verbose {
		fmt.Printf("sent: temp_id=%s client_message_id=%s\n", msg.ID, msg.ClientMessageID)
	}

	confirmed := mustAwaitConfirmed(updates, msg.ClientMessageID, *timeout)

	step(root, *timeout, "mark_read", func(ctx context.Context) error {
		return eng.MarkRead(ctx, *convID, confirmed.ID)
	})

	fmt.Printf("OK: conv_id=%s message_id=%s client_message_id=%s state=%s\n",
		*convID, confirmed.ID, confirmed.ClientMessageID, confirmed.State)
}

func step(parent context.Context, timeout time.Duration, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		fatalf("%s: %v", name, err)
	}
}

// mustAwaitConfirmed waits for an entry where the optimistic message with
// cid has been replaced by its confirmed copy.
func mustAwaitConfirmed(updates <-chan chatcache.Entry, cid string, timeout time.Duration) chat.Message {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case e := <-updates:
			for _, m := range e.Messages {
				if m.ClientMessageID != cid {
					continue
				}
				if m.State == chat.StateFailed {
					fatalf("send: message marked failed")
				}
				if !m.IsOptimistic() {
					if n := len(e.Optimistic()); n != 0 {
						fatalf("reconcile: %d optimistic message(s) left", n)
					}
					return m
				}
			}
		case <-deadline.C:
			fatalf("timeout waiting for confirmed echo of %s", cid)
		}
	}
}

func validateBaseURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	return nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
