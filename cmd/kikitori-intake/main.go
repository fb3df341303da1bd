package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mfushimi/kikitori/internal/backend"
	"github.com/mfushimi/kikitori/internal/costpolicy"
	"github.com/mfushimi/kikitori/internal/realtime"
	"github.com/mfushimi/kikitori/internal/reliability"
)

type options struct {
	backendURL string
	preset     string
	voice      string
	verbose    bool
}

func parseFlags() options {
	var opts options
	flag.StringVar(&opts.backendURL, "backend", "http://localhost:8080", "intake backend base URL")
	flag.StringVar(&opts.preset, "preset", string(costpolicy.PresetCostOptimized), "cost preset (cost-optimized|balanced|push-to-talk)")
	flag.StringVar(&opts.voice, "voice", "alloy", "assistant voice")
	flag.BoolVar(&opts.verbose, "v", false, "log every protocol notice")
	flag.Parse()
	return opts
}

func main() {
	opts := parseFlags()

	policy, err := costpolicy.ForPreset(costpolicy.PresetName(opts.preset))
	if err != nil {
		log.Fatalf("preset error: %v", err)
	}

	be := backend.NewClient(opts.backendURL)
	sess, err := realtime.NewSession(realtime.Config{
		Capture: realtime.NewMockCaptureDevice(),
		Dialer:  realtime.NewWebsocketDialer("", ""),
		Broker:  be,
		Sink:    be,
		Voice:   opts.voice,
		OnNotice: func(n realtime.Notice) {
			if opts.verbose || n.Source != realtime.NoticeSourceProtocol {
				log.Printf("notice [%s] %s: %s", n.Source, n.Code, n.Detail)
			}
		},
	})
	if err != nil {
		log.Fatalf("session init failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sess.Connect(ctx, policy); err != nil {
		kind, _ := realtime.ConnectKind(err)
		log.Fatalf("connect failed (%s): %v", kind, err)
	}
	sessionID := sess.SessionID()
	router := sess.Router()
	log.Printf("connected, session %s, preset %s", sessionID, opts.preset)

	runDone := make(chan error, 1)
	go func() { runDone <- sess.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go readCommands(ctx, sess, policy)

	select {
	case <-sigCh:
		log.Printf("interrupt received")
		cancel()
		<-runDone
	case err := <-runDone:
		if err != nil && ctx.Err() == nil {
			log.Printf("session ended: %v", err)
		}
	}

	sess.Disconnect()
	printTranscript(router)
	persistTranscript(router, be, sessionID)

	if err := endWithRetry(be, sessionID); err != nil {
		log.Printf("end session failed: %v", err)
	}
}

// persistTranscript stores the finalized turns so the registry's message
// history matches what the session actually said.
func persistTranscript(router *realtime.Router, be *backend.Client, sessionID string) {
	if router == nil || sessionID == "" {
		return
	}
	for _, m := range router.Messages() {
		if err := be.AppendMessage(context.Background(), sessionID, m.Role, m.Text); err != nil {
			log.Printf("persist transcript turn failed: %v", err)
			return
		}
	}
}

// endWithRetry retries session end on transient backend failures. Ending is
// idempotent server-side, so a duplicate attempt is harmless.
func endWithRetry(be *backend.Client, sessionID string) error {
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		if attempt > 0 {
			time.Sleep(reliability.ExponentialBackoff(attempt, 500*time.Millisecond, 5*time.Second))
		}
		if err = be.EndSession(context.Background(), sessionID); err == nil {
			return nil
		}
		if !retryableEndErr(err) {
			return err
		}
	}
	return err
}

func retryableEndErr(err error) bool {
	var se *backend.StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	// Network-level failures have no status; treat them as transient.
	return true
}

// readCommands drives the session from stdin. In push-to-talk mode a bare
// enter toggles the press gesture; typed lines are sent as text turns in
// any mode.
func readCommands(ctx context.Context, sess *realtime.Session, policy costpolicy.Policy) {
	ptt := policy.Mode == costpolicy.ModePushToTalk
	if ptt {
		fmt.Println("push-to-talk: press enter to talk, enter again to send")
	}
	fmt.Println("type a message to send it as text, /quit to exit")

	pressed := false
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			sess.Disconnect()
			return
		case line == "" && ptt:
			if pressed {
				if err := sess.Release(ctx); err != nil {
					log.Printf("release failed: %v", err)
				}
			} else {
				if err := sess.Press(ctx); err != nil {
					log.Printf("press failed: %v", err)
				}
			}
			pressed = !pressed
		case line != "":
			if err := sess.Send(ctx, realtime.NewUserTextItem(line)); err != nil {
				log.Printf("send failed: %v", err)
				continue
			}
			if err := sess.Send(ctx, realtime.ResponseCreate{Type: realtime.TypeResponseCreate}); err != nil {
				log.Printf("response request failed: %v", err)
			}
		}
	}
}

func printTranscript(router *realtime.Router) {
	if router == nil {
		return
	}
	msgs := router.Messages()
	if len(msgs) == 0 {
		return
	}
	fmt.Println("--- transcript ---")
	for _, m := range msgs {
		fmt.Printf("[%s] %s\n", m.Role, m.Text)
	}
}
