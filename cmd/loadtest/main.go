// Command loadtest drives the pairing engine over NATS with simulated
// participants and reports join round-trip and time-to-match latencies.
//
// Usage:
//
//	loadtest [-nats url] [-pairs n] [-concurrency n] [-ramp d] [-match-timeout d]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/gateway"
	"github.com/whisper/pairing/internal/logging"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/protocol"
)

func main() {
	fs := flag.NewFlagSet("loadtest", flag.ExitOnError)
	natsURL := fs.String("nats", "nats://127.0.0.1:4222", "NATS server URL")
	pairs := fs.Int("pairs", 500, "number of participant pairs to match")
	concurrency := fs.Int("concurrency", 50, "maximum in-flight join requests")
	rampUp := fs.Duration("ramp", 10*time.Second, "spread joins over this duration")
	matchTimeout := fs.Duration("match-timeout", 30*time.Second, "how long a participant waits for a match")
	fs.Parse(os.Args[1:])

	logger, err := logging.New("warn", "loadtest")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	cfg := messaging.DefaultNATSConfig()
	cfg.URL = *natsURL
	cfg.Name = "whisper-loadtest"
	client, err := messaging.NewNATSClient(cfg, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer client.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	total := *pairs * 2
	fmt.Printf("Match test: %d pairs (%d participants) via %s (ramp=%s, concurrency=%d)\n",
		*pairs, total, *natsURL, *rampUp, *concurrency)

	col := newCollector(time.Now())
	w := newWaiters()
	if err := client.SubscribeNotify("*", w.deliver); err != nil {
		logger.Error("failed to subscribe to notifications", zap.Error(err))
		os.Exit(1)
	}

	interval := *rampUp / time.Duration(total)
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sem := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

launch:
	for i := 0; i < total; i++ {
		select {
		case <-ctx.Done():
			fmt.Println("\nInterrupted during ramp-up.")
			break launch
		case <-ticker.C:
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			simulate(ctx, client, w, col, *matchTimeout)
		}()
	}
	wg.Wait()

	col.report(os.Stdout, time.Now())
	if col.matched() < total {
		os.Exit(1)
	}
}

// simulate joins as a fresh participant, waits for the match and leaves.
func simulate(ctx context.Context, client *messaging.NATSClient, w *waiters, col *collector, timeout time.Duration) {
	id := "lt-" + uuid.NewString()
	matched := w.register(id)
	defer w.unregister(id)

	req, err := protocol.NewMessage(protocol.TypeJoin, protocol.JoinMsg{ID: id, Name: "load"})
	if err != nil {
		col.addError()
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	start := time.Now()
	reply, err := client.Request(reqCtx, messaging.SubjectJoin, req)
	cancel()
	if err != nil {
		col.addError()
		return
	}
	res, err := protocol.ParseResult(reply)
	if err != nil {
		col.addError()
		return
	}
	col.addJoin(time.Since(start), res.Code)
	if !res.OK {
		return
	}

	select {
	case <-matched:
		col.addMatch(time.Since(start))
	case <-time.After(timeout):
		col.addError()
	case <-ctx.Done():
	}

	leave, _ := protocol.NewMessage(protocol.TypeLeave, protocol.LeaveMsg{ID: id})
	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client.Request(leaveCtx, messaging.SubjectLeave, leave)
}

// waiters routes matched notifications to the waiting participant.
type waiters struct {
	mu sync.Mutex
	ch map[string]chan struct{}
}

func newWaiters() *waiters {
	return &waiters{ch: make(map[string]chan struct{})}
}

func (w *waiters) register(id string) <-chan struct{} {
	c := make(chan struct{})
	w.mu.Lock()
	w.ch[id] = c
	w.mu.Unlock()
	return c
}

func (w *waiters) unregister(id string) {
	w.mu.Lock()
	delete(w.ch, id)
	w.mu.Unlock()
}

func (w *waiters) deliver(data []byte) {
	var n struct {
		Type string `json:"type"`
		gateway.Message
	}
	if err := json.Unmarshal(data, &n); err != nil || n.Type != string(gateway.KindMatched) {
		return
	}
	w.mu.Lock()
	c, ok := w.ch[n.ParticipantID]
	if ok {
		delete(w.ch, n.ParticipantID)
	}
	w.mu.Unlock()
	if ok {
		close(c)
	}
}
