package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/logging"
	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("moderator", flag.ExitOnError)
	natsURL := fs.String("nats", cfg.NATS.URL, "NATS server URL")
	actor := fs.String("actor", os.Getenv("USER"), "administrator identity recorded with the action")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Usage = func() { fmt.Fprint(fs.Output(), usage); fs.PrintDefaults() }
	fs.Parse(os.Args[1:])

	req, err := buildRequest(fs.Args(), *actor)
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintln(os.Stderr, err)
			fs.Usage()
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := logging.New("warn", "moderator")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer logger.Sync()

	natsCfg := messaging.DefaultNATSConfig()
	natsCfg.URL = *natsURL
	natsCfg.Name = "whisper-moderator"
	natsCfg.MaxReconnects = 0
	client, err := messaging.NewNATSClient(natsCfg, logger)
	if err != nil {
		logger.Error("failed to connect to NATS", zap.Error(err))
		os.Exit(1)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	res, err := send(ctx, client, req)
	if err != nil {
		logger.Error("admin request failed", zap.String("type", req.Type), zap.Error(err))
		os.Exit(1)
	}
	if !res.OK {
		fmt.Fprintf(os.Stderr, "%s: %s\n", res.Code, res.Error)
		os.Exit(1)
	}
	if len(res.Data) > 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, res.Data, "", "  "); err != nil {
			out.Write(res.Data)
		}
		fmt.Println(out.String())
	} else {
		fmt.Println(res.Code)
	}
}

// requester sends one request and waits for the reply.
type requester interface {
	Request(ctx context.Context, subject string, data []byte) ([]byte, error)
}

func send(ctx context.Context, r requester, req protocol.AdminRequest) (protocol.Result, error) {
	data, err := protocol.NewMessage(req.Type, req)
	if err != nil {
		return protocol.Result{}, err
	}
	reply, err := r.Request(ctx, messaging.SubjectAdmin, data)
	if err != nil {
		return protocol.Result{}, err
	}
	return protocol.ParseResult(reply)
}
