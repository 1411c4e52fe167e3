// Command gwctl is a thin terminal client of the Agent Gateway's WebSocket
// control plane: an interactive status dashboard on a TTY, or a line-mode
// event tail when stdout isn't one (e.g. piped into a log aggregator).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/agentgw/internal/gateway"
)

func main() {
	addr := flag.String("addr", "ws://127.0.0.1:8787/ws", "gateway control-plane websocket URL")
	apiKey := flag.String("api-key", os.Getenv("GATEWAY_API_KEY"), "API key for the gateway (or set GATEWAY_API_KEY)")
	noTUI := flag.Bool("no-tui", false, "force line-mode output even on a TTY")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	client, err := dial(dialCtx, *addr, *apiKey)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gwctl: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && !*noTUI
	if interactive {
		if err := runDashboard(ctx, client, *apiKey); err != nil && ctx.Err() == nil {
			fmt.Fprintf(os.Stderr, "gwctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := runLineMode(ctx, client, *apiKey); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "gwctl: %v\n", err)
		os.Exit(1)
	}
}

// runLineMode prints res:hello, res:channels.list, and every subsequent
// evt: frame as one JSON line each — the fallback the teacher's own TUI
// uses when go-isatty reports a non-terminal stdout.
func runLineMode(ctx context.Context, client *wsClient, apiKey string) error {
	helloRes, err := client.call(ctx, gateway.ReqHello, gateway.HelloRequest{ClientKey: apiKey})
	if err != nil {
		return err
	}
	printLine("hello", helloRes.Payload)

	chRes, err := client.call(ctx, gateway.ReqChannelsList, struct{}{})
	if err != nil {
		return err
	}
	printLine("channels", chRes.Payload)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, ok := <-client.Events:
			if !ok {
				return nil
			}
			printLine(env.Type, env.Payload)
		}
	}
}

func printLine(kind string, payload json.RawMessage) {
	fmt.Printf("%s %s %s\n", time.Now().Format(time.RFC3339), kind, string(payload))
}
