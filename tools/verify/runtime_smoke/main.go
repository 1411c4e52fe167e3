// Command runtime_smoke drives a running gatewayd instance over its
// websocket control plane and exercises a minimal end-to-end path: hello,
// start a run, tail its events until completion, then pull a doctor audit.
// It prints one CHECK line per assertion and a final VERDICT line so it can
// be wired into a release checklist without parsing Go test output.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:18789/ws", "control plane websocket endpoint")
	clientKey := flag.String("client-key", "", "client key for req:hello")
	chatID := flag.String("chat-id", "runtime-smoke-chat", "chat id to run against")
	channelID := flag.String("channel-id", "webchat", "channel id to run against")
	prompt := flag.String("prompt", "say hello", "prompt for the smoke run")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*clientKey) == "" {
		fmt.Fprintln(os.Stderr, "client-key is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, *url, nil)
	if err != nil {
		fatal("dial failed", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")

	nextID := 0
	send := func(reqType string, payload any) string {
		nextID++
		id := fmt.Sprintf("smoke-%d", nextID)
		if err := wsjson.Write(ctx, conn, envelope{Type: reqType, ID: id, Payload: mustMarshal(payload)}); err != nil {
			fatal("write "+reqType, err)
		}
		return id
	}

	helloID := send("req:hello", map[string]string{"client_key": *clientKey})
	hello := awaitResponse(ctx, conn, helloID)
	requireNoError(hello, "req:hello")
	fmt.Println("CHECK hello ok")

	runID := send("req:agent.run", map[string]string{
		"chat_id": *chatID, "channel_id": *channelID,
		"requested_by": "runtime-smoke", "prompt": *prompt,
	})
	runResp := awaitResponse(ctx, conn, runID)
	requireNoError(runResp, "req:agent.run")
	var runOut struct {
		RunID string `json:"run_id"`
	}
	mustUnmarshal(runResp.Payload, &runOut)
	if strings.TrimSpace(runOut.RunID) == "" {
		fatalf("req:agent.run response missing run_id")
	}
	fmt.Printf("CHECK run started run_id=%s\n", runOut.RunID)

	tailID := send("req:runs.tail", map[string]any{"run_id": runOut.RunID})
	tailResp := awaitResponse(ctx, conn, tailID)
	requireNoError(tailResp, "req:runs.tail")
	fmt.Println("CHECK runs.tail subscribed")

	if err := waitForRunCompleted(ctx, conn, runOut.RunID); err != nil {
		fatal("waiting for run completion", err)
	}
	fmt.Println("CHECK run completed")

	auditID := send("req:doctor.audit", map[string]any{})
	auditResp := awaitResponse(ctx, conn, auditID)
	requireNoError(auditResp, "req:doctor.audit")
	fmt.Println("CHECK doctor.audit ok")

	fmt.Println("VERDICT PASS")
}

type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Ts      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// awaitResponse reads frames until it finds the res: (or res:error) keyed
// to wantID, skipping any evt: frames pushed in between.
func awaitResponse(ctx context.Context, conn *websocket.Conn, wantID string) envelope {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			fatal("read frame", err)
		}
		if env.ID == wantID {
			return env
		}
	}
}

func waitForRunCompleted(ctx context.Context, conn *websocket.Conn, runID string) error {
	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			return err
		}
		if env.Type != "evt:run.completed" {
			continue
		}
		var payload struct {
			RunID string `json:"run_id"`
		}
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			continue
		}
		if payload.RunID == runID {
			return nil
		}
	}
}

func requireNoError(env envelope, what string) {
	if env.Type != "res:error" {
		return
	}
	var errPayload errorPayload
	_ = json.Unmarshal(env.Payload, &errPayload)
	fatalf("%s failed: %s: %s", what, errPayload.Kind, errPayload.Message)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		fatal("marshal payload", err)
	}
	return data
}

func mustUnmarshal(raw json.RawMessage, v any) {
	if err := json.Unmarshal(raw, v); err != nil {
		fatal("unmarshal payload", err)
	}
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
