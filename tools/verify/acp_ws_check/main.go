// Command acp_ws_check verifies the control plane's admission rules on a
// live gatewayd: a websocket dial without an API key must be rejected at
// the HTTP upgrade, and a handshaken-but-pre-hello request must be
// rejected with an unauthenticated error rather than being dispatched.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18789/ws", "control plane websocket endpoint")
	apiKey := flag.String("api-key", "", "API key expected by the gateway's auth middleware")
	clientKey := flag.String("client-key", "", "client key for req:hello (defaults to -api-key)")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	flag.Parse()

	if strings.TrimSpace(*apiKey) == "" {
		fmt.Fprintln(os.Stderr, "api-key is required")
		os.Exit(2)
	}
	if strings.TrimSpace(*clientKey) == "" {
		*clientKey = *apiKey
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	_, unauthResp, unauthErr := websocket.Dial(ctx, *url, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-api-key dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing api key, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("CHECK missing api key rejected status=%d\n", unauthResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*apiKey)}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// A mutate request before req:hello must be rejected, not dispatched.
	preHelloID := "pre-hello"
	if err := wsjson.Write(ctx, conn, envelope{Type: "req:agent.run", ID: preHelloID}); err != nil {
		fmt.Fprintf(os.Stderr, "write req:agent.run failed: %v\n", err)
		os.Exit(1)
	}
	var preHelloResp envelope
	if err := wsjson.Read(ctx, conn, &preHelloResp); err != nil {
		fmt.Fprintf(os.Stderr, "read pre-hello response failed: %v\n", err)
		os.Exit(1)
	}
	if preHelloResp.Type != "res:error" {
		fmt.Fprintf(os.Stderr, "expected res:error for pre-hello mutate, got %s\n", preHelloResp.Type)
		os.Exit(1)
	}
	fmt.Println("CHECK pre-hello mutate rejected")

	// The server closes the connection after a pre-hello rejection, so hello
	// needs a fresh dial.
	conn.Close(websocket.StatusNormalClosure, "reconnecting for hello")
	conn2, _, err := websocket.Dial(ctx, *url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + strings.TrimSpace(*apiKey)}},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconnect dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn2.Close(websocket.StatusNormalClosure, "done")

	helloPayload, _ := json.Marshal(map[string]string{"client_key": *clientKey})
	if err := wsjson.Write(ctx, conn2, envelope{Type: "req:hello", ID: "hello", Payload: helloPayload}); err != nil {
		fmt.Fprintf(os.Stderr, "write req:hello failed: %v\n", err)
		os.Exit(1)
	}
	var helloResp envelope
	if err := wsjson.Read(ctx, conn2, &helloResp); err != nil {
		fmt.Fprintf(os.Stderr, "read req:hello response failed: %v\n", err)
		os.Exit(1)
	}
	if helloResp.Type != "res:hello" {
		fmt.Fprintf(os.Stderr, "expected res:hello, got %s\n", helloResp.Type)
		os.Exit(1)
	}
	fmt.Println("CHECK hello ok")

	fmt.Println("VERDICT PASS")
}
