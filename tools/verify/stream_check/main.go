// Command stream_check submits one task to a running daemon and verifies
// its event stream over the WebSocket endpoint.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	ID     any             `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type event struct {
	Seq    int64  `json:"seq"`
	TaskID string `json:"task_id"`
	Type   string `json:"type"`
	Text   string `json:"text"`
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:18790", "daemon base URL")
	kind := flag.String("kind", "simulation", "agent kind to submit")
	input := flag.String("input", `{"city":"Lisbon"}`, "task input as JSON")
	timeout := flag.Duration("timeout", 60*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	base := strings.TrimRight(*addr, "/")
	taskID, channel, err := submit(ctx, base, *kind, json.RawMessage(*input))
	if err != nil {
		fail("submit: %v", err)
	}
	fmt.Printf("SUBMITTED task=%s channel=%s\n", taskID, channel)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		fail("dial %s: %v", wsURL, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	sub := rpcRequest{JSONRPC: "2.0", ID: 1, Method: "subscribe", Params: map[string]any{"channel": channel, "from_seq": 1}}
	if err := wsjson.Write(ctx, conn, sub); err != nil {
		fail("subscribe: %v", err)
	}

	var events []event
	for {
		var msg rpcMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			fail("read: %v", err)
		}
		if msg.Error != nil {
			fail("rpc error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.Method != "stream.event" {
			continue
		}
		var ev event
		if err := json.Unmarshal(msg.Params, &ev); err != nil {
			fail("decode event: %v", err)
		}
		if ev.TaskID != taskID {
			continue
		}
		events = append(events, ev)
		fmt.Printf("EVENT seq=%d type=%s\n", ev.Seq, ev.Type)
		if ev.Type == "complete" {
			break
		}
	}

	if err := checkOrder(events); err != nil {
		fail("%v", err)
	}
	fmt.Printf("VERDICT PASS events=%d\n", len(events))
}

// checkOrder requires strictly increasing sequence numbers, a leading
// progress event and exactly one trailing complete.
func checkOrder(events []event) error {
	if len(events) < 2 {
		return fmt.Errorf("expected at least 2 events, got %d", len(events))
	}
	if events[0].Type != "progress" {
		return fmt.Errorf("first event is %s, want progress", events[0].Type)
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			return fmt.Errorf("seq %d follows %d", events[i].Seq, events[i-1].Seq)
		}
		if events[i-1].Type == "complete" {
			return fmt.Errorf("event seq=%d after complete", events[i].Seq)
		}
	}
	return nil
}

func submit(ctx context.Context, base, kind string, input json.RawMessage) (string, string, error) {
	body, err := json.Marshal(map[string]any{"kind": kind, "input": input})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/tasks", bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return "", "", fmt.Errorf("HTTP %d: %s", resp.StatusCode, raw)
	}
	var task struct {
		ID      string `json:"id"`
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &task); err != nil {
		return "", "", err
	}
	return task.ID, task.Channel, nil
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}
