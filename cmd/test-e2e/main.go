package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	ws "nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type created struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

func main() {
	_ = godotenv.Load()

	addr := flag.String("addr", "http://localhost:8080", "voice server base URL")
	text := flag.String("text", "What invoices are due this week?", "text to submit as the user's turn")
	accept := flag.Bool("accept", false, "accept the first confirmation the assistant proposes")
	playMs := flag.Int("play-ms", 300, "simulated playback time before reporting tts_done")
	timeout := flag.Duration("timeout", 30*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	sess, err := createSession(ctx, *addr)
	if err != nil {
		log.Fatalf("create session: %v", err)
	}

	hdr := http.Header{}
	hdr.Set("Authorization", "Bearer "+sess.Token)
	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*addr, "/"), "http") + "/ws/session?session_id=" + sess.SessionID
	c, _, err := ws.Dial(ctx, wsURL, &ws.DialOptions{HTTPHeader: hdr})
	if err != nil {
		log.Fatalf("dial %s: %v", wsURL, err)
	}
	defer c.Close(ws.StatusNormalClosure, "done")

	fmt.Printf("=== E2E Voice Turn ===\n")
	fmt.Printf("Session: %s\n", sess.SessionID)
	fmt.Printf("Text: %q\n\n", *text)

	fmt.Println("[1] Sending start...")
	send(ctx, c, map[string]any{"type": "start"})

	sentText := false
	processed := false
	confirmed := false
	for {
		var m map[string]any
		if err := wsjson.Read(ctx, c, &m); err != nil {
			if ctx.Err() != nil {
				fmt.Println("[*] Timeout reached")
				os.Exit(1)
			}
			log.Fatalf("read: %v", err)
		}
		printNotification(m)

		switch m["type"] {
		case "state":
			if m["state"] == "listening" && !sentText {
				fmt.Printf("[2] Sending text: %q\n", *text)
				send(ctx, c, map[string]any{"type": "text", "text": *text})
				sentText = true
			} else if m["state"] == "processing" {
				processed = true
			} else if m["state"] == "listening" && processed && (!*accept || confirmed) {
				fmt.Println("[*] Turn complete")
				send(ctx, c, map[string]any{"type": "end"})
				return
			}
		case "speak":
			id, _ := m["utterance_id"].(string)
			time.Sleep(time.Duration(*playMs) * time.Millisecond)
			send(ctx, c, map[string]any{"type": "tts_done", "utterance_id": id})
		case "message":
			msg, _ := m["message"].(map[string]any)
			if *accept && !confirmed && msg["kind"] == "confirm" {
				confirmed = true
				id, _ := msg["id"].(string)
				fmt.Printf("[3] Accepting confirmation %s\n", id)
				send(ctx, c, map[string]any{"type": "confirm", "message_id": id})
			}
		case "error":
			fmt.Println("[*] Server reported an error")
			os.Exit(1)
		}
	}
}

func createSession(ctx context.Context, addr string) (created, error) {
	var out created
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(addr, "/")+"/sessions", nil)
	if err != nil {
		return out, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("status %d", resp.StatusCode)
	}
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

func send(ctx context.Context, c *ws.Conn, v map[string]any) {
	v["ts_ms"] = time.Now().UnixMilli()
	if err := wsjson.Write(ctx, c, v); err != nil {
		log.Fatalf("send %v: %v", v["type"], err)
	}
}

func printNotification(m map[string]any) {
	ts := time.Now().Format("15:04:05.000")
	switch m["type"] {
	case "state":
		fmt.Printf("[%s] <- state: %v\n", ts, m["state"])
	case "message":
		msg, _ := m["message"].(map[string]any)
		fmt.Printf("[%s] <- message: %v/%v %q streaming=%v\n", ts, msg["role"], msg["kind"], msg["content"], msg["streaming"])
	case "speak":
		fmt.Printf("[%s] <- speak: %q\n", ts, m["text"])
	case "stop_tts":
		fmt.Printf("[%s] <- stop_tts\n", ts)
	case "alert":
		fmt.Printf("[%s] <- alert: %v\n", ts, m["text"])
	case "action":
		fmt.Printf("[%s] <- action: %v %v\n", ts, m["text"], m["payload"])
	case "error":
		fmt.Printf("[%s] <- error: %v (%v)\n", ts, m["error"], m["text"])
	default:
		fmt.Printf("[%s] <- %v\n", ts, m["type"])
	}
}
