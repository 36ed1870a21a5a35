package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"

	"tor-switch/pkg/api"
)

func main() {
	_ = loadDotEnv()

	agent := flag.String("agent", envDefault("AGENT_ADDR", "http://127.0.0.1:9222"), "agent base URL")
	secret := flag.String("secret", os.Getenv("CONTROL_SECRET"), "control secret (when the agent requires auth)")
	timeout := flag.Duration("timeout", 10*time.Second, "reply wait timeout")
	force := flag.Bool("force", false, "force refresh (refresh verb)")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	token := ""
	if *secret != "" {
		t, err := login(*agent, *secret)
		if err != nil {
			log.Fatalf("login failed: %v", err)
		}
		token = t
	}

	conn, err := dial(*agent, token)
	if err != nil {
		log.Fatalf("connect to agent failed: %v", err)
	}
	defer conn.Close()

	switch args[0] {
	case "enable":
		if len(args) != 3 {
			usage()
		}
		port, err := strconv.Atoi(args[2])
		if err != nil {
			log.Fatalf("invalid port: %s", args[2])
		}
		send(conn, "enable", api.EnableRequest{Host: args[1], Port: port})
		printResult(await(conn, "result", *timeout))
	case "disable":
		send(conn, "disable", nil)
		printResult(await(conn, "result", *timeout))
	case "status":
		send(conn, "status", nil)
		msg := await(conn, "status", *timeout)
		var st api.StatusResponse
		if err := json.Unmarshal(msg.Payload, &st); err != nil {
			log.Fatalf("bad status reply: %v", err)
		}
		if st.TorEnabled {
			fmt.Printf("enabled %s:%d\n", st.TorHost, st.TorPort)
		} else {
			fmt.Println("disabled")
		}
	case "refresh":
		slot := ""
		if len(args) > 1 {
			slot = args[1]
		}
		send(conn, "refresh", api.RefreshRequest{Slot: slot, Force: *force})
		printResult(await(conn, "result", *timeout))
	case "watch":
		watch(conn)
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: switchctl [flags] <verb>

verbs:
  enable <host> <port>   route egress through the proxy
  disable                restore the direct path
  status                 print toggle state
  refresh [slot]         re-resolve identity (before/after; default both)
  watch                  stream identity display updates
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func send(conn *websocket.Conn, msgType string, payload interface{}) {
	msg := api.Message{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			log.Fatalf("marshal request: %v", err)
		}
		msg.Payload = raw
	}
	if err := conn.WriteJSON(msg); err != nil {
		log.Fatalf("send failed: %v", err)
	}
}

// await reads until a message of the wanted type arrives, skipping display
// pushes the agent sends on connect.
func await(conn *websocket.Conn, wantType string, timeout time.Duration) api.Message {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		var msg api.Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Fatalf("read reply failed: %v", err)
		}
		if msg.Type == wantType {
			return msg
		}
	}
}

func printResult(msg api.Message) {
	var res api.ToggleResponse
	if err := json.Unmarshal(msg.Payload, &res); err != nil {
		log.Fatalf("bad reply: %v", err)
	}
	if !res.OK {
		log.Fatalf("agent: %s", res.Error)
	}
	fmt.Println("ok")
}

func watch(conn *websocket.Conn) {
	for {
		var msg api.Message
		if err := conn.ReadJSON(&msg); err != nil {
			log.Fatalf("watch ended: %v", err)
		}
		if msg.Type != "display" {
			continue
		}
		var upd api.DisplayUpdate
		if err := json.Unmarshal(msg.Payload, &upd); err != nil {
			continue
		}
		fmt.Printf("%-6s %-10s %s\n", upd.Slot, upd.Status, upd.Text)
	}
}

func dial(agent, token string) (*websocket.Conn, error) {
	u, err := url.Parse(agent)
	if err != nil {
		return nil, err
	}
	scheme := "ws"
	if u.Scheme == "https" {
		scheme = "wss"
	}
	u.Scheme = scheme
	u.Path = "/api/v1/ws/control"
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

func login(agent, secret string) (string, error) {
	body, _ := json.Marshal(api.LoginRequest{Secret: secret})
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(agent+"/api/v1/auth/login", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("agent returned %s body=%s", resp.Status, strings.TrimSpace(string(b)))
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out["token"], nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
