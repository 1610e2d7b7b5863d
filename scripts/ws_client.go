// Package main is a demo client: it watches the delivery stream and emits one
// event at a running webhookd.
package main

import (
	"bytes"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	key := os.Getenv("WEBHOOKS_ADMIN_API_KEY")
	base := fmt.Sprintf("http://localhost:%s", port)

	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/deliveries/stream"}
	if key != "" {
		u.RawQuery = url.Values{"api_key": {key}}.Encode()
	}
	c, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %v", m.Type, m.Payload)
		}
	}()

	target := os.Getenv("TARGET_URL")
	if target == "" {
		target = "https://httpbin.org/post"
	}
	body := fmt.Sprintf(`{"type":"demo.ping","source":"ws_client","data":{"at":%q},"targets":[%q]}`, time.Now().UTC().Format(time.RFC3339), target)
	resp, err := http.Post(base+"/emit", "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("emit: %s", resp.Status)
	_ = resp.Body.Close()

	select {
	case <-time.After(10 * time.Second):
	case <-done:
	}
}
