package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"webhookd/internal/broker"
	"webhookd/internal/model"
)

func TestListenerEmitsBrokerEvents(t *testing.T) {
	got := make(chan model.Event, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt model.Event
		_ = json.NewDecoder(r.Body).Decode(&evt)
		select {
		case got <- evt:
		default:
		}
	}))
	defer srv.Close()

	b := broker.NewMemory()
	d := NewDispatcher(staticSubs{sub("s", srv.URL, "order.created")}, nil)
	l := &Listener{Broker: b, Dispatcher: d}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// the listener subscribes asynchronously; publish until it picks one up
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	var evt model.Event
wait:
	for {
		select {
		case <-ticker.C:
			_ = b.Publish(ctx, broker.TopicEvents, broker.Message{Type: "garbage", Data: []byte(`not json`)})
			_ = b.Publish(ctx, broker.TopicEvents, broker.Message{Type: "order.created", Data: []byte(`{"id":"evt_9","data":{"n":1}}`)})
		case evt = <-got:
			break wait
		case <-deadline:
			t.Fatal("no delivery from broker event")
		}
	}
	if evt.ID != "evt_9" || evt.Type != "order.created" || string(evt.Data) != `{"n":1}` {
		t.Fatalf("delivered event = %+v", evt)
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestListenerStopsWhenBrokerCloses(t *testing.T) {
	b := broker.NewMemory()
	l := &Listener{Broker: b, Dispatcher: NewDispatcher(staticSubs{}, nil)}
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	_ = b.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after broker close")
	}
}
