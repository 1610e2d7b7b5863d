package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"pgregory.net/rapid"

	"webhookd/internal/broker"
	"webhookd/internal/metrics"
	"webhookd/internal/model"
)

type staticSubs []model.Subscription

func (s staticSubs) ListSubscriptions(context.Context) ([]model.Subscription, error) {
	return append([]model.Subscription(nil), s...), nil
}

type failingSubs struct{}

func (failingSubs) ListSubscriptions(context.Context) ([]model.Subscription, error) {
	return nil, errors.New("registry down")
}

type memSink struct {
	mu   sync.Mutex
	recs []model.FailureRecord
	err  error
}

func (m *memSink) RecordFailure(_ context.Context, rec model.FailureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return m.err
}

func (m *memSink) records() []model.FailureRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.FailureRecord(nil), m.recs...)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func sub(id, url string, events ...string) model.Subscription {
	return model.Subscription{ID: id, URL: url, Events: events, Active: true, TimeoutMs: 2000, Retries: 3}
}

func TestEmitSignsSerializedEvent(t *testing.T) {
	var (
		mu      sync.Mutex
		hits    int
		body    []byte
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		hits++
		body, headers = b, r.Header.Clone()
		mu.Unlock()
		w.WriteHeader(200)
	}))
	defer srv.Close()

	s := sub("sub_1", srv.URL+"/hook", "order.created")
	s.Secret = "s3cr3t"
	d := NewDispatcher(staticSubs{s}, NewRecorder(&memSink{}, nil))
	report, err := d.Emit(context.Background(), model.Event{Type: "order.created", Data: json.RawMessage(`{"orderId":"abc"}`)})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits != 1 {
		t.Fatalf("want exactly one delivery, got %d", hits)
	}
	if got, want := headers.Get(SignatureHeader), SignHMAC("s3cr3t", body); got != want {
		t.Fatalf("signature = %q, want %q", got, want)
	}
	if headers.Get("X-Idempotency-Key") != report.EventID || headers.Get("X-Event-Type") != "order.created" {
		t.Fatalf("bad event headers: %v", headers)
	}
	if headers.Get("User-Agent") != defaultUserAgent || headers.Get("Content-Type") != "application/json" {
		t.Fatalf("bad transport headers: %v", headers)
	}
	var sent model.Event
	if err := json.Unmarshal(body, &sent); err != nil {
		t.Fatalf("body: %v", err)
	}
	if sent.ID != report.EventID || sent.Source != "api" || string(sent.Data) != `{"orderId":"abc"}` || string(sent.Metadata) != `{}` {
		t.Fatalf("sent event = %+v", sent)
	}
	if report.SubscriptionsAttempted != 1 || len(report.Results) != 1 || !report.Results[0].Success || report.Results[0].SubscriptionID != "sub_1" {
		t.Fatalf("report = %+v", report)
	}
}

func TestEmitZeroMatchesIsEmptySuccess(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits.Add(1) }))
	defer srv.Close()

	d := NewDispatcher(staticSubs{sub("s", srv.URL, "payment.failed")}, nil)
	report, err := d.Emit(context.Background(), model.Event{Type: "order.created"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if hits.Load() != 0 || report.SubscriptionsAttempted != 0 || report.Results == nil || len(report.Results) != 0 || !report.OK {
		t.Fatalf("hits=%d report=%+v", hits.Load(), report)
	}
}

func TestEmitWithoutSecretOmitsSignature(t *testing.T) {
	present := make(chan bool, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		present <- len(r.Header.Values(SignatureHeader)) > 0
	}))
	defer srv.Close()

	d := NewDispatcher(staticSubs{sub("s", srv.URL, "x")}, nil)
	if _, err := d.Emit(context.Background(), model.Event{Type: "x"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if <-present {
		t.Fatal("signature header sent without a secret")
	}
}

func TestEmitMissingTypeIsInvalid(t *testing.T) {
	d := NewDispatcher(staticSubs{}, nil)
	if _, err := d.Emit(context.Background(), model.Event{Type: "  "}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("want ErrInvalidInput, got %v", err)
	}
	if _, err := d.EmitTo(context.Background(), model.Event{}, []string{"http://x"}); !errors.Is(err, model.ErrInvalidInput) {
		t.Fatalf("EmitTo: want ErrInvalidInput, got %v", err)
	}
}

func TestEmitPartialFailureIsIndependent(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(3 * time.Second):
		}
	}))
	defer slow.Close()
	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) }))
	defer fast.Close()

	timeout := sub("slow", slow.URL, "x")
	timeout.TimeoutMs = 300
	sink := &memSink{}
	d := NewDispatcher(staticSubs{timeout, sub("fast", fast.URL, "x")}, NewRecorder(sink, nil))

	start := time.Now()
	report, err := d.Emit(context.Background(), model.Event{Type: "x"})
	took := time.Since(start)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if took < 300*time.Millisecond || took > 2*time.Second {
		t.Fatalf("emit took %v, want about the slow target's timeout", took)
	}
	if report.Failed() != 1 || report.Results[0].Success || !report.Results[1].Success {
		t.Fatalf("report = %+v", report)
	}
	if report.Results[0].Error == "" || report.Results[0].Status != 0 {
		t.Fatalf("timeout result = %+v", report.Results[0])
	}
	recs := sink.records()
	if len(recs) != 1 || recs[0].SubscriptionID != "slow" || recs[0].Status != 0 || recs[0].Attempt != 1 {
		t.Fatalf("failure records = %+v", recs)
	}
}

func TestEmitNon2xxRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(500)
		_, _ = io.WriteString(w, "boom"+strings.Repeat("!", 4096))
	}))
	defer srv.Close()

	sink := &memSink{}
	d := NewDispatcher(staticSubs{sub("s1", srv.URL, "x")}, NewRecorder(sink, nil))
	report, err := d.Emit(context.Background(), model.Event{ID: "evt_1", Type: "x"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	res := report.Results[0]
	if res.Success || res.Status != 500 || res.Error != "HTTP 500" || res.Attempts != 1 {
		t.Fatalf("result = %+v", res)
	}
	recs := sink.records()
	if len(recs) != 1 {
		t.Fatalf("want one record, got %d", len(recs))
	}
	r := recs[0]
	if r.EventID != "evt_1" || r.EventType != "x" || r.URL != srv.URL || r.Status != 500 || r.ErrorMessage != "HTTP 500" {
		t.Fatalf("record = %+v", r)
	}
	if len(r.ResponseBody) != maxResponseBody || !strings.HasPrefix(r.ResponseBody, "boom") {
		t.Fatalf("response body should be truncated to %d bytes, got %d", maxResponseBody, len(r.ResponseBody))
	}
	var payload model.Event
	if err := json.Unmarshal(r.Payload, &payload); err != nil || payload.ID != "evt_1" {
		t.Fatalf("payload = %s (%v)", r.Payload, err)
	}
}

func TestEmitMalformedURLFailsPerTarget(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer ok.Close()
	sink := &memSink{}
	d := NewDispatcher(staticSubs{sub("bad", "://not a url", "x"), sub("good", ok.URL, "x")}, NewRecorder(sink, nil))
	report, err := d.Emit(context.Background(), model.Event{Type: "x"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if report.Results[0].Success || !report.Results[1].Success {
		t.Fatalf("report = %+v", report)
	}
	if recs := sink.records(); len(recs) != 1 || recs[0].SubscriptionID != "bad" {
		t.Fatalf("records = %+v", recs)
	}
}

func TestEmitRegistryErrorMeansNoTargets(t *testing.T) {
	d := NewDispatcher(failingSubs{}, nil)
	report, err := d.Emit(context.Background(), model.Event{Type: "x"})
	if err != nil || report.SubscriptionsAttempted != 0 {
		t.Fatalf("report=%+v err=%v", report, err)
	}
}

func TestEmitRetriesAdvisoryByDefault(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(503)
	}))
	defer srv.Close()
	d := NewDispatcher(staticSubs{sub("s", srv.URL, "x")}, nil)
	report, _ := d.Emit(context.Background(), model.Event{Type: "x"})
	if hits.Load() != 1 || report.Results[0].Attempts != 1 {
		t.Fatalf("hits=%d result=%+v", hits.Load(), report.Results[0])
	}
}

func TestEmitHonorsRetriesWhenEnabled(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(502)
			return
		}
		w.WriteHeader(204)
	}))
	defer srv.Close()

	sink := &memSink{}
	d := NewDispatcher(staticSubs{sub("s", srv.URL, "x")}, NewRecorder(sink, nil), WithRetries(true))
	d.backoff = func(int) time.Duration { return time.Millisecond }
	report, _ := d.Emit(context.Background(), model.Event{Type: "x"})
	res := report.Results[0]
	if !res.Success || res.Attempts != 3 || res.Status != 204 || res.Error != "" {
		t.Fatalf("result = %+v", res)
	}
	recs := sink.records()
	if len(recs) != 2 || recs[0].Attempt != 1 || recs[1].Attempt != 2 {
		t.Fatalf("records = %+v", recs)
	}
}

func TestEmitOutlivesCallerContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(200)
	}))
	defer srv.Close()

	sink := &memSink{}
	d := NewDispatcher(staticSubs{sub("s", srv.URL, "x")}, NewRecorder(sink, nil))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	report, err := d.Emit(ctx, model.Event{Type: "x"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if !report.Results[0].Success || report.Results[0].Status != 200 {
		t.Fatalf("result = %+v", report.Results[0])
	}
	if recs := sink.records(); len(recs) != 0 {
		t.Fatalf("no failure expected, got %+v", recs)
	}
}

func TestEmitToUsesBoundedMetricLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	typ := fmt.Sprintf("adhoc.%d", time.Now().UnixNano())
	before := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues(directTypeLabel, "success"))
	d := NewDispatcher(failingSubs{}, nil)
	if _, err := d.EmitTo(context.Background(), model.Event{Type: typ}, []string{srv.URL}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if got := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues(directTypeLabel, "success")) - before; got != 1 {
		t.Fatalf("other label delta = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.WebhookDeliveries.WithLabelValues(typ, "success")); got != 0 {
		t.Fatalf("ad-hoc type got its own series: %v", got)
	}
}

func TestEmitRetriesStopWhenContextDone(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(500)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	d := NewDispatcher(staticSubs{sub("s", srv.URL, "x")}, nil, WithRetries(true))
	d.backoff = func(int) time.Duration {
		cancel()
		return time.Hour
	}
	report, _ := d.Emit(ctx, model.Event{Type: "x"})
	if hits.Load() != 1 || report.Results[0].Attempts != 1 {
		t.Fatalf("hits=%d result=%+v", hits.Load(), report.Results[0])
	}
}

func TestEmitPublishesOutcomes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/fail") {
			w.WriteHeader(500)
		}
	}))
	defer srv.Close()

	b := broker.NewMemory()
	ch := b.Subscribe(broker.TopicDeliveries)
	d := NewDispatcher(staticSubs{sub("ok", srv.URL+"/ok", "x"), sub("bad", srv.URL+"/fail", "x")}, nil, WithBroker(b))
	report, _ := d.Emit(context.Background(), model.Event{Type: "x"})

	got := map[string]string{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-ch:
			var dm DeliveryMessage
			if err := json.Unmarshal(m.Data, &dm); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if dm.EventID != report.EventID || dm.EventType != "x" {
				t.Fatalf("message = %+v", dm)
			}
			got[dm.Result.SubscriptionID] = m.Type
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for delivery message")
		}
	}
	if got["ok"] != MessageDeliverySucceeded || got["bad"] != MessageDeliveryFailed {
		t.Fatalf("messages = %v", got)
	}
}

func TestEmitToDeliversUnsigned(t *testing.T) {
	sigs := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sigs <- r.Header.Get(SignatureHeader)
	}))
	defer srv.Close()

	d := NewDispatcher(failingSubs{}, nil)
	report, err := d.EmitTo(context.Background(), model.Event{Type: "test.ping"}, []string{srv.URL + "/a", srv.URL + "/b"})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if report.SubscriptionsAttempted != 2 || report.Failed() != 0 || report.Results[1].URL != srv.URL+"/b" {
		t.Fatalf("report = %+v", report)
	}
	for i := 0; i < 2; i++ {
		if s := <-sigs; s != "" {
			t.Fatalf("unexpected signature %q", s)
		}
	}
}

func TestProperty_DeliveryIffActiveAndListed(t *testing.T) {
	types := []string{"order.created", "order.paid", "payment.failed", "user.signup"}
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 6).Draw(t, "n")
		subs := make(staticSubs, n)
		for i := range subs {
			subs[i] = model.Subscription{
				ID:     fmt.Sprintf("s%d", i),
				URL:    fmt.Sprintf("http://hooks.test/%d", i),
				Events: rapid.SliceOfDistinct(rapid.SampledFrom(types), func(s string) string { return s }).Draw(t, "events"),
				Active: rapid.Bool().Draw(t, "active"),
			}
		}
		evtType := rapid.SampledFrom(types).Draw(t, "type")

		var mu sync.Mutex
		hit := map[string]int{}
		client := &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			mu.Lock()
			hit[r.URL.Path]++
			mu.Unlock()
			return &http.Response{StatusCode: 200, Body: io.NopCloser(strings.NewReader("")), Header: http.Header{}, Request: r}, nil
		})}
		d := NewDispatcher(subs, nil, WithHTTPClient(client))
		report, err := d.Emit(context.Background(), model.Event{Type: evtType})
		if err != nil {
			t.Fatalf("emit: %v", err)
		}

		want := 0
		for i, s := range subs {
			expected := 0
			if s.Active && s.Events.Contains(evtType) {
				expected = 1
				want++
			}
			if got := hit[fmt.Sprintf("/%d", i)]; got != expected {
				t.Fatalf("sub %d (active=%v events=%v) got %d deliveries for %s, want %d", i, s.Active, s.Events, got, evtType, expected)
			}
		}
		if report.SubscriptionsAttempted != want {
			t.Fatalf("attempted %d, want %d", report.SubscriptionsAttempted, want)
		}
	})
}

func TestNextBackoff(t *testing.T) {
	cases := map[int]time.Duration{-1: 500 * time.Millisecond, 0: 500 * time.Millisecond, 1: time.Second, 4: 8 * time.Second, 5: 15 * time.Second, 30: 15 * time.Second}
	for attempt, want := range cases {
		if got := nextBackoff(attempt); got != want {
			t.Fatalf("nextBackoff(%d) = %v, want %v", attempt, got, want)
		}
	}
}
