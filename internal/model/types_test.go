package model

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"pgregory.net/rapid"
)

func TestEventTypesUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{`["order.created","payment.failed"]`, []string{"order.created", "payment.failed"}},
		{`" order.created , ,payment.failed,"`, []string{"order.created", "payment.failed"}},
		{`[" a ", ""]`, []string{"a"}},
		{`""`, []string{}},
	}
	for _, c := range cases {
		var got EventTypes
		if err := json.Unmarshal([]byte(c.in), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", c.in, err)
		}
		if strings.Join(got, "|") != strings.Join(c.want, "|") {
			t.Fatalf("unmarshal %s: got %v want %v", c.in, got, c.want)
		}
	}
	var bad EventTypes
	if err := json.Unmarshal([]byte(`42`), &bad); err == nil {
		t.Fatal("expected error for numeric events")
	}
}

func TestProperty_ParseEventTypesNormalizes(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		parts := rapid.SliceOf(rapid.StringMatching(`[ a-z.]{0,8}`)).Draw(t, "parts")
		got := ParseEventTypes(strings.Join(parts, ","))
		want := 0
		for _, p := range parts {
			if strings.TrimSpace(p) != "" {
				want++
			}
		}
		if len(got) != want {
			t.Fatalf("got %d entries, want %d (%q)", len(got), want, parts)
		}
		for _, g := range got {
			if g == "" || g != strings.TrimSpace(g) {
				t.Fatalf("entry not normalized: %q", g)
			}
		}
	})
}

func TestSubscriptionInputNormalizeDefaults(t *testing.T) {
	in := SubscriptionInput{URL: " https://example.test/hook ", Events: EventTypes{"order.created"}}
	if err := in.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	s := in.Normalize()
	if s.URL != "https://example.test/hook" || s.TimeoutMs != 8000 || s.Retries != 3 || !s.Active {
		t.Fatalf("unexpected defaults: %+v", s)
	}
	off := false
	zero := 0
	s = SubscriptionInput{URL: "u", Events: EventTypes{"x"}, Active: &off, Retries: &zero}.Normalize()
	if s.Active || s.Retries != 0 {
		t.Fatalf("explicit values lost: %+v", s)
	}
}

func TestSubscriptionInputValidate(t *testing.T) {
	if err := (SubscriptionInput{Events: EventTypes{"x"}}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing url: got %v", err)
	}
	if err := (SubscriptionInput{URL: "u"}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing events: got %v", err)
	}
}

func TestSubscriptionPatchApply(t *testing.T) {
	s := Subscription{ID: "a", URL: "u1", Events: EventTypes{"x"}, Active: true, TimeoutMs: 8000}
	url := "u2"
	off := false
	SubscriptionPatch{URL: &url, Active: &off}.Apply(&s)
	if s.ID != "a" || s.URL != "u2" || s.Active || s.TimeoutMs != 8000 || !s.Events.Contains("x") {
		t.Fatalf("bad merge: %+v", s)
	}
	if f := (SubscriptionPatch{URL: &url}).Fields(); len(f) != 1 || f["url"] != "u2" {
		t.Fatalf("fields: %+v", f)
	}
}

func TestProperty_MatchesIffActiveAndListed(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		types := rapid.SliceOf(rapid.SampledFrom([]string{"order.created", "order.paid", "payment.failed"})).Draw(t, "types")
		active := rapid.Bool().Draw(t, "active")
		evt := rapid.SampledFrom([]string{"order.created", "order.paid", "payment.failed", "cart.abandoned"}).Draw(t, "evt")
		s := Subscription{Active: active, Events: EventTypes(types)}
		listed := false
		for _, ty := range types {
			if ty == evt {
				listed = true
			}
		}
		if s.Matches(evt) != (active && listed) {
			t.Fatalf("Matches(%s)=%v active=%v events=%v", evt, s.Matches(evt), active, types)
		}
	})
}

func TestEventWithDefaults(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	e := Event{Type: "order.created"}.WithDefaults(now)
	if e.ID == "" || e.Source != "api" || string(e.Data) != "{}" || string(e.Metadata) != "{}" {
		t.Fatalf("defaults not applied: %+v", e)
	}
	if e.Timestamp != "2024-01-02T03:04:05Z" {
		t.Fatalf("timestamp: %s", e.Timestamp)
	}
	kept := Event{ID: "evt1", Type: "x", Source: "cms", Timestamp: "t"}.WithDefaults(now)
	if kept.ID != "evt1" || kept.Source != "cms" || kept.Timestamp != "t" {
		t.Fatalf("caller values overwritten: %+v", kept)
	}
	if err := (Event{Type: "  "}).Validate(); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank type: %v", err)
	}
}
