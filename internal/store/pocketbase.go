package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"webhookd/internal/model"
)

// PocketBaseConfig configures the remote record store.
type PocketBaseConfig struct {
	URL                     string
	AdminEmail              string
	AdminPassword           string
	SubscriptionsCollection string
	FailuresCollection      string
	InboundCollection       string
	HTTP                    *http.Client
}

// PocketBase keeps subscriptions, failures and inbound payloads in PocketBase
// collections, authenticating as an admin and creating missing collections on
// first use.
type PocketBase struct {
	cfg  PocketBaseConfig
	http *http.Client

	mu       sync.Mutex
	token    string
	tokenExp time.Time
	ready    bool
}

const pbTokenTTL = 10 * time.Minute

func NewPocketBase(cfg PocketBaseConfig) *PocketBase {
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	if cfg.SubscriptionsCollection == "" {
		cfg.SubscriptionsCollection = "webhooks"
	}
	if cfg.FailuresCollection == "" {
		cfg.FailuresCollection = "webhook_failures"
	}
	if cfg.InboundCollection == "" {
		cfg.InboundCollection = "webhook_logs"
	}
	hc := cfg.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &PocketBase{cfg: cfg, http: hc}
}

// pbSubscription is the record shape; PocketBase adds id and created.
type pbSubscription struct {
	ID          string           `json:"id,omitempty"`
	URL         string           `json:"url"`
	Events      model.EventTypes `json:"events"`
	Secret      string           `json:"secret"`
	Active      bool             `json:"active"`
	TimeoutMs   int              `json:"timeout_ms"`
	Retries     int              `json:"retries"`
	Description string           `json:"description"`
	Created     string           `json:"created,omitempty"`
}

func (r pbSubscription) toModel() model.Subscription {
	s := model.Subscription{
		ID:          r.ID,
		URL:         r.URL,
		Events:      r.Events,
		Secret:      r.Secret,
		Active:      r.Active,
		TimeoutMs:   r.TimeoutMs,
		Retries:     r.Retries,
		Description: r.Description,
		Created:     parsePBTime(r.Created),
	}
	if s.Events == nil {
		s.Events = model.EventTypes{}
	}
	if s.TimeoutMs <= 0 {
		s.TimeoutMs = model.DefaultTimeoutMs
	}
	return s
}

// pbFailure shadows the timestamp, which PocketBase returns in its own date format.
type pbFailure struct {
	model.FailureRecord
	Timestamp string `json:"timestamp"`
}

func parsePBTime(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05.000Z", "2006-01-02 15:04:05Z", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// pbPageSize is the largest page PocketBase serves.
const pbPageSize = 500

// ListSubscriptions returns every subscription, reading all pages.
func (p *PocketBase) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	if err := p.ensureCollections(ctx); err != nil {
		return nil, err
	}
	out := []model.Subscription{}
	for page := 1; ; page++ {
		var res struct {
			Items      []pbSubscription `json:"items"`
			TotalPages int              `json:"totalPages"`
		}
		q := url.Values{"page": {strconv.Itoa(page)}, "perPage": {strconv.Itoa(pbPageSize)}, "sort": {"-created"}}
		if err := p.do(ctx, "list subscriptions", http.MethodGet, p.records(p.cfg.SubscriptionsCollection)+"?"+q.Encode(), nil, &res); err != nil {
			return nil, err
		}
		for _, it := range res.Items {
			out = append(out, it.toModel())
		}
		// totalPages is -1 when the server skips the count; a short page ends the list then.
		if len(res.Items) < pbPageSize || (res.TotalPages >= 0 && page >= res.TotalPages) {
			return out, nil
		}
	}
}

func (p *PocketBase) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if err := p.ensureCollections(ctx); err != nil {
		return model.Subscription{}, err
	}
	body := pbSubscription{
		URL:         sub.URL,
		Events:      sub.Events,
		Secret:      sub.Secret,
		Active:      sub.Active,
		TimeoutMs:   sub.TimeoutMs,
		Retries:     sub.Retries,
		Description: sub.Description,
	}
	var created pbSubscription
	if err := p.do(ctx, "create subscription", http.MethodPost, p.records(p.cfg.SubscriptionsCollection), body, &created); err != nil {
		return model.Subscription{}, err
	}
	sub.ID = created.ID
	sub.Created = parsePBTime(created.Created)
	return sub, nil
}

func (p *PocketBase) UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) error {
	if err := p.ensureCollections(ctx); err != nil {
		return err
	}
	return p.do(ctx, "update subscription", http.MethodPatch, p.records(p.cfg.SubscriptionsCollection)+"/"+url.PathEscape(id), patch.Fields(), nil)
}

func (p *PocketBase) DeleteSubscription(ctx context.Context, id string) error {
	if err := p.ensureCollections(ctx); err != nil {
		return err
	}
	return p.do(ctx, "delete subscription", http.MethodDelete, p.records(p.cfg.SubscriptionsCollection)+"/"+url.PathEscape(id), nil, nil)
}

func (p *PocketBase) RecordFailure(ctx context.Context, rec model.FailureRecord) error {
	if err := p.ensureCollections(ctx); err != nil {
		return err
	}
	rec.Timestamp = time.Now().UTC()
	return p.do(ctx, "record failure", http.MethodPost, p.records(p.cfg.FailuresCollection), rec, nil)
}

func (p *PocketBase) ListFailures(ctx context.Context, limit int) ([]model.FailureRecord, error) {
	if err := p.ensureCollections(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var res struct {
		Items []pbFailure `json:"items"`
	}
	q := url.Values{"perPage": {strconv.Itoa(limit)}, "sort": {"-created"}}
	if err := p.do(ctx, "list failures", http.MethodGet, p.records(p.cfg.FailuresCollection)+"?"+q.Encode(), nil, &res); err != nil {
		return nil, err
	}
	out := make([]model.FailureRecord, 0, len(res.Items))
	for _, it := range res.Items {
		rec := it.FailureRecord
		rec.Timestamp = parsePBTime(it.Timestamp)
		out = append(out, rec)
	}
	return out, nil
}

func (p *PocketBase) SaveInbound(ctx context.Context, rec model.InboundRecord) error {
	if err := p.ensureCollections(ctx); err != nil {
		return err
	}
	rec.Timestamp = time.Now().UTC()
	rec.Processed = false
	return p.do(ctx, "save inbound", http.MethodPost, p.records(p.cfg.InboundCollection), rec, nil)
}

// Ping checks the PocketBase health endpoint.
func (p *PocketBase) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL+"/api/health", nil)
	if err != nil {
		return err
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		return &APIError{Op: "health", Status: resp.StatusCode}
	}
	return nil
}

func (p *PocketBase) records(collection string) string {
	return "/api/collections/" + url.PathEscape(collection) + "/records"
}

// authToken returns a cached admin token, authenticating when it is missing or stale.
func (p *PocketBase) authToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != "" && time.Now().Before(p.tokenExp) {
		return p.token, nil
	}
	if p.cfg.AdminEmail == "" || p.cfg.AdminPassword == "" {
		return "", fmt.Errorf("%w: missing PocketBase admin credentials", ErrUnavailable)
	}
	creds := map[string]string{"identity": p.cfg.AdminEmail, "password": p.cfg.AdminPassword}
	var res struct {
		Token string `json:"token"`
	}
	err := p.send(ctx, "admin auth", http.MethodPost, "/api/admins/auth-with-password", "", creds, &res)
	if errors.Is(err, ErrNotFound) {
		// Newer PocketBase releases dropped the admins endpoint.
		err = p.send(ctx, "user auth", http.MethodPost, "/api/collections/users/auth-with-password", "", creds, &res)
	}
	if err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", fmt.Errorf("%w: failed to obtain PocketBase token", ErrUnavailable)
	}
	p.token = res.Token
	p.tokenExp = time.Now().Add(pbTokenTTL)
	return p.token, nil
}

// ensureCollections creates the webhook collections when they are missing.
// A failed bootstrap is retried on the next call.
func (p *PocketBase) ensureCollections(ctx context.Context) error {
	p.mu.Lock()
	ready := p.ready
	p.mu.Unlock()
	if ready {
		return nil
	}
	for _, c := range p.collectionSchemas() {
		err := p.do(ctx, "get collection", http.MethodGet, "/api/collections/"+url.PathEscape(c["name"].(string)), nil, nil)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if err := p.do(ctx, "create collection", http.MethodPost, "/api/collections", c, nil); err != nil {
			return err
		}
	}
	p.mu.Lock()
	p.ready = true
	p.mu.Unlock()
	return nil
}

func (p *PocketBase) collectionSchemas() []map[string]any {
	base := func(name string, fields []map[string]any) map[string]any {
		// "schema" is read by PocketBase before 0.23, "fields" from 0.23 on.
		return map[string]any{"name": name, "type": "base", "schema": fields, "fields": fields}
	}
	f := func(name, typ string, required bool) map[string]any {
		return map[string]any{"name": name, "type": typ, "required": required}
	}
	return []map[string]any{
		base(p.cfg.SubscriptionsCollection, []map[string]any{
			f("url", "url", true), f("events", "json", true), f("secret", "text", false),
			f("active", "bool", false), f("timeout_ms", "number", false), f("retries", "number", false),
			f("description", "text", false),
		}),
		base(p.cfg.FailuresCollection, []map[string]any{
			f("subscription_id", "text", false), f("url", "url", true), f("event_type", "text", true),
			f("event_id", "text", false), f("payload", "json", true), f("status", "number", false),
			f("response_body", "text", false), f("attempt", "number", true), f("error_message", "text", false),
			f("timestamp", "date", true),
		}),
		base(p.cfg.InboundCollection, []map[string]any{
			f("identifier", "text", true), f("payload", "json", true), f("signature", "text", false),
			f("signature_valid", "bool", false), f("timestamp", "date", true), f("processed", "bool", false),
		}),
	}
}

// do sends an authenticated request. A 401 drops the cached token and the
// request is retried once with a fresh one.
func (p *PocketBase) do(ctx context.Context, op, method, path string, body, out any) error {
	token, err := p.authToken(ctx)
	if err != nil {
		return err
	}
	err = p.send(ctx, op, method, path, token, body, out)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}
	p.invalidateToken(token)
	if token, err = p.authToken(ctx); err != nil {
		return err
	}
	return p.send(ctx, op, method, path, token, body, out)
}

func (p *PocketBase) invalidateToken(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == token {
		p.token = ""
	}
}

func (p *PocketBase) send(ctx context.Context, op, method, path, token string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.cfg.URL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return &APIError{Op: op, Status: resp.StatusCode, Body: string(msg)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
