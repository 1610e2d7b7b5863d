package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "fmt"
    "strings"
    "time"

    _ "github.com/jackc/pgx/v5/stdlib"
    "github.com/google/uuid"

    "webhookd/internal/model"
)

// Postgres is an alternate primary store for deployments without PocketBase.
type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := db.PingContext(ctx); err != nil {
        _ = db.Close()
        return nil, err
    }
    return &Postgres{db: db}, nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }

const schemaSQL = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
    id          uuid PRIMARY KEY,
    url         text NOT NULL,
    events      jsonb NOT NULL DEFAULT '[]'::jsonb,
    secret      text NOT NULL DEFAULT '',
    active      boolean NOT NULL DEFAULT true,
    timeout_ms  integer NOT NULL DEFAULT 8000,
    retries     integer NOT NULL DEFAULT 3,
    description text NOT NULL DEFAULT '',
    created_at  timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS webhook_failures (
    id              bigserial PRIMARY KEY,
    subscription_id text,
    url             text NOT NULL,
    event_type      text NOT NULL,
    event_id        text,
    payload         jsonb,
    status          integer,
    response_body   text,
    attempt         integer NOT NULL,
    error_message   text,
    timestamp       timestamptz NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS webhook_inbound (
    id              bigserial PRIMARY KEY,
    identifier      text NOT NULL,
    payload         jsonb NOT NULL,
    signature       text,
    signature_valid boolean,
    timestamp       timestamptz NOT NULL DEFAULT now(),
    processed       boolean NOT NULL DEFAULT false
);`

// Migrate creates the webhook tables if they do not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
    _, err := p.db.ExecContext(ctx, schemaSQL)
    return err
}

// listSubscriptionsSQL reads the whole table; dispatch matches against every row.
const listSubscriptionsSQL = `SELECT id::text, url, events, secret, active, timeout_ms, retries, description, created_at
        FROM webhook_subscriptions ORDER BY created_at DESC`

func (p *Postgres) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
    rows, err := p.db.QueryContext(ctx, listSubscriptionsSQL)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Subscription{}
    for rows.Next() {
        var s model.Subscription
        var ev []byte
        if err := rows.Scan(&s.ID, &s.URL, &ev, &s.Secret, &s.Active, &s.TimeoutMs, &s.Retries, &s.Description, &s.Created); err != nil { return nil, err }
        if err := json.Unmarshal(ev, &s.Events); err != nil || s.Events == nil { s.Events = model.EventTypes{} }
        out = append(out, s)
    }
    return out, rows.Err()
}

func (p *Postgres) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
    if sub.ID == "" { sub.ID = uuid.New().String() }
    ev, _ := json.Marshal([]string(sub.Events))
    err := p.db.QueryRowContext(ctx, `INSERT INTO webhook_subscriptions (id, url, events, secret, active, timeout_ms, retries, description)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING created_at`,
        sub.ID, sub.URL, ev, sub.Secret, sub.Active, sub.TimeoutMs, sub.Retries, sub.Description).Scan(&sub.Created)
    if err != nil { return model.Subscription{}, err }
    return sub, nil
}

func (p *Postgres) UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) error {
    sets, args := updateClauses(patch)
    if len(sets) == 0 { return nil }
    args = append(args, id)
    q := fmt.Sprintf(`UPDATE webhook_subscriptions SET %s WHERE id::text=$%d`, strings.Join(sets, ", "), len(args))
    res, err := p.db.ExecContext(ctx, q, args...)
    if err != nil { return err }
    if n, _ := res.RowsAffected(); n == 0 { return ErrNotFound }
    return nil
}

// updateClauses builds the SET list for a patch, in a fixed column order.
func updateClauses(patch model.SubscriptionPatch) ([]string, []any) {
    var sets []string
    var args []any
    add := func(col string, v any) {
        args = append(args, v)
        sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
    }
    if patch.URL != nil { add("url", *patch.URL) }
    if patch.Events != nil {
        ev, _ := json.Marshal([]string(*patch.Events))
        add("events", ev)
    }
    if patch.Secret != nil { add("secret", *patch.Secret) }
    if patch.Active != nil { add("active", *patch.Active) }
    if patch.TimeoutMs != nil { add("timeout_ms", *patch.TimeoutMs) }
    if patch.Retries != nil { add("retries", *patch.Retries) }
    if patch.Description != nil { add("description", *patch.Description) }
    return sets, args
}

func (p *Postgres) DeleteSubscription(ctx context.Context, id string) error {
    _, err := p.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id::text=$1`, id)
    return err
}

func (p *Postgres) RecordFailure(ctx context.Context, rec model.FailureRecord) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_failures (subscription_id, url, event_type, event_id, payload, status, response_body, attempt, error_message)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
        nullIfEmpty(rec.SubscriptionID), rec.URL, rec.EventType, nullIfEmpty(rec.EventID), jsonOrNil(rec.Payload),
        rec.Status, nullIfEmpty(rec.ResponseBody), rec.Attempt, nullIfEmpty(rec.ErrorMessage))
    return err
}

func (p *Postgres) ListFailures(ctx context.Context, limit int) ([]model.FailureRecord, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT COALESCE(subscription_id,''), url, event_type, COALESCE(event_id,''), payload,
        COALESCE(status,0), COALESCE(response_body,''), attempt, COALESCE(error_message,''), timestamp
        FROM webhook_failures ORDER BY id DESC LIMIT $1`, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.FailureRecord{}
    for rows.Next() {
        var r model.FailureRecord
        var payload []byte
        if err := rows.Scan(&r.SubscriptionID, &r.URL, &r.EventType, &r.EventID, &payload, &r.Status, &r.ResponseBody, &r.Attempt, &r.ErrorMessage, &r.Timestamp); err != nil { return nil, err }
        r.Payload = payload
        out = append(out, r)
    }
    return out, rows.Err()
}

func (p *Postgres) SaveInbound(ctx context.Context, rec model.InboundRecord) error {
    var valid any
    if rec.SignatureValid != nil { valid = *rec.SignatureValid }
    _, err := p.db.ExecContext(ctx, `INSERT INTO webhook_inbound (identifier, payload, signature, signature_valid) VALUES ($1,$2,$3,$4)`,
        rec.Identifier, jsonOrNil(rec.Payload), nullIfEmpty(rec.Signature), valid)
    return err
}

// Helpers
func nullIfEmpty(s string) any { if s == "" { return nil }; return s }

func jsonOrNil(b json.RawMessage) any {
    if len(b) == 0 { return nil }
    return []byte(b)
}
