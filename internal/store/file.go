package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"webhookd/internal/model"
)

// Fallback file names inside the data directory.
const (
	SubscriptionsFile = "webhooks.local.json"
	FailuresFile      = "webhook_failures.local.json"
	InboundFile       = "webhook_inbound.local.json"
)

// File is the local fallback store. Each collection is loaded from its JSON
// file on first access and rewritten in full after every mutation.
type File struct {
	dir  string
	log  *slog.Logger
	now  func() time.Time
	subs *collection[model.Subscription]
	fail *collection[model.FailureRecord]
	in   *collection[model.InboundRecord]
}

// NewFile returns a fallback store rooted at dir. Nothing is read until first use.
func NewFile(dir string, logger *slog.Logger) *File {
	if logger == nil {
		logger = slog.Default()
	}
	return &File{
		dir:  dir,
		log:  logger,
		now:  time.Now,
		subs: &collection[model.Subscription]{path: filepath.Join(dir, SubscriptionsFile), log: logger},
		fail: &collection[model.FailureRecord]{path: filepath.Join(dir, FailuresFile), log: logger},
		in:   &collection[model.InboundRecord]{path: filepath.Join(dir, InboundFile), log: logger},
	}
}

// Dir is the data directory.
func (f *File) Dir() string { return f.dir }

// Reload drops the in-memory collections; the next access reads from disk.
func (f *File) Reload() {
	f.subs.reset()
	f.fail.reset()
	f.in.reset()
}

func (f *File) ListSubscriptions(ctx context.Context) ([]model.Subscription, error) {
	f.subs.mu.Lock()
	defer f.subs.mu.Unlock()
	f.subs.loadLocked()
	return append([]model.Subscription{}, f.subs.items...), nil
}

func (f *File) CreateSubscription(ctx context.Context, sub model.Subscription) (model.Subscription, error) {
	if sub.ID == "" {
		sub.ID = newID()
	}
	if sub.Created.IsZero() {
		sub.Created = f.now().UTC()
	}
	f.subs.mu.Lock()
	defer f.subs.mu.Unlock()
	f.subs.loadLocked()
	items := make([]model.Subscription, 0, len(f.subs.items)+1)
	items = append(items, sub)
	for _, s := range f.subs.items {
		if s.ID != sub.ID {
			items = append(items, s)
		}
	}
	f.subs.items = items
	if err := f.subs.persistLocked(); err != nil {
		return sub, err
	}
	return sub, nil
}

func (f *File) UpdateSubscription(ctx context.Context, id string, patch model.SubscriptionPatch) error {
	f.subs.mu.Lock()
	defer f.subs.mu.Unlock()
	f.subs.loadLocked()
	for i := range f.subs.items {
		if f.subs.items[i].ID == id {
			patch.Apply(&f.subs.items[i])
			return f.subs.persistLocked()
		}
	}
	return nil
}

func (f *File) DeleteSubscription(ctx context.Context, id string) error {
	f.subs.mu.Lock()
	defer f.subs.mu.Unlock()
	f.subs.loadLocked()
	out := make([]model.Subscription, 0, len(f.subs.items))
	for _, s := range f.subs.items {
		if s.ID != id {
			out = append(out, s)
		}
	}
	if len(out) == len(f.subs.items) {
		return nil
	}
	f.subs.items = out
	return f.subs.persistLocked()
}

func (f *File) RecordFailure(ctx context.Context, rec model.FailureRecord) error {
	rec.Timestamp = f.now().UTC()
	f.fail.mu.Lock()
	defer f.fail.mu.Unlock()
	f.fail.loadLocked()
	f.fail.items = append(f.fail.items, rec)
	return f.fail.persistLocked()
}

func (f *File) ListFailures(ctx context.Context, limit int) ([]model.FailureRecord, error) {
	f.fail.mu.Lock()
	defer f.fail.mu.Unlock()
	f.fail.loadLocked()
	n := len(f.fail.items)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.FailureRecord, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, f.fail.items[i])
	}
	return out, nil
}

func (f *File) SaveInbound(ctx context.Context, rec model.InboundRecord) error {
	rec.Timestamp = f.now().UTC()
	rec.Processed = false
	f.in.mu.Lock()
	defer f.in.mu.Unlock()
	f.in.loadLocked()
	f.in.items = append(f.in.items, rec)
	return f.in.persistLocked()
}

// collection is one JSON-array file mirrored in memory. mu serializes the
// load-mutate-persist sequence for this file only.
type collection[T any] struct {
	mu     sync.Mutex
	path   string
	log    *slog.Logger
	items  []T
	loaded bool
}

func (c *collection[T]) reset() {
	c.mu.Lock()
	c.items = nil
	c.loaded = false
	c.mu.Unlock()
}

// loadLocked reads the file once. Missing or malformed files start empty.
func (c *collection[T]) loadLocked() {
	if c.loaded {
		return
	}
	c.loaded = true
	c.items = []T{}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("fallback file unreadable, starting empty", slog.String("path", c.path), slog.String("error", err.Error()))
		}
		return
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		c.log.Warn("fallback file malformed, starting empty", slog.String("path", c.path), slog.String("error", err.Error()))
		return
	}
	if items != nil {
		c.items = items
	}
}

// persistLocked rewrites the whole collection via a temp file and rename.
func (c *collection[T]) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("fallback mkdir: %w", err)
	}
	data, err := json.MarshalIndent(c.items, "", "  ")
	if err != nil {
		return fmt.Errorf("fallback encode: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("fallback write: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("fallback rename: %w", err)
	}
	return nil
}

func newID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("wh_%08x", rand.Uint32())
	}
	return id.String()
}
