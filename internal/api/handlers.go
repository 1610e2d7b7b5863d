package api

import (
    "context"
    "encoding/json"
    "errors"
    "io"
    "log/slog"
    "net/http"
    "strconv"
    "strings"
    "time"

    "github.com/go-chi/chi/v5"

    "webhookd/internal/buildinfo"
    "webhookd/internal/model"
    "webhookd/internal/store"
    "webhookd/internal/webhooks"
)

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, 200, map[string]any{
        "ok":        true,
        "timestamp": time.Now().UTC().Format(time.RFC3339),
        "version":   buildinfo.Version,
    })
}

// ReadyHandler reports primary store health. The fallback keeps serving when
// the primary is down, so a failed ping is reported as degraded.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    if p, ok := s.store.(store.Pinger); ok {
        ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
        defer cancel()
        if err := p.Ping(ctx); err != nil {
            writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
            return
        }
    }
    writeJSON(w, 200, map[string]string{"status": "ready"})
}

func (s *Server) ListSubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
    subs, err := s.store.ListSubscriptions(r.Context())
    if err != nil { s.internalError(w, "list subscriptions", err); return }
    writeJSON(w, 200, map[string]any{"items": subs})
}

func (s *Server) CreateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
    var in model.SubscriptionInput
    if err := decodeJSON(w, r, &in); err != nil { writeError(w, 400, err.Error()); return }
    if err := in.Validate(); err != nil { writeError(w, 400, err.Error()); return }
    created, err := s.store.CreateSubscription(r.Context(), in.Normalize())
    if err != nil { s.internalError(w, "create subscription", err); return }
    writeJSON(w, http.StatusCreated, created)
}

func (s *Server) UpdateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
    id := chi.URLParam(r, "id")
    var patch model.SubscriptionPatch
    if err := decodeJSON(w, r, &patch); err != nil { writeError(w, 400, err.Error()); return }
    if patch.URL != nil && strings.TrimSpace(*patch.URL) == "" { writeError(w, 400, "invalid input: url must not be empty"); return }
    if err := s.store.UpdateSubscription(r.Context(), id, patch); err != nil {
        if errors.Is(err, store.ErrNotFound) { writeError(w, 404, "subscription not found"); return }
        s.internalError(w, "update subscription", err)
        return
    }
    writeJSON(w, 200, map[string]bool{"ok": true})
}

func (s *Server) DeleteSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
    id := chi.URLParam(r, "id")
    if err := s.store.DeleteSubscription(r.Context(), id); err != nil && !errors.Is(err, store.ErrNotFound) {
        s.internalError(w, "delete subscription", err)
        return
    }
    writeJSON(w, 200, map[string]bool{"ok": true})
}

// FailuresHandler lists recent failure records, newest first (?limit=, default 100).
func (s *Server) FailuresHandler(w http.ResponseWriter, r *http.Request) {
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil || n <= 0 { writeError(w, 400, "limit must be a positive integer"); return }
        limit = n
    }
    recs, err := s.store.ListFailures(r.Context(), limit)
    if err != nil { s.internalError(w, "list failures", err); return }
    writeJSON(w, 200, map[string]any{"items": recs})
}

func (s *Server) ReloadFallbackHandler(w http.ResponseWriter, r *http.Request) {
    if s.fallback == nil { writeError(w, 404, "no fallback store configured"); return }
    s.fallback.Reload()
    s.log.Info("fallback store reloaded")
    writeJSON(w, 200, map[string]bool{"ok": true})
}

type emitRequest struct {
    model.Event
    Targets []string `json:"targets,omitempty"`
}

// EmitHandler fans an event out. Per-target failures are in the 200 body;
// only a missing type is a client error.
func (s *Server) EmitHandler(w http.ResponseWriter, r *http.Request) {
    var req emitRequest
    if err := decodeJSON(w, r, &req); err != nil { writeError(w, 400, err.Error()); return }
    var (
        report model.DeliveryReport
        err    error
    )
    if len(req.Targets) > 0 {
        report, err = s.dispatcher.EmitTo(r.Context(), req.Event, req.Targets)
    } else {
        report, err = s.dispatcher.Emit(r.Context(), req.Event)
    }
    if err != nil {
        if errors.Is(err, model.ErrInvalidInput) { writeError(w, 400, err.Error()); return }
        s.internalError(w, "emit", err)
        return
    }
    writeJSON(w, 200, report)
}

// ReceiveHandler stores an inbound webhook payload for later processing.
// When a secret is configured for the identifier the signature is checked and
// the outcome stored with the payload; a bad signature is still stored.
func (s *Server) ReceiveHandler(w http.ResponseWriter, r *http.Request) {
    identifier := chi.URLParam(r, "identifier")
    body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
    if err != nil || !json.Valid(body) { writeError(w, 400, errInvalidJSON.Error()); return }
    rec := model.InboundRecord{
        Identifier: identifier,
        Payload:    body,
        Signature:  r.Header.Get(webhooks.SignatureHeader),
    }
    if secret, ok := s.secrets[identifier]; ok {
        valid := rec.Signature != "" && webhooks.VerifyHMAC(secret, body, rec.Signature)
        rec.SignatureValid = &valid
        if !valid {
            s.log.Warn("inbound webhook signature mismatch", slog.String("identifier", identifier))
        }
    }
    if err := s.store.SaveInbound(r.Context(), rec); err != nil { s.internalError(w, "save inbound", err); return }
    writeJSON(w, 200, map[string]any{"success": true, "identifier": identifier})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
    s.log.Error("request failed", slog.String("op", op), slog.String("error", err.Error()))
    writeError(w, http.StatusInternalServerError, "internal error")
}
