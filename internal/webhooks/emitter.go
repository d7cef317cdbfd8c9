package webhooks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sudigital/neptu-api/internal/logging"
)

const emitTimeout = 30 * time.Second

// Emitter wraps a Dispatcher for callers that raise events. All methods are
// fire-and-forget: errors are logged, never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewEmitter creates an emitter. A nil dispatcher makes every Emit a no-op.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Emitter{d: d, logger: logger}
}

// Wait blocks until in-flight emits finish.
func (e *Emitter) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

func (e *Emitter) emit(clientID string, event EventType, payload map[string]any) {
	if e == nil || e.d == nil || clientID == "" {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("panic in webhook emit", "event", event, "panic", fmt.Sprint(r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if _, err := e.d.Dispatch(ctx, clientID, event, payload); err != nil {
			e.logger.Warn("webhook emit failed", "event", event, "client", clientID, "error", err)
		}
	}()
}

// EmitTokenCreated emits token.created.
func (e *Emitter) EmitTokenCreated(clientID, grantType string, scopes []string) {
	e.emit(clientID, EventTokenCreated, map[string]any{
		"client_id":  clientID,
		"grant_type": grantType,
		"scopes":     scopes,
	})
}

// EmitTokenRevoked emits token.revoked.
func (e *Emitter) EmitTokenRevoked(clientID, tokenTypeHint string) {
	e.emit(clientID, EventTokenRevoked, map[string]any{
		"client_id":       clientID,
		"token_type_hint": tokenTypeHint,
	})
}

// EmitClientUpdated emits client.updated.
func (e *Emitter) EmitClientUpdated(clientID string, fields []string) {
	e.emit(clientID, EventClientUpdated, map[string]any{
		"client_id": clientID,
		"fields":    fields,
	})
}

// EmitClientDeleted emits client.deleted. Deliveries are created before it
// returns, so the caller may then remove the client's subscriptions.
func (e *Emitter) EmitClientDeleted(clientID string) {
	if e == nil || e.d == nil || clientID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
	b, err := e.d.prepare(ctx, clientID, EventClientDeleted, map[string]any{
		"client_id": clientID,
	})
	if err != nil || b == nil {
		cancel()
		if err != nil {
			e.logger.Warn("webhook emit failed", "event", EventClientDeleted, "client", clientID, "error", err)
		}
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("panic in webhook emit", "event", EventClientDeleted, "panic", fmt.Sprint(r))
			}
		}()
		e.d.deliver(ctx, b)
	}()
}

// EmitAuthorizationGranted emits authorization.granted.
func (e *Emitter) EmitAuthorizationGranted(clientID, userID string, scopes []string) {
	e.emit(clientID, EventAuthorizationGranted, map[string]any{
		"client_id": clientID,
		"user_id":   userID,
		"scopes":    scopes,
	})
}

// EmitAuthorizationDenied emits authorization.denied.
func (e *Emitter) EmitAuthorizationDenied(clientID, userID string) {
	e.emit(clientID, EventAuthorizationDenied, map[string]any{
		"client_id": clientID,
		"user_id":   userID,
	})
}
