// Package usage records one append-only row per gateway request that reached
// its handler, and serves per-credential history and totals.
package usage

import (
	"context"
	"time"

	"github.com/sudigital/neptu-api/internal/pagination"
)

// Record is one metered request.
type Record struct {
	ID             string    `json:"id"`
	CredentialID   string    `json:"credentialId"`
	OwnerID        string    `json:"ownerId"`
	Endpoint       string    `json:"endpoint"`
	Method         string    `json:"method"`
	CreditsCharged int64     `json:"creditsCharged"`
	AI             bool      `json:"ai"`
	Status         int       `json:"status"`
	LatencyMs      int64     `json:"latencyMs"`
	IP             string    `json:"ip,omitempty"`
	UserAgent      string    `json:"userAgent,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// Summary aggregates a credential's records since a point in time.
type Summary struct {
	CredentialID    string    `json:"credentialId"`
	Since           time.Time `json:"since"`
	Requests        int64     `json:"requests"`
	Errors          int64     `json:"errors"`
	StandardCredits int64     `json:"standardCredits"`
	AICredits       int64     `json:"aiCredits"`
	AvgLatencyMs    float64   `json:"avgLatencyMs"`
}

// Store persists usage records. Records are never updated.
type Store interface {
	Append(ctx context.Context, rec *Record) error
	// ListByCredential returns up to limit records newest first, strictly
	// after cursor when it is non-nil.
	ListByCredential(ctx context.Context, credentialID string, cursor *pagination.Cursor, limit int) ([]*Record, error)
	Summary(ctx context.Context, credentialID string, since time.Time) (*Summary, error)
}

func (s *Summary) add(rec *Record) {
	s.Requests++
	if rec.Status >= 400 {
		s.Errors++
	}
	if rec.AI {
		s.AICredits += rec.CreditsCharged
	} else {
		s.StandardCredits += rec.CreditsCharged
	}
	// running mean
	s.AvgLatencyMs += (float64(rec.LatencyMs) - s.AvgLatencyMs) / float64(s.Requests)
}
