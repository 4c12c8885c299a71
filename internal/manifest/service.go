// Package manifest implements endpoint manifest publication and flip
// metrics. Publishing supersedes the agent's current manifest atomically so
// no two manifests are ever active for one agent, and every supersession
// leaves an immutable, suspicion-scored flip record.
package manifest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/registry"
	"github.com/meshpay/routeguard/internal/sigcheck"
	"github.com/meshpay/routeguard/internal/storage"
)

// Params configures the manifest service.
type Params struct {
	// ActivationDelay is the minimum distance between now and a new
	// manifest's valid_from. It absorbs publish front-running: an observer
	// cannot race a manifest into effect before the network can see it.
	ActivationDelay time.Duration

	// RapidFlipWindow feeds the flip suspicion score.
	RapidFlipWindow time.Duration
}

// Service publishes manifests and reports flip metrics.
type Service struct {
	store  storage.ManifestStore
	dir    registry.Directory
	sig    *sigcheck.Verifier
	now    func() time.Time
	params Params
	logger *slog.Logger
}

// New creates the manifest service. now is injected for deterministic tests.
func New(store storage.ManifestStore, dir registry.Directory, sig *sigcheck.Verifier, now func() time.Time, params Params, logger *slog.Logger) *Service {
	return &Service{store: store, dir: dir, sig: sig, now: now, params: params, logger: logger}
}

// PublishInput is the caller-supplied manifest publication request.
type PublishInput struct {
	AgentUUID   string    `json:"agent_uuid"`
	EndpointURI string    `json:"endpoint_uri"`
	Pubkey      string    `json:"pubkey"`
	Nonce       uint64    `json:"nonce"`
	ValidFrom   time.Time `json:"valid_from"`
	ValidUntil  time.Time `json:"valid_until"`
	Signature   string    `json:"signature"`
	Chain       string    `json:"chain"`
}

// PublishResult reports the stored manifest and, when this publish
// superseded an earlier manifest, the emitted flip.
type PublishResult struct {
	ManifestID   string               `json:"manifest_id"`
	ManifestHash string               `json:"manifest_hash"`
	ValidFrom    time.Time            `json:"valid_from"`
	ValidUntil   time.Time            `json:"valid_until"`
	Flip         *domain.ManifestFlip `json:"flip,omitempty"`
}

// Publish validates and stores a new endpoint manifest for an agent.
func (s *Service) Publish(ctx context.Context, in PublishInput) (*PublishResult, error) {
	agent, err := s.dir.Resolve(ctx, in.AgentUUID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound("agent", in.AgentUUID)
	}
	if err != nil {
		return nil, domain.ErrStorage(err)
	}

	msg := s.sig.ManifestMessage(in.AgentUUID, in.EndpointURI, in.Pubkey, in.Nonce,
		in.ValidFrom, in.ValidUntil, in.Chain)
	manifestHash := s.sig.ContentHash(msg)

	if !s.sig.VerifySignature(msg, in.Signature, agent.OwnerAddress) {
		return nil, domain.ErrValidation("signature", "manifest signature does not recover to the agent owner")
	}

	now := s.now()
	if in.ValidFrom.Before(now.Add(s.params.ActivationDelay)) {
		return nil, domain.ErrValidation("valid_from", "manifest must not activate before the publication delay elapses").
			WithDetail("earliest_valid_from", now.Add(s.params.ActivationDelay).UTC())
	}
	if !in.ValidUntil.After(in.ValidFrom) {
		return nil, domain.ErrValidation("valid_until", "manifest validity window is empty")
	}

	m := &domain.EndpointManifest{
		ManifestID:   uuid.New().String(),
		AgentUUID:    in.AgentUUID,
		EndpointURI:  in.EndpointURI,
		Pubkey:       in.Pubkey,
		Nonce:        in.Nonce,
		ValidFrom:    in.ValidFrom.UTC(),
		ValidUntil:   in.ValidUntil.UTC(),
		ManifestHash: manifestHash,
		Signature:    in.Signature,
		Chain:        in.Chain,
		Status:       domain.ManifestActive,
		CreatedAt:    now.UTC(),
	}

	flip, err := s.store.PublishManifest(ctx, m, s.params.RapidFlipWindow)
	if err != nil {
		return nil, domain.ErrStorage(err)
	}

	if flip != nil {
		s.logger.Info("manifest superseded",
			slog.String("agent_uuid", in.AgentUUID),
			slog.String("old_manifest_id", flip.OldManifestID),
			slog.String("new_manifest_id", flip.NewManifestID),
			slog.Int("suspicion_score", flip.SuspicionScore),
		)
	}

	return &PublishResult{
		ManifestID:   m.ManifestID,
		ManifestHash: m.ManifestHash,
		ValidFrom:    m.ValidFrom,
		ValidUntil:   m.ValidUntil,
		Flip:         flip,
	}, nil
}

// FlipMetrics aggregates the agent's flip history over the trailing window.
func (s *Service) FlipMetrics(ctx context.Context, agentUUID string, window time.Duration) (*domain.FlipMetrics, error) {
	if _, err := s.dir.Resolve(ctx, agentUUID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrNotFound("agent", agentUUID)
		}
		return nil, domain.ErrStorage(err)
	}

	since := s.now().Add(-window).UTC()
	flips, err := s.store.ListFlips(ctx, agentUUID, since)
	if err != nil {
		return nil, domain.ErrStorage(err)
	}

	metrics := &domain.FlipMetrics{
		AgentUUID:   agentUUID,
		WindowStart: since,
		FlipCount:   len(flips),
	}
	if len(flips) == 0 {
		return metrics, nil
	}

	var sum int
	for _, f := range flips {
		sum += f.SuspicionScore
		if f.SuspicionScore > metrics.MaxSuspicion {
			metrics.MaxSuspicion = f.SuspicionScore
		}
	}
	last := flips[len(flips)-1].FlippedAt
	metrics.LastFlippedAt = &last
	metrics.MeanSuspicion = float64(sum) / float64(len(flips))
	return metrics, nil
}
