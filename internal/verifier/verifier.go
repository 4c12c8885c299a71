// Package verifier composes the manifest, ledger, commitment, and settlement
// services into the single surface the transport layer talks to. It owns the
// per-call storage timeout so a stuck database turns into a bounded storage
// failure rather than a hung handler.
package verifier

import (
	"context"
	"log/slog"
	"time"

	"github.com/meshpay/routeguard/internal/commitment"
	"github.com/meshpay/routeguard/internal/config"
	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/graph"
	"github.com/meshpay/routeguard/internal/ledger"
	"github.com/meshpay/routeguard/internal/manifest"
	"github.com/meshpay/routeguard/internal/registry"
	"github.com/meshpay/routeguard/internal/settlement"
	"github.com/meshpay/routeguard/internal/sigcheck"
	"github.com/meshpay/routeguard/internal/storage"
)

// Verifier is the composed service.
type Verifier struct {
	manifests   *manifest.Service
	ledger      *ledger.Service
	commitments *commitment.Service
	settlements *settlement.Service

	storeTimeout time.Duration
	flipWindow   time.Duration
}

// New wires the services against one store with the configured protocol
// constants. now is injected for deterministic tests; pass time.Now in main.
func New(store storage.Store, cfg *config.Config, now func() time.Time, logger *slog.Logger) *Verifier {
	sig := sigcheck.New()
	dir := registry.NewStoreDirectory(store)

	settlements := settlement.New(store, sig, now, settlement.Params{
		SlashPercent:       cfg.Protocol.SlashPercent,
		BountyBaseUSDC:     cfg.Protocol.BountyBaseUSDC,
		BountyPerDepthUSDC: cfg.Protocol.BountyPerDepthUSDC,
		BountyMaxUSDC:      cfg.Protocol.BountyMaxUSDC,
	}, logger)

	return &Verifier{
		manifests: manifest.New(store, dir, sig, now, manifest.Params{
			ActivationDelay: cfg.Protocol.ActivationDelay(),
			RapidFlipWindow: cfg.Protocol.RapidFlipWindow(),
		}, logger),
		ledger: ledger.New(store, dir, sig, settlements, now, ledger.Params{
			MaxHopDepth:         cfg.Protocol.MaxHopDepth,
			StakePerForwardUSDC: cfg.Protocol.StakePerForwardUSDC,
		}, logger),
		commitments: commitment.New(store, sig, now, commitment.Params{
			HighValueThresholdUSDC: cfg.Protocol.HighValueThresholdUSDC,
			Timelock:               cfg.Protocol.CommitmentTimelock(),
		}, logger),
		settlements:  settlements,
		storeTimeout: time.Duration(cfg.Storage.TimeoutSeconds) * time.Second,
		flipWindow:   24 * time.Hour,
	}
}

func (v *Verifier) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if v.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, v.storeTimeout)
}

// PublishManifest publishes a signed endpoint manifest.
func (v *Verifier) PublishManifest(ctx context.Context, in manifest.PublishInput) (*manifest.PublishResult, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.manifests.Publish(ctx, in)
}

// FlipMetrics aggregates an agent's manifest flips over the trailing day.
func (v *Verifier) FlipMetrics(ctx context.Context, agentUUID string) (*domain.FlipMetrics, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.manifests.FlipMetrics(ctx, agentUUID, v.flipWindow)
}

// VerifyForward runs the read-only pre-flight safety check.
func (v *Verifier) VerifyForward(ctx context.Context, in ledger.VerifyInput) (*ledger.Verdict, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.ledger.VerifyForward(ctx, in)
}

// RecordForward appends a forward receipt to the ledger.
func (v *Verifier) RecordForward(ctx context.Context, in ledger.RecordInput) (*ledger.RecordResult, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.ledger.RecordForward(ctx, in)
}

// Receipts returns a root's annotated receipts.
func (v *Verifier) Receipts(ctx context.Context, rootTxHash string) ([]*domain.AnnotatedReceipt, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.ledger.Receipts(ctx, rootTxHash)
}

// DetectCycle re-runs cycle detection over a root's receipts.
func (v *Verifier) DetectCycle(ctx context.Context, rootTxHash string) (*graph.CycleReport, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.ledger.DetectCycle(ctx, rootTxHash)
}

// DetectExtractionLoop re-runs loop detection over a root's receipts.
func (v *Verifier) DetectExtractionLoop(ctx context.Context, rootTxHash string) (*graph.LoopReport, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.ledger.DetectExtractionLoop(ctx, rootTxHash)
}

// CreateCommitment records a time-locked commitment for a high-value root.
func (v *Verifier) CreateCommitment(ctx context.Context, in commitment.CreateInput) (*domain.OnchainCommitment, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.commitments.Create(ctx, in)
}

// GetCommitment returns the commitment for a root.
func (v *Verifier) GetCommitment(ctx context.Context, rootTxHash string) (*domain.OnchainCommitment, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.commitments.Get(ctx, rootTxHash)
}

// ReportCycle settles an externally reported cycle after re-verifying it.
func (v *Verifier) ReportCycle(ctx context.Context, in settlement.ReportCycleInput) (*domain.Settlement, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.settlements.ReportCycle(ctx, in)
}

// ReportMEVIncident records an extraction attack and slashes the attacker.
func (v *Verifier) ReportMEVIncident(ctx context.Context, in settlement.ReportMEVInput) (*domain.MEVIncident, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.settlements.ReportMEVIncident(ctx, in)
}

// Settlement returns the settlement for a root, if one exists.
func (v *Verifier) Settlement(ctx context.Context, rootTxHash string) (*domain.Settlement, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.settlements.Settlement(ctx, rootTxHash)
}

// Incidents lists the MEV incidents recorded for a root.
func (v *Verifier) Incidents(ctx context.Context, rootTxHash string) ([]*domain.MEVIncident, error) {
	ctx, cancel := v.bounded(ctx)
	defer cancel()
	return v.settlements.Incidents(ctx, rootTxHash)
}
