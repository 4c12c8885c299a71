// Package ledger implements the append-only forward receipt ledger:
// record_forward, the only ledger-mutating operation, and verify_forward,
// its read-only pre-flight counterpart.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/graph"
	"github.com/meshpay/routeguard/internal/registry"
	"github.com/meshpay/routeguard/internal/sigcheck"
	"github.com/meshpay/routeguard/internal/storage"
)

// SettlementTrigger fires provisional settlement when a detector finds a
// cycle. Satisfied by the settlement service.
type SettlementTrigger interface {
	TriggerProvisional(ctx context.Context, rootTxHash string, cycleAgents []string, cycleDepth int, reporter *common.Address) (*domain.Settlement, bool, error)
}

// Params configures the ledger service.
type Params struct {
	// MaxHopDepth caps routing chain length. Anything deeper is rejected
	// before it touches the ledger.
	MaxHopDepth int

	// StakePerForwardUSDC is the stake each pending forward pledges against
	// its destination agent.
	StakePerForwardUSDC int64
}

// LedgerStore is the store surface this service needs.
type LedgerStore interface {
	storage.ReceiptStore
	storage.ManifestStore
}

// Service records and pre-checks payment forwards.
type Service struct {
	store       LedgerStore
	dir         registry.Directory
	sig         *sigcheck.Verifier
	settlements SettlementTrigger
	now         func() time.Time
	params      Params
	logger      *slog.Logger
}

// New creates the ledger service.
func New(store LedgerStore, dir registry.Directory, sig *sigcheck.Verifier, settlements SettlementTrigger, now func() time.Time, params Params, logger *slog.Logger) *Service {
	return &Service{
		store:       store,
		dir:         dir,
		sig:         sig,
		settlements: settlements,
		now:         now,
		params:      params,
		logger:      logger,
	}
}

// RecordInput is one hop of a forwarding chain as submitted by the
// forwarding agent.
type RecordInput struct {
	RootTxHash      string `json:"root_tx_hash"`
	Hop             int    `json:"hop"`
	SourceAgentUUID string `json:"source_agent_uuid"`
	DestAgentUUID   string `json:"dest_agent_uuid"`
	ManifestID      string `json:"manifest_id"`
	NextHopHash     string `json:"next_hop_hash,omitempty"`
	ReceiptNonce    uint64 `json:"receipt_nonce"`
	AmountUSDC      int64  `json:"amount_usdc"`
	Signature       string `json:"signature"`
	Chain           string `json:"chain"`
}

// RecordResult reports the written receipt.
type RecordResult struct {
	ReceiptID   string    `json:"receipt_id"`
	ReceiptHash string    `json:"receipt_hash"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordForward validates, signs off, and permanently writes one forward
// receipt, then re-runs cycle detection over the root's updated graph.
// A detected cycle comes back as a Conflict — the receipt stays written, it
// is the evidence — and provisional settlement fires as a side effect.
func (s *Service) RecordForward(ctx context.Context, in RecordInput) (*RecordResult, error) {
	dest, err := s.dir.Resolve(ctx, in.DestAgentUUID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound("agent", in.DestAgentUUID)
	}
	if err != nil {
		return nil, domain.ErrStorage(err)
	}

	if _, err := s.store.GetManifest(ctx, in.ManifestID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, domain.ErrNotFound("manifest", in.ManifestID)
		}
		return nil, domain.ErrStorage(err)
	}

	msg := s.sig.ReceiptMessage(in.RootTxHash, in.Hop, in.SourceAgentUUID, in.DestAgentUUID,
		in.ManifestID, in.NextHopHash, in.ReceiptNonce, in.AmountUSDC, in.Chain)
	receiptHash := s.sig.ContentHash(msg)

	if !s.sig.VerifySignature(msg, in.Signature, dest.OwnerAddress) {
		return nil, domain.ErrValidation("signature", "receipt signature does not recover to the destination owner")
	}

	if in.Hop < 0 || in.Hop > s.params.MaxHopDepth {
		return nil, domain.ErrValidation("hop", "hop exceeds the maximum routing depth").
			WithDetail("max_hop_depth", s.params.MaxHopDepth)
	}
	if in.AmountUSDC < 0 {
		return nil, domain.ErrValidation("amount_usdc", "forwarded amount must not be negative")
	}

	receipt := &domain.ForwardReceipt{
		ReceiptID:       uuid.New().String(),
		RootTxHash:      in.RootTxHash,
		Hop:             in.Hop,
		SourceAgentUUID: in.SourceAgentUUID,
		DestAgentUUID:   in.DestAgentUUID,
		ManifestID:      in.ManifestID,
		NextHopHash:     in.NextHopHash,
		ReceiptNonce:    in.ReceiptNonce,
		AmountUSDC:      in.AmountUSDC,
		ReceiptHash:     receiptHash,
		Signature:       in.Signature,
		Chain:           in.Chain,
		CreatedAt:       s.now().UTC(),
	}

	snapshot, err := s.store.AppendReceipt(ctx, receipt, s.params.StakePerForwardUSDC)
	switch {
	case errors.Is(err, storage.ErrDuplicate):
		return nil, domain.ErrConflict(domain.CodeReceiptExists, "a receipt already exists for this root and hop").
			WithDetail("root_tx_hash", in.RootTxHash).
			WithDetail("hop", in.Hop)
	case errors.Is(err, storage.ErrInsufficientStake):
		return nil, domain.ErrValidation("stake", "destination stake does not cover its pending forwards").
			WithDetail("stake_per_forward_usdc", s.params.StakePerForwardUSDC)
	case errors.Is(err, storage.ErrNotFound):
		return nil, domain.ErrNotFound("agent", in.DestAgentUUID)
	case err != nil:
		return nil, domain.ErrStorage(err)
	}

	report := graph.DetectCycle(edgesOf(snapshot))
	if report.Found {
		s.logger.Info("cycle detected on record",
			slog.String("root_tx_hash", in.RootTxHash),
			slog.Int("cycle_depth", report.Depth),
		)
		if _, _, err := s.settlements.TriggerProvisional(ctx, in.RootTxHash, report.Agents, report.Depth, nil); err != nil {
			return nil, domain.ErrStorage(err)
		}
		return nil, domain.ErrConflict(domain.CodeCycleDetected, "forward closes a routing cycle; receipt recorded as evidence").
			WithDetail("cycle_agents", report.Agents).
			WithDetail("cycle_depth", report.Depth).
			WithDetail("invalid_receipts", report.InvalidReceipts).
			WithDetail("receipt_id", receipt.ReceiptID).
			WithDetail("receipt_hash", receipt.ReceiptHash)
	}

	return &RecordResult{
		ReceiptID:   receipt.ReceiptID,
		ReceiptHash: receipt.ReceiptHash,
		CreatedAt:   receipt.CreatedAt,
	}, nil
}

// VerdictStatus is the closed set of verify_forward outcomes, in strict
// precedence order.
type VerdictStatus string

const (
	VerdictManifestNotFound VerdictStatus = "manifest_not_found"
	VerdictAgentNotFound    VerdictStatus = "agent_not_found"
	VerdictInvalidSignature VerdictStatus = "invalid_signature"
	VerdictManifestExpired  VerdictStatus = "manifest_expired"
	VerdictCycleDetected    VerdictStatus = "cycle_detected"
	VerdictLoopDetected     VerdictStatus = "extraction_loop_detected"
	VerdictSafe             VerdictStatus = "safe"
)

// Verdict is the verify_forward result.
type Verdict struct {
	Status VerdictStatus      `json:"status"`
	Cycle  *graph.CycleReport `json:"cycle,omitempty"`
	Loop   *graph.LoopReport  `json:"loop,omitempty"`
}

// VerifyInput is a read-only pre-flight safety check request.
type VerifyInput struct {
	RootTxHash        string `json:"root_tx_hash"`
	SourceAgentUUID   string `json:"source_agent_uuid"`
	DestAgentUUID     string `json:"dest_agent_uuid"`
	ManifestHash      string `json:"manifest_hash"`
	ManifestNonce     uint64 `json:"manifest_nonce"`
	ManifestSignature string `json:"manifest_signature"`
}

// VerifyForward checks whether committing a forward to dest would be safe.
// It writes nothing; the only errors it returns are storage failures, every
// protocol outcome is a Verdict.
func (s *Service) VerifyForward(ctx context.Context, in VerifyInput) (*Verdict, error) {
	m, err := s.store.FindManifest(ctx, in.DestAgentUUID, in.ManifestHash, in.ManifestNonce)
	if errors.Is(err, storage.ErrNotFound) {
		return &Verdict{Status: VerdictManifestNotFound}, nil
	}
	if err != nil {
		return nil, domain.ErrStorage(err)
	}

	dest, err := s.dir.Resolve(ctx, in.DestAgentUUID)
	if errors.Is(err, storage.ErrNotFound) {
		return &Verdict{Status: VerdictAgentNotFound}, nil
	}
	if err != nil {
		return nil, domain.ErrStorage(err)
	}
	if _, err := s.dir.Resolve(ctx, in.SourceAgentUUID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return &Verdict{Status: VerdictAgentNotFound}, nil
		}
		return nil, domain.ErrStorage(err)
	}

	msg := s.sig.ManifestMessage(m.AgentUUID, m.EndpointURI, m.Pubkey, m.Nonce,
		m.ValidFrom, m.ValidUntil, m.Chain)
	if !s.sig.VerifySignature(msg, in.ManifestSignature, dest.OwnerAddress) {
		return &Verdict{Status: VerdictInvalidSignature}, nil
	}

	if !m.ActiveAt(s.now()) || m.Status != domain.ManifestActive {
		return &Verdict{Status: VerdictManifestExpired}, nil
	}

	receipts, err := s.store.ListReceipts(ctx, in.RootTxHash)
	if err != nil {
		return nil, domain.ErrStorage(err)
	}
	edges := edgesOf(receipts)

	if cycle := graph.DetectCycle(edges); cycle.Found {
		return &Verdict{Status: VerdictCycleDetected, Cycle: &cycle}, nil
	}
	if loop := graph.DetectExtractionLoop(edges); loop.Found {
		return &Verdict{Status: VerdictLoopDetected, Loop: &loop}, nil
	}
	return &Verdict{Status: VerdictSafe}, nil
}

// Receipts exposes a root's annotated receipt set for the audit endpoints.
func (s *Service) Receipts(ctx context.Context, rootTxHash string) ([]*domain.AnnotatedReceipt, error) {
	receipts, err := s.store.ListReceipts(ctx, rootTxHash)
	if err != nil {
		return nil, domain.ErrStorage(err)
	}
	return receipts, nil
}

// DetectCycle re-runs simple-cycle detection over a root's current receipts.
func (s *Service) DetectCycle(ctx context.Context, rootTxHash string) (*graph.CycleReport, error) {
	receipts, err := s.Receipts(ctx, rootTxHash)
	if err != nil {
		return nil, err
	}
	report := graph.DetectCycle(edgesOf(receipts))
	return &report, nil
}

// DetectExtractionLoop re-runs loop detection over a root's receipts.
func (s *Service) DetectExtractionLoop(ctx context.Context, rootTxHash string) (*graph.LoopReport, error) {
	receipts, err := s.Receipts(ctx, rootTxHash)
	if err != nil {
		return nil, err
	}
	report := graph.DetectExtractionLoop(edgesOf(receipts))
	return &report, nil
}

func edgesOf(receipts []*domain.AnnotatedReceipt) []graph.Edge {
	edges := make([]graph.Edge, 0, len(receipts))
	for _, r := range receipts {
		edges = append(edges, graph.Edge{
			Hop:                    r.Hop,
			Source:                 r.SourceAgentUUID,
			Dest:                   r.DestAgentUUID,
			AmountUSDC:             r.AmountUSDC,
			ManifestActiveAtRecord: r.ManifestActiveAtRecord,
		})
	}
	return edges
}
