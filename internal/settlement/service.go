// Package settlement applies the economic consequences of detected fraud:
// provisional settlement with stake slashing when a cycle is found, bounties
// for external reporters, and MEV incident records.
package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/graph"
	"github.com/meshpay/routeguard/internal/sigcheck"
	"github.com/meshpay/routeguard/internal/storage"
)

// Params holds the settlement economics.
type Params struct {
	// SlashPercent of each cycle agent's remaining stake is slashed on
	// provisional settlement.
	SlashPercent int64

	// Bounty schedule for external reporters: base plus per-depth, plus a
	// tenth of the total slashed amount, capped at max. Agents caught by the
	// system's own record-time detection earn nobody a bounty.
	BountyBaseUSDC     int64
	BountyPerDepthUSDC int64
	BountyMaxUSDC      int64
}

// SettlementStore is the store surface the settlement service needs.
type SettlementStore interface {
	storage.SettlementStore
	storage.AgentStore
	storage.IncidentStore
	storage.ReceiptStore
}

// Service triggers settlements and records incidents.
type Service struct {
	store  SettlementStore
	sig    *sigcheck.Verifier
	now    func() time.Time
	params Params
	logger *slog.Logger
}

// New creates the settlement service.
func New(store SettlementStore, sig *sigcheck.Verifier, now func() time.Time, params Params, logger *slog.Logger) *Service {
	return &Service{store: store, sig: sig, now: now, params: params, logger: logger}
}

// TriggerProvisional settles a detected cycle exactly once per root: it
// claims the settlement row, slashes every cycle agent, and credits the
// reporter's bounty when the detection came from an external report. The
// returned bool is false when the root was already settled; repeat calls
// never slash or pay twice.
func (s *Service) TriggerProvisional(ctx context.Context, rootTxHash string, cycleAgents []string, cycleDepth int, reporter *common.Address) (*domain.Settlement, bool, error) {
	st := &domain.Settlement{
		SettlementID: uuid.New().String(),
		RootTxHash:   rootTxHash,
		CycleAgents:  cycleAgents,
		CycleDepth:   cycleDepth,
		CreatedAt:    s.now().UTC(),
	}
	if reporter != nil {
		st.ReporterAddress = reporter.Hex()
	}

	created, err := s.store.CreateSettlement(ctx, st)
	if err != nil {
		return nil, false, domain.ErrStorage(err)
	}
	if !created {
		existing, err := s.store.GetSettlement(ctx, rootTxHash)
		if err != nil {
			return nil, false, domain.ErrStorage(err)
		}
		return existing, false, nil
	}

	var totalSlashed int64
	for _, agent := range cycleAgents {
		stake, err := s.agentStake(ctx, agent)
		if err != nil {
			return nil, false, err
		}
		slashed, err := s.store.SlashStake(ctx, agent, stake*s.params.SlashPercent/100)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return nil, false, domain.ErrStorage(err)
		}
		totalSlashed += slashed
	}

	var bounty int64
	if reporter != nil {
		bounty = s.bountyFor(cycleDepth, totalSlashed)
	}
	if err := s.store.UpdateSettlementAmounts(ctx, rootTxHash, totalSlashed, bounty); err != nil {
		return nil, false, domain.ErrStorage(err)
	}
	st.SlashedUSDC = totalSlashed
	st.BountyUSDC = bounty

	s.logger.Info("provisional settlement",
		slog.String("root_tx_hash", rootTxHash),
		slog.Int("cycle_depth", cycleDepth),
		slog.Int64("slashed_usdc", totalSlashed),
		slog.Int64("bounty_usdc", bounty),
	)
	return st, true, nil
}

func (s *Service) agentStake(ctx context.Context, agentUUID string) (int64, error) {
	a, err := s.store.GetAgent(ctx, agentUUID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, domain.ErrStorage(err)
	}
	return a.StakeBalanceUSDC, nil
}

func (s *Service) bountyFor(cycleDepth int, totalSlashed int64) int64 {
	bounty := s.params.BountyBaseUSDC +
		int64(cycleDepth)*s.params.BountyPerDepthUSDC +
		totalSlashed/10
	if bounty > s.params.BountyMaxUSDC {
		bounty = s.params.BountyMaxUSDC
	}
	return bounty
}

// ReportCycleInput is an external cycle report for a root transaction.
type ReportCycleInput struct {
	RootTxHash      string `json:"root_tx_hash"`
	ReporterAddress string `json:"reporter_address"`
}

// ReportCycle re-runs cycle detection over the root's current receipts and,
// when a cycle really exists, settles it crediting the reporter. The claim
// is never taken on the reporter's word.
func (s *Service) ReportCycle(ctx context.Context, in ReportCycleInput) (*domain.Settlement, error) {
	if !common.IsHexAddress(in.ReporterAddress) {
		return nil, domain.ErrValidation("reporter_address", "reporter address is not a valid hex address")
	}

	receipts, err := s.store.ListReceipts(ctx, in.RootTxHash)
	if err != nil {
		return nil, domain.ErrStorage(err)
	}
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

	report := graph.DetectCycle(edges)
	if !report.Found {
		return nil, domain.ErrValidation("root_tx_hash", "no cycle exists in the root's receipts")
	}

	reporter := common.HexToAddress(in.ReporterAddress)
	st, _, err := s.TriggerProvisional(ctx, in.RootTxHash, report.Agents, report.Depth, &reporter)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// ReportMEVInput is an external extraction attack report.
type ReportMEVInput struct {
	RootTxHash         string `json:"root_tx_hash"`
	AttackType         string `json:"attack_type"`
	AttackerAgentUUID  string `json:"attacker_agent_uuid"`
	VictimAgentUUID    string `json:"victim_agent_uuid"`
	ExtractedValueUSDC int64  `json:"extracted_value_usdc"`
	BlockNumber        uint64 `json:"block_number"`
	TxIndex            uint64 `json:"tx_index"`
	Evidence           any    `json:"evidence"`
}

// ReportMEVIncident validates and records an extraction attack, slashing the
// attacker. Validation is complete before any stake moves: an invalid report
// must leave every balance untouched.
func (s *Service) ReportMEVIncident(ctx context.Context, in ReportMEVInput) (*domain.MEVIncident, error) {
	attackType, err := domain.ParseAttackType(in.AttackType)
	if err != nil {
		return nil, domain.ErrValidation("attack_type", err.Error()).
			WithDetail("valid_types", domain.AttackTypes())
	}
	if in.ExtractedValueUSDC <= 0 {
		return nil, domain.ErrValidation("extracted_value_usdc", "extracted value must be positive")
	}

	attacker, err := s.store.GetAgent(ctx, in.AttackerAgentUUID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound("agent", in.AttackerAgentUUID)
	}
	if err != nil {
		return nil, domain.ErrStorage(err)
	}

	evidenceHash, err := s.sig.EvidenceHash(in.Evidence)
	if err != nil {
		return nil, domain.ErrValidation("evidence", "evidence payload is not canonicalizable JSON")
	}

	slashed, err := s.store.SlashStake(ctx, attacker.AgentUUID,
		attacker.StakeBalanceUSDC*s.params.SlashPercent/100)
	if err != nil {
		return nil, domain.ErrStorage(err)
	}

	inc := &domain.MEVIncident{
		IncidentID:         uuid.New().String(),
		RootTxHash:         in.RootTxHash,
		AttackType:         attackType,
		AttackerAgentUUID:  in.AttackerAgentUUID,
		VictimAgentUUID:    in.VictimAgentUUID,
		ExtractedValueUSDC: in.ExtractedValueUSDC,
		BlockNumber:        in.BlockNumber,
		TxIndex:            in.TxIndex,
		EvidenceHash:       evidenceHash,
		SlashedAmountUSDC:  slashed,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.store.CreateIncident(ctx, inc); err != nil {
		return nil, domain.ErrStorage(err)
	}

	s.logger.Info("mev incident recorded",
		slog.String("root_tx_hash", in.RootTxHash),
		slog.String("attack_type", string(attackType)),
		slog.String("attacker", in.AttackerAgentUUID),
		slog.Int64("slashed_usdc", slashed),
	)
	return inc, nil
}

// Incidents lists the recorded incidents for a root.
func (s *Service) Incidents(ctx context.Context, rootTxHash string) ([]*domain.MEVIncident, error) {
	incidents, err := s.store.ListIncidents(ctx, rootTxHash)
	if err != nil {
		return nil, domain.ErrStorage(err)
	}
	return incidents, nil
}

// Settlement returns the settlement recorded for a root, if any.
func (s *Service) Settlement(ctx context.Context, rootTxHash string) (*domain.Settlement, error) {
	st, err := s.store.GetSettlement(ctx, rootTxHash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound("settlement", rootTxHash)
	}
	if err != nil {
		return nil, domain.ErrStorage(err)
	}
	return st, nil
}
