// Package commitment implements time-locked audit commitments for high-value
// root transactions. A commitment binds the root, its first hop, and a hash
// of the intended routing chain before any forwarding happens, so the route
// actually taken can be audited against what was declared.
package commitment

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/sigcheck"
	"github.com/meshpay/routeguard/internal/storage"
)

// Params configures the commitment service.
type Params struct {
	// HighValueThresholdUSDC is the minimum amount that requires (and
	// permits) a commitment.
	HighValueThresholdUSDC int64

	// Timelock is how long the commitment stays locked after creation.
	Timelock time.Duration
}

// Service creates and reads commitments.
type Service struct {
	store  storage.CommitmentStore
	sig    *sigcheck.Verifier
	now    func() time.Time
	params Params
	logger *slog.Logger
}

// New creates the commitment service.
func New(store storage.CommitmentStore, sig *sigcheck.Verifier, now func() time.Time, params Params, logger *slog.Logger) *Service {
	return &Service{store: store, sig: sig, now: now, params: params, logger: logger}
}

// CreateInput declares a planned high-value routing chain.
type CreateInput struct {
	RootTxHash        string   `json:"root_tx_hash"`
	FirstHopAgentUUID string   `json:"first_hop_agent_uuid"`
	PlannedHops       []string `json:"planned_hops"`
	AmountUSDC        int64    `json:"amount_usdc"`
	Chain             string   `json:"chain"`
}

// Create records a time-locked commitment for the root. At most one
// commitment may exist per root; a second attempt is a conflict regardless
// of its contents.
func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.OnchainCommitment, error) {
	if in.AmountUSDC < s.params.HighValueThresholdUSDC {
		return nil, domain.ErrValidation("amount_usdc", "amount is below the high-value commitment threshold").
			WithDetail("threshold_usdc", s.params.HighValueThresholdUSDC)
	}
	if in.RootTxHash == "" {
		return nil, domain.ErrValidation("root_tx_hash", "root transaction hash is required")
	}
	if in.FirstHopAgentUUID == "" {
		return nil, domain.ErrValidation("first_hop_agent_uuid", "first hop agent is required")
	}
	if len(in.PlannedHops) == 0 {
		return nil, domain.ErrValidation("planned_hops", "at least one planned hop is required")
	}

	routingHash := s.sig.RoutingHash(in.RootTxHash, in.PlannedHops)

	// The commitment tx hash is derived from everything the commitment
	// binds, so replaying the same declaration reproduces it.
	commitMsg := strings.Join([]string{
		"routeguard.commitment.v1",
		in.RootTxHash,
		in.FirstHopAgentUUID,
		routingHash,
		strconv.FormatInt(in.AmountUSDC, 10),
		in.Chain,
	}, "\n")

	now := s.now().UTC()
	c := &domain.OnchainCommitment{
		CommitmentID:      uuid.New().String(),
		RootTxHash:        in.RootTxHash,
		CommitmentTxHash:  s.sig.ContentHash([]byte(commitMsg)),
		Chain:             in.Chain,
		FirstHopAgentUUID: in.FirstHopAgentUUID,
		RoutingHash:       routingHash,
		AmountUSDC:        in.AmountUSDC,
		TimeLockUntil:     now.Add(s.params.Timelock),
		CreatedAt:         now,
	}

	err := s.store.CreateCommitment(ctx, c)
	if errors.Is(err, storage.ErrDuplicate) {
		return nil, domain.ErrConflict(domain.CodeCommitmentExists, "a commitment already exists for this root").
			WithDetail("root_tx_hash", in.RootTxHash)
	}
	if err != nil {
		return nil, domain.ErrStorage(err)
	}

	s.logger.Info("commitment created",
		slog.String("root_tx_hash", c.RootTxHash),
		slog.Int64("amount_usdc", c.AmountUSDC),
		slog.Time("time_lock_until", c.TimeLockUntil),
	)
	return c, nil
}

// Get returns the commitment for a root.
func (s *Service) Get(ctx context.Context, rootTxHash string) (*domain.OnchainCommitment, error) {
	c, err := s.store.GetCommitment(ctx, rootTxHash)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.ErrNotFound("commitment", rootTxHash)
	}
	if err != nil {
		return nil, domain.ErrStorage(err)
	}
	return c, nil
}

// Locked reports whether the root's commitment is still inside its timelock.
func (s *Service) Locked(ctx context.Context, rootTxHash string) (bool, error) {
	c, err := s.Get(ctx, rootTxHash)
	if err != nil {
		return false, err
	}
	return s.now().Before(c.TimeLockUntil), nil
}
