// Package storage defines the transactional store contract the verifier
// services depend on. The sqldb subpackage provides the SQL implementation;
// tests substitute it freely since everything is behind these interfaces.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/meshpay/routeguard/internal/domain"
)

// Sentinel errors. Services translate these into the canonical taxonomy;
// any other error from a store method is a StorageFailure.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicate indicates a uniqueness constraint was hit
	// ((root_tx_hash, hop) receipt, per-root commitment or settlement).
	ErrDuplicate = errors.New("storage: duplicate")

	// ErrInsufficientStake indicates the destination agent's stake does not
	// cover its pending forwards plus the new one.
	ErrInsufficientStake = errors.New("storage: insufficient stake")
)

// AgentStore reads the agent directory mirror and applies stake slashes.
type AgentStore interface {
	GetAgent(ctx context.Context, agentUUID string) (*domain.Agent, error)
	UpsertAgent(ctx context.Context, a *domain.Agent) error

	// SlashStake deducts up to amount from the agent's stake and returns the
	// amount actually deducted (bounded by the remaining balance).
	SlashStake(ctx context.Context, agentUUID string, amount int64) (int64, error)
}

// ManifestStore holds, per agent, at most one active manifest plus its
// superseded history.
type ManifestStore interface {
	// PublishManifest atomically expires the agent's current active manifest
	// (emitting exactly one flip, scored with rapidWindow) and inserts m as
	// active. The returned flip is nil for an agent's first publish.
	PublishManifest(ctx context.Context, m *domain.EndpointManifest, rapidWindow time.Duration) (*domain.ManifestFlip, error)

	GetManifest(ctx context.Context, manifestID string) (*domain.EndpointManifest, error)
	GetActiveManifest(ctx context.Context, agentUUID string) (*domain.EndpointManifest, error)

	// FindManifest looks up the exact manifest a forwarder claims to have
	// verified: same agent, content hash, and nonce.
	FindManifest(ctx context.Context, agentUUID, manifestHash string, nonce uint64) (*domain.EndpointManifest, error)

	ListFlips(ctx context.Context, agentUUID string, since time.Time) ([]*domain.ManifestFlip, error)
}

// ReceiptStore is the append-only forward receipt ledger.
type ReceiptStore interface {
	// AppendReceipt atomically enforces the stake-amplification gate for the
	// destination, inserts the receipt, and returns the root's full receipt
	// snapshot including the new row (read-your-writes for the detectors).
	// Fails with ErrDuplicate on a (root_tx_hash, hop) collision and
	// ErrInsufficientStake when the gate rejects.
	AppendReceipt(ctx context.Context, r *domain.ForwardReceipt, stakePerForward int64) ([]*domain.AnnotatedReceipt, error)

	ListReceipts(ctx context.Context, rootTxHash string) ([]*domain.AnnotatedReceipt, error)
}

// CommitmentStore holds at most one time-locked commitment per root.
type CommitmentStore interface {
	CreateCommitment(ctx context.Context, c *domain.OnchainCommitment) error
	GetCommitment(ctx context.Context, rootTxHash string) (*domain.OnchainCommitment, error)
}

// IncidentStore records MEV incidents; immutable once written.
type IncidentStore interface {
	CreateIncident(ctx context.Context, inc *domain.MEVIncident) error
	ListIncidents(ctx context.Context, rootTxHash string) ([]*domain.MEVIncident, error)
}

// SettlementStore makes provisional settlement idempotent per root.
type SettlementStore interface {
	// CreateSettlement inserts the settlement row, returning created=false
	// without modification when one already exists for the root. Inserting
	// first is what makes concurrent triggers safe: exactly one caller wins
	// the claim and proceeds to slash.
	CreateSettlement(ctx context.Context, s *domain.Settlement) (created bool, err error)

	GetSettlement(ctx context.Context, rootTxHash string) (*domain.Settlement, error)

	// UpdateSettlementAmounts records the slash and bounty computed after the
	// claim insert.
	UpdateSettlementAmounts(ctx context.Context, rootTxHash string, slashedUSDC, bountyUSDC int64) error
}

// Store is the full transactional store.
type Store interface {
	AgentStore
	ManifestStore
	ReceiptStore
	CommitmentStore
	IncidentStore
	SettlementStore
	Close() error
}
