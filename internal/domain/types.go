package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ManifestStatus is the lifecycle state of an endpoint manifest.
type ManifestStatus string

const (
	ManifestActive  ManifestStatus = "active"
	ManifestExpired ManifestStatus = "expired"
)

// Agent is a registered principal able to receive and forward payments.
// Agents are owned by the external registry; this service reads them and
// records slashes against their stake, nothing more.
type Agent struct {
	AgentUUID        string         `json:"agent_uuid" db:"agent_uuid"`
	OwnerAddress     common.Address `json:"owner_address" db:"owner_address"`
	StakeBalanceUSDC int64          `json:"stake_balance_usdc" db:"stake_balance_usdc"`
}

// EndpointManifest is a signed, time-bounded, nonce-versioned declaration of
// where and how an agent may be reached and paid. At most one manifest per
// agent is active at any instant; publishing a new one supersedes (never
// deletes) the old and emits exactly one ManifestFlip.
type EndpointManifest struct {
	ManifestID   string         `json:"manifest_id" db:"manifest_id"`
	AgentUUID    string         `json:"agent_uuid" db:"agent_uuid"`
	EndpointURI  string         `json:"endpoint_uri" db:"endpoint_uri"`
	Pubkey       string         `json:"pubkey" db:"pubkey"`
	Nonce        uint64         `json:"nonce" db:"nonce"`
	ValidFrom    time.Time      `json:"valid_from" db:"valid_from"`
	ValidUntil   time.Time      `json:"valid_until" db:"valid_until"`
	ManifestHash string         `json:"manifest_hash" db:"manifest_hash"`
	Signature    string         `json:"signature" db:"signature"`
	Chain        string         `json:"chain" db:"chain"`
	Status       ManifestStatus `json:"status" db:"status"`
	CreatedAt    time.Time      `json:"created_at" db:"created_at"`

	// SupersededAt is set when a later publish expires this manifest. It is
	// what lets detectors decide whether the manifest was active at a given
	// instant after the fact.
	SupersededAt *time.Time `json:"superseded_at,omitempty" db:"superseded_at"`
}

// ActiveAt reports whether the manifest was usable at instant t: inside its
// validity window and not yet superseded.
func (m *EndpointManifest) ActiveAt(t time.Time) bool {
	if t.Before(m.ValidFrom) || t.After(m.ValidUntil) {
		return false
	}
	if m.SupersededAt != nil && !t.Before(*m.SupersededAt) {
		return false
	}
	return true
}

// ManifestFlip records one manifest supersession. Derived automatically on
// publish; immutable.
type ManifestFlip struct {
	FlipID         string    `json:"flip_id" db:"flip_id"`
	AgentUUID      string    `json:"agent_uuid" db:"agent_uuid"`
	OldManifestID  string    `json:"old_manifest_id" db:"old_manifest_id"`
	NewManifestID  string    `json:"new_manifest_id" db:"new_manifest_id"`
	FlippedAt      time.Time `json:"flipped_at" db:"flipped_at"`
	SuspicionScore int       `json:"suspicion_score" db:"suspicion_score"`
}

// FlipSuspicion scores a supersession 0-100. Rapid flips (the old manifest
// lived less than rapidWindow) and repeated flipping in the trailing day both
// raise the score. Deterministic so replaying history reproduces it.
func FlipSuspicion(oldCreatedAt, flippedAt time.Time, recentFlips int, rapidWindow time.Duration) int {
	score := 0
	if flippedAt.Sub(oldCreatedAt) < rapidWindow {
		score += 40
	}
	score += 15 * recentFlips
	if score > 100 {
		score = 100
	}
	return score
}

// ForwardReceipt is an immutable signed record of one hop of a
// payment-forwarding chain. Receipts sharing a root transaction hash form
// that root's directed routing graph. Append-only; (root_tx_hash, hop) is
// the natural key.
type ForwardReceipt struct {
	ReceiptID       string    `json:"receipt_id" db:"receipt_id"`
	RootTxHash      string    `json:"root_tx_hash" db:"root_tx_hash"`
	Hop             int       `json:"hop" db:"hop"`
	SourceAgentUUID string    `json:"source_agent_uuid" db:"source_agent_uuid"`
	DestAgentUUID   string    `json:"dest_agent_uuid" db:"dest_agent_uuid"`
	ManifestID      string    `json:"manifest_id" db:"manifest_id"`
	NextHopHash     string    `json:"next_hop_hash,omitempty" db:"next_hop_hash"`
	ReceiptNonce    uint64    `json:"receipt_nonce" db:"receipt_nonce"`
	AmountUSDC      int64     `json:"amount_usdc" db:"amount_usdc"`
	ReceiptHash     string    `json:"receipt_hash" db:"receipt_hash"`
	Signature       string    `json:"signature" db:"signature"`
	Chain           string    `json:"chain" db:"chain"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// AnnotatedReceipt is a receipt joined with whether its referenced manifest
// was active when the receipt was created. The annotation feeds the
// invalid-receipt tamper signal in cycle detection.
type AnnotatedReceipt struct {
	ForwardReceipt
	ManifestActiveAtRecord bool `db:"manifest_active"`
}

// OnchainCommitment is a time-locked, hash-committed audit record for a
// high-value root transaction. One per root; immutable.
type OnchainCommitment struct {
	CommitmentID      string    `json:"commitment_id" db:"commitment_id"`
	RootTxHash        string    `json:"root_tx_hash" db:"root_tx_hash"`
	CommitmentTxHash  string    `json:"commitment_tx_hash" db:"commitment_tx_hash"`
	Chain             string    `json:"chain" db:"chain"`
	FirstHopAgentUUID string    `json:"first_hop_agent_uuid" db:"first_hop_agent_uuid"`
	RoutingHash       string    `json:"routing_hash" db:"routing_hash"`
	AmountUSDC        int64     `json:"amount_usdc" db:"amount_usdc"`
	TimeLockUntil     time.Time `json:"time_lock_until" db:"time_lock_until"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// MEVIncident is an immutable record of a reported extraction attack and the
// slash applied for it.
type MEVIncident struct {
	IncidentID         string     `json:"incident_id" db:"incident_id"`
	RootTxHash         string     `json:"root_tx_hash" db:"root_tx_hash"`
	AttackType         AttackType `json:"attack_type" db:"attack_type"`
	AttackerAgentUUID  string     `json:"attacker_agent_uuid" db:"attacker_agent_uuid"`
	VictimAgentUUID    string     `json:"victim_agent_uuid" db:"victim_agent_uuid"`
	ExtractedValueUSDC int64      `json:"extracted_value_usdc" db:"extracted_value_usdc"`
	BlockNumber        uint64     `json:"block_number" db:"block_number"`
	TxIndex            uint64     `json:"tx_index" db:"tx_index"`
	EvidenceHash       string     `json:"evidence_hash" db:"evidence_hash"`
	SlashedAmountUSDC  int64      `json:"slashed_amount_usdc" db:"slashed_amount_usdc"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
}

// Settlement is the persisted outcome of trigger_provisional_settlement.
// Its uniqueness per root is what makes the trigger idempotent, and open
// roots (no settlement row) define the pending set for the stake gate.
type Settlement struct {
	SettlementID    string    `json:"settlement_id" db:"settlement_id"`
	RootTxHash      string    `json:"root_tx_hash" db:"root_tx_hash"`
	CycleAgents     []string  `json:"cycle_agents" db:"-"`
	CycleDepth      int       `json:"cycle_depth" db:"cycle_depth"`
	ReporterAddress string    `json:"reporter_address,omitempty" db:"reporter_address"`
	BountyUSDC      int64     `json:"bounty_usdc" db:"bounty_usdc"`
	SlashedUSDC     int64     `json:"slashed_usdc" db:"slashed_usdc"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// FlipMetrics aggregates an agent's manifest flip history over a window.
type FlipMetrics struct {
	AgentUUID     string     `json:"agent_uuid"`
	WindowStart   time.Time  `json:"window_start"`
	FlipCount     int        `json:"flip_count"`
	LastFlippedAt *time.Time `json:"last_flipped_at,omitempty"`
	MaxSuspicion  int        `json:"max_suspicion"`
	MeanSuspicion float64    `json:"mean_suspicion"`
}
