// Package sqldb is the SQLite implementation of the verifier store.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/storage"
)

// Store is a SQL implementation of the full verifier store. All timestamps
// are persisted as unix seconds so range comparisons in SQL are exact.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New opens (or creates) the database at dsn and initializes the schema.
func New(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL; PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set pragmas: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agents (
			agent_uuid TEXT PRIMARY KEY,
			owner_address TEXT NOT NULL,
			stake_balance_usdc INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS manifests (
			manifest_id TEXT PRIMARY KEY,
			agent_uuid TEXT NOT NULL,
			endpoint_uri TEXT NOT NULL,
			pubkey TEXT NOT NULL,
			nonce INTEGER NOT NULL,
			valid_from INTEGER NOT NULL,
			valid_until INTEGER NOT NULL,
			manifest_hash TEXT NOT NULL,
			signature TEXT NOT NULL,
			chain TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			superseded_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS manifest_flips (
			flip_id TEXT PRIMARY KEY,
			agent_uuid TEXT NOT NULL,
			old_manifest_id TEXT NOT NULL,
			new_manifest_id TEXT NOT NULL,
			flipped_at INTEGER NOT NULL,
			suspicion_score INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS forward_receipts (
			receipt_id TEXT PRIMARY KEY,
			root_tx_hash TEXT NOT NULL,
			hop INTEGER NOT NULL,
			source_agent_uuid TEXT NOT NULL,
			dest_agent_uuid TEXT NOT NULL,
			manifest_id TEXT NOT NULL,
			next_hop_hash TEXT,
			receipt_nonce INTEGER NOT NULL,
			amount_usdc INTEGER NOT NULL,
			receipt_hash TEXT NOT NULL,
			signature TEXT NOT NULL,
			chain TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (root_tx_hash, hop)
		)`,
		`CREATE TABLE IF NOT EXISTS commitments (
			commitment_id TEXT PRIMARY KEY,
			root_tx_hash TEXT NOT NULL UNIQUE,
			commitment_tx_hash TEXT NOT NULL,
			chain TEXT NOT NULL,
			first_hop_agent_uuid TEXT NOT NULL,
			routing_hash TEXT NOT NULL,
			amount_usdc INTEGER NOT NULL,
			time_lock_until INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS mev_incidents (
			incident_id TEXT PRIMARY KEY,
			root_tx_hash TEXT NOT NULL,
			attack_type TEXT NOT NULL,
			attacker_agent_uuid TEXT NOT NULL,
			victim_agent_uuid TEXT NOT NULL,
			extracted_value_usdc INTEGER NOT NULL,
			block_number INTEGER NOT NULL,
			tx_index INTEGER NOT NULL,
			evidence_hash TEXT NOT NULL,
			slashed_amount_usdc INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS settlements (
			settlement_id TEXT PRIMARY KEY,
			root_tx_hash TEXT NOT NULL UNIQUE,
			cycle_agents TEXT NOT NULL,
			cycle_depth INTEGER NOT NULL,
			reporter_address TEXT,
			bounty_usdc INTEGER NOT NULL,
			slashed_usdc INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_manifests_agent_status ON manifests(agent_uuid, status)`,
		`CREATE INDEX IF NOT EXISTS idx_manifests_lookup ON manifests(agent_uuid, manifest_hash, nonce)`,
		`CREATE INDEX IF NOT EXISTS idx_flips_agent ON manifest_flips(agent_uuid, flipped_at)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_root ON forward_receipts(root_tx_hash, hop)`,
		`CREATE INDEX IF NOT EXISTS idx_receipts_dest ON forward_receipts(dest_agent_uuid)`,
		`CREATE INDEX IF NOT EXISTS idx_incidents_root ON mev_incidents(root_tx_hash)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- agents ---

func (s *Store) GetAgent(ctx context.Context, agentUUID string) (*domain.Agent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT agent_uuid, owner_address, stake_balance_usdc FROM agents WHERE agent_uuid = ?`,
		agentUUID)
	return scanAgent(row)
}

func (s *Store) UpsertAgent(ctx context.Context, a *domain.Agent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_uuid, owner_address, stake_balance_usdc)
		 VALUES (?, ?, ?)
		 ON CONFLICT(agent_uuid) DO UPDATE SET
		   owner_address = excluded.owner_address,
		   stake_balance_usdc = excluded.stake_balance_usdc`,
		a.AgentUUID, a.OwnerAddress.Hex(), a.StakeBalanceUSDC)
	if err != nil {
		return fmt.Errorf("failed to upsert agent: %w", err)
	}
	return nil
}

func (s *Store) SlashStake(ctx context.Context, agentUUID string, amount int64) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int64
	err = tx.QueryRowContext(ctx,
		`SELECT stake_balance_usdc FROM agents WHERE agent_uuid = ?`, agentUUID).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read stake: %w", err)
	}

	slashed := amount
	if slashed > balance {
		slashed = balance
	}
	if slashed < 0 {
		slashed = 0
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET stake_balance_usdc = stake_balance_usdc - ? WHERE agent_uuid = ?`,
		slashed, agentUUID); err != nil {
		return 0, fmt.Errorf("failed to apply slash: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit slash: %w", err)
	}
	return slashed, nil
}

// --- manifests ---

func (s *Store) PublishManifest(ctx context.Context, m *domain.EndpointManifest, rapidWindow time.Duration) (*domain.ManifestFlip, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	old, err := scanManifest(tx.QueryRowContext(ctx,
		manifestColumns+` FROM manifests WHERE agent_uuid = ? AND status = ?`,
		m.AgentUUID, domain.ManifestActive))
	if err != nil && err != storage.ErrNotFound {
		return nil, err
	}

	var flip *domain.ManifestFlip
	if old != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE manifests SET status = ?, superseded_at = ? WHERE manifest_id = ?`,
			domain.ManifestExpired, m.CreatedAt.Unix(), old.ManifestID); err != nil {
			return nil, fmt.Errorf("failed to expire old manifest: %w", err)
		}

		var recent int
		dayAgo := m.CreatedAt.Add(-24 * time.Hour).Unix()
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM manifest_flips WHERE agent_uuid = ? AND flipped_at > ?`,
			m.AgentUUID, dayAgo).Scan(&recent); err != nil {
			return nil, fmt.Errorf("failed to count recent flips: %w", err)
		}

		flip = &domain.ManifestFlip{
			FlipID:         uuid.New().String(),
			AgentUUID:      m.AgentUUID,
			OldManifestID:  old.ManifestID,
			NewManifestID:  m.ManifestID,
			FlippedAt:      m.CreatedAt,
			SuspicionScore: domain.FlipSuspicion(old.CreatedAt, m.CreatedAt, recent, rapidWindow),
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO manifest_flips (flip_id, agent_uuid, old_manifest_id, new_manifest_id, flipped_at, suspicion_score)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			flip.FlipID, flip.AgentUUID, flip.OldManifestID, flip.NewManifestID,
			flip.FlippedAt.Unix(), flip.SuspicionScore); err != nil {
			return nil, fmt.Errorf("failed to insert flip: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO manifests (manifest_id, agent_uuid, endpoint_uri, pubkey, nonce, valid_from, valid_until, manifest_hash, signature, chain, status, created_at, superseded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		m.ManifestID, m.AgentUUID, m.EndpointURI, m.Pubkey, m.Nonce,
		m.ValidFrom.Unix(), m.ValidUntil.Unix(), m.ManifestHash, m.Signature,
		m.Chain, m.Status, m.CreatedAt.Unix()); err != nil {
		return nil, fmt.Errorf("failed to insert manifest: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit publish: %w", err)
	}
	return flip, nil
}

const manifestColumns = `SELECT manifest_id, agent_uuid, endpoint_uri, pubkey, nonce, valid_from, valid_until, manifest_hash, signature, chain, status, created_at, superseded_at`

func (s *Store) GetManifest(ctx context.Context, manifestID string) (*domain.EndpointManifest, error) {
	return scanManifest(s.db.QueryRowContext(ctx,
		manifestColumns+` FROM manifests WHERE manifest_id = ?`, manifestID))
}

func (s *Store) GetActiveManifest(ctx context.Context, agentUUID string) (*domain.EndpointManifest, error) {
	return scanManifest(s.db.QueryRowContext(ctx,
		manifestColumns+` FROM manifests WHERE agent_uuid = ? AND status = ?`,
		agentUUID, domain.ManifestActive))
}

func (s *Store) FindManifest(ctx context.Context, agentUUID, manifestHash string, nonce uint64) (*domain.EndpointManifest, error) {
	return scanManifest(s.db.QueryRowContext(ctx,
		manifestColumns+` FROM manifests WHERE agent_uuid = ? AND manifest_hash = ? AND nonce = ?
		 ORDER BY created_at DESC LIMIT 1`,
		agentUUID, manifestHash, nonce))
}

func (s *Store) ListFlips(ctx context.Context, agentUUID string, since time.Time) ([]*domain.ManifestFlip, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT flip_id, agent_uuid, old_manifest_id, new_manifest_id, flipped_at, suspicion_score
		 FROM manifest_flips WHERE agent_uuid = ? AND flipped_at >= ?
		 ORDER BY flipped_at ASC`,
		agentUUID, since.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query flips: %w", err)
	}
	defer rows.Close()

	var flips []*domain.ManifestFlip
	for rows.Next() {
		var f domain.ManifestFlip
		var flippedAt int64
		if err := rows.Scan(&f.FlipID, &f.AgentUUID, &f.OldManifestID, &f.NewManifestID,
			&flippedAt, &f.SuspicionScore); err != nil {
			return nil, fmt.Errorf("failed to scan flip: %w", err)
		}
		f.FlippedAt = time.Unix(flippedAt, 0).UTC()
		flips = append(flips, &f)
	}
	return flips, rows.Err()
}

// --- receipts ---

func (s *Store) AppendReceipt(ctx context.Context, r *domain.ForwardReceipt, stakePerForward int64) ([]*domain.AnnotatedReceipt, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM forward_receipts WHERE root_tx_hash = ? AND hop = ?`,
		r.RootTxHash, r.Hop).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check receipt key: %w", err)
	}
	if exists > 0 {
		return nil, storage.ErrDuplicate
	}

	var stake int64
	err = tx.QueryRowContext(ctx,
		`SELECT stake_balance_usdc FROM agents WHERE agent_uuid = ?`,
		r.DestAgentUUID).Scan(&stake)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dest stake: %w", err)
	}

	// Pending forwards are receipts whose root has no settlement yet. Each
	// pledges stakePerForward against the destination; counting them in the
	// same transaction as the insert prevents amplification across
	// concurrently recorded forwards.
	if stakePerForward > 0 {
		var pending int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM forward_receipts fr
			 WHERE fr.dest_agent_uuid = ?
			   AND NOT EXISTS (SELECT 1 FROM settlements st WHERE st.root_tx_hash = fr.root_tx_hash)`,
			r.DestAgentUUID).Scan(&pending); err != nil {
			return nil, fmt.Errorf("failed to count pending forwards: %w", err)
		}
		if (pending+1)*stakePerForward > stake {
			return nil, storage.ErrInsufficientStake
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO forward_receipts (receipt_id, root_tx_hash, hop, source_agent_uuid, dest_agent_uuid, manifest_id, next_hop_hash, receipt_nonce, amount_usdc, receipt_hash, signature, chain, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ReceiptID, r.RootTxHash, r.Hop, r.SourceAgentUUID, r.DestAgentUUID,
		r.ManifestID, r.NextHopHash, r.ReceiptNonce, r.AmountUSDC, r.ReceiptHash,
		r.Signature, r.Chain, r.CreatedAt.Unix()); err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrDuplicate
		}
		return nil, fmt.Errorf("failed to insert receipt: %w", err)
	}

	snapshot, err := listReceiptsTx(ctx, tx, r.RootTxHash)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit receipt: %w", err)
	}
	return snapshot, nil
}

func (s *Store) ListReceipts(ctx context.Context, rootTxHash string) ([]*domain.AnnotatedReceipt, error) {
	return listReceiptsTx(ctx, s.db, rootTxHash)
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listReceiptsTx(ctx context.Context, q queryer, rootTxHash string) ([]*domain.AnnotatedReceipt, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT r.receipt_id, r.root_tx_hash, r.hop, r.source_agent_uuid, r.dest_agent_uuid,
		        r.manifest_id, COALESCE(r.next_hop_hash, ''), r.receipt_nonce, r.amount_usdc,
		        r.receipt_hash, r.signature, r.chain, r.created_at,
		        CASE WHEN m.manifest_id IS NOT NULL
		              AND m.valid_from <= r.created_at
		              AND r.created_at <= m.valid_until
		              AND (m.superseded_at IS NULL OR r.created_at < m.superseded_at)
		             THEN 1 ELSE 0 END AS manifest_active
		 FROM forward_receipts r
		 LEFT JOIN manifests m ON m.manifest_id = r.manifest_id
		 WHERE r.root_tx_hash = ?
		 ORDER BY r.hop ASC`,
		rootTxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var receipts []*domain.AnnotatedReceipt
	for rows.Next() {
		var ar domain.AnnotatedReceipt
		var createdAt int64
		var active int
		if err := rows.Scan(&ar.ReceiptID, &ar.RootTxHash, &ar.Hop, &ar.SourceAgentUUID,
			&ar.DestAgentUUID, &ar.ManifestID, &ar.NextHopHash, &ar.ReceiptNonce,
			&ar.AmountUSDC, &ar.ReceiptHash, &ar.Signature, &ar.Chain,
			&createdAt, &active); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		ar.CreatedAt = time.Unix(createdAt, 0).UTC()
		ar.ManifestActiveAtRecord = active == 1
		receipts = append(receipts, &ar)
	}
	return receipts, rows.Err()
}

// --- commitments ---

func (s *Store) CreateCommitment(ctx context.Context, c *domain.OnchainCommitment) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commitments (commitment_id, root_tx_hash, commitment_tx_hash, chain, first_hop_agent_uuid, routing_hash, amount_usdc, time_lock_until, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CommitmentID, c.RootTxHash, c.CommitmentTxHash, c.Chain, c.FirstHopAgentUUID,
		c.RoutingHash, c.AmountUSDC, c.TimeLockUntil.Unix(), c.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicate
		}
		return fmt.Errorf("failed to insert commitment: %w", err)
	}
	return nil
}

func (s *Store) GetCommitment(ctx context.Context, rootTxHash string) (*domain.OnchainCommitment, error) {
	var c domain.OnchainCommitment
	var timeLock, createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT commitment_id, root_tx_hash, commitment_tx_hash, chain, first_hop_agent_uuid, routing_hash, amount_usdc, time_lock_until, created_at
		 FROM commitments WHERE root_tx_hash = ?`, rootTxHash).Scan(
		&c.CommitmentID, &c.RootTxHash, &c.CommitmentTxHash, &c.Chain,
		&c.FirstHopAgentUUID, &c.RoutingHash, &c.AmountUSDC, &timeLock, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get commitment: %w", err)
	}
	c.TimeLockUntil = time.Unix(timeLock, 0).UTC()
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &c, nil
}

// --- incidents ---

func (s *Store) CreateIncident(ctx context.Context, inc *domain.MEVIncident) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mev_incidents (incident_id, root_tx_hash, attack_type, attacker_agent_uuid, victim_agent_uuid, extracted_value_usdc, block_number, tx_index, evidence_hash, slashed_amount_usdc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inc.IncidentID, inc.RootTxHash, inc.AttackType, inc.AttackerAgentUUID,
		inc.VictimAgentUUID, inc.ExtractedValueUSDC, inc.BlockNumber, inc.TxIndex,
		inc.EvidenceHash, inc.SlashedAmountUSDC, inc.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to insert incident: %w", err)
	}
	return nil
}

func (s *Store) ListIncidents(ctx context.Context, rootTxHash string) ([]*domain.MEVIncident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT incident_id, root_tx_hash, attack_type, attacker_agent_uuid, victim_agent_uuid, extracted_value_usdc, block_number, tx_index, evidence_hash, slashed_amount_usdc, created_at
		 FROM mev_incidents WHERE root_tx_hash = ? ORDER BY created_at ASC`, rootTxHash)
	if err != nil {
		return nil, fmt.Errorf("failed to query incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*domain.MEVIncident
	for rows.Next() {
		var inc domain.MEVIncident
		var createdAt int64
		if err := rows.Scan(&inc.IncidentID, &inc.RootTxHash, &inc.AttackType,
			&inc.AttackerAgentUUID, &inc.VictimAgentUUID, &inc.ExtractedValueUSDC,
			&inc.BlockNumber, &inc.TxIndex, &inc.EvidenceHash, &inc.SlashedAmountUSDC,
			&createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan incident: %w", err)
		}
		inc.CreatedAt = time.Unix(createdAt, 0).UTC()
		incidents = append(incidents, &inc)
	}
	return incidents, rows.Err()
}

// --- settlements ---

func (s *Store) CreateSettlement(ctx context.Context, st *domain.Settlement) (bool, error) {
	agents, err := json.Marshal(st.CycleAgents)
	if err != nil {
		return false, fmt.Errorf("failed to marshal cycle agents: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO settlements (settlement_id, root_tx_hash, cycle_agents, cycle_depth, reporter_address, bounty_usdc, slashed_usdc, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.SettlementID, st.RootTxHash, string(agents), st.CycleDepth,
		st.ReporterAddress, st.BountyUSDC, st.SlashedUSDC, st.CreatedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert settlement: %w", err)
	}
	return true, nil
}

func (s *Store) GetSettlement(ctx context.Context, rootTxHash string) (*domain.Settlement, error) {
	var st domain.Settlement
	var agentsJSON string
	var reporter sql.NullString
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT settlement_id, root_tx_hash, cycle_agents, cycle_depth, reporter_address, bounty_usdc, slashed_usdc, created_at
		 FROM settlements WHERE root_tx_hash = ?`, rootTxHash).Scan(
		&st.SettlementID, &st.RootTxHash, &agentsJSON, &st.CycleDepth,
		&reporter, &st.BountyUSDC, &st.SlashedUSDC, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	if err := json.Unmarshal([]byte(agentsJSON), &st.CycleAgents); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cycle agents: %w", err)
	}
	if reporter.Valid {
		st.ReporterAddress = reporter.String
	}
	st.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &st, nil
}

func (s *Store) UpdateSettlementAmounts(ctx context.Context, rootTxHash string, slashedUSDC, bountyUSDC int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE settlements SET slashed_usdc = ?, bounty_usdc = ? WHERE root_tx_hash = ?`,
		slashedUSDC, bountyUSDC, rootTxHash)
	if err != nil {
		return fmt.Errorf("failed to update settlement amounts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.Agent, error) {
	var a domain.Agent
	var owner string
	err := row.Scan(&a.AgentUUID, &owner, &a.StakeBalanceUSDC)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.OwnerAddress = common.HexToAddress(owner)
	return &a, nil
}

func scanManifest(row rowScanner) (*domain.EndpointManifest, error) {
	var m domain.EndpointManifest
	var validFrom, validUntil, createdAt int64
	var superseded sql.NullInt64
	err := row.Scan(&m.ManifestID, &m.AgentUUID, &m.EndpointURI, &m.Pubkey, &m.Nonce,
		&validFrom, &validUntil, &m.ManifestHash, &m.Signature, &m.Chain, &m.Status,
		&createdAt, &superseded)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan manifest: %w", err)
	}
	m.ValidFrom = time.Unix(validFrom, 0).UTC()
	m.ValidUntil = time.Unix(validUntil, 0).UTC()
	m.CreatedAt = time.Unix(createdAt, 0).UTC()
	if superseded.Valid {
		t := time.Unix(superseded.Int64, 0).UTC()
		m.SupersededAt = &t
	}
	return &m, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
