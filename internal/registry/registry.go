// Package registry exposes the external agent directory to the verifier.
// Agents are owned elsewhere; this service only resolves uuid → owner
// address and stake, against a local store mirror kept in sync by whatever
// operates the real registry.
package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/storage"
)

// Directory resolves agents. Implementations return storage.ErrNotFound for
// unknown agents; services translate that into the NotFound taxonomy kind.
type Directory interface {
	Resolve(ctx context.Context, agentUUID string) (*domain.Agent, error)
}

// StoreDirectory reads agents from the transactional store mirror.
type StoreDirectory struct {
	agents storage.AgentStore
}

// NewStoreDirectory creates a Directory backed by the store.
func NewStoreDirectory(agents storage.AgentStore) *StoreDirectory {
	return &StoreDirectory{agents: agents}
}

func (d *StoreDirectory) Resolve(ctx context.Context, agentUUID string) (*domain.Agent, error) {
	return d.agents.GetAgent(ctx, agentUUID)
}

// SeedAgent is one configured registry entry, used to populate the mirror in
// development and test deployments.
type SeedAgent struct {
	AgentUUID    string `koanf:"agent_uuid"`
	OwnerAddress string `koanf:"owner_address"`
	StakeUSDC    int64  `koanf:"stake_usdc"`
}

// Seed upserts configured agents into the store mirror.
func Seed(ctx context.Context, agents storage.AgentStore, entries []SeedAgent) error {
	for _, e := range entries {
		a := &domain.Agent{
			AgentUUID:        e.AgentUUID,
			OwnerAddress:     common.HexToAddress(e.OwnerAddress),
			StakeBalanceUSDC: e.StakeUSDC,
		}
		if err := agents.UpsertAgent(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
