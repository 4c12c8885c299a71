package commitment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/sigcheck"
	"github.com/meshpay/routeguard/internal/storage/sqldb"
)

var memdbSeq int

func newTestService(t *testing.T) (*Service, time.Time) {
	t.Helper()
	memdbSeq++
	store, err := sqldb.New(fmt.Sprintf("file:committest%d?mode=memory&cache=shared", memdbSeq))
	if err != nil {
		t.Fatalf("sqldb.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc := New(store, sigcheck.New(), func() time.Time { return now },
		Params{HighValueThresholdUSDC: 10_000, Timelock: 5 * time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, now
}

func highValueInput(root string) CreateInput {
	return CreateInput{
		RootTxHash:        root,
		FirstHopAgentUUID: "agent-a",
		PlannedHops:       []string{"agent-a->agent-b", "agent-b->agent-c"},
		AmountUSDC:        25_000,
		Chain:             "base",
	}
}

func TestCreate_HighValueCommitment(t *testing.T) {
	svc, now := newTestService(t)

	c, err := svc.Create(context.Background(), highValueInput("0xroot-hv"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.CommitmentTxHash == "" || c.RoutingHash == "" {
		t.Errorf("commitment missing derived hashes: %+v", c)
	}
	if want := now.Add(5 * time.Minute); !c.TimeLockUntil.Equal(want) {
		t.Errorf("TimeLockUntil = %v, want %v", c.TimeLockUntil, want)
	}

	got, err := svc.Get(context.Background(), "0xroot-hv")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CommitmentTxHash != c.CommitmentTxHash {
		t.Errorf("stored tx hash = %s, want %s", got.CommitmentTxHash, c.CommitmentTxHash)
	}

	locked, err := svc.Locked(context.Background(), "0xroot-hv")
	if err != nil {
		t.Fatalf("Locked() error = %v", err)
	}
	if !locked {
		t.Error("commitment not locked immediately after creation")
	}
}

func TestCreate_BelowThresholdRejected(t *testing.T) {
	svc, _ := newTestService(t)

	in := highValueInput("0xroot-low")
	in.AmountUSDC = 9_999
	_, err := svc.Create(context.Background(), in)

	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *domain.Error", err)
	}
	if de.Kind != domain.KindValidation || de.Details["field"] != "amount_usdc" {
		t.Errorf("error = %v, want validation on amount_usdc", de)
	}
}

func TestCreate_SecondCommitmentConflicts(t *testing.T) {
	svc, _ := newTestService(t)

	if _, err := svc.Create(context.Background(), highValueInput("0xroot-dup")); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}

	// Even a commitment with different contents is rejected for the same root.
	in := highValueInput("0xroot-dup")
	in.AmountUSDC = 50_000
	_, err := svc.Create(context.Background(), in)

	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *domain.Error", err)
	}
	if de.Kind != domain.KindConflict || de.Code != domain.CodeCommitmentExists {
		t.Errorf("error = %v, want conflict/%s", de, domain.CodeCommitmentExists)
	}
}

func TestCreate_DeterministicTxHash(t *testing.T) {
	svc, _ := newTestService(t)
	svc2, _ := newTestService(t)

	a, err := svc.Create(context.Background(), highValueInput("0xroot-det"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	b, err := svc2.Create(context.Background(), highValueInput("0xroot-det"))
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if a.CommitmentTxHash != b.CommitmentTxHash {
		t.Errorf("same declaration produced different tx hashes: %s vs %s", a.CommitmentTxHash, b.CommitmentTxHash)
	}

	in := highValueInput("0xroot-det2")
	in.PlannedHops = []string{"agent-a->agent-c", "agent-c->agent-b"}
	c, err := svc.Create(context.Background(), in)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if c.RoutingHash == a.RoutingHash {
		t.Error("different planned routes produced the same routing hash")
	}
}

func TestGet_UnknownRootNotFound(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), "0xroot-none")
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *domain.Error", err)
	}
	if de.Kind != domain.KindNotFound {
		t.Errorf("error = %v, want not_found", de)
	}
}
