package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/meshpay/routeguard/internal/domain"
	"github.com/meshpay/routeguard/internal/sigcheck"
	"github.com/meshpay/routeguard/internal/storage/sqldb"
)

var memdbSeq int

func newTestService(t *testing.T) (*Service, *sqldb.Store) {
	t.Helper()
	memdbSeq++
	store, err := sqldb.New(fmt.Sprintf("file:settletest%d?mode=memory&cache=shared", memdbSeq))
	if err != nil {
		t.Fatalf("sqldb.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	svc := New(store, sigcheck.New(), func() time.Time { return now },
		Params{
			SlashPercent:       50,
			BountyBaseUSDC:     50,
			BountyPerDepthUSDC: 25,
			BountyMaxUSDC:      5_000,
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	return svc, store
}

func seedAgent(t *testing.T, store *sqldb.Store, id string, stake int64) {
	t.Helper()
	err := store.UpsertAgent(context.Background(), &domain.Agent{
		AgentUUID:        id,
		OwnerAddress:     common.HexToAddress("0x2222222222222222222222222222222222222222"),
		StakeBalanceUSDC: stake,
	})
	if err != nil {
		t.Fatalf("UpsertAgent(%s) error = %v", id, err)
	}
}

func stakeOf(t *testing.T, store *sqldb.Store, id string) int64 {
	t.Helper()
	a, err := store.GetAgent(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAgent(%s) error = %v", id, err)
	}
	return a.StakeBalanceUSDC
}

// appendReceipt writes a raw receipt row; settlement tests do not care about
// signatures, only the graph shape.
func appendReceipt(t *testing.T, store *sqldb.Store, root string, hop int, source, dest string, amount int64) {
	t.Helper()
	_, err := store.AppendReceipt(context.Background(), &domain.ForwardReceipt{
		ReceiptID:       uuid.New().String(),
		RootTxHash:      root,
		Hop:             hop,
		SourceAgentUUID: source,
		DestAgentUUID:   dest,
		ManifestID:      uuid.New().String(),
		ReceiptNonce:    uint64(hop) + 1,
		AmountUSDC:      amount,
		ReceiptHash:     "0xrh-" + uuid.New().String(),
		Signature:       "0xsig",
		Chain:           "base",
		CreatedAt:       time.Now().UTC(),
	}, 10)
	if err != nil {
		t.Fatalf("AppendReceipt(hop %d) error = %v", hop, err)
	}
}

func TestTriggerProvisional_SlashesEveryAgentOnce(t *testing.T) {
	svc, store := newTestService(t)
	seedAgent(t, store, "agent-a", 1000)
	seedAgent(t, store, "agent-b", 600)
	seedAgent(t, store, "agent-c", 0)

	st, created, err := svc.TriggerProvisional(context.Background(), "0xroot-s",
		[]string{"agent-a", "agent-b", "agent-c"}, 3, nil)
	if err != nil {
		t.Fatalf("TriggerProvisional() error = %v", err)
	}
	if !created {
		t.Fatal("first trigger reported created = false")
	}
	if st.SlashedUSDC != 800 {
		t.Errorf("SlashedUSDC = %d, want 800", st.SlashedUSDC)
	}
	if st.BountyUSDC != 0 {
		t.Errorf("BountyUSDC = %d without a reporter, want 0", st.BountyUSDC)
	}
	if got := stakeOf(t, store, "agent-a"); got != 500 {
		t.Errorf("agent-a stake = %d, want 500", got)
	}
	if got := stakeOf(t, store, "agent-b"); got != 300 {
		t.Errorf("agent-b stake = %d, want 300", got)
	}
}

func TestTriggerProvisional_IdempotentPerRoot(t *testing.T) {
	svc, store := newTestService(t)
	seedAgent(t, store, "agent-a", 1000)
	seedAgent(t, store, "agent-b", 1000)

	first, created, err := svc.TriggerProvisional(context.Background(), "0xroot-i",
		[]string{"agent-a", "agent-b"}, 2, nil)
	if err != nil || !created {
		t.Fatalf("first trigger = (%+v, %v, %v), want created", first, created, err)
	}

	reporter := common.HexToAddress("0x3333333333333333333333333333333333333333")
	second, created, err := svc.TriggerProvisional(context.Background(), "0xroot-i",
		[]string{"agent-a", "agent-b"}, 2, &reporter)
	if err != nil {
		t.Fatalf("second trigger error = %v", err)
	}
	if created {
		t.Error("second trigger reported created = true")
	}
	if second.SettlementID != first.SettlementID {
		t.Errorf("second trigger returned settlement %s, want existing %s", second.SettlementID, first.SettlementID)
	}
	if second.BountyUSDC != 0 {
		t.Errorf("late reporter earned bounty %d, want 0", second.BountyUSDC)
	}
	if got := stakeOf(t, store, "agent-a"); got != 500 {
		t.Errorf("agent-a stake = %d after repeat trigger, want 500", got)
	}
}

func TestTriggerProvisional_ReporterBountySchedule(t *testing.T) {
	svc, store := newTestService(t)
	seedAgent(t, store, "agent-a", 1000)
	seedAgent(t, store, "agent-b", 1000)
	seedAgent(t, store, "agent-c", 1000)

	reporter := common.HexToAddress("0x4444444444444444444444444444444444444444")
	st, _, err := svc.TriggerProvisional(context.Background(), "0xroot-b",
		[]string{"agent-a", "agent-b", "agent-c"}, 3, &reporter)
	if err != nil {
		t.Fatalf("TriggerProvisional() error = %v", err)
	}

	// base 50 + 3*25 + 1500/10 = 275
	if st.BountyUSDC != 275 {
		t.Errorf("BountyUSDC = %d, want 275", st.BountyUSDC)
	}
	if st.ReporterAddress != reporter.Hex() {
		t.Errorf("ReporterAddress = %s, want %s", st.ReporterAddress, reporter.Hex())
	}

	persisted, err := svc.Settlement(context.Background(), "0xroot-b")
	if err != nil {
		t.Fatalf("Settlement() error = %v", err)
	}
	if persisted.BountyUSDC != 275 || persisted.SlashedUSDC != 1500 {
		t.Errorf("persisted amounts = (bounty %d, slashed %d), want (275, 1500)",
			persisted.BountyUSDC, persisted.SlashedUSDC)
	}
}

func TestTriggerProvisional_BountyCapped(t *testing.T) {
	svc, store := newTestService(t)
	seedAgent(t, store, "agent-a", 200_000)

	reporter := common.HexToAddress("0x5555555555555555555555555555555555555555")
	st, _, err := svc.TriggerProvisional(context.Background(), "0xroot-cap",
		[]string{"agent-a"}, 1, &reporter)
	if err != nil {
		t.Fatalf("TriggerProvisional() error = %v", err)
	}
	// base 50 + 25 + 100000/10 = 10075, capped at 5000.
	if st.BountyUSDC != 5_000 {
		t.Errorf("BountyUSDC = %d, want capped 5000", st.BountyUSDC)
	}
}

func TestReportCycle_VerifiedAgainstLedger(t *testing.T) {
	svc, store := newTestService(t)
	seedAgent(t, store, "agent-a", 1000)
	seedAgent(t, store, "agent-b", 1000)
	seedAgent(t, store, "agent-c", 1000)
	root := "0xroot-rc"
	appendReceipt(t, store, root, 0, "agent-a", "agent-b", 100)
	appendReceipt(t, store, root, 1, "agent-b", "agent-c", 100)
	appendReceipt(t, store, root, 2, "agent-c", "agent-a", 100)

	st, err := svc.ReportCycle(context.Background(), ReportCycleInput{
		RootTxHash:      root,
		ReporterAddress: "0x6666666666666666666666666666666666666666",
	})
	if err != nil {
		t.Fatalf("ReportCycle() error = %v", err)
	}
	if st.CycleDepth != 3 {
		t.Errorf("CycleDepth = %d, want 3", st.CycleDepth)
	}
	if st.BountyUSDC == 0 {
		t.Error("verified external report earned no bounty")
	}
	if got := stakeOf(t, store, "agent-a"); got != 500 {
		t.Errorf("agent-a stake = %d, want 500", got)
	}
}

func TestReportCycle_RejectedWhenNoCycle(t *testing.T) {
	svc, store := newTestService(t)
	seedAgent(t, store, "agent-a", 1000)
	seedAgent(t, store, "agent-b", 1000)
	root := "0xroot-nc"
	appendReceipt(t, store, root, 0, "agent-a", "agent-b", 100)

	_, err := svc.ReportCycle(context.Background(), ReportCycleInput{
		RootTxHash:      root,
		ReporterAddress: "0x7777777777777777777777777777777777777777",
	})
	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *domain.Error", err)
	}
	if de.Kind != domain.KindValidation {
		t.Errorf("error = %v, want validation", de)
	}
	if got := stakeOf(t, store, "agent-a"); got != 1000 {
		t.Errorf("false report moved stake: agent-a = %d, want 1000", got)
	}
}

func validMEVReport() ReportMEVInput {
	return ReportMEVInput{
		RootTxHash:         "0xroot-mev",
		AttackType:         "sandwich",
		AttackerAgentUUID:  "agent-b",
		VictimAgentUUID:    "agent-a",
		ExtractedValueUSDC: 2_500,
		BlockNumber:        19_000_123,
		TxIndex:            7,
		Evidence:           map[string]any{"victim_tx": "0xabc", "attacker_txs": []string{"0xdef", "0xfed"}},
	}
}

func TestReportMEVIncident_SlashesAttacker(t *testing.T) {
	svc, store := newTestService(t)
	seedAgent(t, store, "agent-a", 1000)
	seedAgent(t, store, "agent-b", 1000)

	inc, err := svc.ReportMEVIncident(context.Background(), validMEVReport())
	if err != nil {
		t.Fatalf("ReportMEVIncident() error = %v", err)
	}
	if inc.AttackType != domain.AttackSandwich {
		t.Errorf("AttackType = %s, want sandwich", inc.AttackType)
	}
	if inc.SlashedAmountUSDC != 500 {
		t.Errorf("SlashedAmountUSDC = %d, want 500", inc.SlashedAmountUSDC)
	}
	if inc.EvidenceHash == "" {
		t.Error("incident has no evidence hash")
	}
	if got := stakeOf(t, store, "agent-b"); got != 500 {
		t.Errorf("attacker stake = %d, want 500", got)
	}

	incidents, err := svc.Incidents(context.Background(), "0xroot-mev")
	if err != nil {
		t.Fatalf("Incidents() error = %v", err)
	}
	if len(incidents) != 1 {
		t.Fatalf("stored %d incidents, want 1", len(incidents))
	}
}

func TestReportMEVIncident_InvalidTypeLeavesStakeUntouched(t *testing.T) {
	svc, store := newTestService(t)
	seedAgent(t, store, "agent-b", 1000)

	in := validMEVReport()
	in.AttackType = "jit_liquidity"
	_, err := svc.ReportMEVIncident(context.Background(), in)

	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *domain.Error", err)
	}
	if de.Kind != domain.KindValidation || de.Details["field"] != "attack_type" {
		t.Errorf("error = %v, want validation on attack_type", de)
	}
	if got := stakeOf(t, store, "agent-b"); got != 1000 {
		t.Errorf("invalid report moved stake: agent-b = %d, want 1000", got)
	}
}

func TestReportMEVIncident_UnknownAttacker(t *testing.T) {
	svc, _ := newTestService(t)

	in := validMEVReport()
	in.AttackerAgentUUID = "agent-ghost"
	_, err := svc.ReportMEVIncident(context.Background(), in)

	var de *domain.Error
	if !errors.As(err, &de) {
		t.Fatalf("error = %v, want *domain.Error", err)
	}
	if de.Kind != domain.KindNotFound {
		t.Errorf("error = %v, want not_found", de)
	}
}
