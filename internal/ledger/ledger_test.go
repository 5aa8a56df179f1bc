package ledger_test

import (
	"MarginLedger/internal/ledger"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol = common.HexToAddress("0x00000000000000000000000000000000000ca201")
	t0    = time.Unix(1_700_000_000, 0)
)

func newLedger() *ledger.AccountLedger {
	return ledger.NewAccountLedger(ledger.NewBalanceTracker())
}

func fund(t *testing.T, l *ledger.AccountLedger, owner common.Address, asset ledger.Asset, amount int64) {
	t.Helper()
	tx := l.Begin("", t0)
	if err := tx.Deposit(owner, asset, amount); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// ============================================================================
// Test: AccountKey
// ============================================================================

func TestAccountKey_UserPath(t *testing.T) {
	key := ledger.NewUserAccountKey(alice, "USDC")

	path := key.AccountPath()
	expected := "user:" + alice.Hex() + ":free:USDC"
	if path != expected {
		t.Errorf("got %q, want %q", path, expected)
	}
}

func TestAccountKey_SystemPath(t *testing.T) {
	key := ledger.NewSystemAccountKey(ledger.SubTypeInsuranceFund, "USDC")

	if path := key.AccountPath(); path != "system:insurance_fund:USDC" {
		t.Errorf("got %q, want %q", path, "system:insurance_fund:USDC")
	}
}

func TestAccountKey_ExternalPath(t *testing.T) {
	key := ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDC")

	if path := key.AccountPath(); path != "external:deposits:USDC" {
		t.Errorf("got %q, want %q", path, "external:deposits:USDC")
	}
}

func TestParseAccountPath_RoundTrip(t *testing.T) {
	keys := []ledger.AccountKey{
		ledger.NewUserAccountKey(alice, "WBTC"),
		ledger.NewSystemAccountKey(ledger.SubTypeMarginPool, "USDC"),
		ledger.NewSystemAccountKey(ledger.SubTypeInsuranceFund, "USDC"),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "WETH"),
		ledger.NewExternalAccountKey(ledger.SubTypeExternalWithdrawals, "WETH"),
	}
	for _, k := range keys {
		got, err := ledger.ParseAccountPath(k.AccountPath())
		if err != nil {
			t.Fatalf("parse %s: %v", k.AccountPath(), err)
		}
		if got != k {
			t.Errorf("round trip %s: got %+v, want %+v", k.AccountPath(), got, k)
		}
	}

	for _, bad := range []string{"", "user:0x12:free:USDC", "system:bogus:USDC", "user:" + alice.Hex() + ":margin_pool:USDC"} {
		if _, err := ledger.ParseAccountPath(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

// ============================================================================
// Test: BalanceTracker
// ============================================================================

func TestBalanceTracker_InitialBalanceZero(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if balance := bt.FreeBalance(alice, "USDC"); balance != 0 {
		t.Errorf("initial balance should be 0, got %d", balance)
	}
}

func TestBalanceTracker_DepositWithdraw(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	if _, err := bt.Deposit(alice, "USDC", 1_000, "dep-1", 1); err != nil {
		t.Fatalf("Deposit failed: %v", err)
	}
	if _, err := bt.Withdraw(alice, "USDC", 400, "wd-1", 2); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	if got := bt.FreeBalance(alice, "USDC"); got != 600 {
		t.Errorf("got %d, want 600", got)
	}
}

func TestBalanceTracker_OverdraftRejected(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Deposit(alice, "USDC", 100, "dep-1", 1)

	_, err := bt.Transfer(alice, bob, "USDC", 101, "tx-1", 2)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := bt.FreeBalance(alice, "USDC"); got != 100 {
		t.Errorf("failed transfer must not move funds: got %d", got)
	}
	if got := bt.FreeBalance(bob, "USDC"); got != 0 {
		t.Errorf("failed transfer must not credit: got %d", got)
	}
}

func TestBalanceTracker_BatchAllOrNothing(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Deposit(alice, "USDC", 100, "dep-1", 1)

	b := ledger.NewBatch("multi", 2)
	b.Add(ledger.NewUserAccountKey(bob, "USDC"), ledger.NewUserAccountKey(alice, "USDC"), "USDC", 60, ledger.JournalTypeTradeSettlement)
	b.Add(ledger.NewUserAccountKey(carol, "USDC"), ledger.NewUserAccountKey(alice, "USDC"), "USDC", 60, ledger.JournalTypeTradeSettlement)

	if err := bt.ApplyBatch(b); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := bt.FreeBalance(bob, "USDC"); got != 0 {
		t.Errorf("first journal must be rolled back: bob has %d", got)
	}
}

func TestBalanceTracker_MarginPoolMayGoNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	b := ledger.NewBatch("borrow", 1)
	b.Add(ledger.NewUserAccountKey(alice, "WBTC"), ledger.NewSystemAccountKey(ledger.SubTypeMarginPool, "WBTC"), "WBTC", 50, ledger.JournalTypeMarginBorrow)
	if err := bt.ApplyBatch(b); err != nil {
		t.Fatalf("borrow from pool should be allowed: %v", err)
	}
	if got := bt.GetBalance(ledger.NewSystemAccountKey(ledger.SubTypeMarginPool, "WBTC")); got != -50 {
		t.Errorf("pool: got %d, want -50", got)
	}
}

func TestBalanceTracker_InsuranceMustStayNonNegative(t *testing.T) {
	bt := ledger.NewBalanceTracker()

	b := ledger.NewBatch("cover", 1)
	b.Add(ledger.NewUserAccountKey(alice, "USDC"), ledger.NewSystemAccountKey(ledger.SubTypeInsuranceFund, "USDC"), "USDC", 1, ledger.JournalTypeInsuranceCoverage)
	if err := bt.ApplyBatch(b); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestBalanceTracker_GlobalBalanceZeroSum(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Deposit(alice, "USDC", 1_000_000, "dep-1", 1)
	bt.Transfer(alice, bob, "USDC", 300_000, "tx-1", 2)

	for asset, total := range bt.ComputeGlobalBalance() {
		if total != 0 {
			t.Errorf("asset %s has non-zero global balance: %d", asset, total)
		}
	}
}

func TestBalanceTracker_Snapshot(t *testing.T) {
	bt := ledger.NewBalanceTracker()
	bt.Deposit(alice, "USDC", 999, "dep-1", 1)

	snap := bt.Snapshot()
	if len(snap) == 0 {
		t.Fatal("snapshot should not be empty")
	}

	// Mutating snapshot should not affect tracker
	for k := range snap {
		snap[k] = 0
	}

	if bt.FreeBalance(alice, "USDC") != 999 {
		t.Error("tracker balance should not be affected by snapshot mutation")
	}
}

// ============================================================================
// Test: Batch Validation
// ============================================================================

func TestBatchValidate_EmptyBatch_Fails(t *testing.T) {
	batch := ledger.NewBatch("empty", 0)

	if err := batch.Validate(); err == nil {
		t.Error("empty batch should fail validation")
	}
}

func TestBatchValidate_NonPositiveAmount_Fails(t *testing.T) {
	for _, amount := range []int64{0, -100} {
		batch := ledger.NewBatch("bad", 0)
		batch.Add(ledger.NewUserAccountKey(alice, "USDC"), ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDC"), "USDC", amount, ledger.JournalTypeDeposit)

		if err := batch.Validate(); err == nil {
			t.Errorf("amount %d should fail validation", amount)
		}
	}
}

func TestBatchValidate_SelfTransfer_Fails(t *testing.T) {
	same := ledger.NewUserAccountKey(alice, "USDC")
	batch := ledger.NewBatch("self", 0)
	batch.Add(same, same, "USDC", 100, ledger.JournalTypeTradeSettlement)

	if err := batch.Validate(); err == nil {
		t.Error("self-transfer should fail validation")
	}
}

func TestBatchValidate_MismatchedBatchID_Fails(t *testing.T) {
	batch := ledger.NewBatch("mismatch", 0)
	batch.Add(ledger.NewUserAccountKey(alice, "USDC"), ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "USDC"), "USDC", 100, ledger.JournalTypeDeposit)
	batch.Journals[0].BatchID = uuid.New()

	if err := batch.Validate(); err == nil {
		t.Error("mismatched batch ID should fail validation")
	}
}

func TestBatchValidate_MixedAssets_Fails(t *testing.T) {
	batch := ledger.NewBatch("mixed", 0)
	batch.Add(ledger.NewUserAccountKey(alice, "USDC"), ledger.NewExternalAccountKey(ledger.SubTypeExternalDeposits, "WBTC"), "USDC", 100, ledger.JournalTypeDeposit)

	if err := batch.Validate(); err == nil {
		t.Error("mixed assets should fail validation")
	}
}

// ============================================================================
// Test: Tx staging
// ============================================================================

func TestTx_NotVisibleUntilCommit(t *testing.T) {
	l := newLedger()

	tx := l.Begin("dep-1", t0)
	if err := tx.Deposit(alice, "USDC", 500); err != nil {
		t.Fatal(err)
	}
	if got := tx.FreeBalance(alice, "USDC"); got != 500 {
		t.Errorf("staged view: got %d, want 500", got)
	}
	if got := l.FreeBalance(alice, "USDC"); got != 0 {
		t.Errorf("committed view before commit: got %d, want 0", got)
	}
	if l.Exists(alice) {
		t.Error("account must not be materialised before commit")
	}

	if _, err := tx.Commit(); err != nil {
		t.Fatal(err)
	}
	if got := l.FreeBalance(alice, "USDC"); got != 500 {
		t.Errorf("after commit: got %d, want 500", got)
	}
	if v := l.Version(alice); v != 1 {
		t.Errorf("version: got %d, want 1", v)
	}
}

func TestTx_WithdrawInsufficient(t *testing.T) {
	l := newLedger()
	fund(t, l, alice, "USDC", 100)

	err := l.Begin("wd-1", t0).Withdraw(alice, "USDC", 101)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestTx_SettleWithoutBorrow_Fails(t *testing.T) {
	l := newLedger()
	fund(t, l, alice, "WBTC", 1)

	err := l.Begin("trade", t0).Settle(alice, bob, "WBTC", 2, false)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
}

func TestTx_SettleBorrowsShortfall(t *testing.T) {
	l := newLedger()
	fund(t, l, alice, "WBTC", 30)

	tx := l.Begin("trade-1", t0)
	if err := tx.Settle(alice, bob, "WBTC", 100, true); err != nil {
		t.Fatal(err)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if got := l.FreeBalance(alice, "WBTC"); got != 0 {
		t.Errorf("alice free: got %d, want 0", got)
	}
	if got := l.FreeBalance(bob, "WBTC"); got != 100 {
		t.Errorf("bob free: got %d, want 100", got)
	}

	pos, ok := l.Position(alice, "WBTC")
	if !ok {
		t.Fatal("expected a position after borrowing")
	}
	if pos.Size != -70 {
		t.Errorf("position size: got %d, want -70", pos.Size)
	}
	if !pos.OpenedAt.Equal(t0) {
		t.Errorf("openedAt: got %v, want %v", pos.OpenedAt, t0)
	}

	v := ledger.NewInvariantValidator(l)
	if err := v.ValidateMarginPool("WBTC"); err != nil {
		t.Error(err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Error(err)
	}
}

func TestTx_PayFeeJournalType(t *testing.T) {
	l := newLedger()
	fund(t, l, alice, "USDC", 10)

	tx := l.Begin("fee-1", t0)
	if err := tx.PayFee(alice, carol, "USDC", 15, true); err != nil {
		t.Fatal(err)
	}
	batch, err := tx.Commit()
	if err != nil {
		t.Fatal(err)
	}

	var fees int
	for _, j := range batch.Journals {
		if j.JournalType == ledger.JournalTypeMatcherFee {
			fees++
			if j.Amount != 15 {
				t.Errorf("fee amount: got %d, want 15", j.Amount)
			}
		}
	}
	if fees != 1 {
		t.Errorf("matcher fee journals: got %d, want 1", fees)
	}
	if got := l.FreeBalance(carol, "USDC"); got != 15 {
		t.Errorf("matcher free: got %d, want 15", got)
	}
	if pos, ok := l.Position(alice, "USDC"); !ok || pos.Liability() != 5 {
		t.Errorf("alice liability: got %+v", pos)
	}
}

func TestTx_BorrowExtendsKeepsOpenedAt(t *testing.T) {
	l := newLedger()

	tx := l.Begin("t1", t0)
	tx.Settle(alice, bob, "WBTC", 10, true)
	tx.Commit()

	tx = l.Begin("t2", t0.Add(time.Hour))
	tx.Settle(alice, bob, "WBTC", 5, true)
	tx.Commit()

	pos, _ := l.Position(alice, "WBTC")
	if pos.Size != -15 {
		t.Errorf("size: got %d, want -15", pos.Size)
	}
	if !pos.OpenedAt.Equal(t0) {
		t.Errorf("openedAt moved to %v", pos.OpenedAt)
	}
}

func TestTx_IncomingFundsRepayLiability(t *testing.T) {
	l := newLedger()

	tx := l.Begin("t1", t0)
	tx.Settle(alice, bob, "WBTC", 40, true)
	tx.Commit()

	fund(t, l, alice, "WBTC", 25)
	pos, ok := l.Position(alice, "WBTC")
	if !ok || pos.Size != -15 {
		t.Fatalf("partial repay: got %+v", pos)
	}
	if got := l.FreeBalance(alice, "WBTC"); got != 0 {
		t.Errorf("free after partial repay: got %d, want 0", got)
	}

	fund(t, l, alice, "WBTC", 20)
	if _, ok := l.Position(alice, "WBTC"); ok {
		t.Error("position should be closed once liability is repaid")
	}
	if got := l.FreeBalance(alice, "WBTC"); got != 5 {
		t.Errorf("free after full repay: got %d, want 5", got)
	}

	if err := ledger.NewInvariantValidator(l).ValidateMarginPool("WBTC"); err != nil {
		t.Error(err)
	}
}

func TestTx_RepayFor(t *testing.T) {
	l := newLedger()
	tx := l.Begin("t1", t0)
	tx.Settle(alice, bob, "WBTC", 40, true)
	tx.Commit()
	fund(t, l, carol, "WBTC", 100)

	tx = l.Begin("liq", t0)
	if err := tx.RepayFor(carol, alice, "WBTC", 50); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("repaying more than liability: got %v", err)
	}
	if err := tx.RepayFor(carol, alice, "WBTC", 40); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	if _, ok := l.Position(alice, "WBTC"); ok {
		t.Error("position should be closed")
	}
	if got := l.FreeBalance(carol, "WBTC"); got != 60 {
		t.Errorf("carol: got %d, want 60", got)
	}
}

func TestTx_CommitFailureAppliesNothing(t *testing.T) {
	l := newLedger()
	fund(t, l, alice, "USDC", 100)

	tx := l.Begin("race", t0)
	if err := tx.Withdraw(alice, "USDC", 100); err != nil {
		t.Fatal(err)
	}

	// Another commit drains the balance between staging and commit.
	other := l.Begin("other", t0)
	other.Withdraw(alice, "USDC", 50)
	other.Commit()

	if _, err := tx.Commit(); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if got := l.FreeBalance(alice, "USDC"); got != 50 {
		t.Errorf("got %d, want 50", got)
	}
}

func TestTx_Insurance(t *testing.T) {
	l := newLedger()

	tx := l.Begin("fund", t0)
	tx.FundInsurance("USDC", 1_000)
	tx.Commit()

	tx = l.Begin("cover", t0)
	if err := tx.CoverFromInsurance(alice, "USDC", 1_001); !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Errorf("over-cover: got %v", err)
	}
	if err := tx.CoverFromInsurance(alice, "USDC", 400); err != nil {
		t.Fatal(err)
	}
	tx.Commit()

	if got := l.InsuranceBalance("USDC"); got != 600 {
		t.Errorf("insurance: got %d, want 600", got)
	}
}

func TestAccountLedger_ExportRestore(t *testing.T) {
	l := newLedger()
	fund(t, l, alice, "USDC", 100)
	tx := l.Begin("t1", t0)
	tx.Settle(bob, alice, "WBTC", 7, true)
	tx.Commit()

	restored := newLedger()
	restored.Restore(l.Export())

	if got := restored.FreeBalance(alice, "WBTC"); got != 7 {
		t.Errorf("balance: got %d, want 7", got)
	}
	pos, ok := restored.Position(bob, "WBTC")
	if !ok || pos.Size != -7 {
		t.Errorf("position: got %+v", pos)
	}
	if restored.Version(alice) != l.Version(alice) {
		t.Errorf("version: got %d, want %d", restored.Version(alice), l.Version(alice))
	}
}

// ============================================================================
// Test: InvariantValidator
// ============================================================================

func TestInvariantValidator_GlobalBalanceZero(t *testing.T) {
	l := newLedger()
	v := ledger.NewInvariantValidator(l)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("empty ledger should have zero global balance: %v", err)
	}

	fund(t, l, alice, "USDC", 1_000_000)

	if err := v.ValidateGlobalBalance(); err != nil {
		t.Errorf("balanced ledger should have zero global balance: %v", err)
	}
	if err := v.ValidateUserNonNegative(alice); err != nil {
		t.Error(err)
	}
}

func TestTx_RepayFromCustody(t *testing.T) {
	l := newLedger()
	tx := l.Begin("t1", t0)
	tx.Settle(alice, bob, "WBTC", 40, true)
	tx.Commit()

	tx = l.Begin("close", t0)
	repaid, err := tx.Repay(alice, "WBTC", 100)
	if err != nil {
		t.Fatal(err)
	}
	if repaid != 40 {
		t.Errorf("repaid: got %d, want 40", repaid)
	}
	if _, err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	if _, ok := l.Position(alice, "WBTC"); ok {
		t.Error("position should be closed")
	}
	if got := l.FreeBalance(alice, "WBTC"); got != 0 {
		t.Errorf("excess must not be credited: got %d", got)
	}
	v := ledger.NewInvariantValidator(l)
	if err := v.ValidateMarginPool("WBTC"); err != nil {
		t.Error(err)
	}
	if err := v.ValidateGlobalBalance(); err != nil {
		t.Error(err)
	}

	tx = l.Begin("close2", t0)
	if _, err := tx.Repay(alice, "WBTC", 1); !errors.Is(err, ledger.ErrNoLiability) {
		t.Errorf("repay without liability: got %v", err)
	}
}
