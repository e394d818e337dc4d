package main

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/signetwallet/signet/src/clarity"
)

// fetcherFunc adapts a function to BalanceFetcher
type fetcherFunc func(ctx context.Context, user string) (uint64, error)

func (f fetcherFunc) FetchBalance(ctx context.Context, user string) (uint64, error) {
	return f(ctx, user)
}

func TestMempoolPendingBalanceChanges(t *testing.T) {
	m := NewMempool(nil)
	a, b, c := testAddress(0x01), testAddress(0x02), testAddress(0x03)

	m.AddTransaction(mustTransaction(t, transferRequest(a, b, 100, 1, 0x01)))
	m.AddTransaction(mustTransaction(t, transferRequest(b, c, 30, 1, 0x02)))
	m.AddTransaction(mustTransaction(t, predictRequest(a, 1, 1, 20, 0x03)))
	m.AddTransaction(mustTransaction(t, claimRequest(c, 5, 0x04)))

	pending := m.PendingBalanceChanges()
	want := map[string]int64{a: -120, b: 70, c: 30}
	if len(pending) != len(want) {
		t.Fatalf("Expected %d pending entries, got %v", len(want), pending)
	}
	for user, d := range want {
		if pending[user] != d {
			t.Errorf("Expected pending %d for %s, got %d", d, user, pending[user])
		}
	}

	var sum int64
	for _, tx := range m.Transactions() {
		if tx.Kind() == TxKindTransfer {
			for _, d := range tx.BalanceDelta() {
				sum += d
			}
		}
	}
	if sum != 0 {
		t.Errorf("Expected transfer deltas to sum to 0, got %d", sum)
	}
}

func TestMempoolTotalBalances(t *testing.T) {
	m := NewMempool(nil)
	a, b, idle := testAddress(0x01), testAddress(0x02), testAddress(0x09)

	m.SetConfirmedBalance(a, 1000)
	m.SetConfirmedBalance(idle, 42)
	m.AddTransaction(mustTransaction(t, transferRequest(a, b, 300, 1, 0x01)))
	m.AddTransaction(mustTransaction(t, transferRequest(b, a, 500, 1, 0x02)))

	totals := m.TotalBalances()
	if totals[a] != 1200 {
		t.Errorf("Expected %s total 1200, got %d", a, totals[a])
	}
	// no confirmed entry starts from zero and is not clamped
	if totals[b] != -200 {
		t.Errorf("Expected %s total -200, got %d", b, totals[b])
	}
	if totals[idle] != 42 {
		t.Errorf("Expected idle total 42, got %d", totals[idle])
	}

	if got := m.ProjectedBalance(b); got != -200 {
		t.Errorf("Expected projected -200, got %d", got)
	}
}

func TestMempoolRefusesInt64Overflow(t *testing.T) {
	a, b := testAddress(0x01), testAddress(0x02)

	t.Run("pending change", func(t *testing.T) {
		m := NewMempool(nil)
		if err := m.AddTransaction(mustTransaction(t, transferRequest(a, b, math.MaxInt64, 1, 0x01))); err != nil {
			t.Fatalf("Expected first max transfer to be queued, got %v", err)
		}

		err := m.AddTransaction(mustTransaction(t, transferRequest(a, b, math.MaxInt64, 2, 0x02)))
		if _, ok := IsValidationError(err); !ok {
			t.Fatalf("Expected ValidationError, got %v", err)
		}
		if m.Len() != 1 {
			t.Errorf("Expected refused transaction to stay out of the queue, got %d", m.Len())
		}

		pending := m.PendingBalanceChanges()
		if pending[a] != -math.MaxInt64 || pending[b] != math.MaxInt64 {
			t.Errorf("Unexpected pending changes %v", pending)
		}
	})

	t.Run("projected total", func(t *testing.T) {
		m := NewMempool(nil)
		m.SetConfirmedBalance(b, math.MaxInt64-10)

		if err := m.AddTransaction(mustTransaction(t, transferRequest(a, b, 10, 1, 0x03))); err != nil {
			t.Fatalf("Expected transfer up to the bound to be queued, got %v", err)
		}
		err := m.AddTransaction(mustTransaction(t, transferRequest(a, b, 1, 2, 0x04)))
		if _, ok := IsValidationError(err); !ok {
			t.Fatalf("Expected ValidationError, got %v", err)
		}
		if got := m.TotalBalances()[b]; got != math.MaxInt64 {
			t.Errorf("Expected total %d, got %d", int64(math.MaxInt64), got)
		}
	})

	t.Run("confirmed balance above int64", func(t *testing.T) {
		m := NewMempool(nil)
		m.AddTransaction(mustTransaction(t, transferRequest(a, b, 5, 1, 0x05)))
		m.SetConfirmedBalance(a, math.MaxUint64)
		m.SetConfirmedBalance(b, math.MaxUint64)

		totals := m.TotalBalances()
		if totals[a] != math.MaxInt64-5 {
			t.Errorf("Expected sender total %d, got %d", int64(math.MaxInt64-5), totals[a])
		}
		if totals[b] != math.MaxInt64 {
			t.Errorf("Expected recipient total to saturate, got %d", totals[b])
		}
		if got := m.ProjectedBalance(a); got != totals[a] {
			t.Errorf("Expected projected balance %d to match total, got %d", totals[a], got)
		}
	})
}

func TestMempoolAffectedUsers(t *testing.T) {
	m := NewMempool(nil)
	a, b, c := testAddress(0x01), testAddress(0x02), testAddress(0x03)

	m.AddTransaction(mustTransaction(t, transferRequest(a, b, 1, 1, 0x01)))
	m.AddTransaction(mustTransaction(t, transferRequest(b, a, 1, 2, 0x02)))
	m.AddTransaction(mustTransaction(t, claimRequest(c, 1, 0x03)))

	users := m.AffectedUsers()
	if len(users) != 3 || users[0] != a || users[1] != b || users[2] != c {
		t.Errorf("Expected [a b c] in first-seen order, got %v", users)
	}

	m.SetConfirmedBalance(testAddress(0x04), 1)
	if known := m.KnownUsers(); len(known) != 4 {
		t.Errorf("Expected 4 known users, got %v", known)
	}
}

func TestMempoolGetBatchByType(t *testing.T) {
	m := NewMempool(nil)
	a, b := testAddress(0x01), testAddress(0x02)

	var transfers []*Transaction
	for i := 0; i < 5; i++ {
		tx := mustTransaction(t, transferRequest(a, b, 10, uint64(i+1), byte(i+1)))
		transfers = append(transfers, tx)
		m.AddTransaction(tx)
		m.AddTransaction(mustTransaction(t, predictRequest(a, 1, 1, 1, byte(i+0x20))))
	}

	batch := m.GetBatchByType(TxKindTransfer, 3)
	if len(batch) != 3 {
		t.Fatalf("Expected 3 transactions, got %d", len(batch))
	}
	for i, tx := range batch {
		if tx != transfers[i] {
			t.Errorf("Expected batch position %d to be the %dth oldest transfer", i, i)
		}
	}

	if n := len(m.GetBatchByType(TxKindPredict, 0)); n != 5 {
		t.Errorf("Expected default size to select all 5 predicts, got %d", n)
	}
	if n := len(m.GetBatchByType(TxKindClaimReward, 10)); n != 0 {
		t.Errorf("Expected no claims, got %d", n)
	}
	if m.Len() != 10 {
		t.Errorf("Expected selection to leave queue intact, got %d", m.Len())
	}
}

func TestMempoolRemoveTransactions(t *testing.T) {
	m := NewMempool(nil)
	a, b := testAddress(0x01), testAddress(0x02)

	tx1 := mustTransaction(t, transferRequest(a, b, 1, 1, 0x01))
	tx2 := mustTransaction(t, transferRequest(a, b, 2, 2, 0x02))
	tx3 := mustTransaction(t, transferRequest(a, b, 3, 3, 0x03))
	m.AddTransaction(tx1)
	m.AddTransaction(tx2)
	m.AddTransaction(tx3)

	if n := m.RemoveTransactions([]*Transaction{tx2}); n != 1 {
		t.Errorf("Expected 1 removed, got %d", n)
	}
	remaining := m.Transactions()
	if len(remaining) != 2 || remaining[0] != tx1 || remaining[1] != tx3 {
		t.Errorf("Expected [tx1 tx3] to remain in order, got %v", remaining)
	}

	// identical content but a different transaction
	twin := mustTransaction(t, transferRequest(a, b, 1, 1, 0x01))
	if n := m.RemoveTransactions([]*Transaction{twin}); n != 0 {
		t.Errorf("Expected removal by identity only, removed %d", n)
	}
}

func TestMempoolFindAndClear(t *testing.T) {
	m := NewMempool(nil)
	a, b := testAddress(0x01), testAddress(0x02)

	tx := mustTransaction(t, transferRequest(a, b, 1, 1, 0x07))
	m.AddTransaction(tx)
	m.SetConfirmedBalance(a, 50)

	if found := m.FindTransactionBySignature(mustSignature(t, testSignature(0x07))); found != tx {
		t.Error("Expected to find transaction by signature")
	}
	if found := m.FindTransactionBySignature(mustSignature(t, testSignature(0x08))); found != nil {
		t.Error("Expected no match for unknown signature")
	}

	if n := m.ClearQueue(); n != 1 {
		t.Errorf("Expected 1 cleared, got %d", n)
	}
	if m.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", m.Len())
	}
	if bal, ok := m.ConfirmedBalance(a); !ok || bal != 50 {
		t.Errorf("Expected confirmed balance to survive clear, got %d %v", bal, ok)
	}
}

func TestMempoolGetBalanceFetchesLazily(t *testing.T) {
	a, b := testAddress(0x01), testAddress(0x02)
	var mu sync.Mutex
	calls := 0

	m := NewMempool(fetcherFunc(func(ctx context.Context, user string) (uint64, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return 500, nil
	}))
	m.AddTransaction(mustTransaction(t, transferRequest(a, b, 200, 1, 0x01)))

	bal, err := m.GetBalance(context.Background(), a)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal != 300 {
		t.Errorf("Expected 300, got %d", bal)
	}

	if _, err := m.GetBalance(context.Background(), a); err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single fetch for a cached user, got %d", calls)
	}
}

func TestMempoolFetchErrorsAreNotCached(t *testing.T) {
	a := testAddress(0x01)
	fail := true

	m := NewMempool(fetcherFunc(func(ctx context.Context, user string) (uint64, error) {
		if fail {
			return 0, errors.New("node unavailable")
		}
		return 75, nil
	}))

	if _, err := m.GetBalance(context.Background(), a); err == nil {
		t.Fatal("Expected fetch error")
	}
	if _, ok := m.ConfirmedBalance(a); ok {
		t.Error("Expected failed fetch to leave no cache entry")
	}

	fail = false
	bal, err := m.GetBalance(context.Background(), a)
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	if bal != 75 {
		t.Errorf("Expected 75 after retry, got %d", bal)
	}
}

func TestMempoolRefreshWithoutFetcher(t *testing.T) {
	m := NewMempool(nil)
	if _, err := m.RefreshBalance(context.Background(), testAddress(0x01)); err == nil {
		t.Error("Expected error without a fetcher")
	}
}

func TestBuildBatchTxOptions(t *testing.T) {
	m := NewMempool(nil)
	a, b := testAddress(0x01), testAddress(0x02)
	contractAddr := testAddress(0x0c)

	txs := []*Transaction{
		mustTransaction(t, transferRequest(a, b, 10, 1, 0x01)),
		mustTransaction(t, transferRequest(b, a, 20, 1, 0x02)),
	}

	call, err := m.BuildBatchTxOptions(txs, TxKindTransfer, contractAddr, "blaze-test")
	if err != nil {
		t.Fatalf("BuildBatchTxOptions failed: %v", err)
	}
	if call.FunctionName != "batch-transfer" {
		t.Errorf("Expected batch-transfer, got %s", call.FunctionName)
	}
	if call.Fee != 2*FeePerTransaction {
		t.Errorf("Expected fee %d, got %d", 2*FeePerTransaction, call.Fee)
	}
	if call.ContractID() != contractAddr+".blaze-test" {
		t.Errorf("Unexpected contract id %s", call.ContractID())
	}
	if len(call.FunctionArgs) != 1 {
		t.Fatalf("Expected one argument, got %d", len(call.FunctionArgs))
	}

	list, ok := call.FunctionArgs[0].(clarity.List)
	if !ok || len(list) != 2 {
		t.Fatalf("Expected list of 2 encodings, got %#v", call.FunctionArgs[0])
	}
	first, _ := list[0].(clarity.Tuple)
	if amount, _ := clarity.AsUint64(first["amount"]); amount != 10 {
		t.Errorf("Expected first encoding to keep queue order, got amount %d", amount)
	}

	args, err := call.EncodedArgs()
	if err != nil {
		t.Fatalf("EncodedArgs failed: %v", err)
	}
	if len(args) != 1 || len(args[0]) < 2 || args[0][:2] != "0x" {
		t.Errorf("Expected one 0x-prefixed argument, got %v", args)
	}

	t.Run("empty batch", func(t *testing.T) {
		if _, err := m.BuildBatchTxOptions(nil, TxKindTransfer, contractAddr, "blaze-test"); err == nil {
			t.Error("Expected error for empty batch")
		}
	})

	t.Run("mixed kinds", func(t *testing.T) {
		mixed := append(txs, mustTransaction(t, predictRequest(a, 1, 1, 1, 0x03)))
		_, err := m.BuildBatchTxOptions(mixed, TxKindTransfer, contractAddr, "blaze-test")
		if !errors.Is(err, ErrUnsupportedKind) {
			t.Errorf("Expected ErrUnsupportedKind, got %v", err)
		}
	})
}
