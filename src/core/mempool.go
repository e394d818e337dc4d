package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/signetwallet/signet/src/clarity"
)

// Batch defaults
const (
	DefaultMaxBatchSize = 200
	FeePerTransaction   = 400
)

// BalanceFetcher reads a user's confirmed on-chain balance
type BalanceFetcher interface {
	FetchBalance(ctx context.Context, user string) (uint64, error)
}

// ContractCall describes a state-changing contract call before signing
type ContractCall struct {
	ContractAddress string
	ContractName    string
	FunctionName    string
	FunctionArgs    []clarity.Value
	Fee             uint64
}

// ContractID returns "<address>.<name>"
func (c ContractCall) ContractID() string {
	return c.ContractAddress + "." + c.ContractName
}

// EncodedArgs serializes the function arguments as 0x-prefixed hex
func (c ContractCall) EncodedArgs() ([]string, error) {
	args := make([]string, 0, len(c.FunctionArgs))
	for i, arg := range c.FunctionArgs {
		h, err := clarity.SerializeHex(arg)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		args = append(args, h)
	}
	return args, nil
}

// Mempool is the queue of signed, unsettled transactions for one subnet
// together with the last known confirmed balances of the users it touches.
// Queue order is arrival order and is never changed.
type Mempool struct {
	mu        sync.RWMutex
	queue     []*Transaction
	confirmed map[string]uint64
	fetcher   BalanceFetcher
}

// NewMempool creates an empty mempool that loads missing balances via fetcher
func NewMempool(fetcher BalanceFetcher) *Mempool {
	return &Mempool{
		confirmed: make(map[string]uint64),
		fetcher:   fetcher,
	}
}

// AddTransaction appends tx to the queue. Balance sufficiency and nonce
// uniqueness are left to the chain, but a transaction that would push any
// user's pending change or projected total outside int64 is refused.
func (m *Mempool) AddTransaction(tx *Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pendingLocked()
	for user, d := range tx.delta {
		next, ok := addInt64(pending[user], d)
		if !ok {
			return newValidationError("amount", fmt.Sprintf("pending balance change of %s would overflow", user))
		}
		if _, ok := addInt64(confirmedInt64(m.confirmed[user]), next); !ok {
			return newValidationError("amount", fmt.Sprintf("projected balance of %s would overflow", user))
		}
	}

	m.queue = append(m.queue, tx)
	return nil
}

// addInt64 returns a+b and false when the sum leaves the int64 range
func addInt64(a, b int64) (int64, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return sum, false
	}
	return sum, true
}

// saturatingAdd returns a+b pinned to the int64 range
func saturatingAdd(a, b int64) int64 {
	sum, ok := addInt64(a, b)
	if ok {
		return sum
	}
	if b > 0 {
		return math.MaxInt64
	}
	return math.MinInt64
}

// confirmedInt64 saturates on-chain balances above math.MaxInt64
func confirmedInt64(bal uint64) int64 {
	if bal > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(bal)
}

// Len returns the number of queued transactions
func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.queue)
}

// Transactions returns a snapshot of the queue in arrival order
func (m *Mempool) Transactions() []*Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Transaction(nil), m.queue...)
}

// AffectedUsers returns every user touched by a queued transaction, in
// order of first appearance
func (m *Mempool) AffectedUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.affectedUsersLocked()
}

func (m *Mempool) affectedUsersLocked() []string {
	seen := make(map[string]bool)
	var users []string
	for _, tx := range m.queue {
		for _, u := range tx.affected {
			if !seen[u] {
				seen[u] = true
				users = append(users, u)
			}
		}
	}
	return users
}

// KnownUsers returns affected users plus every user with a cached balance
func (m *Mempool) KnownUsers() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	users := m.affectedUsersLocked()
	seen := make(map[string]bool, len(users))
	for _, u := range users {
		seen[u] = true
	}
	for u := range m.confirmed {
		if !seen[u] {
			users = append(users, u)
		}
	}
	return users
}

// PendingBalanceChanges sums the balance delta of every queued transaction
func (m *Mempool) PendingBalanceChanges() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pendingLocked()
}

func (m *Mempool) pendingLocked() map[string]int64 {
	pending := make(map[string]int64)
	for _, tx := range m.queue {
		for user, d := range tx.delta {
			pending[user] += d
		}
	}
	return pending
}

// TotalBalances merges confirmed balances with pending changes. Users with
// no confirmed entry start from zero. Totals are not clamped at zero; they
// saturate only at the int64 bounds.
func (m *Mempool) TotalBalances() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[string]int64, len(m.confirmed))
	for user, bal := range m.confirmed {
		totals[user] = confirmedInt64(bal)
	}
	for user, d := range m.pendingLocked() {
		totals[user] = saturatingAdd(totals[user], d)
	}
	return totals
}

// ConfirmedBalance returns the cached on-chain balance for user
func (m *Mempool) ConfirmedBalance(user string) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bal, ok := m.confirmed[user]
	return bal, ok
}

// SetConfirmedBalance records a confirmed on-chain balance
func (m *Mempool) SetConfirmedBalance(user string, balance uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed[user] = balance
}

// RefreshBalance fetches user's balance and caches it on success only
func (m *Mempool) RefreshBalance(ctx context.Context, user string) (uint64, error) {
	if m.fetcher == nil {
		return 0, fmt.Errorf("no balance fetcher configured")
	}

	bal, err := m.fetcher.FetchBalance(ctx, user)
	if err != nil {
		return 0, err
	}

	m.SetConfirmedBalance(user, bal)
	return bal, nil
}

// GetBalance returns confirmed + pending for user, fetching the confirmed
// balance first when it is not cached. Fetch errors are returned.
func (m *Mempool) GetBalance(ctx context.Context, user string) (int64, error) {
	if _, ok := m.ConfirmedBalance(user); !ok {
		if _, err := m.RefreshBalance(ctx, user); err != nil {
			return 0, err
		}
	}
	return m.ProjectedBalance(user), nil
}

// ProjectedBalance returns confirmed + pending without fetching
func (m *Mempool) ProjectedBalance(user string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pending int64
	for _, tx := range m.queue {
		pending += tx.delta[user]
	}
	return saturatingAdd(confirmedInt64(m.confirmed[user]), pending)
}

// GetBatchByType returns up to maxBatchSize queued transactions of kind,
// oldest first. A non-positive size selects DefaultMaxBatchSize.
func (m *Mempool) GetBatchByType(kind TransactionKind, maxBatchSize int) []*Transaction {
	if maxBatchSize <= 0 {
		maxBatchSize = DefaultMaxBatchSize
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var batch []*Transaction
	for _, tx := range m.queue {
		if len(batch) >= maxBatchSize {
			break
		}
		if tx.kind == kind {
			batch = append(batch, tx)
		}
	}
	return batch
}

// RemoveTransactions drops exactly the given transactions (by identity) and
// returns how many were removed
func (m *Mempool) RemoveTransactions(txs []*Transaction) int {
	drop := make(map[*Transaction]bool, len(txs))
	for _, tx := range txs {
		drop[tx] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]*Transaction, 0, len(m.queue))
	for _, tx := range m.queue {
		if !drop[tx] {
			kept = append(kept, tx)
		}
	}
	removed := len(m.queue) - len(kept)
	m.queue = kept
	return removed
}

// FindTransactionBySignature returns the first queued transaction carrying sig
func (m *Mempool) FindTransactionBySignature(sig []byte) *Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, tx := range m.queue {
		if bytes.Equal(tx.signature, sig) {
			return tx
		}
	}
	return nil
}

// ClearQueue drops every queued transaction and returns how many there were.
// Confirmed balances are kept.
func (m *Mempool) ClearQueue() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.queue)
	m.queue = nil
	return n
}

// BuildBatchTxOptions builds the batch-<kind> call settling txs. The single
// argument is the list of chain encodings; the fee is flat per transaction.
func (m *Mempool) BuildBatchTxOptions(txs []*Transaction, kind TransactionKind, contractAddress, contractName string) (ContractCall, error) {
	if len(txs) == 0 {
		return ContractCall{}, fmt.Errorf("empty %s batch", kind)
	}

	encoded := make(clarity.List, 0, len(txs))
	for _, tx := range txs {
		if tx.kind != kind {
			return ContractCall{}, fmt.Errorf("%w: %s transaction in %s batch", ErrUnsupportedKind, tx.kind, kind)
		}
		v, err := tx.ChainEncoding()
		if err != nil {
			return ContractCall{}, fmt.Errorf("encode transaction %s: %w", tx.SignatureHex(), err)
		}
		encoded = append(encoded, v)
	}

	return ContractCall{
		ContractAddress: contractAddress,
		ContractName:    contractName,
		FunctionName:    kind.BatchFunction(),
		FunctionArgs:    []clarity.Value{encoded},
		Fee:             uint64(FeePerTransaction * len(txs)),
	}, nil
}
