package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/signetwallet/signet/src/clarity"
)

func TestMain(m *testing.M) {
	initLogger("error")
	os.Exit(m.Run())
}

// mockChain is a ChainClient whose behaviour is set per test through its
// function fields. Unset fields succeed.
type mockChain struct {
	ReadBalanceFn    func(ctx context.Context, contractAddress, contractName, user string) (uint64, error)
	VerifyTransferFn func(ctx context.Context, contractAddress, contractName string, signature []byte, nonce uint64, recipient string, amount uint64, sender string) (bool, error)
	VerifyClaimFn    func(ctx context.Context, contractAddress, contractName string, signature []byte, nonce, receiptID uint64, sender string) (bool, error)
	ExecuteBatchFn   func(ctx context.Context, call ContractCall, acct Account) (string, error)

	mu           sync.Mutex
	balanceReads map[string]int
	executed     []ContractCall
}

func newMockChain() *mockChain {
	return &mockChain{balanceReads: make(map[string]int)}
}

func (m *mockChain) ReadBalance(ctx context.Context, contractAddress, contractName, user string) (uint64, error) {
	m.mu.Lock()
	m.balanceReads[user]++
	m.mu.Unlock()

	if m.ReadBalanceFn != nil {
		return m.ReadBalanceFn(ctx, contractAddress, contractName, user)
	}
	return 0, nil
}

func (m *mockChain) VerifyTransferSignature(ctx context.Context, contractAddress, contractName string, signature []byte, nonce uint64, recipient string, amount uint64, sender string) (bool, error) {
	if m.VerifyTransferFn != nil {
		return m.VerifyTransferFn(ctx, contractAddress, contractName, signature, nonce, recipient, amount, sender)
	}
	return true, nil
}

func (m *mockChain) VerifyClaimSignature(ctx context.Context, contractAddress, contractName string, signature []byte, nonce, receiptID uint64, sender string) (bool, error) {
	if m.VerifyClaimFn != nil {
		return m.VerifyClaimFn(ctx, contractAddress, contractName, signature, nonce, receiptID, sender)
	}
	return true, nil
}

func (m *mockChain) ExecuteBatch(ctx context.Context, call ContractCall, acct Account) (string, error) {
	m.mu.Lock()
	m.executed = append(m.executed, call)
	n := len(m.executed)
	m.mu.Unlock()

	if m.ExecuteBatchFn != nil {
		return m.ExecuteBatchFn(ctx, call, acct)
	}
	return fmt.Sprintf("0x%064x", n), nil
}

func (m *mockChain) executedCalls() []ContractCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ContractCall(nil), m.executed...)
}

func (m *mockChain) reads(user string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balanceReads[user]
}

// testAddress returns a valid mainnet address whose hash160 is filled with b
func testAddress(b byte) string {
	var hash [20]byte
	for i := range hash {
		hash[i] = b
	}
	addr, err := clarity.EncodeAddress(clarity.AddressVersionMainnetSingleSig, hash)
	if err != nil {
		panic(err)
	}
	return addr
}

// testSignature returns a 65-byte hex signature filled with b
func testSignature(b byte) string {
	return hex.EncodeToString(bytes.Repeat([]byte{b}, 65))
}

func mustSignature(t *testing.T, s string) []byte {
	t.Helper()
	sig, err := ParseSignature(s)
	if err != nil {
		t.Fatalf("Failed to parse signature: %v", err)
	}
	return sig
}

func transferRequest(from, to string, amount, nonce uint64, sig byte) TransactionRequest {
	return TransactionRequest{
		Kind:      TxKindTransfer,
		Signer:    from,
		Nonce:     nonce,
		Signature: testSignature(sig),
		Data:      TransferPayload{To: to, Amount: amount},
	}
}

func predictRequest(from string, market, outcome, amount uint64, sig byte) TransactionRequest {
	return TransactionRequest{
		Kind:      TxKindPredict,
		Signer:    from,
		Nonce:     1,
		Signature: testSignature(sig),
		Data:      PredictPayload{MarketID: market, OutcomeID: outcome, Amount: amount},
	}
}

func claimRequest(from string, receipt uint64, sig byte) TransactionRequest {
	return TransactionRequest{
		Kind:      TxKindClaimReward,
		Signer:    from,
		Nonce:     1,
		Signature: testSignature(sig),
		Data:      ClaimRewardPayload{ReceiptID: receipt},
	}
}

func mustTransaction(t *testing.T, req TransactionRequest) *Transaction {
	t.Helper()
	tx, err := NewTransaction(req)
	if err != nil {
		t.Fatalf("NewTransaction failed: %v", err)
	}
	return tx
}

// unlockedSession returns a session with an active account
func unlockedSession(address string) *WalletSession {
	session := NewWalletSession()
	session.SetActiveAccount(Account{Address: address, PrivateKey: "test-key"})
	return session
}

func newTestSubnet(t *testing.T, contractID string, chain ChainClient, session CurrentSigner) *Subnet {
	t.Helper()
	s, err := NewSubnet(contractID, DefaultContracts(), chain, session, SubnetOptions{VerifySignatures: true})
	if err != nil {
		t.Fatalf("NewSubnet failed: %v", err)
	}
	return s
}

func newTestNode(chain ChainClient) *SignetNode {
	cfg := DefaultConfig()
	cfg.SignerAddress = testAddress(0xaa)
	node, err := NewSignetNode(cfg, chain)
	if err != nil {
		panic(err)
	}
	return node
}

func TestNewSignetNode(t *testing.T) {
	t.Run("activates configured signer", func(t *testing.T) {
		node := newTestNode(newMockChain())

		if node.registry.Signer() != testAddress(0xaa) {
			t.Errorf("Expected registry signer '%s', got '%s'", testAddress(0xaa), node.registry.Signer())
		}

		acct, ok := node.session.ActiveAccount()
		if !ok || acct.Address != testAddress(0xaa) {
			t.Errorf("Expected active account for configured signer, got %v", acct)
		}

		for _, s := range node.registry.Subnets() {
			if s.Signer() != testAddress(0xaa) {
				t.Errorf("Expected subnet %s signer to be set", s.ContractID())
			}
		}
	})

	t.Run("starts locked without signer", func(t *testing.T) {
		node, err := NewSignetNode(DefaultConfig(), newMockChain())
		if err != nil {
			t.Fatalf("NewSignetNode failed: %v", err)
		}
		if _, ok := node.session.ActiveAccount(); ok {
			t.Error("Expected no active account")
		}
	})

	t.Run("fails on missing token mapping", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Contracts.Subnets = append(cfg.Contracts.Subnets, SubnetContract{
			Contract: "SP2ZNGJ85ENDY6QRHQ5P2D4FXKGZWCKTB2T0Z55KS.unmapped",
		})
		if _, err := NewSignetNode(cfg, newMockChain()); err == nil {
			t.Error("Expected error for subnet without token mapping")
		}
	})
}

func TestMineOnce(t *testing.T) {
	chain := newMockChain()
	node := newTestNode(chain)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		req := transferRequest(testAddress(0x01), testAddress(0x02), 10, uint64(i+1), byte(i+1))
		if _, _, err := node.registry.ProcessTxRequest(ctx, req, DefaultWelshSubnet); err != nil {
			t.Fatalf("ProcessTxRequest failed: %v", err)
		}
	}
	if _, _, err := node.registry.ProcessTxRequest(ctx, predictRequest(testAddress(0x01), 1, 2, 5, 0x10), ""); err != nil {
		t.Fatalf("ProcessTxRequest failed: %v", err)
	}

	node.mineOnce(ctx)

	calls := chain.executedCalls()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 batch calls, got %d", len(calls))
	}
	if calls[0].FunctionName != "batch-transfer" || calls[0].Fee != 3*FeePerTransaction {
		t.Errorf("Unexpected transfer batch: %s fee %d", calls[0].FunctionName, calls[0].Fee)
	}
	if calls[1].FunctionName != "batch-predict" {
		t.Errorf("Expected batch-predict, got %s", calls[1].FunctionName)
	}

	for _, s := range node.registry.Subnets() {
		if n := s.Mempool().Len(); n != 0 {
			t.Errorf("Expected empty mempool on %s, got %d", s.ContractID(), n)
		}
	}
}

func TestMineOnceSkipsWithoutAccount(t *testing.T) {
	chain := newMockChain()
	node, err := NewSignetNode(DefaultConfig(), chain)
	if err != nil {
		t.Fatalf("NewSignetNode failed: %v", err)
	}

	req := transferRequest(testAddress(0x01), testAddress(0x02), 10, 1, 0x01)
	if _, _, err := node.registry.ProcessTxRequest(context.Background(), req, ""); err != nil {
		t.Fatalf("ProcessTxRequest failed: %v", err)
	}

	node.mineOnce(context.Background())

	if len(chain.executedCalls()) != 0 {
		t.Error("Expected no chain calls without an active account")
	}
}

func TestRunMinerStopsOnCancel(t *testing.T) {
	node := newTestNode(newMockChain())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		node.runMiner(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Miner did not stop after cancel")
	}
}

func TestPruneLimiter(t *testing.T) {
	node := newTestNode(newMockChain())
	node.limiter.now = func() time.Time { return time.Now().Add(-time.Hour) }
	node.limiter.GetLimiter("10.9.9.9")
	node.limiter.now = time.Now

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		node.pruneLimiter(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(time.Second)
	for node.limiter.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("Expected idle client to be pruned")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Pruner did not stop after cancel")
	}
}
