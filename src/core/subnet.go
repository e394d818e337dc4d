package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/signetwallet/signet/src/clarity"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// balanceFetchConcurrency bounds parallel balance reads per subnet
const balanceFetchConcurrency = 8

// SubnetOptions tunes a subnet's behaviour
type SubnetOptions struct {
	VerifySignatures bool
	MaxBatchSize     int
}

// Subnet owns the mempool and on-chain identity of one subnet contract
type Subnet struct {
	contractID      string
	contractAddress string
	contractName    string
	tokenIdentifier string
	routes          map[TransactionKind]string
	opts            SubnetOptions

	chain   ChainClient
	session CurrentSigner
	mempool *Mempool

	signerMu sync.RWMutex
	signer   string

	// serializes mining so a transaction is never broadcast twice
	mineMu sync.Mutex

	log *slog.Logger
}

// subnetBalanceFetcher adapts a Subnet's chain reads to BalanceFetcher
type subnetBalanceFetcher struct {
	subnet *Subnet
}

func (f subnetBalanceFetcher) FetchBalance(ctx context.Context, user string) (uint64, error) {
	return f.subnet.chain.ReadBalance(ctx, f.subnet.contractAddress, f.subnet.contractName, user)
}

// NewSubnet creates a subnet for contractID. It fails when the contract has
// no token mapping or the id is malformed.
func NewSubnet(contractID string, contracts ContractsConfig, chain ChainClient, session CurrentSigner, opts SubnetOptions) (*Subnet, error) {
	token, ok := contracts.TokenFor(contractID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMissingTokenMapping, contractID)
	}

	address, name, err := SplitContractID(contractID)
	if err != nil {
		return nil, err
	}

	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = DefaultMaxBatchSize
	}

	routes := make(map[TransactionKind]string, len(contracts.Routes))
	for kind, contract := range contracts.Routes {
		routes[kind] = contract
	}

	s := &Subnet{
		contractID:      contractID,
		contractAddress: address,
		contractName:    name,
		tokenIdentifier: token,
		routes:          routes,
		opts:            opts,
		chain:           chain,
		session:         session,
		log:             logger.With("subnet", contractID),
	}
	s.mempool = NewMempool(subnetBalanceFetcher{subnet: s})
	UpdateMempoolGauge(contractID, 0)
	return s, nil
}

func (s *Subnet) ContractID() string      { return s.contractID }
func (s *Subnet) ContractAddress() string { return s.contractAddress }
func (s *Subnet) ContractName() string    { return s.contractName }
func (s *Subnet) TokenIdentifier() string { return s.tokenIdentifier }

// Mempool returns the subnet's queue
func (s *Subnet) Mempool() *Mempool { return s.mempool }

// SetSigner sets the address used when no explicit user is given
func (s *Subnet) SetSigner(address string) {
	s.signerMu.Lock()
	defer s.signerMu.Unlock()
	s.signer = address
}

// Signer returns the current signer address
func (s *Subnet) Signer() string {
	s.signerMu.RLock()
	defer s.signerMu.RUnlock()
	return s.signer
}

// CanProcessTransaction reports whether req's kind settles on this contract
func (s *Subnet) CanProcessTransaction(req TransactionRequest) bool {
	kind := req.Kind
	if req.Data != nil {
		kind = req.Data.Kind()
	}
	return s.CanProcessKind(kind)
}

// CanProcessKind reports whether kind is routed to this contract
func (s *Subnet) CanProcessKind(kind TransactionKind) bool {
	return s.routes[kind] == s.contractID
}

// ProcessTxRequest validates req, verifies its signature against the contract
// and queues it
func (s *Subnet) ProcessTxRequest(ctx context.Context, req TransactionRequest) (*Transaction, error) {
	tx, err := NewTransaction(req)
	if err != nil {
		RecordTransactionProcessed(req.Kind, false)
		return nil, err
	}

	if !s.CanProcessKind(tx.Kind()) {
		RecordTransactionProcessed(tx.Kind(), false)
		return nil, newValidationError("type", fmt.Sprintf("%s is not settled on %s", tx.Kind(), s.contractID))
	}

	if s.opts.VerifySignatures && !s.verify(ctx, tx) {
		RecordTransactionProcessed(tx.Kind(), false)
		s.log.Warn("Rejected transaction with invalid signature",
			"kind", tx.Kind(), "signer", tx.Signer(), "signature", tx.SignatureHex())
		return nil, ErrInvalidSignature
	}

	if err := s.mempool.AddTransaction(tx); err != nil {
		RecordTransactionProcessed(tx.Kind(), false)
		s.log.Warn("Rejected transaction", "kind", tx.Kind(), "signer", tx.Signer(), "error", err)
		return nil, err
	}
	RecordTransactionProcessed(tx.Kind(), true)
	UpdateMempoolGauge(s.contractID, s.mempool.Len())

	s.log.Info("Queued transaction",
		"kind", tx.Kind(), "signer", tx.Signer(), "nonce", tx.Nonce(), "signature", tx.SignatureHex())
	return tx, nil
}

func (s *Subnet) verify(ctx context.Context, tx *Transaction) bool {
	switch p := tx.Payload().(type) {
	case TransferPayload:
		return s.VerifyTransferSignature(ctx, tx.signature, tx.Nonce(), p.To, p.Amount, tx.Signer())
	case ClaimRewardPayload:
		return s.VerifyClaimSignature(ctx, tx.signature, tx.Nonce(), p.ReceiptID, tx.Signer())
	default:
		// the contract exposes no read-only verifier for this kind
		s.log.Debug("No signature verifier for kind", "kind", tx.Kind())
		return true
	}
}

// VerifyTransferSignature returns false when the contract rejects the
// signature or the call fails
func (s *Subnet) VerifyTransferSignature(ctx context.Context, signature []byte, nonce uint64, recipient string, amount uint64, sender string) bool {
	ok, err := s.chain.VerifyTransferSignature(ctx, s.contractAddress, s.contractName, signature, nonce, recipient, amount, sender)
	if err != nil {
		s.log.Error("Transfer signature verification failed", "sender", sender, "error", err)
		return false
	}
	return ok
}

// VerifyClaimSignature returns false when the contract rejects the signature
// or the call fails
func (s *Subnet) VerifyClaimSignature(ctx context.Context, signature []byte, nonce, receiptID uint64, sender string) bool {
	ok, err := s.chain.VerifyClaimSignature(ctx, s.contractAddress, s.contractName, signature, nonce, receiptID, sender)
	if err != nil {
		s.log.Error("Claim signature verification failed", "sender", sender, "error", err)
		return false
	}
	return ok
}

// FetchContractBalance reads user's confirmed balance. Failures are logged
// and read as zero; nothing is cached here.
func (s *Subnet) FetchContractBalance(ctx context.Context, user string) uint64 {
	bal, err := s.chain.ReadBalance(ctx, s.contractAddress, s.contractName, user)
	if err != nil {
		s.log.Warn("Failed to fetch contract balance", "user", user, "error", err)
		return 0
	}
	return bal
}

// GetBalances loads any missing confirmed balances for users touched by the
// queue, then returns confirmed + pending for every known user
func (s *Subnet) GetBalances(ctx context.Context) map[string]int64 {
	var missing []string
	for _, u := range s.mempool.AffectedUsers() {
		if _, ok := s.mempool.ConfirmedBalance(u); !ok {
			missing = append(missing, u)
		}
	}
	s.refresh(ctx, missing)
	return s.mempool.TotalBalances()
}

// GetBalance returns confirmed + pending for user. When the confirmed
// balance cannot be loaded the projection starts from zero.
func (s *Subnet) GetBalance(ctx context.Context, user string) int64 {
	bal, err := s.mempool.GetBalance(ctx, user)
	if err != nil {
		s.log.Warn("Failed to load balance", "user", user, "error", err)
		return s.mempool.ProjectedBalance(user)
	}
	return bal
}

// RefreshBalances refetches the given users, or every known user when none
// are given
func (s *Subnet) RefreshBalances(ctx context.Context, users ...string) {
	if len(users) == 0 {
		users = s.mempool.KnownUsers()
	}
	s.refresh(ctx, users)
}

func (s *Subnet) refresh(ctx context.Context, users []string) {
	if len(users) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(balanceFetchConcurrency)
	for _, user := range users {
		g.Go(func() error {
			if _, err := s.mempool.RefreshBalance(gctx, user); err != nil {
				s.log.Warn("Failed to refresh balance", "user", user, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// MineSingleTransaction settles the queued transaction carrying signature as
// a one-element batch. On failure the queue is left untouched.
func (s *Subnet) MineSingleTransaction(ctx context.Context, signature []byte) (string, error) {
	s.mineMu.Lock()
	defer s.mineMu.Unlock()

	tx := s.mempool.FindTransactionBySignature(signature)
	if tx == nil {
		return "", fmt.Errorf("%w in %s", ErrTransactionNotFound, s.contractID)
	}

	txid, err := s.executeBatch(ctx, tx.Kind(), []*Transaction{tx})
	if err != nil {
		return "", err
	}
	return txid, nil
}

// MinedBatch describes one settled batch
type MinedBatch struct {
	BatchID    string          `json:"batchId"`
	Kind       TransactionKind `json:"kind"`
	TxID       string          `json:"txid,omitempty"`
	Count      int             `json:"count"`
	Signatures []string        `json:"signatures,omitempty"`
}

// MineBatch settles up to maxBatchSize queued transactions of kind, oldest
// first. An empty selection is not an error.
func (s *Subnet) MineBatch(ctx context.Context, kind TransactionKind, maxBatchSize int) (MinedBatch, error) {
	if maxBatchSize <= 0 {
		maxBatchSize = s.opts.MaxBatchSize
	}

	s.mineMu.Lock()
	defer s.mineMu.Unlock()

	batch := MinedBatch{BatchID: uuid.New().String(), Kind: kind}
	txs := s.mempool.GetBatchByType(kind, maxBatchSize)
	if len(txs) == 0 {
		return batch, nil
	}

	txid, err := s.executeBatch(ctx, kind, txs)
	if err != nil {
		return batch, err
	}

	batch.TxID = txid
	batch.Count = len(txs)
	for _, tx := range txs {
		batch.Signatures = append(batch.Signatures, tx.SignatureHex())
	}
	return batch, nil
}

// executeBatch broadcasts txs and removes them from the queue on success.
// Callers hold mineMu.
func (s *Subnet) executeBatch(ctx context.Context, kind TransactionKind, txs []*Transaction) (string, error) {
	ctx, span := tracer.Start(ctx, "subnet.mine",
		trace.WithAttributes(
			attribute.String("subnet", s.contractID),
			attribute.String("kind", string(kind)),
			attribute.Int("count", len(txs)),
		))
	defer span.End()

	acct, ok := s.session.ActiveAccount()
	if !ok {
		return "", ErrNoActiveAccount
	}

	call, err := s.mempool.BuildBatchTxOptions(txs, kind, s.contractAddress, s.contractName)
	if err != nil {
		return "", err
	}

	txid, err := s.chain.ExecuteBatch(ctx, call, *acct)
	RecordTransactionsMined(s.contractID, kind, len(txs), err)
	if err != nil {
		span.RecordError(err)
		s.log.Error("Batch execution failed", "kind", kind, "count", len(txs), "error", err)
		return "", fmt.Errorf("mine %s batch on %s: %w", kind, s.contractID, err)
	}

	removed := s.mempool.RemoveTransactions(txs)
	UpdateMempoolGauge(s.contractID, s.mempool.Len())

	s.log.Info("Mined batch", "kind", kind, "count", removed, "txid", txid, "fee", call.Fee)
	return txid, nil
}

// Deposit moves amount of the subnet token from the active account into the
// subnet
func (s *Subnet) Deposit(ctx context.Context, amount uint64) (string, error) {
	return s.directCall(ctx, "deposit", amount)
}

// Withdraw moves amount of the subnet token back to the active account
func (s *Subnet) Withdraw(ctx context.Context, amount uint64) (string, error) {
	return s.directCall(ctx, "withdraw", amount)
}

func (s *Subnet) directCall(ctx context.Context, fn string, amount uint64) (string, error) {
	if amount == 0 {
		return "", newValidationError("amount", "must be positive")
	}

	acct, ok := s.session.ActiveAccount()
	if !ok {
		return "", ErrNoActiveAccount
	}

	call := ContractCall{
		ContractAddress: s.contractAddress,
		ContractName:    s.contractName,
		FunctionName:    fn,
		FunctionArgs:    []clarity.Value{clarity.NewUInt(amount)},
		Fee:             FeePerTransaction,
	}

	txid, err := s.chain.ExecuteBatch(ctx, call, *acct)
	if err != nil {
		return "", fmt.Errorf("%s on %s: %w", fn, s.contractID, err)
	}

	s.log.Info("Submitted contract call", "function", fn, "amount", amount, "txid", txid)
	return txid, nil
}

// FindTransaction returns the queued transaction carrying signature
func (s *Subnet) FindTransaction(signature []byte) (*Transaction, bool) {
	tx := s.mempool.FindTransactionBySignature(signature)
	return tx, tx != nil
}

// DiscardTransaction drops the queued transaction carrying signature
func (s *Subnet) DiscardTransaction(signature []byte) bool {
	tx := s.mempool.FindTransactionBySignature(signature)
	if tx == nil {
		return false
	}
	removed := s.mempool.RemoveTransactions([]*Transaction{tx}) > 0
	UpdateMempoolGauge(s.contractID, s.mempool.Len())
	if removed {
		s.log.Info("Discarded transaction", "signature", tx.SignatureHex())
	}
	return removed
}

// ClearQueue drops every queued transaction
func (s *Subnet) ClearQueue() int {
	n := s.mempool.ClearQueue()
	UpdateMempoolGauge(s.contractID, 0)
	s.log.Info("Cleared queue", "count", n)
	return n
}

// PendingTransactions returns the queue in arrival order
func (s *Subnet) PendingTransactions() []*Transaction {
	return s.mempool.Transactions()
}
