package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// SubnetRegistry owns the fixed set of subnets, keyed by contract id and
// iterated in registration order
type SubnetRegistry struct {
	order   []string
	subnets map[string]*Subnet

	signerMu sync.RWMutex
	signer   string
}

// NewSubnetRegistry builds one Subnet per configured contract. Any
// construction failure aborts startup.
func NewSubnetRegistry(contracts ContractsConfig, chain ChainClient, session CurrentSigner, opts SubnetOptions) (*SubnetRegistry, error) {
	r := &SubnetRegistry{subnets: make(map[string]*Subnet, len(contracts.Subnets))}

	for _, sc := range contracts.Subnets {
		if _, exists := r.subnets[sc.Contract]; exists {
			return nil, fmt.Errorf("duplicate subnet contract %s", sc.Contract)
		}
		subnet, err := NewSubnet(sc.Contract, contracts, chain, session, opts)
		if err != nil {
			return nil, fmt.Errorf("failed to create subnet: %w", err)
		}
		r.subnets[sc.Contract] = subnet
		r.order = append(r.order, sc.Contract)
	}

	logger.Info("Registered subnets", "count", len(r.order), "subnets", r.order)
	return r, nil
}

// Subnet returns the subnet registered for contractID
func (r *SubnetRegistry) Subnet(contractID string) (*Subnet, error) {
	s, ok := r.subnets[contractID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSubnetNotFound, contractID)
	}
	return s, nil
}

// Subnets returns all subnets in registration order
func (r *SubnetRegistry) Subnets() []*Subnet {
	out := make([]*Subnet, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.subnets[id])
	}
	return out
}

// SetSigner propagates address to every subnet. Setting the current value
// is a no-op.
func (r *SubnetRegistry) SetSigner(address string) {
	r.signerMu.Lock()
	defer r.signerMu.Unlock()

	if address == r.signer {
		return
	}
	r.signer = address
	for _, s := range r.Subnets() {
		s.SetSigner(address)
	}
	logger.Info("Signer updated", "address", address)
}

// Signer returns the registry-wide signer address
func (r *SubnetRegistry) Signer() string {
	r.signerMu.RLock()
	defer r.signerMu.RUnlock()
	return r.signer
}

// ProcessTxRequest admits req to subnetID, or to the first subnet able to
// process it when subnetID is empty. It returns the subnet used.
func (r *SubnetRegistry) ProcessTxRequest(ctx context.Context, req TransactionRequest, subnetID string) (*Transaction, string, error) {
	if subnetID != "" {
		s, err := r.Subnet(subnetID)
		if err != nil {
			return nil, "", err
		}
		tx, err := s.ProcessTxRequest(ctx, req)
		return tx, subnetID, err
	}

	for _, s := range r.Subnets() {
		if s.CanProcessTransaction(req) {
			tx, err := s.ProcessTxRequest(ctx, req)
			return tx, s.ContractID(), err
		}
	}
	return nil, "", fmt.Errorf("%w: no subnet accepts %s transactions", ErrSubnetNotFound, req.Kind)
}

// FindTransaction returns the first queued transaction carrying signature
// and the subnet holding it
func (r *SubnetRegistry) FindTransaction(signature []byte) (*Transaction, string, bool) {
	for _, s := range r.Subnets() {
		if tx, ok := s.FindTransaction(signature); ok {
			return tx, s.ContractID(), true
		}
	}
	return nil, "", false
}

func (r *SubnetRegistry) resolveAddress(address string) (string, error) {
	if address != "" {
		return address, nil
	}
	if signer := r.Signer(); signer != "" {
		return signer, nil
	}
	return "", ErrNoAddress
}

// GetBalance refreshes and returns address's projected balance on every
// transfer-capable subnet. An empty address falls back to the signer.
func (r *SubnetRegistry) GetBalance(ctx context.Context, address string) (map[string]int64, error) {
	user, err := r.resolveAddress(address)
	if err != nil {
		return nil, err
	}

	balances := make(map[string]int64)
	for _, s := range r.Subnets() {
		if !s.CanProcessKind(TxKindTransfer) {
			continue
		}
		// a failed refresh leaves the cached balance, or zero
		s.RefreshBalances(ctx, user)
		balances[s.ContractID()] = s.Mempool().ProjectedBalance(user)
	}
	return balances, nil
}

// AllBalances returns the projected balances of every subnet
func (r *SubnetRegistry) AllBalances(ctx context.Context) map[string]map[string]int64 {
	out := make(map[string]map[string]int64, len(r.order))
	for _, s := range r.Subnets() {
		out[s.ContractID()] = s.GetBalances(ctx)
	}
	return out
}

// MineResult is the outcome of mining a single transaction
type MineResult struct {
	Success bool   `json:"success"`
	Subnet  string `json:"subnet,omitempty"`
	TxID    string `json:"txid,omitempty"`
	Error   string `json:"error,omitempty"`
}

// MineSingleTransaction mines signature on subnetID, or searches subnets in
// registration order. A transaction found nowhere yields an unsuccessful
// result, not an error.
func (r *SubnetRegistry) MineSingleTransaction(ctx context.Context, signature []byte, subnetID string) (MineResult, error) {
	if subnetID != "" {
		s, err := r.Subnet(subnetID)
		if err != nil {
			return MineResult{}, err
		}
		txid, err := s.MineSingleTransaction(ctx, signature)
		if err != nil {
			return MineResult{Subnet: subnetID, Error: err.Error()}, err
		}
		return MineResult{Success: true, Subnet: subnetID, TxID: txid}, nil
	}

	for _, s := range r.Subnets() {
		txid, err := s.MineSingleTransaction(ctx, signature)
		if errors.Is(err, ErrTransactionNotFound) {
			continue
		}
		if err != nil {
			return MineResult{Subnet: s.ContractID(), Error: err.Error()}, err
		}
		return MineResult{Success: true, Subnet: s.ContractID(), TxID: txid}, nil
	}

	return MineResult{Success: false, Error: ErrTransactionNotFound.Error()}, nil
}

// SubnetMineResult aggregates the mining of several transactions on one subnet
type SubnetMineResult struct {
	Success bool   `json:"success"`
	TxID    string `json:"txid,omitempty"`
	Count   int    `json:"count"`
	Error   string `json:"error,omitempty"`
}

// BatchMineResult is the outcome of MineBatchTransactions
type BatchMineResult struct {
	Success    bool                        `json:"success"`
	Results    map[string]SubnetMineResult `json:"results"`
	Unresolved []string                    `json:"unresolved,omitempty"`
}

// MineBatchTransactions locates each signature's subnet, then mines every
// matched transaction individually. The overall result succeeds when any
// subnet mined at least one transaction.
func (r *SubnetRegistry) MineBatchTransactions(ctx context.Context, signatures [][]byte) BatchMineResult {
	result := BatchMineResult{Results: make(map[string]SubnetMineResult)}

	grouped := make(map[string][][]byte)
	var groupOrder []string
	for _, sig := range signatures {
		tx, subnetID, ok := r.FindTransaction(sig)
		if !ok {
			result.Unresolved = append(result.Unresolved, encodeSignatureHex(sig))
			continue
		}
		if _, seen := grouped[subnetID]; !seen {
			groupOrder = append(groupOrder, subnetID)
		}
		grouped[subnetID] = append(grouped[subnetID], tx.Signature())
	}

	for _, subnetID := range groupOrder {
		s := r.subnets[subnetID]
		agg := SubnetMineResult{}
		for _, sig := range grouped[subnetID] {
			txid, err := s.MineSingleTransaction(ctx, sig)
			if err != nil {
				agg.Error = err.Error()
				logger.Warn("Failed to mine transaction",
					"subnet", subnetID, "signature", encodeSignatureHex(sig), "error", err)
				continue
			}
			agg.TxID = txid
			agg.Count++
		}
		agg.Success = agg.Count > 0
		if agg.Success {
			result.Success = true
		}
		result.Results[subnetID] = agg
	}

	return result
}

// MineBatchByType mines one FIFO batch of kind on every subnet routed for it
func (r *SubnetRegistry) MineBatchByType(ctx context.Context, kind TransactionKind, maxBatchSize int) map[string]MinedBatch {
	out := make(map[string]MinedBatch)
	for _, s := range r.Subnets() {
		if !s.CanProcessKind(kind) {
			continue
		}
		batch, err := s.MineBatch(ctx, kind, maxBatchSize)
		if err != nil {
			logger.Error("Batch mining failed", "subnet", s.ContractID(), "kind", kind, "error", err)
			continue
		}
		if batch.Count > 0 {
			out[s.ContractID()] = batch
		}
	}
	return out
}

// DiscardTransaction removes signature from subnetID, or from every subnet
// holding it. It returns the subnets it was removed from.
func (r *SubnetRegistry) DiscardTransaction(signature []byte, subnetID string) ([]string, error) {
	if subnetID != "" {
		s, err := r.Subnet(subnetID)
		if err != nil {
			return nil, err
		}
		if s.DiscardTransaction(signature) {
			return []string{subnetID}, nil
		}
		return nil, nil
	}

	var removed []string
	for _, s := range r.Subnets() {
		if s.DiscardTransaction(signature) {
			removed = append(removed, s.ContractID())
		}
	}
	return removed, nil
}
