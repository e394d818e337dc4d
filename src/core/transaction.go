package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/signetwallet/signet/src/clarity"
)

// TransactionKind identifies the operation a signed transaction performs
type TransactionKind string

const (
	TxKindTransfer    TransactionKind = "transfer"
	TxKindPredict     TransactionKind = "predict"
	TxKindClaimReward TransactionKind = "claim-reward"
)

// AllTransactionKinds lists every kind in a stable order
var AllTransactionKinds = []TransactionKind{TxKindTransfer, TxKindPredict, TxKindClaimReward}

// Valid reports whether k is one of the known kinds
func (k TransactionKind) Valid() bool {
	switch k {
	case TxKindTransfer, TxKindPredict, TxKindClaimReward:
		return true
	}
	return false
}

// BatchFunction is the contract entry point that settles a list of k
func (k TransactionKind) BatchFunction() string {
	return "batch-" + string(k)
}

// ParseTransactionKind accepts "transfer", "TRANSFER", "claim_reward" and
// similar spellings.
func ParseTransactionKind(s string) (TransactionKind, error) {
	k := TransactionKind(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedKind, s)
	}
	return k, nil
}

// Payload is the kind-specific part of a transaction. The set of
// implementations is closed: TransferPayload, PredictPayload and
// ClaimRewardPayload.
type Payload interface {
	Kind() TransactionKind
	isPayload()
}

// TransferPayload moves Amount from the signer to To
type TransferPayload struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

// PredictPayload stakes Amount on an outcome of a market
type PredictPayload struct {
	MarketID  uint64 `json:"marketId"`
	OutcomeID uint64 `json:"outcomeId"`
	Amount    uint64 `json:"amount"`
}

// ClaimRewardPayload redeems a prediction receipt
type ClaimRewardPayload struct {
	ReceiptID uint64 `json:"receiptId"`
}

func (TransferPayload) Kind() TransactionKind    { return TxKindTransfer }
func (PredictPayload) Kind() TransactionKind     { return TxKindPredict }
func (ClaimRewardPayload) Kind() TransactionKind { return TxKindClaimReward }

func (TransferPayload) isPayload()    {}
func (PredictPayload) isPayload()     {}
func (ClaimRewardPayload) isPayload() {}

// TransactionRequest is a signed operation as submitted by the wallet
type TransactionRequest struct {
	Kind      TransactionKind `json:"type"`
	Signer    string          `json:"signer"`
	Nonce     uint64          `json:"nonce"`
	Signature string          `json:"signature"`
	Data      Payload         `json:"data"`
}

type transactionRequestJSON struct {
	Kind      string          `json:"type"`
	Signer    string          `json:"signer"`
	Nonce     uint64          `json:"nonce"`
	Signature string          `json:"signature"`
	Data      json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes the data field according to the type field
func (r *TransactionRequest) UnmarshalJSON(b []byte) error {
	var raw transactionRequestJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	kind, err := ParseTransactionKind(raw.Kind)
	if err != nil {
		return err
	}

	var payload Payload
	switch kind {
	case TxKindTransfer:
		var p TransferPayload
		err = decodePayload(raw.Data, &p)
		payload = p
	case TxKindPredict:
		var p PredictPayload
		err = decodePayload(raw.Data, &p)
		payload = p
	case TxKindClaimReward:
		var p ClaimRewardPayload
		err = decodePayload(raw.Data, &p)
		payload = p
	}
	if err != nil {
		return fmt.Errorf("invalid %s data: %w", kind, err)
	}

	*r = TransactionRequest{
		Kind:      kind,
		Signer:    raw.Signer,
		Nonce:     raw.Nonce,
		Signature: raw.Signature,
		Data:      payload,
	}
	return nil
}

func decodePayload(data json.RawMessage, dst interface{}) error {
	if len(data) == 0 || string(data) == "null" {
		return fmt.Errorf("missing data")
	}
	return json.Unmarshal(data, dst)
}

// Transaction is an immutable signed operation queued in a subnet mempool.
// Its affected users and balance delta are derived once at construction.
type Transaction struct {
	kind       TransactionKind
	signer     string
	nonce      uint64
	signature  []byte
	payload    Payload
	affected   []string
	delta      map[string]int64
	receivedAt time.Time
}

// NewTransaction validates a request and derives the transaction's balance
// impact. The signature is not verified here.
func NewTransaction(req TransactionRequest) (*Transaction, error) {
	if err := ValidateTransactionRequest(req); err != nil {
		return nil, err
	}

	sig, err := ParseSignature(req.Signature)
	if err != nil {
		return nil, err
	}

	tx := &Transaction{
		kind:       req.Data.Kind(),
		signer:     req.Signer,
		nonce:      req.Nonce,
		signature:  sig,
		payload:    req.Data,
		affected:   []string{req.Signer},
		delta:      make(map[string]int64),
		receivedAt: time.Now(),
	}

	switch p := req.Data.(type) {
	case TransferPayload:
		if p.To != req.Signer {
			tx.affected = append(tx.affected, p.To)
		}
		tx.delta[req.Signer] -= int64(p.Amount)
		tx.delta[p.To] += int64(p.Amount)
	case PredictPayload:
		// stake is escrowed by the contract
		tx.delta[req.Signer] -= int64(p.Amount)
	case ClaimRewardPayload:
		// payout is unknown client-side, so no projection
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKind, req.Data)
	}

	return tx, nil
}

// ParseSignature decodes a hex signature with or without the 0x prefix
func ParseSignature(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, newValidationError("signature", "required")
	}
	sig, err := hex.DecodeString(s)
	if err != nil {
		return nil, newValidationError("signature", "must be hex encoded")
	}
	return sig, nil
}

func (tx *Transaction) Kind() TransactionKind { return tx.kind }
func (tx *Transaction) Signer() string        { return tx.signer }
func (tx *Transaction) Nonce() uint64         { return tx.nonce }
func (tx *Transaction) Payload() Payload      { return tx.payload }
func (tx *Transaction) ReceivedAt() time.Time { return tx.receivedAt }

// Signature returns a copy of the raw signature bytes
func (tx *Transaction) Signature() []byte {
	return append([]byte(nil), tx.signature...)
}

// SignatureHex returns the 0x-prefixed signature
func (tx *Transaction) SignatureHex() string {
	return encodeSignatureHex(tx.signature)
}

func encodeSignatureHex(sig []byte) string {
	return "0x" + hex.EncodeToString(sig)
}

// AffectedUsers returns the signer, and the recipient for transfers
func (tx *Transaction) AffectedUsers() []string {
	return append([]string(nil), tx.affected...)
}

// BalanceDelta returns the per-user change this transaction causes once
// settled. Claims return an empty map.
func (tx *Transaction) BalanceDelta() map[string]int64 {
	out := make(map[string]int64, len(tx.delta))
	for user, d := range tx.delta {
		out[user] = d
	}
	return out
}

// ChainEncoding renders the tuple the contract's batch function expects
func (tx *Transaction) ChainEncoding() (clarity.Value, error) {
	signed := clarity.Tuple{
		"signature": clarity.Buffer(tx.Signature()),
		"nonce":     clarity.NewUInt(tx.nonce),
	}

	switch p := tx.payload.(type) {
	case TransferPayload:
		to, err := clarity.ParsePrincipal(p.To)
		if err != nil {
			return nil, fmt.Errorf("encode recipient: %w", err)
		}
		return clarity.Tuple{
			"signed": signed,
			"to":     to,
			"amount": clarity.NewUInt(p.Amount),
		}, nil
	case PredictPayload:
		return clarity.Tuple{
			"signed":     signed,
			"market_id":  clarity.NewUInt(p.MarketID),
			"outcome_id": clarity.NewUInt(p.OutcomeID),
			"amount":     clarity.NewUInt(p.Amount),
		}, nil
	case ClaimRewardPayload:
		return clarity.Tuple{
			"signed":     signed,
			"receipt_id": clarity.NewUInt(p.ReceiptID),
		}, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKind, tx.payload)
	}
}

// MarshalJSON renders the transaction for API responses
func (tx *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind          TransactionKind `json:"type"`
		Signer        string          `json:"signer"`
		Nonce         uint64          `json:"nonce"`
		Signature     string          `json:"signature"`
		Data          Payload         `json:"data"`
		AffectedUsers []string        `json:"affectedUsers"`
		ReceivedAt    int64           `json:"receivedAt"`
	}{
		Kind:          tx.kind,
		Signer:        tx.signer,
		Nonce:         tx.nonce,
		Signature:     tx.SignatureHex(),
		Data:          tx.payload,
		AffectedUsers: tx.affected,
		ReceivedAt:    tx.receivedAt.Unix(),
	})
}
