package main

import (
	"math"
	"strings"

	"github.com/signetwallet/signet/src/clarity"
)

// ValidateTransactionRequest checks a request's fields before a Transaction
// is built. It performs no chain interaction.
func ValidateTransactionRequest(req TransactionRequest) error {
	if req.Data == nil {
		return newValidationError("data", "required")
	}

	if req.Kind != "" && req.Kind != req.Data.Kind() {
		return newValidationError("type", "does not match data ("+string(req.Data.Kind())+")")
	}

	if req.Signer == "" {
		return newValidationError("signer", "required")
	}
	if !clarity.IsValidAddress(req.Signer) {
		return newValidationError("signer", "not a valid stacks address")
	}

	if strings.TrimPrefix(strings.TrimSpace(req.Signature), "0x") == "" {
		return newValidationError("signature", "required")
	}

	switch p := req.Data.(type) {
	case TransferPayload:
		if p.To == "" {
			return newValidationError("to", "required")
		}
		if _, err := clarity.ParsePrincipal(p.To); err != nil {
			return newValidationError("to", "not a valid principal")
		}
		if err := validateAmount(p.Amount); err != nil {
			return err
		}
		if req.Nonce == 0 {
			return newValidationError("nonce", "must be positive")
		}
	case PredictPayload:
		if err := validateAmount(p.Amount); err != nil {
			return err
		}
	case ClaimRewardPayload:
	default:
		return newValidationError("type", "unsupported transaction kind")
	}

	return nil
}

// validateAmount keeps amounts positive and within a signed 64-bit delta
func validateAmount(amount uint64) error {
	if amount == 0 {
		return newValidationError("amount", "must be positive")
	}
	if amount > math.MaxInt64 {
		return newValidationError("amount", "exceeds maximum")
	}
	return nil
}
