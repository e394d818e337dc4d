package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/signetwallet/signet/src/clarity"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ChainClient is the on-chain capability a subnet needs: read-only queries,
// signature verification and batch execution
type ChainClient interface {
	// ReadBalance calls the subnet's get-balance read-only function
	ReadBalance(ctx context.Context, contractAddress, contractName, user string) (uint64, error)
	// VerifyTransferSignature asks the contract whether a signed transfer is valid
	VerifyTransferSignature(ctx context.Context, contractAddress, contractName string, signature []byte, nonce uint64, recipient string, amount uint64, sender string) (bool, error)
	// VerifyClaimSignature asks the contract whether a signed claim is valid
	VerifyClaimSignature(ctx context.Context, contractAddress, contractName string, signature []byte, nonce, receiptID uint64, sender string) (bool, error)
	// ExecuteBatch signs and broadcasts call from acct and returns the txid
	ExecuteBatch(ctx context.Context, call ContractCall, acct Account) (string, error)
}

// TxSigner turns a contract call into a signed, serialized Stacks transaction
type TxSigner interface {
	SignContractCall(ctx context.Context, call ContractCall, acct Account) ([]byte, error)
}

// StacksChainClient implements ChainClient over the Stacks node HTTP API
type StacksChainClient struct {
	apiURL     string
	httpClient *http.Client
	signer     TxSigner
}

// NewStacksChainClient creates a chain client for the node at apiURL. A nil
// signer leaves the client read-only.
func NewStacksChainClient(apiURL string, httpClient *http.Client, signer TxSigner) *StacksChainClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &StacksChainClient{
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		httpClient: httpClient,
		signer:     signer,
	}
}

// NewInstrumentedHTTPClient returns an http.Client whose requests are traced
func NewInstrumentedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

type readOnlyRequest struct {
	Sender    string   `json:"sender"`
	Arguments []string `json:"arguments"`
}

type readOnlyResponse struct {
	Okay   bool   `json:"okay"`
	Result string `json:"result"`
	Cause  string `json:"cause"`
}

// callReadOnly evaluates a read-only function and decodes its Clarity result
func (c *StacksChainClient) callReadOnly(ctx context.Context, contractAddress, contractName, fn, sender string, args ...clarity.Value) (result clarity.Value, err error) {
	ctx, span := tracer.Start(ctx, "chain.call-read",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("contract", contractAddress+"."+contractName),
			attribute.String("function", fn),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		ObserveChainCall(fn, start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	encoded := make([]string, 0, len(args))
	for i, arg := range args {
		h, err := clarity.SerializeHex(arg)
		if err != nil {
			return nil, fmt.Errorf("encode %s argument %d: %w", fn, i, err)
		}
		encoded = append(encoded, h)
	}

	body, err := json.Marshal(readOnlyRequest{Sender: sender, Arguments: encoded})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/v2/contracts/call-read/%s/%s/%s", c.apiURL, contractAddress, contractName, fn)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ChainError{Op: fn, Reason: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &ChainError{Op: fn, Status: resp.StatusCode, Reason: strings.TrimSpace(string(msg))}
	}

	var out readOnlyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", fn, err)
	}
	if !out.Okay {
		return nil, &ChainError{Op: fn, Reason: out.Cause}
	}

	result, err = clarity.DeserializeHex(out.Result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", fn, err)
	}
	return result, nil
}

// ReadBalance returns the user's balance held by the subnet contract
func (c *StacksChainClient) ReadBalance(ctx context.Context, contractAddress, contractName, user string) (uint64, error) {
	who, err := clarity.ParsePrincipal(user)
	if err != nil {
		return 0, newValidationError("user", err.Error())
	}

	result, err := c.callReadOnly(ctx, contractAddress, contractName, "get-balance", contractAddress, who)
	if err != nil {
		return 0, err
	}
	return clarity.AsUint64(result)
}

// VerifyTransferSignature evaluates verify-transfer-signature on the contract
func (c *StacksChainClient) VerifyTransferSignature(ctx context.Context, contractAddress, contractName string, signature []byte, nonce uint64, recipient string, amount uint64, sender string) (bool, error) {
	to, err := clarity.ParsePrincipal(recipient)
	if err != nil {
		return false, newValidationError("to", err.Error())
	}
	from, err := clarity.ParsePrincipal(sender)
	if err != nil {
		return false, newValidationError("signer", err.Error())
	}

	result, err := c.callReadOnly(ctx, contractAddress, contractName, "verify-transfer-signature", sender,
		clarity.Buffer(signature),
		clarity.NewUInt(nonce),
		to,
		clarity.NewUInt(amount),
		from,
	)
	if err != nil {
		return false, err
	}
	return clarity.AsBool(result)
}

// VerifyClaimSignature evaluates verify-claim-signature on the contract
func (c *StacksChainClient) VerifyClaimSignature(ctx context.Context, contractAddress, contractName string, signature []byte, nonce, receiptID uint64, sender string) (bool, error) {
	from, err := clarity.ParsePrincipal(sender)
	if err != nil {
		return false, newValidationError("signer", err.Error())
	}

	result, err := c.callReadOnly(ctx, contractAddress, contractName, "verify-claim-signature", sender,
		clarity.Buffer(signature),
		clarity.NewUInt(nonce),
		clarity.NewUInt(receiptID),
		from,
	)
	if err != nil {
		return false, err
	}
	return clarity.AsBool(result)
}

type broadcastError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	TxID   string `json:"txid"`
}

// ExecuteBatch signs call through the configured TxSigner and broadcasts it
func (c *StacksChainClient) ExecuteBatch(ctx context.Context, call ContractCall, acct Account) (txid string, err error) {
	if c.signer == nil {
		return "", ErrSigningUnavailable
	}

	ctx, span := tracer.Start(ctx, "chain.execute-batch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("contract", call.ContractID()),
			attribute.String("function", call.FunctionName),
			attribute.Int64("fee", int64(call.Fee)),
		))
	defer span.End()

	start := time.Now()
	defer func() {
		ObserveChainCall("broadcast", start, err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	raw, err := c.signer.SignContractCall(ctx, call, acct)
	if err != nil {
		return "", fmt.Errorf("sign %s: %w", call.FunctionName, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/v2/transactions", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", &ChainError{Op: "broadcast", Reason: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return "", fmt.Errorf("failed to read broadcast response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var be broadcastError
		reason := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &be) == nil && be.Error != "" {
			reason = be.Error
			if be.Reason != "" {
				reason += ": " + be.Reason
			}
		}
		return "", &ChainError{Op: "broadcast", Status: resp.StatusCode, Reason: reason}
	}

	if err := json.Unmarshal(body, &txid); err != nil {
		txid = strings.Trim(strings.TrimSpace(string(body)), `"`)
	}
	if txid == "" {
		return "", &ChainError{Op: "broadcast", Status: resp.StatusCode, Reason: "empty txid"}
	}

	span.SetAttributes(attribute.String("txid", txid))
	return txid, nil
}

// RemoteSigner delegates signing to a local signing bridge that holds the
// wallet keys. Private keys never leave the bridge.
type RemoteSigner struct {
	signerURL  string
	httpClient *http.Client
}

// NewRemoteSigner creates a signer posting to signerURL
func NewRemoteSigner(signerURL string, httpClient *http.Client) *RemoteSigner {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &RemoteSigner{
		signerURL:  strings.TrimSuffix(signerURL, "/"),
		httpClient: httpClient,
	}
}

type signRequest struct {
	ContractAddress string   `json:"contractAddress"`
	ContractName    string   `json:"contractName"`
	FunctionName    string   `json:"functionName"`
	FunctionArgs    []string `json:"functionArgs"`
	Fee             uint64   `json:"fee"`
	SenderAddress   string   `json:"senderAddress"`
}

type signResponse struct {
	Transaction string `json:"transaction"`
}

// SignContractCall returns the serialized signed transaction for call
func (s *RemoteSigner) SignContractCall(ctx context.Context, call ContractCall, acct Account) ([]byte, error) {
	args, err := call.EncodedArgs()
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(signRequest{
		ContractAddress: call.ContractAddress,
		ContractName:    call.ContractName,
		FunctionName:    call.FunctionName,
		FunctionArgs:    args,
		Fee:             call.Fee,
		SenderAddress:   acct.Address,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.signerURL+"/sign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrSigningUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out signResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode sign response: %w", err)
	}

	raw, err := hex.DecodeString(strings.TrimPrefix(out.Transaction, "0x"))
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("signer returned an invalid transaction")
	}
	return raw, nil
}
