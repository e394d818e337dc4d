package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/signetwallet/signet/src/clarity"
)

// APIVersion is sent with every API response
const APIVersion = "1.0"

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body apiResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-API-Version", APIVersion)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("Failed to encode response", "error", err)
	}
}

func writeSuccess(w http.ResponseWriter, status int, data interface{}) {
	writeJSON(w, status, apiResponse{Success: true, Data: data})
}

func writeErrorResponse(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiResponse{Error: &apiError{Code: code, Message: message}})
}

// writeAPIError maps a registry error onto a status code and error code
func writeAPIError(w http.ResponseWriter, r *http.Request, err error) {
	var chainErr *ChainError

	if v, ok := IsValidationError(err); ok {
		writeJSON(w, http.StatusBadRequest, apiResponse{Error: &apiError{
			Code: "INVALID_REQUEST", Message: v.Error(), Field: v.Field,
		}})
		return
	}

	switch {
	case errors.Is(err, ErrInvalidSignature):
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_SIGNATURE", err.Error())
	case errors.Is(err, ErrUnsupportedKind):
		writeErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
	case IsNotFound(err):
		writeErrorResponse(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, ErrNoAddress):
		writeErrorResponse(w, http.StatusBadRequest, "NO_ADDRESS", err.Error())
	case errors.Is(err, ErrNoActiveAccount):
		writeErrorResponse(w, http.StatusConflict, "NO_ACTIVE_ACCOUNT", err.Error())
	case errors.Is(err, ErrSigningUnavailable):
		writeErrorResponse(w, http.StatusServiceUnavailable, "SIGNER_UNAVAILABLE", err.Error())
	case errors.As(err, &chainErr):
		writeErrorResponse(w, http.StatusBadGateway, "CHAIN_ERROR", err.Error())
	default:
		logger.Error("Request failed", "path", r.URL.Path, "requestId", GetRequestID(r.Context()), "error", err)
		writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

// registerRoutes mounts the command API on router
func (node *SignetNode) registerRoutes(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", node.HealthCheckHandler).Methods("GET")

	// Subnet endpoints
	api.HandleFunc("/subnets", node.GetSubnetsHandler).Methods("GET")
	api.HandleFunc("/subnets/{id}/transactions", node.GetSubnetTransactionsHandler).Methods("GET")
	api.HandleFunc("/subnets/{id}/transactions", node.ClearSubnetQueueHandler).Methods("DELETE")
	api.HandleFunc("/subnets/{id}/balances", node.GetSubnetBalancesHandler).Methods("GET")
	api.HandleFunc("/subnets/{id}/refresh", node.RefreshSubnetBalancesHandler).Methods("POST")
	api.HandleFunc("/subnets/{id}/deposit", node.DepositHandler).Methods("POST")
	api.HandleFunc("/subnets/{id}/withdraw", node.WithdrawHandler).Methods("POST")
	api.HandleFunc("/subnets/{id}/mine/{kind}", node.MineSubnetBatchHandler).Methods("POST")

	// Transaction endpoints
	api.HandleFunc("/transactions", node.SubmitTransactionHandler).Methods("POST")
	api.HandleFunc("/transactions/{signature}", node.GetTransactionHandler).Methods("GET")
	api.HandleFunc("/transactions/{signature}", node.DiscardTransactionHandler).Methods("DELETE")

	// Balances and mining
	api.HandleFunc("/balances", node.GetBalancesHandler).Methods("GET")
	api.HandleFunc("/mine", node.MineTransactionHandler).Methods("POST")
	api.HandleFunc("/mine/batch", node.MineBatchHandler).Methods("POST")

	// Signer
	api.HandleFunc("/signer", node.GetSignerHandler).Methods("GET")
	api.HandleFunc("/signer", node.SetSignerHandler).Methods("PUT")
}

// HealthCheckHandler handles health check requests
func (node *SignetNode) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"uptime":  int64(time.Since(node.startedAt).Seconds()),
		"version": Version,
		"subnets": len(node.registry.Subnets()),
	})
}

type subnetView struct {
	ContractID string `json:"contractId"`
	Token      string `json:"token"`
	Signer     string `json:"signer,omitempty"`
	Pending    int    `json:"pending"`
}

// GetSubnetsHandler lists the registered subnets
func (node *SignetNode) GetSubnetsHandler(w http.ResponseWriter, r *http.Request) {
	subnets := node.registry.Subnets()
	views := make([]subnetView, 0, len(subnets))
	for _, s := range subnets {
		views = append(views, subnetView{
			ContractID: s.ContractID(),
			Token:      s.TokenIdentifier(),
			Signer:     s.Signer(),
			Pending:    s.Mempool().Len(),
		})
	}
	writeSuccess(w, http.StatusOK, views)
}

func (node *SignetNode) subnetFromPath(w http.ResponseWriter, r *http.Request) (*Subnet, bool) {
	s, err := node.registry.Subnet(mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, r, err)
		return nil, false
	}
	return s, true
}

// GetSubnetTransactionsHandler returns a subnet's queue in arrival order
func (node *SignetNode) GetSubnetTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := node.subnetFromPath(w, r)
	if !ok {
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"subnet":       s.ContractID(),
		"transactions": s.PendingTransactions(),
	})
}

// ClearSubnetQueueHandler drops every queued transaction of a subnet
func (node *SignetNode) ClearSubnetQueueHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := node.subnetFromPath(w, r)
	if !ok {
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"subnet":  s.ContractID(),
		"cleared": s.ClearQueue(),
	})
}

// GetSubnetBalancesHandler returns projected balances for every known user
func (node *SignetNode) GetSubnetBalancesHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := node.subnetFromPath(w, r)
	if !ok {
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"subnet":   s.ContractID(),
		"balances": s.GetBalances(r.Context()),
	})
}

type addressRequest struct {
	Address string `json:"address"`
}

// RefreshSubnetBalancesHandler refetches one user, or every known user
func (node *SignetNode) RefreshSubnetBalancesHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := node.subnetFromPath(w, r)
	if !ok {
		return
	}

	var req addressRequest
	if err := DecodeOptionalJSONBody(w, r, &req); err != nil {
		return
	}

	if req.Address != "" {
		s.RefreshBalances(r.Context(), req.Address)
	} else {
		s.RefreshBalances(r.Context())
	}

	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"subnet":   s.ContractID(),
		"balances": s.Mempool().TotalBalances(),
	})
}

type amountRequest struct {
	Amount uint64 `json:"amount"`
}

// DepositHandler submits a deposit into the subnet
func (node *SignetNode) DepositHandler(w http.ResponseWriter, r *http.Request) {
	node.directCall(w, r, (*Subnet).Deposit)
}

// WithdrawHandler submits a withdrawal from the subnet
func (node *SignetNode) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	node.directCall(w, r, (*Subnet).Withdraw)
}

func (node *SignetNode) directCall(w http.ResponseWriter, r *http.Request, call func(*Subnet, context.Context, uint64) (string, error)) {
	s, ok := node.subnetFromPath(w, r)
	if !ok {
		return
	}

	var req amountRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	txid, err := call(s, r.Context(), req.Amount)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"subnet": s.ContractID(),
		"txid":   txid,
	})
}

// MineSubnetBatchHandler mines one FIFO batch of a kind on a subnet
func (node *SignetNode) MineSubnetBatchHandler(w http.ResponseWriter, r *http.Request) {
	s, ok := node.subnetFromPath(w, r)
	if !ok {
		return
	}

	kind, err := ParseTransactionKind(mux.Vars(r)["kind"])
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	maxBatch := 0
	if v := r.URL.Query().Get("max"); v != "" {
		maxBatch, err = strconv.Atoi(v)
		if err != nil || maxBatch <= 0 {
			writeAPIError(w, r, newValidationError("max", "must be a positive integer"))
			return
		}
	}

	batch, err := s.MineBatch(r.Context(), kind, maxBatch)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, batch)
}

type submitTransactionRequest struct {
	Subnet      string             `json:"subnet"`
	Transaction TransactionRequest `json:"transaction"`
}

// SubmitTransactionHandler admits a signed transaction to a subnet mempool
func (node *SignetNode) SubmitTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req submitTransactionRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	tx, subnetID, err := node.registry.ProcessTxRequest(r.Context(), req.Transaction, req.Subnet)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	writeSuccess(w, http.StatusCreated, map[string]interface{}{
		"subnet":      subnetID,
		"transaction": tx,
	})
}

func signatureFromPath(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	sig, err := ParseSignature(mux.Vars(r)["signature"])
	if err != nil {
		writeAPIError(w, r, err)
		return nil, false
	}
	return sig, true
}

// GetTransactionHandler finds a queued transaction by signature
func (node *SignetNode) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	sig, ok := signatureFromPath(w, r)
	if !ok {
		return
	}

	tx, subnetID, found := node.registry.FindTransaction(sig)
	if !found {
		writeAPIError(w, r, ErrTransactionNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"subnet":      subnetID,
		"transaction": tx,
	})
}

// DiscardTransactionHandler removes a queued transaction without mining it
func (node *SignetNode) DiscardTransactionHandler(w http.ResponseWriter, r *http.Request) {
	sig, ok := signatureFromPath(w, r)
	if !ok {
		return
	}

	removed, err := node.registry.DiscardTransaction(sig, r.URL.Query().Get("subnet"))
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	if len(removed) == 0 {
		writeAPIError(w, r, ErrTransactionNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"removedFrom": removed,
	})
}

// GetBalancesHandler returns an address's balance on every transfer subnet
func (node *SignetNode) GetBalancesHandler(w http.ResponseWriter, r *http.Request) {
	address := r.URL.Query().Get("address")
	if address != "" && !clarity.IsValidAddress(address) {
		writeAPIError(w, r, newValidationError("address", "not a valid stacks address"))
		return
	}

	balances, err := node.registry.GetBalance(r.Context(), address)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	if address == "" {
		address = node.registry.Signer()
	}
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"address":  address,
		"balances": balances,
	})
}

type mineRequest struct {
	Signature string `json:"signature"`
	Subnet    string `json:"subnet"`
}

// MineTransactionHandler mines a single transaction
func (node *SignetNode) MineTransactionHandler(w http.ResponseWriter, r *http.Request) {
	var req mineRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}

	sig, err := ParseSignature(req.Signature)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}

	result, err := node.registry.MineSingleTransaction(r.Context(), sig, req.Subnet)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	if !result.Success {
		writeAPIError(w, r, ErrTransactionNotFound)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

type mineBatchRequest struct {
	Signatures []string `json:"signatures"`
}

// MineBatchHandler mines several transactions across subnets
func (node *SignetNode) MineBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req mineBatchRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if len(req.Signatures) == 0 {
		writeAPIError(w, r, newValidationError("signatures", "required"))
		return
	}

	sigs := make([][]byte, 0, len(req.Signatures))
	for _, s := range req.Signatures {
		sig, err := ParseSignature(s)
		if err != nil {
			writeAPIError(w, r, err)
			return
		}
		sigs = append(sigs, sig)
	}

	writeSuccess(w, http.StatusOK, node.registry.MineBatchTransactions(r.Context(), sigs))
}

// GetSignerHandler returns the current signer address
func (node *SignetNode) GetSignerHandler(w http.ResponseWriter, r *http.Request) {
	_, active := node.session.ActiveAccount()
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"address": node.registry.Signer(),
		"active":  active,
	})
}

// SetSignerHandler unlocks the session for an address and propagates it to
// every subnet
func (node *SignetNode) SetSignerHandler(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := DecodeJSONBody(w, r, &req); err != nil {
		return
	}
	if !clarity.IsValidAddress(req.Address) {
		writeAPIError(w, r, newValidationError("address", "not a valid stacks address"))
		return
	}

	node.setSigner(req.Address)
	writeSuccess(w, http.StatusOK, map[string]interface{}{
		"address": req.Address,
	})
}
