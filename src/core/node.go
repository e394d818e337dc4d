package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Package-level logger
var logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))

// initLogger initializes the structured logger based on the log level
func initLogger(logLevel string) {
	var level slog.Level
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})
	logger = slog.New(handler)
}

// SignetNode wires the subnet registry to the HTTP command API
type SignetNode struct {
	cfg       *Config
	registry  *SubnetRegistry
	session   *WalletSession
	limiter   *IPRateLimiter
	startedAt time.Time

	Server *http.Server

	workers     sync.WaitGroup
	stopWorkers context.CancelFunc
}

// NewSignetNode builds the registry from cfg using chain for all on-chain
// access
func NewSignetNode(cfg *Config, chain ChainClient) (*SignetNode, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	session := NewWalletSession()
	registry, err := NewSubnetRegistry(cfg.Contracts, chain, session, SubnetOptions{
		VerifySignatures: cfg.VerifySignatures,
		MaxBatchSize:     cfg.MaxBatchSize,
	})
	if err != nil {
		return nil, err
	}

	node := &SignetNode{
		cfg:       cfg,
		registry:  registry,
		session:   session,
		limiter:   NewIPRateLimiter(cfg.RateLimitPerMinute),
		startedAt: time.Now(),
	}

	if cfg.SignerAddress != "" {
		node.setSigner(cfg.SignerAddress)
	}
	return node, nil
}

// NewChainClient builds the Stacks chain client described by cfg
func NewChainClient(cfg *Config) *StacksChainClient {
	httpClient := NewInstrumentedHTTPClient(cfg.HTTPClientTimeout)

	var signer TxSigner
	if cfg.SignerURL != "" {
		signer = NewRemoteSigner(cfg.SignerURL, httpClient)
	}
	return NewStacksChainClient(cfg.StacksAPIURL, httpClient, signer)
}

// Registry returns the node's subnet registry
func (node *SignetNode) Registry() *SubnetRegistry { return node.registry }

// setSigner activates address in the wallet session and on every subnet
func (node *SignetNode) setSigner(address string) {
	node.session.SetActiveAccount(Account{Address: address})
	node.registry.SetSigner(address)
}

// Router builds the HTTP handler with all middleware applied
func (node *SignetNode) Router() http.Handler {
	router := mux.NewRouter()
	router.Use(MetricsMiddleware)
	node.registerRoutes(router)
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	var handler http.Handler = router
	handler = APIAuthMiddleware(node.cfg.APIAuthSecret, node.cfg.RequireAPIAuth)(handler)
	handler = BodySizeLimitMiddleware(node.cfg.MaxBodySizeBytes)(handler)
	handler = RateLimitMiddleware(node.limiter)(handler)
	handler = RequestIDMiddleware(handler)
	return otelhttp.NewHandler(handler, "signet")
}

// StartServer serves the command API until ctx is cancelled, then shuts
// down gracefully
func (node *SignetNode) StartServer(ctx context.Context) error {
	workerCtx, cancel := context.WithCancel(ctx)
	node.stopWorkers = cancel

	node.Server = &http.Server{
		Addr:              ":" + node.cfg.Port,
		Handler:           node.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if node.cfg.MineInterval > 0 {
		node.workers.Add(1)
		go func() {
			defer node.workers.Done()
			node.runMiner(workerCtx, node.cfg.MineInterval)
		}()
	}

	node.workers.Add(1)
	go func() {
		defer node.workers.Done()
		node.pruneLimiter(workerCtx, time.Minute)
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting signet node server", "port", node.cfg.Port, "subnets", len(node.registry.Subnets()))
		errCh <- node.Server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		node.workers.Wait()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	return node.Shutdown()
}

// Shutdown stops the HTTP server and waits for background workers to exit
func (node *SignetNode) Shutdown() error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), node.cfg.ShutdownTimeout)
	defer cancel()

	logger.Info("Shutting down signet node", "timeout", node.cfg.ShutdownTimeout)

	var err error
	if node.Server != nil {
		err = node.Server.Shutdown(shutdownCtx)
	}
	if node.stopWorkers != nil {
		node.stopWorkers()
	}
	node.workers.Wait()

	for _, s := range node.registry.Subnets() {
		if n := s.Mempool().Len(); n > 0 {
			logger.Warn("Dropping unmined transactions", "subnet", s.ContractID(), "count", n)
		}
	}
	return err
}

// runMiner mines one FIFO batch per subnet and kind every interval while a
// wallet account is active
func (node *SignetNode) runMiner(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("Periodic miner started", "interval", interval, "maxBatchSize", node.cfg.MaxBatchSize)

	for {
		select {
		case <-ctx.Done():
			logger.Info("Periodic miner stopped")
			return
		case <-ticker.C:
			node.mineOnce(ctx)
		}
	}
}

func (node *SignetNode) mineOnce(ctx context.Context) {
	if _, ok := node.session.ActiveAccount(); !ok {
		logger.Debug("Skipping mining round, no active account")
		return
	}

	for _, kind := range AllTransactionKinds {
		for subnetID, batch := range node.registry.MineBatchByType(ctx, kind, node.cfg.MaxBatchSize) {
			logger.Info("Periodic batch mined",
				"subnet", subnetID, "kind", kind, "count", batch.Count, "txid", batch.TxID, "batchId", batch.BatchID)
		}
	}
}

// pruneLimiter drops idle rate limiter buckets until ctx is cancelled
func (node *SignetNode) pruneLimiter(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := node.limiter.Prune(limiterIdleTimeout); n > 0 {
				logger.Debug("Pruned idle rate limiters", "removed", n, "remaining", node.limiter.Len())
			}
		}
	}
}
