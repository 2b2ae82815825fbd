package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/bcrypt"

	"github.com/attestra/certanchor/internal/certification"
	"github.com/attestra/certanchor/internal/health"
	"github.com/attestra/certanchor/internal/keyring"
	"github.com/attestra/certanchor/internal/ledger"
	"github.com/attestra/certanchor/internal/metrics"
)

func main() {
	// Configuration flags
	httpAddr := flag.String("http", ":8080", "HTTP server address")
	dbPath := flag.String("db", "certanchor.db", "SQLite database path")
	platformKeyHex := flag.String("platform-key", os.Getenv("CERTANCHOR_PLATFORM_KEY"), "Hex-encoded platform secp256k1 signing key")
	ledgerRPC := flag.String("ledger-rpc", "", "Ledger RPC endpoint (empty: in-memory registry)")
	registryAddr := flag.String("registry-address", "", "Registry contract address")
	chainID := flag.Uint64("chain-id", 1, "Ledger chain ID")
	quorumStr := flag.String("quorum", "none", "Reviewer co-signing quorum policy (none or m/n, e.g. 2/3)")
	anchorTimeoutStr := flag.String("anchor-timeout", "30s", "Bounded timeout for one anchoring attempt")
	reconcileIntervalStr := flag.String("reconcile-interval", "1m", "How often to retry anchoring for unanchored packages")
	issuerAPIKey := flag.String("issuer-api-key", "", "API key for the /certify endpoint")
	adminAPIKey := flag.String("admin-api-key", "", "API key for key admin and anchoring switch endpoints")
	flag.Parse()

	// Create root context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	anchorTimeout, err := time.ParseDuration(*anchorTimeoutStr)
	if err != nil {
		log.Fatalf("Invalid anchor timeout: %v", err)
	}
	reconcileInterval, err := time.ParseDuration(*reconcileIntervalStr)
	if err != nil {
		log.Fatalf("Invalid reconcile interval: %v", err)
	}
	policy, err := certification.ParseQuorumPolicy(*quorumStr)
	if err != nil {
		log.Fatalf("Invalid quorum policy: %v", err)
	}

	if *platformKeyHex == "" {
		slog.Error("no platform signing key provided - cannot start")
		return
	}
	signer, err := certification.NewSigner(*platformKeyHex)
	if err != nil {
		slog.Error("invalid platform signing key", "err", err)
		return
	}

	// Initialize database
	db, err := certification.OpenDatabase(*dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	store, err := certification.NewSqliteStore(db)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			slog.Error("failed to close database", "err", closeErr)
		}
	}()

	keyStore, err := keyring.NewSqliteStore(db)
	if err != nil {
		log.Fatalf("Failed to initialize key registry: %v", err)
	}
	keys := keyring.NewRegistry(keyStore)

	// Store API keys if provided
	if *issuerAPIKey == "" {
		slog.Error("no issuer API key provided - cannot start")
		return
	}
	if err = hashAndStoreKey(store, certification.CredentialIssuerAPIKey, *issuerAPIKey); err != nil {
		slog.Error("failed to hash issuer API key", "err", err)
		return
	}
	if *adminAPIKey == "" {
		slog.Error("no admin API key provided - cannot start")
		return
	}
	if err = hashAndStoreKey(store, certification.CredentialAdminAPIKey, *adminAPIKey); err != nil {
		slog.Error("failed to hash admin API key", "err", err)
		return
	}

	// Select the ledger registry adapter
	registry, registryCleanup, err := buildRegistry(ctx, *ledgerRPC, *registryAddr, *chainID, *platformKeyHex)
	if err != nil {
		log.Fatalf("Failed to connect ledger registry: %v", err)
	}
	defer registryCleanup()

	service := certification.NewService(certification.Options{
		Store:    store,
		Signer:   signer,
		Keys:     keys,
		Registry: registry,
		Policy:   policy,
		AnchorConfig: certification.AnchorConfig{
			ChainID:         *chainID,
			RegistryAddress: *registryAddr,
		},
		AnchorTimeout: anchorTimeout,
	})

	slog.Info("certification engine configured",
		"platform", signer.Identity().Hex(),
		"chain", *chainID,
		"registry", *registryAddr,
		"quorum", policy.String(),
	)

	// Metrics updater and reconciliation scheduler
	updater := metrics.NewUpdater(service)
	updater.Start(ctx)
	updater.Trigger()
	metrics.WireUpHttpMetrics()

	scheduler, err := certification.NewScheduler(ctx, service, updater, reconcileInterval)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}
	go scheduler.Start()

	// Register HTTP handlers
	apiServer := certification.NewAPIServer(service, keys)
	apiServer.RegisterHandlers()

	healthService := health.NewService(ctx)
	healthApi := health.NewApi(healthService)
	healthApi.RegisterHandlers()

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: http.DefaultServeMux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
	go func() {
		slog.Info("http server listening", "address", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("failed to start HTTP server: %v", err)
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		slog.Info("received shutdown signal")
	case <-ctx.Done():
		slog.Info("context cancelled")
	}

	slog.Info("shutting down...")
	healthService.Shutdown()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "err", err)
	}
	slog.Info("shutdown complete")
}

// buildRegistry picks the EVM adapter when an RPC endpoint is configured
// and the in-memory registry otherwise.
func buildRegistry(ctx context.Context, rpcURL, registryAddr string, chainID uint64, platformKeyHex string) (ledger.Registry, func(), error) {
	if rpcURL == "" {
		slog.Warn("no ledger RPC configured, using in-memory registry")
		key, err := crypto.HexToECDSA(trimHexPrefix(platformKeyHex))
		if err != nil {
			return nil, nil, err
		}
		identity := ledger.DeriveIdentity(key)
		return ledger.NewMemory(identity).Session(identity), func() {}, nil
	}

	key, err := crypto.HexToECDSA(trimHexPrefix(platformKeyHex))
	if err != nil {
		return nil, nil, err
	}
	evm, err := ledger.NewEVM(ctx, rpcURL, common.HexToAddress(registryAddr), key, chainID)
	if err != nil {
		return nil, nil, err
	}
	return evm, evm.Close, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0:2] == "0x" {
		return s[2:]
	}
	return s
}

func hashAndStoreKey(store certification.Store, credentialKey string, key string) error {
	hashedKey, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	if err := store.SetCredential(credentialKey, string(hashedKey)); err != nil {
		return err
	}
	return nil
}
