package main

import (
	"context"
	"errors"
	"flag"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendchain/config"
	"lendchain/crypto"
	nativecommon "lendchain/native/common"
	"lendchain/native/consensus"
	"lendchain/native/escrow"
	"lendchain/native/loans"
	"lendchain/native/pricing"
	"lendchain/native/settings"
	"lendchain/observability"
	"lendchain/observability/logging"
	"lendchain/rpc"
	"lendchain/storage"
)

const envVar = "LEND_ENV"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	listenFlag := flag.String("listen", "", "Listen address override for the query API")
	dataDir := flag.String("data", "", "Directory for persistent parameter storage (in-memory when empty)")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv(envVar))
	logger := logging.Setup("lendchaind", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	listen := cfg.ListenAddress
	if strings.TrimSpace(*listenFlag) != "" {
		listen = *listenFlag
	}

	var paramState settings.StoreState = settings.NewMemoryState()
	if strings.TrimSpace(*dataDir) != "" {
		db, err := storage.NewLevelDB(*dataDir)
		if err != nil {
			logger.Error("open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		paramState = storage.NewParamStore(db, "")
	}

	store := settings.NewStore(paramState)
	if err := store.Seed(cfg.PlatformSettings()); err != nil {
		logger.Error("seed settings", "error", err)
		os.Exit(1)
	}
	for _, asset := range cfg.Assets {
		setting := settings.AssetSetting{YieldToken: asset.YieldToken}
		if asset.MaxLoanAmount != "" {
			max, ok := new(big.Int).SetString(asset.MaxLoanAmount, 10)
			if !ok {
				logger.Error("parse asset limit", "token", asset.Token)
				os.Exit(1)
			}
			setting.MaxLoanAmount = max
		}
		if err := store.CreateAssetSetting(asset.Token, setting); err != nil && !errors.Is(err, settings.ErrAssetExists) {
			logger.Error("register asset", "token", asset.Token, "error", err)
			os.Exit(1)
		}
	}

	registry := pricing.NewRegistry()
	for _, feed := range cfg.Feeds {
		var answer *big.Int
		if feed.InitialAnswer != "" {
			answer, _ = new(big.Int).SetString(feed.InitialAnswer, 10)
		}
		err := registry.Register(pricing.Feed{
			Base:               feed.Base,
			Quote:              feed.Quote,
			Inverted:           feed.Inverted,
			CollateralDecimals: uint8(feed.CollateralDecimals),
			ResponseDecimals:   uint8(feed.ResponseDecimals),
			Source:             pricing.NewStaticAggregator(answer),
		})
		if err != nil {
			logger.Error("register feed", "base", feed.Base, "quote", feed.Quote, "error", err)
			os.Exit(1)
		}
	}

	pauses := nativecommon.StaticPauses{}
	for _, module := range cfg.PausedModules {
		pauses[strings.ToLower(strings.TrimSpace(module))] = true
	}

	vault, err := vaultAddress(cfg)
	if err != nil {
		logger.Error("resolve vault address", "error", err)
		os.Exit(1)
	}
	pausers, err := cfg.PauserAddresses()
	if err != nil {
		logger.Error("decode pausers", "error", err)
		os.Exit(1)
	}

	consensusEngine := consensus.NewEngine(store)
	consensusEngine.SetState(consensus.NewMemoryState())
	consensusEngine.SetPauses(pauses)

	loanEngine := loans.NewEngine(vault, store)
	loanEngine.SetState(loans.NewMemoryState())
	loanEngine.SetConsensus(consensusEngine)
	loanEngine.SetPriceSource(registry)
	loanEngine.SetLendingToken(cfg.LendingToken)
	loanEngine.SetEmitter(observability.MetricsEmitter{})
	loanEngine.SetPauses(pauses)

	escrowEngine := escrow.NewEngine(store)
	escrowEngine.SetState(escrow.NewMemoryState())
	escrowEngine.SetPriceSource(registry)
	escrowEngine.SetLoanView(loanEngine)
	escrowEngine.SetLendingToken(cfg.LendingToken)
	escrowEngine.SetCollateralToken(cfg.CollateralToken)
	escrowEngine.SetPausers(pausers)
	escrowEngine.SetContractDetector(vaultPrefixDetector{})
	escrowEngine.SetEmitter(observability.MetricsEmitter{})
	escrowEngine.SetPauses(pauses)

	server := &http.Server{
		Addr:              listen,
		Handler:           rpc.NewServer(loanEngine, escrowEngine, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("query api listening", "address", listen)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("serve", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("stopped")
}

// vaultAddress resolves the treasury account. When no address is configured
// one is derived deterministically from the module name.
func vaultAddress(cfg *config.Config) (crypto.Address, error) {
	if strings.TrimSpace(cfg.VaultAddress) != "" {
		return crypto.DecodeAddress(cfg.VaultAddress)
	}
	digest := ethcrypto.Keccak256([]byte("lendchain/loans/vault"))
	return crypto.NewAddress(crypto.VaultPrefix, digest[12:]), nil
}

// vaultPrefixDetector treats vault-prefixed addresses as deployed contracts.
// Application contracts register under the vault prefix; plain accounts use
// the account prefix and are refused by the dapp registry.
type vaultPrefixDetector struct{}

func (vaultPrefixDetector) IsContract(addr crypto.Address) bool {
	return addr.Prefix() == crypto.VaultPrefix && !addr.IsZero()
}
