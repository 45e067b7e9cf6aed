// Automaton is the autonomous agent daemon binary.
//
// Subcommands:
//
//	automaton --init       - write automaton.json, heartbeat.yml, wallet.json, SOUL.md
//	automaton --provision  - persist config and seed the model registry into state.db
//	automaton --run        - run the daemon until SIGINT/SIGTERM
//
// Exit codes: 0 normal shutdown, 1 config error, 2 funding error,
// 3 provider unrecoverable.
//
// Required environment variables:
//
//	AUTOMATON_MASTER_KEY  - hex-encoded 32-byte key protecting wallet.json
//	LLM_API_KEY           - API key for the inference provider (--run)
//
// Optional environment variables:
//
//	AUTOMATON_HOME        - agent home directory (default: ".")
//	AUTOMATON_NAME        - agent name written by --init (default: "automaton")
//	AUTOMATON_CREATOR     - creator address written by --init
//	AUTOMATON_GENESIS     - genesis prompt written by --init
//	AUTOMATON_SANDBOX_CONTAINER - Docker container id for the sandbox provider
//	AUTOMATON_CHAIN_RPC   - JSON-RPC endpoint for on-chain reads
//	AUTOMATON_CREDITS_URL - platform-credits endpoint
//	AUTOMATON_USDC_CONTRACT - ERC-20 contract address for balance checks
//	AUTOMATON_MIN_TURN_INTERVAL - e.g. "5m"
//	LLM_BASE_URL          - override the inference API base URL
//	MATRIX_HOMESERVER, MATRIX_USER_ID, MATRIX_ACCESS_TOKEN, MATRIX_ROOMS
//	                      - social relay connection (all unset disables it)
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/duskward/automaton/common/crypto"
	"github.com/duskward/automaton/common/environment"
	"github.com/duskward/automaton/common/version"
	"github.com/duskward/automaton/internal/automaton/app"
	"github.com/duskward/automaton/internal/automaton/config"
	"github.com/duskward/automaton/internal/automaton/router"
	"github.com/duskward/automaton/internal/automaton/store"
	"github.com/duskward/automaton/internal/providers/inference"
	"github.com/duskward/automaton/internal/providers/social"
	"github.com/duskward/automaton/internal/providers/wallet"
)

const (
	exitOK       = 0
	exitConfig   = 1
	exitFunding  = 2
	exitProvider = 3
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(exitConfig)
	}

	home := environment.StringOr("AUTOMATON_HOME", ".")

	switch os.Args[1] {
	case "--init":
		os.Exit(runInit(home))
	case "--provision":
		os.Exit(runProvision(home))
	case "--run":
		os.Exit(runDaemon(home))
	case "--version":
		fmt.Println(version.Info())
		os.Exit(exitOK)
	default:
		usage()
		os.Exit(exitConfig)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: automaton --init | --provision | --run | --version\n")
}

// runInit writes the home-directory artifacts a fresh automaton needs:
// automaton.json, heartbeat.yml, wallet.json, and a starter SOUL.md. It is
// idempotent: existing files are never overwritten.
func runInit(home string) int {
	if err := os.MkdirAll(home, 0o755); err != nil {
		slog.Error("create home directory", "err", err)
		return exitConfig
	}

	cfgPath := filepath.Join(home, "automaton.json")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.Defaults()
		cfg.Name = environment.StringOr("AUTOMATON_NAME", "automaton")
		cfg.CreatorAddress = os.Getenv("AUTOMATON_CREATOR")
		cfg.ParentAddress = os.Getenv("AUTOMATON_PARENT")
		cfg.GenesisPrompt = environment.StringOr("AUTOMATON_GENESIS",
			"Survive, learn, and be useful to your creator.")
		cfg.HourlyBudgetCents = int64(environment.IntOr("AUTOMATON_HOURLY_BUDGET", 10_000))
		cfg.PerCallCeilingCents = int64(environment.IntOr("AUTOMATON_PER_CALL_CEILING", 2_000))
		if err := config.Save(cfgPath, cfg); err != nil {
			slog.Error("write automaton.json", "err", err)
			return exitConfig
		}
	}

	hbPath := filepath.Join(home, "heartbeat.yml")
	if _, err := os.Stat(hbPath); os.IsNotExist(err) {
		if err := config.SaveHeartbeat(hbPath, config.DefaultHeartbeat()); err != nil {
			slog.Error("write heartbeat.yml", "err", err)
			return exitConfig
		}
	}

	walletPath := filepath.Join(home, "wallet.json")
	if _, err := os.Stat(walletPath); os.IsNotExist(err) {
		masterKey, code := masterKey()
		if code != exitOK {
			return code
		}
		prov, ciphertext, err := wallet.Generate(masterKey)
		if err != nil {
			slog.Error("generate wallet", "err", err)
			return exitFunding
		}
		kf := wallet.KeyFile{
			PrivateKey: hex.EncodeToString(ciphertext),
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		data, err := json.MarshalIndent(kf, "", "  ")
		if err != nil {
			slog.Error("marshal wallet.json", "err", err)
			return exitFunding
		}
		if err := os.WriteFile(walletPath, data, 0o600); err != nil {
			slog.Error("write wallet.json", "err", err)
			return exitFunding
		}
		addr, _ := prov.Address(context.Background())
		fmt.Printf("wallet created: %s\nfund this address before --run\n", addr)
	}

	soulPath := filepath.Join(home, "SOUL.md")
	if _, err := os.Stat(soulPath); os.IsNotExist(err) {
		starter := "# Soul\n\nNothing written yet. This file is mine to author.\n"
		if err := os.WriteFile(soulPath, []byte(starter), 0o644); err != nil {
			slog.Error("write SOUL.md", "err", err)
			return exitConfig
		}
	}

	fmt.Println("initialized", home)
	return exitOK
}

// runProvision persists the file config into the store's config row, seeds
// the model registry baseline, and verifies the wallet decrypts.
func runProvision(home string) int {
	fileCfg, err := config.Load(filepath.Join(home, "automaton.json"))
	if err != nil {
		slog.Error("load config", "err", err)
		return exitConfig
	}

	masterKey, code := masterKey()
	if code != exitOK {
		return code
	}
	if _, err := openWalletFile(home, masterKey); err != nil {
		slog.Error("wallet check failed", "err", err)
		return exitFunding
	}

	dbPath := fileCfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(home, dbPath)
	}
	db, err := store.New(dbPath)
	if err != nil {
		slog.Error("open store", "err", err)
		return exitConfig
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.SaveConfig(ctx, fileCfg.ToDomain()); err != nil {
		slog.Error("persist config", "err", err)
		return exitConfig
	}
	for _, row := range router.BaselineModels() {
		if err := db.UpsertModel(ctx, row); err != nil {
			slog.Error("seed model registry", "model", row.ModelID, "err", err)
			return exitConfig
		}
	}

	fmt.Println("provisioned", dbPath)
	return exitOK
}

func runDaemon(home string) int {
	masterKeyHex := os.Getenv("AUTOMATON_MASTER_KEY")
	if masterKeyHex == "" {
		slog.Error("AUTOMATON_MASTER_KEY is not set")
		return exitConfig
	}
	apiKey, err := environment.RequiredString("LLM_API_KEY")
	if err != nil {
		slog.Error("inference config", "err", err)
		return exitConfig
	}

	appCfg := app.Config{
		Home:      home,
		MasterKey: masterKeyHex,
		Inference: inference.Config{
			APIKey:  apiKey,
			BaseURL: os.Getenv("LLM_BASE_URL"),
		},
		SandboxContainer: os.Getenv("AUTOMATON_SANDBOX_CONTAINER"),
		ChainEndpoint:    os.Getenv("AUTOMATON_CHAIN_RPC"),
		CreditsURL:       os.Getenv("AUTOMATON_CREDITS_URL"),
		USDCContract:     os.Getenv("AUTOMATON_USDC_CONTRACT"),
		MinTurnInterval:  environment.DurationOr("AUTOMATON_MIN_TURN_INTERVAL", 5*time.Minute),
	}
	if hs := os.Getenv("MATRIX_HOMESERVER"); hs != "" {
		appCfg.Social = &social.Config{
			Homeserver:  hs,
			UserID:      os.Getenv("MATRIX_USER_ID"),
			AccessToken: os.Getenv("MATRIX_ACCESS_TOKEN"),
			Rooms:       environment.StringSliceOr("MATRIX_ROOMS", nil),
		}
	}

	slog.Info("starting automaton", "version", version.Info(), "home", home)

	a, err := app.New(appCfg)
	if err != nil {
		slog.Error("initialization failed", "err", err)
		return exitProvider
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		slog.Error("automaton exited with error", "err", err)
		return exitProvider
	}
	return exitOK
}

func masterKey() ([]byte, int) {
	key, err := crypto.LoadMasterKey()
	if err != nil {
		slog.Error("master key", "err", err)
		return nil, exitConfig
	}
	return key, exitOK
}

func openWalletFile(home string, masterKey []byte) (string, error) {
	raw, err := os.ReadFile(filepath.Join(home, "wallet.json"))
	if err != nil {
		return "", err
	}
	var kf wallet.KeyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return "", err
	}
	ciphertext, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return "", err
	}
	prov, err := wallet.New(masterKey, ciphertext)
	if err != nil {
		return "", err
	}
	return prov.Address(context.Background())
}
