// Package app wires the five core components and their providers into one
// runnable daemon: open the store, recover unfinished turns, start the
// scheduler, tier-watch, and turn workers, and shut them down gracefully.
package app

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/duskward/automaton/internal/automaton/config"
	"github.com/duskward/automaton/internal/automaton/heartbeat"
	"github.com/duskward/automaton/internal/automaton/providers"
	"github.com/duskward/automaton/internal/automaton/router"
	"github.com/duskward/automaton/internal/automaton/scheduler"
	"github.com/duskward/automaton/internal/automaton/skills"
	"github.com/duskward/automaton/internal/automaton/store"
	"github.com/duskward/automaton/internal/automaton/survival"
	"github.com/duskward/automaton/internal/automaton/turnengine"
	"github.com/duskward/automaton/internal/providers/chainrpc"
	"github.com/duskward/automaton/internal/providers/inference"
	"github.com/duskward/automaton/internal/providers/sandbox"
	"github.com/duskward/automaton/internal/providers/social"
	"github.com/duskward/automaton/internal/providers/wallet"
)

const shutdownGrace = 5 * time.Second

// Config collects everything the daemon needs beyond automaton.json: the
// home directory and the provider connection parameters, all supplied by
// the embedding CLI from environment variables.
type Config struct {
	Home      string
	MasterKey string // hex-encoded AES-256 key protecting wallet.json

	Inference inference.Config
	Social    *social.Config // nil disables the social relay
	// SandboxContainer is the Docker container id the automaton runs in;
	// empty disables the sandbox provider.
	SandboxContainer string
	ChainEndpoint    string // empty disables chain RPC
	CreditsURL       string // empty disables the platform-credits source
	USDCContract     string // empty disables the on-chain balance source

	MinTurnInterval time.Duration
}

// App bundles the constructed components. The only process-wide state is
// (store handle, config, provider handles), held here and passed explicitly.
type App struct {
	cfg     Config
	db      *store.Store
	fileCfg config.FileConfig
	surv    *survival.Controller
	sched   *scheduler.Manager
	engine  *turnengine.Engine
	social  *social.Provider
	tasks   *heartbeat.Tasks
}

// New loads automaton.json from cfg.Home, opens the store, constructs every
// provider and core component, and returns the assembled daemon.
func New(cfg Config) (*App, error) {
	fileCfg, err := config.Load(filepath.Join(cfg.Home, "automaton.json"))
	if err != nil {
		return nil, err
	}

	dbPath := fileCfg.DBPath
	if !filepath.IsAbs(dbPath) {
		dbPath = filepath.Join(cfg.Home, dbPath)
	}
	db, err := store.New(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.SaveConfig(context.Background(), fileCfg.ToDomain()); err != nil {
		db.Close()
		return nil, err
	}

	walletProv, err := openWallet(cfg)
	if err != nil {
		db.Close()
		return nil, err
	}

	var sandboxProv providers.Sandbox
	if cfg.SandboxContainer != "" {
		p, err := sandbox.New(cfg.SandboxContainer)
		if err != nil {
			db.Close()
			return nil, err
		}
		sandboxProv = p
	}

	var socialProv *social.Provider
	if cfg.Social != nil {
		p, err := social.New(*cfg.Social)
		if err != nil {
			db.Close()
			return nil, err
		}
		socialProv = p
	}

	var chainProv providers.ChainRPC
	if cfg.ChainEndpoint != "" {
		chainProv = chainrpc.New(chainrpc.Config{Endpoint: cfg.ChainEndpoint})
	}

	inferenceProv := inference.New(cfg.Inference)
	registry := router.NewStaticRegistry()
	for _, row := range router.BaselineModels() {
		registry.Add(row, inferenceProv)
		if err := db.UpsertModel(context.Background(), row); err != nil {
			db.Close()
			return nil, err
		}
	}
	// Runtime overrides persisted in the registry table win over the
	// baseline.
	if rows, err := db.ListModels(context.Background()); err == nil {
		for _, row := range rows {
			registry.Add(row, inferenceProv)
		}
	}

	rt := router.New(db, router.DefaultMatrix(), registry,
		fileCfg.PerCallCeilingCents, fileCfg.HourlyBudgetCents, fileCfg.EnableModelFallback)

	surv := survival.New()

	hbPath := fileCfg.HeartbeatPath
	if !filepath.IsAbs(hbPath) {
		hbPath = filepath.Join(cfg.Home, hbPath)
	}
	hb, err := config.LoadHeartbeat(hbPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			db.Close()
			return nil, err
		}
		hb = config.DefaultHeartbeat()
	}
	multiplier := hb.LowComputeMultiplier
	if fileCfg.LowComputeMultiplier > 0 {
		multiplier = fileCfg.LowComputeMultiplier
	}
	sched := scheduler.NewManager(multiplier)

	var credits heartbeat.CreditsSource
	if cfg.CreditsURL != "" {
		credits = &httpCredits{url: cfg.CreditsURL}
	}
	var usdc heartbeat.USDCSource
	if cfg.USDCContract != "" && chainProv != nil {
		addr, _ := walletProv.Address(context.Background())
		usdc = &chainUSDC{chain: chainProv, contract: cfg.USDCContract, holder: addr}
	}

	tasks := &heartbeat.Tasks{
		DB:         db,
		Survival:   surv,
		Social:     socialAsCapability(socialProv),
		Sandbox:    sandboxProv,
		Credits:    credits,
		USDC:       usdc,
		SocialName: "matrix",
	}
	entries := make([]heartbeat.HeartbeatEntryLike, 0, len(hb.Entries))
	for _, e := range hb.Entries {
		entries = append(entries, heartbeat.HeartbeatEntryLike{
			Name: e.Name, Schedule: e.Schedule, Task: e.Task, Enabled: e.Enabled,
		})
	}
	if err := tasks.Register(sched, entries); err != nil {
		db.Close()
		return nil, err
	}

	// Skills load from disk on every boot; the persisted enabled flag
	// survives the reload.
	loaded, err := skills.LoadDir(filepath.Join(cfg.Home, "skills"))
	if err != nil {
		slog.Warn("skill load failed", "err", err)
	}
	for _, sk := range loaded {
		if err := db.UpsertSkill(context.Background(), sk); err != nil {
			slog.Warn("skill persist failed", "skill", sk.Name, "err", err)
		}
	}

	engine := turnengine.New(turnengine.Options{
		DB:        db,
		Router:    rt,
		Survival:  surv,
		Scheduler: sched,
		Providers: turnengine.Providers{
			Sandbox: sandboxProv,
			Social:  socialAsCapability(socialProv),
			Wallet:  walletProv,
			Chain:   chainProv,
		},
		Config:          fileCfg.ToDomain(),
		Home:            cfg.Home,
		Sensitive:       []string{cfg.Inference.APIKey, cfg.MasterKey},
		MinTurnInterval: cfg.MinTurnInterval,
	})

	return &App{
		cfg:     cfg,
		db:      db,
		fileCfg: fileCfg,
		surv:    surv,
		sched:   sched,
		engine:  engine,
		social:  socialProv,
		tasks:   tasks,
	}, nil
}

// Run starts the three long-lived workers and blocks until ctx is
// cancelled, then waits up to the shutdown grace period before returning.
func (a *App) Run(ctx context.Context) error {
	defer a.db.Close()

	if err := a.engine.Recover(ctx); err != nil {
		return err
	}
	if a.social != nil {
		if err := a.social.Start(ctx); err != nil {
			return err
		}
	}

	// Prime the tier before the workers start; tierWatch evaluates again
	// immediately, which satisfies the two-consecutive-evaluations upgrade
	// rule without waiting a full minute at boot.
	a.evaluateTier(ctx)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); a.sched.Run(ctx) }()
	go func() { defer wg.Done(); a.engine.Run(ctx) }()
	go func() { defer wg.Done(); a.tierWatch(ctx) }()

	slog.Info("automaton running", "name", a.fileCfg.Name, "home", a.cfg.Home)
	<-ctx.Done()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		slog.Warn("shutdown grace period elapsed, forcing exit")
	}

	// Any turn cut off mid-flight is marked aborted now rather than at the
	// next boot.
	abortCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := a.db.AbortUnfinishedTurns(abortCtx); err != nil {
		slog.Error("abort unfinished turns on shutdown", "err", err)
	}
	return nil
}

// tierWatch is the third long-lived worker: it re-evaluates the tier on a
// 60 s timer and pushes changes to the scheduler.
func (a *App) tierWatch(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		a.evaluateTier(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// assumedLiquidCents is used when no balance source is wired at all, so a
// source-less deployment idles at normal instead of starving at dead.
const assumedLiquidCents = 1000

func (a *App) evaluateTier(ctx context.Context) {
	var liquid int64
	if a.tasks.Credits == nil && a.tasks.USDC == nil {
		liquid = assumedLiquidCents
	}
	if a.tasks.Credits != nil {
		if c, err := a.tasks.Credits.PlatformCreditsCents(ctx); err == nil {
			liquid += c
		}
	}
	if a.tasks.USDC != nil {
		if u, err := a.tasks.USDC.USDCBalanceCents(ctx); err == nil {
			liquid += u
		}
	}
	hourly, err := a.db.HourlySpendCents(ctx, time.Now())
	if err != nil {
		slog.Error("tier watch: hourly spend", "err", err)
		return
	}
	eval := a.surv.Evaluate(liquid, hourly)
	a.sched.SetTier(eval.Tier)
	if eval.Changed {
		slog.Info("tier changed", "tier", eval.Tier.String(), "liquid_hc", liquid, "hourly_hc", hourly)
		if err := a.db.RecordTierTransition(ctx, time.Now(), eval.Tier, liquid, hourly); err != nil {
			slog.Error("tier watch: record transition", "err", err)
		}
	}
}

// openWallet reads wallet.json from the home directory and decrypts the key
// material with the master key. The decrypted key never leaves the wallet
// provider.
func openWallet(cfg Config) (providers.Wallet, error) {
	masterKey, err := hex.DecodeString(cfg.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("app: master key is not hex: %w", err)
	}
	raw, err := os.ReadFile(filepath.Join(cfg.Home, "wallet.json"))
	if err != nil {
		return nil, fmt.Errorf("app: read wallet.json: %w", err)
	}
	var kf wallet.KeyFile
	if err := json.Unmarshal(raw, &kf); err != nil {
		return nil, fmt.Errorf("app: parse wallet.json: %w", err)
	}
	ciphertext, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("app: wallet.json privateKey is not hex: %w", err)
	}
	return wallet.New(masterKey, ciphertext)
}

// socialAsCapability narrows the optional concrete adapter to the interface
// without producing a typed-nil.
func socialAsCapability(p *social.Provider) providers.Social {
	if p == nil {
		return nil
	}
	return p
}
