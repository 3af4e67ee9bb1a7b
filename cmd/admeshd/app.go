package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/admesh-net/admesh/internal/adnet"
	"github.com/admesh-net/admesh/internal/api"
	"github.com/admesh-net/admesh/internal/chain"
	"github.com/admesh-net/admesh/internal/clock"
	"github.com/admesh-net/admesh/internal/config"
	"github.com/admesh-net/admesh/internal/engine"
	"github.com/admesh-net/admesh/internal/locks"
	"github.com/admesh-net/admesh/internal/model"
	"github.com/admesh-net/admesh/internal/payment"
	"github.com/admesh-net/admesh/internal/registry"
	"github.com/admesh-net/admesh/internal/state"
	"github.com/admesh-net/admesh/internal/throttle"
)

const (
	reconnectSchedule = "@every 10s"
	reconcileSchedule = "@every 30s"
)

// app owns every long-lived component and brings them up and down in order.
type app struct {
	cfg *config.Config
	clk *clock.Synced

	store    *state.Store
	payments *payment.Engine
	manager  *registry.Manager
	listener *registry.Listener
	engine   *engine.Engine
	server   *api.Server
	cron     *cron.Cron
}

func newApp(cfg *config.Config) (*app, error) {
	keyed := locks.NewKeyed()
	clk := clock.NewSynced()

	store, err := state.Open(cfg.DataDir, keyed)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	wallet := chain.NewRPCClient(cfg.ChainRPCURL, cfg.ChainRPCToken, 0)
	payments := payment.NewEngine(payment.DefaultConfig(), store, wallet, clk, keyed)

	dispatcher := registry.NewDispatcher()
	manager := registry.NewManager(registry.Config{
		NodeID:          cfg.NodeID,
		TransportPrefix: "tcp://",
		Address:         cfg.AdvertiseAddress,
		Port:            cfg.AdvertisePort,
		Provider:        cfg.Provider,
	}, clk, dispatcher)

	var checker throttle.ReputationChecker = throttle.AllowAll{}
	if cfg.ReputationURL != "" {
		checker = throttle.NewHTTPReputation(cfg.ReputationURL, 0)
	}

	eng := engine.New(engine.Config{
		NodeID:          cfg.NodeID,
		TransportPrefix: "tcp://",
		Address:         cfg.AdvertiseAddress,
		Port:            cfg.AdvertisePort,
		Provider:        cfg.Provider,
	}, clk, store, manager, dispatcher,
		payments,
		adnet.NewAllocator(store, payments, clk),
		throttle.NewIPThrottle(throttle.Config{
			Ceiling: cfg.ThrottleCeiling,
			Window:  cfg.ThrottleWindow.Std(),
		}, store, clk),
		throttle.NewReputationCache(checker),
	)

	return &app{
		cfg:      cfg,
		clk:      clk,
		store:    store,
		payments: payments,
		manager:  manager,
		listener: registry.NewListener(manager),
		engine:   eng,
		server:   api.NewServer(cfg.APIBind, cfg.AdminToken, eng, clk),
		cron:     cron.New(),
	}, nil
}

// start brings the node up: wallet-backed settlement first, then the peer
// listener, background schedules, seed dialing, and finally the HTTP API.
func (a *app) start(ctx context.Context) error {
	if err := a.payments.Init(ctx); err != nil {
		return err
	}
	a.payments.Start(ctx)
	a.engine.Start()

	if err := a.listener.Start(a.cfg.PeerBind); err != nil {
		return err
	}

	if _, err := a.cron.AddFunc(reconnectSchedule, func() {
		nodes, err := a.store.ListNodes()
		if err != nil {
			log.Printf("[main] list nodes for sweep: %v", err)
			return
		}
		a.manager.SweepReconnect(nodes)
	}); err != nil {
		return fmt.Errorf("schedule reconnect sweep: %w", err)
	}
	if _, err := a.cron.AddFunc(reconcileSchedule, func() {
		if err := a.payments.Reconcile(ctx); err != nil {
			log.Printf("[main] reconcile: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}
	a.cron.Start()

	if err := a.dialSeeds(); err != nil {
		return err
	}

	a.server.Start()
	log.Printf("[main] node %s up: peers on %s, api on %s, provider=%t",
		a.cfg.NodeID, a.cfg.PeerBind, a.cfg.APIBind, a.cfg.Provider)
	return nil
}

// dialSeeds persists named seed peers for the reconnect sweep and dials
// unnamed ones directly, since a row without a node id cannot be swept.
func (a *app) dialSeeds() error {
	seeds, err := config.LoadSeeds(a.cfg.SeedFile)
	if err != nil {
		return err
	}
	nowNs := a.clk.Now().UnixNano()
	for _, seed := range seeds {
		if seed.NodeID != "" {
			err := a.store.UpsertNode(model.Node{
				NodeID:          seed.NodeID,
				TransportPrefix: "tcp://",
				Address:         seed.Address,
				Port:            seed.Port,
				Status:          model.NodeStatusUnknown,
				Provider:        seed.Provider,
				CreateTimeNs:    nowNs,
				UpdateTimeNs:    nowNs,
			})
			if err != nil {
				return fmt.Errorf("persist seed %s: %w", seed.NodeID, err)
			}
			continue
		}
		addr := fmt.Sprintf("%s:%d", seed.Address, seed.Port)
		go func(addr string) {
			if _, err := a.manager.Connect(addr); err != nil {
				log.Printf("[main] seed dial %s failed: %v", addr, err)
			}
		}(addr)
	}
	return nil
}

// shutdown stops components in reverse of start: stop taking work, drain the
// schedules and the settlement pipeline, then close connections and storage.
func (a *app) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(ctx); err != nil {
		log.Printf("[main] api shutdown: %v", err)
	}

	<-a.cron.Stop().Done()
	if err := a.listener.Stop(); err != nil {
		log.Printf("[main] listener stop: %v", err)
	}
	a.engine.Stop()
	a.payments.Stop()
	a.manager.CloseAll()
	if err := a.store.Close(); err != nil {
		log.Printf("[main] store close: %v", err)
	}
}
