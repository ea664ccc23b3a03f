package cmd

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/LumeraProtocol/keynode/client/scheduler"
	"github.com/LumeraProtocol/keynode/keynode/config"
	"github.com/LumeraProtocol/keynode/p2p/location"
	"github.com/LumeraProtocol/keynode/p2p/transport"
	"github.com/LumeraProtocol/keynode/pkg/errors"
	"github.com/LumeraProtocol/keynode/pkg/keys"
	"github.com/LumeraProtocol/keynode/pkg/logtrace"
	"github.com/LumeraProtocol/keynode/pkg/netsize"
	"github.com/LumeraProtocol/keynode/pkg/random"
	"github.com/LumeraProtocol/keynode/pkg/storage/blockstore"
	"github.com/LumeraProtocol/keynode/pkg/storage/nodestore"
	"github.com/LumeraProtocol/keynode/pkg/task"
	"github.com/LumeraProtocol/keynode/pkg/workerpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Scheduler names, one per key type and direction.
const (
	SchedulerCHKGet    = "chk-get"
	SchedulerCHKInsert = "chk-insert"
	SchedulerSSKGet    = "ssk-get"
	SchedulerSSKInsert = "ssk-insert"
)

const metricsShutdownTimeout = 5 * time.Second

// ErrNoRoute is reported to get requests whose keys are neither in the
// local store nor delivered by a peer by the time they are started.
var ErrNoRoute = errors.New("no route to fetch key")

// Keynode wires the block store, node store, schedulers and the swap
// engine around one transport host.
type Keynode struct {
	cfg *config.Config
	rnd random.Source

	host    *transport.Host
	blocks  *blockstore.Store
	nodeDB  *nodestore.Store
	engine  *location.Engine
	tracker *task.InMemoryTracker

	schedulers []*scheduler.Scheduler
	starters   []*scheduler.Starter
	swapPool   *workerpool.Pool
	reqPool    *workerpool.Pool
	delivery   *workerpool.Pool

	registry *prometheus.Registry
	stats    *statsManager
}

// NewKeynode builds every component. Nothing listens or dials until Run.
func NewKeynode(ctx context.Context, cfg *config.Config) (*Keynode, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	k := &Keynode{
		cfg:     cfg,
		rnd:     random.New(),
		tracker: task.New(),
	}

	var err error
	if k.blocks, err = blockstore.New(cfg.Storage.BlockCacheBytes); err != nil {
		return nil, err
	}
	if k.nodeDB, err = nodestore.Open(cfg.NodeDBPath()); err != nil {
		k.blocks.Close()
		return nil, err
	}

	state, err := k.restoreState(ctx)
	if err != nil {
		k.closeStores()
		return nil, err
	}

	k.host = transport.NewHost(transport.Options{
		ID:               transport.PeerID(cfg.Node.ID),
		SwapIdentifier:   k.rnd.Int64(),
		Location:         state.Location,
		SwapRequestRate:  rate.Limit(cfg.P2P.SwapRequestRate),
		SwapRequestBurst: cfg.P2P.SwapRequestBurst,
		Random:           k.rnd,
	})

	k.swapPool = workerpool.New("swap", cfg.Swap.Workers)
	k.engine, err = location.NewEngine(location.Options{
		Config: location.Config{
			Timeout:             cfg.Swap.Timeout,
			MaxHTL:              cfg.Swap.MaxHTL,
			ResetOdds:           cfg.Swap.ResetOdds,
			InitialSwapInterval: cfg.Swap.InitialSwapInterval,
			MinSwapTime:         cfg.Swap.MinSwapTime,
			MaxSwapTime:         cfg.Swap.MaxSwapTime,
			Workers:             cfg.Swap.Workers,
		},
		State:   state,
		Network: location.HostNetwork{Host: k.host},
		Random:  k.rnd,
		Pool:    k.swapPool,
		Tracker: k.tracker,
		Known:   netsize.New(netsize.DefaultMaxAge),
		Saver:   k.nodeDB,
	})
	if err != nil {
		k.closeStores()
		return nil, err
	}
	k.engine.Register(k.host)

	if err := k.setupSchedulers(); err != nil {
		k.closeStores()
		return nil, err
	}
	k.host.Handle(transport.BlockDelivery, k.handleBlockDelivery)

	k.registry = prometheus.NewRegistry()
	k.registry.MustRegister(location.NewCollector(k.engine))
	for _, s := range k.schedulers {
		k.registry.MustRegister(schedulerGauge(s))
	}
	k.stats = newStatsManager(k)

	logtrace.Info(ctx, "keynode assembled", logtrace.Fields{
		"node_id":              cfg.Node.ID,
		logtrace.FieldLocation: state.Location(),
		"priority_policy":      cfg.Scheduler.PriorityPolicy,
	})
	return k, nil
}

// restoreState picks up the saved location, or a random one on first start.
func (k *Keynode) restoreState(ctx context.Context) (*location.State, error) {
	saved, ok, err := k.nodeDB.Load(ctx)
	if err != nil {
		return nil, err
	}
	loc := k.rnd.Float64()
	if ok && location.Valid(saved.Location) {
		loc = saved.Location
	} else if ok {
		logtrace.Warn(ctx, "ignoring invalid saved location", logtrace.Fields{
			logtrace.FieldLocation: saved.Location,
		})
		ok = false
	}
	state, err := location.NewState(loc, k.cfg.Swap.InitialSwapInterval, k.cfg.Swap.MinSwapTime, k.cfg.Swap.MaxSwapTime)
	if err != nil {
		return nil, err
	}
	if ok {
		state.RestoreChangeSession(saved.LocChangeSession)
		logtrace.Info(ctx, "restored location", logtrace.Fields{
			logtrace.FieldLocation: loc,
			"loc_change_session":   saved.LocChangeSession,
			"saved_at":             saved.UpdatedAt.Format(time.RFC3339),
		})
		return state, nil
	}
	if err := k.nodeDB.SaveLocation(ctx, loc, 0); err != nil {
		return nil, err
	}
	return state, nil
}

func (k *Keynode) setupSchedulers() error {
	cfg := k.cfg.Scheduler
	k.delivery = workerpool.New("delivery", cfg.Workers)
	k.reqPool = workerpool.New("requests", cfg.Workers)

	specs := []struct {
		name    string
		inserts bool
	}{
		{SchedulerCHKGet, false},
		{SchedulerCHKInsert, true},
		{SchedulerSSKGet, false},
		{SchedulerSSKInsert, true},
	}
	for _, spec := range specs {
		opts := scheduler.Options{
			Name:        spec.name,
			Inserts:     spec.inserts,
			Random:      k.rnd,
			Pool:        k.delivery,
			Policy:      scheduler.PriorityPolicy(cfg.PriorityPolicy),
			SoftWeights: cfg.SoftWeights,
		}
		if !spec.inserts {
			opts.Store = k.blocks
		}
		s, err := scheduler.New(opts)
		if err != nil {
			return errors.Errorf("scheduler %s: %w", spec.name, err)
		}
		k.schedulers = append(k.schedulers, s)
		k.starters = append(k.starters, scheduler.NewStarter(s, k.reqPool, cfg.StartsPerSecond, k.dispatch(s)))
	}
	return nil
}

// Scheduler returns the scheduler with the given name.
func (k *Keynode) Scheduler(name string) (*scheduler.Scheduler, bool) {
	for _, s := range k.schedulers {
		if s.Name() == name {
			return s, true
		}
	}
	return nil, false
}

func (k *Keynode) Engine() *location.Engine       { return k.engine }
func (k *Keynode) Host() *transport.Host          { return k.host }
func (k *Keynode) Registry() *prometheus.Registry { return k.registry }

// dispatch runs a request handed out by s. Keys that reached the local
// store since the request was queued complete from there; the rest fail
// with ErrNoRoute so the requester can retry.
func (k *Keynode) dispatch(s *scheduler.Scheduler) scheduler.DispatchFunc {
	return func(ctx context.Context, req scheduler.Request) {
		get, ok := req.(scheduler.GetRequest)
		if !ok {
			logtrace.Debug(ctx, "insert dequeued without a route", logtrace.Fields{
				logtrace.FieldScheduler: s.Name(),
				logtrace.FieldClient:    req.Client(),
			})
			return
		}
		succeeded := false
		for _, tok := range get.AllKeys() {
			key, ok := get.Key(tok)
			if !ok {
				continue
			}
			block, err := k.blocks.FetchLocal(key, get.DontCache())
			if errors.Is(err, keys.ErrVerifyFailed) {
				get.OnFailure(scheduler.ErrDecodeFailed, tok)
				continue
			}
			if block != nil {
				get.OnSuccess(block, true, tok)
				succeeded = true
				continue
			}
			get.OnFailure(ErrNoRoute, tok)
		}
		if succeeded {
			s.Succeeded(req)
		}
	}
}

// handleBlockDelivery stores a block sent by a peer and wakes every get
// request waiting for it.
func (k *Keynode) handleBlockDelivery(ctx context.Context, msg *transport.Message) bool {
	data, ok := msg.Data.(*transport.BlockData)
	if !ok {
		return false
	}
	block := &keys.Block{Key: keys.Key(data.Key), Data: data.Data}
	if err := block.Verify(); err != nil {
		logtrace.Warn(ctx, "dropping block that does not verify", logtrace.Fields{
			logtrace.FieldPeer: string(msg.Sender),
			logtrace.FieldKey:  block.Key.String(),
		})
		return true
	}
	if err := k.blocks.Put(block); err != nil {
		logtrace.Warn(ctx, "cannot store delivered block", logtrace.Fields{
			logtrace.FieldPeer:  string(msg.Sender),
			logtrace.FieldKey:   block.Key.String(),
			logtrace.FieldError: err.Error(),
		})
		return true
	}
	for _, s := range k.schedulers {
		s.TripPendingKey(ctx, block)
	}
	return true
}

// ApplyConfig applies the settings that may change while running: the
// priority policy, the soft policy weights and the log level.
func (k *Keynode) ApplyConfig(ctx context.Context, cfg *config.Config) {
	for _, s := range k.schedulers {
		old := s.PriorityPolicy()
		if err := s.SetPriorityPolicy(cfg.Scheduler.PriorityPolicy); err != nil {
			logtrace.Error(ctx, "cannot apply priority policy", logtrace.Fields{
				logtrace.FieldScheduler: s.Name(),
				logtrace.FieldError:     err.Error(),
			})
			continue
		}
		if len(cfg.Scheduler.SoftWeights) > 0 {
			if err := s.SetSoftWeights(cfg.Scheduler.SoftWeights); err != nil {
				logtrace.Error(ctx, "cannot apply soft weights", logtrace.Fields{
					logtrace.FieldScheduler: s.Name(),
					logtrace.FieldError:     err.Error(),
				})
			}
		}
		if now := s.PriorityPolicy(); now != old {
			logtrace.Info(ctx, "priority policy changed", logtrace.Fields{
				logtrace.FieldScheduler: s.Name(),
				"from":                  old,
				"to":                    now,
			})
		}
	}
	logtrace.SetLevel(logtrace.ParseLevel(cfg.Log.Level))
	k.cfg.Scheduler.PriorityPolicy = cfg.Scheduler.PriorityPolicy
	k.cfg.Scheduler.SoftWeights = cfg.Scheduler.SoftWeights
	k.cfg.Log.Level = cfg.Log.Level
}

// Run listens, dials the bootstrap nodes and runs the swap engine, the
// request starters and the metrics server until ctx ends. It closes the
// node on return.
func (k *Keynode) Run(ctx context.Context) error {
	defer k.Close()

	addr := net.JoinHostPort(k.cfg.P2P.ListenAddress, strconv.Itoa(int(k.cfg.P2P.Port)))
	if err := k.host.Listen(addr); err != nil {
		return err
	}
	logtrace.Info(ctx, "listening for peers", logtrace.Fields{"address": addr})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		k.bootstrap(gctx)
		return nil
	})
	g.Go(func() error { return k.engine.Run(gctx) })
	for _, st := range k.starters {
		g.Go(func() error { return st.Run(gctx) })
	}
	if k.cfg.Metrics.Enabled {
		g.Go(func() error { return k.serveMetrics(gctx) })
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (k *Keynode) bootstrap(ctx context.Context) {
	for _, addr := range k.cfg.P2P.BootstrapNodes {
		p, err := k.host.Dial(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logtrace.Warn(ctx, "cannot reach bootstrap node", logtrace.Fields{
				"address":           addr,
				logtrace.FieldError: err.Error(),
			})
			continue
		}
		logtrace.Info(ctx, "connected to bootstrap node", logtrace.Fields{
			"address":          addr,
			logtrace.FieldPeer: string(p.ID()),
		})
	}
}

func (k *Keynode) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(k.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", k.stats.ServeHTTP)
	srv := &http.Server{
		Addr:              k.cfg.Metrics.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logtrace.Info(ctx, "serving metrics", logtrace.Fields{"address": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- errors.Errorf("metrics server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close releases every component. It is safe to call more than once.
func (k *Keynode) Close() {
	if k.host != nil {
		_ = k.host.Close()
	}
	for _, p := range []*workerpool.Pool{k.swapPool, k.reqPool, k.delivery} {
		if p != nil {
			p.Wait()
		}
	}
	k.closeStores()
}

func (k *Keynode) closeStores() {
	if k.nodeDB != nil {
		_ = k.nodeDB.Close()
	}
	if k.blocks != nil {
		k.blocks.Close()
	}
}

func schedulerGauge(s *scheduler.Scheduler) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name:        "keynode_scheduler_registered_requests",
		Help:        "Requests queued in a scheduler.",
		ConstLabels: prometheus.Labels{"scheduler": s.Name()},
	}, func() float64 {
		return float64(s.Stats().Registered)
	})
}
