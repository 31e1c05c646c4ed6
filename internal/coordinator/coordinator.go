// Package coordinator owns the polling loop. It is the only writer of
// the system snapshot that entities, the MQTT bridge, and the HTTP API
// read. Each refresh fetches every system, classifies devices into main
// and guest networks, diffs the device inventory to emit add and remove
// signals, runs due speed tests, and then commits everything at once.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/meshbridge/internal/events"
	"github.com/nugget/meshbridge/internal/metrics"
	"github.com/nugget/meshbridge/internal/wifi"
)

// Refresh failures. Each wraps the underlying gateway error.
var (
	// ErrNotReady is a network or cloud outage. Retry later.
	ErrNotReady = errors.New("cloud not ready")
	// ErrConfig means the credential or account state is unusable.
	ErrConfig = errors.New("cloud rejected configuration")
	// ErrUpdateFailed is a response that could not be turned into a
	// trustworthy snapshot.
	ErrUpdateFailed = errors.New("update failed")
)

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 30 * time.Second

// GatewayFactory opens a fresh cloud session from the stored refresh
// credential. It is called when the current session expires.
type GatewayFactory func() (wifi.Gateway, error)

// Config configures a Coordinator.
type Config struct {
	// Gateway is the initial session. If nil, NewGateway is called.
	Gateway    wifi.Gateway
	NewGateway GatewayFactory

	PollInterval time.Duration
	SpeedTest    SpeedTestPolicy

	Bus     *events.Bus      // optional
	Store   StateStore       // optional; speed-test state is memory-only without it
	Metrics *metrics.Metrics // optional

	Now    func() time.Time
	Logger *slog.Logger
}

// Snapshot is the result of one successful refresh. It is never
// modified after it is published.
type Snapshot struct {
	Systems   map[string]*wifi.System
	UpdatedAt time.Time
}

// System returns the system with the given ID, or nil.
func (s *Snapshot) System(id string) *wifi.System {
	if s == nil {
		return nil
	}
	return s.Systems[id]
}

// Coordinator polls the cloud and publishes snapshots.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// gwMu guards the session handle. A session rebuild takes the write
	// lock, so commands issued through Gateway() never see a closed
	// handle being swapped out.
	gwMu sync.RWMutex
	gw   wifi.Gateway

	// refreshMu serializes Refresh.
	refreshMu sync.Mutex

	mu         sync.Mutex
	inventory  map[string]string // device ID -> owning system ID
	speedTests map[string]speedTestRecord
	pending    map[string]uint64 // forced speed tests: system ID -> request sequence
	forceSeq   uint64
	listeners  map[int]func(*Snapshot)
	nextID     int

	snapshot    atomic.Pointer[Snapshot]
	lastSuccess atomic.Bool
	started     atomic.Bool
}

// New builds a Coordinator and restores persisted speed-test state.
func New(ctx context.Context, cfg Config) (*Coordinator, error) {
	if cfg.Gateway == nil && cfg.NewGateway == nil {
		return nil, errors.New("coordinator: Gateway or NewGateway is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Coordinator{
		cfg:        cfg,
		logger:     cfg.Logger,
		now:        cfg.Now,
		gw:         cfg.Gateway,
		inventory:  make(map[string]string),
		speedTests: make(map[string]speedTestRecord),
		pending:    make(map[string]uint64),
		listeners:  make(map[int]func(*Snapshot)),
	}

	if c.gw == nil {
		gw, err := cfg.NewGateway()
		if err != nil {
			return nil, fmt.Errorf("coordinator: open session: %w", err)
		}
		c.gw = gw
	}

	if err := c.loadSpeedTests(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Gateway returns the current session handle. Callers should not hold
// on to it across refreshes.
func (c *Coordinator) Gateway() wifi.Gateway {
	c.gwMu.RLock()
	defer c.gwMu.RUnlock()
	return c.gw
}

// Snapshot returns the latest snapshot, or nil before the first
// successful refresh.
func (c *Coordinator) Snapshot() *Snapshot {
	return c.snapshot.Load()
}

// LastUpdateSuccess reports whether the most recent refresh produced a
// snapshot. A refresh that ended in session recovery leaves it alone.
func (c *Coordinator) LastUpdateSuccess() bool {
	return c.lastSuccess.Load()
}

// MarkStarted enables scheduled speed tests. Until it is called only
// forced speed tests run.
func (c *Coordinator) MarkStarted() {
	c.started.Store(true)
}

// Inventory returns a copy of the device inventory: device ID to the
// system it was last seen in.
func (c *Coordinator) Inventory() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.inventory)
}

// ForceSpeedTest queues a speed test for systemID on the next refresh.
// Repeated calls before that refresh queue a single test.
func (c *Coordinator) ForceSpeedTest(systemID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forceSeq++
	c.pending[systemID] = c.forceSeq
	c.logger.Debug("speed test requested", "system_id", systemID)
}

// PendingSpeedTests returns the system IDs with a queued speed test.
func (c *Coordinator) PendingSpeedTests() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.pending))
	for id := range c.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AddListener registers fn to be called once per successful refresh
// with the new snapshot. fn runs on the refresh goroutine and must not
// block. The returned func removes the listener.
func (c *Coordinator) AddListener(fn func(*Snapshot)) (remove func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Start refreshes immediately and then every PollInterval until ctx is
// cancelled. It blocks.
func (c *Coordinator) Start(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.poll(ctx)
		}
	}
}

func (c *Coordinator) poll(ctx context.Context) {
	if err := c.Refresh(ctx); err != nil && ctx.Err() == nil {
		c.logger.Warn("refresh failed", "error", err)
	}
}

// Refresh runs one poll cycle. Nothing is committed unless the whole
// cycle succeeds: on error or cancellation the previous snapshot,
// inventory, and speed-test state stay as they were.
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	start := c.now()
	log := c.logger.With("refresh_id", uuid.NewString())

	gw := c.Gateway()
	systems, err := gw.GetSystems(ctx)
	if err != nil {
		return c.handleError(ctx, log, start, gw, err)
	}

	c.mu.Lock()
	prev := maps.Clone(c.inventory)
	c.mu.Unlock()

	inventory, signals := reconcile(systems, prev, start)

	records, consumed, ran, err := c.runSpeedTests(ctx, log, gw, systems, start)
	if err != nil {
		return c.handleError(ctx, log, start, gw, err)
	}
	for id, sys := range systems {
		if rec, ok := records[id]; ok && rec.Result != nil {
			res := *rec.Result
			sys.SpeedTest = &res
		}
	}
	if ctx.Err() != nil {
		return c.handleError(ctx, log, start, gw, ctx.Err())
	}

	snap := &Snapshot{Systems: systems, UpdatedAt: start}

	// Commit.
	c.mu.Lock()
	c.inventory = inventory
	c.speedTests = records
	for id, seq := range consumed {
		if c.pending[id] == seq {
			delete(c.pending, id)
		}
	}
	listeners := make([]func(*Snapshot), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	c.snapshot.Store(snap)
	c.lastSuccess.Store(true)

	if err := c.saveSpeedTests(context.WithoutCancel(ctx), records, ran); err != nil {
		log.Warn("failed to persist speed test state", "error", err)
	}

	for _, e := range signals {
		if missed := c.cfg.Bus.Publish(e); missed > 0 {
			log.Warn("signal dropped by slow subscriber", "kind", e.Kind, "device_id", e.DeviceID, "missed", missed)
		}
		c.cfg.Metrics.Signal(e.Kind)
		log.Info("device "+verb(e.Kind), "system_id", e.SystemID, "device_id", e.DeviceID)
	}

	c.cfg.Metrics.SetSystems(systems)
	elapsed := c.now().Sub(start)
	c.cfg.Metrics.ObserveRefresh(metrics.OutcomeSuccess, elapsed, start)
	log.Debug("refresh complete",
		"systems", len(systems),
		"devices", len(inventory),
		"signals", len(signals),
		"elapsed", elapsed,
	)

	for _, fn := range listeners {
		fn(snap)
	}
	return nil
}

// reconcile classifies every device, fills in the per-system counts,
// and diffs the device IDs against prev. It returns the new inventory
// and the signals to publish, adds before removes, each in ID order.
func reconcile(systems map[string]*wifi.System, prev map[string]string, now time.Time) (map[string]string, []events.Event) {
	next := make(map[string]string, len(prev))
	var added, removed []events.Event

	for _, sid := range sortedKeys(systems) {
		sys := systems[sid]
		mainPrefix, _ := SubnetPrefix(sys.LAN.DHCPPoolBegin)

		var mainCount, guestCount int
		for _, did := range sortedKeys(sys.Devices) {
			dev := sys.Devices[did]
			if _, known := prev[did]; !known {
				if _, dup := next[did]; !dup {
					added = append(added, events.DeviceAdded(now, sid, dev))
				}
			}
			next[did] = sid

			dev.Network = Classify(dev, mainPrefix)
			switch dev.Network {
			case wifi.NetworkMain:
				mainCount++
			case wifi.NetworkGuest:
				guestCount++
			}
		}
		sys.ConnectedDevices = mainCount
		sys.GuestDevices = guestCount
		sys.TotalDevices = mainCount + guestCount
	}

	for _, did := range sortedKeys(prev) {
		if _, still := next[did]; !still {
			removed = append(removed, events.DeviceRemoved(now, prev[did], did))
		}
	}

	return next, append(added, removed...)
}

// handleError maps a failed cycle to its outcome. Session expiry is
// recovered here by opening a new session; the cycle then ends without
// an update and without marking the coordinator unhealthy. Before the
// first successful refresh there is no update to keep, so expiry is
// reported as ErrNotReady and the caller retries on the new session.
func (c *Coordinator) handleError(ctx context.Context, log *slog.Logger, start time.Time, gw wifi.Gateway, err error) error {
	elapsed := c.now().Sub(start)

	if ctx.Err() != nil {
		c.cfg.Metrics.ObserveRefresh(metrics.OutcomeCanceled, elapsed, start)
		return fmt.Errorf("refresh: %w", ctx.Err())
	}

	kind := wifi.KindOf(err)
	if kind == wifi.KindSessionExpired {
		c.cfg.Metrics.ObserveRefresh(metrics.OutcomeSessionExpired, elapsed, start)
		log.Warn("cloud session expired, opening a new one", "error", err)
		if rerr := c.rebuild(gw); rerr != nil {
			c.lastSuccess.Store(false)
			return fmt.Errorf("%w: rebuild session: %w", ErrNotReady, rerr)
		}
		// Callers of the first refresh need a snapshot to read.
		if c.snapshot.Load() == nil {
			return fmt.Errorf("%w: no update yet: %w", ErrNotReady, err)
		}
		return nil
	}

	var (
		sentinel error
		outcome  string
	)
	switch kind {
	case wifi.KindTransient:
		sentinel, outcome = ErrNotReady, metrics.OutcomeNotReady
	case wifi.KindProtocol, wifi.KindAuth:
		sentinel, outcome = ErrConfig, metrics.OutcomeConfig
	default:
		sentinel, outcome = ErrUpdateFailed, metrics.OutcomeUpdateFailed
	}

	c.lastSuccess.Store(false)
	c.cfg.Metrics.ObserveRefresh(outcome, elapsed, start)
	log.Debug("refresh failed", "kind", kind.String(), "error", err)
	return fmt.Errorf("%w: %w", sentinel, err)
}

// rebuild replaces failed with a fresh session. If another caller has
// already replaced it, nothing happens.
func (c *Coordinator) rebuild(failed wifi.Gateway) error {
	if c.cfg.NewGateway == nil {
		return errors.New("no session factory configured")
	}
	fresh, err := c.cfg.NewGateway()
	if err != nil {
		return err
	}

	c.gwMu.Lock()
	if c.gw != failed {
		c.gwMu.Unlock()
		fresh.Close()
		return nil
	}
	c.gw = fresh
	c.gwMu.Unlock()

	failed.Close()
	c.cfg.Metrics.SessionRebuilt()
	c.logger.Info("cloud session rebuilt")
	return nil
}

func verb(kind string) string {
	if kind == events.KindDeviceAdded {
		return "added"
	}
	return "removed"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
