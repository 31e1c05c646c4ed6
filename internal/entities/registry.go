package entities

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/wifi"
)

// Options configures a Registry.
type Options struct {
	// SpeedUnit is the display unit for speed and traffic sensors.
	SpeedUnit string
	// AddDisabled registers entities for devices that appear after the
	// first population as disabled by default.
	AddDisabled bool

	Now    func() time.Time
	Logger *slog.Logger
}

// Registry holds every entity keyed by unique ID.
type Registry struct {
	ctrl   Controller
	opts   Options
	logger *slog.Logger

	mu        sync.RWMutex
	entities  map[string]Entity
	byDevice  map[string][]string // client device ID -> entity unique IDs
	populated bool
}

// NewRegistry creates an empty registry whose command entities act
// through ctrl.
func NewRegistry(ctrl Controller, opts Options) *Registry {
	if opts.SpeedUnit == "" {
		opts.SpeedUnit = DefaultSpeedUnit
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		ctrl:     ctrl,
		opts:     opts,
		logger:   logger,
		entities: make(map[string]Entity),
		byDevice: make(map[string][]string),
	}
}

// Populate creates entities for every system, access point, and device
// in snap that the registry does not already hold, and returns them.
// Devices found by the first call are enabled by default. Later calls
// pick up new systems and access points, and treat new devices the way
// [Registry.AddDevice] does.
func (r *Registry) Populate(snap *coordinator.Snapshot) []Entity {
	if snap == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	enabled := !r.populated || !r.opts.AddDisabled
	r.populated = true

	var added []Entity
	for _, sid := range sortedIDs(snap.Systems) {
		sys := snap.Systems[sid]
		added = append(added, r.addLocked(r.systemEntities(sys)...)...)
		for _, apID := range sortedIDs(sys.AccessPoints) {
			ap := sys.AccessPoints[apID]
			added = append(added, r.addLocked(
				newAccessPointStatus(sid, ap),
				newAccessPointRestart(sid, ap, r.ctrl),
				newAccessPointLight(sid, ap, r.ctrl),
			)...)
		}
		for _, did := range sortedIDs(sys.Devices) {
			added = append(added, r.addDeviceLocked(sid, sys.Devices[did], enabled)...)
		}
	}
	return added
}

// AddDevice creates the tracker and switch for a device announced by a
// device_added signal. Entities that already exist are left alone.
func (r *Registry) AddDevice(systemID string, dev *wifi.Device) []Entity {
	if dev == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.addDeviceLocked(systemID, dev, !r.opts.AddDisabled)
}

// RemoveDevice drops every entity belonging to a client device and
// returns the removed entities.
func (r *Registry) RemoveDevice(deviceID string) []Entity {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Entity
	for _, uid := range r.byDevice[deviceID] {
		if e, ok := r.entities[uid]; ok {
			removed = append(removed, e)
			delete(r.entities, uid)
		}
	}
	delete(r.byDevice, deviceID)
	return removed
}

// Prune drops the entities of every client device that no system in
// snap lists and returns them. It catches removals whose signal never
// arrived.
func (r *Registry) Prune(snap *coordinator.Snapshot) []Entity {
	if snap == nil {
		return nil
	}
	present := make(map[string]bool)
	for _, sys := range snap.Systems {
		for id := range sys.Devices {
			present[id] = true
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []Entity
	for _, did := range sortedIDs(r.byDevice) {
		if present[did] {
			continue
		}
		for _, uid := range r.byDevice[did] {
			if e, ok := r.entities[uid]; ok {
				removed = append(removed, e)
				delete(r.entities, uid)
			}
		}
		delete(r.byDevice, did)
	}
	return removed
}

// Get returns the entity with the given unique ID.
func (r *Registry) Get(uid string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[uid]
	return e, ok
}

// All returns every entity ordered by unique ID.
func (r *Registry) All() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.entities))
	for _, uid := range sortedIDs(r.entities) {
		out = append(out, r.entities[uid])
	}
	return out
}

// Len returns the number of registered entities.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entities)
}

// Command routes a command to the entity with the given unique ID.
func (r *Registry) Command(ctx context.Context, uid, action string, payload []byte) error {
	e, ok := r.Get(uid)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, uid)
	}
	c, ok := e.(Commander)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotCommandable, uid)
	}

	log := r.logger.With("entity", uid, "system", e.SystemID())
	if action != "" {
		log = log.With("action", action)
	}
	if err := c.Command(ctx, action, payload); err != nil {
		log.Warn("entity command failed", "payload", string(payload), "error", err)
		return err
	}
	log.Info("entity command applied", "payload", string(payload))
	return nil
}

func (r *Registry) systemEntities(sys *wifi.System) []Entity {
	unit := r.opts.SpeedUnit
	return []Entity{
		newSystemStatus(sys),
		newSystemRestart(sys, r.ctrl),
		newSpeedTestButton(sys, r.ctrl),
		newSpeedSensor(sys, Upload, unit),
		newSpeedSensor(sys, Download, unit),
		newTrafficSensor(sys, Upload, unit),
		newTrafficSensor(sys, Download, unit),
		newCountSensor(sys, CountMain),
		newCountSensor(sys, CountGuest),
		newCountSensor(sys, CountTotal),
	}
}

func (r *Registry) addDeviceLocked(systemID string, dev *wifi.Device, enabled bool) []Entity {
	added := r.addLocked(
		newTracker(systemID, dev, enabled),
		newInternetSwitch(systemID, dev, enabled, r.ctrl, r.opts.Now),
	)
	for _, e := range added {
		r.byDevice[dev.ID] = append(r.byDevice[dev.ID], e.UniqueID())
	}
	return added
}

func (r *Registry) addLocked(list ...Entity) []Entity {
	var added []Entity
	for _, e := range list {
		if _, exists := r.entities[e.UniqueID()]; exists {
			continue
		}
		r.entities[e.UniqueID()] = e
		added = append(added, e)
	}
	return added
}

func sortedIDs[V any](m map[string]V) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
