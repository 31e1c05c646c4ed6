package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/meshbridge/internal/config"
	"github.com/nugget/meshbridge/internal/coordinator"
	"github.com/nugget/meshbridge/internal/entities"
	"github.com/nugget/meshbridge/internal/events"
	"github.com/nugget/meshbridge/internal/metrics"
)

// Availability payloads.
const (
	payloadOnline  = "online"
	payloadOffline = "offline"
)

// commandTimeout bounds one cloud write triggered by a command.
const commandTimeout = 30 * time.Second

// Source is the coordinator as seen by the publisher.
type Source interface {
	Snapshot() *coordinator.Snapshot
	LastUpdateSuccess() bool
	AddListener(fn func(*coordinator.Snapshot)) (remove func())
}

// broker is the part of the autopaho connection the publisher uses.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Subscribe(ctx context.Context, s *paho.Subscribe) (*paho.Suback, error)
}

// Deps are the collaborators a Publisher needs.
type Deps struct {
	Registry *entities.Registry
	Source   Source
	Bus      *events.Bus      // optional
	Metrics  *metrics.Metrics // optional
	Logger   *slog.Logger
}

// Publisher manages the MQTT connection, keeps discovery configs in
// step with the entity registry, publishes entity state after every
// refresh, and routes inbound commands.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	bridge     DeviceInfo
	registry   *entities.Registry
	source     Source
	bus        *events.Bus
	metrics    *metrics.Metrics
	logger     *slog.Logger
	limiter    *messageRateLimiter

	mu     sync.RWMutex
	client broker
	cm     *autopaho.ConnectionManager
	ctx    context.Context
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection.
func New(cfg config.MQTTConfig, instanceID string, deps Deps) *Publisher {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		bridge:     NewBridgeDevice(instanceID, cfg.DeviceName),
		registry:   deps.Registry,
		source:     deps.Source,
		bus:        deps.Bus,
		metrics:    deps.Metrics,
		logger:     logger,
		limiter:    newMessageRateLimiter(commandLimit, commandInterval, logger),
		ctx:        context.Background(),
	}
}

// Start connects to the MQTT broker and keeps Home Assistant in sync
// with the registry. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte(payloadOffline),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.onConnect(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "meshbridge-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.handleMessage(pr.Packet.Topic, pr.Packet.Payload, pr.Packet.Retain)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	removeListener := p.source.AddListener(func(snap *coordinator.Snapshot) {
		p.onSnapshot(ctx, snap)
	})
	defer removeListener()

	var signals <-chan events.Event
	if p.bus != nil {
		signals = p.bus.Subscribe(64)
		defer p.bus.Unsubscribe(signals)
	}

	go p.limiter.start(ctx)

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.mu.Lock()
	p.cm = cm
	p.mu.Unlock()

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-signals:
			if !ok {
				return nil
			}
			p.onSignal(ctx, ev)
		}
	}
}

// Stop publishes "offline" to the bridge availability topic and closes
// the MQTT connection. ctx bounds the publish and disconnect.
func (p *Publisher) Stop(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return nil
	}
	p.publishRaw(ctx, p.availabilityTopic(), payloadOffline, 1, true)
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Used as the connwatch probe.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	p.mu.RLock()
	cm := p.cm
	p.mu.RUnlock()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "meshbridge/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) entityTopic(uid, leaf string) string {
	return p.baseTopic() + "/" + uid + "/" + leaf
}

func (p *Publisher) commandTopic(uid, action string) string {
	if action == "" {
		return p.entityTopic(uid, "set")
	}
	return p.entityTopic(uid, action+"/set")
}

func (p *Publisher) discoveryTopic(component entities.Component, uid string) string {
	return p.cfg.DiscoveryPrefix + "/" + string(component) + "/" + p.cfg.DeviceName + "/" + uid + "/config"
}

// --- Lifecycle handlers ---

// onConnect runs on every broker (re-)connect.
func (p *Publisher) onConnect(ctx context.Context, b broker) {
	p.mu.Lock()
	p.client = b
	p.mu.Unlock()

	snap := p.source.Snapshot()
	p.registry.Populate(snap)
	for _, e := range p.registry.Prune(snap) {
		p.unpublish(ctx, e)
	}

	p.publishDiscovery(ctx, p.registry.All())
	p.publishRaw(ctx, p.availabilityTopic(), payloadOnline, 1, true)

	subs := make([]paho.SubscribeOptions, 0, 2)
	for _, f := range commandFilters(p.baseTopic()) {
		subs = append(subs, paho.SubscribeOptions{Topic: f, QoS: 1})
	}
	if _, err := b.Subscribe(ctx, &paho.Subscribe{Subscriptions: subs}); err != nil {
		p.logger.Warn("mqtt command subscribe failed", "error", err)
	} else {
		p.logger.Debug("mqtt command topics subscribed", "filters", len(subs))
	}

	p.publishStates(ctx, snap, p.registry.All())
}

// onSnapshot runs after every successful refresh. Devices missing from
// snap are dropped here as well, in case their removal signal was lost.
func (p *Publisher) onSnapshot(ctx context.Context, snap *coordinator.Snapshot) {
	if added := p.registry.Populate(snap); len(added) > 0 {
		p.publishDiscovery(ctx, added)
	}
	if stale := p.registry.Prune(snap); len(stale) > 0 {
		for _, e := range stale {
			p.unpublish(ctx, e)
		}
		p.logger.Info("stale device entities removed", "entities", len(stale))
	}
	p.publishStates(ctx, snap, p.registry.All())
}

// onSignal applies one inventory signal to the registry and to HA.
func (p *Publisher) onSignal(ctx context.Context, ev events.Event) {
	switch ev.Kind {
	case events.KindDeviceAdded:
		added := p.registry.AddDevice(ev.SystemID, ev.Device)
		if len(added) == 0 {
			return
		}
		p.publishDiscovery(ctx, added)
		p.publishStates(ctx, p.source.Snapshot(), added)
		p.logger.Info("device entities added", "device", ev.DeviceID, "system", ev.SystemID, "entities", len(added))
	case events.KindDeviceRemoved:
		removed := p.registry.RemoveDevice(ev.DeviceID)
		for _, e := range removed {
			p.unpublish(ctx, e)
		}
		if len(removed) > 0 {
			p.logger.Info("device entities removed", "device", ev.DeviceID, "entities", len(removed))
		}
	}
}

// --- Commands ---

func (p *Publisher) handleMessage(topic string, payload []byte, retained bool) {
	uid, action, ok := parseCommandTopic(p.baseTopic(), topic)
	if !ok {
		p.logger.Debug("mqtt message ignored", "topic", topic, "payload_size", len(payload))
		return
	}
	if retained {
		p.logger.Debug("mqtt retained command ignored", "topic", topic)
		return
	}
	if !p.limiter.allow() {
		return
	}

	// Copy: paho may reuse the packet buffer once the handler returns.
	body := append([]byte(nil), payload...)
	go p.runCommand(uid, action, body)
}

func (p *Publisher) runCommand(uid, action string, payload []byte) {
	p.mu.RLock()
	parent := p.ctx
	p.mu.RUnlock()

	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()

	err := p.registry.Command(ctx, uid, action, payload)
	p.metrics.Command("mqtt", err)
	if err != nil {
		return
	}

	if e, ok := p.registry.Get(uid); ok {
		p.publishStates(ctx, p.source.Snapshot(), []entities.Entity{e})
	}
}

// --- Publishing ---

// entityConfig builds the discovery payload for e.
func (p *Publisher) entityConfig(e entities.Entity) EntityConfig {
	uid := e.UniqueID()
	d := e.Discovery()

	cfg := EntityConfig{
		Name:     e.Name(),
		UniqueID: uid,
		ObjectID: uid,
		Availability: []Availability{
			{Topic: p.availabilityTopic()},
			{Topic: p.entityTopic(uid, "availability")},
		},
		AvailabilityMode:  "all",
		Device:            deviceInfo(e.Device(), p.instanceID),
		DeviceClass:       d.DeviceClass,
		StateClass:        d.StateClass,
		UnitOfMeasurement: d.Unit,
		EntityCategory:    d.EntityCategory,
		SourceType:        d.SourceType,
	}
	if e.Component().Stateful() {
		cfg.StateTopic = p.entityTopic(uid, "state")
	}
	if _, ok := e.(entities.Commander); ok {
		cfg.CommandTopic = p.commandTopic(uid, "")
	}
	if d.Attributes {
		cfg.JSONAttributesTopic = p.entityTopic(uid, "attributes")
	}
	if d.JSONSchema {
		cfg.Schema = "json"
		cfg.Brightness = true
		cfg.SupportedColorModes = []string{"brightness"}
	}
	if !e.EnabledByDefault() {
		disabled := false
		cfg.EnabledByDefault = &disabled
	}
	return cfg
}

func (p *Publisher) publishDiscovery(ctx context.Context, list []entities.Entity) {
	for _, e := range list {
		topic := p.discoveryTopic(e.Component(), e.UniqueID())
		payload, err := json.Marshal(p.entityConfig(e))
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", e.UniqueID(), "error", err)
			continue
		}
		if p.publish(ctx, topic, payload, 1, true) {
			p.logger.Debug("mqtt discovery published",
				"entity", e.UniqueID(), "topic", topic)
		}
	}
}

// unpublish removes an entity from HA by clearing its retained config
// and state topics.
func (p *Publisher) unpublish(ctx context.Context, e entities.Entity) {
	uid := e.UniqueID()
	p.publish(ctx, p.discoveryTopic(e.Component(), uid), nil, 1, true)
	for _, leaf := range []string{"state", "attributes", "availability"} {
		p.publish(ctx, p.entityTopic(uid, leaf), nil, 0, true)
	}
}

// publishStates publishes state, attributes, and availability for each
// entity in list. Entities are unavailable while the coordinator's last
// refresh failed.
func (p *Publisher) publishStates(ctx context.Context, snap *coordinator.Snapshot, list []entities.Entity) {
	healthy := p.source.LastUpdateSuccess()

	for _, e := range list {
		uid := e.UniqueID()
		st := e.State(snap)

		avail := payloadOffline
		if st.Available && healthy {
			avail = payloadOnline
		}

		if e.Component().Stateful() && st.Value != "" {
			p.publishRaw(ctx, p.entityTopic(uid, "state"), st.Value, 0, true)
		}
		if e.Discovery().Attributes && st.Attributes != nil {
			if attrs, err := json.Marshal(st.Attributes); err == nil {
				p.publish(ctx, p.entityTopic(uid, "attributes"), attrs, 0, true)
			}
		}
		p.publishRaw(ctx, p.entityTopic(uid, "availability"), avail, 0, true)
	}

	p.logger.Log(ctx, config.LevelTrace, "mqtt entity states published",
		"entities", len(list), "healthy", healthy)
}

func (p *Publisher) publishRaw(ctx context.Context, topic, payload string, qos byte, retain bool) bool {
	return p.publish(ctx, topic, []byte(payload), qos, retain)
}

// publish sends one message. It reports false when there is no broker
// connection yet or the publish failed.
func (p *Publisher) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) bool {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()
	if client == nil {
		return false
	}

	if _, err := client.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		p.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		return false
	}
	return true
}
