// Package mqtt bridges meshbridge entities to Home Assistant through
// MQTT discovery. Every system, access point, and client device shows
// up as a native HA device with its entities grouped beneath it.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads for
// each registered entity, a birth message ("online") to the bridge
// availability topic, subscribes to the entity command topics, and
// republishes every entity state. A will message ensures the
// availability topic transitions to "offline" on unexpected
// disconnects.
//
// After that, state flows in from two places: the coordinator's
// snapshot listener (entity states, new systems and access points) and
// the signal bus (client devices appearing and disappearing). Commands
// arrive on <base>/<unique_id>/set, or <base>/<unique_id>/<action>/set
// for secondary actions, and are routed to the entity registry.
package mqtt
