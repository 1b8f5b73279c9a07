// Package mqtt connects the station to its broker.
//
// The [Client] uses Eclipse Paho v2's [autopaho] package for connection
// management with automatic reconnection. On every (re-)connect the
// station's client publishes a retained birth message ("online") to the
// availability topic, optionally publishes Home Assistant discovery
// configs for the five telemetry readings, and re-subscribes to all
// registered topic filters. A will message moves the availability topic
// to "offline" on unexpected disconnects.
//
// Inbound messages pass through a fixed-window rate limiter before they
// reach a handler, so a misbehaving publisher on the control topic
// cannot starve the telemetry loop.
package mqtt
