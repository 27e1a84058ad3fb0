// Package mqtt mirrors the event bus onto an MQTT broker. Tether
// appears as a device under tether/<device_name>/ with a retained
// availability topic, a retained device description, a retained
// daily run counter and one topic per event source and kind.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes the device description and a birth
// message ("online") to the availability topic. A will message moves
// availability to "offline" on unexpected disconnects.
package mqtt
