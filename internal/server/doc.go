// Package server implements the live connection hub of the chat backend.
//
// A Hub accepts WebSocket connections, authenticates them from the token in
// the handshake, keeps them in a Registry and monitors each one with a
// ping/pong Heartbeat. Every change to the registry triggers a presence
// broadcast. Inbound events are decoded by the Router, checked against
// channel membership in the store and fanned out to the live connections of
// the channel's members.
//
// The package also serves the HTTP surface around the hub: the upgrade
// endpoint, health and presence endpoints, metrics and a small REST API.
package server
