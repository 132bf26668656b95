// Package server is the realtime transport of chatverse.
//
// A Hub owns every live websocket Client and tears them down at shutdown. Each
// Client runs a read pump that feeds inbound frames, in receipt order, to the
// event Router, and a write pump that drains its send buffer and keeps the
// connection alive with pings. The Router is the single dispatch point: it
// checks identity and membership, drives the connection registry, room
// tracker, presence publisher and delivery state machine, and computes the set
// of connections each outbound event goes to.
//
// HTTP routes (health, stats, presence and message status lookups, the test
// page and the websocket endpoint) are mounted on a chi router by SetupRoutes.
package server
