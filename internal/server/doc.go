// Package server is the websocket transport of gochat.
//
// A Server owns one connection registry, presence tracker, call signaling
// machine and chat fanout router, wired together in New. Each upgraded
// connection becomes a Client with a read pump and a write pump; inbound
// frames are decoded and routed by the dispatcher, outbound frames are
// pushed into the client's send buffer by the registry.
package server
