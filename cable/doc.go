// Package cable is a client for the ActionCable pub/sub protocol spoken by
// the test analytics collector.
//
// A Client drives one persistent connection through its handshake: the
// transport is opened, the server must greet with a welcome event, and
// channels are then subscribed one at a time, each waiting for the server to
// confirm it. Confirmed channels get a Producer for outbound messages, and
// inbound messages are handed to the channel's Consumer in arrival order.
//
// Every network wait is bounded by the client's step timeout. A failed or
// timed out handshake is final: the client must be discarded and a new one
// built. There is no reconnection.
package cable
