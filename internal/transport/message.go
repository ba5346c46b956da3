// Package transport is the message substrate facade: unicast request/reply
// with infinite timeout, a single coalesced multi-endpoint request,
// best-effort broadcast cast, and node-down detection. It is implemented
// over one persistent websocket connection per ordered node pair, which
// gives the fan-out core FIFO delivery and an infinite timeout without
// spawning an intermediate process per endpoint.
package transport

import "encoding/json"

// Message kinds used on the wire between delegates and monitor clients.
const (
	KindInvokeCall = "invoke.call"
	KindInvokeCast = "invoke.cast"
	KindMonitor    = "monitor"
	KindDemonitor  = "demonitor"
	KindNotify     = "monitor.notify"
	KindError      = "error"
)

// Message is the wire envelope carried over a connection. To names the
// destination delegate (or the fixed monitor notify endpoint) on the receiving node;
// ID correlates a reply with its request.
type Message struct {
	ID      string          `json:"id"`
	From    string          `json:"from"`
	To      string          `json:"to"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
