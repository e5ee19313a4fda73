// Package mesh relays one ciphertext to a whole cluster of members over
// WebSocket. Members hold a connection to a Hub; a distributor sends a
// single deliver frame per cluster and gets back the members it missed.
package mesh

import "github.com/ChuLiYu/groupmesh/pkg/types"

// Frame types.
const (
	FrameDeliver  = "deliver"
	FrameAck      = "ack"
	FrameEnvelope = "envelope"
)

// ReadLimit bounds a single frame.
const ReadLimit = 4 << 20

// Frame is the JSON message exchanged on every mesh connection.
type Frame struct {
	Type     string          `json:"type"`
	ID       string          `json:"id,omitempty"`
	Members  []string        `json:"members,omitempty"`
	Failed   []string        `json:"failed,omitempty"`
	Envelope *types.Envelope `json:"envelope,omitempty"`
	Error    string          `json:"error,omitempty"`
}
