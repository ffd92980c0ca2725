// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"fmt"

	"github.com/jinzhu/copier"

	"github.com/mochi-mqtt/qos2/packets"
)

// Direction indicates which side of the broker a handshake runs on.
type Direction byte

const (
	Inbound  Direction = iota // publisher -> broker
	Outbound                  // broker -> subscriber
)

// String returns the readable name of the direction.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// State is the position of a handshake within its delivery flow.
type State byte

const (
	StateAwaitingPublish State = iota // inbound, nothing received yet
	StatePubrecSent                   // inbound, pubrec queued for write
	StateAwaitingPubrel               // inbound, pubrec written
	StatePublishSent                  // outbound qos 2, publish queued for write
	StateAwaitingPubrec               // outbound qos 2, publish written
	StatePubrelSent                   // outbound qos 2, pubrel queued for write
	StateAwaitingPubcomp              // outbound qos 2, pubrel written
	StateAwaitingPuback               // outbound qos 1
	StateComplete                     // terminal, identifier freed
)

var stateNames = map[State]string{
	StateAwaitingPublish: "awaiting_publish",
	StatePubrecSent:      "pubrec_sent",
	StateAwaitingPubrel:  "awaiting_pubrel",
	StatePublishSent:     "publish_sent",
	StateAwaitingPubrec:  "awaiting_pubrec",
	StatePubrelSent:      "pubrel_sent",
	StateAwaitingPubcomp: "awaiting_pubcomp",
	StateAwaitingPuback:  "awaiting_puback",
	StateComplete:        "complete",
}

// String returns the readable name of the state.
func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// advance maps each state to the state entered when the expected packet arrives.
var advance = map[State]State{
	StateAwaitingPublish: StatePubrecSent,
	StatePubrecSent:      StateComplete,
	StateAwaitingPubrel:  StateComplete,
	StatePublishSent:     StatePubrelSent,
	StateAwaitingPubrec:  StatePubrelSent,
	StatePubrelSent:      StateComplete,
	StateAwaitingPubcomp: StateComplete,
	StateAwaitingPuback:  StateComplete,
}

// written maps each queued state to the state entered once the broker's
// packet has been written to the connection.
var written = map[State]State{
	StatePubrecSent:  StateAwaitingPubrel,
	StatePublishSent: StateAwaitingPubrec,
	StatePubrelSent:  StateAwaitingPubcomp,
}

// Handshake is the progress of a single in-flight message through its
// acknowledgement flow, scoped to one connection and one direction.
type Handshake struct {
	Packet    packets.Packet `json:"packet"`    // the publish being delivered
	Client    string         `json:"client"`    // the id of the owning client
	Created   int64          `json:"created"`   // unix time the handshake began
	Updated   int64          `json:"updated"`   // unix time of the last transition or send
	Retries   int            `json:"retries"`   // number of resends on reconnect
	PacketID  uint16         `json:"packetId"`  // the packet identifier for the flow
	Direction Direction      `json:"direction"` // inbound or outbound
	State     State          `json:"state"`     // current position in the flow
}

// Step applies a received packet type to the handshake. The state only
// changes when the outcome is Advance.
func (h *Handshake) Step(received byte) Outcome {
	o := Classify(h, received)
	if o == Advance {
		h.State = advance[h.State]
	}
	return o
}

// Written marks the broker's outstanding packet for the handshake as written,
// moving it into the matching awaiting state. It is a no-op unless the
// handshake is still in the from state.
func (h *Handshake) Written(from State) bool {
	if h.State != from {
		return false
	}

	next, ok := written[from]
	if !ok {
		return false
	}

	h.State = next
	return true
}

// Complete returns true if the handshake has reached its terminal state.
func (h *Handshake) Complete() bool {
	return h.State == StateComplete
}

// LastSent returns the packet the broker most recently sent (or would send)
// for the handshake, used to answer retransmissions and to resume flows after
// a reconnect. The boolean is false if the broker has nothing to resend.
func (h *Handshake) LastSent() (packets.Packet, bool) {
	switch h.State {
	case StatePublishSent, StateAwaitingPubrec, StateAwaitingPuback:
		pk := h.Packet.Copy(false)
		pk.PacketID = h.PacketID
		pk.FixedHeader.Dup = h.State != StatePublishSent // only a publish already written is a redelivery [MQTT-3.3.1-1]
		return pk, true
	case StatePubrelSent, StateAwaitingPubcomp:
		return packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrel, Qos: 1},
			PacketID:    h.PacketID,
		}, true
	case StatePubrecSent, StateAwaitingPubrel:
		return packets.Packet{
			FixedHeader: packets.FixedHeader{Type: packets.Pubrec},
			PacketID:    h.PacketID,
		}, true
	}

	return packets.Packet{}, false
}

// Clone returns a deep copy of the handshake which shares no slices with it.
func (h *Handshake) Clone() (Handshake, error) {
	var c Handshake
	if err := copier.CopyWithOption(&c, h, copier.Option{DeepCopy: true}); err != nil {
		return Handshake{}, fmt.Errorf("clone handshake %d: %w", h.PacketID, err)
	}
	return c, nil
}
