// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import "github.com/mochi-mqtt/qos2/packets"

// Outcome is the classification of a received packet against the handshake
// registered for its packet identifier.
type Outcome byte

const (
	// Advance indicates the packet is the one the handshake is waiting for.
	Advance Outcome = iota

	// Retransmit indicates the packet repeats an earlier step which has already
	// been answered. The broker resends its last packet for the handshake.
	Retransmit

	// Tolerate indicates the packet matches no step of the handshake. It is
	// discarded without a state change, a response, or a disconnect.
	Tolerate

	// UnknownID indicates there is no active handshake for the identifier.
	UnknownID
)

var outcomeNames = map[Outcome]string{
	Advance:    "advance",
	Retransmit: "retransmit",
	Tolerate:   "tolerate",
	UnknownID:  "unknown_id",
}

// String returns the readable name of the outcome.
func (o Outcome) String() string {
	return outcomeNames[o]
}

// expects maps each non-terminal state to the packet type which advances it.
// Queued and written states expect the same packet, as a client may answer
// before the write loop reports the write.
var expects = map[State]byte{
	StateAwaitingPublish: packets.Publish,
	StatePubrecSent:      packets.Pubrel,
	StateAwaitingPubrel:  packets.Pubrel,
	StatePublishSent:     packets.Pubrec,
	StateAwaitingPubrec:  packets.Pubrec,
	StatePubrelSent:      packets.Pubcomp,
	StateAwaitingPubcomp: packets.Pubcomp,
	StateAwaitingPuback:  packets.Puback,
}

// repeats maps each state to the packet type of the step before it, which
// when received again is a retransmission by the peer.
var repeats = map[State]byte{
	StatePubrecSent:      packets.Publish,
	StateAwaitingPubrel:  packets.Publish,
	StatePubrelSent:      packets.Pubrec,
	StateAwaitingPubcomp: packets.Pubrec,
}

// Classify decides how a received packet type relates to a handshake. A nil
// or completed handshake is an UnknownID. Classify never mutates h.
func Classify(h *Handshake, received byte) Outcome {
	if h == nil || h.State == StateComplete {
		return UnknownID
	}

	if t, ok := expects[h.State]; ok && t == received {
		return Advance
	}

	if t, ok := repeats[h.State]; ok && t == received {
		return Retransmit
	}

	return Tolerate
}
