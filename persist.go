// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"github.com/mochi-mqtt/qos2/hooks/storage"
)

// ClientRecord returns the storable form of a client's persistent session.
func ClientRecord(cl *Client) storage.Client {
	return storage.Client{
		ID:                    cl.ID,
		T:                     storage.ClientKey,
		Remote:                cl.Net.Remote,
		Listener:              cl.Net.Listener,
		Username:              cl.Properties.Username,
		Clean:                 cl.Properties.Clean,
		ProtocolVersion:       cl.Properties.ProtocolVersion,
		SessionExpiryInterval: cl.Properties.Props.SessionExpiryInterval,
		Subscriptions:         cl.State.Subscriptions.GetAll(),
		Disconnected:          cl.StopTime(),
	}
}

// HandshakeRecord returns the storable form of a handshake.
func HandshakeRecord(h Handshake) storage.Handshake {
	return storage.Handshake{
		ID:        storage.HandshakeID(h.Client, byte(h.Direction), h.PacketID),
		T:         storage.HandshakeKey,
		Client:    h.Client,
		Created:   h.Created,
		Updated:   h.Updated,
		Retries:   h.Retries,
		PacketID:  h.PacketID,
		Direction: byte(h.Direction),
		State:     byte(h.State),
		Message:   storage.MessageFromPacket(h.Packet),
	}
}

// handshakeFromRecord restores a handshake from its storable form.
func handshakeFromRecord(d storage.Handshake) Handshake {
	return Handshake{
		Packet:    d.Message.ToPacket(),
		Client:    d.Client,
		Created:   d.Created,
		Updated:   d.Updated,
		Retries:   d.Retries,
		PacketID:  d.PacketID,
		Direction: Direction(d.Direction),
		State:     State(d.State),
	}
}
