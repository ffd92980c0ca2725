// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package storage

import (
	"encoding/json"
	"errors"
	"strconv"

	"github.com/mochi-mqtt/qos2/packets"
)

const (
	HandshakeKey = "HS" // unique key to denote handshakes in a store
	ClientKey    = "CL" // unique key to denote clients in a store
)

var (
	// ErrDBFileNotOpen indicates that the file database (e.g. bolt/badger) wasn't open for reading.
	ErrDBFileNotOpen = errors.New("db file not open")
)

// Serializable is an interface for objects that can be serialized and deserialized.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// Client is a storable representation of a client with a persistent session.
type Client struct {
	Subscriptions         []packets.Subscription `json:"subscriptions,omitempty"` // the topic filters the client holds
	Username              []byte                 `json:"username,omitempty"`      // the username of the client
	ID                    string                 `json:"id"`                      // the client id / storage key
	T                     string                 `json:"t"`                       // the data type (client)
	Remote                string                 `json:"remote"`                  // the remote address of the client
	Listener              string                 `json:"listener"`                // the listener the client connected on
	Disconnected          int64                  `json:"disconnected,omitempty"`  // unix time the client disconnected
	SessionExpiryInterval uint32                 `json:"sessionExpiryInterval"`   // seconds the session outlives the connection
	ProtocolVersion       byte                   `json:"protocolVersion"`         // mqtt protocol version of the client
	Clean                 bool                   `json:"clean"`                   // if the client requested a clean start/session
}

// MarshalBinary encodes the values into a json string.
func (d Client) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Client) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Handshake is a storable representation of an unresolved qos handshake.
type Handshake struct {
	Message   Message `json:"message"`   // the publish being delivered
	T         string  `json:"t"`         // the data type (handshake)
	ID        string  `json:"id"`        // the storage key
	Client    string  `json:"client"`    // the id of the owning client
	Created   int64   `json:"created"`   // unix time the handshake began
	Updated   int64   `json:"updated"`   // unix time of the last transition
	Retries   int     `json:"retries"`   // resends so far
	PacketID  uint16  `json:"packetId"`  // the packet identifier of the flow
	Direction byte    `json:"direction"` // 0 inbound, 1 outbound
	State     byte    `json:"state"`     // position within the flow
}

// HandshakeID returns the storage key for a handshake, unique per client,
// direction, and packet id.
func HandshakeID(client string, direction byte, id uint16) string {
	return HandshakeKey + "_" + client + "_" + strconv.Itoa(int(direction)) + "_" + strconv.Itoa(int(id))
}

// MarshalBinary encodes the values into a json string.
func (d Handshake) MarshalBinary() (data []byte, err error) {
	return json.Marshal(d)
}

// UnmarshalBinary decodes a json string into a struct.
func (d *Handshake) UnmarshalBinary(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, d)
}

// Message is a storable representation of a publish packet.
type Message struct {
	Properties  MessageProperties   `json:"properties"`
	Payload     []byte              `json:"payload"`
	Origin      string              `json:"origin,omitempty"`
	TopicName   string              `json:"topic_name,omitempty"`
	FixedHeader packets.FixedHeader `json:"fixedheader"`
	Created     int64               `json:"created,omitempty"`
	Expiry      int64               `json:"expiry,omitempty"`
	PacketID    uint16              `json:"packet_id,omitempty"`
}

// MessageProperties contains a limited subset of mqtt v5 properties specific to publish messages.
type MessageProperties struct {
	CorrelationData       []byte                 `json:"correlationData,omitempty"`
	User                  []packets.UserProperty `json:"user,omitempty"`
	ContentType           string                 `json:"contentType,omitempty"`
	ResponseTopic         string                 `json:"responseTopic,omitempty"`
	MessageExpiryInterval uint32                 `json:"messageExpiry,omitempty"`
	PayloadFormat         byte                   `json:"payloadFormat,omitempty"`
	PayloadFormatFlag     bool                   `json:"payloadFormatFlag,omitempty"`
}

// MessageFromPacket converts a publish packet into a storable message.
func MessageFromPacket(pk packets.Packet) Message {
	return Message{
		FixedHeader: pk.FixedHeader,
		PacketID:    pk.PacketID,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		Origin:      pk.Origin,
		Created:     pk.Created,
		Expiry:      pk.Expiry,
		Properties: MessageProperties{
			PayloadFormat:         pk.Properties.PayloadFormat,
			PayloadFormatFlag:     pk.Properties.PayloadFormatFlag,
			MessageExpiryInterval: pk.Properties.MessageExpiryInterval,
			ContentType:           pk.Properties.ContentType,
			ResponseTopic:         pk.Properties.ResponseTopic,
			CorrelationData:       pk.Properties.CorrelationData,
			User:                  pk.Properties.User,
		},
	}
}

// ToPacket converts a storage.Message to a standard packet.
func (d *Message) ToPacket() packets.Packet {
	pk := packets.Packet{
		FixedHeader: d.FixedHeader,
		PacketID:    d.PacketID,
		TopicName:   d.TopicName,
		Payload:     d.Payload,
		Origin:      d.Origin,
		Created:     d.Created,
		Expiry:      d.Expiry,
		Properties: packets.Properties{
			PayloadFormat:         d.Properties.PayloadFormat,
			PayloadFormatFlag:     d.Properties.PayloadFormatFlag,
			MessageExpiryInterval: d.Properties.MessageExpiryInterval,
			ContentType:           d.Properties.ContentType,
			ResponseTopic:         d.Properties.ResponseTopic,
			CorrelationData:       d.Properties.CorrelationData,
			User:                  d.Properties.User,
		},
	}

	// Return a deep copy of the packet data otherwise the slices will
	// continue pointing at the values from the storage packet.
	pk = pk.Copy(true)
	pk.FixedHeader.Dup = d.FixedHeader.Dup

	return pk
}
