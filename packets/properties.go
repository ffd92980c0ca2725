// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"bytes"
	"fmt"
)

const (
	PropPayloadFormat          byte = 1
	PropMessageExpiryInterval  byte = 2
	PropContentType            byte = 3
	PropResponseTopic          byte = 8
	PropCorrelationData        byte = 9
	PropSubscriptionIdentifier byte = 11
	PropSessionExpiryInterval  byte = 17
	PropAssignedClientID       byte = 18
	PropServerKeepAlive        byte = 19
	PropAuthenticationMethod   byte = 21
	PropAuthenticationData     byte = 22
	PropRequestProblemInfo     byte = 23
	PropWillDelayInterval      byte = 24
	PropRequestResponseInfo    byte = 25
	PropResponseInfo           byte = 26
	PropServerReference        byte = 28
	PropReasonString           byte = 31
	PropReceiveMaximum         byte = 33
	PropTopicAliasMaximum      byte = 34
	PropTopicAlias             byte = 35
	PropMaximumQos             byte = 36
	PropRetainAvailable        byte = 37
	PropUser                   byte = 38
	PropMaximumPacketSize      byte = 39
	PropWildcardSubAvailable   byte = 40
	PropSubIDAvailable         byte = 41
	PropSharedSubAvailable     byte = 42
)

// validPacketProperties indicates which properties are valid for which packet types.
var validPacketProperties = map[byte]map[byte]bool{
	PropPayloadFormat:          {Publish: true, WillProperties: true},
	PropMessageExpiryInterval:  {Publish: true, WillProperties: true},
	PropContentType:            {Publish: true, WillProperties: true},
	PropResponseTopic:          {Publish: true, WillProperties: true},
	PropCorrelationData:        {Publish: true, WillProperties: true},
	PropSubscriptionIdentifier: {Publish: true, Subscribe: true},
	PropSessionExpiryInterval:  {Connect: true, Connack: true, Disconnect: true},
	PropAssignedClientID:       {Connack: true},
	PropServerKeepAlive:        {Connack: true},
	PropAuthenticationMethod:   {Connect: true, Connack: true},
	PropAuthenticationData:     {Connect: true, Connack: true},
	PropRequestProblemInfo:     {Connect: true},
	PropWillDelayInterval:      {WillProperties: true},
	PropRequestResponseInfo:    {Connect: true},
	PropResponseInfo:           {Connack: true},
	PropServerReference:        {Connack: true, Disconnect: true},
	PropReasonString:           {Connack: true, Puback: true, Pubrec: true, Pubrel: true, Pubcomp: true, Suback: true, Unsuback: true, Disconnect: true},
	PropReceiveMaximum:         {Connect: true, Connack: true},
	PropTopicAliasMaximum:      {Connect: true, Connack: true},
	PropTopicAlias:             {Publish: true},
	PropMaximumQos:             {Connack: true},
	PropRetainAvailable:        {Connack: true},
	PropUser:                   {Connect: true, Connack: true, Publish: true, Puback: true, Pubrec: true, Pubrel: true, Pubcomp: true, Subscribe: true, Suback: true, Unsubscribe: true, Unsuback: true, Disconnect: true, WillProperties: true},
	PropMaximumPacketSize:      {Connect: true, Connack: true},
	PropWildcardSubAvailable:   {Connack: true},
	PropSubIDAvailable:         {Connack: true},
	PropSharedSubAvailable:     {Connack: true},
}

// UserProperty is an arbitrary key-value pair for a packet user properties array.
type UserProperty struct { // [MQTT-1.5.7-1]
	Key string `json:"k"`
	Val string `json:"v"`
}

// Properties contains the mqtt v5 properties of a packet. Values which are
// meaningful at zero carry a flag to indicate presence.
type Properties struct {
	CorrelationData           []byte         `json:"cd,omitempty"`
	SubscriptionIdentifier    []int          `json:"si,omitempty"`
	AuthenticationData        []byte         `json:"ad,omitempty"`
	User                      []UserProperty `json:"user,omitempty"`
	ContentType               string         `json:"ct,omitempty"`
	ResponseTopic             string         `json:"rt,omitempty"`
	AssignedClientID          string         `json:"aci,omitempty"`
	AuthenticationMethod      string         `json:"am,omitempty"`
	ResponseInfo              string         `json:"ri,omitempty"`
	ServerReference           string         `json:"sr,omitempty"`
	ReasonString              string         `json:"rs,omitempty"`
	MessageExpiryInterval     uint32         `json:"me,omitempty"`
	SessionExpiryInterval     uint32         `json:"sei,omitempty"`
	WillDelayInterval         uint32         `json:"wdi,omitempty"`
	MaximumPacketSize         uint32         `json:"mps,omitempty"`
	ServerKeepAlive           uint16         `json:"ska,omitempty"`
	ReceiveMaximum            uint16         `json:"rm,omitempty"`
	TopicAliasMaximum         uint16         `json:"tam,omitempty"`
	TopicAlias                uint16         `json:"ta,omitempty"`
	PayloadFormat             byte           `json:"pf,omitempty"`
	PayloadFormatFlag         bool           `json:"fpf,omitempty"`
	SessionExpiryIntervalFlag bool           `json:"fsei,omitempty"`
	ServerKeepAliveFlag       bool           `json:"fska,omitempty"`
	RequestProblemInfo        byte           `json:"rpi,omitempty"`
	RequestProblemInfoFlag    bool           `json:"frpi,omitempty"`
	RequestResponseInfo       byte           `json:"rri,omitempty"`
	MaximumQos                byte           `json:"mqos,omitempty"`
	MaximumQosFlag            bool           `json:"fmqos,omitempty"`
	RetainAvailable           byte           `json:"ra,omitempty"`
	RetainAvailableFlag       bool           `json:"fra,omitempty"`
	WildcardSubAvailable      byte           `json:"wsa,omitempty"`
	WildcardSubAvailableFlag  bool           `json:"fwsa,omitempty"`
	SubIDAvailable            byte           `json:"sida,omitempty"`
	SubIDAvailableFlag        bool           `json:"fsida,omitempty"`
	SharedSubAvailable        byte           `json:"ssa,omitempty"`
	SharedSubAvailableFlag    bool           `json:"fssa,omitempty"`
}

// Empty returns true if no properties would be encoded for the packet type.
func (p *Properties) Empty(pkt byte) bool {
	var b bytes.Buffer
	p.Encode(pkt, &b)
	return b.Len() == 1
}

// Encode encodes the properties valid for the packet type into a buffer,
// prefixed by their variable byte integer length.
func (p *Properties) Encode(pkt byte, b *bytes.Buffer) {
	var buf bytes.Buffer
	can := func(k byte) bool {
		return validPacketProperties[k][pkt]
	}

	if can(PropPayloadFormat) && p.PayloadFormatFlag {
		buf.WriteByte(PropPayloadFormat)
		buf.WriteByte(p.PayloadFormat)
	}

	if can(PropMessageExpiryInterval) && p.MessageExpiryInterval > 0 {
		buf.WriteByte(PropMessageExpiryInterval)
		buf.Write(encodeUint32(p.MessageExpiryInterval))
	}

	if can(PropContentType) && p.ContentType != "" {
		buf.WriteByte(PropContentType)
		buf.Write(encodeString(p.ContentType))
	}

	if can(PropResponseTopic) && p.ResponseTopic != "" {
		buf.WriteByte(PropResponseTopic)
		buf.Write(encodeString(p.ResponseTopic))
	}

	if can(PropCorrelationData) && len(p.CorrelationData) > 0 {
		buf.WriteByte(PropCorrelationData)
		buf.Write(encodeBytes(p.CorrelationData))
	}

	if can(PropSubscriptionIdentifier) {
		for _, v := range p.SubscriptionIdentifier {
			if v > 0 {
				buf.WriteByte(PropSubscriptionIdentifier)
				encodeLength(&buf, int64(v))
			}
		}
	}

	if can(PropSessionExpiryInterval) && p.SessionExpiryIntervalFlag {
		buf.WriteByte(PropSessionExpiryInterval)
		buf.Write(encodeUint32(p.SessionExpiryInterval))
	}

	if can(PropAssignedClientID) && p.AssignedClientID != "" {
		buf.WriteByte(PropAssignedClientID)
		buf.Write(encodeString(p.AssignedClientID))
	}

	if can(PropServerKeepAlive) && p.ServerKeepAliveFlag {
		buf.WriteByte(PropServerKeepAlive)
		buf.Write(encodeUint16(p.ServerKeepAlive))
	}

	if can(PropAuthenticationMethod) && p.AuthenticationMethod != "" {
		buf.WriteByte(PropAuthenticationMethod)
		buf.Write(encodeString(p.AuthenticationMethod))
	}

	if can(PropAuthenticationData) && len(p.AuthenticationData) > 0 {
		buf.WriteByte(PropAuthenticationData)
		buf.Write(encodeBytes(p.AuthenticationData))
	}

	if can(PropRequestProblemInfo) && p.RequestProblemInfoFlag {
		buf.WriteByte(PropRequestProblemInfo)
		buf.WriteByte(p.RequestProblemInfo)
	}

	if can(PropWillDelayInterval) && p.WillDelayInterval > 0 {
		buf.WriteByte(PropWillDelayInterval)
		buf.Write(encodeUint32(p.WillDelayInterval))
	}

	if can(PropRequestResponseInfo) && p.RequestResponseInfo > 0 {
		buf.WriteByte(PropRequestResponseInfo)
		buf.WriteByte(p.RequestResponseInfo)
	}

	if can(PropResponseInfo) && p.ResponseInfo != "" {
		buf.WriteByte(PropResponseInfo)
		buf.Write(encodeString(p.ResponseInfo))
	}

	if can(PropServerReference) && p.ServerReference != "" {
		buf.WriteByte(PropServerReference)
		buf.Write(encodeString(p.ServerReference))
	}

	if can(PropReasonString) && p.ReasonString != "" {
		buf.WriteByte(PropReasonString)
		buf.Write(encodeString(p.ReasonString))
	}

	if can(PropReceiveMaximum) && p.ReceiveMaximum > 0 {
		buf.WriteByte(PropReceiveMaximum)
		buf.Write(encodeUint16(p.ReceiveMaximum))
	}

	if can(PropTopicAliasMaximum) && p.TopicAliasMaximum > 0 {
		buf.WriteByte(PropTopicAliasMaximum)
		buf.Write(encodeUint16(p.TopicAliasMaximum))
	}

	if can(PropTopicAlias) && p.TopicAlias > 0 {
		buf.WriteByte(PropTopicAlias)
		buf.Write(encodeUint16(p.TopicAlias))
	}

	if can(PropMaximumQos) && p.MaximumQosFlag && p.MaximumQos < 2 {
		buf.WriteByte(PropMaximumQos)
		buf.WriteByte(p.MaximumQos)
	}

	if can(PropRetainAvailable) && p.RetainAvailableFlag {
		buf.WriteByte(PropRetainAvailable)
		buf.WriteByte(p.RetainAvailable)
	}

	if can(PropUser) {
		for _, v := range p.User {
			buf.WriteByte(PropUser)
			buf.Write(encodeString(v.Key))
			buf.Write(encodeString(v.Val))
		}
	}

	if can(PropMaximumPacketSize) && p.MaximumPacketSize > 0 {
		buf.WriteByte(PropMaximumPacketSize)
		buf.Write(encodeUint32(p.MaximumPacketSize))
	}

	if can(PropWildcardSubAvailable) && p.WildcardSubAvailableFlag {
		buf.WriteByte(PropWildcardSubAvailable)
		buf.WriteByte(p.WildcardSubAvailable)
	}

	if can(PropSubIDAvailable) && p.SubIDAvailableFlag {
		buf.WriteByte(PropSubIDAvailable)
		buf.WriteByte(p.SubIDAvailable)
	}

	if can(PropSharedSubAvailable) && p.SharedSubAvailableFlag {
		buf.WriteByte(PropSharedSubAvailable)
		buf.WriteByte(p.SharedSubAvailable)
	}

	encodeLength(b, int64(buf.Len()))
	_, _ = buf.WriteTo(b)
}

// Decode decodes the properties block beginning at offset, returning the offset
// of the first byte after the block.
func (p *Properties) Decode(pkt byte, buf []byte, offset int) (int, error) {
	n, bu, err := DecodeLength(bytes.NewReader(buf[offset:]))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", err, ErrMalformedProperties)
	}

	offset += bu
	end := offset + n
	if end > len(buf) {
		return 0, ErrMalformedProperties
	}

	bt := buf[:end]
	var k byte
	for offset < end {
		k, offset, err = decodeByte(bt, offset)
		if err != nil {
			return 0, err
		}

		valid, known := validPacketProperties[k]
		if !known {
			return 0, ErrMalformedBadProperty
		}

		if !valid[pkt] {
			return 0, fmt.Errorf("property type %v not valid for packet type %v: %w", k, pkt, ErrProtocolViolationUnsupportedProp)
		}

		switch k {
		case PropPayloadFormat:
			p.PayloadFormat, offset, err = decodeByte(bt, offset)
			p.PayloadFormatFlag = true
		case PropMessageExpiryInterval:
			p.MessageExpiryInterval, offset, err = decodeUint32(bt, offset)
		case PropContentType:
			p.ContentType, offset, err = decodeString(bt, offset)
		case PropResponseTopic:
			p.ResponseTopic, offset, err = decodeString(bt, offset)
		case PropCorrelationData:
			p.CorrelationData, offset, err = decodeBytes(bt, offset)
		case PropSubscriptionIdentifier:
			var v, vb int
			v, vb, err = DecodeLength(bytes.NewReader(bt[offset:]))
			p.SubscriptionIdentifier = append(p.SubscriptionIdentifier, v)
			offset += vb
		case PropSessionExpiryInterval:
			p.SessionExpiryInterval, offset, err = decodeUint32(bt, offset)
			p.SessionExpiryIntervalFlag = true
		case PropAssignedClientID:
			p.AssignedClientID, offset, err = decodeString(bt, offset)
		case PropServerKeepAlive:
			p.ServerKeepAlive, offset, err = decodeUint16(bt, offset)
			p.ServerKeepAliveFlag = true
		case PropAuthenticationMethod:
			p.AuthenticationMethod, offset, err = decodeString(bt, offset)
		case PropAuthenticationData:
			p.AuthenticationData, offset, err = decodeBytes(bt, offset)
		case PropRequestProblemInfo:
			p.RequestProblemInfo, offset, err = decodeByte(bt, offset)
			p.RequestProblemInfoFlag = true
		case PropWillDelayInterval:
			p.WillDelayInterval, offset, err = decodeUint32(bt, offset)
		case PropRequestResponseInfo:
			p.RequestResponseInfo, offset, err = decodeByte(bt, offset)
		case PropResponseInfo:
			p.ResponseInfo, offset, err = decodeString(bt, offset)
		case PropServerReference:
			p.ServerReference, offset, err = decodeString(bt, offset)
		case PropReasonString:
			p.ReasonString, offset, err = decodeString(bt, offset)
		case PropReceiveMaximum:
			p.ReceiveMaximum, offset, err = decodeUint16(bt, offset)
		case PropTopicAliasMaximum:
			p.TopicAliasMaximum, offset, err = decodeUint16(bt, offset)
		case PropTopicAlias:
			p.TopicAlias, offset, err = decodeUint16(bt, offset)
		case PropMaximumQos:
			p.MaximumQos, offset, err = decodeByte(bt, offset)
			p.MaximumQosFlag = true
		case PropRetainAvailable:
			p.RetainAvailable, offset, err = decodeByte(bt, offset)
			p.RetainAvailableFlag = true
		case PropUser:
			var k, v string
			k, offset, err = decodeString(bt, offset)
			if err == nil {
				v, offset, err = decodeString(bt, offset)
				p.User = append(p.User, UserProperty{Key: k, Val: v})
			}
		case PropMaximumPacketSize:
			p.MaximumPacketSize, offset, err = decodeUint32(bt, offset)
		case PropWildcardSubAvailable:
			p.WildcardSubAvailable, offset, err = decodeByte(bt, offset)
			p.WildcardSubAvailableFlag = true
		case PropSubIDAvailable:
			p.SubIDAvailable, offset, err = decodeByte(bt, offset)
			p.SubIDAvailableFlag = true
		case PropSharedSubAvailable:
			p.SharedSubAvailable, offset, err = decodeByte(bt, offset)
			p.SharedSubAvailableFlag = true
		}

		if err != nil {
			return 0, err
		}
	}

	return end, nil
}
