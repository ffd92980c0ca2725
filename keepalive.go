// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync/atomic"
	"time"

	"github.com/mochi-mqtt/qos2/packets"
)

// keepaliveGrace is the multiple of the keepalive the broker waits for a packet
// before treating the connection as lost. [MQTT-3.1.2-24]
const keepaliveGrace = 1.5

// refreshDeadline extends the deadline of the connection to one and a half
// keepalive periods from now. A keepalive of 0 disables the deadline.
func (cl *Client) refreshDeadline(keepalive uint16) {
	now := time.Now()
	atomic.StoreInt64(&cl.State.lastActivity, now.Unix())

	if cl.Net.Conn == nil {
		return
	}

	var expiry time.Time // Nil time can be used to disable deadline if keepalive = 0
	if keepalive > 0 {
		expiry = now.Add(time.Duration(float64(keepalive) * keepaliveGrace * float64(time.Second)))
	}

	_ = cl.Net.Conn.SetDeadline(expiry)
}

// LastActivity returns the unix time the last packet was received from the client.
func (cl *Client) LastActivity() int64 {
	return atomic.LoadInt64(&cl.State.lastActivity)
}

// processPingreq processes a Pingreq packet. The response is written
// immediately, regardless of any handshakes in flight or stalled on the
// connection.
func (s *Server) processPingreq(cl *Client, _ packets.Packet) error {
	return cl.WritePacket(packets.Packet{
		FixedHeader: packets.FixedHeader{
			Type: packets.Pingresp, // [MQTT-3.12.4-1]
		},
	})
}
