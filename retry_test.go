// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/qos2/packets"
)

func TestRetryDelay(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.RetryInterval = 100
	s.Options.Capabilities.MaximumRetryInterval = 1000

	require.Equal(t, 100*time.Millisecond, s.retryDelay(0))
	require.Equal(t, 200*time.Millisecond, s.retryDelay(1))
	require.Equal(t, 800*time.Millisecond, s.retryDelay(3))
	require.Equal(t, time.Second, s.retryDelay(4))
	require.Equal(t, time.Second, s.retryDelay(50))
}

func TestRetryDelayNoCeiling(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.RetryInterval = 100
	s.Options.Capabilities.MaximumRetryInterval = 0

	require.Equal(t, 100*time.Millisecond, s.retryDelay(0))
	require.Equal(t, 400*time.Millisecond, s.retryDelay(2))
	require.Equal(t, 100*time.Millisecond<<maxRetryDoublings, s.retryDelay(maxRetryDoublings))
	require.Equal(t, 100*time.Millisecond<<maxRetryDoublings, s.retryDelay(1000))
}

func TestScheduleResendsBacksOffAcrossReconnects(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.RetryInterval = 1
	s.Options.Capabilities.MaximumRetryInterval = 0
	cl, _, _ := newTestClient(s, 5)
	cl.State.Outbound.Set(Handshake{PacketID: 3, Packet: testPublish(2), State: StateAwaitingPubrec})

	s.resend(cl, 3)
	s.resend(cl, 3)
	<-cl.State.outbound
	<-cl.State.outbound

	h, ok := cl.State.Outbound.Get(3)
	require.True(t, ok)
	require.Equal(t, 2, h.Retries)
	require.Equal(t, 4*time.Millisecond, s.retryDelay(h.Retries))
}

func TestResendsSchedule(t *testing.T) {
	r := newResends()
	var n int32
	done := make(chan struct{})

	r.schedule(1, time.Hour, func() { atomic.AddInt32(&n, 1) })
	r.schedule(1, time.Millisecond, func() {
		atomic.AddInt32(&n, 10)
		close(done)
	})
	require.Equal(t, 1, r.len())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("resend did not run")
	}

	require.Equal(t, int32(10), atomic.LoadInt32(&n))
	require.Eventually(t, func() bool { return r.len() == 0 }, time.Second, time.Millisecond)
}

func TestResendsStop(t *testing.T) {
	r := newResends()
	var n int32
	r.schedule(1, 20*time.Millisecond, func() { atomic.AddInt32(&n, 1) })
	r.schedule(2, 20*time.Millisecond, func() { atomic.AddInt32(&n, 1) })
	require.Equal(t, 2, r.len())

	r.stop()
	require.Equal(t, 0, r.len())
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(0), atomic.LoadInt32(&n))
}

func TestResendQueuesLastSent(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 5)
	cl.State.Outbound.Set(Handshake{PacketID: 3, Packet: testPublish(2), State: StateAwaitingPubcomp})

	s.resend(cl, 3)
	require.Equal(t, int32(1), atomic.LoadInt32(&cl.State.outboundQty))
	require.Equal(t, int64(1), atomic.LoadInt64(&s.Info.Retransmits))

	pk := <-cl.State.outbound
	require.Equal(t, packets.Pubrel, pk.FixedHeader.Type)
	require.Equal(t, uint16(3), pk.PacketID)

	h, ok := cl.State.Outbound.Get(3)
	require.True(t, ok)
	require.Equal(t, 1, h.Retries)
}

func TestResendSkipsResolved(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 5)

	s.resend(cl, 3)
	require.Equal(t, int32(0), atomic.LoadInt32(&cl.State.outboundQty))
}

func TestResendSkipsClosed(t *testing.T) {
	s := newServer()
	cl, _, _ := newTestClient(s, 5)
	cl.State.Outbound.Set(Handshake{PacketID: 3, Packet: testPublish(2), State: StateAwaitingPubrec})
	cl.Stop(packets.CodeDisconnect)

	s.resend(cl, 3)
	h, _ := cl.State.Outbound.Get(3)
	require.Equal(t, 0, h.Retries)
}

func TestScheduleResends(t *testing.T) {
	s := newServer()
	s.Options.Capabilities.RetryInterval = 1
	cl, _, _ := newTestClient(s, 5)
	cl.State.Outbound.Set(Handshake{PacketID: 3, Packet: testPublish(2), State: StateAwaitingPubrec, Created: 1})
	cl.State.Outbound.Set(Handshake{PacketID: 4, Packet: testPublish(1), State: StateAwaitingPuback, Created: 2})

	s.scheduleResends(cl)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&cl.State.outboundQty) == 2
	}, time.Second, time.Millisecond)

	first := <-cl.State.outbound
	second := <-cl.State.outbound
	require.ElementsMatch(t, []uint16{3, 4}, []uint16{first.PacketID, second.PacketID})
	require.True(t, first.FixedHeader.Dup)
	require.True(t, second.FixedHeader.Dup)
}
