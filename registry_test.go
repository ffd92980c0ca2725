// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mochi-mqtt/qos2/packets"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(Outbound, 0)
	require.NotNil(t, r.internal)
	require.Equal(t, uint32(math.MaxUint16), r.maximum)
	require.Equal(t, Outbound, r.direction)
}

func TestRegistryAllocate(t *testing.T) {
	r := NewRegistry(Outbound, 0)

	h, err := r.Allocate(Handshake{Packet: testPublish(2), State: StatePublishSent})
	require.NoError(t, err)
	require.Equal(t, uint16(1), h.PacketID)
	require.Equal(t, uint16(1), h.Packet.PacketID)
	require.Equal(t, Outbound, h.Direction)

	h, err = r.Allocate(Handshake{Packet: testPublish(2), State: StatePublishSent})
	require.NoError(t, err)
	require.Equal(t, uint16(2), h.PacketID)
	require.Equal(t, 2, r.Len())
}

func TestRegistryAllocateSkipsInUse(t *testing.T) {
	r := NewRegistry(Outbound, 0)
	r.Set(Handshake{PacketID: 1, State: StateAwaitingPubrec})
	r.Set(Handshake{PacketID: 2, State: StateAwaitingPubrec})

	h, err := r.Allocate(Handshake{State: StatePublishSent})
	require.NoError(t, err)
	require.Equal(t, uint16(3), h.PacketID)
}

func TestRegistryAllocateWraps(t *testing.T) {
	r := NewRegistry(Outbound, 3)
	for i := 1; i <= 3; i++ {
		h, err := r.Allocate(Handshake{State: StatePublishSent})
		require.NoError(t, err)
		require.Equal(t, uint16(i), h.PacketID)
	}

	_, err := r.Allocate(Handshake{State: StatePublishSent})
	require.ErrorIs(t, err, packets.ErrQuotaExceeded)

	require.True(t, r.Delete(2))
	h, err := r.Allocate(Handshake{State: StatePublishSent})
	require.NoError(t, err)
	require.Equal(t, uint16(2), h.PacketID)
}

func TestRegistryAllocateNeverZero(t *testing.T) {
	r := NewRegistry(Outbound, 2)
	r.last = 2

	h, err := r.Allocate(Handshake{State: StatePublishSent})
	require.NoError(t, err)
	require.Equal(t, uint16(1), h.PacketID)
}

func TestRegistryAllocateExhausted(t *testing.T) {
	r := NewRegistry(Outbound, 0)
	for i := 0; i < math.MaxUint16; i++ {
		_, err := r.Allocate(Handshake{State: StatePublishSent})
		require.NoError(t, err)
	}

	_, err := r.Allocate(Handshake{State: StatePublishSent})
	require.ErrorIs(t, err, packets.ErrQuotaExceeded)
	require.Equal(t, math.MaxUint16, r.Len())
}

func TestRegistrySetGet(t *testing.T) {
	r := NewRegistry(Inbound, 0)
	require.True(t, r.Set(Handshake{PacketID: 7, State: StateAwaitingPublish, Direction: Outbound}))
	require.False(t, r.Set(Handshake{PacketID: 7, State: StatePubrecSent}))

	h, ok := r.Get(7)
	require.True(t, ok)
	require.Equal(t, StatePubrecSent, h.State)
	require.Equal(t, Inbound, h.Direction)

	_, ok = r.Get(8)
	require.False(t, ok)
}

func TestRegistryGetReturnsCopy(t *testing.T) {
	r := NewRegistry(Inbound, 0)
	r.Set(Handshake{PacketID: 7, State: StateAwaitingPubrel})

	h, _ := r.Get(7)
	h.State = StateComplete

	h, _ = r.Get(7)
	require.Equal(t, StateAwaitingPubrel, h.State)
}

func TestRegistryStep(t *testing.T) {
	r := NewRegistry(Inbound, 0)
	r.Set(Handshake{PacketID: 7, Packet: testPublish(2), State: StateAwaitingPublish, Updated: 1})

	h, o := r.Step(7, packets.Publish, 10)
	require.Equal(t, Advance, o)
	require.Equal(t, StatePubrecSent, h.State)
	require.Equal(t, int64(10), h.Updated)

	h, o = r.Step(7, packets.Pubcomp, 20)
	require.Equal(t, Tolerate, o)
	require.Equal(t, StatePubrecSent, h.State)
	require.Equal(t, int64(10), h.Updated)

	h, o = r.Step(7, packets.Pubrel, 30)
	require.Equal(t, Advance, o)
	require.Equal(t, StateComplete, h.State)
	require.Equal(t, 0, r.Len())

	h, o = r.Step(7, packets.Pubrel, 40)
	require.Equal(t, UnknownID, o)
	require.Equal(t, uint16(7), h.PacketID)
	require.Equal(t, Inbound, h.Direction)
}

func TestRegistryWritten(t *testing.T) {
	r := NewRegistry(Outbound, 0)
	r.Set(Handshake{PacketID: 4, State: StatePublishSent})

	h, ok := r.Written(4, StatePublishSent, 5)
	require.True(t, ok)
	require.Equal(t, StateAwaitingPubrec, h.State)
	require.Equal(t, int64(5), h.Updated)

	_, ok = r.Written(4, StatePublishSent, 6)
	require.False(t, ok)

	_, ok = r.Written(5, StatePublishSent, 6)
	require.False(t, ok)
}

func TestRegistryRetry(t *testing.T) {
	r := NewRegistry(Outbound, 0)
	r.Set(Handshake{PacketID: 4, Packet: testPublish(2), State: StateAwaitingPubcomp})

	h, pk, ok := r.Retry(4, 9)
	require.True(t, ok)
	require.Equal(t, 1, h.Retries)
	require.Equal(t, int64(9), h.Updated)
	require.Equal(t, packets.Pubrel, pk.FixedHeader.Type)

	_, _, ok = r.Retry(5, 9)
	require.False(t, ok)

	r.Set(Handshake{PacketID: 6, State: StateAwaitingPublish})
	h, _, ok = r.Retry(6, 9)
	require.False(t, ok)
	require.Equal(t, 0, h.Retries)
}

func TestRegistryReuseAfterCompletion(t *testing.T) {
	r := NewRegistry(Outbound, 1)

	h, err := r.Allocate(Handshake{Packet: testPublish(2), State: StatePublishSent})
	require.NoError(t, err)
	require.Equal(t, uint16(1), h.PacketID)

	_, ok := r.Written(1, StatePublishSent, 5)
	require.True(t, ok)
	h, _, ok = r.Retry(1, 6)
	require.True(t, ok)
	require.Equal(t, 1, h.Retries)

	_, o := r.Step(1, packets.Pubrec, 7)
	require.Equal(t, Advance, o)
	_, ok = r.Written(1, StatePubrelSent, 8)
	require.True(t, ok)
	_, o = r.Step(1, packets.Pubcomp, 9)
	require.Equal(t, Advance, o)
	require.Equal(t, 0, r.Len())

	// the freed id is issued again with none of the finished handshake's state
	h, err = r.Allocate(Handshake{Packet: testPublish(2), State: StatePublishSent})
	require.NoError(t, err)
	require.Equal(t, uint16(1), h.PacketID)
	require.Equal(t, StatePublishSent, h.State)
	require.Equal(t, 0, h.Retries)
	require.Equal(t, int64(0), h.Updated)

	_, o = r.Step(1, packets.Pubcomp, 10)
	require.Equal(t, Tolerate, o)
}

func TestRegistryGetAllSorted(t *testing.T) {
	r := NewRegistry(Outbound, 0)
	r.Set(Handshake{PacketID: 3, Created: 2})
	r.Set(Handshake{PacketID: 1, Created: 2})
	r.Set(Handshake{PacketID: 2, Created: 1})

	all := r.GetAll()
	require.Len(t, all, 3)
	require.Equal(t, uint16(2), all[0].PacketID)
	require.Equal(t, uint16(1), all[1].PacketID)
	require.Equal(t, uint16(3), all[2].PacketID)
}

func TestRegistryExpire(t *testing.T) {
	r := NewRegistry(Inbound, 0)
	r.Set(Handshake{PacketID: 1, Updated: 10})
	r.Set(Handshake{PacketID: 2, Updated: 50})
	r.Set(Handshake{PacketID: 3, Updated: 5})

	expired := r.Expire(20)
	require.Len(t, expired, 2)
	require.Equal(t, 1, r.Len())

	_, ok := r.Get(2)
	require.True(t, ok)
}

func TestRegistryClear(t *testing.T) {
	r := NewRegistry(Inbound, 0)
	r.Set(Handshake{PacketID: 1})
	r.Set(Handshake{PacketID: 2})

	require.Len(t, r.Clear(), 2)
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.Clear())
}

func TestRegistryConcurrentAllocate(t *testing.T) {
	r := NewRegistry(Outbound, 0)

	var wg sync.WaitGroup
	ids := make(chan uint16, 1000)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h, err := r.Allocate(Handshake{State: StatePublishSent})
				if err == nil {
					ids <- h.PacketID
				}
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint16]bool{}
	for id := range ids {
		require.False(t, seen[id], "packet id %d allocated twice", id)
		seen[id] = true
	}
	require.Len(t, seen, 1000)
}
