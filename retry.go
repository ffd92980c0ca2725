// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sync"
	"sync/atomic"
	"time"
)

// resends holds the scheduled retransmissions for a client, keyed on packet id.
type resends struct {
	timers map[uint16]*time.Timer
	sync.Mutex
}

func newResends() *resends {
	return &resends{
		timers: map[uint16]*time.Timer{},
	}
}

// schedule runs fn after delay, replacing any task already scheduled for id.
func (r *resends) schedule(id uint16, delay time.Duration, fn func()) {
	r.Lock()
	defer r.Unlock()

	if t, ok := r.timers[id]; ok {
		t.Stop()
	}

	r.timers[id] = time.AfterFunc(delay, func() {
		r.Lock()
		delete(r.timers, id)
		r.Unlock()
		fn()
	})
}

// len returns the number of scheduled tasks.
func (r *resends) len() int {
	r.Lock()
	defer r.Unlock()
	return len(r.timers)
}

// stop cancels every scheduled task.
func (r *resends) stop() {
	r.Lock()
	defer r.Unlock()

	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}

// maxRetryDoublings bounds the backoff when no maximum retry interval is set.
const maxRetryDoublings = 16

// retryDelay returns the delay before the next resend of a handshake which has
// already been resent the given number of times, doubling per attempt up to
// the maximum retry interval. Retries are kept with the handshake, so the delay
// grows with each reconnect which leaves the flow unresolved.
func (s *Server) retryDelay(retries int) time.Duration {
	d := time.Duration(s.Options.Capabilities.RetryInterval) * time.Millisecond
	ceiling := time.Duration(s.Options.Capabilities.MaximumRetryInterval) * time.Millisecond
	if retries > maxRetryDoublings {
		retries = maxRetryDoublings
	}

	for i := 0; i < retries && (ceiling <= 0 || d < ceiling); i++ {
		d *= 2
	}

	if ceiling > 0 && d > ceiling {
		d = ceiling
	}

	return d
}

// scheduleResends queues a retransmission of the last sent packet for every
// unresolved outbound handshake of a resumed session.
func (s *Server) scheduleResends(cl *Client) {
	for _, h := range cl.State.Outbound.GetAll() {
		id := h.PacketID
		cl.State.resends.schedule(id, s.retryDelay(h.Retries), func() {
			s.resend(cl, id)
		})
	}
}

// resend enqueues the last packet sent for an outbound handshake into the
// client's write loop. Handshakes which completed in the meantime are skipped.
func (s *Server) resend(cl *Client, id uint16) {
	if cl.Closed() {
		return
	}

	h, pk, ok := cl.State.Outbound.Retry(id, time.Now().Unix())
	if !ok {
		return
	}

	s.hooks.OnHandshakeStored(cl, h)

	select {
	case cl.State.outbound <- &pk:
		atomic.AddInt32(&cl.State.outboundQty, 1)
		atomic.AddInt64(&s.Info.Retransmits, 1)
		s.Log.Debug("resending handshake packet", "client", cl.ID, "pid", id, "state", h.State.String(), "retries", h.Retries)
	default:
		s.Log.Warn("outbound queue full, rescheduling resend", "client", cl.ID, "pid", id)
		cl.State.resends.schedule(id, s.retryDelay(h.Retries), func() {
			s.resend(cl, id)
		})
	}
}
