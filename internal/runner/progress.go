package runner

import (
	"sync"
	"sync/atomic"

	"github.com/hxopt/optimization-core/internal/job"
)

// ProgressChannel is the bounded snapshot buffer between a solver callback
// and the consumers draining it. Publish never blocks: when the buffer is
// full the oldest snapshot is dropped, so a slow reader sees fresh progress
// with gaps rather than stale progress or a stalled solver.
type ProgressChannel struct {
	mu      sync.Mutex
	ch      chan *job.Snapshot
	closed  bool
	dropped atomic.Int64
}

// NewProgressChannel creates a channel with the given buffer capacity
func NewProgressChannel(capacity int) *ProgressChannel {
	if capacity <= 0 {
		capacity = 64
	}
	return &ProgressChannel{ch: make(chan *job.Snapshot, capacity)}
}

// Publish offers a snapshot without blocking, evicting the oldest buffered
// snapshot when full. Publishing after Close is a no-op.
func (p *ProgressChannel) Publish(snap *job.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for {
		select {
		case p.ch <- snap:
			return
		default:
		}
		select {
		case <-p.ch:
			p.dropped.Add(1)
		default:
		}
	}
}

// Recv returns the receive side of the channel. It is closed by Close once
// the producer is done; ranging over it terminates.
func (p *ProgressChannel) Recv() <-chan *job.Snapshot {
	return p.ch
}

// Dropped reports how many snapshots were evicted
func (p *ProgressChannel) Dropped() int64 {
	return p.dropped.Load()
}

// Close marks the channel finished and closes the receive side. Safe to
// call more than once.
func (p *ProgressChannel) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.ch)
}
