package push

import (
	"encoding/json"
	"sync"
)

// peer wraps one websocket connection's outbound side. Request responses are
// written synchronously; broadcasts go through a single-slot mailbox so a
// slow reader only ever sees the latest state instead of a growing backlog.
type peer struct {
	writeMu sync.Mutex
	enc     *json.Encoder

	mu      sync.Mutex
	pending *Frame
	wake    chan struct{}
	done    chan struct{}
	closed  bool

	onCoalesce  func()
	beforeWrite func()
}

func newPeer(enc *json.Encoder, onCoalesce func()) *peer {
	p := &peer{
		enc:        enc,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		onCoalesce: onCoalesce,
	}
	go p.pump()
	return p
}

// writeFrame encodes a frame directly. Safe for concurrent use.
func (p *peer) writeFrame(frame Frame) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.beforeWrite != nil {
		p.beforeWrite()
	}
	return p.enc.Encode(frame)
}

// offer queues a broadcast frame, replacing any frame the peer has not yet
// consumed. Replacement is counted as a coalesce.
func (p *peer) offer(frame Frame) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	if p.pending != nil && p.onCoalesce != nil {
		p.onCoalesce()
	}
	p.pending = &frame
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pump drains the mailbox onto the wire until close.
func (p *peer) pump() {
	for {
		select {
		case <-p.done:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			frame := p.pending
			p.pending = nil
			p.mu.Unlock()
			if frame == nil {
				break
			}
			if err := p.writeFrame(*frame); err != nil {
				// The connection is gone; the read loop notices and closes.
				return
			}
		}
	}
}

func (p *peer) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	close(p.done)
}
