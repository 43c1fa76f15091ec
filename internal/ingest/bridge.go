package ingest

import "context"

// DefaultQueueDepth is the suggested backpressure queue depth (spec §5):
// deep enough to absorb a burst without the decoder stalling on every send,
// shallow enough that a slow consumer is felt by the upstream feedback
// protocol within a few seconds.
const DefaultQueueDepth = 50_000

// ChannelBridge is a bounded, backpressured queue connecting the decoder to
// an operator-side consumer. It is the sole backpressure mechanism in the
// engine: a full queue suspends the sender, which in turn slows
// standby_status_update callbacks upstream.
type ChannelBridge struct {
	ch chan OutputRecord
}

// NewChannelBridge creates a bridge with the given queue depth.
func NewChannelBridge(depth int) *ChannelBridge {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &ChannelBridge{ch: make(chan OutputRecord, depth)}
}

// Send enqueues rec, blocking for as long as the queue is full; it uses a
// background context, so it never gives up on its own.
// Implements Sink so a Coalescer can write directly into the bridge.
func (b *ChannelBridge) Send(rec OutputRecord) error {
	return b.SendContext(context.Background(), rec)
}

// SendContext enqueues rec, returning ctx.Err() if cancelled first.
func (b *ChannelBridge) SendContext(ctx context.Context, rec OutputRecord) error {
	select {
	case b.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the channel consumers read from. A consumer that stops
// reading does not stop the engine: once the queue is full, Send blocks
// until reading resumes, and only SendContext returns early, when its own
// ctx is cancelled.
func (b *ChannelBridge) Receive() <-chan OutputRecord {
	return b.ch
}

// Len reports the current queue occupancy, for metrics.
func (b *ChannelBridge) Len() int {
	return len(b.ch)
}

// Close closes the underlying channel. Must only be called by the
// producer side, after the loop has fully stopped sending.
func (b *ChannelBridge) Close() {
	close(b.ch)
}
