package peer

import (
	"syscall"

	"github.com/elliptics-io/elliptics-go/internal/wire"
	"github.com/elliptics-io/elliptics-go/internal/wireerr"
)

// defaultSendLimit bounds how many frames OnWritable flushes per call, the
// per-state fairness knob of spec.md §4.3 ("or when a per-state
// send_limit is reached (fairness across Connections)").
const defaultSendLimit = 32

// Enqueue appends a frame to the outbound FIFO under the send lock and
// arms EPOLLOUT (spec.md §4.3 "Outbound frames are appended to the
// Connection's FIFO under the send lock, then EPOLLOUT is armed").
//
// It blocks the caller while the queue is at or above the high
// watermark, waking once a drain crosses the low watermark — the
// send_watermark producer-blocking mechanism of spec.md §5.
func (c *Conn) Enqueue(f *wire.Frame) {
	buf := f.Encode()
	wire.Release(f)

	c.sendMu.Lock()
	for len(c.sendQueue) > 0 && c.sendQueueSize >= int32(c.sendHigh) {
		c.sendCond.Wait()
	}
	wasEmpty := len(c.sendQueue) == 0
	c.sendQueue = append(c.sendQueue, buf)
	c.sendQueueSize += int32(len(buf))
	c.sendMu.Unlock()

	if wasEmpty && c.onArmWrite != nil {
		c.onArmWrite(c)
	}
}

// OnWritable runs the bounded send loop of spec.md §4.3. It is called by
// the owning Network Poller on every EPOLLOUT event for c.FD.
func (c *Conn) OnWritable() {
	for i := 0; i < defaultSendLimit; i++ {
		more, err := c.writeOne()
		if err != nil {
			werr := wireerr.Classify(err)
			if werr.Kind == wireerr.Transient {
				return // EAGAIN: return, leave EPOLLOUT armed
			}
			c.Reset(werr.Code)
			return
		}
		if !more {
			return // queue drained; EPOLLOUT is disarmed by the next call that finds it empty
		}
	}
}

// writeOne writes as much of the head-of-queue buffer as the socket will
// currently accept, freeing it and notifying blocked producers once it
// is fully flushed. It returns more=true while the queue is non-empty
// after this call.
func (c *Conn) writeOne() (more bool, err error) {
	c.sendMu.Lock()
	if len(c.sendQueue) == 0 {
		c.sendMu.Unlock()
		if c.onDisarmWrite != nil {
			c.onDisarmWrite(c)
		}
		return false, nil
	}
	head := c.sendQueue[0]
	off := c.sendOffset
	c.sendMu.Unlock()

	n, werr := syscall.Write(c.FD, head[off:])
	if werr != nil {
		return false, werr
	}
	c.sink.BytesOut(n)

	c.sendMu.Lock()
	c.sendOffset += n
	c.sendQueueSize -= int32(n)
	fullyWritten := c.sendOffset >= len(head)
	if fullyWritten {
		c.sendQueue[0] = nil
		c.sendQueue = c.sendQueue[1:]
		c.sendOffset = 0
	}
	crossedLow := c.sendQueueSize <= int32(c.sendLow)
	empty := len(c.sendQueue) == 0
	if crossedLow {
		c.sendCond.Broadcast()
	}
	c.sendMu.Unlock()

	return !empty, nil
}

// SendQueueLen reports the number of bytes currently queued for output,
// for tests and metrics.
func (c *Conn) SendQueueLen() int32 {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.sendQueueSize
}
