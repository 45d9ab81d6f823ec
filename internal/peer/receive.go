package peer

import (
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/trans"
	"github.com/elliptics-io/elliptics-go/internal/wire"
	"github.com/elliptics-io/elliptics-go/internal/wireerr"
)

// recvBudget bounds how many header/body transitions OnReadable performs
// per call, so one very chatty Connection cannot starve the rest of a
// Network Poller's event batch (spec.md §4.2 step 5 "loop until recv
// returns EAGAIN or the byte budget is exhausted").
const recvBudget = 64

// OnReadable runs the bounded non-blocking receive loop of spec.md §4.2.
// It is called by the owning Network Poller on every EPOLLIN event for
// c.FD and must never be called concurrently with itself for the same
// Conn (spec.md §5 "single poller thread; no lock" on the parser state).
func (c *Conn) OnReadable() {
	for i := 0; i < recvBudget; i++ {
		switch c.rxState {
		case ReadingHeader:
			if !c.readHeader() {
				return
			}
		case ReadingBody:
			if !c.readBody() {
				return
			}
		}
	}
}

// fillFromSocket advances dst[offset:] as far as possible without
// blocking: it first drains anything left over in c.rxbuf from a previous
// overread, then — if dst still isn't full — issues one non-blocking
// syscall.Read into the oversized rxScratch buffer, copies what dst needs,
// and stashes any remainder back into c.rxbuf for the next field/frame
// (mirroring neonet.NodeLink.recvPkt's rxbuf/peerLink reuse). ok is false
// on EAGAIN/error/reset, matching handleReadResult's contract.
func (c *Conn) fillFromSocket(dst []byte, offset int) (int, bool) {
	if offset < len(dst) && c.rxbuf.Len() > 0 {
		n, _ := c.rxbuf.Read(dst[offset:])
		offset += n
	}
	if offset >= len(dst) {
		return offset, true
	}

	n, err := syscall.Read(c.FD, c.rxScratch[:])
	if !c.handleReadResult(n, err) {
		return offset, false
	}

	need := len(dst) - offset
	copied := n
	if copied > need {
		copied = need
	}
	copy(dst[offset:offset+copied], c.rxScratch[:copied])
	if n > copied {
		c.rxbuf.Write(c.rxScratch[copied:n])
	}
	return offset + copied, true
}

// readHeader reads up to HeaderSize-offset bytes into the header buffer.
// It returns false when the caller should stop the recv loop for now
// (partial read, EAGAIN, or the Connection was reset), true when it made
// progress and should be called again.
func (c *Conn) readHeader() bool {
	if c.rxOffset == 0 {
		c.rxStartTS = time.Now() // "on the first byte of the header, stamp recv_start_ts"
	}

	newOffset, ok := c.fillFromSocket(c.rxHeader[:], c.rxOffset)
	if !ok {
		return false
	}
	c.rxOffset = newOffset

	if c.rxOffset < wire.HeaderSize {
		return false // partial: stay in ReadingHeader, return and rearm
	}

	h, err := wire.DecodeHeader(c.rxHeader[:])
	if err != nil {
		// header bytes are always HeaderSize long here, so this can
		// only be a contract violation, not truncation.
		c.malformed(err)
		c.rxState, c.rxOffset = ReadingHeader, 0
		return true
	}

	c.rxPendingDrop = h.Flags&^wire.KnownFlagsMask != 0
	if c.rxPendingDrop {
		c.malformed(wire.ErrReservedBits)
	}

	if h.Size == 0 {
		if !c.rxPendingDrop {
			f := wire.Alloc(0)
			f.Header = h
			c.dispatch(h, f)
		}
		c.rxState, c.rxOffset = ReadingHeader, 0
		return true
	}

	c.rxFrame = wire.Alloc(int(h.Size))
	c.rxFrame.Header = h
	c.rxState, c.rxOffset = ReadingBody, 0
	return true // "continue reading in the same call"
}

func (c *Conn) readBody() bool {
	body := c.rxFrame.Payload
	newOffset, ok := c.fillFromSocket(body, c.rxOffset)
	if !ok {
		return false
	}
	c.rxOffset = newOffset

	if c.rxOffset < len(body) {
		return false
	}

	finish := time.Now()
	recvTime := finish.Sub(c.rxStartTS)
	c.sink.RequestDuration("recv", recvTime)

	h := c.rxFrame.Header
	f := c.rxFrame
	c.rxFrame = nil
	drop := c.rxPendingDrop
	c.rxPendingDrop = false
	c.rxState, c.rxOffset = ReadingHeader, 0

	if drop {
		wire.Release(f)
		return true
	}
	c.dispatch(h, f)
	return true
}

// handleReadResult classifies the outcome of one syscall.Read and drives
// the transient/EOF/error branches of spec.md §4.2's last paragraph. It
// returns true when n bytes were genuinely read and the caller should
// account for them.
func (c *Conn) handleReadResult(n int, err error) bool {
	if err != nil {
		werr := wireerr.Classify(err)
		if werr.Kind == wireerr.Transient {
			return false // EAGAIN/EINTR: return, rearm
		}
		c.Reset(werr.Code)
		return false
	}
	if n == 0 {
		c.Reset(-int32(syscall.ECONNRESET)) // peer closed
		return false
	}
	c.sink.BytesIn(n)
	return true
}

// dispatch implements spec.md §4.2 step 4: REPLY frames are matched
// against the transaction registry and their callbacks queued to run
// after this function returns (never under a registry lock, per the
// CallbackOutbox design note in spec.md §9); everything else is handed to
// the configured Handler (Backend Dispatch, component H).
func (c *Conn) dispatch(h wire.Header, f *wire.Frame) {
	if h.HasFlag(wire.FlagReply) {
		var out trans.CallbackOutbox
		matched := c.Trans.MatchReply(h, f, &out)
		if !matched {
			c.log.Warn("peer: reply for unknown transaction dropped",
				zap.Uint64("trans_id", h.TransID), zap.String("peer", c.peerAddrString()))
			if f != nil {
				wire.Release(f)
			}
			return
		}
		out.Run()
		return
	}

	if c.handler != nil {
		c.handler.OnRequest(c, f)
	}
}

// malformed implements the MalformedFrame policy of spec.md §7: drop the
// frame, log at ERROR, do not kill the Connection.
func (c *Conn) malformed(err error) {
	c.log.Error("peer: malformed frame, dropping", zap.Error(err), zap.String("peer", c.peerAddrString()))
}
