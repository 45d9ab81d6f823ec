package peer

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/elliptics-io/elliptics-go/internal/trans"
)

// Reset runs the five-step Connection reset pipeline of spec.md §4.9,
// triggered by an I/O error or a tripped stall sweep. It is idempotent:
// only the first call does any work, later calls are no-ops (need_exit
// is sticky).
func (c *Conn) Reset(code int32) {
	c.resetOnce.Do(func() {
		// step 1: set need_exit (sticky)
		if code == 0 {
			code = -1
		}
		atomic.StoreInt32(&c.needExit, code)
		c.Trans.SetNeedExit()

		// step 2: unschedule all fds from epoll
		if c.onUnschedule != nil {
			c.onUnschedule(c)
		}

		// step 3: walk the transaction tree, destroy with the reset
		// code; callbacks run after the registry lock is released
		// (CallbackOutbox, spec.md §9).
		var out trans.CallbackOutbox
		c.Trans.Reset(code, &out)
		out.Run()

		c.log.Info("peer: connection reset", zap.String("peer", c.peerAddrString()), zap.Int32("code", code))

		// step 4: register for reconnection with backoff. peer.Conn
		// does not own the address book (component I does); the hook
		// lets internal/recovery subscribe without an import cycle.
		if c.onReset != nil {
			c.onReset(c, code)
		}

		// step 5: drop the poller's reference. The Connection is only
		// actually collected once every Work Item/Transaction
		// reference dropped by the drain above is also released
		// (spec.md §4.9 step 5, §5 refcounting rule iv).
		c.Release()
	})
}
