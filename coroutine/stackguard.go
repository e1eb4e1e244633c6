package coroutine

import (
	"runtime"

	"github.com/joeycumines/uruntime/uerr"
)

// nearLimitFrames is how close to the depth budget a coroutine may get
// before a StackNearLimit advisory is raised, the frame-count analogue of
// the "fewer than 4 KiB remain" warning threshold.
const nearLimitFrames = 16

// SetStackDepthLimit arms the per-switch stack check with a frame-depth
// budget; zero (the default) disables it. Go manages goroutine stacks
// itself - growing, shrinking, and moving them - so a raw stack-pointer
// comparison against a guard page has no stable meaning here; call depth
// is the measure that survives a stack move, and it is what every switch
// out of the coroutine verifies. Crossing the budget is a fatal
// StackOverflow; coming within nearLimitFrames of it raises a one-shot
// StackNearLimit advisory observed at the coroutine's next AsyncPoll.
//
// The guard state is only ever touched from the coroutine's own
// goroutine: call this from inside main, or before the first Resume.
func (c *Coroutine) SetStackDepthLimit(frames int) {
	c.depthLimit = frames
	if frames > 0 {
		c.pcBuf = make([]uintptr, frames)
	}
}

// checkStack runs at the top of every Suspend, on c's own goroutine.
func (c *Coroutine) checkStack() {
	if c.depthLimit <= 0 {
		return
	}
	depth := runtime.Callers(2, c.pcBuf)
	if depth >= c.depthLimit {
		_ = uerr.Abort(uerr.New(uerr.StackOverflow, c.Name, "coroutine exceeded its stack depth budget"))
		return
	}
	if !c.nearRaised && c.depthLimit-depth < nearLimitFrames {
		c.nearRaised = true
		c.RaiseAsync(uerr.New(uerr.StackNearLimit, c.Name, "coroutine stack depth near its budget"))
	}
}

// StackDepth reports the calling goroutine's current call depth in
// frames, the unit SetStackDepthLimit budgets in.
func StackDepth() int {
	buf := make([]uintptr, 256)
	for {
		n := runtime.Callers(2, buf)
		if n < len(buf) {
			return n
		}
		buf = make([]uintptr, len(buf)*2)
	}
}
