package circuit

import (
	"sync"
	"time"
)

// waitWithTimeoutLocked parks on cond until the next Broadcast/Signal
// or until d elapses, whichever comes first. cond.L must already be
// held by the calling goroutine, exactly as sync.Cond.Wait requires.
func waitWithTimeoutLocked(cond *sync.Cond, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		cond.Broadcast()
		cond.L.Unlock()
	})
	cond.Wait()
	timer.Stop()
}
