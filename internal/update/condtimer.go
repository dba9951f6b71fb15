package update

import (
	"context"
	"time"
)

// condTimer broadcasts on f.cond once after maxWaitMs elapses or ctx is
// done, whichever comes first, so that a single blocked cond.Wait() call
// can be given an effective deadline. stop cancels it if the wait already
// returned for some other reason.
type condTimer struct {
	stopCh chan struct{}
	doneCh chan struct{}
}

func newCondTimer(f *Feed, ctx context.Context, maxWaitMs int) *condTimer {
	t := &condTimer{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go func() {
		defer close(t.doneCh)
		timer := time.NewTimer(time.Duration(maxWaitMs) * time.Millisecond)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		case <-t.stopCh:
			return
		}
		f.mu.Lock()
		f.cond.Broadcast()
		f.mu.Unlock()
	}()
	return t
}

func (t *condTimer) stop() {
	close(t.stopCh)
	<-t.doneCh
}
