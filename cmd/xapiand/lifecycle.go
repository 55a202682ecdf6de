package main

import (
	"time"

	"github.com/xapiand/xapiand/pkg/worker"
)

// funcImpl adapts a pair of plain shutdown/destroy closures into a
// worker.Impl, so components whose own Stop/Shutdown methods don't
// take the (asap, now) shape can still be hung off the ownership
// tree.
type funcImpl struct {
	shutdown func(asap bool, now time.Time)
	destroy  func()
}

func (f funcImpl) ShutdownImpl(asap bool, now time.Time) {
	if f.shutdown != nil {
		f.shutdown(asap, now)
	}
}

func (f funcImpl) DestroyImpl() {
	if f.destroy != nil {
		f.destroy()
	}
}

// onStop builds a worker.Impl whose ShutdownImpl ignores the asap/now
// arguments and just calls stop once.
func onStop(stop func()) worker.Impl {
	return funcImpl{shutdown: func(bool, time.Time) { stop() }}
}
