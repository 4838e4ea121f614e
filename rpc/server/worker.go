package server

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/larchdb/larch/lib/perfstats"
)

// Worker states, held in a single atomic word. Handoff swaps the word to
// stateWorking and wakes the worker if it had gone to sleep; the worker
// moves through statePostprocessing (reply ready, bookkeeping pending)
// back to statePolling.
const (
	statePolling int32 = iota
	stateWorking
	statePostprocessing
	stateSleeping
)

// defaultPollMicros is how long a worker actively polls for new work
// before it puts itself to sleep. It should be much longer than typical
// RPC round-trip times so a worker stays hot during an ongoing
// conversation with a single client.
const defaultPollMicros = 100

// workerExit is the sentinel RPC that tells a worker thread to exit.
var workerExit = &ServerRpc{}

type worker struct {
	state atomic.Int32

	// wake carries at most one token: dispatch sends it only after
	// observing the stateSleeping -> stateWorking transition.
	wake chan struct{}

	// rpc is written by the dispatch thread before the state swap to
	// stateWorking; the swap's happens-before edge makes it visible to
	// the worker.
	rpc *ServerRpc

	svc       *serviceInfo
	busyIndex int

	stats perfstats.Stats
}

func newWorker(d *Dispatcher) *worker {
	w := &worker{
		wake:      make(chan struct{}, 1),
		busyIndex: -1,
	}
	d.wg.Add(1)
	go w.main(d)
	return w
}

// handoff passes an RPC to the worker. Dispatch thread only; the worker
// must not currently own an RPC.
func (w *worker) handoff(rpc *ServerRpc) {
	w.rpc = rpc
	prev := w.state.Swap(stateWorking)
	if prev == stateSleeping {
		// The worker got tired of polling and went to sleep; wake it.
		w.wake <- struct{}{}
	}
}

// main is the top-level worker loop: wait for a handoff, run the handler,
// publish the reply, repeat. The polling window keeps handoff latency in
// the sub-microsecond range while the worker is hot.
func (w *worker) main(d *Dispatcher) {
	defer d.wg.Done()
	perfstats.Register(&w.stats)
	pollWindow := time.Duration(d.pollMicros) * time.Microsecond

	for {
		deadline := time.Now().Add(pollWindow)
		for w.state.Load() != stateWorking {
			if time.Now().After(deadline) {
				// Tricky race: dispatch may swap the state to
				// stateWorking between our load and this CAS, so only
				// sleep if the word is still statePolling.
				if w.state.CompareAndSwap(statePolling, stateSleeping) {
					<-w.wake
				}
				continue
			}
			runtime.Gosched()
		}
		rpc := w.rpc
		if rpc == workerExit {
			return
		}

		start := time.Now()
		rpc.reply = w.svc.adapter.HandleRPC(rpc.op, rpc.body)

		// Reply bytes are ready; dispatch may send them while we finish
		// our bookkeeping.
		w.state.Store(statePostprocessing)
		w.stats.WorkerActiveNs += uint64(time.Since(start).Nanoseconds())
		w.state.Store(statePolling)
	}
}
