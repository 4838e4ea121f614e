// Package server implements the RPC server side: a single dispatch thread
// that owns all admission state, plus a pool of worker threads that
// execute one RPC at a time. Transports feed requests in through a
// mutex-guarded inbox; all replies are sent from the dispatch thread.
package server

import (
	"runtime"
	"sync"

	"github.com/lni/dragonboat/v4/logger"

	"github.com/larchdb/larch/rpc/common"
)

var Logger = logger.GetLogger("dispatch")

// serviceInfo is the admission state of one registered service. Only the
// dispatch thread touches it.
type serviceInfo struct {
	adapter    Adapter
	maxThreads int
	running    int
	waiting    []*ServerRpc // FIFO overflow queue, arrival order
}

// Dispatcher owns the poll loop and the worker pool. One per server;
// created stopped, started with Start, torn down with Stop.
type Dispatcher struct {
	services   [common.MaxService]*serviceInfo
	busy       []*worker
	idle       []*worker
	pollMicros int

	incoming *inbox
	batch    []*ServerRpc // scratch for draining the inbox
	quit     chan struct{}
	stopped  chan struct{}
	wg       sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
}

// NewDispatcher returns a dispatcher with no registered services.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		pollMicros: defaultPollMicros,
		incoming:   newInbox(),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// RegisterService installs the adapter for one service id with a cap on
// concurrently running RPCs. Must be called before Start.
func (d *Dispatcher) RegisterService(id common.Service, adapter Adapter, maxThreads int) {
	if maxThreads < 1 {
		maxThreads = 1
	}
	d.services[id] = &serviceInfo{
		adapter:    adapter,
		maxThreads: maxThreads,
	}
}

// Start launches the dispatch thread.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Stop drains busy workers, tells every worker thread to exit, and joins
// them. Safe to call once Start has been called.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.incoming.close()
		close(d.quit)
		<-d.stopped
		d.wg.Wait()
	})
}

// HandleRpc is the transport-facing entry point. It parses the common
// header, replies immediately on malformed or unroutable requests, and
// queues everything else for the dispatch thread.
//
// Thread-safety: safe for concurrent use (transports call it from their
// connection goroutines).
func (d *Dispatcher) HandleRpc(request []byte, respond func([]byte)) {
	op, svc, body, err := common.DecodeRequestHeader(request)
	if err != nil {
		Logger.Warningf("incoming RPC contains no header (message length %d)", len(request))
		respond(common.EncodeResponse(common.StatusMessageTooShort, nil))
		return
	}
	if svc >= common.MaxService || d.services[svc] == nil {
		Logger.Warningf("incoming RPC requested unavailable service %d", svc)
		respond(common.EncodeResponse(common.StatusServiceNotAvailable, nil))
		return
	}
	if !d.incoming.push(&ServerRpc{
		op:      op,
		service: svc,
		body:    body,
		respond: respond,
	}) {
		respond(common.EncodeResponse(common.StatusRetry, nil))
	}
}

// admit runs on the dispatch thread: enforce the service's concurrency
// cap, then hand the RPC to an idle worker (spawning one if the pool is
// empty).
func (d *Dispatcher) admit(rpc *ServerRpc) {
	info := d.services[rpc.service]
	if info.running >= info.maxThreads {
		info.waiting = append(info.waiting, rpc)
		return
	}
	info.running++

	var w *worker
	if len(d.idle) == 0 {
		w = newWorker(d)
	} else {
		w = d.idle[len(d.idle)-1]
		d.idle = d.idle[:len(d.idle)-1]
	}
	w.svc = info
	w.handoff(rpc)
	w.busyIndex = len(d.busy)
	d.busy = append(d.busy, w)
}

// poll checks every busy worker for completed work. Iteration runs in
// reverse index order so a worker can be removed mid-loop by swapping it
// with the last element.
func (d *Dispatcher) poll() {
	for i := len(d.busy) - 1; i >= 0; i-- {
		w := d.busy[i]
		state := w.state.Load()
		if state == stateWorking {
			continue
		}

		// The worker is post-processing or idle; if its reply has not
		// been sent yet, send it now.
		if w.rpc != nil && w.rpc != workerExit {
			if w.rpc.reply != nil {
				w.rpc.respond(w.rpc.reply)
			}
			w.rpc = nil
		}

		if state == statePostprocessing {
			continue
		}

		info := w.svc
		if len(info.waiting) > 0 {
			next := info.waiting[0]
			info.waiting = info.waiting[1:]
			w.handoff(next)
		} else {
			// Idle: remove from busy by filling the slot with the last
			// busy worker.
			last := len(d.busy) - 1
			if w != d.busy[last] {
				d.busy[w.busyIndex] = d.busy[last]
				d.busy[w.busyIndex].busyIndex = w.busyIndex
			}
			d.busy = d.busy[:last]
			w.busyIndex = -1
			d.idle = append(d.idle, w)
			info.running--
		}
	}
}

// run is the dispatch thread. It never blocks while any worker is busy;
// with an empty pool it parks on the inbox's wake channel.
func (d *Dispatcher) run() {
	defer close(d.stopped)
	const drainBatch = 64
	for {
		// Admit everything that has arrived without blocking.
		d.batch = d.incoming.take(d.batch[:0], drainBatch)
		for _, rpc := range d.batch {
			d.admit(rpc)
		}

		d.poll()

		select {
		case <-d.quit:
			d.shutdown()
			return
		default:
		}

		if len(d.busy) == 0 && len(d.batch) == 0 {
			select {
			case <-d.incoming.wait():
				// New work arrived; drained on the next iteration.
			case <-d.quit:
				d.shutdown()
				return
			}
		} else if len(d.busy) > 0 {
			runtime.Gosched()
		}
	}
}

// shutdown drains busy workers by polling, then sends each idle worker the
// exit sentinel through the normal handoff path.
func (d *Dispatcher) shutdown() {
	for len(d.busy) > 0 {
		d.poll()
		runtime.Gosched()
	}
	for _, w := range d.idle {
		w.handoff(workerExit)
	}
	d.idle = nil
	Logger.Infof("dispatcher stopped")
}
