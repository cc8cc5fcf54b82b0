// Package worker implements the fixed-size slave and master goroutine
// pools from spec.md §4.5: slave workers run the provider's receive loop,
// master workers generate local transactions against the transaction
// engine.
package worker

import (
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/gowsrep/node/internal/provider"
	"github.com/gowsrep/node/internal/txn"
)

// trxFailBackoff is the sleep between master retries on a soft TRX_FAIL,
// matching the original's usleep(10000) in worker_master.
const trxFailBackoff = 10 * time.Millisecond

// exitProcess is the process-terminating path for a fatal master-path
// failure, mirroring provider/adapter.go's same-named hook for fatal view
// callbacks. A var so tests can swap it out instead of killing the test
// binary.
var exitProcess = os.Exit

// Synced is the subset of the provider adapter a master worker needs to
// wait on the SYNCED latch.
type Synced interface {
	WaitSynced() bool
}

// Pool is a fixed-size set of goroutines of one role (slave or master).
// Unlike node_worker_start/stop, there is no "truncate to what actually
// started" case: in Go every goroutine always starts, so a Pool returned by
// StartSlaves or StartMasters always runs all n workers.
type Pool struct {
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped bool
	mu      sync.Mutex
}

func newPool() *Pool {
	return &Pool{stop: make(chan struct{})}
}

// Stop signals every worker to exit at its next check point and waits for
// them all to return.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.stop)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// StartSlaves starts n slave workers, each calling the provider's Recv
// loop until it returns a non-OK status (normally because Disconnect was
// called).
func StartSlaves(n int, p provider.Provider, logger hclog.Logger) *Pool {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	pool := newPool()
	for i := 0; i < n; i++ {
		pool.wg.Add(1)
		go func(id int) {
			defer pool.wg.Done()
			slaveLoop(id, p, pool.stop, logger.Named("slave"))
		}(i)
	}
	return pool
}

func slaveLoop(id int, p provider.Provider, stop <-chan struct{}, logger hclog.Logger) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		if st := p.Recv(id); st != provider.OK {
			logger.Info("recv loop exiting", "worker", id, "status", st)
			return
		}
	}
}

// StartMasters starts n master workers, each waiting for SYNCED, then
// looping the master transaction lifecycle through engine.
func StartMasters(n int, synced Synced, engine *txn.Engine, opsPerTrx int, logger hclog.Logger) *Pool {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	pool := newPool()
	for i := 0; i < n; i++ {
		pool.wg.Add(1)
		go func(id int) {
			defer pool.wg.Done()
			masterLoop(id, synced, engine, opsPerTrx, pool.stop, logger.Named("master"))
		}(i)
	}
	return pool
}

func masterLoop(id int, synced Synced, engine *txn.Engine, opsPerTrx int, stop <-chan struct{}, logger hclog.Logger) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !synced.WaitSynced() {
			// Disconnected rather than synced: the pool is being torn
			// down, or will be shortly. Let the stop channel win the race.
			select {
			case <-stop:
				return
			default:
				continue
			}
		}

	inner:
		for {
			select {
			case <-stop:
				return
			default:
			}

			outcome, err := engine.ExecuteMaster(opsPerTrx)
			switch outcome {
			case txn.Continue:
				continue inner
			case txn.RetrySoft:
				time.Sleep(trxFailBackoff)
				continue inner
			case txn.Reconnect:
				break inner
			case txn.FatalFailure:
				logger.Error("fatal: master worker hit an unrecoverable failure", "worker", id, "error", err)
				exitProcess(1)
				return
			}
		}
	}
}
