// Package transporttest exports test helpers shared across this
// module's package tests: a wait-group-tracked Invoker so teardown is
// deterministic, a manual Clock for asserting timer/backoff behaviour
// without sleeping in real time, and an in-process Daemon speaking the
// real wire protocol.
package transporttest

import "sync"

// Invoker is a types.Invoker that tracks every spawned goroutine with a
// sync.WaitGroup, so a test can call Wait to block until every
// background goroutine it spawned has exited.
type Invoker struct {
	group sync.WaitGroup
}

// NewInvoker creates an Invoker.
func NewInvoker() *Invoker {
	return &Invoker{}
}

// Spawn runs f on a new goroutine tracked by the invoker's WaitGroup.
func (i *Invoker) Spawn(f func()) {
	i.group.Add(1)
	go func() {
		defer i.group.Done()
		f()
	}()
}

// Wait blocks until every goroutine spawned through this invoker has
// returned. Tests call this after requesting shutdown, paired with
// goleak.VerifyNone to confirm no goroutine escaped the invoker's
// bookkeeping.
func (i *Invoker) Wait() {
	i.group.Wait()
}
