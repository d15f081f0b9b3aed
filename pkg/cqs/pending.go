package cqs

import (
	"sync"

	"github.com/google/uuid"
)

// pendingRequest tracks one in-flight send on one connection. It resolves
// exactly once, success or failure, no matter how many paths race to
// complete it (response, transport loss, timeout, session close).
type pendingRequest struct {
	ID      uuid.UUID
	Request *Request

	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

func newPendingRequest(req *Request) *pendingRequest {
	return &pendingRequest{
		ID:      uuid.New(),
		Request: req,
		done:    make(chan struct{}),
	}
}

func (pr *pendingRequest) succeed(result *Result) {
	pr.once.Do(func() {
		pr.result = result
		close(pr.done)
	})
}

func (pr *pendingRequest) fail(err error) {
	pr.once.Do(func() {
		pr.err = err
		close(pr.done)
	})
}

// Done unblocks once the request has a terminal outcome.
func (pr *pendingRequest) Done() <-chan struct{} {
	return pr.done
}

// Outcome must only be read after Done unblocks.
func (pr *pendingRequest) Outcome() (*Result, error) {
	return pr.result, pr.err
}

// ResultFuture is the caller-facing half of an Execute call. It carries
// exactly one terminal value.
type ResultFuture struct {
	once   sync.Once
	done   chan struct{}
	result *Result
	err    error
}

func newResultFuture() *ResultFuture {
	return &ResultFuture{done: make(chan struct{})}
}

func (rf *ResultFuture) succeed(result *Result) {
	rf.once.Do(func() {
		rf.result = result
		close(rf.done)
	})
}

func (rf *ResultFuture) fail(err error) {
	rf.once.Do(func() {
		rf.err = err
		close(rf.done)
	})
}

// Done unblocks once the future is resolved.
func (rf *ResultFuture) Done() <-chan struct{} {
	return rf.done
}

// Result blocks until the future resolves and returns its terminal value.
func (rf *ResultFuture) Result() (*Result, error) {
	<-rf.done
	return rf.result, rf.err
}

// PreparedFuture resolves to a handle for a statement prepared on the
// cluster.
type PreparedFuture struct {
	inner *ResultFuture
	query string
}

// Done unblocks once the future is resolved.
func (pf *PreparedFuture) Done() <-chan struct{} {
	return pf.inner.Done()
}

// Handle blocks until the prepare round trip finishes.
func (pf *PreparedFuture) Handle() (*PreparedHandle, error) {
	result, err := pf.inner.Result()
	if err != nil {
		return nil, err
	}
	return &PreparedHandle{ID: result.PreparedID, Query: pf.query}, nil
}
