package cqs

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

// connBehavior decides how a fake link reacts to each written request.
type connBehavior func(fc *fakeConn, stream int16, op OpCode)

func respondOK(fc *fakeConn, stream int16, op OpCode) {
	if op == OpPrepare {
		fc.deliver(buildResponseFrame(stream, OpResult, preparedResultBody([]byte("prep-id"))))
		return
	}
	fc.deliver(buildResponseFrame(stream, OpResult, nil))
}

func respondReadTimeout(fc *fakeConn, stream int16, _ OpCode) {
	fc.deliver(buildResponseFrame(stream, OpError, errorBody(serverErrReadTimeout, "read timeout")))
}

func respondSilence(_ *fakeConn, _ int16, _ OpCode) {}

func dieOnWrite(fc *fakeConn, _ int16, _ OpCode) {
	fc.kill(errors.New("io failure"))
}

type fakeConn struct {
	addr     string
	behavior connBehavior

	incoming chan []byte
	closed   chan error

	mu       sync.Mutex
	writes   int
	ops      []OpCode
	isClosed bool
	killOnce sync.Once
}

func newFakeConn(addr string, behavior connBehavior) *fakeConn {
	return &fakeConn{
		addr:     addr,
		behavior: behavior,
		incoming: make(chan []byte, 64),
		closed:   make(chan error, 1),
	}
}

func (fc *fakeConn) Write(data []byte) error {
	fc.mu.Lock()
	if fc.isClosed {
		fc.mu.Unlock()
		return errors.New("write on closed fake conn")
	}
	fc.writes++
	fc.ops = append(fc.ops, OpCode(data[4]))
	fc.mu.Unlock()

	stream := int16(binary.BigEndian.Uint16(data[2:4]))
	op := OpCode(data[4])
	fc.behavior(fc, stream, op)
	return nil
}

func (fc *fakeConn) Incoming() <-chan []byte { return fc.incoming }
func (fc *fakeConn) Closed() <-chan error    { return fc.closed }

func (fc *fakeConn) Close() error {
	fc.mu.Lock()
	fc.isClosed = true
	fc.mu.Unlock()
	return nil
}

func (fc *fakeConn) deliver(frame []byte) {
	fc.incoming <- frame
}

// kill simulates the transport dying underneath the connection.
func (fc *fakeConn) kill(err error) {
	fc.killOnce.Do(func() {
		fc.mu.Lock()
		fc.isClosed = true
		fc.mu.Unlock()
		fc.closed <- err
	})
}

func (fc *fakeConn) writeCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.writes
}

func (fc *fakeConn) wroteOp(op OpCode) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, wrote := range fc.ops {
		if wrote == op {
			return true
		}
	}
	return false
}

func (fc *fakeConn) wasClosed() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.isClosed
}

type fakeTransport struct {
	mu        sync.Mutex
	behaviors map[string]connBehavior
	conns     map[string][]*fakeConn
	dialErrs  map[string]error
	dials     map[string]int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		behaviors: make(map[string]connBehavior),
		conns:     make(map[string][]*fakeConn),
		dialErrs:  make(map[string]error),
		dials:     make(map[string]int),
	}
}

func (ft *fakeTransport) setBehavior(addr string, behavior connBehavior) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.behaviors[addr] = behavior
}

func (ft *fakeTransport) refuse(addr string) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.dialErrs[addr] = fmt.Errorf("connection refused: %s", addr)
}

func (ft *fakeTransport) Open(_ context.Context, addr string) (TransportConn, error) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	ft.dials[addr]++
	if err, ok := ft.dialErrs[addr]; ok {
		return nil, err
	}

	behavior, ok := ft.behaviors[addr]
	if !ok {
		behavior = respondOK
	}

	fc := newFakeConn(addr, behavior)
	ft.conns[addr] = append(ft.conns[addr], fc)
	return fc, nil
}

func (ft *fakeTransport) connsFor(addr string) []*fakeConn {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	out := make([]*fakeConn, len(ft.conns[addr]))
	copy(out, ft.conns[addr])
	return out
}

func (ft *fakeTransport) allConns() []*fakeConn {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	var out []*fakeConn
	for _, conns := range ft.conns {
		out = append(out, conns...)
	}
	return out
}

func buildResponseFrame(stream int16, op OpCode, body []byte) []byte {
	framed := make([]byte, frameHeaderLen+len(body))
	framed[0] = protoVersionResponse
	binary.BigEndian.PutUint16(framed[2:4], uint16(stream))
	framed[4] = byte(op)
	binary.BigEndian.PutUint32(framed[5:9], uint32(len(body)))
	copy(framed[frameHeaderLen:], body)
	return framed
}

func errorBody(code int32, message string) []byte {
	body := make([]byte, 6+len(message))
	binary.BigEndian.PutUint32(body[0:4], uint32(code))
	binary.BigEndian.PutUint16(body[4:6], uint16(len(message)))
	copy(body[6:], message)
	return body
}

func preparedResultBody(id []byte) []byte {
	body := make([]byte, 6+len(id))
	binary.BigEndian.PutUint32(body[0:4], 0x0004) // prepared result kind
	binary.BigEndian.PutUint16(body[4:6], uint16(len(id)))
	copy(body[6:], id)
	return body
}

// staticPolicy yields a fixed host order, once per plan.
type staticPolicy struct {
	hosts []*Host
}

func (sp *staticPolicy) NewQueryPlan(_ *Request) QueryPlan {
	ordered := make([]*Host, len(sp.hosts))
	copy(ordered, sp.hosts)
	return &sliceQueryPlan{hosts: ordered}
}

func (sp *staticPolicy) SetHosts(_ []*Host) {}

// cyclePolicy produces plans that never run out, for ceiling tests.
type cyclePolicy struct {
	hosts []*Host
}

func (cp *cyclePolicy) NewQueryPlan(_ *Request) QueryPlan {
	return &cycleQueryPlan{hosts: cp.hosts}
}

func (cp *cyclePolicy) SetHosts(_ []*Host) {}

type cycleQueryPlan struct {
	hosts []*Host
	next  int
}

func (qp *cycleQueryPlan) Next() (*Host, bool) {
	if len(qp.hosts) == 0 {
		return nil, false
	}
	host := qp.hosts[qp.next%len(qp.hosts)]
	qp.next++
	return host, true
}

// alwaysNextHost retries everything onto the next host, forever.
type alwaysNextHost struct{}

func (alwaysNextHost) OnReadTimeout(_ *RetryContext) RetryDecision     { return RetryNextHost }
func (alwaysNextHost) OnWriteTimeout(_ *RetryContext) RetryDecision    { return RetryNextHost }
func (alwaysNextHost) OnUnavailable(_ *RetryContext) RetryDecision     { return RetryNextHost }
func (alwaysNextHost) OnConnectionError(_ *RetryContext) RetryDecision { return RetryNextHost }

func testClusterConfig(contactPoints ...string) *ClusterConfig {
	config := &ClusterConfig{
		ContactPoints: contactPoints,
		PoolConfig: &PoolConfig{
			LocalConnectionCount: 1,
			StreamsPerConnection: 16,
		},
		RequestConfig: &RequestConfig{
			RequestTimeout: 250,
			RetryCeiling:   3,
		},
	}
	config.fillDefaults()
	return config
}
