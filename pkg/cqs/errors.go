package cqs

import (
	"errors"
	"fmt"
)

var (
	// ErrNoHostAvailable is returned when a query plan has been exhausted
	// without yielding a usable connection.
	// you can check for this error with errors.Is
	ErrNoHostAvailable = errors.New("no host available to execute request")

	// ErrNoCapacity is returned by a connection whose stream ids are all
	// outstanding. The dispatcher retries on another connection before this
	// ever reaches a caller.
	ErrNoCapacity = errors.New("connection has no free stream ids")

	// ErrStreamsExhausted is returned by the stream allocator when every id
	// is outstanding.
	ErrStreamsExhausted = errors.New("stream ids exhausted")

	// ErrStreamDoubleRelease is returned when releasing a stream id that was
	// not outstanding.
	ErrStreamDoubleRelease = errors.New("stream id released twice")

	// ErrConnectionLost is the terminal failure delivered to every pending
	// request on a connection whose transport failed.
	ErrConnectionLost = errors.New("connection lost")

	// ErrProtocolViolation flags a response for a stream id with no pending
	// request (stale or duplicated). Logged, never fatal on its own.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrTimeout is delivered to a pending request whose deadline passed
	// before a response arrived.
	ErrTimeout = errors.New("request timed out")

	// ErrRetryLimitExceeded is returned once the hard attempt ceiling has
	// been hit, regardless of what the retry policy wanted.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrSessionDefunct is returned for any request issued against a defunct
	// session.
	ErrSessionDefunct = errors.New("session is defunct")

	// ErrSessionClosing is delivered to in-flight requests drained by Close.
	ErrSessionClosing = errors.New("session is closing")

	// ErrHostIgnored is returned when allocating connections toward a host
	// whose distance is HostIgnored.
	ErrHostIgnored = errors.New("host distance is ignored")

	// ErrNotOwned is returned when freeing a connection a pool does not own.
	ErrNotOwned = errors.New("connection not owned by this pool")
)

// Server error codes surfaced through the ERROR opcode. Only the codes the
// retry policy dispatches on are named here.
const (
	serverErrUnavailable  int32 = 0x1000
	serverErrWriteTimeout int32 = 0x1100
	serverErrReadTimeout  int32 = 0x1200
)

// ServerError is a failure reported by the node itself rather than by the
// transport.
type ServerError struct {
	Code    int32
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error 0x%04x: %s", e.Code, e.Message)
}

// IsReadTimeout reports whether err is a server-side read timeout.
func IsReadTimeout(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == serverErrReadTimeout
}

// IsWriteTimeout reports whether err is a server-side write timeout.
func IsWriteTimeout(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == serverErrWriteTimeout
}

// IsUnavailable reports whether err is a server-side unavailable error.
func IsUnavailable(err error) bool {
	var se *ServerError
	return errors.As(err, &se) && se.Code == serverErrUnavailable
}
