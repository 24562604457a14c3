package client

import (
	"context"
	"errors"

	"github.com/scusemua/jupyter-kernel-client/messaging"
)

var (
	// ErrNotConnected is returned when a send is attempted before the
	// connection has reached the Ready state, or after it has left it.
	ErrNotConnected = errors.New("kernel connection is not ready")

	// ErrSendFailed wraps transport errors encountered while writing a frame.
	ErrSendFailed = errors.New("failed to send message to kernel")

	// ErrConnectionLost fails every in-flight request when the websocket
	// connection drops or is closed.
	ErrConnectionLost = errors.New("kernel connection lost")

	// ErrDuplicateMessageId is returned when a request reuses the message ID
	// of a request that is still in flight.
	ErrDuplicateMessageId = errors.New("a request with the same message ID is already in flight")

	// ErrExecutionTimedOut is returned when a kernel does not produce the
	// expected reply within the request timeout.
	ErrExecutionTimedOut = errors.New("execution timed out")

	// ErrExecutionCancelled is returned when the caller's context is
	// cancelled while a request is in flight.
	ErrExecutionCancelled = errors.New("execution cancelled")

	// ErrRequestAborted is returned when the kernel aborts a queued request,
	// typically because an earlier request failed with stop_on_error set.
	ErrRequestAborted = errors.New("request aborted by the kernel")

	// ErrResultAlreadyResolved indicates an attempt to fulfill a request's
	// result slot twice. The first resolution always wins.
	ErrResultAlreadyResolved = errors.New("request result has already been resolved")

	// ErrStdinNotSupported is returned to the kernel, as an empty input
	// reply, when it requests input from a request that did not allow stdin
	// or provided no responder.
	ErrStdinNotSupported = errors.New("no stdin responder was configured for this request")
)

// ConnectionState describes where a connection is in its lifecycle. States
// only ever advance in one direction; a lost connection is never reused.
type ConnectionState int32

const (
	ConnectionStateDisconnected ConnectionState = iota
	ConnectionStateConnecting
	ConnectionStateChannelsStarting
	ConnectionStateReady
	ConnectionStateClosing
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionStateDisconnected:
		return "disconnected"
	case ConnectionStateConnecting:
		return "connecting"
	case ConnectionStateChannelsStarting:
		return "channels-starting"
	case ConnectionStateReady:
		return "ready"
	case ConnectionStateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// OutputSink receives the iopub messages published beneath a request, in the
// order they arrived from the kernel. A slow sink delays its own request's
// resolution but never the connection's read loop or other requests.
type OutputSink func(msg *messaging.Message)

// StdinResponder answers an input_request from the kernel. It runs on its own
// goroutine, so it may block (e.g. prompting a human) without stalling any
// channel.
type StdinResponder func(prompt string, password bool) (string, error)

// StatusObserver is notified of kernel execution-state changes published on
// the iopub channel (busy, idle, starting).
type StatusObserver func(status string)

// KernelConnection is the capability handed to code that needs to talk to a
// single kernel. Collaborators receive exactly the surface they need; nothing
// here exposes the underlying websocket.
type KernelConnection interface {
	// Connect dials the kernel's channels endpoint and starts the reader,
	// router, and heartbeat goroutines.
	Connect(ctx context.Context) error

	// Send transmits a message on its channel. The connection must be Ready.
	Send(ctx context.Context, msg *messaging.Message) error

	// Execute runs code on the kernel and blocks until the terminal
	// execute_reply arrives, the timeout elapses, or ctx is cancelled.
	Execute(ctx context.Context, code string, opts *ExecuteOptions) (*ExecutionResult, error)

	// RequestKernelInfo performs a kernel_info round-trip on the shell
	// channel.
	RequestKernelInfo(ctx context.Context) (*messaging.Message, error)

	// RegisterStatusObserver subscribes to kernel execution-state broadcasts.
	RegisterStatusObserver(observer StatusObserver)

	// LastKernelStatus returns the most recent execution state published by
	// the kernel, or the empty string if none has been observed.
	LastKernelStatus() string

	// State returns the connection's lifecycle state.
	State() ConnectionState

	// Close tears the connection down and fails all in-flight requests with
	// ErrConnectionLost.
	Close() error
}
