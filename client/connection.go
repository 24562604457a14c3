package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/scusemua/jupyter-kernel-client/configuration"
	"github.com/scusemua/jupyter-kernel-client/messaging"
	"github.com/scusemua/jupyter-kernel-client/utils"
)

const (
	// KernelWebsocketProtocol is the sub-protocol under which Jupyter Server
	// multiplexes all five kernel channels over a single websocket.
	KernelWebsocketProtocol = "v1.kernel.websocket.jupyter.org"

	// maxFrameSize bounds inbound frames. Large outputs (images, dataframes)
	// routinely exceed nhooyr's 32 KiB default.
	maxFrameSize = 64 * 1024 * 1024
)

var _ KernelConnection = (*KernelWebsocketConnection)(nil)

// KernelWebsocketConnection drives the five Jupyter channels of one kernel
// over a single multiplexed websocket.
//
// A connection is single-use: once it disconnects, for any reason, it cannot
// be reused. Create a new one instead.
type KernelWebsocketConnection struct {
	opts    configuration.ConnectionOptions
	session string

	ws      *websocket.Conn
	writeMu sync.Mutex

	state    atomic.Int32
	requests *RequestTable
	inbound  chan *messaging.Message

	observerMu      sync.Mutex
	statusObservers []StatusObserver
	lastStatus      atomic.Value

	statusSeen     chan struct{}
	statusSeenOnce sync.Once

	teardownOnce sync.Once

	// ctx governs the reader, router, and heartbeat goroutines. It is
	// independent of the dial context, which only covers the handshake.
	ctx    context.Context
	cancel context.CancelFunc

	log logger.Logger
}

// NewKernelWebsocketConnection creates a connection for the kernel channels
// endpoint named in the options. A fresh session ID is generated if the
// options do not carry one. Call Connect to actually dial.
func NewKernelWebsocketConnection(opts configuration.ConnectionOptions) *KernelWebsocketConnection {
	opts = opts.WithDefaults()

	session := opts.Session
	if session == "" {
		session = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(context.Background())

	conn := &KernelWebsocketConnection{
		opts:       opts,
		session:    session,
		inbound:    make(chan *messaging.Message, opts.InboundQueueCapacity),
		statusSeen: make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	conn.state.Store(int32(ConnectionStateDisconnected))
	conn.requests = NewRequestTable(conn.Send)
	config.InitLogger(&conn.log, fmt.Sprintf("KernelConn %s ", session))

	return conn
}

// Session returns the session ID stamped into every message header.
func (c *KernelWebsocketConnection) Session() string {
	return c.session
}

// State returns the connection's lifecycle state.
func (c *KernelWebsocketConnection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Connect dials the channels endpoint, negotiates the multiplexing
// sub-protocol, and starts the reader, router, and heartbeat goroutines.
func (c *KernelWebsocketConnection) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(ConnectionStateDisconnected), int32(ConnectionStateConnecting)) {
		return fmt.Errorf("%w: connection is %s, not %s", ErrNotConnected,
			c.State(), ConnectionStateDisconnected)
	}

	headers := http.Header{}
	if c.opts.Token != "" {
		headers.Set("Authorization", "Bearer "+c.opts.Token)
	}

	c.log.Debug("Dialing kernel channels endpoint %s.", c.opts.Endpoint)

	ws, _, err := websocket.Dial(ctx, c.opts.Endpoint, &websocket.DialOptions{
		Subprotocols: []string{KernelWebsocketProtocol},
		HTTPHeader:   headers,
	})
	if err != nil {
		c.state.Store(int32(ConnectionStateDisconnected))
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	if ws.Subprotocol() != KernelWebsocketProtocol {
		_ = ws.Close(websocket.StatusProtocolError, "server did not select the kernel sub-protocol")
		c.state.Store(int32(ConnectionStateDisconnected))
		return fmt.Errorf("%w: server selected sub-protocol %q instead of %q",
			ErrConnectionLost, ws.Subprotocol(), KernelWebsocketProtocol)
	}

	ws.SetReadLimit(maxFrameSize)

	c.ws = ws
	c.state.Store(int32(ConnectionStateChannelsStarting))

	go c.serveReads()
	go c.routeMessages()
	go c.serveHeartbeat()

	if c.opts.RequireStatusBeforeReady {
		select {
		case <-c.statusSeen:
		case <-ctx.Done():
			c.teardown(websocket.StatusNormalClosure, ctx.Err())
			return fmt.Errorf("%w: %v", ErrConnectionLost, ctx.Err())
		case <-c.ctx.Done():
			return fmt.Errorf("%w: connection closed before the kernel published a status", ErrConnectionLost)
		}
	}

	c.state.CompareAndSwap(int32(ConnectionStateChannelsStarting), int32(ConnectionStateReady))
	c.log.Debug(utils.LightBlueStyle.Render("Connected to kernel channels endpoint %s. Session: %s."),
		c.opts.Endpoint, c.session)

	return nil
}

// Send transmits a message on its channel. Exactly one frame is in flight at
// a time; concurrent senders serialize on the write mutex.
func (c *KernelWebsocketConnection) Send(ctx context.Context, msg *messaging.Message) error {
	state := c.State()
	if state != ConnectionStateReady && state != ConnectionStateChannelsStarting {
		return fmt.Errorf("%w: connection is %s", ErrNotConnected, state)
	}

	frame, err := messaging.EncodeFrame(msg, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err = c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	c.log.Debug("Sent \"%s\" message \"%s\" on %s channel.",
		msg.JupyterMessageType(), msg.JupyterMessageId(), msg.Channel)

	return nil
}

// serveReads is the only goroutine that reads from the websocket. It decodes
// frames and hands messages to the router through the bounded inbound queue.
// It never invokes user callbacks itself.
func (c *KernelWebsocketConnection) serveReads() {
	for {
		msgType, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.State() != ConnectionStateClosing {
				c.log.Warn(utils.OrangeStyle.Render("Websocket read failed: %v"), err)
			}
			c.teardown(websocket.StatusInternalError, err)
			return
		}

		if msgType != websocket.MessageBinary {
			c.log.Warn(utils.OrangeStyle.Render("Dropping non-binary websocket message of %d bytes."), len(data))
			continue
		}

		msg, err := messaging.DecodeFrame(data, nil)
		if err != nil {
			if errors.Is(err, messaging.ErrMalformedFrame) {
				// Framing is broken, so offsets on this connection can no
				// longer be trusted.
				c.log.Error(utils.RedStyle.Render("Received malformed frame (%d bytes): %v. Closing connection."),
					len(data), err)
				c.teardown(websocket.StatusProtocolError, err)
				return
			}

			c.log.Warn(utils.OrangeStyle.Render("Dropping invalid message: %v"), err)
			continue
		}

		select {
		case c.inbound <- msg:
		case <-c.ctx.Done():
			return
		}
	}
}

// routeMessages drains the inbound queue, correlating each message with its
// request and fanning out status broadcasts.
func (c *KernelWebsocketConnection) routeMessages() {
	for {
		select {
		case msg := <-c.inbound:
			c.route(msg)
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *KernelWebsocketConnection) route(msg *messaging.Message) {
	if msg.Channel == messaging.IOPubChannel && msg.JupyterMessageType() == messaging.IOStatusMessage {
		c.observeKernelStatus(msg)

		if msg.IsBroadcast() {
			// Kernel-initiated status changes inform observers only. They
			// never resolve or fail a pending request.
			return
		}
	}

	if msg.IsBroadcast() {
		c.log.Debug("Dropping unparented \"%s\" message on %s channel.",
			msg.JupyterMessageType(), msg.Channel)
		return
	}

	c.requests.Dispatch(msg)
}

// observeKernelStatus records the kernel's execution state and notifies
// registered observers.
func (c *KernelWebsocketConnection) observeKernelStatus(msg *messaging.Message) {
	var content messaging.KernelStatusContent
	if err := msg.DecodeContent(&content); err != nil {
		c.log.Warn(utils.OrangeStyle.Render("Failed to decode kernel status content: %v"), err)
		return
	}

	c.lastStatus.Store(content.Status)
	c.statusSeenOnce.Do(func() {
		close(c.statusSeen)
	})

	c.observerMu.Lock()
	observers := make([]StatusObserver, len(c.statusObservers))
	copy(observers, c.statusObservers)
	c.observerMu.Unlock()

	for _, observer := range observers {
		observer(content.Status)
	}
}

// serveHeartbeat pings the server on an interval so a dead connection is
// noticed even when no requests are in flight.
func (c *KernelWebsocketConnection) serveHeartbeat() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.opts.HeartbeatInterval)
			err := c.ws.Ping(ctx)
			cancel()

			if err != nil {
				if c.State() != ConnectionStateClosing {
					c.log.Warn(utils.OrangeStyle.Render("Heartbeat ping failed: %v"), err)
				}
				c.teardown(websocket.StatusInternalError, err)
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// RegisterStatusObserver subscribes to kernel execution-state broadcasts.
// Observers run on the router goroutine and must not block.
func (c *KernelWebsocketConnection) RegisterStatusObserver(observer StatusObserver) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()

	c.statusObservers = append(c.statusObservers, observer)
}

// LastKernelStatus returns the most recent execution state published by the
// kernel, or the empty string if none has been observed yet.
func (c *KernelWebsocketConnection) LastKernelStatus() string {
	status, _ := c.lastStatus.Load().(string)
	return status
}

// PendingRequests returns the number of in-flight requests.
func (c *KernelWebsocketConnection) PendingRequests() int {
	return c.requests.Len()
}

// RequestKernelInfo performs a kernel_info round-trip on the shell channel.
func (c *KernelWebsocketConnection) RequestKernelInfo(ctx context.Context) (*messaging.Message, error) {
	request := messaging.NewMessage(messaging.ShellKernelInfoRequest, messaging.ShellChannel,
		c.session, c.opts.Username)

	return c.sendAndWait(ctx, request, messaging.ShellKernelInfoReply, nil, nil, false)
}

// sendAndWait registers a pending request, transmits the request message, and
// blocks until the terminal reply arrives or ctx ends.
func (c *KernelWebsocketConnection) sendAndWait(ctx context.Context, request *messaging.Message,
	expectedReplyType messaging.KernelMessageType, sink OutputSink,
	stdinResponder StdinResponder, allowStdin bool) (*messaging.Message, error) {

	pending := newPendingRequest(request.JupyterMessageId(), expectedReplyType, sink, stdinResponder, allowStdin)
	if err := c.requests.Register(pending); err != nil {
		return nil, err
	}

	if err := c.Send(ctx, request); err != nil {
		c.requests.Cancel(request.JupyterMessageId(), err)
		return nil, err
	}

	select {
	case outcome := <-pending.Result():
		return outcome.reply, outcome.err
	case <-ctx.Done():
		cause := ErrExecutionCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = ErrExecutionTimedOut
		}

		// Local bookkeeping only. The kernel may still be running the code;
		// interrupting it is a control-plane decision that belongs to the
		// caller.
		c.requests.Cancel(request.JupyterMessageId(), cause)

		outcome := <-pending.Result()
		return outcome.reply, outcome.err
	}
}

// Close tears the connection down gracefully. All in-flight requests fail
// with ErrConnectionLost.
func (c *KernelWebsocketConnection) Close() error {
	c.teardown(websocket.StatusNormalClosure, nil)
	return nil
}

// teardown runs the single shutdown path shared by Close, read failures,
// heartbeat failures, and malformed frames. In-flight requests are failed
// exactly once.
func (c *KernelWebsocketConnection) teardown(status websocket.StatusCode, cause error) {
	c.teardownOnce.Do(func() {
		if cause != nil {
			c.log.Warn(utils.OrangeStyle.Render("Tearing down connection: %v"), cause)
		}

		c.state.Store(int32(ConnectionStateClosing))
		c.cancel()

		if c.ws != nil {
			_ = c.ws.Close(status, "")
		}

		c.requests.FailAll(ErrConnectionLost)
		c.state.Store(int32(ConnectionStateDisconnected))
	})
}
