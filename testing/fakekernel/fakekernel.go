package fakekernel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"

	"github.com/scusemua/jupyter-kernel-client/messaging"
	"github.com/scusemua/jupyter-kernel-client/utils"
)

const subprotocol = "v1.kernel.websocket.jupyter.org"

// RequestHandler scripts how the fake kernel answers one inbound message. It
// runs on the connection's serve goroutine, so responses are sent in the
// order the handler produces them.
type RequestHandler func(responder *Responder, request *messaging.Message)

// FakeKernel is an in-process stand-in for a Jupyter kernel reachable through
// the multiplexed websocket endpoint. It accepts websocket connections over
// an httptest server and answers messages with a scriptable handler.
type FakeKernel struct {
	ID string

	Handler RequestHandler

	// OnConnect, when set, runs after each websocket connection is accepted,
	// before any messages are served. Lets a test greet the client the way a
	// real kernel does, e.g. with a starting status broadcast.
	OnConnect func(responder *Responder)

	httpServer *httptest.Server

	mu          sync.Mutex
	connections []*Responder

	Serving atomic.Bool

	log logger.Logger
}

// NewFakeKernel creates and starts a fake kernel. A nil handler installs
// DefaultHandler. Call Close when done.
func NewFakeKernel(handler RequestHandler) *FakeKernel {
	if handler == nil {
		handler = DefaultHandler
	}

	kernel := &FakeKernel{
		ID:      uuid.NewString(),
		Handler: handler,
	}
	config.InitLogger(&kernel.log, "FakeKernel "+kernel.ID[0:8]+" ")

	kernel.Serving.Store(true)
	kernel.httpServer = httptest.NewServer(http.HandlerFunc(kernel.serveHTTP))

	return kernel
}

// WebsocketURL returns the ws:// URL of the kernel's channels endpoint.
func (k *FakeKernel) WebsocketURL() string {
	return strings.Replace(k.httpServer.URL, "http://", "ws://", 1) + "/api/kernels/" + k.ID + "/channels"
}

// NumConnections returns the number of websocket connections accepted so far.
func (k *FakeKernel) NumConnections() int {
	k.mu.Lock()
	defer k.mu.Unlock()

	return len(k.connections)
}

// PublishStatusBroadcast publishes an unparented iopub status message on
// every connection, the way a kernel announces state changes it initiates
// itself.
func (k *FakeKernel) PublishStatusBroadcast(status string) {
	k.mu.Lock()
	connections := make([]*Responder, len(k.connections))
	copy(connections, k.connections)
	k.mu.Unlock()

	for _, responder := range connections {
		responder.PublishStatusBroadcast(status)
	}
}

// Close stops serving and severs every connection.
func (k *FakeKernel) Close() {
	k.Serving.Store(false)

	k.mu.Lock()
	connections := k.connections
	k.connections = nil
	k.mu.Unlock()

	for _, responder := range connections {
		responder.CloseAbruptly()
	}

	k.httpServer.Close()
}

func (k *FakeKernel) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		k.log.Error(utils.RedStyle.Render("Failed to accept websocket connection: %v"), err)
		return
	}

	ws.SetReadLimit(64 * 1024 * 1024)

	responder := &Responder{
		kernel: k,
		ws:     ws,
		ctx:    r.Context(),
	}

	k.mu.Lock()
	k.connections = append(k.connections, responder)
	k.mu.Unlock()

	if k.OnConnect != nil {
		k.OnConnect(responder)
	}

	k.serve(responder)
}

// serve reads frames off one connection and hands each decoded message to
// the handler.
func (k *FakeKernel) serve(responder *Responder) {
	limiter := rate.NewLimiter(rate.Every(time.Millisecond), 100)

	for k.Serving.Load() {
		if err := limiter.Wait(responder.ctx); err != nil {
			return
		}

		msgType, data, err := responder.ws.Read(responder.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && k.Serving.Load() {
				k.log.Debug("Connection read ended: %v", err)
			}
			return
		}

		if msgType != websocket.MessageBinary {
			k.log.Debug("Ignoring non-binary message of %d bytes.", len(data))
			continue
		}

		request, err := messaging.DecodeFrame(data, nil)
		if err != nil {
			k.log.Error(utils.RedStyle.Render("Failed to decode inbound frame: %v"), err)
			continue
		}

		k.log.Debug("Received \"%s\" message \"%s\" on %s channel.",
			request.JupyterMessageType(), request.JupyterMessageId(), request.Channel)

		k.Handler(responder, request)
	}
}

// Responder sends messages back to the client on one websocket connection.
type Responder struct {
	kernel *FakeKernel
	ws     *websocket.Conn
	ctx    context.Context

	writeMu sync.Mutex
}

// Send frames and transmits a message.
func (r *Responder) Send(msg *messaging.Message) {
	frame, err := messaging.EncodeFrame(msg, nil)
	if err != nil {
		r.kernel.log.Error(utils.RedStyle.Render("Failed to encode \"%s\" message: %v"),
			msg.JupyterMessageType(), err)
		return
	}

	r.SendRaw(frame)
}

// SendRaw transmits raw bytes as a single binary websocket message. Lets a
// test script a kernel that violates the framing.
func (r *Responder) SendRaw(frame []byte) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()

	if err := r.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
		r.kernel.log.Debug("Failed to write frame of %d bytes: %v", len(frame), err)
	}
}

// PublishStatus publishes an iopub status message parented to the request.
func (r *Responder) PublishStatus(parent *messaging.Message, status string) {
	msg := messaging.NewChildMessage(messaging.IOStatusMessage, messaging.IOPubChannel, parent)
	r.encodeAndSend(msg, &messaging.KernelStatusContent{Status: status})
}

// PublishStatusBroadcast publishes an unparented iopub status message.
func (r *Responder) PublishStatusBroadcast(status string) {
	msg := messaging.NewMessage(messaging.IOStatusMessage, messaging.IOPubChannel, r.kernel.ID, "kernel")
	r.encodeAndSend(msg, &messaging.KernelStatusContent{Status: status})
}

// PublishStream publishes an iopub stream message parented to the request.
func (r *Responder) PublishStream(parent *messaging.Message, name string, text string) {
	msg := messaging.NewChildMessage(messaging.IOStreamMessage, messaging.IOPubChannel, parent)
	r.encodeAndSend(msg, &messaging.StreamContent{Name: name, Text: text})
}

// ReplyExecute sends an execute_reply with the given content, parented to the
// request.
func (r *Responder) ReplyExecute(parent *messaging.Message, content *messaging.ExecuteReplyContent) {
	msg := messaging.NewChildMessage(messaging.ShellExecuteReply, messaging.ShellChannel, parent)
	r.encodeAndSend(msg, content)
}

// ReplyExecuteOk sends a successful execute_reply parented to the request.
func (r *Responder) ReplyExecuteOk(parent *messaging.Message, executionCount int) {
	r.ReplyExecute(parent, &messaging.ExecuteReplyContent{
		Status:         messaging.MessageStatusOK,
		ExecutionCount: executionCount,
	})
}

// ReplyKernelInfo sends a kernel_info_reply parented to the request.
func (r *Responder) ReplyKernelInfo(parent *messaging.Message) {
	msg := messaging.NewChildMessage(messaging.ShellKernelInfoReply, messaging.ShellChannel, parent)
	msg.Content["status"] = messaging.MessageStatusOK
	msg.Content["protocol_version"] = messaging.ProtocolVersion
	msg.Content["implementation"] = "fake"
	r.Send(msg)
}

// RequestInput sends a stdin input_request parented to the request.
func (r *Responder) RequestInput(parent *messaging.Message, prompt string, password bool) {
	msg := messaging.NewChildMessage(messaging.StdinInputRequest, messaging.StdinChannel, parent)
	r.encodeAndSend(msg, &messaging.InputRequestContent{Prompt: prompt, Password: password})
}

// CloseAbruptly severs the connection without a close handshake.
func (r *Responder) CloseAbruptly() {
	_ = r.ws.CloseNow()
}

func (r *Responder) encodeAndSend(msg *messaging.Message, content interface{}) {
	if err := msg.EncodeContent(content); err != nil {
		r.kernel.log.Error(utils.RedStyle.Render("Failed to encode \"%s\" content: %v"),
			msg.JupyterMessageType(), err)
		return
	}

	r.Send(msg)
}

// DefaultHandler answers like a well-behaved, idle kernel: executions get a
// busy status, an execute_input echo, an idle status, and an ok reply;
// kernel_info requests get a reply. Everything else is ignored.
func DefaultHandler(responder *Responder, request *messaging.Message) {
	switch request.JupyterMessageType().String() {
	case messaging.ShellExecuteRequest:
		responder.PublishStatus(request, messaging.KernelStatusBusy)

		var content messaging.ExecuteRequestContent
		_ = request.DecodeContent(&content)

		echo := messaging.NewChildMessage(messaging.IOExecuteInput, messaging.IOPubChannel, request)
		echo.Content["code"] = content.Code
		echo.Content["execution_count"] = 1
		responder.Send(echo)

		responder.PublishStatus(request, messaging.KernelStatusIdle)
		responder.ReplyExecuteOk(request, 1)

	case messaging.ShellKernelInfoRequest:
		responder.ReplyKernelInfo(request)
	}
}
