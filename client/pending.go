package client

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/scusemua/jupyter-kernel-client/messaging"
	"github.com/scusemua/jupyter-kernel-client/queue"
	"github.com/scusemua/jupyter-kernel-client/utils"
)

const stdinReplyTimeout = time.Second * 30

// requestOutcome is what a pending request ultimately resolves to: the
// terminal reply from the kernel, or the error that ended the request.
type requestOutcome struct {
	reply *messaging.Message
	err   error
}

// outputItem is one unit of work for a request's delivery worker. Either an
// iopub message for the sink, or the terminal outcome.
type outputItem struct {
	msg      *messaging.Message
	outcome  requestOutcome
	terminal bool
}

// pendingRequest tracks one in-flight request: its expected terminal reply
// type, its result slot, and the worker that delivers iopub output to the
// sink in arrival order.
//
// The result slot is fulfilled at most once. The terminal outcome travels
// through the same FIFO as the outputs, so every output routed before the
// terminal reply is delivered to the sink before the result is observable.
type pendingRequest struct {
	msgId             string
	expectedReplyType messaging.KernelMessageType
	createdAt         time.Time

	sink           OutputSink
	stdinResponder StdinResponder
	allowStdin     bool

	resolved   atomic.Bool
	resultChan chan requestOutcome

	outputs *queue.ThreadsafeFifo[outputItem]
	notify  chan struct{}

	log logger.Logger
}

func newPendingRequest(msgId string, expectedReplyType messaging.KernelMessageType,
	sink OutputSink, stdinResponder StdinResponder, allowStdin bool) *pendingRequest {

	req := &pendingRequest{
		msgId:             msgId,
		expectedReplyType: expectedReplyType,
		createdAt:         time.Now(),
		sink:              sink,
		stdinResponder:    stdinResponder,
		allowStdin:        allowStdin,
		resultChan:        make(chan requestOutcome, 1),
		outputs:           queue.NewThreadsafeFifo[outputItem](4),
		notify:            make(chan struct{}, 1),
	}
	config.InitLogger(&req.log, "PendingRequest "+msgId+" ")

	return req
}

// enqueue appends an item to the request's delivery FIFO and wakes the
// worker. Never blocks, so the router is isolated from slow sinks.
func (p *pendingRequest) enqueue(item outputItem) {
	p.outputs.Enqueue(item)

	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *pendingRequest) enqueueOutput(msg *messaging.Message) {
	p.enqueue(outputItem{msg: msg})
}

func (p *pendingRequest) enqueueTerminal(outcome requestOutcome) {
	p.enqueue(outputItem{outcome: outcome, terminal: true})
}

// serveOutputs drains the delivery FIFO, handing outputs to the sink in
// order. It exits after resolving the terminal outcome. Runs on its own
// goroutine, one per request.
func (p *pendingRequest) serveOutputs() {
	for range p.notify {
		for {
			item, ok := p.outputs.Dequeue()
			if !ok {
				break
			}

			if item.terminal {
				if err := p.resolve(item.outcome); err != nil {
					p.log.Error(utils.RedStyle.Render("Discarding duplicate resolution of request \"%s\": %v"),
						p.msgId, err)
				}
				return
			}

			if p.sink != nil {
				p.sink(item.msg)
			}
		}
	}
}

// resolve fulfills the result slot. Only the first call succeeds; later
// calls return ErrResultAlreadyResolved and change nothing.
func (p *pendingRequest) resolve(outcome requestOutcome) error {
	if !p.resolved.CompareAndSwap(false, true) {
		return ErrResultAlreadyResolved
	}

	p.resultChan <- outcome
	return nil
}

// Result exposes the one-shot result slot. The outcome arrives only after
// every output routed before the terminal reply has been delivered.
func (p *pendingRequest) Result() <-chan requestOutcome {
	return p.resultChan
}

// RequestTable correlates inbound messages with the in-flight requests they
// belong to, keyed by the request's message ID (which the kernel echoes back
// in the parent header of everything it produces for that request).
type RequestTable struct {
	requests cmap.ConcurrentMap[string, *pendingRequest]

	// sendReply transmits input replies produced by stdin responders.
	sendReply func(ctx context.Context, msg *messaging.Message) error

	log logger.Logger
}

func NewRequestTable(sendReply func(ctx context.Context, msg *messaging.Message) error) *RequestTable {
	table := &RequestTable{
		requests:  cmap.New[*pendingRequest](),
		sendReply: sendReply,
	}
	config.InitLogger(&table.log, "RequestTable ")

	return table
}

// Register adds a request to the table and starts its delivery worker.
// Returns ErrDuplicateMessageId if a request with the same message ID is
// still in flight.
func (t *RequestTable) Register(req *pendingRequest) error {
	if !t.requests.SetIfAbsent(req.msgId, req) {
		return ErrDuplicateMessageId
	}

	go req.serveOutputs()

	t.log.Debug("Registered \"%s\" request \"%s\". NumPendingRequests: %d.",
		req.expectedReplyType, req.msgId, t.requests.Count())

	return nil
}

// Dispatch routes an inbound, parented message to its request. Returns false
// if no request claims the message's parent ID, in which case the caller
// should drop it.
func (t *RequestTable) Dispatch(msg *messaging.Message) bool {
	parentId := msg.JupyterParentMessageId()

	req, ok := t.requests.Get(parentId)
	if !ok {
		t.log.Debug("Dropping \"%s\" message \"%s\": no in-flight request with ID \"%s\".",
			msg.JupyterMessageType(), msg.JupyterMessageId(), parentId)
		return false
	}

	switch msg.Channel {
	case messaging.ShellChannel, messaging.ControlChannel:
		if msg.JupyterMessageType() != req.expectedReplyType {
			t.log.Warn(utils.OrangeStyle.Render("Dropping unexpected \"%s\" message on %s channel for request \"%s\" (expected \"%s\")."),
				msg.JupyterMessageType(), msg.Channel, parentId, req.expectedReplyType)
			return false
		}

		// Terminal reply. The entry is removed first so a duplicate reply
		// cannot be routed, then the outcome flows through the FIFO behind
		// any not-yet-delivered outputs.
		t.requests.Remove(parentId)
		req.enqueueTerminal(requestOutcome{reply: msg})

	case messaging.IOPubChannel:
		req.enqueueOutput(msg)

	case messaging.StdinChannel:
		if msg.JupyterMessageType() != messaging.StdinInputRequest {
			t.log.Debug("Dropping \"%s\" message on stdin channel for request \"%s\".",
				msg.JupyterMessageType(), parentId)
			return false
		}

		go t.answerInputRequest(req, msg)

	default:
		t.log.Debug("Dropping \"%s\" message on unhandled channel \"%s\" for request \"%s\".",
			msg.JupyterMessageType(), msg.Channel, parentId)
		return false
	}

	return true
}

// answerInputRequest runs a request's stdin responder and sends the
// input_reply back to the kernel. Runs on its own goroutine so a blocking
// prompt cannot stall any channel.
func (t *RequestTable) answerInputRequest(req *pendingRequest, inputRequest *messaging.Message) {
	var content messaging.InputRequestContent
	if err := inputRequest.DecodeContent(&content); err != nil {
		t.log.Warn(utils.OrangeStyle.Render("Failed to decode input_request content for request \"%s\": %v"),
			req.msgId, err)
	}

	var value string
	if !req.allowStdin || req.stdinResponder == nil {
		// The kernel is blocked waiting on input, so answer with an empty
		// value rather than leaving it hanging.
		t.log.Warn(utils.OrangeStyle.Render("Kernel requested input for request \"%s\", but %v. Replying with an empty value."),
			req.msgId, ErrStdinNotSupported)
	} else {
		answered, err := req.stdinResponder(content.Prompt, content.Password)
		if err != nil {
			t.log.Warn(utils.OrangeStyle.Render("Stdin responder for request \"%s\" failed: %v. Replying with an empty value."),
				req.msgId, err)
		} else {
			value = answered
		}
	}

	reply := messaging.NewChildMessage(messaging.StdinInputReply, messaging.StdinChannel, inputRequest)
	if err := reply.EncodeContent(&messaging.InputReplyContent{Value: value}); err != nil {
		t.log.Error(utils.RedStyle.Render("Failed to encode input_reply for request \"%s\": %v"), req.msgId, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), stdinReplyTimeout)
	defer cancel()

	if err := t.sendReply(ctx, reply); err != nil {
		t.log.Error(utils.RedStyle.Render("Failed to send input_reply for request \"%s\": %v"), req.msgId, err)
	}
}

// Cancel fails a single in-flight request with the given cause. Pending
// outputs are still delivered before the failure is observable. Returns
// false if the request is no longer in the table.
func (t *RequestTable) Cancel(msgId string, cause error) bool {
	req, ok := t.requests.Pop(msgId)
	if !ok {
		return false
	}

	t.log.Debug("Cancelling request \"%s\": %v", msgId, cause)
	req.enqueueTerminal(requestOutcome{err: cause})

	return true
}

// FailAll fails every in-flight request with the given cause. Each request is
// failed exactly once even if FailAll races with Dispatch or Cancel.
func (t *RequestTable) FailAll(cause error) {
	for _, msgId := range t.requests.Keys() {
		req, ok := t.requests.Pop(msgId)
		if !ok {
			continue
		}

		req.enqueueTerminal(requestOutcome{err: cause})
	}

	t.log.Debug("Failed all in-flight requests: %v", cause)
}

// Len returns the number of in-flight requests.
func (t *RequestTable) Len() int {
	return t.requests.Count()
}
