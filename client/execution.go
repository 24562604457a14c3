package client

import (
	"context"
	"time"

	"github.com/scusemua/jupyter-kernel-client/messaging"
)

// ExecuteOptions configures one code execution. The zero value is not
// meaningful; start from DefaultExecuteOptions.
type ExecuteOptions struct {
	// Silent asks the kernel to execute without broadcasting execute_input
	// or bumping the execution counter. Silent forces StoreHistory off.
	Silent bool

	// StoreHistory asks the kernel to record the code in its input history.
	StoreHistory bool

	// UserExpressions are evaluated by the kernel after the code runs; their
	// results come back on the execute_reply.
	UserExpressions map[string]interface{}

	// AllowStdin advertises that this request can answer input_request
	// messages. Requires a StdinResponder to be of any use.
	AllowStdin bool

	// StopOnError asks the kernel to abort queued requests if this one fails.
	StopOnError bool

	// Timeout bounds the wait for the execute_reply. Zero means the
	// connection's configured request timeout; negative means no limit.
	Timeout time.Duration

	// OutputSink receives the request's iopub messages in arrival order. May
	// be nil, in which case outputs are only accumulated on the result.
	OutputSink OutputSink

	// StdinResponder answers input_request messages for this request.
	StdinResponder StdinResponder
}

// DefaultExecuteOptions returns the options used when Execute is called with
// nil options: history on, stdin off, the connection's request timeout.
func DefaultExecuteOptions() *ExecuteOptions {
	return &ExecuteOptions{
		StoreHistory: true,
	}
}

// ExecutionResult is the outcome of one code execution.
type ExecutionResult struct {
	// Status is the reply status reported by the kernel: "ok", "error", or
	// "abort".
	Status string

	// ExecutionCount is the kernel's input counter for this execution.
	ExecutionCount int

	// Outputs holds every iopub message published beneath the request, in
	// arrival order.
	Outputs []*messaging.Message

	// ErrName, ErrValue, and Traceback describe the exception when Status is
	// "error".
	ErrName   string
	ErrValue  string
	Traceback []string

	// UserExpressions holds the evaluated user expressions from the reply.
	UserExpressions map[string]interface{}

	// Reply is the raw execute_reply message.
	Reply *messaging.Message
}

// Execute sends an execute_request to the kernel and blocks until the
// terminal execute_reply arrives, the timeout elapses, or ctx is cancelled.
//
// Every iopub output routed to the request before the terminal reply is
// delivered to the sink, and recorded on the result, before Execute returns.
// A timeout or cancellation abandons only the local bookkeeping; the kernel
// may still be running the code. Use the control-plane interrupt to actually
// stop it.
func (c *KernelWebsocketConnection) Execute(ctx context.Context, code string, opts *ExecuteOptions) (*ExecutionResult, error) {
	if opts == nil {
		opts = DefaultExecuteOptions()
	}

	storeHistory := opts.StoreHistory
	if opts.Silent {
		storeHistory = false
	}

	userExpressions := opts.UserExpressions
	if userExpressions == nil {
		userExpressions = make(map[string]interface{})
	}

	request := messaging.NewMessage(messaging.ShellExecuteRequest, messaging.ShellChannel,
		c.session, c.opts.Username)
	err := request.EncodeContent(&messaging.ExecuteRequestContent{
		Code:            code,
		Silent:          opts.Silent,
		StoreHistory:    storeHistory,
		UserExpressions: userExpressions,
		AllowStdin:      opts.AllowStdin && opts.StdinResponder != nil,
		StopOnError:     opts.StopOnError,
	})
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = c.opts.RequestTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	result := &ExecutionResult{}

	// The sink wrapper runs on the request's delivery worker, so appending
	// here is ordered and race-free with respect to the final read below:
	// the terminal outcome flows through the same FIFO as the outputs.
	sink := func(msg *messaging.Message) {
		result.Outputs = append(result.Outputs, msg)

		if opts.OutputSink != nil {
			opts.OutputSink(msg)
		}
	}

	reply, err := c.sendAndWait(ctx, request, messaging.ShellExecuteReply,
		sink, opts.StdinResponder, opts.AllowStdin)
	if err != nil {
		return nil, err
	}

	var content messaging.ExecuteReplyContent
	if err = reply.DecodeContent(&content); err != nil {
		return nil, err
	}

	result.Status = content.Status
	result.ExecutionCount = content.ExecutionCount
	result.ErrName = content.ErrName
	result.ErrValue = content.ErrValue
	result.Traceback = content.Traceback
	result.UserExpressions = content.UserExpressions
	result.Reply = reply

	if content.Status == messaging.MessageStatusAbort {
		return result, ErrRequestAborted
	}

	return result, nil
}
