package messaging

const (
	// Reply statuses carried by shell replies.
	MessageStatusOK    = "ok"
	MessageStatusError = "error"
	MessageStatusAbort = "abort"

	// Kernel execution states carried by iopub status messages.
	KernelStatusIdle     = "idle"
	KernelStatusBusy     = "busy"
	KernelStatusStarting = "starting"

	// Stream names carried by iopub stream messages.
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// ExecuteRequestContent is the content of an execute_request message.
// https://jupyter-client.readthedocs.io/en/latest/messaging.html#execute
type ExecuteRequestContent struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

// ExecuteReplyContent is the content of an execute_reply message.
// The error fields are only populated when Status is "error".
type ExecuteReplyContent struct {
	Status          string                 `json:"status"`
	ExecutionCount  int                    `json:"execution_count"`
	ErrName         string                 `json:"ename,omitempty"`
	ErrValue        string                 `json:"evalue,omitempty"`
	Traceback       []string               `json:"traceback,omitempty"`
	UserExpressions map[string]interface{} `json:"user_expressions,omitempty"`
}

// StreamContent is the content of an iopub stream message. Name is either
// "stdout" or "stderr".
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// ErrorContent is the content of an iopub error message.
type ErrorContent struct {
	ErrName   string   `json:"ename"`
	ErrValue  string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ExecuteInputContent is the content of an iopub execute_input message,
// broadcast by the kernel as it begins executing a request.
type ExecuteInputContent struct {
	Code           string `json:"code"`
	ExecutionCount int    `json:"execution_count"`
}

// DisplayDataContent is the content of iopub display_data and execute_result
// messages. Data maps MIME types to renderable representations.
type DisplayDataContent struct {
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata"`
	ExecutionCount int                    `json:"execution_count,omitempty"`
}

// InputRequestContent is the content of a stdin input_request message.
type InputRequestContent struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// InputReplyContent is the content of a stdin input_reply message.
type InputReplyContent struct {
	Value string `json:"value"`
}

// KernelStatusContent is the content of an iopub status message.
type KernelStatusContent struct {
	Status string `json:"execution_state"`
}

// ShutdownRequestContent is the content of a shutdown_request message.
// Restart distinguishes a restart-in-place from a final shutdown.
type ShutdownRequestContent struct {
	Restart bool `json:"restart"`
}

// InterruptReplyContent is the content of an interrupt_reply message.
type InterruptReplyContent struct {
	Status string `json:"status"`
}
