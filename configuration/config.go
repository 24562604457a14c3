package configuration

import (
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	// DefaultUsername is placed into message headers when the caller does not
	// configure a username.
	DefaultUsername = "username"

	// DefaultProtocolVersion is the Jupyter messaging protocol version that
	// the client advertises.
	DefaultProtocolVersion = "5.3"

	// DefaultInboundQueueCapacity bounds the queue between the websocket
	// reader and the message router.
	DefaultInboundQueueCapacity = 256

	// DefaultHeartbeatInterval is how often the connection pings the server.
	DefaultHeartbeatInterval = time.Second * 30

	// DefaultRequestTimeout is the default time limit for code executions and
	// control-plane HTTP requests.
	DefaultRequestTimeout = time.Second * 120
)

// ConnectionOptions configures a single kernel connection. There are no
// environment-derived defaults; everything the connection needs is either set
// here explicitly or falls back to the documented default.
type ConnectionOptions struct {
	// Endpoint is the WebSocket URL of the kernel's channels endpoint,
	// e.g. ws://localhost:8888/api/kernels/<id>/channels.
	Endpoint string `name:"endpoint" json:"endpoint" yaml:"endpoint" description:"WebSocket URL of the kernel's channels endpoint."`

	Token string `name:"token" json:"-" yaml:"token" description:"Bearer token presented to the Jupyter Server. Never serialized to JSON."`

	Username string `name:"username" json:"username" yaml:"username" description:"Username placed into message headers. Defaults to 'username'."`

	Session string `name:"session" json:"session" yaml:"session" description:"Session ID placed into message headers. A fresh UUID is generated when empty."`

	// RequireStatusBeforeReady delays the Ready state until the kernel has
	// published at least one iopub status broadcast.
	RequireStatusBeforeReady bool `name:"require_status_before_ready" json:"require_status_before_ready" yaml:"require_status_before_ready" description:"If true, the connection is not considered ready until a kernel status broadcast has been observed."`

	InboundQueueCapacity int `name:"inbound_queue_capacity" json:"inbound_queue_capacity" yaml:"inbound_queue_capacity" description:"Capacity of the queue between the websocket reader and the message router. Defaults to 256."`

	HeartbeatInterval time.Duration `name:"heartbeat_interval" json:"heartbeat_interval" yaml:"heartbeat_interval" description:"How often to ping the server to detect a dead connection. Defaults to 30s."`

	RequestTimeout time.Duration `name:"request_timeout" json:"request_timeout" yaml:"request_timeout" description:"Default time limit for code executions. Defaults to 120s."`
}

// ClientOptions configures the HTTP control-plane client that manages kernel
// lifecycles through the Jupyter Server REST API.
type ClientOptions struct {
	// ServerURL is the base HTTP URL of the Jupyter Server,
	// e.g. http://localhost:8888.
	ServerURL string `name:"server_url" json:"server_url" yaml:"server_url" description:"Base HTTP URL of the Jupyter Server."`

	Token string `name:"token" json:"-" yaml:"token" description:"Bearer token presented to the Jupyter Server. Never serialized to JSON."`

	Username string `name:"username" json:"username" yaml:"username" description:"Username placed into message headers of connections created by the manager."`

	// KernelSpecName selects the kernel spec when starting kernels, e.g.
	// "python3". The server's default spec is used when empty.
	KernelSpecName string `name:"kernel_spec_name" json:"kernel_spec_name" yaml:"kernel_spec_name" description:"Name of the kernel spec used when starting kernels."`

	// KernelPath is the API path the kernel is started under, which the
	// server maps to the kernel's working directory. The server root is used
	// when empty.
	KernelPath string `name:"kernel_path" json:"kernel_path" yaml:"kernel_path" description:"API path the kernel is started under, e.g. 'notebooks/project'. Determines the kernel's working directory."`

	RequestTimeout time.Duration `name:"request_timeout" json:"request_timeout" yaml:"request_timeout" description:"Time limit for each REST call. Defaults to 120s."`

	Connection ConnectionOptions `name:"connection" json:"connection" yaml:"connection" description:"Options applied to kernel connections created by the manager."`
}

// WithDefaults returns a copy of the options with every unset field replaced
// by its documented default.
func (opts *ConnectionOptions) WithDefaults() ConnectionOptions {
	out := *opts

	if out.Username == "" {
		out.Username = DefaultUsername
	}
	if out.InboundQueueCapacity <= 0 {
		out.InboundQueueCapacity = DefaultInboundQueueCapacity
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}

	return out
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *ConnectionOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *ConnectionOptions) Clone() *ConnectionOptions {
	clone := *opts
	return &clone
}

func (opts *ConnectionOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}

// WithDefaults returns a copy of the options with every unset field replaced
// by its documented default.
func (opts *ClientOptions) WithDefaults() ClientOptions {
	out := *opts

	if out.Username == "" {
		out.Username = DefaultUsername
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = DefaultRequestTimeout
	}

	out.Connection = *(&out.Connection).WithDefaultsFrom(out)

	return out
}

// WithDefaultsFrom fills connection defaults, inheriting the token and
// username of the owning client options when the connection does not set its
// own.
func (opts *ConnectionOptions) WithDefaultsFrom(client ClientOptions) *ConnectionOptions {
	out := opts.WithDefaults()

	if opts.Token == "" {
		out.Token = client.Token
	}
	if opts.Username == "" && client.Username != "" {
		out.Username = client.Username
	}

	return &out
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (opts *ClientOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(opts, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (opts *ClientOptions) Clone() *ClientOptions {
	clone := *opts
	return &clone
}

func (opts *ClientOptions) String() string {
	m, err := json.Marshal(opts)
	if err != nil {
		panic(err)
	}

	return string(m)
}
