package manager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/scusemua/jupyter-kernel-client/client"
	"github.com/scusemua/jupyter-kernel-client/configuration"
	"github.com/scusemua/jupyter-kernel-client/utils"
)

const userAgent = "jupyter-kernel-client"

var (
	// ErrKernelAlreadyStarted is returned by StartKernel while the manager
	// already owns a live kernel. Shut it down first.
	ErrKernelAlreadyStarted = errors.New("a kernel has already been started")

	// ErrNoKernel is returned by operations that need a live kernel when the
	// manager has none.
	ErrNoKernel = errors.New("no kernel has been started")
)

// KernelModel mirrors the kernel resource served by the Jupyter Server REST
// API at /api/kernels/<id>.
type KernelModel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastActivity   string `json:"last_activity"`
	ExecutionState string `json:"execution_state"`
	Connections    int    `json:"connections"`
}

func (m *KernelModel) String() string {
	encoded, err := json.Marshal(m)
	if err != nil {
		panic(err)
	}

	return string(encoded)
}

// KernelManager drives the lifecycle of one kernel through the Jupyter Server
// REST API: start, refresh, interrupt, restart, shut down. It also hands out
// websocket connections to the kernel's channels endpoint.
//
// The manager holds at most one kernel. Nothing here is ambient or global; a
// second kernel needs a second manager.
type KernelManager struct {
	opts       configuration.ClientOptions
	httpClient *http.Client

	mu     sync.Mutex
	kernel *KernelModel
	conn   *client.KernelWebsocketConnection

	log logger.Logger
}

// NewKernelManager creates a manager for the Jupyter Server named in the
// options. No network traffic happens until StartKernel.
func NewKernelManager(opts configuration.ClientOptions) *KernelManager {
	opts = opts.WithDefaults()

	mgr := &KernelManager{
		opts:       opts,
		httpClient: &http.Client{},
	}
	config.InitLogger(&mgr.log, "KernelManager ")

	return mgr
}

// KernelModel returns a snapshot of the most recently observed kernel model,
// or nil if no kernel is live.
func (m *KernelManager) KernelModel() *KernelModel {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel == nil {
		return nil
	}

	snapshot := *m.kernel
	return &snapshot
}

// HasKernel reports whether the manager currently owns a kernel.
func (m *KernelManager) HasKernel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.kernel != nil
}

// StartKernel asks the server to launch a kernel and records its model.
// Refuses to start a second kernel over a live one.
func (m *KernelManager) StartKernel(ctx context.Context) (*KernelModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel != nil {
		return nil, errors.Wrapf(ErrKernelAlreadyStarted, "kernel \"%s\" is live", m.kernel.ID)
	}

	body := make(map[string]interface{})
	if m.opts.KernelSpecName != "" {
		body["name"] = m.opts.KernelSpecName
	}
	if m.opts.KernelPath != "" {
		body["path"] = m.opts.KernelPath
	}

	var model KernelModel
	err := m.doJSON(ctx, http.MethodPost, m.opts.ServerURL+"/api/kernels", body, &model)
	if err != nil {
		return nil, errors.Wrap(err, "failed to start kernel")
	}

	m.log.Info(utils.GreenStyle.Render("Started kernel \"%s\" (\"%s\")."), model.ID, model.Name)

	m.kernel = &model
	snapshot := model
	return &snapshot, nil
}

// AttachKernel adopts an already-running kernel by ID, fetching its model
// from the server. The manager drives the adopted kernel exactly as if it had
// started it, shutdown included. Refuses to adopt over a live kernel.
func (m *KernelManager) AttachKernel(ctx context.Context, kernelId string) (*KernelModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel != nil {
		return nil, errors.Wrapf(ErrKernelAlreadyStarted, "kernel \"%s\" is live", m.kernel.ID)
	}

	var model KernelModel
	err := m.doJSON(ctx, http.MethodGet, m.opts.ServerURL+"/api/kernels/"+kernelId, nil, &model)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to attach to kernel \"%s\"", kernelId)
	}

	m.log.Info("Attached to kernel \"%s\" (\"%s\").", model.ID, model.Name)

	m.kernel = &model
	snapshot := model
	return &snapshot, nil
}

// RefreshModel re-fetches the kernel's model from the server. A 404 means
// the kernel disappeared out from under us (culled, crashed, deleted by
// someone else); that clears the local model and returns nil, nil rather
// than an error.
func (m *KernelManager) RefreshModel(ctx context.Context) (*KernelModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel == nil {
		return nil, ErrNoKernel
	}

	var model KernelModel
	err := m.doJSON(ctx, http.MethodGet, m.kernelURL(), nil, &model)
	if isNotFound(err) {
		m.log.Warn(utils.OrangeStyle.Render("Kernel \"%s\" no longer exists on the server."), m.kernel.ID)
		m.kernel = nil
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to refresh model of kernel \"%s\"", m.kernel.ID)
	}

	m.kernel = &model
	snapshot := model
	return &snapshot, nil
}

// InterruptKernel asks the server to interrupt whatever the kernel is
// executing. This is the one sanctioned way to stop runaway code; timing out
// an execution on the client side does not do this for you.
func (m *KernelManager) InterruptKernel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel == nil {
		return ErrNoKernel
	}

	err := m.doJSON(ctx, http.MethodPost, m.kernelURL()+"/interrupt", nil, nil)
	if err != nil {
		return errors.Wrapf(err, "failed to interrupt kernel \"%s\"", m.kernel.ID)
	}

	m.log.Info("Interrupted kernel \"%s\".", m.kernel.ID)
	return nil
}

// RestartKernel asks the server to restart the kernel process. The kernel
// keeps its ID, but every connection to it is severed; reconnect afterwards.
func (m *KernelManager) RestartKernel(ctx context.Context) (*KernelModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel == nil {
		return nil, ErrNoKernel
	}

	var model KernelModel
	err := m.doJSON(ctx, http.MethodPost, m.kernelURL()+"/restart", nil, &model)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to restart kernel \"%s\"", m.kernel.ID)
	}

	m.log.Info("Restarted kernel \"%s\".", model.ID)

	m.kernel = &model
	snapshot := model
	return &snapshot, nil
}

// ShutdownKernel deletes the kernel on the server and closes any connection
// to it. A 404 is tolerated: the goal state is "no kernel", and that is what
// we have.
func (m *KernelManager) ShutdownKernel(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel == nil {
		return ErrNoKernel
	}

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	err := m.doJSON(ctx, http.MethodDelete, m.kernelURL(), nil, nil)
	if err != nil && !isNotFound(err) {
		return errors.Wrapf(err, "failed to shut down kernel \"%s\"", m.kernel.ID)
	}

	if isNotFound(err) {
		m.log.Warn(utils.OrangeStyle.Render("Kernel \"%s\" was already gone when we shut it down."), m.kernel.ID)
	} else {
		m.log.Info("Shut down kernel \"%s\".", m.kernel.ID)
	}

	m.kernel = nil
	return nil
}

// ChannelsURL derives the websocket channels endpoint from the kernel's REST
// URL: the scheme flips from http(s) to ws(s) and "/channels" is appended.
func (m *KernelManager) ChannelsURL() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel == nil {
		return "", ErrNoKernel
	}

	return m.channelsURLLocked(), nil
}

func (m *KernelManager) channelsURLLocked() string {
	url := m.kernelURL() + "/channels"

	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}

	return "ws://" + strings.TrimPrefix(url, "http://")
}

// Connect returns a ready websocket connection to the kernel's channels,
// creating and dialing one if the manager does not already hold one.
func (m *KernelManager) Connect(ctx context.Context) (*client.KernelWebsocketConnection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.kernel == nil {
		return nil, ErrNoKernel
	}

	if m.conn != nil && m.conn.State() == client.ConnectionStateReady {
		return m.conn, nil
	}

	connOpts := *(&m.opts.Connection).Clone()
	connOpts.Endpoint = m.channelsURLLocked()

	conn := client.NewKernelWebsocketConnection(connOpts)
	if err := conn.Connect(ctx); err != nil {
		return nil, errors.Wrapf(err, "failed to connect to kernel \"%s\"", m.kernel.ID)
	}

	m.conn = conn
	return conn, nil
}

// ExecuteInteractive runs code on the managed kernel, connecting first if
// needed. It is a convenience facade over Connect and Execute.
func (m *KernelManager) ExecuteInteractive(ctx context.Context, code string, opts *client.ExecuteOptions) (*client.ExecutionResult, error) {
	conn, err := m.Connect(ctx)
	if err != nil {
		return nil, err
	}

	return conn.Execute(ctx, code, opts)
}

// Close closes the manager's connection, if any. The kernel itself keeps
// running; use ShutdownKernel to stop it.
func (m *KernelManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}

	return nil
}

func (m *KernelManager) kernelURL() string {
	return m.opts.ServerURL + "/api/kernels/" + m.kernel.ID
}

// statusError carries a non-2xx response so callers can special-case 404.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("server returned HTTP %d: %s", e.code, e.body)
}

func isNotFound(err error) bool {
	var se *statusError
	return errors.As(err, &se) && se.code == http.StatusNotFound
}

// doJSON performs one REST call: JSON in, JSON out, bearer auth, bounded by
// the configured request timeout.
func (m *KernelManager) doJSON(ctx context.Context, method string, url string, body interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to encode request body")
		}
		reader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}

	request.Header.Set("Accept", "application/json")
	request.Header.Set("User-Agent", userAgent)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if m.opts.Token != "" {
		request.Header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	m.log.Debug("%s %s", method, url)

	response, err := m.httpClient.Do(request)
	if err != nil {
		return errors.Wrapf(err, "%s %s failed", method, url)
	}
	defer func() {
		_ = response.Body.Close()
	}()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return errors.Wrapf(err, "failed to read response of %s %s", method, url)
	}

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return &statusError{code: response.StatusCode, body: strings.TrimSpace(string(payload))}
	}

	if out != nil && len(payload) > 0 {
		if err = json.Unmarshal(payload, out); err != nil {
			return errors.Wrapf(err, "failed to decode response of %s %s", method, url)
		}
	}

	return nil
}
