package manager_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/jupyter-kernel-client/configuration"
	"github.com/scusemua/jupyter-kernel-client/manager"
)

const kernelId = "b43c7a9e-2f1d-4c6a-8d4e-55f01f3a6a11"

// recordedRequest captures what the manager actually sent.
type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Body   map[string]interface{}
}

// fakeServer plays the part of the Jupyter Server REST API.
type fakeServer struct {
	server *httptest.Server

	mu       sync.Mutex
	requests []recordedRequest

	kernelExists bool
	executionSt  string
}

func newFakeServer() *fakeServer {
	fs := &fakeServer{executionSt: "starting"}
	fs.server = httptest.NewServer(http.HandlerFunc(fs.handle))
	return fs
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	record := recordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Header: r.Header.Clone(),
	}
	_ = json.NewDecoder(r.Body).Decode(&record.Body)

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.requests = append(fs.requests, record)

	model := map[string]interface{}{
		"id":              kernelId,
		"name":            "python3",
		"last_activity":   "2026-08-31T12:00:00.000000Z",
		"execution_state": fs.executionSt,
		"connections":     0,
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/kernels":
		fs.kernelExists = true
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(model)

	case r.Method == http.MethodGet && r.URL.Path == "/api/kernels/"+kernelId:
		if !fs.kernelExists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model)

	case r.Method == http.MethodDelete && r.URL.Path == "/api/kernels/"+kernelId:
		if !fs.kernelExists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		fs.kernelExists = false
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && r.URL.Path == "/api/kernels/"+kernelId+"/restart":
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(model)

	case r.Method == http.MethodPost && r.URL.Path == "/api/kernels/"+kernelId+"/interrupt":
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (fs *fakeServer) setKernelExists(exists bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.kernelExists = exists
}

func (fs *fakeServer) setExecutionState(state string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.executionSt = state
}

func (fs *fakeServer) lastRequest() recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.requests[len(fs.requests)-1]
}

var _ = Describe("Kernel Manager", func() {
	var (
		fs  *fakeServer
		mgr *manager.KernelManager
		ctx = context.Background()
	)

	BeforeEach(func() {
		fs = newFakeServer()
		mgr = manager.NewKernelManager(configuration.ClientOptions{
			ServerURL:      fs.server.URL,
			Token:          "sekrit-token",
			KernelSpecName: "python3",
		})
	})

	AfterEach(func() {
		fs.server.Close()
	})

	It("Will start a kernel with the configured spec and auth token", func() {
		model, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())
		Expect(model.ID).To(Equal(kernelId))
		Expect(model.Name).To(Equal("python3"))
		Expect(mgr.HasKernel()).To(BeTrue())

		request := fs.lastRequest()
		Expect(request.Method).To(Equal(http.MethodPost))
		Expect(request.Path).To(Equal("/api/kernels"))
		Expect(request.Header.Get("Authorization")).To(Equal("Bearer sekrit-token"))
		Expect(request.Header.Get("Content-Type")).To(Equal("application/json"))
		Expect(request.Header.Get("Accept")).To(Equal("application/json"))
		Expect(request.Body["name"]).To(Equal("python3"))
	})

	It("Will start the kernel under the configured path", func() {
		mgr = manager.NewKernelManager(configuration.ClientOptions{
			ServerURL:      fs.server.URL,
			Token:          "sekrit-token",
			KernelSpecName: "python3",
			KernelPath:     "notebooks/project",
		})

		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		request := fs.lastRequest()
		Expect(request.Body["name"]).To(Equal("python3"))
		Expect(request.Body["path"]).To(Equal("notebooks/project"))
	})

	It("Will attach to an already-running kernel by ID", func() {
		fs.setKernelExists(true)

		model, err := mgr.AttachKernel(ctx, kernelId)
		Expect(err).To(BeNil())
		Expect(model.ID).To(Equal(kernelId))
		Expect(mgr.HasKernel()).To(BeTrue())

		request := fs.lastRequest()
		Expect(request.Method).To(Equal(http.MethodGet))
		Expect(request.Path).To(Equal("/api/kernels/" + kernelId))

		_, err = mgr.StartKernel(ctx)
		Expect(err).To(MatchError(manager.ErrKernelAlreadyStarted))
	})

	It("Will refuse to attach to a kernel the server does not know", func() {
		_, err := mgr.AttachKernel(ctx, kernelId)
		Expect(err).To(HaveOccurred())
		Expect(mgr.HasKernel()).To(BeFalse())
	})

	It("Will refuse to start a second kernel over a live one", func() {
		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		_, err = mgr.StartKernel(ctx)
		Expect(err).To(MatchError(manager.ErrKernelAlreadyStarted))
	})

	It("Will refresh the kernel model", func() {
		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		fs.setExecutionState("idle")

		model, err := mgr.RefreshModel(ctx)
		Expect(err).To(BeNil())
		Expect(model.ExecutionState).To(Equal("idle"))

		request := fs.lastRequest()
		Expect(request.Method).To(Equal(http.MethodGet))
		Expect(request.Path).To(Equal("/api/kernels/" + kernelId))
	})

	It("Will treat a vanished kernel as gone rather than failing the refresh", func() {
		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		fs.setKernelExists(false)

		model, err := mgr.RefreshModel(ctx)
		Expect(err).To(BeNil())
		Expect(model).To(BeNil())
		Expect(mgr.HasKernel()).To(BeFalse())
	})

	It("Will shut the kernel down", func() {
		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		Expect(mgr.ShutdownKernel(ctx)).To(BeNil())
		Expect(mgr.HasKernel()).To(BeFalse())

		request := fs.lastRequest()
		Expect(request.Method).To(Equal(http.MethodDelete))
		Expect(request.Path).To(Equal("/api/kernels/" + kernelId))
	})

	It("Will tolerate shutting down a kernel that is already gone", func() {
		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		fs.setKernelExists(false)

		Expect(mgr.ShutdownKernel(ctx)).To(BeNil())
		Expect(mgr.HasKernel()).To(BeFalse())
	})

	It("Will restart the kernel", func() {
		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		model, err := mgr.RestartKernel(ctx)
		Expect(err).To(BeNil())
		Expect(model.ID).To(Equal(kernelId))

		request := fs.lastRequest()
		Expect(request.Method).To(Equal(http.MethodPost))
		Expect(request.Path).To(Equal("/api/kernels/" + kernelId + "/restart"))
	})

	It("Will interrupt the kernel", func() {
		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		Expect(mgr.InterruptKernel(ctx)).To(BeNil())

		request := fs.lastRequest()
		Expect(request.Method).To(Equal(http.MethodPost))
		Expect(request.Path).To(Equal("/api/kernels/" + kernelId + "/interrupt"))
	})

	It("Will derive the channels endpoint from the kernel URL", func() {
		_, err := mgr.StartKernel(ctx)
		Expect(err).To(BeNil())

		url, err := mgr.ChannelsURL()
		Expect(err).To(BeNil())
		Expect(url).To(HavePrefix("ws://"))
		Expect(url).To(HaveSuffix("/api/kernels/" + kernelId + "/channels"))
	})

	It("Will require a live kernel for lifecycle operations", func() {
		_, err := mgr.RefreshModel(ctx)
		Expect(err).To(MatchError(manager.ErrNoKernel))

		Expect(mgr.InterruptKernel(ctx)).To(MatchError(manager.ErrNoKernel))

		_, err = mgr.RestartKernel(ctx)
		Expect(err).To(MatchError(manager.ErrNoKernel))

		Expect(mgr.ShutdownKernel(ctx)).To(MatchError(manager.ErrNoKernel))

		_, err = mgr.ChannelsURL()
		Expect(err).To(MatchError(manager.ErrNoKernel))

		_, err = mgr.Connect(ctx)
		Expect(err).To(MatchError(manager.ErrNoKernel))
	})
})
