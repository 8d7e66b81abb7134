// Package executor defines the Executor Adapter capability set:
// an opaque-state wrapper over pluggable batch executors (local process,
// SSH, Kubernetes). Adapters are discovered by protocol name through a
// registry backed by managers.ItemManager, one implementation per name,
// looked up concurrently.
package executor

import (
	"context"
	"time"

	"oss.nandlabs.io/golly/managers"

	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

// BatchStatusCode mirrors the subset of domain.StatusCode an executor can
// report about a batch it owns.
type BatchStatusCode string

const (
	BatchQueued    BatchStatusCode = "QUEUED"
	BatchRunning   BatchStatusCode = "RUNNING"
	BatchSucceeded BatchStatusCode = "SUCCEEDED"
	BatchFailed    BatchStatusCode = "FAILED"
	BatchCancelled BatchStatusCode = "CANCELLED"
)

// BatchStatus is the result of getBatchStatus.
type BatchStatus struct {
	Status   BatchStatusCode
	ExitCode *int
	Detail   string
}

// Feature names an optional capability probed with hasFeature.
type Feature string

const (
	FeatureCancellation Feature = "cancellation"
	FeatureStreaming    Feature = "streaming"
	FeatureRemoteExec   Feature = "remote_exec"
)

// StorageConfig is an opaque payload passed to configureBatchStorage; its
// shape is owned by the batch executor backend, not the orchestrator.
type StorageConfig map[string]any

// State is the opaque per-batch state an adapter owns. The orchestrator
// persists it as a byte blob on domain.Job.ExecutorState and never inspects
// its contents.
type State []byte

// Adapter is the capability set any batch executor backend must provide
//. Every method must tolerate repeated calls on an
// already-terminal or already-deleted batch.
type Adapter interface {
	CreateBatch(ctx context.Context, batchKey string) (State, error)
	AddVolume(ctx context.Context, state State, volumeName string) (State, error)
	AddFile(ctx context.Context, state State, path string, content []byte) (State, error)
	SubmitBatch(ctx context.Context, state State, jobConfig []byte) (State, error)
	CancelBatch(ctx context.Context, state State) (State, error)
	DeleteBatch(ctx context.Context, state State) error
	GetBatchStatus(ctx context.Context, state State) (BatchStatus, error)
	HasOutputFile(ctx context.Context, state State, path string) (bool, error)
	GetOutputFile(ctx context.Context, state State, path string) ([]byte, error)
	ConfigureBatchStorage(ctx context.Context, state State, cfg StorageConfig, callback func(mountPath string) error) (State, error)
	HasFeature(feature Feature) bool
}

// Factory builds an Adapter for a named protocol (e.g. "local", "ssh", "k8s").
type Factory func() Adapter

// Registry maps a protocol name to an Adapter factory.
type Registry struct {
	items managers.ItemManager[Factory]
}

func NewRegistry() *Registry {
	return &Registry{items: managers.NewItemManager[Factory]()}
}

func (r *Registry) Register(protocol string, factory Factory) {
	r.items.Register(protocol, factory)
}

// Get returns an Adapter instance for protocol, or apierr.KindInternal if no
// factory is registered under that name (a wiring error, not a retryable
// condition).
func (r *Registry) Get(protocol string) (Adapter, error) {
	factory := r.items.Get(protocol)
	if factory == nil {
		return nil, apierr.Internal("executor.Registry.Get", errUnknownProtocol(protocol))
	}
	return factory(), nil
}

type errUnknownProtocol string

func (e errUnknownProtocol) Error() string { return "no executor adapter registered for protocol: " + string(e) }

// DefaultOperationTimeout is the per-operation deadline every scheduler call
// into an Adapter must respect.
const DefaultOperationTimeout = 30 * time.Second
