// Package fake provides an in-memory test-stub executor.Adapter: the only
// batch executor backend this module implements directly.
package fake

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/tracdap/orchestrator-core/internal/executor"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

// Outcome is the scripted result a fake batch returns once submitted. Tests
// configure it per batch key before (or after) CreateBatch so a scheduler
// tick observes whatever outcome the scenario calls for.
type Outcome struct {
	Status   executor.BatchStatusCode
	ExitCode *int
	Detail   string
	// OutputFiles maps a path (as passed to hasOutputFile/getOutputFile) to
	// its content, available once Status is BatchSucceeded.
	OutputFiles map[string][]byte
	// PollsBeforeSucceeded, if > 0, keeps GetBatchStatus reporting RUNNING
	// for that many calls before switching to Status. Lets tests exercise
	// the SUBMITTED/RUNNING polling loop instead of succeeding on the
	// first poll.
	PollsBeforeSucceeded int
}

type batchState struct {
	key       string
	deleted   bool
	cancelled bool
	polls     int
	outcome   Outcome
}

// Adapter is an in-memory executor.Adapter test stub. Safe for concurrent
// use. The zero value is not usable; construct with New.
type Adapter struct {
	mu      sync.Mutex
	batches map[string]*batchState
	// DefaultOutcome is used for any batch key with no outcome explicitly
	// configured via SetOutcome (defaults to an immediate SUCCEEDED with no
	// output files, which callers then override per test).
	DefaultOutcome Outcome
	features       map[executor.Feature]bool
}

func New() *Adapter {
	return &Adapter{
		batches: make(map[string]*batchState),
		DefaultOutcome: Outcome{
			Status:      executor.BatchSucceeded,
			OutputFiles: map[string][]byte{},
		},
		features: map[executor.Feature]bool{
			executor.FeatureCancellation: true,
		},
	}
}

// SetOutcome scripts the outcome a future or in-flight batch with the given
// key will report from GetBatchStatus onward.
func (a *Adapter) SetOutcome(batchKey string, outcome Outcome) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.batches[batchKey]
	if b == nil {
		b = &batchState{key: batchKey}
		a.batches[batchKey] = b
	}
	b.outcome = outcome
}

// state is the opaque blob this adapter round-trips through
// executor.State: just the batch key, since all real state lives in the
// Adapter's in-process map.
type state struct {
	Key string `json:"key"`
}

func decodeState(s executor.State) (string, error) {
	var st state
	if len(s) == 0 {
		return "", apierr.Internal("executor/fake.decodeState", errEmptyState{})
	}
	if err := json.Unmarshal(s, &st); err != nil {
		return "", apierr.CacheCorruption("executor/fake.decodeState", err.Error())
	}
	return st.Key, nil
}

type errEmptyState struct{}

func (errEmptyState) Error() string { return "empty executor state" }

func encodeState(key string) executor.State {
	b, _ := json.Marshal(state{Key: key})
	return b
}

func (a *Adapter) CreateBatch(_ context.Context, batchKey string) (executor.State, error) {
	if batchKey == "" {
		batchKey = uuid.NewString()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.batches[batchKey]; !exists {
		a.batches[batchKey] = &batchState{key: batchKey}
	}
	return encodeState(batchKey), nil
}

func (a *Adapter) AddVolume(_ context.Context, s executor.State, _ string) (executor.State, error) {
	return s, nil
}

func (a *Adapter) AddFile(_ context.Context, s executor.State, _ string, _ []byte) (executor.State, error) {
	return s, nil
}

func (a *Adapter) SubmitBatch(_ context.Context, s executor.State, _ []byte) (executor.State, error) {
	key, err := decodeState(s)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.batches[key]
	if b == nil {
		b = &batchState{key: key}
		a.batches[key] = b
	}
	if b.outcome.Status == "" {
		b.outcome = a.DefaultOutcome
	}
	return s, nil
}

func (a *Adapter) CancelBatch(_ context.Context, s executor.State) (executor.State, error) {
	key, err := decodeState(s)
	if err != nil {
		return s, nil // tolerate calls on a deleted/unknown batch
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.batches[key]; b != nil && !b.deleted {
		b.cancelled = true
		b.outcome.Status = executor.BatchCancelled
	}
	return s, nil
}

func (a *Adapter) DeleteBatch(_ context.Context, s executor.State) error {
	key, err := decodeState(s)
	if err != nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b := a.batches[key]; b != nil {
		b.deleted = true
	}
	return nil
}

func (a *Adapter) GetBatchStatus(_ context.Context, s executor.State) (executor.BatchStatus, error) {
	key, err := decodeState(s)
	if err != nil {
		return executor.BatchStatus{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.batches[key]
	if b == nil {
		return executor.BatchStatus{}, apierr.NotFound("executor/fake.GetBatchStatus", "unknown batch "+key)
	}
	if b.deleted {
		// Deleted batches report a terminal status with a synthetic error
		// rather than NOT_FOUND.
		return executor.BatchStatus{Status: executor.BatchFailed, Detail: "batch deleted"}, nil
	}
	if b.cancelled {
		return executor.BatchStatus{Status: executor.BatchCancelled}, nil
	}
	if b.outcome.Status == "" {
		b.outcome = a.DefaultOutcome
	}
	if b.outcome.PollsBeforeSucceeded > b.polls {
		b.polls++
		return executor.BatchStatus{Status: executor.BatchRunning}, nil
	}
	return executor.BatchStatus{Status: b.outcome.Status, ExitCode: b.outcome.ExitCode, Detail: b.outcome.Detail}, nil
}

func (a *Adapter) HasOutputFile(_ context.Context, s executor.State, path string) (bool, error) {
	key, err := decodeState(s)
	if err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.batches[key]
	if b == nil {
		return false, apierr.NotFound("executor/fake.HasOutputFile", "unknown batch "+key)
	}
	_, ok := b.outcome.OutputFiles[path]
	return ok, nil
}

func (a *Adapter) GetOutputFile(_ context.Context, s executor.State, path string) ([]byte, error) {
	key, err := decodeState(s)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	b := a.batches[key]
	if b == nil {
		return nil, apierr.NotFound("executor/fake.GetOutputFile", "unknown batch "+key)
	}
	content, ok := b.outcome.OutputFiles[path]
	if !ok {
		return nil, apierr.NotFound("executor/fake.GetOutputFile", "no output file "+path)
	}
	return content, nil
}

func (a *Adapter) ConfigureBatchStorage(_ context.Context, s executor.State, _ executor.StorageConfig, callback func(mountPath string) error) (executor.State, error) {
	if callback != nil {
		if err := callback("/tmp/fake-batch-storage"); err != nil {
			return s, err
		}
	}
	return s, nil
}

func (a *Adapter) HasFeature(feature executor.Feature) bool {
	return a.features[feature]
}

var _ executor.Adapter = (*Adapter)(nil)
