// Package domain holds the data model shared by every orchestrator
// component: the Job a caller submits and the Cache Entry that wraps it with
// coordination metadata.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// JobType is one of the six job types the orchestrator understands.
type JobType string

const (
	JobTypeImportModel JobType = "IMPORT_MODEL"
	JobTypeRunModel    JobType = "RUN_MODEL"
	JobTypeRunFlow     JobType = "RUN_FLOW"
	JobTypeImportData  JobType = "IMPORT_DATA"
	JobTypeExportData  JobType = "EXPORT_DATA"
	JobTypeJobGroup    JobType = "JOB_GROUP"
)

// Valid reports whether t is one of the six recognized job types.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeImportModel, JobTypeRunModel, JobTypeRunFlow, JobTypeImportData, JobTypeExportData, JobTypeJobGroup:
		return true
	default:
		return false
	}
}

// StatusCode is the finite job state.
type StatusCode string

const (
	StatusPending   StatusCode = "PENDING"
	StatusQueued    StatusCode = "QUEUED"
	StatusSubmitted StatusCode = "SUBMITTED"
	StatusRunning   StatusCode = "RUNNING"
	StatusFinishing StatusCode = "FINISHING"
	StatusSucceeded StatusCode = "SUCCEEDED"
	StatusFailed    StatusCode = "FAILED"
	StatusCancelled StatusCode = "CANCELLED"

	// StatusValidated is returned synchronously by the Job API's validateJob
	// operation. It is never written to the cache or the
	// metadata store and plays no part in Terminal/WorkPending.
	StatusValidated StatusCode = "VALIDATED"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s StatusCode) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// WorkPending is the status set the scheduler scans each tick: every status from QUEUED through the three terminal states.
var WorkPending = []StatusCode{
	StatusQueued, StatusSubmitted, StatusRunning, StatusFinishing,
	StatusSucceeded, StatusFailed, StatusCancelled,
}

// Job is an immutable execution request plus evolving state.
type Job struct {
	// JobID is opaque, tenant-scoped, globally unique, and immutable once
	// allocated by Lifecycle.saveInitialMetadata.
	JobID uuid.UUID `json:"jobId"`
	// JobKey is the printable form of JobID used for cache keys and logs.
	JobKey string `json:"jobKey"`
	// ParentJobID is set when this job is a child spawned by a JOB_GROUP
	// job; it is carried as a tag attribute, never as a structural foreign
	// key.
	ParentJobID *uuid.UUID `json:"parentJobId,omitempty"`

	Tenant  string  `json:"tenant"`
	JobType JobType `json:"jobType"`

	// Definition carries parameters, input/output selectors, and
	// model/flow references. Left as a JSON blob: its shape is defined by
	// job type, not by the orchestrator.
	Definition datatypes.JSON `json:"definition,omitempty"`

	StatusCode    StatusCode `json:"statusCode"`
	StatusMessage string     `json:"statusMessage,omitempty"`

	// Resources, ResourceMapping, and ResultMapping are populated by
	// Lifecycle.assembleAndValidate from the metadata store's resolved
	// selectors.
	Resources       datatypes.JSON `json:"resources,omitempty"`
	ResourceMapping datatypes.JSON `json:"resourceMapping,omitempty"`
	ResultMapping   datatypes.JSON `json:"resultMapping,omitempty"`

	// SysConfig/JobConfig/JobResult are payloads exchanged with the batch
	// executor.
	SysConfig datatypes.JSON `json:"sysConfig,omitempty"`
	JobConfig datatypes.JSON `json:"jobConfig,omitempty"`
	JobResult datatypes.JSON `json:"jobResult,omitempty"`

	// ExecutorState is an opaque byte string owned by the executor plugin.
	// The orchestrator must never inspect or mutate its contents.
	ExecutorState []byte `json:"executorState,omitempty"`

	// ExecutorProtocol names the registered executor.Adapter implementation
	// this job was submitted to. Set once at submission and never changed
	// afterward.
	ExecutorProtocol string `json:"executorProtocol,omitempty"`

	Owner      string `json:"owner"`
	OwnerToken string `json:"ownerToken,omitempty"`

	Attempts    int        `json:"attempts"`
	LastErrorAt *time.Time `json:"lastErrorAt,omitempty"`
	// LastPollAt records when the executor was last polled for this job's
	// status, so the Scheduler can skip SUBMITTED/RUNNING jobs polled more
	// recently than the configured poll interval.
	LastPollAt *time.Time `json:"lastPollAt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Clone returns a deep-enough copy of j suitable for handing to a caller
// without aliasing mutable slice/map fields back into cache storage.
func (j Job) Clone() Job {
	out := j
	if j.ParentJobID != nil {
		id := *j.ParentJobID
		out.ParentJobID = &id
	}
	if j.LastErrorAt != nil {
		t := *j.LastErrorAt
		out.LastErrorAt = &t
	}
	if j.LastPollAt != nil {
		t := *j.LastPollAt
		out.LastPollAt = &t
	}
	out.Definition = cloneJSON(j.Definition)
	out.Resources = cloneJSON(j.Resources)
	out.ResourceMapping = cloneJSON(j.ResourceMapping)
	out.ResultMapping = cloneJSON(j.ResultMapping)
	out.SysConfig = cloneJSON(j.SysConfig)
	out.JobConfig = cloneJSON(j.JobConfig)
	out.JobResult = cloneJSON(j.JobResult)
	if j.ExecutorState != nil {
		out.ExecutorState = append([]byte(nil), j.ExecutorState...)
	}
	return out
}

func cloneJSON(in datatypes.JSON) datatypes.JSON {
	if in == nil {
		return nil
	}
	return append(datatypes.JSON(nil), in...)
}

// Status is the wire-level projection returned by the Job API:
// {jobId, statusCode, statusMessage}.
type Status struct {
	JobID         uuid.UUID  `json:"jobId"`
	StatusCode    StatusCode `json:"statusCode"`
	StatusMessage string     `json:"statusMessage,omitempty"`
}

func (j Job) Status() Status {
	return Status{JobID: j.JobID, StatusCode: j.StatusCode, StatusMessage: j.StatusMessage}
}
