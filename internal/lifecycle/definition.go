package lifecycle

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/tracdap/orchestrator-core/internal/metadata"
)

// Definition is the job-type-specific shape of domain.Job.Definition, an
// opaque blob whose fields vary by JobType; this is the union of fields
// assembleAndValidate understands across the six job types. Fields
// irrelevant to a given JobType are simply left zero.
type Definition struct {
	// Repo/Version/EntryPoint identify the model code for IMPORT_MODEL.
	Repo       string `json:"repo,omitempty"`
	Version    string `json:"version,omitempty"`
	EntryPoint string `json:"entryPoint,omitempty"`

	// ModelSelector names the model RUN_MODEL executes against.
	ModelSelector *metadata.Selector `json:"modelSelector,omitempty"`
	// FlowSelector names the flow RUN_FLOW executes.
	FlowSelector *metadata.Selector `json:"flowSelector,omitempty"`

	// Inputs/Outputs map logical names to metadata selectors, resolved by
	// assembleAndValidate into Job.Resources/ResourceMapping.
	Inputs  map[string]metadata.Selector `json:"inputs,omitempty"`
	Outputs map[string]OutputSpec        `json:"outputs,omitempty"`

	// Parameters carries untyped model/flow parameters; Lifecycle only
	// checks presence of required keys, not domain-specific typing beyond
	// the basic kinds ParamSpec names.
	Parameters map[string]any `json:"parameters,omitempty"`

	// RequiredParams names parameters the model declares as mandatory; a
	// missing key fails validation.
	RequiredParams []ParamSpec `json:"requiredParams,omitempty"`

	// StorageSelector names the storage binding IMPORT_DATA/EXPORT_DATA
	// read from or write to.
	StorageSelector *metadata.Selector `json:"storageSelector,omitempty"`

	// ChildJobs lists the definitions of a JOB_GROUP's children; each
	// becomes an independent cache entry.
	ChildJobs []ChildDefinition `json:"childJobs,omitempty"`
}

// OutputSpec describes one output object this job produces: its object type
// and, for versioned outputs, the prior object id its new version must be
// schema-compatible with.
type OutputSpec struct {
	ObjectType  metadata.ObjectType `json:"objectType"`
	SchemaOf    *uuid.UUID          `json:"schemaOf,omitempty"`
	Description string              `json:"description,omitempty"`
}

// ParamSpec names a required parameter and the kind of value it expects.
type ParamSpec struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // "string", "number", "bool"; checked loosely
}

// ChildDefinition is one child job within a JOB_GROUP.
type ChildDefinition struct {
	JobType    string     `json:"jobType"`
	Definition Definition `json:"definition"`
}

// ParseDefinition decodes raw job definition JSON. An empty/nil blob decodes
// to the zero Definition rather than erroring, since some job types (most
// notably a JOB_GROUP with no per-job parameters) have nothing to carry.
func ParseDefinition(raw []byte) (Definition, error) {
	var d Definition
	if len(raw) == 0 {
		return d, nil
	}
	if err := json.Unmarshal(raw, &d); err != nil {
		return Definition{}, err
	}
	return d, nil
}

// Encode serializes a Definition back to the JSON blob domain.Job.Definition
// carries. Used by the Job API when building a new Job from a caller's
// JobRequest.
func (d Definition) Encode() []byte {
	b, _ := json.Marshal(d)
	return b
}
