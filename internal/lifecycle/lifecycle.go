// Package lifecycle implements the Job Lifecycle: a collection
// of pure functions taking a Job and returning a Job, with I/O limited to the
// metadata store (reads during assembly, writes only through the dedicated
// "record" steps). Validation failures accumulate field-level messages in
// an errutils.MultiError rather than stopping at the first finding.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"oss.nandlabs.io/golly/errutils"

	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/metadata"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

// Deps bundles the metadata store Lifecycle calls through. There is
// intentionally no Cache or Executor dependency here: Lifecycle never
// touches the Job Cache or the batch executor.
type Deps struct {
	Store metadata.Store
}

// AssembleAndValidate resolves every selector reachable from job.Definition
// (models, inputs, outputs' schemas, storage bindings), populates
// Resources/ResourceMapping, and performs semantic validation. It fails with
// apierr.KindValidationFailed on the first irrecoverable issue, but
// accumulates every field-level message it finds along the way.
func AssembleAndValidate(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	out := job.Clone()

	if !out.JobType.Valid() {
		return job, apierr.Validation("lifecycle.assembleAndValidate", "jobType is not one of the recognized job types: "+string(out.JobType))
	}

	def, err := ParseDefinition(out.Definition)
	if err != nil {
		return job, apierr.Validation("lifecycle.assembleAndValidate", "definition is not valid JSON: "+err.Error())
	}

	merr := &errutils.MultiError{}
	requiredFields(out, def, merr)

	resources := map[string]metadata.Object{}
	resourceMapping := map[string]metadata.Selector{}
	resolveSelectors(ctx, deps, out.Tenant, def, resources, resourceMapping, merr)

	if out.JobType == domain.JobTypeRunFlow || out.JobType == domain.JobTypeRunModel {
		checkRequiredParams(def, merr)
	}

	resultMapping := map[string]OutputSpec{}
	for name, spec := range def.Outputs {
		resultMapping[name] = spec
		checkSchemaCompatibility(ctx, deps, out.Tenant, name, spec, merr)
	}

	if merr.HasErrors() {
		return job, apierr.Validation("lifecycle.assembleAndValidate", merr.Error())
	}

	out.Resources = mustJSON(resources)
	out.ResourceMapping = mustJSON(resourceMapping)
	out.ResultMapping = mustJSON(resultMapping)
	return out, nil
}

func requiredFields(job domain.Job, def Definition, merr *errutils.MultiError) {
	if job.Tenant == "" {
		merr.Add(fmt.Errorf("tenant is required"))
	}
	if job.Owner == "" {
		merr.Add(fmt.Errorf("owner is required"))
	}
	switch job.JobType {
	case domain.JobTypeImportModel:
		if def.Repo == "" {
			merr.Add(fmt.Errorf("definition.repo is required for IMPORT_MODEL"))
		}
		if def.Version == "" {
			merr.Add(fmt.Errorf("definition.version is required for IMPORT_MODEL"))
		}
		if def.EntryPoint == "" {
			merr.Add(fmt.Errorf("definition.entryPoint is required for IMPORT_MODEL"))
		}
	case domain.JobTypeRunModel:
		if def.ModelSelector == nil {
			merr.Add(fmt.Errorf("definition.modelSelector is required for RUN_MODEL"))
		}
	case domain.JobTypeRunFlow:
		if def.FlowSelector == nil {
			merr.Add(fmt.Errorf("definition.flowSelector is required for RUN_FLOW"))
		}
	case domain.JobTypeImportData, domain.JobTypeExportData:
		if def.StorageSelector == nil {
			merr.Add(fmt.Errorf("definition.storageSelector is required for %s", job.JobType))
		}
	case domain.JobTypeJobGroup:
		if len(def.ChildJobs) == 0 {
			merr.Add(fmt.Errorf("definition.childJobs must be non-empty for JOB_GROUP"))
		}
	}
}

func resolveSelectors(ctx context.Context, deps Deps, tenant string, def Definition, resources map[string]metadata.Object, mapping map[string]metadata.Selector, merr *errutils.MultiError) {
	resolveOne := func(name string, sel *metadata.Selector) {
		if sel == nil {
			return
		}
		sel.Tenant = tenant
		obj, err := deps.Store.ReadObject(ctx, *sel)
		if err != nil {
			merr.Add(fmt.Errorf("%s: %w", name, err))
			return
		}
		resources[name] = obj
		mapping[name] = *sel
	}
	resolveOne("modelSelector", def.ModelSelector)
	resolveOne("flowSelector", def.FlowSelector)
	resolveOne("storageSelector", def.StorageSelector)
	for name, sel := range def.Inputs {
		s := sel
		resolveOne("inputs."+name, &s)
	}
}

func checkRequiredParams(def Definition, merr *errutils.MultiError) {
	for _, p := range def.RequiredParams {
		if _, ok := def.Parameters[p.Name]; !ok {
			merr.Add(fmt.Errorf("parameters.%s is required", p.Name))
		}
	}
}

// checkSchemaCompatibility enforces that a versioned output's prior version,
// when named, actually exists. A full implementation would diff
// field-level schemas; this orchestrator only owns the selector
// resolution, not the schema definition language.
func checkSchemaCompatibility(ctx context.Context, deps Deps, tenant string, name string, spec OutputSpec, merr *errutils.MultiError) {
	if spec.SchemaOf == nil {
		return
	}
	_, err := deps.Store.ReadObject(ctx, metadata.Selector{Tenant: tenant, ObjectType: spec.ObjectType, ObjectID: *spec.SchemaOf})
	if err != nil {
		merr.Add(fmt.Errorf("outputs.%s: prior version for schema compatibility check not found: %w", name, err))
	}
}

// SaveInitialMetadata allocates a jobId (preallocate then
// createPreallocatedObject), writes the initial job tag with status
// PENDING, attaches caller-supplied tag updates, and sets JobID/JobKey on
// the returned job.
func SaveInitialMetadata(ctx context.Context, deps Deps, job domain.Job, tagUpdates map[string]any) (domain.Job, error) {
	out := job.Clone()

	header, err := deps.Store.PreallocateID(ctx, out.Tenant, jobObjectType)
	if err != nil {
		return job, apierr.Map("lifecycle.saveInitialMetadata", err)
	}

	attrs := map[string]any{
		"status":  string(domain.StatusPending),
		"jobType": string(out.JobType),
		"owner":   out.Owner,
	}
	for k, v := range tagUpdates {
		attrs[k] = v
	}

	if _, err := deps.Store.CreatePreallocatedObject(ctx, header, out.Definition, attrs); err != nil {
		// The ID is never reused even if this write fails: the caller must
		// treat the preallocated ID as an orphan rather than retry
		// allocation.
		return job, apierr.Map("lifecycle.saveInitialMetadata", err)
	}

	out.JobID = header.ObjectID
	out.JobKey = header.ObjectID.String()
	out.StatusCode = domain.StatusPending
	return out, nil
}

const jobObjectType metadata.ObjectType = "JOB"

// RecordUpdate writes a tag-only update reflecting a status transition. It
// never creates a new object version: status changes are tag mutations on
// the existing job object.
func RecordUpdate(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	header := metadata.TagHeader{Tenant: job.Tenant, ObjectType: jobObjectType, ObjectID: job.JobID, ObjectVersion: 1}
	attrs := map[string]any{"status": string(job.StatusCode)}
	if job.StatusMessage != "" {
		attrs["statusMessage"] = job.StatusMessage
	}
	if _, err := deps.Store.UpdateTag(ctx, header, attrs); err != nil {
		return job, apierr.Map("lifecycle.recordUpdate", err)
	}
	return job, nil
}

// ProcessResult parses job.JobResult, applies job.ResultMapping to produce
// final output object IDs (each preallocated with a populated definition),
// and stores them on the returned job's JobResult for RecordResult to
// persist. This function does no I/O beyond the preallocation calls needed
// to mint stable output IDs that survive a recordResult retry.
func ProcessResult(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	out := job.Clone()

	if len(job.JobResult) > 0 {
		var already processedResult
		if err := unmarshalJSON(job.JobResult, &already); err == nil && already.Processed {
			// A prior attempt already minted the output IDs and recordResult
			// failed after that point; reuse them rather than preallocating
			// a fresh set on every retry.
			return job, nil
		}
	}

	var resultMapping map[string]OutputSpec
	if len(job.ResultMapping) > 0 {
		if err := unmarshalJSON(job.ResultMapping, &resultMapping); err != nil {
			return job, apierr.ExecutorFailed("lifecycle.processResult", "corrupt resultMapping: "+err.Error())
		}
	}

	var rawResult map[string]any
	if len(job.JobResult) > 0 {
		if err := unmarshalJSON(job.JobResult, &rawResult); err != nil {
			return job, apierr.ExecutorFailed("lifecycle.processResult", "corrupt jobResult: "+err.Error())
		}
	}

	outputs := make([]PreallocatedOutput, 0, len(resultMapping))
	for name, spec := range resultMapping {
		header, err := deps.Store.PreallocateID(ctx, job.Tenant, spec.ObjectType)
		if err != nil {
			return job, apierr.Map("lifecycle.processResult", err)
		}
		def := rawResult[name]
		outputs = append(outputs, PreallocatedOutput{
			Name:       name,
			Header:     header,
			Definition: mustJSON(def),
		})
	}

	out.JobResult = mustJSON(processedResult{Processed: true, Outputs: outputs, Raw: rawResult})
	return out, nil
}

// PreallocatedOutput is one output object produced by ProcessResult, carried
// through to RecordResult.
type PreallocatedOutput struct {
	Name       string             `json:"name"`
	Header     metadata.TagHeader `json:"header"`
	Definition datatypes.JSON     `json:"definition"`
}

type processedResult struct {
	Processed bool                 `json:"processed"`
	Outputs   []PreallocatedOutput `json:"outputs"`
	Raw       map[string]any       `json:"raw,omitempty"`
}

// RecordResult persists the output objects ProcessResult prepared and the
// final job status to the metadata store as a single batch write. Every op
// carries the same CreateTime. Using the preallocated IDs from
// ProcessResult makes a retry after a failed batch write idempotent: the
// same op set reproduces the same objects.
func RecordResult(ctx context.Context, deps Deps, job domain.Job) (domain.Job, error) {
	var parsed processedResult
	if len(job.JobResult) > 0 {
		if err := unmarshalJSON(job.JobResult, &parsed); err != nil {
			return job, apierr.ExecutorFailed("lifecycle.recordResult", "corrupt processed result: "+err.Error())
		}
	}

	now := time.Now().UTC()
	ops := make([]metadata.WriteOp, 0, len(parsed.Outputs)+1)
	for _, o := range parsed.Outputs {
		ops = append(ops, metadata.WriteOp{
			Kind:       metadata.WriteOpCreateObject,
			Header:     o.Header,
			Definition: o.Definition,
			Attrs:      map[string]any{"producedBy": job.JobKey},
			CreateTime: now,
		})
	}
	jobAttrs := map[string]any{"status": string(job.StatusCode)}
	if job.StatusMessage != "" {
		jobAttrs["statusMessage"] = job.StatusMessage
	}
	ops = append(ops, metadata.WriteOp{
		Kind:       metadata.WriteOpUpdateTag,
		Header:     metadata.TagHeader{Tenant: job.Tenant, ObjectType: jobObjectType, ObjectID: job.JobID, ObjectVersion: 1},
		Attrs:      jobAttrs,
		CreateTime: now,
	})

	if _, err := deps.Store.WriteBatch(ctx, ops); err != nil {
		// Leave the cache entry in place: the scheduler retries on the
		// next tick. The caller classifies err via apierr.
		return job, apierr.Map("lifecycle.recordResult", err)
	}
	return job, nil
}
