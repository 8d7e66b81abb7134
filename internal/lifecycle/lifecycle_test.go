package lifecycle

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/metadata"
	metafake "github.com/tracdap/orchestrator-core/internal/metadata/fake"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

func newDeps() Deps {
	return Deps{Store: metafake.New()}
}

func importModelJob() domain.Job {
	def := Definition{Repo: "local", Version: "v1.0.0", EntryPoint: "acme.models.Hello"}
	return domain.Job{
		Tenant:     "acme",
		JobType:    domain.JobTypeImportModel,
		Owner:      "alice",
		Definition: def.Encode(),
		StatusCode: domain.StatusPending,
	}
}

func TestAssembleAndValidate_AcceptsWellFormedJob(t *testing.T) {
	deps := newDeps()
	out, err := AssembleAndValidate(context.Background(), deps, importModelJob())
	if err != nil {
		t.Fatalf("AssembleAndValidate: %v", err)
	}
	if len(out.Resources) == 0 || len(out.ResultMapping) == 0 {
		t.Fatalf("expected Resources/ResultMapping populated, got %q / %q", out.Resources, out.ResultMapping)
	}
}

func TestAssembleAndValidate_AccumulatesFieldMessages(t *testing.T) {
	deps := newDeps()
	job := importModelJob()
	def := Definition{} // repo, version, and entryPoint all missing
	job.Definition = def.Encode()

	_, err := AssembleAndValidate(context.Background(), deps, job)
	if !apierr.Is(err, apierr.KindValidationFailed) {
		t.Fatalf("expected VALIDATION_FAILED, got %v", err)
	}
	msg := err.Error()
	for _, want := range []string{"repo", "version", "entryPoint"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected accumulated message to name %q, got %q", want, msg)
		}
	}
}

func TestAssembleAndValidate_ReportsUnresolvableSelector(t *testing.T) {
	deps := newDeps()
	job := importModelJob()
	job.JobType = domain.JobTypeRunModel
	def := Definition{ModelSelector: &metadata.Selector{ObjectType: "MODEL"}}
	job.Definition = def.Encode()

	_, err := AssembleAndValidate(context.Background(), deps, job)
	if !apierr.Is(err, apierr.KindValidationFailed) {
		t.Fatalf("expected VALIDATION_FAILED for unresolvable selector, got %v", err)
	}
	if !strings.Contains(err.Error(), "modelSelector") {
		t.Fatalf("expected message to name modelSelector, got %q", err.Error())
	}
}

// TestAssembleAndValidate_Purity covers the lifecycle purity property: the
// output job with its assembly fields cleared equals the input job.
func TestAssembleAndValidate_Purity(t *testing.T) {
	deps := newDeps()
	in := importModelJob()
	out, err := AssembleAndValidate(context.Background(), deps, in)
	if err != nil {
		t.Fatalf("AssembleAndValidate: %v", err)
	}
	out.Resources = nil
	out.ResourceMapping = nil
	out.ResultMapping = nil
	inRaw, _ := json.Marshal(in)
	outRaw, _ := json.Marshal(out)
	if string(inRaw) != string(outRaw) {
		t.Fatalf("expected assembly to only add mapping fields:\n in: %s\nout: %s", inRaw, outRaw)
	}
}

func TestSaveInitialMetadata_AllocatesUniqueIDs(t *testing.T) {
	deps := newDeps()
	seen := map[string]bool{}
	for i := 0; i < 20; i++ {
		out, err := SaveInitialMetadata(context.Background(), deps, importModelJob(), map[string]any{"team": "risk"})
		if err != nil {
			t.Fatalf("SaveInitialMetadata: %v", err)
		}
		if out.JobKey == "" || out.JobID.String() != out.JobKey {
			t.Fatalf("expected jobKey to be the printable jobId, got %q vs %q", out.JobKey, out.JobID)
		}
		if seen[out.JobKey] {
			t.Fatalf("duplicate jobId allocated: %s", out.JobKey)
		}
		seen[out.JobKey] = true
	}
}

func TestSaveInitialMetadata_WritesPendingTagWithUpdates(t *testing.T) {
	deps := newDeps()
	out, err := SaveInitialMetadata(context.Background(), deps, importModelJob(), map[string]any{"team": "risk"})
	if err != nil {
		t.Fatalf("SaveInitialMetadata: %v", err)
	}
	obj, err := deps.Store.ReadObject(context.Background(), metadata.Selector{
		Tenant: "acme", ObjectType: jobObjectType, ObjectID: out.JobID,
	})
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if obj.Tag.Attrs["status"] != string(domain.StatusPending) {
		t.Fatalf("expected initial tag status PENDING, got %v", obj.Tag.Attrs["status"])
	}
	if obj.Tag.Attrs["team"] != "risk" {
		t.Fatalf("expected caller tag update to be attached, got %v", obj.Tag.Attrs)
	}
}

func TestRecordUpdate_IsTagOnly(t *testing.T) {
	deps := newDeps()
	job, err := SaveInitialMetadata(context.Background(), deps, importModelJob(), nil)
	if err != nil {
		t.Fatalf("SaveInitialMetadata: %v", err)
	}
	job.StatusCode = domain.StatusRunning

	if _, err := RecordUpdate(context.Background(), deps, job); err != nil {
		t.Fatalf("RecordUpdate: %v", err)
	}
	obj, err := deps.Store.ReadObject(context.Background(), metadata.Selector{
		Tenant: "acme", ObjectType: jobObjectType, ObjectID: job.JobID,
	})
	if err != nil {
		t.Fatalf("ReadObject: %v", err)
	}
	if obj.Header.ObjectVersion != 1 {
		t.Fatalf("status update must not create a new object version, got version %d", obj.Header.ObjectVersion)
	}
	if obj.Tag.Attrs["status"] != string(domain.StatusRunning) {
		t.Fatalf("expected tag status RUNNING, got %v", obj.Tag.Attrs["status"])
	}
}

func TestProcessResult_ReusesPreallocatedIDsOnReplay(t *testing.T) {
	deps := newDeps()
	job, err := SaveInitialMetadata(context.Background(), deps, importModelJob(), nil)
	if err != nil {
		t.Fatalf("SaveInitialMetadata: %v", err)
	}
	job.StatusCode = domain.StatusSucceeded
	job.ResultMapping = []byte(`{"model": {"objectType": "MODEL"}}`)
	job.JobResult = []byte(`{"model": {"entryPoint": "acme.models.Hello"}}`)

	first, err := ProcessResult(context.Background(), deps, job)
	if err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}
	second, err := ProcessResult(context.Background(), deps, first)
	if err != nil {
		t.Fatalf("ProcessResult replay: %v", err)
	}
	if string(first.JobResult) != string(second.JobResult) {
		t.Fatalf("expected replay to keep the same preallocated output IDs:\nfirst:  %s\nsecond: %s", first.JobResult, second.JobResult)
	}
}

func TestRecordResult_WritesOutputsAndFinalStatusInOneBatch(t *testing.T) {
	deps := newDeps()
	job, err := SaveInitialMetadata(context.Background(), deps, importModelJob(), nil)
	if err != nil {
		t.Fatalf("SaveInitialMetadata: %v", err)
	}
	job.StatusCode = domain.StatusSucceeded
	job.ResultMapping = []byte(`{"model": {"objectType": "MODEL"}}`)
	job.JobResult = []byte(`{"model": {"entryPoint": "acme.models.Hello"}}`)

	job, err = ProcessResult(context.Background(), deps, job)
	if err != nil {
		t.Fatalf("ProcessResult: %v", err)
	}
	if _, err := RecordResult(context.Background(), deps, job); err != nil {
		t.Fatalf("RecordResult: %v", err)
	}

	jobObj, err := deps.Store.ReadObject(context.Background(), metadata.Selector{
		Tenant: "acme", ObjectType: jobObjectType, ObjectID: job.JobID,
	})
	if err != nil {
		t.Fatalf("ReadObject(job): %v", err)
	}
	if jobObj.Tag.Attrs["status"] != string(domain.StatusSucceeded) {
		t.Fatalf("expected final job tag SUCCEEDED, got %v", jobObj.Tag.Attrs["status"])
	}

	outputs, err := deps.Store.Search(context.Background(), metadata.SearchQuery{
		Tenant: "acme", ObjectType: "MODEL", Attrs: map[string]any{"producedBy": job.JobKey},
	})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(outputs) != 1 {
		t.Fatalf("expected exactly one recorded output object, got %d", len(outputs))
	}
}
