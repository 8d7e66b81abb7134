// Package group implements the JOB_GROUP hierarchy:
// a JOB_GROUP job's children are independent cache entries tagged with
// their parent's jobId as a plain attribute rather than a structural
// foreign key, and the parent's terminal status is derived from its
// children's rather than owned by any executor batch of its own. A child's
// submission path is identical to a top-level one, and child status reads
// use the same cache-then-metadata fallback as checkJob so a parent can
// observe a child after the scheduler has removed its cache entry.
package group

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tracdap/orchestrator-core/internal/cache"
	"github.com/tracdap/orchestrator-core/internal/domain"
	"github.com/tracdap/orchestrator-core/internal/lifecycle"
	"github.com/tracdap/orchestrator-core/internal/metadata"
	"github.com/tracdap/orchestrator-core/internal/pkg/pointers"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

// ParentTagKey is the tag attribute name a child job carries to reference
// its JOB_GROUP parent.
const ParentTagKey = "parentJobId"

const jobObjectType metadata.ObjectType = "JOB"

// Deps bundles the collaborators group operations need: the same Cache and
// Lifecycle a top-level submission goes through, since a child's submission
// path is identical to a top-level one.
type Deps struct {
	Cache         cache.Cache
	Lifecycle     lifecycle.Deps
	LeaseDuration time.Duration
}

func (d Deps) leaseDuration() time.Duration {
	if d.LeaseDuration <= 0 {
		return 30 * time.Second
	}
	return d.LeaseDuration
}

// childKeys is the JSON shape stored in a JOB_GROUP job's JobConfig once its
// children are submitted, so a later poll can find them again without the
// orchestrator needing a secondary "children of parent X" index.
type childKeys struct {
	Keys []string `json:"keys"`
}

// EncodeChildKeys serializes the keys of newly submitted children into the
// JobConfig blob the processor stores on the parent job.
func EncodeChildKeys(children []domain.Job) []byte {
	keys := make([]string, 0, len(children))
	for _, c := range children {
		keys = append(keys, c.JobKey)
	}
	b, _ := json.Marshal(childKeys{Keys: keys})
	return b
}

// DecodeChildKeys parses the JobConfig blob a JOB_GROUP job carries back
// into its children's cache keys.
func DecodeChildKeys(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ck childKeys
	if err := json.Unmarshal(raw, &ck); err != nil {
		return nil, apierr.CacheCorruption("group.DecodeChildKeys", err.Error())
	}
	return ck.Keys, nil
}

// SubmitChildren decomposes a JOB_GROUP job's definition into its child jobs
// and submits each independently: assemble, validate, save initial
// metadata, then insert a QUEUED cache entry, exactly as a top-level
// submission would. Each child is tagged with ParentTagKey so a
// reader of the metadata store alone can still reconstruct the hierarchy
// after every cache entry involved has been removed.
func SubmitChildren(ctx context.Context, deps Deps, parent domain.Job) ([]domain.Job, error) {
	def, err := lifecycle.ParseDefinition(parent.Definition)
	if err != nil {
		return nil, apierr.Validation("group.SubmitChildren", "corrupt JOB_GROUP definition: "+err.Error())
	}

	children := make([]domain.Job, 0, len(def.ChildJobs))
	for _, cd := range def.ChildJobs {
		childType := domain.JobType(cd.JobType)
		if !childType.Valid() {
			return nil, apierr.Validation("group.SubmitChildren", "child jobType is not recognized: "+cd.JobType)
		}
		child := domain.Job{
			Tenant:      parent.Tenant,
			JobType:     childType,
			Owner:       parent.Owner,
			OwnerToken:  parent.OwnerToken,
			Definition:  cd.Definition.Encode(),
			StatusCode:  domain.StatusPending,
			ParentJobID: pointers.Ptr(parent.JobID),
		}

		child, err = lifecycle.AssembleAndValidate(ctx, deps.Lifecycle, child)
		if err != nil {
			return nil, err
		}
		child, err = lifecycle.SaveInitialMetadata(ctx, deps.Lifecycle, child, map[string]any{ParentTagKey: parent.JobID.String()})
		if err != nil {
			return nil, err
		}

		child.StatusCode = domain.StatusQueued
		ticket, err := deps.Cache.OpenNewTicket(ctx, child.JobKey, deps.leaseDuration())
		if err != nil {
			return nil, apierr.Map("group.SubmitChildren", err)
		}
		_, err = deps.Cache.AddEntry(ctx, ticket, child.StatusCode, child)
		closeErr := deps.Cache.CloseTicket(ctx, ticket)
		if err != nil {
			return nil, apierr.Map("group.SubmitChildren", err)
		}
		if closeErr != nil {
			return nil, apierr.Map("group.SubmitChildren", closeErr)
		}
		children = append(children, child)
	}
	return children, nil
}

// ChildStatus reads a single child's current status, preferring the cache
// and falling back to the metadata store once the scheduler has removed the
// child's cache entry (the same fallback checkJob itself performs).
func ChildStatus(ctx context.Context, deps Deps, tenant, childKey string) (domain.StatusCode, string, error) {
	entry, err := deps.Cache.GetLatestEntry(ctx, childKey)
	if err == nil {
		return entry.Value.StatusCode, entry.Value.StatusMessage, nil
	}
	if !apierr.Is(err, apierr.KindNotFound) {
		return "", "", apierr.Map("group.ChildStatus", err)
	}

	id, parseErr := uuid.Parse(childKey)
	if parseErr != nil {
		return "", "", apierr.Internal("group.ChildStatus", parseErr)
	}
	obj, err := deps.Lifecycle.Store.ReadObject(ctx, metadata.Selector{Tenant: tenant, ObjectType: jobObjectType, ObjectID: id})
	if err != nil {
		return "", "", apierr.Map("group.ChildStatus", err)
	}
	status, _ := obj.Tag.Attrs["status"].(string)
	msg, _ := obj.Tag.Attrs["statusMessage"].(string)
	return domain.StatusCode(status), msg, nil
}

// PollChildren reads the status of every child in keys and reports them
// alongside the parent status DeriveStatus computes from them.
func PollChildren(ctx context.Context, deps Deps, tenant string, keys []string) ([]domain.StatusCode, domain.StatusCode, error) {
	statuses := make([]domain.StatusCode, 0, len(keys))
	for _, key := range keys {
		status, _, err := ChildStatus(ctx, deps, tenant, key)
		if err != nil {
			return nil, "", err
		}
		statuses = append(statuses, status)
	}
	return statuses, DeriveStatus(statuses), nil
}

// DeriveStatus computes a JOB_GROUP parent's status from its children's
// statuses. A single FAILED child fails the whole group; absent any
// failure, a single CANCELLED child cancels it; only once every child has
// SUCCEEDED does the group succeed. An empty child set is degenerate
// (caught earlier by lifecycle.requiredFields) and reports RUNNING rather
// than a false SUCCEEDED.
func DeriveStatus(children []domain.StatusCode) domain.StatusCode {
	if len(children) == 0 {
		return domain.StatusRunning
	}
	sawCancelled := false
	allSucceeded := true
	for _, s := range children {
		switch s {
		case domain.StatusFailed:
			return domain.StatusFailed
		case domain.StatusCancelled:
			sawCancelled = true
			allSucceeded = false
		case domain.StatusSucceeded:
		default:
			allSucceeded = false
		}
	}
	if sawCancelled {
		return domain.StatusCancelled
	}
	if allSucceeded {
		return domain.StatusSucceeded
	}
	return domain.StatusRunning
}
