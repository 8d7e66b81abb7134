// Package fake provides an in-memory metadata.Store for tests and local
// development: a single-process stand-in for a store the orchestrator only
// ever consumes through an interface.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/tracdap/orchestrator-core/internal/metadata"
	"github.com/tracdap/orchestrator-core/internal/platform/apierr"
)

type objectKey struct {
	tenant  string
	objType metadata.ObjectType
	objID   uuid.UUID
}

type versionedObject struct {
	definitions  []datatypes.JSON   // index 0 is objectVersion 1
	tags         [][]map[string]any // tags[objectVersion-1][tagVersion-1]
	createTimes  []time.Time
	preallocated bool
}

// Store is an in-memory metadata.Store. Safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	objects map[objectKey]*versionedObject

	// failWriteBatchCount/failWriteBatchErr let tests inject a transient
	// metadata outage: the next N calls to
	// WriteBatch fail with failWriteBatchErr before succeeding normally.
	failWriteBatchCount int
	failWriteBatchErr   error
}

func New() *Store {
	return &Store{objects: make(map[objectKey]*versionedObject)}
}

// FailNextWriteBatch arranges for the next n calls to WriteBatch to return
// err instead of applying their operations, then resume normal behavior.
func (s *Store) FailNextWriteBatch(n int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWriteBatchCount = n
	s.failWriteBatchErr = err
}

func (s *Store) PreallocateID(ctx context.Context, tenant string, objectType metadata.ObjectType) (metadata.TagHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey{tenant: tenant, objType: objectType, objID: uuid.New()}
	s.objects[key] = &versionedObject{preallocated: true}
	return metadata.TagHeader{Tenant: tenant, ObjectType: objectType, ObjectID: key.objID}, nil
}

func (s *Store) CreatePreallocatedObject(ctx context.Context, header metadata.TagHeader, definition datatypes.JSON, attrs map[string]any) (metadata.TagHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey{tenant: header.Tenant, objType: header.ObjectType, objID: header.ObjectID}
	obj, ok := s.objects[key]
	if !ok || !obj.preallocated {
		return metadata.TagHeader{}, apierr.NotFound("metadata.CreatePreallocatedObject", "no preallocated id "+header.ObjectID.String())
	}
	if len(obj.definitions) > 0 {
		return metadata.TagHeader{}, apierr.AlreadyExists("metadata.CreatePreallocatedObject", "object already created: "+header.ObjectID.String())
	}
	if attrs == nil {
		attrs = map[string]any{}
	}
	obj.definitions = append(obj.definitions, definition)
	obj.tags = append(obj.tags, []map[string]any{attrs})
	obj.createTimes = append(obj.createTimes, time.Now())
	return metadata.TagHeader{Tenant: header.Tenant, ObjectType: header.ObjectType, ObjectID: header.ObjectID, ObjectVersion: 1, TagVersion: 1}, nil
}

func (s *Store) UpdateObject(ctx context.Context, header metadata.TagHeader, definition datatypes.JSON) (metadata.TagHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey{tenant: header.Tenant, objType: header.ObjectType, objID: header.ObjectID}
	obj, ok := s.objects[key]
	if !ok || len(obj.definitions) == 0 {
		return metadata.TagHeader{}, apierr.NotFound("metadata.UpdateObject", "object not found: "+header.ObjectID.String())
	}
	obj.definitions = append(obj.definitions, definition)
	obj.tags = append(obj.tags, []map[string]any{{}})
	obj.createTimes = append(obj.createTimes, time.Now())
	nextVersion := len(obj.definitions)
	return metadata.TagHeader{Tenant: header.Tenant, ObjectType: header.ObjectType, ObjectID: header.ObjectID, ObjectVersion: nextVersion, TagVersion: 1}, nil
}

func (s *Store) UpdateTag(ctx context.Context, header metadata.TagHeader, attrs map[string]any) (metadata.TagHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := objectKey{tenant: header.Tenant, objType: header.ObjectType, objID: header.ObjectID}
	obj, ok := s.objects[key]
	if !ok || len(obj.definitions) == 0 {
		return metadata.TagHeader{}, apierr.NotFound("metadata.UpdateTag", "object not found: "+header.ObjectID.String())
	}
	ov := header.ObjectVersion
	if ov <= 0 {
		ov = len(obj.definitions)
	}
	if ov > len(obj.definitions) {
		return metadata.TagHeader{}, apierr.NotFound("metadata.UpdateTag", "object version not found")
	}
	merged := map[string]any{}
	for k, v := range obj.tags[ov-1][len(obj.tags[ov-1])-1] {
		merged[k] = v
	}
	for k, v := range attrs {
		merged[k] = v
	}
	obj.tags[ov-1] = append(obj.tags[ov-1], merged)
	tv := len(obj.tags[ov-1])
	return metadata.TagHeader{Tenant: header.Tenant, ObjectType: header.ObjectType, ObjectID: header.ObjectID, ObjectVersion: ov, TagVersion: tv}, nil
}

func (s *Store) ReadObject(ctx context.Context, sel metadata.Selector) (metadata.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked(sel)
}

func (s *Store) readLocked(sel metadata.Selector) (metadata.Object, error) {
	key := objectKey{tenant: sel.Tenant, objType: sel.ObjectType, objID: sel.ObjectID}
	obj, ok := s.objects[key]
	if !ok || len(obj.definitions) == 0 {
		return metadata.Object{}, apierr.NotFound("metadata.ReadObject", "object not found: "+sel.ObjectID.String())
	}
	ov := sel.ObjectVersion
	if ov <= 0 {
		ov = len(obj.definitions)
	}
	if ov > len(obj.definitions) {
		return metadata.Object{}, apierr.NotFound("metadata.ReadObject", "object version not found")
	}
	tagVersions := obj.tags[ov-1]
	tv := sel.TagVersion
	if tv <= 0 {
		tv = len(tagVersions)
	}
	if tv > len(tagVersions) {
		return metadata.Object{}, apierr.NotFound("metadata.ReadObject", "tag version not found")
	}
	header := metadata.TagHeader{Tenant: sel.Tenant, ObjectType: sel.ObjectType, ObjectID: sel.ObjectID, ObjectVersion: ov, TagVersion: tv}
	return metadata.Object{
		Header:     header,
		Definition: obj.definitions[ov-1],
		Tag:        metadata.Tag{Header: header, Attrs: tagVersions[tv-1]},
		CreateTime: obj.createTimes[ov-1],
	}, nil
}

func (s *Store) ReadBatch(ctx context.Context, sels []metadata.Selector) ([]metadata.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metadata.Object, 0, len(sels))
	for _, sel := range sels {
		obj, err := s.readLocked(sel)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

func (s *Store) Search(ctx context.Context, q metadata.SearchQuery) ([]metadata.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metadata.Object
	for key, obj := range s.objects {
		if key.tenant != q.Tenant || key.objType != q.ObjectType || len(obj.definitions) == 0 {
			continue
		}
		ov := len(obj.definitions)
		tagVersions := obj.tags[ov-1]
		tv := len(tagVersions)
		attrs := tagVersions[tv-1]
		if !matchesAttrs(attrs, q.Attrs) {
			continue
		}
		header := metadata.TagHeader{Tenant: key.tenant, ObjectType: key.objType, ObjectID: key.objID, ObjectVersion: ov, TagVersion: tv}
		out = append(out, metadata.Object{
			Header:     header,
			Definition: obj.definitions[ov-1],
			Tag:        metadata.Tag{Header: header, Attrs: attrs},
			CreateTime: obj.createTimes[ov-1],
		})
	}
	return out, nil
}

func matchesAttrs(have, want map[string]any) bool {
	for k, v := range want {
		hv, ok := have[k]
		if !ok || fmt.Sprint(hv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// WriteBatch applies every op or none: an injected failure
// (FailNextWriteBatch) and every op that would fail (an update of a missing
// object, an unknown op kind) are detected before any op is applied.
// Object creation is idempotent on replay (preallocated IDs make it
// replay-safe); UpdateObject and UpdateTag append a new version each run.
func (s *Store) WriteBatch(ctx context.Context, ops []metadata.WriteOp) ([]metadata.TagHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWriteBatchCount > 0 {
		s.failWriteBatchCount--
		err := s.failWriteBatchErr
		if err == nil {
			err = apierr.TransientIO("metadata.WriteBatch", "injected outage", nil)
		}
		return nil, err
	}
	created := map[objectKey]bool{}
	for _, op := range ops {
		key := objectKey{tenant: op.Header.Tenant, objType: op.Header.ObjectType, objID: op.Header.ObjectID}
		switch op.Kind {
		case metadata.WriteOpCreateObject:
			created[key] = true
		case metadata.WriteOpUpdateObject, metadata.WriteOpUpdateTag:
			if obj, ok := s.objects[key]; !created[key] && (!ok || len(obj.definitions) == 0) {
				return nil, apierr.NotFound("metadata.WriteBatch", "object not found for update: "+op.Header.ObjectID.String())
			}
		default:
			return nil, apierr.Validation("metadata.WriteBatch", "unknown write op kind: "+string(op.Kind))
		}
	}
	out := make([]metadata.TagHeader, 0, len(ops))
	for _, op := range ops {
		key := objectKey{tenant: op.Header.Tenant, objType: op.Header.ObjectType, objID: op.Header.ObjectID}
		switch op.Kind {
		case metadata.WriteOpCreateObject:
			obj, ok := s.objects[key]
			if !ok {
				obj = &versionedObject{preallocated: true}
				s.objects[key] = obj
			}
			if len(obj.definitions) > 0 {
				// Idempotent replay: same preallocated ID already has a
				// definition, return the existing header rather than
				// erroring.
				out = append(out, metadata.TagHeader{Tenant: op.Header.Tenant, ObjectType: op.Header.ObjectType, ObjectID: op.Header.ObjectID, ObjectVersion: 1, TagVersion: 1})
				continue
			}
			attrs := op.Attrs
			if attrs == nil {
				attrs = map[string]any{}
			}
			ct := op.CreateTime
			if ct.IsZero() {
				ct = time.Now()
			}
			obj.definitions = append(obj.definitions, op.Definition)
			obj.tags = append(obj.tags, []map[string]any{attrs})
			obj.createTimes = append(obj.createTimes, ct)
			out = append(out, metadata.TagHeader{Tenant: op.Header.Tenant, ObjectType: op.Header.ObjectType, ObjectID: op.Header.ObjectID, ObjectVersion: 1, TagVersion: 1})
		case metadata.WriteOpUpdateObject:
			obj, ok := s.objects[key]
			if !ok || len(obj.definitions) == 0 {
				return nil, apierr.NotFound("metadata.WriteBatch", "object not found for update: "+op.Header.ObjectID.String())
			}
			obj.definitions = append(obj.definitions, op.Definition)
			obj.tags = append(obj.tags, []map[string]any{{}})
			obj.createTimes = append(obj.createTimes, time.Now())
			out = append(out, metadata.TagHeader{Tenant: op.Header.Tenant, ObjectType: op.Header.ObjectType, ObjectID: op.Header.ObjectID, ObjectVersion: len(obj.definitions), TagVersion: 1})
		case metadata.WriteOpUpdateTag:
			obj, ok := s.objects[key]
			if !ok || len(obj.definitions) == 0 {
				return nil, apierr.NotFound("metadata.WriteBatch", "object not found for tag update: "+op.Header.ObjectID.String())
			}
			ov := op.Header.ObjectVersion
			if ov <= 0 {
				ov = len(obj.definitions)
			}
			merged := map[string]any{}
			for k, v := range obj.tags[ov-1][len(obj.tags[ov-1])-1] {
				merged[k] = v
			}
			for k, v := range op.Attrs {
				merged[k] = v
			}
			obj.tags[ov-1] = append(obj.tags[ov-1], merged)
			out = append(out, metadata.TagHeader{Tenant: op.Header.Tenant, ObjectType: op.Header.ObjectType, ObjectID: op.Header.ObjectID, ObjectVersion: ov, TagVersion: len(obj.tags[ov-1])})
		default:
			return nil, apierr.Validation("metadata.WriteBatch", "unknown write op kind: "+string(op.Kind))
		}
	}
	return out, nil
}

var _ metadata.Store = (*Store)(nil)
