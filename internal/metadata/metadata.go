// Package metadata describes the client surface the orchestrator consumes
// from the external metadata store: a versioned, tagged object
// catalog. The orchestrator never implements this store, only calls it.
package metadata

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ObjectType names a catalog object kind (MODEL, DATA, SCHEMA, STORAGE,...).
// The orchestrator treats these as opaque strings supplied by callers.
type ObjectType string

// TagHeader identifies a specific object/tag version in the catalog.
type TagHeader struct {
	Tenant        string     `json:"tenant"`
	ObjectType    ObjectType `json:"objectType"`
	ObjectID      uuid.UUID  `json:"objectId"`
	ObjectVersion int        `json:"objectVersion"`
	TagVersion    int        `json:"tagVersion"`
}

// Selector references a specific object/tag version, or "latest" when
// ObjectVersion/TagVersion are zero.
type Selector struct {
	Tenant        string     `json:"tenant"`
	ObjectType    ObjectType `json:"objectType"`
	ObjectID      uuid.UUID  `json:"objectId"`
	ObjectVersion int        `json:"objectVersion,omitempty"`
	TagVersion    int        `json:"tagVersion,omitempty"`
}

// Tag is the mutable attribute set attached to an object version.
type Tag struct {
	Header TagHeader      `json:"header"`
	Attrs  map[string]any `json:"attrs"`
}

// Object is an object version plus its current tag.
type Object struct {
	Header     TagHeader      `json:"header"`
	Definition datatypes.JSON `json:"definition"`
	Tag        Tag            `json:"tag"`
	CreateTime time.Time      `json:"createTime"`
}

// WriteOp is one operation within an atomic writeBatch call.
type WriteOpKind string

const (
	WriteOpCreateObject WriteOpKind = "CREATE_OBJECT"
	WriteOpUpdateObject WriteOpKind = "UPDATE_OBJECT"
	WriteOpUpdateTag    WriteOpKind = "UPDATE_TAG"
)

type WriteOp struct {
	Kind       WriteOpKind
	Header     TagHeader
	Definition datatypes.JSON
	Attrs      map[string]any
	// CreateTime pins every object created in the same batch to a single
	// timestamp.
	CreateTime time.Time
}

// SearchQuery is a minimal attribute-equality search over a tenant/object
// type; the orchestrator only ever resolves selectors with it, never does
// free-text search.
type SearchQuery struct {
	Tenant     string
	ObjectType ObjectType
	Attrs      map[string]any
}

// Store is the metadata store client surface the orchestrator consumes
//. Implementations live outside this package; the orchestrator
// only calls through this interface.
type Store interface {
	// PreallocateID reserves an object identifier with no definition yet
	// attached. A preallocated ID with no subsequent object is legal and
	// must be ignored by readers.
	PreallocateID(ctx context.Context, tenant string, objectType ObjectType) (TagHeader, error)

	// CreatePreallocatedObject attaches a definition and initial tag to a
	// previously preallocated ID.
	CreatePreallocatedObject(ctx context.Context, header TagHeader, definition datatypes.JSON, attrs map[string]any) (TagHeader, error)

	UpdateObject(ctx context.Context, header TagHeader, definition datatypes.JSON) (TagHeader, error)
	UpdateTag(ctx context.Context, header TagHeader, attrs map[string]any) (TagHeader, error)

	ReadObject(ctx context.Context, sel Selector) (Object, error)
	ReadBatch(ctx context.Context, sels []Selector) ([]Object, error)
	Search(ctx context.Context, q SearchQuery) ([]Object, error)

	// WriteBatch performs every op atomically: all succeed or none do.
	WriteBatch(ctx context.Context, ops []WriteOp) ([]TagHeader, error)
}
