package tessera

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tesseradb/tessera/engine"
	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/internal/fs"
	"github.com/tesseradb/tessera/resource"
	"github.com/tesseradb/tessera/schema"
)

// Marker files identifying workspace and group directories.
const (
	WorkspaceMarker = "__tessera_workspace.json"
	GroupMarker     = "__tessera_group.json"
)

// ObjectKind classifies a directory in a workspace tree.
type ObjectKind int

const (
	KindUnknown ObjectKind = iota
	KindWorkspace
	KindGroup
	KindArray
	KindMetadata
)

func (k ObjectKind) String() string {
	switch k {
	case KindWorkspace:
		return "workspace"
	case KindGroup:
		return "group"
	case KindArray:
		return "array"
	case KindMetadata:
		return "metadata"
	default:
		return "unknown"
	}
}

// Mode selects what an open handle may do.
type Mode int

const (
	// ModeRead opens for reading; Write calls are rejected.
	ModeRead Mode = iota + 1
	// ModeWrite opens for appending cells in global cell order; the
	// fragment commits on Finalize.
	ModeWrite
	// ModeWriteUnsorted opens for bulk loads in arbitrary cell order; every
	// Write call commits its own fragment.
	ModeWriteUnsorted
)

func (m Mode) valid() bool { return m >= ModeRead && m <= ModeWriteUnsorted }

// finalizer is anything the context must close when it goes away.
type finalizer interface{ Finalize() error }

// Context is the root handle. It owns the shared resource limits and tracks
// every open array and metadata handle so Finalize can close stragglers.
// A Context is safe for concurrent use.
type Context struct {
	log     *Logger
	metrics MetricsCollector
	env     engine.Env

	mu      sync.Mutex
	handles map[finalizer]struct{}
	done    bool
}

// New creates a Context.
func New(optFns ...Option) (*Context, error) {
	o := applyOptions(optFns)
	return &Context{
		log:     o.logger,
		metrics: o.metrics,
		env: engine.Env{
			FS:          o.fsys,
			Ctrl:        resource.NewController(o.resources),
			Method:      o.method,
			MetaWorkers: o.metaWorkers,
		},
		handles: make(map[finalizer]struct{}),
	}, nil
}

// Finalize closes every handle still open under the context. The context is
// unusable afterwards.
func (c *Context) Finalize() error {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return nil
	}
	c.done = true
	open := make([]finalizer, 0, len(c.handles))
	for h := range c.handles {
		open = append(open, h)
	}
	c.handles = nil
	c.mu.Unlock()

	var result error
	for _, h := range open {
		if err := h.Finalize(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// checkOpen rejects operations on a finalized context.
func (c *Context) checkOpen(op string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return &RequestError{Op: op, Reason: "context finalized", cause: ErrFinalized}
	}
	return nil
}

func (c *Context) register(h finalizer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return ErrFinalized
	}
	c.handles[h] = struct{}{}
	return nil
}

func (c *Context) unregister(h finalizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handles, h)
}

// kind classifies the directory at path by its marker and schema files.
func (c *Context) kind(path string) ObjectKind {
	if _, err := c.env.FS.Stat(filepath.Join(path, WorkspaceMarker)); err == nil {
		return KindWorkspace
	}
	if _, err := c.env.FS.Stat(filepath.Join(path, GroupMarker)); err == nil {
		return KindGroup
	}
	if _, err := c.env.FS.Stat(filepath.Join(path, schema.ArraySchemaFile)); err == nil {
		return KindArray
	}
	if _, err := c.env.FS.Stat(filepath.Join(path, schema.MetadataSchemaFile)); err == nil {
		return KindMetadata
	}
	return KindUnknown
}

type markerBody struct {
	FormatVersion int `json:"format_version"`
}

func (c *Context) createMarked(op, path, marker string, kind ObjectKind) error {
	if err := c.checkOpen(op); err != nil {
		return err
	}
	if c.kind(path) != KindUnknown {
		return requestErr(op, "%s already holds a %s", path, c.kind(path))
	}
	if err := c.env.FS.MkdirAll(path, 0o755); err != nil {
		return translateError(op, path, err)
	}
	body, err := json.Marshal(markerBody{FormatVersion: schema.FormatVersion})
	if err != nil {
		return err
	}
	if err := fs.WriteFileAtomic(c.env.FS, path, marker, body, 0o644); err != nil {
		return translateError(op, path, err)
	}
	c.log.LogCreate(context.Background(), kind, path, nil)
	return nil
}

// requireParent checks that path's parent directory is one of the allowed
// object kinds.
func (c *Context) requireParent(op, path string, allowed ...ObjectKind) error {
	parent := filepath.Dir(path)
	pk := c.kind(parent)
	for _, k := range allowed {
		if pk == k {
			return nil
		}
	}
	return requestErr(op, "parent %s is a %s, not a valid container", parent, pk)
}

// CreateWorkspace creates a workspace directory. Workspaces are roots; they
// may live anywhere.
func (c *Context) CreateWorkspace(path string) error {
	return c.createMarked("create workspace", path, WorkspaceMarker, KindWorkspace)
}

// CreateGroup creates a group inside a workspace or another group.
func (c *Context) CreateGroup(path string) error {
	const op = "create group"
	if err := c.requireParent(op, path, KindWorkspace, KindGroup); err != nil {
		return err
	}
	return c.createMarked(op, path, GroupMarker, KindGroup)
}

// CreateArray creates an array directory inside a workspace or group and
// persists its schema. The schema must have been built for arrays.
func (c *Context) CreateArray(path string, sch *schema.Schema) error {
	const op = "create array"
	if sch == nil || sch.Kind != schema.KindArray {
		return requestErr(op, "an array schema is required")
	}
	return c.createDataset(op, path, sch, KindArray, KindWorkspace, KindGroup)
}

// CreateMetadata creates a metadata object inside a workspace, group or
// array. The schema must have been built with NewMetadataBuilder.
func (c *Context) CreateMetadata(path string, sch *schema.Schema) error {
	const op = "create metadata"
	if sch == nil || sch.Kind != schema.KindMetadata {
		return requestErr(op, "a metadata schema is required")
	}
	return c.createDataset(op, path, sch, KindMetadata, KindWorkspace, KindGroup, KindArray)
}

func (c *Context) createDataset(op, path string, sch *schema.Schema, kind ObjectKind, parents ...ObjectKind) error {
	if err := c.checkOpen(op); err != nil {
		return err
	}
	if err := c.requireParent(op, path, parents...); err != nil {
		return err
	}
	if c.kind(path) != KindUnknown {
		return requestErr(op, "%s already holds a %s", path, c.kind(path))
	}
	if err := c.env.FS.MkdirAll(path, 0o755); err != nil {
		return translateError(op, path, err)
	}
	if err := sch.Save(c.env.FS, path); err != nil {
		c.log.LogCreate(context.Background(), kind, path, err)
		return translateError(op, path, err)
	}
	c.log.LogCreate(context.Background(), kind, path, nil)
	return nil
}

// openOptions collect the per-open settings.
type openOptions struct {
	sub   []byte
	names []string
}

// OpenOption configures OpenArray and OpenMetadata.
type OpenOption func(*openOptions)

// WithSubarray restricts the handle to a subarray: the read result range, or
// the tile-aligned region a dense append covers. The layout is one [lo, hi]
// coordinate pair per dimension.
func WithSubarray(raw []byte) OpenOption {
	return func(o *openOptions) {
		o.sub = append([]byte(nil), raw...)
	}
}

// WithAttributes restricts the handle to an attribute projection, in buffer
// order. Default is every schema attribute.
func WithAttributes(names ...string) OpenOption {
	return func(o *openOptions) {
		o.names = append([]string(nil), names...)
	}
}

// ConsolidateArray merges all fragments of an array into one.
func (c *Context) ConsolidateArray(path string) error {
	return c.consolidate("consolidate array", path, schema.KindArray)
}

// ConsolidateMetadata merges all fragments of a metadata object into one.
func (c *Context) ConsolidateMetadata(path string) error {
	return c.consolidate("consolidate metadata", path, schema.KindMetadata)
}

func (c *Context) consolidate(op, path string, kind schema.Kind) error {
	if err := c.checkOpen(op); err != nil {
		return err
	}
	sch, err := c.loadSchema(op, path, kind)
	if err != nil {
		return err
	}
	ids, err := fragment.List(c.env.FS, path)
	if err != nil {
		return translateError(op, path, err)
	}

	start := time.Now()
	err = engine.Consolidate(context.Background(), c.env, path, sch)
	took := time.Since(start)
	c.metrics.RecordConsolidation(len(ids), took, err)
	c.log.LogConsolidation(context.Background(), path, len(ids), took, err)
	return translateError(op, path, err)
}

func (c *Context) loadSchema(op, path string, kind schema.Kind) (*schema.Schema, error) {
	sch, err := schema.Load(c.env.FS, path)
	if err != nil {
		return nil, translateError(op, path, err)
	}
	if sch.Kind != kind {
		return nil, requestErr(op, "%s is not the requested object kind", path)
	}
	return sch, nil
}
