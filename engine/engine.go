package engine

import (
	"errors"

	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/internal/fs"
	"github.com/tesseradb/tessera/resource"
)

var (
	// ErrFinalized is returned by any operation on a finalized session.
	ErrFinalized = errors.New("session finalized")
	// ErrConsolidationConflict signals a concurrent consolidation of the
	// same dataset. The operation may simply be retried later.
	ErrConsolidationConflict = errors.New("consolidation already in progress")
)

// Env carries the process-wide collaborators every session needs. The
// context layer fills it once; sessions treat it as read-only.
type Env struct {
	FS     fs.FileSystem
	Ctrl   *resource.Controller
	Method fragment.ReadMethod
	// MetaWorkers bounds the parallelism of fragment meta loading when a
	// read session opens. Zero means GOMAXPROCS.
	MetaWorkers int
}
