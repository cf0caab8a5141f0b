package tessera

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/tesseradb/tessera/engine"
	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/schema"
)

var (
	// ErrNotFound is returned when a workspace, group, array, metadata
	// object or metadata key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrFinalized is returned by operations on a finalized handle.
	ErrFinalized = errors.New("handle finalized")

	// ErrConsolidationConflict signals another consolidation of the same
	// dataset; the call can simply be retried later.
	ErrConsolidationConflict = errors.New("consolidation already in progress")
)

// RequestError reports a malformed call: wrong buffer count, sizes that do
// not split into whole cells, an invalid subarray or projection, or an
// operation that does not match the handle's mode. Request errors are
// raised before anything reaches disk.
//
// The underlying error (if any) is available via errors.Unwrap.
type RequestError struct {
	Op     string
	Reason string
	cause  error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: invalid request: %s", e.Op, e.Reason)
}

func (e *RequestError) Unwrap() error { return e.cause }

// IOError reports a filesystem failure underneath an operation.
//
// The underlying error is available via errors.Unwrap.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func requestErr(op, format string, args ...any) error {
	return &RequestError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// translateError normalizes internal errors into the public taxonomy.
func translateError(op, path string, err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, fragment.ErrRequest):
		return &RequestError{Op: op, Reason: err.Error(), cause: err}
	case errors.Is(err, engine.ErrFinalized):
		return fmt.Errorf("%w: %s", ErrFinalized, op)
	case errors.Is(err, engine.ErrConsolidationConflict):
		return fmt.Errorf("%w: %s", ErrConsolidationConflict, path)
	case errors.Is(err, schema.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s: %w", ErrNotFound, path, err)
	}

	// Schema validation errors already say what was wrong.
	var se *schema.Error
	if errors.As(err, &se) {
		return err
	}

	var pe *fs.PathError
	if errors.As(err, &pe) {
		return &IOError{Op: op, Path: pe.Path, Err: err}
	}
	return err
}
