package tessera

import (
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-multierror"

	"github.com/tesseradb/tessera/engine"
	"github.com/tesseradb/tessera/fragment"
)

// Entry is one object found by List.
type Entry struct {
	Path string
	Kind ObjectKind
}

// List returns the tessera objects directly inside parent, sorted by path.
// Non-object directories and plain files are skipped.
func (c *Context) List(parent string) ([]Entry, error) {
	const op = "list"
	entries, err := c.env.FS.ReadDir(parent)
	if err != nil {
		return nil, translateError(op, parent, err)
	}

	var out []Entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p := filepath.Join(parent, e.Name())
		if k := c.kind(p); k != KindUnknown {
			out = append(out, Entry{Path: p, Kind: k})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Clear empties an object but keeps it: arrays and metadata lose their
// fragments, workspaces and groups lose every contained object. Schemas and
// markers survive, so the object remains usable.
func (c *Context) Clear(path string) error {
	const op = "clear"
	if err := c.checkOpen(op); err != nil {
		return err
	}
	switch c.kind(path) {
	case KindArray, KindMetadata:
		return c.clearFragments(op, path)
	case KindWorkspace, KindGroup:
		children, err := c.List(path)
		if err != nil {
			return err
		}
		var result error
		for _, child := range children {
			if err := c.Delete(child.Path); err != nil {
				result = multierror.Append(result, err)
			}
		}
		return result
	default:
		return requestErr(op, "%s is not a tessera object", path)
	}
}

func (c *Context) clearFragments(op, path string) error {
	ids, err := fragment.List(c.env.FS, path)
	if err != nil {
		return translateError(op, path, err)
	}
	var result error
	for _, id := range ids {
		if err := c.env.FS.RemoveAll(filepath.Join(path, id.Name())); err != nil {
			result = multierror.Append(result, err)
		}
	}
	// The lock file only exists after a consolidation; a missing one is fine.
	_ = c.env.FS.Remove(filepath.Join(path, engine.LockFile))
	return result
}

// Delete removes an object and everything inside it.
func (c *Context) Delete(path string) error {
	const op = "delete"
	if err := c.checkOpen(op); err != nil {
		return err
	}
	if c.kind(path) == KindUnknown {
		return requestErr(op, "%s is not a tessera object", path)
	}
	return translateError(op, path, c.env.FS.RemoveAll(path))
}

// Move renames an object. The destination must not exist and, for anything
// but a workspace, its parent must be a valid container.
func (c *Context) Move(oldPath, newPath string) error {
	const op = "move"
	if err := c.checkOpen(op); err != nil {
		return err
	}
	kind := c.kind(oldPath)
	if kind == KindUnknown {
		return requestErr(op, "%s is not a tessera object", oldPath)
	}
	if c.kind(newPath) != KindUnknown {
		return requestErr(op, "%s already exists", newPath)
	}
	switch kind {
	case KindGroup:
		if err := c.requireParent(op, newPath, KindWorkspace, KindGroup); err != nil {
			return err
		}
	case KindArray:
		if err := c.requireParent(op, newPath, KindWorkspace, KindGroup); err != nil {
			return err
		}
	case KindMetadata:
		if err := c.requireParent(op, newPath, KindWorkspace, KindGroup, KindArray); err != nil {
			return err
		}
	}
	return translateError(op, oldPath, c.env.FS.Rename(oldPath, newPath))
}
