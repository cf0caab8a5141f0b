package engine

import (
	"context"
	"fmt"

	"github.com/tesseradb/tessera/fragment"
	"github.com/tesseradb/tessera/schema"
)

// WriteSession is the write half of the session state machine. In append
// mode it feeds one fragment writer across any number of Write calls and
// commits the fragment on Finalize. In unsorted mode every Write call is a
// self-contained bulk load producing its own fragment, and Finalize only
// closes the session.
type WriteSession struct {
	env   Env
	sch   *schema.Schema
	dir   string
	names []string
	sub   []byte

	unsorted  bool
	w         *fragment.Writer
	committed []fragment.ID
	done      bool
}

// NewWriteSession opens a write session on the dataset directory. names is
// the attribute projection in buffer order; nil means every schema attribute.
// subRaw restricts a dense append to a tile-aligned region; it must be nil
// otherwise.
func NewWriteSession(env Env, dir string, sch *schema.Schema, names []string, subRaw []byte, unsorted bool) (*WriteSession, error) {
	if names == nil {
		names = make([]string, len(sch.Attributes))
		for i, a := range sch.Attributes {
			names[i] = a.Name
		}
	}
	if _, err := fragment.ResolveAttrs(sch, names); err != nil {
		return nil, err
	}
	if unsorted && subRaw != nil {
		return nil, fmt.Errorf("%w: unsorted writes take no subarray", fragment.ErrRequest)
	}

	return &WriteSession{
		env:      env,
		sch:      sch,
		dir:      dir,
		names:    append([]string(nil), names...),
		sub:      subRaw,
		unsorted: unsorted,
	}, nil
}

// Write appends cells (append mode) or bulk-loads one fragment (unsorted
// mode). Buffer layout follows the projection: one buffer per fixed
// attribute, offsets+values per var attribute, and for sparse data the
// coordinates buffer last.
func (s *WriteSession) Write(buffers [][]byte, sizes []int) error {
	if s.done {
		return ErrFinalized
	}

	if s.unsorted {
		id, err := fragment.BulkWrite(context.Background(), s.env.FS, s.dir, s.sch, s.names, buffers, sizes, s.env.Ctrl)
		if err != nil {
			return err
		}
		s.committed = append(s.committed, id)
		return nil
	}

	if s.w == nil {
		w, err := fragment.NewWriter(s.env.FS, s.dir, s.sch, s.names, s.sub, fragment.NewID())
		if err != nil {
			return err
		}
		s.w = w
	}
	return s.w.Write(buffers, sizes)
}

// Committed lists the fragments this session has published so far. Append
// sessions commit at most one, on Finalize.
func (s *WriteSession) Committed() []fragment.ID {
	return append([]fragment.ID(nil), s.committed...)
}

// Finalize commits the in-flight fragment, if any, and closes the session.
// An append session that never wrote commits nothing.
func (s *WriteSession) Finalize() error {
	if s.done {
		return ErrFinalized
	}
	s.done = true

	if s.w == nil {
		return nil
	}
	id := s.w.ID()
	if err := s.w.Finalize(); err != nil {
		return err
	}
	s.committed = append(s.committed, id)
	return nil
}

// Abort discards the in-flight fragment and closes the session. Fragments
// already committed by unsorted writes stay.
func (s *WriteSession) Abort() error {
	if s.done {
		return nil
	}
	s.done = true
	if s.w != nil {
		return s.w.Abort()
	}
	return nil
}
