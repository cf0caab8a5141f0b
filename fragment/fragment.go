// Package fragment owns the on-disk layout of one fragment: the immutable
// output of a single committed write session. A fragment directory holds one
// tile stream per attribute, a coordinates stream for sparse data, and a
// binary bookkeeping file that maps domain ranges to tiles without scanning
// cell data.
//
// Writers build fragments in a hidden temporary directory and publish them
// with a single rename, so readers either see a complete fragment or none.
package fragment

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/tesseradb/tessera/internal/fs"
)

// File names inside a fragment directory.
const (
	// MetaFile is the bookkeeping file written last, before commit.
	MetaFile = "__meta.bin"
	// CoordsFile holds the tile stream of the implicit coordinates attribute.
	CoordsFile = "__coords.dat"
)

const (
	namePrefix = "frag-"
	tmpPrefix  = ".tmp-"
)

// seq disambiguates fragments committed within one clock tick of each other
// by the same process.
var seq atomic.Uint64

// ID orders fragments by recency. Later IDs shadow earlier ones where their
// cells overlap. Gen is bumped by consolidation so a merged fragment sorts
// exactly where its newest input did, ahead of that input but behind any
// fragment written after it.
type ID struct {
	TS  int64
	Seq uint64
	Gen uint64
}

// NewID returns a fresh ID for a fragment being created now.
func NewID() ID {
	return ID{TS: time.Now().UnixNano(), Seq: seq.Add(1)}
}

// Compare orders IDs by recency: negative when id committed before other.
func (id ID) Compare(other ID) int {
	switch {
	case id.TS != other.TS:
		if id.TS < other.TS {
			return -1
		}
		return 1
	case id.Seq != other.Seq:
		if id.Seq < other.Seq {
			return -1
		}
		return 1
	case id.Gen != other.Gen:
		if id.Gen < other.Gen {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// Name returns the fragment's directory name.
func (id ID) Name() string {
	return fmt.Sprintf("%s%020d-%06d-%03d", namePrefix, id.TS, id.Seq, id.Gen)
}

func (id ID) String() string { return id.Name() }

// ParseName inverts Name. Temporary and foreign directory names are rejected.
func ParseName(name string) (ID, bool) {
	if !strings.HasPrefix(name, namePrefix) {
		return ID{}, false
	}
	var id ID
	n, err := fmt.Sscanf(name[len(namePrefix):], "%d-%d-%d", &id.TS, &id.Seq, &id.Gen)
	if err != nil || n != 3 {
		return ID{}, false
	}
	if id.Name() != name {
		return ID{}, false
	}
	return id, true
}

func tmpName(id ID) string {
	return tmpPrefix + id.Name()
}

// List returns the committed fragments of a dataset directory in recency
// order, oldest first. In-flight temporary directories and unrelated entries
// are ignored, so an interrupted writer never surfaces here.
func List(fsys fs.FileSystem, dir string) ([]ID, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list fragments: %w", err)
	}

	var ids []ID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if id, ok := ParseName(e.Name()); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids, nil
}
