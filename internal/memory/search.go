package memory

import (
	"gearbox/internal/types"
)

// ArchiveSearcher is the read side of the archive log. The store implements
// it; the engine only depends on the interface.
type ArchiveSearcher interface {
	SearchArchive(project string, q types.ArchiveQuery, offset, limit int) ([]types.ArchiveEntry, error)
}

// DefaultPageSize bounds a single archive fetch.
const DefaultPageSize = 50

// Cursor pages through archive search results in stable archival order. A
// cursor is finite (Next reports done when the results are exhausted) and
// restartable (Restart rewinds to the first page).
type Cursor struct {
	searcher ArchiveSearcher
	project  string
	query    types.ArchiveQuery
	pageSize int
	offset   int
	done     bool
}

// NewCursor prepares a paged search over the archive. pageSize <= 0 selects
// DefaultPageSize.
func NewCursor(searcher ArchiveSearcher, project string, q types.ArchiveQuery, pageSize int) *Cursor {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Cursor{
		searcher: searcher,
		project:  project,
		query:    q,
		pageSize: pageSize,
	}
}

// Next returns the next page of matches. done is true once no further pages
// remain; a short page is the final one.
func (c *Cursor) Next() (entries []types.ArchiveEntry, done bool, err error) {
	if c.done {
		return nil, true, nil
	}
	entries, err = c.searcher.SearchArchive(c.project, c.query, c.offset, c.pageSize)
	if err != nil {
		return nil, false, err
	}
	c.offset += len(entries)
	if len(entries) < c.pageSize {
		c.done = true
	}
	return entries, c.done, nil
}

// Restart rewinds the cursor to the first page.
func (c *Cursor) Restart() {
	c.offset = 0
	c.done = false
}
