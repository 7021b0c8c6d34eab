package search

// Writer is an exclusive, batched write session on the index. Exactly one
// of Commit or Cancel ends it and releases the lease.
type Writer interface {
	// Upsert stages doc, fully replacing any document with the same id.
	Upsert(doc Document) error
	Commit() error
	// Cancel drops everything staged since the lease was taken.
	Cancel()
}

// DocumentIndex is the part of Index the pipeline writes through.
type DocumentIndex interface {
	Writer() (Writer, error)
	FindByID(id string) (bool, error)
	Delete(id string) error
}

// Searcher defines the query API used by the CLI.
type Searcher interface {
	Search(query, viewer string, limit int) ([]*Result, error)
}

// DebugStatser provides lightweight stats for visibility/debugging.
type DebugStatser interface {
	DocCount() (int, error)
}

var (
	_ DocumentIndex = (*Index)(nil)
	_ Searcher      = (*Index)(nil)
	_ DebugStatser  = (*Index)(nil)
)
