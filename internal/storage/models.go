package storage

import "time"

// NoteRecord is a stored note. Text is the only mutable field; changing it
// triggers re-indexing of the note's chunks.
type NoteRecord struct {
	ID        string
	TenantID  string
	Text      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ChunkRecord is one indexed fragment of a note.
// The ID has the shape {noteID}_{zero-padded 3-digit position} so that
// re-indexing unchanged text yields identical identifiers.
type ChunkRecord struct {
	ID             string
	NoteID         string
	TenantID       string
	Text           string
	Fingerprint    string // truncated 16-hex content hash of Text
	Position       int
	TotalChunks    int
	TokenEstimate  int
	CreatedAt      time.Time // inherited from the parent note
	StartOffset    int
	EndOffset      int
	Anchor         string
	PrevContext    string
	NextContext    string
	Terms          []string
	TermsVersion   int
	Embedding      []float32 // nil until backfilled
	EmbeddingModel string
}

// HasEmbedding reports whether an embedding has been attached.
func (c *ChunkRecord) HasEmbedding() bool {
	return len(c.Embedding) > 0
}
