package domain

// Fragment is a chunk of a source document indexed on its own for retrieval.
type Fragment struct {
	ID         int64
	BotID      string
	DocumentID string
	Content    string
	Metadata   map[string]any
	Embedding  []float32
}
