package rag

import (
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/tmc/langchaingo/textsplitter"
)

// DefaultSeparators try paragraph, line, then word boundaries before
// falling back to single characters.
var DefaultSeparators = []string{"\n\n", "\n", " ", ""}

// Splitter cuts text into chunks of at most ChunkSize characters, recursing
// through Separators until pieces fit, and carries up to ChunkOverlap
// characters of context from one chunk into the next.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

func NewSplitter(size, overlap int) *Splitter {
	return &Splitter{ChunkSize: size, ChunkOverlap: overlap, Separators: DefaultSeparators}
}

func (s *Splitter) Split(text string) ([]string, error) {
	seps := s.Separators
	if len(seps) == 0 {
		seps = DefaultSeparators
	}
	rc := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(s.ChunkSize),
		textsplitter.WithChunkOverlap(s.ChunkOverlap),
		textsplitter.WithSeparators(seps),
		textsplitter.WithLenFunc(utf8.RuneCountInString),
	)
	chunks, err := rc.SplitText(text)
	if err != nil {
		return nil, errors.Wrap(err, "rag: split")
	}
	return chunks, nil
}
