// Package rag turns source documents into embedded fragments: loaders read
// text out of files, the splitter cuts it into overlapping chunks and the
// embedder computes their vectors.
package rag

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/pkg/errors"
)

// Load reads the text of the file at path, choosing a loader by extension.
// A missing file yields an error matching os.ErrNotExist.
func Load(path string) (string, error) {
	if _, err := os.Stat(path); err != nil {
		return "", errors.Wrapf(err, "load %s", path)
	}
	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		return LoadPDF(path)
	}
	return LoadText(path)
}

func LoadText(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "load %s", path)
	}
	return string(b), nil
}

// LoadPDF extracts the plain text of every page.
func LoadPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "open pdf %s", path)
	}
	defer f.Close()

	text, err := r.GetPlainText()
	if err != nil {
		return "", errors.Wrapf(err, "read pdf %s", path)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(text); err != nil {
		return "", errors.Wrapf(err, "read pdf %s", path)
	}
	return buf.String(), nil
}
