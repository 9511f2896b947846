package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/notestash/relay/internal/blocks"
)

// readNoteFile loads a note from disk. Markdown files become a rich blocks
// document, JSON files must already be one, and any other text file is sent
// as a plain note.
func readNoteFile(path string) (content string, rich bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false, err
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".md" || ext == ".markdown" {
		doc, err := blocks.EncodeMarkdown(data, filepath.Dir(path))
		if err != nil {
			return "", false, err
		}
		return string(doc), true, nil
	}

	mt := mimetype.Detect(data)
	switch {
	case mt.Is("application/json"):
		if _, err := blocks.Parse(data); err != nil {
			return "", false, err
		}
		return string(data), true, nil
	case strings.HasPrefix(mt.String(), "text/"):
		return string(data), false, nil
	default:
		return "", false, fmt.Errorf("%s: unsupported note type %s", path, mt.String())
	}
}
