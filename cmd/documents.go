package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/extract-cli/internal/model"
)

const maxDocumentLine = 64 << 20

// loadDocuments reads documents from path. A directory yields one document
// per .txt or .md file, named by file stem. A .jsonl file holds one
// {"id","text","metadata"} object per line, a .json file an array of them.
// Any other file is a single plain-text document.
func loadDocuments(path string) ([]model.Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, eris.Wrapf(err, "stat %s", path)
	}
	if info.IsDir() {
		return loadDocumentDir(path)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson":
		return loadJSONL(path)
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, eris.Wrapf(err, "read %s", path)
		}
		var docs []model.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, eris.Wrapf(err, "parse %s", path)
		}
		return normalizeDocuments(docs, filepath.Base(path)), nil
	default:
		doc, err := readTextDocument(path)
		if err != nil {
			return nil, err
		}
		return []model.Document{doc}, nil
	}
}

func loadDocumentDir(dir string) ([]model.Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, eris.Wrapf(err, "read dir %s", dir)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".txt", ".md":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]model.Document, 0, len(names))
	for _, name := range names {
		doc, err := readTextDocument(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func readTextDocument(path string) (model.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Document{}, eris.Wrapf(err, "read %s", path)
	}
	base := filepath.Base(path)
	return model.Document{
		ID:       strings.TrimSuffix(base, filepath.Ext(base)),
		Text:     string(data),
		Metadata: map[string]string{"source": path},
	}, nil
}

func loadJSONL(path string) ([]model.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}
	defer f.Close() //nolint:errcheck

	var docs []model.Document
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1<<20), maxDocumentLine)
	line := 0
	for scanner.Scan() {
		line++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" {
			continue
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, eris.Wrapf(err, "parse %s line %d", path, line)
		}
		if doc.ID == "" {
			doc.ID = fmt.Sprintf("%s:%d", filepath.Base(path), line)
		}
		docs = append(docs, doc)
	}
	if err := scanner.Err(); err != nil {
		return nil, eris.Wrapf(err, "scan %s", path)
	}
	return normalizeDocuments(docs, filepath.Base(path)), nil
}

// normalizeDocuments fills missing ids and drops documents without text.
func normalizeDocuments(docs []model.Document, source string) []model.Document {
	out := docs[:0]
	for i, d := range docs {
		if d.ID == "" {
			d.ID = fmt.Sprintf("%s:%d", source, i+1)
		}
		if strings.TrimSpace(d.Text) == "" {
			zap.L().Warn("skipping document without text", zap.String("document_id", d.ID))
			continue
		}
		out = append(out, d)
	}
	return out
}
