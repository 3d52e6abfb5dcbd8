package knowledge

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gopkg.in/yaml.v3"
)

// Document is one unit of loaded source text. ID is stable across reloads
// of the same source so re-ingesting yields the same chunk hashes.
type Document struct {
	ID       string
	Source   string
	Text     string
	Metadata map[string]string
}

// Source produces documents for ingestion. The set of implementations is
// closed; callers pick one of the concrete types below.
type Source interface {
	Load(ctx context.Context) ([]Document, error)
	Name() string
	source()
}

// StringSource is inline text.
type StringSource struct {
	ID      string
	Content string
}

func (s StringSource) source() {}

func (s StringSource) Name() string {
	if s.ID != "" {
		return s.ID
	}
	return "string"
}

func (s StringSource) Load(ctx context.Context) ([]Document, error) {
	if strings.TrimSpace(s.Content) == "" {
		return nil, fmt.Errorf("string source %q is empty", s.Name())
	}
	return []Document{{ID: s.Name(), Source: "string", Text: s.Content}}, nil
}

// FileSource is a single plain-text file.
type FileSource struct {
	Path string
}

func (s FileSource) source() {}

func (s FileSource) Name() string { return s.Path }

func (s FileSource) Load(ctx context.Context) ([]Document, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}
	return []Document{{
		ID:       s.Path,
		Source:   "file",
		Text:     string(data),
		Metadata: map[string]string{"path": s.Path},
	}}, nil
}

// CSVSource turns every row of a CSV file into "column: value" lines.
// The first row is the header.
type CSVSource struct {
	Path string
}

func (s CSVSource) source() {}

func (s CSVSource) Name() string { return s.Path }

func (s CSVSource) Load(ctx context.Context) ([]Document, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", s.Path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read csv header: %w", err)
	}

	var b strings.Builder
	rows := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read csv row %d: %w", rows+1, err)
		}
		for i, value := range record {
			col := fmt.Sprintf("column_%d", i+1)
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				col = strings.TrimSpace(header[i])
			}
			fmt.Fprintf(&b, "%s: %s\n", col, strings.TrimSpace(value))
		}
		b.WriteString("\n")
		rows++
	}
	if rows == 0 {
		return nil, fmt.Errorf("csv %s has no rows", s.Path)
	}

	return []Document{{
		ID:       s.Path,
		Source:   "csv",
		Text:     strings.TrimSpace(b.String()),
		Metadata: map[string]string{"path": s.Path, "rows": fmt.Sprint(rows)},
	}}, nil
}

// StructuredSource is a JSON or YAML file flattened to "dotted.key: value"
// lines. JSON is parsed by the YAML decoder.
type StructuredSource struct {
	Path string
}

func (s StructuredSource) source() {}

func (s StructuredSource) Name() string { return s.Path }

func (s StructuredSource) Load(ctx context.Context) ([]Document, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", s.Path, err)
	}

	var root any
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.Path, err)
	}

	var lines []string
	flatten("", root, &lines)
	if len(lines) == 0 {
		return nil, fmt.Errorf("%s contains no values", s.Path)
	}

	return []Document{{
		ID:       s.Path,
		Source:   "structured",
		Text:     strings.Join(lines, "\n"),
		Metadata: map[string]string{"path": s.Path},
	}}, nil
}

func flatten(prefix string, v any, lines *[]string) {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flatten(join(prefix, k), val[k], lines)
		}
	case []any:
		for i, item := range val {
			flatten(join(prefix, fmt.Sprint(i)), item, lines)
		}
	case nil:
	default:
		if prefix == "" {
			*lines = append(*lines, fmt.Sprint(val))
			return
		}
		*lines = append(*lines, fmt.Sprintf("%s: %v", prefix, val))
	}
}

func join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// WebSource fetches a page over HTTP and strips markup.
type WebSource struct {
	URL    string
	Client *http.Client
}

func (s WebSource) source() {}

func (s WebSource) Name() string { return s.URL }

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]+>`)
	spaceRe  = regexp.MustCompile(`[ \t]+`)
	blankRe  = regexp.MustCompile(`\n\s*\n+`)
)

func (s WebSource) Load(ctx context.Context) ([]Document, error) {
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	var body []byte
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	err := backoff.Retry(func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch %s: %w", s.URL, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("fetch %s: status %d", s.URL, resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("fetch %s: status %d", s.URL, resp.StatusCode))
		}
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read body: %w", err)
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
	if err != nil {
		return nil, err
	}

	text := stripHTML(string(body))
	if text == "" {
		return nil, fmt.Errorf("%s returned no text", s.URL)
	}
	return []Document{{
		ID:       s.URL,
		Source:   "web",
		Text:     text,
		Metadata: map[string]string{"url": s.URL},
	}}, nil
}

func stripHTML(s string) string {
	s = scriptRe.ReplaceAllString(s, " ")
	s = tagRe.ReplaceAllString(s, "\n")
	for old, repl := range map[string]string{"&nbsp;": " ", "&amp;": "&", "&lt;": "<", "&gt;": ">", "&quot;": `"`, "&#39;": "'"} {
		s = strings.ReplaceAll(s, old, repl)
	}
	s = spaceRe.ReplaceAllString(s, " ")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// DirectorySource walks Dir and loads every file whose extension is in
// Extensions (all files when empty). .csv, .json, .yaml and .yml files are
// loaded through the matching structured source.
type DirectorySource struct {
	Dir        string
	Extensions []string
}

func (s DirectorySource) source() {}

func (s DirectorySource) Name() string { return s.Dir }

// Load returns every document it could read. Files that fail are reported
// in the returned error (one wrapped error per file) while the rest load.
func (s DirectorySource) Load(ctx context.Context) ([]Document, error) {
	var paths []string
	err := filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != s.Dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if s.Accepts(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", s.Dir, err)
	}

	var docs []Document
	var errs []error
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return docs, err
		}
		loaded, err := SourceForPath(path).Load(ctx)
		if err != nil {
			errs = append(errs, &IngestionError{Source: path, Err: err})
			continue
		}
		docs = append(docs, loaded...)
	}
	return docs, errors.Join(errs...)
}

// Accepts reports whether path has one of the allowed extensions and is not
// a hidden file.
func (s DirectorySource) Accepts(path string) bool {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return false
	}
	if len(s.Extensions) == 0 {
		return true
	}
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range s.Extensions {
		allowed = strings.ToLower(allowed)
		if !strings.HasPrefix(allowed, ".") {
			allowed = "." + allowed
		}
		if ext == allowed {
			return true
		}
	}
	return false
}

// SourceForPath picks a source type from a file extension.
func SourceForPath(path string) Source {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return CSVSource{Path: path}
	case ".json", ".yaml", ".yml":
		return StructuredSource{Path: path}
	default:
		return FileSource{Path: path}
	}
}

// ParseSource builds a source from a config entry: "http(s)://..." is a web
// page, an existing directory is a DirectorySource, a file is picked by
// extension, and "text:..." is inline content.
func ParseSource(spec string) (Source, error) {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return nil, fmt.Errorf("empty knowledge source")
	case strings.HasPrefix(spec, "http://"), strings.HasPrefix(spec, "https://"):
		return WebSource{URL: spec}, nil
	case strings.HasPrefix(spec, "text:"):
		content := strings.TrimPrefix(spec, "text:")
		return StringSource{ID: "text-" + contentHash(content)[:12], Content: content}, nil
	}

	info, err := os.Stat(spec)
	if err != nil {
		return nil, fmt.Errorf("knowledge source %s: %w", spec, err)
	}
	if info.IsDir() {
		return DirectorySource{Dir: spec}, nil
	}
	return SourceForPath(spec), nil
}
