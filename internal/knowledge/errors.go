package knowledge

import (
	"errors"
	"fmt"
)

// IngestionError records a source or document that could not be ingested.
// Ingestion errors never abort a batch: the document is skipped and the
// error lands in the IngestReport.
type IngestionError struct {
	Namespace  string
	Source     string
	DocumentID string
	Err        error
}

func (e *IngestionError) Error() string {
	target := e.DocumentID
	if target == "" {
		target = e.Source
	}
	if e.Namespace != "" {
		return fmt.Sprintf("failed to ingest %s into %s: %v", target, e.Namespace, e.Err)
	}
	return fmt.Sprintf("failed to ingest %s: %v", target, e.Err)
}

func (e *IngestionError) Unwrap() error { return e.Err }

// IngestReport summarizes one ingestion into a namespace.
type IngestReport struct {
	Namespace  string
	Documents  int // documents with at least one new or existing chunk
	Chunks     int // chunks written
	Duplicates int // chunks already present
	Errors     []*IngestionError
}

func (r *IngestReport) merge(o *IngestReport) {
	if o == nil {
		return
	}
	r.Documents += o.Documents
	r.Chunks += o.Chunks
	r.Duplicates += o.Duplicates
	r.Errors = append(r.Errors, o.Errors...)
}

// ingestionErrors flattens a source load error into IngestionErrors,
// keeping per-file errors from a directory walk apart.
func ingestionErrors(ns, source string, err error) []*IngestionError {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []*IngestionError
		for _, e := range joined.Unwrap() {
			out = append(out, ingestionErrors(ns, source, e)...)
		}
		return out
	}
	var ie *IngestionError
	if errors.As(err, &ie) {
		cp := *ie
		cp.Namespace = ns
		return []*IngestionError{&cp}
	}
	return []*IngestionError{{Namespace: ns, Source: source, Err: err}}
}
