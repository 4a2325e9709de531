// Package scholar declares the external-interface seam to literature
// lookup (spec.md section 12's supplemented feature, grounded on
// original_source's openalex_scholar.go). Network calls against OpenAlex
// are out of scope; this package carries only the Lookup interface the
// Writer Agent may optionally use for citation enrichment, plus an
// in-memory stub.
package scholar

import "context"

// Citation is one literature reference returned by a Lookup.
type Citation struct {
	Title   string
	Authors []string
	Year    int
	URL     string
}

// Lookup is the external literature-search seam.
type Lookup interface {
	Search(ctx context.Context, query string) ([]Citation, error)
}

// Stub is an in-memory Lookup returning a fixed, caller-supplied result
// set — tests and local wiring use this in place of a real OpenAlex
// client.
type Stub struct {
	Results []Citation
}

func NewStub(results []Citation) *Stub { return &Stub{Results: results} }

func (s *Stub) Search(ctx context.Context, query string) ([]Citation, error) {
	return s.Results, nil
}
