// Package pubmed holds the PubMed-specific pieces of the ingestion
// path: the typed detail record, the raw-record normalizer, and the
// source fetcher contract used by incremental sync.
//
// The literal Entrez XML/JSON parser lives outside this module; the
// normalizer consumes an already-decoded record mapping.
package pubmed

import (
	"github.com/medlit/medlit/internal/model"
)

// SourceName is the canonical source identifier for PubMed records.
const SourceName = "pubmed"

// Detail is the typed view of Document.Detail for PubMed documents.
// Unknown keys are preserved in Raw for forward compatibility.
type Detail struct {
	Journal          string
	PublicationTypes []string
	MeshTerms        []string
	Language         string
	QualityTotal     float64
	Raw              map[string]any
}

// DetailFrom decodes the detail mapping of a PubMed document. Missing
// or mistyped fields simply stay zero; decoding never fails.
func DetailFrom(doc *model.Document) Detail {
	d := Detail{Raw: doc.Detail}
	if doc.Detail == nil {
		return d
	}
	d.Journal, _ = doc.Detail["journal"].(string)
	d.Language, _ = doc.Detail["language"].(string)
	d.PublicationTypes = stringSlice(doc.Detail["publication_types"])
	d.MeshTerms = stringSlice(doc.Detail["mesh_terms"])
	switch v := doc.Detail["quality_total"].(type) {
	case float64:
		d.QualityTotal = v
	case float32:
		d.QualityTotal = float64(v)
	}
	return d
}

// Apply writes the typed fields back onto the document's detail map.
func (d Detail) Apply(doc *model.Document) {
	if d.Journal != "" {
		doc.SetDetail("journal", d.Journal)
	}
	if len(d.PublicationTypes) > 0 {
		doc.SetDetail("publication_types", toAnySlice(d.PublicationTypes))
	}
	if len(d.MeshTerms) > 0 {
		doc.SetDetail("mesh_terms", toAnySlice(d.MeshTerms))
	}
	if d.Language != "" {
		doc.SetDetail("language", d.Language)
	}
}

// stringSlice coerces []string or []any-of-string; anything else is nil.
func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, item := range vv {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
