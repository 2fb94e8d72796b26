// Package quality derives a 0..1 publication-quality score from source
// metadata. Scorers are pluggable per source: each scorer is the only
// component that knows its source's vocabulary.
package quality

import (
	"strings"
	"time"

	"github.com/medlit/medlit/internal/model"
)

// Scorer computes a quality score for documents of one source.
type Scorer interface {
	// Source names the source this scorer understands, e.g. "pubmed".
	Source() string

	// Score returns a value in [0,1]. Missing features contribute 0;
	// scoring never fails.
	Score(doc *model.Document) float64
}

// Registry maps sources to their scorers. Documents from sources with
// no registered scorer get a neutral score of 0.
type Registry struct {
	scorers map[string]Scorer
}

// NewRegistry builds a registry from the given scorers.
func NewRegistry(scorers ...Scorer) *Registry {
	r := &Registry{scorers: make(map[string]Scorer, len(scorers))}
	for _, s := range scorers {
		r.scorers[s.Source()] = s
	}
	return r
}

// Score dispatches to the scorer registered for the document's source.
func (r *Registry) Score(doc *model.Document) float64 {
	s, ok := r.scorers[doc.Source]
	if !ok {
		return 0
	}
	return clip01(s.Score(doc))
}

func clip01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// yearsSince returns full years between year and now, minimum 0.
func yearsSince(year int, now time.Time) int {
	if year <= 0 {
		return -1
	}
	age := now.Year() - year
	if age < 0 {
		age = 0
	}
	return age
}

// containsFold reports whether any element of list equals s
// case-insensitively.
func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
