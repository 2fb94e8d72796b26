package quality

import (
	"time"

	"github.com/medlit/medlit/internal/model"
	"github.com/medlit/medlit/internal/pubmed"
)

// Feature weights for the PubMed scorer. The weighted sum is clipped to
// [0,1]; a recent randomized human meta-analysis saturates the scale.
const (
	weightStudyDesign = 0.40
	weightRecency     = 0.25
	weightPubType     = 0.20
	weightHuman       = 0.15

	recencyHorizonYears = 10
)

// studyDesignWeights ranks publication types by evidence strength.
// Values are fractions of weightStudyDesign; the best match wins.
var studyDesignWeights = []struct {
	pubType string
	weight  float64
}{
	{"Meta-Analysis", 1.0},
	{"Systematic Review", 0.95},
	{"Randomized Controlled Trial", 0.9},
	{"Clinical Trial, Phase III", 0.8},
	{"Clinical Trial", 0.7},
	{"Controlled Clinical Trial", 0.7},
	{"Observational Study", 0.5},
	{"Comparative Study", 0.45},
	{"Case Reports", 0.2},
	{"Review", 0.4},
}

// boostedPubTypes earn the flat publication-type feature.
var boostedPubTypes = []string{
	"Clinical Trial",
	"Meta-Analysis",
	"Randomized Controlled Trial",
}

// PubmedScorer scores PubMed documents from journal metadata,
// publication types, and MeSH terms carried in Document.Detail.
type PubmedScorer struct {
	// now is swappable for tests.
	now func() time.Time
}

// NewPubmedScorer creates the scorer for source "pubmed".
func NewPubmedScorer() *PubmedScorer {
	return &PubmedScorer{now: time.Now}
}

// Source implements Scorer.
func (s *PubmedScorer) Source() string { return pubmed.SourceName }

// Score implements Scorer. Missing features contribute 0.
func (s *PubmedScorer) Score(doc *model.Document) float64 {
	detail := pubmed.DetailFrom(doc)

	// PubMed sometimes indexes study designs as MeSH terms rather than
	// publication types; both vocabularies feed the design features.
	designTerms := append(append([]string{}, detail.PublicationTypes...), detail.MeshTerms...)

	score := weightStudyDesign * s.studyDesign(designTerms)
	score += weightRecency * s.recency(doc.Year())
	score += weightPubType * s.pubTypeBoost(designTerms)
	score += weightHuman * s.humanStudies(detail.MeshTerms)

	return clip01(score)
}

// studyDesign returns the strongest matching design weight, in [0,1].
func (s *PubmedScorer) studyDesign(pubTypes []string) float64 {
	best := 0.0
	for _, entry := range studyDesignWeights {
		if containsFold(pubTypes, entry.pubType) && entry.weight > best {
			best = entry.weight
		}
	}
	return best
}

// recency decays linearly over recencyHorizonYears; unknown years score 0.
func (s *PubmedScorer) recency(year int) float64 {
	age := yearsSince(year, s.now())
	if age < 0 {
		return 0
	}
	if age >= recencyHorizonYears {
		return 0
	}
	return 1 - float64(age)/recencyHorizonYears
}

// pubTypeBoost is a flat feature for flagship trial publication types.
// MeSH terms count too: sources sometimes carry the type there.
func (s *PubmedScorer) pubTypeBoost(pubTypes []string) float64 {
	for _, boosted := range boostedPubTypes {
		if containsFold(pubTypes, boosted) {
			return 1
		}
	}
	return 0
}

// humanStudies detects the Humans MeSH indexing term.
func (s *PubmedScorer) humanStudies(meshTerms []string) float64 {
	if containsFold(meshTerms, "Humans") || containsFold(meshTerms, "Human") {
		return 1
	}
	return 0
}
