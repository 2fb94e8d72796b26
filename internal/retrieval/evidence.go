package retrieval

import "strings"

// Evidence levels follow the conventional clinical hierarchy: lower is
// stronger. Zero means no study-type string was recognized.
const (
	EvidenceMetaAnalysis     = 1
	EvidenceSystematicReview = 2
	EvidenceRandomizedTrial  = 3
	EvidenceCohortStudy      = 4
	EvidenceCaseControl      = 5
	EvidenceCaseReport       = 6
	EvidenceAnimalStudy      = 7
	EvidenceInVitro          = 8
)

// evidenceRules map study-type substrings to levels, checked strongest
// first so a record tagged both RCT and cohort reports the RCT level.
var evidenceRules = []struct {
	substr string
	level  int
}{
	{"meta-analysis", EvidenceMetaAnalysis},
	{"meta analysis", EvidenceMetaAnalysis},
	{"systematic review", EvidenceSystematicReview},
	{"randomized controlled trial", EvidenceRandomizedTrial},
	{"randomised controlled trial", EvidenceRandomizedTrial},
	{"clinical trial", EvidenceRandomizedTrial},
	{"cohort", EvidenceCohortStudy},
	{"observational study", EvidenceCohortStudy},
	{"case-control", EvidenceCaseControl},
	{"case control", EvidenceCaseControl},
	{"case report", EvidenceCaseReport},
	{"case series", EvidenceCaseReport},
	{"animal", EvidenceAnimalStudy},
	{"in vitro", EvidenceInVitro},
	{"in-vitro", EvidenceInVitro},
}

// EvidenceLevel derives the strongest evidence level from study-type
// strings (publication types plus MeSH terms). Returns 0 when nothing
// matches.
func EvidenceLevel(studyTypes []string) int {
	best := 0
	for _, s := range studyTypes {
		lowered := strings.ToLower(s)
		for _, rule := range evidenceRules {
			if strings.Contains(lowered, rule.substr) {
				if best == 0 || rule.level < best {
					best = rule.level
				}
				break
			}
		}
	}
	return best
}
