// Package chunker turns document text into ordered, bounded-length
// chunks. The transformation is deterministic: identical (document,
// version, config) inputs always yield identical chunk sequences.
package chunker

import (
	"regexp"
	"strings"

	"github.com/medlit/medlit/internal/model"
)

// sectionLabels maps the labels found in structured biomedical abstracts
// onto the canonical section set. Many labels map to one section.
var sectionLabels = map[string]model.Section{
	"BACKGROUND":            model.SectionBackground,
	"INTRODUCTION":          model.SectionBackground,
	"OBJECTIVE":             model.SectionBackground,
	"OBJECTIVES":            model.SectionBackground,
	"AIM":                   model.SectionBackground,
	"AIMS":                  model.SectionBackground,
	"PURPOSE":               model.SectionBackground,
	"CONTEXT":               model.SectionBackground,
	"METHODS":               model.SectionMethods,
	"METHOD":                model.SectionMethods,
	"MATERIALS AND METHODS": model.SectionMethods,
	"DESIGN":                model.SectionMethods,
	"STUDY DESIGN":          model.SectionMethods,
	"SETTING":               model.SectionMethods,
	"PARTICIPANTS":          model.SectionMethods,
	"RESULTS":               model.SectionResults,
	"RESULT":                model.SectionResults,
	"FINDINGS":              model.SectionResults,
	"OUTCOMES":              model.SectionResults,
	"CONCLUSIONS":           model.SectionConclusions,
	"CONCLUSION":            model.SectionConclusions,
	"DISCUSSION":            model.SectionConclusions,
	"INTERPRETATION":        model.SectionConclusions,
}

// labelPattern matches a section label followed by a colon. The
// alternation is generated from sectionLabels at init so the detector
// and the mapping can never drift apart.
var labelPattern *regexp.Regexp

func init() {
	keys := make([]string, 0, len(sectionLabels))
	for k := range sectionLabels {
		keys = append(keys, regexp.QuoteMeta(k))
	}
	// Longest-first so "MATERIALS AND METHODS" wins over "METHODS".
	for i := 0; i < len(keys); i++ {
		for j := i + 1; j < len(keys); j++ {
			if len(keys[j]) > len(keys[i]) {
				keys[i], keys[j] = keys[j], keys[i]
			}
		}
	}
	labelPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(keys, "|") + `)\s*:`)
}

// segment is a contiguous run of text under one canonical section.
type segment struct {
	section model.Section
	text    string
}

// splitSections parses labelled sections out of abstract text. When no
// labels are found the whole text becomes a single Unstructured segment.
// Text before the first label is labelled Other.
func splitSections(text string) []segment {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	matches := labelPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return []segment{{section: model.SectionUnstructured, text: text}}
	}

	var segs []segment
	if lead := strings.TrimSpace(text[:matches[0][0]]); lead != "" {
		segs = append(segs, segment{section: model.SectionOther, text: lead})
	}

	for i, m := range matches {
		label := strings.ToUpper(strings.TrimSpace(text[m[2]:m[3]]))
		section, ok := sectionLabels[label]
		if !ok {
			section = model.SectionOther
		}

		end := len(text)
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		body := strings.TrimSpace(text[m[1]:end])
		if body == "" {
			continue
		}

		// Adjacent runs of the same canonical section merge, keeping
		// the chunk_idx sequence dense when synonyms repeat.
		if len(segs) > 0 && segs[len(segs)-1].section == section {
			segs[len(segs)-1].text += " " + body
			continue
		}
		segs = append(segs, segment{section: section, text: body})
	}

	if len(segs) == 0 {
		return []segment{{section: model.SectionUnstructured, text: text}}
	}
	return segs
}

// StripSectionHeaders removes residual section-label tokens from
// reconstructed text (used after concatenating chunk texts).
func StripSectionHeaders(text string) string {
	return strings.Join(strings.Fields(labelPattern.ReplaceAllString(text, "")), " ")
}
