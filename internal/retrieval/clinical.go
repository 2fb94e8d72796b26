package retrieval

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// seedClinicalTerms is the built-in dictionary used when no terms file
// is configured. Terms are matched case-insensitively on word content.
var seedClinicalTerms = []string{
	"randomized controlled trial",
	"clinical trial",
	"meta-analysis",
	"systematic review",
	"double-blind",
	"placebo",
	"cohort study",
	"case-control",
	"treatment",
	"therapy",
	"efficacy",
	"diagnosis",
	"prognosis",
	"intervention",
	"adverse event",
	"dose",
	"patient",
	"mortality",
	"morbidity",
	"biomarker",
}

// ClinicalDictionary matches a configurable set of clinical terms in
// free text. Safe for concurrent use; Reload swaps the term set
// atomically.
type ClinicalDictionary struct {
	mu    sync.RWMutex
	terms []string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewClinicalDictionary builds a dictionary from the seed terms.
func NewClinicalDictionary() *ClinicalDictionary {
	d := &ClinicalDictionary{}
	d.setTerms(seedClinicalTerms)
	return d
}

// LoadTerms replaces the dictionary with the YAML list at path.
func (d *ClinicalDictionary) LoadTerms(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read clinical terms: %w", err)
	}

	var terms []string
	if err := yaml.Unmarshal(data, &terms); err != nil {
		return fmt.Errorf("failed to parse clinical terms: %w", err)
	}
	if len(terms) == 0 {
		return fmt.Errorf("clinical terms file %s is empty", path)
	}

	d.setTerms(terms)
	return nil
}

// Watch reloads the terms file whenever it changes. Stop with Close.
func (d *ClinicalDictionary) Watch(path string, logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create terms watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	d.watcher = watcher
	d.done = make(chan struct{})

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := d.LoadTerms(path); err != nil {
					logger.Warn("clinical terms reload failed", "path", path, "error", err)
					continue
				}
				logger.Info("clinical terms reloaded", "path", path, "terms", d.Len())
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("clinical terms watcher error", "error", err)
			case <-d.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher if one is running.
func (d *ClinicalDictionary) Close() error {
	if d.watcher == nil {
		return nil
	}
	close(d.done)
	return d.watcher.Close()
}

// Len returns the current term count.
func (d *ClinicalDictionary) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.terms)
}

// CountMatches returns how many dictionary terms occur in text. Each
// term counts at most once regardless of repetitions.
func (d *ClinicalDictionary) CountMatches(text string) int {
	lowered := strings.ToLower(text)

	d.mu.RLock()
	defer d.mu.RUnlock()

	matches := 0
	for _, term := range d.terms {
		if strings.Contains(lowered, term) {
			matches++
		}
	}
	return matches
}

// ContainsAny reports whether text mentions at least one term.
func (d *ClinicalDictionary) ContainsAny(text string) bool {
	return d.CountMatches(text) > 0
}

func (d *ClinicalDictionary) setTerms(terms []string) {
	normalized := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			normalized = append(normalized, t)
		}
	}
	d.mu.Lock()
	d.terms = normalized
	d.mu.Unlock()
}
