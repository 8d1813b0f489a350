// Package filter removes repetitive or disallowed sentences from generated replies.
//
// A Filter compares every sentence of a candidate reply against the sentences
// of a reference corpus and drops those whose similarity ratio reaches the
// threshold. The outcome is summarised as a Verdict the dialog engine acts on.
package filter

import (
	"log/slog"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Verdict is the outcome of filtering one candidate reply.
type Verdict string

const (
	// Accept keeps the candidate unchanged.
	Accept Verdict = "ACCEPT"
	// Prune keeps a shortened candidate; Result.Removed holds what was dropped.
	Prune Verdict = "PRUNE"
	// Reject discards the candidate; the caller falls back to scripted content.
	Reject Verdict = "REJECT"
)

// Well-known filter names, recorded as Message.FilteredReason.
const (
	NameRepetition = "repetition"
	NameLies       = "lies"
)

// Result is what Apply returns.
type Result struct {
	Verdict Verdict
	Text    string // resulting text; empty on Reject
	Removed string // dropped sentences joined by a single space
}

// Filter is one configured instantiation of the sentence filter.
type Filter struct {
	name      string
	reference []string
	threshold float64
	minLength int
}

// New builds a filter over corpus. Sentences of the corpus are split once here.
func New(name string, corpus []string, threshold float64, minLength int) *Filter {
	var reference []string
	for _, doc := range corpus {
		for _, s := range SplitSentences(doc) {
			reference = append(reference, s.Body)
		}
	}
	return &Filter{name: name, reference: reference, threshold: threshold, minLength: minLength}
}

// Name returns the filter's name.
func (f *Filter) Name() string {
	return f.name
}

// Apply filters candidate against the corpus the filter was built with.
func (f *Filter) Apply(candidate string) Result {
	sentences := SplitSentences(candidate)
	if len(sentences) == 0 {
		slog.Debug("Filter.Apply: empty candidate", "filter", f.name)
		return Result{Verdict: Reject}
	}

	var kept, dropped []Sentence
	for _, s := range sentences {
		if f.maxRatio(s.Body) >= f.threshold {
			dropped = append(dropped, s)
			continue
		}
		kept = append(kept, s)
	}

	if len(dropped) == 0 {
		return Result{Verdict: Accept, Text: candidate}
	}
	removed := Join(dropped)
	if len(kept) == 0 {
		slog.Debug("Filter.Apply: every sentence dropped", "filter", f.name, "removed", removed)
		return Result{Verdict: Reject, Removed: removed}
	}
	text := Join(kept)
	if len(text) <= f.minLength {
		slog.Debug("Filter.Apply: residual text too short", "filter", f.name, "length", len(text), "minLength", f.minLength)
		return Result{Verdict: Reject, Removed: removed}
	}
	slog.Debug("Filter.Apply: pruned candidate", "filter", f.name, "kept", len(kept), "dropped", len(dropped))
	return Result{Verdict: Prune, Text: text, Removed: removed}
}

func (f *Filter) maxRatio(sentence string) float64 {
	best := 0.0
	for _, ref := range f.reference {
		if r := Ratio(sentence, ref); r > best {
			best = r
			if best >= 1 {
				break
			}
		}
	}
	return best
}

// Apply is a convenience wrapper building a one-shot filter.
func Apply(candidate string, corpus []string, threshold float64, minLength int) Result {
	return New("adhoc", corpus, threshold, minLength).Apply(candidate)
}

// Ratio returns the longest-matching-block similarity of a and b in [0,1].
// It is symmetric: the larger of both matching directions is used.
func Ratio(a, b string) float64 {
	if a == b {
		return 1
	}
	ra := strings.Split(a, "")
	rb := strings.Split(b, "")
	forward := difflib.NewMatcher(ra, rb).Ratio()
	backward := difflib.NewMatcher(rb, ra).Ratio()
	if backward > forward {
		return backward
	}
	return forward
}
