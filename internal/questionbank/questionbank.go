// Package questionbank loads the structured question bank used to build question plans.
//
// The bank is read once at process start from a CSV or YAML file and is
// read-only afterwards, so a *Bank may be shared by every conversation.
package questionbank

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Errors returned while loading or validating a bank.
var (
	ErrEmptyBank            = errors.New("question bank has no rows")
	ErrDuplicateID          = errors.New("duplicate question id")
	ErrAlternativesMismatch = errors.New("question rows have differing alternative counts")
	ErrUnsupportedFormat    = errors.New("unsupported question bank format")
)

// Bank is an immutable, validated question bank.
type Bank struct {
	entries      []models.QuestionBankEntry
	byID         map[string]int
	alternatives int
}

// New validates entries and builds a Bank. Every row must carry the same
// number of alternative phrasings and a unique id.
func New(entries []models.QuestionBankEntry) (*Bank, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyBank
	}
	b := &Bank{
		entries:      make([]models.QuestionBankEntry, 0, len(entries)),
		byID:         make(map[string]int, len(entries)),
		alternatives: len(entries[0].Alternatives),
	}
	if b.alternatives == 0 {
		return nil, fmt.Errorf("question %q: %w", entries[0].ID, ErrAlternativesMismatch)
	}
	for _, e := range entries {
		e.ID = strings.TrimSpace(e.ID)
		e.Job = strings.TrimSpace(e.Job)
		if e.Job == "" {
			e.Job = models.GenericJob
		}
		if e.ID == "" {
			return nil, fmt.Errorf("question row %d: missing id", len(b.entries))
		}
		if _, dup := b.byID[e.ID]; dup {
			return nil, fmt.Errorf("question %q: %w", e.ID, ErrDuplicateID)
		}
		if len(e.Alternatives) != b.alternatives {
			return nil, fmt.Errorf("question %q has %d alternatives, expected %d: %w", e.ID, len(e.Alternatives), b.alternatives, ErrAlternativesMismatch)
		}
		b.byID[e.ID] = len(b.entries)
		b.entries = append(b.entries, e)
	}
	return b, nil
}

// Load reads a bank from path, choosing the parser by file extension.
func Load(path string) (*Bank, error) {
	slog.Debug("questionbank.Load: reading bank", "path", path)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open question bank: %w", err)
	}
	defer f.Close()

	var entries []models.QuestionBankEntry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		entries, err = ParseCSV(f)
	case ".yaml", ".yml":
		entries, err = ParseYAML(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse question bank %s: %w", path, err)
	}
	bank, err := New(entries)
	if err != nil {
		return nil, err
	}
	slog.Info("questionbank.Load: bank loaded", "path", path, "rows", bank.Len(), "alternatives", bank.Alternatives())
	return bank, nil
}

// Entries returns a copy of the rows in file order.
func (b *Bank) Entries() []models.QuestionBankEntry {
	return append([]models.QuestionBankEntry(nil), b.entries...)
}

// Len returns the number of rows.
func (b *Bank) Len() int {
	return len(b.entries)
}

// Alternatives returns the fixed number of phrasings per row.
func (b *Bank) Alternatives() int {
	return b.alternatives
}

// Get returns the row with the given id.
func (b *Bank) Get(id string) (models.QuestionBankEntry, bool) {
	i, ok := b.byID[id]
	if !ok {
		return models.QuestionBankEntry{}, false
	}
	return b.entries[i], true
}

// FindByPrompt matches a scripted prompt against the bank by its transition
// phrase and returns the row plus the index of the phrasing used, or -1 when
// the phrasing itself is not recognised. The longest matching transition
// phrase wins.
func (b *Bank) FindByPrompt(prompt string) (models.QuestionBankEntry, int, bool) {
	prompt = strings.TrimSpace(prompt)
	best := -1
	bestLen := 0
	for i, e := range b.entries {
		tp := strings.TrimSpace(e.TransitionPhrase)
		if tp == "" || !strings.Contains(prompt, tp) {
			continue
		}
		if len(tp) > bestLen {
			best, bestLen = i, len(tp)
		}
	}
	if best < 0 {
		return models.QuestionBankEntry{}, -1, false
	}
	e := b.entries[best]
	for alt, text := range e.Alternatives {
		if text != "" && strings.Contains(prompt, text) {
			return e, alt, true
		}
	}
	return e, -1, true
}

// Alternate returns a phrasing of e other than index used. pick chooses
// among the candidates and must return a value in [0, n).
func Alternate(e models.QuestionBankEntry, used int, pick func(n int) int) (string, bool) {
	var candidates []string
	for i, text := range e.Alternatives {
		if i == used || strings.TrimSpace(text) == "" {
			continue
		}
		if used >= 0 && used < len(e.Alternatives) && text == e.Alternatives[used] {
			continue
		}
		candidates = append(candidates, text)
	}
	if len(candidates) == 0 {
		return "", false
	}
	return candidates[pick(len(candidates))], true
}
