// Package sampler builds the ordered question plan of one conversation from
// the question bank while honouring per-category quotas.
package sampler

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// Errors returned for invalid sampling input.
var (
	ErrInvalidQuota        = errors.New("quota counters must be non-negative")
	ErrInvalidAlternatives = errors.New("alternatives count must be positive")
)

// Rand is the random source used by the sampler. *rand.Rand satisfies it.
type Rand interface {
	IntN(n int) int
	Shuffle(n int, swap func(i, j int))
}

// globalRand uses the package-level math/rand/v2 functions, which are safe for concurrent use.
type globalRand struct{}

func (globalRand) IntN(n int) int                     { return rand.IntN(n) }
func (globalRand) Shuffle(n int, swap func(i, j int)) { rand.Shuffle(n, swap) }

// Sampler generates question plans.
type Sampler struct {
	rng Rand
}

// Option configures a Sampler.
type Option func(*Sampler)

// WithRand sets the random source. The source must not be shared across
// goroutines unless it is itself safe for concurrent use.
func WithRand(r Rand) Option {
	return func(s *Sampler) {
		s.rng = r
	}
}

// New creates a Sampler.
func New(opts ...Option) *Sampler {
	s := &Sampler{rng: globalRand{}}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate builds the question queue for a conversation about job.
//
// The queue is one first question, the middle questions in shuffled label
// order and one last question. A quota slot that finds no eligible row is
// skipped and logged, so the queue may be shorter than the quota asks for.
func (s *Sampler) Generate(job string, hasExperience bool, quota models.Quota, alternatives int, bank []models.QuestionBankEntry) ([]models.QueuedQuestion, error) {
	if !quota.Valid() {
		return nil, ErrInvalidQuota
	}
	if alternatives < 1 {
		return nil, ErrInvalidAlternatives
	}
	slog.Debug("Sampler.Generate: building question plan", "job", job, "hasExperience", hasExperience, "quota", quota, "bankRows", len(bank))

	pool := make([]models.QuestionBankEntry, 0, len(bank))
	jobKnown := false
	for _, e := range bank {
		if e.Job == job && job != models.GenericJob {
			jobKnown = true
		}
		if e.Job != job && e.Job != models.GenericJob {
			continue
		}
		if !hasExperience && e.RequiresExperience {
			continue
		}
		if len(e.Alternatives) < alternatives {
			return nil, fmt.Errorf("question %q has %d alternatives, need %d: %w", e.ID, len(e.Alternatives), alternatives, ErrInvalidAlternatives)
		}
		pool = append(pool, e)
	}

	if !jobKnown {
		quota.Random += quota.Job
		quota.Job = 0
		slog.Debug("Sampler.Generate: job not in bank, folding job quota into random", "job", job, "random", quota.Random)
	}

	var queue []models.QueuedQuestion

	first, ok := s.pick(&pool, func(e models.QuestionBankEntry) bool { return e.FitAsFirst })
	if ok {
		decrement(&quota, first.ResolvedCategory())
		queue = append(queue, s.resolve(first, alternatives))
	} else {
		slog.Warn("Sampler.Generate: no question fit as first", "job", job)
	}

	lastPool := func(e models.QuestionBankEntry) bool { return e.FitAsLast }
	if quota.Random == 0 && quota.Personal > 0 {
		lastPool = func(e models.QuestionBankEntry) bool { return e.FitAsLast && e.Personal }
	}
	last, hasLast := s.pick(&pool, lastPool)
	if !hasLast {
		slog.Warn("Sampler.Generate: no question fit as last", "job", job, "personalOnly", quota.Random == 0 && quota.Personal > 0)
	}

	labels := labelsFor(quota)
	s.rng.Shuffle(len(labels), func(i, j int) { labels[i], labels[j] = labels[j], labels[i] })
	skipped := 0
	for _, label := range labels {
		e, ok := s.pick(&pool, func(e models.QuestionBankEntry) bool { return e.Matches(label) })
		if !ok {
			skipped++
			slog.Warn("Sampler.Generate: no eligible question for slot, skipping", "label", label, "job", job)
			continue
		}
		queue = append(queue, s.resolve(e, alternatives))
	}

	if hasLast {
		queue = append(queue, s.resolve(last, alternatives))
	}
	slog.Debug("Sampler.Generate: question plan built", "job", job, "length", len(queue), "skipped", skipped)
	return queue, nil
}

// pick removes and returns a uniformly chosen row of pool satisfying keep.
func (s *Sampler) pick(pool *[]models.QuestionBankEntry, keep func(models.QuestionBankEntry) bool) (models.QuestionBankEntry, bool) {
	var idx []int
	for i, e := range *pool {
		if keep(e) {
			idx = append(idx, i)
		}
	}
	if len(idx) == 0 {
		return models.QuestionBankEntry{}, false
	}
	i := idx[s.rng.IntN(len(idx))]
	e := (*pool)[i]
	*pool = append((*pool)[:i:i], (*pool)[i+1:]...)
	return e, true
}

func (s *Sampler) resolve(e models.QuestionBankEntry, alternatives int) models.QueuedQuestion {
	return e.Resolve(s.rng.IntN(alternatives))
}

// decrement lowers the counter matching a resolved category. Tough and
// general questions draw from the random budget.
func decrement(q *models.Quota, c models.Category) {
	var counter *int
	switch c {
	case models.CategoryAlways:
		counter = &q.Always
	case models.CategoryPersonal:
		counter = &q.Personal
	case models.CategoryJob:
		counter = &q.Job
	default:
		counter = &q.Random
	}
	if *counter > 0 {
		*counter--
	}
}

func labelsFor(q models.Quota) []models.Category {
	labels := make([]models.Category, 0, q.Total())
	for i := 0; i < q.Always; i++ {
		labels = append(labels, models.CategoryAlways)
	}
	for i := 0; i < q.Personal; i++ {
		labels = append(labels, models.CategoryPersonal)
	}
	for i := 0; i < q.Job; i++ {
		labels = append(labels, models.CategoryJob)
	}
	for i := 0; i < q.Random; i++ {
		labels = append(labels, models.CategoryRandom)
	}
	return labels
}
