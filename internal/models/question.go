package models

// GenericJob marks a question bank row that applies to every job.
const GenericJob = "*"

// Category is the resolved label of a question, used both for quotas and for
// choosing the block a popped question opens.
type Category string

const (
	CategoryAlways   Category = "always"
	CategoryPersonal Category = "personal"
	CategoryJob      Category = "job"
	CategoryTough    Category = "tough"
	CategoryGeneral  Category = "general"
	// CategoryRandom is a quota label that matches any eligible row.
	CategoryRandom Category = "random"
)

// Block returns the question block a question of this category opens.
func (c Category) Block() Block {
	switch c {
	case CategoryPersonal:
		return BlockPersonal
	case CategoryJob:
		return BlockJob
	case CategoryTough:
		return BlockTough
	default:
		return BlockGeneral
	}
}

// QuestionBankEntry is one row of the question bank.
type QuestionBankEntry struct {
	ID               string   `json:"id" yaml:"id"`
	Job              string   `json:"job" yaml:"job"`
	TransitionPhrase string   `json:"transition_phrase" yaml:"transition_phrase"`
	Alternatives     []string `json:"alternatives" yaml:"alternatives"`

	Always      bool `json:"always" yaml:"always"`
	Personal    bool `json:"personal" yaml:"personal"`
	JobSpecific bool `json:"job_specific" yaml:"job_specific"`
	Tough       bool `json:"tough" yaml:"tough"`
	General     bool `json:"general" yaml:"general"`

	FitAsFirst         bool `json:"fit_as_first" yaml:"fit_as_first"`
	FitAsLast          bool `json:"fit_as_last" yaml:"fit_as_last"`
	RequiresExperience bool `json:"requires_experience" yaml:"requires_experience"`
}

// ResolvedCategory picks the category by priority: always > personal > job > tough > general.
func (e QuestionBankEntry) ResolvedCategory() Category {
	switch {
	case e.Always:
		return CategoryAlways
	case e.Personal:
		return CategoryPersonal
	case e.JobSpecific:
		return CategoryJob
	case e.Tough:
		return CategoryTough
	default:
		return CategoryGeneral
	}
}

// Matches reports whether the row can fill a slot with the given quota label.
func (e QuestionBankEntry) Matches(label Category) bool {
	switch label {
	case CategoryAlways:
		return e.Always
	case CategoryPersonal:
		return e.Personal
	case CategoryJob:
		return e.JobSpecific
	case CategoryTough:
		return e.Tough
	case CategoryGeneral:
		return e.General
	case CategoryRandom:
		return true
	default:
		return false
	}
}

// QueuedQuestion is a bank entry resolved into a concrete prompt for one conversation.
type QueuedQuestion struct {
	ID               string   `json:"id"`
	Category         Category `json:"category"`
	TransitionPhrase string   `json:"transition_phrase"`
	Text             string   `json:"text"`
	Alternative      int      `json:"alternative"`
}

// Resolve builds a queued question from e using phrasing index alt.
func (e QuestionBankEntry) Resolve(alt int) QueuedQuestion {
	return QueuedQuestion{
		ID:               e.ID,
		Category:         e.ResolvedCategory(),
		TransitionPhrase: e.TransitionPhrase,
		Text:             e.Alternatives[alt],
		Alternative:      alt,
	}
}

// Quota is the target count of questions per category in one question plan.
type Quota struct {
	Always   int `json:"always" yaml:"always"`
	Personal int `json:"personal" yaml:"personal"`
	Job      int `json:"job" yaml:"job"`
	Random   int `json:"random" yaml:"random"`
}

// Total sums all counters.
func (q Quota) Total() int {
	return q.Always + q.Personal + q.Job + q.Random
}

// Valid reports whether every counter is non-negative.
func (q Quota) Valid() bool {
	return q.Always >= 0 && q.Personal >= 0 && q.Job >= 0 && q.Random >= 0
}
