package intent

import (
	"log/slog"
	"math/rand/v2"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/questionbank"
	"github.com/BTreeMap/DialogPipe/internal/util"
)

// Action tells the dialog engine what to do with a routed intent.
type Action int

const (
	// ActionNone falls through to the normal block logic.
	ActionNone Action = iota
	// ActionCanned replies with Decision.Text and stays in the current block.
	ActionCanned
	// ActionRephrase repeats the last scripted question with an alternate phrasing.
	ActionRephrase
	// ActionMoveOn forces a transition to the next block with the move-on phrase.
	ActionMoveOn
	// ActionStop ends the conversation.
	ActionStop
)

func (a Action) String() string {
	switch a {
	case ActionCanned:
		return "canned"
	case ActionRephrase:
		return "rephrase"
	case ActionMoveOn:
		return "move_on"
	case ActionStop:
		return "stop"
	default:
		return "none"
	}
}

// Decision is the outcome of routing one classification.
type Decision struct {
	Action     Action
	Kind       Kind
	Text       string // canned reply or alternate phrasing
	QuestionID string // question being rephrased
}

// PromptBank resolves scripted prompts back to question bank rows.
type PromptBank interface {
	FindByPrompt(prompt string) (models.QuestionBankEntry, int, bool)
	Get(id string) (models.QuestionBankEntry, bool)
}

// Router maps classifications onto decisions. It holds no per-conversation state.
type Router struct {
	threshold float64
	replies   map[Kind]string
	bank      PromptBank
	pick      util.IntN
}

// NewRouter creates a Router. replies is keyed by classifier label; unknown
// labels are ignored with a warning. A nil pick uses math/rand/v2.
func NewRouter(threshold float64, replies map[string]string, bank PromptBank, pick util.IntN) *Router {
	r := &Router{threshold: threshold, replies: make(map[Kind]string, len(replies)), bank: bank, pick: pick}
	for name, text := range replies {
		k := Parse(name)
		if k == Unrecognized {
			slog.Warn("intent.NewRouter: ignoring reply for unknown intent", "intent", name)
			continue
		}
		r.replies[k] = text
	}
	return r
}

// Route decides how to answer conv's newest utterance given its classification.
func (r *Router) Route(conv models.Conversation, c Classification) Decision {
	if c.Confidence < r.threshold {
		return Decision{Action: ActionNone}
	}
	kind := c.Kind()
	switch kind {
	case Unrecognized:
		return Decision{Action: ActionNone}
	case Stop:
		return Decision{Action: ActionStop, Kind: kind}
	case NotUnderstood:
		if conv.Persona == models.PersonaCasual {
			return r.canned(kind)
		}
		return r.notUnderstood(conv)
	default:
		return r.canned(kind)
	}
}

func (r *Router) canned(kind Kind) Decision {
	text, ok := r.replies[kind]
	if !ok || strings.TrimSpace(text) == "" {
		return Decision{Action: ActionNone, Kind: kind}
	}
	return Decision{Action: ActionCanned, Kind: kind, Text: text}
}

// notUnderstood rephrases the last scripted question once, then moves on.
func (r *Router) notUnderstood(conv models.Conversation) Decision {
	moveOn := Decision{Action: ActionMoveOn, Kind: NotUnderstood}
	last, ok := conv.LastBotMessage()
	if !ok || last.QuestionID == "" || last.Rephrased {
		return moveOn
	}
	if r.bank == nil {
		return moveOn
	}

	entry, used, found := r.bank.FindByPrompt(last.TextEN)
	if !found || entry.ID != last.QuestionID {
		entry, found = r.bank.Get(last.QuestionID)
		used = -1
		if found {
			for i, text := range entry.Alternatives {
				if text != "" && strings.Contains(last.TextEN, text) {
					used = i
					break
				}
			}
		}
	}
	if !found {
		slog.Debug("Router.notUnderstood: question not in bank, moving on", "question", last.QuestionID)
		return moveOn
	}

	pick := r.pick
	if pick == nil {
		pick = rand.IntN
	}
	alt, ok := questionbank.Alternate(entry, used, pick)
	if !ok {
		slog.Debug("Router.notUnderstood: no alternate phrasing, moving on", "question", entry.ID)
		return moveOn
	}
	return Decision{Action: ActionRephrase, Kind: NotUnderstood, Text: alt, QuestionID: entry.ID}
}
