// Package flow implements the dialog engine.
//
// Machine is the pure transition function of the dialog: it takes a
// conversation snapshot and one event and returns the next snapshot plus the
// effect the caller must carry out. It never performs I/O, so every block
// transition can be tested without a database or a model. Engine wraps a
// Machine with persistence, locking, intent classification, translation and
// the generative backends.
package flow

import (
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/DialogPipe/internal/config"
	"github.com/BTreeMap/DialogPipe/internal/filter"
	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/intent"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/util"
)

// Event is an input to Machine.Step.
type Event interface {
	event()
}

// Start opens a freshly created conversation in the greet block.
type Start struct{}

// Utterance is one user message, already translated to canonical English.
type Utterance struct {
	Text           string
	TextEN         string
	Classification intent.Classification
}

// Generated carries the outcome of a Generate effect back into the machine.
type Generated struct {
	Reply genai.Reply
	Err   error
}

func (Start) event()     {}
func (Utterance) event() {}
func (Generated) event() {}

// Effect is what the caller must do after a Step.
type Effect interface {
	effect()
}

// Say means the turn is complete: Reply is the bot message appended last to
// the returned conversation.
type Say struct {
	Reply models.Message
}

// Generate asks the caller to run Request against the backend of Role and to
// feed the outcome back as a Generated event on the returned conversation.
type Generate struct {
	Role    string
	Request genai.Request
}

func (Say) effect()      {}
func (Generate) effect() {}

// Machine is the dialog state machine. It is safe for concurrent use.
type Machine struct {
	cfg    config.Config
	router *intent.Router
	pick   util.IntN
	now    func() time.Time
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithPicker sets the random source used to choose greetings, farewells and fallbacks.
func WithPicker(pick util.IntN) MachineOption {
	return func(m *Machine) {
		m.pick = pick
	}
}

// WithClock sets the clock used to timestamp messages.
func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		m.now = now
	}
}

// NewMachine builds a Machine over a validated configuration. A nil router
// disables the intent short-circuit.
func NewMachine(cfg config.Config, router *intent.Router, opts ...MachineOption) *Machine {
	m := &Machine{cfg: cfg, router: router, now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Step applies ev to state. The input snapshot is never modified.
func (m *Machine) Step(state models.Conversation, ev Event) (models.Conversation, Effect) {
	conv := state.Clone()
	switch e := ev.(type) {
	case Start:
		return m.greet(conv)
	case Utterance:
		return m.utterance(conv, e)
	case Generated:
		return m.generated(conv, e)
	default:
		slog.Error("Machine.Step: unknown event", "id", conv.ID, "event", ev)
		return m.say(conv, m.scripted(m.fallbackLine()))
	}
}

func (m *Machine) greet(conv models.Conversation) (models.Conversation, Effect) {
	greeting := util.ChooseString(m.cfg.Phrases.Greetings, m.pick)
	if conv.SmallTalkEnabled || conv.Persona == models.PersonaCasual {
		conv.CurrentBlock = models.BlockSmallTalk
		conv.BlockTurnCount = 0
		slog.Debug("Machine.greet: entering small talk", "id", conv.ID)
		return m.say(conv, m.scripted(greeting))
	}
	return m.firstTransition(conv, greeting)
}

func (m *Machine) utterance(conv models.Conversation, u Utterance) (models.Conversation, Effect) {
	user := models.Message{
		Ordinal:   conv.NextOrdinal(),
		Speaker:   models.SpeakerUser,
		Text:      u.Text,
		TextEN:    u.TextEN,
		Intent:    u.Classification.Name,
		CreatedAt: m.now(),
	}
	conv.Messages = append(conv.Messages, user)

	if conv.EpisodeDone || conv.CurrentBlock == models.BlockGoodbye {
		return m.farewellEcho(conv)
	}
	if conv.CurrentBlock == models.BlockGreet {
		// Start was never applied; greet in response to the first message.
		return m.greet(conv)
	}

	if m.router != nil {
		d := m.router.Route(conv, u.Classification)
		switch d.Action {
		case intent.ActionCanned:
			slog.Debug("Machine.utterance: canned reply", "id", conv.ID, "intent", d.Kind)
			return m.say(conv, m.scripted(d.Text))
		case intent.ActionRephrase:
			msg := m.scripted(join(m.cfg.Phrases.RephraseTransition, d.Text))
			msg.QuestionID = d.QuestionID
			msg.Rephrased = true
			slog.Debug("Machine.utterance: rephrasing question", "id", conv.ID, "question", d.QuestionID)
			return m.say(conv, msg)
		case intent.ActionMoveOn:
			slog.Debug("Machine.utterance: moving on after repeated misunderstanding", "id", conv.ID)
			return m.transitionToNextBlock(conv, m.cfg.Phrases.MoveOnTransition)
		case intent.ActionStop:
			slog.Debug("Machine.utterance: stop intent", "id", conv.ID)
			return m.enterGoodbye(conv)
		}
	}

	conv.BlockTurnCount++
	switch {
	case conv.CurrentBlock == models.BlockSmallTalk:
		if conv.BlockTurnCount > m.smallTalkBudget(conv) {
			return m.firstTransition(conv, "")
		}
		role := genai.RoleCasual
		if conv.PreferCommunity {
			role = genai.RoleCommunity
		}
		return conv, Generate{Role: role, Request: m.request(conv)}
	case conv.CurrentBlock.IsQuestionBlock():
		if conv.BlockTurnCount > m.cfg.MaxTurnsFor(conv.CurrentBlock) {
			return m.transitionToNextBlock(conv, "")
		}
		return conv, Generate{Role: genai.RoleInterview, Request: m.request(conv)}
	default:
		slog.Error("Machine.utterance: conversation in unknown block, ending it", "id", conv.ID, "block", conv.CurrentBlock)
		return m.enterGoodbye(conv)
	}
}

func (m *Machine) generated(conv models.Conversation, g Generated) (models.Conversation, Effect) {
	if g.Err != nil {
		slog.Warn("Machine.generated: generation failed, using scripted content", "id", conv.ID, "block", conv.CurrentBlock, "error", g.Err)
		return m.scriptedAdvance(conv)
	}

	text := strings.TrimSpace(g.Reply.Text)
	var removed, reasons []string
	for _, f := range m.filters(conv, g.Reply.Language) {
		res := f.Apply(text)
		switch res.Verdict {
		case filter.Reject:
			slog.Info("Machine.generated: reply rejected", "id", conv.ID, "filter", f.Name(), "block", conv.CurrentBlock)
			return m.scriptedAdvance(conv)
		case filter.Prune:
			text = res.Text
			removed = append(removed, res.Removed)
			reasons = append(reasons, f.Name())
		}
	}

	reply := models.Message{
		Ordinal:   conv.NextOrdinal(),
		Speaker:   models.SpeakerBot,
		Text:      text,
		TextEN:    text,
		Latency:   g.Reply.Latency.Seconds(),
		CreatedAt: m.now(),
	}
	if len(removed) > 0 {
		reply.FilteredText = strings.Join(removed, " ")
		reply.FilteredReason = strings.Join(reasons, ",")
	}
	return m.say(conv, reply)
}

// scriptedAdvance replaces a failed or rejected generation with scripted content.
func (m *Machine) scriptedAdvance(conv models.Conversation) (models.Conversation, Effect) {
	switch {
	case conv.CurrentBlock.IsQuestionBlock():
		return m.transitionToNextBlock(conv, "")
	case conv.Persona == models.PersonaInterview:
		return m.firstTransition(conv, "")
	default:
		return m.say(conv, m.scripted(m.fallbackLine()))
	}
}

// transitionToNextBlock pops the next planned question. The override replaces
// the question's own transition phrase.
func (m *Machine) transitionToNextBlock(conv models.Conversation, override string) (models.Conversation, Effect) {
	if len(conv.QuestionQueue) == 0 {
		return m.enterGoodbye(conv)
	}
	q := conv.QuestionQueue[0]
	conv.QuestionQueue = conv.QuestionQueue[1:]
	conv.CurrentBlock = q.Category.Block()
	conv.BlockTurnCount = 0

	phrase := q.TransitionPhrase
	if override != "" {
		phrase = override
	}
	msg := m.scripted(join(phrase, q.Text))
	msg.QuestionID = q.ID
	slog.Debug("Machine.transitionToNextBlock: next question", "id", conv.ID, "question", q.ID, "block", conv.CurrentBlock, "remaining", len(conv.QuestionQueue))
	return m.say(conv, msg)
}

// firstTransition leaves small talk (or greet) for the first planned question
// using the dedicated opening phrase. prefix is emitted before it.
func (m *Machine) firstTransition(conv models.Conversation, prefix string) (models.Conversation, Effect) {
	if len(conv.QuestionQueue) == 0 {
		conv, _ = m.enterGoodbye(conv)
	} else {
		conv, _ = m.transitionToNextBlock(conv, m.cfg.Phrases.FirstTransition)
	}
	last := &conv.Messages[len(conv.Messages)-1]
	if prefix != "" {
		last.Text = join(prefix, last.Text)
		last.TextEN = last.Text
	}
	return conv, Say{Reply: *last}
}

func (m *Machine) enterGoodbye(conv models.Conversation) (models.Conversation, Effect) {
	conv.CurrentBlock = models.BlockGoodbye
	conv.BlockTurnCount = 0
	conv.EpisodeDone = true
	conv.QuestionQueue = nil
	conv.Farewell = util.ChooseString(m.cfg.Phrases.Farewells, m.pick)
	slog.Debug("Machine.enterGoodbye: conversation finished", "id", conv.ID, "messages", len(conv.Messages))
	return m.say(conv, m.scripted(conv.Farewell))
}

// farewellEcho answers any input after the end with the stored farewell.
func (m *Machine) farewellEcho(conv models.Conversation) (models.Conversation, Effect) {
	farewell := conv.Farewell
	if farewell == "" {
		farewell = util.ChooseString(m.cfg.Phrases.Farewells, m.pick)
		conv.Farewell = farewell
	}
	return m.say(conv, m.scripted(farewell))
}

// say appends reply with the next ordinal and refreshes progress.
func (m *Machine) say(conv models.Conversation, reply models.Message) (models.Conversation, Effect) {
	reply.Ordinal = conv.NextOrdinal()
	reply.Speaker = models.SpeakerBot
	if reply.CreatedAt.IsZero() {
		reply.CreatedAt = m.now()
	}
	conv.Messages = append(conv.Messages, reply)
	conv.Progress = Progress(conv, m.cfg.Dialog)
	conv.UpdatedAt = m.now()
	return conv, Say{Reply: reply}
}

func (m *Machine) scripted(text string) models.Message {
	return models.Message{Speaker: models.SpeakerBot, Text: text, TextEN: text, IsHardcoded: true}
}

func (m *Machine) fallbackLine() string {
	if line := util.ChooseString(m.cfg.Phrases.Fallbacks, m.pick); line != "" {
		return line
	}
	return util.ChooseString(m.cfg.Phrases.Greetings, m.pick)
}

func (m *Machine) smallTalkBudget(conv models.Conversation) int {
	if conv.Persona == models.PersonaCasual {
		return m.cfg.Dialog.MaxDialogLength
	}
	return m.cfg.MaxTurnsFor(models.BlockSmallTalk)
}

// filters returns the reply filters that apply to a reply in language lang.
func (m *Machine) filters(conv models.Conversation, lang string) []*filter.Filter {
	fc := m.cfg.Filters
	var recent []string
	for i := len(conv.Messages) - 1; i >= 0 && len(recent) < fc.RepetitionWindow; i-- {
		if conv.Messages[i].Speaker == models.SpeakerBot {
			recent = append(recent, conv.Messages[i].TextEN)
		}
	}
	out := []*filter.Filter{filter.New(filter.NameRepetition, recent, fc.RepetitionThreshold, fc.MinLength)}

	working := fc.WorkingLanguage
	if working == "" {
		working = models.DefaultLanguage
	}
	if fc.LiesEnabled && len(fc.Lies) > 0 && (lang == "" || strings.EqualFold(lang, working)) {
		out = append(out, filter.New(filter.NameLies, fc.Lies, fc.LiesThreshold, fc.MinLength))
	}
	return out
}

// request builds the generation input from the newest messages.
func (m *Machine) request(conv models.Conversation) genai.Request {
	msgs := conv.Messages
	start := len(msgs) - m.cfg.Dialog.ContextTurns
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, len(msgs)-start)
	for _, msg := range msgs[start:] {
		lines = append(lines, msg.TextEN)
	}
	transcript := strings.Join(lines, "\n")
	if limit := m.cfg.Dialog.ContextMaxChars; limit > 0 && len(transcript) > limit {
		cut := len(transcript) - limit
		for cut < len(transcript) && !utf8.RuneStart(transcript[cut]) {
			cut++
		}
		transcript = transcript[cut:]
	}

	req := genai.Request{Context: transcript}
	if n := len(msgs); n > 0 {
		req.Text = msgs[n-1].TextEN
	}
	// history pairs for conversational backends, newest utterance excluded
	for _, msg := range msgs[start:max(start, len(msgs)-1)] {
		if msg.Speaker == models.SpeakerUser {
			req.PastUserInputs = append(req.PastUserInputs, msg.TextEN)
		} else {
			req.GeneratedResponses = append(req.GeneratedResponses, msg.TextEN)
		}
	}
	return req
}

func join(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, " ")
}
