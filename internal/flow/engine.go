package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DialogPipe/internal/config"
	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/intent"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/questionbank"
	"github.com/BTreeMap/DialogPipe/internal/sampler"
	"github.com/BTreeMap/DialogPipe/internal/store"
	"github.com/BTreeMap/DialogPipe/internal/translate"
	"github.com/BTreeMap/DialogPipe/internal/turnlock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Errors returned by the engine.
var (
	ErrNoBackend      = errors.New("no generative backend configured for role")
	ErrNoQuestionBank = errors.New("interview conversations need a question bank")
)

// DefaultLockTimeout bounds how long a turn waits for the previous turn of the
// same conversation.
const DefaultLockTimeout = 30 * time.Second

// Engine runs turns end to end: lock, load, classify and translate, step the
// machine, call the generative backend, localize and persist.
type Engine struct {
	cfg         config.Config
	store       store.Store
	bank        *questionbank.Bank
	machine     *Machine
	sampler     *sampler.Sampler
	locker      turnlock.Locker
	classifier  intent.Classifier
	translator  translate.Translator
	backends    map[string]genai.Backend
	lockTimeout time.Duration
	newID       func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLocker sets the per-conversation lock. Defaults to an in-process lock.
func WithLocker(l turnlock.Locker) Option {
	return func(e *Engine) {
		e.locker = l
	}
}

// WithClassifier sets the intent classifier. Defaults to intent.Disabled.
func WithClassifier(c intent.Classifier) Option {
	return func(e *Engine) {
		e.classifier = c
	}
}

// WithTranslator sets the translator. Defaults to translate.Passthrough.
func WithTranslator(t translate.Translator) Option {
	return func(e *Engine) {
		e.translator = t
	}
}

// WithBackend registers the generative backend serving role.
func WithBackend(role string, b genai.Backend) Option {
	return func(e *Engine) {
		if b != nil {
			e.backends[role] = b
		}
	}
}

// WithSampler replaces the question sampler.
func WithSampler(s *sampler.Sampler) Option {
	return func(e *Engine) {
		e.sampler = s
	}
}

// WithMachine replaces the state machine built from the configuration.
func WithMachine(m *Machine) Option {
	return func(e *Engine) {
		e.machine = m
	}
}

// WithLockTimeout bounds the wait for a busy conversation.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.lockTimeout = d
	}
}

// WithIDGenerator sets the conversation id generator. Defaults to random UUIDs.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		e.newID = newID
	}
}

// NewEngine builds an engine. bank may be nil for casual-only deployments.
func NewEngine(cfg config.Config, st store.Store, bank *questionbank.Bank, opts ...Option) *Engine {
	e := &Engine{
		cfg:         cfg,
		store:       st,
		bank:        bank,
		sampler:     sampler.New(),
		locker:      turnlock.NewLocal(),
		classifier:  intent.Disabled{},
		translator:  translate.Passthrough{},
		backends:    make(map[string]genai.Backend),
		lockTimeout: DefaultLockTimeout,
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.machine == nil {
		var prompts intent.PromptBank
		if bank != nil {
			prompts = bank
		}
		e.machine = NewMachine(cfg, intent.NewRouter(cfg.Intent.Threshold, cfg.Intent.Replies, prompts, nil))
	}
	// a conversation preferring the community backend falls back to the casual one
	if b := genai.NewFallback(genai.RoleCommunity, e.backends[genai.RoleCommunity], e.backends[genai.RoleCasual]); b != nil {
		e.backends[genai.RoleCommunity] = b
	}
	slog.Debug("flow.NewEngine: engine ready", "backends", len(e.backends), "bank", bank != nil)
	return e
}

// Start creates a conversation, plans its questions and returns the opening bot message.
func (e *Engine) Start(ctx context.Context, req models.StartConversationRequest, recipient string) (models.TurnResult, error) {
	if err := req.Validate(); err != nil {
		return models.TurnResult{}, err
	}
	smallTalk := e.cfg.Dialog.SmallTalkEnabled
	if req.SmallTalkEnabled != nil {
		smallTalk = *req.SmallTalkEnabled
	}

	var queue []models.QueuedQuestion
	if req.Persona == models.PersonaInterview {
		if e.bank == nil {
			return models.TurnResult{}, ErrNoQuestionBank
		}
		var err error
		queue, err = e.sampler.Generate(req.JobTitle, req.HasExperience, e.cfg.Dialog.Quota, e.alternatives(), e.bank.Entries())
		if err != nil {
			slog.Error("Engine.Start: question plan failed", "job", req.JobTitle, "error", err)
			return models.TurnResult{}, fmt.Errorf("failed to plan questions: %w", err)
		}
	}

	now := time.Now().UTC()
	conv := models.Conversation{
		ID:               e.newID(),
		Language:         strings.ToLower(req.Language),
		Persona:          req.Persona,
		CurrentBlock:     models.BlockGreet,
		QuestionQueue:    queue,
		PlannedQuestions: len(queue),
		SmallTalkEnabled: smallTalk,
		JobTitle:         req.JobTitle,
		HasExperience:    req.HasExperience,
		PreferCommunity:  req.PreferCommunity,
		Recipient:        recipient,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	next, reply := e.run(ctx, conv, Start{})
	next, reply = e.localize(ctx, next, reply)
	if err := e.store.CreateConversation(ctx, next); err != nil {
		slog.Error("Engine.Start: failed to persist conversation", "id", conv.ID, "error", err)
		return models.TurnResult{}, fmt.Errorf("failed to save conversation: %w", err)
	}
	slog.Info("Engine.Start: conversation started", "id", next.ID, "persona", next.Persona, "block", next.CurrentBlock, "planned", next.PlannedQuestions)
	return result(next, reply), nil
}

// Turn processes one user utterance of conversation id.
func (e *Engine) Turn(ctx context.Context, id, text string) (models.TurnResult, error) {
	if err := (models.TurnRequest{Text: text}).Validate(); err != nil {
		return models.TurnResult{}, err
	}

	lockCtx, cancel := context.WithTimeout(ctx, e.lockTimeout)
	unlock, err := e.locker.Lock(lockCtx, id)
	cancel()
	if err != nil {
		return models.TurnResult{}, fmt.Errorf("conversation %s is busy: %w", id, err)
	}
	defer unlock()

	conv, err := e.store.GetConversation(ctx, id)
	if err != nil {
		return models.TurnResult{}, err
	}

	var cls intent.Classification
	textEN := text
	g, gctx := errgroup.WithContext(ctx)
	if !conv.EpisodeDone {
		g.Go(func() error {
			cls = e.classifier.Classify(gctx, text)
			return nil
		})
	}
	g.Go(func() error {
		en, err := e.translator.Translate(gctx, text, conv.Language, models.DefaultLanguage)
		if err != nil {
			slog.Warn("Engine.Turn: user text not translated, using it as is", "id", id, "language", conv.Language, "error", err)
			return nil
		}
		textEN = en
		return nil
	})
	if err := g.Wait(); err != nil {
		return models.TurnResult{}, err
	}

	next, reply := e.run(ctx, conv, Utterance{Text: text, TextEN: textEN, Classification: cls})
	next, reply = e.localize(ctx, next, reply)

	newMessages := next.Messages[len(conv.Messages):]
	if err := e.store.UpdateConversation(ctx, id, models.UpdateFrom(next), newMessages); err != nil {
		slog.Error("Engine.Turn: failed to persist turn", "id", id, "error", err)
		return models.TurnResult{}, fmt.Errorf("failed to save turn: %w", err)
	}
	slog.Debug("Engine.Turn: turn processed", "id", id, "block", next.CurrentBlock, "progress", next.Progress, "done", next.EpisodeDone)
	return result(next, reply), nil
}

// Get returns the stored conversation.
func (e *Engine) Get(ctx context.Context, id string) (models.Conversation, error) {
	return e.store.GetConversation(ctx, id)
}

// Messages returns the stored messages of a conversation in ordinal order.
func (e *Engine) Messages(ctx context.Context, id string) ([]models.Message, error) {
	return e.store.ListMessages(ctx, id)
}

// FindActive returns the unfinished conversation of a chat recipient.
func (e *Engine) FindActive(ctx context.Context, recipient string) (models.Conversation, error) {
	return e.store.FindActiveByRecipient(ctx, recipient)
}

// run steps the machine and carries out a Generate effect if one is requested.
func (e *Engine) run(ctx context.Context, conv models.Conversation, ev Event) (models.Conversation, models.Message) {
	next, eff := e.machine.Step(conv, ev)
	if g, ok := eff.(Generate); ok {
		reply, err := e.generate(ctx, g)
		next, eff = e.machine.Step(next, Generated{Reply: reply, Err: err})
	}
	say, ok := eff.(Say)
	if !ok {
		slog.Error("Engine.run: machine did not produce a reply", "id", conv.ID, "effect", fmt.Sprintf("%T", eff))
	}
	return next, say.Reply
}

func (e *Engine) generate(ctx context.Context, g Generate) (genai.Reply, error) {
	b, ok := e.backends[g.Role]
	if !ok {
		return genai.Reply{}, fmt.Errorf("%w: %s", ErrNoBackend, g.Role)
	}
	reply, err := b.Generate(ctx, g.Request)
	if err != nil {
		return genai.Reply{}, err
	}
	slog.Debug("Engine.generate: reply generated", "role", g.Role, "latency", reply.Latency, "length", len(reply.Text))
	return reply, nil
}

// localize translates the newest bot message into the conversation language.
func (e *Engine) localize(ctx context.Context, conv models.Conversation, reply models.Message) (models.Conversation, models.Message) {
	if strings.EqualFold(conv.Language, models.DefaultLanguage) || len(conv.Messages) == 0 {
		return conv, reply
	}
	last := &conv.Messages[len(conv.Messages)-1]
	text, err := e.translator.Translate(ctx, last.TextEN, models.DefaultLanguage, conv.Language)
	if err != nil {
		slog.Warn("Engine.localize: reply not translated, sending English", "id", conv.ID, "language", conv.Language, "error", err)
		return conv, *last
	}
	last.Text = text
	return conv, *last
}

func (e *Engine) alternatives() int {
	n := e.bank.Alternatives()
	if a := e.cfg.Dialog.Alternatives; a > 0 && a < n {
		n = a
	}
	return n
}

func result(conv models.Conversation, reply models.Message) models.TurnResult {
	return models.TurnResult{
		ConversationID: conv.ID,
		Reply:          reply,
		CurrentBlock:   conv.CurrentBlock,
		Progress:       conv.Progress,
		EpisodeDone:    conv.EpisodeDone,
		Conversation:   conv,
	}
}
