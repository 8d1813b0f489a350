package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/intent"
	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/sampler"
	"github.com/BTreeMap/DialogPipe/internal/store"
)

// scriptedBackend returns its replies in order and records every request.
type scriptedBackend struct {
	mu       sync.Mutex
	replies  []string
	err      error
	requests []genai.Request
}

func (b *scriptedBackend) Generate(_ context.Context, req genai.Request) (genai.Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)
	if b.err != nil {
		return genai.Reply{}, b.err
	}
	text := fmt.Sprintf("Generated reply number %d.", len(b.requests))
	if len(b.requests) <= len(b.replies) {
		text = b.replies[len(b.requests)-1]
	}
	return genai.Reply{Text: text, Latency: 100 * time.Millisecond, Language: "en"}, nil
}

func (b *scriptedBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

// tagTranslator marks translated text with the target language.
type tagTranslator struct {
	fail bool
}

func (tr tagTranslator) Translate(_ context.Context, text, source, target string) (string, error) {
	if tr.fail {
		return "", errors.New("translator offline")
	}
	if strings.EqualFold(source, target) {
		return text, nil
	}
	return "[" + target + "] " + text, nil
}

type fixedClassifier intent.Classification

func (c fixedClassifier) Classify(context.Context, string) intent.Classification {
	return intent.Classification(c)
}

type fixedRand struct{}

func (fixedRand) IntN(int) int                { return 0 }
func (fixedRand) Shuffle(int, func(i, j int)) {}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	cfg := testConfig()
	base := []Option{
		WithMachine(newTestMachine(t, cfg)),
		WithSampler(sampler.New(sampler.WithRand(fixedRand{}))),
	}
	return NewEngine(cfg, st, testBank(t), append(base, opts...)...), st
}

func TestEngineInterviewLifecycle(t *testing.T) {
	interview := &scriptedBackend{replies: []string{"How did you handle the deadline?", "What did the client say afterwards?"}}
	e, st := newTestEngine(t, WithBackend(genai.RoleInterview, interview))
	ctx := context.Background()

	off := false
	started, err := e.Start(ctx, models.StartConversationRequest{Persona: models.PersonaInterview, JobTitle: "Plumber", SmallTalkEnabled: &off}, "")
	require.NoError(t, err)
	assert.True(t, started.Reply.IsHardcoded)
	assert.NotEmpty(t, started.Reply.QuestionID)
	assert.True(t, started.CurrentBlock.IsQuestionBlock())

	id := started.ConversationID
	var last models.TurnResult
	for i := 0; i < 10 && !last.EpisodeDone; i++ {
		last, err = e.Turn(ctx, id, "I fixed a leaking pipe under pressure")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, last.Progress, 0.0)
		assert.LessOrEqual(t, last.Progress, 1.0)
	}
	require.True(t, last.EpisodeDone, "conversation should end once the plan is exhausted")
	assert.Equal(t, 1.0, last.Progress)
	assert.Positive(t, interview.calls())

	msgs, err := st.ListMessages(ctx, id)
	require.NoError(t, err)
	for i, m := range msgs {
		assert.Equal(t, i, m.Ordinal)
	}
	assert.Equal(t, models.SpeakerBot, msgs[0].Speaker)

	// every turn after the end echoes the stored farewell
	again, err := e.Turn(ctx, id, "hello?")
	require.NoError(t, err)
	assert.Equal(t, last.Reply.Text, again.Reply.Text)
	assert.True(t, again.EpisodeDone)
}

func TestEngineCommunityFallsBackToCasual(t *testing.T) {
	community := &scriptedBackend{err: errors.New("community backend unavailable")}
	casual := &scriptedBackend{replies: []string{"Oh nice, where did you go?"}}
	e, _ := newTestEngine(t, WithBackend(genai.RoleCommunity, community), WithBackend(genai.RoleCasual, casual))
	ctx := context.Background()

	started, err := e.Start(ctx, models.StartConversationRequest{Persona: models.PersonaCasual, PreferCommunity: true}, "")
	require.NoError(t, err)
	assert.Equal(t, models.BlockSmallTalk, started.CurrentBlock)

	res, err := e.Turn(ctx, started.ConversationID, "I went on a trip")
	require.NoError(t, err)
	assert.Equal(t, "Oh nice, where did you go?", res.Reply.Text)
	assert.Equal(t, 1, community.calls())
	assert.Equal(t, 1, casual.calls())
	assert.Equal(t, "I went on a trip", casual.requests[0].Text)
}

func TestEngineMissingBackendUsesScriptedContent(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	started, err := e.Start(ctx, models.StartConversationRequest{Persona: models.PersonaInterview}, "")
	require.NoError(t, err)
	require.Equal(t, models.BlockSmallTalk, started.CurrentBlock)

	res, err := e.Turn(ctx, started.ConversationID, "hello")
	require.NoError(t, err)
	assert.True(t, res.Reply.IsHardcoded)
	assert.True(t, strings.HasPrefix(res.Reply.Text, testConfig().Phrases.FirstTransition))
}

func TestEngineTranslatesBothWays(t *testing.T) {
	casual := &scriptedBackend{replies: []string{"Lovely to hear that."}}
	e, _ := newTestEngine(t, WithBackend(genai.RoleCasual, casual), WithTranslator(tagTranslator{}))
	ctx := context.Background()

	started, err := e.Start(ctx, models.StartConversationRequest{Persona: models.PersonaCasual, Language: "FR"}, "")
	require.NoError(t, err)
	assert.Equal(t, "[fr] Hello!", started.Reply.Text)
	assert.Equal(t, "Hello!", started.Reply.TextEN)

	res, err := e.Turn(ctx, started.ConversationID, "Bonjour")
	require.NoError(t, err)
	assert.Equal(t, "[en] Bonjour", casual.requests[0].Text)
	assert.Equal(t, "[fr] Lovely to hear that.", res.Reply.Text)
	assert.Equal(t, "Lovely to hear that.", res.Reply.TextEN)
	user := res.Conversation.Messages[len(res.Conversation.Messages)-2]
	assert.Equal(t, "Bonjour", user.Text)
	assert.Equal(t, "[en] Bonjour", user.TextEN)
}

func TestEngineTranslationFailureDegrades(t *testing.T) {
	casual := &scriptedBackend{replies: []string{"Lovely to hear that."}}
	e, _ := newTestEngine(t, WithBackend(genai.RoleCasual, casual), WithTranslator(tagTranslator{fail: true}))
	ctx := context.Background()

	started, err := e.Start(ctx, models.StartConversationRequest{Persona: models.PersonaCasual, Language: "de"}, "")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", started.Reply.Text)

	res, err := e.Turn(ctx, started.ConversationID, "Guten Tag")
	require.NoError(t, err)
	assert.Equal(t, "Guten Tag", casual.requests[0].Text)
	assert.Equal(t, "Lovely to hear that.", res.Reply.Text)
}

func TestEngineIntentStop(t *testing.T) {
	e, _ := newTestEngine(t, WithClassifier(fixedClassifier{Name: "stop", Confidence: 1}))
	ctx := context.Background()
	started, err := e.Start(ctx, models.StartConversationRequest{Persona: models.PersonaInterview}, "")
	require.NoError(t, err)

	res, err := e.Turn(ctx, started.ConversationID, "stop")
	require.NoError(t, err)
	assert.True(t, res.EpisodeDone)
	assert.Equal(t, "Goodbye!", res.Reply.Text)
}

func TestEngineErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Turn(ctx, "missing", "hello")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	_, err = e.Turn(ctx, "missing", "")
	assert.True(t, errors.Is(err, models.ErrEmptyUtterance))

	_, err = e.Start(ctx, models.StartConversationRequest{Persona: "robot"}, "")
	assert.True(t, errors.Is(err, models.ErrInvalidPersona))

	noBank := NewEngine(testConfig(), store.NewInMemoryStore(), nil)
	_, err = noBank.Start(ctx, models.StartConversationRequest{Persona: models.PersonaInterview}, "")
	assert.True(t, errors.Is(err, ErrNoQuestionBank))
}

func TestEngineSerializesTurnsOfOneConversation(t *testing.T) {
	casual := &scriptedBackend{}
	e, st := newTestEngine(t, WithBackend(genai.RoleCasual, casual))
	ctx := context.Background()
	started, err := e.Start(ctx, models.StartConversationRequest{Persona: models.PersonaCasual}, "15550001")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Turn(ctx, started.ConversationID, fmt.Sprintf("message %d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	msgs, err := st.ListMessages(ctx, started.ConversationID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1+2*8)
	for i, m := range msgs {
		assert.Equal(t, i, m.Ordinal)
	}

	active, err := e.FindActive(ctx, "15550001")
	if err == nil {
		assert.Equal(t, started.ConversationID, active.ID)
	} else {
		assert.True(t, errors.Is(err, store.ErrNotFound), "finished conversations are not active")
	}
}
