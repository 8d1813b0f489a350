package flow

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/DialogPipe/internal/genai"
	"github.com/BTreeMap/DialogPipe/internal/intent"
	"github.com/BTreeMap/DialogPipe/internal/models"
)

var errTest = errors.New("injected failure")

func TestProgress(t *testing.T) {
	d := testConfig().Dialog
	queue := func(n int) []models.QueuedQuestion { return make([]models.QueuedQuestion, n) }

	tests := []struct {
		name string
		conv models.Conversation
		want float64
	}{
		{"done", models.Conversation{EpisodeDone: true, Persona: models.PersonaInterview}, 1},
		{"greet", models.Conversation{Persona: models.PersonaInterview, CurrentBlock: models.BlockGreet}, 0},
		{"small talk", models.Conversation{Persona: models.PersonaInterview, CurrentBlock: models.BlockSmallTalk}, d.SmallTalkProgress},
		{"half the questions left", models.Conversation{Persona: models.PersonaInterview, CurrentBlock: models.BlockJob,
			QuestionQueue: queue(2), PlannedQuestions: 4}, 0.5 - d.ProgressOffset},
		{"first question popped of one", models.Conversation{Persona: models.PersonaInterview, CurrentBlock: models.BlockTough,
			PlannedQuestions: 1}, 1 - d.ProgressOffset},
		{"more queued than planned clamps to zero", models.Conversation{Persona: models.PersonaInterview, CurrentBlock: models.BlockTough,
			QuestionQueue: queue(3), PlannedQuestions: 2}, 0},
		{"no plan", models.Conversation{Persona: models.PersonaInterview, CurrentBlock: models.BlockGeneral}, 0},
		{"casual", models.Conversation{Persona: models.PersonaCasual, CurrentBlock: models.BlockSmallTalk,
			Messages: []models.Message{{Speaker: models.SpeakerBot}, {Speaker: models.SpeakerUser}, {Speaker: models.SpeakerBot}, {Speaker: models.SpeakerUser}}},
			2.0 / float64(d.MaxDialogLength+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, Progress(tt.conv, d), 1e-9)
		})
	}
}

func TestProgressNeverReachesOneUnlessDone(t *testing.T) {
	d := testConfig().Dialog
	d.ProgressOffset = 0
	conv := models.Conversation{Persona: models.PersonaInterview, CurrentBlock: models.BlockGeneral, PlannedQuestions: 3}
	assert.Less(t, Progress(conv, d), 1.0, "unfinished conversation must stay below 1")
}

// TestRandomWalkInvariants drives the machine with random events and checks
// the invariants every snapshot must hold.
func TestRandomWalkInvariants(t *testing.T) {
	cfg := testConfig()
	m := newTestMachine(t, cfg)
	rng := rand.New(rand.NewPCG(7, 11))
	intents := []string{"", "ask_identity", "not_understood", "stop", "offensive", "gibberish"}
	replies := []string{
		"That is interesting.", "Why do you think so?", "I am a human. Tell me more.",
		"Hello!", "", "Could you give me an example from your last job?",
	}

	for run := 0; run < 50; run++ {
		queue := []models.QueuedQuestion{toughQuestion, personalQuestion}[:rng.IntN(3)]
		conv := newInterview(rng.IntN(2) == 0, queue...)
		if rng.IntN(4) == 0 {
			conv.Persona = models.PersonaCasual
			conv.QuestionQueue, conv.PlannedQuestions = nil, 0
		}
		var eff Effect
		conv, eff = m.Step(conv, Start{})
		wasDone := false
		for turn := 0; turn < 15; turn++ {
			checkInvariants(t, conv, wasDone)
			wasDone = conv.EpisodeDone
			u := utter("some answer")
			u.Classification = intent.Classification{Name: intents[rng.IntN(len(intents))], Confidence: rng.Float64()}
			conv, eff = m.Step(conv, u)
			if _, ok := eff.(Generate); ok {
				g := Generated{Reply: genai.Reply{Text: replies[rng.IntN(len(replies))], Language: "en"}}
				if rng.IntN(5) == 0 {
					g.Err = errTest
				}
				conv, eff = m.Step(conv, g)
			}
			require.IsType(t, Say{}, eff, "run %d turn %d: turn ended without a reply", run, turn)
		}
		checkInvariants(t, conv, wasDone)
	}
}

func checkInvariants(t *testing.T, conv models.Conversation, wasDone bool) {
	t.Helper()
	for i, msg := range conv.Messages {
		require.Equal(t, i, msg.Ordinal, "ordinal gap")
	}
	require.GreaterOrEqual(t, conv.Progress, 0.0)
	require.LessOrEqual(t, conv.Progress, 1.0)
	require.Equal(t, conv.EpisodeDone, conv.Progress == 1, "progress %v does not match episode_done", conv.Progress)
	if wasDone {
		require.True(t, conv.EpisodeDone, "episode_done went back to false")
	}
}
