package flow

import (
	"math"

	"github.com/BTreeMap/DialogPipe/internal/config"
	"github.com/BTreeMap/DialogPipe/internal/models"
)

// belowOne is the largest progress an unfinished conversation can report.
var belowOne = math.Nextafter(1, 0)

// Progress returns the completion ratio of conv. It is 1 exactly when the
// episode is done and within [0, 1) otherwise.
func Progress(conv models.Conversation, d config.DialogConfig) float64 {
	if conv.EpisodeDone {
		return 1
	}
	var p float64
	switch {
	case conv.Persona == models.PersonaCasual:
		p = float64(conv.UserTurns()) / float64(d.MaxDialogLength+1)
	case conv.CurrentBlock == models.BlockGreet:
		p = 0
	case conv.CurrentBlock == models.BlockSmallTalk:
		p = d.SmallTalkProgress
	case conv.PlannedQuestions > 0:
		remaining := float64(len(conv.QuestionQueue)) / float64(conv.PlannedQuestions)
		p = 1 - remaining - d.ProgressOffset
	}
	return clamp(p)
}

func clamp(p float64) float64 {
	switch {
	case math.IsNaN(p) || p < 0:
		return 0
	case p >= 1:
		return belowOne
	default:
		return p
	}
}
