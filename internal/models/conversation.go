// Package models defines conversation state types for DialogPipe.
package models

import (
	"errors"
	"time"
)

// Persona selects the overall shape of a conversation.
type Persona string

const (
	// PersonaInterview runs a job-interview rehearsal driven by a question plan.
	PersonaInterview Persona = "interview"
	// PersonaCasual runs an open-ended casual chat.
	PersonaCasual Persona = "casual"
)

// Block is a named phase of the scripted conversation.
type Block string

// Block constants. Goodbye is terminal.
const (
	BlockGreet     Block = "greet"
	BlockSmallTalk Block = "small_talk"
	BlockTough     Block = "tough"
	BlockPersonal  Block = "personal"
	BlockJob       Block = "job"
	BlockGeneral   Block = "general"
	BlockGoodbye   Block = "goodbye"
)

// IsQuestionBlock reports whether b is one of the question blocks fed by the question plan.
func (b Block) IsQuestionBlock() bool {
	switch b {
	case BlockTough, BlockPersonal, BlockJob, BlockGeneral:
		return true
	default:
		return false
	}
}

// IsValid reports whether b is a known block.
func (b Block) IsValid() bool {
	switch b {
	case BlockGreet, BlockSmallTalk, BlockGoodbye:
		return true
	default:
		return b.IsQuestionBlock()
	}
}

// Speaker identifies who produced a message.
type Speaker string

const (
	SpeakerUser Speaker = "user"
	SpeakerBot  Speaker = "bot"
)

// DefaultLanguage is the canonical working language used for model context and filtering.
const DefaultLanguage = "en"

// Message is one utterance in a conversation.
type Message struct {
	Ordinal        int       `json:"ordinal"`
	Speaker        Speaker   `json:"speaker"`
	Text           string    `json:"text"`            // conversation's spoken language
	TextEN         string    `json:"text_en"`         // canonical English
	IsHardcoded    bool      `json:"is_hardcoded"`    // scripted content, not generated
	FilteredText   string    `json:"filtered_text,omitempty"`
	FilteredReason string    `json:"filtered_reason,omitempty"`
	QuestionID     string    `json:"question_id,omitempty"` // set on scripted question prompts
	Rephrased      bool      `json:"rephrased,omitempty"`   // set when the prompt is an alternate phrasing
	Intent         string    `json:"intent,omitempty"`
	Latency        float64   `json:"latency,omitempty"` // generation latency in seconds
	CreatedAt      time.Time `json:"created_at"`
}

// Conversation is the full state of one dialogue. It is owned by exactly one
// in-flight turn at a time.
type Conversation struct {
	ID               string           `json:"id"`
	Language         string           `json:"language"`
	Persona          Persona          `json:"persona"`
	CurrentBlock     Block            `json:"current_block"`
	BlockTurnCount   int              `json:"block_turn_count"`
	EpisodeDone      bool             `json:"episode_done"`
	Messages         []Message        `json:"messages,omitempty"`
	QuestionQueue    []QueuedQuestion `json:"question_queue"`
	PlannedQuestions int              `json:"planned_questions"`
	Progress         float64          `json:"progress"`
	SmallTalkEnabled bool             `json:"small_talk_enabled"`
	JobTitle         string           `json:"job_title"`
	HasExperience    bool             `json:"has_experience"`
	PreferCommunity  bool             `json:"prefer_community,omitempty"`
	Farewell         string           `json:"farewell,omitempty"`
	Recipient        string           `json:"recipient,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// NextOrdinal returns the ordinal the next appended message must carry.
func (c *Conversation) NextOrdinal() int {
	return len(c.Messages)
}

// LastBotMessage returns the most recent bot message, if any.
func (c *Conversation) LastBotMessage() (Message, bool) {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].Speaker == SpeakerBot {
			return c.Messages[i], true
		}
	}
	return Message{}, false
}

// UserTurns counts the messages the user has sent.
func (c *Conversation) UserTurns() int {
	n := 0
	for _, m := range c.Messages {
		if m.Speaker == SpeakerUser {
			n++
		}
	}
	return n
}

// Clone returns a copy whose slices can be mutated without touching c.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	out.QuestionQueue = append([]QueuedQuestion(nil), c.QuestionQueue...)
	return out
}

// ConversationUpdate is the partial document merged into a stored conversation after a turn.
type ConversationUpdate struct {
	CurrentBlock   Block            `json:"current_block"`
	BlockTurnCount int              `json:"block_turn_count"`
	EpisodeDone    bool             `json:"episode_done"`
	QuestionQueue  []QueuedQuestion `json:"question_queue"`
	Progress       float64          `json:"progress"`
	Farewell       string           `json:"farewell,omitempty"`
}

// UpdateFrom captures the mutable fields of c.
func UpdateFrom(c Conversation) ConversationUpdate {
	return ConversationUpdate{
		CurrentBlock:   c.CurrentBlock,
		BlockTurnCount: c.BlockTurnCount,
		EpisodeDone:    c.EpisodeDone,
		QuestionQueue:  c.QuestionQueue,
		Progress:       c.Progress,
		Farewell:       c.Farewell,
	}
}

// Errors returned when validating conversation requests.
var (
	ErrInvalidPersona  = errors.New("persona must be 'interview' or 'casual'")
	ErrEmptyUtterance  = errors.New("utterance text cannot be empty")
	ErrUtteranceTooBig = errors.New("utterance exceeds maximum length")
	ErrInvalidLanguage = errors.New("language must be a two or three letter code")
)

// MaxUtteranceLength bounds a single user utterance.
const MaxUtteranceLength = 2000

// StartConversationRequest is the body of POST /conversations.
type StartConversationRequest struct {
	Language         string  `json:"language,omitempty"`
	Persona          Persona `json:"persona"`
	JobTitle         string  `json:"job_title,omitempty"`
	HasExperience    bool    `json:"has_experience"`
	SmallTalkEnabled *bool   `json:"small_talk_enabled,omitempty"`
	PreferCommunity  bool    `json:"prefer_community,omitempty"`
}

// Validate checks the request and fills defaults.
func (r *StartConversationRequest) Validate() error {
	if r.Persona == "" {
		r.Persona = PersonaInterview
	}
	if r.Persona != PersonaInterview && r.Persona != PersonaCasual {
		return ErrInvalidPersona
	}
	if r.Language == "" {
		r.Language = DefaultLanguage
	}
	if len(r.Language) < 2 || len(r.Language) > 3 {
		return ErrInvalidLanguage
	}
	return nil
}

// TurnRequest is the body of POST /conversations/{id}/turns.
type TurnRequest struct {
	Text string `json:"text"`
}

// Validate checks the utterance.
func (r TurnRequest) Validate() error {
	if r.Text == "" {
		return ErrEmptyUtterance
	}
	if len(r.Text) > MaxUtteranceLength {
		return ErrUtteranceTooBig
	}
	return nil
}

// TurnResult is what one processed turn hands back to the boundary layer.
type TurnResult struct {
	ConversationID string       `json:"conversation_id"`
	Reply          Message      `json:"reply"`
	CurrentBlock   Block        `json:"current_block"`
	Progress       float64      `json:"progress"`
	EpisodeDone    bool         `json:"episode_done"`
	Conversation   Conversation `json:"-"`
}
