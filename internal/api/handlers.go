package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/DialogPipe/internal/models"
)

// ConversationView is the snapshot returned by GET /conversations/{id}.
type ConversationView struct {
	ID                 string         `json:"id"`
	Persona            models.Persona `json:"persona"`
	Language           string         `json:"language"`
	CurrentBlock       models.Block   `json:"current_block"`
	BlockTurnCount     int            `json:"block_turn_count"`
	Progress           float64        `json:"progress"`
	EpisodeDone        bool           `json:"episode_done"`
	RemainingQuestions int            `json:"remaining_questions"`
	PlannedQuestions   int            `json:"planned_questions"`
	Messages           int            `json:"messages"`
}

func viewOf(c models.Conversation) ConversationView {
	return ConversationView{
		ID:                 c.ID,
		Persona:            c.Persona,
		Language:           c.Language,
		CurrentBlock:       c.CurrentBlock,
		BlockTurnCount:     c.BlockTurnCount,
		Progress:           c.Progress,
		EpisodeDone:        c.EpisodeDone,
		RemainingQuestions: len(c.QuestionQueue),
		PlannedQuestions:   c.PlannedQuestions,
		Messages:           len(c.Messages),
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		slog.Warn("Server.decode: invalid request body", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return false
	}
	return true
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("healthy", nil))
}

// startHandler handles POST /conversations.
func (s *Server) startHandler(w http.ResponseWriter, r *http.Request) {
	var req models.StartConversationRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.conversations.Start(r.Context(), req, "")
	if err != nil {
		writeError(w, "startHandler", err)
		return
	}
	slog.Info("Server.startHandler: conversation started", "id", res.ConversationID)
	writeJSONResponse(w, http.StatusCreated, models.SuccessWithMessage("Conversation started", res))
}

// turnHandler handles POST /conversations/{id}/turns.
func (s *Server) turnHandler(w http.ResponseWriter, r *http.Request) {
	var req models.TurnRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.conversations.Turn(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		writeError(w, "turnHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// getHandler handles GET /conversations/{id}.
func (s *Server) getHandler(w http.ResponseWriter, r *http.Request) {
	conv, err := s.conversations.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "getHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(viewOf(conv)))
}

// messagesHandler handles GET /conversations/{id}/messages.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.conversations.Messages(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, "messagesHandler", err)
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}
