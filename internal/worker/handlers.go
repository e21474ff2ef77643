package worker

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/lianues/buildcopy/internal/events"
	"github.com/lianues/buildcopy/internal/worker/sse"
	"github.com/lianues/buildcopy/pkg/models"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error payload with the given status.
func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// decodeBody unmarshals the request body into dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return false
	}
	return true
}

// handleHealth reports liveness and version.
func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":        "ready",
		"version":       s.version,
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"workspace":     s.reader.Root(),
		"provider":      s.cfg.APIProvider,
		"strategy":      s.cfg.CodeChangeStrategy,
	})
}

// handleListFiles returns the ignore-filtered file tree.
func (s *Service) handleListFiles(w http.ResponseWriter, r *http.Request) {
	digest := s.reader.Read()
	files := digest.IncludedFiles
	if files == nil {
		files = []string{}
	}
	writeJSON(w, map[string]any{"files": files})
}

// handleReadFile returns one file's text.
func (s *Service) handleReadFile(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if err := models.ValidateEditPath(path); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	data, err := os.ReadFile(filepath.Join(s.reader.Root(), filepath.FromSlash(path)))
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, fmt.Errorf("file %s not found", path))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]string{"path": path, "content": string(data)})
}

// handleWriteFile overwrites one file's text.
func (s *Service) handleWriteFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Path    string `json:"path"`
		Content string `json:"content"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := models.ValidateEditPath(req.Path); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target := filepath.Join(s.reader.Root(), filepath.FromSlash(req.Path))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := os.WriteFile(target, []byte(req.Content), 0o644); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]string{"path": req.Path, "status": "written"})
}

// acquireTurn takes the single-writer slot, or reports 409.
func (s *Service) acquireTurn(w http.ResponseWriter) bool {
	if !s.turnBusy.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, errors.New("another turn is in progress on this workspace"))
		return false
	}
	return true
}

// handleChat runs one turn and streams its events as SSE frames.
func (s *Service) handleChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		Message        string `json:"message"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}
	if !s.acquireTurn(w) {
		return
	}
	defer s.turnBusy.Store(false)

	conv, err := s.loadOrCreateConversation(req.ConversationID, req.Message)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	stream := sse.NewStreamWriter(w)
	if stream == nil {
		writeError(w, http.StatusInternalServerError, errors.New("streaming not supported"))
		return
	}
	stream.Send(map[string]string{"kind": "conversation", "conversationId": conv.ID})

	sink := events.SinkFunc(func(e events.Event) {
		stream.Send(e)
	})

	res, err := s.runner.Run(r.Context(), conv.Messages, req.Message, sink)
	if err != nil {
		// Error and cancellation frames were already handled by the sink
		// contract; nothing is persisted for a failed turn.
		log.Warn().Err(err).Str("conversation", conv.ID).Msg("Turn did not complete")
		return
	}

	userMsg := conv.Append(models.RoleUser, req.Message, res.FullPrompt)
	modelMsg := conv.Append(models.RoleModel, res.ResponseText, "")
	if err := s.histStore.Save(conv); err != nil {
		log.Error().Err(err).Str("conversation", conv.ID).Msg("Failed to persist conversation")
	}
	stream.Send(map[string]string{
		"kind":           "saved",
		"conversationId": conv.ID,
		"userMessageId":  userMsg.ID,
		"modelMessageId": modelMsg.ID,
	})
}

// loadOrCreateConversation resolves the target conversation for a turn.
func (s *Service) loadOrCreateConversation(id, title string) (*models.Conversation, error) {
	if id == "" {
		if len(title) > 60 {
			title = title[:60]
		}
		return models.NewConversation(title), nil
	}
	return s.histStore.Load(id)
}

// handleApply parses the edit envelope of a stored model message (or raw
// text) and applies it. The apply runs to completion once begun.
func (s *Service) handleApply(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConversationID string `json:"conversationId"`
		MessageID      string `json:"messageId"`
		Text           string `json:"text"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	text := req.Text
	messageID := req.MessageID
	if text == "" {
		if req.ConversationID == "" || req.MessageID == "" {
			writeError(w, http.StatusBadRequest, errors.New("text or conversationId+messageId required"))
			return
		}
		conv, err := s.histStore.Load(req.ConversationID)
		if err != nil {
			writeError(w, http.StatusNotFound, err)
			return
		}
		found := false
		for i := range conv.Messages {
			if conv.Messages[i].ID == req.MessageID && conv.Messages[i].Role == models.RoleModel {
				text = conv.Messages[i].Text
				found = true
				break
			}
		}
		if !found {
			writeError(w, http.StatusNotFound, fmt.Errorf("model message %s not found", req.MessageID))
			return
		}
	}

	if !s.acquireTurn(w) {
		return
	}
	defer s.turnBusy.Store(false)

	var sink events.Collector
	res, err := s.runner.ApplyChanges(text, messageID, &sink)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}

	if res.SnapshotLabel != "" {
		s.sseHub.Broadcast(map[string]string{
			"type":          "snapshotCreated",
			"snapshotLabel": res.SnapshotLabel,
			"messageId":     messageID,
		})
	}
	writeJSON(w, res)
}

// handleListSnapshots returns all snapshot labels, oldest first.
func (s *Service) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	labels, err := s.snapshots.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if labels == nil {
		labels = []string{}
	}
	writeJSON(w, map[string]any{"snapshots": labels})
}

// handleRestoreSnapshot restores the workspace to a labeled snapshot.
func (s *Service) handleRestoreSnapshot(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Label string `json:"label"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Label == "" {
		writeError(w, http.StatusBadRequest, errors.New("label is required"))
		return
	}
	if !s.acquireTurn(w) {
		return
	}
	defer s.turnBusy.Store(false)

	if err := s.snapshots.Restore(req.Label); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	s.sseHub.Broadcast(map[string]string{"type": "snapshotRestored", "snapshotLabel": req.Label})
	writeJSON(w, map[string]string{"status": "restored", "label": req.Label})
}

// handleListHistory returns conversation summaries, newest first.
func (s *Service) handleListHistory(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.histStore.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{"conversations": summaries})
}

// handleGetHistory returns one full conversation.
func (s *Service) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	conv, err := s.histStore.Load(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, conv)
}

// handleCreateHistory creates an empty conversation.
func (s *Service) handleCreateHistory(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title string `json:"title"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	conv := models.NewConversation(req.Title)
	if err := s.histStore.Save(conv); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, conv)
}

// handleDeleteHistory removes one conversation.
func (s *Service) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.histStore.Delete(chi.URLParam(r, "id")); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, map[string]string{"status": "deleted"})
}
