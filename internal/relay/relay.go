// Package relay drives one responder exchange: it streams the completion to the
// live connections of the target and finalizes or aborts the conversation.
package relay

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/completion"
	"github.com/router-for-me/ChatRelay/internal/conversation"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/store"
	log "github.com/sirupsen/logrus"
)

// Stream events.
const (
	EventChunk = "botStreamChunk"
	EventDone  = "botStreamDone"
	EventError = "botStreamError"
)

// ChunkPayload carries one fragment.
type ChunkPayload struct {
	CorrelationID string `json:"correlationId"`
	Content       string `json:"content"`
}

// DonePayload carries the persisted answer.
type DonePayload struct {
	CorrelationID string             `json:"correlationId"`
	Message       *store.MessageView `json:"message"`
}

// ErrorPayload carries a human-readable failure cause.
type ErrorPayload struct {
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error"`
}

// Emitter fans events out to live connections. Emitting to an unreachable
// target is a silent no-op.
type Emitter interface {
	EmitToUser(userID uint64, event string, payload any) int
	EmitToGroup(groupID uint64, event string, payload any) int
}

// Target selects who receives stream events: a group when GroupID is set,
// otherwise the user.
type Target struct {
	UserID  uint64
	GroupID uint64
}

// Exchange is one request/answer round with a responder.
type Exchange struct {
	CorrelationID string
	Key           conversation.Key
	Target        Target
	Responder     *models.Bot
	Context       []models.Turn
	MessageTarget string
}

// Relay runs exchanges. It holds no lock while the completion streams.
type Relay struct {
	streamer      completion.Streamer
	conversations *conversation.Manager
	store         *store.Identity
	emitter       Emitter
}

// New constructs a Relay.
func New(streamer completion.Streamer, conversations *conversation.Manager, identity *store.Identity, emitter Emitter) *Relay {
	return &Relay{streamer: streamer, conversations: conversations, store: identity, emitter: emitter}
}

// Run streams the answer for ex. Fragments are emitted in arrival order. On
// success the answer becomes an assistant turn and a durable message; on any
// failure an error event is emitted and the conversation is left untouched.
func (r *Relay) Run(ctx context.Context, ex Exchange) error {
	entry := log.WithFields(log.Fields{
		"correlation_id": ex.CorrelationID,
		"user_id":        ex.Key.UserID,
		"group_id":       ex.Key.GroupID,
	})
	text, errStream := r.stream(ctx, ex)
	if errStream != nil {
		entry.WithError(errStream).Warn("relay: exchange failed")
		r.emit(ex.Target, EventError, ErrorPayload{CorrelationID: ex.CorrelationID, Error: apperror.MessageOf(errStream)})
		return errStream
	}

	cfg := ex.Responder.Config.Data()
	if errAppend := r.conversations.AppendAssistant(ctx, ex.Key, text, cfg.MaxPairs); errAppend != nil {
		entry.WithError(errAppend).Error("relay: assistant turn not stored")
		r.emit(ex.Target, EventError, ErrorPayload{CorrelationID: ex.CorrelationID, Error: apperror.MessageOf(errAppend)})
		return errAppend
	}
	view, errMessage := r.store.CreateMessage(ctx, &models.Message{
		FromID:  ex.Responder.UserID,
		Target:  ex.MessageTarget,
		Type:    models.MessageText,
		Content: text,
	})
	if errMessage != nil {
		entry.WithError(errMessage).Error("relay: answer message not stored")
		r.emit(ex.Target, EventError, ErrorPayload{CorrelationID: ex.CorrelationID, Error: apperror.MessageOf(errMessage)})
		return errMessage
	}
	r.emit(ex.Target, EventDone, DonePayload{CorrelationID: ex.CorrelationID, Message: view})
	entry.WithField("chars", len(text)).Debug("relay: exchange complete")
	return nil
}

func (r *Relay) stream(ctx context.Context, ex Exchange) (string, error) {
	if ex.Responder == nil {
		return "", apperror.New(apperror.CodeNotFound, "responder not found")
	}
	cfg := ex.Responder.Config.Data()
	messages := make([]completion.Message, 0, len(ex.Context))
	for _, turn := range ex.Context {
		messages = append(messages, completion.Message{Role: turn.Role, Content: turn.Text})
	}

	stream, errStream := r.streamer.Stream(ctx, completion.Request{
		Endpoint:    cfg.Endpoint,
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		Messages:    messages,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
	})
	if errStream != nil {
		return "", errStream
	}
	defer func() {
		if errClose := stream.Close(); errClose != nil {
			log.WithError(errClose).Debug("relay: close stream")
		}
	}()

	var answer strings.Builder
	for {
		fragment, errNext := stream.Next()
		if errors.Is(errNext, io.EOF) {
			break
		}
		if errNext != nil {
			return "", errNext
		}
		answer.WriteString(fragment)
		r.emit(ex.Target, EventChunk, ChunkPayload{CorrelationID: ex.CorrelationID, Content: fragment})
	}
	if strings.TrimSpace(answer.String()) == "" {
		return "", apperror.New(apperror.CodeExternalService, "responder returned an empty answer")
	}
	return answer.String(), nil
}

func (r *Relay) emit(target Target, event string, payload any) {
	if target.GroupID != 0 {
		r.emitter.EmitToGroup(target.GroupID, event, payload)
		return
	}
	r.emitter.EmitToUser(target.UserID, event, payload)
}
