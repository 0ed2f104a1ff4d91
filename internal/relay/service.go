package relay

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/conversation"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/store"
	log "github.com/sirupsen/logrus"
)

const (
	defaultExchangeTimeout = 3 * time.Minute
	// EventMessage announces a persisted chat message.
	EventMessage = "message"
)

var mentionPattern = regexp.MustCompile(`^@(\S+)\s+([\s\S]+)$`)

// Service authorizes responder requests and starts their exchanges.
type Service struct {
	relay         *Relay
	conversations *conversation.Manager
	store         *store.Identity
	emitter       Emitter
	responderName string
	timeout       time.Duration

	wg sync.WaitGroup
}

// NewService constructs a Service for the named responder.
func NewService(r *Relay, conversations *conversation.Manager, identity *store.Identity, emitter Emitter, responderName string) *Service {
	return &Service{
		relay:         r,
		conversations: conversations,
		store:         identity,
		emitter:       emitter,
		responderName: responderName,
		timeout:       defaultExchangeTimeout,
	}
}

// WithTimeout bounds each exchange.
func (s *Service) WithTimeout(timeout time.Duration) *Service {
	if timeout > 0 {
		s.timeout = timeout
	}
	return s
}

// Private starts an exchange between userID and the responder. It returns the
// correlation id that tags every stream event of the exchange.
func (s *Service) Private(ctx context.Context, userID uint64, text, correlationID string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", apperror.New(apperror.CodeValidation, "message is empty")
	}
	bot, errBot := s.responder(ctx)
	if errBot != nil {
		return "", errBot
	}
	target := models.PrivateTarget(userID, bot.UserID)
	view, errMessage := s.store.CreateMessage(ctx, &models.Message{FromID: userID, Target: target, Content: text})
	if errMessage != nil {
		return "", errMessage
	}
	ex := Exchange{
		CorrelationID: correlationOrNew(correlationID),
		Key:           conversation.Key{UserID: userID, ResponderID: bot.UserID},
		Target:        Target{UserID: userID},
		Responder:     bot,
		MessageTarget: target,
	}
	if errPrepare := s.prepare(ctx, &ex, text, view.ID); errPrepare != nil {
		return "", errPrepare
	}
	return s.launch(ctx, ex), nil
}

// Mention starts a group exchange from a message of the form "@<responder> <text>".
// A message that does not match fails before anything is stored.
func (s *Service) Mention(ctx context.Context, userID, groupID uint64, content, correlationID string) (string, error) {
	matches := mentionPattern.FindStringSubmatch(strings.TrimSpace(content))
	if matches == nil || matches[1] != s.responderName {
		return "", apperror.Newf(apperror.CodeValidation, "mention must look like @%s <message>", s.responderName)
	}
	text := strings.TrimSpace(matches[2])
	if text == "" {
		return "", apperror.New(apperror.CodeValidation, "message is empty")
	}
	if errMember := s.requireMember(ctx, userID, groupID); errMember != nil {
		return "", errMember
	}
	bot, errBot := s.responder(ctx)
	if errBot != nil {
		return "", errBot
	}

	target := models.GroupTarget(groupID)
	view, errMessage := s.store.CreateMessage(ctx, &models.Message{FromID: userID, Target: target, Content: strings.TrimSpace(content)})
	if errMessage != nil {
		return "", errMessage
	}
	ex := Exchange{
		CorrelationID: correlationOrNew(correlationID),
		Key:           conversation.Key{UserID: userID, ResponderID: bot.UserID, GroupID: groupID},
		Target:        Target{GroupID: groupID},
		Responder:     bot,
		MessageTarget: target,
	}
	if errPrepare := s.prepare(ctx, &ex, text, view.ID); errPrepare != nil {
		return "", errPrepare
	}
	s.emitter.EmitToGroup(groupID, EventMessage, view)
	return s.launch(ctx, ex), nil
}

// Clear empties the conversation of userID with the responder, in groupID when set.
func (s *Service) Clear(ctx context.Context, userID, groupID uint64) error {
	if groupID != 0 {
		if errMember := s.requireMember(ctx, userID, groupID); errMember != nil {
			return errMember
		}
	}
	bot, errBot := s.store.BotByName(ctx, s.responderName)
	if errBot != nil {
		return errBot
	}
	return s.conversations.Clear(ctx, conversation.Key{UserID: userID, ResponderID: bot.UserID, GroupID: groupID})
}

// Wait blocks until every started exchange has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// prepare appends the user turn and assembles the call context. When that fails
// the user message stored for the exchange is removed again.
func (s *Service) prepare(ctx context.Context, ex *Exchange, text string, messageID uint64) error {
	cfg := ex.Responder.Config.Data()
	turns, errBuild := s.conversations.AppendAndBuildContext(ctx, ex.Key, cfg.SystemPrompt, cfg.MaxPairs, text)
	if errBuild != nil {
		if errUndo := s.store.DeleteMessage(ctx, messageID); errUndo != nil {
			log.WithError(errUndo).WithField("message_id", messageID).Error("relay: orphaned user message not removed")
		}
		return errBuild
	}
	ex.Context = turns
	return nil
}

// launch runs the exchange in its own goroutine and returns its correlation id.
func (s *Service) launch(ctx context.Context, ex Exchange) string {
	// The exchange outlives the request: a closed connection stops delivery but
	// not persistence.
	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		_ = s.relay.Run(runCtx, ex)
	}()
	return ex.CorrelationID
}

func (s *Service) responder(ctx context.Context) (*models.Bot, error) {
	bot, errBot := s.store.BotByName(ctx, s.responderName)
	if errBot != nil {
		return nil, errBot
	}
	if !bot.Enabled {
		return nil, apperror.Newf(apperror.CodeValidation, "%s is not available", bot.Name)
	}
	return bot, nil
}

func (s *Service) requireMember(ctx context.Context, userID, groupID uint64) error {
	group, errGroup := s.store.GroupByID(ctx, groupID)
	if errGroup != nil {
		return errGroup
	}
	if !group.Members.Contains(userID) {
		return apperror.New(apperror.CodeUnauthorized, "you are not a member of this group")
	}
	return nil
}

func correlationOrNew(id string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return uuid.NewString()
}
