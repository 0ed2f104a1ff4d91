package ws

import (
	"context"
	"encoding/json"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/registry"
	"github.com/router-for-me/ChatRelay/internal/relay"
	"github.com/router-for-me/ChatRelay/internal/session"
	"github.com/router-for-me/ChatRelay/internal/settings"
	"github.com/router-for-me/ChatRelay/internal/store"
)

// Credentials are checked by the session manager so that the registration
// switch and suppression checks run before field validation.
type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string           `json:"username" validate:"required"`
	Password string           `json:"password" validate:"required"`
	Auth     session.AuthHint `json:"auth" validate:"omitempty,oneof=local"`
}

type tokenRequest struct {
	Token string `json:"token" validate:"required"`
}

type sendMessageRequest struct {
	GroupID uint64 `json:"groupId" validate:"required_without=UserID"`
	UserID  uint64 `json:"userId" validate:"required_without=GroupID,excluded_with=GroupID"`
	Type    string `json:"type" validate:"omitempty,oneof=text image file code inviteV2"`
	Content string `json:"content" validate:"required,max=8000"`
}

type createGroupRequest struct {
	Name string `json:"name" validate:"required,max=32,handle"`
}

type groupRequest struct {
	GroupID uint64 `json:"groupId" validate:"required"`
}

type friendRequest struct {
	UserID uint64 `json:"userId" validate:"required"`
}

type botChatRequest struct {
	Content       string `json:"content" validate:"required,max=8000"`
	CorrelationID string `json:"correlationId" validate:"omitempty,max=64"`
}

type botMentionRequest struct {
	GroupID       uint64 `json:"groupId" validate:"required"`
	Content       string `json:"content" validate:"required,max=8000"`
	CorrelationID string `json:"correlationId" validate:"omitempty,max=64"`
}

type botClearRequest struct {
	GroupID uint64 `json:"groupId"`
}

type deleteUserRequest struct {
	User string `json:"user" validate:"required"`
}

type sealUserRequest struct {
	UserID uint64 `json:"userId" validate:"required"`
	Sealed *bool  `json:"sealed" validate:"required"`
}

type registrationRequest struct {
	Disabled *bool `json:"disabled" validate:"required"`
}

type exchangeResponse struct {
	CorrelationID string `json:"correlationId"`
}

type onlineMember struct {
	session.UserView
	OS          string `json:"os"`
	Browser     string `json:"browser"`
	Environment string `json:"environment"`
}

type joinGroupResponse struct {
	Group    session.GroupView   `json:"group"`
	Messages []store.MessageView `json:"messages"`
}

var okResponse = map[string]bool{"ok": true}

func (h *Handler) register(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	var req registerRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	return h.sessions.Register(ctx, conn.ID(), req.Username, req.Password)
}

func (h *Handler) login(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	var req loginRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	return h.sessions.Login(ctx, conn.ID(), req.Username, req.Password, req.Auth)
}

func (h *Handler) loginByToken(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	var req tokenRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	return h.sessions.LoginByToken(ctx, conn.ID(), req.Token)
}

func (h *Handler) guest(ctx context.Context, conn *Conn, _ json.RawMessage) (any, error) {
	return h.sessions.Guest(ctx, conn.ID())
}

func (h *Handler) sendMessage(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	userID, errAuth := h.sessions.Authenticated(conn.ID())
	if errAuth != nil {
		return nil, errAuth
	}
	var req sendMessageRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	if req.GroupID != 0 {
		return h.sendGroupMessage(ctx, conn, userID, req)
	}
	if _, errFind := h.store.UserByID(ctx, req.UserID); errFind != nil {
		return nil, errFind
	}
	view, errCreate := h.store.CreateMessage(ctx, &models.Message{
		FromID:  userID,
		Target:  models.PrivateTarget(userID, req.UserID),
		Type:    req.Type,
		Content: req.Content,
	})
	if errCreate != nil {
		return nil, errCreate
	}
	h.registry.EmitToUser(req.UserID, relay.EventMessage, view)
	if req.UserID != userID {
		h.registry.EmitToUser(userID, relay.EventMessage, view)
	}
	return view, nil
}

func (h *Handler) sendGroupMessage(ctx context.Context, conn *Conn, userID uint64, req sendMessageRequest) (any, error) {
	group, errGroup := h.store.GroupByID(ctx, req.GroupID)
	if errGroup != nil {
		return nil, errGroup
	}
	if !group.Members.Contains(userID) {
		return nil, apperror.New(apperror.CodeUnauthorized, "not a member of this group")
	}
	if group.Mute {
		admin, errAdmin := h.sessions.IsAdmin(ctx, conn.ID())
		if errAdmin != nil {
			return nil, errAdmin
		}
		if !admin {
			return nil, apperror.New(apperror.CodeUnauthorized, "this group is muted")
		}
	}
	view, errCreate := h.store.CreateMessage(ctx, &models.Message{
		FromID:  userID,
		Target:  models.GroupTarget(group.ID),
		Type:    req.Type,
		Content: req.Content,
	})
	if errCreate != nil {
		return nil, errCreate
	}
	h.registry.EmitToGroup(group.ID, relay.EventMessage, view)
	return view, nil
}

func (h *Handler) createGroup(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	userID, errAuth := h.sessions.Authenticated(conn.ID())
	if errAuth != nil {
		return nil, errAuth
	}
	var req createGroupRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	group, errCreate := h.store.CreateGroup(ctx, req.Name, userID)
	if errCreate != nil {
		return nil, errCreate
	}
	h.registry.JoinUser(userID, group.ID)
	h.presence.InvalidateGroup(group.ID)
	return session.NewGroupView(*group), nil
}

func (h *Handler) joinGroup(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	userID, errAuth := h.sessions.Authenticated(conn.ID())
	if errAuth != nil {
		return nil, errAuth
	}
	var req groupRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	group, errAdd := h.store.AddMember(ctx, req.GroupID, userID)
	if errAdd != nil {
		return nil, errAdd
	}
	h.registry.JoinUser(userID, group.ID)
	h.presence.InvalidateGroup(group.ID)
	messages, errMessages := h.store.RecentMessages(ctx, models.GroupTarget(group.ID), settings.GuestMessageCount)
	if errMessages != nil {
		return nil, errMessages
	}
	return joinGroupResponse{Group: session.NewGroupView(*group), Messages: messages}, nil
}

func (h *Handler) addFriend(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	userID, errAuth := h.sessions.Authenticated(conn.ID())
	if errAuth != nil {
		return nil, errAuth
	}
	var req friendRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	if errAdd := h.store.AddFriend(ctx, userID, req.UserID); errAdd != nil {
		return nil, errAdd
	}
	friend, errFind := h.store.UserByID(ctx, req.UserID)
	if errFind != nil {
		return nil, errFind
	}
	return session.NewUserView(*friend), nil
}

func (h *Handler) deleteFriend(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	userID, errAuth := h.sessions.Authenticated(conn.ID())
	if errAuth != nil {
		return nil, errAuth
	}
	var req friendRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	if errDelete := h.store.DeleteFriend(ctx, userID, req.UserID); errDelete != nil {
		return nil, errDelete
	}
	return okResponse, nil
}

// groupOnlineMembers lists online identities of a group, one entry per identity.
// Guests may only look at the default group they were joined to.
func (h *Handler) groupOnlineMembers(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	state, userID, _ := h.registry.State(conn.ID())
	if state != registry.StateAuthenticated && state != registry.StateGuest {
		return nil, apperror.New(apperror.CodeUnauthorized, "please log in first")
	}
	var req groupRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	group, errGroup := h.store.GroupByID(ctx, req.GroupID)
	if errGroup != nil {
		return nil, errGroup
	}
	allowed := group.Members.Contains(userID)
	if state == registry.StateGuest {
		allowed = group.IsDefault
	}
	if !allowed {
		return nil, apperror.New(apperror.CodeUnauthorized, "not a member of this group")
	}

	members := h.presence.GroupOnlineMembers(group.ID)
	clients := make(map[uint64]registry.ClientInfo, len(members))
	ids := make([]uint64, 0, len(members))
	for _, member := range members {
		if member.UserID == 0 {
			continue
		}
		if _, seen := clients[member.UserID]; seen {
			continue
		}
		clients[member.UserID] = member.Client
		ids = append(ids, member.UserID)
	}
	users, errUsers := h.store.UsersByIDs(ctx, ids)
	if errUsers != nil {
		return nil, errUsers
	}
	out := make([]onlineMember, 0, len(users))
	for _, user := range users {
		client := clients[user.ID]
		out = append(out, onlineMember{
			UserView:    session.NewUserView(user),
			OS:          client.OS,
			Browser:     client.Browser,
			Environment: client.Environment,
		})
	}
	return out, nil
}

func (h *Handler) botChat(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	userID, errAuth := h.sessions.Authenticated(conn.ID())
	if errAuth != nil {
		return nil, errAuth
	}
	var req botChatRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	correlationID, errStart := h.responder.Private(ctx, userID, req.Content, req.CorrelationID)
	if errStart != nil {
		return nil, errStart
	}
	return exchangeResponse{CorrelationID: correlationID}, nil
}

func (h *Handler) botMention(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	userID, errAuth := h.sessions.Authenticated(conn.ID())
	if errAuth != nil {
		return nil, errAuth
	}
	var req botMentionRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	correlationID, errStart := h.responder.Mention(ctx, userID, req.GroupID, req.Content, req.CorrelationID)
	if errStart != nil {
		return nil, errStart
	}
	return exchangeResponse{CorrelationID: correlationID}, nil
}

func (h *Handler) botClear(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	userID, errAuth := h.sessions.Authenticated(conn.ID())
	if errAuth != nil {
		return nil, errAuth
	}
	var req botClearRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	if errClear := h.responder.Clear(ctx, userID, req.GroupID); errClear != nil {
		return nil, errClear
	}
	return okResponse, nil
}

func (h *Handler) deleteUser(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	if errAdmin := h.requireAdmin(ctx, conn); errAdmin != nil {
		return nil, errAdmin
	}
	var req deleteUserRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	report, errPurge := h.purge.HardDelete(ctx, req.User)
	if errPurge != nil {
		return nil, errPurge
	}
	if errSteps := report.Err(); errSteps != nil {
		return nil, apperror.Wrap(apperror.CodeStorageUnavailable, "deletion incomplete, retry", errSteps)
	}
	return report, nil
}

func (h *Handler) sealUser(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	if errAdmin := h.requireAdmin(ctx, conn); errAdmin != nil {
		return nil, errAdmin
	}
	var req sealUserRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	if errSeal := h.sessions.Seal(ctx, req.UserID, *req.Sealed); errSeal != nil {
		return nil, errSeal
	}
	return okResponse, nil
}

func (h *Handler) setRegistrationDisabled(ctx context.Context, conn *Conn, data json.RawMessage) (any, error) {
	if errAdmin := h.requireAdmin(ctx, conn); errAdmin != nil {
		return nil, errAdmin
	}
	var req registrationRequest
	if errDecode := h.decode(data, &req); errDecode != nil {
		return nil, errDecode
	}
	if errSet := h.sessions.SetRegistrationDisabled(ctx, *req.Disabled); errSet != nil {
		return nil, errSet
	}
	return map[string]bool{"disabled": h.sessions.RegistrationDisabled(ctx)}, nil
}

func (h *Handler) requireAdmin(ctx context.Context, conn *Conn) error {
	admin, errAdmin := h.sessions.IsAdmin(ctx, conn.ID())
	if errAdmin != nil {
		return errAdmin
	}
	if !admin {
		return apperror.New(apperror.CodeUnauthorized, "administrator only")
	}
	return nil
}
