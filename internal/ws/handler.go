// Package ws exposes the chat protocol over websocket connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/presence"
	"github.com/router-for-me/ChatRelay/internal/purge"
	"github.com/router-for-me/ChatRelay/internal/registry"
	"github.com/router-for-me/ChatRelay/internal/relay"
	"github.com/router-for-me/ChatRelay/internal/session"
	"github.com/router-for-me/ChatRelay/internal/store"
	log "github.com/sirupsen/logrus"
)

// request is an inbound frame.
type request struct {
	ID    string          `json:"id"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type errorBody struct {
	Code    apperror.Code `json:"code"`
	Message string        `json:"message"`
}

// response answers one request by id.
type response struct {
	ID    string     `json:"id"`
	Data  any        `json:"data,omitempty"`
	Error *errorBody `json:"error,omitempty"`
}

type handlerFunc func(ctx context.Context, conn *Conn, data json.RawMessage) (any, error)

// Options wires a Handler.
type Options struct {
	Store     *store.Identity
	Registry  *registry.Registry
	Presence  *presence.Tracker
	Sessions  *session.Manager
	Responder *relay.Service
	Purge     *purge.Coordinator
}

// Handler upgrades HTTP requests and dispatches protocol events.
type Handler struct {
	store     *store.Identity
	registry  *registry.Registry
	presence  *presence.Tracker
	sessions  *session.Manager
	responder *relay.Service
	purge     *purge.Coordinator

	upgrader websocket.Upgrader
	validate *validator.Validate
	events   map[string]handlerFunc
}

// NewHandler constructs a Handler.
func NewHandler(opts Options) (*Handler, error) {
	v := validator.New()
	if errRule := session.RegisterHandleRule(v); errRule != nil {
		return nil, errRule
	}
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	h := &Handler{
		store:     opts.Store,
		registry:  opts.Registry,
		presence:  opts.Presence,
		sessions:  opts.Sessions,
		responder: opts.Responder,
		purge:     opts.Purge,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		validate: v,
	}
	h.events = map[string]handlerFunc{
		"register":                h.register,
		"login":                   h.login,
		"loginByToken":            h.loginByToken,
		"guest":                   h.guest,
		"sendMessage":             h.sendMessage,
		"createGroup":             h.createGroup,
		"joinGroup":               h.joinGroup,
		"addFriend":               h.addFriend,
		"deleteFriend":            h.deleteFriend,
		"getGroupOnlineMembers":   h.groupOnlineMembers,
		"botChat":                 h.botChat,
		"botMention":              h.botMention,
		"botClear":                h.botClear,
		"deleteUser":              h.deleteUser,
		"sealUser":                h.sealUser,
		"setRegistrationDisabled": h.setRegistrationDisabled,
	}
	return h, nil
}

// Register mounts the websocket endpoint.
func (h *Handler) Register(r gin.IRoutes) {
	r.GET("/ws", h.Serve)
}

// Serve upgrades the request and runs the connection until it closes.
func (h *Handler) Serve(c *gin.Context) {
	wsConn, errUpgrade := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if errUpgrade != nil {
		log.WithError(errUpgrade).Debug("ws: upgrade failed")
		return
	}
	info := registry.ClientInfo{
		OS:          strings.TrimSpace(c.Query("os")),
		Browser:     strings.TrimSpace(c.Query("browser")),
		Environment: strings.TrimSpace(c.Query("environment")),
		IP:          c.ClientIP(),
	}
	conn := newConn(uuid.NewString(), info, wsConn)
	ctx := context.WithoutCancel(c.Request.Context())

	h.registry.Add(conn)
	socket := &models.Socket{
		ID:          conn.ID(),
		IP:          info.IP,
		OS:          info.OS,
		Browser:     info.Browser,
		Environment: info.Environment,
	}
	if errSave := h.store.SaveSocket(ctx, socket); errSave != nil {
		log.WithError(errSave).WithField("conn_id", conn.ID()).Warn("ws: socket record not saved")
	}
	log.WithFields(log.Fields{"conn_id": conn.ID(), "ip": info.IP}).Debug("ws: connected")

	go conn.writePump()
	conn.readPump(func(frame []byte) { h.dispatch(ctx, conn, frame) })

	h.disconnect(ctx, conn)
}

func (h *Handler) disconnect(ctx context.Context, conn *Conn) {
	userID, groups := h.registry.Remove(conn.ID())
	if userID != 0 {
		h.presence.Invalidate(userID)
	}
	h.presence.InvalidateGroup(groups...)
	if errDelete := h.store.DeleteSocket(ctx, conn.ID()); errDelete != nil {
		log.WithError(errDelete).WithField("conn_id", conn.ID()).Warn("ws: socket record not deleted")
	}
	log.WithFields(log.Fields{"conn_id": conn.ID(), "user_id": userID}).Debug("ws: disconnected")
}

func (h *Handler) dispatch(ctx context.Context, conn *Conn, frame []byte) {
	var req request
	if errDecode := json.Unmarshal(frame, &req); errDecode != nil {
		h.respond(conn, "", nil, apperror.New(apperror.CodeValidation, "malformed frame"))
		return
	}
	handle, ok := h.events[req.Event]
	if !ok {
		h.respond(conn, req.ID, nil, apperror.Newf(apperror.CodeValidation, "unknown event %q", req.Event))
		return
	}
	data, errHandle := handle(ctx, conn, req.Data)
	if errHandle != nil {
		entry := log.WithError(errHandle).WithFields(log.Fields{"conn_id": conn.ID(), "event": req.Event})
		switch apperror.CodeOf(errHandle) {
		case apperror.CodeInternal, apperror.CodeStorageUnavailable:
			entry.Error("ws: request failed")
		default:
			entry.Debug("ws: request rejected")
		}
	}
	h.respond(conn, req.ID, data, errHandle)
}

func (h *Handler) respond(conn *Conn, id string, data any, err error) {
	resp := response{ID: id, Data: data}
	if err != nil {
		resp.Data = nil
		resp.Error = &errorBody{Code: apperror.CodeOf(err), Message: apperror.MessageOf(err)}
	}
	payload, errMarshal := json.Marshal(resp)
	if errMarshal != nil {
		log.WithError(errMarshal).WithField("conn_id", conn.ID()).Error("ws: marshal response")
		return
	}
	conn.reply(payload)
}

// decode unmarshals data into dst and validates it.
func (h *Handler) decode(data json.RawMessage, dst any) error {
	if len(data) > 0 && string(data) != "null" {
		if errDecode := json.Unmarshal(data, dst); errDecode != nil {
			return apperror.New(apperror.CodeValidation, "malformed request data")
		}
	}
	if errValidate := h.validate.Struct(dst); errValidate != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(errValidate, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return apperror.Newf(apperror.CodeValidation, "%s is invalid (%s)", fe.Field(), fe.Tag())
		}
		return apperror.Wrap(apperror.CodeValidation, "invalid request", errValidate)
	}
	return nil
}
