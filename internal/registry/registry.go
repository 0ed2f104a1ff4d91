// Package registry tracks live connections, the identity each is bound to, and
// the groups each has joined for fan-out.
package registry

import (
	"errors"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// State is the authentication state of one connection.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
	StateGuest
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateGuest:
		return "guest"
	default:
		return "unknown"
	}
}

// EventForcedLogout is emitted to a connection right before it is force-closed.
const EventForcedLogout = "forcedLogout"

var (
	ErrUnknownConn   = errors.New("registry: unknown connection")
	ErrGuestLocked   = errors.New("registry: guest connections cannot authenticate")
	ErrAlreadyBound  = errors.New("registry: connection bound to another identity")
	ErrAuthInFlight  = errors.New("registry: authentication already in progress")
	ErrAuthenticated = errors.New("registry: connection already authenticated")
)

// ClientInfo is the metadata captured when a connection opens.
type ClientInfo struct {
	OS          string `json:"os"`
	Browser     string `json:"browser"`
	Environment string `json:"environment"`
	IP          string `json:"ip"`
}

// Conn is a live transport handle. Send must not block; a connection that cannot
// keep up is expected to drop itself.
type Conn interface {
	ID() string
	Info() ClientInfo
	Send(event string, payload any) error
	Close()
}

// Member describes one live connection joined to a group.
type Member struct {
	ConnID string     `json:"connId"`
	UserID uint64     `json:"userId"`
	Client ClientInfo `json:"client"`
}

type entry struct {
	conn   Conn
	state  State
	userID uint64
	groups map[uint64]struct{}
}

// Registry is safe for concurrent use. Sends happen outside its lock.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*entry
	byUser  map[uint64]map[string]struct{}
	byGroup map[uint64]map[string]struct{}
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		conns:   make(map[string]*entry),
		byUser:  make(map[uint64]map[string]struct{}),
		byGroup: make(map[uint64]map[string]struct{}),
	}
}

// Add registers a freshly opened connection as anonymous.
func (r *Registry) Add(conn Conn) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[conn.ID()] = &entry{conn: conn, groups: make(map[uint64]struct{})}
}

// Remove drops a connection and returns the identity it was bound to (0 if none)
// and the groups it had joined.
func (r *Registry) Remove(connID string) (uint64, []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return 0, nil
	}
	return e.userID, r.dropLocked(connID, e)
}

func (r *Registry) dropLocked(connID string, e *entry) []uint64 {
	delete(r.conns, connID)
	if e.userID != 0 {
		removeFromIndex(r.byUser, e.userID, connID)
	}
	groups := make([]uint64, 0, len(e.groups))
	for groupID := range e.groups {
		removeFromIndex(r.byGroup, groupID, connID)
		groups = append(groups, groupID)
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i] < groups[j] })
	return groups
}

// State returns the state and bound identity of a connection.
func (r *Registry) State(connID string) (State, uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return StateAnonymous, 0, false
	}
	return e.state, e.userID, true
}

// Info returns the client metadata of a connection.
func (r *Registry) Info(connID string) (ClientInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return ClientInfo{}, false
	}
	return e.conn.Info(), true
}

// BeginAuth moves an anonymous connection to authenticating. An authenticated
// connection may re-authenticate, but only as the identity it is bound to.
func (r *Registry) BeginAuth(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	switch e.state {
	case StateAnonymous:
		e.state = StateAuthenticating
		return nil
	case StateAuthenticated:
		return nil
	case StateGuest:
		return ErrGuestLocked
	default:
		return ErrAuthInFlight
	}
}

// AbortAuth returns an authenticating connection to anonymous.
func (r *Registry) AbortAuth(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok && e.state == StateAuthenticating {
		e.state = StateAnonymous
	}
}

// Bind attaches userID to a connection that is authenticating.
func (r *Registry) Bind(connID string, userID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	switch e.state {
	case StateGuest:
		return ErrGuestLocked
	case StateAuthenticated:
		if e.userID != userID {
			return ErrAlreadyBound
		}
		return nil
	}
	e.state = StateAuthenticated
	e.userID = userID
	set := r.byUser[userID]
	if set == nil {
		set = make(map[string]struct{})
		r.byUser[userID] = set
	}
	set[connID] = struct{}{}
	return nil
}

// SetGuest moves an anonymous connection to the guest state.
func (r *Registry) SetGuest(connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	switch e.state {
	case StateAnonymous, StateGuest:
		e.state = StateGuest
		return nil
	case StateAuthenticated:
		return ErrAuthenticated
	default:
		return ErrAuthInFlight
	}
}

// Join subscribes a connection to fan-out for groupID.
func (r *Registry) Join(connID string, groupID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConn
	}
	e.groups[groupID] = struct{}{}
	set := r.byGroup[groupID]
	if set == nil {
		set = make(map[string]struct{})
		r.byGroup[groupID] = set
	}
	set[connID] = struct{}{}
	return nil
}

// JoinUser subscribes every live connection of userID to groupID.
func (r *Registry) JoinUser(userID, groupID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for connID := range r.byUser[userID] {
		e := r.conns[connID]
		if e == nil {
			continue
		}
		e.groups[groupID] = struct{}{}
		set := r.byGroup[groupID]
		if set == nil {
			set = make(map[string]struct{})
			r.byGroup[groupID] = set
		}
		set[connID] = struct{}{}
	}
}

// IsOnline reports whether userID has at least one live connection.
func (r *Registry) IsOnline(userID uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// UserConnIDs lists the live connections bound to userID.
func (r *Registry) UserConnIDs(userID uint64) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.byUser[userID])
}

// GroupMembers lists the live connections joined to groupID.
func (r *Registry) GroupMembers(groupID uint64) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := sortedKeys(r.byGroup[groupID])
	out := make([]Member, 0, len(ids))
	for _, connID := range ids {
		e := r.conns[connID]
		if e == nil {
			continue
		}
		out = append(out, Member{ConnID: connID, UserID: e.userID, Client: e.conn.Info()})
	}
	return out
}

// EmitToUser sends to every live connection of userID and returns the count reached.
func (r *Registry) EmitToUser(userID uint64, event string, payload any) int {
	r.mu.RLock()
	targets := r.collectLocked(r.byUser[userID])
	r.mu.RUnlock()
	return send(targets, event, payload)
}

// EmitToConns sends to the listed connections that are still live.
func (r *Registry) EmitToConns(connIDs []string, event string, payload any) int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(connIDs))
	for _, connID := range connIDs {
		if e, ok := r.conns[connID]; ok {
			targets = append(targets, e.conn)
		}
	}
	r.mu.RUnlock()
	return send(targets, event, payload)
}

// EmitToGroup sends to every connection currently joined to groupID.
func (r *Registry) EmitToGroup(groupID uint64, event string, payload any) int {
	r.mu.RLock()
	targets := r.collectLocked(r.byGroup[groupID])
	r.mu.RUnlock()
	return send(targets, event, payload)
}

// ForceDisconnect unbinds every connection of userID, notifies it, and closes it.
// It returns the number of connections closed.
func (r *Registry) ForceDisconnect(userID uint64, reason string) int {
	r.mu.Lock()
	ids := sortedKeys(r.byUser[userID])
	targets := make([]Conn, 0, len(ids))
	for _, connID := range ids {
		e := r.conns[connID]
		if e == nil {
			continue
		}
		targets = append(targets, e.conn)
		r.dropLocked(connID, e)
	}
	delete(r.byUser, userID)
	r.mu.Unlock()

	for _, conn := range targets {
		if errSend := conn.Send(EventForcedLogout, map[string]string{"reason": reason}); errSend != nil {
			log.WithError(errSend).WithField("conn_id", conn.ID()).Debug("registry: forced logout notice dropped")
		}
		conn.Close()
	}
	return len(targets)
}

// CloseAll closes every live connection. Entries are dropped by each connection's
// own disconnect path.
func (r *Registry) CloseAll() int {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns))
	for _, e := range r.conns {
		targets = append(targets, e.conn)
	}
	r.mu.RUnlock()
	for _, conn := range targets {
		conn.Close()
	}
	return len(targets)
}

func (r *Registry) collectLocked(set map[string]struct{}) []Conn {
	out := make([]Conn, 0, len(set))
	for connID := range set {
		if e, ok := r.conns[connID]; ok {
			out = append(out, e.conn)
		}
	}
	return out
}

func send(targets []Conn, event string, payload any) int {
	delivered := 0
	for _, conn := range targets {
		if errSend := conn.Send(event, payload); errSend != nil {
			log.WithError(errSend).WithFields(log.Fields{"conn_id": conn.ID(), "event": event}).Debug("registry: send dropped")
			continue
		}
		delivered++
	}
	return delivered
}

func removeFromIndex[K comparable](index map[K]map[string]struct{}, key K, connID string) {
	set := index[key]
	if set == nil {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(index, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
