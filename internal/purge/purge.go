// Package purge hard-deletes an identity and every record that references it.
package purge

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/kv"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/presence"
	"github.com/router-for-me/ChatRelay/internal/registry"
	"github.com/router-for-me/ChatRelay/internal/settings"
	"github.com/router-for-me/ChatRelay/internal/store"
	log "github.com/sirupsen/logrus"
)

// Step names, in execution order.
const (
	StepKeys          = "clear-keys"
	StepDisconnect    = "disconnect"
	StepMessages      = "messages"
	StepMembership    = "membership"
	StepFriends       = "friends"
	StepSockets       = "sockets"
	StepDeleteUser    = "delete-user"
	forcedLogoutCause = "account deleted"
)

// StepError records one failed step.
type StepError struct {
	Step string
	Err  error
}

// Report summarizes a HardDelete run.
type Report struct {
	UserID   uint64      `json:"userId"`
	Username string      `json:"username"`
	Closed   int         `json:"closedConnections"`
	Messages int64       `json:"deletedMessages"`
	Deleted  bool        `json:"deleted"`
	Failures []StepError `json:"-"`
}

// Err joins every step failure, or returns nil.
func (r *Report) Err() error {
	if r == nil || len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, failure := range r.Failures {
		errs = append(errs, errors.New(failure.Step+": "+failure.Err.Error()))
	}
	return errors.Join(errs...)
}

// Coordinator runs the ordered deletion procedure.
type Coordinator struct {
	store    *store.Identity
	registry *registry.Registry
	presence *presence.Tracker
	soft     *kv.Soft
}

// NewCoordinator constructs a Coordinator.
func NewCoordinator(identity *store.Identity, reg *registry.Registry, tracker *presence.Tracker, soft *kv.Soft) *Coordinator {
	return &Coordinator{store: identity, registry: reg, presence: tracker, soft: soft}
}

// HardDelete removes the identity named by ref (numeric id or handle).
//
// Every step is idempotent and runs even if an earlier one failed, so a retry
// converges. The identity record itself is removed last, and only when every
// durable cleanup step succeeded: a partial run leaves references pointing at an
// identity that still exists.
func (c *Coordinator) HardDelete(ctx context.Context, ref string) (*Report, error) {
	user, errResolve := c.resolve(ctx, ref)
	if errResolve != nil {
		return nil, errResolve
	}
	report := &Report{UserID: user.ID, Username: user.Username}
	entry := log.WithFields(log.Fields{"user_id": user.ID, "username": user.Username})

	fail := func(step string, err error) {
		if err == nil {
			return
		}
		entry.WithError(err).WithField("step", step).Error("purge: step failed")
		report.Failures = append(report.Failures, StepError{Step: step, Err: err})
	}

	// 1. expiring keys tied to the id and handle
	if !c.soft.Clear(ctx,
		settings.SealUserKey(user.ID),
		settings.NewUserKey(user.ID),
		settings.SealNameKey(user.Username),
	) {
		fail(StepKeys, errors.New("kv unavailable"))
	}

	// 2. live connections
	report.Closed = c.registry.ForceDisconnect(user.ID, forcedLogoutCause)
	c.presence.Invalidate(user.ID)

	durableFailed := false
	durable := func(step string, err error) {
		if err != nil {
			durableFailed = true
			fail(step, err)
		}
	}

	// 3. authored messages and their history, plus the identity's own records
	deleted, errMessages := c.store.DeleteMessagesByAuthor(ctx, user.ID)
	report.Messages = deleted
	durable(StepMessages, errors.Join(
		errMessages,
		c.store.DeleteHistoryOf(ctx, user.ID),
		c.store.DeleteConversationsOf(ctx, user.ID),
	))

	// 4. group membership and creator/owner references
	groups, errGroups := c.store.GroupsOf(ctx, user.ID)
	_, errRemove := c.store.RemoveMemberEverywhere(ctx, user.ID)
	durable(StepMembership, errors.Join(
		errRemove,
		c.store.ClearCreator(ctx, user.ID),
		c.store.ClearBotOwner(ctx, user.ID),
	))
	if errGroups == nil {
		ids := make([]uint64, 0, len(groups))
		for _, group := range groups {
			ids = append(ids, group.ID)
		}
		c.presence.InvalidateGroup(ids...)
	}

	// 5. friendship edges in both directions
	_, errFriends := c.store.DeleteFriendEdges(ctx, user.ID)
	durable(StepFriends, errFriends)

	// 6. persisted connections and notification subscriptions
	durable(StepSockets, errors.Join(
		c.store.DeleteSocketsOf(ctx, user.ID),
		c.store.DeleteNotificationsOf(ctx, user.ID),
	))

	// 7. the identity itself
	if durableFailed {
		fail(StepDeleteUser, errors.New("skipped, earlier cleanup incomplete"))
	} else if errDelete := c.store.DeleteUser(ctx, user.ID); errDelete != nil {
		fail(StepDeleteUser, errDelete)
	} else {
		report.Deleted = true
	}

	entry.WithFields(log.Fields{
		"closed":   report.Closed,
		"messages": report.Messages,
		"failures": len(report.Failures),
	}).Info("purge: finished")
	return report, nil
}

func (c *Coordinator) resolve(ctx context.Context, ref string) (*models.User, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, apperror.New(apperror.CodeValidation, "user reference is required")
	}
	if id, errParse := strconv.ParseUint(ref, 10, 64); errParse == nil {
		user, errFind := c.store.UserByID(ctx, id)
		if errFind == nil {
			return user, nil
		}
		if !errors.Is(errFind, apperror.ErrNotFound) {
			return nil, errFind
		}
	}
	return c.store.UserByName(ctx, ref)
}
