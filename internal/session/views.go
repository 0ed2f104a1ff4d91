package session

import (
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/router-for-me/ChatRelay/internal/store"
)

// UserView is the public shape of an identity.
type UserView struct {
	ID       uint64 `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
	Provider string `json:"provider"`
	IsAdmin  bool   `json:"isAdmin"`
}

// GroupView is the public shape of a group.
type GroupView struct {
	ID          uint64  `json:"id"`
	Name        string  `json:"name"`
	DisplayName string  `json:"displayName"`
	Avatar      string  `json:"avatar"`
	CreatorID   *uint64 `json:"creator"`
	IsDefault   bool    `json:"isDefault"`
	Mute        bool    `json:"mute"`
	MemberCount int     `json:"memberCount"`
}

// Result is returned by every successful authentication.
type Result struct {
	User    UserView    `json:"user"`
	Token   string      `json:"token"`
	Groups  []GroupView `json:"groups"`
	Friends []UserView  `json:"friends"`
	IsNew   bool        `json:"isNew"`
}

// GuestResult is returned by Guest.
type GuestResult struct {
	Group    GroupView           `json:"group"`
	Messages []store.MessageView `json:"messages"`
}

// NewUserView projects a user record.
func NewUserView(user models.User) UserView {
	return UserView{
		ID:       user.ID,
		Username: user.Username,
		Avatar:   user.Avatar,
		Provider: user.Provider,
		IsAdmin:  user.IsAdmin,
	}
}

// NewGroupView projects a group record.
func NewGroupView(group models.Group) GroupView {
	return GroupView{
		ID:          group.ID,
		Name:        group.Name,
		DisplayName: group.DisplayName,
		Avatar:      group.Avatar,
		CreatorID:   group.CreatorID,
		IsDefault:   group.IsDefault,
		Mute:        group.Mute,
		MemberCount: len(group.Members),
	}
}
