package store

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/router-for-me/ChatRelay/internal/apperror"
	"github.com/router-for-me/ChatRelay/internal/models"
	"github.com/tidwall/gjson"
	"gorm.io/gorm"
)

// MessageView is a message as delivered to clients.
type MessageView struct {
	ID         uint64    `json:"id"`
	From       uint64    `json:"from"`
	FromName   string    `json:"fromName"`
	FromAvatar string    `json:"fromAvatar,omitempty"`
	Target     string    `json:"to"`
	Type       string    `json:"type"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createTime"`
}

type inviteContent struct {
	Inviter     uint64 `json:"inviter"`
	InviterName string `json:"inviterName"`
	Group       uint64 `json:"group"`
	GroupName   string `json:"groupName"`
}

// CreateMessage persists message and returns its client view.
func (s *Identity) CreateMessage(ctx context.Context, message *models.Message) (*MessageView, error) {
	if message == nil || strings.TrimSpace(message.Target) == "" {
		return nil, apperror.New(apperror.CodeValidation, "message target is required")
	}
	if message.Type == "" {
		message.Type = models.MessageText
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	if errCreate := s.conn(ctx).Create(message).Error; errCreate != nil {
		return nil, apperror.Storage("create message", errCreate)
	}
	views, errViews := s.views(ctx, []models.Message{*message})
	if errViews != nil {
		return nil, errViews
	}
	return &views[0], nil
}

// RecentMessages returns the latest limit messages for target in chronological order.
func (s *Identity) RecentMessages(ctx context.Context, target string, limit int) ([]MessageView, error) {
	if limit <= 0 {
		return []MessageView{}, nil
	}
	var rows []models.Message
	errFind := s.conn(ctx).
		Where("target = ? AND deleted = ?", target, false).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if errFind != nil {
		return nil, apperror.Storage("list messages", errFind)
	}
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return s.views(ctx, rows)
}

// DeleteMessagesByAuthor removes every message authored by userID together with
// the history markers that reference them.
func (s *Identity) DeleteMessagesByAuthor(ctx context.Context, userID uint64) (int64, error) {
	var deleted int64
	errTx := s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		authored := tx.Model(&models.Message{}).Select("id").Where("from_id = ?", userID)
		if errHistory := tx.Where("message_id IN (?)", authored).Delete(&models.History{}).Error; errHistory != nil {
			return errHistory
		}
		res := tx.Where("from_id = ?", userID).Delete(&models.Message{})
		if res.Error != nil {
			return res.Error
		}
		deleted = res.RowsAffected
		return nil
	})
	if errTx != nil {
		return 0, apperror.Storage("delete messages", errTx)
	}
	return deleted, nil
}

// DeleteMessage removes one message by id. A missing message is not an error.
func (s *Identity) DeleteMessage(ctx context.Context, id uint64) error {
	if errDelete := s.conn(ctx).Where("id = ?", id).Delete(&models.Message{}).Error; errDelete != nil {
		return apperror.Storage("delete message", errDelete)
	}
	return nil
}

// DeleteHistoryOf removes read markers kept by userID.
func (s *Identity) DeleteHistoryOf(ctx context.Context, userID uint64) error {
	if errDelete := s.conn(ctx).Where("user_id = ?", userID).Delete(&models.History{}).Error; errDelete != nil {
		return apperror.Storage("delete history", errDelete)
	}
	return nil
}

func (s *Identity) views(ctx context.Context, rows []models.Message) ([]MessageView, error) {
	userIDs := make([]uint64, 0, len(rows))
	groupIDs := make([]uint64, 0)
	for _, row := range rows {
		userIDs = append(userIDs, row.FromID)
		if row.Type == models.MessageInviteV2 {
			parsed := gjson.Parse(row.Content)
			userIDs = append(userIDs, parsed.Get("inviter").Uint())
			groupIDs = append(groupIDs, parsed.Get("group").Uint())
		}
	}

	users, errUsers := s.UsersByIDs(ctx, userIDs)
	if errUsers != nil {
		return nil, errUsers
	}
	userByID := make(map[uint64]models.User, len(users))
	for _, user := range users {
		userByID[user.ID] = user
	}
	groupNames := make(map[uint64]string, len(groupIDs))
	if len(groupIDs) > 0 {
		var groups []models.Group
		if errFind := s.conn(ctx).Where("id IN ?", groupIDs).Find(&groups).Error; errFind != nil {
			return nil, apperror.Storage("load groups", errFind)
		}
		for _, group := range groups {
			groupNames[group.ID] = group.Name
		}
	}

	out := make([]MessageView, 0, len(rows))
	for _, row := range rows {
		author := userByID[row.FromID]
		view := MessageView{
			ID:         row.ID,
			From:       row.FromID,
			FromName:   author.Username,
			FromAvatar: author.Avatar,
			Target:     row.Target,
			Type:       row.Type,
			Content:    row.Content,
			CreatedAt:  row.CreatedAt,
		}
		if row.Type == models.MessageInviteV2 {
			view.Content = expandInvite(row.Content, userByID, groupNames)
		}
		out = append(out, view)
	}
	return out, nil
}

// expandInvite resolves the ids of a legacy invite payload into names.
func expandInvite(content string, users map[uint64]models.User, groups map[uint64]string) string {
	parsed := gjson.Parse(content)
	invite := inviteContent{
		Inviter: parsed.Get("inviter").Uint(),
		Group:   parsed.Get("group").Uint(),
	}
	invite.InviterName = users[invite.Inviter].Username
	invite.GroupName = groups[invite.Group]
	data, errMarshal := json.Marshal(invite)
	if errMarshal != nil {
		return content
	}
	return string(data)
}
