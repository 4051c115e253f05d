package storage

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"board-sync/domain"
)

// Members answers board membership from the board_members table.
type Members struct {
	db *gorm.DB
}

func NewMembers(db *gorm.DB) *Members {
	return &Members{db: db}
}

// IsMember returns the user's role on the board. ok is false when the user is
// not a member.
func (m *Members) IsMember(ctx context.Context, boardID, userID string) (domain.Role, bool, error) {
	var row domain.Member
	err := m.db.WithContext(ctx).
		Where("board_id = ? AND user_id = ?", boardID, userID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, err
	}
	return row.Role, true, nil
}

// Upsert grants or updates a membership.
func (m *Members) Upsert(ctx context.Context, member domain.Member) error {
	return m.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "board_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&member).Error
}
