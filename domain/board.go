package domain

import "time"

// Role is a user's membership level on a board.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// CanManage reports whether the role may restructure a board.
func (r Role) CanManage() bool {
	return r == RoleOwner || r == RoleAdmin
}

type Board struct {
	ID          string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	WorkspaceID string    `json:"workspaceId" gorm:"type:varchar(64);index"`
	Name        string    `json:"name" gorm:"not null"`
	CreatedBy   string    `json:"createdBy" gorm:"type:varchar(128)"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Column struct {
	ID        string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	BoardID   string    `json:"boardId" gorm:"type:varchar(64);not null;index:idx_columns_board_position"`
	Name      string    `json:"name" gorm:"not null"`
	Position  int       `json:"position" gorm:"not null;index:idx_columns_board_position"`
	CreatedBy string    `json:"createdBy" gorm:"type:varchar(128)"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (c *Column) ItemRef() ItemRef {
	return ItemRef{Kind: KindColumn, ID: c.ID}
}

func (c *Column) Place(boardID string, position int) {
	c.BoardID = boardID
	c.Position = position
}

type Card struct {
	ID          string     `json:"id" gorm:"primaryKey;type:varchar(64)"`
	ColumnID    string     `json:"columnId" gorm:"type:varchar(64);not null;index:idx_cards_column_position"`
	Title       string     `json:"title" gorm:"not null"`
	Description string     `json:"description,omitempty"`
	Position    int        `json:"position" gorm:"not null;index:idx_cards_column_position"`
	CreatedBy   string     `json:"createdBy" gorm:"type:varchar(128)"`
	AssignedTo  string     `json:"assignedTo,omitempty" gorm:"type:varchar(128)"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (c *Card) ItemRef() ItemRef {
	return ItemRef{Kind: KindCard, ID: c.ID}
}

func (c *Card) Place(columnID string, position int) {
	c.ColumnID = columnID
	c.Position = position
}

// Member grants a user a role on a board.
type Member struct {
	BoardID   string    `json:"boardId" gorm:"primaryKey;type:varchar(64)"`
	UserID    string    `json:"userId" gorm:"primaryKey;type:varchar(128)"`
	Role      Role      `json:"role" gorm:"type:varchar(16);not null"`
	CreatedAt time.Time `json:"createdAt"`
}

func (Member) TableName() string {
	return "board_members"
}

// PresenceUser is one entry of a board's online users snapshot.
type PresenceUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}
