package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

// ChangeKind names a board change. The set is closed: every kind has exactly
// one payload type below and DecodeChange knows all of them.
type ChangeKind string

const (
	ColumnCreatedKind    ChangeKind = "column_created"
	ColumnUpdatedKind    ChangeKind = "column_updated"
	ColumnMovedKind      ChangeKind = "column_moved"
	ColumnRemovedKind    ChangeKind = "column_removed"
	ColumnArchivedKind   ChangeKind = "column_archived"
	ColumnUnarchivedKind ChangeKind = "column_unarchived"

	CardCreatedKind    ChangeKind = "card_created"
	CardUpdatedKind    ChangeKind = "card_updated"
	CardMovedKind      ChangeKind = "card_moved"
	CardRemovedKind    ChangeKind = "card_removed"
	CardArchivedKind   ChangeKind = "card_archived"
	CardUnarchivedKind ChangeKind = "card_unarchived"

	MemberAddedKind   ChangeKind = "member_added"
	MemberUpdatedKind ChangeKind = "member_updated"
	MemberRemovedKind ChangeKind = "member_removed"

	LabelCreatedKind         ChangeKind = "label_created"
	LabelUpdatedKind         ChangeKind = "label_updated"
	LabelDeletedKind         ChangeKind = "label_deleted"
	LabelAddedToCardKind     ChangeKind = "label_added_to_card"
	LabelRemovedFromCardKind ChangeKind = "label_removed_from_card"

	CommentAddedKind   ChangeKind = "comment_added"
	CommentUpdatedKind ChangeKind = "comment_updated"
	CommentDeletedKind ChangeKind = "comment_deleted"

	AttachmentAddedKind   ChangeKind = "attachment_added"
	AttachmentRemovedKind ChangeKind = "attachment_removed"
)

// ErrUnknownChangeKind is returned by DecodeChange for kinds outside the closed set.
var ErrUnknownChangeKind = errors.New("unknown change kind")

// Change is a typed board change payload. Only the types in this file implement it.
type Change interface {
	Kind() ChangeKind
	sealed()
}

type Label struct {
	ID      string `json:"id"`
	BoardID string `json:"boardId"`
	Name    string `json:"name"`
	Color   string `json:"color"`
}

type Comment struct {
	ID        string    `json:"id"`
	CardID    string    `json:"cardId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type Attachment struct {
	ID          string `json:"id"`
	CardID      string `json:"cardId"`
	FileName    string `json:"fileName"`
	FileURL     string `json:"fileUrl"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size,omitempty"`
	UploadedBy  string `json:"uploadedBy"`
}

type ColumnCreated struct {
	Column Column `json:"column"`
}

type ColumnUpdated struct {
	Column Column `json:"column"`
}

type ColumnMoved struct {
	ColumnID     string `json:"columnId"`
	FromPosition int    `json:"fromPosition"`
	ToPosition   int    `json:"toPosition"`
}

type ColumnRemoved struct {
	ColumnID string `json:"columnId"`
}

type ColumnArchived struct {
	ColumnID string `json:"columnId"`
}

type ColumnUnarchived struct {
	ColumnID string `json:"columnId"`
}

type CardCreated struct {
	Card Card `json:"card"`
}

type CardUpdated struct {
	Card Card `json:"card"`
}

// CardMoved is emitted to the source board and, when the card changed boards,
// to the destination board as well.
type CardMoved struct {
	CardID       string `json:"cardId"`
	FromBoardID  string `json:"fromBoardId"`
	ToBoardID    string `json:"toBoardId"`
	FromColumnID string `json:"fromColumnId"`
	ToColumnID   string `json:"toColumnId"`
	FromPosition int    `json:"fromPosition"`
	ToPosition   int    `json:"toPosition"`
}

type CardRemoved struct {
	CardID   string `json:"cardId"`
	ColumnID string `json:"columnId"`
}

type CardArchived struct {
	CardID   string `json:"cardId"`
	ColumnID string `json:"columnId"`
}

type CardUnarchived struct {
	CardID   string `json:"cardId"`
	ColumnID string `json:"columnId"`
}

type MemberAdded struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type MemberUpdated struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

type MemberRemoved struct {
	UserID string `json:"userId"`
}

type LabelCreated struct {
	Label Label `json:"label"`
}

type LabelUpdated struct {
	Label Label `json:"label"`
}

type LabelDeleted struct {
	LabelID string `json:"labelId"`
}

type LabelAddedToCard struct {
	CardID  string `json:"cardId"`
	LabelID string `json:"labelId"`
}

type LabelRemovedFromCard struct {
	CardID  string `json:"cardId"`
	LabelID string `json:"labelId"`
}

type CommentAdded struct {
	Comment Comment `json:"comment"`
}

type CommentUpdated struct {
	Comment Comment `json:"comment"`
}

type CommentDeleted struct {
	CommentID string `json:"commentId"`
	CardID    string `json:"cardId"`
}

type AttachmentAdded struct {
	Attachment Attachment `json:"attachment"`
}

type AttachmentRemoved struct {
	AttachmentID string `json:"attachmentId"`
	CardID       string `json:"cardId"`
}

func (ColumnCreated) Kind() ChangeKind        { return ColumnCreatedKind }
func (ColumnUpdated) Kind() ChangeKind        { return ColumnUpdatedKind }
func (ColumnMoved) Kind() ChangeKind          { return ColumnMovedKind }
func (ColumnRemoved) Kind() ChangeKind        { return ColumnRemovedKind }
func (ColumnArchived) Kind() ChangeKind       { return ColumnArchivedKind }
func (ColumnUnarchived) Kind() ChangeKind     { return ColumnUnarchivedKind }
func (CardCreated) Kind() ChangeKind          { return CardCreatedKind }
func (CardUpdated) Kind() ChangeKind          { return CardUpdatedKind }
func (CardMoved) Kind() ChangeKind            { return CardMovedKind }
func (CardRemoved) Kind() ChangeKind          { return CardRemovedKind }
func (CardArchived) Kind() ChangeKind         { return CardArchivedKind }
func (CardUnarchived) Kind() ChangeKind       { return CardUnarchivedKind }
func (MemberAdded) Kind() ChangeKind          { return MemberAddedKind }
func (MemberUpdated) Kind() ChangeKind        { return MemberUpdatedKind }
func (MemberRemoved) Kind() ChangeKind        { return MemberRemovedKind }
func (LabelCreated) Kind() ChangeKind         { return LabelCreatedKind }
func (LabelUpdated) Kind() ChangeKind         { return LabelUpdatedKind }
func (LabelDeleted) Kind() ChangeKind         { return LabelDeletedKind }
func (LabelAddedToCard) Kind() ChangeKind     { return LabelAddedToCardKind }
func (LabelRemovedFromCard) Kind() ChangeKind { return LabelRemovedFromCardKind }
func (CommentAdded) Kind() ChangeKind         { return CommentAddedKind }
func (CommentUpdated) Kind() ChangeKind       { return CommentUpdatedKind }
func (CommentDeleted) Kind() ChangeKind       { return CommentDeletedKind }
func (AttachmentAdded) Kind() ChangeKind      { return AttachmentAddedKind }
func (AttachmentRemoved) Kind() ChangeKind    { return AttachmentRemovedKind }

func (ColumnCreated) sealed()        {}
func (ColumnUpdated) sealed()        {}
func (ColumnMoved) sealed()          {}
func (ColumnRemoved) sealed()        {}
func (ColumnArchived) sealed()       {}
func (ColumnUnarchived) sealed()     {}
func (CardCreated) sealed()          {}
func (CardUpdated) sealed()          {}
func (CardMoved) sealed()            {}
func (CardRemoved) sealed()          {}
func (CardArchived) sealed()         {}
func (CardUnarchived) sealed()       {}
func (MemberAdded) sealed()          {}
func (MemberUpdated) sealed()        {}
func (MemberRemoved) sealed()        {}
func (LabelCreated) sealed()         {}
func (LabelUpdated) sealed()         {}
func (LabelDeleted) sealed()         {}
func (LabelAddedToCard) sealed()     {}
func (LabelRemovedFromCard) sealed() {}
func (CommentAdded) sealed()         {}
func (CommentUpdated) sealed()       {}
func (CommentDeleted) sealed()       {}
func (AttachmentAdded) sealed()      {}
func (AttachmentRemoved) sealed()    {}

// DecodeChange builds the typed payload for kind from its JSON form.
func DecodeChange(kind ChangeKind, raw []byte) (Change, error) {
	switch kind {
	case ColumnCreatedKind:
		return decodeAs[ColumnCreated](kind, raw)
	case ColumnUpdatedKind:
		return decodeAs[ColumnUpdated](kind, raw)
	case ColumnMovedKind:
		return decodeAs[ColumnMoved](kind, raw)
	case ColumnRemovedKind:
		return decodeAs[ColumnRemoved](kind, raw)
	case ColumnArchivedKind:
		return decodeAs[ColumnArchived](kind, raw)
	case ColumnUnarchivedKind:
		return decodeAs[ColumnUnarchived](kind, raw)
	case CardCreatedKind:
		return decodeAs[CardCreated](kind, raw)
	case CardUpdatedKind:
		return decodeAs[CardUpdated](kind, raw)
	case CardMovedKind:
		return decodeAs[CardMoved](kind, raw)
	case CardRemovedKind:
		return decodeAs[CardRemoved](kind, raw)
	case CardArchivedKind:
		return decodeAs[CardArchived](kind, raw)
	case CardUnarchivedKind:
		return decodeAs[CardUnarchived](kind, raw)
	case MemberAddedKind:
		return decodeAs[MemberAdded](kind, raw)
	case MemberUpdatedKind:
		return decodeAs[MemberUpdated](kind, raw)
	case MemberRemovedKind:
		return decodeAs[MemberRemoved](kind, raw)
	case LabelCreatedKind:
		return decodeAs[LabelCreated](kind, raw)
	case LabelUpdatedKind:
		return decodeAs[LabelUpdated](kind, raw)
	case LabelDeletedKind:
		return decodeAs[LabelDeleted](kind, raw)
	case LabelAddedToCardKind:
		return decodeAs[LabelAddedToCard](kind, raw)
	case LabelRemovedFromCardKind:
		return decodeAs[LabelRemovedFromCard](kind, raw)
	case CommentAddedKind:
		return decodeAs[CommentAdded](kind, raw)
	case CommentUpdatedKind:
		return decodeAs[CommentUpdated](kind, raw)
	case CommentDeletedKind:
		return decodeAs[CommentDeleted](kind, raw)
	case AttachmentAddedKind:
		return decodeAs[AttachmentAdded](kind, raw)
	case AttachmentRemovedKind:
		return decodeAs[AttachmentRemoved](kind, raw)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownChangeKind, kind)
}

func decodeAs[T Change](kind ChangeKind, raw []byte) (Change, error) {
	var payload T
	if len(raw) == 0 {
		return payload, nil
	}
	if err := sonic.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return payload, nil
}
