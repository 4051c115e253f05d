package domain

import (
	"errors"
	"testing"
)

func TestDecodeChangeBuildsTypedPayload(t *testing.T) {
	ch, err := DecodeChange(LabelAddedToCardKind, []byte(`{"cardId":"c1","labelId":"l1"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	got, ok := ch.(LabelAddedToCard)
	if !ok {
		t.Fatalf("unexpected payload type %T", ch)
	}
	if got.CardID != "c1" || got.LabelID != "l1" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if got.Kind() != LabelAddedToCardKind {
		t.Fatalf("unexpected kind %s", got.Kind())
	}
}

func TestDecodeChangeNestedEntity(t *testing.T) {
	ch, err := DecodeChange(CommentAddedKind, []byte(`{"comment":{"id":"m1","cardId":"c1","userId":"u1","content":"hi"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	c := ch.(CommentAdded).Comment
	if c.ID != "m1" || c.Content != "hi" {
		t.Fatalf("unexpected comment %+v", c)
	}
}

func TestDecodeChangeRejectsUnknownKind(t *testing.T) {
	_, err := DecodeChange("board_exploded", []byte(`{}`))
	if !errors.Is(err, ErrUnknownChangeKind) {
		t.Fatalf("expected ErrUnknownChangeKind, got %v", err)
	}
}

func TestDecodeChangeRejectsMalformedPayload(t *testing.T) {
	if _, err := DecodeChange(CardMovedKind, []byte(`{"cardId":`)); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestItemKindContainer(t *testing.T) {
	if KindCard.Container() != ContainerColumn {
		t.Fatalf("cards live in columns")
	}
	if KindColumn.Container() != ContainerBoard {
		t.Fatalf("columns live in boards")
	}
	if ItemKind("lane").Valid() {
		t.Fatalf("unexpected valid kind")
	}
}
