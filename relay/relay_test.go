package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus/hooks/test"

	"board-sync/domain"
	"board-sync/realtime"
)

type emitted struct {
	boardID string
	change  domain.Change
	actor   realtime.Actor
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []emitted
}

func (f *fakeEmitter) Emit(_ context.Context, boardID string, change domain.Change, actor realtime.Actor) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emitted{boardID, change, actor})
}

func (f *fakeEmitter) Events() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.events...)
}

type fakeInvalidator struct {
	keys []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, boardID, userID string) {
	f.keys = append(f.keys, boardID+"/"+userID)
}

func TestApplyEmitsTypedChange(t *testing.T) {
	live := &fakeEmitter{}
	a := NewApplier(live, nil)
	change, err := a.Apply(context.Background(), Message{
		BoardID:      "b1",
		ChangeType:   domain.CardUpdatedKind,
		Payload:      []byte(`{"card":{"id":"k1","columnId":"c1","title":"renamed","position":0}}`),
		ActorID:      "u1",
		ConnectionID: "conn-1",
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	updated, ok := change.(domain.CardUpdated)
	if !ok || updated.Card.Title != "renamed" {
		t.Fatalf("unexpected change %#v", change)
	}
	events := live.Events()
	if len(events) != 1 || events[0].boardID != "b1" || events[0].actor != (realtime.Actor{UserID: "u1", ConnectionID: "conn-1"}) {
		t.Fatalf("unexpected events %+v", events)
	}
}

func TestApplyInvalidatesMembership(t *testing.T) {
	inv := &fakeInvalidator{}
	a := NewApplier(&fakeEmitter{}, inv)
	ctx := context.Background()
	for _, m := range []Message{
		{BoardID: "b1", ChangeType: domain.MemberAddedKind, Payload: []byte(`{"userId":"u1","role":"member"}`)},
		{BoardID: "b1", ChangeType: domain.MemberUpdatedKind, Payload: []byte(`{"userId":"u2","role":"admin"}`)},
		{BoardID: "b1", ChangeType: domain.MemberRemovedKind, Payload: []byte(`{"userId":"u3"}`)},
		{BoardID: "b1", ChangeType: domain.ColumnRemovedKind, Payload: []byte(`{"columnId":"c1"}`)},
	} {
		if _, err := a.Apply(ctx, m); err != nil {
			t.Fatalf("apply %s: %v", m.ChangeType, err)
		}
	}
	want := []string{"b1/u1", "b1/u2", "b1/u3"}
	if len(inv.keys) != len(want) {
		t.Fatalf("unexpected invalidations %v", inv.keys)
	}
	for i := range want {
		if inv.keys[i] != want[i] {
			t.Fatalf("unexpected invalidations %v", inv.keys)
		}
	}
}

func TestApplyRejectsInvalidMessages(t *testing.T) {
	live := &fakeEmitter{}
	a := NewApplier(live, nil)
	for name, m := range map[string]Message{
		"noBoard":     {ChangeType: domain.CardRemovedKind, Payload: []byte(`{}`)},
		"unknownKind": {BoardID: "b1", ChangeType: "board_exploded", Payload: []byte(`{}`)},
		"badPayload":  {BoardID: "b1", ChangeType: domain.CardRemovedKind, Payload: []byte(`[1,2]`)},
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := a.Apply(context.Background(), m); !errors.Is(err, ErrInvalidMessage) {
				t.Fatalf("expected invalid message error, got %v", err)
			}
		})
	}
	if len(live.Events()) != 0 {
		t.Fatalf("invalid messages must not be broadcast: %+v", live.Events())
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []*azqueue.DequeuedMessage
	deleted  []string
	err      error
}

func (q *fakeQueue) push(id, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.messages = append(q.messages, &azqueue.DequeuedMessage{MessageID: &id, PopReceipt: &id, MessageText: &text})
}

func (q *fakeQueue) DequeueMessage(context.Context, *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return azqueue.DequeueMessagesResponse{}, q.err
	}
	if len(q.messages) == 0 {
		return azqueue.DequeueMessagesResponse{}, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	var resp azqueue.DequeueMessagesResponse
	resp.Messages = []*azqueue.DequeuedMessage{msg}
	return resp, nil
}

func (q *fakeQueue) DeleteMessage(_ context.Context, id, _ string, _ *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, id)
	return azqueue.DeleteMessageResponse{}, nil
}

func (q *fakeQueue) Deleted() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.deleted...)
}

func TestQueueConsumerAppliesAndDeletes(t *testing.T) {
	logger, hook := test.NewNullLogger()
	live := &fakeEmitter{}
	q := &fakeQueue{}
	q.push("m1", `{"boardId":"b1","changeType":"column_removed","payload":{"columnId":"c1"},"actorId":"u1"}`)
	q.push("m2", `not json`)
	q.push("m3", `{"boardId":"b1","changeType":"nope","payload":{}}`)

	c := newQueueConsumer(q, NewApplier(live, nil), logger)
	c.poll = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for len(q.Deleted()) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("messages not consumed, deleted %v", q.Deleted())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	events := live.Events()
	if len(events) != 1 || events[0].change.Kind() != domain.ColumnRemovedKind {
		t.Fatalf("expected one column_removed event, got %+v", events)
	}
	var dropped int
	for _, e := range hook.AllEntries() {
		if e.Message == "dropping malformed relay message" || e.Message == "dropping invalid relay message" {
			dropped++
		}
	}
	if dropped != 2 {
		t.Fatalf("expected 2 dropped messages, got %d", dropped)
	}
}

func TestQueueConsumerSurvivesDequeueErrors(t *testing.T) {
	logger, hook := test.NewNullLogger()
	q := &fakeQueue{err: errors.New("throttled")}
	c := newQueueConsumer(q, NewApplier(nil, nil), logger)
	c.poll = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	c.Run(ctx)

	var failures int
	for _, e := range hook.AllEntries() {
		if e.Message == "relay dequeue failed" {
			failures++
		}
	}
	if failures == 0 {
		t.Fatal("expected dequeue failures to be logged")
	}
}

func TestApplyDropsDuplicateIDs(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rc.Close()

	live := &fakeEmitter{}
	a := NewApplier(live, nil).WithDeduper(NewRedisDeduper(rc, time.Minute))
	msg := Message{ID: "evt-1", BoardID: "b1", ChangeType: domain.ColumnRemovedKind, Payload: []byte(`{"columnId":"c1"}`)}
	ctx := context.Background()

	if _, err := a.Apply(ctx, msg); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if _, err := a.Apply(ctx, msg); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	other := msg
	other.BoardID = "b2"
	if _, err := a.Apply(ctx, other); err != nil {
		t.Fatalf("same id on another board: %v", err)
	}
	noID := msg
	noID.ID = ""
	if _, err := a.Apply(ctx, noID); err != nil {
		t.Fatalf("messages without id are never deduplicated: %v", err)
	}
	if got := len(live.Events()); got != 3 {
		t.Fatalf("expected 3 broadcasts, got %d", got)
	}
	if ttl := mr.TTL("relay:b1:evt-1"); ttl != time.Minute {
		t.Fatalf("unexpected ttl %v", ttl)
	}
}

func TestApplyFailsWhenDeduperUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	rc := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer rc.Close()
	mr.Close()

	live := &fakeEmitter{}
	a := NewApplier(live, nil).WithDeduper(NewRedisDeduper(rc, 0))
	_, err = a.Apply(context.Background(), Message{ID: "x", BoardID: "b1", ChangeType: domain.ColumnRemovedKind, Payload: []byte(`{"columnId":"c1"}`)})
	if err == nil || errors.Is(err, ErrInvalidMessage) || errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if len(live.Events()) != 0 {
		t.Fatal("nothing may be broadcast when deduplication fails")
	}
}
