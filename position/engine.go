package position

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"board-sync/domain"
)

const (
	tracerName        = "board-sync/position"
	defaultMaxRetries = 5
	defaultBackoff    = 20 * time.Millisecond
)

// Store runs one engine attempt inside a single transaction. Returning an
// error from fn must roll the transaction back.
type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view an attempt reads and writes through.
type Tx interface {
	// Locate returns the stored slot of ref or domain.ErrItemNotFound.
	Locate(ctx context.Context, ref domain.ItemRef) (domain.OrderedItem, error)
	// Lock takes write locks on the given containers in the order supplied and
	// fails with domain.ErrContainerNotFound when one does not exist.
	Lock(ctx context.Context, ct domain.ContainerType, ids ...string) error
	// Items lists the items of kind stored in containerID.
	Items(ctx context.Context, kind domain.ItemKind, containerID string) ([]domain.OrderedItem, error)
	// Save writes the container and position of each item.
	Save(ctx context.Context, kind domain.ItemKind, items []domain.OrderedItem) error
	Create(ctx context.Context, p domain.Placeable) error
	Delete(ctx context.Context, ref domain.ItemRef) error
}

// Result describes a completed move.
type Result struct {
	From domain.OrderedItem
	To   domain.OrderedItem
}

// Moved reports whether the item changed container or slot.
func (r Result) Moved() bool {
	return r.From != r.To
}

// Engine keeps card and column positions dense under concurrent moves.
type Engine struct {
	store      Store
	log        *log.Logger
	maxRetries int
	backoff    time.Duration
}

// NewEngine creates an Engine. maxRetries bounds how often an attempt that
// lost a race is replayed; zero selects the default.
func NewEngine(store Store, logger *log.Logger, maxRetries int) *Engine {
	if store == nil {
		panic("position.NewEngine: store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Engine{store: store, log: logger, maxRetries: maxRetries, backoff: defaultBackoff}
}

// Reposition moves ref to destPosition inside destContainerID. Out of range
// positions are clamped to the ends of the destination.
func (e *Engine) Reposition(ctx context.Context, ref domain.ItemRef, destContainerID string, destPosition int) (Result, error) {
	if !ref.Kind.Valid() {
		return Result{}, fmt.Errorf("position: unknown item kind %q", ref.Kind)
	}
	var res Result
	err := e.run(ctx, "reposition", []attribute.KeyValue{
		attribute.String("board.item.kind", string(ref.Kind)),
		attribute.String("board.item.id", ref.ID),
		attribute.String("board.container.dest", destContainerID),
		attribute.Int("board.position.requested", destPosition),
	}, func(tx Tx) error {
		var err error
		res, err = e.reposition(ctx, tx, ref, destContainerID, destPosition)
		return err
	})
	return res, err
}

func (e *Engine) reposition(ctx context.Context, tx Tx, ref domain.ItemRef, dest string, pos int) (Result, error) {
	cur, err := tx.Locate(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	ct := ref.Kind.Container()
	if err := tx.Lock(ctx, ct, lockOrder(cur.ContainerID, dest)...); err != nil {
		return Result{}, err
	}
	again, err := tx.Locate(ctx, ref)
	if err != nil {
		return Result{}, err
	}
	if again.ContainerID != cur.ContainerID {
		return Result{}, domain.ErrPositionConflict
	}

	var p plan
	if cur.ContainerID == dest {
		items, err := tx.Items(ctx, ref.Kind, dest)
		if err != nil {
			return Result{}, err
		}
		p, err = planReorder(items, ref.ID, pos)
		if err != nil {
			return Result{}, conflictIfMissing(err)
		}
	} else {
		src, err := tx.Items(ctx, ref.Kind, cur.ContainerID)
		if err != nil {
			return Result{}, err
		}
		dst, err := tx.Items(ctx, ref.Kind, dest)
		if err != nil {
			return Result{}, err
		}
		p, err = planTransfer(src, dst, ref.ID, dest, pos)
		if err != nil {
			return Result{}, conflictIfMissing(err)
		}
	}
	if p.noop() {
		return Result{From: p.from, To: p.moved}, nil
	}
	if err := tx.Save(ctx, ref.Kind, p.writes()); err != nil {
		return Result{}, err
	}
	return Result{From: p.from, To: p.moved}, nil
}

// Insert places p into containerID at position and creates its row in the
// same transaction.
func (e *Engine) Insert(ctx context.Context, p domain.Placeable, containerID string, position int) (domain.OrderedItem, error) {
	ref := p.ItemRef()
	if !ref.Kind.Valid() {
		return domain.OrderedItem{}, fmt.Errorf("position: unknown item kind %q", ref.Kind)
	}
	var placed domain.OrderedItem
	err := e.run(ctx, "insert", []attribute.KeyValue{
		attribute.String("board.item.kind", string(ref.Kind)),
		attribute.String("board.item.id", ref.ID),
		attribute.String("board.container.dest", containerID),
		attribute.Int("board.position.requested", position),
	}, func(tx Tx) error {
		if err := tx.Lock(ctx, ref.Kind.Container(), containerID); err != nil {
			return err
		}
		items, err := tx.Items(ctx, ref.Kind, containerID)
		if err != nil {
			return err
		}
		pl := planInsert(items, ref, containerID, position)
		if len(pl.shifts) > 0 {
			if err := tx.Save(ctx, ref.Kind, pl.shifts); err != nil {
				return err
			}
		}
		p.Place(containerID, pl.moved.Position)
		if err := tx.Create(ctx, p); err != nil {
			return err
		}
		placed = pl.moved
		return nil
	})
	return placed, err
}

// Remove deletes ref and closes the gap it leaves in its container.
func (e *Engine) Remove(ctx context.Context, ref domain.ItemRef) (domain.OrderedItem, error) {
	if !ref.Kind.Valid() {
		return domain.OrderedItem{}, fmt.Errorf("position: unknown item kind %q", ref.Kind)
	}
	var removed domain.OrderedItem
	err := e.run(ctx, "remove", []attribute.KeyValue{
		attribute.String("board.item.kind", string(ref.Kind)),
		attribute.String("board.item.id", ref.ID),
	}, func(tx Tx) error {
		cur, err := tx.Locate(ctx, ref)
		if err != nil {
			return err
		}
		if err := tx.Lock(ctx, ref.Kind.Container(), cur.ContainerID); err != nil {
			return err
		}
		again, err := tx.Locate(ctx, ref)
		if err != nil {
			return err
		}
		if again.ContainerID != cur.ContainerID {
			return domain.ErrPositionConflict
		}
		items, err := tx.Items(ctx, ref.Kind, cur.ContainerID)
		if err != nil {
			return err
		}
		pl, err := planRemove(items, ref.ID)
		if err != nil {
			return conflictIfMissing(err)
		}
		if err := tx.Delete(ctx, ref); err != nil {
			return err
		}
		if len(pl.shifts) > 0 {
			if err := tx.Save(ctx, ref.Kind, pl.shifts); err != nil {
				return err
			}
		}
		removed = pl.from
		return nil
	})
	return removed, err
}

// run executes fn in a transaction and replays it while it reports
// domain.ErrPositionConflict.
func (e *Engine) run(ctx context.Context, op string, attrs []attribute.KeyValue, fn func(tx Tx) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "position."+op, trace.WithAttributes(attrs...))
	defer span.End()

	var err error
	attempt := 0
	for attempt < e.maxRetries+1 {
		attempt++
		err = e.store.InTx(ctx, fn)
		if !errors.Is(err, domain.ErrPositionConflict) || attempt > e.maxRetries {
			break
		}
		e.log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
		}).Debug("position conflict, retrying")
		if waitErr := e.wait(ctx, attempt); waitErr != nil {
			err = waitErr
			break
		}
	}
	span.SetAttributes(attribute.Int("board.position.attempts", attempt))

	if errors.Is(err, domain.ErrPositionConflict) {
		err = fmt.Errorf("position: %s gave up after %d attempts", op, attempt)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

func (e *Engine) wait(ctx context.Context, attempt int) error {
	if e.backoff <= 0 {
		return ctx.Err()
	}
	d := time.Duration(attempt)*e.backoff/2 + rand.N(e.backoff)
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// lockOrder returns the distinct container ids sorted so that every writer
// acquires locks in the same order.
func lockOrder(ids ...string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		dup := false
		for _, seen := range out {
			if seen == id {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// conflictIfMissing turns a vanished item into a conflict: it was located at
// the start of the attempt so another writer moved it in the meantime.
func conflictIfMissing(err error) error {
	if errors.Is(err, domain.ErrItemNotFound) {
		return domain.ErrPositionConflict
	}
	return err
}
