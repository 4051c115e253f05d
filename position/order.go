package position

import (
	"sort"

	"board-sync/domain"
)

// plan is the set of writes one ordering operation needs. from is the zero
// value for inserts and moved is the zero value for removals.
type plan struct {
	from   domain.OrderedItem
	moved  domain.OrderedItem
	shifts []domain.OrderedItem
}

// writes returns every row the plan touches, the moved item last.
func (p plan) writes() []domain.OrderedItem {
	out := append([]domain.OrderedItem(nil), p.shifts...)
	if p.moved.ID != "" && p.moved != p.from {
		out = append(out, p.moved)
	}
	return out
}

func (p plan) noop() bool {
	return len(p.shifts) == 0 && p.moved == p.from
}

// sequence orders items by stored position. Rows sharing a position keep the
// order they were read in.
func sequence(items []domain.OrderedItem) []domain.OrderedItem {
	out := append([]domain.OrderedItem(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Position < out[j].Position
	})
	return out
}

func clamp(pos, n int) int {
	if pos < 0 {
		return 0
	}
	if pos > n {
		return n
	}
	return pos
}

func indexOf(items []domain.OrderedItem, id string) int {
	for i := range items {
		if items[i].ID == id {
			return i
		}
	}
	return -1
}

func without(items []domain.OrderedItem, idx int) []domain.OrderedItem {
	out := make([]domain.OrderedItem, 0, len(items)-1)
	out = append(out, items[:idx]...)
	return append(out, items[idx+1:]...)
}

func insertAt(items []domain.OrderedItem, item domain.OrderedItem, idx int) []domain.OrderedItem {
	out := make([]domain.OrderedItem, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, item)
	return append(out, items[idx:]...)
}

// densify assigns positions 0..N-1 in slice order and returns the items whose
// slot differs from what was stored, skipping skipID.
func densify(items []domain.OrderedItem, containerID, skipID string) []domain.OrderedItem {
	var changed []domain.OrderedItem
	for i := range items {
		next := items[i]
		next.ContainerID = containerID
		next.Position = i
		if next != items[i] && next.ID != skipID {
			changed = append(changed, next)
		}
		items[i] = next
	}
	return changed
}

// planReorder moves id to dest inside a single container. Only the items
// between the old and the new slot shift.
func planReorder(items []domain.OrderedItem, id string, dest int) (plan, error) {
	seq := sequence(items)
	idx := indexOf(seq, id)
	if idx < 0 {
		return plan{}, domain.ErrItemNotFound
	}
	from := seq[idx]
	rest := without(seq, idx)
	to := clamp(dest, len(rest))
	if to == idx {
		// stored gaps are left for the next real move to close
		return plan{from: from, moved: from}, nil
	}
	seq = insertAt(rest, from, to)

	shifts := densify(seq, from.ContainerID, id)
	return plan{from: from, moved: seq[to], shifts: shifts}, nil
}

// planTransfer moves id out of src into dst at dest, closing the gap it
// leaves behind and opening a slot in the destination.
func planTransfer(src, dst []domain.OrderedItem, id, dstContainer string, dest int) (plan, error) {
	source := sequence(src)
	idx := indexOf(source, id)
	if idx < 0 {
		return plan{}, domain.ErrItemNotFound
	}
	from := source[idx]
	source = without(source, idx)
	shifts := densify(source, from.ContainerID, "")

	target := sequence(dst)
	to := clamp(dest, len(target))
	target = insertAt(target, from, to)
	shifts = append(shifts, densify(target, dstContainer, id)...)

	return plan{from: from, moved: target[to], shifts: shifts}, nil
}

// planInsert places a new item in dst at dest.
func planInsert(dst []domain.OrderedItem, ref domain.ItemRef, dstContainer string, dest int) plan {
	target := sequence(dst)
	to := clamp(dest, len(target))
	target = insertAt(target, domain.OrderedItem{Kind: ref.Kind, ID: ref.ID, Position: -1}, to)
	shifts := densify(target, dstContainer, ref.ID)
	return plan{moved: target[to], shifts: shifts}
}

// planRemove takes id out of src and closes the gap.
func planRemove(src []domain.OrderedItem, id string) (plan, error) {
	source := sequence(src)
	idx := indexOf(source, id)
	if idx < 0 {
		return plan{}, domain.ErrItemNotFound
	}
	from := source[idx]
	source = without(source, idx)
	return plan{from: from, shifts: densify(source, from.ContainerID, "")}, nil
}
