package position

import (
	"context"
	"sync"

	"board-sync/domain"
)

// memStore is an in-memory Store that runs one transaction at a time.
type memStore struct {
	mu         sync.Mutex
	containers map[domain.ContainerType]map[string]bool
	items      map[domain.ItemKind]map[string]domain.OrderedItem
	conflicts  int
	txCount    int
	saves      int
	beforeTx   func(s *memStore)
}

func newMemStore() *memStore {
	return &memStore{
		containers: map[domain.ContainerType]map[string]bool{
			domain.ContainerBoard:  {},
			domain.ContainerColumn: {},
		},
		items: map[domain.ItemKind]map[string]domain.OrderedItem{
			domain.KindCard:   {},
			domain.KindColumn: {},
		},
	}
}

func (s *memStore) addContainer(ct domain.ContainerType, id string) {
	s.containers[ct][id] = true
}

func (s *memStore) seed(kind domain.ItemKind, container string, ids ...string) {
	s.addContainer(kind.Container(), container)
	for i, id := range ids {
		s.items[kind][id] = domain.OrderedItem{Kind: kind, ID: id, ContainerID: container, Position: i}
	}
}

// list returns ids ordered by position for a container.
func (s *memStore) list(kind domain.ItemKind, container string) []domain.OrderedItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OrderedItem
	for _, it := range s.items[kind] {
		if it.ContainerID == container {
			out = append(out, it)
		}
	}
	return sequence(out)
}

func (s *memStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txCount++
	if s.beforeTx != nil {
		s.beforeTx(s)
	}
	if s.conflicts > 0 {
		s.conflicts--
		return domain.ErrPositionConflict
	}
	tx := &memTx{store: s, items: map[domain.ItemKind]map[string]domain.OrderedItem{}}
	for kind, m := range s.items {
		cp := make(map[string]domain.OrderedItem, len(m))
		for k, v := range m {
			cp[k] = v
		}
		tx.items[kind] = cp
	}
	if err := fn(tx); err != nil {
		return err
	}
	s.items = tx.items
	return nil
}

type memTx struct {
	store *memStore
	items map[domain.ItemKind]map[string]domain.OrderedItem
}

func (t *memTx) Locate(_ context.Context, ref domain.ItemRef) (domain.OrderedItem, error) {
	it, ok := t.items[ref.Kind][ref.ID]
	if !ok {
		return domain.OrderedItem{}, domain.ErrItemNotFound
	}
	return it, nil
}

func (t *memTx) Lock(_ context.Context, ct domain.ContainerType, ids ...string) error {
	for _, id := range ids {
		if !t.store.containers[ct][id] {
			return domain.ErrContainerNotFound
		}
	}
	return nil
}

func (t *memTx) Items(_ context.Context, kind domain.ItemKind, containerID string) ([]domain.OrderedItem, error) {
	var out []domain.OrderedItem
	for _, it := range t.items[kind] {
		if it.ContainerID == containerID {
			out = append(out, it)
		}
	}
	// map order is random; stored positions are unique in these tests
	return sequence(out), nil
}

func (t *memTx) Save(_ context.Context, kind domain.ItemKind, items []domain.OrderedItem) error {
	t.store.saves++
	for _, it := range items {
		t.items[kind][it.ID] = it
	}
	return nil
}

func (t *memTx) Create(_ context.Context, p domain.Placeable) error {
	var it domain.OrderedItem
	switch v := p.(type) {
	case *domain.Card:
		it = domain.OrderedItem{Kind: domain.KindCard, ID: v.ID, ContainerID: v.ColumnID, Position: v.Position}
	case *domain.Column:
		it = domain.OrderedItem{Kind: domain.KindColumn, ID: v.ID, ContainerID: v.BoardID, Position: v.Position}
		t.store.containers[domain.ContainerColumn][v.ID] = true
	}
	t.items[it.Kind][it.ID] = it
	return nil
}

func (t *memTx) Delete(_ context.Context, ref domain.ItemRef) error {
	delete(t.items[ref.Kind], ref.ID)
	return nil
}
