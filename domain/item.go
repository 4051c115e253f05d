package domain

// ItemKind identifies which kind of ordered item a reference points at.
type ItemKind string

const (
	KindCard   ItemKind = "card"
	KindColumn ItemKind = "column"
)

// ContainerType names the parent that holds an ordered sequence.
type ContainerType string

const (
	ContainerColumn ContainerType = "column"
	ContainerBoard  ContainerType = "board"
)

// Container returns the type of parent that orders items of kind k.
func (k ItemKind) Container() ContainerType {
	if k == KindColumn {
		return ContainerBoard
	}
	return ContainerColumn
}

func (k ItemKind) Valid() bool {
	return k == KindCard || k == KindColumn
}

// ItemRef points at a single card or column.
type ItemRef struct {
	Kind ItemKind
	ID   string
}

// OrderedItem is an item's slot inside its container. Positions inside one
// container form the dense range 0..N-1 between transactions.
type OrderedItem struct {
	Kind        ItemKind `json:"kind"`
	ID          string   `json:"id"`
	ContainerID string   `json:"containerId"`
	Position    int      `json:"position"`
}

func (i OrderedItem) Ref() ItemRef {
	return ItemRef{Kind: i.Kind, ID: i.ID}
}

// Placeable is implemented by rows that can be inserted into an ordered container.
type Placeable interface {
	ItemRef() ItemRef
	Place(containerID string, position int)
}
