package realtime

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryTracksConnectionsPerUser(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRegistry(4, logger)

	a1 := r.Register("alice", "Alice")
	a2 := r.Register("alice", "Alice")
	b := r.Register("bob", "")

	assert.Equal(t, "bob", b.DisplayName)
	assert.ElementsMatch(t, []string{a1.ID, a2.ID}, r.ConnectionsFor("alice"))
	assert.Equal(t, 3, r.Count())

	r.Unregister(context.Background(), a1.ID)
	assert.Equal(t, []string{a2.ID}, r.ConnectionsFor("alice"))
	_, ok := r.Get(a1.ID)
	assert.False(t, ok)

	select {
	case <-a1.Done():
	default:
		t.Fatalf("unregistered connection must be closed")
	}

	r.Unregister(context.Background(), a1.ID)
	r.Unregister(context.Background(), "never-registered")
	assert.Equal(t, 2, r.Count())
}

func TestRegistryRunsUnregisterHooks(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRegistry(4, logger)
	var got []string
	r.OnUnregister(func(_ context.Context, id string) { got = append(got, id) })

	c := r.Register("alice", "Alice")
	r.Unregister(context.Background(), c.ID)
	r.Unregister(context.Background(), c.ID)

	require.Equal(t, []string{c.ID}, got)
}

func TestRegistryClosesSlowConnection(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRegistry(2, logger)
	c := r.Register("alice", "Alice")

	require.True(t, r.deliver(c.ID, []byte(`1`)))
	require.True(t, r.deliver(c.ID, []byte(`2`)))
	require.False(t, r.deliver(c.ID, []byte(`3`)))

	select {
	case <-c.Done():
	default:
		t.Fatalf("slow connection must be closed")
	}
	require.False(t, r.deliver(c.ID, []byte(`4`)))
}

func TestRegistrySendToUser(t *testing.T) {
	logger, _ := test.NewNullLogger()
	r := NewRegistry(4, logger)
	a1 := r.Register("alice", "Alice")
	a2 := r.Register("alice", "Alice")
	b := r.Register("bob", "Bob")

	require.Equal(t, 2, r.SendToUser("alice", []byte(`{"type":"notification"}`)))
	require.Len(t, a1.Send(), 1)
	require.Len(t, a2.Send(), 1)
	require.Len(t, b.Send(), 0)
	require.Equal(t, 0, r.SendToUser("nobody", []byte(`{}`)))
}
