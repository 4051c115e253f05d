package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

type receivedFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload"`
}

func newTestHub(t *testing.T, store PresenceStore, transport Transport) *Hub {
	t.Helper()
	logger, _ := test.NewNullLogger()
	return NewHub(store, transport, 16, logger)
}

func nextFrame(t *testing.T, c *Connection) receivedFrame {
	t.Helper()
	select {
	case data := <-c.Send():
		var f receivedFrame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s: no frame received", c.ID)
	}
	return receivedFrame{}
}

func expectNoFrame(t *testing.T, c *Connection) {
	t.Helper()
	select {
	case data := <-c.Send():
		t.Fatalf("connection %s: unexpected frame %s", c.ID, data)
	case <-time.After(50 * time.Millisecond):
	}
}

// drain discards queued frames.
func drain(c *Connection) {
	for {
		select {
		case <-c.Send():
		default:
			return
		}
	}
}

func decodePayload[T any](t *testing.T, f receivedFrame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}
