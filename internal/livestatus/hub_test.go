package livestatus

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/cinema-seat-saga/internal/model"
)

const showtimeID = "9b2f6a52-4c0e-4a0e-9a43-0f3f7f0f1a11"

func serve(t *testing.T, h *Hub) string {
	t.Helper()
	e := echo.New()
	e.GET("/ws/showtime/:showtimeId", Handler(h))
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestInvalidShowtimeClosesWithPolicyViolation(t *testing.T) {
	base := serve(t, NewHub())
	conn := dial(t, base+"/ws/showtime/not-a-uuid")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
}

func TestBroadcastReachesViewersOfShowtime(t *testing.T) {
	h := NewHub()
	base := serve(t, h)
	viewer := dial(t, base+"/ws/showtime/"+showtimeID)
	other := dial(t, base+"/ws/showtime/1c0d8e55-8a5b-4d4e-9c1e-2b8f1e7a0b22")

	require.Eventually(t, func() bool { return h.Viewers(showtimeID) == 1 }, 2*time.Second, 10*time.Millisecond)

	h.Broadcast(context.Background(), model.SeatStatusChange{
		ShowtimeID: showtimeID, SeatIDs: []string{"S1", "S2"}, Status: model.SeatLocked, At: time.Now(),
	})

	_ = viewer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := viewer.ReadMessage()
	require.NoError(t, err)
	var got model.SeatStatusChange
	require.NoError(t, json.Unmarshal(msg, &got))
	assert.Equal(t, []string{"S1", "S2"}, got.SeatIDs)
	assert.Equal(t, model.SeatLocked, got.Status)

	_ = other.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = other.ReadMessage()
	assert.Error(t, err, "viewers of another showtime receive nothing")
}

func TestDisconnectRemovesViewer(t *testing.T) {
	h := NewHub()
	base := serve(t, h)
	conn := dial(t, base+"/ws/showtime/"+showtimeID)
	require.Eventually(t, func() bool { return h.Viewers(showtimeID) == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return h.Viewers(showtimeID) == 0 }, 2*time.Second, 10*time.Millisecond)
	h.mu.RLock()
	_, ok := h.rooms[showtimeID]
	h.mu.RUnlock()
	assert.False(t, ok, "empty showtime sets are deleted")
}

func TestSlowViewerIsDropped(t *testing.T) {
	h := NewHub()
	h.buffer = 1
	slow := h.register(showtimeID)
	fast := h.register(showtimeID)

	change := model.SeatStatusChange{ShowtimeID: showtimeID, SeatIDs: []string{"S1"}, Status: model.SeatBooked}
	h.Broadcast(context.Background(), change)
	<-fast.send
	h.Broadcast(context.Background(), change)

	assert.Equal(t, 1, h.Viewers(showtimeID))
	_, open := <-slow.send // buffered message
	assert.True(t, open)
	_, open = <-slow.send
	assert.False(t, open, "slow viewer's channel is closed")
}

func TestBroadcastWithoutViewers(t *testing.T) {
	h := NewHub()
	assert.NotPanics(t, func() {
		h.Broadcast(context.Background(), model.SeatStatusChange{ShowtimeID: showtimeID, Status: model.SeatAvailable})
	})
}

func TestMarshalFailureSkipsBroadcast(t *testing.T) {
	h := NewHub()
	c := h.register(showtimeID)
	// time.Time with a year outside [0,9999] cannot be marshalled.
	h.Broadcast(context.Background(), model.SeatStatusChange{
		ShowtimeID: showtimeID, At: time.Date(math.MaxInt32, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	assert.Len(t, c.send, 0)
	assert.Equal(t, 1, h.Viewers(showtimeID))
}
