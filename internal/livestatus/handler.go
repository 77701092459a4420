package livestatus

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/cinema-seat-saga/internal/logging"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler upgrades GET /ws/showtime/:showtimeId.  A showtime id that is not
// a UUID is answered with close code 1008 right after the upgrade.
func Handler(h *Hub) echo.HandlerFunc {
	return func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade already wrote the HTTP error.
			return nil
		}
		showtimeID := c.Param("showtimeId")
		if _, err := uuid.Parse(showtimeID); err != nil {
			msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid showtime id")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return conn.Close()
		}

		cl := h.register(showtimeID)
		logging.FromContext(c.Request().Context()).WithField("showtime_id", showtimeID).Debug("livestatus: viewer connected")
		go writePump(conn, cl)
		readPump(conn, h, cl)
		return nil
	}
}

// readPump discards inbound frames and unregisters the viewer once the
// connection fails or is closed by the peer.
func readPump(conn *websocket.Conn, h *Hub, cl *client) {
	defer h.unregister(cl)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on conn.  It exits when the send channel is
// closed by unregister.
func writePump(conn *websocket.Conn, cl *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
