package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kernelhub/internal/bridge"
	"kernelhub/internal/kernel"
	"kernelhub/internal/logging"
	"kernelhub/internal/metrics"
)

const writeDeadline = 10 * time.Second

// ChannelHandler upgrades /ws/kernels/{id}/{channel} requests and runs one
// stream bridge per connection until either side goes away.
type ChannelHandler struct {
	Kernels        *kernel.Registry
	Sessions       *bridge.SessionTracker
	Logger         *logging.Logger
	Metrics        *metrics.ServerMetrics
	AuthToken      string
	AllowedOrigins []string
}

func (h *ChannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !validateToken(r, h.AuthToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.Kernels == nil {
		http.Error(w, "kernel registry unavailable", http.StatusInternalServerError)
		return
	}

	kernelID, channel, ok := parseChannelPath(r.URL.Path)
	if !ok {
		http.Error(w, "missing kernel id or channel", http.StatusBadRequest)
		return
	}

	// Reject unknown identities before upgrading so clients get a clean 404.
	// The identity can still vanish between this check and the attach below;
	// that race is handled after the upgrade.
	if _, err := h.Kernels.Get(kernelID); err != nil {
		http.Error(w, "kernel not found", http.StatusNotFound)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, h.AllowedOrigins)
		},
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := ""
	if h.Sessions != nil {
		sessionID = h.Sessions.NewSession()
		defer h.Sessions.End(sessionID)
	}

	client := newWSConn(conn)
	b, err := bridge.Attach(r.Context(), bridge.Options{
		Registry: h.Kernels,
		KernelID: kernelID,
		Channel:  channel,
		Client:   client,
		Session:  sessionID,
		Logger:   h.Logger,
		Metrics:  h.Metrics,
	})
	if err != nil {
		reason := "attach failed"
		if errors.Is(err, kernel.ErrUnknownKernel) {
			reason = "kernel not found"
		}
		deadline := time.Now().Add(writeDeadline)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		return
	}

	b.Run()
}

func parseChannelPath(path string) (kernelID string, channel kernel.Channel, ok bool) {
	trimmed := strings.TrimPrefix(path, "/ws/kernels/")
	if trimmed == path {
		return "", "", false
	}
	parts := strings.Split(strings.TrimSuffix(trimmed, "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		return "", "", false
	}
	channel, ok = kernel.ParseChannel(parts[1])
	if !ok {
		return "", "", false
	}
	return parts[0], channel, true
}

// wsConn adapts a websocket connection to the message stream the bridge
// relays. Send is safe for concurrent use; malformed client frames surface
// as ErrStreamProtocol so the bridge can transition to Errored.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(msg kernel.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Receive() (kernel.Message, error) {
	for {
		msgType, payload, err := c.conn.ReadMessage()
		if err != nil {
			return kernel.Message{}, err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		var msg kernel.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			return kernel.Message{}, fmt.Errorf("%w: %v", kernel.ErrStreamProtocol, err)
		}
		return msg, nil
	}
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
