package gateway

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// maxMessageSize is the maximum size in bytes of a single inbound WebSocket message.
	maxMessageSize = 65536

	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// sendBufferSize is the per-client outbound queue. Delivery is best-effort: a client that
	// cannot drain this buffer is dropped rather than allowed to stall the hub.
	sendBufferSize = 256
)

// ErrClientClosed is returned by SendJSON once the client's send queue has been closed.
var ErrClientClosed = errors.New("gateway: client closed")

// socketConn is the slice of *websocket.Conn the client pumps use.
type socketConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is a single WebSocket connection. It implements store.ClientHandle so the store and
// admin handlers can address the socket without depending on the transport. Each client runs
// two goroutines (readPump and writePump) and communicates with the Hub via callbacks.
type Client struct {
	hub  *Hub
	conn socketConn
	id   string
	send chan []byte
	done chan struct{}
	log  zerolog.Logger
}

func newClient(hub *Hub, conn socketConn, logger zerolog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		hub:  hub,
		conn: conn,
		id:   id,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
		log:  logger.With().Str("session_id", id).Logger(),
	}
}

// ID returns the transport-issued socket id.
func (c *Client) ID() string {
	return c.id
}

// SendJSON marshals v and queues it for delivery. Delivery is fire-and-forget: a full queue
// or a closed client yields an error that callers log and move past, never a panic or a
// blocked hub.
func (c *Client) SendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		// The peer is not draining its socket. Drop it; reconnect is the client's problem.
		c.log.Warn().Msg("Client send buffer full, closing connection")
		c.Disconnect()
		return ErrClientClosed
	}
}

// Disconnect closes the underlying connection. The read pump notices and runs the cleanup
// path, so state teardown is the same whether the server or the peer hangs up.
func (c *Client) Disconnect() {
	_ = c.conn.Close()
}

// readPump reads frames from the WebSocket connection and routes them by event name. It runs
// in its own goroutine and is responsible for triggering cleanup when the read loop exits.
func (c *Client) readPump() {
	defer func() {
		close(c.done)
		_ = c.conn.Close()
		c.hub.cleanupSession(c.id)
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("WebSocket read error")
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			c.log.Debug().Err(err).Msg("Dropping undecodable frame")
			continue
		}

		switch frame.Event {
		case eventAuthenticate:
			c.hub.handleAuthenticate(c, frame.Data, frame.Ack)
		case eventJoinTokenChannel:
			c.hub.handleJoinTokenChannel(c, frame.Data)
		case eventMessage:
			c.hub.handleClientMessage(c, frame.Data)
		default:
			c.log.Debug().Str("event", frame.Event).Msg("Dropping unknown event")
		}
	}
}

// writePump writes queued messages to the WebSocket connection. It runs in its own goroutine
// and exits when the client is closed.
func (c *Client) writePump() {
	defer func() { _ = c.conn.Close() }()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

// ack sends the reply correlated to a frame that carried an ack id. A nil id means the client
// did not ask for an acknowledgement.
func (c *Client) ack(id *int64, data any) {
	if id == nil {
		return
	}
	if err := c.SendJSON(ackFrame{Ack: *id, Data: data}); err != nil {
		c.log.Debug().Err(err).Msg("Failed to send ack")
	}
}
