package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/teamforge/meeting-signaling/internal/models"
	"github.com/teamforge/meeting-signaling/internal/presence"
	"github.com/teamforge/meeting-signaling/internal/registry"
	"github.com/teamforge/meeting-signaling/internal/relay"
	"github.com/teamforge/meeting-signaling/internal/router"
	"github.com/teamforge/meeting-signaling/internal/session"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin checking is handled by middleware
		return true
	},
}

const (
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	writeWait  = 10 * time.Second
)

// Signaling owns the shared signaling state: the session store, the
// meeting registry, the connection table and the per-connection router.
type Signaling struct {
	sessions *session.Store
	meetings *registry.Registry
	conns    *relay.Table
	router   *router.Router
}

// NewSignaling wires the signaling core over the given presence bridge.
func NewSignaling(bridge presence.Bridge) *Signaling {
	sessions := session.NewStore()
	meetings := registry.New()
	conns := relay.NewTable()
	engine := relay.NewEngine(meetings, sessions, conns)
	return &Signaling{
		sessions: sessions,
		meetings: meetings,
		conns:    conns,
		router:   router.New(sessions, meetings, engine, bridge),
	}
}

// Client represents one WebSocket signaling connection.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	closeOnce sync.Once
}

// ID returns the server-assigned connection id.
func (c *Client) ID() string {
	return c.id
}

// Enqueue hands a frame to the write pump without blocking. A full buffer
// counts as a failed delivery for this recipient only.
func (c *Client) Enqueue(data []byte) bool {
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// Close tears down the transport. The read pump notices and runs the
// ordinary close path, so a kick cleans up exactly like a disconnect.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

// HandleSignaling upgrades the connection and starts the signaling
// lifecycle. The meeting is validated for existence and capacity before
// the upgrade; membership itself is established by the JOIN envelope.
func (s *Signaling) HandleSignaling(c *gin.Context) {
	meetingIdentifier := c.Param("meetingId")
	if meetingIdentifier == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "meetingId is required"})
		return
	}

	_, meta, err := ValidateMeetingExists(meetingIdentifier)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	client := &Client{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.sessions.Create(client.id)
	s.conns.Add(client)

	log.Printf("Connection %s opened for meeting %s (code: %s)", client.id, meta.ID, meta.Code)
	s.greet(client)

	go client.writePump()
	go s.readPump(client)
}

// greet acknowledges that the transport is ready. No side effects beyond
// handing the client its connection id.
func (s *Signaling) greet(client *Client) {
	payload, err := json.Marshal(models.ConnectedPayload{ConnectionID: client.id})
	if err != nil {
		log.Printf("Failed to marshal greeting: %v", err)
		return
	}
	data, err := models.Envelope{Kind: models.KindConnected, Payload: payload}.Encode()
	if err != nil {
		log.Printf("Failed to marshal greeting: %v", err)
		return
	}
	if !client.Enqueue(data) {
		log.Printf("Failed to greet connection %s, buffer full", client.id)
	}
}

// readPump drives the connection's state machine from its inbound frames.
// It is the only goroutine advancing this connection's state.
func (s *Signaling) readPump(client *Client) {
	st := router.StateUnbound
	defer func() {
		s.conns.Remove(client.id)
		s.router.Closed(client, st)
		client.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error on connection %s: %v", client.id, err)
			}
			break
		}
		st = s.router.Dispatch(client, st, frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Failed to write message: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
