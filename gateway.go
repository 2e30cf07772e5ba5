package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"pactduel/trust/internal/config"
	"pactduel/trust/internal/logging"
	"pactduel/trust/internal/message"
	"pactduel/trust/internal/pipeline"
	"pactduel/trust/internal/validation"
)

// verdictNotice is the frame sent back to a client when its message is
// rejected, and the acknowledgement for PING frames.
type verdictNotice struct {
	Type    string               `json:"type"`
	Valid   bool                 `json:"valid"`
	Code    validation.Code      `json:"code,omitempty"`
	Risk    validation.RiskLevel `json:"risk,omitempty"`
	Message string               `json:"message,omitempty"`
}

type client struct {
	id       string
	playerID string
	conn     *websocket.Conn
	send     chan []byte
}

// Gateway owns the WebSocket surface of the trust layer: it authenticates the
// handshake, binds the connection, and feeds every inbound frame through the
// validation pipeline before anything reaches game logic.
type Gateway struct {
	cfg        *config.Config
	logger     *logging.Logger
	gatekeeper *pipeline.Gatekeeper
	auth       gatewayAuthenticator
	upgrader   websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewGateway wires the gateway to the pipeline and configures origin checks
// from the allow-list. An empty allow-list accepts any origin.
func NewGateway(cfg *config.Config, gatekeeper *pipeline.Gatekeeper, authenticator gatewayAuthenticator, logger *logging.Logger) *Gateway {
	gateway := &Gateway{
		cfg:        cfg,
		logger:     logger,
		gatekeeper: gatekeeper,
		auth:       authenticator,
		clients:    make(map[*client]struct{}),
	}
	gateway.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if len(cfg.AllowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range cfg.AllowedOrigins {
				if origin == allowed {
					return true
				}
			}
			return false
		},
	}
	return gateway
}

// ServeWS authenticates and upgrades one connection, binds it to the player
// identity from the handshake, and runs the read/write pumps.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	playerID, err := g.auth.Authenticate(r)
	if err != nil {
		g.logger.Warn("handshake rejected", logging.Error(err))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	c := &client{
		id:       uuid.NewString(),
		playerID: playerID,
		conn:     conn,
		send:     make(chan []byte, 64),
	}

	//1.- Bind before any frame is read; a conflict closes the socket.
	if result := g.gatekeeper.BindConnection(c.id, playerID); !result.Valid {
		data := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(result.Code))
		_ = conn.WriteControl(websocket.CloseMessage, data, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	g.mu.Lock()
	g.clients[c] = struct{}{}
	g.mu.Unlock()
	g.logger.Info("connection bound",
		logging.String("connection_id", c.id),
		logging.String("player_id", playerID),
	)

	go g.readPump(c)
	go g.writePump(c)
}

func (g *Gateway) readPump(c *client) {
	defer g.drop(c)
	c.conn.SetReadLimit(int64(g.cfg.MaxPayloadBytes) + 1024)
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("read error",
					logging.String("connection_id", c.id),
					logging.Error(err),
				)
			}
			return
		}

		envelope, result := g.gatekeeper.HandleMessage(c.id, raw)
		if !result.Valid {
			g.notify(c, result)
			//2.- Blocking rejections also terminate the connection.
			if result.ShouldBlock {
				data := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, string(result.Code))
				_ = c.conn.WriteControl(websocket.CloseMessage, data, time.Now().Add(time.Second))
				return
			}
			continue
		}
		if envelope.Type == message.TypePing {
			g.notify(c, validation.Accept())
		}
	}
}

func (g *Gateway) writePump(c *client) {
	ticker := time.NewTicker(g.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
				return
			}
		}
	}
}

// notify queues a verdict frame; a full send buffer drops the notice rather
// than stalling the read pump.
func (g *Gateway) notify(c *client, result validation.Result) {
	notice := verdictNotice{
		Type:    "VALIDATION_RESULT",
		Valid:   result.Valid,
		Code:    result.Code,
		Risk:    result.Risk,
		Message: result.Message,
	}
	data, err := json.Marshal(notice)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

func (g *Gateway) drop(c *client) {
	g.mu.Lock()
	if _, ok := g.clients[c]; ok {
		delete(g.clients, c)
		close(c.send)
	}
	g.mu.Unlock()
	g.gatekeeper.UnbindConnection(c.id)
	_ = c.conn.Close()
	g.logger.Info("connection released",
		logging.String("connection_id", c.id),
		logging.String("player_id", c.playerID),
	)
}

// ActiveClients reports the number of connected clients.
func (g *Gateway) ActiveClients() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.clients)
}
