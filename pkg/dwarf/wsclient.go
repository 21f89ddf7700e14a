package dwarf

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"dwarfbridge/pkg/dwarfproto"
)

// requestKey correlates requests with responses: the device answers
// with the same module/cmd pair it was asked with, or with a configured
// notification alias.
type requestKey struct {
	ModuleID uint32
	Cmd      uint32
}

// wsConn is the subset of *websocket.Conn the client needs. Tests plug
// in fakes.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// NotificationHandler receives every notification packet, including
// ones that also resolved a pending request.
type NotificationHandler func(packet *dwarfproto.WsPacket)

type pendingResult struct {
	msg any
	err error
}

type pendingRequest struct {
	key        requestKey
	resp       dwarfproto.Unmarshaler
	alternates map[requestKey]dwarfproto.Unmarshaler
	done       chan pendingResult
}

// WSClient is the websocket command channel. At most one request per
// module/cmd key may be in flight; requests expecting a notification
// answer register alias keys that resolve them too.
type WSClient struct {
	logger   log.FieldLogger
	url      string
	clientID string
	pingEvery time.Duration

	dial func() (wsConn, error)

	mu      sync.Mutex
	conn    wsConn
	pending map[requestKey]*pendingRequest
	aliases map[requestKey]requestKey

	handlersMu sync.Mutex
	handlers   []NotificationHandler
}

func NewWSClient(cfg Config, logger log.FieldLogger) *WSClient {
	url := fmt.Sprintf("ws://%s:%d/", cfg.DeviceIP, cfg.WsPort)
	c := &WSClient{
		logger:    logger.WithField("component", "ws"),
		url:       url,
		clientID:  cfg.ClientID,
		pingEvery: 5 * time.Second,
		pending:   make(map[requestKey]*pendingRequest),
		aliases:   make(map[requestKey]requestKey),
	}
	c.dial = func() (wsConn, error) {
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
	return c
}

// OnNotification registers a handler for notification packets. Handlers
// run on the reader goroutine and must not block.
func (c *WSClient) OnNotification(handler NotificationHandler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers = append(c.handlers, handler)
}

func (c *WSClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Connect dials the device. A no-op when already connected.
func (c *WSClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return nil
	}
	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("dialing %s: %w", c.url, err)
	}
	c.conn = conn
	go c.readLoop(conn)
	if c.pingEvery > 0 {
		go c.pingLoop(conn)
	}
	c.logger.WithField("url", c.url).Info("Connected")
	return nil
}

// Close drops the connection and fails every pending request.
func (c *WSClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.flushPendingLocked(ErrConnectionClosed)
	return err
}

func (c *WSClient) readLoop(conn wsConn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		var packet dwarfproto.WsPacket
		if err := packet.UnmarshalWire(data); err != nil {
			c.logger.WithError(err).Warn("Dropping undecodable packet")
			continue
		}
		c.dispatch(&packet)
	}
}

func (c *WSClient) pingLoop(conn wsConn) {
	ticker := time.NewTicker(c.pingEvery)
	defer ticker.Stop()
	for range ticker.C {
		c.mu.Lock()
		stale := c.conn != conn
		var err error
		if !stale {
			err = conn.WriteMessage(websocket.PingMessage, nil)
		}
		c.mu.Unlock()
		if stale || err != nil {
			return
		}
	}
}

func (c *WSClient) handleDisconnect(conn wsConn, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != conn {
		return
	}
	c.logger.WithError(err).Warn("Connection lost")
	c.conn = nil
	c.flushPendingLocked(ErrConnectionClosed)
}

func (c *WSClient) flushPendingLocked(err error) {
	for _, pr := range c.pending {
		pr.done <- pendingResult{err: err}
	}
	c.pending = make(map[requestKey]*pendingRequest)
	c.aliases = make(map[requestKey]requestKey)
}

// removePendingLocked drops a pending request and every alias pointing
// at it.
func (c *WSClient) removePendingLocked(key requestKey) {
	delete(c.pending, key)
	for alias, primary := range c.aliases {
		if primary == key {
			delete(c.aliases, alias)
		}
	}
}

func (c *WSClient) dispatch(packet *dwarfproto.WsPacket) {
	key := requestKey{ModuleID: packet.ModuleID, Cmd: packet.Cmd}

	c.mu.Lock()
	var pr *pendingRequest
	var decoder dwarfproto.Unmarshaler
	if waiting, ok := c.pending[key]; ok {
		pr = waiting
		decoder = waiting.resp
		c.removePendingLocked(key)
	} else if primary, ok := c.aliases[key]; ok {
		if waiting, ok := c.pending[primary]; ok {
			pr = waiting
			decoder = waiting.alternates[key]
			if decoder == nil {
				decoder = waiting.resp
			}
			c.removePendingLocked(primary)
		}
	}
	c.mu.Unlock()

	if pr != nil {
		if err := decoder.UnmarshalWire(packet.Data); err != nil {
			pr.done <- pendingResult{err: fmt.Errorf("decoding response %d/%d: %w", key.ModuleID, key.Cmd, err)}
		} else {
			pr.done <- pendingResult{msg: decoder}
		}
	}

	if packet.Type == dwarfproto.TypeNotification {
		c.handlersMu.Lock()
		handlers := append([]NotificationHandler(nil), c.handlers...)
		c.handlersMu.Unlock()
		for _, handler := range handlers {
			handler(packet)
		}
	}
}

// SendRequest sends one request and waits for its answer. The returned
// value is resp, or the alternate decoder whose alias key matched.
func (c *WSClient) SendRequest(moduleID, cmd uint32, req dwarfproto.Marshaler,
	resp dwarfproto.Unmarshaler, timeout time.Duration,
	alternates map[requestKey]dwarfproto.Unmarshaler) (any, error) {

	key := requestKey{ModuleID: moduleID, Cmd: cmd}
	packet := dwarfproto.WsPacket{
		MajorVersion: 1,
		MinorVersion: 2,
		DeviceID:     1,
		ModuleID:     moduleID,
		Cmd:          cmd,
		Type:         dwarfproto.TypeRequest,
		ClientID:     c.clientID,
	}
	if req != nil {
		packet.Data = req.MarshalWire()
	}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	if _, exists := c.pending[key]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("request %d/%d: %w", moduleID, cmd, ErrRequestPending)
	}
	pr := &pendingRequest{
		key:        key,
		resp:       resp,
		alternates: alternates,
		done:       make(chan pendingResult, 1),
	}
	c.pending[key] = pr
	for alias := range alternates {
		c.aliases[alias] = key
	}
	err := c.conn.WriteMessage(websocket.BinaryMessage, packet.MarshalWire())
	if err != nil {
		c.removePendingLocked(key)
		c.mu.Unlock()
		return nil, fmt.Errorf("sending %d/%d: %w", moduleID, cmd, err)
	}
	c.mu.Unlock()

	select {
	case result := <-pr.done:
		return result.msg, result.err
	case <-time.After(timeout):
		c.mu.Lock()
		c.removePendingLocked(key)
		c.mu.Unlock()
		// A response may have slipped in while we were grabbing the
		// lock; prefer it over the timeout.
		select {
		case result := <-pr.done:
			return result.msg, result.err
		default:
		}
		return nil, &TimeoutError{ModuleID: moduleID, Cmd: cmd, Timeout: timeout}
	}
}

// SendCommand sends a request that answers with a ComResponse (or one
// of the alternates).
func (c *WSClient) SendCommand(moduleID, cmd uint32, req dwarfproto.Marshaler,
	timeout time.Duration, alternates map[requestKey]dwarfproto.Unmarshaler) (any, error) {
	return c.SendRequest(moduleID, cmd, req, &dwarfproto.ComResponse{}, timeout, alternates)
}

// SendAndCheck sends a command and turns a non-zero ComResponse code
// into a *CommandError. Alternate answers pass through as success.
func (c *WSClient) SendAndCheck(moduleID, cmd uint32, req dwarfproto.Marshaler,
	timeout time.Duration, alternates map[requestKey]dwarfproto.Unmarshaler) (any, error) {
	res, err := c.SendCommand(moduleID, cmd, req, timeout, alternates)
	if err != nil {
		return nil, err
	}
	if com, ok := res.(*dwarfproto.ComResponse); ok && com.Code != dwarfproto.CodeOK {
		return nil, &CommandError{ModuleID: moduleID, Cmd: cmd, Code: com.Code}
	}
	return res, nil
}
