package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

var (
	// ErrNotConnected is returned by calls made while no hub connection is up.
	ErrNotConnected = errors.New("hub not connected")
	// ErrDisconnected fails calls still waiting when the connection drops.
	ErrDisconnected = errors.New("hub connection lost")
)

// Options configures a Client.
type Options struct {
	URL   string
	Token string
	// CallTimeout bounds each request. Zero means calls wait for the
	// response, the caller's context or a dropped connection.
	CallTimeout time.Duration
	MinBackoff  time.Duration
	MaxBackoff  time.Duration
}

// safeConn serializes writes on a websocket connection.
type safeConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (sc *safeConn) WriteJSON(v interface{}) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conn.WriteJSON(v)
}

// Client is the hub connection. It implements domain.AgentService and
// domain.QuotaChecker, and forwards pushed events to the configured sinks.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	connMu sync.RWMutex
	conn   *safeConn

	pendingMu sync.Mutex
	pending   map[string]chan Message

	agentEvents domain.AgentEvents
	authEvents  domain.AuthEvents
	logger      *zap.Logger
}

// NewClient creates a hub client. Call Run to connect.
func NewClient(opts Options, agentEvents domain.AgentEvents, authEvents domain.AuthEvents, logger *zap.Logger) *Client {
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Minute
	}
	return &Client{
		opts:        opts,
		dialer:      websocket.DefaultDialer,
		pending:     make(map[string]chan Message),
		agentEvents: agentEvents,
		authEvents:  authEvents,
		logger:      logger,
	}
}

// WithEvents replaces the sinks pushed events are forwarded to.
// Call before Run.
func (c *Client) WithEvents(agentEvents domain.AgentEvents, authEvents domain.AuthEvents) *Client {
	c.agentEvents = agentEvents
	c.authEvents = authEvents
	return c
}

// Run keeps a connection to the hub until ctx is canceled, reconnecting
// with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    c.opts.MinBackoff,
		Max:    c.opts.MaxBackoff,
		Factor: 2,
		Jitter: true,
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		connected, err := c.runOnce(ctx)
		if connected {
			b.Reset()
		}
		if ctx.Err() != nil {
			return nil
		}

		retryAfter := b.Duration()
		c.logger.Warn("hub connection ended, reconnecting",
			zap.Error(err),
			zap.Duration("retry_after", retryAfter))

		select {
		case <-time.After(retryAfter):
		case <-ctx.Done():
			return nil
		}
	}
}

// Connected reports whether a hub connection is up.
func (c *Client) Connected() bool {
	return c.activeConn() != nil
}

func (c *Client) runOnce(ctx context.Context) (bool, error) {
	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	rawConn, _, err := c.dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return false, fmt.Errorf("failed to dial hub: %w", err)
	}
	defer rawConn.Close()

	c.logger.Info("connected to hub", zap.String("url", c.opts.URL))
	c.setActiveConn(&safeConn{conn: rawConn})
	defer func() {
		c.setActiveConn(nil)
		c.failPending()
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = rawConn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(time.Second))
			rawConn.Close()
		case <-done:
		}
	}()

	return true, c.readLoop(rawConn)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}

		if msg.Type == TypeResponse {
			c.deliver(msg)
			continue
		}
		c.dispatch(msg)
	}
}

// dispatch forwards a pushed event. Malformed events are logged and dropped.
func (c *Client) dispatch(msg Message) {
	var err error
	switch msg.Type {
	case TypeAgentDiscovered:
		var a domain.Agent
		if err = json.Unmarshal(msg.Data, &a); err == nil && c.agentEvents != nil {
			c.agentEvents.AgentDiscovered(a)
		}
	case TypeAgentRemoved:
		var req AgentRequest
		if err = json.Unmarshal(msg.Data, &req); err == nil && c.agentEvents != nil {
			c.agentEvents.AgentRemoved(req.AgentID)
		}
	case TypeViolation:
		var v domain.Violation
		if err = json.Unmarshal(msg.Data, &v); err == nil && c.agentEvents != nil {
			c.agentEvents.Violation(v)
		}
	case TypeProcessDetected:
		var d domain.Detection
		if err = json.Unmarshal(msg.Data, &d); err == nil && c.agentEvents != nil {
			c.agentEvents.ProcessDetected(d)
		}
	case TypeAuthStateChanged:
		var ev AuthStateEvent
		if err = json.Unmarshal(msg.Data, &ev); err == nil && c.authEvents != nil {
			c.authEvents.StateChange(ev.ChildID, ev.State)
		}
	default:
		c.logger.Debug("ignoring hub message", zap.String("type", string(msg.Type)))
		return
	}
	if err != nil {
		c.logger.Warn("failed to decode hub event",
			zap.String("type", string(msg.Type)),
			zap.Error(err))
	}
}

func (c *Client) deliver(msg Message) {
	c.pendingMu.Lock()
	ch, ok := c.pending[msg.ID]
	delete(c.pending, msg.ID)
	c.pendingMu.Unlock()

	if !ok {
		c.logger.Debug("response for unknown request", zap.String("id", msg.ID))
		return
	}
	ch <- msg
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) activeConn() *safeConn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

func (c *Client) setActiveConn(conn *safeConn) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	c.conn = conn
}

// call sends a request and waits for its response. out may be nil.
func (c *Client) call(ctx context.Context, typ MessageType, req, out any) error {
	conn := c.activeConn()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", typ, err)
	}

	id := uuid.NewString()
	ch := make(chan Message, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := conn.WriteJSON(Message{Type: typ, ID: id, Data: data}); err != nil {
		return fmt.Errorf("failed to send %s request: %w", typ, err)
	}

	var timeout <-chan time.Time
	if c.opts.CallTimeout > 0 {
		timer := time.NewTimer(c.opts.CallTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ErrDisconnected
		}
		if resp.Error != "" {
			return remoteError(typ, req, resp)
		}
		if out == nil || len(resp.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", typ, err)
		}
		return nil
	case <-timeout:
		return fmt.Errorf("%s request timed out after %s", typ, c.opts.CallTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func remoteError(typ MessageType, req any, resp Message) error {
	if resp.Code == CodeNotFound {
		key := ""
		what := "agent"
		switch r := req.(type) {
		case AgentRequest:
			key = r.AgentID
		case UpdatePolicyRequest:
			what, key = "policy", r.AgentID
		case DeletePolicyRequest:
			what, key = "policy", r.ProcessName
		case CreatePolicyRequest:
			key = r.AgentID
		}
		return &domain.NotFoundError{What: what, Key: key}
	}
	return fmt.Errorf("hub rejected %s: %s", typ, resp.Error)
}

// ListAgents returns the agents known to the hub.
func (c *Client) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	var resp ListAgentsResponse
	if err := c.call(ctx, TypeListAgents, struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// GetAgent returns the live record of one agent.
func (c *Client) GetAgent(ctx context.Context, agentID string) (*domain.Agent, error) {
	var a domain.Agent
	if err := c.call(ctx, TypeGetAgent, AgentRequest{AgentID: agentID}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) CreatePolicy(ctx context.Context, agentID string, p domain.Policy) error {
	return c.call(ctx, TypeCreatePolicy, CreatePolicyRequest{AgentID: agentID, Policy: p}, nil)
}

func (c *Client) UpdatePolicy(ctx context.Context, agentID string, patch domain.PolicyPatch) error {
	return c.call(ctx, TypeUpdatePolicy, UpdatePolicyRequest{AgentID: agentID, Patch: patch}, nil)
}

func (c *Client) DeletePolicy(ctx context.Context, agentID, processName string) error {
	return c.call(ctx, TypeDeletePolicy, DeletePolicyRequest{AgentID: agentID, ProcessName: processName}, nil)
}

// CheckQuota asks the hub's authorization service to re-evaluate the
// subject linked to agentID. The decision arrives as an authStateChanged event.
func (c *Client) CheckQuota(ctx context.Context, agentID string) error {
	return c.call(ctx, TypeCheckQuota, AgentRequest{AgentID: agentID}, nil)
}

// Ensure Client implements the collaborator interfaces.
var _ domain.AgentService = (*Client)(nil)
var _ domain.QuotaChecker = (*Client)(nil)
