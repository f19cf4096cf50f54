package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603

	// Application codes.
	ErrCodeUnknownChannel = 4040
	ErrCodeOverflowed     = 4290
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      any       `json:"id,omitempty"`
	Result  any       `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
	Method  string    `json:"method,omitempty"`
	Params  any       `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type channelParams struct {
	Channel string `json:"channel"`
	FromSeq int64  `json:"from_seq,omitempty"`
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex // serialises writes

	subMu sync.Mutex
	subs  map[string]*bus.Subscription
	wg    sync.WaitGroup
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket library.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &client{conn: conn, subs: map[string]*bus.Subscription{}}
	s.addClient(c)
	s.logger.Info("ws: client connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.removeClient(c)
		s.logger.Info("ws: client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var req rpcRequest
		// wsjson closes the connection itself on malformed JSON.
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				s.logger.Debug("ws: read error, closing", "error", err)
			}
			return
		}
		resp := s.handleRPC(ctx, c, req)
		if resp == nil {
			continue
		}
		if err := c.write(ctx, resp); err != nil {
			s.logger.Debug("ws: write response error", "method", req.Method, "error", err)
			return
		}
	}
}

func (s *Server) handleRPC(ctx context.Context, c *client, req rpcRequest) *rpcResponse {
	id, hasID := decodeID(req.ID)
	if req.JSONRPC != "2.0" || req.Method == "" {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: ErrCodeInvalidRequest, Message: "invalid request"}}
	}

	var (
		result any
		rpcErr *rpcError
	)
	switch req.Method {
	case "ping":
		result = "pong"

	case "subscribe":
		p, perr := channelArgs(req.Params)
		if perr != nil {
			rpcErr = perr
			break
		}
		result, rpcErr = s.wsSubscribe(ctx, c, p)

	case "unsubscribe":
		p, perr := channelArgs(req.Params)
		if perr != nil {
			rpcErr = perr
			break
		}
		result = map[string]any{"channel": p.Channel, "unsubscribed": s.wsUnsubscribe(c, p.Channel)}

	case "replay":
		p, perr := channelArgs(req.Params)
		if perr != nil {
			rpcErr = perr
			break
		}
		events, err := s.cfg.Hub.Replay(ctx, p.Channel, p.FromSeq)
		if err != nil {
			rpcErr = toRPCError(err)
			break
		}
		if events == nil {
			events = []bus.StreamEvent{}
		}
		result = map[string]any{"channel": p.Channel, "events": events}

	default:
		rpcErr = &rpcError{Code: ErrCodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	if !hasID {
		return nil
	}
	if rpcErr != nil {
		return &rpcResponse{JSONRPC: "2.0", ID: id, Error: rpcErr}
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func channelArgs(raw json.RawMessage) (channelParams, *rpcError) {
	var p channelParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return p, &rpcError{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
		}
	}
	if p.Channel == "" {
		return p, &rpcError{Code: ErrCodeInvalidParams, Message: "channel is required"}
	}
	return p, nil
}

// wsSubscribe attaches the client to a channel and starts forwarding its
// events as stream.event notifications. A second subscribe on the same
// channel replaces the first.
func (s *Server) wsSubscribe(ctx context.Context, c *client, p channelParams) (any, *rpcError) {
	s.wsUnsubscribe(c, p.Channel)
	sub, err := s.subscribe(ctx, p.Channel, p.FromSeq)
	if err != nil {
		return nil, toRPCError(err)
	}
	c.subMu.Lock()
	c.subs[p.Channel] = sub
	c.subMu.Unlock()

	c.wg.Add(1)
	go s.forward(ctx, c, sub)
	s.logger.Debug("ws: subscribed", "channel", p.Channel, "from_seq", p.FromSeq)
	return map[string]any{"channel": p.Channel, "subscribed": true}, nil
}

func (s *Server) wsUnsubscribe(c *client, channel string) bool {
	c.subMu.Lock()
	sub, ok := c.subs[channel]
	delete(c.subs, channel)
	c.subMu.Unlock()
	if ok {
		s.cfg.Hub.Unsubscribe(sub)
	}
	return ok
}

// forward pushes every event of sub to the client until the subscription
// closes or the connection ends.
func (s *Server) forward(ctx context.Context, c *client, sub *bus.Subscription) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Dropped() {
					c.subMu.Lock()
					if c.subs[sub.Channel()] == sub {
						delete(c.subs, sub.Channel())
					}
					c.subMu.Unlock()
					_ = c.write(ctx, rpcResponse{JSONRPC: "2.0", Method: "stream.dropped", Params: map[string]any{
						"channel": sub.Channel(),
						"code":    ErrCodeOverflowed,
					}})
				}
				return
			}
			if err := c.write(ctx, rpcResponse{JSONRPC: "2.0", Method: "stream.event", Params: ev}); err != nil {
				return
			}
		}
	}
}

func toRPCError(err error) *rpcError {
	if errors.Is(err, bus.ErrUnknownChannel) {
		return &rpcError{Code: ErrCodeUnknownChannel, Message: err.Error()}
	}
	return &rpcError{Code: ErrCodeInternal, Message: err.Error()}
}

func decodeID(raw json.RawMessage) (any, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, false
	}
	return generic, true
}

func (s *Server) addClient(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.subMu.Lock()
	subs := c.subs
	c.subs = map[string]*bus.Subscription{}
	c.subMu.Unlock()
	for _, sub := range subs {
		s.cfg.Hub.Unsubscribe(sub)
	}
	c.wg.Wait()

	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

func (c *client) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, payload)
}
