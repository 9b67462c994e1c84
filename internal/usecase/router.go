package usecase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/steamwatch/internal/domain"
)

// Request names served by the Router.
const (
	RequestGetAgents       = "getAgents"
	RequestLinkAgent       = "linkAgent"
	RequestUnlinkAgent     = "unlinkAgent"
	RequestGetViolations   = "getViolations"
	RequestClearViolations = "clearViolations"
	RequestGetSettings     = "getSettings"
	RequestUpdateSettings  = "updateSettings"
	RequestGetStatus       = "getStatus"
)

// Response is the envelope every request returns.
type Response struct {
	OK     bool           `json:"ok"`
	Result any            `json:"result,omitempty"`
	Error  *ResponseError `json:"error,omitempty"`
}

// ResponseError carries the error kind and message.
type ResponseError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type route func(ctx context.Context, payload json.RawMessage) (any, error)

// Router dispatches named requests to Handlers.
type Router struct {
	routes map[string]route
	logger *zap.Logger
}

// NewRouter creates a router over h.
func NewRouter(h *Handlers, logger *zap.Logger) *Router {
	r := &Router{routes: make(map[string]route), logger: logger}

	r.routes[RequestGetAgents] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return h.GetAgents(ctx)
	}
	r.routes[RequestLinkAgent] = func(ctx context.Context, p json.RawMessage) (any, error) {
		var req LinkAgentRequest
		if err := decode(p, &req); err != nil {
			return nil, err
		}
		return h.LinkAgent(ctx, req)
	}
	r.routes[RequestUnlinkAgent] = func(ctx context.Context, p json.RawMessage) (any, error) {
		var req UnlinkAgentRequest
		if err := decode(p, &req); err != nil {
			return nil, err
		}
		return h.UnlinkAgent(ctx, req)
	}
	r.routes[RequestGetViolations] = func(ctx context.Context, p json.RawMessage) (any, error) {
		var req GetViolationsRequest
		if err := decode(p, &req); err != nil {
			return nil, err
		}
		return h.GetViolations(ctx, req)
	}
	r.routes[RequestClearViolations] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return h.ClearViolations(ctx)
	}
	r.routes[RequestGetSettings] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return h.GetSettings(ctx)
	}
	r.routes[RequestUpdateSettings] = func(ctx context.Context, p json.RawMessage) (any, error) {
		var req UpdateSettingsRequest
		if err := decode(p, &req); err != nil {
			return nil, err
		}
		return h.UpdateSettings(ctx, req)
	}
	r.routes[RequestGetStatus] = func(ctx context.Context, _ json.RawMessage) (any, error) {
		return h.GetStatus(ctx)
	}
	return r
}

// Handle runs the named request. It never returns a Go error and never
// panics; failures, including a panicking handler, are reported in the response.
func (r *Router) Handle(ctx context.Context, name string, payload json.RawMessage) (resp Response) {
	rt, ok := r.routes[name]
	if !ok {
		return failure(&domain.NotFoundError{What: "request", Key: name})
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("request handler panicked",
				zap.String("request", name),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			resp = failure(fmt.Errorf("request %s failed: internal error: %v", name, rec))
		}
	}()

	result, err := rt(ctx, payload)
	if err != nil {
		r.logger.Debug("request failed",
			zap.String("request", name),
			zap.Error(err))
		return failure(err)
	}
	return Response{OK: true, Result: result}
}

// Names lists the served request names.
func (r *Router) Names() []string {
	return sortedKeys(r.routes)
}

func failure(err error) Response {
	return Response{
		OK:    false,
		Error: &ResponseError{Kind: domain.ErrorKind(err), Message: err.Error()},
	}
}

// decode accepts an empty payload as the zero request.
func decode(payload json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return &domain.ValidationError{Field: "payload", Reason: err.Error()}
	}
	return nil
}
