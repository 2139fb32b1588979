package a2a

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/serving"
	"github.com/wayflowcore/wayflow-go/version"
)

// Server exposes one component over the A2A JSON-RPC protocol.
type Server struct {
	manager *Manager
	card    AgentCard

	cardOnce   sync.Once
	cardCached []byte

	auth func(http.Handler) http.Handler

	httpServer *http.Server
}

type ServerOption func(*Server)

// WithBearerToken guards every route with a static token, compared in
// constant time.
func WithBearerToken(token string) ServerOption {
	return func(s *Server) { s.auth = serving.BearerAuth(token) }
}

// WithAgentCard overrides the generated agent card.
func WithAgentCard(card AgentCard) ServerOption {
	return func(s *Server) { s.card = card }
}

func NewServer(component conversation.Component, store *serving.ConversationStore, baseURL string, opts ...ServerOption) *Server {
	s := &Server{
		manager: NewManager(component, store, 4),
		card: AgentCard{
			Name:            component.Name(),
			Description:     component.Description(),
			URL:             baseURL,
			Version:         version.Version,
			ProtocolVersion: "0.3.0",
			Skills: []AgentSkill{{
				ID:          component.Name(),
				Name:        component.Name(),
				Description: component.Description(),
			}},
			DefaultInputModes:  []string{"text/plain"},
			DefaultOutputModes: []string{"text/plain"},
			Capabilities:       AgentCapabilities{},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the route tree: the JSON-RPC endpoint on POST /, the
// agent card, and the metrics scrape endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(serving.RequestLogger, serving.Metrics)
	if s.auth != nil {
		r.Use(s.auth)
	} else {
		serving.WarnNoAuth("a2a")
	}
	r.Post("/", s.handleRPC)
	r.Get("/.well-known/agent-card.json", s.handleAgentCard)
	r.Handle("/metrics", serving.MetricsHandler())
	return r
}

// Start serves until Shutdown. Pass certFile and keyFile to serve TLS.
func (s *Server) Start(addr, certFile, keyFile string) error {
	s.manager.Start()
	s.httpServer = &http.Server{Addr: addr, Handler: s.Handler()}
	var err error
	if certFile != "" || keyFile != "" {
		err = s.httpServer.ListenAndServeTLS(certFile, keyFile)
	} else {
		err = s.httpServer.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.manager.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Manager exposes the task manager, mostly for tests driving the protocol
// without HTTP.
func (s *Server) Manager() *Manager { return s.manager }

func (s *Server) handleAgentCard(w http.ResponseWriter, _ *http.Request) {
	s.cardOnce.Do(func() {
		s.cardCached, _ = json.Marshal(s.card)
	})
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(s.cardCached)
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeRPC(w, Response{JSONRPC: "2.0", Error: &RPCError{Code: CodeParseError, Message: "invalid JSON"}})
		return
	}
	if req.JSONRPC != "2.0" {
		writeRPC(w, Response{JSONRPC: "2.0", ID: req.ID, Error: &RPCError{Code: CodeInvalidRequest, Message: "jsonrpc must be \"2.0\""}})
		return
	}

	var result any
	var rpcErr *RPCError
	switch req.Method {
	case "message/send":
		var params MessageSendParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			rpcErr = &RPCError{Code: CodeInvalidParams, Message: err.Error()}
			break
		}
		result, rpcErr = s.manager.Send(params)
	case "tasks/get":
		var params TaskQueryParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			rpcErr = &RPCError{Code: CodeInvalidParams, Message: err.Error()}
			break
		}
		result, rpcErr = s.manager.Get(params)
	case "tasks/cancel":
		var params TaskQueryParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			rpcErr = &RPCError{Code: CodeInvalidParams, Message: err.Error()}
			break
		}
		result, rpcErr = s.manager.Cancel(params)
	case "message/stream", "tasks/resubscribe",
		"tasks/pushNotificationConfig/set", "tasks/pushNotificationConfig/get":
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method %q is not implemented", req.Method)}
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("unknown method %q", req.Method)}
	}

	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	writeRPC(w, resp)
}

func writeRPC(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
