package responses

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wayflowcore/wayflow-go/pkg/conversation"
	"github.com/wayflowcore/wayflow-go/pkg/messages"
	"github.com/wayflowcore/wayflow-go/pkg/serving"
)

// Server exposes a set of components as models of an OpenAI
// Responses-compatible API.
type Server struct {
	components map[string]conversation.Component
	order      []string
	store      *serving.ConversationStore
	started    time.Time

	auth func(http.Handler) http.Handler

	// inflight guards cancellation: a response id maps to the cancel func
	// of its running execution.
	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	httpServer *http.Server
}

type ServerOption func(*Server)

// WithBearerToken guards every route with a static token, compared in
// constant time.
func WithBearerToken(token string) ServerOption {
	return func(s *Server) { s.auth = serving.BearerAuth(token) }
}

func NewServer(store *serving.ConversationStore, components []conversation.Component, opts ...ServerOption) *Server {
	s := &Server{
		components: make(map[string]conversation.Component, len(components)),
		store:      store,
		started:    time.Now(),
		inflight:   make(map[string]context.CancelFunc),
	}
	for _, c := range components {
		if _, dup := s.components[c.Name()]; !dup {
			s.order = append(s.order, c.Name())
		}
		s.components[c.Name()] = c
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the /v1 route tree plus the metrics scrape endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(serving.RequestLogger, serving.Metrics)
	if s.auth != nil {
		r.Use(s.auth)
	} else {
		serving.WarnNoAuth("responses")
	}
	r.Route("/v1", func(r chi.Router) {
		r.Get("/models", s.handleModels)
		r.Post("/responses", s.handleCreate)
		r.Get("/responses/{id}", s.handleGet)
		r.Delete("/responses/{id}", s.handleDelete)
		r.Post("/responses/{id}/cancel", s.handleCancel)
	})
	r.Handle("/metrics", serving.MetricsHandler())
	return r
}

// Start serves until Shutdown. Pass certFile and keyFile to serve TLS.
func (s *Server) Start(addr, certFile, keyFile string) error {
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
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	list := ModelList{Object: "list"}
	for _, name := range s.order {
		list.Data = append(list.Data, Model{
			ID:      name,
			Object:  "model",
			Created: s.started.Unix(),
			OwnedBy: "wayflow",
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateResponse
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}
	component, ok := s.components[req.Model]
	if !ok {
		writeError(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("model %q is not served", req.Model))
		return
	}

	conv, err := s.resolveConversation(r.Context(), component, req.PreviousResponseID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	responseID := "resp_" + uuid.NewString()
	response := &Response{
		ID:                 responseID,
		Object:             "response",
		CreatedAt:          time.Now().Unix(),
		Status:             StatusInProgress,
		Model:              req.Model,
		PreviousResponseID: req.PreviousResponseID,
	}

	if err := feedInput(conv, req.Input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	s.mu.Lock()
	s.inflight[responseID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, responseID)
		s.mu.Unlock()
	}()

	if req.Stream {
		s.streamResponse(ctx, w, component, conv, req, response)
		return
	}

	before := len(conv.Messages())
	status, execErr := conv.Execute(ctx)
	s.settle(response, conv, status, execErr, conv.Messages()[before:])
	s.persist(ctx, component, conv, req, response)
	writeJSON(w, http.StatusOK, response)
}

// streamResponse runs the executor on its own goroutine and forwards
// conversation events as sequence-numbered SSE frames.
func (s *Server) streamResponse(ctx context.Context, w http.ResponseWriter, component conversation.Component, conv *conversation.Conversation, req CreateResponse, response *Response) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	events := make(chan conversation.Event, 64)
	conv.AddListener(func(event conversation.Event) {
		select {
		case events <- event:
		default:
			// A slow client must not stall the executor.
		}
	})

	type outcome struct {
		status conversation.ExecutionStatus
		turn   []*messages.Message
		err    error
	}
	done := make(chan outcome, 1)
	before := len(conv.Messages())
	go func() {
		status, err := conv.Execute(ctx)
		done <- outcome{status: status, turn: conv.Messages()[before:], err: err}
		close(events)
	}()

	seq := 0
	emit := func(event StreamEvent) {
		event.SequenceNumber = seq
		seq++
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
		flusher.Flush()
	}

	emit(StreamEvent{Type: EventResponseCreated, Response: response})
	emit(StreamEvent{Type: EventResponseInProgress, Response: response})

	outputIndex := 0
	streamed := map[string]bool{}
	for event := range events {
		switch ev := event.(type) {
		case *conversation.StreamChunkEvent:
			switch ev.Chunk.Type {
			case messages.StartChunk:
				emit(StreamEvent{Type: EventOutputItemAdded, OutputIndex: outputIndex,
					Item: &OutputItem{Type: "message", Role: "assistant", Status: "in_progress"}})
			case messages.TextChunk:
				emit(StreamEvent{Type: EventOutputTextDelta, OutputIndex: outputIndex, Delta: ev.Chunk.Delta})
			case messages.EndChunk:
				text := ""
				if ev.Chunk.Message != nil {
					text = ev.Chunk.Message.TextValue()
					streamed[ev.Chunk.Message.ID] = true
				}
				emit(StreamEvent{Type: EventOutputTextDone, OutputIndex: outputIndex, Text: text})
				outputIndex++
			}
		case *conversation.MessageAppendedEvent:
			// A streamed message already produced its text_done frame.
			if streamed[ev.Message.ID] {
				continue
			}
			if item, ok := outputItemFor(ev.Message); ok {
				emit(StreamEvent{Type: EventOutputItemDone, OutputIndex: outputIndex, Item: &item})
				outputIndex++
			}
		}
	}

	result := <-done
	s.settle(response, conv, result.status, result.err, result.turn)
	s.persist(ctx, component, conv, req, response)

	terminal := EventResponseCompleted
	switch response.Status {
	case StatusFailed:
		terminal = EventResponseFailed
	case StatusIncomplete:
		terminal = EventResponseIncomplete
	}
	emit(StreamEvent{Type: terminal, Response: response})
}

// settle folds the executor outcome into the response object.
func (s *Server) settle(response *Response, conv *conversation.Conversation, status conversation.ExecutionStatus, err error, turn []*messages.Message) {
	for _, msg := range turn {
		if item, ok := outputItemFor(msg); ok {
			response.Output = append(response.Output, item)
		}
	}
	response.Usage = usageOf(conv.TokenUsage())

	switch st := status.(type) {
	case nil:
		response.Status = StatusFailed
		response.Error = &ResponseError{Code: "server_error", Message: errText(err)}
	case *conversation.FinishedStatus,
		*conversation.UserMessageRequestStatus,
		*conversation.ToolRequestStatus:
		response.Status = StatusCompleted
	case *conversation.ToolExecutionConfirmationStatus:
		response.Status = StatusIncomplete
		response.IncompleteDetails = &IncompleteDetails{Reason: "tool_confirmation_required"}
	case *conversation.InterruptedExecutionStatus:
		response.Status = StatusIncomplete
		response.IncompleteDetails = &IncompleteDetails{Reason: st.Reason}
	default:
		response.Status = StatusIncomplete
		response.IncompleteDetails = &IncompleteDetails{Reason: "suspended"}
	}
	if err != nil {
		response.Status = StatusFailed
		response.Error = &ResponseError{Code: "server_error", Message: err.Error()}
	}
}

func errText(err error) string {
	if err == nil {
		return "execution produced no status"
	}
	return err.Error()
}

func (s *Server) persist(ctx context.Context, component conversation.Component, conv *conversation.Conversation, req CreateResponse, response *Response) {
	if s.store == nil || (req.Store != nil && !*req.Store) {
		return
	}
	extra := map[string]any{"response": response}
	if err := s.store.SaveTurn(ctx, component.Name(), conv.ID, response.ID, conv, extra); err != nil {
		slog.Error("persisting response turn failed", "response", response.ID, "error", err)
	}
}

// resolveConversation continues the previous response's conversation or
// starts a fresh one.
func (s *Server) resolveConversation(ctx context.Context, component conversation.Component, previousResponseID string) (*conversation.Conversation, error) {
	if previousResponseID != "" && s.store != nil {
		conv, _, err := s.store.LoadTurn(ctx, previousResponseID)
		if err != nil {
			return nil, err
		}
		if conv == nil {
			return nil, fmt.Errorf("previous response %q not found", previousResponseID)
		}
		return conv, nil
	}
	return conversation.New(component, nil), nil
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	response, found, err := s.loadResponse(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("response %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	deleted, err := s.store.DeleteTurn(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("response %q not found", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "object": "response", "deleted": true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	cancel, running := s.inflight[id]
	s.mu.Unlock()
	if running {
		cancel()
	}

	response, found, err := s.loadResponse(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	if !found && !running {
		writeError(w, http.StatusNotFound, "invalid_request_error", fmt.Sprintf("response %q not found", id))
		return
	}
	if response == nil {
		response = &Response{ID: id, Object: "response", Status: StatusCancelled}
	} else if response.Status == StatusInProgress {
		response.Status = StatusCancelled
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *Server) loadResponse(ctx context.Context, id string) (*Response, bool, error) {
	if s.store == nil {
		return nil, false, nil
	}
	_, extra, err := s.store.LoadTurn(ctx, id)
	if err != nil {
		return nil, false, err
	}
	blob, ok := extra["response"]
	if !ok {
		return nil, false, nil
	}
	encoded, err := json.Marshal(blob)
	if err != nil {
		return nil, false, err
	}
	var response Response
	if err := json.Unmarshal(encoded, &response); err != nil {
		return nil, false, err
	}
	return &response, true, nil
}

// feedInput routes the request input into the conversation according to
// what it is waiting for.
func feedInput(conv *conversation.Conversation, input Input) error {
	if input.Items == nil {
		return feedText(conv, input.Text)
	}
	var results []messages.ToolResult
	for _, item := range input.Items {
		switch item.Type {
		case "function_call_output":
			results = append(results, messages.ToolResult{ToolRequestID: item.CallID, Content: item.Output})
		case "", "message":
			text, err := contentText(item.Content)
			if err != nil {
				return err
			}
			if err := feedText(conv, text); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unsupported input item type %q", item.Type)
		}
	}
	if len(results) > 0 {
		status, ok := conv.Status().(*conversation.ToolRequestStatus)
		if !ok {
			return fmt.Errorf("function_call_output submitted but no tool call is pending")
		}
		return status.SubmitToolResults(conv, results...)
	}
	return nil
}

func feedText(conv *conversation.Conversation, text string) error {
	if text == "" {
		return nil
	}
	if status, ok := conv.Status().(*conversation.UserMessageRequestStatus); ok {
		status.SubmitUserMessage(conv, text)
		return nil
	}
	conv.AppendMessage(messages.UserMessage(text))
	return nil
}

func contentText(content any) (string, error) {
	switch c := content.(type) {
	case nil:
		return "", nil
	case string:
		return c, nil
	case []any:
		text := ""
		for _, part := range c {
			m, ok := part.(map[string]any)
			if !ok {
				return "", fmt.Errorf("unsupported content part %T", part)
			}
			if t, ok := m["text"].(string); ok {
				text += t
			}
		}
		return text, nil
	default:
		return "", fmt.Errorf("unsupported content shape %T", content)
	}
}

// outputItemFor renders one history message as a response output item.
// Internal bookkeeping stays server-side.
func outputItemFor(msg *messages.Message) (OutputItem, bool) {
	switch msg.Type {
	case messages.TypeAgent:
		return OutputItem{
			ID:     msg.ID,
			Type:   "message",
			Role:   "assistant",
			Status: "completed",
			Content: []OutputText{{
				Type: "output_text",
				Text: msg.TextValue(),
			}},
		}, true
	case messages.TypeToolRequest:
		if len(msg.ToolRequests) == 0 {
			return OutputItem{}, false
		}
		req := msg.ToolRequests[0]
		args, err := json.Marshal(req.Args)
		if err != nil {
			args = []byte("{}")
		}
		return OutputItem{
			ID:        msg.ID,
			Type:      "function_call",
			Status:    "completed",
			Name:      req.Name,
			Arguments: string(args),
			CallID:    req.ToolRequestID,
		}, true
	}
	return OutputItem{}, false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	var envelope apiError
	envelope.Error.Message = message
	envelope.Error.Type = kind
	writeJSON(w, status, envelope)
}
