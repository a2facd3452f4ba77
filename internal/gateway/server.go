// Package gateway exposes the REST surface over the router, registry and
// conversation store.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/numroute/numroute/internal/convstore"
	"github.com/numroute/numroute/internal/registry"
	"github.com/numroute/numroute/internal/router"
)

// Server is the HTTP API server.
type Server struct {
	registry *registry.Registry
	conv     *convstore.Store
	router   *router.Router
	addr     string
	httpSrv  *http.Server
}

// New creates a gateway server.
func New(addr string, reg *registry.Registry, conv *convstore.Store, rt *router.Router) *Server {
	return &Server{
		registry: reg,
		conv:     conv,
		router:   rt,
		addr:     addr,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /route/message", s.handleRouteMessage)
	mux.HandleFunc("GET /route/stats", s.handleRouteStats)
	mux.HandleFunc("GET /route/validate", s.handleRouteValidate)

	mux.HandleFunc("GET /config/agents", s.handleListAgents)
	mux.HandleFunc("POST /config/agents", s.handleAddAgent)
	mux.HandleFunc("DELETE /config/agents/{id}", s.handleRemoveAgent)
	mux.HandleFunc("GET /config/channels", s.handleListChannels)
	mux.HandleFunc("POST /config/channels", s.handleAddChannel)
	mux.HandleFunc("DELETE /config/channels/{id}", s.handleRemoveChannel)
	mux.HandleFunc("GET /config/mappings", s.handleListMappings)
	mux.HandleFunc("POST /config/mappings", s.handleAddMapping)
	mux.HandleFunc("DELETE /config/mappings/{id}", s.handleRemoveMapping)
	mux.HandleFunc("GET /config/validate", s.handleValidateConfig)
	mux.HandleFunc("GET /config/stats", s.handleConfigStats)

	mux.HandleFunc("GET /conversation/{id}", s.handleGetConversation)
	mux.HandleFunc("POST /conversation/{id}", s.handlePostConversation)
	mux.HandleFunc("GET /conversations", s.handleListConversations)
	mux.HandleFunc("GET /conversations/stats", s.handleConversationStats)

	mux.HandleFunc("GET /store/overview", s.handleStoreOverview)

	return mux
}

// Start runs the server until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{Addr: s.addr, Handler: s.Handler()}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("gateway: listening", "addr", s.addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// mutationStatus maps registry error kinds to HTTP statuses.
func mutationStatus(err error) int {
	switch registry.KindOf(err) {
	case registry.KindValidation:
		return http.StatusBadRequest
	case registry.KindConflict:
		return http.StatusConflict
	case registry.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// ---------------------------------------------------------------------------
// Routing
// ---------------------------------------------------------------------------

type routeMessageRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
}

func (s *Server) handleRouteMessage(w http.ResponseWriter, r *http.Request) {
	var req routeMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.From == "" || req.To == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "from, to and message are required")
		return
	}
	result := s.router.ProcessMessage(r.Context(), req.From, req.To, req.Message, req.ConversationID)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, result)
}

func (s *Server) handleRouteStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.RoutingStats())
}

func (s *Server) handleRouteValidate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.router.ValidateRoutingConfig())
}

// ---------------------------------------------------------------------------
// Registry CRUD
// ---------------------------------------------------------------------------

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ListAgents())
}

func (s *Server) handleAddAgent(w http.ResponseWriter, r *http.Request) {
	var a registry.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.AddAgent(a); err != nil {
		writeError(w, mutationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "agent_id": a.AgentID})
}

func (s *Server) handleRemoveAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RemoveAgent(r.PathValue("id")); err != nil {
		writeError(w, mutationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	var active *bool
	if v := r.URL.Query().Get("active"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid active filter")
			return
		}
		active = &b
	}
	writeJSON(w, http.StatusOK, s.registry.ListChannels(r.URL.Query().Get("type"), active))
}

func (s *Server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	var c registry.Channel
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.AddChannel(c); err != nil {
		writeError(w, mutationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "channel_id": c.ChannelID})
}

func (s *Server) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RemoveChannel(r.PathValue("id")); err != nil {
		writeError(w, mutationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		writeJSON(w, http.StatusOK, s.registry.MappingsByAgent(agentID))
		return
	}
	if channelID := r.URL.Query().Get("channel_id"); channelID != "" {
		writeJSON(w, http.StatusOK, s.registry.MappingsByChannel(channelID))
		return
	}
	writeError(w, http.StatusBadRequest, "agent_id or channel_id filter is required")
}

func (s *Server) handleAddMapping(w http.ResponseWriter, r *http.Request) {
	var m registry.Mapping
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.registry.AddMapping(m); err != nil {
		writeError(w, mutationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "mapping_id": m.MappingID})
}

func (s *Server) handleRemoveMapping(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.RemoveMapping(r.PathValue("id")); err != nil {
		writeError(w, mutationStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleValidateConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.ValidateConfiguration())
}

func (s *Server) handleConfigStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetStats())
}

// ---------------------------------------------------------------------------
// Conversations
// ---------------------------------------------------------------------------

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone query parameter is required")
		return
	}
	conv, err := s.conv.Get(phone, r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if conv == nil {
		writeJSON(w, http.StatusOK, []convstore.Message{})
		return
	}
	writeJSON(w, http.StatusOK, conv.Messages)
}

type conversationMessageRequest struct {
	From    string          `json:"from"`
	Message string          `json:"message"`
	Media   json.RawMessage `json:"media,omitempty"`
}

// handlePostConversation drives a message through the router inside an
// explicitly named conversation and returns the newly appended messages.
func (s *Server) handlePostConversation(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone query parameter is required")
		return
	}
	var req conversationMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.From == "" {
		writeError(w, http.StatusBadRequest, "from is required")
		return
	}
	if len(req.Media) > 0 {
		// Media resolution (download, transcription) lives on the queue
		// path; this endpoint only accepts text.
		writeError(w, http.StatusBadRequest, "media is not supported on this endpoint; send media through the inbound queue")
		return
	}

	conversationID := r.PathValue("id")
	before := 0
	if conv, err := s.conv.Get(phone, conversationID); err == nil && conv != nil {
		before = len(conv.Messages)
	}

	result := s.router.ProcessMessage(r.Context(), req.From, phone, req.Message, conversationID)
	if !result.Success {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}

	conv, err := s.conv.Get(phone, conversationID)
	if err != nil || conv == nil {
		writeError(w, http.StatusInternalServerError, "conversation not found after processing")
		return
	}
	writeJSON(w, http.StatusOK, conv.Messages[before:])
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone query parameter is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	convs, err := s.conv.List(phone, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, convs)
}

func (s *Server) handleConversationStats(w http.ResponseWriter, r *http.Request) {
	phone := r.URL.Query().Get("phone")
	if phone == "" {
		writeError(w, http.StatusBadRequest, "phone query parameter is required")
		return
	}
	stats, err := s.conv.StatsForPhone(phone)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleStoreOverview(w http.ResponseWriter, r *http.Request) {
	overview, err := s.conv.Overview()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, overview)
}
