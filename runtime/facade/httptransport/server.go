// Package httptransport exposes the Runtime Facade over HTTP using gin: a
// small REST surface for session/profile management plus a websocket
// endpoint for streaming SubscribeEvents, grounded on the teacher pack's
// gin router layout (kdlbs-kandev's api.SetupRoutes) and websocket control
// plane shape (haasonsaas-nexus's gateway package).
package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/acrylicshrimp/fathom/runtime/agent/profile"
	"github.com/acrylicshrimp/fathom/runtime/agent/toolregistry"
	"github.com/acrylicshrimp/fathom/runtime/agent/trigger"
	"github.com/acrylicshrimp/fathom/runtime/facade"

	"github.com/google/uuid"
)

// statusFor maps the facade/toolregistry error taxonomy (UnknownSession,
// UnknownProfile and PathEscape; any other error maps to Internal) onto a
// grpc status code. Malformed request bodies are answered with 400 by each
// handler directly and do not pass through here. The code space is the one
// the RPC surface's other
// transports (a future gRPC frontend) would use, so the taxonomy has one
// canonical encoding regardless of which wire transport serves it.
func statusFor(err error) *status.Status {
	switch {
	case errors.Is(err, facade.ErrUnknownSession), errors.Is(err, facade.ErrUnknownProfile), errors.Is(err, profile.ErrNotFound):
		return status.New(codes.NotFound, err.Error())
	case errors.Is(err, toolregistry.ErrPathEscape):
		return status.New(codes.InvalidArgument, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}

// httpStatusFor converts a grpc code into the HTTP status this REST surface
// replies with, following the same small set of mappings grpc-gateway uses
// for the codes this taxonomy actually produces.
func httpStatusFor(c codes.Code) int {
	switch c {
	case codes.NotFound:
		return http.StatusNotFound
	case codes.InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	st := statusFor(err)
	c.JSON(httpStatusFor(st.Code()), gin.H{"error": st.Message(), "code": st.Code().String()})
}

// Server wires a facade.Facade to gin HTTP routes and a websocket event
// stream.
type Server struct {
	facade   *facade.Facade
	router   *gin.Engine
	upgrader websocket.Upgrader
}

// New constructs a Server and registers its routes.
func New(f *facade.Facade) *Server {
	s := &Server{
		facade: f,
		router: gin.New(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.router.Use(gin.Recovery())
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to mount (or listen with directly).
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	v1 := s.router.Group("/v1")
	v1.POST("/sessions", s.createSession)
	v1.DELETE("/sessions/:sessionID", s.endSession)
	v1.POST("/sessions/:sessionID/triggers", s.enqueueTrigger)
	v1.GET("/sessions/:sessionID/events", s.subscribeEvents)

	v1.PUT("/profiles/agent/:id", s.upsertAgentProfile)
	v1.GET("/profiles/agent/:id", s.getAgentProfile)
	v1.PUT("/profiles/user/:id", s.upsertUserProfile)
	v1.GET("/profiles/user/:id", s.getUserProfile)
}

type createSessionRequest struct {
	SessionID string   `json:"session_id"`
	AgentID   string   `json:"agent_id"`
	UserIDs   []string `json:"user_ids,omitempty"`
}

func (s *Server) createSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	if err := s.facade.CreateSession(c.Request.Context(), req.SessionID, req.AgentID, req.UserIDs); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": req.SessionID})
}

func (s *Server) endSession(c *gin.Context) {
	if err := s.facade.EndSession(c.Request.Context(), c.Param("sessionID")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type enqueueTriggerRequest struct {
	Kind   string `json:"kind"`
	UserID string `json:"user_id,omitempty"`
	Text   string `json:"text,omitempty"`
	RuleID string `json:"rule_id,omitempty"`
	Which  string `json:"which,omitempty"`
}

func (s *Server) enqueueTrigger(c *gin.Context) {
	sessionID := c.Param("sessionID")
	var req enqueueTriggerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	var t trigger.Trigger
	switch req.Kind {
	case string(trigger.KindUserMessage):
		t = trigger.NewUserMessage(id, req.UserID, req.Text, now)
	case string(trigger.KindHeartbeat):
		t = trigger.NewHeartbeat(id, now)
	case string(trigger.KindCron):
		t = trigger.NewCron(id, req.RuleID, now)
	case string(trigger.KindRefreshProfile):
		t = trigger.NewRefreshProfile(id, trigger.RefreshWhich(req.Which), req.UserID, now)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported trigger kind: " + req.Kind})
		return
	}

	if err := s.facade.EnqueueTrigger(sessionID, t); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"trigger_id": id})
}

// subscribeEvents upgrades to a websocket and forwards every session event
// as a JSON frame until the client disconnects or the subscription lags.
func (s *Server) subscribeEvents(c *gin.Context) {
	sessionID := c.Param("sessionID")
	sub, err := s.facade.SubscribeEvents(sessionID, 0)
	if err != nil {
		writeError(c, err)
		return
	}
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-sub.Lagged():
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"events_expired"}`))
			return
		}
	}
}

type upsertAgentProfileRequest struct {
	Name          string            `json:"name"`
	ManagedFields map[string]string `json:"managed_fields"`
	Memory        string            `json:"memory"`
	SessionID     string            `json:"session_id,omitempty"`
}

func (s *Server) upsertAgentProfile(c *gin.Context) {
	id := c.Param("id")
	var req upsertAgentProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := profile.AgentProfile{ID: id, Name: req.Name, ManagedFields: req.ManagedFields, Memory: req.Memory}
	if err := s.facade.UpsertProfile(c.Request.Context(), req.SessionID, p); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getAgentProfile(c *gin.Context) {
	p, err := s.facade.GetAgentProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type upsertUserProfileRequest struct {
	Name          string            `json:"name"`
	ManagedFields map[string]string `json:"managed_fields"`
	Memory        string            `json:"memory"`
	Preferences   map[string]string `json:"preferences"`
	SessionID     string            `json:"session_id,omitempty"`
}

func (s *Server) upsertUserProfile(c *gin.Context) {
	id := c.Param("id")
	var req upsertUserProfileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	p := profile.UserProfile{ID: id, Name: req.Name, ManagedFields: req.ManagedFields, Memory: req.Memory, Preferences: req.Preferences}
	if err := s.facade.UpsertProfile(c.Request.Context(), req.SessionID, p); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getUserProfile(c *gin.Context) {
	p, err := s.facade.GetUserProfile(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}
