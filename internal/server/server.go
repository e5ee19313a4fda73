// Package server exposes the admin HTTP API: health, metrics, strategy
// lookup, group operations, sender key collection and distribution control.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ChuLiYu/groupmesh/internal/controller"
	"github.com/ChuLiYu/groupmesh/internal/distributor"
	"github.com/ChuLiYu/groupmesh/internal/encryption"
	"github.com/ChuLiYu/groupmesh/internal/history"
	"github.com/ChuLiYu/groupmesh/internal/metrics"
	"github.com/ChuLiYu/groupmesh/internal/transport/mesh"
	"github.com/ChuLiYu/groupmesh/pkg/types"
)

const (
	shutdownTimeout = 10 * time.Second
	maxKeyWait      = 30 * time.Second // long-poll bound for pushed sender keys
	defaultKeyPage  = 500
)

// Server is the admin HTTP server.
type Server struct {
	ctrl    *controller.Controller
	metrics *metrics.Collector
	hub     *mesh.Hub
	log     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics serves the collector on /metrics.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// WithHub mounts the mesh hub on /mesh/members and /mesh/relay.
func WithHub(h *mesh.Hub) Option {
	return func(s *Server) { s.hub = h }
}

// NewServer creates the admin server for ctrl.
func NewServer(ctrl *controller.Controller, opts ...Option) *Server {
	s := &Server{ctrl: ctrl, log: slog.With("component", "http")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the router for every endpoint.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	r.Get("/strategy/{count}", s.strategy)

	r.Route("/groups", func(r chi.Router) {
		r.Post("/", s.createGroup)
		r.Get("/{groupID}/encryption", s.groupEncryption)
		r.Post("/{groupID}/members", s.addMembers)
		r.Delete("/{groupID}/members/{memberID}", s.removeMember)
		r.Post("/{groupID}/members/{memberID}/sender-key", s.uploadSenderKey)
		r.Post("/{groupID}/rotate", s.rotateKeys)
		r.Get("/{groupID}/sender-keys", s.groupSenderKeys)
		r.Post("/{groupID}/messages", s.sendMessage)
		r.Get("/{groupID}/history", s.groupHistory)
	})

	r.Get("/members/{memberID}/sender-keys", s.memberSenderKeys)

	r.Route("/distributions", func(r chi.Router) {
		r.Get("/", s.listDistributions)
		r.Get("/{id}", s.getDistribution)
		r.Post("/{id}/cancel", s.cancelDistribution)
		r.Post("/{id}/retry", s.retryDistribution)
	})

	if s.hub != nil {
		r.Get("/mesh/members", s.hub.HandleMember)
		r.Get("/mesh/relay", s.hub.HandleRelay)
	}
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("admin API listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.GetStatus())
}

func (s *Server) strategy(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(chi.URLParam(r, "count"))
	if err != nil || n < 0 {
		badRequest(w, "count must be a non-negative integer")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recipients": n,
		"strategy":   distributor.GetOptimalDistributionStrategy(n),
	})
}

type createGroupRequest struct {
	GroupID   string   `json:"group_id"`
	CreatorID string   `json:"creator_id"`
	Members   []string `json:"members"`
}

func (s *Server) createGroup(w http.ResponseWriter, r *http.Request) {
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.GroupID == "" {
		badRequest(w, "Invalid request body")
		return
	}
	info, err := s.ctrl.CreateGroup(r.Context(), req.GroupID, req.CreatorID, req.Members)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *Server) groupEncryption(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	info, ok := s.ctrl.Encryption().GetGroupEncryptionInfo(groupID)
	if !ok {
		notFound(w, "group not initialized")
		return
	}
	status, err := s.ctrl.Encryption().CheckGroupHealth(r.Context(), groupID)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"info":   info,
		"status": status,
	})
}

type membersRequest struct {
	Members []string `json:"members"`
}

func (s *Server) addMembers(w http.ResponseWriter, r *http.Request) {
	var req membersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Members) == 0 {
		badRequest(w, "Invalid request body")
		return
	}
	res, err := s.ctrl.AddMembers(r.Context(), chi.URLParam(r, "groupID"), req.Members)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) removeMember(w http.ResponseWriter, r *http.Request) {
	info, err := s.ctrl.RemoveMembers(r.Context(), chi.URLParam(r, "groupID"), []string{chi.URLParam(r, "memberID")})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) rotateKeys(w http.ResponseWriter, r *http.Request) {
	// 空 body 表示輪替全部成員
	var req membersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(w, "Invalid request body")
		return
	}
	info, err := s.ctrl.RotateKeys(r.Context(), chi.URLParam(r, "groupID"), req.Members)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) uploadSenderKey(w http.ResponseWriter, r *http.Request) {
	var msg types.SenderKeyDistributionMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		badRequest(w, "Invalid request body")
		return
	}
	deviceID := msg.DeviceID
	if d := r.URL.Query().Get("device"); d != "" {
		n, err := strconv.ParseUint(d, 10, 32)
		if err != nil {
			badRequest(w, "device must be an unsigned integer")
			return
		}
		deviceID = uint32(n)
	}
	err := s.ctrl.UploadSenderKey(r.Context(), chi.URLParam(r, "groupID"), chi.URLParam(r, "memberID"), deviceID, msg)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stored"})
}

type senderKeysPage struct {
	Keys   []types.SenderKeyDistributionMessage `json:"keys"`
	Cursor uint64                               `json:"cursor"`
}

// groupSenderKeys pages the group's keys changed after ?since for ?member.
func (s *Server) groupSenderKeys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	member := q.Get("member")
	if member == "" {
		badRequest(w, "member is required")
		return
	}
	since, err := parseUint(q.Get("since"))
	if err != nil {
		badRequest(w, "since must be an unsigned integer")
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 {
		limit = defaultKeyPage
	}
	keys, cursor, err := s.ctrl.SenderKeys(r.Context(), chi.URLParam(r, "groupID"), member, since, limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, senderKeysPage{Keys: keys, Cursor: cursor})
}

// memberSenderKeys drains the keys pushed to a member. ?wait long-polls.
func (s *Server) memberSenderKeys(w http.ResponseWriter, r *http.Request) {
	var wait time.Duration
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			badRequest(w, "wait must be a duration")
			return
		}
		wait = min(d, maxKeyWait)
	}
	keys, err := s.ctrl.PendingSenderKeys(r.Context(), chi.URLParam(r, "memberID"), wait)
	if err != nil {
		s.fail(w, err)
		return
	}
	if keys == nil {
		keys = []types.SenderKeyDistributionMessage{}
	}
	writeJSON(w, http.StatusOK, keys)
}

func parseUint(v string) (uint64, error) {
	if v == "" {
		return 0, nil
	}
	return strconv.ParseUint(v, 10, 64)
}

type sendMessageRequest struct {
	SenderID string `json:"sender_id"`
	Content  string `json:"content"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SenderID == "" {
		badRequest(w, "Invalid request body")
		return
	}
	msg, res, err := s.ctrl.SendMessage(r.Context(), chi.URLParam(r, "groupID"), req.SenderID, req.Content)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":      msg,
		"distribution": res,
	})
}

func (s *Server) groupHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	before, _ := strconv.ParseInt(q.Get("before"), 10, 64)
	msgs, err := s.ctrl.History().GetGroupHistory(r.Context(), chi.URLParam(r, "groupID"), limit, offset, before)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) listDistributions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Distributor().ActiveDistributions())
}

func (s *Server) getDistribution(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d := s.ctrl.Distributor()
	if res, ok := d.Result(id); ok {
		writeJSON(w, http.StatusOK, res)
		return
	}
	if job, ok := d.Jobs().Get(id); ok {
		writeJSON(w, http.StatusOK, job)
		return
	}
	notFound(w, "unknown distribution")
}

func (s *Server) cancelDistribution(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Distributor().CancelDistribution(chi.URLParam(r, "id")); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) retryDistribution(w http.ResponseWriter, r *http.Request) {
	res, err := s.ctrl.Distributor().RetryFailedDeliveries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// fail maps domain errors to HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, encryption.ErrGroupNotInitialized),
		errors.Is(err, distributor.ErrUnknownDistribution),
		errors.Is(err, history.ErrChatNotFound):
		notFound(w, err.Error())
	case errors.Is(err, controller.ErrNotMember),
		errors.Is(err, controller.ErrNoMembers),
		errors.Is(err, distributor.ErrNoRecipients),
		errors.Is(err, encryption.ErrDistributionMismatch),
		errors.Is(err, encryption.ErrMalformedDistribution):
		badRequest(w, err.Error())
	case errors.Is(err, encryption.ErrMaxKeyRotations):
		writeError(w, http.StatusConflict, "ROTATION_LIMIT", err.Error())
	default:
		s.log.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}
