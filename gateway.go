package community

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
	_ "time/tzdata"

	"github.com/klipach/community/auth"
	"github.com/klipach/community/chat"
	"github.com/klipach/community/config"
	"github.com/klipach/community/contract"
	"github.com/klipach/community/group"
	"github.com/klipach/community/identity"
	"github.com/klipach/community/log"
	"github.com/klipach/community/relation"
	"github.com/klipach/community/session"
	"github.com/klipach/community/store"
)

const (
	timezoneParam     = "tz"
	keepAliveInterval = 25 * time.Second
	maxActionBytes    = 64 << 10
)

// Authenticator resolves the principal behind a request.
type Authenticator interface {
	Authenticate(r *http.Request) (contract.Principal, error)
}

type AuthenticatorFunc func(r *http.Request) (contract.Principal, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (contract.Principal, error) { return f(r) }

// Conn is a store connection owned by one session.
type Conn interface {
	store.Store
	Close(ctx context.Context) error
}

// Dialer opens a store connection for a new session.
type Dialer func(ctx context.Context) (Conn, error)

// Gateway serves client sessions over HTTP.
type Gateway struct {
	auth   Authenticator
	dial   Dialer
	cfg    *config.Config
	hub    *Hub
	opts   []session.Option
	logger *slog.Logger
}

func NewGateway(a Authenticator, dial Dialer, cfg *config.Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = log.Default()
	}
	return &Gateway{
		auth:   a,
		dial:   dial,
		cfg:    cfg,
		hub:    NewHub(),
		logger: logger,
		opts: []session.Option{
			session.WithLogger(logger),
			session.WithWindow(cfg.MessageWindow),
			session.WithReadyTimeout(cfg.ReadyTimeout),
			session.WithPresenceTTL(cfg.PresenceTTL),
		},
	}
}

func (g *Gateway) Hub() *Hub {
	return g.hub
}

// open authenticates r and starts a session for it. The returned func
// signs the session out and must be called once the client is gone.
func (g *Gateway) open(w http.ResponseWriter, r *http.Request) (*session.Session, string, func(), bool) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	principal, err := g.auth.Authenticate(r)
	if err != nil {
		logger.Error("error while authenticating", slog.String(log.ErrorMsgLogField, err.Error()))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil, "", nil, false
	}
	logger = logger.With(slog.String(log.UserIDLogField, principal.UID))

	opts := g.opts
	if tz := r.URL.Query().Get(timezoneParam); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			logger.Error("error while loading location", slog.String(log.ErrorMsgLogField, err.Error()))
		} else {
			opts = append(append([]session.Option(nil), opts...), session.WithLocation(loc))
		}
	}

	conn, err := g.dial(ctx)
	if err != nil {
		logger.Error("error while connecting to the store", slog.String(log.ErrorMsgLogField, err.Error()))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, "", nil, false
	}
	sess, err := session.Start(ctx, conn, principal, opts...)
	if err != nil {
		logger.Error("error while starting session", slog.String(log.ErrorMsgLogField, err.Error()))
		_ = conn.Close(context.WithoutCancel(ctx))
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil, "", nil, false
	}
	id := g.hub.Add(sess)
	logger.Info("session opened", slog.String(log.SessionIDLogField, id))

	closeFn := func() {
		g.hub.Remove(id)
		ctx := context.WithoutCancel(ctx)
		if err := sess.Close(ctx); err != nil && !errors.Is(err, session.ErrClosed) {
			logger.Error("error while closing session", slog.String(log.ErrorMsgLogField, err.Error()))
		}
		if err := conn.Close(ctx); err != nil {
			logger.Error("error while closing store connection", slog.String(log.ErrorMsgLogField, err.Error()))
		}
		logger.Info("session closed", slog.String(log.SessionIDLogField, id))
	}
	return sess, id, closeFn, true
}

// Stream opens a session and pushes the rendered view as server-sent
// events until the client goes away. The first frame carries the session id.
func (g *Gateway) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	if r.Method != http.MethodGet {
		logger.Error("invalid method: " + r.Method)
		http.Error(w, "Method Not Implemented", http.StatusNotImplemented)
		return
	}
	if !g.cfg.OriginAllowed(r.Header.Get("Origin")) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		logger.Error("streaming unsupported!")
		http.Error(w, "Streaming unsupported!", http.StatusInternalServerError)
		return
	}

	sess, id, closeFn, ok := g.open(w, r)
	if !ok {
		return
	}
	defer closeFn()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(f Frame) error {
		jsonData, err := json.Marshal(f)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	v := sess.View()
	if err := send(Frame{Session: id, View: &v}); err != nil {
		logger.Error("error while writing frame", slog.String(log.ErrorMsgLogField, err.Error()))
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-sess.Updates():
			v := sess.View()
			if err := send(Frame{View: &v}); err != nil {
				logger.Error("error while writing frame", slog.String(log.ErrorMsgLogField, err.Error()))
				return
			}
		}
	}
}

// Action runs one action on a session opened by Stream.
func (g *Gateway) Action(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	if r.Method != http.MethodPost {
		logger.Error("invalid method: " + r.Method)
		http.Error(w, "Method Not Implemented", http.StatusNotImplemented)
		return
	}
	principal, err := g.auth.Authenticate(r)
	if err != nil {
		logger.Error("error while authenticating", slog.String(log.ErrorMsgLogField, err.Error()))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	logger = logger.With(slog.String(log.UserIDLogField, principal.UID))

	var a contract.Action
	if err := json.NewDecoder(io.LimitReader(r.Body, maxActionBytes)).Decode(&a); err != nil {
		logger.Error("error while decoding request", slog.String(log.ErrorMsgLogField, err.Error()))
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	sess, ok := g.hub.Get(a.Session)
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if sess.Principal().UID != principal.UID {
		logger.Error("session belongs to another user", slog.String(log.SessionIDLogField, a.Session))
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	status, resp := dispatch(ctx, sess, a)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Error("error while writing response", slog.String(log.ErrorMsgLogField, err.Error()))
	}
}

func dispatch(ctx context.Context, sess *session.Session, a contract.Action) (int, contract.ActionResponse) {
	id, err := sess.Dispatch(ctx, a)
	if err != nil {
		status, code := errorStatus(err)
		return status, contract.ActionResponse{Error: err.Error(), Code: code}
	}
	return http.StatusOK, contract.ActionResponse{OK: true, ID: id}
}

// errorStatus maps an action failure to an HTTP status and a stable code.
func errorStatus(err error) (int, string) {
	var (
		authErr  *auth.Error
		writeErr *store.WriteError
	)
	switch {
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, authErr.Code
	case errors.Is(err, session.ErrClosed):
		return http.StatusGone, "closed"
	case errors.Is(err, session.ErrInvalidAction),
		errors.Is(err, store.ErrInvalidPath),
		errors.Is(err, group.ErrEmptyName),
		errors.Is(err, identity.ErrEmptyAvatar):
		return http.StatusBadRequest, "invalid"
	case errors.Is(err, contract.ErrNotConfirmed):
		return http.StatusConflict, "confirmation_required"
	case errors.Is(err, relation.ErrInvalidTransition),
		errors.Is(err, relation.ErrSelf):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, group.ErrNotCreator),
		errors.Is(err, group.ErrNotMember),
		errors.Is(err, group.ErrRemoveSelf):
		return http.StatusForbidden, "not_allowed"
	case errors.Is(err, chat.ErrNotAddressable),
		errors.Is(err, chat.ErrNoConversation):
		return http.StatusConflict, "not_addressable"
	case errors.As(err, &writeErr):
		return http.StatusBadGateway, "write_failed"
	}
	return http.StatusInternalServerError, "internal"
}
