package community

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/klipach/community/contract"
	"github.com/klipach/community/log"
	"github.com/klipach/community/session"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Socket serves a session over a websocket. Actions arrive as JSON messages
// and their results are sent back as frames next to the view updates.
func (g *Gateway) Socket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := log.LoggerFromContext(ctx)

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return g.cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	if !upgrader.CheckOrigin(r) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	sess, id, closeFn, ok := g.open(w, r)
	if !ok {
		return
	}
	defer closeFn()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("error while upgrading connection", slog.String(log.ErrorMsgLogField, err.Error()))
		return
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	results := make(chan contract.ActionResponse)
	go g.readActions(ctx, cancel, ws, sess, id, results)

	write := func(f Frame) error {
		_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
		return ws.WriteJSON(f)
	}

	v := sess.View()
	if err := write(Frame{Session: id, View: &v}); err != nil {
		logger.Error("error while writing frame", slog.String(log.ErrorMsgLogField, err.Error()))
		return
	}

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		var err error
		select {
		case <-ctx.Done():
			return
		case <-sess.Done():
			return
		case <-ping.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			err = ws.WriteMessage(websocket.PingMessage, nil)
		case res := <-results:
			err = write(Frame{Result: &res})
		case <-sess.Updates():
			v := sess.View()
			err = write(Frame{View: &v})
		}
		if err != nil {
			logger.Error("error while writing frame", slog.String(log.ErrorMsgLogField, err.Error()))
			return
		}
	}
}

func (g *Gateway) readActions(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, sess *session.Session, id string, results chan<- contract.ActionResponse) {
	defer cancel()
	logger := log.LoggerFromContext(ctx)

	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var a contract.Action
		if err := ws.ReadJSON(&a); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				logger.Warn("error while reading action", slog.String(log.ErrorMsgLogField, err.Error()))
			}
			return
		}
		a.Session = id
		_, resp := dispatch(ctx, sess, a)
		select {
		case results <- resp:
		case <-ctx.Done():
			return
		}
	}
}
