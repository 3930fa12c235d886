package websocket

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"golang.org/x/net/websocket"
)

// HandlerWithLogs decorates a handler with logs. A summary of the inbound
// messages and of the served frames is logged at the given interval.
func HandlerWithLogs(h Handler, summaryInterval time.Duration) Handler {
	ctx, cancel := context.WithCancel(context.Background())

	handler := &handlerWithLogs{
		Handler:            h,
		summaryInterval:    summaryInterval,
		closeSummaryWorker: cancel,
		counter:            make(map[string]int),
	}

	go handler.startSummaryWorker(ctx)
	return handler
}

type handlerWithLogs struct {
	Handler

	summaryInterval    time.Duration
	closeSummaryWorker func()
	counterMutex       sync.Mutex
	counter            map[string]int
	frames             int
}

func (h *handlerWithLogs) HandleConnect(conn *websocket.Conn) {
	h.Handler.HandleConnect(conn)

	req := conn.Request()

	logs.WithTag("client_id", h.GetClientID()).
		WithTag("session_id", h.GetSessionID()).
		WithTag("http_headers", struct {
			UserAgent     string `json:"user_agent,omitempty"`
			XForwardedFor string `json:"x_forwarded_for,omitempty"`
		}{
			UserAgent:     req.UserAgent(),
			XForwardedFor: req.Header.Get("X-Forwarded-For"),
		}).
		Info("new viewer is connected")
}

func (h *handlerWithLogs) HandleLoad(ctx context.Context, respond ResponseSender, msg Msg) error {
	var req LoadRequest
	msg.DataTo(&req)

	start := time.Now()
	if err := h.Handler.HandleLoad(ctx, respond, msg); err != nil {
		return err
	}

	logs.WithTag("client_id", h.GetClientID()).
		WithTag("session_id", h.GetSessionID()).
		WithTag("uri", req.URI).
		WithTag("duration", time.Since(start)).
		Info("viewer requested a tileset")
	return nil
}

func (h *handlerWithLogs) HandleDisconnect(err error) {
	h.Handler.HandleDisconnect(err)

	entry := logs.WithTag("client_id", h.GetClientID()).
		WithTag("session_id", h.GetSessionID())
	if err != nil {
		entry = entry.WithTag("reason", err.Error())
	}
	entry.Info("viewer disconnected")
}

func (h *handlerWithLogs) Receiver() Receiver {
	receive := h.Handler.Receiver()

	return func() (Msg, int, error) {
		msg, n, err := receive()
		if err != nil && !isClosedConnError(err) {
			logs.Warn(errors.New("receiving message failed").
				WithTag("client_id", h.GetClientID()).
				WithTag("session_id", h.GetSessionID()).
				Wrap(err))
		} else if err == nil {
			logs.WithTag("client_id", h.GetClientID()).
				WithTag("session_id", h.GetSessionID()).
				WithTag("msg_type", msg.TypeString()).
				Debug("message received")
			h.incCounter(msg.TypeString())
		}
		return msg, n, err
	}
}

func (h *handlerWithLogs) Sender() Sender {
	sender := h.Handler.Sender()

	return func(msg Msg) (int, error) {
		msgType := msg.TypeString()

		n, err := sender(msg)
		if err != nil && !isClosedConnError(err) {
			logs.Warn(errors.New("sending message failed").
				WithTag("client_id", h.GetClientID()).
				WithTag("session_id", h.GetSessionID()).
				WithTag("msg_type", msgType).
				Wrap(err))
		} else if err == nil {
			logs.WithTag("client_id", h.GetClientID()).
				WithTag("session_id", h.GetSessionID()).
				WithTag("msg_type", msgType).
				Debug("message sent")

			if msg.Type == MsgTypeFrame {
				h.countFrame()
			}
		}
		return n, err
	}
}

func (h *handlerWithLogs) Close() {
	h.Handler.Close()
	h.closeSummaryWorker()
	h.logSummary()
}

func (h *handlerWithLogs) startSummaryWorker(ctx context.Context) {
	ticker := time.NewTicker(h.summaryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			h.logSummary()
		}
	}
}

func (h *handlerWithLogs) incCounter(msgType string) {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	h.counter[msgType]++
}

func (h *handlerWithLogs) countFrame() {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	h.frames++
}

func (h *handlerWithLogs) logSummary() {
	h.counterMutex.Lock()
	defer h.counterMutex.Unlock()

	if len(h.counter) == 0 && h.frames == 0 {
		return
	}

	entry := logs.WithTag("client_id", h.GetClientID()).
		WithTag("session_id", h.GetSessionID()).
		WithTag("time_interval", h.summaryInterval).
		WithTag("frames_sent", h.frames)

	for k, v := range h.counter {
		entry = entry.WithTag(k, v)
		delete(h.counter, k)
	}
	h.frames = 0

	entry.Info("inbound message summary")
}

func isClosedConnError(err error) bool {
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, net.ErrClosed)
}
