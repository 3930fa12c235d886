package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/segmentio/encoding/json"
	"golang.org/x/net/websocket"
)

const (
	sendChanSize    = 512
	receiveChanSize = 64
)

// Receiver receives a message. It returns the number of bytes read.
type Receiver func() (Msg, int, error)

// Sender sends a message. It returns the number of bytes written.
type Sender func(Msg) (int, error)

// ResponseSender queues messages to send to the connected viewer.
type ResponseSender interface {
	Send(msg Msg)
}

// Handler represents a viewer connection handler.
type Handler interface {
	// Handles a viewer connection.
	HandleConnect(conn *websocket.Conn)

	// Handles a viewer disconnection.
	HandleDisconnect(error)

	// Handles a ping request.
	HandlePing(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a request to load a tileset.
	HandleLoad(ctx context.Context, respond ResponseSender, msg Msg) error

	// Handles a camera update.
	HandleCamera(ctx context.Context, respond ResponseSender, msg Msg) error

	// Runs a frame for the current camera and sends its outcome.
	HandleFrame(ctx context.Context, respond ResponseSender) error

	// Creates a message receiver used to receive incoming messages.
	Receiver() Receiver

	// Creates a message sender used to send outgoing messages.
	Sender() Sender

	// Closes the handler and releases its allocated resources.
	Close()

	// The interval between each frame.
	FrameInterval() time.Duration

	// The time a viewer is idle before being disconnected.
	IdleTimeout() time.Duration

	// The id of the connected client.
	GetClientID() string

	// The id of the connection session.
	GetSessionID() string
}

// Handle handles the given viewer connection until it is closed or the
// context is canceled.
func Handle(ctx context.Context, conn *websocket.Conn, h Handler) {
	handler := handler{
		Conn:    conn,
		Handler: h,
	}

	handler.Handle(ctx)
}

type handler struct {
	// The WebSocket connection.
	Conn *websocket.Conn

	// The viewer handler.
	Handler Handler

	sendChan       chan Msg
	receiveChan    chan Msg
	sender         Sender
	receiver       Receiver
	disconnectChan chan error
}

func (h *handler) Handle(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	h.Handler.HandleConnect(h.Conn)

	h.disconnectChan = make(chan error, 8)
	defer func() {
		for len(h.disconnectChan) != 0 {
			<-h.disconnectChan
		}
	}()

	var wg sync.WaitGroup

	h.sendChan = make(chan Msg, sendChanSize)
	h.sender = h.Handler.Sender()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startSending(ctx)
	}()

	h.receiveChan = make(chan Msg, receiveChanSize)
	h.receiver = h.Handler.Receiver()

	wg.Add(1)
	go func() {
		defer wg.Done()
		h.startReceiving(ctx)
	}()

	idleTimeout := h.Handler.IdleTimeout()
	idleTimer := time.NewTimer(idleTimeout)
	defer idleTimer.Stop()

	frameTicker := time.NewTicker(h.Handler.FrameInterval())
	defer frameTicker.Stop()

	responder := responseSender{
		send: h.send,
	}

	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			h.handleDisconnect(ctx.Err())

		case <-idleTimer.C:
			h.disconnect(errors.New("idle connection").WithTag("duration", idleTimeout))

		case <-frameTicker.C:
			if err := h.Handler.HandleFrame(ctx, responder); err != nil {
				h.disconnect(errors.New("handling frame failed").Wrap(err))
			}

		case msg := <-h.receiveChan:
			idleTimer.Stop()
			idleTimer.Reset(idleTimeout)

			if err := h.handleMessage(ctx, msg, responder); err != nil {
				h.disconnect(errors.New("handling message failed").Wrap(err))
			}

		case err := <-h.disconnectChan:
			h.handleDisconnect(err)
			if ctx.Err() == nil {
				// cancel context so go routines can cleanly exit
				cancel()
			}
		}
	}

	wg.Wait()
}

func (h *handler) send(msg Msg) {
	select {
	case h.sendChan <- msg:
	default:
		logs.WithTag("client_id", h.Handler.GetClientID()).
			WithTag("msg_type", msg.Type).
			Debug("send queue is full, dropping message")
	}
}

func (h *handler) startSending(ctx context.Context) {
	defer func() {
		for len(h.sendChan) != 0 {
			<-h.sendChan
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-h.sendChan:
			if _, err := h.sender(msg); err != nil {
				h.disconnect(errors.New("sending message failed").Wrap(err))
				return
			}
		}
	}
}

func (h *handler) startReceiving(ctx context.Context) {
	for {
		msg, _, err := h.receiver()
		if err != nil {
			h.disconnect(errors.New("receiving message failed").Wrap(err))
			return
		}

		select {
		case <-ctx.Done():
			return

		case h.receiveChan <- msg:
		}
	}
}

func (h *handler) handleMessage(ctx context.Context, msg Msg, responder ResponseSender) error {
	switch msg.Type {
	case MsgTypePing:
		return h.Handler.HandlePing(ctx, responder, msg)

	case MsgTypeLoad:
		return h.Handler.HandleLoad(ctx, responder, msg)

	case MsgTypeCamera:
		return h.Handler.HandleCamera(ctx, responder, msg)

	default:
		respondError(responder, msg.RequestID, ErrorCodeUnsupported, "unsupported message type: "+msg.TypeString())
		return nil
	}
}

func (h *handler) disconnect(err error) {
	select {
	case h.disconnectChan <- err:
	default:
	}
}

func (h *handler) handleDisconnect(err error) {
	h.Conn.Close()
	h.Handler.HandleDisconnect(err)
}

type responseSender struct {
	send func(Msg)
}

func (r responseSender) Send(msg Msg) {
	r.send(msg)
}

// ConnReceiver returns a receiver that reads JSON messages from the given
// connection.
func ConnReceiver(conn *websocket.Conn) Receiver {
	return func() (Msg, int, error) {
		var data []byte
		if err := websocket.Message.Receive(conn, &data); err != nil {
			return Msg{}, 0, err
		}

		var msg Msg
		if err := json.Unmarshal(data, &msg); err != nil {
			return Msg{}, len(data), errors.New("decoding message failed").
				WithType(ErrTypeInvalidMsg).
				Wrap(err)
		}
		return msg, len(data), nil
	}
}

// ConnSender returns a sender that writes JSON messages as text frames on the
// given connection.
func ConnSender(conn *websocket.Conn) Sender {
	return func(msg Msg) (int, error) {
		data, err := json.Marshal(msg)
		if err != nil {
			return 0, errors.New("encoding message failed").
				WithType(ErrTypeInvalidMsg).
				WithTag("msg_type", msg.Type).
				Wrap(err)
		}

		if err := websocket.Message.Send(conn, string(data)); err != nil {
			return 0, err
		}
		return len(data), nil
	}
}

func respond(r ResponseSender, t MsgType, requestID uint32, data any) {
	msg, err := NewMsg(t, requestID, data)
	if err != nil {
		logs.Warn(err)
		return
	}
	r.Send(msg)
}

func respondError(r ResponseSender, requestID uint32, code, message string) {
	respond(r, MsgTypeError, requestID, ErrorResponse{
		Code:    code,
		Message: message,
	})
}
