package websocket

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/aukilabs/tilestream/culling"
	"github.com/aukilabs/tilestream/featureflag"
	"github.com/aukilabs/tilestream/models"
	"github.com/aukilabs/tilestream/tileset"
	"github.com/aukilabs/tilestream/transport"
	"github.com/google/uuid"
	"golang.org/x/net/websocket"
)

// HeaderClientID is the header a viewer can use to identify itself.
const HeaderClientID = "X-Tilestream-Client-Id"

// ViewerHandler streams the tiles selected for the camera of a viewer. Each
// connection has its own tileset, loaded with a shared fetcher.
type ViewerHandler struct {
	// The tileset loaded when a viewer sends a camera without loading a
	// tileset first. Can be empty.
	DefaultTilesetURI string

	// The fetcher used to load tilesets and contents.
	Fetcher transport.Fetcher

	// The options of the loaded tilesets. Events are reserved to the handler.
	Options tileset.Options

	// The time a viewer is idle before being disconnected.
	ClientIdleTimeout time.Duration

	// The interval between each frame.
	ClientFrameInterval time.Duration

	conn      *websocket.Conn
	clientID  string
	sessionID string

	camera       *culling.Camera
	tileset      *tileset.Tileset
	respond      ResponseSender
	lastSelected int
}

func (h *ViewerHandler) HandleConnect(conn *websocket.Conn) {
	h.conn = conn
	h.sessionID = uuid.NewString()

	h.clientID = conn.Request().Header.Get(HeaderClientID)
	if h.clientID == "" {
		h.clientID = uuid.NewString()
	}
}

func (h *ViewerHandler) HandleDisconnect(err error) {
}

func (h *ViewerHandler) HandlePing(ctx context.Context, r ResponseSender, msg Msg) error {
	respond(r, MsgTypePong, msg.RequestID, nil)
	return nil
}

func (h *ViewerHandler) HandleLoad(ctx context.Context, r ResponseSender, msg Msg) error {
	var req LoadRequest
	if err := msg.DataTo(&req); err != nil || req.URI == "" {
		respondError(r, msg.RequestID, ErrorCodeBadRequest, "a tileset uri is required")
		return nil
	}

	if err := h.loadTileset(ctx, r, req.URI); err != nil {
		respondError(r, msg.RequestID, ErrorCodeLoadFailed, err.Error())
		return nil
	}

	respond(r, MsgTypeLoaded, msg.RequestID, LoadResponse{
		TilesetID: h.tileset.ID,
		URI:       h.tileset.URI,
		Tiles:     h.tileset.TileCount(),
	})
	return nil
}

func (h *ViewerHandler) HandleCamera(ctx context.Context, r ResponseSender, msg Msg) error {
	var update CameraUpdate
	if err := msg.DataTo(&update); err != nil {
		respondError(r, msg.RequestID, ErrorCodeBadRequest, err.Error())
		return nil
	}

	camera, err := update.Camera()
	if err != nil {
		respondError(r, msg.RequestID, ErrorCodeBadRequest, err.Error())
		return nil
	}
	h.camera = &camera

	if h.tileset != nil {
		return nil
	}

	if h.DefaultTilesetURI == "" {
		respondError(r, msg.RequestID, ErrorCodeNoTileset, "no tileset is loaded")
		return nil
	}

	if err := h.loadTileset(ctx, r, h.DefaultTilesetURI); err != nil {
		respondError(r, msg.RequestID, ErrorCodeLoadFailed, err.Error())
	}
	return nil
}

func (h *ViewerHandler) HandleFrame(ctx context.Context, r ResponseSender) error {
	if h.tileset == nil || h.camera == nil {
		return nil
	}
	h.respond = r

	fs := models.NewFrameState(0, *h.camera)
	frame, err := h.tileset.Update(ctx, &fs)
	if err != nil {
		return err
	}

	changed := len(frame.NewlySelected) != 0 ||
		len(frame.Evicted) != 0 ||
		len(frame.Errors) != 0 ||
		len(frame.Selected) != h.lastSelected
	if !changed {
		return nil
	}
	h.lastSelected = len(frame.Selected)

	respond(r, MsgTypeFrame, 0, h.frameUpdate(frame))
	return nil
}

func (h *ViewerHandler) Receiver() Receiver {
	return ConnReceiver(h.conn)
}

func (h *ViewerHandler) Sender() Sender {
	return ConnSender(h.conn)
}

func (h *ViewerHandler) Close() {
	if h.tileset != nil {
		h.tileset.Close()
		h.tileset = nil
	}
}

func (h *ViewerHandler) FrameInterval() time.Duration {
	return h.ClientFrameInterval
}

func (h *ViewerHandler) IdleTimeout() time.Duration {
	return h.ClientIdleTimeout
}

func (h *ViewerHandler) GetClientID() string {
	return h.clientID
}

func (h *ViewerHandler) GetSessionID() string {
	return h.sessionID
}

func (h *ViewerHandler) loadTileset(ctx context.Context, r ResponseSender, uri string) error {
	if h.Fetcher == nil {
		return errors.New("no fetcher configured")
	}

	opts := h.Options
	opts.Events = viewerEvents{handler: h}

	ts, err := tileset.Load(ctx, uri, h.Fetcher, opts)
	if err != nil {
		logs.Warn(errors.New("loading viewer tileset failed").
			WithTag("client_id", h.clientID).
			WithTag("session_id", h.sessionID).
			WithTag("uri", uri).
			Wrap(err))
		return err
	}

	h.Close()
	h.tileset = ts
	h.respond = r
	h.lastSelected = 0
	return nil
}

func (h *ViewerHandler) frameUpdate(frame tileset.Frame) FrameUpdate {
	update := FrameUpdate{
		Number:   frame.Number,
		Selected: make([]SelectedTile, 0, len(frame.Selected)),
		Stats:    frame.Stats,
	}

	for _, t := range frame.Selected {
		st := SelectedTile{
			ID:              t.ID,
			URI:             t.ContentURI,
			Kind:            t.Type.String(),
			FinalResolution: t.FinalResolution,
		}
		if t.Content != nil {
			st.Kind = t.Content.Kind().String()
			st.Bytes = t.Content.ByteLength()
		}
		update.Selected = append(update.Selected, st)
	}

	h.Options.FeatureFlags.IfNotSet(featureflag.FlagDisableSelectionEvents, func() {
		for _, t := range frame.NewlySelected {
			update.NewlySelected = append(update.NewlySelected, t.ID)
		}
	})

	for _, t := range frame.Evicted {
		update.Evicted = append(update.Evicted, t.ID)
	}

	for _, e := range frame.Errors {
		update.Errors = append(update.Errors, TileError{
			ID:      e.Tile.ID,
			Type:    errors.Type(e.Err),
			Message: e.Err.Error(),
		})
	}

	return update
}

type viewerEvents struct {
	tileset.NopEvents

	handler *ViewerHandler
}

func (e viewerEvents) OnTilesetReady(ts *tileset.Tileset) {
	if e.handler.respond == nil {
		return
	}

	respond(e.handler.respond, MsgTypeTilesetReady, 0, TilesetReady{
		TilesetID: ts.ID,
	})
}
