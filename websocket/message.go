package websocket

import (
	"math"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/culling"
	"github.com/aukilabs/tilestream/models"
	"github.com/segmentio/encoding/json"
)

// ErrTypeInvalidMsg is the type of the errors returned for messages that
// cannot be decoded.
const ErrTypeInvalidMsg = "invalid-msg"

// MsgType is the type of a viewer message.
type MsgType string

const (
	MsgTypePing         MsgType = "ping"
	MsgTypePong         MsgType = "pong"
	MsgTypeLoad         MsgType = "load"
	MsgTypeLoaded       MsgType = "loaded"
	MsgTypeCamera       MsgType = "camera"
	MsgTypeFrame        MsgType = "frame"
	MsgTypeTilesetReady MsgType = "tileset_ready"
	MsgTypeError        MsgType = "error"
)

// Error codes sent in error responses.
const (
	ErrorCodeBadRequest  = "bad_request"
	ErrorCodeNoTileset   = "no_tileset"
	ErrorCodeLoadFailed  = "load_failed"
	ErrorCodeUnsupported = "unsupported"
)

// Msg is a message exchanged with a viewer.
type Msg struct {
	Type      MsgType         `json:"type"`
	RequestID uint32          `json:"request_id,omitempty"`
	Time      time.Time       `json:"time"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMsg creates a message with the given payload. A nil payload creates a
// message without data.
func NewMsg(t MsgType, requestID uint32, data any) (Msg, error) {
	msg := Msg{
		Type:      t,
		RequestID: requestID,
		Time:      time.Now(),
	}
	if data == nil {
		return msg, nil
	}

	b, err := json.Marshal(data)
	if err != nil {
		return Msg{}, errors.New("encoding message data failed").
			WithType(ErrTypeInvalidMsg).
			WithTag("msg_type", t).
			Wrap(err)
	}
	msg.Data = b
	return msg, nil
}

// DataTo decodes the message payload into v.
func (m Msg) DataTo(v any) error {
	if len(m.Data) == 0 {
		return errors.New("message without data").
			WithType(ErrTypeInvalidMsg).
			WithTag("msg_type", m.Type)
	}

	if err := json.Unmarshal(m.Data, v); err != nil {
		return errors.New("decoding message data failed").
			WithType(ErrTypeInvalidMsg).
			WithTag("msg_type", m.Type).
			Wrap(err)
	}
	return nil
}

func (m Msg) TypeString() string {
	return string(m.Type)
}

// LoadRequest asks to load the tileset at the given uri.
type LoadRequest struct {
	URI string `json:"uri"`
}

// LoadResponse describes a loaded tileset.
type LoadResponse struct {
	TilesetID string `json:"tileset_id"`
	URI       string `json:"uri"`
	Tiles     int    `json:"tiles"`
}

// CameraUpdate is the camera of a viewer.
type CameraUpdate struct {
	Position  [3]float64 `json:"position"`
	Direction [3]float64 `json:"direction"`
	Up        [3]float64 `json:"up"`
	FovY      float64    `json:"fov_y"`
	Aspect    float64    `json:"aspect"`
	Near      float64    `json:"near"`
	Far       float64    `json:"far"`
	Height    float64    `json:"height"`
}

// Camera validates the update and returns its camera.
func (c CameraUpdate) Camera() (culling.Camera, error) {
	camera := culling.Camera{
		Position:  culling.NewVector(c.Position[:]),
		Direction: culling.NewVector(c.Direction[:]),
		Up:        culling.NewVector(c.Up[:]),
		FovY:      c.FovY,
		Aspect:    c.Aspect,
		Near:      c.Near,
		Far:       c.Far,
		Height:    c.Height,
	}

	var reason string
	switch {
	case camera.Direction.Norm() == 0:
		reason = "null direction"
	case camera.Up.Norm() == 0:
		reason = "null up vector"
	case c.FovY <= 0 || c.FovY >= math.Pi:
		reason = "field of view out of range"
	case c.Aspect <= 0:
		reason = "aspect must be positive"
	case c.Near <= 0 || c.Far <= c.Near:
		reason = "invalid clipping planes"
	case c.Height <= 0:
		reason = "viewport height must be positive"
	default:
		return camera, nil
	}

	return culling.Camera{}, errors.New("invalid camera").
		WithType(ErrTypeInvalidMsg).
		WithTag("reason", reason)
}

// FrameUpdate is the outcome of a frame sent to a viewer.
type FrameUpdate struct {
	Number        uint64            `json:"number"`
	Selected      []SelectedTile    `json:"selected"`
	NewlySelected []string          `json:"newly_selected,omitempty"`
	Evicted       []string          `json:"evicted,omitempty"`
	Errors        []TileError       `json:"errors,omitempty"`
	Stats         models.Statistics `json:"stats"`
}

// SelectedTile is a tile to render.
type SelectedTile struct {
	ID              string `json:"id"`
	URI             string `json:"uri"`
	Kind            string `json:"kind"`
	FinalResolution bool   `json:"final_resolution"`
	Bytes           int    `json:"bytes"`
}

// TileError is a failed tile load.
type TileError struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// TilesetReady reports that the tiles required by the viewer camera are all
// loaded.
type TilesetReady struct {
	TilesetID string `json:"tileset_id"`
}

// ErrorResponse reports a request that could not be served.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}
