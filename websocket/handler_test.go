package websocket

import (
	"context"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/decoder"
	"github.com/aukilabs/tilestream/models"
	"github.com/aukilabs/tilestream/tileset"
	"github.com/aukilabs/tilestream/transport"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

const testManifest = `{
	"asset": {"version": "1.0"},
	"geometricError": 100,
	"root": {
		"boundingVolume": {"sphere": [0, 0, -100, 50]},
		"geometricError": 10,
		"refine": "REPLACE",
		"content": {"uri": "root.b3dm"},
		"children": [
			{"boundingVolume": {"sphere": [-20, -20, -100, 20]}, "geometricError": 0, "content": {"uri": "child0.b3dm"}},
			{"boundingVolume": {"sphere": [-20, 20, -100, 20]}, "geometricError": 0, "content": {"uri": "child1.b3dm"}},
			{"boundingVolume": {"sphere": [20, -20, -100, 20]}, "geometricError": 0, "content": {"uri": "child2.b3dm"}},
			{"boundingVolume": {"sphere": [20, 20, -100, 20]}, "geometricError": 0, "content": {"uri": "child3.b3dm"}}
		]
	}
}`

var testFiles = map[string]string{
	"tileset.json": testManifest,
	"root.b3dm":    "root",
	"child0.b3dm":  "child0",
	"child1.b3dm":  "child1",
	"child2.b3dm":  "child2",
	"child3.b3dm":  "child3",
}

var testFetcher = transport.Func(func(ctx context.Context, uri string) ([]byte, error) {
	data, ok := testFiles[uri]
	if !ok {
		return nil, errors.New("not found").
			WithType(models.ErrTypeTransport).
			WithTag("uri", uri)
	}
	return []byte(data), nil
})

type testDecoder struct{}

func (testDecoder) Decode(ctx context.Context, data []byte, opts decoder.Options) (models.Content, error) {
	return &models.MeshContent{
		Format: decoder.FormatBatchedModel,
		Bytes:  len(data),
	}, nil
}

var testCamera = CameraUpdate{
	Direction: [3]float64{0, 0, -1},
	Up:        [3]float64{0, 1, 0},
	FovY:      math.Pi / 3,
	Aspect:    1,
	Near:      1,
	Far:       10000,
	Height:    1000,
}

func newTestHandler(defaultTileset string, idleTimeout time.Duration) func() Handler {
	return func() Handler {
		opts := tileset.DefaultOptions()
		opts.Decoder = testDecoder{}

		var h Handler = &ViewerHandler{
			DefaultTilesetURI:   defaultTileset,
			Fetcher:             testFetcher,
			Options:             opts,
			ClientIdleTimeout:   idleTimeout,
			ClientFrameInterval: time.Millisecond * 10,
		}

		h = HandlerWithLogs(h, time.Millisecond*100)
		h = HandlerWithMetrics(h, "https://auki-test.com")
		return h
	}
}

func sendMsg(t *testing.T, conn *websocket.Conn, msgType MsgType, requestID uint32, data any) {
	msg, err := NewMsg(msgType, requestID, data)
	require.NoError(t, err)

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	err = websocket.Message.Send(conn, string(b))
	require.NoError(t, err)
}

// receiveMsg returns the first received message of the given type for which
// accept returns true.
func receiveMsg(t *testing.T, conn *websocket.Conn, msgType MsgType, accept func(Msg) bool) Msg {
	deadline := time.Now().Add(time.Second * 5)
	conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		var data []byte
		err := websocket.Message.Receive(conn, &data)
		require.NoError(t, err)

		var msg Msg
		err = json.Unmarshal(data, &msg)
		require.NoError(t, err)

		if msg.Type != msgType {
			continue
		}
		if accept == nil || accept(msg) {
			return msg
		}
	}
}

func receiveError(t *testing.T, conn *websocket.Conn, requestID uint32) ErrorResponse {
	msg := receiveMsg(t, conn, MsgTypeError, func(msg Msg) bool {
		return msg.RequestID == requestID
	})

	var res ErrorResponse
	err := msg.DataTo(&res)
	require.NoError(t, err)
	return res
}

func TestHandlerHandlePing(t *testing.T) {
	conn, close := NewTestingEnv(t, newTestHandler("", time.Minute))
	defer close()

	sendMsg(t, conn, MsgTypePing, 1, nil)

	msg := receiveMsg(t, conn, MsgTypePong, nil)
	require.Equal(t, uint32(1), msg.RequestID)
	require.NotZero(t, msg.Time)
}

func TestHandlerUnsupportedMsg(t *testing.T) {
	conn, close := NewTestingEnv(t, newTestHandler("", time.Minute))
	defer close()

	sendMsg(t, conn, MsgType("teleport"), 2, nil)

	res := receiveError(t, conn, 2)
	require.Equal(t, ErrorCodeUnsupported, res.Code)
	require.Contains(t, res.Message, "teleport")
}

func TestHandlerHandleLoad(t *testing.T) {
	t.Run("load a tileset", func(t *testing.T) {
		conn, close := NewTestingEnv(t, newTestHandler("", time.Minute))
		defer close()

		sendMsg(t, conn, MsgTypeLoad, 1, LoadRequest{URI: "tileset.json"})

		msg := receiveMsg(t, conn, MsgTypeLoaded, nil)
		require.Equal(t, uint32(1), msg.RequestID)

		var res LoadResponse
		err := msg.DataTo(&res)
		require.NoError(t, err)
		require.NotEmpty(t, res.TilesetID)
		require.Equal(t, "tileset.json", res.URI)
		require.Equal(t, 5, res.Tiles)
	})

	t.Run("load without uri", func(t *testing.T) {
		conn, close := NewTestingEnv(t, newTestHandler("", time.Minute))
		defer close()

		sendMsg(t, conn, MsgTypeLoad, 3, LoadRequest{})

		res := receiveError(t, conn, 3)
		require.Equal(t, ErrorCodeBadRequest, res.Code)
	})

	t.Run("load a missing tileset", func(t *testing.T) {
		conn, close := NewTestingEnv(t, newTestHandler("", time.Minute))
		defer close()

		sendMsg(t, conn, MsgTypeLoad, 4, LoadRequest{URI: "missing.json"})

		res := receiveError(t, conn, 4)
		require.Equal(t, ErrorCodeLoadFailed, res.Code)
	})
}

func TestHandlerHandleCamera(t *testing.T) {
	t.Run("camera without tileset", func(t *testing.T) {
		conn, close := NewTestingEnv(t, newTestHandler("", time.Minute))
		defer close()

		sendMsg(t, conn, MsgTypeCamera, 1, testCamera)

		res := receiveError(t, conn, 1)
		require.Equal(t, ErrorCodeNoTileset, res.Code)
	})

	t.Run("invalid camera", func(t *testing.T) {
		conn, close := NewTestingEnv(t, newTestHandler("tileset.json", time.Minute))
		defer close()

		camera := testCamera
		camera.Direction = [3]float64{}
		sendMsg(t, conn, MsgTypeCamera, 2, camera)

		res := receiveError(t, conn, 2)
		require.Equal(t, ErrorCodeBadRequest, res.Code)
	})

	t.Run("camera with default tileset", func(t *testing.T) {
		conn, close := NewTestingEnv(t, newTestHandler("tileset.json", time.Minute))
		defer close()

		sendMsg(t, conn, MsgTypeCamera, 3, testCamera)

		conn.SetReadDeadline(time.Now().Add(time.Second * 5))
		defer conn.SetReadDeadline(time.Time{})

		var update FrameUpdate
		var ready TilesetReady
		for len(update.Selected) != 4 || ready.TilesetID == "" {
			var data []byte
			err := websocket.Message.Receive(conn, &data)
			require.NoError(t, err)

			var msg Msg
			err = json.Unmarshal(data, &msg)
			require.NoError(t, err)

			switch msg.Type {
			case MsgTypeFrame:
				update = FrameUpdate{}
				err = msg.DataTo(&update)
			case MsgTypeTilesetReady:
				err = msg.DataTo(&ready)
			}
			require.NoError(t, err)
		}

		for _, tile := range update.Selected {
			require.True(t, strings.HasPrefix(tile.ID, "child"))
			require.True(t, tile.FinalResolution)
			require.Equal(t, len(strings.TrimSuffix(tile.ID, ".b3dm")), tile.Bytes)
		}
	})
}

func TestHandlerLoadThenCamera(t *testing.T) {
	conn, close := NewTestingEnv(t, newTestHandler("", time.Minute))
	defer close()

	sendMsg(t, conn, MsgTypeLoad, 1, LoadRequest{URI: "tileset.json"})
	receiveMsg(t, conn, MsgTypeLoaded, nil)

	sendMsg(t, conn, MsgTypeCamera, 2, testCamera)

	msg := receiveMsg(t, conn, MsgTypeFrame, nil)

	var update FrameUpdate
	err := msg.DataTo(&update)
	require.NoError(t, err)
	require.NotZero(t, update.Number)
	require.NotZero(t, update.Stats.Visited)
}

func TestHandlerIdleTimeout(t *testing.T) {
	conn, close := NewTestingEnv(t, newTestHandler("", time.Millisecond*50))
	defer close()

	conn.SetReadDeadline(time.Now().Add(time.Second * 5))

	var data []byte
	err := websocket.Message.Receive(conn, &data)
	require.Error(t, err)
}
