package decoder

import (
	"context"
	"encoding/binary"
	"math"
	"sync/atomic"
	"testing"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/culling"
	"github.com/aukilabs/tilestream/models"
	"github.com/aukilabs/tilestream/workerpool"
	"github.com/golang/geo/r3"
	"github.com/stretchr/testify/require"
)

func encodeTile(magic string, headerLen int, featureTableJSON string, featureTableBinary, body []byte) []byte {
	for len(featureTableJSON)%8 != 0 {
		featureTableJSON += " "
	}

	data := make([]byte, headerLen)
	copy(data, magic)
	binary.LittleEndian.PutUint32(data[4:], 1)
	binary.LittleEndian.PutUint32(data[12:], uint32(len(featureTableJSON)))
	binary.LittleEndian.PutUint32(data[16:], uint32(len(featureTableBinary)))
	if headerLen == instancedHeaderLength {
		binary.LittleEndian.PutUint32(data[28:], 1)
	}

	data = append(data, featureTableJSON...)
	data = append(data, featureTableBinary...)
	data = append(data, body...)
	binary.LittleEndian.PutUint32(data[8:], uint32(len(data)))
	return data
}

func encodeGLB(payload string) []byte {
	data := make([]byte, glbHeaderLength)
	copy(data, "glTF")
	binary.LittleEndian.PutUint32(data[4:], 2)
	data = append(data, payload...)
	binary.LittleEndian.PutUint32(data[8:], uint32(len(data)))
	return data
}

func encodePositions(points ...r3.Vector) []byte {
	var data []byte
	for _, p := range points {
		for _, v := range []float64{p.X, p.Y, p.Z} {
			data = binary.LittleEndian.AppendUint32(data, math.Float32bits(float32(v)))
		}
	}
	return data
}

func TestSniff(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		format string
		ok     bool
	}{
		{name: "point cloud", data: []byte("pnts...."), format: FormatPointCloud, ok: true},
		{name: "batched model", data: []byte("b3dm...."), format: FormatBatchedModel, ok: true},
		{name: "instanced model", data: []byte("i3dm...."), format: FormatInstancedModel, ok: true},
		{name: "glb", data: []byte("glTF...."), format: FormatGLB, ok: true},
		{name: "json", data: []byte("\n  {\"asset\":{}}"), format: FormatExternalTileset, ok: true},
		{name: "unknown", data: []byte("cmpt...."), ok: false},
		{name: "empty", data: nil, ok: false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			format, ok := Sniff(test.data)
			require.Equal(t, test.ok, ok)
			require.Equal(t, test.format, format)
		})
	}
}

func TestPointCloudDecoder(t *testing.T) {
	positions := encodePositions(
		r3.Vector{X: -1, Y: -2, Z: -3},
		r3.Vector{X: 1, Y: 2, Z: 3},
	)
	colors := []byte{255, 0, 0, 0, 255, 0}
	featureTableBinary := append(append([]byte{}, positions...), colors...)

	t.Run("decodes attributes", func(t *testing.T) {
		data := encodeTile("pnts", headerLength,
			`{"POINTS_LENGTH":2,"RTC_CENTER":[10,0,0],"POSITION":{"byteOffset":0},"RGB":{"byteOffset":24}}`,
			featureTableBinary, nil)

		content, err := PointCloudDecoder{}.Decode(context.Background(), data, Options{URI: "a.pnts"})
		require.NoError(t, err)

		pc, ok := content.(*models.PointCloudContent)
		require.True(t, ok)
		require.Equal(t, 2, pc.PointsLength)
		require.Equal(t, positions, pc.Attributes[AttributePosition])
		require.Equal(t, colors, pc.Attributes[AttributeRGB])
		require.Equal(t, []float64{10, 0, 0}, pc.RTCCenter)
		require.Equal(t, len(data), pc.ByteLength())

		sphere, ok := pc.BoundingVolume().(culling.Sphere)
		require.True(t, ok)
		require.True(t, culling.VectorEqualWithEpsilon(r3.Vector{X: 10}, sphere.Center, culling.Epsilon7))
		require.InDelta(t, math.Sqrt(14), sphere.Radius, 1e-6)
	})

	t.Run("attribute out of bounds", func(t *testing.T) {
		data := encodeTile("pnts", headerLength,
			`{"POINTS_LENGTH":3,"POSITION":{"byteOffset":0}}`,
			featureTableBinary, nil)

		_, err := PointCloudDecoder{}.Decode(context.Background(), data, Options{URI: "a.pnts"})
		require.Error(t, err)
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})

	t.Run("points length overflowing the attribute size", func(t *testing.T) {
		data := encodeTile("pnts", headerLength,
			`{"POINTS_LENGTH":768614336404564651,"POSITION":{"byteOffset":0}}`,
			featureTableBinary, nil)

		_, err := PointCloudDecoder{}.Decode(context.Background(), data, Options{URI: "a.pnts"})
		require.Error(t, err)
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})

	t.Run("byte offset overflowing the feature table", func(t *testing.T) {
		data := encodeTile("pnts", headerLength,
			`{"POINTS_LENGTH":1,"POSITION":{"byteOffset":9223372036854775800}}`,
			featureTableBinary, nil)

		_, err := PointCloudDecoder{}.Decode(context.Background(), data, Options{URI: "a.pnts"})
		require.Error(t, err)
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})

	t.Run("missing positions", func(t *testing.T) {
		data := encodeTile("pnts", headerLength, `{"POINTS_LENGTH":2}`, nil, nil)

		_, err := PointCloudDecoder{}.Decode(context.Background(), data, Options{})
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := PointCloudDecoder{}.Decode(context.Background(), []byte("pnts"), Options{})
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})

	t.Run("byte length exceeding the data", func(t *testing.T) {
		data := encodeTile("pnts", headerLength, `{"POINTS_LENGTH":2}`, nil, nil)
		binary.LittleEndian.PutUint32(data[8:], uint32(len(data)+10))

		_, err := PointCloudDecoder{}.Decode(context.Background(), data, Options{})
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})
}

func TestMeshDecoder(t *testing.T) {
	glb := encodeGLB("mesh")

	t.Run("batched model", func(t *testing.T) {
		data := encodeTile("b3dm", headerLength, `{"BATCH_LENGTH":4}`, nil, glb)

		content, err := MeshDecoder{}.Decode(context.Background(), data, Options{})
		require.NoError(t, err)

		mesh, ok := content.(*models.MeshContent)
		require.True(t, ok)
		require.Equal(t, FormatBatchedModel, mesh.Format)
		require.Equal(t, 4, mesh.BatchLength)
		require.Equal(t, glb, mesh.GLB)
		require.Equal(t, float64(4), mesh.FeatureTable["BATCH_LENGTH"])
	})

	t.Run("instanced model", func(t *testing.T) {
		data := encodeTile("i3dm", instancedHeaderLength, `{"INSTANCES_LENGTH":2}`, nil, glb)

		content, err := MeshDecoder{}.Decode(context.Background(), data, Options{})
		require.NoError(t, err)
		require.Equal(t, 2, content.(*models.MeshContent).BatchLength)
	})

	t.Run("binary gltf", func(t *testing.T) {
		content, err := MeshDecoder{}.Decode(context.Background(), glb, Options{})
		require.NoError(t, err)
		require.Equal(t, FormatGLB, content.(*models.MeshContent).Format)
		require.True(t, models.Renderable(content))
	})

	t.Run("invalid glb", func(t *testing.T) {
		data := encodeTile("b3dm", headerLength, `{"BATCH_LENGTH":4}`, nil, []byte("not a glb payload"))

		_, err := MeshDecoder{}.Decode(context.Background(), data, Options{})
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})

	t.Run("invalid feature table", func(t *testing.T) {
		data := encodeTile("b3dm", headerLength, `{"BATCH_LENGTH":`, nil, glb)

		_, err := MeshDecoder{}.Decode(context.Background(), data, Options{})
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})
}

func TestExternalTilesetDecoder(t *testing.T) {
	t.Run("decodes manifest", func(t *testing.T) {
		data := []byte(`{"asset":{"version":"1.0"},"geometricError":70,"root":{"geometricError":10,"refine":"add","boundingVolume":{"sphere":[0,0,0,10]},"content":{"uri":"a.b3dm"}}}`)

		content, err := ExternalTilesetDecoder{}.Decode(context.Background(), data, Options{URI: "http://host/sub/tileset.json"})
		require.NoError(t, err)

		ext, ok := content.(*models.ExternalTilesetContent)
		require.True(t, ok)
		require.Equal(t, "1.0", ext.Manifest.Asset.Version)
		require.Equal(t, "a.b3dm", ext.Manifest.Root.Content.Locator())
		require.Equal(t, "http://host/sub/tileset.json", ext.BasePath)
		require.False(t, models.Renderable(content))
	})

	t.Run("missing root", func(t *testing.T) {
		_, err := ExternalTilesetDecoder{}.Decode(context.Background(), []byte(`{"asset":{}}`), Options{})
		require.True(t, errors.IsType(err, models.ErrTypeManifest))
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := ExternalTilesetDecoder{}.Decode(context.Background(), []byte(`{"asset":`), Options{})
		require.True(t, errors.IsType(err, models.ErrTypeManifest))
	})
}

type countingDecoder struct {
	calls int64
}

func (d *countingDecoder) Name() string      { return "counting" }
func (d *countingDecoder) Formats() []string { return []string{FormatGLB} }

func (d *countingDecoder) Decode(ctx context.Context, data []byte, opts Options) (models.Content, error) {
	atomic.AddInt64(&d.calls, 1)
	return &models.MeshContent{Bytes: len(data)}, nil
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(workerpool.Options{MaxConcurrency: 2, ReuseWorkers: true})
	defer r.Close()

	t.Run("dispatches by magic", func(t *testing.T) {
		content, err := r.Decode(context.Background(), encodeGLB("mesh"), Options{URI: "a.b3dm"})
		require.NoError(t, err)
		require.Equal(t, models.ContentKindMesh, content.Kind())
		require.Contains(t, r.Stats(), MeshDecoder{}.Name())
	})

	t.Run("dispatches by uri when the data has no signature", func(t *testing.T) {
		_, err := r.Decode(context.Background(), []byte("garbage"), Options{URI: "a.pnts"})
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
		require.Contains(t, r.Stats(), PointCloudDecoder{}.Name())
	})

	t.Run("oversized point cloud is a decode error", func(t *testing.T) {
		data := encodeTile("pnts", headerLength,
			`{"POINTS_LENGTH":768614336404564651,"POSITION":{"byteOffset":0}}`,
			encodePositions(r3.Vector{X: 1}), nil)

		_, err := r.Decode(context.Background(), data, Options{URI: "a.pnts"})
		require.Error(t, err)
		require.True(t, errors.IsType(err, models.ErrTypeDecode))
	})

	t.Run("registered decoders replace defaults", func(t *testing.T) {
		d := &countingDecoder{}
		r.Register(d)

		_, err := r.Decode(context.Background(), encodeGLB("mesh"), Options{})
		require.NoError(t, err)
		require.Equal(t, int64(1), atomic.LoadInt64(&d.calls))
	})

	t.Run("closed registry", func(t *testing.T) {
		r.Close()
		_, err := r.Decode(context.Background(), encodeGLB("mesh"), Options{})
		require.True(t, errors.IsType(err, workerpool.ErrTypePoolDestroyed))
	})
}
