package decoder

import (
	"context"
	"encoding/binary"
	"math"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/culling"
	"github.com/aukilabs/tilestream/models"
	"github.com/golang/geo/r3"
)

// Point cloud attribute names.
const (
	AttributePosition          = "POSITION"
	AttributePositionQuantized = "POSITION_QUANTIZED"
	AttributeRGBA              = "RGBA"
	AttributeRGB               = "RGB"
	AttributeRGB565            = "RGB565"
	AttributeNormal            = "NORMAL"
	AttributeNormalOct16P      = "NORMAL_OCT16P"
	AttributeBatchID           = "BATCH_ID"
)

type binaryRef struct {
	ByteOffset    int    `json:"byteOffset"`
	ComponentType string `json:"componentType,omitempty"`
}

type pointCloudFeatureTable struct {
	PointsLength          int        `json:"POINTS_LENGTH"`
	RTCCenter             []float64  `json:"RTC_CENTER,omitempty"`
	QuantizedVolumeOffset []float64  `json:"QUANTIZED_VOLUME_OFFSET,omitempty"`
	QuantizedVolumeScale  []float64  `json:"QUANTIZED_VOLUME_SCALE,omitempty"`
	Position              *binaryRef `json:"POSITION,omitempty"`
	PositionQuantized     *binaryRef `json:"POSITION_QUANTIZED,omitempty"`
	RGBA                  *binaryRef `json:"RGBA,omitempty"`
	RGB                   *binaryRef `json:"RGB,omitempty"`
	RGB565                *binaryRef `json:"RGB565,omitempty"`
	Normal                *binaryRef `json:"NORMAL,omitempty"`
	NormalOct16P          *binaryRef `json:"NORMAL_OCT16P,omitempty"`
	BatchID               *binaryRef `json:"BATCH_ID,omitempty"`
}

// PointCloudDecoder decodes pnts contents.
type PointCloudDecoder struct{}

func (d PointCloudDecoder) Name() string {
	return "point-cloud"
}

func (d PointCloudDecoder) Formats() []string {
	return []string{FormatPointCloud}
}

func (d PointCloudDecoder) Decode(ctx context.Context, data []byte, opts Options) (models.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h, err := parseTileHeader(data, headerLength)
	if err != nil {
		return nil, decodeError("invalid point cloud header", opts, err)
	}
	if h.Magic != FormatPointCloud {
		return nil, decodeError("invalid point cloud magic", opts, nil)
	}

	var ft pointCloudFeatureTable
	table, err := parseFeatureTable(h.FeatureTableJSON, &ft)
	if err != nil {
		return nil, decodeError("invalid point cloud", opts, err)
	}
	if ft.PointsLength <= 0 {
		return nil, decodeError("point cloud without points", opts, nil)
	}
	if ft.Position == nil && ft.PositionQuantized == nil {
		return nil, decodeError("point cloud without positions", opts, nil)
	}

	attributes := make(map[string][]byte)
	for _, a := range []struct {
		name string
		ref  *binaryRef
		size int
	}{
		{name: AttributePosition, ref: ft.Position, size: 12},
		{name: AttributePositionQuantized, ref: ft.PositionQuantized, size: 6},
		{name: AttributeRGBA, ref: ft.RGBA, size: 4},
		{name: AttributeRGB, ref: ft.RGB, size: 3},
		{name: AttributeRGB565, ref: ft.RGB565, size: 2},
		{name: AttributeNormal, ref: ft.Normal, size: 12},
		{name: AttributeNormalOct16P, ref: ft.NormalOct16P, size: 2},
		{name: AttributeBatchID, ref: ft.BatchID, size: componentSize(ft.BatchID)},
	} {
		if a.ref == nil {
			continue
		}

		if ft.PointsLength > len(h.FeatureTableBinary)/a.size {
			return nil, decodeError("point cloud attribute exceeds the feature table", opts, nil)
		}

		b, err := attribute(h.FeatureTableBinary, a.ref, a.size*ft.PointsLength)
		if err != nil {
			return nil, decodeError("invalid point cloud attribute", opts, err)
		}
		attributes[a.name] = b
	}

	var rtcCenter r3.Vector
	if len(ft.RTCCenter) == 3 {
		rtcCenter = culling.NewVector(ft.RTCCenter)
	}

	return &models.PointCloudContent{
		PointsLength: ft.PointsLength,
		FeatureTable: table,
		Attributes:   attributes,
		RTCCenter:    ft.RTCCenter,
		Volume:       pointCloudVolume(ft, attributes, rtcCenter),
		Bytes:        len(data),
	}, nil
}

func attribute(data []byte, ref *binaryRef, length int) ([]byte, error) {
	if length < 0 || ref.ByteOffset < 0 || ref.ByteOffset > len(data)-length {
		return nil, errors.New("attribute exceeds the feature table").
			WithTag("byte_offset", ref.ByteOffset).
			WithTag("length", length).
			WithTag("feature_table_length", len(data))
	}
	return data[ref.ByteOffset : ref.ByteOffset+length], nil
}

func componentSize(ref *binaryRef) int {
	if ref == nil {
		return 0
	}

	switch ref.ComponentType {
	case "UNSIGNED_BYTE":
		return 1
	case "UNSIGNED_INT":
		return 4
	default:
		return 2
	}
}

// pointCloudVolume returns the sphere bounding the points. Quantized points
// are bounded by their quantized volume.
func pointCloudVolume(ft pointCloudFeatureTable, attributes map[string][]byte, rtcCenter r3.Vector) culling.Volume {
	if positions, ok := attributes[AttributePosition]; ok {
		return boundingSphere(positions, rtcCenter)
	}

	if len(ft.QuantizedVolumeOffset) != 3 || len(ft.QuantizedVolumeScale) != 3 {
		return nil
	}

	offset := culling.NewVector(ft.QuantizedVolumeOffset)
	scale := culling.NewVector(ft.QuantizedVolumeScale)
	return culling.Sphere{
		Center: rtcCenter.Add(offset).Add(scale.Mul(0.5)),
		Radius: scale.Norm() / 2,
	}
}

func boundingSphere(positions []byte, rtcCenter r3.Vector) culling.Volume {
	if len(positions) < 12 {
		return nil
	}

	lower := r3.Vector{X: math.Inf(1), Y: math.Inf(1), Z: math.Inf(1)}
	upper := r3.Vector{X: math.Inf(-1), Y: math.Inf(-1), Z: math.Inf(-1)}

	for i := 0; i+12 <= len(positions); i += 12 {
		p := r3.Vector{
			X: float64(math.Float32frombits(binary.LittleEndian.Uint32(positions[i:]))),
			Y: float64(math.Float32frombits(binary.LittleEndian.Uint32(positions[i+4:]))),
			Z: float64(math.Float32frombits(binary.LittleEndian.Uint32(positions[i+8:]))),
		}

		lower = r3.Vector{X: math.Min(lower.X, p.X), Y: math.Min(lower.Y, p.Y), Z: math.Min(lower.Z, p.Z)}
		upper = r3.Vector{X: math.Max(upper.X, p.X), Y: math.Max(upper.Y, p.Y), Z: math.Max(upper.Z, p.Z)}
	}

	return culling.Sphere{
		Center: rtcCenter.Add(lower.Add(upper).Mul(0.5)),
		Radius: upper.Sub(lower).Norm() / 2,
	}
}
