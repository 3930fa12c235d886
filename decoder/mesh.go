package decoder

import (
	"context"

	"github.com/aukilabs/tilestream/models"
)

type batchedFeatureTable struct {
	BatchLength int       `json:"BATCH_LENGTH"`
	RTCCenter   []float64 `json:"RTC_CENTER,omitempty"`
}

type instancedFeatureTable struct {
	InstancesLength int `json:"INSTANCES_LENGTH"`
}

// MeshDecoder decodes batched models, instanced models and binary glTF
// contents. The glTF payload is validated and kept as is.
type MeshDecoder struct{}

func (d MeshDecoder) Name() string {
	return "mesh"
}

func (d MeshDecoder) Formats() []string {
	return []string{
		FormatBatchedModel,
		FormatInstancedModel,
		FormatGLB,
	}
}

func (d MeshDecoder) Decode(ctx context.Context, data []byte, opts Options) (models.Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	format, _ := Sniff(data)
	switch format {
	case FormatBatchedModel:
		return d.decodeBatched(data, opts)

	case FormatInstancedModel:
		return d.decodeInstanced(data, opts)

	case FormatGLB:
		if err := validateGLB(data); err != nil {
			return nil, decodeError("invalid glb", opts, err)
		}
		return &models.MeshContent{
			Format: FormatGLB,
			GLB:    data,
			Bytes:  len(data),
		}, nil

	default:
		return nil, decodeError("unknown mesh format", opts, nil)
	}
}

func (d MeshDecoder) decodeBatched(data []byte, opts Options) (models.Content, error) {
	h, err := parseTileHeader(data, headerLength)
	if err != nil {
		return nil, decodeError("invalid batched model header", opts, err)
	}

	var ft batchedFeatureTable
	table, err := parseFeatureTable(h.FeatureTableJSON, &ft)
	if err != nil {
		return nil, decodeError("invalid batched model", opts, err)
	}

	if err := validateGLB(h.Body); err != nil {
		return nil, decodeError("invalid batched model glb", opts, err)
	}

	return &models.MeshContent{
		Format:       FormatBatchedModel,
		BatchLength:  ft.BatchLength,
		FeatureTable: table,
		GLB:          h.Body,
		Bytes:        len(data),
	}, nil
}

func (d MeshDecoder) decodeInstanced(data []byte, opts Options) (models.Content, error) {
	h, err := parseTileHeader(data, instancedHeaderLength)
	if err != nil {
		return nil, decodeError("invalid instanced model header", opts, err)
	}

	var ft instancedFeatureTable
	table, err := parseFeatureTable(h.FeatureTableJSON, &ft)
	if err != nil {
		return nil, decodeError("invalid instanced model", opts, err)
	}
	if ft.InstancesLength <= 0 {
		return nil, decodeError("instanced model without instances", opts, nil)
	}

	// A glTF format of 0 means the body is the uri of an external glTF.
	if h.GLTFFormat == 0 {
		return nil, decodeError("instanced models referencing external glTF are not supported", opts, nil)
	}
	if err := validateGLB(h.Body); err != nil {
		return nil, decodeError("invalid instanced model glb", opts, err)
	}

	return &models.MeshContent{
		Format:       FormatInstancedModel,
		BatchLength:  ft.InstancesLength,
		FeatureTable: table,
		GLB:          h.Body,
		Bytes:        len(data),
	}, nil
}
