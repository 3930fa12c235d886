package decoder

import (
	"encoding/binary"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/segmentio/encoding/json"
)

const (
	headerLength          = 28
	instancedHeaderLength = 32
	glbHeaderLength       = 12
)

// tileHeader is the header shared by the binary tile formats: a magic, a
// version, the total length and the lengths of the feature and batch tables.
// Instanced models add the glTF format.
type tileHeader struct {
	Magic      string
	Version    uint32
	ByteLength uint32
	GLTFFormat uint32

	FeatureTableJSON   []byte
	FeatureTableBinary []byte
	BatchTableJSON     []byte
	BatchTableBinary   []byte

	// The bytes following the tables, the glTF payload for models.
	Body []byte
}

func parseTileHeader(data []byte, length int) (tileHeader, error) {
	if len(data) < length {
		return tileHeader{}, errors.New("content is shorter than its header").
			WithTag("length", len(data)).
			WithTag("header_length", length)
	}

	h := tileHeader{
		Magic:      string(data[:4]),
		Version:    binary.LittleEndian.Uint32(data[4:8]),
		ByteLength: binary.LittleEndian.Uint32(data[8:12]),
	}
	if h.Version != 1 {
		return tileHeader{}, errors.New("unsupported tile format version").
			WithTag("magic", h.Magic).
			WithTag("version", h.Version)
	}
	if int(h.ByteLength) > len(data) || int(h.ByteLength) < length {
		return tileHeader{}, errors.New("invalid tile byte length").
			WithTag("byte_length", h.ByteLength).
			WithTag("length", len(data))
	}
	data = data[:h.ByteLength]

	sections := make([]int, 4)
	for i := range sections {
		offset := 12 + i*4
		sections[i] = int(binary.LittleEndian.Uint32(data[offset : offset+4]))
	}
	if length == instancedHeaderLength {
		h.GLTFFormat = binary.LittleEndian.Uint32(data[28:32])
	}

	offset := length
	next := func(n int) ([]byte, error) {
		if n < 0 || offset+n > len(data) {
			return nil, errors.New("tile section exceeds the tile length").
				WithTag("offset", offset).
				WithTag("section_length", n).
				WithTag("byte_length", len(data))
		}

		b := data[offset : offset+n]
		offset += n
		return b, nil
	}

	var err error
	if h.FeatureTableJSON, err = next(sections[0]); err != nil {
		return tileHeader{}, err
	}
	if h.FeatureTableBinary, err = next(sections[1]); err != nil {
		return tileHeader{}, err
	}
	if h.BatchTableJSON, err = next(sections[2]); err != nil {
		return tileHeader{}, err
	}
	if h.BatchTableBinary, err = next(sections[3]); err != nil {
		return tileHeader{}, err
	}

	h.Body = data[offset:]
	return h, nil
}

// parseFeatureTable decodes a feature table header into v and returns its
// generic representation.
func parseFeatureTable(data []byte, v any) (map[string]any, error) {
	table := make(map[string]any)

	data = trimPadding(data)
	if len(data) == 0 {
		return table, nil
	}

	if err := json.Unmarshal(data, &table); err != nil {
		return nil, errors.New("invalid feature table").Wrap(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return nil, errors.New("invalid feature table").Wrap(err)
	}
	return table, nil
}

// validateGLB checks the header of a binary glTF payload.
func validateGLB(data []byte) error {
	if len(data) < glbHeaderLength {
		return errors.New("glb payload is shorter than its header").
			WithTag("length", len(data))
	}
	if string(data[:4]) != "glTF" {
		return errors.New("invalid glb magic").
			WithTag("magic", string(data[:4]))
	}

	if length := binary.LittleEndian.Uint32(data[8:12]); int(length) > len(data) {
		return errors.New("glb length exceeds the payload").
			WithTag("glb_length", length).
			WithTag("length", len(data))
	}
	return nil
}

// trimPadding removes the trailing spaces and zeros used to align JSON
// sections.
func trimPadding(data []byte) []byte {
	for len(data) != 0 {
		switch data[len(data)-1] {
		case ' ', 0:
			data = data[:len(data)-1]
		default:
			return data
		}
	}
	return data
}
