package tileset

import (
	"context"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/tilestream/decoder"
	"github.com/aukilabs/tilestream/featureflag"
	"github.com/aukilabs/tilestream/models"
	"github.com/aukilabs/tilestream/traversal"
	"github.com/benbjohnson/clock"
)

// ErrTypeInvalidOptions is the type of the errors returned for invalid
// tileset options.
const ErrTypeInvalidOptions = "invalid-options"

// Decoder decodes fetched contents.
type Decoder interface {
	Decode(ctx context.Context, data []byte, opts decoder.Options) (models.Content, error)
}

// Options configures a tileset.
type Options struct {
	// The screen space error, in pixels, under which tiles are not refined.
	MaximumScreenSpaceError float64

	// The maximum number of content loads in flight.
	MaxConcurrency int

	// The maximum number of tiles with a loaded content. 0 is unbounded.
	MaximumResidentTiles int

	// The maximum number of content bytes held by loaded tiles. 0 is
	// unbounded.
	MaximumMemoryUsage int

	SkipLevelOfDetail                   bool
	SkipScreenSpaceErrorFactor          float64
	MinimumSkipDepth                    int
	BaseScreenSpaceError                float64
	ImmediatelyLoadDesiredLevelOfDetail bool

	// The number of workers of each decoder pool.
	DecodeWorkers int
	ReuseWorkers  bool

	// The duration after which a loaded content expires. 0 never expires.
	ExpireAfter time.Duration

	FeatureFlags featureflag.FeatureFlag

	// The decoder of contents. A decoder registry with the default decoders
	// is created when nil.
	Decoder Decoder

	// The events the tileset reports to. Can be nil.
	Events Events

	// The clock used for expiration. The system clock is used when nil.
	Clock clock.Clock
}

// DefaultOptions returns the default tileset options.
func DefaultOptions() Options {
	return Options{
		MaximumScreenSpaceError:    8,
		MaxConcurrency:             8,
		MaximumResidentTiles:       512,
		SkipScreenSpaceErrorFactor: 16,
		MinimumSkipDepth:           1,
		BaseScreenSpaceError:       1024,
		DecodeWorkers:              4,
		ReuseWorkers:               true,
	}
}

// Validate returns an error when an option is out of range.
func (o Options) Validate() error {
	switch {
	case o.MaximumScreenSpaceError <= 0:
		return newInvalidOptionError("maximum screen space error must be positive", o.MaximumScreenSpaceError)

	case o.MaxConcurrency <= 0:
		return newInvalidOptionError("max concurrency must be positive", o.MaxConcurrency)

	case o.MaximumResidentTiles < 0:
		return newInvalidOptionError("maximum resident tiles must not be negative", o.MaximumResidentTiles)

	case o.MaximumMemoryUsage < 0:
		return newInvalidOptionError("maximum memory usage must not be negative", o.MaximumMemoryUsage)

	case o.SkipLevelOfDetail && o.SkipScreenSpaceErrorFactor <= 1:
		return newInvalidOptionError("skip screen space error factor must be greater than 1", o.SkipScreenSpaceErrorFactor)

	case o.MinimumSkipDepth < 0:
		return newInvalidOptionError("minimum skip depth must not be negative", o.MinimumSkipDepth)

	case o.ExpireAfter < 0:
		return newInvalidOptionError("expire after must not be negative", o.ExpireAfter)

	case o.Decoder == nil && o.DecodeWorkers <= 0:
		return newInvalidOptionError("decode workers must be positive", o.DecodeWorkers)

	default:
		return nil
	}
}

func (o Options) traversalOptions() traversal.Options {
	return traversal.Options{
		MaximumScreenSpaceError:             o.MaximumScreenSpaceError,
		SkipLevelOfDetail:                   o.SkipLevelOfDetail,
		BaseScreenSpaceError:                o.BaseScreenSpaceError,
		SkipScreenSpaceErrorFactor:          o.SkipScreenSpaceErrorFactor,
		SkipLevels:                          o.MinimumSkipDepth,
		ImmediatelyLoadDesiredLevelOfDetail: o.ImmediatelyLoadDesiredLevelOfDetail,
		LoadSiblings:                        o.FeatureFlags.IsSet(featureflag.FlagLoadSiblings),
		CullWithChildrenBounds:              o.FeatureFlags.IsSet(featureflag.FlagCullWithChildrenBounds),
	}
}

func newInvalidOptionError(msg string, value any) error {
	return errors.New(msg).
		WithType(ErrTypeInvalidOptions).
		WithTag("value", value)
}
