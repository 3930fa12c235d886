package models

import (
	"github.com/aukilabs/go-tooling/pkg/errors"
)

// ContentState is the lifecycle state of a tile content.
//
// Whether a tile is selected is not a state: a tile renders in a frame when
// its SelectedFrame equals the frame number.
type ContentState int

const (
	ContentUnloaded ContentState = iota
	ContentRequested
	ContentLoading
	ContentReady
	ContentExpired
	ContentErrored
)

func (s ContentState) String() string {
	switch s {
	case ContentUnloaded:
		return "unloaded"
	case ContentRequested:
		return "requested"
	case ContentLoading:
		return "loading"
	case ContentReady:
		return "ready"
	case ContentExpired:
		return "expired"
	case ContentErrored:
		return "errored"
	default:
		return "unknown"
	}
}

var contentTransitions = map[ContentState][]ContentState{
	ContentUnloaded:  {ContentRequested},
	ContentRequested: {ContentLoading, ContentUnloaded, ContentExpired},
	ContentLoading:   {ContentReady, ContentErrored},
	ContentReady:     {ContentExpired, ContentUnloaded},
	ContentExpired:   {ContentRequested, ContentUnloaded},
	ContentErrored:   {},
}

// CanTransition reports whether a content can move from a state to another.
// Errored is terminal and a loading content cannot be unloaded.
func CanTransition(from, to ContentState) bool {
	for _, s := range contentTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func newTransitionError(tileID string, from, to ContentState) error {
	return errors.New("invalid content state transition").
		WithType(ErrTypeStateTransition).
		WithTag("tile", tileID).
		WithTag("from", from.String()).
		WithTag("to", to.String())
}
