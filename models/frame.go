package models

import (
	"time"

	"github.com/aukilabs/tilestream/culling"
)

// FrameState is the view of a frame: the camera and its derived culling
// values.
type FrameState struct {
	FrameNumber    uint64
	Time           time.Time
	Camera         culling.Camera
	Frustum        culling.Frustum
	SSEDenominator float64
}

// NewFrameState creates a frame state for the given camera.
func NewFrameState(frameNumber uint64, camera culling.Camera) FrameState {
	return FrameState{
		FrameNumber:    frameNumber,
		Camera:         camera,
		Frustum:        camera.Frustum(),
		SSEDenominator: camera.SSEDenominator(),
	}
}

// Statistics are the counters of a frame.
type Statistics struct {
	Visited                 int `json:"visited"`
	Selected                int `json:"selected"`
	Requested               int `json:"requested"`
	EmptyTiles              int `json:"empty_tiles"`
	CulledWithChildrenUnion int `json:"culled_with_children_union"`
	InFlight                int `json:"in_flight"`
	Queued                  int `json:"queued"`
	Resident                int `json:"resident"`
	ResidentBytes           int `json:"resident_bytes"`
	Evicted                 int `json:"evicted"`
	Errored                 int `json:"errored"`
}
