package featureflag

type Flag string

const (
	// FlagLoadSiblings loads the invisible siblings of visible tiles so they
	// are ready when the camera turns.
	FlagLoadSiblings Flag = "LOAD_SIBLINGS"

	// FlagCullWithChildrenBounds culls replacement tiles whose children are
	// all invisible.
	FlagCullWithChildrenBounds Flag = "CULL_WITH_CHILDREN_BOUNDS"

	// FlagDisableSelectionEvents stops reporting newly selected tiles to the
	// tileset events and viewers.
	FlagDisableSelectionEvents Flag = "DISABLE_SELECTION_EVENTS"
)
