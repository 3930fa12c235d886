package models

const (
	// ErrTypeTransport is the type of errors that happened while fetching
	// bytes.
	ErrTypeTransport = "transport-error"

	// ErrTypeDecode is the type of errors that happened while decoding a
	// tile content.
	ErrTypeDecode = "decode-error"

	// ErrTypeManifest is the type of errors caused by a malformed manifest or
	// sub-manifest.
	ErrTypeManifest = "manifest-error"

	// ErrTypeBudgetExceeded is an informational type reporting that a
	// traversal stopped early because the root already satisfies the screen
	// space error budget.
	ErrTypeBudgetExceeded = "budget-exceeded"

	ErrTypeStateTransition = "state-transition-error"
)
