package malloc

import "errors"

// Sentinel errors returned by the Bitmap, BuddyAllocator and Dispatcher
// operations in this package. Callers should compare against these with
// errors.Is rather than matching error strings.
var (
	// ErrZeroSize is returned by an Alloc call for a zero-byte request.
	// It is not a failure: the returned address is nil and the bitmap
	// is left unchanged. Treat it the way stdlib callers treat io.EOF.
	ErrZeroSize = errors.New("malloc: zero size allocation")

	// ErrNoSpace means the level chosen for the request has no usable
	// node. The caller may retry later or give up; the implementation
	// never falls back to a larger level.
	ErrNoSpace = errors.New("malloc: no space available at the required level")

	// ErrTooLarge means the requested size exceeds the pool size on the
	// buddy path.
	ErrTooLarge = errors.New("malloc: requested size exceeds pool size")

	// ErrOSAlloc means the OS refused to hand out pages, or pool/bitmap
	// storage could not be acquired.
	ErrOSAlloc = errors.New("malloc: operating system allocation failed")

	// ErrInvalidPointer means Free was given a pointer that cannot be
	// mapped to a live block: an interior pointer, a pointer outside
	// the pool, or a double free.
	ErrInvalidPointer = errors.New("malloc: pointer does not map to a live block")

	// ErrBounds means a Bitmap index fell outside [0, n). Seeing this
	// from BuddyAllocator internals indicates an implementation bug,
	// since every index the allocator computes is derived from its own
	// tree geometry.
	ErrBounds = errors.New("malloc: bitmap index out of range")
)
