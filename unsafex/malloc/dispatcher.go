package malloc

import (
	"fmt"
	"log"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// DefaultPage is the reference system page size (4 KiB).
	DefaultPage = 4096

	// DefaultSmallThreshold is the reference size-routing cutoff
	// (PAGE/4, 1 KiB): requests below it go to the BuddyAllocator.
	DefaultSmallThreshold = DefaultPage / 4

	// largeHeaderSize is the width, in bytes, of the size header the
	// Dispatcher writes at the front of every OS-mapped region.
	largeHeaderSize = 8

	// MetaHeaderSize is the width, in bytes, of the node-index header
	// written by BuddyAllocator.AllocMeta. A caller of the metabuddy
	// path must add this to its requested size before calling AllocMeta.
	MetaHeaderSize = metaHeaderSize
)

// Config holds the Dispatcher's compile-time tunables as run-time values.
type Config struct {
	// PoolSize is the BuddyAllocator's pool size in bytes.
	PoolSize int
	// MinBlock is the BuddyAllocator's minimum block size in bytes.
	MinBlock int
	// Page is the system page size used for the large-allocation path.
	Page int
	// SmallThreshold is the size, in bytes, below which a request is
	// routed to the BuddyAllocator instead of the OS.
	SmallThreshold int
	// Logger receives diagnostic messages when non-nil. A nil Logger
	// disables diagnostics entirely; functional behavior never depends
	// on whether it is set.
	Logger *log.Logger
}

// DefaultConfig returns the reference tunables: a 1 MiB pool, 64 B
// minimum block, 4 KiB pages and a 1 KiB small-size threshold.
func DefaultConfig() Config {
	return Config{
		PoolSize:       DefaultPoolSize,
		MinBlock:       DefaultMinBlock,
		Page:           DefaultPage,
		SmallThreshold: DefaultSmallThreshold,
	}
}

// Validate checks the Config's tunables against the constraints the
// allocator requires: pool size, min block and page size must be powers of
// two, min block must not exceed pool size, and the small-size threshold
// must lie in (0, PoolSize/2].
func (c Config) Validate() error {
	if !isPowerOfTwo(c.PoolSize) {
		return fmt.Errorf("malloc: pool size must be a power of two, got %d", c.PoolSize)
	}
	if !isPowerOfTwo(c.MinBlock) {
		return fmt.Errorf("malloc: min block size must be a power of two, got %d", c.MinBlock)
	}
	if !isPowerOfTwo(c.Page) {
		return fmt.Errorf("malloc: page size must be a power of two, got %d", c.Page)
	}
	if c.MinBlock > c.PoolSize {
		return fmt.Errorf("malloc: min block size (%d) must be <= pool size (%d)", c.MinBlock, c.PoolSize)
	}
	if c.SmallThreshold <= 0 || c.SmallThreshold > c.PoolSize/2 {
		return fmt.Errorf("malloc: small threshold (%d) must be in (0, %d]", c.SmallThreshold, c.PoolSize/2)
	}
	return nil
}

// DispatcherStats is a point-in-time snapshot of a Dispatcher's backends.
type DispatcherStats struct {
	// LiveBuddyBlocks is the number of outstanding buddy-path allocations.
	LiveBuddyBlocks int
	// BuddyBytesInUse is the sum of block sizes behind those allocations.
	BuddyBytesInUse int
	// LargeMappings is the number of outstanding OS-mapped regions.
	LargeMappings int
}

// Dispatcher routes allocation requests to a BuddyAllocator for small
// sizes and to anonymous OS pages for everything else, per Config's
// SmallThreshold. It is not safe for concurrent use, matching
// BuddyAllocator's single-threaded contract.
type Dispatcher struct {
	cfg        Config
	buddy      *BuddyAllocator
	logger     *log.Logger
	largeCount int
}

// NewDispatcher builds a Dispatcher with its own BuddyAllocator backing
// store, owned exclusively by the returned Dispatcher.
func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	buddy, err := NewBuddyAllocatorWithConfig(cfg.PoolSize, cfg.MinBlock)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOSAlloc, err)
	}
	return &Dispatcher{cfg: cfg, buddy: buddy, logger: cfg.Logger}, nil
}

func (d *Dispatcher) logf(format string, args ...interface{}) {
	if d.logger != nil {
		d.logger.Printf(format, args...)
	}
}

// Alloc routes n bytes to the BuddyAllocator or to fresh OS pages
// depending on Config.SmallThreshold. n == 0 returns (nil, ErrZeroSize),
// a non-fatal sentinel.
func (d *Dispatcher) Alloc(n int) (unsafe.Pointer, error) {
	if n < 0 {
		return nil, fmt.Errorf("malloc: negative size %d", n)
	}
	if n == 0 {
		d.logf("alloc(0): returning nil")
		return nil, ErrZeroSize
	}
	if n < d.cfg.SmallThreshold {
		d.logf("alloc(%d): routing to buddy allocator", n)
		return d.buddy.Alloc(n)
	}
	d.logf("alloc(%d): routing to OS pages", n)
	return d.allocLarge(n)
}

func (d *Dispatcher) allocLarge(n int) (unsafe.Pointer, error) {
	total := n + largeHeaderSize
	allocSize := roundToPages(total, d.cfg.Page)

	data, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap failed: %v", ErrOSAlloc, err)
	}

	base := unsafe.Pointer(&data[0])
	*(*int64)(base) = int64(n)
	d.largeCount++

	d.logf("alloc(%d): mapped %d bytes at %p", n, allocSize, base)
	return unsafe.Add(base, largeHeaderSize), nil
}

// Free releases p, selecting the backend by checking whether p lies inside
// the buddy pool. A nil p is a no-op.
func (d *Dispatcher) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	if d.buddy.Contains(p) {
		d.logf("free(%p): routing to buddy allocator", p)
		return d.buddy.Free(p)
	}
	d.logf("free(%p): routing to OS unmap", p)
	return d.freeLarge(p)
}

func (d *Dispatcher) freeLarge(p unsafe.Pointer) error {
	headerPtr := unsafe.Add(p, -largeHeaderSize)
	if uintptr(headerPtr)&uintptr(d.cfg.Page-1) != 0 {
		return ErrInvalidPointer
	}

	size := int(*(*int64)(headerPtr))
	allocSize := roundToPages(size+largeHeaderSize, d.cfg.Page)
	region := unsafe.Slice((*byte)(headerPtr), allocSize)

	if err := unix.Munmap(region); err != nil {
		return fmt.Errorf("malloc: munmap failed: %w", err)
	}
	d.largeCount--
	d.logf("free: unmapped %d bytes at %p", allocSize, headerPtr)
	return nil
}

// Stats returns a snapshot of the Dispatcher's current backend occupancy.
func (d *Dispatcher) Stats() DispatcherStats {
	return DispatcherStats{
		LiveBuddyBlocks: d.buddy.LiveCount(),
		BuddyBytesInUse: d.buddy.BytesInUse(),
		LargeMappings:   d.largeCount,
	}
}

// roundToPages rounds n up to the next multiple of page, which must be a
// power of two.
func roundToPages(n, page int) int {
	return (n + page - 1) &^ (page - 1)
}

var (
	defaultOnce sync.Once
	defaultInst *Dispatcher
	defaultErr  error
)

// defaultDispatcher lazily builds the process-wide Dispatcher instance on
// first use: a single shared instance, constructed no earlier than the
// first call to Alloc or Free.
func defaultDispatcher() (*Dispatcher, error) {
	defaultOnce.Do(func() {
		defaultInst, defaultErr = NewDispatcher(DefaultConfig())
	})
	return defaultInst, defaultErr
}

// Alloc forwards to the lazily-initialized process-wide Dispatcher.
func Alloc(n int) (unsafe.Pointer, error) {
	d, err := defaultDispatcher()
	if err != nil {
		return nil, err
	}
	return d.Alloc(n)
}

// Free forwards to the lazily-initialized process-wide Dispatcher.
func Free(p unsafe.Pointer) error {
	d, err := defaultDispatcher()
	if err != nil {
		return err
	}
	return d.Free(p)
}
