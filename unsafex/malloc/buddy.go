package malloc

import (
	"fmt"
	"math/bits"
	"unsafe"
)

const (
	// DefaultPoolSize is the reference pool size (1 MiB).
	DefaultPoolSize = 1 << 20

	// DefaultMinBlock is the reference minimum block size (64 B).
	DefaultMinBlock = 64

	// metaHeaderSize is the width, in bytes, of the node-index header
	// AllocMeta writes at the front of a handed-out block.
	metaHeaderSize = 8
)

// BuddyAllocator is a fixed-capacity power-of-two block allocator. It owns
// a contiguous pool of PoolSize bytes and tracks occupancy with a Bitmap
// holding one bit per node of the binary tree overlaid on the pool: node 0
// is the whole pool, node i's children are 2i+1 and 2i+2, and a node at
// depth L represents a block of PoolSize>>L bytes.
//
// A bit is 1 iff the block it names has been directly handed out by Alloc
// and not yet released by Free. Bits of an allocation's ancestors and
// descendants are never set — the tree itself encodes splitting, so there
// is no explicit free list and no coalescing.
//
// BuddyAllocator is not safe for concurrent use: the contract is that a
// single logical thread of control holds it at any time.
type BuddyAllocator struct {
	pool     []byte
	poolBase unsafe.Pointer
	bitmap   *Bitmap

	poolSize int
	minBlock int
	maxLevel int // L_max = log2(poolSize/minBlock)

	live      int // number of set bits (outstanding allocations)
	liveBytes int // sum of block sizes behind those bits
}

// NewBuddyAllocator returns an allocator over a fresh pool of DefaultPoolSize
// bytes with DefaultMinBlock as its minimum block size.
func NewBuddyAllocator() (*BuddyAllocator, error) {
	return NewBuddyAllocatorWithConfig(DefaultPoolSize, DefaultMinBlock)
}

// NewBuddyAllocatorWithConfig returns an allocator over a fresh pool of
// poolSize bytes with the given minimum block size. Both must be powers of
// two, and minBlock must not exceed poolSize.
func NewBuddyAllocatorWithConfig(poolSize, minBlock int) (*BuddyAllocator, error) {
	if !isPowerOfTwo(poolSize) {
		return nil, fmt.Errorf("malloc: pool size must be a power of two, got %d", poolSize)
	}
	if !isPowerOfTwo(minBlock) {
		return nil, fmt.Errorf("malloc: min block size must be a power of two, got %d", minBlock)
	}
	if minBlock > poolSize {
		return nil, fmt.Errorf("malloc: min block size (%d) must be <= pool size (%d)", minBlock, poolSize)
	}

	maxLevel := log2Exact(poolSize / minBlock)
	numNodes := (1 << uint(maxLevel+1)) - 1

	// All-or-nothing: acquire the bitmap before the pool so a failure
	// here leaves nothing to release.
	bitmap, err := NewBitmap(numNodes)
	if err != nil {
		return nil, fmt.Errorf("%w: bitmap allocation failed: %v", ErrOSAlloc, err)
	}
	pool := make([]byte, poolSize)

	return &BuddyAllocator{
		pool:     pool,
		poolBase: unsafe.Pointer(&pool[0]),
		bitmap:   bitmap,
		poolSize: poolSize,
		minBlock: minBlock,
		maxLevel: maxLevel,
	}, nil
}

// Alloc returns an address inside the pool owning a block of at least
// max(n, MinBlock) bytes. It returns ErrNoSpace if no such block is free,
// ErrTooLarge if n exceeds the pool size, or (nil, ErrZeroSize) — a
// non-fatal sentinel — for n == 0.
func (a *BuddyAllocator) Alloc(n int) (unsafe.Pointer, error) {
	if n < 0 {
		return nil, fmt.Errorf("malloc: negative size %d", n)
	}
	if n == 0 {
		return nil, ErrZeroSize
	}
	if n > a.poolSize {
		return nil, ErrTooLarge
	}

	level := a.levelForSize(n)
	idx, ok := a.findUsable(level)
	if !ok {
		return nil, ErrNoSpace
	}
	if err := a.bitmap.Set(idx); err != nil {
		// Unreachable: idx always falls within the bitmap's range.
		return nil, err
	}
	a.live++
	a.liveBytes += a.poolSize >> uint(level)

	offset := a.blockOffset(idx, level)
	return unsafe.Add(a.poolBase, offset), nil
}

// Free releases the block containing p. A nil p is a no-op. p must equal a
// previously returned address; interior pointers and pointers outside the
// pool are rejected with ErrInvalidPointer and leave the bitmap unchanged.
func (a *BuddyAllocator) Free(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	idx, level, ok := a.locate(p)
	if !ok {
		return ErrInvalidPointer
	}
	if err := a.bitmap.Clear(idx); err != nil {
		return err
	}
	a.live--
	a.liveBytes -= a.poolSize >> uint(level)
	return nil
}

// AllocMeta is the "metabuddy" variant of Alloc: the owning tree node index
// is written as the first metaHeaderSize bytes of the block, and the
// address returned to the caller is offset past that header. This makes
// FreeMeta an O(1) release that does not scan levels, at the cost of one
// machine word of the block's capacity. A block allocated with AllocMeta
// must be released with FreeMeta, never with Free, and vice versa.
//
// AllocMeta does not itself add metaHeaderSize to n; per the allocator's
// contract, a caller that needs room for both its data and the header must
// request n + MetaHeaderSize.
func (a *BuddyAllocator) AllocMeta(n int) (unsafe.Pointer, error) {
	if n < 0 {
		return nil, fmt.Errorf("malloc: negative size %d", n)
	}
	if n == 0 {
		return nil, ErrZeroSize
	}
	if n > a.poolSize {
		return nil, ErrTooLarge
	}

	level := a.levelForSize(n)
	idx, ok := a.findUsable(level)
	if !ok {
		return nil, ErrNoSpace
	}
	if err := a.bitmap.Set(idx); err != nil {
		return nil, err
	}
	a.live++
	a.liveBytes += a.poolSize >> uint(level)

	base := unsafe.Add(a.poolBase, a.blockOffset(idx, level))
	*(*int64)(base) = int64(idx)
	return unsafe.Add(base, metaHeaderSize), nil
}

// FreeMeta releases a block obtained from AllocMeta. It reads the node
// index from the header before clearing the bit, so the header must be
// read before any mutation — consistent with AllocMeta's contract.
func (a *BuddyAllocator) FreeMeta(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}
	headerPtr := unsafe.Add(p, -metaHeaderSize)
	off := uintptr(headerPtr) - uintptr(a.poolBase)
	if off >= uintptr(a.poolSize) {
		return ErrInvalidPointer
	}
	idx := int(*(*int64)(headerPtr))
	if idx < 0 || idx >= a.bitmap.Len() || a.bitmap.Test(idx) != 1 {
		return ErrInvalidPointer
	}
	level := a.levelOfNode(idx)
	if err := a.bitmap.Clear(idx); err != nil {
		return err
	}
	a.live--
	a.liveBytes -= a.poolSize >> uint(level)
	return nil
}

// Bytes returns a []byte view, sized to the block's full capacity, of the
// live block owning p. It returns nil if p does not own a live block.
func (a *BuddyAllocator) Bytes(p unsafe.Pointer) []byte {
	idx, level, ok := a.locate(p)
	if !ok {
		return nil
	}
	_ = idx
	blockSize := a.poolSize >> uint(level)
	return unsafe.Slice((*byte)(p), blockSize)
}

// Contains reports whether p lies within [pool_base, pool_base+PoolSize),
// the range the Dispatcher uses to decide whether a release belongs to
// this allocator.
func (a *BuddyAllocator) Contains(p unsafe.Pointer) bool {
	if p == nil {
		return false
	}
	off := uintptr(p) - uintptr(a.poolBase)
	return off < uintptr(a.poolSize)
}

// LiveCount returns the number of outstanding allocations, i.e. the number
// of set bits in the bitmap.
func (a *BuddyAllocator) LiveCount() int {
	return a.live
}

// BytesInUse returns the sum of block sizes backing outstanding
// allocations.
func (a *BuddyAllocator) BytesInUse() int {
	return a.liveBytes
}

// levelForSize chooses the deepest level (the smallest block) whose block
// size is >= the request, rounded up to at least MinBlock. Computed by halving the pool
// size downward from the root, mirroring the reference implementation.
func (a *BuddyAllocator) levelForSize(n int) int {
	rounded := n
	if rounded < a.minBlock {
		rounded = a.minBlock
	}
	blockSize := a.poolSize
	level := 0
	for blockSize/2 >= rounded && blockSize/2 >= a.minBlock {
		blockSize /= 2
		level++
	}
	return level
}

// findUsable scans node indices at level in increasing order and returns
// the first node that is itself clear and has no ancestor or descendant
// set. It never mutates state; a false return leaves the bitmap untouched.
func (a *BuddyAllocator) findUsable(level int) (int, bool) {
	lo := (1 << uint(level)) - 1
	hi := (1 << uint(level+1)) - 1
	for i := lo; i < hi; i++ {
		if a.bitmap.Test(i) == 0 && !a.anyAncestorSet(i) && !a.anyDescendantSet(i, level) {
			return i, true
		}
	}
	return 0, false
}

// anyAncestorSet walks i's ancestors up to and including the root, testing
// each one, and returns true on the first set bit it finds.
func (a *BuddyAllocator) anyAncestorSet(i int) bool {
	for i != 0 {
		i = (i - 1) / 2
		if a.bitmap.Test(i) == 1 {
			return true
		}
	}
	return false
}

// anyDescendantSet walks every depth below i down to the deepest usable
// level and returns true on the first set bit it finds among i's
// descendants.
func (a *BuddyAllocator) anyDescendantSet(i, level int) bool {
	for l := 1; l <= a.maxLevel-level; l++ {
		first := ((i + 1) << uint(l)) - 1
		count := 1 << uint(l)
		for k := 0; k < count; k++ {
			if a.bitmap.Test(first+k) == 1 {
				return true
			}
		}
	}
	return false
}

// blockOffset returns the pool-relative byte offset of node i at level.
func (a *BuddyAllocator) blockOffset(i, level int) int {
	firstAtLevel := (1 << uint(level)) - 1
	return (i - firstAtLevel) * (a.poolSize >> uint(level))
}

// levelOfNode returns the tree depth of node index i.
func (a *BuddyAllocator) levelOfNode(i int) int {
	return bits.Len(uint(i+1)) - 1
}

// locate performs the pointer-to-block reverse lookup: given a live
// address p, it returns the tree node that owns it by scanning levels from
// coarsest to finest, matching the first level where the offset aligns to
// a block boundary and the corresponding bit is set.
func (a *BuddyAllocator) locate(p unsafe.Pointer) (idx, level int, ok bool) {
	off := uintptr(p) - uintptr(a.poolBase)
	if off >= uintptr(a.poolSize) {
		return 0, 0, false
	}
	offset := int(off)
	blockSize := a.poolSize
	for l := 0; l <= a.maxLevel; l++ {
		if blockSize < a.minBlock {
			break
		}
		if offset%blockSize == 0 {
			firstAtLevel := (1 << uint(l)) - 1
			candidate := firstAtLevel + offset/blockSize
			if a.bitmap.Test(candidate) == 1 {
				return candidate, l, true
			}
		}
		blockSize /= 2
	}
	return 0, 0, false
}

func isPowerOfTwo(n int) bool {
	return n > 0 && n&(n-1) == 0
}

// log2Exact returns the integer base-2 logarithm of n, which must already
// be a power of two. Used in place of a floating-point log2 on compile-time
// constants.
func log2Exact(n int) int {
	return bits.Len(uint(n)) - 1
}
