package malloc

import (
	"math/rand"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBuddyAllocatorWithConfig(t *testing.T) {
	tests := []struct {
		name     string
		poolSize int
		minBlock int
		wantErr  bool
	}{
		{"default_shape", 1 << 20, 64, false},
		{"single_block_pool", 64, 64, false},
		{"pool_not_pow2", 1000, 64, true},
		{"min_not_pow2", 1 << 20, 100, true},
		{"min_gt_pool", 64, 128, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBuddyAllocatorWithConfig(tt.poolSize, tt.minBlock)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func newTestBuddy(t *testing.T, poolSize, minBlock int) *BuddyAllocator {
	t.Helper()
	a, err := NewBuddyAllocatorWithConfig(poolSize, minBlock)
	require.NoError(t, err)
	return a
}

// S1: the smallest request returns a block of exactly MinBlock bytes.
func TestBuddySmallestAllocIsMinBlock(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)
	p, err := a.Alloc(1)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 64, len(a.Bytes(p)))
	require.NoError(t, a.Free(p))
}

// S2: a request for the whole pool succeeds exactly once.
func TestBuddyWholePoolAlloc(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)
	p, err := a.Alloc(1 << 16)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1<<16, len(a.Bytes(p)))

	_, err = a.Alloc(1)
	assert.ErrorIs(t, err, ErrNoSpace)

	require.NoError(t, a.Free(p))
	p2, err := a.Alloc(1 << 16)
	require.NoError(t, err)
	assert.NotNil(t, p2)
}

// S3: filling every minimum-size slot with no fragmentation allows exactly
// PoolSize/MinBlock live allocations before ErrNoSpace.
func TestBuddyFragmentationFreeFill(t *testing.T) {
	const poolSize = 1 << 17 // 128 KiB
	const minBlock = 64
	a := newTestBuddy(t, poolSize, minBlock)

	want := poolSize / minBlock
	var blocks []unsafe.Pointer
	for i := 0; i < want; i++ {
		p, err := a.Alloc(minBlock)
		require.NoError(t, err, "alloc #%d", i)
		blocks = append(blocks, p)
	}
	assert.Equal(t, want, a.LiveCount())
	assert.Equal(t, poolSize, a.BytesInUse())

	_, err := a.Alloc(minBlock)
	assert.ErrorIs(t, err, ErrNoSpace)

	for _, p := range blocks {
		require.NoError(t, a.Free(p))
	}
	assert.Equal(t, 0, a.LiveCount())
	assert.Equal(t, 0, a.BytesInUse())
}

// S4: a block can be reused for a same- or smaller-sized request once freed.
func TestBuddyReuseAfterFree(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)

	p1, err := a.Alloc(1024)
	require.NoError(t, err)
	require.NoError(t, a.Free(p1))

	p2, err := a.Alloc(1024)
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	require.NoError(t, a.Free(p2))
}

// S5: freeing an interior pointer or a pointer outside the pool is rejected
// and leaves live accounting untouched.
func TestBuddyInvalidFreeRejected(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)

	p, err := a.Alloc(1024)
	require.NoError(t, err)

	interior := unsafe.Add(p, 8)
	err = a.Free(interior)
	assert.ErrorIs(t, err, ErrInvalidPointer)
	assert.Equal(t, 1, a.LiveCount())

	outside := unsafe.Pointer(&make([]byte, 16)[0])
	err = a.Free(outside)
	assert.ErrorIs(t, err, ErrInvalidPointer)

	require.NoError(t, a.Free(p))

	// double free
	err = a.Free(p)
	assert.ErrorIs(t, err, ErrInvalidPointer)
}

func TestBuddyAllocZeroAndNegative(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)

	p, err := a.Alloc(0)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrZeroSize)

	p, err = a.Alloc(-1)
	assert.Nil(t, p)
	assert.Error(t, err)
}

func TestBuddyAllocTooLarge(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)
	p, err := a.Alloc(1<<16 + 1)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestBuddyFreeNilIsNoop(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)
	assert.NoError(t, a.Free(nil))
}

// Disjointness: no two simultaneously live blocks may overlap in pool
// offsets, regardless of allocation order and size mix.
func TestBuddyDisjointLiveBlocks(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)
	sizes := []int{64, 128, 64, 256, 64, 512, 128, 1024}

	type span struct{ start, end uintptr }
	var spans []span
	for _, sz := range sizes {
		p, err := a.Alloc(sz)
		require.NoError(t, err)
		start := uintptr(p)
		end := start + uintptr(len(a.Bytes(p)))
		for _, s := range spans {
			overlap := start < s.end && s.start < end
			assert.False(t, overlap, "block [%d,%d) overlaps [%d,%d)", start, end, s.start, s.end)
		}
		spans = append(spans, span{start, end})
	}
}

// Containment: every address returned by Alloc lies within the pool, and
// Contains agrees.
func TestBuddyContains(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)
	p, err := a.Alloc(256)
	require.NoError(t, err)
	assert.True(t, a.Contains(p))
	assert.False(t, a.Contains(nil))

	outside := unsafe.Pointer(&make([]byte, 16)[0])
	assert.False(t, a.Contains(outside))
}

// Randomized alloc/free churn: live accounting must always equal the sum of
// the bytes behind the allocations the test itself believes are live.
func TestBuddyRandomChurn(t *testing.T) {
	a := newTestBuddy(t, 1<<18, 64)
	rng := rand.New(rand.NewSource(1))

	live := map[unsafe.Pointer]int{}
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(2) == 0 {
			var target unsafe.Pointer
			for p := range live {
				target = p
				break
			}
			require.NoError(t, a.Free(target))
			delete(live, target)
			continue
		}
		sz := 1 << uint(rng.Intn(8)) // 1..128
		p, err := a.Alloc(sz)
		if err != nil {
			continue
		}
		live[p] = len(a.Bytes(p))
	}

	wantBytes := 0
	for _, sz := range live {
		wantBytes += sz
	}
	assert.Equal(t, len(live), a.LiveCount())
	assert.Equal(t, wantBytes, a.BytesInUse())
}

func TestBuddyAllocMetaFreeMeta(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)

	p, err := a.AllocMeta(16 + MetaHeaderSize)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 1, a.LiveCount())

	// the header is invisible to the caller's view of its own data
	buf := unsafe.Slice((*byte)(p), 16)
	for i := range buf {
		buf[i] = byte(i)
	}

	require.NoError(t, a.FreeMeta(p))
	assert.Equal(t, 0, a.LiveCount())
}

func TestBuddyAllocMetaZeroAndTooLarge(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)

	p, err := a.AllocMeta(0)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrZeroSize)

	p, err = a.AllocMeta(1<<16 + 1)
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestBuddyFreeMetaInvalid(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)

	p, err := a.AllocMeta(32)
	require.NoError(t, err)
	require.NoError(t, a.FreeMeta(p))

	// double free via FreeMeta: header still reads the old index, but the
	// bit is already clear, so it must be rejected rather than silently
	// decrementing live counts twice.
	err = a.FreeMeta(p)
	assert.ErrorIs(t, err, ErrInvalidPointer)

	assert.NoError(t, a.FreeMeta(nil))

	outside := unsafe.Pointer(&make([]byte, 32)[0])
	assert.ErrorIs(t, a.FreeMeta(outside), ErrInvalidPointer)
}

func TestBuddyBytesReturnsFullBlockCapacity(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)
	p, err := a.Alloc(100)
	require.NoError(t, err)
	// levelForSize(100) with minBlock=64 keeps halving 65536 while the
	// half is still >= 100, so it stops at 128, not 64.
	assert.Equal(t, 128, len(a.Bytes(p)))
}

func TestBuddyBytesOnDeadPointer(t *testing.T) {
	a := newTestBuddy(t, 1<<16, 64)
	p, err := a.Alloc(64)
	require.NoError(t, err)
	require.NoError(t, a.Free(p))
	assert.Nil(t, a.Bytes(p))
}
