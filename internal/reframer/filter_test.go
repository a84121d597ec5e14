package reframer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reframe/internal/filter"
)

func TestSAPClassFilter(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 100, 64, videoGOP)
	h := newHarness(t, Options{SAPs: []int{1}}, video)
	h.run()

	out := h.collected("video")
	require.Len(t, out, 100/videoGOP+1)
	for _, p := range out {
		assert.Equal(t, filter.SAP1, p.sap)
	}
	// stripping non-sync packets downgrades the sync flag downstream
	assert.Equal(t, false, out[0].pidProps[filter.PropHasSync])
}

func TestReferenceFilter(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 100, 64, videoGOP)
	// mark every odd frame as droppable (not used as a reference)
	for i := range video.packets {
		if i%2 == 1 {
			video.packets[i].DepFlags = 2 << 2
		}
	}
	h := newHarness(t, Options{Refs: true}, video)
	h.run()

	out := h.collected("video")
	require.Len(t, out, 50)
	for _, p := range out {
		assert.Zero(t, frameIndex(p.data)%2)
	}
}

func TestFrameWhitelist(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 50, 64, videoGOP)
	h := newHarness(t, Options{Frames: []uint64{1, 3, 10}}, video)
	h.run()

	out := h.collected("video")
	require.Len(t, out, 3)
	assert.Equal(t, uint32(0), frameIndex(out[0].data))
	assert.Equal(t, uint32(2), frameIndex(out[1].data))
	assert.Equal(t, uint32(9), frameIndex(out[2].data))
}

func TestRealTimePacing(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 10, 64, 1)
	h := newHarness(t, Options{RT: RTOn}, video)

	// a zero clock reads as "anchor unset"; start it at an arbitrary epoch
	clock := uint64(1000)
	h.r.SetClock(func() uint64 { return clock })

	h.play()
	for i := 0; i < 40; i++ {
		h.pump()
		_, err := h.r.Process()
		require.NoError(t, err)
	}
	// only the anchoring first packet may pass while the clock is frozen
	assert.Len(t, h.collected("video"), 1)
	assert.Positive(t, h.r.RescheduleIn())

	// one frame is 40 ms of media time; advancing within the pacing slack
	// releases exactly one more packet
	clock = 1000 + 40000 - rtPrecisionUS
	for i := 0; i < 10; i++ {
		h.pump()
		_, err := h.r.Process()
		require.NoError(t, err)
	}
	assert.Len(t, h.collected("video"), 2)

	// far future: everything drains
	clock = 10 * 1000000
	for i := 0; i < 40; i++ {
		h.pump()
		st, err := h.r.Process()
		require.NoError(t, err)
		if st == filter.StatusEOS {
			break
		}
	}
	assert.Len(t, h.collected("video"), 10)
	h.r.Finalize()
}

func TestRealTimeSyncSharesOneClock(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 5, 64, 1)
	audio := audioFeed(t, "audio", 5)
	h := newHarness(t, Options{RT: RTSync}, video, audio)

	clock := uint64(1000)
	h.r.SetClock(func() uint64 { return clock })

	h.play()
	for i := 0; i < 20; i++ {
		h.pump()
		_, err := h.r.Process()
		require.NoError(t, err)
	}
	// the first emitting pid anchors the shared clock; the other pid's
	// packet at media time zero passes against the same anchor
	assert.Len(t, h.collected("video"), 1)
	assert.Len(t, h.collected("audio"), 1)

	clock = 60 * 1000000
	for i := 0; i < 40; i++ {
		h.pump()
		st, err := h.r.Process()
		require.NoError(t, err)
		if st == filter.StatusEOS {
			break
		}
	}
	assert.Len(t, h.collected("video"), 5)
	assert.Len(t, h.collected("audio"), 5)
	h.r.Finalize()
}

func TestPerRangePropsAndPeriodResume(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 750, 64, videoGOP)
	h := newHarness(t, Options{
		XS:         []string{"T0:00:01", "T0:00:05"},
		XE:         []string{"T0:00:02", "T0:00:06"},
		SplitRange: true,
		Props:      []string{"Period=P1", "Period=P2"},
	}, video)
	h.run()

	out := h.collected("video")
	require.NotEmpty(t, out)
	chunks := chunksOf(out)
	require.Len(t, chunks, 2)
	assert.Equal(t, 1, chunks[0][0].props[filter.PropFileNumber])
	assert.Equal(t, 2, chunks[1][0].props[filter.PropFileNumber])
}
