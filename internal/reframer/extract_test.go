package reframer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reframe/internal/filter"
)

// requireMonotoneDTS checks the continuous-timeline invariant on one pid.
func requireMonotoneDTS(t *testing.T, packets []emitted) {
	t.Helper()
	for i := 1; i < len(packets); i++ {
		require.GreaterOrEqual(t, packets[i].dts, packets[i-1].dts,
			"DTS must be non-decreasing at packet %d", i)
	}
}

func TestSingleClosedRangeSAPAlignedStart(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 750, 64, videoGOP)
	audio := audioFeed(t, "audio", 1400)
	h := newHarness(t, Options{
		XS: []string{"T0:00:04"},
		XE: []string{"T0:00:08"},
	}, video, audio)
	h.run()

	vout := h.collected("video")
	require.NotEmpty(t, vout)
	// start cut rounds down to the SAP at frame 96 (25 fps, GOP of 12)
	assert.Equal(t, uint32(96), frameIndex(vout[0].data))
	assert.Equal(t, filter.SAP1, vout[0].sap)
	assert.Equal(t, uint64(0), vout[0].dts)
	// frames 96..199: the first frame whose span crosses 8 s is excluded
	assert.Len(t, vout, 104)
	assert.Equal(t, uint32(199), frameIndex(vout[len(vout)-1].data))
	requireMonotoneDTS(t, vout)

	aout := h.collected("audio")
	require.NotEmpty(t, aout)
	// audio is cut at the video SAP time: 345600 ticks -> sample 184320
	assert.Equal(t, uint32(180), frameIndex(aout[0].data))
	assert.Equal(t, uint64(0), aout[0].cts)
	assert.Len(t, aout, 195)
	requireMonotoneDTS(t, aout)
}

func TestTwoRangesSplitRangeBoundaries(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 750, 64, videoGOP)
	audio := audioFeed(t, "audio", 1400)
	h := newHarness(t, Options{
		XS:         []string{"T0:00:02", "T0:00:10"},
		XE:         []string{"T0:00:03", "T0:00:11"},
		SplitRange: true,
	}, video, audio)
	h.run()

	for _, name := range []string{"video", "audio"} {
		out := h.collected(name)
		require.NotEmpty(t, out, name)

		var boundaries []emitted
		for _, p := range out {
			if _, ok := p.props[filter.PropFileNumber]; ok {
				boundaries = append(boundaries, p)
			}
		}
		require.Len(t, boundaries, 2, "%s: one boundary per chunk", name)
		assert.Equal(t, 1, boundaries[0].props[filter.PropFileNumber])
		assert.Equal(t, 2, boundaries[1].props[filter.PropFileNumber])
		assert.Equal(t, "T0.00.02_T0.00.03", boundaries[0].props[filter.PropFileSuffix])
		assert.Equal(t, "T0.00.10_T0.00.11", boundaries[1].props[filter.PropFileSuffix])

		requireMonotoneDTS(t, out)
	}

	// chunk 1 is frames 48..74, chunk 2 frames 240..274, stitched into one
	// continuous timeline
	vout := h.collected("video")
	assert.Equal(t, uint32(48), frameIndex(vout[0].data))
	assert.Len(t, vout, 27+35)
	assert.Equal(t, uint32(240), frameIndex(vout[27].data))
	assert.Equal(t, uint64(27*videoFrameDur), vout[27].dts)
}

func TestFrameIndexedRange(t *testing.T) {
	t.Parallel()

	// all-SAP video so any frame can start the cut
	video := videoFeed(t, "video", 300, 64, 1)
	h := newHarness(t, Options{
		XS:     []string{"F100"},
		XE:     []string{"F200"},
		XRound: RoundAfter,
	}, video)
	h.run()

	vout := h.collected("video")
	require.Len(t, vout, 100)
	assert.Equal(t, uint32(100), frameIndex(vout[0].data))
	assert.Equal(t, uint32(199), frameIndex(vout[99].data))
	assert.Equal(t, uint64(0), vout[0].dts)
	requireMonotoneDTS(t, vout)
}

func TestOpenRangePastEOS(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 50, 64, videoGOP)
	audio := audioFeed(t, "audio", 93)
	h := newHarness(t, Options{
		XS: []string{"T0:01:40"},
	}, video, audio)
	h.run()

	assert.Empty(t, h.collected("video"))
	assert.Empty(t, h.collected("audio"))
}

func TestStartCutRounding(t *testing.T) {
	t.Parallel()

	// requested start 4 s = frame 100; surrounding SAPs are 96 and 108
	tests := []struct {
		name      string
		round     int
		wantFirst uint32
	}{
		{"before", RoundBefore, 96},
		{"after", RoundAfter, 108},
		{"closest", RoundClosest, 96},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			video := videoFeed(t, "video", 400, 64, videoGOP)
			h := newHarness(t, Options{
				XS:     []string{"T0:00:04"},
				XE:     []string{"T0:00:08"},
				XRound: tt.round,
			}, video)
			h.run()

			vout := h.collected("video")
			require.NotEmpty(t, vout)
			assert.Equal(t, tt.wantFirst, frameIndex(vout[0].data))
		})
	}
}

func TestRoundClosestPicksNearerSAP(t *testing.T) {
	t.Parallel()

	// 4.28 s sits between SAPs 96 (3.84 s) and 108 (4.32 s); 108 is closer
	video := videoFeed(t, "video", 400, 64, videoGOP)
	h := newHarness(t, Options{
		XS:     []string{"T0:00:04.280"},
		XE:     []string{"T0:00:08"},
		XRound: RoundClosest,
	}, video)
	h.run()

	vout := h.collected("video")
	require.NotEmpty(t, vout)
	assert.Equal(t, uint32(108), frameIndex(vout[0].data))
}

func TestIdentityRangeReemitsInput(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 100, 64, videoGOP)
	audio := audioFeed(t, "audio", 187)
	h := newHarness(t, Options{
		XS: []string{"T0:00:00"},
	}, video, audio)
	h.run()

	vout := h.collected("video")
	require.Len(t, vout, 100)
	for i, p := range vout {
		assert.Equal(t, uint32(i), frameIndex(p.data))
		assert.Equal(t, uint64(i*videoFrameDur), p.dts)
	}
	aout := h.collected("audio")
	require.Len(t, aout, 187)
	for i, p := range aout {
		assert.Equal(t, uint64(i*audioPckSamples), p.cts)
	}
}

func TestChunkStartsAreSAPAligned(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 750, 64, videoGOP)
	audio := audioFeed(t, "audio", 1400)
	h := newHarness(t, Options{
		XS:         []string{"T0:00:01", "T0:00:05", "T0:00:20"},
		XE:         []string{"T0:00:02", "T0:00:06", "T0:00:21"},
		SplitRange: true,
	}, video, audio)
	h.run()

	vout := h.collected("video")
	require.NotEmpty(t, vout)
	for _, p := range vout {
		if _, ok := p.props[filter.PropFileNumber]; ok {
			assert.Equal(t, filter.SAP1, p.sap, "chunk start must be a SAP")
		}
	}
	requireMonotoneDTS(t, vout)
	requireMonotoneDTS(t, h.collected("audio"))
}

func TestUnparsableRangeEndsExtraction(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 50, 64, videoGOP)
	h := newHarness(t, Options{
		XS: []string{"bogus-date"},
	}, video)
	h.run()

	assert.Empty(t, h.collected("video"))
}

func TestPlayEventRewritesStartRange(t *testing.T) {
	t.Parallel()

	video := videoFeed(t, "video", 50, 64, videoGOP)
	h := newHarness(t, Options{
		XS:       []string{"T0:00:30"},
		SeekSafe: 10,
	}, video)

	h.r.ProcessEvent(h.opids[0], filter.Event{Type: filter.EventPlay, Speed: 1})

	// the 30 s start is rewritten to 20 s by the safety rewind; the 2 s feed
	// runs out and resumes at its last sync point
	assert.True(t, video.playing)
	assert.Equal(t, 48, video.pos)
	h.r.Finalize()
}
