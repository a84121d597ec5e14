package reframer

import (
	"github.com/zsiec/reframe/internal/filter"
)

// Start-cut resolution states for one stream within the current range.
const (
	// startUnset: no start cut selected yet, keep fetching packets.
	startUnset = 0
	// startFound: a SAP was selected as this stream's start cut.
	startFound = 1
	// startEOS: the stream ended before the range start; it contributes
	// nothing and is excluded from the min-ts vote.
	startEOS = 2
	// startReinsert: single-packet stream, its packet is reinserted at
	// every chunk start.
	startReinsert = 3
)

// stream carries the per-pid extraction state. Several fields use a
// plus-one sentinel (0 = unset) so a legitimate zero timestamp stays
// distinguishable from "not computed".
type stream struct {
	ipid filter.PidIn
	opid filter.PidOut

	timescale  uint32
	streamType int
	codecID    string

	// raw audio geometry, used for sub-packet sample cuts
	sampleRate    uint32
	numChannels   uint32
	bytesPerFrame uint32
	planar        bool

	// tkDelay is the non-negative declared delay added to every timestamp
	// read. Negative declared delays are decoder-side CTS offsets and stay
	// in the stream.
	tkDelay uint64

	// canSplit is set for text streams, whose packets can be sliced by
	// duration. Raw audio cuts use audioSamplesToKeep instead.
	canSplit bool

	// allSAPs stays true until the first non-SAP packet is seen, then flips
	// permanently; non-all-SAP streams need SAP-aligned cuts.
	allSAPs bool

	// needsAdjust marks the stream owning end-cut adjustment when xadjust
	// is on.
	needsAdjust bool

	useBlockingRefs bool

	// pckQueue holds referenced input packets until cut decisions are made.
	// It is DTS-monotone, mirroring upstream arrival order.
	pckQueue []filter.Packet

	// reinsertSinglePck keeps the first packet iff it is the only packet
	// ever seen (stills, scene description); cleared when a second arrives.
	reinsertSinglePck filter.Packet

	// splitPck is retained across ticks when a packet straddles the end
	// cut; it re-enters the next range's queue as its first packet.
	splitPck filter.Packet

	startState        int
	sapTSPlusOne      uint64
	prevSAPTS         uint64
	prevSAPFrame      uint64
	rangeEndReachedTS uint64

	// tsAtRangeStartPlusOne maps the media timestamp of the chunk's first
	// retained packet; tsAtRangeEnd accumulates media time consumed by
	// previous chunks so the output timeline stays continuous.
	tsAtRangeStartPlusOne uint64
	tsAtRangeEnd          uint64

	// sub-packet slice residuals in timescale ticks (text slicing and
	// reinserted-packet duration clamping)
	splitStart uint32
	splitEnd   uint32

	// audioSamplesToKeep counts leading samples of a raw-audio packet at a
	// cut boundary: retained at the end cut, dropped at the start cut.
	audioSamplesToKeep uint32

	firstPckSent bool
	inEOS        bool
	isPlaying    bool

	nbFrames      uint64
	nbFramesRange uint64

	// real-time pacing anchors
	ctsUSAtInit    uint64
	sysClockAtInit uint64
}

// reset releases every reference the stream still holds.
func (st *stream) reset() {
	for _, pck := range st.pckQueue {
		pck.Unref()
	}
	st.pckQueue = nil
	if st.splitPck != nil {
		st.splitPck.Unref()
		st.splitPck = nil
	}
	if st.reinsertSinglePck != nil {
		st.reinsertSinglePck.Unref()
		st.reinsertSinglePck = nil
	}
}

// queueHead returns the first queued packet, or nil.
func (st *stream) queueHead() filter.Packet {
	if len(st.pckQueue) == 0 {
		return nil
	}
	return st.pckQueue[0]
}

// queueLast returns the last queued packet, or nil.
func (st *stream) queueLast() filter.Packet {
	if len(st.pckQueue) == 0 {
		return nil
	}
	return st.pckQueue[len(st.pckQueue)-1]
}

// popQueue removes and returns the head packet without releasing its ref.
func (st *stream) popQueue() filter.Packet {
	if len(st.pckQueue) == 0 {
		return nil
	}
	pck := st.pckQueue[0]
	st.pckQueue[0] = nil
	st.pckQueue = st.pckQueue[1:]
	return pck
}

// packetTS reads the decision timestamp of a packet on this stream: DTS when
// present, else CTS, plus the track delay.
func (st *stream) packetTS(pck filter.Packet) uint64 {
	ts := pck.DTS()
	if ts == filter.NoTS {
		ts = pck.CTS()
	}
	if ts == filter.NoTS {
		return filter.NoTS
	}
	return ts + st.tkDelay
}
