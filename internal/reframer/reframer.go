// Package reframer implements the range extraction and splitting engine: a
// multi-stream filter that rewrites framed media streams onto a continuous
// timeline covering one or more extraction windows, optionally paced in real
// time, filtered by SAP class or frame index, and split into chunks by
// duration, size, or at each SAP boundary.
//
// The engine only consumes the abstract pid and packet capabilities of the
// filter package; sessions, codec parsing, and muxing live elsewhere.
package reframer

import (
	"log/slog"
	"strings"
	"time"

	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/timing"
)

// Real-time pacing modes.
const (
	RTOff = iota
	RTOn
	RTSync
)

// Start-cut rounding policies.
const (
	RoundBefore = iota
	RoundAfter
	RoundClosest
)

// Range progression states.
const (
	rangeNone = iota
	rangeClosed
	rangeOpen
	rangeDone
)

// Extraction modes, decided by the first xs endpoint.
const (
	extractNone = iota
	extractRange
	extractSAP
	extractSize
	extractDur
)

// rtPrecisionUS is the scheduling slack of the real-time pacer: a packet is
// released when wall-clock progress is within this many microseconds of its
// media time.
const rtPrecisionUS = 2000

// Options configures a Reframer. The zero value passes all packets through
// untouched.
type Options struct {
	// RT selects real-time pacing: RTOff, RTOn (one clock per pid) or
	// RTSync (a single clock shared by all pids).
	RT int
	// Speed is the playback multiplier for real-time pacing; only its
	// magnitude is used.
	Speed float64
	// SAPs keeps only packets of the listed SAP classes (0 keeps non-SAP).
	SAPs []int
	// Refs drops frames not used as references, when flagged by upstream.
	Refs bool
	// Raw marks inputs as decoded; every packet then counts as a SAP.
	Raw bool
	// Frames is a 1-based whitelist of frame indices, applied per stream
	// when no range extraction is active.
	Frames []uint64
	// XS and XE hold the textual extraction range start and end points.
	XS, XE []string
	// XRound selects the start-cut rounding policy.
	XRound int
	// XAdjust snaps the end of a range to the frame before the next video
	// SAP.
	XAdjust bool
	// NoSAP treats every packet as a SAP when locating cuts.
	NoSAP bool
	// SplitRange decorates the first packet of each chunk with FileNumber
	// and FileSuffix.
	SplitRange bool
	// SeekSafe is the rewind margin in seconds applied to seek requests.
	SeekSafe float64
	// TcmdRW rewrites timecode sample counters when splitting.
	TcmdRW bool
	// Props lists extra per-range output property strings (name=value,
	// comma separated within one range).
	Props []string
}

// Reframer is the process-wide extraction state. It is owned by a single
// session and must only be touched from that session's process ticks.
type Reframer struct {
	log  *slog.Logger
	opts Options

	streams []*stream

	// emission filter masks derived from opts.SAPs
	filterSAP1, filterSAP2, filterSAP3, filterSAP4, filterSAPNone bool

	// real-time pacing
	clockStream  *stream
	rescheduleIn uint64
	clockVal     uint64
	nowUS        func() uint64

	rangeType   int
	curRangeIdx int
	curStart    timing.Rational
	curEnd      timing.Rational

	startFrameIdxPlusOne uint64
	endFrameIdxPlusOne   uint64

	inRange  bool
	seekable bool

	extractDur        timing.Rational
	extractMode       int
	isRangeExtraction bool
	fileIdx           int

	minTSComputed     uint64
	minTSScale        uint32
	splitSize         uint64
	estFileSize       uint64
	prevMinTSComputed uint64
	prevMinTSScale    uint32
	gopDepth          int

	waitVideoRangeAdjust bool
	hasSeenEOS           bool
	eosState             int
	nbNonSAPs            int

	nbVideoFramesSinceStart             uint64
	nbVideoFramesSinceStartAtRangeStart uint64
}

// New creates a Reframer. If log is nil, slog.Default() is used.
func New(opts Options, log *slog.Logger) *Reframer {
	if log == nil {
		log = slog.Default()
	}
	if opts.Speed == 0 {
		opts.Speed = 1
	}
	if opts.SeekSafe == 0 {
		opts.SeekSafe = 10
	}
	r := &Reframer{
		log:      log.With("component", "reframer"),
		opts:     opts,
		seekable: true,
	}
	epoch := time.Now()
	r.nowUS = func() uint64 { return uint64(time.Since(epoch).Microseconds()) }

	for _, sap := range opts.SAPs {
		switch sap {
		case 1:
			r.filterSAP1 = true
		case 2:
			r.filterSAP2 = true
		case 3:
			r.filterSAP3 = true
		case 4:
			r.filterSAP4 = true
		default:
			r.filterSAPNone = true
		}
	}

	r.loadRange()
	return r
}

// SetClock overrides the wall-clock source used by real-time pacing.
func (r *Reframer) SetClock(nowUS func() uint64) { r.nowUS = nowUS }

// RescheduleIn reports the delay after which the session should re-enter
// Process when real-time pacing held packets back this tick.
func (r *Reframer) RescheduleIn() time.Duration {
	if r.rescheduleIn == 0 {
		return 0
	}
	return rtPrecisionUS * time.Microsecond
}

// ConfigurePid registers (or reconfigures) an input/output pid pair and
// ingests the input pid's declared properties.
func (r *Reframer) ConfigurePid(ipid filter.PidIn, opid filter.PidOut) {
	st := r.streamForInput(ipid)
	if st == nil {
		st = &stream{
			ipid:    ipid,
			opid:    opid,
			allSAPs: true,
		}
		r.streams = append(r.streams, st)
	}

	st.timescale = 1000
	if v, ok := ipid.Property(filter.PropTimescale).(uint32); ok && v != 0 {
		st.timescale = v
	}

	// reconfiguration rearms SAP tracking
	if !st.allSAPs {
		r.nbNonSAPs--
		st.allSAPs = true
	}

	st.streamType = filter.StreamTypeOther
	if v, ok := ipid.Property(filter.PropStreamType).(int); ok {
		st.streamType = v
	}
	st.canSplit = st.streamType == filter.StreamTypeText

	st.codecID = filter.CodecUnknown
	if v, ok := ipid.Property(filter.PropCodecID).(string); ok {
		st.codecID = v
	}

	st.numChannels, st.bytesPerFrame, st.sampleRate = 0, 0, 0
	st.planar = false
	if st.codecID == filter.CodecRaw && st.streamType == filter.StreamTypeAudio {
		if v, ok := ipid.Property(filter.PropAudioBPS).(uint32); ok {
			st.bytesPerFrame = v
		}
		if v, ok := ipid.Property(filter.PropNumChannels).(uint32); ok {
			st.numChannels = v
		}
		st.sampleRate = st.timescale
		if v, ok := ipid.Property(filter.PropSampleRate).(uint32); ok {
			st.sampleRate = v
		}
		if v, ok := ipid.Property(filter.PropAudioPlanar).(bool); ok {
			st.planar = v
		}
	}

	st.needsAdjust = r.opts.XAdjust

	// negative delay is a decoder-side CTS offset and stays in the stream
	st.tkDelay = 0
	if v, ok := ipid.Property(filter.PropDelay).(int64); ok && v > 0 {
		st.tkDelay = uint64(v)
	}

	if v, ok := ipid.Property(filter.PropPlaybackMode).(int); ok {
		if v < filter.PlaybackModeFastForward {
			r.seekable = false
		}
	} else {
		r.seekable = false
	}

	r.pushProps(st)

	if r.curRangeIdx >= 1 && r.curRangeIdx <= len(r.opts.Props) {
		pushPropString(st.opid, r.opts.Props[r.curRangeIdx-1])
	}
}

// RemovePid drops a pid pair, releasing all retained references.
func (r *Reframer) RemovePid(ipid filter.PidIn) {
	for i, st := range r.streams {
		if st.ipid == ipid {
			st.opid.SetEOS()
			st.reset()
			r.streams = append(r.streams[:i], r.streams[i+1:]...)
			return
		}
	}
}

// Finalize releases every reference still held by the engine.
func (r *Reframer) Finalize() {
	for _, st := range r.streams {
		st.reset()
	}
	r.streams = nil
}

// pushProps resets the output pid properties from the input pid and applies
// the reframer-level overrides.
func (r *Reframer) pushProps(st *stream) {
	st.opid.CopyPropertiesFrom(st.ipid)
	// when range processing, frames outside the target range are dropped,
	// so the positive delay must not be forwarded
	if r.rangeType != rangeNone && st.tkDelay > 0 {
		st.opid.SetProperty(filter.PropDelay, nil)
	}
	if r.filterSAP1 || r.filterSAP2 {
		// stripping non-sync packets: every remaining sample is sync
		st.opid.SetProperty(filter.PropHasSync, false)
	}
}

func (r *Reframer) streamForInput(ipid filter.PidIn) *stream {
	for _, st := range r.streams {
		if st.ipid == ipid {
			return st
		}
	}
	return nil
}

func (r *Reframer) streamForOutput(opid filter.PidOut) *stream {
	for _, st := range r.streams {
		if st.opid == opid {
			return st
		}
	}
	return nil
}

// pushPropString applies one per-range property specification of the form
// "name=value[,name=value...]" to an output pid.
func pushPropString(opid filter.PidOut, spec string) {
	for _, item := range strings.Split(spec, ",") {
		if item == "" {
			continue
		}
		name, value, _ := strings.Cut(item, "=")
		opid.SetProperty(name, value)
	}
}
