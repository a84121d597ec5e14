package reframer

import (
	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/rangespec"
	"github.com/zsiec/reframe/internal/timing"
)

// loadRange advances the configuration to the next extraction range. It is
// called at init and whenever a chunk completes. In duration/SAP/size split
// modes the range list is not consumed; the current window slides instead.
func (r *Reframer) loadRange() {
	r.nbVideoFramesSinceStartAtRangeStart = r.nbVideoFramesSinceStart

	if r.extractMode == extractDur {
		r.curStart.Num += r.extractDur.Num * int64(r.curStart.Den) / int64(r.extractDur.Den)
		r.curEnd.Num += r.extractDur.Num * int64(r.curEnd.Den) / int64(r.extractDur.Den)
		r.fileIdx++
		return
	}
	if r.extractMode == extractSAP || r.extractMode == extractSize {
		r.curStart = r.curEnd
		r.minTSComputed = 0
		r.minTSScale = 0
		r.fileIdx++
		return
	}

	doSeek := r.seekable
	resetASplit := true
	prevFrame := r.startFrameIdxPlusOne
	prevEnd := r.curEnd

	r.startFrameIdxPlusOne = 0
	r.endFrameIdxPlusOne = 0
	r.curStart = timing.Rational{}
	r.curEnd = timing.Rational{}

	if len(r.opts.XS) == 0 {
		if r.rangeType != rangeNone {
			r.terminateRanges()
		}
		return
	}
	if r.curRangeIdx >= len(r.opts.XS) {
		r.terminateRanges()
		return
	}

	startDate := r.opts.XS[r.curRangeIdx]
	endDate := ""
	if r.curRangeIdx < len(r.opts.XE) {
		endDate = r.opts.XE[r.curRangeIdx]
	} else if r.curRangeIdx+1 < len(r.opts.XS) {
		// the next range's start doubles as this range's end
		endDate = r.opts.XS[r.curRangeIdx+1]
	}

	r.curRangeIdx++
	if endDate == "" {
		r.rangeType = rangeOpen
	} else {
		r.rangeType = rangeClosed
	}

	start, err := rangespec.Parse(startDate)
	if err != nil {
		r.log.Warn("cannot parse start date, skipping range", "error", err)
		r.extractMode = extractNone
		// restore the previous range bounds so the next range's seek
		// decision compares against them
		r.startFrameIdxPlusOne = prevFrame
		r.curEnd = prevEnd
		r.loadRange()
		return
	}
	switch start.Kind {
	case rangespec.KindTime:
		r.extractMode = extractRange
		r.curStart = start.Time
	case rangespec.KindFrame:
		r.extractMode = extractRange
		r.startFrameIdxPlusOne = start.FrameIdxPlusOne
	case rangespec.KindSAPSplit:
		r.extractMode = extractSAP
		r.curStart = start.Time
	case rangespec.KindDurSplit:
		r.extractMode = extractDur
		r.curStart = start.Time
	case rangespec.KindSizeSplit:
		r.extractMode = extractSize
	}

	if r.startFrameIdxPlusOne != 0 {
		// frame-based range: seek when jumping forward or when the previous
		// range used time endpoints
		if r.startFrameIdxPlusOne > prevFrame {
			doSeek = true
		}
	} else if !prevEnd.IsSet() {
		doSeek = true
	} else {
		if r.curStart.Num*int64(prevEnd.Den) < prevEnd.Num*int64(r.curStart.Den) {
			doSeek = true
		} else if float64(r.curStart.Num)*float64(prevEnd.Den) < (float64(prevEnd.Num)+r.opts.SeekSafe*float64(prevEnd.Den))*float64(r.curStart.Den) {
			// close enough ahead of the previous end to just read forward
			doSeek = false
		}
	}
	// the initial PLAY request carries the first range start
	if r.curRangeIdx == 1 {
		doSeek = false
	}

	if !r.seekable && doSeek {
		r.log.Error("ranges not in order and input not seekable, aborting extraction")
		r.terminateRanges()
		return
	}

	r.isRangeExtraction = r.extractMode == extractRange || r.extractMode == extractDur

	if r.extractMode != extractRange {
		endDate = ""
		switch r.extractMode {
		case extractDur:
			r.extractDur = r.curStart
			r.curStart = timing.Rational{Num: 0, Den: r.extractDur.Den}
			r.curEnd = r.extractDur
			r.rangeType = rangeClosed
			r.fileIdx = 1
			r.opts.SplitRange = true
			r.opts.XAdjust = true
		case extractSize:
			r.opts.SplitRange = true
			r.splitSize = start.SizeBytes
			if r.splitSize == 0 {
				r.log.Warn("invalid split size", "size", r.splitSize)
				r.terminateRanges()
				return
			}
			r.fileIdx = 1
		case extractSAP:
			r.opts.SplitRange = true
		}
	}
	if endDate != "" {
		end, err := rangespec.Parse(endDate)
		if err != nil {
			r.log.Warn("cannot parse end date, assuming open range", "error", err)
			r.rangeType = rangeOpen
		} else {
			r.curEnd = end.Time
			r.endFrameIdxPlusOne = end.FrameIdxPlusOne
		}
	}

	if prevEnd.IsSet() && prevEnd.Num*int64(r.curStart.Den) == int64(prevEnd.Den)*r.curStart.Num {
		resetASplit = false
	}

	// reset real-time anchors and issue seek requests
	if r.opts.RT != RTOff || doSeek || resetASplit {
		startRange := 0.0
		if doSeek {
			startRange = r.curStart.Seconds()
			if startRange > r.opts.SeekSafe {
				startRange -= r.opts.SeekSafe
			} else {
				startRange = 0
			}
			r.hasSeenEOS = false
		}
		for _, st := range r.streams {
			if r.opts.RT != RTOff {
				st.ctsUSAtInit = 0
				st.sysClockAtInit = 0
			}
			if doSeek {
				st.ipid.SendEvent(filter.Event{Type: filter.EventStop})
				st.ipid.SendEvent(filter.Event{
					Type:       filter.EventPlay,
					StartRange: startRange,
					Speed:      1,
				})
			}
			if resetASplit {
				st.audioSamplesToKeep = 0
			}
		}
	}

	if r.curRangeIdx >= 1 && r.curRangeIdx <= len(r.opts.Props) {
		for _, st := range r.streams {
			r.pushProps(st)
			pushPropString(st.opid, r.opts.Props[r.curRangeIdx-1])
			st.opid.SetProperty(filter.PropPeriodResume, "")
		}
	}
}

// terminateRanges ends extraction: upstream is stopped and discarded, output
// pids are closed.
func (r *Reframer) terminateRanges() {
	r.rangeType = rangeDone
	for _, st := range r.streams {
		st.ipid.SetDiscard(true)
		st.ipid.SendEvent(filter.Event{Type: filter.EventStop})
		st.opid.SetEOS()
	}
}

// Packet positions relative to the current range.
const (
	pckBeforeRange = 0
	pckInRange     = 1
	pckAfterRange  = 2
)

// checkPacketRange classifies a packet against the current range in the
// stream's own timescale. For raw audio, a start boundary falling inside the
// packet reports "inside" with the number of leading samples to drop; an end
// boundary falling inside the packet reports "after" with the number of
// leading samples to keep.
func (r *Reframer) checkPacketRange(st *stream, ts uint64, dur uint32, frameIdx uint64) (int, uint32) {
	if r.startFrameIdxPlusOne != 0 {
		if frameIdx < r.startFrameIdxPlusOne {
			return pckBeforeRange, 0
		}
		if r.rangeType != rangeOpen && frameIdx >= r.endFrameIdxPlusOne {
			return pckAfterRange, 0
		}
		return pckInRange, 0
	}

	var samplesAtCut uint32
	before := false
	after := false

	if timing.Less(ts, uint64(st.timescale), uint64(r.curStart.Num), r.curStart.Den) {
		before = true
		if st.bytesPerFrame > 0 &&
			timing.Greater(ts+uint64(dur), uint64(st.timescale), uint64(r.curStart.Num), r.curStart.Den) {
			nbSamp := uint64(r.curStart.Num)*uint64(st.timescale)/r.curStart.Den - ts
			if st.timescale != st.sampleRate {
				nbSamp = timing.Rescale(nbSamp, st.timescale, st.sampleRate)
			}
			samplesAtCut = uint32(nbSamp)
			before = false
		}
	}
	// after only if time+duration is strictly greater than the cut point
	if r.rangeType != rangeOpen && r.curEnd.IsSet() &&
		timing.Greater(ts+uint64(dur), uint64(st.timescale), uint64(r.curEnd.Num), r.curEnd.Den) {
		if st.bytesPerFrame > 0 &&
			timing.Less(ts, uint64(st.timescale), uint64(r.curEnd.Num), r.curEnd.Den) {
			nbSamp := uint64(r.curEnd.Num)*uint64(st.timescale)/r.curEnd.Den - ts
			if st.timescale != st.sampleRate {
				nbSamp = timing.Rescale(nbSamp, st.timescale, st.sampleRate)
			}
			samplesAtCut = uint32(nbSamp)
		}
		after = true
	}

	if before {
		if !after {
			return pckBeforeRange, samplesAtCut
		}
		// long-duration samples (typically text) can start before and end
		// after the target range
		return pckAfterRange, samplesAtCut
	}
	if after {
		return pckAfterRange, samplesAtCut
	}
	return pckInRange, samplesAtCut
}

// purgeQueues drops every queued packet ending at or before ts across all
// streams: an earlier SAP can no longer become the cut. Single-packet
// streams keep their packet for reinsertion.
func (r *Reframer) purgeQueues(ts uint64, timescale uint32) {
	for _, st := range r.streams {
		if st.reinsertSinglePck != nil {
			continue
		}
		tsRescale := timing.Rescale(ts, timescale, st.timescale)
		for {
			pck := st.queueHead()
			if pck == nil {
				break
			}
			end := st.packetTS(pck) + uint64(pck.Duration())
			if end > tsRescale {
				break
			}
			st.popQueue().Unref()
			st.nbFrames++
		}
	}
}
