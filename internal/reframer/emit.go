package reframer

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/timing"
)

// dropPacket releases a packet after a decision: queued packets give back
// their queue reference, live packets are consumed from the input pid.
func (r *Reframer) dropPacket(st *stream, pck filter.Packet, pckIsRef bool) {
	if pckIsRef {
		st.popQueue()
		pck.Unref()
	} else {
		st.ipid.DropPacket()
	}
}

// copyRawAudio copies nbSamples sample frames starting at the given sample
// offset from src into dst, preserving the source channel layout. Planar
// sources pack each channel's samples contiguously; interleaved sources pack
// whole sample frames.
func copyRawAudio(st *stream, src, dst []byte, offset, nbSamples uint32) {
	if st.planar {
		stride := uint32(len(src)) / st.numChannels
		bps := st.bytesPerFrame / st.numChannels
		for i := uint32(0); i < st.numChannels; i++ {
			copy(dst[i*bps*nbSamples:(i+1)*bps*nbSamples],
				src[i*stride+offset*bps:i*stride+offset*bps+nbSamples*bps])
		}
	} else {
		copy(dst, src[offset*st.bytesPerFrame:(offset+nbSamples)*st.bytesPerFrame])
	}
}

// sendPacket emits one decided packet, rewriting its timestamps onto the
// continuous output timeline. It returns false when real-time pacing held
// the packet back and emission must stop for this tick.
func (r *Reframer) sendPacket(st *stream, pck filter.Packet, pckIsRef bool) bool {
	doSend := r.rtCheckSend(st, pck)

	// frame whitelist, applied per stream when not range extracting
	if r.rangeType == rangeNone && len(r.opts.Frames) > 0 {
		found := false
		for _, idx := range r.opts.Frames {
			if idx == st.nbFrames+1 {
				found = true
				break
			}
		}
		if !found {
			st.ipid.DropPacket()
			st.nbFrames++
			return true
		}
	}

	if !doSend {
		return false
	}

	if st.tsAtRangeStartPlusOne != 0 {
		r.sendRangePacket(st, pck)
	} else {
		st.opid.Forward(pck)
	}

	r.dropPacket(st, pck, pckIsRef)
	st.nbFrames++

	if st.streamType == filter.StreamTypeVisual && st.nbFrames > r.nbVideoFramesSinceStart {
		r.nbVideoFramesSinceStart = st.nbFrames
	}
	return true
}

// sendRangePacket clones the packet for the current chunk, applying
// sub-packet slicing, timecode rewriting, boundary properties, and the
// continuous-timeline timestamp rewrite.
func (r *Reframer) sendRangePacket(st *stream, pck filter.Packet) {
	isSplit := false
	var ctsOffset, dur uint32

	var newPck filter.OutPacket
	switch {
	case r.opts.TcmdRW && st.codecID == filter.CodecTMCD && st.splitStart != 0 && r.nbVideoFramesSinceStartAtRangeStart != 0:
		// timecode payload is a frame counter: shift it by the number of
		// video frames emitted before this chunk
		newPck = st.opid.NewPacketCopy(pck)
		if data := newPck.Data(); len(data) >= 4 {
			binary.BigEndian.PutUint32(data, binary.BigEndian.Uint32(data)+uint32(r.nbVideoFramesSinceStartAtRangeStart))
		}

	case pck == st.splitPck && st.audioSamplesToKeep != 0:
		// head of an audio packet straddling the range end: keep the
		// leading samples
		newPck = st.opid.NewPacketAlloc(int(st.audioSamplesToKeep * st.bytesPerFrame))
		copyRawAudio(st, pck.Data(), newPck.Data(), 0, st.audioSamplesToKeep)
		dur = st.audioSamplesToKeep

	case st.audioSamplesToKeep != 0:
		// tail of an audio packet straddling the range start: drop the
		// leading samples
		totalSamples := uint32(len(pck.Data())) / st.bytesPerFrame
		keep := totalSamples - st.audioSamplesToKeep
		newPck = st.opid.NewPacketAlloc(int(keep * st.bytesPerFrame))
		copyRawAudio(st, pck.Data(), newPck.Data(), st.audioSamplesToKeep, keep)
		dur = keep
		ctsOffset = st.audioSamplesToKeep
		st.audioSamplesToKeep = 0

	default:
		newPck = st.opid.NewPacketRef(pck)
	}
	newPck.MergePropertiesFrom(pck)

	if ctsOffset != 0 || dur != 0 {
		if st.timescale != st.sampleRate {
			ctsOffset = uint32(timing.Rescale(uint64(ctsOffset), st.sampleRate, st.timescale))
			dur = uint32(timing.Rescale(uint64(dur), st.sampleRate, st.timescale))
		}
		newPck.SetDuration(dur)
		// on the first range, the dropped head shifts the chunk origin
		if ctsOffset != 0 && r.curRangeIdx == 1 {
			st.tsAtRangeStartPlusOne += uint64(ctsOffset)
		}
	}

	if !st.firstPckSent {
		st.firstPckSent = true
		r.markChunkStart(st, newPck)
	}

	// rewrite timestamps onto the continuous output timeline
	if cts := pck.CTS(); cts != filter.NoTS {
		ts := int64(cts) + int64(ctsOffset) + int64(st.tkDelay) +
			int64(st.tsAtRangeEnd) - int64(st.tsAtRangeStartPlusOne-1)
		if ts < 0 {
			r.log.Warn("negative timestamp while splitting, range estimation went wrong, forcing to 0")
			ts = 0
		}
		newPck.SetCTS(uint64(ts))
		if r.opts.Raw {
			newPck.SetDTS(uint64(ts))
		}
	}
	if !r.opts.Raw {
		if dts := pck.DTS(); dts != filter.NoTS {
			ts := int64(dts) + int64(ctsOffset) + int64(st.tkDelay) +
				int64(st.tsAtRangeEnd) - int64(st.tsAtRangeStartPlusOne-1)
			if ts < 0 {
				ts = 0
			}
			newPck.SetDTS(uint64(ts))
		}
	}

	// leading slice consumed by the previous chunk
	if st.splitStart != 0 {
		pdur := pck.Duration()
		// a source packet no longer than the leading slice keeps its own
		// duration
		if pdur > st.splitStart {
			pdur -= st.splitStart
		}
		newPck.SetDuration(pdur)
		st.tsAtRangeStartPlusOne += uint64(st.splitStart)
		st.splitStart = 0
		isSplit = true
	}
	// trailing slice: force the boundary duration on the last queued packet
	if st.splitEnd != 0 && len(st.pckQueue) == 1 {
		newPck.SetDuration(st.splitEnd)
		st.splitEnd = 0
		isSplit = true
	}
	// reinserted packet: clamp its duration to the chunk span
	if !st.canSplit && !isSplit && st.reinsertSinglePck != nil {
		if st.rangeEndReachedTS != 0 {
			ndur := st.rangeEndReachedTS - (st.tsAtRangeStartPlusOne - 1)
			if ndur != 0 && ndur < uint64(pck.Duration()) {
				newPck.SetDuration(uint32(ndur))
			}
			st.splitStart = uint32(ndur)
		}
	}

	st.opid.Send(newPck)
}

// markChunkStart decorates the first packet of a chunk with the boundary
// properties used downstream for template-based file generation.
func (r *Reframer) markChunkStart(st *stream, newPck filter.OutPacket) {
	if r.extractMode == extractRange {
		newPck.SetProperty(filter.PropFileNumber, r.curRangeIdx)

		start := r.opts.XS[r.curRangeIdx-1]
		end := ""
		if r.rangeType == rangeClosed && r.curRangeIdx <= len(r.opts.XE) {
			end = r.opts.XE[r.curRangeIdx-1]
		}

		if strings.ContainsRune(start, '/') {
			// fraction endpoints: numeric suffix in seconds
			suffix := fmt.Sprintf("%d", r.curStart.Num/int64(r.curStart.Den))
			if r.curEnd.IsSet() {
				suffix = fmt.Sprintf("%d-%d", r.curStart.Num/int64(r.curStart.Den), r.curEnd.Num/int64(r.curEnd.Den))
			}
			newPck.SetProperty(filter.PropFileSuffix, suffix)
		} else {
			suffix := start
			if end != "" {
				suffix += "_" + end
			}
			suffix = strings.Map(func(c rune) rune {
				if c == ':' || c == '/' {
					return '.'
				}
				return c
			}, suffix)
			newPck.SetProperty(filter.PropFileSuffix, suffix)
		}
	} else {
		newPck.SetProperty(filter.PropFileNumber, r.fileIdx)
		newPck.SetProperty(filter.PropFileSuffix,
			fmt.Sprintf("%d-%d", r.curStart.Millis(), r.curEnd.Millis()))
	}
}
