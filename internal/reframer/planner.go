package reframer

import (
	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/timing"
)

// checkGOPSplit computes the common end cut for SAP, size, and duration
// split modes. Each stream contributes the timestamp of its (1+gopDepth)-th
// queued SAP; the minimum over non-all-SAP streams wins, falling back to
// all-SAP streams. Size split grows gopDepth until the estimated chunk size
// brackets the target, then picks a side according to the rounding policy.
func (r *Reframer) checkGOPSplit() {
	count := len(r.streams)
	flushAll := false

	if r.minTSScale == 0 {
		var minTS, minTSA uint64
		var minScale, minScaleA uint32
		nbEOS := 0
		hasEmptyStreams := false
		waitForSAP := false

		for _, st := range r.streams {
			nbSAP := 0
			var lastSAPTS uint64
			if st.inEOS {
				nbEOS++
				if len(st.pckQueue) == 0 {
					hasEmptyStreams = true
					continue
				}
			}

			for _, pck := range st.pckQueue {
				if !r.opts.Raw && (pck.SAP() < filter.SAP1 || pck.SAP() > filter.SAP3) {
					continue
				}
				ts := st.packetTS(pck)
				nbSAP++
				if nbSAP <= 1+r.gopDepth {
					continue
				}
				lastSAPTS = ts
				break
			}
			// flush as soon as a stream in EOS can no longer provide two
			// consecutive SAPs
			if lastSAPTS == 0 {
				if st.inEOS && !flushAll && st.reinsertSinglePck == nil {
					flushAll = true
				} else if !st.allSAPs {
					waitForSAP = true
				}
			}

			if st.allSAPs {
				if minScaleA == 0 || timing.Less(lastSAPTS, uint64(st.timescale), minTSA, uint64(minScaleA)) {
					minTSA = lastSAPTS
					minScaleA = st.timescale
				}
			} else {
				if minScale == 0 || timing.Less(lastSAPTS, uint64(st.timescale), minTS, uint64(minScale)) {
					minTS = lastSAPTS
					minScale = st.timescale
				}
			}
		}

		// flush as soon as a stream in EOS has nothing left queued
		if nbEOS > 0 && hasEmptyStreams {
			flushAll = true
		}

		// when flushing, the maximum end time of the last queued packets
		// becomes the final cut
		if flushAll {
			for _, st := range r.streams {
				if !st.inEOS {
					return
				}
				pck := st.queueLast()
				if pck == nil {
					continue
				}
				dur := pck.Duration()
				if dur == 0 {
					dur = 1
				}
				ts := st.packetTS(pck) + uint64(dur)
				if minTS == 0 || timing.Greater(ts, uint64(st.timescale), minTS, uint64(minScale)) {
					minTS = ts
					minScale = st.timescale
				}
			}
		}

		if minTS == 0 {
			// video not ready, need more input
			if waitForSAP {
				return
			}
			minTS = minTSA
			minScale = minScaleA
		}
		if minTS == 0 {
			// other streams not ready, need more input
			if nbEOS < count {
				return
			}
		} else {
			r.minTSScale = minScale
			r.minTSComputed = minTS
		}
	}

	// all streams must have packets reaching the candidate, unless flushing
	if !flushAll {
		for _, st := range r.streams {
			if st.startState == startEOS || st.reinsertSinglePck != nil {
				continue
			}
			pck := st.queueLast()
			if pck == nil {
				return
			}
			ts := st.packetTS(pck)
			if timing.Less(ts, uint64(st.timescale), r.minTSComputed, uint64(r.minTSScale)) {
				return
			}
		}
	}

	if r.extractMode == extractSize {
		nbStopAtMinTS := 0
		var cumulatedSize uint64
		nbEOS := 0

		for _, st := range r.streams {
			found := false
			drained := true
			for _, pck := range st.pckQueue {
				ts := st.packetTS(pck)
				if !timing.Less(ts, uint64(st.timescale), r.minTSComputed, uint64(r.minTSScale)) {
					nbStopAtMinTS++
					found = true
					drained = false
					break
				}
				cumulatedSize += uint64(len(pck.Data()))
			}
			if drained && st.inEOS && !found {
				nbEOS++
			}
		}

		// estimated size below target: remember this candidate and ask for
		// one more GOP, unless the candidate stopped advancing
		if cumulatedSize < r.splitSize && r.minTSScale != 0 &&
			(r.prevMinTSComputed == 0 || r.prevMinTSComputed < r.minTSComputed) {
			if nbStopAtMinTS+nbEOS == count {
				r.estFileSize = cumulatedSize
				r.prevMinTSComputed = r.minTSComputed
				r.prevMinTSScale = r.minTSScale
				r.minTSComputed = 0
				r.minTSScale = 0
				r.gopDepth++
			}
			return
		}

		usePrev := false
		switch r.opts.XRound {
		case RoundBefore:
			usePrev = true
		case RoundAfter:
			usePrev = false
		default:
			diffPrev := int64(r.splitSize) - int64(r.estFileSize)
			diffCur := int64(r.splitSize) - int64(cumulatedSize)
			usePrev = abs64(diffCur) >= abs64(diffPrev)
		}
		if r.prevMinTSScale == 0 {
			usePrev = false
		}

		if usePrev {
			r.minTSComputed = r.prevMinTSComputed
			r.minTSScale = r.prevMinTSScale
		} else {
			r.estFileSize = cumulatedSize
		}
		r.log.Info("split computed", "estimate", which(usePrev, "previous", "current"), "file_size", r.estFileSize)
		r.prevMinTSComputed = 0
		r.prevMinTSScale = 0
	}

	// good to go
	r.inRange = true
	r.gopDepth = 0
	for _, st := range r.streams {
		st.rangeEndReachedTS = r.minTSComputed * uint64(st.timescale)
		if r.minTSScale != 0 {
			st.rangeEndReachedTS /= uint64(r.minTSScale)
		}
		st.rangeEndReachedTS++
		st.firstPckSent = false
		if pck := st.queueHead(); pck != nil {
			st.tsAtRangeStartPlusOne = st.packetTS(pck) + 1
		} else {
			// this pid only signals EOS for the chunk
			st.rangeEndReachedTS = 0
		}
	}
	r.curEnd = timing.Rational{Num: int64(r.minTSComputed), Den: uint64(r.minTSScale)}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

func which(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}
