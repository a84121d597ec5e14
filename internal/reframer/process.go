package reframer

import (
	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/timing"
)

// Process runs one tick: pull as many input packets as possible, decide
// cuts, and send as many output packets as pacing and the range budget
// allow. The session re-enters Process when upstream has new data, when
// downstream has capacity, or when the requested reschedule delay elapses.
func (r *Reframer) Process() (filter.Status, error) {
	if r.eosState != 0 {
		if r.eosState == 2 {
			return filter.StatusEOS, filter.ErrNotSupported
		}
		return filter.StatusEOS, nil
	}
	if r.opts.RT != RTOff {
		r.rescheduleIn = 0
		r.clockVal = r.nowUS()
	}

	count := len(r.streams)

	/* Active range processing:
	   - queue up packets per stream until the start cut is located
	   - a SAP inside the range selects this stream's start according to
	     the rounding policy; a packet past the end marks the end cut
	   - once every playing stream has a start, the global minimum becomes
	     the common cut, earlier packets are purged, and emission begins
	   - when every stream reaches its end cut, per-stream timeline offsets
	     advance and the next range is loaded */
	if r.rangeType != rangeNone && r.rangeType != rangeDone {
		nbStartRangeReached := 0
		nbNotPlaying := 0
		checkSplit := false

	fetch:
		for _, st := range r.streams {
			if !st.isPlaying {
				nbStartRangeReached++
				nbNotPlaying++
				continue
			}
			if st.startState != startUnset && !r.waitVideoRangeAdjust {
				nbStartRangeReached++
				continue
			}
			// when eos is flagged we are flushing, ignore reached ends
			if !r.hasSeenEOS && st.rangeEndReachedTS != 0 {
				continue
			}

			var pck filter.Packet
			dropInput := true
			if st.splitPck != nil {
				pck = st.splitPck
				dropInput = false
			} else {
				pck = st.ipid.Packet()
			}
			if pck == nil {
				if !st.ipid.IsEOS() {
					continue
				}
				// single-packet pids (stills, scene description) reinsert
				// their packet at the beginning of each extracted range
				if st.reinsertSinglePck != nil {
					if !r.inRange && st.startState == startUnset {
						st.startState = startReinsert
						if len(st.pckQueue) == 0 {
							st.reinsertSinglePck.Ref()
							st.pckQueue = append(st.pckQueue, st.reinsertSinglePck)
							if !r.isRangeExtraction {
								checkSplit = true
							}
						}
					}
					if st.startState != startUnset {
						nbStartRangeReached++
					}
					if !r.isRangeExtraction {
						st.inEOS = true
					}
					continue
				}

				if !r.isRangeExtraction {
					checkSplit = true
					st.inEOS = true
				} else {
					st.startState = startEOS
					if r.waitVideoRangeAdjust && r.opts.XAdjust && st.needsAdjust {
						r.waitVideoRangeAdjust = false
					}
				}
				// force a flush in duration split so the last chunk does
				// not hold a few samples of one track only
				if st.isPlaying && r.extractMode == extractDur {
					r.hasSeenEOS = true
					r.inRange = true
				}
				continue
			}
			st.nbFramesRange++

			ts := st.packetTS(pck)

			isSAP := r.opts.NoSAP || r.opts.Raw || (pck.SAP() >= filter.SAP1 && pck.SAP() <= filter.SAP3)
			if !isSAP && st.allSAPs {
				st.allSAPs = false
				r.nbNonSAPs++
				if r.nbNonSAPs > 1 {
					r.log.Warn("multiple streams using predictive coding, SAP alignment may produce broken results, consider remuxing the source",
						"streams", r.nbNonSAPs)
				}
				if r.opts.XAdjust {
					st.needsAdjust = true
					if st.startState == startFound && r.isRangeExtraction {
						r.waitVideoRangeAdjust = true
					}
				}
			}

			// SAP or size split: queue the packet and plan a cut
			if !r.isRangeExtraction {
				if pck.IsBlockingRef() {
					r.log.Error("cannot perform size/duration extraction with blocking packet references, upstream must allow data copy",
						"pid", st.ipid.Name())
					r.eosState = 2
					return filter.StatusEOS, filter.ErrNotSupported
				}
				pck.Ref()
				st.ipid.DropPacket()
				st.pckQueue = append(st.pckQueue, pck)
				checkSplit = true
				r.trackSinglePacket(st, pck)
				continue
			}

			dur := pck.Duration()

			// while the video end cut is being located, other pids stall
			if r.waitVideoRangeAdjust && !st.needsAdjust {
				continue
			}

			pckPos, samplesAtCut := r.checkPacketRange(st, ts, dur, st.nbFramesRange)

			if isSAP {
				// a SAP before the start of a lone or non-all-SAP pid
				// obsoletes every earlier queued SAP across streams
				if pckPos == pckBeforeRange && (count == 1 || !st.allSAPs) {
					r.purgeQueues(ts, st.timescale)
				}

				if !r.inRange && pckPos == pckInRange {
					r.selectStartCut(st, ts, samplesAtCut)
					nbStartRangeReached++
				}
				if pckPos != pckAfterRange {
					st.prevSAPTS = ts
					st.prevSAPFrame = st.nbFramesRange
				}
				// a needs-adjust stream started: stall the other pids until
				// its end cut is found
				if !r.waitVideoRangeAdjust && r.opts.XAdjust && st.needsAdjust {
					r.waitVideoRangeAdjust = true
				}
			}

			if r.extractMode == extractDur && r.hasSeenEOS && pckPos == pckAfterRange {
				pckPos = pckInRange
			}

			// past the end cut
			if pckPos == pckAfterRange {
				if !r.opts.XAdjust || isSAP {
					enqueue := false
					st.splitEnd = 0
					if st.startState == startUnset {
						// no SAP inside the range: start from the SAP
						// before it
						st.sapTSPlusOne = st.prevSAPTS + 1
						st.startState = startFound
						nbStartRangeReached++
						if st.prevSAPTS == ts {
							enqueue = true
						}
					}
					st.rangeEndReachedTS = ts + 1

					if st.canSplit && r.startFrameIdxPlusOne == 0 {
						// time-based end inside the packet: slice it, keep
						// the remainder for the next chunk
						if timing.Less(ts, uint64(st.timescale), uint64(r.curEnd.Num), r.curEnd.Den) {
							enqueue = true
							st.splitEnd = uint32(uint64(r.curEnd.Num)*uint64(st.timescale)/r.curEnd.Den - ts)
							st.rangeEndReachedTS += uint64(st.splitEnd)
							pck.Ref()
							st.splitPck = pck
						}
					} else if samplesAtCut != 0 && r.startFrameIdxPlusOne == 0 {
						enqueue = true
						pck.Ref()
						st.splitPck = pck
						st.audioSamplesToKeep = samplesAtCut
					}

					// video end found: snap the range end to it and resume
					// the other pids
					if r.waitVideoRangeAdjust && r.opts.XAdjust && st.needsAdjust {
						r.curEnd = timing.Rational{
							Num: int64(st.rangeEndReachedTS - 1),
							Den: uint64(st.timescale),
						}
						r.waitVideoRangeAdjust = false
					}

					if !enqueue {
						break fetch
					}
				}
			}

			// blocking refs are not parked before the range: the upstream
			// owns the data until we are actually inside
			if pck.IsBlockingRef() && pckPos == pckBeforeRange {
				st.useBlockingRefs = true
				if dropInput {
					st.ipid.DropPacket()
				}
				continue
			}

			pck.Ref()
			st.pckQueue = append(st.pckQueue, pck)
			if dropInput {
				st.ipid.DropPacket()
				r.trackSinglePacket(st, pck)
			} else {
				// the carried split packet is consumed
				st.splitPck.Unref()
				st.splitPck = nil
			}
		}

		if checkSplit {
			r.checkGOPSplit()
		}

		// every playing stream located its start: resolve the common cut
		if !r.inRange && nbStartRangeReached == count && nbNotPlaying < count && r.isRangeExtraction {
			switch r.resolveCommonStart() {
			case resolveAgain:
				return filter.StatusOK, nil
			case resolveEOS:
				return filter.StatusEOS, nil
			case resolveNextRange:
				r.handleEndOfRange()
				return filter.StatusOK, nil
			}
		}
		if !r.inRange {
			return filter.StatusOK, nil
		}
	}

	nbEOS := 0
	nbEndOfRange := 0
	for _, st := range r.streams {
		for {
			forward := true
			pckIsRef := false
			var pck filter.Packet

			if r.rangeType != rangeNone && r.rangeType != rangeDone {
				pck = st.queueHead()
				pckIsRef = true

				if pck != nil && !r.isRangeExtraction && st.rangeEndReachedTS != 0 {
					if st.packetTS(pck) >= st.rangeEndReachedTS-1 {
						nbEndOfRange++
						break
					}
				}
			} else {
				pck = st.ipid.Packet()
			}

			if pck == nil {
				if st.rangeEndReachedTS != 0 {
					nbEndOfRange++
					break
				}
				if !st.isPlaying {
					nbEOS++
				} else {
					// poll so a split pid refreshes its eos state
					if st.canSplit {
						st.ipid.Packet()
					}
					if st.ipid.IsEOS() {
						st.opid.SetEOS()
						nbEOS++
					}
				}
				break
			}

			if r.opts.Refs {
				deps := (pck.DependencyFlags() >> 2) & 0x3
				// not used as a reference, don't forward
				if deps == 2 {
					forward = false
				}
			}
			if len(r.opts.SAPs) > 0 {
				switch pck.SAP() {
				case filter.SAP1:
					forward = forward && r.filterSAP1
				case filter.SAP2:
					forward = forward && r.filterSAP2
				case filter.SAP3:
					forward = forward && r.filterSAP3
				case filter.SAP4:
					forward = forward && r.filterSAP4
				default:
					forward = forward && r.filterSAPNone
				}
			}
			if r.rangeType == rangeDone {
				forward = false
			}

			if !forward {
				r.dropPacket(st, pck, pckIsRef)
				st.nbFrames++
				continue
			}

			if !r.sendPacket(st, pck, pckIsRef) {
				break
			}
		}
	}

	// end of range on every stream: advance timeline offsets, load the next
	if nbEndOfRange+nbEOS == count && count > 0 {
		allEOS := nbEOS == count
		if r.handleEndOfRange() == count || allEOS {
			return filter.StatusEOS, nil
		}
	}
	return filter.StatusOK, nil
}

// trackSinglePacket keeps a reference to the first packet until a second one
// arrives. Blocking refs are never kept: the source is assumed to deliver
// enough packets and none will be reinserted.
func (r *Reframer) trackSinglePacket(st *stream, pck filter.Packet) {
	if !pck.IsBlockingRef() && st.nbFramesRange == 1 {
		pck.Ref()
		st.reinsertSinglePck = pck
	} else if st.reinsertSinglePck != nil {
		st.reinsertSinglePck.Unref()
		st.reinsertSinglePck = nil
	}
}

// selectStartCut picks this stream's start cut between the previous SAP and
// the current one, honoring the rounding policy. samplesAtCut shifts the
// effective timestamp of a raw-audio packet whose head will be dropped.
func (r *Reframer) selectStartCut(st *stream, ts uint64, samplesAtCut uint32) {
	tsAdj := uint64(samplesAtCut)
	if tsAdj != 0 && st.sampleRate != st.timescale {
		tsAdj = timing.Rescale(tsAdj, st.sampleRate, st.timescale)
	}

	switch r.opts.XRound {
	case RoundClosest:
		curCloser := false
		if r.startFrameIdxPlusOne != 0 {
			diffPrev := int64(r.startFrameIdxPlusOne-1) - int64(st.prevSAPFrame)
			diffCur := int64(r.startFrameIdxPlusOne-1) - int64(st.nbFramesRange)
			curCloser = abs64(diffCur) < abs64(diffPrev)
		} else {
			startRangeTS := r.curStart.ToScale(st.timescale)
			diffPrev := int64(startRangeTS) - int64(st.prevSAPTS)
			diffCur := int64(startRangeTS) - int64(ts+tsAdj)
			curCloser = abs64(diffCur) < abs64(diffPrev)
		}
		if curCloser {
			st.sapTSPlusOne = ts + tsAdj + 1
		} else {
			st.sapTSPlusOne = st.prevSAPTS + 1
		}
	case RoundBefore:
		st.sapTSPlusOne = st.prevSAPTS + 1
		// an exact hit on the requested start wins over the previous SAP
		if r.extractMode == extractRange && r.startFrameIdxPlusOne == 0 {
			if ts+tsAdj == r.curStart.ToScale(st.timescale) {
				st.sapTSPlusOne = ts + tsAdj + 1
			}
		}
	default: // RoundAfter
		st.sapTSPlusOne = ts + tsAdj + 1
	}
	st.startState = startFound

	if samplesAtCut != 0 {
		st.audioSamplesToKeep = samplesAtCut
	}
}

// resolveCommonStart outcomes.
const (
	resolveInRange = iota
	resolveAgain
	resolveEOS
	resolveNextRange
)

// resolveCommonStart computes the global minimum start cut over all streams,
// purges queued packets before it, and switches the context into the range.
func (r *Reframer) resolveCommonStart() int {
	var minTS, minTSA, minTSSplit uint64
	var minScale, minScaleA, minScaleSplit uint32
	purgeAll := false

	for _, st := range r.streams {
		if !st.isPlaying {
			continue
		}
		switch st.startState {
		case startEOS, startReinsert:
			// eos streams contribute nothing; reinserted packets join at
			// the cut regardless of their own timestamp
			continue
		}
		switch {
		case st.canSplit:
			if minScaleSplit == 0 || timing.Less(st.sapTSPlusOne-1, uint64(st.timescale), minTSSplit, uint64(minScaleSplit)) {
				minTSSplit = st.sapTSPlusOne
				minScaleSplit = st.timescale
			}
		case st.allSAPs:
			if minScaleA == 0 || timing.Less(st.sapTSPlusOne-1, uint64(st.timescale), minTSA, uint64(minScaleA)) {
				minTSA = st.sapTSPlusOne
				minScaleA = st.timescale
			}
		default:
			if minScale == 0 || timing.Less(st.sapTSPlusOne-1, uint64(st.timescale), minTS, uint64(minScale)) {
				minTS = st.sapTSPlusOne
				minScale = st.timescale
			}
		}
	}

	if minTS == 0 {
		minTS = minTSA
		minScale = minScaleA
		if minTS == 0 && minTSSplit != 0 {
			if r.startFrameIdxPlusOne != 0 {
				minTS = minTSSplit
				minScale = minScaleSplit
			} else {
				minTS = uint64(r.curStart.Num) + 1
				minScale = uint32(r.curStart.Den)
			}
		}
	}
	if minTS == 0 {
		purgeAll = true
		if r.extractMode == extractRange {
			r.log.Warn("all streams in end of stream before the desired start range",
				"start", r.curStart.Seconds())
		}
		r.eosState = 1
	} else {
		minTS--
	}

	// purge everything before the common cut
	for _, st := range r.streams {
		foundStart := false
		for len(st.pckQueue) > 0 {
			pck := st.pckQueue[0]
			if !purgeAll {
				ts := st.packetTS(pck)
				dur := uint64(pck.Duration())
				if dur == 0 {
					dur = 1
				}
				ots := ts
				if minScale != st.timescale {
					ts = timing.Rescale(ts, st.timescale, minScale)
					dur = timing.Rescale(dur, st.timescale, minScale)
				}

				isStart := 0
				switch {
				case ts >= minTS:
					isStart = 1
				case st.canSplit && ts+dur >= minTS:
					isStart = 2
				case st.audioSamplesToKeep != 0 && ts+dur >= minTS:
					isStart = 1
				case st.startState == startReinsert:
					isStart = 1
				}

				if isStart != 0 {
					orig := timing.Rescale(minTS, minScale, st.timescale)
					st.splitStart = 0
					if isStart == 2 {
						st.splitStart = uint32(timing.Rescale(minTS-ts, minScale, st.timescale))
					}
					st.tsAtRangeStartPlusOne = ots + 1

					// the true first timestamp deviates from the common
					// cut: expose the difference so lip-sync survives
					// chunk concatenation
					if st.startState == startFound && orig < ots && r.opts.SplitRange && r.curRangeIdx > 1 {
						st.opid.SetProperty(filter.PropDelay, int64(ots)-int64(orig))
					}
					foundStart = true
					break
				}
			}
			st.popQueue().Unref()
			st.nbFrames++
		}
		// every queued packet ends before the cut: the common cut sits
		// past this stream's queue, fetch more and re-evaluate
		if !foundStart && !st.useBlockingRefs {
			st.startState = startUnset
			return resolveAgain
		}
	}

	for _, st := range r.streams {
		st.startState = startUnset
		if r.extractMode == extractDur {
			st.firstPckSent = false
		} else {
			st.firstPckSent = !r.opts.SplitRange
		}
		if purgeAll && r.extractMode != extractRange {
			st.ipid.Packet()
			st.opid.SetEOS()
		}
	}
	if purgeAll {
		if r.extractMode != extractRange {
			return resolveEOS
		}
		return resolveNextRange
	}

	r.inRange = true
	return resolveInRange
}

// handleEndOfRange advances every stream's timeline offset past the finished
// chunk, resets transient cut state, and loads the next range. It returns
// the number of streams that reached EOS.
func (r *Reframer) handleEndOfRange() int {
	nbEOS := 0
	nbEndOfRange := 0
	for _, st := range r.streams {
		if st.reinsertSinglePck != nil && r.curStart.IsSet() {
			// the reinserted packet keeps its own cts, so the timeline
			// offset is the target range span instead of consumed media
			start := r.curStart.ToScale(st.timescale)
			if r.curEnd.IsSet() && r.curEnd.Num != 0 {
				st.tsAtRangeEnd = r.curEnd.ToScale(st.timescale) - start
			}
		} else if st.rangeEndReachedTS != 0 {
			st.tsAtRangeEnd += (st.rangeEndReachedTS - 1) - (st.tsAtRangeStartPlusOne - 1)
		}
		st.tsAtRangeStartPlusOne = 0
		st.rangeEndReachedTS = 0
		st.startState = startUnset
		if st.inEOS {
			if len(st.pckQueue) > 0 {
				nbEndOfRange++
			} else {
				st.opid.SetEOS()
				nbEOS++
			}
		} else if st.splitPck != nil {
			nbEndOfRange++
		}
	}
	r.inRange = false
	r.loadRange()
	return nbEOS
}
