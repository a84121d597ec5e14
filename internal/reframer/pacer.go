package reframer

import (
	"github.com/zsiec/reframe/internal/filter"
)

// rtCheckSend decides whether real-time pacing allows emitting the packet
// now. Wall-clock progress since the pid's anchor must cover the packet's
// media-time progress (scaled by speed) within rtPrecisionUS; otherwise the
// deficit is recorded so the session can reschedule the filter.
func (r *Reframer) rtCheckSend(st *stream, pck filter.Packet) bool {
	if r.opts.RT == RTOff {
		return true
	}

	ctsUS := pck.DTS()
	if ctsUS == filter.NoTS {
		ctsUS = pck.CTS()
	}
	if ctsUS == filter.NoTS {
		return true
	}

	clock := r.clockVal
	ctsUS += st.tkDelay
	ctsUS = ctsUS * 1000000 / uint64(st.timescale)

	// in sync mode the first pid to emit owns the shared clock
	if r.opts.RT == RTSync {
		if r.clockStream == nil {
			r.clockStream = st
		}
		st = r.clockStream
	}

	if st.sysClockAtInit == 0 {
		st.ctsUSAtInit = ctsUS
		st.sysClockAtInit = clock
		return true
	}
	if ctsUS < st.ctsUSAtInit {
		r.log.Warn("timestamp precedes the clock anchor, not delaying")
		return true
	}

	diff := ctsUS - st.ctsUSAtInit
	speed := r.opts.Speed
	if speed < 0 {
		speed = -speed
	}
	if speed != 0 {
		diff = uint64(float64(diff) / speed)
	}

	clock -= st.sysClockAtInit
	if clock+rtPrecisionUS >= diff {
		if clock > diff {
			r.log.Debug("sending packet late",
				"late_us", clock-diff, "clock_us", clock, "cts_diff_us", diff)
		}
		return true
	}

	deficit := diff - clock
	if r.rescheduleIn == 0 || r.rescheduleIn > deficit {
		r.rescheduleIn = deficit
	}
	return false
}
