package reframer

import (
	"github.com/zsiec/reframe/internal/filter"
)

// ProcessEvent intercepts a control event addressed to an output pid and
// forwards it to the matching input pid. Every PLAY received during a
// time-based range extraction is rewritten to start seekSafe seconds before
// the current range start so the preceding SAP is caught; the first PLAY of a
// stream is not told apart from later ones. It reports whether the event was
// consumed.
func (r *Reframer) ProcessEvent(opid filter.PidOut, evt filter.Event) bool {
	st := r.streamForOutput(opid)
	if st == nil {
		return true
	}

	switch evt.Type {
	case filter.EventPlay:
		if r.rangeType != rangeNone && r.startFrameIdxPlusOne == 0 {
			startRange := r.curStart.Seconds()
			if startRange > r.opts.SeekSafe {
				startRange -= r.opts.SeekSafe
			} else {
				startRange = 0
			}
			evt.StartRange = startRange
		}
		st.inEOS = false
		st.isPlaying = true
		if r.eosState == 1 {
			r.eosState = 0
		}
	case filter.EventStop:
		st.isPlaying = false
	}

	st.ipid.SendEvent(evt)
	return true
}
