// Package tsio adapts MPEG-TS files to the session pid model: a Source
// demuxes elementary streams into input pids, and a ChunkWriter collects the
// reframer's output into per-chunk elementary-stream files.
package tsio

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/asticode/go-astits"

	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/session"
)

// tsTimescale is the MPEG-TS PES clock rate.
const tsTimescale = 90000

// esStream tracks one elementary stream during demuxing.
type esStream struct {
	pid     *session.InputPid
	tsPID   uint16
	stype   int
	playing bool

	// pending holds the last demuxed access unit; its duration is known
	// once the next unit's timestamp arrives.
	pending *pendingAU

	// skipBefore drops units up to this timestamp after a seek restart.
	skipBefore uint64
	hasSkip    bool
}

type pendingAU struct {
	dts, cts uint64
	hasDTS   bool
	sap      int
	data     []byte
}

// Source demuxes an MPEG-TS file into session input pids. Files are
// seekable: a PLAY event with a start offset restarts demuxing from the
// head and drops units before the requested time.
type Source struct {
	log     *slog.Logger
	path    string
	file    *os.File
	dmx     *astits.Demuxer
	cancel  context.CancelFunc
	streams map[uint16]*esStream
	done    bool
}

// Open scans the file up to its program map and creates one input pid per
// elementary stream.
func Open(path string, log *slog.Logger) (*Source, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Source{
		log:     log.With("component", "ts-source"),
		path:    path,
		streams: make(map[uint16]*esStream),
	}
	if err := s.restart(0); err != nil {
		return nil, err
	}

	// scan for the PMT so pids exist before the session starts
	for len(s.streams) == 0 {
		d, err := s.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) {
				return nil, fmt.Errorf("no program map found in %s", path)
			}
			return nil, fmt.Errorf("demuxing %s: %w", path, err)
		}
		if d.PMT == nil {
			continue
		}
		for _, es := range d.PMT.ElementaryStreams {
			stype, ok := mapStreamType(es.StreamType)
			if !ok {
				s.log.Debug("skipping elementary stream", "pid", es.ElementaryPID, "type", es.StreamType)
				continue
			}
			st := &esStream{tsPID: es.ElementaryPID, stype: stype}
			st.pid = session.NewInputPid(fmt.Sprintf("pid-%d", es.ElementaryPID), s.log, s.handleEvent(st))
			st.pid.SetProp(filter.PropTimescale, uint32(tsTimescale))
			st.pid.SetProp(filter.PropStreamType, stype)
			st.pid.SetProp(filter.PropCodecID, codecName(es.StreamType))
			st.pid.SetProp(filter.PropPlaybackMode, filter.PlaybackModeFastForward)
			s.streams[es.ElementaryPID] = st
			s.log.Info("elementary stream", "pid", es.ElementaryPID, "codec", codecName(es.StreamType))
		}
	}
	return s, nil
}

// Pids returns the input pids in stable order of TS pid number.
func (s *Source) Pids() []*session.InputPid {
	pids := make([]*session.InputPid, 0, len(s.streams))
	for tsPID := uint16(0); tsPID < 0x2000; tsPID++ {
		if st, ok := s.streams[tsPID]; ok {
			pids = append(pids, st.pid)
		}
	}
	return pids
}

// Close releases the underlying file.
func (s *Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// restart (re)opens the demuxer from the head of the file, dropping units
// before startSec on every stream.
func (s *Source) restart(startSec float64) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.file != nil {
		s.file.Close()
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.file = f
	s.cancel = cancel
	s.dmx = astits.NewDemuxer(ctx, bufio.NewReaderSize(f, 1024*1024))
	s.done = false
	for _, st := range s.streams {
		st.pending = nil
		st.hasSkip = startSec > 0
		st.skipBefore = uint64(startSec * tsTimescale)
		st.pid.ClearEOS()
	}
	return nil
}

// handleEvent reacts to PLAY/STOP forwarded upstream by the reframer.
func (s *Source) handleEvent(st *esStream) session.EventHandler {
	return func(pid *session.InputPid, evt filter.Event) {
		switch evt.Type {
		case filter.EventPlay:
			st.playing = true
			if evt.StartRange > 0 || s.done {
				pid.Flush()
				if err := s.restart(evt.StartRange); err != nil {
					s.log.Error("seek restart failed", "error", err)
				}
			}
		case filter.EventStop:
			st.playing = false
			pid.Flush()
		}
	}
}

// Pump demuxes until one access unit has been delivered (or the file ends).
// It returns false once every stream has signalled EOS.
func (s *Source) Pump() (bool, error) {
	if s.done {
		return false, nil
	}
	for {
		d, err := s.dmx.NextData()
		if err != nil {
			if errors.Is(err, astits.ErrNoMorePackets) || errors.Is(err, io.EOF) {
				s.finish()
				return false, nil
			}
			return false, fmt.Errorf("demuxing %s: %w", s.path, err)
		}
		if d.PES == nil {
			continue
		}
		st, ok := s.streams[d.PID]
		if !ok {
			continue
		}
		if s.deliver(st, d) {
			return true, nil
		}
	}
}

// deliver converts one PES payload into an access unit, completing the
// previously pending unit whose duration is now known.
func (s *Source) deliver(st *esStream, d *astits.DemuxerData) bool {
	oh := d.PES.Header.OptionalHeader
	if oh == nil || oh.PTS == nil {
		return false
	}
	cts := uint64(oh.PTS.Base)
	dts := cts
	hasDTS := false
	if oh.DTS != nil {
		dts = uint64(oh.DTS.Base)
		hasDTS = true
	}

	sap := filter.SAPNone
	if st.stype == filter.StreamTypeAudio {
		sap = filter.SAP1
	} else if d.FirstPacket != nil && d.FirstPacket.AdaptationField != nil &&
		d.FirstPacket.AdaptationField.RandomAccessIndicator {
		sap = filter.SAP1
	}

	au := &pendingAU{dts: dts, cts: cts, hasDTS: hasDTS, sap: sap, data: d.PES.Data}

	delivered := false
	if st.pending != nil {
		dur := uint32(0)
		if au.dts > st.pending.dts {
			dur = uint32(au.dts - st.pending.dts)
		}
		delivered = s.push(st, st.pending, dur)
	}
	st.pending = au
	return delivered
}

// push hands a completed unit to the pid, honoring the post-seek skip.
func (s *Source) push(st *esStream, au *pendingAU, dur uint32) bool {
	if st.hasSkip && au.dts+uint64(dur) < st.skipBefore {
		return false
	}
	st.hasSkip = false
	st.pid.Push(session.NewPacket(session.PacketConfig{
		DTS:      au.dts,
		CTS:      au.cts,
		HasDTS:   true,
		HasCTS:   true,
		Duration: dur,
		SAP:      au.sap,
		Data:     au.data,
	}))
	return true
}

// finish flushes pending units and signals EOS everywhere.
func (s *Source) finish() {
	for _, st := range s.streams {
		if st.pending != nil {
			// the final unit has no successor to measure against: it gets
			// a fixed one-frame-at-25-fps duration, not the previous
			// unit's duration
			s.push(st, st.pending, uint32(tsTimescale/25))
			st.pending = nil
		}
		st.pid.SignalEOS()
	}
	s.done = true
}

// mapStreamType converts an astits stream type to the filter stream class.
func mapStreamType(t astits.StreamType) (int, bool) {
	switch t {
	case astits.StreamTypeH264Video, astits.StreamTypeH265Video, astits.StreamTypeMPEG1Video, astits.StreamTypeMPEG2Video:
		return filter.StreamTypeVisual, true
	case astits.StreamTypeAACAudio, astits.StreamTypeMPEG1Audio, astits.StreamTypeAC3Audio, astits.StreamTypeEAC3Audio:
		return filter.StreamTypeAudio, true
	default:
		return 0, false
	}
}

// codecName maps an astits stream type to a codec identifier string.
func codecName(t astits.StreamType) string {
	switch t {
	case astits.StreamTypeH264Video:
		return "h264"
	case astits.StreamTypeH265Video:
		return "h265"
	case astits.StreamTypeMPEG1Video:
		return "mpeg1"
	case astits.StreamTypeMPEG2Video:
		return "mpeg2"
	case astits.StreamTypeAACAudio:
		return "aac"
	case astits.StreamTypeMPEG1Audio:
		return "mp3"
	case astits.StreamTypeAC3Audio:
		return "ac3"
	case astits.StreamTypeEAC3Audio:
		return "eac3"
	default:
		return filter.CodecUnknown
	}
}
