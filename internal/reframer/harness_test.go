package reframer

import (
	"encoding/binary"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/session"
)

// The synthetic inputs used throughout: video at 25 fps in a 90 kHz
// timescale with a SAP every 12 frames, audio at 48 kHz in 1024-sample
// packets.
const (
	videoTimescale  = 90000
	videoFrameDur   = videoTimescale / 25
	videoGOP        = 12
	audioTimescale  = 48000
	audioPckSamples = 1024
)

// feedPid is one synthetic stream: a pid plus the full packet list the
// harness source delivers, with seek support.
type feedPid struct {
	pid     *session.InputPid
	packets []session.PacketConfig
	pos     int
	playing bool
	stopped bool
}

// harness wires a reframer between synthetic sources and a collecting sink
// and drives process ticks until end of stream.
type harness struct {
	t     *testing.T
	r     *Reframer
	feeds []*feedPid
	out   map[string]*collector
	opids []*session.OutputPid
}

// emitted is one packet recorded by the collector.
type emitted struct {
	dts, cts uint64
	dur      uint32
	sap      int
	data     []byte
	props    map[string]any
	pidProps map[string]any
}

// collector records everything one output pid sends.
type collector struct {
	packets []emitted
	eos     bool
}

func (c *collector) Packet(pid *session.OutputPid, pck *session.Packet) {
	props := make(map[string]any)
	for _, name := range []string{filter.PropFileNumber, filter.PropFileSuffix, filter.PropPeriodResume} {
		if v := pck.Property(name); v != nil {
			props[name] = v
		}
	}
	pidProps := make(map[string]any)
	for _, name := range []string{filter.PropDelay, filter.PropHasSync} {
		if v := pid.Property(name); v != nil {
			pidProps[name] = v
		}
	}
	data := make([]byte, len(pck.Data()))
	copy(data, pck.Data())
	c.packets = append(c.packets, emitted{
		dts:      pck.DTS(),
		cts:      pck.CTS(),
		dur:      pck.Duration(),
		sap:      pck.SAP(),
		data:     data,
		props:    props,
		pidProps: pidProps,
	})
	pck.Unref()
}

func (c *collector) EOS(pid *session.OutputPid) { c.eos = true }

// newHarness builds the filter graph. Each feed becomes one pid pair.
func newHarness(t *testing.T, opts Options, feeds ...*feedPid) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		feeds: feeds,
		out:   make(map[string]*collector),
	}
	h.r = New(opts, slog.Default())
	for _, f := range feeds {
		col := &collector{}
		h.out[f.pid.Name()] = col
		opid := session.NewOutputPid(f.pid.Name(), col)
		h.r.ConfigurePid(f.pid, opid)
		h.opids = append(h.opids, opid)
	}
	return h
}

// play sends the initial PLAY on every output pid.
func (h *harness) play() {
	for _, opid := range h.opids {
		h.r.ProcessEvent(opid, filter.Event{Type: filter.EventPlay, Speed: 1})
	}
}

// pump pushes one packet per feed, signalling EOS when a feed runs dry.
func (h *harness) pump() bool {
	more := false
	for _, f := range h.feeds {
		if !f.playing || f.stopped {
			continue
		}
		if f.pos < len(f.packets) {
			if f.pid.QueueLen() < 8 {
				f.pid.Push(session.NewPacket(f.packets[f.pos]))
				f.pos++
				more = true
			}
		} else {
			f.pid.SignalEOS()
		}
	}
	return more
}

// run drives process ticks to completion and fails the test on livelock.
func (h *harness) run() {
	h.t.Helper()
	h.play()
	for i := 0; i < 200000; i++ {
		h.pump()
		st, err := h.r.Process()
		require.NoError(h.t, err)
		if st == filter.StatusEOS {
			h.r.Finalize()
			return
		}
	}
	h.t.Fatal("filter did not reach end of stream")
}

// runExpectingError drives ticks until the filter reports a fatal error.
func (h *harness) runExpectingError() error {
	h.t.Helper()
	h.play()
	for i := 0; i < 200000; i++ {
		h.pump()
		st, err := h.r.Process()
		if err != nil {
			return err
		}
		if st == filter.StatusEOS {
			return nil
		}
	}
	h.t.Fatal("filter did not terminate")
	return nil
}

// collected returns the packets recorded for a pid name.
func (h *harness) collected(name string) []emitted {
	return h.out[name].packets
}

// handleFeedEvent gives feeds seek support: PLAY repositions delivery at the
// requested time, STOP halts it.
func handleFeedEvent(f *feedPid, timescale uint32) session.EventHandler {
	return func(pid *session.InputPid, evt filter.Event) {
		switch evt.Type {
		case filter.EventPlay:
			f.playing = true
			f.stopped = false
			pid.Flush()
			pid.ClearEOS()
			target := uint64(evt.StartRange * float64(timescale))
			f.pos = 0
			for f.pos < len(f.packets) {
				cfg := f.packets[f.pos]
				if cfg.DTS+uint64(cfg.Duration) > target {
					break
				}
				f.pos++
			}
			// real sources resume at a sync point at or before the target
			for f.pos > 0 && (f.pos >= len(f.packets) || f.packets[f.pos].SAP == filter.SAPNone) {
				f.pos--
			}
		case filter.EventStop:
			f.stopped = true
			pid.Flush()
		}
	}
}

// videoFeed builds a visual pid with the canonical GOP structure. Frame
// payloads carry the frame index so content checks can match emitted bytes
// back to source frames.
func videoFeed(t *testing.T, name string, nbFrames int, payloadSize int, sapEvery int) *feedPid {
	t.Helper()
	f := &feedPid{}
	f.pid = session.NewInputPid(name, slog.Default(), handleFeedEvent(f, videoTimescale))
	f.pid.SetProp(filter.PropTimescale, uint32(videoTimescale))
	f.pid.SetProp(filter.PropStreamType, filter.StreamTypeVisual)
	f.pid.SetProp(filter.PropCodecID, "h264")
	f.pid.SetProp(filter.PropPlaybackMode, filter.PlaybackModeFastForward)
	if payloadSize < 4 {
		payloadSize = 4
	}
	for i := 0; i < nbFrames; i++ {
		sap := filter.SAPNone
		if sapEvery > 0 && i%sapEvery == 0 {
			sap = filter.SAP1
		}
		data := make([]byte, payloadSize)
		binary.BigEndian.PutUint32(data, uint32(i))
		f.packets = append(f.packets, session.PacketConfig{
			DTS:      uint64(i * videoFrameDur),
			CTS:      uint64(i * videoFrameDur),
			HasDTS:   true,
			HasCTS:   true,
			Duration: uint32(videoFrameDur),
			SAP:      sap,
			Data:     data,
		})
	}
	return f
}

// audioFeed builds a compressed audio pid: every packet is a SAP.
func audioFeed(t *testing.T, name string, nbPackets int) *feedPid {
	t.Helper()
	f := &feedPid{}
	f.pid = session.NewInputPid(name, slog.Default(), handleFeedEvent(f, audioTimescale))
	f.pid.SetProp(filter.PropTimescale, uint32(audioTimescale))
	f.pid.SetProp(filter.PropStreamType, filter.StreamTypeAudio)
	f.pid.SetProp(filter.PropCodecID, "aac")
	f.pid.SetProp(filter.PropPlaybackMode, filter.PlaybackModeFastForward)
	for i := 0; i < nbPackets; i++ {
		data := make([]byte, 256)
		binary.BigEndian.PutUint32(data, uint32(i))
		f.packets = append(f.packets, session.PacketConfig{
			DTS:      uint64(i * audioPckSamples),
			CTS:      uint64(i * audioPckSamples),
			HasDTS:   true,
			HasCTS:   true,
			Duration: audioPckSamples,
			SAP:      filter.SAP1,
			Data:     data,
		})
	}
	return f
}

// rawAudioFeed builds an uncompressed audio pid that supports sample cuts.
func rawAudioFeed(t *testing.T, name string, nbPackets int, channels, bytesPerSample uint32, planar bool) *feedPid {
	t.Helper()
	f := &feedPid{}
	f.pid = session.NewInputPid(name, slog.Default(), handleFeedEvent(f, audioTimescale))
	bpf := channels * bytesPerSample
	f.pid.SetProp(filter.PropTimescale, uint32(audioTimescale))
	f.pid.SetProp(filter.PropStreamType, filter.StreamTypeAudio)
	f.pid.SetProp(filter.PropCodecID, filter.CodecRaw)
	f.pid.SetProp(filter.PropSampleRate, uint32(audioTimescale))
	f.pid.SetProp(filter.PropNumChannels, channels)
	f.pid.SetProp(filter.PropAudioBPS, bpf)
	f.pid.SetProp(filter.PropAudioPlanar, planar)
	f.pid.SetProp(filter.PropPlaybackMode, filter.PlaybackModeFastForward)
	for i := 0; i < nbPackets; i++ {
		data := make([]byte, audioPckSamples*bpf)
		for j := range data {
			data[j] = byte((i*31 + j) % 251)
		}
		f.packets = append(f.packets, session.PacketConfig{
			DTS:      uint64(i * audioPckSamples),
			CTS:      uint64(i * audioPckSamples),
			HasDTS:   true,
			HasCTS:   true,
			Duration: audioPckSamples,
			SAP:      filter.SAP1,
			Data:     data,
		})
	}
	return f
}

// frameIndex reads back the frame number encoded in a synthetic payload.
func frameIndex(data []byte) uint32 {
	return binary.BigEndian.Uint32(data)
}
