package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsiec/reframe/internal/filter"
)

func TestPacketRefCounting(t *testing.T) {
	t.Parallel()

	p := NewPacket(PacketConfig{Data: []byte{1, 2, 3}, Duration: 10})
	p.Ref()
	p.Unref()
	assert.Equal(t, []byte{1, 2, 3}, p.Data())
	p.Unref()
	assert.Nil(t, p.Data(), "payload released with the last reference")
}

func TestPacketTimestampDefaults(t *testing.T) {
	t.Parallel()

	p := NewPacket(PacketConfig{Data: nil})
	assert.Equal(t, filter.NoTS, p.DTS())
	assert.Equal(t, filter.NoTS, p.CTS())

	p = NewPacket(PacketConfig{DTS: 0, CTS: 5, HasDTS: true, HasCTS: true})
	assert.Equal(t, uint64(0), p.DTS(), "a zero timestamp is distinct from absent")
	assert.Equal(t, uint64(5), p.CTS())
}

func TestInputPidQueueAndDiscard(t *testing.T) {
	t.Parallel()

	pid := NewInputPid("test", nil, nil)
	pid.SetProp(filter.PropTimescale, uint32(90000))
	assert.Equal(t, uint32(90000), pid.Property(filter.PropTimescale))

	pid.Push(NewPacket(PacketConfig{DTS: 1, HasDTS: true}))
	pid.Push(NewPacket(PacketConfig{DTS: 2, HasDTS: true}))
	require.NotNil(t, pid.Packet())
	assert.Equal(t, uint64(1), pid.Packet().DTS())
	assert.False(t, pid.IsEOS())

	pid.DropPacket()
	assert.Equal(t, uint64(2), pid.Packet().DTS())

	pid.SignalEOS()
	assert.False(t, pid.IsEOS(), "queued packets hold off EOS")
	pid.DropPacket()
	assert.True(t, pid.IsEOS())

	pid.SetDiscard(true)
	pid.Push(NewPacket(PacketConfig{DTS: 3, HasDTS: true}))
	assert.Nil(t, pid.Packet(), "discarding pids drop all input")
	assert.True(t, pid.IsEOS())
}

func TestInputPidEventDelivery(t *testing.T) {
	t.Parallel()

	var got []filter.Event
	pid := NewInputPid("test", nil, func(_ *InputPid, evt filter.Event) {
		got = append(got, evt)
	})
	pid.SendEvent(filter.Event{Type: filter.EventPlay, StartRange: 2.5})
	pid.SendEvent(filter.Event{Type: filter.EventStop})
	require.Len(t, got, 2)
	assert.Equal(t, filter.EventPlay, got[0].Type)
	assert.Equal(t, 2.5, got[0].StartRange)
	assert.Equal(t, filter.EventStop, got[1].Type)
}

type recordSink struct {
	packets []*Packet
	eos     int
}

func (s *recordSink) Packet(_ *OutputPid, pck *Packet) { s.packets = append(s.packets, pck) }
func (s *recordSink) EOS(_ *OutputPid)                 { s.eos++ }

func TestOutputPidForwardKeepsTimestampsAndPayload(t *testing.T) {
	t.Parallel()

	sink := &recordSink{}
	opid := NewOutputPid("out", sink)

	src := NewPacket(PacketConfig{DTS: 7, CTS: 9, HasDTS: true, HasCTS: true, Duration: 3, SAP: filter.SAP1, Data: []byte("xyz")})
	src.SetProperty("k", "v")
	opid.Forward(src)

	require.Len(t, sink.packets, 1)
	out := sink.packets[0]
	assert.Equal(t, uint64(7), out.DTS())
	assert.Equal(t, uint64(9), out.CTS())
	assert.Equal(t, uint32(3), out.Duration())
	assert.Equal(t, filter.SAP1, out.SAP())
	assert.Equal(t, []byte("xyz"), out.Data())
	assert.Equal(t, "v", out.Property("k"))

	opid.SetEOS()
	opid.SetEOS()
	assert.Equal(t, 1, sink.eos, "EOS is delivered once")
}

func TestOutputPidPropertyClear(t *testing.T) {
	t.Parallel()

	opid := NewOutputPid("out", nil)
	opid.SetProperty(filter.PropDelay, int64(5))
	assert.Equal(t, int64(5), opid.Property(filter.PropDelay))
	opid.SetProperty(filter.PropDelay, nil)
	assert.Nil(t, opid.Property(filter.PropDelay))
}

// countFilter emits nothing and finishes after a fixed number of ticks.
type countFilter struct {
	ticks int
	limit int
}

func (f *countFilter) Process() (filter.Status, error) {
	f.ticks++
	if f.ticks >= f.limit {
		return filter.StatusEOS, nil
	}
	return filter.StatusOK, nil
}

func (f *countFilter) RescheduleIn() time.Duration { return 0 }

type nopSource struct{}

func (nopSource) Pump() (bool, error) { return false, nil }

func TestSessionRunsUntilEOS(t *testing.T) {
	t.Parallel()

	f := &countFilter{limit: 3}
	s := New(nopSource{}, f, nil)
	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, 3, f.ticks)
}

func TestSessionHonorsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &countFilter{limit: 1 << 30}
	s := New(nopSource{}, f, nil)
	assert.ErrorIs(t, s.Run(ctx), context.Canceled)
}
