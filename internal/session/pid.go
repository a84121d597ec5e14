package session

import (
	"log/slog"

	"github.com/zsiec/reframe/internal/filter"
)

// EventHandler receives control events travelling upstream from a filter to
// the source that feeds an input pid.
type EventHandler func(pid *InputPid, evt filter.Event)

// InputPid is the in-memory input pid implementation. The source side pushes
// packets and EOS with Push/SignalEOS; the filter side consumes them through
// the filter.PidIn capability set.
type InputPid struct {
	name    string
	log     *slog.Logger
	props   map[string]any
	queue   []*Packet
	eos     bool
	discard bool
	onEvent EventHandler
}

// NewInputPid creates an input pid. If log is nil, slog.Default() is used.
func NewInputPid(name string, log *slog.Logger, onEvent EventHandler) *InputPid {
	if log == nil {
		log = slog.Default()
	}
	return &InputPid{
		name:    name,
		log:     log.With("pid", name),
		props:   make(map[string]any),
		onEvent: onEvent,
	}
}

// SetProp declares a pid property (source side, before packets flow).
func (p *InputPid) SetProp(name string, value any) { p.props[name] = value }

// Push appends a packet to the pid queue, taking ownership of the caller's
// reference. Packets pushed while discarding are released immediately.
func (p *InputPid) Push(pck *Packet) {
	if p.discard {
		pck.Unref()
		return
	}
	p.queue = append(p.queue, pck)
}

// SignalEOS marks the stream ended after all queued packets drain.
func (p *InputPid) SignalEOS() { p.eos = true }

// ClearEOS rearms the pid after a seek restarted delivery.
func (p *InputPid) ClearEOS() { p.eos = false }

// Flush releases all queued packets (used by sources on STOP).
func (p *InputPid) Flush() {
	for _, pck := range p.queue {
		pck.Unref()
	}
	p.queue = p.queue[:0]
}

// QueueLen reports the number of undelivered packets.
func (p *InputPid) QueueLen() int { return len(p.queue) }

func (p *InputPid) Name() string { return p.name }

func (p *InputPid) Packet() filter.Packet {
	if len(p.queue) == 0 {
		return nil
	}
	return p.queue[0]
}

func (p *InputPid) DropPacket() {
	if len(p.queue) == 0 {
		return
	}
	pck := p.queue[0]
	p.queue = p.queue[1:]
	pck.Unref()
}

// IsEOS reports end of stream. A discarding pid counts as ended: its input
// is dropped without delivery and no packet will ever surface again.
func (p *InputPid) IsEOS() bool { return p.discard || (p.eos && len(p.queue) == 0) }

func (p *InputPid) Property(name string) any { return p.props[name] }

func (p *InputPid) SendEvent(evt filter.Event) {
	if p.onEvent != nil {
		p.onEvent(p, evt)
	}
}

func (p *InputPid) SetDiscard(on bool) {
	p.discard = on
	if on {
		p.Flush()
	}
}

// Sink receives the packets a filter emits on an output pid.
type Sink interface {
	// Packet delivers one emitted packet. The sink owns the packet's
	// reference and must Unref it when done.
	Packet(pid *OutputPid, pck *Packet)
	// EOS signals that no more packets will arrive on the pid.
	EOS(pid *OutputPid)
}

// OutputPid is the in-memory output pid implementation.
type OutputPid struct {
	name  string
	props map[string]any
	sink  Sink
	eos   bool
}

// NewOutputPid creates an output pid delivering into sink.
func NewOutputPid(name string, sink Sink) *OutputPid {
	return &OutputPid{
		name:  name,
		props: make(map[string]any),
		sink:  sink,
	}
}

// Name identifies the pid.
func (p *OutputPid) Name() string { return p.name }

// Property returns a pid property, or nil. Sinks use this to read the
// negotiated stream configuration.
func (p *OutputPid) Property(name string) any { return p.props[name] }

// IsEOS reports whether the pid was closed.
func (p *OutputPid) IsEOS() bool { return p.eos }

func (p *OutputPid) SetProperty(name string, value any) {
	if value == nil {
		delete(p.props, name)
		return
	}
	p.props[name] = value
}

func (p *OutputPid) CopyPropertiesFrom(in filter.PidIn) {
	src, ok := in.(*InputPid)
	if !ok {
		return
	}
	p.props = make(map[string]any, len(src.props))
	for k, v := range src.props {
		p.props[k] = v
	}
}

func (p *OutputPid) SetEOS() {
	if p.eos {
		return
	}
	p.eos = true
	if p.sink != nil {
		p.sink.EOS(p)
	}
}

func (p *OutputPid) NewPacketRef(src filter.Packet) filter.OutPacket {
	pck := NewPacket(PacketConfig{Data: src.Data()})
	pck.dts = filter.NoTS
	pck.cts = filter.NoTS
	return &outPacket{pid: p, pck: pck}
}

func (p *OutputPid) NewPacketCopy(src filter.Packet) filter.OutPacket {
	data := make([]byte, len(src.Data()))
	copy(data, src.Data())
	pck := NewPacket(PacketConfig{Data: data})
	pck.dts = filter.NoTS
	pck.cts = filter.NoTS
	return &outPacket{pid: p, pck: pck, writable: true}
}

func (p *OutputPid) NewPacketAlloc(size int) filter.OutPacket {
	pck := NewPacket(PacketConfig{Data: make([]byte, size)})
	pck.dts = filter.NoTS
	pck.cts = filter.NoTS
	return &outPacket{pid: p, pck: pck, writable: true}
}

func (p *OutputPid) Send(op filter.OutPacket) {
	o, ok := op.(*outPacket)
	if !ok || o.pid != p {
		return
	}
	if p.sink != nil {
		p.sink.Packet(p, o.pck)
	} else {
		o.pck.Unref()
	}
}

func (p *OutputPid) Forward(src filter.Packet) {
	op := p.NewPacketRef(src)
	op.MergePropertiesFrom(src)
	p.Send(op)
}
