package session

import (
	"github.com/zsiec/reframe/internal/filter"
)

// Packet is the in-memory packet implementation used by sessions. It is
// reference counted: a packet starts with one reference owned by whoever
// created it, and is recycled (payload released) when the count hits zero.
// Sessions are single-threaded, so no atomics are needed.
type Packet struct {
	dts      uint64
	cts      uint64
	dur      uint32
	sap      int
	depFlags uint8
	data     []byte
	blocking bool
	props    map[string]any

	refs int
}

// PacketConfig carries the fields of a new packet. A timestamp is absent
// unless its HasDTS/HasCTS flag is set; with the flag set, zero is a real
// timestamp.
type PacketConfig struct {
	DTS      uint64
	CTS      uint64
	HasDTS   bool
	HasCTS   bool
	Duration uint32
	SAP      int
	DepFlags uint8
	Data     []byte
	Blocking bool
}

// NewPacket builds a packet with a single owning reference.
func NewPacket(cfg PacketConfig) *Packet {
	p := &Packet{
		dts:      filter.NoTS,
		cts:      filter.NoTS,
		dur:      cfg.Duration,
		sap:      cfg.SAP,
		depFlags: cfg.DepFlags,
		data:     cfg.Data,
		blocking: cfg.Blocking,
		refs:     1,
	}
	if cfg.HasDTS {
		p.dts = cfg.DTS
	}
	if cfg.HasCTS {
		p.cts = cfg.CTS
	}
	return p
}

func (p *Packet) DTS() uint64            { return p.dts }
func (p *Packet) CTS() uint64            { return p.cts }
func (p *Packet) Duration() uint32       { return p.dur }
func (p *Packet) SAP() int               { return p.sap }
func (p *Packet) DependencyFlags() uint8 { return p.depFlags }
func (p *Packet) Data() []byte           { return p.data }
func (p *Packet) IsBlockingRef() bool    { return p.blocking }

// Ref acquires an additional reference.
func (p *Packet) Ref() { p.refs++ }

// Unref releases one reference, dropping the payload when none remain.
func (p *Packet) Unref() {
	p.refs--
	if p.refs <= 0 {
		p.data = nil
		p.props = nil
	}
}

// Property returns a packet property, or nil.
func (p *Packet) Property(name string) any {
	if p.props == nil {
		return nil
	}
	return p.props[name]
}

// SetProperty attaches a packet property.
func (p *Packet) SetProperty(name string, value any) {
	if p.props == nil {
		p.props = make(map[string]any)
	}
	p.props[name] = value
}

// outPacket is a packet under construction for an OutputPid.
type outPacket struct {
	pid *OutputPid
	pck *Packet

	// writable reports whether Data may be mutated (alloc/copy packets).
	writable bool
}

func (o *outPacket) SetDTS(v uint64)      { o.pck.dts = v }
func (o *outPacket) SetCTS(v uint64)      { o.pck.cts = v }
func (o *outPacket) SetDuration(v uint32) { o.pck.dur = v }

func (o *outPacket) SetProperty(name string, value any) {
	o.pck.SetProperty(name, value)
}

func (o *outPacket) MergePropertiesFrom(src filter.Packet) {
	o.pck.dts = src.DTS()
	o.pck.cts = src.CTS()
	o.pck.dur = src.Duration()
	o.pck.sap = src.SAP()
	o.pck.depFlags = src.DependencyFlags()
	if sp, ok := src.(*Packet); ok {
		for k, v := range sp.props {
			o.pck.SetProperty(k, v)
		}
	}
}

func (o *outPacket) Data() []byte {
	if !o.writable {
		return nil
	}
	return o.pck.data
}
