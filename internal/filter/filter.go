// Package filter defines the pid and packet capabilities the reframer core
// consumes, decoupling the extraction engine from the session plumbing that
// delivers input packets and accepts output packets. The core never branches
// on a concrete pid or packet type.
package filter

import "errors"

// Status is the result of one process tick.
type Status int

const (
	// StatusOK means the tick completed and more work may be possible.
	StatusOK Status = iota
	// StatusEOS means all streams are done; the session should stop
	// scheduling the filter.
	StatusEOS
)

// ErrNotSupported is returned on fatal, non-recoverable configuration or
// ownership conflicts (unseekable out-of-order ranges, blocking refs with
// size/duration split).
var ErrNotSupported = errors.New("not supported")

// NoTS marks an absent timestamp on a packet.
const NoTS = ^uint64(0)

// SAP classes. Classes 1-3 admit a cut; 4 carries roll-distance dependencies.
const (
	SAPNone = 0
	SAP1    = 1
	SAP2    = 2
	SAP3    = 3
	SAP4    = 4
)

// Stream types as exposed through PropStreamType.
const (
	StreamTypeOther = iota
	StreamTypeVisual
	StreamTypeAudio
	StreamTypeText
)

// Codec identifiers the core is sensitive to. Everything else passes through
// untouched.
const (
	CodecUnknown = ""
	// CodecRaw marks decoded (uncompressed) payloads; raw audio packets can
	// be sliced at sample boundaries.
	CodecRaw = "raw"
	// CodecTMCD marks QuickTime timecode tracks whose payload is a frame
	// counter rewritten when splitting.
	CodecTMCD = "tmcd"
)

// Playback modes reported by sources via PropPlaybackMode.
const (
	PlaybackModeNone = iota
	PlaybackModeSeek
	PlaybackModeFastForward
	PlaybackModeRewind
)

// Well-known pid and packet property names.
const (
	PropTimescale    = "Timescale"
	PropStreamType   = "StreamType"
	PropCodecID      = "CodecID"
	PropSampleRate   = "SampleRate"
	PropNumChannels  = "NumChannels"
	PropAudioBPS     = "BytesPerSampleFrame"
	PropAudioPlanar  = "AudioPlanar"
	PropDelay        = "Delay"
	PropPlaybackMode = "PlaybackMode"
	PropHasSync      = "HasSync"
	PropFileNumber   = "FileNumber"
	PropFileSuffix   = "FileSuffix"
	PropPeriodResume = "period_resume"
)

// EventType discriminates filter events.
type EventType int

const (
	// EventPlay (re)starts delivery on a pid, optionally from a time offset.
	EventPlay EventType = iota
	// EventStop halts delivery on a pid.
	EventStop
)

// Event is a control event travelling upstream (toward the source).
type Event struct {
	Type EventType

	// StartRange is the requested start position in seconds for EventPlay.
	StartRange float64
	// Speed is the playback multiplier for EventPlay.
	Speed float64
}

// Packet is one framed access unit flowing through the filter. Timestamps
// are in the owning pid's timescale. Implementations are reference counted:
// the reframer takes a Ref for every packet it parks in a queue and releases
// it when the packet is forwarded or dropped.
type Packet interface {
	// DTS returns the decode timestamp, or NoTS.
	DTS() uint64
	// CTS returns the composition timestamp, or NoTS.
	CTS() uint64
	// Duration returns the packet duration in timescale ticks.
	Duration() uint32
	// SAP returns the packet's stream-access-point class (SAPNone..SAP4).
	SAP() int
	// DependencyFlags returns the ISOBMFF-style sample dependency byte.
	DependencyFlags() uint8
	// Data returns the payload. Callers must not mutate it.
	Data() []byte

	// Ref and Unref adjust the reference count. The packet is recycled when
	// the count reaches zero.
	Ref()
	Unref()
	// IsBlockingRef reports whether holding this packet blocks the upstream
	// producer until it is released.
	IsBlockingRef() bool

	// Property returns a packet-level property, or nil.
	Property(name string) any
}

// PidIn is the input capability set consumed by the core.
type PidIn interface {
	// Name identifies the pid for diagnostics.
	Name() string
	// Packet returns the head packet without consuming it, or nil.
	Packet() Packet
	// DropPacket consumes the head packet.
	DropPacket()
	// IsEOS reports end of stream once all queued packets are drained.
	IsEOS() bool
	// Property returns a pid-level property, or nil.
	Property(name string) any
	// SendEvent delivers a control event to the upstream source.
	SendEvent(Event)
	// SetDiscard makes the pid drop all further input without delivery.
	SetDiscard(bool)
}

// PidOut is the output capability set consumed by the core.
type PidOut interface {
	// SetProperty sets (or, with a nil value, clears) a pid property.
	SetProperty(name string, value any)
	// CopyPropertiesFrom resets the pid properties to those of the input pid.
	CopyPropertiesFrom(in PidIn)
	// SetEOS marks the pid ended.
	SetEOS()

	// NewPacketRef wraps the source packet's payload by reference.
	NewPacketRef(src Packet) OutPacket
	// NewPacketCopy clones the source packet's payload into writable memory.
	NewPacketCopy(src Packet) OutPacket
	// NewPacketAlloc allocates a fresh packet with a payload of size bytes.
	NewPacketAlloc(size int) OutPacket

	// Send emits the packet downstream. The packet must not be touched
	// afterwards.
	Send(OutPacket)
	// Forward clones src (payload by reference, properties and timestamps
	// included) and emits it unchanged.
	Forward(src Packet)
}

// OutPacket is an output packet under construction.
type OutPacket interface {
	SetDTS(uint64)
	SetCTS(uint64)
	SetDuration(uint32)
	SetProperty(name string, value any)
	// MergePropertiesFrom copies packet properties and timestamps from src.
	MergePropertiesFrom(src Packet)
	// Data returns the writable payload for packets created with
	// NewPacketAlloc or NewPacketCopy, nil for reference packets.
	Data() []byte
}
