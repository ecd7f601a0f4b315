// Package model holds the data types shared across the runtime: the
// records exchanged with the master, and the channel addressing types
// they carry.
package model

import "fmt"

// ClientInfo identifies one process-wide runtime instance to the
// master. A ClientInfo is valid only after the master assigns a
// non-zero ID.
type ClientInfo struct {
	ID uint64
	// HeartBeatDurationMS is the declared interval between heartbeat
	// pulses, in milliseconds.
	HeartBeatDurationMS uint32
	// HeartBeatSource is the endpoint the signaller binds, reported to
	// the master during RegisterClient.
	HeartBeatSource ChannelSource
	// NotificationSource is the endpoint the notification watcher
	// listens on, reported to the master during RegisterClient.
	NotificationSource ChannelSource
}

// Valid reports whether the master has assigned this ClientInfo an ID.
func (c ClientInfo) Valid() bool { return c.ID != 0 }

// NodeInfo identifies a node, unique by name within its client.
type NodeInfo struct {
	ClientID uint64
	Name     string
	// Watermark is an opaque value the master may set on registration
	// (e.g. a registration sequence number) for diagnostics.
	Watermark uint64
}

// ImplKind distinguishes a topic/service's wire implementation.
type ImplKind int

const (
	// ImplNative uses this runtime's own wire format.
	ImplNative ImplKind = iota
	// ImplROS marks a topic bridged from the ROS-compatibility layer,
	// out of scope here but preserved as a data-model value so the
	// master and notification records round-trip it unchanged.
	ImplROS
)

// TopicInfo describes one publisher's advertisement of a topic.
type TopicInfo struct {
	Name        string
	MessageType string
	Sources     []ChannelSource
	Impl        ImplKind
}

// ServiceInfo describes a request-reply endpoint, analogous to
// TopicInfo. MethodSignatureHash lets the master reject a client whose
// method signature has drifted from the registered one.
type ServiceInfo struct {
	Name                string
	MethodSignatureHash uint64
	Sources             []ChannelSource
	Impl                ImplKind
	Persistent          bool
}

// ChannelKind enumerates the transport variants a Channel may be.
type ChannelKind int

const (
	KindTCP ChannelKind = iota
	KindUDP
	KindSHM
	KindWS
)

func (k ChannelKind) String() string {
	switch k {
	case KindTCP:
		return "tcp"
	case KindUDP:
		return "udp"
	case KindSHM:
		return "shm"
	case KindWS:
		return "ws"
	default:
		return "unknown"
	}
}

// ChannelKindSet is a bitmask of ChannelKind values, passed as
// channel_kinds_bitmask by RequestPublish and RequestSubscribe.
type ChannelKindSet uint8

func KindBit(k ChannelKind) ChannelKindSet { return ChannelKindSet(1 << uint(k)) }

func (s ChannelKindSet) Has(k ChannelKind) bool { return s&KindBit(k) != 0 }

// All is a ChannelKindSet containing every known kind.
const All ChannelKindSet = ChannelKindSet(1<<4) - 1

// ChannelSource is a channel-kind plus a kind-specific address. A
// source is valid if the kind is recognised and its address fields are
// populated; equality is structural (comparable via ==, since all
// fields are comparable scalars).
type ChannelSource struct {
	Kind ChannelKind
	// Host/Port are used for TCP, UDP, and WS (WS additionally uses
	// Path for the HTTP upgrade target).
	Host string
	Port uint16
	Path string
	// SHMHandle/SHMSize address a shared-memory segment.
	SHMHandle string
	SHMSize   int
}

// Valid reports whether the source's address fields are populated for
// its declared kind.
func (s ChannelSource) Valid() bool {
	switch s.Kind {
	case KindTCP, KindUDP:
		return s.Host != "" && s.Port != 0
	case KindWS:
		return s.Host != "" && s.Port != 0
	case KindSHM:
		return s.SHMHandle != "" && s.SHMSize > 0
	default:
		return false
	}
}

// Addr formats the dial/listen address for TCP/UDP/WS sources.
func (s ChannelSource) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// PublisherSettings configures a Publisher's outbound flow.
type PublisherSettings struct {
	// QueueSize is the max pending outbound messages per peer before
	// newest-wins dropping kicks in. Default 100.
	QueueSize int
	// BufferSize is the fixed send buffer size, or a hint when
	// IsDynamicBuffer is set.
	BufferSize int
	// IsDynamicBuffer grows the send buffer on demand instead of
	// failing with ERR_NOT_ENOUGH_BUFFER.
	IsDynamicBuffer bool
	// Period is the minimum interval between successive publishes;
	// zero means no throttle.
	Period uint32 // milliseconds
	// WSPermessageDeflate enables permessage-deflate compression for
	// the WebSocket channel kind.
	WSPermessageDeflate bool
	// JSONEncoding publishes with the JSON payload codec instead of
	// binary (debug/WS clients).
	JSONEncoding bool
}

// DefaultPublisherSettings returns the documented default settings.
func DefaultPublisherSettings() PublisherSettings {
	return PublisherSettings{QueueSize: 100, BufferSize: 64 * 1024}
}

// SubscriberSettings configures a Subscriber's inbound flow.
type SubscriberSettings struct {
	// QueueSize is the inbound dispatch queue per publisher. Default 1.
	QueueSize int
	// Period is the maximum dispatch frequency; faster arrivals are
	// coalesced newest-wins. Zero means no coalescing.
	Period uint32 // milliseconds
	// IsDynamicBuffer grows the receive buffer on demand.
	IsDynamicBuffer bool
	// JSONEncoding decodes inbound payloads with the JSON codec instead
	// of binary, for dynamic nodes subscribing without a compile-time
	// message type.
	JSONEncoding bool
}

// DefaultSubscriberSettings returns the documented default settings.
func DefaultSubscriberSettings() SubscriberSettings {
	return SubscriberSettings{QueueSize: 1}
}

// KindPreference is the fixed channel-kind tie-break order resolved in
// DESIGN.md's Open Questions section: SHM > TCP > UDP > WS.
var KindPreference = []ChannelKind{KindSHM, KindTCP, KindUDP, KindWS}

// PickPreferred returns the first kind in KindPreference present in
// both want (the subscriber's bitmask) and have (the kinds a topic was
// advertised on), and false if the intersection is empty.
func PickPreferred(want ChannelKindSet, have []ChannelSource) (ChannelSource, bool) {
	byKind := make(map[ChannelKind]ChannelSource, len(have))
	for _, s := range have {
		byKind[s.Kind] = s
	}
	for _, k := range KindPreference {
		if !want.Has(k) {
			continue
		}
		if s, ok := byKind[k]; ok {
			return s, true
		}
	}
	return ChannelSource{}, false
}
