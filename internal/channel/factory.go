package channel

import (
	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
)

// Factory constructs Channel variants from one shared sizing/config
// record, so Publisher and Subscriber (internal/pubsub) don't each
// need their own switch over model.ChannelKind at every call site.
type Factory struct {
	MaxFrame      uint32
	SendBuffer    int
	ReceiveBuffer int
	// SHMDir is the directory shared-memory segments are created under.
	SHMDir string
	// WSPath is the HTTP upgrade target used by the WS variant.
	WSPath string
}

// New constructs an unconnected Channel of kind, or a non-OK Status if
// kind is not one this factory knows how to build.
func (f Factory) New(kind model.ChannelKind) (Channel, status.Status) {
	bufSize := f.SendBuffer
	if f.ReceiveBuffer > bufSize {
		bufSize = f.ReceiveBuffer
	}
	switch kind {
	case model.KindTCP:
		return NewTCP(f.MaxFrame, bufSize), status.OK()
	case model.KindUDP:
		return NewUDP(f.MaxFrame, bufSize), status.OK()
	case model.KindSHM:
		return NewSHM(f.MaxFrame, f.SHMDir), status.OK()
	case model.KindWS:
		return NewWS(f.MaxFrame, bufSize, f.WSPath), status.OK()
	default:
		return nil, status.New(codes.InvalidArgument, "channel: unknown kind %v", kind)
	}
}
