// Package masterclient implements the Master Client Stub:
// one asynchronous method per master operation, backed by either a
// direct framed-socket transport (direct.go) or a gRPC transport
// (grpc.go). Both conform to the Stub interface so callers -- the
// MasterProxy and the Publisher/Subscriber state machines -- never see
// which transport is in play.
package masterclient

import (
	"context"

	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
)

// RegisterClientResult carries the master-assigned ClientInfo.
type RegisterClientResult struct {
	Client model.ClientInfo
}

// RegisterNodeResult carries the master-assigned NodeInfo.
type RegisterNodeResult struct {
	Node model.NodeInfo
}

// SubscribeTopicResult carries the sources advertised for a topic.
type SubscribeTopicResult struct {
	Topic model.TopicInfo
}

// RegisterServiceClientResult carries the resolved ServiceInfo.
type RegisterServiceClientResult struct {
	Service model.ServiceInfo
}

// Stub is the transport-agnostic asynchronous RPC surface the
// MasterProxy drives. Every method's completion callback is invoked
// exactly once, on whatever goroutine the transport's response arrives
// on -- callers that need task-runner affinity re-post it themselves.
//
// Ordering: implementations must preserve per-caller submission order
// for calls that mutate state on the same object (e.g. two
// PublishTopic calls from the same publisher); responses may still
// complete out of order relative to each other.
type Stub interface {
	RegisterClient(ctx context.Context, req model.ClientInfo, done func(RegisterClientResult, status.Status))
	UnregisterClient(ctx context.Context, done func(status.Status))
	ListClients(ctx context.Context, done func([]model.ClientInfo, status.Status))

	RegisterNode(ctx context.Context, req model.NodeInfo, done func(RegisterNodeResult, status.Status))
	UnregisterNode(ctx context.Context, req model.NodeInfo, done func(status.Status))
	ListNodes(ctx context.Context, done func([]model.NodeInfo, status.Status))

	PublishTopic(ctx context.Context, req model.TopicInfo, done func(status.Status))
	UnpublishTopic(ctx context.Context, name string, done func(status.Status))
	SubscribeTopic(ctx context.Context, name string, kinds model.ChannelKindSet, done func(SubscribeTopicResult, status.Status))
	UnsubscribeTopic(ctx context.Context, name string, done func(status.Status))
	ListTopics(ctx context.Context, done func([]model.TopicInfo, status.Status))

	RegisterServiceClient(ctx context.Context, name string, done func(RegisterServiceClientResult, status.Status))
	UnregisterServiceClient(ctx context.Context, name string, done func(status.Status))
	RegisterServiceServer(ctx context.Context, req model.ServiceInfo, done func(status.Status))
	UnregisterServiceServer(ctx context.Context, name string, done func(status.Status))
	ListServices(ctx context.Context, done func([]model.ServiceInfo, status.Status))

	// Close releases the underlying connection.
	Close() error
}

// method names shared by both transports: grpc.go uses them as the
// gRPC full method path's last segment, direct.go looks them up in
// methodTags to get the 4-byte wire tag that prefixes the request.
const (
	methodRegisterClient          = "RegisterClient"
	methodUnregisterClient        = "UnregisterClient"
	methodListClients             = "ListClients"
	methodRegisterNode            = "RegisterNode"
	methodUnregisterNode          = "UnregisterNode"
	methodListNodes               = "ListNodes"
	methodPublishTopic            = "PublishTopic"
	methodUnpublishTopic          = "UnpublishTopic"
	methodSubscribeTopic          = "SubscribeTopic"
	methodUnsubscribeTopic        = "UnsubscribeTopic"
	methodListTopics              = "ListTopics"
	methodRegisterServiceClient   = "RegisterServiceClient"
	methodUnregisterServiceClient = "UnregisterServiceClient"
	methodRegisterServiceServer   = "RegisterServiceServer"
	methodUnregisterServiceServer = "UnregisterServiceServer"
	methodListServices            = "ListServices"
)

// methodTags assigns each master RPC a stable 4-byte wire tag for the
// direct-socket transport: every request payload starts with the tag
// of the method it invokes, followed by the JSON request body, and the
// whole payload travels in the same Header+body framing every other
// Channel message uses.
var methodTags = map[string]uint32{
	methodRegisterClient:          1,
	methodUnregisterClient:        2,
	methodListClients:             3,
	methodRegisterNode:            4,
	methodUnregisterNode:          5,
	methodListNodes:               6,
	methodPublishTopic:            7,
	methodUnpublishTopic:          8,
	methodSubscribeTopic:          9,
	methodUnsubscribeTopic:        10,
	methodListTopics:              11,
	methodRegisterServiceClient:   12,
	methodUnregisterServiceClient: 13,
	methodRegisterServiceServer:   14,
	methodUnregisterServiceServer: 15,
	methodListServices:            16,
}

// subscribeTopicRequest and byNameRequest are the wire envelopes for
// calls whose Stub signature takes
// scalar arguments rather than a single struct; direct.go's codec
// needs one addressable Go value per call to marshal.
type subscribeTopicRequest struct {
	Name  string               `json:"name"`
	Kinds model.ChannelKindSet `json:"kinds"`
}

type byNameRequest struct {
	Name string `json:"name"`
}
