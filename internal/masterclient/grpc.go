package masterclient

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"

	"github.com/felrt/fel/internal/buildinfo"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/status"
)

// jsonCodecName is registered with grpc's global encoding registry so
// every GRPCClient call marshals with encoding/json instead of
// protobuf. This avoids depending on protoc-generated .pb.go stubs
// for a service this repo does not compile from a .proto file; the
// service surface is instead the method-name constants declared in
// masterclient.go, mirroring how a hand-rolled JSON-RPC server would
// be dialed as a grpc.ClientConn without generated code.
const jsonCodecName = "json"

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Name() string { return jsonCodecName }

func (jsonCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// GRPCClient implements Stub over a grpc.ClientConn, invoking each
// master operation as a unary RPC under the "/fel.Master/" service
// path via ClientConn.Invoke rather than a generated client struct.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// DialGRPC opens a grpc.ClientConn to the master's gRPC endpoint. TLS
// is left to the caller via opts; callers that want the retry/dial
// timeout behavior internal/channel.Dialer gives the direct transport
// can pass grpc.WithContextDialer bound to the same net.Dialer
// settings (see internal/channel/dial.go).
func DialGRPC(ctx context.Context, source model.ChannelSource, opts ...grpc.DialOption) (*GRPCClient, status.Status) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
		grpc.WithUserAgent(buildinfo.UserAgent()),
	}, opts...)

	conn, err := grpc.DialContext(ctx, source.Addr(), dialOpts...)
	if err != nil {
		return nil, status.FromGRPC(err)
	}
	return &GRPCClient{conn: conn}, status.OK()
}

func method(name string) string {
	return fmt.Sprintf("/fel.Master/%s", name)
}

func (c *GRPCClient) invoke(ctx context.Context, name string, req, reply any) status.Status {
	if err := c.conn.Invoke(ctx, method(name), req, reply); err != nil {
		return status.FromGRPC(err)
	}
	return status.OK()
}

func (c *GRPCClient) RegisterClient(ctx context.Context, req model.ClientInfo, done func(RegisterClientResult, status.Status)) {
	go func() {
		var result RegisterClientResult
		st := c.invoke(ctx, methodRegisterClient, &req, &result)
		done(result, st)
	}()
}

func (c *GRPCClient) UnregisterClient(ctx context.Context, done func(status.Status)) {
	go func() { done(c.invoke(ctx, methodUnregisterClient, &struct{}{}, &struct{}{})) }()
}

func (c *GRPCClient) ListClients(ctx context.Context, done func([]model.ClientInfo, status.Status)) {
	go func() {
		var result []model.ClientInfo
		st := c.invoke(ctx, methodListClients, &struct{}{}, &result)
		done(result, st)
	}()
}

func (c *GRPCClient) RegisterNode(ctx context.Context, req model.NodeInfo, done func(RegisterNodeResult, status.Status)) {
	go func() {
		var result RegisterNodeResult
		st := c.invoke(ctx, methodRegisterNode, &req, &result)
		done(result, st)
	}()
}

func (c *GRPCClient) UnregisterNode(ctx context.Context, req model.NodeInfo, done func(status.Status)) {
	go func() { done(c.invoke(ctx, methodUnregisterNode, &req, &struct{}{})) }()
}

func (c *GRPCClient) ListNodes(ctx context.Context, done func([]model.NodeInfo, status.Status)) {
	go func() {
		var result []model.NodeInfo
		st := c.invoke(ctx, methodListNodes, &struct{}{}, &result)
		done(result, st)
	}()
}

func (c *GRPCClient) PublishTopic(ctx context.Context, req model.TopicInfo, done func(status.Status)) {
	go func() { done(c.invoke(ctx, methodPublishTopic, &req, &struct{}{})) }()
}

func (c *GRPCClient) UnpublishTopic(ctx context.Context, name string, done func(status.Status)) {
	go func() {
		req := byNameRequest{Name: name}
		done(c.invoke(ctx, methodUnpublishTopic, &req, &struct{}{}))
	}()
}

func (c *GRPCClient) SubscribeTopic(ctx context.Context, name string, kinds model.ChannelKindSet, done func(SubscribeTopicResult, status.Status)) {
	go func() {
		req := subscribeTopicRequest{Name: name, Kinds: kinds}
		var result SubscribeTopicResult
		st := c.invoke(ctx, methodSubscribeTopic, &req, &result)
		done(result, st)
	}()
}

func (c *GRPCClient) UnsubscribeTopic(ctx context.Context, name string, done func(status.Status)) {
	go func() {
		req := byNameRequest{Name: name}
		done(c.invoke(ctx, methodUnsubscribeTopic, &req, &struct{}{}))
	}()
}

func (c *GRPCClient) ListTopics(ctx context.Context, done func([]model.TopicInfo, status.Status)) {
	go func() {
		var result []model.TopicInfo
		st := c.invoke(ctx, methodListTopics, &struct{}{}, &result)
		done(result, st)
	}()
}

func (c *GRPCClient) RegisterServiceClient(ctx context.Context, name string, done func(RegisterServiceClientResult, status.Status)) {
	go func() {
		req := byNameRequest{Name: name}
		var result RegisterServiceClientResult
		st := c.invoke(ctx, methodRegisterServiceClient, &req, &result)
		done(result, st)
	}()
}

func (c *GRPCClient) UnregisterServiceClient(ctx context.Context, name string, done func(status.Status)) {
	go func() {
		req := byNameRequest{Name: name}
		done(c.invoke(ctx, methodUnregisterServiceClient, &req, &struct{}{}))
	}()
}

func (c *GRPCClient) RegisterServiceServer(ctx context.Context, req model.ServiceInfo, done func(status.Status)) {
	go func() { done(c.invoke(ctx, methodRegisterServiceServer, &req, &struct{}{})) }()
}

func (c *GRPCClient) UnregisterServiceServer(ctx context.Context, name string, done func(status.Status)) {
	go func() {
		req := byNameRequest{Name: name}
		done(c.invoke(ctx, methodUnregisterServiceServer, &req, &struct{}{}))
	}()
}

func (c *GRPCClient) ListServices(ctx context.Context, done func([]model.ServiceInfo, status.Status)) {
	go func() {
		var result []model.ServiceInfo
		st := c.invoke(ctx, methodListServices, &struct{}{}, &result)
		done(result, st)
	}()
}

func (c *GRPCClient) Close() error {
	return c.conn.Close()
}
