package nbi

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/routing"
	"github.com/signalsfoundry/qltr-controller/internal/session"
	"github.com/signalsfoundry/qltr-controller/internal/trust"
)

// SessionServiceName is the fully-qualified gRPC service name.
const SessionServiceName = "qltr.v1.SessionService"

const (
	methodGetResults = "/" + SessionServiceName + "/GetResults"
	methodDumpTrust  = "/" + SessionServiceName + "/DumpTrust"
	methodDumpQTable = "/" + SessionServiceName + "/DumpQTable"
	methodGetTrust   = "/" + SessionServiceName + "/GetTrust"
)

// SessionSource is the controller state the service reports on.
type SessionSource interface {
	Snapshot(elapsed time.Duration) session.Snapshot
	TrustSnapshot() []trust.Entry
	QSnapshot() []routing.Entry
	TableSizes() (mac, arp, trustNodes, q int)
}

// SessionServer is the server API of qltr.v1.SessionService. Requests and
// responses are protobuf well-known types.
type SessionServer interface {
	// GetResults returns the session report plus table sizes.
	GetResults(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	// DumpTrust lists every tracked node and its score.
	DumpTrust(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	// DumpQTable lists Q-values, optionally only for the source in field "src".
	DumpQTable(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	// GetTrust returns the score of the node in field "node".
	GetTrust(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// SessionService implements SessionServer over a running controller.
type SessionService struct {
	src     SessionSource
	elapsed func() time.Duration
	log     logging.Logger
}

// NewSessionService constructs the service. elapsed reports the session
// time used for throughput figures.
func NewSessionService(src SessionSource, elapsed func() time.Duration, log logging.Logger) *SessionService {
	if log == nil {
		log = logging.Noop()
	}
	return &SessionService{src: src, elapsed: elapsed, log: log}
}

func (s *SessionService) ensureReady() error {
	if s == nil || s.src == nil || s.elapsed == nil {
		return ToStatusError(fmt.Errorf("session service not initialised"))
	}
	return nil
}

func (s *SessionService) logger(ctx context.Context) logging.Logger {
	if l := logging.LoggerFromContext(ctx); l != nil {
		return l
	}
	return s.log
}

// GetResults reports throughput and efficiency at the current session time.
func (s *SessionService) GetResults(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, span := startQuerySpan(ctx, tableResults, 0, false)

	elapsed := s.elapsed()
	snap := s.src.Snapshot(elapsed)
	mac, arp, nodes, q := s.src.TableSizes()
	span.SetAttributes(
		attribute.Int64("qltr.session.total_bytes", int64(snap.TotalBytes)),
		attribute.Float64("qltr.session.elapsed_seconds", snap.ElapsedSeconds),
	)

	out, err := structpb.NewStruct(map[string]interface{}{
		"total_bytes":        float64(snap.TotalBytes),
		"packets":            float64(snap.Packets),
		"elapsed_seconds":    snap.ElapsedSeconds,
		"throughput_mbps":    snap.ThroughputMbps,
		"efficiency_percent": snap.EfficiencyPercent,
		"intervals":          float64(snap.Intervals),
		"interval_mean_mbps": snap.IntervalMeanMbps,
		"interval_std_mbps":  snap.IntervalStdMbps,
		"mac_entries":        float64(mac),
		"arp_entries":        float64(arp),
		"trust_nodes":        float64(nodes),
		"q_entries":          float64(q),
	})
	if err != nil {
		err = ToStatusError(err)
		span.finish(0, err)
		return nil, err
	}
	span.finish(1, nil)
	s.logger(ctx).Debug(ctx, "session results served", logging.Float64("elapsed_seconds", elapsed.Seconds()))
	return out, nil
}

// DumpTrust lists the trust table ordered by node address.
func (s *SessionService) DumpTrust(ctx context.Context, _ *emptypb.Empty) (*structpb.ListValue, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	_, span := startQuerySpan(ctx, tableTrust, 0, false)
	entries := s.src.TrustSnapshot()
	values := make([]*structpb.Value, 0, len(entries))
	for _, e := range entries {
		values = append(values, structpb.NewStructValue(trustStruct(e.Node, e.Score)))
	}
	span.finish(len(values), nil)
	return &structpb.ListValue{Values: values}, nil
}

// DumpQTable lists Q-values ordered by (src, hop).
func (s *SessionService) DumpQTable(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	src, filter, err := optionalNode(req, "src")
	if err != nil {
		return nil, ToStatusError(err)
	}

	_, span := startQuerySpan(ctx, tableQ, src, filter)
	entries := s.src.QSnapshot()
	values := make([]*structpb.Value, 0, len(entries))
	for _, e := range entries {
		if filter && e.Src != src {
			continue
		}
		values = append(values, structpb.NewStructValue(&structpb.Struct{Fields: map[string]*structpb.Value{
			"src":   structpb.NewStringValue(e.Src.String()),
			"hop":   structpb.NewStringValue(e.Hop.String()),
			"value": structpb.NewNumberValue(e.Value),
		}}))
	}
	span.finish(len(values), nil)
	return &structpb.ListValue{Values: values}, nil
}

// GetTrust returns one node's trust score. Untracked nodes are NotFound.
func (s *SessionService) GetTrust(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	node, err := requiredNode(req, "node")
	if err != nil {
		return nil, ToStatusError(err)
	}
	_, span := startQuerySpan(ctx, tableTrust, node, true)
	for _, e := range s.src.TrustSnapshot() {
		if e.Node == node {
			span.finish(1, nil)
			return trustStruct(e.Node, e.Score), nil
		}
	}
	err = ToStatusError(fmt.Errorf("%w: node %s is not tracked", ErrNotFound, node))
	span.finish(0, err)
	return nil, err
}

func trustStruct(node netaddr.NodeAddress, score float64) *structpb.Struct {
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"node":  structpb.NewStringValue(node.String()),
		"score": structpb.NewNumberValue(score),
	}}
}

// RegisterSessionServiceServer registers srv on s.
func RegisterSessionServiceServer(s grpc.ServiceRegistrar, srv SessionServer) {
	s.RegisterService(&SessionServiceDesc, srv)
}

// SessionServiceDesc describes qltr.v1.SessionService for grpc.Server.
var SessionServiceDesc = grpc.ServiceDesc{
	ServiceName: SessionServiceName,
	HandlerType: (*SessionServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetResults", Handler: getResultsHandler},
		{MethodName: "DumpTrust", Handler: dumpTrustHandler},
		{MethodName: "DumpQTable", Handler: dumpQTableHandler},
		{MethodName: "GetTrust", Handler: getTrustHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "qltr/v1/session.proto",
}

func getResultsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).GetResults(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetResults}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServer).GetResults(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func dumpTrustHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).DumpTrust(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDumpTrust}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServer).DumpTrust(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func dumpQTableHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).DumpQTable(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDumpQTable}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServer).DumpQTable(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func getTrustHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SessionServer).GetTrust(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetTrust}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(SessionServer).GetTrust(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// SessionClient is the client API of qltr.v1.SessionService.
type SessionClient struct {
	cc grpc.ClientConnInterface
}

// NewSessionClient returns a client over cc.
func NewSessionClient(cc grpc.ClientConnInterface) *SessionClient {
	return &SessionClient{cc: cc}
}

func (c *SessionClient) GetResults(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetResults, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionClient) DumpTrust(ctx context.Context, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodDumpTrust, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// DumpQTable lists all Q-values, or only src's row when src is non-empty.
func (c *SessionClient) DumpQTable(ctx context.Context, src string, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{}}
	if src != "" {
		in.Fields["src"] = structpb.NewStringValue(src)
	}
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodDumpQTable, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *SessionClient) GetTrust(ctx context.Context, node string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	in := &structpb.Struct{Fields: map[string]*structpb.Value{"node": structpb.NewStringValue(node)}}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetTrust, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
