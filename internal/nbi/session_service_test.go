package nbi

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/routing"
	"github.com/signalsfoundry/qltr-controller/internal/session"
	"github.com/signalsfoundry/qltr-controller/internal/trust"
)

type fakeSource struct {
	agg   *session.Aggregator
	trust []trust.Entry
	q     []routing.Entry
}

func (f *fakeSource) Snapshot(elapsed time.Duration) session.Snapshot {
	return f.agg.Snapshot(elapsed.Seconds())
}
func (f *fakeSource) TrustSnapshot() []trust.Entry { return f.trust }
func (f *fakeSource) QSnapshot() []routing.Entry   { return f.q }
func (f *fakeSource) TableSizes() (int, int, int, int) {
	return 3, 2, len(f.trust), len(f.q)
}

var (
	nodeA = netaddr.MustParseNodeAddress("10.0.0.1")
	nodeB = netaddr.MustParseNodeAddress("10.0.0.2")
	nodeC = netaddr.MustParseNodeAddress("10.0.0.3")
)

func newFakeSource() *fakeSource {
	agg := session.NewAggregator(1e6)
	agg.RecordBytes(1_250_000)
	return &fakeSource{
		agg: agg,
		trust: []trust.Entry{
			{Node: nodeA, Score: 0.2},
			{Node: nodeB, Score: 0.7},
		},
		q: []routing.Entry{
			{Key: routing.Key{Src: nodeA, Hop: nodeB}, Value: 0.5},
			{Key: routing.Key{Src: nodeA, Hop: nodeC}, Value: 0.25},
			{Key: routing.Key{Src: nodeB, Hop: nodeA}, Value: 1},
		},
	}
}

func startSessionServer(t *testing.T, src SessionSource) *SessionClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	svc := NewSessionService(src, func() time.Duration { return 10 * time.Second }, logging.Noop())
	server := NewServer(logging.Noop(), nil, svc)
	go func() { _ = server.Serve(lis) }()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewSessionClient(conn)
}

func TestSessionServiceGetResults(t *testing.T) {
	client := startSessionServer(t, newFakeSource())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := client.GetResults(ctx)
	require.NoError(t, err)

	fields := res.GetFields()
	assert.Equal(t, 1_250_000.0, fields["total_bytes"].GetNumberValue())
	assert.Equal(t, 10.0, fields["elapsed_seconds"].GetNumberValue())
	assert.InDelta(t, 1.0, fields["throughput_mbps"].GetNumberValue(), 1e-9)
	assert.InDelta(t, 12.5, fields["efficiency_percent"].GetNumberValue(), 1e-9)
	assert.Equal(t, 3.0, fields["mac_entries"].GetNumberValue())
	assert.Equal(t, 2.0, fields["trust_nodes"].GetNumberValue())
	assert.Equal(t, 3.0, fields["q_entries"].GetNumberValue())
}

func TestSessionServiceDumps(t *testing.T) {
	client := startSessionServer(t, newFakeSource())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	trustList, err := client.DumpTrust(ctx)
	require.NoError(t, err)
	require.Len(t, trustList.GetValues(), 2)
	first := trustList.GetValues()[0].GetStructValue().GetFields()
	assert.Equal(t, "10.0.0.1", first["node"].GetStringValue())
	assert.Equal(t, 0.2, first["score"].GetNumberValue())

	all, err := client.DumpQTable(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all.GetValues(), 3)

	rows, err := client.DumpQTable(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, rows.GetValues(), 2)
	for _, v := range rows.GetValues() {
		assert.Equal(t, "10.0.0.1", v.GetStructValue().GetFields()["src"].GetStringValue())
	}

	_, err = client.DumpQTable(ctx, "not-an-ip")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSessionServiceGetTrust(t *testing.T) {
	client := startSessionServer(t, newFakeSource())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got, err := client.GetTrust(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, 0.7, got.GetFields()["score"].GetNumberValue())

	_, err = client.GetTrust(ctx, "10.0.0.9")
	assert.Equal(t, codes.NotFound, status.Code(err))

	_, err = client.GetTrust(ctx, "")
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestSessionServiceEchoesRequestID(t *testing.T) {
	client := startSessionServer(t, newFakeSource())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, requestIDMetadataKey, "req-42")

	var header metadata.MD
	_, err := client.DumpTrust(ctx, grpc.Header(&header))
	require.NoError(t, err)
	assert.Equal(t, []string{"req-42"}, header.Get(requestIDMetadataKey))
}

func TestSessionServiceNotInitialised(t *testing.T) {
	t.Parallel()

	var svc *SessionService
	_, err := svc.GetResults(context.Background(), &emptypb.Empty{})
	assert.Equal(t, codes.Internal, status.Code(err))

	svc = NewSessionService(nil, nil, nil)
	_, err = svc.DumpTrust(context.Background(), &emptypb.Empty{})
	assert.Equal(t, codes.Internal, status.Code(err))
}

func TestOptionalNode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		req     *structpb.Struct
		want    netaddr.NodeAddress
		ok      bool
		wantErr bool
	}{
		{name: "nil request"},
		{name: "absent", req: &structpb.Struct{}},
		{name: "blank", req: mustStruct(t, map[string]interface{}{"node": "  "})},
		{name: "valid", req: mustStruct(t, map[string]interface{}{"node": "10.0.0.3"}), want: nodeC, ok: true},
		{name: "not a string", req: mustStruct(t, map[string]interface{}{"node": 7.0}), wantErr: true},
		{name: "bad address", req: mustStruct(t, map[string]interface{}{"node": "10.0.0"}), wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, ok, err := optionalNode(tc.req, "node")
			if tc.wantErr {
				require.ErrorIs(t, err, ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRequiredNodeMissing(t *testing.T) {
	t.Parallel()

	_, err := requiredNode(&structpb.Struct{}, "node")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func mustStruct(t *testing.T, m map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	require.NoError(t, err)
	return s
}
