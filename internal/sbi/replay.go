package sbi

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/signalsfoundry/qltr-controller/internal/controller"
	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
)

// DefaultReplayInPort is the ingress port replayed frames are reported on.
const DefaultReplayInPort = 1

// PacketInHandler consumes packet-in events.
type PacketInHandler interface {
	OnPacketIn(ctx context.Context, pi *ofp.PacketIn) controller.ControlResult
}

// forwarder is implemented by switches that account forwarded traffic.
type forwarder interface {
	Forward(n uint64)
}

// ReplayStats summarises one replay.
type ReplayStats struct {
	Frames    int
	Undecoded int
	Handled   int
	Installed int
	Dropped   int
	// ForwardedBytes counts frames of IPv4 events that were not dropped.
	ForwardedBytes uint64
	First, Last    time.Time
}

// Duration is the capture time spanned by the replayed frames.
func (s ReplayStats) Duration() time.Duration {
	if s.First.IsZero() {
		return 0
	}
	return s.Last.Sub(s.First)
}

// ReplayOption customises a Replayer.
type ReplayOption func(*Replayer)

// WithReplaySwitch reports frames as seen by sw on inPort.
func WithReplaySwitch(sw ofp.SwitchHandle, inPort uint32) ReplayOption {
	return func(r *Replayer) {
		r.sw = sw
		r.inPort = inPort
	}
}

// WithReplayRegistry lets the replayer account forwarded frames against
// the registered switch.
func WithReplayRegistry(reg SwitchRegistry) ReplayOption {
	return func(r *Replayer) { r.reg = reg }
}

// WithReplayClock calls set with each frame's capture timestamp before the
// frame is handled.
func WithReplayClock(set func(time.Time)) ReplayOption {
	return func(r *Replayer) { r.setTime = set }
}

// WithReplayLogger sets the replayer's logger.
func WithReplayLogger(l logging.Logger) ReplayOption {
	return func(r *Replayer) { r.log = l }
}

// WithReplayMetrics counts replayed and undecodable frames.
func WithReplayMetrics(m *SBIMetrics) ReplayOption {
	return func(r *Replayer) { r.metrics = m }
}

// Replayer turns a pcap capture into a stream of packet-in events, as if
// every frame had missed the flow table of one switch.
type Replayer struct {
	handler PacketInHandler
	decoder *ofp.FrameDecoder
	sw      ofp.SwitchHandle
	inPort  uint32
	reg     SwitchRegistry
	setTime func(time.Time)
	log     logging.Logger
	metrics *SBIMetrics
}

// NewReplayer returns a replayer feeding h.
func NewReplayer(h PacketInHandler, opts ...ReplayOption) *Replayer {
	r := &Replayer{
		handler: h,
		decoder: ofp.NewFrameDecoder(),
		sw:      1,
		inPort:  DefaultReplayInPort,
		log:     logging.Noop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Replay reads src as a pcap stream until EOF or ctx is done. Only
// Ethernet captures are accepted. A Replayer is not safe for concurrent
// Replay calls.
func (r *Replayer) Replay(ctx context.Context, src io.Reader) (ReplayStats, error) {
	var stats ReplayStats

	reader, err := pcapgo.NewReader(src)
	if err != nil {
		return stats, fmt.Errorf("open capture: %w", err)
	}
	if lt := reader.LinkType(); lt != layers.LinkTypeEthernet {
		return stats, fmt.Errorf("unsupported link type %s", lt)
	}

	var xid uint32
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		data, ci, err := reader.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			return stats, fmt.Errorf("failed to read packet: %w", err)
		}

		stats.Frames++
		if stats.First.IsZero() {
			stats.First = ci.Timestamp
		}
		stats.Last = ci.Timestamp
		if r.setTime != nil {
			r.setTime(ci.Timestamp)
		}

		xid++
		pi, err := r.decoder.PacketIn(r.sw, xid, r.inPort, data)
		if err != nil {
			stats.Undecoded++
			r.metrics.IncFramesUndecoded()
			r.log.Debug(ctx, "skipping frame", logging.Int("frame", stats.Frames), logging.Err(err))
			continue
		}
		r.metrics.IncFramesReplayed()

		res := r.handler.OnPacketIn(ctx, pi)
		switch res.Kind {
		case controller.KindDropped:
			stats.Dropped++
			continue
		case controller.KindHandledWithInstall:
			stats.Installed++
		default:
			stats.Handled++
		}
		if res.Class == controller.ClassIPv4 || res.Class == controller.ClassTCPSyn {
			stats.ForwardedBytes += pi.PayloadLen
			r.account(pi.PayloadLen)
		}
	}
}

func (r *Replayer) account(n uint64) {
	if r.reg == nil {
		return
	}
	dp, ok := r.reg.Get(r.sw)
	if !ok {
		return
	}
	if f, ok := dp.(forwarder); ok {
		f.Forward(n)
	}
}
