package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/qltr-controller/internal/config"
	"github.com/signalsfoundry/qltr-controller/internal/logging"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/internal/sbi"
)

type replayOptions struct {
	switchID string
	inPort   uint32
}

func newReplayCmd(opts *rootOptions) *cobra.Command {
	ro := &replayOptions{}

	cmd := &cobra.Command{
		Use:   "replay <capture.pcap>",
		Short: "Feed a pcap capture to the controller as packet-in events",
		Long: `Replay every frame of an Ethernet pcap capture as a packet-in from one
switch. The session clock follows the capture timestamps, so the stats
monitor and the session report reflect capture time.

Examples:
  qltrctl replay trace.pcap
  qltrctl replay --switch 0x2 --in-port 3 trace.pcap`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd.ErrOrStderr())
			defer func() { _ = logging.Close(log) }()

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open capture: %w", err)
			}
			defer f.Close()

			_, err = runReplay(cmd.Context(), cfg, log, ro, f, cmd.OutOrStdout())
			return err
		},
	}
	cmd.Flags().StringVar(&ro.switchID, "switch", "", "switch the frames arrive on (default: first configured switch)")
	cmd.Flags().Uint32Var(&ro.inPort, "in-port", sbi.DefaultReplayInPort, "ingress port reported for every frame")
	return cmd
}

// runReplay replays src through a fresh controller session and writes the
// session report to out.
func runReplay(ctx context.Context, cfg *config.Config, log logging.Logger, ro *replayOptions, src io.Reader, out io.Writer) (sbi.ReplayStats, error) {
	a, err := newApp(cfg, log, time.Time{})
	if err != nil {
		return sbi.ReplayStats{}, err
	}
	defer a.Close()

	handles, sw, err := replaySwitches(cfg, ro.switchID)
	if err != nil {
		return sbi.ReplayStats{}, err
	}
	if err := a.connect(ctx, handles); err != nil {
		return sbi.ReplayStats{}, err
	}

	// The monitor starts at the first capture timestamp.
	started := false
	setTime := func(t time.Time) {
		a.clock.SetTime(t)
		if !started {
			started = true
			a.startMonitor()
		}
	}

	r := sbi.NewReplayer(a.ctrl,
		sbi.WithReplaySwitch(sw, ro.inPort),
		sbi.WithReplayRegistry(a.rt.Registry),
		sbi.WithReplayClock(setTime),
		sbi.WithReplayLogger(log),
		sbi.WithReplayMetrics(a.rt.Metrics),
	)
	stats, err := r.Replay(ctx, src)
	if err != nil {
		return stats, err
	}

	log.Info(ctx, "replay finished",
		logging.Int("frames", stats.Frames),
		logging.Int("undecoded", stats.Undecoded),
		logging.Int("installed", stats.Installed),
		logging.Int("dropped", stats.Dropped),
		logging.String("capture_duration", stats.Duration().String()),
	)
	log.Debug(ctx, a.rt.Metrics.String())
	return stats, a.ctrl.PrintResults(out, stats.Duration())
}

// replaySwitches returns the switches to connect and the one frames arrive
// on. --switch defaults to the first configured switch, or switch 1 when
// none is configured; an unconfigured replay switch is connected too.
func replaySwitches(cfg *config.Config, id string) ([]ofp.SwitchHandle, ofp.SwitchHandle, error) {
	handles, err := cfg.SwitchHandles()
	if err != nil {
		return nil, 0, err
	}
	sw := ofp.SwitchHandle(1)
	switch {
	case id != "":
		if sw, err = config.ParseSwitchID(id); err != nil {
			return nil, 0, err
		}
	case len(handles) > 0:
		return handles, handles[0], nil
	}
	for _, h := range handles {
		if h == sw {
			return handles, sw, nil
		}
	}
	return append(handles, sw), sw, nil
}
