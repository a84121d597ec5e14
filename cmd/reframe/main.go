// Command reframe extracts time ranges from an MPEG-TS file and rewrites
// them onto a continuous timeline, optionally splitting the result into
// chunks by duration, size, or at each random access point.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/reframe/internal/filter"
	"github.com/zsiec/reframe/internal/reframer"
	"github.com/zsiec/reframe/internal/session"
	"github.com/zsiec/reframe/internal/tsio"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "reframe INPUT.ts",
		Short:   "media range extraction and splitting",
		Version: version,
		Args:    cobra.ExactArgs(1),
		Long: `reframe reads an MPEG-TS file, extracts the requested time ranges across
all elementary streams, rewrites timestamps onto a continuous timeline, and
writes each output chunk as per-stream elementary stream files.

Range starts (--xs) accept Thh:mm:ss[.ms] times, Fn frame numbers, plain
seconds or fractions, and the split directives SAP, Dn (duration in ms) and
Sn[k|m|g] (target size in bytes).`,
	}

	fl := cmd.Flags()
	fl.String("rt", "off", "real-time pacing: off, on (one clock per pid) or sync (shared clock)")
	fl.Float64("speed", 1.0, "playback speed for real-time pacing")
	fl.IntSlice("saps", nil, "keep only the listed SAP classes (0 keeps non-SAP)")
	fl.Bool("refs", false, "keep only frames used as references")
	fl.Bool("raw", false, "treat input as decoded media")
	fl.StringSlice("frames", nil, "keep only the listed frame numbers (first is 1)")
	fl.StringSlice("xs", nil, "extraction range start times")
	fl.StringSlice("xe", nil, "extraction range end times")
	fl.String("xround", "before", "start cut rounding: before, after or closest")
	fl.Bool("xadjust", false, "snap range ends to the frame before the next video SAP")
	fl.Bool("nosap", false, "cut at any packet instead of SAPs only")
	fl.Bool("splitrange", false, "signal chunk boundaries on the first packet of each range")
	fl.Float64("seeksafe", 10.0, "seconds of rewind safety applied to seek requests")
	fl.Bool("tcmdrw", true, "rewrite timecode samples when splitting")
	fl.StringSlice("props", nil, "extra output properties per range (name=value,...)")
	fl.String("out", "out", "output directory")
	fl.String("log-level", "info", "log level (debug, info, warn, error)")

	// resolution: explicitly set flag > env (REFRAME_XS, REFRAME_LOG_LEVEL,
	// ...) > flag default
	v := viper.New()
	v.SetEnvPrefix("REFRAME")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	cobra.CheckErr(v.BindPFlags(fl))

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		return run(v, args)
	}
	return cmd
}

func run(v *viper.Viper, args []string) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		level = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	opts, err := buildOptions(v)
	if err != nil {
		return err
	}
	outDir := v.GetString("out")

	src, err := tsio.Open(args[0], nil)
	if err != nil {
		return err
	}
	defer src.Close()

	sink, err := tsio.NewChunkWriter(outDir, nil)
	if err != nil {
		return err
	}
	defer sink.Close()

	r := reframer.New(opts, nil)
	var opids []*session.OutputPid
	for _, ipid := range src.Pids() {
		opid := session.NewOutputPid(ipid.Name(), sink)
		r.ConfigurePid(ipid, opid)
		opids = append(opids, opid)
	}
	// the initial PLAY carries the first range start upstream
	for _, opid := range opids {
		r.ProcessEvent(opid, filter.Event{Type: filter.EventPlay, Speed: opts.Speed})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("reframe starting", "version", version, "input", args[0], "out", outDir)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer r.Finalize()
		return session.New(src, r, nil).Run(ctx)
	})
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// buildOptions converts the CLI surface into reframer options.
func buildOptions(v *viper.Viper) (reframer.Options, error) {
	var opts reframer.Options

	switch rt := v.GetString("rt"); rt {
	case "off":
		opts.RT = reframer.RTOff
	case "on":
		opts.RT = reframer.RTOn
	case "sync":
		opts.RT = reframer.RTSync
	default:
		return opts, fmt.Errorf("invalid --rt value %q", rt)
	}

	switch xround := v.GetString("xround"); xround {
	case "before":
		opts.XRound = reframer.RoundBefore
	case "after":
		opts.XRound = reframer.RoundAfter
	case "closest":
		opts.XRound = reframer.RoundClosest
	default:
		return opts, fmt.Errorf("invalid --xround value %q", xround)
	}

	opts.Speed = v.GetFloat64("speed")
	opts.SAPs = v.GetIntSlice("saps")
	opts.Refs = v.GetBool("refs")
	opts.Raw = v.GetBool("raw")
	opts.XAdjust = v.GetBool("xadjust")
	opts.NoSAP = v.GetBool("nosap")
	opts.SplitRange = v.GetBool("splitrange")
	opts.SeekSafe = v.GetFloat64("seeksafe")
	opts.TcmdRW = v.GetBool("tcmdrw")
	opts.XS = v.GetStringSlice("xs")
	opts.XE = v.GetStringSlice("xe")
	opts.Props = v.GetStringSlice("props")

	for _, f := range v.GetStringSlice("frames") {
		var n uint64
		if _, err := fmt.Sscanf(f, "%d", &n); err != nil || n == 0 {
			return opts, fmt.Errorf("invalid --frames value %q", f)
		}
		opts.Frames = append(opts.Frames, n)
	}

	if opts.Speed <= 0 {
		return opts, fmt.Errorf("--speed must be positive")
	}
	return opts, nil
}
