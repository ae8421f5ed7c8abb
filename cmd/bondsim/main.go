// Command bondsim runs a Bond over simulated impaired links, delivering to a
// Receiver in the same process, and prints what the scheduler does.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/golog"
	"github.com/mitchellh/go-homedir"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/atomic"

	"github.com/getlantern/bond"
)

var log = golog.LoggerFor("bondsim")

var flags = []cli.Flag{
	&cli.StringFlag{
		Name:  "config",
		Usage: "path to YAML config with `bond` and `sim` sections",
	},
	&cli.DurationFlag{
		Name:  "duration",
		Usage: "how long to run",
		Value: time.Minute,
	},
	&cli.Float64Flag{
		Name:  "bitrate",
		Usage: "initial producer bitrate in bits per second",
		Value: 6e6,
	},
	&cli.IntFlag{
		Name:  "packet-size",
		Usage: "payload size in bytes",
		Value: 1200,
	},
	&cli.IntFlag{
		Name:  "gop",
		Usage: "send a critical packet every `N` packets",
		Value: 60,
	},
	&cli.StringFlag{
		Name:  "metrics",
		Usage: "serve Prometheus metrics on this address, e.g. localhost:9090",
	},
	&cli.BoolFlag{
		Name:  "verbose",
		Usage: "print debug logs",
	},
}

func main() {
	app := &cli.App{
		Name:   "bondsim",
		Usage:  "simulate link bonding over impaired links",
		Flags:  flags,
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func readConfigFile(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(expanded)
}

func run(c *cli.Context) error {
	if c.Bool("verbose") {
		golog.SetOutputs(os.Stderr, os.Stdout)
	} else {
		golog.SetOutputs(os.Stderr, io.Discard)
	}

	raw, err := readConfigFile(c.String("config"))
	if err != nil {
		return err
	}
	conf, simConf, err := loadConfig(raw)
	if err != nil {
		return err
	}

	var tracker bond.StatsTracker = bond.NullTracker{}
	if addr := c.String("metrics"); addr != "" {
		reg := prometheus.NewRegistry()
		pt, err := bond.NewPrometheusTracker(reg, "bondsim")
		if err != nil {
			return err
		}
		tracker = pt
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		go func() {
			log.Error(http.ListenAndServe(addr, mux))
		}()
	}

	ctx, cancel := context.WithTimeout(c.Context, c.Duration("duration"))
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			log.Debugf("exit requested by %v, shutting down", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	receiver, err := bond.NewReceiver(conf.Reassembly, tracker)
	if err != nil {
		return err
	}
	defer receiver.Close()
	dialer := &simDialer{cfg: simConf, receiver: receiver, start: time.Now()}

	var bitrate atomic.Float64
	bitrate.Store(c.Float64("bitrate"))
	b, err := bond.NewBond(ctx, bond.Params{
		Config:  conf,
		Dialer:  dialer,
		Tracker: tracker,
		OnStats: func(st *bond.Stats) {
			fmt.Printf("%v\n%v\nreceiver: %v\n\n", st.At.Format("15:04:05.000"), st, receiver.Stats())
		},
		OnBitrate: func(bps float64) {
			if bps < bitrate.Load() {
				fmt.Printf("lowering bitrate to %v\n", humanize.SIWithDigits(bps, 2, "bps"))
				bitrate.Store(bps)
			}
		},
	})
	if err != nil {
		return err
	}
	go dialer.pushTelemetry(ctx, b)

	var received atomic.Uint64
	go consume(ctx, receiver, &received)
	produce(ctx, b, &bitrate, c.Int("packet-size"), c.Int("gop"))

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer closeCancel()
	if err := b.Close(closeCtx); err != nil {
		log.Errorf("failed to close bond: %v", err)
	}
	// let packets in flight arrive
	time.Sleep(conf.Reassembly.MaxLatency)
	for _, p := range receiver.DrainReady() {
		received.Add(uint64(len(p)))
	}
	fmt.Printf("received %v\nreceiver: %v\n", humanize.Bytes(received.Load()), receiver.Stats())
	return nil
}

// produce enqueues synthetic media at the current bitrate until ctx is done.
// Every gop-th packet is critical, and every third packet in between is
// droppable.
func produce(ctx context.Context, b *bond.Bond, bitrate *atomic.Float64, size, gop int) {
	const tick = 10 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	payload := make([]byte, size)
	budget := 0.0
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		budget += bitrate.Load() * tick.Seconds() / 8
		for budget >= float64(size) {
			budget -= float64(size)
			class := bond.ClassOrdinary
			switch {
			case gop > 0 && n%gop == 0:
				class = bond.ClassCritical
			case n%3 == 2:
				class = bond.ClassDroppable
			}
			n++
			if err := b.Enqueue(payload, class); err != nil && err != bond.ErrBackpressure {
				log.Errorf("unable to enqueue: %v", err)
				return
			}
		}
	}
}

func consume(ctx context.Context, r *bond.Receiver, received *atomic.Uint64) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, p := range r.DrainReady() {
				received.Add(uint64(len(p)))
			}
		}
	}
}
