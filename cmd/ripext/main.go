// Command ripext fetches URLs through the scheduler from a simulated host
// that ticks at a fixed frame rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ErikMinekus/sm-ripext/client"
	"github.com/ErikMinekus/sm-ripext/config"
	"github.com/ErikMinekus/sm-ripext/scheduler"
)

const name = "github.com/ErikMinekus/sm-ripext/cmd/ripext"

func main() {
	if err := run(context.Background()); err != nil {
		log.Fatalln(err)
	}
}

func run(ctx context.Context) error {
	var (
		frame    = flag.Duration("frame", 15*time.Millisecond, "host tick interval")
		download = flag.String("download", "", "store the bodies under this directory instead of printing them")
		verbose  = flag.Bool("v", false, "log debug records straight to stderr, bypassing the OpenTelemetry bridge")
		timeout  = flag.Duration("timeout", client.DefaultTimeout, "per transfer timeout")
	)
	flag.Parse()
	if flag.NArg() == 0 {
		return fmt.Errorf("usage: ripext [flags] url...")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	if *download != "" {
		cfg.FileRoot = *download
	}

	lp := newLoggerProvider(os.Stderr)
	defer lp.Shutdown(context.Background())
	global.SetLoggerProvider(lp)

	logger := otelslog.NewLogger(name, otelslog.WithLoggerProvider(lp))
	if *verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	sched, err := scheduler.New(cfg, scheduler.WithLogger(logger), scheduler.WithMeterProvider(mp))
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	remaining := 0
	for i, raw := range flag.Args() {
		req := client.NewHttpRequest(sched, raw)
		req.SetTimeout(*timeout)
		remaining++

		if *download != "" {
			path := fmt.Sprintf("%d-%s", i, filepath.Base(raw))
			_, err = req.DownloadFile(path, func(status int, value any, errText string) {
				remaining--
				report(value.(string), status, errText, fmt.Sprintf("saved to %s", cfg.ResolvePath(path)))
			}, raw)
		} else {
			_, err = req.Get(func(resp *scheduler.Response, value any, errText string) {
				remaining--
				report(value.(string), resp.Status(), errText, fmt.Sprintf("%d bytes", len(resp.Body())))
			}, raw)
		}
		if err != nil {
			return err
		}
	}

	ticker := time.NewTicker(*frame)
	defer ticker.Stop()

	// dropped transfers are never delivered, give up once every one of
	// them must have timed out
	giveUp := time.After(*timeout + 5*time.Second)

	frames := 0
	for remaining > 0 {
		select {
		case <-ctx.Done():
			logger.Warn("interrupted", slog.Int("pending", remaining))
			return nil
		case <-giveUp:
			logger.Warn("transfers never delivered", slog.Int("pending", remaining))
			return summarize(ctx, reader)
		case <-ticker.C:
			sched.RunFrame()
			frames++
		}
	}

	logger.Info("all transfers delivered", slog.Int("frames", frames))
	return summarize(ctx, reader)
}

func report(url string, status int, errText, detail string) {
	if errText != "" {
		fmt.Printf("%s: failed: %s\n", url, errText)
		return
	}
	fmt.Printf("%s: %d, %s\n", url, status, detail)
}

func summarize(ctx context.Context, reader sdkmetric.Reader) error {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return err
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			fmt.Printf("%s %d\n", m.Name, total)
		}
	}
	return nil
}
