//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/romshark/aleth-go/aleth"
	"github.com/romshark/aleth-go/ratelimit"
	"github.com/romshark/aleth-go/txq"
	"github.com/romshark/aleth-go/txstat"
)

type trafficResult struct {
	Submitted uint64 // frames accepted by Transmit
	Rejected  uint64 // frames Transmit dropped
	Bytes     uint64
	Sent      atomic.Uint64 // frames released after transmission
	Unsent    atomic.Uint64 // frames released without transmission
	Elapsed   time.Duration
}

// runTraffic transmits conf.Traffic.Count frames on a. A full ring is
// retried after polling completions. The result is never nil.
func runTraffic(ctx context.Context, a *aleth.Adapter, conf *Config) (*trafficResult, error) {
	t := conf.Traffic
	res := &trafficResult{}
	b, err := newFrameBuilder(t, a.MACAddress())
	if err != nil {
		return res, fmt.Errorf("building frames: %w", err)
	}
	throttle := ratelimit.New(conf.Rate)

	onRelease := func(sent bool) {
		if sent {
			res.Sent.Add(1)
		} else {
			res.Unsent.Add(1)
		}
	}

	start := time.Now()
	defer func() { res.Elapsed = time.Since(start) }()

	for seq := uint64(0); seq < t.Count; seq++ {
		if ctx.Err() != nil {
			logger.Info("interrupted", zap.Uint64("submitted", res.Submitted))
			return res, nil
		}

		buf, err := b.Build(uint32(seq))
		if err != nil {
			return res, fmt.Errorf("building frame %d: %w", seq, err)
		}
		frame := &txq.Frame{Buf: buf, OnRelease: onRelease}

		err = a.Transmit(t.Queue, frame)
		for errors.Is(err, txq.ErrRingFull) {
			// Device not progressing yet: reclaim and retry.
			if _, perr := a.Poll(); perr != nil {
				logger.Warn("polling completions", zap.Error(perr))
			}
			if ctx.Err() != nil {
				return res, nil
			}
			runtime.Gosched()
			err = a.Transmit(t.Queue, frame)
		}
		switch {
		case err == nil:
			res.Submitted++
			res.Bytes += uint64(len(buf))
		case errors.Is(err, txq.ErrMapping), errors.Is(err, txq.ErrLength):
			res.Rejected++
		default:
			return res, err
		}

		if err := throttle.Wait(ctx, 1, uint64(len(buf))); err != nil {
			return res, nil
		}
	}
	return res, nil
}

// reportPeriodically prints the queue counters of a every interval until ctx
// is done.
func reportPeriodically(ctx context.Context, a *aleth.Adapter, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	last := txstat.Snapshot(a)
	lastTime := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			cur := txstat.Snapshot(a)
			_ = txstat.Print(os.Stderr, cur.Since(last), now.Sub(lastTime))
			last, lastTime = cur, now
		}
	}
}

// serveMetrics exposes the counters of a on addr until ctx is done.
func serveMetrics(ctx context.Context, a *aleth.Adapter, addr string) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(txstat.NewCollector("aleth", a))

	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "aleth",
		Name:      "info",
		Help:      "Adapter information.",
		ConstLabels: prometheus.Labels{
			"mac":       a.MACAddress().String(),
			"goversion": runtime.Version(),
		},
	})
	reg.MustRegister(info)
	info.Set(1)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		ErrorLog: zap.NewStdLog(logger),
	}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	go func() {
		logger.Info("Prometheus metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
}

func printReport(res *trafficResult, a *aleth.Adapter) {
	elapsed := res.Elapsed.Seconds()
	sent := res.Sent.Load()

	p := message.NewPrinter(language.English)
	p.Print("\nFINAL REPORT\n")
	p.Printf(" Elapsed:           %.3f s\n", elapsed)
	p.Printf(" Submitted:         %d packets\n", res.Submitted)
	p.Printf(" Transmitted:       %d packets\n", sent)
	p.Printf(" Rejected:          %d packets\n", res.Rejected)
	p.Printf(" Not transmitted:   %d packets\n", res.Unsent.Load())
	if elapsed > 0 {
		p.Printf(" Avg PPS:           %d\n", uint64(float64(res.Submitted)/elapsed))
		p.Printf(" Avg rate:          %.1f Mbps\n", float64(res.Bytes*8)/1e6/elapsed)
	}
	_ = txstat.Print(os.Stdout, txstat.Snapshot(a), 0)
}

// finish closes a with a drain deadline and prints the report.
func finish(a *aleth.Adapter, res *trafficResult) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.Close(ctx)
	printReport(res, a)
	return err
}
