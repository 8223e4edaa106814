package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"time"

	"netplay.ai/internal/persistence/indexdb"
	persistlog "netplay.ai/internal/persistence/log"
	"netplay.ai/internal/protocol"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/tuning"
	"netplay.ai/internal/transport/ws"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name       = flag.String("name", "bot", "client name")
		codec      = flag.String("codec", protocol.CodecJSON, "wire codec (json|msgpack)")
		resume     = flag.String("resume", "", "client id to resume after a disconnect (optional)")
		dataDir    = flag.String("data", "", "directory for the correction journal and index (empty: disabled)")
		probeEvery = flag.Duration("probe_every", 5*time.Second, "interval between lag-compensated probes (0: disabled)")
		probeR     = flag.Float64("probe_radius", 6, "probe sphere radius")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c, err := ws.Dial(ctx, *url, protocol.HelloMsg{ClientName: *name, Codec: *codec, ResumeClientID: *resume}, logger)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer c.Close()
	w := c.Welcome()
	logger.Printf("WELCOME client_id=%s entity_id=%s codec=%s server_tick=%d fixed_step_ms=%d",
		w.ClientID, w.EntityID, w.Codec, w.ServerTick, w.Params.FixedStepMs)

	counted := &correctionCounter{}
	var corrections arena.CorrectionLogger = counted
	if *dataDir != "" {
		dir := filepath.Join(*dataDir, "bots", w.ClientID)
		jl := persistlog.NewCorrectionLogger(dir, tuning.Defaults().JournalSegmentTicks)
		defer jl.Close()
		idx, err := indexdb.OpenSQLite(filepath.Join(dir, "index", "bot.sqlite"))
		if err != nil {
			logger.Fatalf("open index: %v", err)
		}
		defer idx.Close()
		counted.next = fanout{jl, idx}
	}

	a, err := arena.New(arena.Config{
		ID:            w.ClientID,
		LocalClientID: w.ClientID,
		Tuning:        arena.ApplyParams(tuning.Defaults(), w.Params),
		Inputs: func(rec arena.SpawnRecord) kinematic.InputSource {
			return kinematic.Wander(rec.ID)
		},
		Logger:      logger,
		Outbox:      c,
		Corrections: corrections,
	})
	if err != nil {
		logger.Fatalf("arena: %v", err)
	}
	// Align the local clock with the server's so command times line up.
	a.Manager().Restore(w.ServerTick)

	go func() {
		if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("arena stopped: %v", err)
		}
	}()
	if *probeEvery > 0 {
		go probeLoop(ctx, c, a, w.EntityID, *probeEvery, *probeR, counted, logger)
	}

	if err := c.Serve(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		logger.Printf("disconnected: %v (resume with -resume=%s)", err, w.ClientID)
	}
}

// probeLoop asks the server what was around the bot's own character, as
// the bot saw it.
func probeLoop(ctx context.Context, c *ws.Client, a *arena.Arena, entityID string, every time.Duration, radius float64, counted *correctionCounter, logger *log.Logger) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		pos := make(chan [3]float64, 1)
		a.Post(func() {
			if e := a.Entity(entityID); e != nil {
				pos <- [3]float64(e.Character.Body().Position)
				return
			}
			pos <- [3]float64{}
		})
		var center [3]float64
		select {
		case center = <-pos:
		case <-ctx.Done():
			return
		}

		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		hits, err := c.Probe(pctx, center, radius)
		cancel()
		if err != nil {
			logger.Printf("warn: probe: %v", err)
			continue
		}
		logger.Printf("probe center=%.2f,%.2f,%.2f hits=%v corrections=%d", center[0], center[1], center[2], hits, counted.n.Load())
	}
}

type correctionCounter struct {
	n    atomic.Int64
	next arena.CorrectionLogger
}

func (c *correctionCounter) WriteCorrection(rec arena.CorrectionRecord) error {
	c.n.Add(1)
	if c.next == nil {
		return nil
	}
	return c.next.WriteCorrection(rec)
}

type fanout []arena.CorrectionLogger

func (f fanout) WriteCorrection(rec arena.CorrectionRecord) error {
	var first error
	for _, l := range f {
		if err := l.WriteCorrection(rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}
