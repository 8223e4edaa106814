package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"netplay.ai/internal/observability"
	persistlog "netplay.ai/internal/persistence/log"
	"netplay.ai/internal/persistence/mirror"
	"netplay.ai/internal/persistence/snapshot"
	"netplay.ai/internal/sim/arena"
	"netplay.ai/internal/sim/kinematic"
	"netplay.ai/internal/sim/tuning"
	"netplay.ai/internal/transport/observer"
	"netplay.ai/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		arenaID    = flag.String("arena", "arena_1", "arena id")
		configDir  = flag.String("configs", "./configs", "config directory")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index (journals are still written)")

		ckptPath   = flag.String("checkpoint", "", "path to checkpoint to load (optional)")
		loadLatest = flag.Bool("load_latest_checkpoint", true, "load latest checkpoint from data dir if present (when -checkpoint is empty)")
		ckptKeep   = flag.Int("checkpoint_keep", 20, "checkpoints kept in the checkpoint dir (0 = keep all)")
		archiveEv  = flag.Uint64("archive_every_ticks", 0, "copy checkpoints at multiples of this tick into <arena>/archives (0 = off)")

		npcs          = flag.Int("npcs", 2, "server-driven wandering characters spawned in a fresh arena")
		serverAuth    = flag.Bool("server_authoritative", true, "simulate client characters on the server (false: owners simulate, server forwards)")
		reconnectWait = flag.Duration("reconnect_grace", 10*time.Second, "how long a disconnected client's character is kept for resume")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	arenaDir := filepath.Join(*dataDir, "arenas", *arenaID)
	_ = os.MkdirAll(arenaDir, 0o755)
	ckptDir := filepath.Join(arenaDir, "checkpoints")

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}

	checkpointToLoad := strings.TrimSpace(*ckptPath)
	if checkpointToLoad == "" && *loadLatest {
		checkpointToLoad = snapshot.Latest(ckptDir)
	}

	var restored *snapshot.CheckpointV1
	if checkpointToLoad != "" {
		cp, err := snapshot.ReadCheckpoint(checkpointToLoad)
		if err != nil {
			logger.Fatalf("read checkpoint: %v", err)
		}
		if cp.Header.ArenaID != "" && cp.Header.ArenaID != *arenaID {
			logger.Fatalf("checkpoint arena id mismatch: flag=%s checkpoint=%s", *arenaID, cp.Header.ArenaID)
		}
		restored = &cp
	}

	// A resumed arena keeps the tuning it ran with; the file only matters
	// for fresh arenas.
	var tune tuning.Tuning
	if restored != nil {
		tune = restored.Tuning
	} else {
		t, err := tuning.Load(tp)
		switch {
		case err == nil:
			tune = t
		case os.IsNotExist(err):
			logger.Printf("tuning not found (%s); using defaults", tp)
			tune = tuning.Defaults()
		default:
			logger.Fatalf("load tuning: %v", err)
		}
	}

	ctx, cancel := signalContext()
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfigFromEnv(), logger)
	if err != nil {
		logger.Fatalf("init tracing: %v", err)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, logger)

	metrics, err := observability.NewSimCollector(nil)
	if err != nil {
		logger.Fatalf("metrics: %v", err)
	}

	// Optional read-model index (does not affect sim determinism).
	idx, err := openRuntimeIndex(arenaDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if digest, err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		} else {
			logger.Printf("tuning digest=%s", digest[:12])
		}
	}

	segment := tune.JournalSegmentTicks
	tickLog := persistlog.NewTickLogger(arenaDir, segment)
	corrLog := persistlog.NewCorrectionLogger(arenaDir, segment)
	defer tickLog.Close()
	defer corrLog.Close()

	// Optional off-host copies of checkpoints and archives.
	var mir *mirror.Mirror
	if mcfg, ok := mirror.ConfigFromEnv(); ok {
		client, err := mirror.NewClient(mcfg)
		if err != nil {
			logger.Fatalf("mirror: %v", err)
		}
		mir = mirror.New(client, mirror.Options{DataDir: *dataDir, Prefix: mcfg.Prefix, Logger: logger, Metrics: metrics})
		logger.Printf("mirroring checkpoints to %s/%s", mcfg.Endpoint, mcfg.Bucket)
	}

	ckpts := newCheckpointWriter(ckptDir, idx, metrics, checkpointPolicy{
		arenaDir:     arenaDir,
		archiveEvery: *archiveEv,
		keep:         *ckptKeep,
		mirror:       mir,
	}, logger)
	ckptDone := make(chan struct{})
	go func() {
		ckpts.Run(ctx)
		close(ckptDone)
	}()
	// The mirror closes only after the writer stops enqueueing.
	defer func() {
		cancel()
		<-ckptDone
		mir.Close()
	}()

	wsSrv := ws.NewServer(ws.Config{
		Logger:              logger,
		Metrics:             metrics,
		ReconnectGrace:      *reconnectWait,
		ServerAuthoritative: *serverAuth,
	})
	a, err := arena.New(arena.Config{
		ID:       *arenaID,
		IsServer: true,
		Tuning:   tune,
		Inputs: func(rec arena.SpawnRecord) kinematic.InputSource {
			return kinematic.Wander(rec.ID)
		},
		Logger:      logger,
		TickMetrics: metrics,
		MoveMetrics: metrics,
		Outbox:      wsSrv,
		TickLog:     multiTickLogger{a: tickLog, b: idx},
		Corrections: multiCorrectionLogger{a: corrLog, b: idx},
		Checkpoints: ckpts,
	})
	if err != nil {
		logger.Fatalf("arena: %v", err)
	}
	wsSrv.Attach(a)

	// The tick loop has not started, so the arena can be set up directly.
	if restored != nil {
		if err := a.ImportCheckpoint(*restored); err != nil {
			logger.Fatalf("import checkpoint: %v", err)
		}
		n := wsSrv.AdoptRestored()
		logger.Printf("resumed from checkpoint=%s tick=%d entities=%d awaiting_owners=%d",
			filepath.Base(checkpointToLoad), a.Tick(), len(a.EntityIDs()), n)
	} else {
		for i := 1; i <= *npcs; i++ {
			rec := arena.SpawnRecord{
				ID:                  fmt.Sprintf("npc-%d", i),
				ServerAuthoritative: true,
				Spawn:               [3]float64{float64(-4 * i), 0, 0},
			}
			if _, err := a.AddEntity(rec); err != nil {
				logger.Fatalf("spawn %s: %v", rec.ID, err)
			}
		}
	}

	obsSrv := observer.NewServer(a, logger)

	go func() {
		if err := a.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("arena stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/admin/v1/state", func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		ctx2, cancel2 := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel2()
		st, err := arenaState(ctx2, a)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		st.Sessions = wsSrv.Sessions()
		st.Spectators = obsSrv.Active()
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(st)
	})
	mux.HandleFunc("/admin/v1/checkpoint", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		done := make(chan uint64, 1)
		a.Post(func() {
			ckpts.SubmitCheckpoint(a, a.Tick())
			done <- a.Tick()
		})
		rw.Header().Set("Content-Type", "application/json")
		select {
		case tick := <-done:
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
		case <-time.After(5 * time.Second):
			rw.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": "tick loop busy"})
		}
	})

	if envBool("NETPLAY_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (NETPLAY_ENABLE_PPROF_HTTP=false)")
	}
	mux.HandleFunc("/admin/v1/observer/bootstrap", obsSrv.BootstrapHandler())
	mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s arena=%s tick=%d fixed_step_ms=%d", *addr, *arenaID, a.Tick(), tune.FixedStepMs)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

type entityState struct {
	ID            string     `json:"id"`
	OwnerClientID string     `json:"owner_client_id,omitempty"`
	Role          string     `json:"role"`
	Position      [3]float64 `json:"position"`
	LastProcessed uint32     `json:"last_processed"`
	Buffered      int        `json:"buffered"`
}

type stateResponse struct {
	ArenaID    string        `json:"arena_id"`
	Tick       uint64        `json:"tick"`
	Digest     string        `json:"digest"`
	Sessions   int           `json:"sessions"`
	Spectators int           `json:"spectators"`
	Entities   []entityState `json:"entities"`
}

// arenaState reads the arena on its tick thread.
func arenaState(ctx context.Context, a *arena.Arena) (stateResponse, error) {
	ch := make(chan stateResponse, 1)
	a.Post(func() {
		st := stateResponse{ArenaID: a.ID(), Tick: a.Tick(), Digest: a.Digest()}
		for _, id := range a.EntityIDs() {
			e := a.Entity(id)
			st.Entities = append(st.Entities, entityState{
				ID:            id,
				OwnerClientID: e.Record.OwnerClientID,
				Role:          e.Role().String(),
				Position:      [3]float64(e.Character.Body().Position),
				LastProcessed: e.Mover.LastProcessed(),
				Buffered:      e.Mover.BufferedCommands(),
			})
		}
		ch <- st
	})
	select {
	case st := <-ch:
		return st, nil
	case <-ctx.Done():
		return stateResponse{}, ctx.Err()
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
