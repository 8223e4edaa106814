package tick

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	ErrResimulationActive = errors.New("tick: resimulation already active")
	ErrNoTickHistory      = errors.New("tick: no ticks recorded")
	ErrBaseTimeInFuture   = errors.New("tick: base time is not older than the newest tick")
	ErrReplayAborted      = errors.New("tick: replay aborted")
)

// Physics is the fixed-step simulation primitive driven by the Manager.
type Physics interface {
	Step(dt float64)
	// SyncTransforms recomputes derived transforms after state was forced.
	SyncTransforms()
}

// Hooks are the broadcast callbacks of one subscriber. Nil hooks are skipped.
// Callbacks run on the tick thread and must not block.
type Hooks struct {
	PerformTick          func(time float64, replay bool)
	CaptureSnapshot      func(time float64, replay bool)
	SetSnapshot          func(time float64)
	SetPaused            func(paused bool)
	LagCompensationCheck func(clientID string, time, latency float64)
}

// Subscription identifies a registered Hooks value.
type Subscription uint64

// Metrics receives tick loop observations. Implementations must be cheap.
type Metrics interface {
	ObserveTick(d time.Duration)
	ObserveResimulation(ticks int, d time.Duration)
	IncSubscriberPanic(broadcast string)
}

type Config struct {
	// FixedStep is the simulated seconds advanced per tick.
	FixedStep float64
	// TickWindow is how many seconds of tick times are retained for rewinds.
	TickWindow float64

	Logger  *log.Logger
	Metrics Metrics
}

func (c *Config) applyDefaults() {
	if c.FixedStep <= 0 {
		c.FixedStep = 1.0 / 50.0
	}
	if c.TickWindow <= 0 {
		c.TickWindow = 1.0
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

type subscriber struct {
	id    Subscription
	hooks Hooks
}

type scheduled struct {
	at  uint64
	seq uint64
	fn  func()
}

// Manager owns the fixed-step loop of one simulation context and fans out
// its lifecycle broadcasts in subscription order.
//
// Everything except Post is confined to the goroutine that calls Step/Run.
type Manager struct {
	cfg     Config
	physics Physics
	log     *log.Logger

	subs    []subscriber
	nextSub Subscription

	tick      uint64
	tickTimes []float64
	active    bool
	replaying bool

	sched    []scheduled
	schedSeq uint64

	postMu sync.Mutex
	posted []func()
}

func NewManager(cfg Config, physics Physics) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:     cfg,
		physics: physics,
		log:     cfg.Logger,
		active:  true,
	}
}

func (m *Manager) FixedStep() float64 { return m.cfg.FixedStep }
func (m *Manager) Tick() uint64       { return m.tick }
func (m *Manager) Time() float64      { return m.timeOf(m.tick) }
func (m *Manager) Active() bool       { return m.active }
func (m *Manager) Replaying() bool    { return m.replaying }

// SetActive gates whether Step drives the physics primitive and broadcasts.
// Posted and scheduled work still runs while inactive.
func (m *Manager) SetActive(active bool) { m.active = active }

// TickTimes returns a copy of the retained tick time window, oldest first.
func (m *Manager) TickTimes() []float64 { return slices.Clone(m.tickTimes) }

// OldestTickTime reports the time of the oldest tick still in the window.
func (m *Manager) OldestTickTime() (float64, bool) {
	if len(m.tickTimes) == 0 {
		return 0, false
	}
	return m.tickTimes[0], true
}

// LatestTickTime reports the time of the newest recorded tick.
func (m *Manager) LatestTickTime() (float64, bool) {
	if len(m.tickTimes) == 0 {
		return 0, false
	}
	return m.tickTimes[len(m.tickTimes)-1], true
}

// Restore positions the clock at tick without broadcasting, e.g. when a
// checkpoint is imported. The tick time window is reset.
func (m *Manager) Restore(tick uint64) {
	m.tick = tick
	m.tickTimes = m.tickTimes[:0]
	if tick > 0 {
		m.tickTimes = append(m.tickTimes, m.timeOf(tick))
	}
}

func (m *Manager) Subscribe(h Hooks) Subscription {
	m.nextSub++
	m.subs = append(m.subs, subscriber{id: m.nextSub, hooks: h})
	return m.nextSub
}

func (m *Manager) Unsubscribe(id Subscription) {
	m.subs = slices.DeleteFunc(m.subs, func(s subscriber) bool { return s.id == id })
}

// Post queues fn to run on the tick thread at the start of the next step.
// It is the only Manager method safe to call from other goroutines.
func (m *Manager) Post(fn func()) {
	if fn == nil {
		return
	}
	m.postMu.Lock()
	m.posted = append(m.posted, fn)
	m.postMu.Unlock()
}

// Schedule runs fn at the start of the step that advances to atTick. Past
// ticks fire on the next step.
func (m *Manager) Schedule(atTick uint64, fn func()) {
	if fn == nil {
		return
	}
	m.schedSeq++
	m.sched = append(m.sched, scheduled{at: atTick, seq: m.schedSeq, fn: fn})
	sort.SliceStable(m.sched, func(i, j int) bool {
		if m.sched[i].at != m.sched[j].at {
			return m.sched[i].at < m.sched[j].at
		}
		return m.sched[i].seq < m.sched[j].seq
	})
}

// Run steps the simulation on a wall-clock ticker until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := time.Duration(m.cfg.FixedStep * float64(time.Second))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Step()
		}
	}
}

// Step advances the simulation by one fixed step: posted work, due scheduled
// callbacks, perform-tick, physics, capture-snapshot.
func (m *Manager) Step() {
	m.drainPosted()
	m.runScheduled(m.tick + 1)
	if !m.active {
		return
	}
	start := time.Now()

	m.tick++
	now := m.timeOf(m.tick)
	m.broadcastPerformTick(now, false)
	if m.physics != nil {
		m.physics.Step(m.cfg.FixedStep)
	}
	m.broadcastCapture(now, false)

	m.tickTimes = append(m.tickTimes, now)
	cutoff := now - m.cfg.TickWindow
	drop := 0
	for drop < len(m.tickTimes)-1 && m.tickTimes[drop] < cutoff {
		drop++
	}
	if drop > 0 {
		m.tickTimes = slices.Delete(m.tickTimes, 0, drop)
	}

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ObserveTick(time.Since(start))
	}
}

// PerformResimulation rewinds every subscriber to the newest tick at or
// before baseTime and replays all later ticks up to the present.
func (m *Manager) PerformResimulation(baseTime float64) (err error) {
	if m.replaying {
		return ErrResimulationActive
	}
	if len(m.tickTimes) == 0 {
		return ErrNoTickHistory
	}
	idx := sort.Search(len(m.tickTimes), func(i int) bool { return m.tickTimes[i] > baseTime })
	if idx == len(m.tickTimes) {
		return fmt.Errorf("%w: base=%.6f newest=%.6f", ErrBaseTimeInFuture, baseTime, m.tickTimes[len(m.tickTimes)-1])
	}
	if idx == 0 {
		// Base predates the window: clamp to the oldest recorded tick.
		idx = 1
	}

	_, span := otel.Tracer("netplay.ai/sim/tick").Start(context.Background(), "tick.resimulate")
	span.SetAttributes(
		attribute.Float64("base_time", baseTime),
		attribute.Int("ticks", len(m.tickTimes)-idx),
	)
	start := time.Now()
	replayed := 0

	m.replaying = true
	defer func() {
		if r := recover(); r != nil {
			m.log.Printf("resimulation from %.6f aborted: %v", baseTime, r)
			err = fmt.Errorf("%w: %v", ErrReplayAborted, r)
		}
		m.broadcastPaused(false)
		m.replaying = false
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.ObserveResimulation(replayed, time.Since(start))
		}
	}()

	m.broadcastPaused(true)
	m.broadcastSetSnapshot(m.tickTimes[idx-1])
	if m.physics != nil {
		m.physics.SyncTransforms()
	}
	for ; idx < len(m.tickTimes); idx++ {
		t := m.tickTimes[idx]
		m.broadcastPerformTick(t, true)
		if m.physics != nil {
			m.physics.Step(m.cfg.FixedStep)
		}
		m.broadcastCapture(t, true)
		replayed++
	}
	return nil
}

// LagCompensationCheck asks subscribers to rewind to what clientID saw at
// time. The caller runs its query and must then call RestorePresent.
func (m *Manager) LagCompensationCheck(clientID string, time, latency float64) {
	for _, s := range m.subsSnapshot() {
		if s.hooks.LagCompensationCheck == nil {
			continue
		}
		m.guard("lag_compensation_check", func() { s.hooks.LagCompensationCheck(clientID, time, latency) })
	}
	if m.physics != nil {
		m.physics.SyncTransforms()
	}
}

// RestorePresent broadcasts set-snapshot for the newest tick.
func (m *Manager) RestorePresent() {
	latest, ok := m.LatestTickTime()
	if !ok {
		return
	}
	m.broadcastSetSnapshot(latest)
	if m.physics != nil {
		m.physics.SyncTransforms()
	}
}

// SyncTransforms forwards to the physics primitive.
func (m *Manager) SyncTransforms() {
	if m.physics != nil {
		m.physics.SyncTransforms()
	}
}

func (m *Manager) timeOf(tick uint64) float64 { return float64(tick) * m.cfg.FixedStep }

func (m *Manager) drainPosted() {
	m.postMu.Lock()
	work := m.posted
	m.posted = nil
	m.postMu.Unlock()
	for _, fn := range work {
		m.guard("posted", fn)
	}
}

func (m *Manager) runScheduled(upTo uint64) {
	n := 0
	for n < len(m.sched) && m.sched[n].at <= upTo {
		n++
	}
	if n == 0 {
		return
	}
	due := slices.Clone(m.sched[:n])
	m.sched = slices.Delete(m.sched, 0, n)
	for _, s := range due {
		m.guard("scheduled", s.fn)
	}
}

// subsSnapshot lets callbacks (un)subscribe without disturbing the fan-out.
func (m *Manager) subsSnapshot() []subscriber { return slices.Clone(m.subs) }

func (m *Manager) broadcastPerformTick(t float64, replay bool) {
	for _, s := range m.subsSnapshot() {
		if s.hooks.PerformTick == nil {
			continue
		}
		m.guard("perform_tick", func() { s.hooks.PerformTick(t, replay) })
	}
}

func (m *Manager) broadcastCapture(t float64, replay bool) {
	for _, s := range m.subsSnapshot() {
		if s.hooks.CaptureSnapshot == nil {
			continue
		}
		m.guard("capture_snapshot", func() { s.hooks.CaptureSnapshot(t, replay) })
	}
}

func (m *Manager) broadcastSetSnapshot(t float64) {
	for _, s := range m.subsSnapshot() {
		if s.hooks.SetSnapshot == nil {
			continue
		}
		m.guard("set_snapshot", func() { s.hooks.SetSnapshot(t) })
	}
}

func (m *Manager) broadcastPaused(paused bool) {
	for _, s := range m.subsSnapshot() {
		if s.hooks.SetPaused == nil {
			continue
		}
		m.guard("set_paused", func() { s.hooks.SetPaused(paused) })
	}
}

// guard isolates one callback: a panic is logged and counted, and the
// broadcast continues with the next subscriber.
func (m *Manager) guard(broadcast string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Printf("%s subscriber panic at tick %d: %v", broadcast, m.tick, r)
			if m.cfg.Metrics != nil {
				m.cfg.Metrics.IncSubscriberPanic(broadcast)
			}
		}
	}()
	fn()
}
