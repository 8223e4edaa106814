package movement

import (
	"fmt"
	"log"
	"math"

	"netplay.ai/internal/sim/history"
	"netplay.ai/internal/sim/tick"
)

// Metrics receives orchestrator observations. All methods are optional hot
// path counters; implementations must not block.
type Metrics interface {
	IncCorrection(entityID string)
	IncPredictedCommand(entityID string)
	ObserveCatchup(entityID string, extra int)
	IncDropped(reason string)
	SetCommandBufferDepth(entityID string, depth int)
}

type Config struct {
	EntityID string

	IsServer            bool
	IsOwner             bool
	ServerAuthoritative bool

	FixedStep          float64
	ClientSendInterval float64
	ServerSendInterval float64

	// MaxServerCommandCatchup bounds the extra commands drained in one tick
	// when the server's command backlog exceeds its target.
	MaxServerCommandCatchup int
	// MaxServerCommandPrediction bounds consecutive synthesized commands per
	// server send interval.
	MaxServerCommandPrediction int
	ReconcileTolerance         float64
	// InputResendCount is how many already-sent commands are repeated with
	// every input flush.
	InputResendCount  int
	RenderBufferDelay float64
	HistorySeconds    float64

	Logger       *log.Logger
	Metrics      Metrics
	OnCorrection func(Correction)
}

func (c *Config) applyDefaults() {
	if c.FixedStep <= 0 {
		c.FixedStep = 1.0 / 50.0
	}
	if c.ClientSendInterval <= 0 {
		c.ClientSendInterval = c.FixedStep
	}
	if c.ServerSendInterval <= 0 {
		c.ServerSendInterval = c.FixedStep
	}
	if c.MaxServerCommandCatchup < 0 {
		c.MaxServerCommandCatchup = 0
	}
	if c.MaxServerCommandPrediction < 0 {
		c.MaxServerCommandPrediction = 0
	}
	if c.ReconcileTolerance <= 0 {
		c.ReconcileTolerance = 0.01
	}
	if c.InputResendCount < 0 {
		c.InputResendCount = 0
	}
	if c.HistorySeconds <= 0 {
		c.HistorySeconds = 1
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
}

// commandBufferIntervals is the server command buffer capacity in client send
// intervals: twice the catch-up target.
const commandBufferIntervals = 4

// ticksPer converts an interval to a whole number of fixed steps (min 1).
func ticksPer(interval, step float64) int {
	n := int(math.Round(interval / step))
	if n < 1 {
		n = 1
	}
	return n
}

// Orchestrator drives one networked entity through the tick manager's
// broadcasts according to its authority role.
type Orchestrator[S State[S], I Command] struct {
	cfg  Config
	role Role
	sys  System[S, I]
	mgr  *tick.Manager
	out  Sender[S, I]
	log  *log.Logger
	sub  tick.Subscription

	inputs *history.History[float64, I]
	states *history.History[float64, S]
	// buffer holds received commands by command number (server).
	buffer *history.History[uint32, I]
	// remote holds received snapshots by remote capture time.
	remote *history.History[float64, S]

	clientSendEvery int
	serverSendEvery int
	sinceSend       int

	// client
	nextCommand uint32
	lastSent    uint32
	lastAcked   uint32
	tickCommand uint32
	behind      bool

	// server
	lastProcessed uint32
	haveProcessed bool
	lastApplied   I
	haveApplied   bool
	predictions   int
	starving      bool

	// observer / forwarding
	remoteOffset  float64
	haveRemote    bool
	appliedRemote float64
	remoteCommand uint32

	requestor bool
	closed    bool
}

// New builds an orchestrator and subscribes it to mgr.
func New[S State[S], I Command](cfg Config, mgr *tick.Manager, sys System[S, I], out Sender[S, I]) *Orchestrator[S, I] {
	cfg.applyDefaults()
	historyTicks := int(math.Ceil(cfg.HistorySeconds / cfg.FixedStep))
	o := &Orchestrator[S, I]{
		cfg:             cfg,
		role:            ResolveRole(cfg.IsServer, cfg.IsOwner, cfg.ServerAuthoritative),
		sys:             sys,
		mgr:             mgr,
		out:             out,
		log:             cfg.Logger,
		clientSendEvery: ticksPer(cfg.ClientSendInterval, cfg.FixedStep),
		serverSendEvery: ticksPer(cfg.ServerSendInterval, cfg.FixedStep),
		nextCommand:     1,
	}
	o.inputs = history.New[float64, I](historyTicks).Named(cfg.EntityID+"/inputs", o.log)
	o.states = history.New[float64, S](historyTicks).Named(cfg.EntityID+"/states", o.log)
	o.buffer = history.New[uint32, I](commandBufferIntervals*o.clientSendEvery).Named(cfg.EntityID+"/commands", o.log)
	o.remote = history.New[float64, S](historyTicks).Named(cfg.EntityID+"/remote", o.log)

	if p, ok := sys.(Pausable); ok && !o.role.Simulates() {
		p.SetPaused(true)
	}
	o.sub = mgr.Subscribe(tick.Hooks{
		PerformTick:     o.performTick,
		CaptureSnapshot: o.captureSnapshot,
		SetSnapshot:     o.setSnapshot,
		SetPaused:       o.setPaused,
	})
	return o
}

func (o *Orchestrator[S, I]) Role() Role            { return o.role }
func (o *Orchestrator[S, I]) EntityID() string      { return o.cfg.EntityID }
func (o *Orchestrator[S, I]) Behind() bool          { return o.behind }
func (o *Orchestrator[S, I]) LastProcessed() uint32 { return o.lastProcessed }
func (o *Orchestrator[S, I]) NextCommand() uint32   { return o.nextCommand }
func (o *Orchestrator[S, I]) BufferedCommands() int { return o.buffer.Len() }

// StateHistory exposes the captured state history (tick thread only).
func (o *Orchestrator[S, I]) StateHistory() *history.History[float64, S] { return o.states }

// InputHistory exposes the issued command history (tick thread only).
func (o *Orchestrator[S, I]) InputHistory() *history.History[float64, I] { return o.inputs }

// Close unsubscribes from the tick manager.
func (o *Orchestrator[S, I]) Close() {
	if o.closed {
		return
	}
	o.closed = true
	o.mgr.Unsubscribe(o.sub)
}

// HandleInput schedules received commands onto the tick thread.
func (o *Orchestrator[S, I]) HandleInput(cmds []I) {
	o.mgr.Post(func() { o.ReceiveInput(cmds) })
}

// HandleSnapshot schedules a received snapshot onto the tick thread.
func (o *Orchestrator[S, I]) HandleSnapshot(s S) {
	o.mgr.Post(func() { o.ReceiveSnapshot(s) })
}

// ReceiveInput buffers commands for server-side processing. It must run on
// the tick thread.
func (o *Orchestrator[S, I]) ReceiveInput(cmds []I) {
	if o.role != RoleAuthoritativeServer {
		o.dropped("input_wrong_role")
		o.log.Printf("warn: %s: input ignored in role %s", o.cfg.EntityID, o.role)
		return
	}
	for _, cmd := range cmds {
		n := cmd.CommandNumber()
		if o.haveProcessed && n <= o.lastProcessed {
			o.dropped("input_stale")
			continue
		}
		if _, dup := o.buffer.Exact(n); dup {
			o.dropped("input_duplicate")
			continue
		}
		if newest, ok := o.buffer.Newest(); ok && n < newest.Key {
			o.dropped("input_out_of_order")
			o.log.Printf("warn: %s: out-of-order command %d after %d dropped", o.cfg.EntityID, n, newest.Key)
			continue
		}
		if capacity := o.buffer.MaxSize(); capacity > 0 && o.buffer.Len() >= capacity {
			o.dropped("command_buffer_overflow")
			o.log.Printf("warn: %s: command buffer full (%d), evicting oldest", o.cfg.EntityID, capacity)
		}
		o.buffer.Add(n, cmd)
	}
	o.observeBuffer()
}

// ReceiveSnapshot applies an authoritative snapshot. It must run on the tick
// thread.
func (o *Orchestrator[S, I]) ReceiveSnapshot(s S) {
	switch o.role {
	case RolePredictingClient:
		if err := o.reconcile(s); err != nil {
			o.log.Printf("%s: reconcile: %v", o.cfg.EntityID, err)
		}
	case RoleForwardingServer, RoleObserver:
		t := s.CaptureTime()
		if newest, ok := o.remote.Newest(); ok && t <= newest.Key {
			o.dropped("snapshot_out_of_order")
			o.log.Printf("warn: %s: snapshot at %.4f not newer than %.4f, dropped", o.cfg.EntityID, t, newest.Key)
			return
		}
		o.remote.AddAuthoritative(t, s)
		o.remoteOffset = t - o.mgr.Time()
		o.haveRemote = true
	default:
		o.dropped("snapshot_wrong_role")
		o.log.Printf("warn: %s: snapshot ignored in role %s", o.cfg.EntityID, o.role)
	}
}

func (o *Orchestrator[S, I]) performTick(t float64, replay bool) {
	tc := TickContext{Time: t, Delta: o.cfg.FixedStep, Replay: replay}
	if replay {
		// Only the requesting predictor recomputes; everyone else is restored
		// from history in captureSnapshot.
		if o.role == RolePredictingClient && o.requestor {
			if cmd, ok := o.inputs.Exact(t); ok {
				o.sys.Tick(cmd, tc)
			}
		}
		return
	}

	switch o.role {
	case RoleAuthoritativeOwnerClient:
		o.issueCommand(t, tc)
	case RoleAuthoritativeServer:
		if o.cfg.IsOwner {
			o.issueCommand(t, tc)
			o.lastProcessed = o.tickCommand
			o.haveProcessed = true
			return
		}
		o.serverTick(tc)
	case RolePredictingClient:
		if o.behind {
			return
		}
		o.issueCommand(t, tc)
	case RoleForwardingServer:
		o.applyNewestRemote()
	case RoleObserver:
		o.interpolate(t)
	}
}

func (o *Orchestrator[S, I]) issueCommand(t float64, tc TickContext) {
	cmd := o.sys.GetCommand(o.nextCommand)
	o.nextCommand++
	o.inputs.Add(t, cmd)
	o.tickCommand = cmd.CommandNumber()
	o.sys.Tick(cmd, tc)
}

func (o *Orchestrator[S, I]) captureSnapshot(t float64, replay bool) {
	if replay {
		if o.role == RolePredictingClient && o.requestor {
			last := o.tickCommand
			if cmd, ok := o.inputs.Exact(t); ok {
				last = cmd.CommandNumber()
			} else if prev, ok := o.states.Exact(t); ok {
				last = prev.LastProcessedCommand()
			}
			o.states.Overwrite(t, o.sys.GetCurrentState(last, t))
			return
		}
		if s, ok := o.states.Exact(t); ok {
			o.sys.SetCurrentState(s)
		}
		return
	}

	s := o.sys.GetCurrentState(o.currentCommand(), t)
	if o.role.Authoritative() {
		o.states.AddAuthoritative(t, s)
	} else {
		o.states.Add(t, s)
	}
	o.flush(s)
}

func (o *Orchestrator[S, I]) currentCommand() uint32 {
	switch o.role {
	case RoleAuthoritativeServer:
		return o.lastProcessed
	case RoleForwardingServer, RoleObserver:
		return o.remoteCommand
	default:
		return o.tickCommand
	}
}

func (o *Orchestrator[S, I]) setSnapshot(t float64) {
	if s, ok := o.states.Get(t); ok {
		o.sys.SetCurrentState(s)
	}
}

func (o *Orchestrator[S, I]) setPaused(paused bool) {
	p, ok := o.sys.(Pausable)
	if !ok {
		return
	}
	if !o.role.Simulates() {
		p.SetPaused(true)
		return
	}
	p.SetPaused(paused && !o.requestor)
}

// flush emits rate-limited outbound messages after a live tick.
func (o *Orchestrator[S, I]) flush(s S) {
	if o.out == nil {
		return
	}
	o.sinceSend++
	switch o.role {
	case RolePredictingClient:
		if o.sinceSend >= o.clientSendEvery {
			o.sinceSend = 0
			o.sendInputs()
		}
	case RoleAuthoritativeOwnerClient:
		if o.sinceSend >= o.clientSendEvery {
			o.sinceSend = 0
			o.out.SendSnapshot(o.cfg.EntityID, s)
		}
	case RoleAuthoritativeServer, RoleForwardingServer:
		if o.sinceSend >= o.serverSendEvery {
			o.sinceSend = 0
			if o.role == RoleForwardingServer && !o.haveRemote {
				return
			}
			o.out.SendSnapshot(o.cfg.EntityID, s)
		}
	}
}

// sendInputs sends every unacknowledged command newer than the last flush
// plus a short trailing window of already-sent ones.
func (o *Orchestrator[S, I]) sendInputs() {
	from := o.lastAcked
	if resend := uint32(o.cfg.InputResendCount); o.lastSent > resend && o.lastSent-resend > from {
		from = o.lastSent - resend
	}
	var cmds []I
	for _, e := range o.inputs.All() {
		if e.Value.CommandNumber() > from {
			cmds = append(cmds, e.Value)
		}
	}
	if len(cmds) == 0 {
		return
	}
	newest := cmds[len(cmds)-1].CommandNumber()
	if newest <= o.lastSent && o.cfg.InputResendCount == 0 {
		return
	}
	o.lastSent = newest
	o.out.SendInput(o.cfg.EntityID, cmds)
}

func (o *Orchestrator[S, I]) applyNewestRemote() {
	e, ok := o.remote.Newest()
	if !ok || (e.Key <= o.appliedRemote && o.appliedRemote != 0) {
		return
	}
	o.sys.SetCurrentState(e.Value)
	o.appliedRemote = e.Key
	o.remoteCommand = e.Value.LastProcessedCommand()
}

// interpolate renders the observer RenderBufferDelay behind the newest
// received snapshot.
func (o *Orchestrator[S, I]) interpolate(t float64) {
	if !o.haveRemote {
		return
	}
	renderTime := t + o.remoteOffset - o.cfg.RenderBufferDelay
	before, after, ok := o.remote.GetAround(renderTime)
	if !ok {
		return
	}
	frac := 0.0
	if span := after.Key - before.Key; span > 0 {
		frac = (renderTime - before.Key) / span
	}
	frac = math.Max(0, math.Min(1, frac))
	o.sys.SetCurrentState(o.sys.Interpolate(before.Value, after.Value, frac))
	o.remoteCommand = before.Value.LastProcessedCommand()
}

func (o *Orchestrator[S, I]) dropped(reason string) {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.IncDropped(reason)
	}
}

func (o *Orchestrator[S, I]) observeBuffer() {
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.SetCommandBufferDepth(o.cfg.EntityID, o.buffer.Len())
	}
}

func (o *Orchestrator[S, I]) String() string {
	return fmt.Sprintf("%s(%s)", o.cfg.EntityID, o.role)
}
