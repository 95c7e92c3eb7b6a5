// Package handle exposes the client-side transport handle: the public
// API a core application uses to talk to the transport daemon. The
// handle owns the neighbour table, readiness heap, control queue, and
// transmit scheduler, and runs all state transitions on one event-loop
// goroutine, so no component below it takes a lock. The handle is an
// explicit value owning its collaborators and spawning its loop
// through an Invoker.
package handle

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jabolina/nt-core/internal/config"
	"github.com/jabolina/nt-core/pkg/ntcore/daemonlink"
	"github.com/jabolina/nt-core/pkg/ntcore/definition"
	"github.com/jabolina/nt-core/pkg/ntcore/demux"
	"github.com/jabolina/nt-core/pkg/ntcore/heap"
	"github.com/jabolina/nt-core/pkg/ntcore/monitor"
	"github.com/jabolina/nt-core/pkg/ntcore/neighbour"
	"github.com/jabolina/nt-core/pkg/ntcore/plugin"
	"github.com/jabolina/nt-core/pkg/ntcore/queue"
	"github.com/jabolina/nt-core/pkg/ntcore/scheduler"
	"github.com/jabolina/nt-core/pkg/ntcore/types"
	"github.com/jabolina/nt-core/pkg/ntcore/wire"
)

// spawner is the fallback Invoker used when the caller supplies none:
// plain goroutines.
type spawner struct{}

func (spawner) Spawn(f func()) { go f() }

// Callbacks are the client-supplied hooks the handle invokes from its
// event loop. They must not block; a blocking callback stalls every
// other neighbour.
type Callbacks struct {
	// NeighbourConnect is invoked once per CONNECT event from the
	// daemon, after the neighbour exists in the table.
	NeighbourConnect func(peer types.PeerID)

	// NeighbourDisconnect is invoked once per neighbour teardown,
	// whether from a DISCONNECT frame or a daemon-link reconnect.
	NeighbourDisconnect func(peer types.PeerID)

	// Receive is invoked once per inbound RECV frame for a currently
	// connected neighbour.
	Receive func(peer types.PeerID, inner []byte)
}

// Config bundles everything needed to build a TransportHandle.
type Config struct {
	// Self is the local peer identity sent in the START frame.
	Self types.PeerID

	// Dialer establishes the client socket to the daemon.
	Dialer daemonlink.Dialer

	// Backoff overrides the reconnect policy; nil means the default.
	Backoff *daemonlink.BackoffPolicy

	// Logger defaults to definition.NewDefaultLogger().
	Logger types.Logger

	// Invoker defaults to plain goroutines.
	Invoker types.Invoker

	// Options is the START frame options bitmask; zero requests
	// neither the self-identity check nor inbound delivery.
	Options uint32

	// CarryWindow is the token-bucket carry-forward horizon applied to
	// every neighbour tracker; zero means the tracker default.
	CarryWindow time.Duration

	// UnreadyWarnInterval is how often a diagnostic fires while a
	// neighbour stays not-ready after a send. Zero means 10s.
	UnreadyWarnInterval time.Duration

	// ControlTimeout is the deadline applied to control messages that
	// carry no caller-chosen deadline. Zero means 10s.
	ControlTimeout time.Duration

	// Now overrides time.Now for deterministic tests.
	Now func() time.Time
}

// DialerFromConfiguration builds the daemon-link dialer from the closed
// configuration record: the PIPE key names the daemon's local control
// socket, TIMEOUT bounds the connect attempt.
func DialerFromConfiguration(cfg config.Configuration) (daemonlink.Dialer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Pipe == "" {
		return nil, fmt.Errorf("handle: configuration has no PIPE to reach the daemon")
	}
	d := net.Dialer{Timeout: cfg.Timeout}
	return daemonlink.DialerFunc(func(ctx context.Context) (net.Conn, error) {
		return d.DialContext(ctx, "unix", cfg.Pipe)
	}), nil
}

// TransportHandle is the client-side transport handle. All mutation of
// the table/heap/queue/trackers happens on the run() goroutine; public
// methods post onto it and, where a synchronous answer is needed, wait
// for the loop to reply.
type TransportHandle struct {
	cfg Config
	cb  Callbacks
	log types.Logger

	table *neighbour.Table
	ready *heap.ReadinessHeap
	ctl   *queue.ControlQueue
	sched *scheduler.Scheduler
	dmx   *demux.Demultiplexer
	link  *daemonlink.Link
	mon   *monitor.Manager

	plugins map[string]plugin.Plugin

	myHello   *wire.HelloBody
	helloSubs []func(wire.HelloBody)

	quotaTimer *time.Timer

	actions  chan func()
	done     chan struct{}
	started  bool
	stopOnce sync.Once
	now      func() time.Time
}

// New builds a TransportHandle. Plugins must be registered before
// Start; every other method is safe to call from any goroutine once
// Start has run.
func New(cfg Config, cb Callbacks) *TransportHandle {
	if cfg.Logger == nil {
		cfg.Logger = definition.NewDefaultLogger()
	}
	if cfg.Invoker == nil {
		cfg.Invoker = spawner{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.UnreadyWarnInterval <= 0 {
		cfg.UnreadyWarnInterval = 10 * time.Second
	}
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 10 * time.Second
	}

	h := &TransportHandle{
		cfg:     cfg,
		cb:      cb,
		log:     cfg.Logger,
		table:   neighbour.NewTable(),
		ready:   heap.New(),
		ctl:     queue.New(),
		plugins: make(map[string]plugin.Plugin),
		actions: make(chan func(), 256),
		done:    make(chan struct{}),
		now:     cfg.Now,
	}
	h.link = daemonlink.New(daemonlink.Config{
		Dialer:  cfg.Dialer,
		Backoff: cfg.Backoff,
		Logger:  cfg.Logger,
		Invoker: cfg.Invoker,
		Self:    cfg.Self,
		Options: cfg.Options,
	})
	h.dmx = demux.New(cfg.Logger)
	h.sched = scheduler.New(h.ready, h.ctl, h.table, h.link, h, cfg.Logger, cfg.Now)
	h.mon = monitor.NewManager(h, cfg.Now)
	return h
}

// RegisterPlugin makes p available for address resolution through this
// handle, after checking the plugin's declared API version against the
// core's. Must be called before Start.
func (h *TransportHandle) RegisterPlugin(p plugin.Plugin) error {
	if v, ok := p.(plugin.Versioned); ok {
		if err := plugin.CheckCompatibility(v.APIVersion()); err != nil {
			return err
		}
	}
	if _, exists := h.plugins[p.Name()]; exists {
		return fmt.Errorf("handle: plugin %q already registered", p.Name())
	}
	h.plugins[p.Name()] = p
	return nil
}

// Plugin returns the registered plugin with the given name.
func (h *TransportHandle) Plugin(name string) (plugin.Plugin, bool) {
	p, ok := h.plugins[name]
	return p, ok
}

// AddressToString renders addr in the plugin.options.address grammar,
// delegating the payload text form to the owning plugin.
func (h *TransportHandle) AddressToString(addr types.Address) (string, error) {
	p, ok := h.plugins[addr.Plugin]
	if !ok {
		return "", fmt.Errorf("%w: no plugin %q registered", types.ErrInvalidAddress, addr.Plugin)
	}
	text, err := p.AddressToString(addr)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%08x.%s", addr.Plugin, addr.Options, text), nil
}

// StringToAddress is the inverse of AddressToString, failing on
// malformed input or an unknown plugin name.
func (h *TransportHandle) StringToAddress(s string) (types.Address, error) {
	outer, err := types.ParseAddress(s)
	if err != nil {
		return types.Address{}, err
	}
	p, ok := h.plugins[outer.Plugin]
	if !ok {
		return types.Address{}, fmt.Errorf("%w: no plugin %q registered", types.ErrInvalidAddress, outer.Plugin)
	}
	addr, err := p.StringToAddress(string(outer.Payload))
	if err != nil {
		return types.Address{}, err
	}
	addr.Options = outer.Options
	return addr, nil
}

// Start spawns the daemon link's reconnect loop and the handle's own
// event loop.
func (h *TransportHandle) Start() {
	h.started = true
	h.cfg.Invoker.Spawn(h.link.Run)
	h.cfg.Invoker.Spawn(h.run)
}

// Stop drains every pending request (each notify is invoked exactly
// once with a nil buffer), shuts the monitoring subscriptions down,
// and closes the daemon link. Safe to call more than once.
func (h *TransportHandle) Stop() {
	h.stopOnce.Do(func() {
		if h.started {
			finished := make(chan struct{})
			h.post(func() {
				h.shutdown()
				close(finished)
			})
			<-finished
		}
		close(h.done)
		h.link.Close()
	})
}

// post schedules fn onto the event loop. Posting after Stop is a no-op.
func (h *TransportHandle) post(fn func()) {
	select {
	case h.actions <- fn:
	case <-h.done:
	}
}

// run is the single cooperative event loop: it consumes decoded daemon
// frames, link lifecycle errors, and posted actions, and is the only
// goroutine that ever mutates the table, heap, queue, or trackers.
func (h *TransportHandle) run() {
	frames := h.link.Frames()
	for {
		select {
		case <-h.done:
			return
		case ev := <-frames:
			if ev.Err != nil {
				h.teardown(ev.Err)
				continue
			}
			if ev.Connected {
				// Fresh connection: flush whatever queued while the
				// link was down.
				h.activate()
				continue
			}
			h.handleFrame(ev.Frame)
		case fn := <-h.actions:
			fn()
		}
	}
}

func (h *TransportHandle) handleFrame(frame wire.Frame) {
	if err := h.dmx.Dispatch(frame, h); err != nil {
		switch frame.Type {
		case wire.MonitorPeerResponse:
			h.monitorViolation(monitor.PeerKind, err)
		case wire.MonitorValidationResponse:
			h.monitorViolation(monitor.ValidationKind, err)
		default:
			h.log.Errorf("protocol violation on %s frame: %v", frame.Type, err)
			h.teardown(err)
			h.link.Drop()
		}
		return
	}
	h.activate()
}

// monitorViolation tears the affected subscriptions down and schedules
// continuous ones to re-establish after backoff, without touching the
// daemon link: a bad monitor payload poisons the stream, not the
// neighbour state.
func (h *TransportHandle) monitorViolation(kind monitor.Kind, err error) {
	h.log.Warnf("monitor stream violation: %v", err)
	continuous, delay := h.mon.Malformed(kind, err)
	for _, sub := range continuous {
		sub := sub
		time.AfterFunc(delay, func() {
			h.post(func() {
				if rerr := h.mon.Resubscribe(sub); rerr != nil {
					h.log.Warnf("monitor resubscribe failed: %v", rerr)
				}
			})
		})
	}
}

// activate runs scheduler passes until the scheduler goes idle, then
// arms the quota-wait timer when the heap head is only waiting on
// tokens.
func (h *TransportHandle) activate() {
	if !h.link.Connected() {
		return
	}
	for {
		wrote, err := h.sched.Activate()
		if err != nil {
			h.log.Warnf("transmit failed, awaiting reconnect: %v", err)
			return
		}
		if !wrote {
			break
		}
	}
	h.armQuotaWake()
}

// armQuotaWake schedules the next activation for the quota-wait case:
// the heap head exists, its neighbour is ready, but its tracker has not
// yet accrued enough tokens.
func (h *TransportHandle) armQuotaWake() {
	if h.quotaTimer != nil {
		h.quotaTimer.Stop()
		h.quotaTimer = nil
	}
	peer, _, ok := h.ready.PeekRoot()
	if !ok {
		return
	}
	n, found := h.table.Get(peer)
	if !found || n.Pending == nil || !n.IsReady {
		return
	}
	d := n.Tracker.GetDelay(uint64(n.Pending.Size))
	if d <= 0 {
		return
	}
	h.quotaTimer = time.AfterFunc(d, func() {
		h.post(h.activate)
	})
}

// teardown reacts to a broken or violated daemon connection: every
// neighbour is surfaced to the client as a disconnect, every pending
// callback fires exactly once with a nil buffer, and the control queue
// drains. The link reconnects on its own; neighbour discovery restarts
// from the CONNECT replay after the next START.
func (h *TransportHandle) teardown(reason error) {
	h.log.Warnf("daemon link lost, tearing down neighbours: %v", reason)
	h.drainAll(true)
}

// shutdown is the LocalShutdown path: identical drain, but the client
// asked for it, so no disconnect callbacks are replayed afterwards.
func (h *TransportHandle) shutdown() {
	h.mon.Shutdown()
	h.drainAll(false)
}

func (h *TransportHandle) drainAll(notifyDisconnect bool) {
	if h.quotaTimer != nil {
		h.quotaTimer.Stop()
		h.quotaTimer = nil
	}

	var ids []types.PeerID
	h.table.Range(func(n *neighbour.Neighbour) bool {
		ids = append(ids, n.ID)
		return true
	})
	for _, id := range ids {
		n, ok := h.table.Remove(id)
		if !ok {
			continue
		}
		h.ready.Remove(id)
		n.InHeap = false
		n.StopTimers()
		if n.Pending != nil {
			pending := n.Pending
			n.Pending = nil
			pending.Fire(nil)
		}
		if notifyDisconnect && h.cb.NeighbourDisconnect != nil {
			h.cb.NeighbourDisconnect(id)
		}
	}

	for {
		ctrl, ok := h.ctl.Dequeue()
		if !ok {
			break
		}
		ctrl.Fire(nil)
	}
}

// NeighbourCount reports how many neighbours are currently connected.
func (h *TransportHandle) NeighbourCount() int {
	res := make(chan int, 1)
	h.post(func() { res <- h.table.Len() })
	select {
	case n := <-res:
		return n
	case <-h.done:
		return 0
	}
}

// MyHello returns the most recent HELLO the daemon advertised for this
// peer, or nil if none has arrived yet.
func (h *TransportHandle) MyHello() *wire.HelloBody {
	res := make(chan *wire.HelloBody, 1)
	h.post(func() { res <- h.myHello })
	select {
	case hello := <-res:
		return hello
	case <-h.done:
		return nil
	}
}

// SubscribeHello registers fn to be invoked on every HELLO update. If a
// HELLO is already known it is delivered immediately.
func (h *TransportHandle) SubscribeHello(fn func(wire.HelloBody)) {
	h.post(func() {
		h.helloSubs = append(h.helloSubs, fn)
		if h.myHello != nil {
			fn(*h.myHello)
		}
	})
}
