// Package proxy implements the MasterProxy: the
// per-process singleton that dials the master, owns the task runner
// every user callback is serialised onto, hosts the node registry, and
// wires the heartbeat signaller and notification watcher together.
package proxy

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc/codes"

	"github.com/felrt/fel/internal/channel"
	"github.com/felrt/fel/internal/config"
	"github.com/felrt/fel/internal/connwatch"
	"github.com/felrt/fel/internal/events"
	"github.com/felrt/fel/internal/heartbeat"
	"github.com/felrt/fel/internal/masterclient"
	"github.com/felrt/fel/internal/model"
	"github.com/felrt/fel/internal/node"
	"github.com/felrt/fel/internal/notify"
	"github.com/felrt/fel/internal/pubsub"
	"github.com/felrt/fel/internal/status"
	"github.com/felrt/fel/internal/taskrunner"
)

// State is the MasterProxy lifecycle: transitions are
// one-way except that Stopped is terminal until process exit.
type State int

const (
	Uninitialised State = iota
	Starting
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialised:
		return "UNINITIALISED"
	case Starting:
		return "STARTING"
	case Running:
		return "RUNNING"
	case Stopping:
		return "STOPPING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

var (
	instanceMu sync.Mutex
	instance   *Proxy
)

// GetInstance returns the process-wide MasterProxy, constructing it on
// first call from cfg/logger. Later calls ignore their arguments and
// return the already-constructed instance: the proxy is created lazily
// at first access and lives until process exit.
func GetInstance(cfg *config.Config, logger *slog.Logger) *Proxy {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	if instance == nil {
		instance = New(cfg, logger)
	}
	return instance
}

// resetInstanceForTest clears the package singleton. Test-only.
func resetInstanceForTest() {
	instanceMu.Lock()
	instance = nil
	instanceMu.Unlock()
}

// Proxy is the MasterProxy. Construct one directly with New for tests
// that need an isolated instance instead of the process singleton.
type Proxy struct {
	cfg    *config.Config
	logger *slog.Logger

	runner   *taskrunner.Runner
	notifier *notify.Watcher
	signal   *heartbeat.Signaller
	nodes    *node.Registry
	factory  channel.Factory
	watch    *connwatch.Manager
	events   *events.Bus

	mu             sync.Mutex
	state          State
	clientInfo     model.ClientInfo
	stub           masterclient.Stub
	cancel         context.CancelFunc
	sigCh          chan os.Signal
	onStopCallback func()
}

// New constructs an unstarted MasterProxy.
func New(cfg *config.Config, logger *slog.Logger) *Proxy {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	runner := taskrunner.New(logger)
	return &Proxy{
		cfg:      cfg,
		logger:   logger,
		runner:   runner,
		notifier: notify.New(runner, logger),
		signal:   heartbeat.New(time.Duration(cfg.Client.HeartBeatIntervalMS)*time.Millisecond, logger),
		nodes:    node.NewRegistry(),
		watch:    connwatch.NewManager(logger),
		events:   events.New(),
		factory: channel.Factory{
			MaxFrame:      uint32(cfg.Channel.MaxFrameBytes),
			SendBuffer:    cfg.Channel.SendBufferBytes,
			ReceiveBuffer: cfg.Channel.ReceiveBufferBytes,
			SHMDir:        cfg.Channel.SHMDir,
			WSPath:        "/fel/ws",
		},
	}
}

// State reports the current lifecycle state.
func (p *Proxy) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// ChannelFactory exposes the proxy's shared channel Factory so
// Publishers and Subscribers built on top of this proxy use the same
// sizing/config record.
func (p *Proxy) ChannelFactory() channel.Factory { return p.factory }

// Stub returns the connected Master Client Stub. Only valid once Start
// has completed successfully.
func (p *Proxy) Stub() masterclient.Stub {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stub
}

// NewPublisher/NewSubscriber construct pubsub objects wired to this
// proxy's stub, channel factory, and task runner, so node code never
// has to thread those dependencies through itself.
func (p *Proxy) NewPublisher() *pubsub.Publisher {
	return pubsub.NewPublisher(p.Stub(), p.factory, p.runner, p.logger)
}

func (p *Proxy) NewSubscriber() *pubsub.Subscriber {
	return pubsub.NewSubscriber(p.Stub(), p.factory, p.notifier, p.runner, p.logger)
}

// PostTask enqueues fn to run on the task runner.
func (p *Proxy) PostTask(fn func()) { p.runner.PostTask(fn) }

// PostDelayedTask enqueues fn to run on the task runner no sooner than
// delay from now.
func (p *Proxy) PostDelayedTask(fn func(), delay time.Duration) {
	p.runner.PostDelayedTask(fn, delay)
}

// IsBoundToCurrentThread reports whether the calling goroutine is the
// one running the task loop.
func (p *Proxy) IsBoundToCurrentThread() bool { return p.runner.IsBoundToCurrentThread() }

// dialStub connects the Master Client Stub using whichever transport
// cfg.Transport.Kind names.
func (p *Proxy) dialStub(ctx context.Context) (masterclient.Stub, status.Status) {
	source := model.ChannelSource{Kind: model.KindTCP, Host: p.cfg.Master.Addr, Port: uint16(p.cfg.Master.Port)}
	switch p.cfg.Transport.Kind {
	case "grpc":
		c, st := masterclient.DialGRPC(ctx, source)
		if !st.IsOK() {
			return nil, st
		}
		return c, status.OK()
	default:
		c, st := masterclient.DialDirect(ctx, source, p.logger)
		if !st.IsOK() {
			return nil, st
		}
		return c, status.OK()
	}
}

// Start synchronously performs the master client connection,
// notification watcher listen, heartbeat signaller open, and
// RegisterClient, in that order. A failure at any step
// tears down whatever already succeeded and returns a non-OK Status
// without transitioning past Starting; cmd/felnode treats this as
// fatal and exits 1.
func (p *Proxy) Start(ctx context.Context) status.Status {
	p.mu.Lock()
	if p.state != Uninitialised {
		st := p.state
		p.mu.Unlock()
		return status.New(codes.AlreadyExists, "proxy already %s", st)
	}
	p.state = Starting
	p.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	stub, st := p.dialStub(ctx)
	if !st.IsOK() {
		cancel()
		p.setState(Uninitialised)
		return st
	}

	notifSource, st := p.notifier.Listen(runCtx)
	if !st.IsOK() {
		_ = stub.Close()
		cancel()
		p.setState(Uninitialised)
		return st
	}

	var hbSource model.ChannelSource
	masterHB := model.ChannelSource{Kind: model.KindUDP, Host: p.cfg.Master.Addr, Port: uint16(p.cfg.Master.Port)}
	if st := p.signal.Open(runCtx, masterHB, func(s model.ChannelSource) { hbSource = s }); !st.IsOK() {
		_ = p.notifier.Close()
		_ = stub.Close()
		cancel()
		p.setState(Uninitialised)
		return st
	}

	req := model.ClientInfo{
		HeartBeatDurationMS: uint32(p.cfg.Client.HeartBeatIntervalMS),
		HeartBeatSource:     hbSource,
		NotificationSource:  notifSource,
	}

	resultCh := make(chan struct {
		res masterclient.RegisterClientResult
		st  status.Status
	}, 1)
	stub.RegisterClient(ctx, req, func(res masterclient.RegisterClientResult, st status.Status) {
		resultCh <- struct {
			res masterclient.RegisterClientResult
			st  status.Status
		}{res, st}
	})

	var regResult struct {
		res masterclient.RegisterClientResult
		st  status.Status
	}
	select {
	case regResult = <-resultCh:
	case <-ctx.Done():
		regResult.st = status.Cancelled("RegisterClient")
	}
	if !regResult.st.IsOK() {
		p.signal.Stop()
		_ = p.notifier.Close()
		_ = stub.Close()
		cancel()
		p.setState(Uninitialised)
		return regResult.st
	}

	p.signal.OnFatal = func(fatal status.Status) {
		p.logger.Error("heartbeat signaller reported fatal condition, stopping proxy", "error", fatal)
		p.events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceHeartbeat, Kind: events.KindHeartbeatFatal,
			Data: map[string]any{"error": fatal.Error()}})
		p.PostTask(func() { _ = p.Stop(context.Background()) })
	}

	p.mu.Lock()
	p.stub = stub
	p.clientInfo = regResult.res.Client
	p.cancel = cancel
	p.state = Running
	p.mu.Unlock()

	p.signal.Begin(runCtx, p.clientInfo.ID)
	p.watch.Watch(runCtx, connwatch.WatcherConfig{
		Name:   "master",
		Probe:  p.probeMaster,
		Logger: p.logger,
		OnReady: func() {
			p.events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceConnwatch, Kind: events.KindMasterReady})
		},
		OnDown: func(err error) {
			p.events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceConnwatch, Kind: events.KindMasterDown,
				Data: map[string]any{"error": err.Error()}})
		},
	})

	return status.OK()
}

// probeMaster is the connwatch probe for the master connection: a
// cheap ListClients round trip stands in for a ping since the stub
// interface has no dedicated health RPC.
func (p *Proxy) probeMaster(ctx context.Context) error {
	stub := p.Stub()
	if stub == nil {
		return status.ToError(status.New(codes.Unavailable, "proxy: no stub"))
	}
	done := make(chan status.Status, 1)
	stub.ListClients(ctx, func(_ []model.ClientInfo, st status.Status) { done <- st })
	select {
	case st := <-done:
		return status.ToError(st)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Proxy) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// SetOnStopCallback registers a closure run as the last step of Stop,
// after the stub, task runner, and node registry have all torn down.
// A node or embedding process uses this for final cleanup that needs
// to observe the proxy as fully stopped rather than subclassing Proxy.
func (p *Proxy) SetOnStopCallback(callback func()) {
	p.mu.Lock()
	p.onStopCallback = callback
	p.mu.Unlock()
}

// Stop cancels outstanding work, stops the signaller and watcher,
// unregisters the client from the master, clears the node registry,
// and halts the task runner, finally invoking the on-stop callback set
// via SetOnStopCallback, if any. Idempotent: a call on a proxy that is
// already Stopping or Stopped does nothing and returns OK. On a proxy
// that was never started it does nothing and returns FAILED_PRECONDITION.
func (p *Proxy) Stop(ctx context.Context) status.Status {
	p.mu.Lock()
	if p.state == Uninitialised || p.state == Stopped || p.state == Stopping {
		st := p.state
		p.mu.Unlock()
		if st == Stopping || st == Stopped {
			return status.OK()
		}
		return status.New(codes.FailedPrecondition, "proxy not running, is %s", st)
	}
	p.state = Stopping
	cancel := p.cancel
	stub := p.stub
	sigCh := p.sigCh
	p.mu.Unlock()

	if sigCh != nil {
		signal.Stop(sigCh)
	}
	p.nodes.Clear()
	p.watch.Stop()
	p.signal.Stop()
	_ = p.notifier.Close()

	if stub != nil {
		done := make(chan status.Status, 1)
		stub.UnregisterClient(ctx, func(st status.Status) { done <- st })
		select {
		case st := <-done:
			if !st.IsOK() {
				p.logger.Warn("proxy: UnregisterClient failed", "error", st)
			}
		case <-time.After(5 * time.Second):
			p.logger.Warn("proxy: UnregisterClient timed out")
		}
	}

	if cancel != nil {
		cancel()
	}
	if stub != nil {
		_ = stub.Close()
	}
	p.runner.Stop()

	p.setState(Stopped)

	p.mu.Lock()
	onStop := p.onStopCallback
	p.mu.Unlock()
	if onStop != nil {
		onStop()
	}

	return status.OK()
}

// Run installs SIGINT/SIGTERM/SIGHUP handlers that call Stop, then
// blocks the calling goroutine running the task loop (foreground
// mode) until Stop is called. RunBackground instead launches the loop
// on its own goroutine and returns immediately (background mode);
// tasks posted between Start and whichever of Run/RunBackground is
// called first simply queue until the loop begins draining them.
func (p *Proxy) Run(ctx context.Context) {
	p.installSignalHandler(ctx)
	p.runner.Run()
}

// RunBackground installs the same signal handling as Run, starts the
// task loop on a dedicated goroutine, and returns immediately.
func (p *Proxy) RunBackground(ctx context.Context) {
	p.installSignalHandler(ctx)
	p.runner.Start()
}

func (p *Proxy) installSignalHandler(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	p.mu.Lock()
	p.sigCh = sigCh
	p.mu.Unlock()
	go func() {
		select {
		case sig, ok := <-sigCh:
			if !ok {
				return
			}
			p.logger.Info("proxy received signal, stopping", "signal", sig)
			_ = p.Stop(ctx)
		case <-ctx.Done():
		}
	}()
}

// RequestRegisterNode constructs n (already allocated by the caller,
// polymorphic over the node.Lifecycle capability set), sends
// RegisterNode, and on success delivers OnDidCreate then OnInit on the
// task runner; on failure it delivers OnError and the node is never
// added to the registry.
func (p *Proxy) RequestRegisterNode(ctx context.Context, name string, n node.Lifecycle) {
	req := model.NodeInfo{ClientID: p.clientInfoID(), Name: name}
	p.Stub().RegisterNode(ctx, req, func(res masterclient.RegisterNodeResult, st status.Status) {
		if !st.IsOK() {
			p.events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceProxy, Kind: events.KindNodeRegisterFailed,
				Data: map[string]any{"name": name, "error": st.Error()}})
			p.PostTask(func() { n.OnError(st) })
			return
		}
		p.events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceProxy, Kind: events.KindNodeRegistered,
			Data: map[string]any{"name": name, "client_id": res.Node.ClientID}})
		p.PostTask(func() {
			p.nodes.Put(res.Node, n)
			n.OnDidCreate(res.Node)
			n.OnInit()
		})
	})
}

// RequestUnregisterNode sends UnregisterNode and, regardless of the
// master's response, removes the node from the registry (invoking its
// ShutdownHook if it implements one).
func (p *Proxy) RequestUnregisterNode(ctx context.Context, name string, done func(status.Status)) {
	_, info, ok := p.nodes.Get(name)
	if !ok {
		if done != nil {
			p.PostTask(func() { done(status.New(codes.NotFound, "node %q not registered", name)) })
		}
		return
	}
	p.Stub().UnregisterNode(ctx, info, func(st status.Status) {
		p.events.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceProxy, Kind: events.KindNodeUnregistered,
			Data: map[string]any{"name": name}})
		p.PostTask(func() {
			p.nodes.Delete(name)
			if done != nil {
				done(st)
			}
		})
	})
}

func (p *Proxy) clientInfoID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientInfo.ID
}

// ClientInfo returns the master-assigned ClientInfo. Only meaningful
// once Start has completed successfully.
func (p *Proxy) ClientInfo() model.ClientInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientInfo
}

// Nodes exposes the node registry for read-only inspection (e.g. a
// health endpoint listing live node names).
func (p *Proxy) Nodes() *node.Registry { return p.nodes }

// Events exposes the proxy's operational event bus. Subscribers see
// node-registration and master-connectivity transitions; see the
// Kind/Source constants in internal/events.
func (p *Proxy) Events() *events.Bus { return p.events }

// <Operation>Async pass-throughs: thin wrappers so node code calls
// proxy.PublishTopicAsync(...) instead of reaching into proxy.Stub()
// directly, keeping a narrow facade over an injected dependency.
func (p *Proxy) ListClientsAsync(ctx context.Context, done func([]model.ClientInfo, status.Status)) {
	p.Stub().ListClients(ctx, done)
}

func (p *Proxy) ListNodesAsync(ctx context.Context, done func([]model.NodeInfo, status.Status)) {
	p.Stub().ListNodes(ctx, done)
}

func (p *Proxy) ListTopicsAsync(ctx context.Context, done func([]model.TopicInfo, status.Status)) {
	p.Stub().ListTopics(ctx, done)
}

func (p *Proxy) ListServicesAsync(ctx context.Context, done func([]model.ServiceInfo, status.Status)) {
	p.Stub().ListServices(ctx, done)
}
