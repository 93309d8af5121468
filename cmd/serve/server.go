package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/lk2023060901/zeus-sub000/pkg/config"
	"github.com/lk2023060901/zeus-sub000/pkg/conn"
	"github.com/lk2023060901/zeus-sub000/pkg/event"
	"github.com/lk2023060901/zeus-sub000/pkg/executor"
	"github.com/lk2023060901/zeus-sub000/pkg/log"
	"github.com/lk2023060901/zeus-sub000/pkg/metrics"
	"github.com/lk2023060901/zeus-sub000/pkg/transport"
	"github.com/lk2023060901/zeus-sub000/pkg/transport/kcp"
	"github.com/lk2023060901/zeus-sub000/pkg/transport/tcp"
	"github.com/lk2023060901/zeus-sub000/pkg/transport/ws"
)

const metricsReadHeaderTimeout = 10 * time.Second

// Options are the parts of a server not covered by config.Config.
type Options struct {
	Echo        bool
	MetricsAddr string // empty disables the /metrics endpoint
	Logger      *log.Logger
	Deps        *config.Dependencies

	// Ready is called once every acceptor is running.
	Ready func(s *Server)
}

// Server runs every configured acceptor against one event manager.
type Server struct {
	cfg    *config.Config
	opts   Options
	logger *log.Logger

	events    *event.Manager
	pool      *executor.Pool
	counter   *event.Counter
	collector *metrics.Collector
	acceptors []transport.Acceptor

	metricsLn net.Listener
}

// NewServer builds the event pipeline and one acceptor per configured
// address. Nothing is bound until Run.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		opts:    opts,
		logger:  opts.Logger,
		events:  event.NewManager(cfg.Events.MaxHooksPerType, opts.Logger, event.WithClock(config.GetClock(opts.Deps))),
		pool:    executor.NewPool(cfg.Events.Workers, opts.Logger),
		counter: &event.Counter{},
	}

	collector, err := metrics.NewCollector()
	if err != nil {
		return nil, fmt.Errorf("metrics.NewCollector(): %w", err)
	}
	s.collector = collector

	for _, info := range []event.HookInfo{s.counter.Hook(), collector.Hook(), event.ConsoleHook(opts.Logger)} {
		if _, err := s.events.RegisterGlobalHook(info); err != nil {
			return nil, fmt.Errorf("RegisterGlobalHook(%s): %w", info.Name, err)
		}
	}

	if cfg.TCP.Addr != "" {
		a := tcp.NewAcceptor(cfg.TCP, s.events, s.logger, opts.Deps)
		if err := a.SetExecutor(s.pool); err != nil {
			return nil, err
		}
		s.acceptors = append(s.acceptors, a)
	}
	if cfg.KCP.Addr != "" {
		a := kcp.NewAcceptor(cfg.KCP, s.events, s.logger, opts.Deps)
		if err := a.SetExecutor(s.pool); err != nil {
			return nil, err
		}
		s.acceptors = append(s.acceptors, a)
	}
	if cfg.WS.Addr != "" {
		a := ws.NewAcceptor(cfg.WS, s.events, s.logger, opts.Deps)
		if err := a.SetExecutor(s.pool); err != nil {
			return nil, err
		}
		s.acceptors = append(s.acceptors, a)
	}
	if len(s.acceptors) == 0 {
		return nil, errors.New("no transport configured")
	}

	for _, a := range s.acceptors {
		if err := collector.TrackAcceptor(a); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) Acceptors() []transport.Acceptor { return s.acceptors }
func (s *Server) Events() *event.Manager          { return s.events }
func (s *Server) Counter() *event.Counter         { return s.counter }

// MetricsAddr returns the bound metrics address, nil when disabled or
// before Run.
func (s *Server) MetricsAddr() net.Addr {
	if s.metricsLn == nil {
		return nil
	}
	return s.metricsLn.Addr()
}

// Run starts every acceptor and blocks until ctx is done or the metrics
// endpoint fails. All acceptors are stopped before it returns.
func (s *Server) Run(ctx context.Context) error {
	defer s.pool.Close()

	if err := s.start(ctx); err != nil {
		return multierror.Append(err, s.stop()).ErrorOrNil()
	}

	var srv *http.Server
	if s.opts.MetricsAddr != "" {
		ln, err := net.Listen("tcp", s.opts.MetricsAddr)
		if err != nil {
			err = fmt.Errorf("net.Listen(tcp, %s): %w", s.opts.MetricsAddr, err)
			return multierror.Append(err, s.stop()).ErrorOrNil()
		}
		s.metricsLn = ln

		mux := http.NewServeMux()
		mux.Handle("/metrics", s.collector.Handler())
		srv = &http.Server{Handler: mux, ReadHeaderTimeout: metricsReadHeaderTimeout}
		s.logger.InfoMsg("Metrics on http://%s/metrics", ln.Addr())
	}

	if s.opts.Ready != nil {
		s.opts.Ready(s)
	}

	g, gctx := errgroup.WithContext(ctx)
	if srv != nil {
		g.Go(func() error {
			if err := srv.Serve(s.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics Serve(): %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		if srv != nil {
			return srv.Close()
		}
		return nil
	})

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.stop(); err != nil {
		result = multierror.Append(result, err)
	}
	s.report()
	return result.ErrorOrNil()
}

// start brings all acceptors up concurrently. On failure the ones that
// did start are left for stop.
func (s *Server) start(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, a := range s.acceptors {
		a := a // per-iteration copy (go1.21 loop semantics)
		g.Go(func() error {
			if err := a.Start(s.handle); err != nil {
				return fmt.Errorf("starting %s acceptor: %w", a.Protocol(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) stop() error {
	var result *multierror.Error
	for _, a := range s.acceptors {
		if err := a.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stopping %s acceptor: %w", a.Protocol(), err))
		}
	}
	return result.ErrorOrNil()
}

func (s *Server) handle(c conn.Connection) {
	if s.opts.Echo {
		c.OnData(func(b []byte) { c.AsyncSend(b) })
	}
}

func (s *Server) report() {
	snap := s.counter.Snapshot()
	types := make([]event.Type, 0, len(snap))
	for t := range snap {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		s.logger.InfoMsg("%s: %d", t, snap[t])
	}
}
