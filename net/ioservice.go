package net

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/lcx/meshnet/config"
	"github.com/lcx/meshnet/log"
	"github.com/lcx/meshnet/metrics"
	"github.com/sourcegraph/conc"
)

// MaxIoWorkers caps the worker pool regardless of CPU count.
const MaxIoWorkers = 64

var ErrServiceStopped = errors.New("io service not running")

type IoServiceCfg struct {
	// Workers is the pool size, 0 means one per CPU.
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queueSize"`
}

func (c *IoServiceCfg) GetName() string {
	return "io_service"
}

func (c *IoServiceCfg) Validate() error {
	if c.Workers < 0 || c.Workers > MaxIoWorkers {
		return fmt.Errorf("workers must be between 0 and %d", MaxIoWorkers)
	}
	if c.QueueSize <= 0 {
		return errors.New("queueSize must be positive")
	}
	return nil
}

// DefaultIoServiceCfg sizes the pool by CPU count.
func DefaultIoServiceCfg() *IoServiceCfg {
	return &IoServiceCfg{QueueSize: 4096}
}

type completion struct {
	sock  *Socket
	agent IoAgent
	block *IoBlock
	err   error
}

// IoService is the completion queue plus its worker pool. Each completed operation is
// delivered to exactly one worker, which calls back into the owning agent.
type IoService struct {
	cfg         *IoServiceCfg
	completions chan completion

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
	workers int
}

func NewIoService(cfg *IoServiceCfg) *IoService {
	if cfg == nil {
		cfg = DefaultIoServiceCfg()
	}
	return &IoService{cfg: cfg}
}

// NewIoServiceWithConfigManager loads the "io_service" section.
func NewIoServiceWithConfigManager(cm config.ConfigManager) (*IoService, error) {
	if cm == nil {
		return nil, errors.New("configManager cannot be nil")
	}
	cfg := DefaultIoServiceCfg()
	if err := cm.LoadConfig(cfg.GetName(), cfg); err != nil {
		return nil, fmt.Errorf("failed to load io_service config: %w", err)
	}
	return NewIoService(cfg), nil
}

// Init creates the completion queue and starts the workers.
func (s *IoService) Init() error {
	if err := s.cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("io service already running")
	}

	n := s.cfg.Workers
	if n == 0 {
		n = runtime.NumCPU()
	}
	n = min(n, MaxIoWorkers)

	s.completions = make(chan completion, s.cfg.QueueSize)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.wg = conc.NewWaitGroup()
	s.workers = n
	for i := 0; i < n; i++ {
		s.wg.Go(s.worker)
	}

	metrics.UpdateGaugeWithGroup("net.io", "workers", metrics.Value(n))
	log.Info().Int("workers", n).Int("queue", s.cfg.QueueSize).Msg("io service started")
	return nil
}

// Workers is the running pool size.
func (s *IoService) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.workers
}

// BindIo routes completions of agent's socket to this service.
func (s *IoService) BindIo(agent IoAgent) error {
	sock := agent.Handle()
	if sock == nil {
		return errors.New("agent has no socket")
	}
	sock.bind(s, agent)
	return nil
}

// UnbindIo detaches agent's socket. Operations already issued still complete here.
func (s *IoService) UnbindIo(agent IoAgent) {
	if sock := agent.Handle(); sock != nil {
		sock.unbind()
	}
}

// BeginSend asks agent to issue a send.
func (s *IoService) BeginSend(agent IoAgent, b *IoBlock) error {
	return agent.RequestSend(b)
}

// BeginRecv asks agent to issue a receive.
func (s *IoService) BeginRecv(agent IoAgent, b *IoBlock) error {
	return agent.RequestRecv(b)
}

// Fini stops the workers. Completions posted afterwards are dropped.
func (s *IoService) Fini() {
	s.mu.Lock()
	cancel, wg := s.cancel, s.wg
	s.cancel = nil
	s.workers = 0
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	wg.Wait()
	log.Info().Msg("io service stopped")
}

func (s *IoService) running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *IoService) post(c completion) {
	s.mu.Lock()
	ctx, ch := s.ctx, s.completions
	s.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		metrics.IncrCounterWithDimGroup("net.io", "completion_dropped_total", 1, metrics.Dimension{"op": c.block.Op.String()})
		return
	}
	select {
	case ch <- c:
	case <-ctx.Done():
		metrics.IncrCounterWithDimGroup("net.io", "completion_dropped_total", 1, metrics.Dimension{"op": c.block.Op.String()})
	}
}

func (s *IoService) worker() {
	s.mu.Lock()
	ctx, ch := s.ctx, s.completions
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-ch:
			s.dispatch(c)
		}
	}
}

func (s *IoService) dispatch(c completion) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncrCounterWithGroup("net.io", "callback_panic_total", 1)
			log.Error().Str("op", c.block.Op.String()).Str("panic", fmt.Sprint(r)).Msg("io completion callback panic")
		}
	}()

	c.sock.finish(c.block.Op)
	metrics.IncrCounterWithDimGroup("net.io", "completion_total", 1, metrics.Dimension{"op": c.block.Op.String()})

	if c.err != nil {
		c.agent.OnIoError(c.block, c.err)
		return
	}
	if c.block.Op == OpWrite {
		c.agent.OnSendCompleted(c.block)
	} else {
		c.agent.OnRecvCompleted(c.block)
	}
}
