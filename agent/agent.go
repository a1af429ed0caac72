// Package agent wires the engine, storage and collaborator boundaries into
// a runnable process.
package agent

import (
	"sync"
	"time"

	"github.com/mukund-aria/ai-flow-saas-sub001/analytics"
	"github.com/mukund-aria/ai-flow-saas-sub001/assign"
	"github.com/mukund-aria/ai-flow-saas-sub001/config"
	"github.com/mukund-aria/ai-flow-saas-sub001/engine"
	"github.com/mukund-aria/ai-flow-saas-sub001/event"
	"github.com/mukund-aria/ai-flow-saas-sub001/logger"
	"github.com/mukund-aria/ai-flow-saas-sub001/metadata"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence"
	"github.com/mukund-aria/ai-flow-saas-sub001/persistence/inmem"
	rd "github.com/mukund-aria/ai-flow-saas-sub001/persistence/redis"
	"github.com/mukund-aria/ai-flow-saas-sub001/rest"
	"github.com/mukund-aria/ai-flow-saas-sub001/review"
)

type Agent struct {
	Config       config.Config
	storage      persistence.Storage
	defStorage   persistence.DefinitionStorage
	definitions  metadata.Service
	engine       *engine.Engine
	httpServer   *rest.Server
	dispatcher   *event.Dispatcher
	reviewer     review.Reviewer
	shutdown     bool
	shutdownLock sync.Mutex
	wg           sync.WaitGroup
}

// Option overrides a collaborator before wiring completes.
type Option func(*Agent)

// WithReviewer plugs in the external AI review capability.
func WithReviewer(r review.Reviewer) Option {
	return func(a *Agent) { a.reviewer = r }
}

func New(conf config.Config, opts ...Option) (*Agent, error) {
	a := &Agent{
		Config:   conf,
		reviewer: review.AutoApprove{},
	}
	for _, opt := range opts {
		opt(a)
	}
	setup := []func() error{
		a.setupStorage,
		a.setupDispatcher,
		a.setupEngine,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_INMEM:
		store := inmem.NewStorage()
		a.storage = store
		a.defStorage = store
	default:
		rdConf := rd.Config{
			Addrs:     a.Config.RedisConfig.Addrs,
			Namespace: a.Config.RedisConfig.Namespace,
		}
		a.storage = rd.NewRedisRunDao(rdConf)
		a.defStorage = rd.NewRedisDefinitionDao(rdConf)
	}
	a.definitions = metadata.NewService(a.defStorage)
	return nil
}

func (a *Agent) setupDispatcher() error {
	a.dispatcher = event.NewDispatcher("engine-events", &a.wg, a.Config.EventBufferSize)
	a.dispatcher.Start()
	return nil
}

func (a *Agent) setupEngine() error {
	var audit event.AuditSink = analytics.NopAuditSink{}
	if len(a.Config.AuditConfig.FileName) > 0 {
		collector, err := analytics.NewAuditFileCollector(a.Config.AuditConfig)
		if err != nil {
			return err
		}
		audit = collector
	}
	gate := review.NewGate(a.reviewer, time.Duration(a.Config.ReviewTimeoutSeconds)*time.Second)
	a.engine = engine.New(
		a.storage,
		a.definitions,
		assign.NewResolver(a.storage),
		gate,
		event.LoggingNotifier{},
		audit,
		a.dispatcher,
	)
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.definitions, a.engine)
	return err
}

func (a *Agent) Start() error {
	go func() {
		if err := a.httpServer.Start(); err != nil {
			_ = a.Shutdown()
		}
	}()
	return nil
}

func (a *Agent) Shutdown() error {
	logger.Info("shutting down server")
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	shutdown := []func() error{
		a.httpServer.Stop,
		func() error {
			a.dispatcher.Stop()
			return nil
		},
	}
	for _, fn := range shutdown {
		if err := fn(); err != nil {
			return err
		}
	}
	logger.Info("waiting for all services to shutdown...")
	a.wg.Wait()
	return nil
}
