// Package serv assembles and serves the engine over HTTP: chi routes for
// compile/execute/operations, websocket streaming for query watches, and the
// external integration wiring (caches, stream hub, sync scheduler).
package serv

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"go.uber.org/zap"

	"github.com/nightscape/knowledge/block"
	"github.com/nightscape/knowledge/core"
	"github.com/nightscape/knowledge/provider"
	"github.com/nightscape/knowledge/serv/internal/util"
	"github.com/nightscape/knowledge/todoist"
)

const serverName = "knowledge"

// Service is one running instance: engine, block store, optional external
// integration and the HTTP listener.
type Service struct {
	conf   *Config
	log    *zap.SugaredLogger
	engine *core.Engine
	blocks *block.Store

	hub       *todoist.Provider
	scheduler *provider.Scheduler

	srv    *http.Server
	ctx    context.Context
	cancel context.CancelFunc
}

// NewService assembles a service from configuration.
func NewService(conf *Config) (*Service, error) {
	log := util.NewLogger(conf.LogJSON).Sugar()

	engine, err := core.New(conf.Core, log)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	blocks, err := block.NewStore(ctx, engine.Storage(), "", log)
	if err != nil {
		cancel()
		engine.Close() //nolint:errcheck
		return nil, err
	}
	engine.Operations().Register(block.NewOperations(blocks))

	s := &Service{
		conf:   conf,
		log:    log,
		engine: engine,
		blocks: blocks,
		ctx:    ctx,
		cancel: cancel,
	}

	if conf.Todoist.Token != "" {
		if err := s.initTodoist(ctx); err != nil {
			cancel()
			engine.Close() //nolint:errcheck
			return nil, err
		}
	}
	return s, nil
}

// initTodoist wires the external integration: client, per-entity caches,
// stream hub and the sync scheduler.
func (s *Service) initTodoist(ctx context.Context) error {
	client := todoist.NewClient(s.conf.Todoist.BaseURL, s.conf.Todoist.Token)
	db := s.engine.Storage()

	builder, err := todoist.New(ctx, client, db, s.log)
	if err != nil {
		return err
	}
	taskCache, err := provider.NewQueryableCache(ctx, builder.TaskSource(), db,
		todoist.TaskSchema, todoist.Source, s.log)
	if err != nil {
		return err
	}
	projectCache, err := provider.NewQueryableCache(ctx, builder.ProjectSource(), db,
		todoist.ProjectSchema, todoist.Source, s.log)
	if err != nil {
		return err
	}
	sectionCache, err := provider.NewQueryableCache(ctx, builder.SectionSource(), db,
		todoist.SectionSchema, todoist.Source, s.log)
	if err != nil {
		return err
	}

	s.hub = builder.
		WithTasks(ctx, taskCache).
		WithProjects(ctx, projectCache).
		WithSections(ctx, sectionCache).
		Build()

	s.engine.Operations().Register(todoist.NewTaskOperations(taskCache))

	interval := s.conf.Todoist.SyncInterval
	if interval <= 0 {
		interval = s.conf.Core.SyncInterval
	}
	s.scheduler = provider.NewScheduler(s.hub, interval, s.log)
	s.scheduler.Start(s.ctx)
	s.scheduler.TriggerSync()
	return nil
}

// Engine exposes the runtime, mainly for tests.
func (s *Service) Engine() *core.Engine { return s.engine }

// Start serves HTTP until interrupted, then shuts down cleanly.
func (s *Service) Start(confPath, confName string) error {
	watchConfig(confPath, confName, func(fresh *Config) {
		s.log.Infow("config file changed; restart to apply storage changes")
		s.conf.Todoist = fresh.Todoist
	})

	s.srv = &http.Server{
		Addr:              s.conf.HostPort,
		Handler:           s.routes(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	idleConnsClosed := make(chan struct{})
	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint
		if err := s.srv.Shutdown(context.Background()); err != nil {
			s.log.Warnw("http shutdown", "err", err)
		}
		close(idleConnsClosed)
	}()

	s.log.Infow("listening", "server", serverName, "host_port", s.conf.HostPort)
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	<-idleConnsClosed
	return s.Close()
}

// Close tears the service down: scheduler, hub, watches, storage.
func (s *Service) Close() error {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Wait()
	}
	if s.hub != nil {
		s.hub.Close()
	}
	return s.engine.Close()
}
