package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/flowcore/config"
	"github.com/songzhibin97/flowcore/definition"
	"github.com/songzhibin97/flowcore/logger"
	"github.com/songzhibin97/flowcore/registry"
	"github.com/songzhibin97/flowcore/rest"
	"github.com/songzhibin97/flowcore/storage"
	"github.com/songzhibin97/flowcore/workflow"
)

// Agent owns the long-lived pieces of a server process.
type Agent struct {
	Config       config.Config
	store        storage.Storage
	closer       func() error
	catalog      *registry.Catalog
	engine       *workflow.Engine
	httpServer   *rest.Server
	shutdown     bool
	shutdownLock sync.Mutex
}

func NewAgent(cfg config.Config) (*Agent, error) {
	a := &Agent{Config: cfg}
	setup := []func() error{
		a.setupStorage,
		a.setupRegistry,
		a.setupEngine,
		a.setupDefinitions,
		a.setupHttpServer,
	}
	for _, fn := range setup {
		if err := fn(); err != nil {
			_ = a.Shutdown()
			return nil, err
		}
	}
	return a, nil
}

func (a *Agent) setupStorage() error {
	switch a.Config.StorageType {
	case config.STORAGE_TYPE_REDIS:
		s, err := storage.NewRedisStorage(storage.RedisOptions{
			Addr:      a.Config.RedisConfig.Addr,
			Password:  a.Config.RedisConfig.Password,
			DB:        a.Config.RedisConfig.DB,
			Namespace: a.Config.RedisConfig.Namespace,
		})
		if err != nil {
			return err
		}
		a.store = s
		a.closer = s.Close
	default:
		a.store = storage.NewMemoryStorage()
	}
	logger.Info("storage ready", zap.String("impl", string(a.Config.StorageType)))
	return nil
}

func (a *Agent) setupRegistry() error {
	a.catalog = registry.NewCatalog()
	if a.Config.RegistryFile == "" {
		logger.Warn("no registry file configured, every task node will fail to resolve")
		return nil
	}
	if err := a.catalog.LoadFile(a.Config.RegistryFile); err != nil {
		return err
	}
	logger.Info("registry loaded", zap.Strings("functions", a.catalog.Codes()))
	return nil
}

func (a *Agent) setupEngine() error {
	ids := generator.NewSnowflake(time.Now().Add(-1*time.Second), uint16(a.Config.MachineID))
	var err error
	a.engine, err = workflow.NewEngine(ids, a.store, a.catalog,
		workflow.WithMaxDepth(a.Config.MaxDepth),
		workflow.WithGraphCacheTTL(a.Config.DefinitionCacheTTL))
	return err
}

func (a *Agent) setupDefinitions() error {
	if a.Config.DefinitionsDir == "" {
		return nil
	}
	defs, err := definition.LoadDir(a.Config.DefinitionsDir)
	if err != nil {
		return err
	}
	for _, def := range defs {
		if _, err := a.engine.RegisterDefinition(context.Background(), def); err != nil {
			return fmt.Errorf("definition %s v%d: %w", def.ID, def.Version, err)
		}
	}
	return nil
}

func (a *Agent) setupHttpServer() error {
	var err error
	a.httpServer, err = rest.NewServer(a.Config.HttpPort, a.engine)
	return err
}

func (a *Agent) Start() error {
	return a.httpServer.Start()
}

func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	var errs []error
	if a.httpServer != nil {
		errs = append(errs, a.httpServer.Stop())
	}
	if a.engine != nil {
		errs = append(errs, a.engine.Stop(context.Background()))
	}
	if a.closer != nil {
		errs = append(errs, a.closer())
	}
	return errors.Join(errs...)
}
