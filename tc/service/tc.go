package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ikenchina/xatm/common/errorutil"
	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/tc/config"
	"github.com/ikenchina/xatm/tc/store"
	"github.com/ikenchina/xatm/tc/store/file"
	"github.com/ikenchina/xatm/tc/store/sql"
	"github.com/ikenchina/xatm/xa"
)

// TcService runs a coordinator as a daemon : recovery on start and on a
// period, plus the admin http server.
type TcService struct {
	cfg         config.Config
	store       store.TransactionStore
	coordinator *Coordinator
	httpServer  *http.Server

	mutex     sync.Mutex
	resources []xa.Resource

	wait      sync.WaitGroup
	closeChan chan struct{}
	isClose   int32
}

// NewStore opens the durable log named by cfg. The file driver generates
// and keeps a coordinator name when none is configured.
func NewStore(cfg *config.Config) (store.TransactionStore, string, error) {
	name := cfg.UniqueName
	switch cfg.Store.Driver {
	case config.DriverFile, "":
		if len(name) == 0 {
			var err error
			name, err = file.LoadOrCreateName(cfg.Store.Dir)
			if err != nil {
				return nil, "", err
			}
		}
		st, err := file.New(file.Config{
			Dir:           cfg.Store.Dir,
			SequenceBatch: cfg.Store.SequenceBatch,
			CacheSize:     cfg.Store.CacheSize,
		})
		return st, name, err
	case config.DriverPostgresql:
		st, err := sql.New(sql.Config{
			Dsn:                cfg.Store.Dsn,
			Name:               name,
			MaxConnections:     cfg.Store.MaxConnections,
			MaxIdleConnections: cfg.Store.MaxIdleConnections,
			Timeout:            cfg.Store.Timeout,
		})
		return st, name, err
	}
	return nil, "", errors.New("unknown store driver : " + cfg.Store.Driver)
}

func NewTc(cfg *config.Config) (*TcService, error) {
	st, name, err := NewStore(cfg)
	if err != nil {
		return nil, err
	}
	coordinator, err := NewCoordinator(Config{
		UniqueName:          name,
		Store:               st,
		MaxConcurrentBranch: cfg.MaxConcurrentBranch,
		RecoveryRate:        cfg.RecoveryRate,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &TcService{
		cfg:         *cfg,
		store:       st,
		coordinator: coordinator,
		closeChan:   make(chan struct{}),
	}, nil
}

func (tc *TcService) Coordinator() *Coordinator {
	return tc.coordinator
}

// AddResource registers a resource recovered by the service.
func (tc *TcService) AddResource(resources ...xa.Resource) {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	tc.resources = append(tc.resources, resources...)
}

func (tc *TcService) Resources() []xa.Resource {
	tc.mutex.Lock()
	defer tc.mutex.Unlock()
	rs := make([]xa.Resource, len(tc.resources))
	copy(rs, tc.resources)
	return rs
}

func (tc *TcService) recover(ctx context.Context) error {
	return tc.coordinator.RecoverAll(ctx, tc.Resources()...)
}

// Start blocks until Stop.
func (tc *TcService) Start() error {
	ctx := context.Background()
	logutil.Logger(ctx).Sugar().Infof("start service : name(%s)", tc.coordinator.Name())

	if err := tc.coordinator.Init(ctx); err != nil {
		return err
	}
	if err := tc.recover(ctx); err != nil {
		return err
	}

	if tc.cfg.RecoveryInterval > 0 {
		tc.wait.Add(1)
		go errorutil.SafeGoroutine("recovery cronjob", func() {
			defer tc.wait.Done()
			tc.cronjob(tc.cfg.RecoveryInterval, func() {
				if err := tc.recover(ctx); err != nil {
					logutil.Logger(ctx).Sugar().Errorf("periodic recovery : error(%v)", err)
				}
			})
		})
	}

	if len(tc.cfg.HttpListen) > 0 {
		tc.newHttpServer(tc.cfg.HttpListen)
		go errorutil.SafeGoroutine("http server", func() {
			err := tc.startHttpServer()
			if err != nil && err != http.ErrServerClosed {
				logutil.Logger(ctx).Sugar().Errorf("http server : error(%v)", err)
				tc.Stop()
			}
		})
	}

	<-tc.closeChan
	return nil
}

func (tc *TcService) cronjob(interval time.Duration, job func()) {
	for {
		select {
		case <-time.After(interval):
			job()
		case <-tc.closeChan:
			return
		}
	}
}

func (tc *TcService) Stop() error {
	if atomic.CompareAndSwapInt32(&tc.isClose, 0, 1) {
		tc.stop()
	}
	return nil
}

func (tc *TcService) stop() {
	ctx := context.Background()
	log := func(msg string, err error) {
		if err != nil {
			logutil.Logger(ctx).Sugar().Errorf(msg+", error(%v)", err)
		} else {
			logutil.Logger(ctx).Sugar().Info(msg)
		}
	}

	// refuse new transactions first, then let in-flight ones finish before
	// the store goes away. One still running after the deadline fails its
	// next log write and is resolved by recovery.
	log("shutdown coordinator", tc.coordinator.Shutdown(ctx))
	log("stop http server", tc.stopHttpServer())
	close(tc.closeChan)
	tc.wait.Wait()
	log("drain transactions", tc.drain())
	log("close store", tc.store.Close())
	logutil.Sync()
}

func (tc *TcService) drain() error {
	timeout := tc.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return tc.coordinator.Drain(ctx)
}

func (tc *TcService) stopHttpServer() error {
	if tc.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		return tc.httpServer.Shutdown(ctx)
	}
	return nil
}
