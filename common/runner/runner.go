package runner

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "go.uber.org/automaxprocs"
	"go.uber.org/zap"

	"github.com/ikenchina/xatm/common/errorutil"
	logutil "github.com/ikenchina/xatm/common/log"
)

// Service : Start blocks until the service stops, Stop makes it return.
type Service interface {
	Start() error
	Stop() error
}

type ServiceRunner interface {
	Wait() error
}

// RunService starts s and stops it on SIGINT, SIGTERM or SIGQUIT.
func RunService(s Service) ServiceRunner {
	return runService(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
}

func runService(s Service, stopSignals ...os.Signal) *serviceRunner {
	r := &serviceRunner{
		service: s,
		signals: make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}
	signal.Notify(r.signals, stopSignals...)
	go r.watchSignals()
	go r.handleStart()
	return r
}

type serviceRunner struct {
	service Service
	signals chan os.Signal
	err     error
	once    sync.Once
	done    chan struct{}
}

func (r *serviceRunner) finish(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.done)
	})
}

func (r *serviceRunner) handleStart() {
	err := r.start()
	if err != nil {
		logutil.Logger(context.Background()).Error("service failed", zap.Error(err))
	}
	r.finish(err)
}

func (r *serviceRunner) start() (err error) {
	defer errorutil.RecoverError("service start", &err)
	return r.service.Start()
}

func (r *serviceRunner) watchSignals() {
	defer signal.Stop(r.signals)
	select {
	case sig := <-r.signals:
		logutil.Logger(context.Background()).Info("stop on signal", zap.String("signal", sig.String()))
		r.finish(r.service.Stop())
	case <-r.done:
	}
}

func (r *serviceRunner) Wait() error {
	<-r.done
	logutil.Sync()
	return r.err
}
