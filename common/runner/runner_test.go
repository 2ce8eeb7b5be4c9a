//go:build linux || darwin

package runner

import (
	"errors"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestRunnerSuite(t *testing.T) {
	suite.Run(t, new(_runnerSuite))
}

type _runnerSuite struct {
	suite.Suite
}

type fakeService struct {
	start   func() error
	stopped chan struct{}
}

func newFakeService(start func() error) *fakeService {
	return &fakeService{start: start, stopped: make(chan struct{})}
}

func (f *fakeService) Start() error {
	if f.start != nil {
		return f.start()
	}
	<-f.stopped
	return nil
}

func (f *fakeService) Stop() error {
	close(f.stopped)
	return nil
}

func (s *_runnerSuite) TestStartError() {
	err := runService(newFakeService(func() error { return errors.New("listen") }), syscall.SIGUSR2).Wait()
	s.EqualError(err, "listen")
}

func (s *_runnerSuite) TestStartPanic() {
	err := runService(newFakeService(func() error { panic("boom") }), syscall.SIGUSR2).Wait()
	s.NotNil(err)
	s.Contains(err.Error(), "boom")
}

func (s *_runnerSuite) TestStopOnSignal() {
	svc := newFakeService(nil)
	r := runService(svc, syscall.SIGUSR1)
	s.Nil(syscall.Kill(os.Getpid(), syscall.SIGUSR1))
	s.Nil(r.Wait())
	<-svc.stopped
}
