package logutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogSuite(t *testing.T) {
	suite.Run(t, new(_logSuite))
}

type _logSuite struct {
	suite.Suite
}

func (s *_logSuite) TestWith() {
	core, logs := observer.New(zap.InfoLevel)
	old := _globalLogger
	SetLogger(zap.New(core))
	defer SetLogger(old)

	ctx := With(context.Background(), zap.String("rm", "A"))
	ctx = With(ctx, zap.Uint64("tid", 7))
	Logger(ctx).Info("recover")
	Logger(context.Background()).Info("plain")

	entries := logs.All()
	s.Equal(2, len(entries))
	s.Equal(map[string]interface{}{"rm": "A", "tid": uint64(7)}, entries[0].ContextMap())
	s.Empty(entries[1].ContextMap())
}
