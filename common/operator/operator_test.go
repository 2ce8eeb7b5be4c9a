package operator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
)

func TestOperatorSuite(t *testing.T) {
	suite.Run(t, new(_operatorSuite))
}

type _operatorSuite struct {
	suite.Suite
}

func (s *_operatorSuite) TestIf() {
	s.Equal("commit", If(true, "commit", "rollback"))
	s.Equal(10, If(false, 5, 10))
}

func (s *_operatorSuite) TestResult() {
	s.Equal("ok", Result(nil))
	s.Equal("err", Result(errors.New("down")))
}
