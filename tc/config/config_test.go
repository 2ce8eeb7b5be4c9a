package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(_Suite))
}

type _Suite struct {
	suite.Suite
}

func (s *_Suite) TestParseFile() {
	c, err := Parse([]byte(`{
		"UniqueName": "tm-1",
		"HttpListen": ":18080",
		"MaxConcurrentBranch": 4,
		"RecoveryRate": 100,
		"RecoveryInterval": 60000000000,
		"Store": {"Driver": "file", "Dir": "/var/lib/xatm", "SequenceBatch": 10}
	}`))
	s.Nil(err)
	s.Equal("tm-1", c.UniqueName)
	s.Equal(":18080", c.HttpListen)
	s.Equal(4, c.MaxConcurrentBranch)
	s.Equal(100, c.RecoveryRate)
	s.Equal(time.Minute, c.RecoveryInterval)
	s.Equal(DriverFile, c.Store.Driver)
	s.Equal("/var/lib/xatm", c.Store.Dir)
	s.Equal(10, c.Store.SequenceBatch)
}

func (s *_Suite) TestEnvironment() {
	s.T().Setenv("XATM_UNIQUE_NAME", "tm-env")
	s.T().Setenv("XATM_STORE_DIR", "/tmp/xatm-env")

	c, err := Parse([]byte(`{}`))
	s.Nil(err)
	s.Equal("tm-env", c.UniqueName)
	s.Equal(DriverFile, c.Store.Driver)
	s.Equal("/tmp/xatm-env", c.Store.Dir)
}

func (s *_Suite) TestInvalid() {
	s.T().Setenv("XATM_UNIQUE_NAME", "")
	s.T().Setenv("XATM_STORE_DIR", "")

	_, err := Parse([]byte(`{`))
	s.NotNil(err)
	_, err = Parse([]byte(`{"Store": {"Driver": "file"}}`))
	s.NotNil(err)
	_, err = Parse([]byte(`{"Store": {"Driver": "postgresql", "Dsn": "postgresql://127.0.0.1/xatm"}}`))
	s.NotNil(err)
	_, err = Parse([]byte(`{"Store": {"Driver": "mysql", "Dir": "/tmp"}}`))
	s.NotNil(err)
	_, err = Parse([]byte(`{"RecoveryRate": -1, "Store": {"Dir": "/tmp"}}`))
	s.NotNil(err)
	_, err = Parse([]byte(`{"ShutdownTimeout": -1, "Store": {"Dir": "/tmp"}}`))
	s.NotNil(err)

	c, err := Parse([]byte(`{"UniqueName": "tm", "Store": {"Driver": "postgresql", "Dsn": "postgresql://127.0.0.1/xatm"}}`))
	s.Nil(err)
	s.Equal(DriverPostgresql, c.Store.Driver)
}

func (s *_Suite) TestInitConfig() {
	path := filepath.Join(s.T().TempDir(), "tc.json")
	s.Nil(os.WriteFile(path, []byte(`{
		"UniqueName": "tm-2",
		"Store": {"Dir": "/tmp/xatm"},
		"Log": {"Level": "debug", "Encoding": "console", "OutputPaths": ["stdout"]}
	}`), 0644))

	s.Nil(InitConfig(path))
	s.Equal("tm-2", Get().UniqueName)
	s.Equal("debug", Get().Log.Level.String())

	s.NotNil(InitConfig(filepath.Join(s.T().TempDir(), "missing.json")))
}
