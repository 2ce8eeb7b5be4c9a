package main

import (
	"flag"
	"os"

	"github.com/ikenchina/xatm/common/errorutil"
	"github.com/ikenchina/xatm/common/runner"
	"github.com/ikenchina/xatm/tc/config"
	tc "github.com/ikenchina/xatm/tc/service"
)

var (
	configFile = flag.String("config", "", "config file path")
)

func main() {
	flag.Parse()
	errorutil.PanicIfError(config.InitConfig(*configFile))
	svr, err := tc.NewTc(config.Get())
	errorutil.PanicIfError(err)

	if runner.RunService(svr).Wait() != nil {
		os.Exit(1)
	}
}
