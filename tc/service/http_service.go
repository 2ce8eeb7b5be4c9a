package service

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	logutil "github.com/ikenchina/xatm/common/log"
	"github.com/ikenchina/xatm/common/metrics"
	"github.com/ikenchina/xatm/tc/store"
)

var (
	httpHandleTimer = metrics.NewTimer("xatm", "http_server", "http handler metrics", []string{"path", "method", "code"})
)

type activeTransaction struct {
	Gtid     string   `json:"gtid"`
	Status   string   `json:"status"`
	Timeout  int      `json:"timeout"`
	Branches []string `json:"branches"`
}

func (tc *TcService) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	app := gin.New()
	app.NoRoute(func(c *gin.Context) {
		c.JSON(404, gin.H{"code": "NOT_FOUND", "message": "not found"})
	})

	app.Use(func(c *gin.Context) {
		timer := httpHandleTimer.Timer()
		c.Next()
		timer(c.FullPath(), c.Request.Method, strconv.Itoa(c.Writer.Status()))
	})

	app.Any("/debug/healthcheck", tc.HealthCheck)
	app.GET("/debug/metrics", gin.WrapH(promhttp.Handler()))
	pprof.Register(app, "debug/pprof")

	xaGroup := app.Group("/dtx/xa")
	xaGroup.GET("/transactions", tc.HttpList)
	xaGroup.GET("/transactions/:tid", tc.HttpGet)
	xaGroup.GET("/active", tc.HttpActive)
	xaGroup.POST("/cleanup", tc.HttpCleanup)
	xaGroup.POST("/recover", tc.HttpRecover)
	return app
}

func (tc *TcService) newHttpServer(listen string) {
	tc.httpServer = &http.Server{
		Addr:    listen,
		Handler: tc.router(),
	}
}

func (tc *TcService) startHttpServer() error {
	logutil.Logger(context.Background()).Sugar().Infof("start http server : listen(%v)", tc.httpServer.Addr)
	return tc.httpServer.ListenAndServe()
}

func httpError(c *gin.Context, code int, err error) {
	c.JSON(code, gin.H{"code": http.StatusText(code), "message": err.Error()})
}

// RESTful APIs
func (tc *TcService) HealthCheck(c *gin.Context) {
	if c.Request.Method == http.MethodGet {
		c.Status(200)
	} else if c.Request.Method == http.MethodDelete {
		go tc.Stop()
		c.Status(200)
	}
}

func (tc *TcService) HttpList(c *gin.Context) {
	snapshots, err := tc.store.List(c.Request.Context())
	if err != nil {
		httpError(c, 500, err)
		return
	}
	c.JSON(200, snapshots)
}

func (tc *TcService) HttpGet(c *gin.Context) {
	tid, err := strconv.ParseUint(c.Param("tid"), 10, 64)
	if err != nil {
		httpError(c, 400, err)
		return
	}
	snapshot, err := tc.store.Get(c.Request.Context(), tid)
	if err != nil {
		if errors.Is(err, store.ErrNotExist) {
			httpError(c, 404, err)
			return
		}
		httpError(c, 500, err)
		return
	}
	c.JSON(200, snapshot)
}

func (tc *TcService) HttpActive(c *gin.Context) {
	txns := tc.coordinator.Active()
	actives := make([]activeTransaction, 0, len(txns))
	for _, txn := range txns {
		at := activeTransaction{
			Gtid:     txn.GlobalId().String(),
			Status:   txn.Status().String(),
			Timeout:  txn.Timeout(),
			Branches: []string{},
		}
		for _, b := range txn.Branches() {
			at.Branches = append(at.Branches, store.BranchKey(b.ResourceManager(), b.GlobalId().BranchId))
		}
		actives = append(actives, at)
	}
	c.JSON(200, actives)
}

func (tc *TcService) HttpCleanup(c *gin.Context) {
	if err := tc.store.Cleanup(c.Request.Context()); err != nil {
		httpError(c, 500, err)
		return
	}
	c.Status(200)
}

func (tc *TcService) HttpRecover(c *gin.Context) {
	if err := tc.recover(c.Request.Context()); err != nil {
		httpError(c, 500, err)
		return
	}
	c.Status(200)
}
