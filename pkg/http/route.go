package http

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/kromosynth/dispatcher/pkg/http/controller"
	"github.com/kromosynth/dispatcher/pkg/pool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Routes holds what the admin api exposes, nil fields leave their routes out
type Routes struct {
	// Dispatcher serves POST /v1/dispatch
	Dispatcher controller.Dispatcher
	// Pools serves /v1/pools
	Pools *pool.Manager
	// Profiling mounts the pprof handlers under /debug/pprof
	Profiling bool
}

// RegisterRoute registers http routes
func RegisterRoute(r *gin.Engine, routes Routes) {
	r.Use(cors.New(cors.Config{
		AllowMethods:     []string{"PUT", "POST", "GET", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Type"},
		AllowCredentials: true,
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		MaxAge: 12 * time.Hour,
	}))
	r.GET("/healthz", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	v1 := r.Group("/v1")
	{
		if routes.Dispatcher != nil {
			v1.POST("/dispatch", controller.Dispatch(routes.Dispatcher))
		}
		if routes.Pools != nil {
			poolRoute := v1.Group("/pools")
			{
				poolRoute.GET("", controller.Pools(routes.Pools))
				poolRoute.POST("/:name/restart", controller.Restart(routes.Pools))
			}
		}
	}
	r.GET("/metrics", prometheusHandler())
	if routes.Profiling {
		pprof.Register(r)
	}
}

func prometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()

	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
