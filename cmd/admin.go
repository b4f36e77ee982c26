package cmd

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	api "github.com/kromosynth/dispatcher/pkg/http"
	"go.uber.org/zap"
)

// startAdmin serves the admin api on port until ctx is done, port 0 turns it off
func startAdmin(ctx context.Context, port int, routes api.Routes) {
	if port <= 0 {
		return
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	api.RegisterRoute(r, routes)
	srv := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: r}
	go func() {
		zap.S().Infow("admin api listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zap.S().Errorw("admin api stopped", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}()
}
