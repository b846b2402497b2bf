// Package ops is the operational HTTP surface: inbound message delivery,
// pending-operation inspection and manual retry, conversation lookup, and
// the audit feed.
package ops

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/vtorres/leadline/internal/ingest"
	"github.com/vtorres/leadline/internal/pending"
	"github.com/vtorres/leadline/internal/store"
	"gorm.io/gorm"
)

// StartOpts holds configuration for the ops server.
type StartOpts struct {
	DB     *gorm.DB
	Store  *store.Store
	Queue  *pending.Queue
	Ingest *ingest.Service
	Port   int
	Out    io.Writer
}

// Start launches the ops HTTP server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("ops: db is required")
	}
	if opts.Store == nil {
		return fmt.Errorf("ops: store is required")
	}
	if opts.Queue == nil {
		return fmt.Errorf("ops: pending queue is required")
	}
	if opts.Ingest == nil {
		return fmt.Errorf("ops: ingest service is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8090
	}

	router := newRouter(opts)

	addr := fmt.Sprintf(":%d", opts.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Ops API listening on :%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops: %w", err)
	}
	return nil
}

func newRouter(opts StartOpts) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts)
	return router
}
