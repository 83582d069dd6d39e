package core

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	ctxutil "github.com/awsl-project/agproxy/internal/context"
	"github.com/awsl-project/agproxy/internal/handler"
)

// Server owns the HTTP listener and the background sweep loops.
type Server struct {
	addr       string
	components *Components
	httpServer *http.Server
}

func NewServer(addr string, c *Components) *Server {
	s := &Server{addr: addr, components: c}
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: handler.LoggingMiddleware(c.WSHub, s.routes()),
	}
	return s
}

func (s *Server) routes() *http.ServeMux {
	c := s.components
	mux := http.NewServeMux()

	// Dialect surfaces. The Gemini paths carry the model in the URL.
	mux.Handle("/v1/messages", c.ProxyHandler)
	mux.Handle("/v1/chat/completions", c.ProxyHandler)
	mux.Handle("/v1/models/", c.ProxyHandler)
	mux.Handle("/v1beta/models/", c.ProxyHandler)
	mux.Handle("/v1internal/models/", c.ProxyHandler)

	// The NDJSON IDE stream.
	mux.Handle("/ndjson", c.ProxyHandler)
	mux.Handle("/v1/ide/stream", c.ProxyHandler)

	// Backend-prefixed variants: /<key>/v1/... pins the request to that
	// backend instead of walking the routing chain.
	for _, b := range c.Config.Backends {
		key := b.Key
		if reservedRoutes[key] {
			log.Printf("[Server] Backend key %q collides with a reserved route, prefix variant skipped", key)
			continue
		}
		prefix := "/" + key
		mux.Handle(prefix+"/", http.StripPrefix(prefix, pinToBackend(key, c.ProxyHandler)))
	}

	// Panel API.
	mux.HandleFunc("/auth/login", c.PanelAuth.HandleLogin)
	mux.Handle("/admin/", c.PanelAuth.Middleware(c.AdminHandler))
	mux.Handle("/ws", c.PanelAuth.Middleware(http.HandlerFunc(c.WSHub.HandleWebSocket)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// reservedRoutes are first path segments the mux already owns; a backend
// key matching one cannot get a prefix variant.
var reservedRoutes = map[string]bool{
	"v1":         true,
	"v1beta":     true,
	"v1internal": true,
	"ndjson":     true,
	"auth":       true,
	"admin":      true,
	"ws":         true,
	"health":     true,
}

// pinToBackend forces chain resolution to one backend for requests that
// arrive on its prefixed route.
func pinToBackend(backendKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(ctxutil.WithForcedBackend(r.Context(), backendKey)))
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully. The
// sweep loops share the lifetime of the listener.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("[Server] Listening on %s", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("[Server] Graceful shutdown failed: %v, forcing close", err)
			_ = s.httpServer.Close()
		}
		return nil
	})

	g.Go(func() error {
		runSweeps(ctx, s.components)
		return nil
	})

	err := g.Wait()
	log.Printf("[Server] Stopped")
	return err
}
