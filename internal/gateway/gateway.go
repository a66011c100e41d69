// ABOUTME: Gateway orchestrator wiring the host loop, agent client, store, and HTTP surface
// ABOUTME: Runs the dispatch loop and HTTP server together and shuts both down cleanly

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/yuin/goldmark"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-editor/internal/agentapi"
	"github.com/2389/coven-editor/internal/assets"
	"github.com/2389/coven-editor/internal/auth"
	"github.com/2389/coven-editor/internal/bridge"
	"github.com/2389/coven-editor/internal/config"
	"github.com/2389/coven-editor/internal/conversation"
	"github.com/2389/coven-editor/internal/correlate"
	"github.com/2389/coven-editor/internal/fanout"
	"github.com/2389/coven-editor/internal/host"
	"github.com/2389/coven-editor/internal/metrics"
	"github.com/2389/coven-editor/internal/store"
)

// tokenSubject identifies this process to the agent backend.
const tokenSubject = "coven-editor"

// Gateway serves the editor host over HTTP.
type Gateway struct {
	config      *config.Config
	store       store.Store
	ledger      *correlate.Ledger
	host        *host.Host
	updates     *fanout.Hub[conversation.Update]
	commands    *fanout.Hub[OutboundCommand]
	originGuard *http.CrossOriginProtection
	shims       *shimBinding
	markdown    goldmark.Markdown
	metrics     *metrics.Metrics
	httpServer  *http.Server
	logger      *slog.Logger
}

func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

func newAgentClient(cfg *config.Config, logger *slog.Logger) (*agentapi.Client, error) {
	opts := []agentapi.Option{
		agentapi.WithPaths(cfg.Agent.StreamPath, cfg.Agent.CallbackPath),
		agentapi.WithLogger(logger),
	}
	if cfg.Agent.JWTSecret != "" {
		signer, err := auth.NewJWTSigner([]byte(cfg.Agent.JWTSecret), tokenSubject, cfg.Agent.TokenTTL)
		if err != nil {
			return nil, fmt.Errorf("creating token signer: %w", err)
		}
		opts = append(opts, agentapi.WithTokenSource(signer))
		logger.Info("agent requests will carry bearer tokens")
	} else {
		logger.Warn("agent auth disabled - no jwt_secret configured")
	}
	return agentapi.NewClient(cfg.Agent.URL, cfg.Agent.ConnectTimeout, opts...), nil
}

// New creates a Gateway from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}

	client, err := newAgentClient(cfg, logger)
	if err != nil {
		s.Close()
		return nil, err
	}

	updates := fanout.NewHub[conversation.Update]("updates", logger)
	commands := fanout.NewHub[OutboundCommand]("commands", logger)
	ledger := correlate.New(cfg.Correlation.ReplyTTL, cfg.Correlation.MaxEntries)

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		m.WatchPendingReplies(ledger.Pending)
	}

	hostOrigin, err := bridge.NormalizeOrigin(cfg.Editor.HostOrigin)
	if err != nil {
		ledger.Close()
		s.Close()
		return nil, fmt.Errorf("host origin: %w", err)
	}
	guard, err := newOriginGuard(hostOrigin)
	if err != nil {
		ledger.Close()
		s.Close()
		return nil, err
	}

	session := conversation.NewSession(cfg.Credits(),
		conversation.WithPublisher(updates),
		conversation.WithLogger(logger))

	h, err := host.New(host.Options{
		Session:  session,
		Agent:    client,
		AgentURL: client.BaseURL(),
		Relay:    client,
		Store:    s,
		Ledger:   ledger,
		Bridge: bridge.Config{
			DocumentURL:    cfg.Editor.WordPressURL,
			FallbackOrigin: cfg.Editor.FallbackOrigin,
			HostOrigin:     cfg.Editor.HostOrigin,
		},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		ledger.Close()
		s.Close()
		return nil, err
	}

	gw := &Gateway{
		config:      cfg,
		store:       s,
		ledger:      ledger,
		host:        h,
		updates:     updates,
		commands:    commands,
		originGuard: guard,
		shims:       &shimBinding{},
		markdown:    goldmark.New(),
		metrics:     m,
		logger:      logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)

	if g.metrics != nil {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}

	mux.Handle("GET /{$}", assets.IndexHandler())
	mux.Handle("GET /static/", http.StripPrefix("/static/", assets.FileServer()))

	mux.HandleFunc("POST /api/messages", g.sameOrigin(g.handleSendMessage))
	mux.HandleFunc("GET /api/messages", g.handleListMessages)
	mux.HandleFunc("POST /api/conversation/new", g.sameOrigin(g.handleNewConversation))
	mux.HandleFunc("GET /api/events", g.handleEvents)

	mux.HandleFunc("POST /api/frame/messages", g.sameOrigin(g.handleFrameMessage))
	mux.HandleFunc("POST /api/frame/load", g.sameOrigin(g.handleFrameLoad))
	mux.HandleFunc("POST /api/frame/unload", g.sameOrigin(g.handleFrameUnload))
	mux.HandleFunc("GET /api/frame/commands", g.handleFrameCommands)
	mux.HandleFunc("GET /api/frame/state", g.handleFrameState)
	mux.HandleFunc("DELETE /api/context/selected-block", g.sameOrigin(g.handleClearSelectedBlock))

	return mux
}

// Run listens on the configured address and serves until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	return g.Serve(ctx, ln)
}

// Serve runs the host loop and the HTTP server on ln until ctx is done or
// either fails.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.host.Run(egCtx)
	})

	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		return g.gracefulShutdown()
	})

	serveErr := eg.Wait()
	closeErr := g.close()
	if serveErr != nil {
		return serveErr
	}
	return closeErr
}

// gracefulShutdown stops the HTTP server with a fresh context and timeout,
// since the serving context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Closing the hubs ends every open event stream so Shutdown can finish.
	g.updates.Close()
	g.commands.Close()

	if err := g.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// close releases resources once the host loop and HTTP server have stopped.
func (g *Gateway) close() error {
	g.ledger.Close()
	if err := g.store.Close(); err != nil {
		return fmt.Errorf("store close: %w", err)
	}
	g.logger.Info("gateway stopped")
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
