package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/voxbridge/voxbridge/internal/config"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/interp"
)

// Stores bundles the repositories the signaling core reads and writes.
type Stores struct {
	Clients       database.ClientRepository
	Applications  database.ApplicationRepository
	Numbers       database.IncomingNumberRepository
	Registrations database.RegistrationRepository
	Notifications database.NotificationRepository
	CallRecords   database.CallRecordRepository
}

// Server wraps the sipgo stack with the VoxBridge signaling handlers.
type Server struct {
	cfg    *config.Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client

	registrar *Registrar
	router    *CallRouter
	links     *LinkManager
	legs      *LegRegistry
	proxies   *ProxyFailoverController
	notifier  *Notifier
	guard     *BruteForceGuard
	tracer    *MessageTracer

	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewServer creates a SIP server with all handlers registered. A nil monitor
// disables live event forwarding; a nil builder disables voice applications.
func NewServer(cfg *config.Config, stores Stores, monitor Monitor, builder interp.Builder) (*Server, error) {
	logger := slog.Default().With("component", "sip")

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent("VoxBridge"),
		sipgo.WithUserAgentHostname(cfg.HostIP()),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua,
		sipgo.WithServerLogger(logger),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientLogger(logger.With("subsystem", "client")),
	)
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	notifier := NewNotifier(stores.Notifications, monitor, logger)
	guard := NewBruteForceGuard(logger)
	auth := NewAuthenticator(stores.Clients, guard, cfg.Authenticate, logger)
	tracer := NewMessageTracer(logger, ParseSIPLogVerbosity(cfg.SIPTrace))

	proxies := NewProxyFailoverController(
		Proxy{URI: cfg.OutboundProxyURI, User: cfg.OutboundProxyUser, Password: cfg.OutboundProxyPassword},
		Proxy{URI: cfg.FallbackProxyURI, User: cfg.FallbackProxyUser, Password: cfg.FallbackProxyPassword},
		cfg.AllowFallback,
		cfg.AllowFallbackToPrimary,
		cfg.MaxFailedCalls,
		notifier,
		logger,
	)

	legs := NewLegRegistry(logger)
	links := NewLinkManager(client, stores.CallRecords, proxies, logger)

	registrar := NewRegistrar(
		stores.Registrations, auth, monitor, client,
		instanceID, cfg.PingInterval, cfg.PatchForNAT, cfg.MobileUASignature,
		logger,
	)

	dispatcher := NewDispatcher(client, stores.Registrations, proxies, legs, DispatchOptions{
		InstanceID:            instanceID,
		HostIP:                cfg.HostIP(),
		MediaIP:               cfg.MediaIP(),
		UseLocalAddress:       cfg.UseLocalAddressInFrom,
		ProxyUserAtFromHeader: cfg.ProxyUserAtFromHeader,
		UserAtDisplayedName:   cfg.UserAtDisplayedName,
	}, logger)

	router := NewCallRouter(
		stores.Clients, stores.Numbers, stores.Applications, stores.CallRecords,
		auth, dispatcher, links, legs, proxies, notifier, builder,
		RouterOptions{
			APIVersion:  cfg.APIVersion,
			HostIP:      cfg.HostIP(),
			MediaIP:     cfg.MediaIP(),
			InstanceID:  instanceID,
			MobileUASig: cfg.MobileUASignature,
		},
		logger,
	)

	s := &Server{
		cfg:       cfg,
		ua:        ua,
		srv:       srv,
		client:    client,
		registrar: registrar,
		router:    router,
		links:     links,
		legs:      legs,
		proxies:   proxies,
		notifier:  notifier,
		guard:     guard,
		tracer:    tracer,
		logger:    logger,
	}

	s.registerHandlers()
	return s, nil
}

// registerHandlers attaches SIP method handlers to the server.
func (s *Server) registerHandlers() {
	s.srv.OnInvite(s.traced(s.router.HandleInvite))
	s.srv.OnRegister(s.traced(s.registrar.HandleRegister))
	s.srv.OnAck(s.traced(s.router.HandleAck))
	s.srv.OnBye(s.traced(s.router.HandleBye))
	s.srv.OnCancel(s.traced(s.router.HandleCancel))
	s.srv.OnInfo(s.traced(s.router.HandleInfo))
	s.srv.OnOptions(s.traced(s.handleOptions))
}

// traced runs the tracer ahead of a handler.
func (s *Server) traced(h func(*sip.Request, sip.ServerTransaction)) func(*sip.Request, sip.ServerTransaction) {
	return func(req *sip.Request, tx sip.ServerTransaction) {
		s.tracer.TraceRequest(req)
		h(req, tx)
	}
}

// Start reconciles stored registrations, begins listening on the configured
// transports, and launches the background loops. It returns once the
// listeners are started.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	// Stored bindings from a previous run cannot be trusted: WebSocket
	// connections died with the process and anything stale has lapsed.
	if err := s.registrar.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconciling registrations: %w", err)
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPPort)
	wsAddr := fmt.Sprintf("0.0.0.0:%d", s.cfg.SIPWSPort)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip udp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "udp", addr); err != nil {
			s.logger.Error("sip udp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip tcp listener starting", "addr", addr)
		if err := s.srv.ListenAndServe(ctx, "tcp", addr); err != nil {
			s.logger.Error("sip tcp listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("sip ws listener starting", "addr", wsAddr)
		if err := s.srv.ListenAndServe(ctx, "ws", wsAddr); err != nil {
			s.logger.Error("sip ws listener stopped", "error", err)
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.registrar.RunKeepalive(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.router.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.guard.Cleanup()
			}
		}
	}()

	return nil
}

// Stop gracefully shuts down all SIP listeners and waits for goroutines.
func (s *Server) Stop() {
	s.logger.Info("stopping sip server")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.srv.Close()
	s.ua.Close()
	s.logger.Info("sip server stopped")
}

// Router exposes the command interface for call control.
func (s *Server) Router() *CallRouter {
	return s.router
}

// Legs exposes active call state for metrics.
func (s *Server) Legs() *LegRegistry {
	return s.legs
}

// Proxies exposes proxy failover state for metrics.
func (s *Server) Proxies() *ProxyFailoverController {
	return s.proxies
}

// Tracer exposes the message tracer for runtime verbosity changes.
func (s *Server) Tracer() *MessageTracer {
	return s.tracer
}

// handleOptions answers OPTIONS keepalives from clients and trunks.
func (s *Server) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	s.logger.Debug("sip options received",
		"from", req.From().Address.User,
		"source", req.Source(),
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Accept", "application/sdp"))
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, REGISTER, OPTIONS, INFO"))

	if err := tx.Respond(res); err != nil {
		s.logger.Error("failed to respond to options", "error", err)
	}
}
