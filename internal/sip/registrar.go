package sip

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/models"
)

const (
	defaultExpiry = 3600 // default and ceiling for registration TTL
	maxExpiry     = 3600
	pingTimeout   = 5 * time.Second
)

// Registrar handles SIP REGISTER requests: authenticates, patches NATed
// contacts, stores bindings, and keeps them alive with OPTIONS pings.
type Registrar struct {
	registrations database.RegistrationRepository
	auth          *Authenticator
	monitor       Monitor
	limiter       *RateLimiter
	client        *sipgo.Client

	instanceID   string
	pingInterval time.Duration
	patchForNAT  bool
	mobileUASig  string

	// pingFn sends one keepalive OPTIONS; swapped out in tests.
	pingFn func(ctx context.Context, reg models.Registration)

	logger *slog.Logger
}

// NewRegistrar creates a REGISTER handler. The sipgo client is used for
// keepalive OPTIONS pings toward registered endpoints.
func NewRegistrar(
	registrations database.RegistrationRepository,
	auth *Authenticator,
	monitor Monitor,
	client *sipgo.Client,
	instanceID string,
	pingInterval time.Duration,
	patchForNAT bool,
	mobileUASig string,
	logger *slog.Logger,
) *Registrar {
	if monitor == nil {
		monitor = NopMonitor{}
	}
	r := &Registrar{
		registrations: registrations,
		auth:          auth,
		monitor:       monitor,
		limiter:       NewRateLimiter(DefaultRateLimiterConfig()),
		client:        client,
		instanceID:    instanceID,
		pingInterval:  pingInterval,
		patchForNAT:   patchForNAT,
		mobileUASig:   strings.ToLower(mobileUASig),
		logger:        logger.With("subsystem", "registrar"),
	}
	r.pingFn = r.ping
	return r
}

// HandleRegister processes incoming REGISTER requests.
func (r *Registrar) HandleRegister(req *sip.Request, tx sip.ServerTransaction) {
	source := req.Source()
	r.logger.Debug("register request received",
		"from", req.From().Address.User,
		"source", source,
	)

	if !r.limiter.Allow(sourceHost(source)) {
		r.logger.Warn("register rate limit exceeded", "source", source)
		r.respondError(req, tx, 503, "Service Unavailable")
		return
	}

	client, ok := r.auth.Verify(context.Background(), req, tx, false)
	if !ok {
		return
	}

	contact := req.Contact()
	if contact == nil {
		r.respondError(req, tx, 400, "Bad Request")
		return
	}

	user := req.To().Address.User
	expiry := parseExpiry(req)

	ctx := context.Background()

	// Expires 0 or a wildcard Contact is an un-register.
	if expiry == 0 || contact.Address.Wildcard {
		r.handleUnregister(ctx, req, tx, user, contact)
		return
	}
	if expiry > maxExpiry {
		expiry = maxExpiry
	}

	sourceIP, sourcePort := parseSource(req)
	if r.patchForNAT {
		if maybePatchContact(req, contact, sourceIP, sourcePort) {
			r.logger.Debug("patched nated contact",
				"user", user,
				"contact", contact.Address.String(),
			)
		}
	}

	transport := parseTransport(req)

	userAgent := ""
	if h := req.GetHeader("User-Agent"); h != nil {
		userAgent = h.Value()
	}

	displayName := ""
	if client != nil {
		displayName = client.FriendlyName
	}

	reg := &models.Registration{
		InstanceID:  r.instanceID,
		User:        user,
		DisplayName: displayName,
		ContactURI:  contact.Address.String(),
		UserAgent:   userAgent,
		Transport:   transport,
		SourceIP:    sourceIP,
		SourcePort:  sourcePort,
		TTL:         expiry,
		WebRTC:      r.isWebRTC(transport, userAgent),
	}

	created, err := r.registrations.Upsert(ctx, reg)
	if err != nil {
		r.logger.Error("failed to store registration", "user", user, "error", err)
		r.respondError(req, tx, 500, "Internal Server Error")
		return
	}

	event := regEventUpdated
	if created {
		event = regEventAdded
	}
	r.monitor.RegistrationEvent(event, user, reg.ContactURI, true)

	r.logger.Info("client registered",
		"user", user,
		"contact", reg.ContactURI,
		"transport", transport,
		"expires", expiry,
		"webrtc", reg.WebRTC,
		"source", source,
	)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(&sip.ContactHeader{Address: contact.Address})
	res.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send register response", "error", err)
	}
}

// handleUnregister removes one binding, or all of them for a wildcard Contact.
func (r *Registrar) handleUnregister(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, user string, contact *sip.ContactHeader) {
	if contact.Address.Wildcard {
		regs, err := r.registrations.GetByUser(ctx, user)
		if err != nil {
			r.logger.Error("failed to list registrations for unregister", "user", user, "error", err)
			r.respondError(req, tx, 500, "Internal Server Error")
			return
		}
		for _, reg := range regs {
			if err := r.registrations.DeleteByID(ctx, reg.ID); err != nil {
				r.logger.Error("failed to delete registration", "id", reg.ID, "error", err)
				continue
			}
			r.monitor.RegistrationEvent(regEventRemoved, user, reg.ContactURI, false)
		}
		r.logger.Info("all registrations removed", "user", user, "count", len(regs))
	} else {
		contactURI := contact.Address.String()
		if err := r.registrations.DeleteByUserAndContact(ctx, user, contactURI); err != nil {
			r.logger.Error("failed to delete registration",
				"user", user,
				"contact", contactURI,
				"error", err,
			)
			r.respondError(req, tx, 500, "Internal Server Error")
			return
		}
		r.monitor.RegistrationEvent(regEventRemoved, user, contactURI, false)
		r.logger.Info("registration removed", "user", user, "contact", contactURI)
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send unregister response", "error", err)
	}
}

// isWebRTC classifies a binding: websocket transports are WebRTC, and so are
// mobile clients identified by the configured User-Agent signature.
func (r *Registrar) isWebRTC(transport, userAgent string) bool {
	if transport == "ws" || transport == "wss" {
		return true
	}
	return r.mobileUASig != "" && strings.Contains(strings.ToLower(userAgent), r.mobileUASig)
}

// Reconcile purges bindings that cannot have survived a restart: every
// WebRTC binding (its websocket is gone) and anything expired or stale.
// Each removal goes through remove so the monitor hears about it.
func (r *Registrar) Reconcile(ctx context.Context) error {
	regs, err := r.registrations.List(ctx)
	if err != nil {
		return fmt.Errorf("listing registrations: %w", err)
	}

	now := time.Now()
	cutoff := now.Add(-r.staleAfter())
	purged := 0
	for i := range regs {
		reg := regs[i]
		switch {
		case reg.WebRTC:
			r.remove(ctx, &reg, "restart purge")
		case now.After(reg.Expires()):
			r.remove(ctx, &reg, "expired")
		case reg.UpdatedAt.Before(cutoff):
			r.remove(ctx, &reg, "stale")
		default:
			continue
		}
		purged++
	}

	r.logger.Info("registration reconciliation complete", "purged", purged)
	return nil
}

// RunKeepalive pings every live binding with OPTIONS once per interval.
// A 2xx pong refreshes the binding; a send failure removes it. Expired or
// stale bindings are removed without being pinged, and WebRTC bindings are
// never pinged at all.
func (r *Registrar) RunKeepalive(ctx context.Context) {
	ticker := time.NewTicker(r.pingInterval)
	defer ticker.Stop()

	r.logger.Info("registration keepalive started", "interval", r.pingInterval.String())

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("registration keepalive stopped")
			r.limiter.Stop()
			return
		case <-ticker.C:
			r.keepalivePass(ctx)
		}
	}
}

// staleAfter is how long a binding may go without a refresh or pong before
// it is considered dead.
func (r *Registrar) staleAfter() time.Duration {
	return 3 * r.pingInterval
}

func (r *Registrar) keepalivePass(ctx context.Context) {
	regs, err := r.registrations.List(ctx)
	if err != nil {
		r.logger.Error("keepalive pass failed to list registrations", "error", err)
		return
	}

	now := time.Now()
	cutoff := now.Add(-r.staleAfter())
	var wg sync.WaitGroup
	for i := range regs {
		reg := regs[i]
		if now.After(reg.Expires()) {
			r.remove(ctx, &reg, "expired")
			continue
		}
		if reg.UpdatedAt.Before(cutoff) {
			r.remove(ctx, &reg, "stale")
			continue
		}
		if reg.WebRTC {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.pingFn(ctx, reg)
		}()
	}
	wg.Wait()
}

// ping sends an OPTIONS request to one binding. The pong refreshes it; any
// failure removes it immediately.
func (r *Registrar) ping(ctx context.Context, reg models.Registration) {
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	res, err := r.sendOptions(pingCtx, &reg)
	if err != nil {
		r.logger.Warn("keepalive ping failed, removing registration",
			"user", reg.User,
			"contact", reg.ContactURI,
			"error", err,
		)
		r.remove(ctx, &reg, "ping failure")
		return
	}

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		if err := r.registrations.Touch(ctx, reg.ID); err != nil {
			r.logger.Error("failed to refresh registration", "id", reg.ID, "error", err)
		}
		return
	}

	r.logger.Warn("keepalive ping rejected, removing registration",
		"user", reg.User,
		"contact", reg.ContactURI,
		"status", res.StatusCode,
	)
	r.remove(ctx, &reg, "ping rejected")
}

func (r *Registrar) sendOptions(ctx context.Context, reg *models.Registration) (*sip.Response, error) {
	var recipient sip.Uri
	if err := sip.ParseUri(reg.ContactURI, &recipient); err != nil {
		return nil, fmt.Errorf("parsing contact uri %q: %w", reg.ContactURI, err)
	}

	req := sip.NewRequest(sip.OPTIONS, recipient)
	req.SetTransport(transportForRegistration(reg))

	tx, err := r.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending options: %w", err)
	}
	defer tx.Terminate()

	return finalResponse(ctx, tx)
}

func (r *Registrar) remove(ctx context.Context, reg *models.Registration, reason string) {
	if err := r.registrations.DeleteByID(ctx, reg.ID); err != nil {
		r.logger.Error("failed to remove registration",
			"id", reg.ID,
			"reason", reason,
			"error", err,
		)
		return
	}
	r.monitor.RegistrationEvent(regEventRemoved, reg.User, reg.ContactURI, false)
	r.logger.Info("registration removed",
		"user", reg.User,
		"contact", reg.ContactURI,
		"reason", reason,
	)
}

// parseExpiry extracts the registration TTL from the request: Contact expires
// parameter first, then the Expires header, then the default.
func parseExpiry(req *sip.Request) int {
	if contact := req.Contact(); contact != nil {
		if val, ok := contact.Params.Get("expires"); ok {
			if exp, err := strconv.Atoi(val); err == nil && exp >= 0 {
				return exp
			}
		}
	}
	if h := req.GetHeader("Expires"); h != nil {
		if exp, err := strconv.Atoi(strings.TrimSpace(h.Value())); err == nil && exp >= 0 {
			return exp
		}
	}
	return defaultExpiry
}

// parseSource extracts the source IP and port from the request.
func parseSource(req *sip.Request) (string, int) {
	source := req.Source()
	host, portStr, err := net.SplitHostPort(source)
	if err != nil {
		return source, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// parseTransport determines the transport protocol from the Via header.
func parseTransport(req *sip.Request) string {
	if via := req.Via(); via != nil {
		if transport := strings.ToLower(via.Transport); transport != "" {
			return transport
		}
	}
	return "udp"
}

// sourceHost strips the port from a source address for rate limit keying.
func sourceHost(source string) string {
	if host, _, err := net.SplitHostPort(source); err == nil {
		return host
	}
	return source
}

// transportForRegistration returns the SIP transport to use for a binding.
func transportForRegistration(reg *models.Registration) string {
	switch reg.Transport {
	case "tcp":
		return "TCP"
	case "tls":
		return "TLS"
	case "ws":
		return "WS"
	case "wss":
		return "WSS"
	default:
		return "UDP"
	}
}

func (r *Registrar) respondError(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to send error response", "code", code, "error", err)
	}
}
