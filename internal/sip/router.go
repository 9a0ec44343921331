package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"
	"github.com/pion/sdp/v3"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/models"
	"github.com/voxbridge/voxbridge/internal/interp"
)

const commandQueueSize = 128

// RouterOptions carries the routing identity of this node.
type RouterOptions struct {
	APIVersion  string
	HostIP      string
	MediaIP     string
	InstanceID  string
	MobileUASig string

	// DefaultRegion seeds number parsing for DID matching.
	DefaultRegion string
}

// CallRouter decides what happens to every INVITE: a client's voice
// application, a client-to-client bridge, a hosted number's application, or
// an outbound leg through the proxy. It also owns the command loop that
// serves call-control requests.
type CallRouter struct {
	clients     database.ClientRepository
	numbers     database.IncomingNumberRepository
	apps        database.ApplicationRepository
	callRecords database.CallRecordRepository

	auth       *Authenticator
	dispatcher *Dispatcher
	links      *LinkManager
	legs       *LegRegistry
	proxies    *ProxyFailoverController
	notifier   *Notifier
	builder    interp.Builder

	opts     RouterOptions
	commands chan Command
	logger   *slog.Logger
}

// NewCallRouter wires the routing core together.
func NewCallRouter(
	clients database.ClientRepository,
	numbers database.IncomingNumberRepository,
	apps database.ApplicationRepository,
	callRecords database.CallRecordRepository,
	auth *Authenticator,
	dispatcher *Dispatcher,
	links *LinkManager,
	legs *LegRegistry,
	proxies *ProxyFailoverController,
	notifier *Notifier,
	builder interp.Builder,
	opts RouterOptions,
	logger *slog.Logger,
) *CallRouter {
	if opts.DefaultRegion == "" {
		opts.DefaultRegion = "US"
	}
	return &CallRouter{
		clients:     clients,
		numbers:     numbers,
		apps:        apps,
		callRecords: callRecords,
		auth:        auth,
		dispatcher:  dispatcher,
		links:       links,
		legs:        legs,
		proxies:     proxies,
		notifier:    notifier,
		builder:     builder,
		opts:        opts,
		commands:    make(chan Command, commandQueueSize),
		logger:      logger.With("subsystem", "router"),
	}
}

// Submit hands a command to the router's loop.
func (r *CallRouter) Submit(cmd Command) {
	r.commands <- cmd
}

// Run is the single consumer of the command queue. Each command runs to
// completion before the next, so command handlers never race each other.
func (r *CallRouter) Run(ctx context.Context) {
	r.logger.Info("call router started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("call router stopped")
			return
		case cmd := <-r.commands:
			r.handleCommand(ctx, cmd)
		}
	}
}

// HandleInvite is the INVITE decision tree.
func (r *CallRouter) HandleInvite(req *sip.Request, tx sip.ServerTransaction) {
	callID := callIDOf(req)
	logger := r.logger.With("call_id", callID)

	// A To tag means the dialog already exists: a re-INVITE (hold, codec
	// renegotiation). Answer it right away.
	if to := req.To(); to != nil {
		if _, ok := to.Params.Get("tag"); ok {
			logger.Debug("re-invite answered")
			res := sip.NewResponseFromRequest(req, 200, "OK", nil)
			if err := tx.Respond(res); err != nil {
				logger.Error("failed to answer re-invite", "error", err)
			}
			return
		}
	}

	// A new call needs a parseable session description before any routing.
	if !validSessionBody(req) {
		logger.Debug("invite with missing or malformed sdp")
		res := sip.NewResponseFromRequest(req, 400, "Bad Request", nil)
		if err := tx.Respond(res); err != nil {
			logger.Error("failed to reject invite", "error", err)
		}
		return
	}

	ctx := context.Background()
	fromUser := req.From().Address.User
	toUser := req.To().Address.User
	toHost := req.To().Address.Host

	// INVITEs claiming a client identity must prove it. Failed credentials
	// are dropped without a response.
	caller, err := r.clients.GetByLogin(ctx, fromUser)
	if err != nil {
		logger.Error("caller lookup failed", "user", fromUser, "error", err)
		respondStatus(tx, req, 500, "Internal Server Error", logger)
		return
	}
	if caller != nil {
		if _, ok := r.auth.Verify(ctx, req, tx, true); !ok {
			logger.Debug("invite dropped: client auth failed", "user", fromUser)
			return
		}
	}

	trying := sip.NewResponseFromRequest(req, 100, "Trying", nil)
	if err := tx.Respond(trying); err != nil {
		logger.Error("failed to send trying", "error", err)
	}

	leg := newCallLeg(callID, DirectionInbound, req, r.logger)
	leg.ServerTx = tx
	leg.RemoteTarget = callerTarget(req)
	r.legs.Add(leg)

	r.createCallRecord(ctx, req, leg)

	// 1. A calling client with a voice application keeps the call.
	if caller != nil {
		if start, ok := r.clientApplication(ctx, caller, leg.ID); ok {
			logger.Info("routing to caller's voice application", "user", fromUser)
			r.startInterpreter(leg, start, logger)
			return
		}
	}

	// 2. Client-to-client goes through the bridge, and only a registered
	// client may originate it. An unreachable callee is logged and the call
	// falls through the rest of the tree.
	if caller != nil {
		callee, err := r.clients.GetByLogin(ctx, toUser)
		if err != nil {
			logger.Error("callee lookup failed", "user", toUser, "error", err)
		}
		if callee != nil && r.bridgeToClient(ctx, leg, req, tx, toUser, logger) {
			return
		}
	}

	// 3. A hosted number runs its application.
	if number := r.matchNumber(ctx, toUser); number != nil {
		if start, ok := r.numberApplication(ctx, number, leg.ID); ok {
			logger.Info("routing to hosted number application", "number", number.PhoneNumber)
			r.startInterpreter(leg, start, logger)
			return
		}
	}

	// 4. A WebRTC caller dialing an unknown target gets a synthesized dial
	// application so the call still leaves through the interpreter.
	if caller != nil && r.isWebRTCRequest(req) {
		logger.Info("synthesizing dial application for webrtc caller", "target", toUser)
		r.startInterpreter(leg, interp.StartRequest{
			APIVersion: r.opts.APIVersion,
			Script:     fmt.Sprintf("<Response><Dial>%s</Dial></Response>", toUser),
			LegID:      leg.ID,
		}, logger)
		return
	}

	// 5. Anything addressed to this node is a number for the proxy; anything
	// else goes straight to its URI.
	if caller != nil {
		r.bridgeOutbound(ctx, leg, req, tx, toUser, toHost, logger)
		return
	}

	// 6. Routing miss.
	logger.Warn("no route for invite", "from", fromUser, "to", toUser)
	r.notifier.Error(ctx, codeRoutingMiss,
		fmt.Sprintf("no route for call from %s to %s", fromUser, toUser))
	r.failCallRecord(ctx, callID)
	respondStatus(tx, req, 404, "Not Found", logger)
	r.legs.Remove(leg.ID)
}

// bridgeToClient runs the client-to-client B2BUA path. It reports false
// when the callee could not be dialed at all, in which case the caller gets
// no response here and the decision tree keeps going.
func (r *CallRouter) bridgeToClient(ctx context.Context, leg *CallLeg, req *sip.Request, tx sip.ServerTransaction, callee string, logger *slog.Logger) bool {
	dial := DialRequest{
		Caller:      req.From().Address.User,
		Body:        req.Body(),
		ContentType: contentTypeOf(req),
	}

	onProgress := func(res *sip.Response) {
		leg.Fire(eventProceed)
		relay := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, nil)
		if err := tx.Respond(relay); err != nil {
			logger.Error("failed to relay provisional", "error", err)
		}
	}

	result, err := r.dispatcher.DialClient(ctx, callee, dial, onProgress)
	if err != nil {
		logger.Warn("callee unreachable", "callee", callee, "error", err)
		r.notifier.Warn(ctx, codeUnreachableCallee,
			fmt.Sprintf("registered client %s could not be reached", callee))
		return false
	}

	r.completeBridge(ctx, leg, req, tx, result, logger)
	return true
}

// bridgeOutbound sends the call out through the proxy or to a raw URI.
func (r *CallRouter) bridgeOutbound(ctx context.Context, leg *CallLeg, req *sip.Request, tx sip.ServerTransaction, toUser, toHost string, logger *slog.Logger) {
	dial := DialRequest{
		Caller:      req.From().Address.User,
		Body:        req.Body(),
		ContentType: contentTypeOf(req),
	}

	onProgress := func(res *sip.Response) {
		leg.Fire(eventProceed)
		relay := sip.NewResponseFromRequest(req, res.StatusCode, res.Reason, nil)
		if err := tx.Respond(relay); err != nil {
			logger.Error("failed to relay provisional", "error", err)
		}
	}

	viaProxy := r.dispatcher.opts.routesViaProxy(toHost)
	var result *DialResult
	var err error
	if viaProxy {
		result, err = r.dispatcher.DialNumber(ctx, toUser, dial, onProgress)
	} else {
		result, err = r.dispatcher.DialURI(ctx, toUser+"@"+toHost, dial, onProgress)
	}

	if err != nil {
		if errors.Is(err, ErrNoActiveProxy) {
			r.notifier.Warn(ctx, codeMissingProxyConfig, "outbound call requires a configured proxy")
		}
		logger.Warn("outbound dial failed", "to", toUser, "error", err)
		r.failCallRecord(ctx, leg.CallID)
		respondStatus(tx, req, 500, "Server Internal Error", logger)
		r.legs.Remove(leg.ID)
		return
	}

	// A credentials challenge from the proxy is answered once with the
	// proxy account before giving up.
	if result.Response != nil && result.Leg != nil &&
		(result.Response.StatusCode == 401 || result.Response.StatusCode == 407) {
		if retried, err := r.links.RetryWithProxyAuth(ctx, result.Leg, result.Response); err == nil {
			result.Response = retried
			if retried.StatusCode >= 200 && retried.StatusCode < 300 {
				result.Leg.Fire(eventAnswer)
			}
		} else {
			logger.Warn("proxy auth retry failed", "error", err)
		}
	}

	// Failed proxy calls feed the failover counter. Direct-URI dials never
	// involved the proxy, so their failures stay out of it.
	if proxyFailureCandidate(viaProxy, result) {
		r.proxies.RecordResponse(ctx, result.Response.StatusCode)
	}

	r.completeBridge(ctx, leg, req, tx, result, logger)
}

// proxyFailureCandidate reports whether a dial outcome counts toward proxy
// failover: an unanswered final response on a call routed through the proxy.
func proxyFailureCandidate(viaProxy bool, result *DialResult) bool {
	if !viaProxy || result == nil {
		return false
	}
	return result.Response != nil && result.Leg != nil && !result.Leg.Answered()
}

// completeBridge finishes call setup after an outbound dial: relays the
// final response to the caller and, on answer, links the legs.
func (r *CallRouter) completeBridge(ctx context.Context, leg *CallLeg, req *sip.Request, tx sip.ServerTransaction, result *DialResult, logger *slog.Logger) {
	res := result.Response
	if result.Leg == nil || !result.Leg.Answered() {
		status, reason := 480, "Temporarily Unavailable"
		if res != nil {
			status, reason = res.StatusCode, res.Reason
		}
		leg.Fire(eventFail)
		r.failCallRecord(ctx, leg.CallID)
		respondStatus(tx, req, status, reason, logger)
		r.legs.Remove(leg.ID)
		if result.Leg != nil {
			r.legs.Remove(result.Leg.ID)
		}
		return
	}

	answer := sip.NewResponseFromRequest(req, 200, "OK", res.Body())
	if to := answer.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			to.Params.Add("tag", newTag())
		}
	}
	if ct := res.ContentType(); ct != nil {
		answer.AppendHeader(sip.HeaderClone(ct))
	}
	if err := tx.Respond(answer); err != nil {
		logger.Error("failed to answer caller", "error", err)
	}
	leg.Fire(eventAnswer)
	setInboundDialog(leg, req, answer)

	r.links.Join(leg, result.Leg)
	r.answerCallRecord(ctx, leg.CallID)
	logger.Info("call bridged",
		"inbound_call_id", leg.CallID,
		"outbound_call_id", result.Leg.CallID,
	)
}

// HandleBye tears down a linked call, or answers 200 for an unknown dialog.
func (r *CallRouter) HandleBye(req *sip.Request, tx sip.ServerTransaction) {
	if r.links.RelayBye(req, tx) {
		if leg, ok := r.legs.GetByCallID(callIDOf(req)); ok {
			r.legs.Remove(leg.ID)
		}
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to answer bye", "error", err)
	}
}

// HandleCancel aborts a call during setup.
func (r *CallRouter) HandleCancel(req *sip.Request, tx sip.ServerTransaction) {
	if r.links.RelayCancel(req, tx) {
		if leg, ok := r.legs.GetByCallID(callIDOf(req)); ok {
			r.legs.Remove(leg.ID)
		}
		return
	}
	res := sip.NewResponseFromRequest(req, 481, "Call/Transaction Does Not Exist", nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to answer cancel", "error", err)
	}
}

// HandleAck confirms an answered dialog and relays across the bridge.
func (r *CallRouter) HandleAck(req *sip.Request, _ sip.ServerTransaction) {
	r.links.RelayAck(req)
}

// HandleInfo relays in-dialog INFO across the bridge.
func (r *CallRouter) HandleInfo(req *sip.Request, tx sip.ServerTransaction) {
	if r.links.RelayInfo(req, tx) {
		return
	}
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		r.logger.Error("failed to answer info", "error", err)
	}
}

// matchNumber finds the hosted number a dialed string belongs to, trying the
// E.164 form, the raw string, the plus-toggled form, then the wildcard.
func (r *CallRouter) matchNumber(ctx context.Context, dialed string) *models.IncomingNumber {
	for _, candidate := range didVariants(dialed, r.opts.DefaultRegion) {
		number, err := r.numbers.GetByNumber(ctx, candidate)
		if err != nil {
			r.logger.Error("number lookup failed", "number", candidate, "error", err)
			continue
		}
		if number != nil {
			return number
		}
	}
	return nil
}

// didVariants lists the lookup keys for a dialed number, most specific
// first, ending with the catch-all.
func didVariants(dialed, region string) []string {
	var variants []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			variants = append(variants, s)
		}
	}

	if num, err := phonenumbers.Parse(dialed, region); err == nil {
		add(phonenumbers.Format(num, phonenumbers.E164))
	}
	add(dialed)
	if strings.HasPrefix(dialed, "+") {
		add(dialed[1:])
	} else {
		add("+" + dialed)
	}
	add("*")
	return variants
}

// clientApplication resolves the voice application configured on a client.
func (r *CallRouter) clientApplication(ctx context.Context, client *models.Client, legID string) (interp.StartRequest, bool) {
	start := interp.StartRequest{
		AccountID:  client.AccountID,
		APIVersion: r.opts.APIVersion,
		LegID:      legID,
	}

	if client.VoiceApplicationID != nil {
		app, err := r.apps.GetByID(ctx, *client.VoiceApplicationID)
		if err != nil {
			r.logger.Error("application lookup failed", "id", *client.VoiceApplicationID, "error", err)
		}
		if app != nil {
			start.URL = app.VoiceURL
			start.Method = app.VoiceMethod
			start.FallbackURL = app.VoiceFallbackURL
			start.FallbackMethod = app.VoiceFallbackMethod
			return start, true
		}
	}
	if client.VoiceURL != "" {
		start.URL = client.VoiceURL
		start.Method = client.VoiceMethod
		start.FallbackURL = client.VoiceFallbackURL
		start.FallbackMethod = client.VoiceFallbackMethod
		return start, true
	}
	return interp.StartRequest{}, false
}

// numberApplication resolves the voice application configured on a number.
func (r *CallRouter) numberApplication(ctx context.Context, number *models.IncomingNumber, legID string) (interp.StartRequest, bool) {
	start := interp.StartRequest{
		AccountID:            number.AccountID,
		APIVersion:           r.opts.APIVersion,
		LegID:                legID,
		StatusCallbackURL:    number.StatusCallbackURL,
		StatusCallbackMethod: number.StatusCallbackMethod,
	}

	if number.VoiceApplicationID != nil {
		app, err := r.apps.GetByID(ctx, *number.VoiceApplicationID)
		if err != nil {
			r.logger.Error("application lookup failed", "id", *number.VoiceApplicationID, "error", err)
		}
		if app != nil {
			start.URL = app.VoiceURL
			start.Method = app.VoiceMethod
			start.FallbackURL = app.VoiceFallbackURL
			start.FallbackMethod = app.VoiceFallbackMethod
			return start, true
		}
	}
	if number.VoiceURL != "" {
		start.URL = number.VoiceURL
		start.Method = number.VoiceMethod
		start.FallbackURL = number.VoiceFallbackURL
		start.FallbackMethod = number.VoiceFallbackMethod
		return start, true
	}
	return interp.StartRequest{}, false
}

// startInterpreter builds and starts a voice-application run on a leg.
func (r *CallRouter) startInterpreter(leg *CallLeg, start interp.StartRequest, logger *slog.Logger) {
	if r.builder == nil {
		logger.Error("no interpreter builder configured")
		return
	}
	if start.Method == "" {
		start.Method = "POST"
	}
	if start.FallbackURL != "" && start.FallbackMethod == "" {
		start.FallbackMethod = "POST"
	}
	runner, err := r.builder.Build(start)
	if err != nil {
		logger.Error("failed to build interpreter", "error", err)
		return
	}
	leg.Deliver(func(l *CallLeg) {
		l.Runner = runner
		if err := runner.Start(context.Background()); err != nil {
			logger.Error("failed to start interpreter", "error", err)
		}
	})
}

// isWebRTCRequest applies the same classification the registrar uses to the
// INVITE itself.
func (r *CallRouter) isWebRTCRequest(req *sip.Request) bool {
	transport := parseTransport(req)
	if transport == "ws" || transport == "wss" {
		return true
	}
	sig := strings.ToLower(r.opts.MobileUASig)
	if sig == "" {
		return false
	}
	if h := req.GetHeader("User-Agent"); h != nil {
		return strings.Contains(strings.ToLower(h.Value()), sig)
	}
	return false
}

// validSessionBody reports whether the INVITE carries a usable body: non-empty,
// and parseable as a session description when the Content-Type says it is one.
func validSessionBody(req *sip.Request) bool {
	body := req.Body()
	if len(body) == 0 {
		return false
	}
	if !strings.Contains(strings.ToLower(contentTypeOf(req)), "sdp") {
		return true
	}
	desc := &sdp.SessionDescription{}
	return desc.Unmarshal(body) == nil
}

func contentTypeOf(req *sip.Request) string {
	if ct := req.ContentType(); ct != nil {
		return ct.Value()
	}
	return ""
}

// callerTarget derives where in-dialog requests toward the caller go: the
// INVITE's Contact, rewritten with the observed source address when it
// names a host we could never reach back.
func callerTarget(req *sip.Request) *sip.Uri {
	contact := req.Contact()
	if contact == nil || contact.Address.Wildcard {
		return nil
	}
	uri := *contact.Address.Clone()
	if hostNeedsPatch(uri.Host) {
		sourceIP, sourcePort := parseSource(req)
		host, port := patchSource(req, sourceIP, sourcePort)
		patchURI(&uri, host, port)
	}
	return &uri
}

// setInboundDialog records the caller-facing dialog identity once the call
// is answered. Requests we originate toward the caller carry our answered
// To identity as From and address the caller's From, with a local CSeq
// numbering that starts fresh.
func setInboundDialog(leg *CallLeg, req *sip.Request, answer *sip.Response) {
	remote := req.From()
	local := answer.To()
	if remote == nil || local == nil {
		return
	}
	from := &sip.FromHeader{
		DisplayName: local.DisplayName,
		Address:     *local.Address.Clone(),
		Params:      local.Params.Clone(),
	}
	to := &sip.ToHeader{
		DisplayName: remote.DisplayName,
		Address:     *remote.Address.Clone(),
		Params:      remote.Params.Clone(),
	}
	leg.SetDialog(from, to, 0)
}

func respondStatus(tx sip.ServerTransaction, req *sip.Request, status int, reason string, logger *slog.Logger) {
	res := sip.NewResponseFromRequest(req, status, reason, nil)
	if err := tx.Respond(res); err != nil {
		logger.Error("failed to send response", "status", status, "error", err)
	}
}

// createCallRecord opens the record for a new inbound call.
func (r *CallRouter) createCallRecord(ctx context.Context, req *sip.Request, leg *CallLeg) {
	if r.callRecords == nil {
		return
	}
	rec := &models.CallRecord{
		CallSid:   uuid.NewString(),
		CallID:    leg.CallID,
		From:      req.From().Address.String(),
		To:        req.To().Address.String(),
		Direction: leg.Direction,
		Status:    models.CallStatusRinging,
		StartTime: time.Now(),
	}
	if err := r.callRecords.Create(ctx, rec); err != nil {
		r.logger.Error("failed to create call record", "call_id", leg.CallID, "error", err)
	}
}

func (r *CallRouter) answerCallRecord(ctx context.Context, callID string) {
	r.updateCallRecord(ctx, callID, func(rec *models.CallRecord) {
		now := time.Now()
		rec.Status = models.CallStatusInProgress
		rec.AnswerTime = &now
	})
}

func (r *CallRouter) failCallRecord(ctx context.Context, callID string) {
	r.updateCallRecord(ctx, callID, func(rec *models.CallRecord) {
		now := time.Now()
		rec.Status = models.CallStatusFailed
		rec.EndTime = &now
	})
}

func (r *CallRouter) updateCallRecord(ctx context.Context, callID string, mutate func(*models.CallRecord)) {
	if r.callRecords == nil {
		return
	}
	rec, err := r.callRecords.GetByCallID(ctx, callID)
	if err != nil || rec == nil {
		return
	}
	mutate(rec)
	if err := r.callRecords.Update(ctx, rec); err != nil {
		r.logger.Error("failed to update call record", "call_id", callID, "error", err)
	}
}

// handleCommand serves one call-control command.
func (r *CallRouter) handleCommand(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case CreateCallCommand:
		r.handleCreateCall(ctx, c)
	case ExecuteScriptCommand:
		r.handleExecuteScript(c)
	case UpdateScriptCommand:
		r.handleUpdateScript(ctx, c)
	case GetCallCommand:
		r.handleGetCall(c)
	case GetActiveProxyCommand:
		r.handleGetActiveProxy(c)
	case SwitchProxyCommand:
		r.handleSwitchProxy(ctx, c)
	case GetProxiesCommand:
		r.handleGetProxies(c)
	default:
		r.logger.Error("unknown command", "type", fmt.Sprintf("%T", cmd))
	}
}

func (r *CallRouter) handleCreateCall(ctx context.Context, cmd CreateCallCommand) {
	// Dialing blocks on the far end; it must not stall the command loop.
	go func() {
		if cmd.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(cmd.Timeout)*time.Second)
			defer cancel()
		}

		dial := DialRequest{Caller: cmd.From}

		var result *DialResult
		var err error
		switch {
		case strings.HasPrefix(cmd.To, "client:"):
			result, err = r.dispatcher.DialClient(ctx, strings.TrimPrefix(cmd.To, "client:"), dial, nil)
			if errors.Is(err, ErrNoRegistrations) {
				r.notifier.Warn(ctx, codeUnregisteredClient,
					fmt.Sprintf("cannot call unregistered client %s", strings.TrimPrefix(cmd.To, "client:")))
			}
		case strings.Contains(cmd.To, "@"):
			result, err = r.dispatcher.DialURI(ctx, cmd.To, dial, nil)
		default:
			result, err = r.dispatcher.DialNumber(ctx, cmd.To, dial, nil)
			if errors.Is(err, ErrNoActiveProxy) {
				r.notifier.Warn(ctx, codeMissingProxyConfig, "create-call requires a configured proxy")
			}
		}

		if err != nil {
			cmd.Reply <- CreateCallResult{Err: err}
			return
		}
		if result.Leg == nil || !result.Leg.Answered() {
			status := 0
			if result.Response != nil {
				status = result.Response.StatusCode
			}
			cmd.Reply <- CreateCallResult{Err: fmt.Errorf("call not answered (status %d)", status)}
			return
		}

		if cmd.VoiceURL != "" {
			r.startInterpreter(result.Leg, interp.StartRequest{
				AccountID:  cmd.AccountID,
				APIVersion: r.opts.APIVersion,
				URL:        cmd.VoiceURL,
				Method:     cmd.VoiceMethod,
				LegID:      result.Leg.ID,
			}, r.logger)
		}

		cmd.Reply <- CreateCallResult{LegID: result.Leg.ID, CallSid: uuid.NewString()}
	}()
}

func (r *CallRouter) handleExecuteScript(cmd ExecuteScriptCommand) {
	leg, ok := r.legs.Get(cmd.LegID)
	if !ok {
		cmd.Reply <- fmt.Errorf("no such call leg %q", cmd.LegID)
		return
	}
	r.startInterpreter(leg, interp.StartRequest{
		APIVersion: r.opts.APIVersion,
		URL:        cmd.VoiceURL,
		Method:     cmd.VoiceMethod,
		LegID:      leg.ID,
	}, r.logger)
	cmd.Reply <- nil
}

// handleUpdateScript swaps the application driving a live call. The current
// observers and the paired leg come from the running application with a
// bounded wait; then observation stops, the old run is torn down, and the
// new run is scheduled with a short delay so in-flight signaling drains
// first.
func (r *CallRouter) handleUpdateScript(ctx context.Context, cmd UpdateScriptCommand) {
	leg, ok := r.legs.Get(cmd.LegID)
	if !ok {
		cmd.Reply <- fmt.Errorf("no such call leg %q", cmd.LegID)
		return
	}

	fetchCtx, cancel := context.WithTimeout(ctx, interp.ObserverFetchWait)
	defer cancel()

	v, err := leg.Ask(fetchCtx, func(l *CallLeg) any { return l.Runner })
	if err != nil {
		cmd.Reply <- fmt.Errorf("fetching call state for %q: %w", cmd.LegID, err)
		return
	}
	runner, _ := v.(interp.Runner)

	var related *CallLeg
	if runner != nil {
		observers, err := runner.Observers(fetchCtx, interp.ObserverFetchWait)
		if err != nil {
			cmd.Reply <- fmt.Errorf("fetching observers for %q: %w", cmd.LegID, err)
			return
		}

		relatedID, err := runner.RelatedLeg(fetchCtx, interp.ObserverFetchWait)
		if err != nil {
			cmd.Reply <- fmt.Errorf("fetching paired leg for %q: %w", cmd.LegID, err)
			return
		}
		if relatedID != "" {
			if rl, ok := r.legs.Get(relatedID); ok {
				related = rl
			}
		}

		r.logger.Debug("stopping current application run",
			"leg_id", leg.ID,
			"observers", len(observers),
			"related_leg", relatedID,
		)
		runner.StopObserving()
		runner.Stop()
	}

	// The paired leg's own run is torn down too; the command decides below
	// whether the leg follows the new script or gets hung up.
	if related != nil {
		if v, err := related.Ask(fetchCtx, func(l *CallLeg) any { return l.Runner }); err == nil {
			if pr, ok := v.(interp.Runner); ok && pr != nil {
				pr.StopObserving()
				pr.Stop()
			}
		}
	}

	start := interp.StartRequest{
		APIVersion: r.opts.APIVersion,
		URL:        cmd.VoiceURL,
		Method:     cmd.VoiceMethod,
		LegID:      leg.ID,
	}
	time.AfterFunc(interp.RestartDelayFirstLeg, func() {
		r.startInterpreter(leg, start, r.logger)
	})

	if related != nil {
		if cmd.MoveConnectedLeg {
			relatedStart := start
			relatedStart.LegID = related.ID
			time.AfterFunc(interp.RestartDelayPairedLeg, func() {
				r.startInterpreter(related, relatedStart, r.logger)
			})
		} else {
			if err := r.links.sendByeTo(ctx, related); err != nil {
				r.logger.Warn("failed to hang up paired leg", "leg_id", related.ID, "error", err)
			}
			related.Fire(eventComplete)
			r.legs.Remove(related.ID)
		}
	}

	cmd.Reply <- nil
}

func (r *CallRouter) handleGetCall(cmd GetCallCommand) {
	leg, ok := r.legs.Get(cmd.LegID)
	if !ok {
		cmd.Reply <- nil
		return
	}
	cmd.Reply <- &CallInfo{
		LegID:     leg.ID,
		CallID:    leg.CallID,
		Direction: leg.Direction,
		State:     leg.State(),
		RelatedID: leg.RelatedID,
	}
}

func (r *CallRouter) handleGetActiveProxy(cmd GetActiveProxyCommand) {
	proxy, err := r.proxies.Active()
	if err != nil {
		cmd.Reply <- ProxyInfo{Err: err}
		return
	}
	cmd.Reply <- ProxyInfo{
		URI:         proxy.URI,
		Active:      true,
		FailedCalls: r.proxies.FailedCalls(),
	}
}

func (r *CallRouter) handleSwitchProxy(ctx context.Context, cmd SwitchProxyCommand) {
	r.proxies.Switch(ctx)
	r.handleGetActiveProxy(GetActiveProxyCommand{Reply: cmd.Reply})
}

func (r *CallRouter) handleGetProxies(cmd GetProxiesCommand) {
	var infos []ProxyInfo
	for _, p := range r.proxies.Proxies() {
		info := ProxyInfo{URI: p.URI, Active: r.proxies.IsActive(p.URI)}
		if info.Active {
			info.FailedCalls = r.proxies.FailedCalls()
		}
		infos = append(infos, info)
	}
	cmd.Reply <- infos
}
