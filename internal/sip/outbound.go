package sip

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/models"
)

var (
	// ErrNoRegistrations is returned when a callee client has no live binding
	// this node can reach.
	ErrNoRegistrations = errors.New("no reachable registrations for client")

	// ErrAddressResolution is returned when a dial target cannot be parsed
	// or resolved.
	ErrAddressResolution = errors.New("cannot resolve dial target")
)

// DispatchOptions carries the node identity and the From-header policy for
// outbound legs.
type DispatchOptions struct {
	InstanceID string
	HostIP     string
	MediaIP    string

	UseLocalAddress       bool
	ProxyUserAtFromHeader bool
	UserAtDisplayedName   bool
}

// DialRequest is the caller-side context an outbound leg is built from.
type DialRequest struct {
	// Caller is the calling party value: a client login, a number, or a
	// full SIP URI.
	Caller string

	Body        []byte
	ContentType string
}

// DialResult is the outcome of an outbound dial attempt.
type DialResult struct {
	// Leg is the answered outbound leg. Nil when no binding answered.
	Leg *CallLeg

	// Response is the winning 2xx, or the last final response on failure.
	Response *sip.Response
}

// Dispatcher originates outbound call legs: parallel fan-out to a client's
// bindings, a number through the active proxy, or a raw SIP URI.
type Dispatcher struct {
	client        *sipgo.Client
	registrations database.RegistrationRepository
	proxies       *ProxyFailoverController
	legs          *LegRegistry
	opts          DispatchOptions
	logger        *slog.Logger
}

// NewDispatcher creates an outbound call dispatcher.
func NewDispatcher(
	client *sipgo.Client,
	registrations database.RegistrationRepository,
	proxies *ProxyFailoverController,
	legs *LegRegistry,
	opts DispatchOptions,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		client:        client,
		registrations: registrations,
		proxies:       proxies,
		legs:          legs,
		opts:          opts,
		logger:        logger.With("subsystem", "dispatcher"),
	}
}

// eligibleBindings filters a client's bindings down to the ones this node
// can deliver to. WebRTC bindings ride connections a single node owns, so
// ones accepted by another instance are skipped.
func eligibleBindings(regs []models.Registration, instanceID string) []models.Registration {
	out := regs[:0:0]
	for _, reg := range regs {
		if reg.WebRTC && reg.InstanceID != instanceID {
			continue
		}
		out = append(out, reg)
	}
	return out
}

// hostOf extracts the host from a proxy target like "sip.provider.com:5060"
// or "sip:user@sip.provider.com:5060".
func hostOf(target string) string {
	s := target
	if strings.HasPrefix(s, "sips:") {
		s = s[len("sips:"):]
	} else if strings.HasPrefix(s, "sip:") {
		s = s[len("sip:"):]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		return host
	}
	return s
}

// routesViaProxy reports whether a dial target host belongs to this node,
// which means the user part is a number to send through the active proxy.
func (o DispatchOptions) routesViaProxy(toHost string) bool {
	return toHost == o.HostIP || toHost == o.MediaIP
}

// fromAddress builds the From URI and display name for a leg leaving through
// the proxy. A caller value already shaped like an address is used verbatim;
// otherwise policy flags pick the user and host.
func fromAddress(caller string, proxy *Proxy, o DispatchOptions) (uri, display string) {
	if o.UserAtDisplayedName && !strings.HasPrefix(caller, "sip:") && !strings.HasPrefix(caller, "sips:") {
		display = caller
	}

	if strings.Contains(caller, "@") {
		if strings.HasPrefix(caller, "sip:") || strings.HasPrefix(caller, "sips:") {
			return caller, display
		}
		return "sip:" + caller, display
	}

	proxyHost := ""
	if proxy != nil {
		proxyHost = hostOf(proxy.URI)
	}

	switch {
	case o.UseLocalAddress:
		return fmt.Sprintf("sip:%s@%s", caller, o.MediaIP), display
	case o.ProxyUserAtFromHeader && proxy != nil && proxy.User != "":
		return fmt.Sprintf("sip:%s@%s", proxy.User, proxyHost), display
	case caller == "":
		return "sip:" + proxyHost, display
	default:
		return fmt.Sprintf("sip:%s@%s", caller, proxyHost), display
	}
}

// DialClient rings every reachable binding of a registered client in
// parallel. Provisionals from the fastest leg flow through onProgress; the
// first 2xx wins and the rest are canceled.
func (d *Dispatcher) DialClient(ctx context.Context, name string, dial DialRequest, onProgress func(*sip.Response)) (*DialResult, error) {
	regs, err := d.registrations.GetByUser(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("looking up registrations for %q: %w", name, err)
	}
	regs = eligibleBindings(regs, d.opts.InstanceID)
	if len(regs) == 0 {
		return nil, ErrNoRegistrations
	}

	fanCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type legResponse struct {
		leg *CallLeg
		res *sip.Response
		err error
	}

	from := fmt.Sprintf("sip:%s@%s", dial.Caller, d.opts.HostIP)
	legs := make([]*CallLeg, 0, len(regs))
	responseCh := make(chan legResponse, len(regs)*4)
	var wg sync.WaitGroup

	for i := range regs {
		leg, err := d.sendInvite(fanCtx, bindingRecipient(&regs[i]), transportForRegistration(&regs[i]), from, "", dial)
		if err != nil {
			d.logger.Warn("failed to start fan-out leg",
				"client", name,
				"contact", regs[i].ContactURI,
				"error", err,
			)
			continue
		}
		legs = append(legs, leg)

		wg.Add(1)
		go func(l *CallLeg) {
			defer wg.Done()
			for {
				select {
				case <-fanCtx.Done():
					return
				case <-l.ClientTx.Done():
					if err := l.ClientTx.Err(); err != nil {
						responseCh <- legResponse{leg: l, err: err}
					}
					return
				case res, ok := <-l.ClientTx.Responses():
					if !ok {
						return
					}
					responseCh <- legResponse{leg: l, res: res}
					if res.StatusCode >= 200 {
						return
					}
				}
			}
		}(leg)
	}

	if len(legs) == 0 {
		return nil, ErrNoRegistrations
	}

	go func() {
		wg.Wait()
		close(responseCh)
	}()

	var winner *CallLeg
	var winnerRes *sip.Response
	var lastFinal *sip.Response
	finals := 0
	progressed := false

	for lr := range responseCh {
		if lr.err != nil {
			lr.leg.Fire(eventFail)
			finals++
			if finals >= len(legs) {
				break
			}
			continue
		}

		res := lr.res
		switch {
		case res.StatusCode < 200:
			if res.StatusCode != 100 {
				lr.leg.Fire(eventProceed)
				if !progressed && onProgress != nil {
					progressed = true
					onProgress(res)
				}
			}
		case res.StatusCode < 300:
			confirmDialog(lr.leg, lr.leg.Request, res)
			lr.leg.Fire(eventAnswer)
			winner = lr.leg
			winnerRes = res
		default:
			if res.StatusCode == 401 || res.StatusCode == 407 {
				lr.leg.Challenged = true
			}
			lr.leg.Fire(eventFail)
			lastFinal = res
			finals++
		}
		if winner != nil || finals >= len(legs) {
			break
		}
	}

	cancel()
	for _, leg := range legs {
		if leg == winner {
			continue
		}
		d.cancelLeg(leg)
		leg.ClientTx.Terminate()
		d.legs.Remove(leg.ID)
	}

	if winner == nil {
		return &DialResult{Response: lastFinal}, ErrNoRegistrations
	}

	d.logger.Info("client leg answered",
		"client", name,
		"call_id", winner.CallID,
		"target", winner.Request.Recipient.String(),
	)
	return &DialResult{Leg: winner, Response: winnerRes}, nil
}

// DialNumber sends a number out through the active proxy.
func (d *Dispatcher) DialNumber(ctx context.Context, number string, dial DialRequest, onProgress func(*sip.Response)) (*DialResult, error) {
	proxy, err := d.proxies.Active()
	if err != nil {
		return nil, err
	}

	recipient := fmt.Sprintf("sip:%s@%s", number, proxy.URI)
	var uri sip.Uri
	if err := sip.ParseUri(recipient, &uri); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrAddressResolution, recipient)
	}

	from, display := fromAddress(dial.Caller, proxy, d.opts)
	return d.dialOne(ctx, uri, "UDP", from, display, dial, onProgress)
}

// DialURI sends an INVITE straight to a raw SIP URI, bypassing the proxy.
func (d *Dispatcher) DialURI(ctx context.Context, target string, dial DialRequest, onProgress func(*sip.Response)) (*DialResult, error) {
	if !strings.HasPrefix(target, "sip:") && !strings.HasPrefix(target, "sips:") {
		target = "sip:" + target
	}
	var uri sip.Uri
	if err := sip.ParseUri(target, &uri); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrAddressResolution, target)
	}
	if hostNeedsPatch(uri.Host) {
		return nil, fmt.Errorf("%w: %q", ErrAddressResolution, target)
	}

	from, display := fromAddress(dial.Caller, nil, d.opts)
	return d.dialOne(ctx, uri, "UDP", from, display, dial, onProgress)
}

// dialOne runs a single outbound leg to a final response.
func (d *Dispatcher) dialOne(ctx context.Context, recipient sip.Uri, transport, from, display string, dial DialRequest, onProgress func(*sip.Response)) (*DialResult, error) {
	leg, err := d.sendInvite(ctx, recipient, transport, from, display, dial)
	if err != nil {
		return nil, err
	}

	for {
		res, err := getResponse(ctx, leg.ClientTx)
		if err != nil {
			leg.Fire(eventFail)
			d.legs.Remove(leg.ID)
			return nil, fmt.Errorf("waiting for invite response: %w", err)
		}

		switch {
		case res.StatusCode < 200:
			if res.StatusCode != 100 {
				leg.Fire(eventProceed)
				if onProgress != nil {
					onProgress(res)
				}
			}
		case res.StatusCode < 300:
			confirmDialog(leg, leg.Request, res)
			leg.Fire(eventAnswer)
			return &DialResult{Leg: leg, Response: res}, nil
		default:
			if res.StatusCode == 401 || res.StatusCode == 407 {
				leg.Challenged = true
			}
			leg.Fire(eventFail)
			return &DialResult{Leg: leg, Response: res}, nil
		}
	}
}

// sendInvite builds and sends one outbound INVITE and registers its leg.
func (d *Dispatcher) sendInvite(ctx context.Context, recipient sip.Uri, transport, from, display string, dial DialRequest) (*CallLeg, error) {
	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(transport)

	var fromURI sip.Uri
	if err := sip.ParseUri(from, &fromURI); err != nil {
		return nil, fmt.Errorf("%w: from %q", ErrAddressResolution, from)
	}
	fromHeader := &sip.FromHeader{
		DisplayName: display,
		Address:     fromURI,
		Params:      sip.NewParams(),
	}
	fromHeader.Params.Add("tag", newTag())
	req.AppendHeader(fromHeader)
	req.AppendHeader(&sip.ToHeader{Address: sip.Uri{
		Scheme: recipient.Scheme,
		User:   recipient.User,
		Host:   recipient.Host,
	}})

	if len(dial.Body) > 0 {
		req.SetBody(dial.Body)
		ct := dial.ContentType
		if ct == "" {
			ct = "application/sdp"
		}
		ctHeader := sip.ContentTypeHeader(ct)
		req.AppendHeader(&ctHeader)
	}

	tx, err := d.client.TransactionRequest(ctx, req, sipgo.ClientRequestBuild)
	if err != nil {
		return nil, fmt.Errorf("sending invite to %s: %w", recipient.String(), err)
	}

	callID := ""
	if cid := req.CallID(); cid != nil {
		callID = cid.Value()
	}

	leg := newCallLeg(callID, DirectionOutbound, req, d.logger)
	leg.ClientTx = tx
	leg.RemoteTarget = &recipient
	d.legs.Add(leg)
	return leg, nil
}

// cancelLeg sends a best-effort CANCEL for an unanswered fan-out leg.
func (d *Dispatcher) cancelLeg(leg *CallLeg) {
	if !leg.Unanswered() {
		return
	}
	cancelReq := cancelRequestFor(leg.Request)

	tx, err := d.client.TransactionRequest(context.Background(), cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		d.logger.Debug("failed to cancel fan-out leg",
			"target", leg.Request.Recipient.String(),
			"error", err,
		)
		return
	}
	tx.Terminate()
	leg.Fire(eventCancel)
}

// bindingRecipient builds the Request-URI for a binding, preferring the
// observed transport source over the advertised Contact host for NATed
// endpoints.
func bindingRecipient(reg *models.Registration) sip.Uri {
	var uri sip.Uri
	if err := sip.ParseUri(reg.ContactURI, &uri); err != nil {
		return sip.Uri{User: reg.User, Host: reg.SourceIP, Port: reg.SourcePort}
	}
	if hostNeedsPatch(uri.Host) && reg.SourceIP != "" && reg.SourcePort > 0 {
		uri.Host = reg.SourceIP
		uri.Port = reg.SourcePort
	}
	return uri
}

// confirmDialog records the dialog identity a 2xx answer establishes on a
// leg we originated. The response Contact, when present, replaces the
// dialed URI as the remote target for in-dialog requests.
func confirmDialog(leg *CallLeg, invite *sip.Request, res *sip.Response) {
	from := invite.From()
	to := res.To()
	if from == nil || to == nil {
		return
	}
	var seq uint32
	if cseq := invite.CSeq(); cseq != nil {
		seq = cseq.SeqNo
	}
	leg.SetDialog(from, to, seq)
	if contact := res.Contact(); contact != nil && !contact.Address.Wildcard {
		leg.RemoteTarget = contact.Address.Clone()
	}
}

// newTag returns a short random dialog tag.
func newTag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
}
