package sip

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/models"
)

// Link joins the two legs of a back-to-back call. In-dialog signaling seen
// on one leg is re-issued on the other.
type Link struct {
	Inbound  *CallLeg
	Outbound *CallLeg
}

// Peer returns the other leg of the link for a given SIP Call-ID.
func (l *Link) Peer(callID string) *CallLeg {
	if l.Inbound != nil && l.Inbound.CallID == callID {
		return l.Outbound
	}
	return l.Inbound
}

// Leg returns the link's leg carrying the given Call-ID.
func (l *Link) Leg(callID string) *CallLeg {
	if l.Inbound != nil && l.Inbound.CallID == callID {
		return l.Inbound
	}
	return l.Outbound
}

// LinkManager stores active B2BUA links and relays in-dialog signaling
// between their legs.
type LinkManager struct {
	mu       sync.RWMutex
	byCallID map[string]*Link

	client      *sipgo.Client
	callRecords database.CallRecordRepository
	proxies     *ProxyFailoverController
	logger      *slog.Logger
}

// NewLinkManager creates an empty link store.
func NewLinkManager(client *sipgo.Client, callRecords database.CallRecordRepository, proxies *ProxyFailoverController, logger *slog.Logger) *LinkManager {
	return &LinkManager{
		byCallID:    make(map[string]*Link),
		client:      client,
		callRecords: callRecords,
		proxies:     proxies,
		logger:      logger.With("subsystem", "b2bua"),
	}
}

// Join links two legs. Both Call-IDs resolve to the same link afterwards.
func (m *LinkManager) Join(inbound, outbound *CallLeg) *Link {
	link := &Link{Inbound: inbound, Outbound: outbound}
	inbound.RelatedID = outbound.ID
	outbound.RelatedID = inbound.ID

	m.mu.Lock()
	m.byCallID[inbound.CallID] = link
	m.byCallID[outbound.CallID] = link
	m.mu.Unlock()

	m.logger.Debug("legs linked",
		"inbound_call_id", inbound.CallID,
		"outbound_call_id", outbound.CallID,
	)
	return link
}

// Find returns the link carrying the given Call-ID.
func (m *LinkManager) Find(callID string) (*Link, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.byCallID[callID]
	return link, ok
}

// Drop removes a link from the store.
func (m *LinkManager) Drop(link *Link) {
	m.mu.Lock()
	if link.Inbound != nil {
		delete(m.byCallID, link.Inbound.CallID)
	}
	if link.Outbound != nil {
		delete(m.byCallID, link.Outbound.CallID)
	}
	m.mu.Unlock()
}

// Count returns the number of active links.
func (m *LinkManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byCallID) / 2
}

// RelayBye handles a BYE on a linked dialog: the call record is finalized,
// the originator gets its 200 OK, and a fresh BYE goes out on the peer leg.
func (m *LinkManager) RelayBye(req *sip.Request, tx sip.ServerTransaction) bool {
	callID := callIDOf(req)
	link, ok := m.Find(callID)
	if !ok {
		return false
	}

	ctx := context.Background()
	m.completeCallRecord(ctx, link)

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		m.logger.Error("failed to answer bye", "call_id", callID, "error", err)
	}

	if leg := link.Leg(callID); leg != nil {
		leg.Fire(eventComplete)
	}
	if peer := link.Peer(callID); peer != nil {
		if err := m.sendByeTo(ctx, peer); err != nil {
			m.logger.Warn("failed to relay bye", "call_id", peer.CallID, "error", err)
		}
		peer.Fire(eventComplete)
	}

	m.Drop(link)
	m.logger.Info("call torn down", "call_id", callID)
	return true
}

// RelayCancel handles a CANCEL from the caller while the call is being set
// up. The peer leg gets a CANCEL while it is still unanswered and was never
// challenged; after either of those, only a BYE tears it down.
func (m *LinkManager) RelayCancel(req *sip.Request, tx sip.ServerTransaction) bool {
	callID := callIDOf(req)
	link, ok := m.Find(callID)
	if !ok {
		return false
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		m.logger.Error("failed to answer cancel", "call_id", callID, "error", err)
	}

	ctx := context.Background()
	leg := link.Leg(callID)
	peer := link.Peer(callID)

	if leg != nil {
		// The canceled inbound INVITE gets its 487.
		if leg.ServerTx != nil && leg.Request != nil {
			terminated := sip.NewResponseFromRequest(leg.Request, 487, "Request Terminated", nil)
			if err := leg.ServerTx.Respond(terminated); err != nil {
				m.logger.Debug("failed to send 487", "call_id", callID, "error", err)
			}
		}
		leg.Fire(eventCancel)
	}

	if peer != nil {
		if peer.Unanswered() && !peer.Challenged {
			if err := m.sendCancelTo(ctx, peer); err != nil {
				m.logger.Warn("failed to relay cancel", "call_id", peer.CallID, "error", err)
			}
			peer.Fire(eventCancel)
		} else {
			if err := m.sendByeTo(ctx, peer); err != nil {
				m.logger.Warn("failed to relay bye for cancel", "call_id", peer.CallID, "error", err)
			}
			peer.Fire(eventComplete)
		}
	}

	m.cancelCallRecord(ctx, link)
	m.Drop(link)
	return true
}

// RelayInfo forwards an in-dialog INFO (DTMF and the like) to the peer leg.
func (m *LinkManager) RelayInfo(req *sip.Request, tx sip.ServerTransaction) bool {
	callID := callIDOf(req)
	link, ok := m.Find(callID)
	if !ok {
		return false
	}

	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	if err := tx.Respond(res); err != nil {
		m.logger.Error("failed to answer info", "call_id", callID, "error", err)
	}

	peer := link.Peer(callID)
	if peer == nil {
		return true
	}

	fwd, err := m.dialogRequest(peer, sip.INFO)
	if err != nil {
		m.logger.Warn("cannot relay info", "call_id", peer.CallID, "error", err)
		return true
	}
	if len(req.Body()) > 0 {
		fwd.SetBody(req.Body())
		if ct := req.ContentType(); ct != nil {
			fwd.AppendHeader(sip.HeaderClone(ct))
		}
	}

	fwdTx, err := m.client.TransactionRequest(context.Background(), fwd, sipgo.ClientRequestBuild)
	if err != nil {
		m.logger.Warn("failed to relay info", "call_id", peer.CallID, "error", err)
		return true
	}
	fwdTx.Terminate()
	return true
}

// RelayAck forwards an ACK to the peer leg. ACKs are not transactional, so
// this is a one-way write.
func (m *LinkManager) RelayAck(req *sip.Request) bool {
	callID := callIDOf(req)
	link, ok := m.Find(callID)
	if !ok {
		return false
	}

	peer := link.Peer(callID)
	if peer == nil {
		return true
	}

	ack, err := m.dialogRequest(peer, sip.ACK)
	if err != nil {
		m.logger.Debug("cannot relay ack", "call_id", peer.CallID, "error", err)
		return true
	}
	if err := m.client.WriteRequest(ack); err != nil {
		m.logger.Debug("failed to relay ack", "call_id", peer.CallID, "error", err)
	}
	return true
}

// RetryWithProxyAuth answers a 401/407 on an outbound leg by re-issuing the
// original request with the active proxy's digest credentials. The body and
// content type are preserved by the clone.
func (m *LinkManager) RetryWithProxyAuth(ctx context.Context, leg *CallLeg, challenge *sip.Response) (*sip.Response, error) {
	proxy, err := m.proxies.Active()
	if err != nil {
		return nil, err
	}

	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	h := challenge.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("challenge without %s header", authHeader)
	}

	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   leg.Request.Method.String(),
		URI:      leg.Request.Recipient.String(),
		Username: proxy.User,
		Password: proxy.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := leg.Request.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	leg.Challenged = true

	tx, err := m.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, fmt.Errorf("re-sending challenged request: %w", err)
	}
	defer tx.Terminate()

	res, err := finalResponse(ctx, tx)
	if err != nil {
		return nil, err
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		confirmDialog(leg, authReq, res)
	}
	return res, nil
}

func (m *LinkManager) sendByeTo(ctx context.Context, leg *CallLeg) error {
	bye, err := m.dialogRequest(leg, sip.BYE)
	if err != nil {
		return err
	}

	tx, err := m.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending bye: %w", err)
	}
	tx.Terminate()
	return nil
}

func (m *LinkManager) sendCancelTo(ctx context.Context, leg *CallLeg) error {
	cancelReq := cancelRequestFor(leg.Request)

	tx, err := m.client.TransactionRequest(ctx, cancelReq, sipgo.ClientRequestBuild)
	if err != nil {
		return fmt.Errorf("sending cancel: %w", err)
	}
	tx.Terminate()
	return nil
}

// dialogRequest builds an in-dialog request toward a leg's remote target,
// carrying the dialog's From, To, Call-ID, and CSeq so the remote endpoint
// can match it to the dialog instead of answering 481.
func (m *LinkManager) dialogRequest(leg *CallLeg, method sip.RequestMethod) (*sip.Request, error) {
	if leg.RemoteTarget == nil {
		return nil, fmt.Errorf("leg %s has no remote target", leg.ID)
	}
	from, to, seq, ok := leg.DialogIdentity(method)
	if !ok {
		return nil, fmt.Errorf("leg %s has no established dialog", leg.ID)
	}

	req := sip.NewRequest(method, *leg.RemoteTarget)
	if leg.Request != nil {
		req.SetTransport(leg.Request.Transport())
	}
	callID := sip.CallIDHeader(leg.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(from)
	req.AppendHeader(to)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: method})
	return req, nil
}

// cancelRequestFor builds a CANCEL for a pending INVITE per RFC 3261 9.1:
// same Request-URI, Call-ID, From, and To, with the INVITE's CSeq number
// and the method swapped.
func cancelRequestFor(invite *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, invite.Recipient)
	cancelReq.SetTransport(invite.Transport())
	if h := invite.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := invite.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancelReq.AppendHeader(cseq)
	}
	return cancelReq
}

// completeCallRecord finalizes the call record for a torn-down call.
func (m *LinkManager) completeCallRecord(ctx context.Context, link *Link) {
	if m.callRecords == nil || link.Inbound == nil {
		return
	}
	rec, err := m.callRecords.GetByCallID(ctx, link.Inbound.CallID)
	if err != nil || rec == nil {
		return
	}

	now := time.Now()
	rec.Status = models.CallStatusCompleted
	rec.EndTime = &now
	start := rec.StartTime
	if rec.AnswerTime != nil {
		start = *rec.AnswerTime
	}
	duration := int(now.Sub(start).Seconds())
	rec.Duration = &duration

	if err := m.callRecords.Update(ctx, rec); err != nil {
		m.logger.Error("failed to finalize call record", "call_sid", rec.CallSid, "error", err)
	}
}

// cancelCallRecord marks the call record canceled before answer.
func (m *LinkManager) cancelCallRecord(ctx context.Context, link *Link) {
	if m.callRecords == nil || link.Inbound == nil {
		return
	}
	rec, err := m.callRecords.GetByCallID(ctx, link.Inbound.CallID)
	if err != nil || rec == nil {
		return
	}
	now := time.Now()
	rec.Status = models.CallStatusCanceled
	rec.EndTime = &now
	if err := m.callRecords.Update(ctx, rec); err != nil {
		m.logger.Error("failed to mark call record canceled", "call_sid", rec.CallSid, "error", err)
	}
}

// callIDOf extracts the Call-ID value from a request.
func callIDOf(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}
