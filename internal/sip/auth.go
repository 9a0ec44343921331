package sip

import (
	"context"
	"encoding/hex"
	"log/slog"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/icholy/digest"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/models"
)

const digestAlgoMD5 = "MD5"

// Authenticator verifies SIP digest credentials against the clients table.
// Challenges go out as 407 Proxy-Authenticate with the To-header host as the
// realm. A request that presented credentials is never re-challenged: bad
// credentials get a 403 (or, for INVITEs, are dropped without a response so
// scanners learn nothing).
type Authenticator struct {
	clients database.ClientRepository
	guard   *BruteForceGuard
	enabled bool
	logger  *slog.Logger
}

// NewAuthenticator creates a SIP digest authenticator. When enabled is false
// every request passes and the client is looked up by the To user only. A nil
// guard disables source blocking.
func NewAuthenticator(clients database.ClientRepository, guard *BruteForceGuard, enabled bool, logger *slog.Logger) *Authenticator {
	return &Authenticator{
		clients: clients,
		guard:   guard,
		enabled: enabled,
		logger:  logger.With("subsystem", "auth"),
	}
}

// newNonce derives a 31-character nonce from the hex encoding of a random UUID.
func newNonce() string {
	return hex.EncodeToString([]byte(uuid.NewString()))[:31]
}

// challenge sends a 407 Proxy Authentication Required with a fresh nonce.
func (a *Authenticator) challenge(req *sip.Request, tx sip.ServerTransaction) {
	chal := digest.Challenge{
		Realm:     req.To().Address.Host,
		Nonce:     newNonce(),
		Algorithm: digestAlgoMD5,
	}

	res := sip.NewResponseFromRequest(req, 407, "Proxy Authentication Required", nil)
	res.AppendHeader(sip.NewHeader("Proxy-Authenticate", chal.String()))

	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth challenge", "error", err)
	}
}

// credentials extracts digest credentials from the request, preferring
// Proxy-Authorization over Authorization.
func credentials(req *sip.Request) (*digest.Credentials, bool) {
	h := req.GetHeader("Proxy-Authorization")
	if h == nil {
		h = req.GetHeader("Authorization")
	}
	if h == nil {
		return nil, false
	}
	cred, err := digest.ParseCredentials(h.Value())
	if err != nil {
		return nil, false
	}
	return cred, true
}

// Verify authenticates the request and returns the matched client. A nil
// client with ok=false means the request was already answered (challenged or
// rejected) or silently dropped. When authentication is disabled the lookup
// still happens but never blocks the request.
func (a *Authenticator) Verify(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, silent bool) (*models.Client, bool) {
	user := req.From().Address.User

	if a.guard != nil && a.guard.IsBlocked(req.Source()) {
		a.logger.Debug("request from blocked source dropped", "source", req.Source())
		return nil, false
	}

	if !a.enabled {
		client, err := a.clients.GetByLogin(ctx, user)
		if err != nil {
			a.logger.Error("client lookup failed", "user", user, "error", err)
		}
		return client, true
	}

	cred, present := credentials(req)
	if !present {
		a.challenge(req, tx)
		return nil, false
	}

	client, err := a.clients.GetByLogin(ctx, cred.Username)
	if err != nil {
		a.logger.Error("client lookup failed", "user", cred.Username, "error", err)
		a.reject(req, tx, silent)
		return nil, false
	}
	if client == nil {
		a.logger.Warn("unknown sip user",
			"user", cred.Username,
			"source", req.Source(),
		)
		a.recordFailure(req)
		a.reject(req, tx, silent)
		return nil, false
	}

	chal := digest.Challenge{
		Realm:     cred.Realm,
		Nonce:     cred.Nonce,
		Algorithm: digestAlgoMD5,
	}

	expected, err := digest.Digest(&chal, digest.Options{
		Method:   string(req.Method),
		URI:      cred.URI,
		Username: cred.Username,
		Password: client.Password,
	})
	if err != nil {
		a.logger.Error("failed to compute digest", "user", cred.Username, "error", err)
		a.reject(req, tx, silent)
		return nil, false
	}

	if cred.Response != expected.Response {
		a.logger.Warn("digest auth failed",
			"user", cred.Username,
			"source", req.Source(),
		)
		a.recordFailure(req)
		a.reject(req, tx, silent)
		return nil, false
	}

	if a.guard != nil {
		a.guard.RecordSuccess(req.Source())
	}
	a.logger.Debug("digest auth successful", "user", cred.Username)
	return client, true
}

func (a *Authenticator) recordFailure(req *sip.Request) {
	if a.guard != nil {
		a.guard.RecordFailure(req.Source())
	}
}

// reject answers a request with bad credentials. INVITEs are dropped without
// a response; everything else gets a 403.
func (a *Authenticator) reject(req *sip.Request, tx sip.ServerTransaction, silent bool) {
	if silent {
		return
	}
	res := sip.NewResponseFromRequest(req, 403, "Forbidden", nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send auth rejection", "error", err)
	}
}
