package sip

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/voxbridge/voxbridge/internal/database/models"
	"github.com/voxbridge/voxbridge/internal/interp"
)

func inviteWithBody(contentType string, body []byte) *sip.Request {
	req := sip.NewRequest(sip.INVITE, sip.Uri{User: "bob", Host: "voxbridge.local"})
	if contentType != "" {
		ct := sip.ContentTypeHeader(contentType)
		req.AppendHeader(&ct)
	}
	req.SetBody(body)
	return req
}

func TestValidSessionBody(t *testing.T) {
	sdpBody := []byte("v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nc=IN IP4 127.0.0.1\r\nt=0 0\r\n")

	tests := []struct {
		name        string
		contentType string
		body        []byte
		want        bool
	}{
		{"empty body", "application/sdp", nil, false},
		{"valid sdp", "application/sdp", sdpBody, true},
		{"garbage sdp", "application/sdp", []byte("not a session"), false},
		{"non-sdp body passes through", "application/json", []byte(`{"a":1}`), true},
		{"no content type", "", sdpBody, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := validSessionBody(inviteWithBody(tt.contentType, tt.body)); got != tt.want {
				t.Errorf("validSessionBody() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDidVariants(t *testing.T) {
	tests := []struct {
		name   string
		dialed string
		want   []string
	}{
		{
			name:   "national format gains e164 and plus toggle",
			dialed: "2125551234",
			want:   []string{"+12125551234", "2125551234", "*"},
		},
		{
			name:   "e164 input toggles plus off",
			dialed: "+12125551234",
			want:   []string{"+12125551234", "12125551234", "*"},
		},
		{
			name:   "short code falls back to raw forms",
			dialed: "1000",
			want:   []string{"1000", "+1000", "*"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := didVariants(tt.dialed, "US")
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("didVariants(%q) = %v, want %v", tt.dialed, got, tt.want)
			}
		})
	}
}

func TestMatchNumber(t *testing.T) {
	numbers := &fakeNumberRepo{}
	numbers.Create(context.Background(), &models.IncomingNumber{ID: 1, PhoneNumber: "+12125551234"})
	numbers.Create(context.Background(), &models.IncomingNumber{ID: 2, PhoneNumber: "3000"})

	r := &CallRouter{
		numbers: numbers,
		opts:    RouterOptions{DefaultRegion: "US"},
		logger:  slog.Default(),
	}

	tests := []struct {
		dialed string
		wantID int64
	}{
		{"+12125551234", 1},
		{"2125551234", 1},  // matched through E.164 normalization
		{"12125551234", 1}, // matched through E.164 normalization
		{"3000", 2},
		{"9999", 0},
	}

	for _, tt := range tests {
		got := r.matchNumber(context.Background(), tt.dialed)
		var gotID int64
		if got != nil {
			gotID = got.ID
		}
		if gotID != tt.wantID {
			t.Errorf("matchNumber(%q) = id %d, want %d", tt.dialed, gotID, tt.wantID)
		}
	}
}

func TestMatchNumberWildcard(t *testing.T) {
	numbers := &fakeNumberRepo{}
	numbers.Create(context.Background(), &models.IncomingNumber{ID: 7, PhoneNumber: "*"})

	r := &CallRouter{
		numbers: numbers,
		opts:    RouterOptions{DefaultRegion: "US"},
		logger:  slog.Default(),
	}

	got := r.matchNumber(context.Background(), "5550001111")
	if got == nil || got.ID != 7 {
		t.Errorf("expected wildcard number to catch unmatched dial, got %v", got)
	}
}

func TestClientApplicationResolution(t *testing.T) {
	appID := int64(42)
	apps := &fakeApplicationRepo{apps: map[int64]*models.Application{
		appID: {ID: appID, VoiceURL: "http://apps.example.com/ivr", VoiceMethod: "POST"},
	}}

	r := &CallRouter{
		apps:   apps,
		opts:   RouterOptions{APIVersion: "2012-04-24"},
		logger: slog.Default(),
	}

	t.Run("application reference wins over inline url", func(t *testing.T) {
		client := &models.Client{
			AccountID:          1,
			VoiceURL:           "http://apps.example.com/inline",
			VoiceApplicationID: &appID,
		}
		start, ok := r.clientApplication(context.Background(), client, "leg-1")
		if !ok {
			t.Fatal("expected a start request")
		}
		if start.URL != "http://apps.example.com/ivr" || start.Method != "POST" {
			t.Errorf("got URL=%q method=%q, want application's", start.URL, start.Method)
		}
	})

	t.Run("inline url when no application", func(t *testing.T) {
		client := &models.Client{AccountID: 1, VoiceURL: "http://apps.example.com/inline", VoiceMethod: "GET"}
		start, ok := r.clientApplication(context.Background(), client, "leg-1")
		if !ok || start.URL != "http://apps.example.com/inline" {
			t.Errorf("got %+v ok=%v, want inline url", start, ok)
		}
	})

	t.Run("nothing configured", func(t *testing.T) {
		if _, ok := r.clientApplication(context.Background(), &models.Client{}, "leg-1"); ok {
			t.Error("expected no start request for unconfigured client")
		}
	})
}

func TestCommandLoopGetCall(t *testing.T) {
	legs := NewLegRegistry(slog.Default())
	leg := newCallLeg("call-xyz", DirectionInbound, nil, slog.Default())
	legs.Add(leg)
	defer legs.Remove(leg.ID)

	r := &CallRouter{
		legs:     legs,
		commands: make(chan Command, 8),
		logger:   slog.Default(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	reply := make(chan *CallInfo, 1)
	r.Submit(GetCallCommand{LegID: leg.ID, Reply: reply})
	info := <-reply
	if info == nil || info.CallID != "call-xyz" || info.State != stateInitial {
		t.Errorf("GetCall = %+v, want call-xyz in initial state", info)
	}

	r.Submit(GetCallCommand{LegID: "missing", Reply: reply})
	if info := <-reply; info != nil {
		t.Errorf("GetCall(missing) = %+v, want nil", info)
	}
}

func TestCommandLoopProxyCommands(t *testing.T) {
	ctl := NewProxyFailoverController(
		Proxy{URI: "primary.example.com"},
		Proxy{URI: "fallback.example.com"},
		true, false, 20,
		nil, slog.Default(),
	)
	r := &CallRouter{
		proxies:  ctl,
		commands: make(chan Command, 8),
		logger:   slog.Default(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	reply := make(chan ProxyInfo, 1)
	r.Submit(GetActiveProxyCommand{Reply: reply})
	if info := <-reply; info.URI != "primary.example.com" || !info.Active {
		t.Errorf("active proxy = %+v, want primary", info)
	}

	r.Submit(SwitchProxyCommand{Reply: reply})
	if info := <-reply; info.URI != "fallback.example.com" {
		t.Errorf("after switch active proxy = %+v, want fallback", info)
	}

	listReply := make(chan []ProxyInfo, 1)
	r.Submit(GetProxiesCommand{Reply: listReply})
	infos := <-listReply
	if len(infos) != 2 {
		t.Fatalf("got %d proxies, want 2", len(infos))
	}
	if infos[0].Active || !infos[1].Active {
		t.Errorf("active flags = %v/%v, want fallback active", infos[0].Active, infos[1].Active)
	}
}

func TestCommandLoopExecuteScript(t *testing.T) {
	legs := NewLegRegistry(slog.Default())
	leg := newCallLeg("call-script", DirectionInbound, nil, slog.Default())
	legs.Add(leg)
	defer legs.Remove(leg.ID)

	builder := &fakeInterpBuilder{}
	r := &CallRouter{
		legs:     legs,
		builder:  builder,
		commands: make(chan Command, 8),
		logger:   slog.Default(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	reply := make(chan error, 1)
	r.Submit(ExecuteScriptCommand{LegID: leg.ID, VoiceURL: "http://apps.example.com/x", Reply: reply})
	if err := <-reply; err != nil {
		t.Fatalf("ExecuteScript error: %v", err)
	}

	// The runner is installed and started from the leg's executor.
	got, err := leg.Ask(ctx, func(l *CallLeg) any { return l.Runner })
	if err != nil {
		t.Fatalf("Ask error: %v", err)
	}
	runner, ok := got.(*fakeRunner)
	if !ok || runner == nil {
		t.Fatalf("leg runner = %T, want *fakeRunner", got)
	}
	if !runner.started.Load() {
		t.Error("expected runner to be started")
	}
	if builder.last.URL != "http://apps.example.com/x" {
		t.Errorf("builder saw URL %q", builder.last.URL)
	}

	r.Submit(ExecuteScriptCommand{LegID: "missing", Reply: reply})
	if err := <-reply; err == nil {
		t.Error("expected error for unknown leg")
	}
}

// fakeApplicationRepo serves applications by id.
type fakeApplicationRepo struct {
	apps map[int64]*models.Application
}

func (f *fakeApplicationRepo) Create(_ context.Context, app *models.Application) error {
	if f.apps == nil {
		f.apps = make(map[int64]*models.Application)
	}
	f.apps[app.ID] = app
	return nil
}

func (f *fakeApplicationRepo) GetByID(_ context.Context, id int64) (*models.Application, error) {
	return f.apps[id], nil
}

func (f *fakeApplicationRepo) List(_ context.Context) ([]models.Application, error) {
	var out []models.Application
	for _, app := range f.apps {
		out = append(out, *app)
	}
	return out, nil
}

var _ interp.Builder = (*fakeInterpBuilder)(nil)

type fakeInterpBuilder struct {
	mu   sync.Mutex
	last interp.StartRequest
}

func (f *fakeInterpBuilder) Build(req interp.StartRequest) (interp.Runner, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return &fakeRunner{}, nil
}

func TestRespondStatus(t *testing.T) {
	req := inviteWithBody("", nil)
	tx := newFakeServerTx()

	respondStatus(tx, req, 486, "Busy Here", slog.Default())

	responses := tx.Responses()
	if len(responses) != 1 {
		t.Fatalf("got %d responses, want 1", len(responses))
	}
	if responses[0].StatusCode != 486 {
		t.Errorf("status = %d, want 486", responses[0].StatusCode)
	}
	if responses[0].Reason != "Busy Here" {
		t.Errorf("reason = %q, want Busy Here", responses[0].Reason)
	}
}

func TestProxyFailureCandidate(t *testing.T) {
	answered := newTestLeg(t)
	answered.Fire(eventAnswer)
	unanswered := newTestLeg(t)
	res := &sip.Response{StatusCode: 503}

	tests := []struct {
		name     string
		viaProxy bool
		result   *DialResult
		want     bool
	}{
		{"direct uri failure", false, &DialResult{Leg: unanswered, Response: res}, false},
		{"no result", true, nil, false},
		{"transport error without response", true, &DialResult{Leg: unanswered}, false},
		{"answered call", true, &DialResult{Leg: answered, Response: res}, false},
		{"proxy rejected the call", true, &DialResult{Leg: unanswered, Response: res}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := proxyFailureCandidate(tt.viaProxy, tt.result); got != tt.want {
				t.Errorf("proxyFailureCandidate(%v, %+v) = %v, want %v", tt.viaProxy, tt.result, got, tt.want)
			}
		})
	}
}

func TestApplicationFallbackResolution(t *testing.T) {
	appID := int64(7)
	r := &CallRouter{
		apps: &fakeApplicationRepo{apps: map[int64]*models.Application{
			appID: {
				ID:                  appID,
				VoiceURL:            "http://apps.example.com/app",
				VoiceMethod:         "GET",
				VoiceFallbackURL:    "http://apps.example.com/fallback",
				VoiceFallbackMethod: "GET",
			},
		}},
		opts:   RouterOptions{APIVersion: "2012-04-24"},
		logger: slog.Default(),
	}

	client := &models.Client{
		AccountID:           1,
		VoiceURL:            "http://client.example.com/voice",
		VoiceMethod:         "POST",
		VoiceFallbackURL:    "http://client.example.com/fallback",
		VoiceFallbackMethod: "POST",
	}
	start, ok := r.clientApplication(context.Background(), client, "leg-1")
	if !ok {
		t.Fatal("client with a voice url resolved no application")
	}
	if start.FallbackURL != "http://client.example.com/fallback" || start.FallbackMethod != "POST" {
		t.Errorf("client fallback = %q %q", start.FallbackURL, start.FallbackMethod)
	}

	client.VoiceApplicationID = &appID
	start, ok = r.clientApplication(context.Background(), client, "leg-1")
	if !ok {
		t.Fatal("client with an application resolved nothing")
	}
	if start.FallbackURL != "http://apps.example.com/fallback" {
		t.Errorf("application fallback = %q", start.FallbackURL)
	}

	number := &models.IncomingNumber{
		AccountID:            1,
		PhoneNumber:          "+15551230000",
		VoiceURL:             "http://numbers.example.com/voice",
		VoiceMethod:          "POST",
		VoiceFallbackURL:     "http://numbers.example.com/fallback",
		StatusCallbackURL:    "http://numbers.example.com/status",
		StatusCallbackMethod: "POST",
	}
	start, ok = r.numberApplication(context.Background(), number, "leg-2")
	if !ok {
		t.Fatal("number with a voice url resolved no application")
	}
	if start.FallbackURL != "http://numbers.example.com/fallback" {
		t.Errorf("number fallback = %q", start.FallbackURL)
	}
	if start.StatusCallbackURL != "http://numbers.example.com/status" || start.StatusCallbackMethod != "POST" {
		t.Errorf("status callback = %q %q", start.StatusCallbackURL, start.StatusCallbackMethod)
	}
}

func TestBridgeToClientReportsMiss(t *testing.T) {
	notes := &fakeNotificationRepo{}
	r := &CallRouter{
		dispatcher: NewDispatcher(nil, &fakeRegistrationRepo{}, nil, nil,
			DispatchOptions{InstanceID: "node-1", HostIP: "10.0.0.1"}, slog.Default()),
		notifier: NewNotifier(notes, nil, slog.Default()),
		logger:   slog.Default(),
	}

	leg := newTestLeg(t)
	req := inviteWithBody("application/sdp", []byte("v=0\r\n"))
	var caller sip.Uri
	if err := sip.ParseUri("sip:alice@voxbridge.local", &caller); err != nil {
		t.Fatalf("parsing uri: %v", err)
	}
	req.AppendHeader(&sip.FromHeader{Address: caller, Params: sip.NewParams()})
	tx := newFakeServerTx()

	if r.bridgeToClient(context.Background(), leg, req, tx, "bob", slog.Default()) {
		t.Fatal("bridge reported success for a callee with no bindings")
	}

	// A miss must leave the INVITE unanswered so routing can fall through
	// to the remaining steps.
	if got := tx.Responses(); len(got) != 0 {
		t.Fatalf("bridge answered the INVITE with %v", got)
	}
	if !leg.Live() {
		t.Error("caller leg was torn down on a bridge miss")
	}

	recent, _ := notes.ListRecent(context.Background(), 10)
	if len(recent) != 1 || recent[0].ErrorCode != codeUnreachableCallee {
		t.Fatalf("notifications = %+v, want one %d warning", recent, codeUnreachableCallee)
	}
}

func TestInboundDialogFromAnswer(t *testing.T) {
	leg := newTestLeg(t)
	req := inviteWithBody("application/sdp", []byte("v=0\r\n"))
	var caller sip.Uri
	if err := sip.ParseUri("sip:alice@voxbridge.local", &caller); err != nil {
		t.Fatalf("parsing uri: %v", err)
	}
	fromHeader := &sip.FromHeader{Address: caller, Params: sip.NewParams()}
	fromHeader.Params.Add("tag", "caller-tag")
	req.AppendHeader(fromHeader)
	req.AppendHeader(&sip.ToHeader{Address: req.Recipient})

	answer := sip.NewResponseFromRequest(req, 200, "OK", nil)
	answer.To().Params.Add("tag", "bridge-tag")

	setInboundDialog(leg, req, answer)

	from, to, seq, ok := leg.DialogIdentity(sip.BYE)
	if !ok {
		t.Fatal("no dialog established from the answered INVITE")
	}
	// Requests toward the caller reverse the INVITE's direction: our To
	// tag becomes the From tag.
	if tag, _ := from.Params.Get("tag"); tag != "bridge-tag" {
		t.Errorf("from tag = %q, want bridge-tag", tag)
	}
	if tag, _ := to.Params.Get("tag"); tag != "caller-tag" {
		t.Errorf("to tag = %q, want caller-tag", tag)
	}
	if seq != 1 {
		t.Errorf("first in-dialog CSeq = %d, want 1", seq)
	}
}

func TestCommandLoopUpdateScript(t *testing.T) {
	registry := NewLegRegistry(slog.Default())
	leg := newCallLeg("update-call-a", DirectionInbound, nil, slog.Default())
	related := newCallLeg("update-call-b", DirectionOutbound, nil, slog.Default())
	t.Cleanup(func() {
		leg.Stop()
		related.Stop()
	})
	registry.Add(leg)
	registry.Add(related)

	current := &fakeRunner{relatedID: related.ID, observers: []string{"watcher-1"}}
	pair := &fakeRunner{}
	leg.Deliver(func(l *CallLeg) { l.Runner = current })
	related.Deliver(func(l *CallLeg) { l.Runner = pair })

	r := &CallRouter{
		legs:     registry,
		builder:  &fakeInterpBuilder{},
		opts:     RouterOptions{APIVersion: "2012-04-24"},
		commands: make(chan Command, 8),
		logger:   slog.Default(),
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	reply := make(chan error, 1)
	r.Submit(UpdateScriptCommand{
		LegID:            leg.ID,
		VoiceURL:         "http://apps.example.com/next",
		MoveConnectedLeg: true,
		Reply:            reply,
	})
	if err := <-reply; err != nil {
		t.Fatalf("UpdateScript error: %v", err)
	}

	// The command consults the running application for its observers and
	// paired leg before stopping it, and the paired run goes down too.
	if !current.detached.Load() || !current.stopped.Load() {
		t.Error("current run was not detached and stopped")
	}
	if !pair.detached.Load() || !pair.stopped.Load() {
		t.Error("paired run was not detached and stopped")
	}

	// Both legs pick up the new script after the restart delays.
	deadline := time.Now().Add(3 * time.Second)
	for {
		v, err := related.Ask(ctx, func(l *CallLeg) any { return l.Runner })
		if err != nil {
			t.Fatalf("Ask error: %v", err)
		}
		if next, ok := v.(*fakeRunner); ok && next != pair {
			if !next.started.Load() {
				t.Error("restarted paired run was not started")
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("paired leg never restarted on the new script")
		}
		time.Sleep(25 * time.Millisecond)
	}
}
