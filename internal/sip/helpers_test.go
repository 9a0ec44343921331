package sip

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/voxbridge/voxbridge/internal/database"
	"github.com/voxbridge/voxbridge/internal/database/models"
)

// fakeRunner is an inert interpreter run that records lifecycle calls.
type fakeRunner struct {
	started   atomic.Bool
	stopped   atomic.Bool
	detached  atomic.Bool
	observers []string
	relatedID string
}

func (f *fakeRunner) Start(context.Context) error { f.started.Store(true); return nil }
func (f *fakeRunner) Stop()                       { f.stopped.Store(true) }
func (f *fakeRunner) StopObserving()              { f.detached.Store(true) }

func (f *fakeRunner) Observers(context.Context, time.Duration) ([]string, error) {
	return f.observers, nil
}

func (f *fakeRunner) RelatedLeg(context.Context, time.Duration) (string, error) {
	return f.relatedID, nil
}

func testRegistration(transport string) *models.Registration {
	return &models.Registration{
		InstanceID: "node-1",
		User:       "alice",
		ContactURI: "sip:alice@192.0.2.10:5060",
		Transport:  transport,
		SourceIP:   "192.0.2.10",
		SourcePort: 5060,
		TTL:        3600,
		UpdatedAt:  time.Now(),
	}
}

// fakeClientRepo serves clients keyed by login.
type fakeClientRepo struct {
	clients map[string]*models.Client
}

func (f *fakeClientRepo) Create(_ context.Context, c *models.Client) error {
	if f.clients == nil {
		f.clients = make(map[string]*models.Client)
	}
	f.clients[c.Login] = c
	return nil
}

func (f *fakeClientRepo) GetByID(_ context.Context, id int64) (*models.Client, error) {
	for _, c := range f.clients {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, nil
}

func (f *fakeClientRepo) GetByLogin(_ context.Context, login string) (*models.Client, error) {
	return f.clients[login], nil
}

func (f *fakeClientRepo) List(_ context.Context) ([]models.Client, error) {
	var out []models.Client
	for _, c := range f.clients {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeClientRepo) Update(_ context.Context, c *models.Client) error {
	f.clients[c.Login] = c
	return nil
}

func (f *fakeClientRepo) Delete(_ context.Context, id int64) error {
	for login, c := range f.clients {
		if c.ID == id {
			delete(f.clients, login)
		}
	}
	return nil
}

// fakeNumberRepo serves hosted numbers keyed by the dialed string.
type fakeNumberRepo struct {
	numbers map[string]*models.IncomingNumber
}

func (f *fakeNumberRepo) Create(_ context.Context, n *models.IncomingNumber) error {
	if f.numbers == nil {
		f.numbers = make(map[string]*models.IncomingNumber)
	}
	f.numbers[n.PhoneNumber] = n
	return nil
}

func (f *fakeNumberRepo) GetByID(_ context.Context, id int64) (*models.IncomingNumber, error) {
	for _, n := range f.numbers {
		if n.ID == id {
			return n, nil
		}
	}
	return nil, nil
}

func (f *fakeNumberRepo) GetByNumber(_ context.Context, number string) (*models.IncomingNumber, error) {
	return f.numbers[number], nil
}

func (f *fakeNumberRepo) List(_ context.Context) ([]models.IncomingNumber, error) {
	var out []models.IncomingNumber
	for _, n := range f.numbers {
		out = append(out, *n)
	}
	return out, nil
}

func (f *fakeNumberRepo) Update(_ context.Context, n *models.IncomingNumber) error {
	f.numbers[n.PhoneNumber] = n
	return nil
}

func (f *fakeNumberRepo) Delete(_ context.Context, id int64) error {
	for key, n := range f.numbers {
		if n.ID == id {
			delete(f.numbers, key)
		}
	}
	return nil
}

// fakeNotificationRepo records posted notifications in order.
type fakeNotificationRepo struct {
	mu    sync.Mutex
	notes []models.Notification
}

func (f *fakeNotificationRepo) Create(_ context.Context, n *models.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notes = append(f.notes, *n)
	return nil
}

func (f *fakeNotificationRepo) ListRecent(_ context.Context, limit int) ([]models.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if limit > len(f.notes) {
		limit = len(f.notes)
	}
	out := make([]models.Notification, limit)
	copy(out, f.notes[len(f.notes)-limit:])
	return out, nil
}

// fakeCallRecordRepo keeps call records keyed by SIP Call-ID.
type fakeCallRecordRepo struct {
	mu      sync.Mutex
	records map[string]*models.CallRecord
}

func (f *fakeCallRecordRepo) Create(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.records == nil {
		f.records = make(map[string]*models.CallRecord)
	}
	cp := *rec
	f.records[rec.CallID] = &cp
	return nil
}

func (f *fakeCallRecordRepo) GetByCallID(_ context.Context, callID string) (*models.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[callID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeCallRecordRepo) Update(_ context.Context, rec *models.CallRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *rec
	f.records[rec.CallID] = &cp
	return nil
}

func (f *fakeCallRecordRepo) CountByDirection(_ context.Context) (map[string]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	counts := make(map[string]int64)
	for _, rec := range f.records {
		counts[rec.Direction]++
	}
	return counts, nil
}

func (f *fakeCallRecordRepo) ListRecent(_ context.Context, limit int) ([]models.CallRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.CallRecord
	for _, rec := range f.records {
		out = append(out, *rec)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ sip.ServerTransaction = (*fakeServerTx)(nil)

// fakeServerTx records responses sent through a server transaction.
type fakeServerTx struct {
	mu        sync.Mutex
	responses []*sip.Response
	done      chan struct{}
}

func newFakeServerTx() *fakeServerTx {
	return &fakeServerTx{done: make(chan struct{})}
}

func (f *fakeServerTx) Respond(res *sip.Response) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, res)
	return nil
}

func (f *fakeServerTx) Responses() []*sip.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*sip.Response(nil), f.responses...)
}

func (f *fakeServerTx) Acks() <-chan *sip.Request          { return nil }
func (f *fakeServerTx) OnCancel(sip.FnTxCancel) bool       { return true }
func (f *fakeServerTx) Terminate()                         {}
func (f *fakeServerTx) OnTerminate(sip.FnTxTerminate) bool { return true }
func (f *fakeServerTx) Done() <-chan struct{}              { return f.done }
func (f *fakeServerTx) Err() error                         { return nil }

var _ database.RegistrationRepository = (*fakeRegistrationRepo)(nil)

// fakeRegistrationRepo keeps bindings in memory. add stores a binding as-is,
// preserving whatever UpdatedAt the test seeded.
type fakeRegistrationRepo struct {
	mu     sync.Mutex
	nextID int64
	regs   map[int64]*models.Registration
}

func (f *fakeRegistrationRepo) add(reg *models.Registration) *models.Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.regs == nil {
		f.regs = make(map[int64]*models.Registration)
	}
	f.nextID++
	cp := *reg
	cp.ID = f.nextID
	f.regs[cp.ID] = &cp
	return &cp
}

func (f *fakeRegistrationRepo) Upsert(_ context.Context, reg *models.Registration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.regs == nil {
		f.regs = make(map[int64]*models.Registration)
	}
	now := time.Now()
	for _, existing := range f.regs {
		if existing.User == reg.User && existing.ContactURI == reg.ContactURI {
			reg.ID = existing.ID
			reg.CreatedAt = existing.CreatedAt
			reg.UpdatedAt = now
			cp := *reg
			f.regs[cp.ID] = &cp
			return false, nil
		}
	}
	f.nextID++
	reg.ID = f.nextID
	reg.CreatedAt = now
	reg.UpdatedAt = now
	cp := *reg
	f.regs[cp.ID] = &cp
	return true, nil
}

func (f *fakeRegistrationRepo) GetByUser(_ context.Context, user string) ([]models.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Registration
	for _, reg := range f.regs {
		if reg.User == user {
			out = append(out, *reg)
		}
	}
	return out, nil
}

func (f *fakeRegistrationRepo) List(_ context.Context) ([]models.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Registration
	for _, reg := range f.regs {
		out = append(out, *reg)
	}
	return out, nil
}

func (f *fakeRegistrationRepo) DeleteByID(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regs, id)
	return nil
}

func (f *fakeRegistrationRepo) DeleteByUserAndContact(_ context.Context, user, contactURI string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, reg := range f.regs {
		if reg.User == user && reg.ContactURI == contactURI {
			delete(f.regs, id)
		}
	}
	return nil
}

func (f *fakeRegistrationRepo) Touch(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reg, ok := f.regs[id]; ok {
		reg.UpdatedAt = time.Now()
	}
	return nil
}

func (f *fakeRegistrationRepo) Count(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.regs)), nil
}

// registrationEvent is one Monitor.RegistrationEvent call seen by fakeMonitor.
type registrationEvent struct {
	Event   string
	User    string
	Address string
	Active  bool
}

// fakeMonitor records monitor callbacks in order.
type fakeMonitor struct {
	mu        sync.Mutex
	regEvents []registrationEvent
}

func (f *fakeMonitor) RegistrationEvent(event, user, address string, active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regEvents = append(f.regEvents, registrationEvent{event, user, address, active})
}

func (f *fakeMonitor) NotificationEvent(string, int, string) {}

func (f *fakeMonitor) RegistrationEvents() []registrationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]registrationEvent(nil), f.regEvents...)
}
