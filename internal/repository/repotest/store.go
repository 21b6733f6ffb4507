// Package repotest provides an in-memory implementation of the repository
// interfaces for tests. It mirrors the locking and transactional behaviour
// of the PostgreSQL repositories closely enough to exercise worker logic.
package repotest

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/Raymond9734/messaging-pipeline/internal/models"
	"github.com/Raymond9734/messaging-pipeline/internal/repository"
)

type counterKey struct {
	campaignID int64
	day        time.Time
}

// Store holds every table in memory
type Store struct {
	mu         sync.Mutex
	dispatchMu sync.Mutex
	nextID     int64

	campaigns  map[int64]*models.Campaign
	customers  map[int64]*models.Customer
	recipients map[int64]*models.RecipientDispatchRecord
	messages   map[int64]*models.OutboundMessage
	inbound    map[string]*models.InboundMessage
	counters   map[counterKey]*models.CampaignDailyCounter

	// Now stamps created_at columns
	Now func() time.Time

	// Err, when set, is returned by every repository call
	Err error
}

// New creates an empty store
func New() *Store {
	return &Store{
		campaigns:  map[int64]*models.Campaign{},
		customers:  map[int64]*models.Customer{},
		recipients: map[int64]*models.RecipientDispatchRecord{},
		messages:   map[int64]*models.OutboundMessage{},
		inbound:    map[string]*models.InboundMessage{},
		counters:   map[counterKey]*models.CampaignDailyCounter{},
		Now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) id() int64 {
	s.nextID++
	return s.nextID
}

// SetErr makes every repository call fail with err until cleared with nil
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Err = err
}

// AddCampaign seeds a campaign and returns its ID
func (s *Store) AddCampaign(c models.Campaign) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.Now()
	}
	s.campaigns[c.ID] = &c
	return c.ID
}

// AddCustomer seeds a customer and returns its ID
func (s *Store) AddCustomer(c models.Customer) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.id()
	s.customers[c.ID] = &c
	return c.ID
}

// AddRecipient seeds a recipient record and returns its ID
func (s *Store) AddRecipient(r models.RecipientDispatchRecord) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.ID = s.id()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.Now()
	}
	if r.MaxRetries == 0 {
		r.MaxRetries = models.DefaultMaxRetries
	}
	s.recipients[r.ID] = &r
	return r.ID
}

// AddMessage seeds an outbound message and returns its ID
func (s *Store) AddMessage(m models.OutboundMessage) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.ID = s.id()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.Now()
	}
	s.messages[m.ID] = &m
	return m.ID
}

// Recipient returns a copy of the stored record
func (s *Store) Recipient(id int64) models.RecipientDispatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.recipients[id]
}

// Message returns a copy of the stored message
func (s *Store) Message(id int64) models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.messages[id]
}

// Messages returns copies of all outbound messages ordered by ID
func (s *Store) Messages() []models.OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.OutboundMessage, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// InboundCount returns the number of stored inbound messages
func (s *Store) InboundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbound)
}

// Counter returns the stored counter row for the campaign and day
func (s *Store) Counter(campaignID int64, day time.Time) models.CampaignDailyCounter {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.counters[counterKey{campaignID, models.DateOf(day)}]; ok {
		return *c
	}
	return models.CampaignDailyCounter{CampaignID: campaignID, Day: models.DateOf(day)}
}

func (s *Store) addCountersLocked(campaignID int64, day time.Time, delta models.CounterDelta) {
	if delta.IsZero() {
		return
	}
	key := counterKey{campaignID, models.DateOf(day)}
	c, ok := s.counters[key]
	if !ok {
		c = &models.CampaignDailyCounter{CampaignID: campaignID, Day: key.day}
		s.counters[key] = c
	}
	c.MessagesSent += delta.Sent
	c.MessagesPending += delta.Pending
	c.MessagesFailed += delta.Failed
}

// Campaigns returns the store as a CampaignRepository
func (s *Store) Campaigns() repository.CampaignRepository { return campaignRepo{s} }

// Customers returns the store as a CustomerRepository
func (s *Store) Customers() repository.CustomerRepository { return customerRepo{s} }

// Recipients returns the store as a RecipientRepository
func (s *Store) Recipients() repository.RecipientRepository { return recipientRepo{s} }

// OutboundMessages returns the store as an OutboundMessageRepository
func (s *Store) OutboundMessages() repository.OutboundMessageRepository { return outboundRepo{s} }

// InboundMessages returns the store as an InboundMessageRepository
func (s *Store) InboundMessages() repository.InboundMessageRepository { return inboundRepo{s} }

type campaignRepo struct{ s *Store }

func (r campaignRepo) GetByID(_ context.Context, id int64) (*models.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}
	cp := *c
	return &cp, nil
}

func (r campaignRepo) ListActive(context.Context) ([]*models.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	out := []*models.Campaign{}
	for _, c := range r.s.campaigns {
		if c.IsActive() {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r campaignRepo) UpdateStatus(_ context.Context, id int64, status string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	c, ok := r.s.campaigns[id]
	if !ok {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("campaign with ID %d not found", id))
	}
	c.Status = status
	return nil
}

func (r campaignRepo) GetDailyCounter(_ context.Context, id int64, day time.Time) (*models.CampaignDailyCounter, error) {
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	c := r.s.Counter(id, day)
	return &c, nil
}

type customerRepo struct{ s *Store }

func (r customerRepo) GetByID(_ context.Context, id int64) (*models.Customer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	c, ok := r.s.customers[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("customer with ID %d not found", id))
	}
	cp := *c
	return &cp, nil
}

func (r customerRepo) GetByIDs(_ context.Context, ids []int64) (map[int64]*models.Customer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	out := make(map[int64]*models.Customer, len(ids))
	for _, id := range ids {
		if c, ok := r.s.customers[id]; ok {
			cp := *c
			out[id] = &cp
		}
	}
	return out, nil
}

type inboundRepo struct{ s *Store }

func (r inboundRepo) Create(_ context.Context, m *models.InboundMessage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return false, models.Transient("persist inbound message", r.s.Err)
	}
	if _, ok := r.s.inbound[m.ID]; ok {
		return false, nil
	}
	cp := *m
	cp.CreatedAt = r.s.Now()
	r.s.inbound[m.ID] = &cp
	m.CreatedAt = cp.CreatedAt
	return true, nil
}

type outboundRepo struct{ s *Store }

func (r outboundRepo) Create(_ context.Context, m *models.OutboundMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	r.s.insertMessageLocked(m)
	return nil
}

func (s *Store) insertMessageLocked(m *models.OutboundMessage) {
	m.ID = s.id()
	m.CreatedAt = s.Now()
	m.UpdatedAt = m.CreatedAt
	cp := *m
	s.messages[m.ID] = &cp
}

func (r outboundRepo) GetByID(_ context.Context, id int64) (*models.OutboundMessage, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	m, ok := r.s.messages[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message with ID %d not found", id))
	}
	cp := *m
	return &cp, nil
}

func (r outboundRepo) UpdateByID(_ context.Context, id int64, fn repository.DeliveryMutation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	m, ok := r.s.messages[id]
	if !ok {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message with ID %d not found", id))
	}
	var rec *models.RecipientDispatchRecord
	if m.RecipientID != nil {
		rec = r.s.recipients[*m.RecipientID]
	}
	return r.s.mutateLocked(m, rec, fn)
}

func (r outboundRepo) UpdateByProviderID(_ context.Context, providerID string, fn repository.DeliveryMutation) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	var m *models.OutboundMessage
	for _, candidate := range r.s.messages {
		if candidate.ProviderMessageID != nil && *candidate.ProviderMessageID == providerID {
			m = candidate
			break
		}
	}
	if m == nil {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("outbound message with provider id %s not found", providerID))
	}
	var rec *models.RecipientDispatchRecord
	for _, candidate := range r.s.recipients {
		if candidate.ProviderMessageID != nil && *candidate.ProviderMessageID == providerID {
			rec = candidate
			break
		}
	}
	return r.s.mutateLocked(m, rec, fn)
}

func (s *Store) mutateLocked(m *models.OutboundMessage, rec *models.RecipientDispatchRecord, fn repository.DeliveryMutation) error {
	msgCopy := *m
	var recCopy *models.RecipientDispatchRecord
	var from models.DeliveryStatus
	if rec != nil {
		cp := *rec
		recCopy = &cp
		from = rec.Status
	}

	changed, err := fn(&msgCopy, recCopy)
	if err != nil || !changed {
		return err
	}

	msgCopy.UpdatedAt = s.Now()
	*m = msgCopy
	if rec != nil {
		recCopy.UpdatedAt = s.Now()
		*rec = *recCopy
		s.addCountersLocked(rec.CampaignID, models.CounterDay(rec), models.TransitionDelta(from, rec.Status))
	}
	return nil
}

type recipientRepo struct{ s *Store }

func (r recipientRepo) Attach(_ context.Context, records []*models.RecipientDispatchRecord) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return 0, r.s.Err
	}
	inserted := 0
	for _, rec := range records {
		exists := false
		for _, existing := range r.s.recipients {
			if existing.CampaignID == rec.CampaignID && existing.CustomerID == rec.CustomerID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		rec.ID = r.s.id()
		rec.CreatedAt = r.s.Now()
		rec.UpdatedAt = rec.CreatedAt
		cp := *rec
		r.s.recipients[rec.ID] = &cp
		inserted++
	}
	return inserted, nil
}

func (r recipientRepo) GetByID(_ context.Context, id int64) (*models.RecipientDispatchRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return nil, r.s.Err
	}
	rec, ok := r.s.recipients[id]
	if !ok {
		return nil, models.ErrNotFoundWithMsg(fmt.Sprintf("recipient with ID %d not found", id))
	}
	cp := *rec
	return &cp, nil
}

// Dispatch serializes dispatch runs and rolls back every write made through
// the DispatchTx when fn fails
func (r recipientRepo) Dispatch(ctx context.Context, campaignID int64, fn func(tx repository.DispatchTx) error) error {
	r.s.dispatchMu.Lock()
	defer r.s.dispatchMu.Unlock()

	r.s.mu.Lock()
	if r.s.Err != nil {
		r.s.mu.Unlock()
		return r.s.Err
	}
	recipients := cloneMap(r.s.recipients)
	messages := cloneMap(r.s.messages)
	counters := cloneMap(r.s.counters)
	r.s.mu.Unlock()

	if err := fn(dispatchTx{r.s}); err != nil {
		r.s.mu.Lock()
		r.s.recipients = recipients
		r.s.messages = messages
		r.s.counters = counters
		r.s.mu.Unlock()
		return err
	}
	return nil
}

func (r recipientRepo) RevertDispatch(_ context.Context, recipientID, messageID int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.Err != nil {
		return r.s.Err
	}
	if m, ok := r.s.messages[messageID]; ok && m.Status == models.StatusQueued {
		delete(r.s.messages, messageID)
	}
	rec, ok := r.s.recipients[recipientID]
	if !ok {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("recipient with ID %d not found", recipientID))
	}
	if rec.Status != models.StatusQueued {
		return nil
	}
	day := models.CounterDay(rec)
	rec.Status = models.StatusPending
	rec.QueuedAt = nil
	r.s.addCountersLocked(rec.CampaignID, day, models.TransitionDelta(models.StatusQueued, models.StatusPending))
	return nil
}

type dispatchTx struct{ s *Store }

func (t dispatchTx) CountDispatched(_ context.Context, campaignID int64, from, to time.Time) (int, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	n := 0
	for _, m := range t.s.messages {
		if m.CampaignID != nil && *m.CampaignID == campaignID && !m.CreatedAt.Before(from) && m.CreatedAt.Before(to) {
			n++
		}
	}
	return n, nil
}

func (t dispatchTx) ListDue(_ context.Context, campaignID int64, day time.Time, limit int) ([]*models.RecipientDispatchRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []*models.RecipientDispatchRecord
	for _, rec := range t.s.recipients {
		if rec.CampaignID == campaignID && rec.IsDueOn(day) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return limitRecords(out, limit), nil
}

func (t dispatchTx) ListRetryEligible(_ context.Context, campaignID int64, limit int) ([]*models.RecipientDispatchRecord, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	var out []*models.RecipientDispatchRecord
	for _, rec := range t.s.recipients {
		if rec.CampaignID == campaignID && rec.IsRetryEligible() {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := failedAt(out[i]), failedAt(out[j])
		if !a.Equal(b) {
			return a.Before(b)
		}
		return out[i].ID < out[j].ID
	})
	return limitRecords(out, limit), nil
}

func (t dispatchTx) CreateOutbound(_ context.Context, m *models.OutboundMessage) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.insertMessageLocked(m)
	return nil
}

func (t dispatchTx) SaveRecipient(_ context.Context, rec *models.RecipientDispatchRecord, from models.DeliveryStatus) error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.recipients[rec.ID]; !ok {
		return models.ErrNotFoundWithMsg(fmt.Sprintf("recipient with ID %d not found", rec.ID))
	}
	rec.UpdatedAt = t.s.Now()
	cp := *rec
	t.s.recipients[rec.ID] = &cp
	t.s.addCountersLocked(rec.CampaignID, models.CounterDay(rec), models.TransitionDelta(from, rec.Status))
	return nil
}

func failedAt(r *models.RecipientDispatchRecord) time.Time {
	if r.FailedAt == nil {
		return time.Time{}
	}
	return *r.FailedAt
}

func limitRecords(records []*models.RecipientDispatchRecord, limit int) []*models.RecipientDispatchRecord {
	if limit >= 0 && len(records) > limit {
		return records[:limit]
	}
	return records
}

// cloneMap copies the map and the values its pointers reference
func cloneMap[K comparable, V any](m map[K]*V) map[K]*V {
	out := maps.Clone(m)
	for k, v := range out {
		cp := *v
		out[k] = &cp
	}
	return out
}
