package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kinvest.ai/cloud/models"
)

type MemoryStorage struct {
	mu       sync.Mutex
	profiles map[string]models.Profile
	events   map[string]models.WebhookEvent
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		profiles: make(map[string]models.Profile),
		events:   make(map[string]models.WebhookEvent),
	}
}

func (m *MemoryStorage) GetProfile(ctx context.Context, id string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	profile, exists := m.profiles[id]
	if !exists {
		return nil, nil
	}
	return copyProfile(profile), nil
}

func (m *MemoryStorage) FindProfileByEmail(ctx context.Context, email string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, profile := range m.profiles {
		if profile.Email == email {
			return copyProfile(profile), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindProfileBySubscription(ctx context.Context, subscriptionID string) (*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, profile := range m.profiles {
		if profile.StripeSubscriptionID == subscriptionID {
			return copyProfile(profile), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) UpsertProfile(ctx context.Context, profile *models.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *copyProfile(*profile)
	if existing, ok := m.profiles[profile.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	}
	m.profiles[profile.ID] = stored
	return nil
}

func (m *MemoryStorage) CancelProfilesBySubscription(ctx context.Context, subscriptionID string, at time.Time) (int, error) {
	return m.cancelWhere(func(p models.Profile) bool {
		return subscriptionID != "" && p.StripeSubscriptionID == subscriptionID
	}, at), nil
}

func (m *MemoryStorage) CancelProfilesByCustomer(ctx context.Context, customerID string, at time.Time) (int, error) {
	return m.cancelWhere(func(p models.Profile) bool {
		return customerID != "" && p.StripeCustomerID == customerID
	}, at), nil
}

func (m *MemoryStorage) cancelWhere(match func(models.Profile) bool, at time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, profile := range m.profiles {
		if !match(profile) {
			continue
		}
		profile.Cancel(at)
		m.profiles[id] = profile
		n++
	}
	return n
}

func (m *MemoryStorage) UpdateEmailByCustomer(ctx context.Context, customerID, email string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, profile := range m.profiles {
		if customerID == "" || profile.StripeCustomerID != customerID {
			continue
		}
		profile.Email = email
		profile.UpdatedAt = at
		m.profiles[id] = profile
		n++
	}
	return n, nil
}

func (m *MemoryStorage) ListProfilesWithCustomer(ctx context.Context) ([]*models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var profiles []*models.Profile
	for _, profile := range m.profiles {
		if profile.StripeCustomerID != "" {
			profiles = append(profiles, copyProfile(profile))
		}
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

func (m *MemoryStorage) CountProfiles(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.profiles), nil
}

func (m *MemoryStorage) GetWebhookEvent(ctx context.Context, stripeEventID string) (*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, exists := m.events[stripeEventID]
	if !exists {
		return nil, nil
	}
	return &event, nil
}

func (m *MemoryStorage) SaveWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *event
	if existing, ok := m.events[event.StripeEventID]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	}
	if stored.ID == "" {
		stored.ID = uuid.NewString()
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.ProcessedAt
	}
	m.events[event.StripeEventID] = stored
	event.ID = stored.ID
	event.CreatedAt = stored.CreatedAt
	return nil
}

func (m *MemoryStorage) ListWebhookEvents(ctx context.Context, limit int) ([]*models.WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]*models.WebhookEvent, 0, len(m.events))
	for _, event := range m.events {
		e := event
		events = append(events, &e)
	}
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.After(events[j].CreatedAt)
		}
		return events[i].StripeEventID > events[j].StripeEventID
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func copyProfile(p models.Profile) *models.Profile {
	out := p
	out.Metadata.StripeMetadata = copyMap(p.Metadata.StripeMetadata)
	out.Metadata.CustomerMetadata = copyMap(p.Metadata.CustomerMetadata)
	out.Metadata.SubscriptionItems = append([]models.SubscriptionItem(nil), p.Metadata.SubscriptionItems...)
	out.Metadata.Tags = append([]string(nil), p.Metadata.Tags...)
	if p.CurrentPeriodStart != nil {
		t := *p.CurrentPeriodStart
		out.CurrentPeriodStart = &t
	}
	if p.CurrentPeriodEnd != nil {
		t := *p.CurrentPeriodEnd
		out.CurrentPeriodEnd = &t
	}
	return &out
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
