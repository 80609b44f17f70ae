package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"longevity-sync/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryWearablesStore implements every wearable repository in memory.
// Used when the DB is disabled and by service/handler tests.
type MemoryWearablesStore struct {
	mu            sync.RWMutex
	users         map[string]*domain.User
	connections   map[string]*domain.WearableConnection // userID|provider -> connection
	readings      []domain.BiomarkerReading
	readingKeys   map[string]struct{}
	contributions []domain.DesciContribution

	// AutoCreateUsers makes GetUser create unknown users (dev mode without a users table)
	AutoCreateUsers bool
}

func NewMemoryWearablesStore() *MemoryWearablesStore {
	return &MemoryWearablesStore{
		users:       map[string]*domain.User{},
		connections: map[string]*domain.WearableConnection{},
		readingKeys: map[string]struct{}{},
	}
}

var (
	_ UsersRepository         = (*MemoryWearablesStore)(nil)
	_ ConnectionsRepository   = (*MemoryWearablesStore)(nil)
	_ ReadingsRepository      = (*MemoryWearablesStore)(nil)
	_ ContributionsRepository = (*MemoryWearablesStore)(nil)
	_ SyncWriter              = (*MemoryWearablesStore)(nil)
)

// AddUser seeds a user
func (s *MemoryWearablesStore) AddUser(userID, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = &domain.User{UserID: userID, Email: email, CreatedAt: time.Now().UTC()}
}

// ====== users ======

func (s *MemoryWearablesStore) GetUser(_ context.Context, userID string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		if !s.AutoCreateUsers {
			return nil, ErrNotFound
		}
		u = &domain.User{UserID: userID, CreatedAt: time.Now().UTC()}
		s.users[userID] = u
	}
	cp := *u
	return &cp, nil
}

// ====== connections ======

func connectionKey(userID string, provider domain.Provider) string {
	return userID + "|" + string(provider)
}

func (s *MemoryWearablesStore) UpsertConnection(_ context.Context, userID string, provider domain.Provider, cred domain.Credential, syncedAt time.Time) (*domain.WearableConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	at := syncedAt.UTC()
	key := connectionKey(userID, provider)
	conn, ok := s.connections[key]
	if !ok {
		conn = &domain.WearableConnection{
			ConnectionID: uuid.NewString(),
			UserID:       userID,
			Provider:     provider,
			CreatedAt:    at,
		}
		s.connections[key] = conn
	}
	conn.Credential = cred
	conn.LastSyncAt = &at
	conn.IsActive = true
	conn.UpdatedAt = at

	cp := *conn
	return &cp, nil
}

func (s *MemoryWearablesStore) GetConnection(_ context.Context, userID string, provider domain.Provider) (*domain.WearableConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[connectionKey(userID, provider)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

func (s *MemoryWearablesStore) ListActiveConnections(_ context.Context, provider domain.Provider) ([]*domain.WearableConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.WearableConnection
	for _, conn := range s.connections {
		if !conn.IsActive || (provider != "" && conn.Provider != provider) {
			continue
		}
		cp := *conn
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return connectionKey(out[i].UserID, out[i].Provider) < connectionKey(out[j].UserID, out[j].Provider)
	})
	return out, nil
}

func (s *MemoryWearablesStore) DeactivateConnection(_ context.Context, userID string, provider domain.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.connections[connectionKey(userID, provider)]
	if !ok {
		return ErrNotFound
	}
	conn.IsActive = false
	conn.UpdatedAt = time.Now().UTC()
	return nil
}

// ConnectionCount number of connection rows, for assertions
func (s *MemoryWearablesStore) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

// ====== readings ======

func readingKey(r domain.BiomarkerReading) string {
	return fmt.Sprintf("%s|%s|%s|%d", r.UserID, r.Metric, r.Source, r.Date.UTC().UnixNano())
}

func (s *MemoryWearablesStore) BulkInsert(_ context.Context, readings []domain.BiomarkerReading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.stageReadings(readings)
	s.applyReadings(staged)
	return len(staged), nil
}

// stageReadings new readings of the batch, deduplicated against the store and each other.
// Nothing is stored until applyReadings. Callers hold s.mu.
func (s *MemoryWearablesStore) stageReadings(readings []domain.BiomarkerReading) []domain.BiomarkerReading {
	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(readings))
	staged := make([]domain.BiomarkerReading, 0, len(readings))
	for _, r := range readings {
		key := readingKey(r)
		if _, dup := s.readingKeys[key]; dup {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if r.ReadingID == "" {
			r.ReadingID = uuid.NewString()
		}
		r.Date = r.Date.UTC()
		r.CreatedAt = now
		staged = append(staged, r)
	}
	return staged
}

func (s *MemoryWearablesStore) applyReadings(staged []domain.BiomarkerReading) {
	for _, r := range staged {
		s.readingKeys[readingKey(r)] = struct{}{}
		s.readings = append(s.readings, r)
	}
}

func (s *MemoryWearablesStore) ListReadings(_ context.Context, filter ReadingFilters) ([]*domain.BiomarkerReading, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.BiomarkerReading
	for i := range s.readings {
		r := s.readings[i]
		if r.UserID != filter.UserID {
			continue
		}
		if filter.Metric != "" && r.Metric != filter.Metric {
			continue
		}
		if filter.Source != "" && r.Source != filter.Source {
			continue
		}
		if filter.From != nil && r.Date.Before(*filter.From) {
			continue
		}
		if filter.To != nil && r.Date.After(*filter.To) {
			continue
		}
		out = append(out, &r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.After(out[j].Date)
		}
		return out[i].Metric < out[j].Metric
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultReadingsLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReadingCount number of stored readings, for assertions
func (s *MemoryWearablesStore) ReadingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.readings)
}

// ====== contributions ======

func (s *MemoryWearablesStore) RecordContribution(_ context.Context, c *domain.DesciContribution) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordContributionLocked(c)
}

// recordContributionLocked mirrors the table constraints: the user must exist and both
// data_points and token_reward must be positive. Callers hold s.mu.
func (s *MemoryWearablesStore) recordContributionLocked(c *domain.DesciContribution) (decimal.Decimal, error) {
	u, ok := s.users[c.UserID]
	if !ok {
		return decimal.Zero, ErrNotFound
	}
	if c.DataPoints <= 0 || !c.TokenReward.IsPositive() {
		return decimal.Zero, fmt.Errorf("contribution for %s must have positive data points and reward", c.UserID)
	}
	if c.ContributionID == "" {
		c.ContributionID = uuid.NewString()
	}
	if c.ResearchStudy == "" {
		c.ResearchStudy = domain.ResearchStudyWearableSync
	}
	c.CreatedAt = time.Now().UTC()
	s.contributions = append(s.contributions, *c)

	total := decimal.Zero
	for _, row := range s.contributions {
		if row.UserID == c.UserID {
			total = total.Add(row.TokenReward)
		}
	}
	u.TotalTokensEarned = total
	return total, nil
}

// ====== sync writes ======

// WriteSync stages the readings, records the contribution and only then stores the readings,
// all under one lock.
func (s *MemoryWearablesStore) WriteSync(_ context.Context, readings []domain.BiomarkerReading, contribute ContributionFunc) (*SyncWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.stageReadings(readings)
	out := &SyncWrite{Inserted: len(staged)}

	if c := contribute(len(staged)); c != nil {
		total, err := s.recordContributionLocked(c)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
		}
		out.Contribution = c
		out.TotalTokensEarned = &total
	}

	s.applyReadings(staged)
	return out, nil
}

func (s *MemoryWearablesStore) ListContributions(_ context.Context, userID string, page, size int) ([]*domain.DesciContribution, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var all []*domain.DesciContribution
	for i := len(s.contributions) - 1; i >= 0; i-- {
		if s.contributions[i].UserID == userID {
			c := s.contributions[i]
			all = append(all, &c)
		}
	}

	page, size = normalizePage(page, size)
	total := len(all)
	start := (page - 1) * size
	if start > total {
		start = total
	}
	end := start + size
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}
