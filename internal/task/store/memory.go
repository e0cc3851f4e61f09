package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taskmesh/taskmesh/internal/task/models"
)

// MemoryStore keeps records in a map; useful for tests and single-process
// deployments that do not need durability.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*models.TaskRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory task store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*models.TaskRecord)}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) Create(ctx context.Context, input string, opts CreateOptions) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	record := &models.TaskRecord{
		ID:              id,
		Input:           input,
		Status:          models.StatusPending,
		AgentID:         opts.AgentID,
		AgentVersion:    opts.AgentVersion,
		SelectionReason: opts.SelectionReason,
		StartedAt:       now,
		IsRetry:         opts.IsRetry,
		OriginalTaskID:  opts.OriginalTaskID,
		RetryCount:      opts.RetryCount,
		Decision:        opts.Decision,
		ConversationID:  opts.ConversationID,
		Generation:      opts.Generation,
		SystemMode:      opts.SystemMode,
		MultiAgent:      opts.MultiAgent,
		Metadata:        opts.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	s.records[id] = record
	return record.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, patch Patch) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	ApplyPatch(record, patch, time.Now().UTC())
	return record.Clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	return record.Clone(), nil
}

func (s *MemoryStore) Query(ctx context.Context, filter Filter) ([]*models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*models.TaskRecord
	for _, record := range s.records {
		if matchesFilter(record, filter) {
			matched = append(matched, record)
		}
	}

	sortRecords(matched, filter.SortBy, filter.SortOrder)

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(matched) {
		matched = matched[:filter.Limit]
	}

	out := make([]*models.TaskRecord, len(matched))
	for i, record := range matched {
		out[i] = record.Clone()
	}
	return out, nil
}

func (s *MemoryStore) CreateRetry(ctx context.Context, originalID string, newInput *string) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.records[originalID]
	if !ok {
		return nil, ErrTaskNotFound
	}

	input := original.Input
	if newInput != nil {
		input = *newInput
	}

	now := time.Now().UTC()
	retry := &models.TaskRecord{
		ID:             uuid.New().String(),
		Input:          input,
		Status:         models.StatusPending,
		AgentID:        original.AgentID,
		AgentVersion:   original.AgentVersion,
		StartedAt:      now,
		IsRetry:        true,
		OriginalTaskID: originalID,
		RetryCount:     original.RetryCount + 1,
		ConversationID: original.ConversationID,
		Generation:     original.Generation,
		SystemMode:     original.SystemMode,
		MultiAgent:     original.MultiAgent,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	s.records[retry.ID] = retry
	original.Retries = append(original.Retries, retry.ID)
	original.UpdatedAt = now

	return retry.Clone(), nil
}

func (s *MemoryStore) RetryChain(ctx context.Context, id string) ([]*models.TaskRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return nil, ErrTaskNotFound
	}

	// Walk up to the lineage root, then collect depth-first in retry order.
	root := record
	for root.IsRetry && root.OriginalTaskID != "" {
		parent, ok := s.records[root.OriginalTaskID]
		if !ok {
			break
		}
		root = parent
	}

	var chain []*models.TaskRecord
	var collect func(r *models.TaskRecord)
	collect = func(r *models.TaskRecord) {
		chain = append(chain, r.Clone())
		for _, retryID := range r.Retries {
			if child, ok := s.records[retryID]; ok {
				collect(child)
			}
		}
	}
	collect(root)
	return chain, nil
}

func (s *MemoryStore) Rekey(ctx context.Context, oldID, newID string) (*models.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[oldID]
	if !ok {
		return nil, ErrTaskNotFound
	}
	if _, exists := s.records[newID]; exists {
		return nil, ErrTaskExists
	}

	now := time.Now().UTC()
	delete(s.records, oldID)
	record.ID = newID
	record.UpdatedAt = now
	s.records[newID] = record

	for _, other := range s.records {
		if other.OriginalTaskID == oldID {
			other.OriginalTaskID = newID
			other.UpdatedAt = now
		}
		for i, retryID := range other.Retries {
			if retryID == oldID {
				other.Retries[i] = newID
				other.UpdatedAt = now
			}
		}
	}

	return record.Clone(), nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return ErrTaskNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) DeleteByConversation(ctx context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, record := range s.records {
		if record.ConversationID == conversationID {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) DeleteOlderThan(ctx context.Context, days int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	count := 0
	for id, record := range s.records {
		if record.CreatedAt.Before(cutoff) {
			delete(s.records, id)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Claim(ctx context.Context, taskID, workerID string, leaseMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return false, ErrTaskNotFound
	}

	now := time.Now().UTC()
	if record.Status != models.StatusPending && record.Status != models.StatusInProgress {
		return false, nil
	}
	if record.Leased(now) {
		return false, nil
	}

	expires := now.Add(time.Duration(leaseMS) * time.Millisecond)
	claimed := now
	record.WorkerID = workerID
	record.LeaseExpiresAt = &expires
	record.LastClaimedAt = &claimed
	record.ClaimCount++
	record.Status = models.StatusInProgress
	record.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, taskID, workerID string, leaseMS int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return false, ErrTaskNotFound
	}

	now := time.Now().UTC()
	if record.WorkerID != workerID || !record.Leased(now) {
		return false, nil
	}

	expires := now.Add(time.Duration(leaseMS) * time.Millisecond)
	record.LeaseExpiresAt = &expires
	record.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, taskID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	if record.WorkerID != workerID {
		return nil
	}

	record.WorkerID = ""
	record.LeaseExpiresAt = nil
	record.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) NormalizeAtStartup(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	count := 0
	for _, record := range s.records {
		if record.Status != models.StatusPending && record.Status != models.StatusInProgress {
			continue
		}
		completed := now
		record.Status = models.StatusFailed
		record.Error = &models.ErrorInfo{
			Message:     RestartFailureMessage,
			FailedLayer: models.LayerStore,
		}
		record.CompletedAt = &completed
		record.DurationMS = completed.Sub(record.StartedAt).Milliseconds()
		record.WorkerID = ""
		record.LeaseExpiresAt = nil
		record.UpdatedAt = now
		count++
	}
	return count, nil
}

func matchesFilter(record *models.TaskRecord, filter Filter) bool {
	if filter.Status != "" && record.Status != filter.Status {
		return false
	}
	if filter.AgentID != "" && record.AgentID != filter.AgentID {
		return false
	}
	if filter.ConversationID != "" && record.ConversationID != filter.ConversationID {
		return false
	}
	if filter.OriginalTaskID != "" && record.OriginalTaskID != filter.OriginalTaskID {
		return false
	}
	if filter.IsRetry != nil && record.IsRetry != *filter.IsRetry {
		return false
	}
	if filter.StartDate != nil && record.CreatedAt.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && record.CreatedAt.After(*filter.EndDate) {
		return false
	}
	if filter.Search != "" {
		needle := strings.ToLower(filter.Search)
		if !strings.Contains(strings.ToLower(record.Input), needle) &&
			!strings.Contains(strings.ToLower(record.Output), needle) {
			return false
		}
	}
	return true
}

func sortRecords(records []*models.TaskRecord, sortBy, sortOrder string) {
	asc := strings.EqualFold(sortOrder, "asc")

	less := func(a, b *models.TaskRecord) bool {
		switch sortBy {
		case "started_at":
			return a.StartedAt.Before(b.StartedAt)
		case "completed_at":
			at, bt := time.Time{}, time.Time{}
			if a.CompletedAt != nil {
				at = *a.CompletedAt
			}
			if b.CompletedAt != nil {
				bt = *b.CompletedAt
			}
			return at.Before(bt)
		case "status":
			return a.Status < b.Status
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if asc {
			return less(records[i], records[j])
		}
		return less(records[j], records[i])
	})
}
