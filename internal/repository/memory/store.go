// Package memory provides in-memory implementations of the repository interfaces.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/vaidashi/failure-recovery/internal/models"
	"github.com/vaidashi/failure-recovery/internal/repository"
)

// Store keeps every document in maps guarded by one mutex. Values are copied on the way in and
// out so callers never share state with the store.
type Store struct {
	mu         sync.RWMutex
	messages   map[string]*models.FailedMessage
	batches    map[string]*models.RetryBatch
	markers    map[string]models.FailedMessageRetry
	pointer    *models.ForwardingPointer
	staged     map[string]map[string]models.StagedMessage
	history    *models.RetryHistory
	endpoints  map[string]models.KnownEndpoint
	redirects  map[string]models.MessageRedirect
	indexStale bool
}

var (
	_ repository.FailedMessageStore = (*Store)(nil)
	_ repository.RetryBatchStore    = (*Store)(nil)
	_ repository.HistoryStore       = (*Store)(nil)
	_ repository.EndpointStore      = (*Store)(nil)
	_ repository.RedirectStore      = (*Store)(nil)
)

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		messages:  make(map[string]*models.FailedMessage),
		batches:   make(map[string]*models.RetryBatch),
		markers:   make(map[string]models.FailedMessageRetry),
		staged:    make(map[string]map[string]models.StagedMessage),
		history:   &models.RetryHistory{},
		endpoints: make(map[string]models.KnownEndpoint),
		redirects: make(map[string]models.MessageRedirect),
	}
}

// SetIndexStale makes orphan queries report a stale index
func (s *Store) SetIndexStale(stale bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.indexStale = stale
}

// clone deep-copies v through JSON, keeping the version field that JSON skips
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		panic(err)
	}

	return out
}

func cloneMessage(m *models.FailedMessage) *models.FailedMessage {
	c := clone(m)
	c.Version = m.Version
	return c
}

func cloneBatch(b *models.RetryBatch) *models.RetryBatch {
	c := clone(b)
	c.Version = b.Version
	return c
}

// PutMessage stores a failure record as is, for test setup
func (s *Store) PutMessage(m *models.FailedMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[m.ID] = cloneMessage(m)
}

// DeleteMessage removes a failure record, for test setup
func (s *Store) DeleteMessage(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, id)
}

func (s *Store) RecordAttempt(ctx context.Context, id string, attempt models.ProcessingAttempt, groups []models.FailureGroup) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	attempt.AttemptedAt = attempt.AttemptedAt.UTC()
	msg, exists := s.messages[id]

	if !exists {
		msg = &models.FailedMessage{ID: id}
		s.messages[id] = msg
	}

	msg.ApplyAttempt(attempt, groups)
	msg.Version++

	// round-trip so stored metadata matches what the Postgres repository returns
	s.messages[id] = cloneMessage(msg)

	return !exists, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	return cloneMessage(msg), nil
}

func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]*models.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]*models.FailedMessage, len(ids))

	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			result[id] = cloneMessage(msg)
		}
	}

	return result, nil
}

func (s *Store) SetStatus(ctx context.Context, ids []string, status models.FailedMessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if msg, ok := s.messages[id]; ok {
			msg.Status = status
			msg.LastModified = models.GetCurrentTime()
			msg.Version++
		}
	}

	return nil
}

func (s *Store) matching(sel repository.Selector) []string {
	var ids []string

	for id, msg := range s.messages {
		if sel.Matches(msg) {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)
	return ids
}

func (s *Store) Count(ctx context.Context, sel repository.Selector) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.matching(sel)), nil
}

func (s *Store) StreamIDs(ctx context.Context, sel repository.Selector, pageSize int, fn func(ids []string) error) error {
	after := ""

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.mu.RLock()
		var page []string
		for _, id := range s.matching(sel) {
			if id > after {
				page = append(page, id)
				if len(page) == pageSize {
					break
				}
			}
		}
		s.mu.RUnlock()

		if len(page) == 0 {
			return nil
		}

		if err := fn(page); err != nil {
			return err
		}

		if len(page) < pageSize {
			return nil
		}

		after = page[len(page)-1]
	}
}

func (s *Store) groups(filter func(models.FailureGroup) bool) []models.GroupSummary {
	summaries := make(map[string]*models.GroupSummary)

	for _, msg := range s.messages {
		if msg.Status != models.FailedMessageStatusUnresolved {
			continue
		}

		for _, g := range msg.FailureGroups {
			if !filter(g) {
				continue
			}

			summary, ok := summaries[g.ID]
			if !ok {
				summary = &models.GroupSummary{ID: g.ID, Title: g.Title, Type: g.Type, First: msg.LastModified, Last: msg.LastModified}
				summaries[g.ID] = summary
			}

			summary.Count++
			if msg.LastModified.Before(summary.First) {
				summary.First = msg.LastModified
			}
			if msg.LastModified.After(summary.Last) {
				summary.Last = msg.LastModified
			}
		}
	}

	result := make([]models.GroupSummary, 0, len(summaries))
	for _, summary := range summaries {
		result = append(result, *summary)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].Last.Equal(result[j].Last) {
			return result[i].Last.After(result[j].Last)
		}
		return result[i].ID < result[j].ID
	})

	return result
}

func (s *Store) ListGroups(ctx context.Context, classifier string) ([]models.GroupSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.groups(func(g models.FailureGroup) bool { return g.Type == classifier }), nil
}

func (s *Store) GetGroup(ctx context.Context, groupID string) (*models.GroupSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	groups := s.groups(func(g models.FailureGroup) bool { return g.ID == groupID })
	if len(groups) == 0 {
		return nil, repository.ErrNotFound
	}

	return &groups[0], nil
}

func (s *Store) CreateBatch(ctx context.Context, batch *models.RetryBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch.Version = 1
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (*models.RetryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batch, ok := s.batches[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	return cloneBatch(batch), nil
}

func (s *Store) UpdateBatch(ctx context.Context, batch *models.RetryBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.batches[batch.ID]
	if !ok || stored.Version != batch.Version {
		return repository.ErrConcurrency
	}

	batch.Version++
	s.batches[batch.ID] = cloneBatch(batch)
	return nil
}

func (s *Store) DeleteBatch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.batches, id)
	return nil
}

func (s *Store) sortedBatches(filter func(*models.RetryBatch) bool) []*models.RetryBatch {
	var result []*models.RetryBatch

	for _, batch := range s.batches {
		if filter(batch) {
			result = append(result, cloneBatch(batch))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].StartTime.Equal(result[j].StartTime) {
			return result[i].StartTime.Before(result[j].StartTime)
		}
		return result[i].ID < result[j].ID
	})

	return result
}

func (s *Store) ListBatches(ctx context.Context, status models.RetryBatchStatus) ([]*models.RetryBatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sortedBatches(func(b *models.RetryBatch) bool { return b.Status == status }), nil
}

func (s *Store) FindOrphans(ctx context.Context, sessionID string) (*repository.OrphanQuery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	batches := s.sortedBatches(func(b *models.RetryBatch) bool {
		return b.Status == models.RetryBatchStatusMarkingDocuments && b.RetrySessionID != sessionID
	})

	return &repository.OrphanQuery{Batches: batches, Stale: s.indexStale}, nil
}

func (s *Store) CreateMarker(ctx context.Context, marker models.FailedMessageRetry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.markers[marker.FailedMessageID]; exists {
		return false, nil
	}

	s.markers[marker.FailedMessageID] = marker
	return true, nil
}

func (s *Store) GetMarkers(ctx context.Context, batchID string) ([]models.FailedMessageRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var markers []models.FailedMessageRetry

	for _, m := range s.markers {
		if m.RetryBatchID == batchID {
			markers = append(markers, m)
		}
	}

	sort.Slice(markers, func(i, j int) bool { return markers[i].FailedMessageID < markers[j].FailedMessageID })
	return markers, nil
}

func (s *Store) GetMarker(ctx context.Context, failedMessageID string) (*models.FailedMessageRetry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markers[failedMessageID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	return &m, nil
}

func (s *Store) DeleteMarker(ctx context.Context, failedMessageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.markers, failedMessageID)
	return nil
}

func (s *Store) DeleteMarkersForBatch(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, m := range s.markers {
		if m.RetryBatchID == batchID {
			delete(s.markers, id)
		}
	}

	return nil
}

func (s *Store) GetForwardingPointer(ctx context.Context) (*models.ForwardingPointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.pointer == nil {
		return nil, repository.ErrNotFound
	}

	ptr := *s.pointer
	return &ptr, nil
}

func (s *Store) ClaimForwarding(ctx context.Context, expectedVersion int64, ptr models.ForwardingPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := int64(0)
	if s.pointer != nil {
		current = s.pointer.Version
	}

	if current != expectedVersion {
		return repository.ErrConcurrency
	}

	ptr.Version = current + 1
	s.pointer = &ptr
	return nil
}

func (s *Store) ReleaseForwarding(ctx context.Context, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pointer != nil && s.pointer.RetryBatchID == batchID {
		s.pointer = nil
	}

	return nil
}

func (s *Store) SaveStaged(ctx context.Context, messages []models.StagedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range messages {
		if s.staged[m.StagingID] == nil {
			s.staged[m.StagingID] = make(map[string]models.StagedMessage)
		}
		s.staged[m.StagingID][m.FailedMessageID] = *clone(&m)
	}

	return nil
}

func (s *Store) GetStaged(ctx context.Context, stagingID string) ([]models.StagedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []models.StagedMessage

	for _, m := range s.staged[stagingID] {
		messages = append(messages, *clone(&m))
	}

	sort.Slice(messages, func(i, j int) bool { return messages[i].FailedMessageID < messages[j].FailedMessageID })
	return messages, nil
}

func (s *Store) DeleteStaged(ctx context.Context, stagingID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.staged, stagingID)
	return nil
}

// StagedCount returns the number of staged messages across all staging ids
func (s *Store) StagedCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, m := range s.staged {
		n += len(m)
	}
	return n
}

func (s *Store) GetHistory(ctx context.Context) (*models.RetryHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := clone(s.history)
	h.Version = s.history.Version
	return h, nil
}

func (s *Store) SaveHistory(ctx context.Context, history *models.RetryHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if history.Version != s.history.Version {
		return repository.ErrConcurrency
	}

	history.Version++
	stored := clone(history)
	stored.Version = history.Version
	s.history = stored
	return nil
}

func endpointKey(name, hostID string) string {
	return name + "\x00" + hostID
}

func (s *Store) UpsertEndpoints(ctx context.Context, endpoints []models.KnownEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range endpoints {
		key := endpointKey(e.Name, e.HostID)
		if existing, ok := s.endpoints[key]; ok {
			existing.Host = e.Host
			s.endpoints[key] = existing
			continue
		}
		s.endpoints[key] = e
	}

	return nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]models.KnownEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.KnownEndpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		result = append(result, e)
	}

	sort.Slice(result, func(i, j int) bool {
		return endpointKey(result[i].Name, result[i].HostID) < endpointKey(result[j].Name, result[j].HostID)
	})
	return result, nil
}

func (s *Store) Resolve(ctx context.Context, address string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.redirects[address]; ok {
		return r.ToPhysicalAddress, nil
	}

	return address, nil
}

func (s *Store) ListRedirects(ctx context.Context) ([]models.MessageRedirect, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]models.MessageRedirect, 0, len(s.redirects))
	for _, r := range s.redirects {
		result = append(result, r)
	}

	sort.Slice(result, func(i, j int) bool {
		return strings.Compare(result[i].FromPhysicalAddress, result[j].FromPhysicalAddress) < 0
	})
	return result, nil
}

func (s *Store) SaveRedirect(ctx context.Context, redirect models.MessageRedirect) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.redirects[redirect.FromPhysicalAddress] = redirect
	return nil
}

func (s *Store) DeleteRedirect(ctx context.Context, fromAddress string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.redirects[fromAddress]; !ok {
		return repository.ErrNotFound
	}

	delete(s.redirects, fromAddress)
	return nil
}
