package reservation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iliyamo/cinema-seat-saga/internal/model"
	"github.com/iliyamo/cinema-seat-saga/internal/repository"
)

// memStore is an in-memory ShowtimeStore and SeatStore.
type memStore struct {
	mu        sync.Mutex
	showtimes map[string]model.Showtime
	seats     map[string]map[string]model.ShowtimeSeat
	updateErr error
}

func newMemStore() *memStore {
	return &memStore{
		showtimes: make(map[string]model.Showtime),
		seats:     make(map[string]map[string]model.ShowtimeSeat),
	}
}

func (m *memStore) add(st model.Showtime, seatIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.showtimes[st.ID] = st
	rows := make(map[string]model.ShowtimeSeat)
	for _, id := range seatIDs {
		rows[id] = model.ShowtimeSeat{ShowtimeID: st.ID, SeatID: id, Status: model.SeatAvailable}
	}
	m.seats[st.ID] = rows
}

func (m *memStore) row(showtimeID, seatID string) model.ShowtimeSeat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seats[showtimeID][seatID]
}

func (m *memStore) set(r model.ShowtimeSeat) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seats[r.ShowtimeID][r.SeatID] = r
}

func (m *memStore) GetByID(_ context.Context, id string) (model.Showtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.showtimes[id]
	if !ok {
		return model.Showtime{}, repository.ErrNotFound
	}
	return st, nil
}

func (m *memStore) SetStatus(_ context.Context, id string, status model.ShowtimeStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.showtimes[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	changed := st.Status != status
	st.Status = status
	m.showtimes[id] = st
	return changed, nil
}

func (m *memStore) CreateWithSeats(_ context.Context, s *model.Showtime, seatIDs []string) error {
	if _, err := m.GetByID(context.Background(), s.ID); err == nil {
		return repository.ErrConflict
	}
	m.add(*s, seatIDs...)
	return nil
}

func (m *memStore) Get(_ context.Context, showtimeID string, seatIDs []string) ([]model.ShowtimeSeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ShowtimeSeat
	for _, id := range seatIDs {
		if r, ok := m.seats[showtimeID][id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListByShowtime(_ context.Context, showtimeID string) ([]model.ShowtimeSeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ShowtimeSeat
	for _, r := range m.seats[showtimeID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SeatID < out[j].SeatID })
	return out, nil
}

func (m *memStore) BookingIDs(_ context.Context, showtimeID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, r := range m.seats[showtimeID] {
		if r.BookingID != "" && !seen[r.BookingID] {
			seen[r.BookingID] = true
			out = append(out, r.BookingID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memStore) ListStaleLocked(_ context.Context, before time.Time, limit int) ([]model.ShowtimeSeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ShowtimeSeat
	for _, rows := range m.seats {
		for _, r := range rows {
			if r.Status == model.SeatLocked && r.UpdatedAt.Before(before) && len(out) < limit {
				out = append(out, r)
			}
		}
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, showtimeID string, seatIDs []string, fn func(*model.ShowtimeSeat) bool) ([]model.ShowtimeSeat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	ids := append([]string(nil), seatIDs...)
	sort.Strings(ids)
	var changed []model.ShowtimeSeat
	for _, id := range ids {
		r, ok := m.seats[showtimeID][id]
		if !ok {
			continue
		}
		if !fn(&r) {
			continue
		}
		r.UpdatedAt = time.Now().UTC()
		m.seats[showtimeID][id] = r
		changed = append(changed, r)
	}
	return changed, nil
}

// recordingHub collects broadcasts.
type recordingHub struct {
	mu      sync.Mutex
	changes []model.SeatStatusChange
}

func (h *recordingHub) Broadcast(_ context.Context, c model.SeatStatusChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.changes = append(h.changes, c)
}

func (h *recordingHub) last() model.SeatStatusChange {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.changes) == 0 {
		return model.SeatStatusChange{}
	}
	return h.changes[len(h.changes)-1]
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.changes)
}
