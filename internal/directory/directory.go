// Package directory is the session's participant registry: slot table,
// participant records and ownership of every peer session. It is the one
// place all orchestration components funnel status events into and the
// only surface the UI layer reads, so the UI never talks to individual
// peer sessions.
package directory

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

// Record is the directory's view of one participant. Mutated only by
// events and directory operations, read via snapshots.
type Record struct {
	ID            domain.ParticipantID `json:"id"`
	DisplayName   string               `json:"displayName"`
	DeviceClass   domain.DeviceClass   `json:"deviceClass"`
	JoinedAt      time.Time            `json:"joinedAt"`
	LastActiveAt  time.Time            `json:"lastActiveAt"`
	Active        bool                 `json:"active"`
	Selected      bool                 `json:"selected"`
	HasMedia      bool                 `json:"hasMedia"`
	VideoLost     bool                 `json:"videoLost"`
	Failed        bool                 `json:"failed"`
	FailureReason string               `json:"failureReason,omitempty"`
}

// Slot is one fixed position in the composited output. An empty Occupant
// is a placeholder: released slots are recycled, never destroyed.
type Slot struct {
	Index    int                  `json:"index"`
	Occupant domain.ParticipantID `json:"occupant,omitempty"`
}

type Snapshot struct {
	Slots        []Slot                 `json:"slots"`
	Waiting      []domain.ParticipantID `json:"waiting,omitempty"`
	Participants []Record               `json:"participants"`
}

type Directory struct {
	mu      sync.RWMutex
	slots   []domain.ParticipantID
	waiting []domain.ParticipantID
	records map[domain.ParticipantID]*Record
	peers   map[domain.ParticipantID]core.PeerHandle
	subs    []chan core.Event
}

func New(capacity int) *Directory {
	if capacity <= 0 {
		capacity = 4
	}
	return &Directory{
		slots:   make([]domain.ParticipantID, capacity),
		records: make(map[domain.ParticipantID]*Record),
		peers:   make(map[domain.ParticipantID]core.PeerHandle),
	}
}

// EnsureRecord creates or revives the record for a joining participant.
func (d *Directory) EnsureRecord(id domain.ParticipantID, displayName string, class domain.DeviceClass) Record {
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		rec = &Record{ID: id, JoinedAt: now}
		d.records[id] = rec
		log.Info().Str("module", "directory").Str("participant", string(id)).Msg("record created")
	}
	if displayName != "" {
		rec.DisplayName = displayName
	}
	if class != "" {
		rec.DeviceClass = class
	}
	rec.Active = true
	rec.Failed = false
	rec.FailureReason = ""
	rec.LastActiveAt = now
	return *rec
}

func (d *Directory) Touch(id domain.ParticipantID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rec, ok := d.records[id]; ok {
		rec.LastActiveAt = time.Now()
	}
}

// Select marks one participant as the transmission focus; exclusive.
func (d *Directory) Select(id domain.ParticipantID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	target, ok := d.records[id]
	if !ok {
		return false
	}
	for _, rec := range d.records {
		rec.Selected = false
	}
	target.Selected = true
	log.Info().Str("module", "directory").Str("participant", string(id)).Msg("selected")
	return true
}

// AssignSlot puts the participant into the first empty or placeholder
// slot. When the table is full the participant goes onto the waiting
// list and the second return is false.
func (d *Directory) AssignSlot(id domain.ParticipantID) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, occ := range d.slots {
		if occ == id {
			return i, true
		}
	}
	for i, occ := range d.slots {
		if occ == "" {
			d.slots[i] = id
			log.Info().Str("module", "directory").Str("participant", string(id)).Int("slot", i).Msg("slot assigned")
			return i, true
		}
	}
	for _, w := range d.waiting {
		if w == id {
			return -1, false
		}
	}
	d.waiting = append(d.waiting, id)
	log.Info().Str("module", "directory").Str("participant", string(id)).Msg("slots full, waiting")
	return -1, false
}

// ReleaseSlot returns the participant's slot to the placeholder pool and
// promotes the first waiting participant into it, if any.
func (d *Directory) ReleaseSlot(id domain.ParticipantID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, occ := range d.slots {
		if occ != id {
			continue
		}
		d.slots[i] = ""
		if len(d.waiting) > 0 {
			promoted := d.waiting[0]
			d.waiting = d.waiting[1:]
			d.slots[i] = promoted
			log.Info().Str("module", "directory").Str("participant", string(promoted)).Int("slot", i).Msg("promoted from waiting list")
		}
		return
	}
	for i, w := range d.waiting {
		if w == id {
			d.waiting = append(d.waiting[:i], d.waiting[i+1:]...)
			return
		}
	}
}

// AdoptPeer registers a peer session as the single live connection for
// its participant. Any previous live session for the same id is torn
// down first, so orphaned connections cannot exist.
func (d *Directory) AdoptPeer(h core.PeerHandle) {
	id := h.Remote()
	d.mu.Lock()
	old := d.peers[id]
	d.peers[id] = h
	d.mu.Unlock()
	if old != nil && old.Live() {
		log.Info().Str("module", "directory").Str("participant", string(id)).Msg("replacing live peer session")
		old.Close()
	}
}

func (d *Directory) Peer(id domain.ParticipantID) (core.PeerHandle, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.peers[id]
	return h, ok
}

// Peers returns the current peer handles; the slice is a copy.
func (d *Directory) Peers() []core.PeerHandle {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]core.PeerHandle, 0, len(d.peers))
	for _, h := range d.peers {
		out = append(out, h)
	}
	return out
}

// Remove drops the participant entirely: peer closed, slot recycled,
// record deleted. The peer teardown happens outside the lock because it
// publishes events back into the directory.
func (d *Directory) Remove(id domain.ParticipantID) {
	d.mu.Lock()
	h := d.peers[id]
	delete(d.peers, id)
	delete(d.records, id)
	d.mu.Unlock()

	d.ReleaseSlot(id)
	if h != nil {
		h.Close()
	}
	log.Info().Str("module", "directory").Str("participant", string(id)).Msg("participant removed")
}

// CloseAll tears down every owned peer session.
func (d *Directory) CloseAll() {
	for _, h := range d.Peers() {
		h.Close()
	}
}

// Publish is the event funnel: records are updated here and the event is
// fanned out to subscribers. Never blocks; slow subscribers lose events.
func (d *Directory) Publish(e core.Event) {
	d.mu.Lock()
	if rec, ok := d.records[e.Participant]; ok {
		rec.LastActiveAt = e.At
		switch e.Kind {
		case core.EventParticipantJoined:
			rec.Active = true
			rec.Failed = false
			rec.FailureReason = ""
		case core.EventParticipantLeft:
			rec.Active = false
			rec.HasMedia = false
		case core.EventStreamAttached:
			rec.HasMedia = true
			rec.VideoLost = false
		case core.EventVideoLost:
			rec.VideoLost = true
		case core.EventVideoRestored:
			rec.VideoLost = false
		case core.EventRetriesExhausted, core.EventMediaAcquireFailure:
			rec.Failed = true
			rec.FailureReason = e.Err
		}
	}
	subs := make([]chan core.Event, len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- e:
		default:
			log.Debug().Str("module", "directory").Str("kind", string(e.Kind)).Msg("subscriber behind, event dropped")
		}
	}
}

// Subscribe returns a buffered event stream for the UI layer.
func (d *Directory) Subscribe() <-chan core.Event {
	ch := make(chan core.Event, 64)
	d.mu.Lock()
	d.subs = append(d.subs, ch)
	d.mu.Unlock()
	return ch
}

// Snapshot is the read-only view handed to the UI layer.
func (d *Directory) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	snap := Snapshot{
		Slots:        make([]Slot, len(d.slots)),
		Waiting:      append([]domain.ParticipantID(nil), d.waiting...),
		Participants: make([]Record, 0, len(d.records)),
	}
	for i, occ := range d.slots {
		snap.Slots[i] = Slot{Index: i, Occupant: occ}
	}
	for _, rec := range d.records {
		snap.Participants = append(snap.Participants, *rec)
	}
	return snap
}
