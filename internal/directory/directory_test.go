package directory

import (
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Mosaic/internal/core"
	"github.com/dkeye/Mosaic/internal/domain"
)

type stubPeer struct {
	mu     sync.Mutex
	id     domain.ParticipantID
	live   bool
	closed bool
}

func newStubPeer(id domain.ParticipantID) *stubPeer {
	return &stubPeer{id: id, live: true}
}

func (p *stubPeer) Remote() domain.ParticipantID { return p.id }

func (p *stubPeer) Live() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

func (p *stubPeer) Connected() bool { return false }

func (p *stubPeer) Deliver(core.SignalingMessage) bool { return p.Live() }

func (p *stubPeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.live = false
	p.closed = true
}

func (p *stubPeer) wasClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func TestAssignSlotFirstFit(t *testing.T) {
	t.Parallel()
	d := New(2)

	if i, ok := d.AssignSlot("p1"); !ok || i != 0 {
		t.Fatalf("p1: got (%d, %v), want (0, true)", i, ok)
	}
	if i, ok := d.AssignSlot("p2"); !ok || i != 1 {
		t.Fatalf("p2: got (%d, %v), want (1, true)", i, ok)
	}
	// Re-assignment is idempotent.
	if i, ok := d.AssignSlot("p1"); !ok || i != 0 {
		t.Fatalf("p1 again: got (%d, %v), want (0, true)", i, ok)
	}
	// Table full: onto the waiting list.
	if _, ok := d.AssignSlot("p3"); ok {
		t.Fatal("p3 got a slot in a full table")
	}

	snap := d.Snapshot()
	if len(snap.Waiting) != 1 || snap.Waiting[0] != "p3" {
		t.Errorf("waiting: got %v, want [p3]", snap.Waiting)
	}
}

func TestReleaseSlotRecyclesAndPromotes(t *testing.T) {
	t.Parallel()
	d := New(2)
	d.AssignSlot("p1")
	d.AssignSlot("p2")
	d.AssignSlot("p3") // waiting

	d.ReleaseSlot("p1")

	snap := d.Snapshot()
	if snap.Slots[0].Occupant != "p3" {
		t.Errorf("slot 0 after promotion: got %q, want p3", snap.Slots[0].Occupant)
	}
	if len(snap.Waiting) != 0 {
		t.Errorf("waiting after promotion: got %v, want empty", snap.Waiting)
	}

	d.ReleaseSlot("p3")
	snap = d.Snapshot()
	if snap.Slots[0].Occupant != "" {
		t.Errorf("slot 0: got %q, want placeholder", snap.Slots[0].Occupant)
	}
	if len(snap.Slots) != 2 {
		t.Errorf("slot count changed on release: got %d, want 2", len(snap.Slots))
	}
}

// Adopting a second session for the same participant must tear the first
// one down: at most one live session per id.
func TestAdoptPeerClosesPrevious(t *testing.T) {
	t.Parallel()
	d := New(2)
	first := newStubPeer("p1")
	second := newStubPeer("p1")

	d.AdoptPeer(first)
	d.AdoptPeer(second)

	if !first.wasClosed() {
		t.Error("previous live session not closed on adopt")
	}
	if second.wasClosed() {
		t.Error("fresh session closed")
	}
	h, ok := d.Peer("p1")
	if !ok || h != core.PeerHandle(second) {
		t.Error("directory does not hold the fresh session")
	}
}

func TestRemoveDropsEverything(t *testing.T) {
	t.Parallel()
	d := New(2)
	d.EnsureRecord("p1", "cam", domain.DeviceMobile)
	d.AssignSlot("p1")
	p := newStubPeer("p1")
	d.AdoptPeer(p)

	d.Remove("p1")

	if !p.wasClosed() {
		t.Error("peer not closed on remove")
	}
	if _, ok := d.Peer("p1"); ok {
		t.Error("peer still registered after remove")
	}
	snap := d.Snapshot()
	if len(snap.Participants) != 0 {
		t.Errorf("records after remove: got %d, want 0", len(snap.Participants))
	}
	if snap.Slots[0].Occupant != "" {
		t.Errorf("slot not recycled: got %q", snap.Slots[0].Occupant)
	}
}

func TestPublishUpdatesRecords(t *testing.T) {
	t.Parallel()
	d := New(2)
	d.EnsureRecord("p1", "cam", domain.DeviceDefault)

	now := time.Now()
	d.Publish(core.Event{Kind: core.EventStreamAttached, Participant: "p1", StreamID: "s", At: now})
	d.Publish(core.Event{Kind: core.EventVideoLost, Participant: "p1", At: now})

	rec := findRecord(t, d, "p1")
	if !rec.HasMedia || !rec.VideoLost {
		t.Errorf("record: got hasMedia=%v videoLost=%v, want true/true", rec.HasMedia, rec.VideoLost)
	}

	d.Publish(core.Event{Kind: core.EventVideoRestored, Participant: "p1", At: now})
	if rec := findRecord(t, d, "p1"); rec.VideoLost {
		t.Error("videoLost still set after restore")
	}

	d.Publish(core.Event{Kind: core.EventRetriesExhausted, Participant: "p1", Err: "gave up", At: now})
	rec = findRecord(t, d, "p1")
	if !rec.Failed || rec.FailureReason != "gave up" {
		t.Errorf("terminal failure not recorded: %+v", rec)
	}
}

// A terminal failure for one participant leaves the others untouched.
func TestTerminalFailureIsolated(t *testing.T) {
	t.Parallel()
	d := New(4)
	d.EnsureRecord("p1", "a", domain.DeviceDefault)
	d.EnsureRecord("p2", "b", domain.DeviceDefault)

	d.Publish(core.Event{Kind: core.EventRetriesExhausted, Participant: "p1", Err: "gone", At: time.Now()})

	if rec := findRecord(t, d, "p2"); rec.Failed || !rec.Active {
		t.Errorf("p2 affected by p1 failure: %+v", rec)
	}
}

func TestSubscribeReceivesEvents(t *testing.T) {
	t.Parallel()
	d := New(2)
	d.EnsureRecord("p1", "cam", domain.DeviceDefault)
	ch := d.Subscribe()

	d.Publish(core.Event{Kind: core.EventParticipantJoined, Participant: "p1", At: time.Now()})

	select {
	case e := <-ch:
		if e.Kind != core.EventParticipantJoined || e.Participant != "p1" {
			t.Errorf("event: got %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered to subscriber")
	}
}

func TestSelectIsExclusive(t *testing.T) {
	t.Parallel()
	d := New(2)
	d.EnsureRecord("p1", "a", domain.DeviceDefault)
	d.EnsureRecord("p2", "b", domain.DeviceDefault)

	d.Select("p1")
	d.Select("p2")

	if rec := findRecord(t, d, "p1"); rec.Selected {
		t.Error("p1 still selected")
	}
	if rec := findRecord(t, d, "p2"); !rec.Selected {
		t.Error("p2 not selected")
	}
	if d.Select("ghost") {
		t.Error("selecting an unknown participant succeeded")
	}
}

func findRecord(t *testing.T, d *Directory, id domain.ParticipantID) Record {
	t.Helper()
	for _, rec := range d.Snapshot().Participants {
		if rec.ID == id {
			return rec
		}
	}
	t.Fatalf("no record for %s", id)
	return Record{}
}
