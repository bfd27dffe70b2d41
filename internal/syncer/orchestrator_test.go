package syncer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/warchive/internal/bus"
	"github.com/matheus3301/warchive/internal/identity"
	"github.com/matheus3301/warchive/internal/media"
	"github.com/matheus3301/warchive/internal/status"
	"github.com/matheus3301/warchive/internal/store"
	"github.com/matheus3301/warchive/internal/wa"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

type fakeClient struct {
	mu       sync.Mutex
	connects int
	ended    bool
}

func (c *fakeClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	return nil
}

func (c *fakeClient) EndSession(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = true
	return nil
}

func (c *fakeClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeClient) sessionEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}

type stubDownloader struct{}

func (stubDownloader) Download(ctx context.Context, ref *media.Ref) ([]byte, error) {
	return []byte("bytes"), nil
}

func (stubDownloader) Refresh(ctx context.Context, ref *media.Ref) (*media.Ref, error) {
	return ref, nil
}

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

type fixture struct {
	db      *store.DB
	bus     *bus.Bus
	machine *status.Machine
	client  *fakeClient
	orch    *Orchestrator
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	db := newTestDB(t)
	b := bus.New()
	m := status.NewMachine(b)
	client := &fakeClient{}
	fetcher := media.NewFetcher(stubDownloader{}, db, media.Options{
		Dir:         t.TempDir(),
		Concurrency: 2,
	}, zap.NewNop())
	resolver := identity.NewResolver(db, zap.NewNop())

	o := New(db, b, m, fetcher, resolver, client, opts, zap.NewNop())
	o.Start(context.Background())
	t.Cleanup(o.Stop)

	return &fixture{db: db, bus: b, machine: m, client: client, orch: o}
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sp(s string) *string { return &s }
func ip(i int64) *int64   { return &i }

func historyBatch(msgs ...*store.Message) *wa.HistoryBatch {
	batch := &wa.HistoryBatch{}
	for _, m := range msgs {
		batch.Messages = append(batch.Messages, &wa.Parsed{Message: m})
	}
	return batch
}

func TestIngestHistoryBatch(t *testing.T) {
	f := newFixture(t, Options{Settle: time.Hour, Reconnect: time.Hour})

	progCh, unsub := f.bus.Subscribe("notify.progress", 10)
	defer unsub()

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	f.bus.Publish(bus.Event{Kind: "wa.history", Payload: &wa.HistoryBatch{
		Chats: []*store.Chat{{JID: "chat@s.whatsapp.net", Name: sp("Eric"), LastMessageTime: ip(5000)}},
		Contacts: []*store.Contact{
			{JID: "chat@s.whatsapp.net", Name: sp("Eric"), PhoneNumber: sp("5511999")},
		},
		Messages: []*wa.Parsed{
			{Message: &store.Message{ID: "m1", ChatJID: "chat@s.whatsapp.net", Timestamp: ip(5000), Content: sp("hi")}},
		},
	}})

	waitFor(t, 2*time.Second, "message ingested", func() bool {
		m, err := f.db.GetMessage("m1")
		return err == nil && m != nil
	})

	chat, err := f.db.GetChat("chat@s.whatsapp.net")
	if err != nil || chat == nil {
		t.Fatalf("chat missing: %v", err)
	}
	if chat.Name == nil || *chat.Name != "Eric" {
		t.Errorf("chat name = %v, want Eric", chat.Name)
	}
	contact, err := f.db.GetContact("chat@s.whatsapp.net")
	if err != nil || contact == nil {
		t.Fatalf("contact missing: %v", err)
	}

	select {
	case evt := <-progCh:
		p, ok := evt.Payload.(Progress)
		if !ok {
			t.Fatal("progress payload has wrong type")
		}
		if p.Messages != 1 || p.Chats != 1 {
			t.Errorf("progress = %+v, want 1 chat 1 message", p)
		}
	case <-time.After(time.Second):
		t.Fatal("no progress event published")
	}
}

func TestMalformedRecordsDropped(t *testing.T) {
	f := newFixture(t, Options{Settle: time.Hour, Reconnect: time.Hour})

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	f.bus.Publish(bus.Event{Kind: "wa.history", Payload: &wa.HistoryBatch{
		Chats: []*store.Chat{{JID: ""}},
		Messages: []*wa.Parsed{
			{Message: &store.Message{ID: "", ChatJID: "c@s.whatsapp.net"}},
			{Message: &store.Message{ID: "ok1", ChatJID: "c@s.whatsapp.net", Timestamp: ip(1)}},
		},
	}})

	waitFor(t, 2*time.Second, "valid message ingested", func() bool {
		m, err := f.db.GetMessage("ok1")
		return err == nil && m != nil
	})

	if got := f.orch.dropped.Load(); got != 2 {
		t.Errorf("dropped = %d, want 2 (empty chat JID, empty message ID)", got)
	}
}

// TestSettleDebounce verifies the quiet-period property: batches that keep
// arriving push the finish out, and the sync only completes after a full
// settle window with no new data.
func TestSettleDebounce(t *testing.T) {
	f := newFixture(t, Options{Settle: 300 * time.Millisecond, Reconnect: time.Hour})

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	waitFor(t, time.Second, "syncing", func() bool {
		return f.machine.Current() == status.Syncing
	})

	// Three batches 100ms apart keep resetting the timer.
	for i, id := range []string{"m1", "m2", "m3"} {
		if i > 0 {
			time.Sleep(100 * time.Millisecond)
		}
		f.bus.Publish(bus.Event{Kind: "wa.history", Payload: historyBatch(
			&store.Message{ID: id, ChatJID: "c@s.whatsapp.net", Timestamp: ip(int64(i + 1))},
		)})
	}

	// Shortly after the last batch the sync must still be running: the
	// window restarts on every batch instead of expiring from the first.
	time.Sleep(150 * time.Millisecond)
	if s := f.machine.Current(); s != status.Syncing {
		t.Fatalf("state = %s 150ms after last batch, want SYNCING", s)
	}

	waitFor(t, 3*time.Second, "sync complete", func() bool {
		return f.machine.Current() == status.Disconnected
	})
	if !f.client.sessionEnded() {
		t.Error("session was not ended after completion")
	}
}

func TestCompletePublishesSummary(t *testing.T) {
	f := newFixture(t, Options{Settle: 100 * time.Millisecond, Reconnect: time.Hour})

	doneCh, unsub := f.bus.Subscribe("notify.complete", 10)
	defer unsub()

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	f.bus.Publish(bus.Event{Kind: "wa.history", Payload: historyBatch(
		&store.Message{ID: "m1", ChatJID: "c@s.whatsapp.net", Timestamp: ip(1)},
	)})

	select {
	case evt := <-doneCh:
		sum, ok := evt.Payload.(Summary)
		if !ok {
			t.Fatal("complete payload has wrong type")
		}
		if sum.Stats == nil || sum.Stats.Messages != 1 {
			t.Errorf("summary stats = %+v, want 1 message", sum.Stats)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notify.complete event")
	}
}

func TestPairingEventsForwarded(t *testing.T) {
	f := newFixture(t, Options{Settle: time.Hour, Reconnect: time.Hour})

	qrCh, unsubQR := f.bus.Subscribe("notify.qr", 10)
	defer unsubQR()
	toCh, unsubTO := f.bus.Subscribe("notify.pairing_timeout", 10)
	defer unsubTO()

	f.bus.Publish(bus.Event{Kind: "wa.qr", Payload: "data:image/png;base64,xxx"})
	f.bus.Publish(bus.Event{Kind: "wa.pairing_timeout"})

	select {
	case evt := <-qrCh:
		if evt.Payload != "data:image/png;base64,xxx" {
			t.Errorf("qr payload = %v, want the data URL", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no notify.qr event")
	}
	select {
	case evt := <-toCh:
		if evt.Timestamp.IsZero() {
			t.Error("pairing timeout event has zero timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("no notify.pairing_timeout event")
	}
}

func TestPhaseNotificationsCarryCounts(t *testing.T) {
	f := newFixture(t, Options{Settle: 100 * time.Millisecond, Reconnect: time.Hour})

	phaseCh, unsub := f.bus.Subscribe("notify.phase", 10)
	defer unsub()

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	f.bus.Publish(bus.Event{Kind: "wa.history", Payload: historyBatch(
		&store.Message{ID: "m1", ChatJID: "c@s.whatsapp.net", Timestamp: ip(1)},
	)})

	select {
	case evt := <-phaseCh:
		p, ok := evt.Payload.(Phase)
		if !ok {
			t.Fatal("phase payload has wrong type")
		}
		if p.Name != "settling" {
			t.Errorf("first phase = %q, want settling", p.Name)
		}
		if p.Progress.Messages != 1 {
			t.Errorf("phase messages = %d, want 1", p.Progress.Messages)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no notify.phase event")
	}
}

func TestMediaDrainedOnFinish(t *testing.T) {
	f := newFixture(t, Options{Settle: 100 * time.Millisecond, Reconnect: time.Hour})

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	f.bus.Publish(bus.Event{Kind: "wa.history", Payload: &wa.HistoryBatch{
		Messages: []*wa.Parsed{{
			Message: &store.Message{ID: "img1", ChatJID: "c@s.whatsapp.net", Timestamp: ip(1), MediaType: sp("image")},
			Media:   &media.Ref{MessageID: "img1", ChatJID: "c@s.whatsapp.net", Kind: "image", Mime: "image/jpeg"},
		}},
	}})

	waitFor(t, 3*time.Second, "media path recorded", func() bool {
		m, err := f.db.GetMessage("img1")
		return err == nil && m != nil && m.MediaPath != nil
	})
}

func TestDisconnectSchedulesRedial(t *testing.T) {
	f := newFixture(t, Options{Settle: time.Hour, Reconnect: 50 * time.Millisecond})

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	waitFor(t, time.Second, "syncing", func() bool {
		return f.machine.Current() == status.Syncing
	})

	f.bus.Publish(bus.Event{Kind: "wa.disconnected"})
	waitFor(t, time.Second, "reconnecting", func() bool {
		return f.machine.Current() == status.Reconnecting
	})
	waitFor(t, time.Second, "redial", func() bool {
		return f.client.connectCount() >= 1
	})
}

func TestLoggedOutIsTerminal(t *testing.T) {
	f := newFixture(t, Options{Settle: time.Hour, Reconnect: 10 * time.Millisecond})

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	waitFor(t, time.Second, "syncing", func() bool {
		return f.machine.Current() == status.Syncing
	})

	f.bus.Publish(bus.Event{Kind: "wa.logged_out"})
	waitFor(t, time.Second, "logged out", func() bool {
		return f.machine.Current() == status.LoggedOut
	})

	// No redial after a logout.
	time.Sleep(100 * time.Millisecond)
	if f.client.connectCount() != 0 {
		t.Errorf("connects = %d, want 0 after logout", f.client.connectCount())
	}
}

func TestCachedSenderNameFillsLaterMessages(t *testing.T) {
	f := newFixture(t, Options{Settle: time.Hour, Reconnect: time.Hour})

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	f.bus.Publish(bus.Event{Kind: "wa.history", Payload: historyBatch(
		&store.Message{ID: "m1", ChatJID: "c@s.whatsapp.net", Timestamp: ip(1), SenderJID: sp("u@s.whatsapp.net"), SenderName: sp("Alice")},
		&store.Message{ID: "m2", ChatJID: "c@s.whatsapp.net", Timestamp: ip(2), SenderJID: sp("u@s.whatsapp.net")},
	)})

	waitFor(t, 2*time.Second, "messages ingested", func() bool {
		m, err := f.db.GetMessage("m2")
		return err == nil && m != nil
	})

	m2, _ := f.db.GetMessage("m2")
	if m2.SenderName == nil || *m2.SenderName != "Alice" {
		t.Errorf("m2 SenderName = %v, want cached Alice", m2.SenderName)
	}
}

func TestStorageFailureIsFatal(t *testing.T) {
	f := newFixture(t, Options{Settle: time.Hour, Reconnect: time.Hour})

	f.bus.Publish(bus.Event{Kind: "wa.connected"})
	waitFor(t, time.Second, "syncing", func() bool {
		return f.machine.Current() == status.Syncing
	})

	// Closing the store makes the next write fail.
	if err := f.db.Close(); err != nil {
		t.Fatal(err)
	}
	f.bus.Publish(bus.Event{Kind: "wa.history", Payload: historyBatch(
		&store.Message{ID: "m1", ChatJID: "c@s.whatsapp.net", Timestamp: ip(1)},
	)})

	select {
	case err := <-f.orch.Fatal():
		if err == nil {
			t.Fatal("fatal channel delivered nil error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fatal error after write against closed store")
	}
}

func TestRequeuePendingMedia(t *testing.T) {
	f := newFixture(t, Options{Settle: time.Hour, Reconnect: time.Hour})

	raw, err := protojson.Marshal(&waE2E.Message{
		ImageMessage: &waE2E.ImageMessage{Mimetype: proto.String("image/jpeg")},
	})
	if err != nil {
		t.Fatal(err)
	}
	rawStr := string(raw)

	seed := []*store.Message{
		// Media never downloaded: must be requeued.
		{ID: "p1", ChatJID: "c@s.whatsapp.net", Timestamp: ip(1), MediaType: sp("image"), MediaMime: sp("image/jpeg"), RawMetadata: &rawStr},
		// Already on disk: skipped.
		{ID: "p2", ChatJID: "c@s.whatsapp.net", Timestamp: ip(2), MediaType: sp("image"), MediaPath: sp("/tmp/p2.jpg"), RawMetadata: &rawStr},
		// No media at all: skipped.
		{ID: "p3", ChatJID: "c@s.whatsapp.net", Timestamp: ip(3), Content: sp("text")},
	}
	if err := f.db.BulkUpsertMessages(seed); err != nil {
		t.Fatal(err)
	}

	queued, err := f.orch.RequeuePendingMedia()
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if queued != 1 {
		t.Errorf("queued = %d, want 1", queued)
	}
}
