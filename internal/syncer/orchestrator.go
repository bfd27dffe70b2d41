// Package syncer drives the archival sync lifecycle: it ingests inbound
// events into the store, watches for the history stream to settle, and
// runs the finishing sequence that leaves a complete archive behind.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/matheus3301/warchive/internal/bus"
	"github.com/matheus3301/warchive/internal/debounce"
	"github.com/matheus3301/warchive/internal/identity"
	"github.com/matheus3301/warchive/internal/media"
	"github.com/matheus3301/warchive/internal/status"
	"github.com/matheus3301/warchive/internal/store"
	"github.com/matheus3301/warchive/internal/wa"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"
)

// Client is the slice of the connection adapter the orchestrator drives.
type Client interface {
	Connect() error
	EndSession(ctx context.Context) error
}

// Options holds the orchestrator's tunables, all derived from config.
type Options struct {
	// Settle is the quiet period after the last history batch before the
	// sync is considered finished.
	Settle time.Duration
	// Reconnect is the delay before redialing after a mid-sync drop.
	Reconnect time.Duration
}

// Progress is the cumulative ingestion report published after each batch.
type Progress struct {
	Chats        int64 `json:"chats"`
	Contacts     int64 `json:"contacts"`
	Messages     int64 `json:"messages"`
	Dropped      int64 `json:"dropped"`
	PendingMedia int   `json:"pending_media"`
}

// Phase marks entry into a stage of the finishing sequence, carrying
// the counts at that point.
type Phase struct {
	Name     string   `json:"name"`
	Progress Progress `json:"progress"`
}

// Summary is the final report published when the archive is complete.
type Summary struct {
	Stats         *store.Stats   `json:"stats"`
	NamesResolved int            `json:"names_resolved"`
	Media         media.Progress `json:"media"`
}

// Orchestrator subscribes to "wa.*" events on the bus, reconciles them
// into the store, and owns the settle timer that ends the sync.
type Orchestrator struct {
	db       *store.DB
	bus      *bus.Bus
	machine  *status.Machine
	fetcher  *media.Fetcher
	resolver *identity.Resolver
	client   Client
	opts     Options
	logger   *zap.Logger

	settle *debounce.Timer
	cancel context.CancelFunc
	fatal  chan error

	// senderNames caches the first usable name seen per sender so later
	// nameless events from the same sender ingest with a name attached.
	namesMu     sync.Mutex
	senderNames map[string]string

	chats     atomic.Int64
	contacts  atomic.Int64
	messages  atomic.Int64
	dropped   atomic.Int64
	complete  atomic.Bool
	finishing atomic.Bool
}

// New creates an orchestrator. Start must be called before it processes
// anything.
func New(db *store.DB, b *bus.Bus, machine *status.Machine, fetcher *media.Fetcher, resolver *identity.Resolver, client Client, opts Options, logger *zap.Logger) *Orchestrator {
	o := &Orchestrator{
		db:          db,
		bus:         b,
		machine:     machine,
		fetcher:     fetcher,
		resolver:    resolver,
		client:      client,
		opts:        opts,
		logger:      logger,
		senderNames: make(map[string]string),
		fatal:       make(chan error, 1),
	}
	o.settle = debounce.New(opts.Settle, o.onSettle)
	return o
}

// Start subscribes to inbound events on the bus.
func (o *Orchestrator) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	ch, unsub := o.bus.Subscribe("wa.", 256)

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				o.handleEvent(ctx, evt)
			case <-ctx.Done():
				o.settle.Stop()
				return
			}
		}
	}()
}

// Stop stops the orchestrator.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) handleEvent(ctx context.Context, evt bus.Event) {
	switch evt.Kind {
	case "wa.qr":
		o.bus.Publish(bus.Event{Kind: "notify.qr", Timestamp: time.Now(), Payload: evt.Payload})
	case "wa.pairing_timeout":
		// The QR channel closed without a link; the UI must know the
		// displayed code is stale.
		o.bus.Publish(bus.Event{Kind: "notify.pairing_timeout", Timestamp: time.Now()})
	case "wa.connected":
		o.onConnected()
	case "wa.disconnected":
		o.onDisconnected()
	case "wa.logged_out":
		o.settle.Stop()
		if err := o.machine.Transition(status.LoggedOut); err != nil {
			o.logger.Warn("logged out in terminal state", zap.Error(err))
		}
	case "wa.history":
		batch, ok := evt.Payload.(*wa.HistoryBatch)
		if !ok {
			return
		}
		o.ingestHistory(batch)
		o.settle.Reset()
		o.publishProgress()
	case "wa.message":
		parsed, ok := evt.Payload.(*wa.Parsed)
		if !ok {
			return
		}
		o.ingestMessage(parsed)
		o.settle.Reset()
	case "wa.contact":
		c, ok := evt.Payload.(*store.Contact)
		if !ok {
			return
		}
		o.ingestContacts([]*store.Contact{c})
	case "wa.contact_batch":
		contacts, ok := evt.Payload.([]*store.Contact)
		if !ok {
			return
		}
		o.ingestContacts(contacts)
	}
}

func (o *Orchestrator) onConnected() {
	switch o.machine.Current() {
	case status.Idle, status.AwaitingPairing, status.Reconnecting:
		if err := o.machine.Transition(status.Syncing); err != nil {
			o.logger.Warn("cannot enter syncing", zap.Error(err))
			return
		}
	}
	// Arm the settle timer even before the first batch: an account with
	// no history at all still finishes.
	o.settle.Reset()
}

func (o *Orchestrator) onDisconnected() {
	if o.complete.Load() {
		return
	}
	o.settle.Stop()
	if err := o.machine.Transition(status.Reconnecting); err != nil {
		o.logger.Warn("disconnect in terminal state", zap.Error(err))
		return
	}
	o.logger.Info("connection dropped, scheduling redial",
		zap.Duration("delay", o.opts.Reconnect))
	time.AfterFunc(o.opts.Reconnect, func() {
		if o.complete.Load() || o.machine.Current() != status.Reconnecting {
			return
		}
		if err := o.client.Connect(); err != nil {
			o.logger.Error("redial failed", zap.Error(err))
		}
	})
}

func (o *Orchestrator) ingestHistory(batch *wa.HistoryBatch) {
	var chats []*store.Chat
	for _, c := range batch.Chats {
		if c == nil || c.JID == "" {
			o.dropped.Add(1)
			continue
		}
		chats = append(chats, c)
	}
	for _, c := range chats {
		if err := o.db.UpsertChat(c); err != nil {
			o.fail(fmt.Errorf("upsert chat %s: %w", c.JID, err))
			return
		}
		o.chats.Add(1)
	}

	o.ingestContacts(batch.Contacts)

	var msgs []*store.Message
	for _, p := range batch.Messages {
		if p == nil || p.Message == nil || !validMessage(p.Message) {
			o.dropped.Add(1)
			continue
		}
		o.fillSenderName(p.Message)
		msgs = append(msgs, p.Message)
	}
	if len(msgs) > 0 {
		if err := o.db.BulkUpsertMessages(msgs); err != nil {
			o.fail(fmt.Errorf("upsert history batch of %d: %w", len(msgs), err))
			return
		}
		o.messages.Add(int64(len(msgs)))
	}

	for _, p := range batch.Messages {
		if p != nil && p.Media != nil {
			o.fetcher.Enqueue(p.Media)
		}
	}

	o.logger.Info("history batch ingested",
		zap.Int("chats", len(chats)),
		zap.Int("messages", len(msgs)),
		zap.Int("pending_media", o.fetcher.Pending()))
}

func (o *Orchestrator) ingestMessage(p *wa.Parsed) {
	if p.Message == nil || !validMessage(p.Message) {
		o.dropped.Add(1)
		return
	}
	o.fillSenderName(p.Message)
	if err := o.db.UpsertMessage(p.Message); err != nil {
		o.fail(fmt.Errorf("upsert message %s: %w", p.Message.ID, err))
		return
	}
	o.messages.Add(1)
	if p.Media != nil {
		o.fetcher.Enqueue(p.Media)
	}
}

func (o *Orchestrator) ingestContacts(contacts []*store.Contact) {
	var valid []*store.Contact
	for _, c := range contacts {
		if c == nil || c.JID == "" {
			o.dropped.Add(1)
			continue
		}
		valid = append(valid, c)
	}
	if len(valid) == 0 {
		return
	}
	if err := o.db.BulkUpsertContacts(valid); err != nil {
		o.fail(fmt.Errorf("upsert %d contacts: %w", len(valid), err))
		return
	}
	o.contacts.Add(int64(len(valid)))
}

// fillSenderName caches the first usable name per sender and fills it into
// nameless messages from the same sender.
func (o *Orchestrator) fillSenderName(m *store.Message) {
	if m.SenderJID == nil {
		return
	}
	o.namesMu.Lock()
	defer o.namesMu.Unlock()
	if m.SenderName != nil && identity.Usable(*m.SenderName) {
		if _, seen := o.senderNames[*m.SenderJID]; !seen {
			o.senderNames[*m.SenderJID] = *m.SenderName
		}
		return
	}
	if name, ok := o.senderNames[*m.SenderJID]; ok {
		m.SenderName = &name
	}
}

func validMessage(m *store.Message) bool {
	return m.ID != "" && m.ChatJID != ""
}

// Fatal delivers the first storage write failure. The daemon watches
// this channel and shuts down when it fires; ingestion does not continue
// past a failed write.
func (o *Orchestrator) Fatal() <-chan error {
	return o.fatal
}

func (o *Orchestrator) fail(err error) {
	o.logger.Error("storage write failed, aborting sync", zap.Error(err))
	o.settle.Stop()
	select {
	case o.fatal <- err:
	default:
	}
}

func (o *Orchestrator) snapshot() Progress {
	return Progress{
		Chats:        o.chats.Load(),
		Contacts:     o.contacts.Load(),
		Messages:     o.messages.Load(),
		Dropped:      o.dropped.Load(),
		PendingMedia: o.fetcher.Pending(),
	}
}

func (o *Orchestrator) publishProgress() {
	o.bus.Publish(bus.Event{Kind: "notify.progress", Timestamp: time.Now(), Payload: o.snapshot()})
}

// onSettle fires after the configured quiet period with no new batches.
// The transition guard makes a stale fire harmless: if the connection
// dropped in the meantime the machine refuses to enter SETTLING and the
// next successful batch re-arms the timer.
func (o *Orchestrator) onSettle() {
	if !o.finishing.CompareAndSwap(false, true) {
		return
	}
	if err := o.machine.Transition(status.Settling); err != nil {
		o.logger.Debug("settle fired outside syncing", zap.Error(err))
		o.finishing.Store(false)
		return
	}
	o.finish(context.Background())
}

// finish runs the closing sequence exactly once: identity backfill, media
// drain, final stats, session teardown.
func (o *Orchestrator) finish(ctx context.Context) {
	o.logger.Info("history stream settled, finishing sync")
	o.publishPhase("settling")

	o.publishPhase("resolving_names")
	var resolved int
	if res, err := o.resolver.BackfillSenderNames(); err != nil {
		o.logger.Error("sender name backfill failed", zap.Error(err))
	} else {
		resolved = res.Resolved
		o.logger.Info("sender names backfilled",
			zap.Int("candidates", res.Candidates),
			zap.Int("resolved", res.Resolved))
	}

	if err := o.machine.Transition(status.DownloadingMedia); err != nil {
		// Lost the connection mid-settle; the next settled batch
		// restarts the finishing sequence.
		o.logger.Warn("cannot enter media phase", zap.Error(err))
		o.finishing.Store(false)
		return
	}
	o.publishPhase("downloading_media")
	prog, err := o.fetcher.Drain(ctx, func(p media.Progress) {
		o.bus.Publish(bus.Event{Kind: "notify.progress", Timestamp: time.Now(), Payload: p})
	})
	if err != nil {
		o.logger.Error("media drain aborted", zap.Error(err))
	}

	stats, err := o.db.Stats()
	if err != nil {
		o.logger.Error("failed to read final stats", zap.Error(err))
	}

	o.complete.Store(true)
	if err := o.machine.Transition(status.Complete); err != nil {
		o.logger.Error("cannot mark complete", zap.Error(err))
		o.complete.Store(false)
		o.finishing.Store(false)
		return
	}

	o.bus.Publish(bus.Event{
		Kind:      "notify.complete",
		Timestamp: time.Now(),
		Payload: Summary{
			Stats:         stats,
			NamesResolved: resolved,
			Media:         prog,
		},
	})

	if err := o.client.EndSession(ctx); err != nil {
		o.logger.Warn("session teardown failed", zap.Error(err))
	}
	if err := o.machine.Transition(status.Disconnected); err != nil {
		o.logger.Error("cannot disconnect", zap.Error(err))
	}
	o.logger.Info("archive complete")
}

func (o *Orchestrator) publishPhase(name string) {
	o.bus.Publish(bus.Event{
		Kind:      "notify.phase",
		Timestamp: time.Now(),
		Payload:   Phase{Name: name, Progress: o.snapshot()},
	})
}

// RequeuePendingMedia rebuilds the download queue from messages whose
// media never landed on disk, using the raw payload stored at ingest
// time. Called on startup so an interrupted run resumes its downloads.
func (o *Orchestrator) RequeuePendingMedia() (int, error) {
	msgs, err := o.db.MessagesWithPendingMedia()
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, m := range msgs {
		if m.RawMetadata == nil || m.MediaType == nil {
			continue
		}
		var payload waE2E.Message
		if err := protojson.Unmarshal([]byte(*m.RawMetadata), &payload); err != nil {
			o.logger.Debug("unreadable stored payload", zap.String("id", m.ID), zap.Error(err))
			continue
		}
		ref := &media.Ref{
			MessageID: m.ID,
			ChatJID:   m.ChatJID,
			Kind:      *m.MediaType,
			Payload:   &payload,
		}
		if m.MediaMime != nil {
			ref.Mime = *m.MediaMime
		}
		if m.MediaSize != nil {
			ref.Size = *m.MediaSize
		}
		o.fetcher.Enqueue(ref)
		queued++
	}

	if queued > 0 {
		o.logger.Info("requeued pending media", zap.Int("count", queued))
	}
	return queued, nil
}
