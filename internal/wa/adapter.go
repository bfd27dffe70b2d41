package wa

import (
	"context"
	"fmt"

	"github.com/matheus3301/warchive/internal/bus"
	"github.com/matheus3301/warchive/internal/media"
	"github.com/matheus3301/warchive/internal/session"
	"github.com/matheus3301/warchive/internal/store"
	"go.mau.fi/whatsmeow"
	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"

	_ "github.com/mattn/go-sqlite3"
)

// Adapter wraps the whatsmeow client and manages the WhatsApp connection.
type Adapter struct {
	client    *whatsmeow.Client
	container *sqlstore.Container
	bus       *bus.Bus
	logger    *zap.Logger
	session   string
}

// NewAdapter creates a new WhatsApp adapter for the given session.
func NewAdapter(ctx context.Context, sessionName string, b *bus.Bus, logger *zap.Logger) (*Adapter, error) {
	// Set device name shown on the phone's linked devices list.
	wastore.SetOSInfo("WArchive", [3]uint32{0, 1, 0})

	dbPath := session.CredsDBPath(sessionName)

	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", dbPath),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}

	deviceStore, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("get device store: %w", err)
	}

	client := whatsmeow.NewClient(deviceStore, nil)
	// Request the full history on pairing: this is a one-shot archival
	// sync, not a live mirror.
	wastore.DeviceProps.RequireFullSync = proto.Bool(true)

	return &Adapter{
		client:    client,
		container: container,
		bus:       b,
		logger:    logger,
		session:   sessionName,
	}, nil
}

// IsLoggedIn returns whether the adapter has valid credentials.
func (a *Adapter) IsLoggedIn() bool {
	return a.client.Store.ID != nil
}

// Connect initiates the WhatsApp connection.
func (a *Adapter) Connect() error {
	a.logger.Info("connecting to WhatsApp")
	return a.client.Connect()
}

// Disconnect terminates the WhatsApp connection.
func (a *Adapter) Disconnect() {
	a.logger.Info("disconnecting from WhatsApp")
	a.client.Disconnect()
}

// EndSession tears the session down once the archive is complete: the
// device is unlinked and local credentials are cleared, so a later run
// starts a fresh pairing cycle instead of resuming a dead session.
func (a *Adapter) EndSession(ctx context.Context) error {
	a.logger.Info("ending WhatsApp session")
	if err := a.client.Logout(ctx); err != nil {
		// Credentials may already be invalid; drop the connection anyway.
		a.client.Disconnect()
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// RegisterEventHandler adds a handler for whatsmeow events.
func (a *Adapter) RegisterEventHandler(handler whatsmeow.EventHandler) {
	a.client.AddEventHandler(handler)
}

// Download fetches and decrypts one attachment's bytes.
func (a *Adapter) Download(ctx context.Context, ref *media.Ref) ([]byte, error) {
	if ref.Payload == nil {
		return nil, fmt.Errorf("ref %s has no payload", ref.MessageID)
	}
	return a.client.DownloadAny(ctx, ref.Payload)
}

// Refresh renews the transient media connection used for downloads. The
// direct URLs on historical attachments expire; forcing a fresh media conn
// gives the retry a new access window.
func (a *Adapter) Refresh(ctx context.Context, ref *media.Ref) (*media.Ref, error) {
	if _, err := a.client.DangerousInternals().RefreshMediaConn(ctx, true); err != nil {
		return nil, fmt.Errorf("refresh media conn: %w", err)
	}
	return ref, nil
}

// Contacts returns all contacts from the whatsmeow device store, with the
// phone-derived and LID aliases cross-filled where known.
func (a *Adapter) Contacts(ctx context.Context) []*store.Contact {
	allContacts, err := a.client.Store.Contacts.GetAllContacts(ctx)
	if err != nil {
		a.logger.Warn("failed to get contacts from device store", zap.Error(err))
		return nil
	}

	var contacts []*store.Contact
	for jid, info := range allContacts {
		normalized := jid.ToNonAD()
		c := &store.Contact{JID: normalized.String()}
		if info.FullName != "" {
			c.Name = strPtr(info.FullName)
		}
		if info.PushName != "" {
			c.PushName = strPtr(info.PushName)
		}
		if info.BusinessName != "" {
			c.VerifiedName = strPtr(info.BusinessName)
		}
		if normalized.Server == types.DefaultUserServer {
			c.PhoneNumber = strPtr(normalized.User)
			if a.client.Store.LIDs != nil {
				if lid, err := a.client.Store.LIDs.GetLIDForPN(ctx, normalized); err == nil && !lid.IsEmpty() {
					c.LID = strPtr(lid.String())
				}
			}
		}
		contacts = append(contacts, c)
	}
	return contacts
}

// ResolveLID resolves a LID JID to its phone number JID using the device
// store mapping. Returns the original JID if it's not a LID or if
// resolution fails.
func (a *Adapter) ResolveLID(ctx context.Context, jid types.JID) types.JID {
	if jid.Server != types.HiddenUserServer && jid.Server != types.HostedLIDServer {
		return jid
	}
	if a.client == nil || a.client.Store == nil || a.client.Store.LIDs == nil {
		return jid
	}
	pn, err := a.client.Store.LIDs.GetPNForLID(ctx, jid)
	if err != nil || pn.IsEmpty() {
		return jid
	}
	return pn
}

func strPtr(s string) *string { return &s }
