package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/matheus3301/warchive/internal/bus"
	"github.com/matheus3301/warchive/internal/identity"
	"github.com/matheus3301/warchive/internal/status"
	"github.com/matheus3301/warchive/internal/store"
	"go.uber.org/zap"
)

func sp(s string) *string { return &s }
func ip(i int64) *int64   { return &i }

func newTestServer(t *testing.T) (*Server, *store.DB, string) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	b := bus.New()
	machine := status.NewMachine(b)
	resolver := identity.NewResolver(db, zap.NewNop())
	hub := NewHub(b, machine, zap.NewNop())
	mediaDir := t.TempDir()

	s := NewServer(db, machine, resolver, hub, Options{
		Listen:   "127.0.0.1:0",
		PageSize: 2,
		MediaDir: mediaDir,
	}, zap.NewNop())
	return s, db, mediaDir
}

func doGet(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
}

func TestGetStatus(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doGet(t, s, "/api/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		State string       `json:"state"`
		Stats *store.Stats `json:"stats"`
	}
	decode(t, w, &resp)
	if resp.State != "IDLE" {
		t.Errorf("state = %q, want IDLE", resp.State)
	}
	if resp.Stats == nil || resp.Stats.Messages != 0 {
		t.Errorf("stats = %+v, want zeroed", resp.Stats)
	}
}

func TestListChats(t *testing.T) {
	s, db, _ := newTestServer(t)

	if err := db.UpsertChat(&store.Chat{JID: "c@s.whatsapp.net", Name: sp("Eric")}); err != nil {
		t.Fatal(err)
	}

	w := doGet(t, s, "/api/chats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Chats []store.ChatSummary `json:"chats"`
	}
	decode(t, w, &resp)
	if len(resp.Chats) != 1 || resp.Chats[0].JID != "c@s.whatsapp.net" {
		t.Errorf("chats = %+v, want the seeded chat", resp.Chats)
	}
}

func TestListMessagesPagination(t *testing.T) {
	s, db, _ := newTestServer(t)

	for i, id := range []string{"m1", "m2", "m3"} {
		err := db.UpsertMessage(&store.Message{
			ID: id, ChatJID: "c@s.whatsapp.net", Timestamp: ip(int64(i + 1)),
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	w := doGet(t, s, "/api/chats/c@s.whatsapp.net/messages?page=2&limit=2")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Messages []store.Message `json:"messages"`
		Total    int64           `json:"total"`
		Page     int             `json:"page"`
	}
	decode(t, w, &resp)
	if resp.Total != 3 {
		t.Errorf("total = %d, want 3", resp.Total)
	}
	if len(resp.Messages) != 1 || resp.Messages[0].ID != "m3" {
		t.Errorf("page 2 = %+v, want just m3", resp.Messages)
	}
	if resp.Page != 2 {
		t.Errorf("page = %d, want 2", resp.Page)
	}
}

func TestListMessagesUnpaged(t *testing.T) {
	s, db, _ := newTestServer(t)

	// Page size is 2; limit=0 must still return all three.
	for i, id := range []string{"m1", "m2", "m3"} {
		if err := db.UpsertMessage(&store.Message{ID: id, ChatJID: "c@s.whatsapp.net", Timestamp: ip(int64(i + 1))}); err != nil {
			t.Fatal(err)
		}
	}

	w := doGet(t, s, "/api/chats/c@s.whatsapp.net/messages?limit=0")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Messages []store.Message `json:"messages"`
		Total    int             `json:"total"`
	}
	decode(t, w, &resp)
	if resp.Total != 3 || len(resp.Messages) != 3 {
		t.Fatalf("total = %d len = %d, want all 3", resp.Total, len(resp.Messages))
	}
	if resp.Messages[0].ID != "m1" || resp.Messages[2].ID != "m3" {
		t.Errorf("order = %s...%s, want timestamp ascending", resp.Messages[0].ID, resp.Messages[2].ID)
	}
}

func TestListMessagesBadParamsFallBack(t *testing.T) {
	s, db, _ := newTestServer(t)

	for i, id := range []string{"m1", "m2", "m3"} {
		if err := db.UpsertMessage(&store.Message{ID: id, ChatJID: "c@s.whatsapp.net", Timestamp: ip(int64(i + 1))}); err != nil {
			t.Fatal(err)
		}
	}

	w := doGet(t, s, "/api/chats/c@s.whatsapp.net/messages?page=-1&limit=bogus")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Messages []store.Message `json:"messages"`
		Page     int             `json:"page"`
		Limit    int             `json:"limit"`
	}
	decode(t, w, &resp)
	if resp.Page != 1 || resp.Limit != 2 {
		t.Errorf("page=%d limit=%d, want defaults 1 and 2", resp.Page, resp.Limit)
	}
	if len(resp.Messages) != 2 {
		t.Errorf("messages = %d, want first page of 2", len(resp.Messages))
	}
}

func TestGetMessageNotFound(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := doGet(t, s, "/api/messages/nope")
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestGetMessage(t *testing.T) {
	s, db, _ := newTestServer(t)

	if err := db.UpsertMessage(&store.Message{ID: "m1", ChatJID: "c@s.whatsapp.net", Timestamp: ip(1), Content: sp("hi")}); err != nil {
		t.Fatal(err)
	}

	w := doGet(t, s, "/api/messages/m1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var msg store.Message
	decode(t, w, &msg)
	if msg.ID != "m1" || msg.Content == nil || *msg.Content != "hi" {
		t.Errorf("message = %+v", msg)
	}
}

func TestListAliases(t *testing.T) {
	s, db, _ := newTestServer(t)

	err := db.UpsertContact(&store.Contact{
		JID:         "5511999@s.whatsapp.net",
		Name:        sp("Eric"),
		PhoneNumber: sp("5511999"),
	})
	if err != nil {
		t.Fatal(err)
	}

	w := doGet(t, s, "/api/aliases")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var resp struct {
		Aliases map[string]string `json:"aliases"`
	}
	decode(t, w, &resp)
	if resp.Aliases["5511999@s.whatsapp.net"] != "Eric" {
		t.Errorf("aliases = %v, want JID mapped to Eric", resp.Aliases)
	}
}

func TestGetMedia(t *testing.T) {
	s, _, mediaDir := newTestServer(t)

	chatDir := filepath.Join(mediaDir, "c@s.whatsapp.net")
	if err := os.MkdirAll(chatDir, 0700); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(chatDir, "img1.jpg"), []byte("jpegbytes"), 0600); err != nil {
		t.Fatal(err)
	}

	w := doGet(t, s, "/api/media/c@s.whatsapp.net/img1")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "jpegbytes" {
		t.Errorf("body = %q, want file contents", w.Body.String())
	}

	w = doGet(t, s, "/api/media/c@s.whatsapp.net/missing")
	if w.Code != http.StatusNotFound {
		t.Errorf("missing media status = %d, want 404", w.Code)
	}
}
