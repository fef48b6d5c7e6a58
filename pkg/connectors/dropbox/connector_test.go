package dropbox

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
	"github.com/jscharber/coursemirror/pkg/storage/credentials"
	"github.com/jscharber/coursemirror/pkg/storage/encryption"
)

type fakeDropbox struct {
	mu     sync.Mutex
	calls  []string
	bodies map[string]map[string]interface{}
}

func (f *fakeDropbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	_ = json.NewDecoder(r.Body).Decode(&body)

	f.mu.Lock()
	f.calls = append(f.calls, r.URL.Path)
	f.bodies[r.URL.Path] = body
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/2/files/create_folder_v2":
		writeJSON(w, map[string]interface{}{"metadata": map[string]interface{}{
			"name": "Algebra I", "path_lower": "/courses/algebra i", "path_display": "/Courses/Algebra I",
		}})
	case "/2/files/move_v2":
		if body["from_path"] == "/courses/missing" {
			w.WriteHeader(http.StatusConflict)
			writeJSON(w, map[string]interface{}{"error_summary": "from_lookup/not_found/.."})
			return
		}
		writeJSON(w, map[string]interface{}{"metadata": map[string]interface{}{
			".tag": "folder", "name": "Algebra II", "path_lower": "/courses/algebra ii",
		}})
	case "/2/files/delete_v2":
		writeJSON(w, map[string]interface{}{"metadata": map[string]interface{}{"name": "x"}})
	case "/2/files/list_folder/get_latest_cursor":
		writeJSON(w, map[string]interface{}{"cursor": "c0"})
	case "/2/files/list_folder/continue":
		switch body["cursor"] {
		case "c0":
			writeJSON(w, map[string]interface{}{
				"cursor":   "c1",
				"has_more": true,
				"entries": []map[string]interface{}{
					{".tag": "folder", "name": "Algebra", "path_lower": "/courses/algebra"},
					{".tag": "file", "name": "a.pdf", "path_lower": "/courses/algebra/a.pdf"},
				},
			})
		case "c1":
			writeJSON(w, map[string]interface{}{
				"cursor":   "c2",
				"has_more": false,
				"entries": []map[string]interface{}{
					{".tag": "folder", "name": "Week 1", "path_lower": "/courses/algebra/week 1"},
					{".tag": "deleted", "name": "Old", "path_lower": "/courses/old"},
				},
			})
		default:
			w.WriteHeader(http.StatusConflict)
			writeJSON(w, map[string]interface{}{"error_summary": "reset/.."})
		}
	case "/2/files/list_folder":
		writeJSON(w, map[string]interface{}{
			"cursor": "l1",
			"entries": []map[string]interface{}{
				{".tag": "folder", "name": "Algebra", "path_lower": "/courses/algebra"},
				{".tag": "file", "name": "b.pdf", "path_lower": "/courses/b.pdf", "size": 10, "server_modified": "2024-05-01T10:00:00Z"},
			},
		})
	case "/2/auth/token/revoke":
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	_ = json.NewEncoder(w).Encode(v)
}

func newTestConnector(t *testing.T) (*DropboxConnector, *fakeDropbox, *credentials.Store) {
	t.Helper()
	fake := &fakeDropbox{bodies: map[string]map[string]interface{}{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	env, err := encryption.NewEnvelope(encryption.Config{Secret: "secret", Salt: "salt", Iterations: 1000}, zap.NewNop())
	require.NoError(t, err)
	store := credentials.NewStore(settings.NewMemoryRepository(), env)

	expires := time.Now().Add(time.Hour)
	require.NoError(t, store.Set(context.Background(), storage.ProviderDropbox, credentials.Update{
		ClientID:       credentials.String("client"),
		ClientSecret:   credentials.String("secret"),
		RefreshToken:   credentials.String("refresh"),
		AccessToken:    credentials.String("access"),
		TokenExpiresAt: &expires,
	}))

	cfg := DefaultDropboxConfig()
	cfg.BaseURL = srv.URL + "/2/"
	cfg.RootFolderID = "/Courses"
	cfg.RetryDelay = time.Millisecond

	return NewDropboxConnector(cfg, store, zap.NewNop()), fake, store
}

func TestDropboxConnector_CreateAndRename(t *testing.T) {
	ctx := context.Background()
	c, fake, _ := newTestConnector(t)

	id, err := c.CreateFolder(ctx, "Algebra I", "")
	require.NoError(t, err)
	assert.Equal(t, "/courses/algebra i", id)

	fake.mu.Lock()
	assert.Equal(t, "/courses/Algebra I", fake.bodies["/2/files/create_folder_v2"]["path"])
	fake.mu.Unlock()

	newID, err := c.RenameFolder(ctx, id, "Algebra II")
	require.NoError(t, err)
	assert.Equal(t, "/courses/algebra ii", newID)

	fake.mu.Lock()
	assert.Equal(t, "/courses/algebra i", fake.bodies["/2/files/move_v2"]["from_path"])
	assert.Equal(t, "/courses/Algebra II", fake.bodies["/2/files/move_v2"]["to_path"])
	fake.mu.Unlock()

	_, err = c.RenameFolder(ctx, "/courses/missing", "x")
	assert.True(t, storage.IsNotFound(err))

	require.NoError(t, c.DeleteFolder(ctx, newID))
}

func TestDropboxConnector_ListChangesBootstrap(t *testing.T) {
	c, fake, _ := newTestConnector(t)

	changes, err := c.ListChanges(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "c2", changes.NextCursor)
	require.Len(t, changes.Entries, 3)

	assert.Equal(t, storage.ChangeEntry{
		RemoteID: "/courses/algebra", Name: "Algebra", ParentID: "/courses", IsFolder: true, AtRoot: true,
	}, changes.Entries[0])
	assert.Equal(t, "/courses/algebra", changes.Entries[1].ParentID)
	assert.False(t, changes.Entries[1].AtRoot)
	assert.True(t, changes.Entries[2].Deleted)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "/2/files/list_folder/get_latest_cursor", fake.calls[0])
	assert.Equal(t, true, fake.bodies["/2/files/list_folder/get_latest_cursor"]["recursive"])
}

func TestDropboxConnector_ListChangesResetCursor(t *testing.T) {
	c, _, _ := newTestConnector(t)

	_, err := c.ListChanges(context.Background(), "stale")
	assert.Equal(t, storage.ErrorCodeRemoteError, storage.ErrorCode(err))
}

func TestDropboxConnector_ListFolderItems(t *testing.T) {
	c, _, _ := newTestConnector(t)

	items, err := c.ListFolderItems(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, storage.ItemTypeFolder, items[0].Type)
	assert.Equal(t, "/courses/algebra", items[0].ID)
	assert.EqualValues(t, 10, items[1].Size)
	assert.Equal(t, time.May, items[1].Modified.Month())
}

func TestDropboxConnector_RebaseRemoteID(t *testing.T) {
	c, _, _ := newTestConnector(t)

	tests := []struct {
		child, oldParent, newParent string
		want                        string
		ok                          bool
	}{
		{"/courses/algebra/week 1", "/courses/algebra", "/courses/algebra ii", "/courses/algebra ii/week 1", true},
		{"/courses/algebra/week 1/a", "/courses/algebra", "/courses/b", "/courses/b/week 1/a", true},
		{"/courses/algebra-2/week 1", "/courses/algebra", "/courses/b", "/courses/algebra-2/week 1", false},
		{"/courses/algebra", "/courses/algebra", "/courses/b", "/courses/algebra", false},
	}

	for _, tt := range tests {
		got, ok := c.RebaseRemoteID(tt.child, tt.oldParent, tt.newParent)
		assert.Equal(t, tt.ok, ok, tt.child)
		assert.Equal(t, tt.want, got, tt.child)
	}
}

func TestDropboxConnector_Revoke(t *testing.T) {
	ctx := context.Background()
	c, fake, store := newTestConnector(t)

	url, err := c.AuthCodeURL(ctx, "st")
	require.NoError(t, err)
	assert.Contains(t, url, "token_access_type=offline")

	require.NoError(t, c.Revoke(ctx))

	fake.mu.Lock()
	assert.Contains(t, fake.calls, "/2/auth/token/revoke")
	fake.mu.Unlock()
	assert.False(t, store.Connected(ctx, storage.ProviderDropbox))
}
