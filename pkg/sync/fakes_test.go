package sync

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/jscharber/coursemirror/internal/database"
	"github.com/jscharber/coursemirror/pkg/core"
	"github.com/jscharber/coursemirror/pkg/storage"
)

type folderCall struct {
	Op       string
	Name     string
	ParentID string
	RemoteID string
}

// fakeConnector keeps folders in memory and records every folder call.
// With paths set, remote ids are lower-case paths and renames move them.
type fakeConnector struct {
	provider storage.Provider
	paths    bool

	mu         sync.Mutex
	calls      []folderCall
	folders    map[string]string
	next       int
	feeds      map[string]*storage.ChangeSet
	changesErr error
	deleteErr  error
	authErr    error
	revoked    bool
}

func newFakeConnector(provider storage.Provider) *fakeConnector {
	return &fakeConnector{
		provider: provider,
		folders:  make(map[string]string),
		feeds:    make(map[string]*storage.ChangeSet),
	}
}

func (f *fakeConnector) Provider() storage.Provider { return f.provider }

func (f *fakeConnector) CreateFolder(_ context.Context, name, parentID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, folderCall{Op: "create", Name: name, ParentID: parentID})

	var id string
	if f.paths {
		id = strings.ToLower(path.Join("/", parentID, name))
	} else {
		f.next++
		id = fmt.Sprintf("%s-%d", f.provider, f.next)
	}
	f.folders[id] = name
	return id, nil
}

func (f *fakeConnector) RenameFolder(_ context.Context, remoteID, newName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, folderCall{Op: "rename", Name: newName, RemoteID: remoteID})

	if _, ok := f.folders[remoteID]; !ok {
		return "", storage.NewStorageError(storage.ErrorCodeNotFound, "folder not found", f.provider, "", nil)
	}
	id := remoteID
	if f.paths {
		id = strings.ToLower(path.Join(path.Dir(remoteID), newName))
		delete(f.folders, remoteID)
		for k, v := range f.folders {
			if strings.HasPrefix(k, remoteID+"/") {
				delete(f.folders, k)
				f.folders[id+strings.TrimPrefix(k, remoteID)] = v
			}
		}
	}
	f.folders[id] = newName
	return id, nil
}

func (f *fakeConnector) DeleteFolder(_ context.Context, remoteID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, folderCall{Op: "delete", RemoteID: remoteID})
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.folders, remoteID)
	return nil
}

func (f *fakeConnector) ListChanges(_ context.Context, cursor string) (*storage.ChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.changesErr != nil {
		return nil, f.changesErr
	}
	if cs, ok := f.feeds[cursor]; ok {
		return cs, nil
	}
	return &storage.ChangeSet{NextCursor: cursor}, nil
}

func (f *fakeConnector) ListFolderItems(_ context.Context, _ string) ([]storage.FolderItem, error) {
	return nil, nil
}

func (f *fakeConnector) AuthCodeURL(_ context.Context, state string) (string, error) {
	if f.authErr != nil {
		return "", f.authErr
	}
	return "https://auth.example.com/authorize?state=" + state, nil
}

func (f *fakeConnector) Exchange(_ context.Context, code string) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: "access-" + code, RefreshToken: "refresh"}, nil
}

func (f *fakeConnector) Revoke(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = true
	return nil
}

func (f *fakeConnector) RebaseRemoteID(childID, oldParentID, newParentID string) (string, bool) {
	if !strings.HasPrefix(childID, oldParentID+"/") {
		return childID, false
	}
	return newParentID + strings.TrimPrefix(childID, oldParentID), true
}

// moveRemote renames a folder outside the engine, as a user would in the
// provider's own UI
func (f *fakeConnector) moveRemote(oldID, newID, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.folders, oldID)
	for k, v := range f.folders {
		if strings.HasPrefix(k, oldID+"/") {
			delete(f.folders, k)
			f.folders[newID+strings.TrimPrefix(k, oldID)] = v
		}
	}
	f.folders[newID] = name
}

func (f *fakeConnector) setFeed(cursor string, cs *storage.ChangeSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feeds[cursor] = cs
}

func (f *fakeConnector) callsOf(op string) []folderCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []folderCall
	for _, c := range f.calls {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// pathConnector exposes RebaseRemoteID only for path-addressed fakes
type pathConnector struct {
	*fakeConnector
}

// idConnector hides RebaseRemoteID so the engine treats ids as stable
type idConnector struct {
	fake *fakeConnector
}

func (c idConnector) Provider() storage.Provider { return c.fake.Provider() }
func (c idConnector) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	return c.fake.CreateFolder(ctx, name, parentID)
}
func (c idConnector) RenameFolder(ctx context.Context, remoteID, newName string) (string, error) {
	return c.fake.RenameFolder(ctx, remoteID, newName)
}
func (c idConnector) DeleteFolder(ctx context.Context, remoteID string) error {
	return c.fake.DeleteFolder(ctx, remoteID)
}
func (c idConnector) ListChanges(ctx context.Context, cursor string) (*storage.ChangeSet, error) {
	return c.fake.ListChanges(ctx, cursor)
}
func (c idConnector) ListFolderItems(ctx context.Context, parentID string) ([]storage.FolderItem, error) {
	return c.fake.ListFolderItems(ctx, parentID)
}
func (c idConnector) AuthCodeURL(ctx context.Context, state string) (string, error) {
	return c.fake.AuthCodeURL(ctx, state)
}
func (c idConnector) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	return c.fake.Exchange(ctx, code)
}
func (c idConnector) Revoke(ctx context.Context) error { return c.fake.Revoke(ctx) }

type fakeConnections struct {
	mu        sync.Mutex
	connected map[storage.Provider]bool
}

func (f *fakeConnections) Connected(_ context.Context, p storage.Provider) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected[p]
}

func (f *fakeConnections) set(p storage.Provider, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected[p] = v
}

// failingMappings fails CreateMapping for one remote id
type failingMappings struct {
	*database.MappingStore
	failRemoteID string
}

func (m *failingMappings) CreateMapping(ctx context.Context, mapping core.RemoteFolderMapping) error {
	if mapping.RemoteID == m.failRemoteID {
		return fmt.Errorf("disk full")
	}
	return m.MappingStore.CreateMapping(ctx, mapping)
}

type testEnv struct {
	db          *database.Database
	engine      *Engine
	registry    *storage.DefaultConnectorRegistry
	connections *fakeConnections
	drive       *fakeConnector
	dropbox     *fakeConnector
}

func newTestDatabase(t *testing.T) *database.Database {
	t.Helper()
	cfg := database.GetDefaultConfig()
	cfg.Driver = database.DriverSQLite
	cfg.Path = fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	cfg.LogLevel = "silent"

	db, err := database.New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// newTestEnv wires an engine over sqlite with an id-addressed Drive fake and
// a path-addressed Dropbox fake, both connected
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := newTestDatabase(t)

	drive := newFakeConnector(storage.ProviderGoogleDrive)
	dropbox := newFakeConnector(storage.ProviderDropbox)
	dropbox.paths = true

	registry := storage.NewConnectorRegistry()
	require.NoError(t, registry.Register(idConnector{fake: drive}))
	require.NoError(t, registry.Register(pathConnector{dropbox}))

	connections := &fakeConnections{connected: map[storage.Provider]bool{
		storage.ProviderGoogleDrive: true,
		storage.ProviderDropbox:     true,
	}}

	return &testEnv{
		db:          db,
		engine:      NewEngine(db.Entities, db.Mappings, db.Settings, connections, registry),
		registry:    registry,
		connections: connections,
		drive:       drive,
		dropbox:     dropbox,
	}
}

func (e *testEnv) createEntity(t *testing.T, entity core.Entity) core.Entity {
	t.Helper()
	if entity.Status == "" {
		entity.Status = core.StatusPublished
	}
	created, err := e.db.Entities.CreateEntity(context.Background(), entity)
	require.NoError(t, err)
	return created
}

func (e *testEnv) mapping(t *testing.T, entityID string, p storage.Provider) core.RemoteFolderMapping {
	t.Helper()
	m, err := e.db.Mappings.GetMapping(context.Background(), entityID, p)
	require.NoError(t, err)
	return m
}
