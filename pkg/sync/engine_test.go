package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jscharber/coursemirror/pkg/core"
	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
)

func TestEngine_CourseCreateAndRename(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Algebra I"})

	result, err := env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)

	creates := env.drive.callsOf("create")
	require.Len(t, creates, 1)
	assert.Equal(t, folderCall{Op: "create", Name: "Algebra I"}, creates[0])
	require.Len(t, env.dropbox.callsOf("create"), 1)

	driveMapping := env.mapping(t, course.ID, storage.ProviderGoogleDrive)
	assert.Equal(t, "Algebra I", driveMapping.RemoteName)
	assert.Equal(t, "/algebra i", env.mapping(t, course.ID, storage.ProviderDropbox).RemoteID)

	course.Title = "Algebra I (2024)"
	course, err = env.db.Entities.UpdateEntity(ctx, course)
	require.NoError(t, err)

	result, err = env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Renamed)
	assert.Zero(t, result.Created)

	renames := env.drive.callsOf("rename")
	require.Len(t, renames, 1)
	assert.Equal(t, driveMapping.RemoteID, renames[0].RemoteID)
	assert.Equal(t, "Algebra I (2024)", renames[0].Name)
	assert.Len(t, env.drive.callsOf("create"), 1)

	all, err := env.db.Mappings.ListAllMappings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Equal(t, "/algebra i (2024)", env.mapping(t, course.ID, storage.ProviderDropbox).RemoteID)
}

func TestEngine_PushIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Biology"})

	_, err := env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)
	result, err := env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)

	assert.Zero(t, result.Created)
	assert.Zero(t, result.Renamed)
	assert.Len(t, env.drive.callsOf("create"), 1)
	assert.Empty(t, env.drive.callsOf("rename"))

	mappings, err := env.db.Mappings.ListMappings(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Len(t, mappings, 1)
}

func TestEngine_LessonWaitsForCourseMapping(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.connections.set(storage.ProviderDropbox, false)

	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Chemistry"})
	lesson := env.createEntity(t, core.Entity{Kind: core.KindLesson, Title: "Week 1", ParentID: course.ID})

	result, err := env.engine.OnEntitySaved(ctx, lesson)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Empty(t, env.drive.callsOf("create"))

	_, err = env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)
	courseMapping := env.mapping(t, course.ID, storage.ProviderGoogleDrive)

	result, err = env.engine.OnEntitySaved(ctx, lesson)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)

	creates := env.drive.callsOf("create")
	require.Len(t, creates, 2)
	assert.Equal(t, courseMapping.RemoteID, creates[1].ParentID)
	assert.Equal(t, "Week 1", creates[1].Name)
}

func TestEngine_SkipsIneligibleAndDisconnected(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.connections.set(storage.ProviderDropbox, false)

	revision := core.Entity{ID: "rev", Kind: core.KindCourse, Title: "Draft copy", IsRevision: true}
	result, err := env.engine.OnEntitySaved(ctx, revision)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	blank := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "<b></b> ..."})
	result, err = env.engine.OnEntitySaved(ctx, blank)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)

	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Physics"})
	_, err = env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)

	assert.Len(t, env.drive.callsOf("create"), 1)
	assert.Empty(t, env.dropbox.callsOf("create"))
}

func TestEngine_ForcePushReissuesRename(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "History"})

	_, err := env.engine.PushAll(ctx, false)
	require.NoError(t, err)
	_, err = env.engine.PushAll(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, env.drive.callsOf("rename"))

	result, err := env.engine.PushAll(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Renamed)
	assert.Len(t, env.drive.callsOf("rename"), 1)
}

func TestEngine_PushAllOrdersCoursesFirst(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.connections.set(storage.ProviderDropbox, false)

	// the lesson is stored first so a naive ordering would skip it
	lesson := env.createEntity(t, core.Entity{ID: "a-lesson", Kind: core.KindLesson, Title: "Intro", ParentID: "z-course"})
	env.createEntity(t, core.Entity{ID: "z-course", Kind: core.KindCourse, Title: "Music"})

	result, err := env.engine.PushAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, env.mapping(t, "z-course", storage.ProviderGoogleDrive).RemoteID, env.drive.callsOf("create")[1].ParentID)
	env.mapping(t, lesson.ID, storage.ProviderGoogleDrive)
}

func TestEngine_DeleteForgetsMappingEvenWhenRemoteFails(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Art"})
	_, err := env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)

	env.drive.deleteErr = storage.NewStorageError(storage.ErrorCodeNetworkError, "timeout", storage.ProviderGoogleDrive, "", nil)

	result, err := env.engine.OnEntityDeleted(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Deleted)

	all, err := env.db.Mappings.ListAllMappings(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	result, err = env.engine.OnEntityDeleted(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, PushResult{}, result)
}

func TestEngine_RenameRebasesPathDescendants(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.connections.set(storage.ProviderGoogleDrive, false)

	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Algebra"})
	lesson := env.createEntity(t, core.Entity{Kind: core.KindLesson, Title: "Week 1", ParentID: course.ID})
	_, err := env.engine.PushAll(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "/algebra/week 1", env.mapping(t, lesson.ID, storage.ProviderDropbox).RemoteID)

	course.Title = "Geometry"
	_, err = env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)

	assert.Equal(t, "/geometry", env.mapping(t, course.ID, storage.ProviderDropbox).RemoteID)
	assert.Equal(t, "/geometry/week 1", env.mapping(t, lesson.ID, storage.ProviderDropbox).RemoteID)

	lesson.Title = "Week One"
	_, err = env.engine.OnEntitySaved(ctx, lesson)
	require.NoError(t, err)
	renames := env.dropbox.callsOf("rename")
	require.Len(t, renames, 2)
	assert.Equal(t, "/geometry/week 1", renames[1].RemoteID)
}

func TestEngine_PullBootstrapsAndPropagates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.drive.setFeed("", &storage.ChangeSet{
		NextCursor: "100",
		Entries: []storage.ChangeEntry{
			{RemoteID: "d-c1", Name: "Statistics", IsFolder: true, AtRoot: true},
			{RemoteID: "d-l1", Name: "Week 1", ParentID: "d-c1", IsFolder: true},
			{RemoteID: "d-f1", Name: "notes.pdf", ParentID: "d-c1"},
			{RemoteID: "d-gone", Deleted: true},
			{RemoteID: "d-x1", Name: "Stray", ParentID: "unknown", IsFolder: true},
		},
	})

	result, err := env.engine.Pull(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Equal(t, 5, result.Entries)
	assert.Equal(t, 2, result.Created)
	assert.Equal(t, 3, result.Skipped)
	assert.True(t, result.CursorAdvanced)

	cursor, err := env.db.Settings.LoadCursor(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Equal(t, "100", cursor)

	courseMapping, err := env.db.Mappings.FindByRemoteID(ctx, storage.ProviderGoogleDrive, "d-c1")
	require.NoError(t, err)
	course, err := env.db.Entities.GetEntity(ctx, courseMapping.EntityID)
	require.NoError(t, err)
	assert.Equal(t, core.KindCourse, course.Kind)
	assert.Equal(t, core.StatusDraft, course.Status)

	lessonMapping, err := env.db.Mappings.FindByRemoteID(ctx, storage.ProviderGoogleDrive, "d-l1")
	require.NoError(t, err)
	lesson, err := env.db.Entities.GetEntity(ctx, lessonMapping.EntityID)
	require.NoError(t, err)
	assert.Equal(t, core.KindLesson, lesson.Kind)
	assert.Equal(t, course.ID, lesson.ParentID)

	// created entities are replayed onto the other provider, never back to the source
	assert.Empty(t, env.drive.callsOf("create"))
	creates := env.dropbox.callsOf("create")
	require.Len(t, creates, 2)
	assert.Equal(t, folderCall{Op: "create", Name: "Statistics"}, creates[0])
	assert.Equal(t, folderCall{Op: "create", Name: "Week 1", ParentID: "/statistics"}, creates[1])
}

func TestEngine_PullDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.connections.set(storage.ProviderDropbox, false)

	entry := storage.ChangeEntry{RemoteID: "d-c1", Name: "Economics", IsFolder: true, AtRoot: true}
	env.drive.setFeed("", &storage.ChangeSet{NextCursor: "", Entries: []storage.ChangeEntry{entry, entry}})

	for i := 0; i < 3; i++ {
		_, err := env.engine.Pull(ctx, storage.ProviderGoogleDrive)
		require.NoError(t, err)
	}

	entities, err := env.db.Entities.ListEntities(ctx)
	require.NoError(t, err)
	assert.Len(t, entities, 1)
}

func TestEngine_PullEchoOfOwnPushIsIgnored(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.connections.set(storage.ProviderDropbox, false)

	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Geography"})
	_, err := env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)
	m := env.mapping(t, course.ID, storage.ProviderGoogleDrive)

	env.drive.setFeed("", &storage.ChangeSet{NextCursor: "5", Entries: []storage.ChangeEntry{
		{RemoteID: m.RemoteID, Name: "Geography", IsFolder: true, AtRoot: true},
	}})

	result, err := env.engine.Pull(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Zero(t, result.Created)
	assert.Zero(t, result.Renamed)
}

func TestEngine_PullCursorAdvancesOnlyOnFullSuccess(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	db := env.db
	failing := &failingMappings{MappingStore: db.Mappings, failRemoteID: "d-2"}
	env.engine = NewEngine(db.Entities, failing, db.Settings, env.connections, env.registry)
	env.connections.set(storage.ProviderDropbox, false)
	require.NoError(t, db.Settings.SaveCursor(ctx, storage.ProviderGoogleDrive, "10"))

	env.drive.setFeed("10", &storage.ChangeSet{NextCursor: "13", Entries: []storage.ChangeEntry{
		{RemoteID: "d-1", Name: "One", IsFolder: true, AtRoot: true},
		{RemoteID: "d-2", Name: "Two", IsFolder: true, AtRoot: true},
		{RemoteID: "d-3", Name: "Three", IsFolder: true, AtRoot: true},
	}})

	result, err := env.engine.Pull(ctx, storage.ProviderGoogleDrive)
	require.Error(t, err)
	assert.True(t, result.Failed)
	assert.False(t, result.CursorAdvanced)

	cursor, err := db.Settings.LoadCursor(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Equal(t, "10", cursor)

	failing.failRemoteID = ""
	result, err = env.engine.Pull(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.True(t, result.CursorAdvanced)

	cursor, err = db.Settings.LoadCursor(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Equal(t, "13", cursor)

	mappings, err := db.Mappings.ListMappings(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Len(t, mappings, 3)
}

func TestEngine_PullListFailureKeepsCursor(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	require.NoError(t, env.db.Settings.SaveCursor(ctx, storage.ProviderGoogleDrive, "42"))
	env.drive.changesErr = storage.NewStorageError(storage.ErrorCodeRemoteError, "cursor reset", storage.ProviderGoogleDrive, "", nil)

	result, err := env.engine.Pull(ctx, storage.ProviderGoogleDrive)
	require.Error(t, err)
	assert.Equal(t, storage.ErrorCodeRemoteError, storage.ErrorCode(err))
	assert.Equal(t, storage.ProviderGoogleDrive, result.Provider)

	cursor, err := env.db.Settings.LoadCursor(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Equal(t, "42", cursor)
}

func TestEngine_PullRemoteRename(t *testing.T) {
	tests := []struct {
		name          string
		priority      settings.Priority
		expectedTitle string
		renamed       int
	}{
		{name: "local priority keeps title", priority: settings.PriorityLocal, expectedTitle: "Poetry", renamed: 0},
		{name: "remote priority adopts folder name", priority: settings.PriorityRemote, expectedTitle: "Modern Poetry", renamed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnv(t)
			general := settings.DefaultGeneral()
			general.Priority = tt.priority
			require.NoError(t, env.db.Settings.SaveGeneral(ctx, general))

			course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Poetry"})
			_, err := env.engine.OnEntitySaved(ctx, course)
			require.NoError(t, err)
			m := env.mapping(t, course.ID, storage.ProviderGoogleDrive)

			env.drive.setFeed("", &storage.ChangeSet{NextCursor: "2", Entries: []storage.ChangeEntry{
				{RemoteID: m.RemoteID, Name: "Modern Poetry", IsFolder: true, AtRoot: true},
			}})

			result, err := env.engine.Pull(ctx, storage.ProviderGoogleDrive)
			require.NoError(t, err)
			assert.Equal(t, tt.renamed, result.Renamed)

			stored, err := env.db.Entities.GetEntity(ctx, course.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.expectedTitle, stored.Title)
			assert.Equal(t, "Modern Poetry", env.mapping(t, course.ID, storage.ProviderGoogleDrive).RemoteName)

			if tt.priority == settings.PriorityRemote {
				renames := env.dropbox.callsOf("rename")
				require.Len(t, renames, 1)
				assert.Equal(t, "Modern Poetry", renames[0].Name)
				assert.Empty(t, env.drive.callsOf("rename"))
				return
			}

			// the next push puts the local title back on the folder
			_, err = env.engine.OnEntitySaved(ctx, stored)
			require.NoError(t, err)
			renames := env.drive.callsOf("rename")
			require.Len(t, renames, 1)
			assert.Equal(t, "Poetry", renames[0].Name)
		})
	}
}

func TestEngine_PullRemoteDeleteUnlinks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Drama"})
	_, err := env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)
	m := env.mapping(t, course.ID, storage.ProviderGoogleDrive)

	env.drive.setFeed("", &storage.ChangeSet{NextCursor: "9", Entries: []storage.ChangeEntry{
		{RemoteID: m.RemoteID, Deleted: true},
	}})

	result, err := env.engine.Pull(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Unlinked)

	_, err = env.db.Mappings.GetMapping(ctx, course.ID, storage.ProviderGoogleDrive)
	assert.True(t, errors.Is(err, core.ErrNotFound))

	exists, err := env.db.Entities.EntityExists(ctx, course.ID)
	require.NoError(t, err)
	assert.True(t, exists)
	env.mapping(t, course.ID, storage.ProviderDropbox)
}

func TestEngine_PullPathRenameIsAMove(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Algebra"})
	lesson := env.createEntity(t, core.Entity{Kind: core.KindLesson, Title: "Week 1", ParentID: course.ID})
	_, err := env.engine.PushAll(ctx, false)
	require.NoError(t, err)
	require.Equal(t, "/algebra", env.mapping(t, course.ID, storage.ProviderDropbox).RemoteID)

	// Dropbox reports a folder rename as a delete of the old paths plus new folders
	env.dropbox.moveRemote("/algebra", "/geometry", "Geometry")
	env.dropbox.setFeed("", &storage.ChangeSet{NextCursor: "x2", Entries: []storage.ChangeEntry{
		{RemoteID: "/algebra/week 1", ParentID: "/algebra", Deleted: true},
		{RemoteID: "/algebra", Deleted: true},
		{RemoteID: "/geometry", Name: "Geometry", IsFolder: true, AtRoot: true},
		{RemoteID: "/geometry/week 1", Name: "Week 1", ParentID: "/geometry", IsFolder: true},
	}})

	result, err := env.engine.Pull(ctx, storage.ProviderDropbox)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Moved)
	assert.Zero(t, result.Created)
	assert.Zero(t, result.Unlinked)
	assert.True(t, result.CursorAdvanced)

	entities, err := env.db.Entities.ListEntities(ctx)
	require.NoError(t, err)
	assert.Len(t, entities, 2)
	assert.Equal(t, "/geometry", env.mapping(t, course.ID, storage.ProviderDropbox).RemoteID)
	assert.Equal(t, "/geometry/week 1", env.mapping(t, lesson.ID, storage.ProviderDropbox).RemoteID)

	// the local title wins, so the folder is renamed back rather than recreated
	_, err = env.engine.PushAll(ctx, false)
	require.NoError(t, err)
	assert.Len(t, env.dropbox.callsOf("create"), 2)
	assert.Len(t, env.drive.callsOf("create"), 2)

	renames := env.dropbox.callsOf("rename")
	require.Len(t, renames, 1)
	assert.Equal(t, folderCall{Op: "rename", Name: "Algebra", RemoteID: "/geometry"}, renames[0])
	assert.Equal(t, "/algebra/week 1", env.mapping(t, lesson.ID, storage.ProviderDropbox).RemoteID)
}

func TestEngine_PullStableIDsNeverPairMoves(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.connections.set(storage.ProviderDropbox, false)

	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Drama"})
	_, err := env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)
	m := env.mapping(t, course.ID, storage.ProviderGoogleDrive)

	env.drive.setFeed("", &storage.ChangeSet{NextCursor: "3", Entries: []storage.ChangeEntry{
		{RemoteID: m.RemoteID, Deleted: true},
		{RemoteID: "d-new", Name: "Film", IsFolder: true, AtRoot: true},
	}})

	result, err := env.engine.Pull(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	assert.Zero(t, result.Moved)
	assert.Equal(t, 1, result.Unlinked)
	assert.Equal(t, 1, result.Created)
}

func TestEngine_PullAll(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	env.drive.setFeed("", &storage.ChangeSet{NextCursor: "d1"})
	env.dropbox.setFeed("", &storage.ChangeSet{NextCursor: "x1"})

	results := env.engine.PullAll(ctx)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.False(t, r.Failed)
		assert.True(t, r.CursorAdvanced)
	}

	env.connections.set(storage.ProviderDropbox, false)
	results = env.engine.PullAll(ctx)
	require.Len(t, results, 1)
	assert.Equal(t, storage.ProviderGoogleDrive, results[0].Provider)
	assert.False(t, results[0].CursorAdvanced)
}

func TestEngine_RebuildAndCleanup(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.connections.set(storage.ProviderDropbox, false)

	course := env.createEntity(t, core.Entity{Kind: core.KindCourse, Title: "Law"})
	_, err := env.engine.OnEntitySaved(ctx, course)
	require.NoError(t, err)

	require.NoError(t, env.db.Mappings.CreateMapping(ctx, core.RemoteFolderMapping{
		EntityID: "deleted-entity", Provider: storage.ProviderGoogleDrive, RemoteID: "orphan", RemoteName: "Old",
	}))

	removed, err := env.engine.CleanupOrphanedMappings(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	result, err := env.engine.RebuildStructure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Created)
	assert.Len(t, env.drive.callsOf("create"), 2)

	mappings, err := env.db.Mappings.ListMappings(ctx, storage.ProviderGoogleDrive)
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, course.ID, mappings[0].EntityID)
}
