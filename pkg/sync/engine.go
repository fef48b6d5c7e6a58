// Package sync reconciles local courses and lessons with folders on the
// connected storage providers, in both directions.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jscharber/coursemirror/pkg/core"
	"github.com/jscharber/coursemirror/pkg/settings"
	"github.com/jscharber/coursemirror/pkg/storage"
)

// ConnectionChecker reports whether a provider has usable credentials
type ConnectionChecker interface {
	Connected(ctx context.Context, provider storage.Provider) bool
}

// SettingsSource supplies the cursor and general settings groups
type SettingsSource interface {
	settings.CursorRepository
	settings.GeneralRepository
}

// Engine is the reconciliation engine. Each provider is serialized by its
// own lock; providers never block each other.
type Engine struct {
	entities    core.EntityStore
	mappings    core.MappingStore
	settings    SettingsSource
	connections ConnectionChecker
	registry    storage.ConnectorRegistry
	namer       *Namer
	logger      *zap.Logger
	tracer      trace.Tracer

	locks map[storage.Provider]*sync.Mutex
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithNamer replaces the default folder namer
func WithNamer(namer *Namer) EngineOption {
	return func(e *Engine) {
		e.namer = namer
	}
}

// WithEngineLogger sets the engine logger
func WithEngineLogger(logger *zap.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine creates a new reconciliation engine
func NewEngine(entities core.EntityStore, mappings core.MappingStore, source SettingsSource, connections ConnectionChecker, registry storage.ConnectorRegistry, opts ...EngineOption) *Engine {
	e := &Engine{
		entities:    entities,
		mappings:    mappings,
		settings:    source,
		connections: connections,
		registry:    registry,
		namer:       NewNamer(),
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("sync-engine"),
		locks:       make(map[storage.Provider]*sync.Mutex, len(storage.AllProviders)),
	}
	for _, p := range storage.AllProviders {
		e.locks[p] = &sync.Mutex{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Namer returns the folder namer, so hosts can register filters
func (e *Engine) Namer() *Namer {
	return e.namer
}

// PushResult counts the outcome of push operations
type PushResult struct {
	Created  int `json:"created"`
	Renamed  int `json:"renamed"`
	Deleted  int `json:"deleted"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
	Entities int `json:"entities"`
}

func (r *PushResult) add(o PushResult) {
	r.Created += o.Created
	r.Renamed += o.Renamed
	r.Deleted += o.Deleted
	r.Skipped += o.Skipped
	r.Failed += o.Failed
	r.Entities += o.Entities
}

// PullResult describes one provider pull. A failed pull carries the storage
// error code only; the error itself goes to the log.
type PullResult struct {
	Provider       storage.Provider `json:"provider"`
	Entries        int              `json:"entries"`
	Created        int              `json:"created"`
	Renamed        int              `json:"renamed"`
	Moved          int              `json:"moved"`
	Unlinked       int              `json:"unlinked"`
	Skipped        int              `json:"skipped"`
	CursorAdvanced bool             `json:"cursor_advanced"`
	Duration       time.Duration    `json:"duration"`
	Failed         bool             `json:"failed"`
	Code           string           `json:"code,omitempty"`
}

// OnEntitySaved pushes a created or updated entity to every connected provider
func (e *Engine) OnEntitySaved(ctx context.Context, entity core.Entity) (PushResult, error) {
	return e.pushEntity(ctx, entity, false, "")
}

// OnEntityDeleted deletes the remote folders of an entity and forgets its mappings.
// Mappings are removed whether or not the remote delete succeeded.
func (e *Engine) OnEntityDeleted(ctx context.Context, entityID string) (PushResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync.on_entity_deleted", trace.WithAttributes(attribute.String("entity_id", entityID)))
	defer span.End()

	var result PushResult
	var errs []error
	for _, provider := range e.registry.List() {
		if !e.connections.Connected(ctx, provider) {
			e.logger.Debug("provider not connected, skipping", zap.String("provider", provider.String()))
			continue
		}
		conn, err := e.registry.Get(provider)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		r, err := e.withLock(provider, func() (PushResult, error) {
			return e.deleteOne(ctx, conn, entityID)
		})
		result.add(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", provider, err))
		}
	}

	err := errors.Join(errs...)
	recordSpanError(span, err)
	return result, err
}

// PushAll pushes every eligible entity, courses before lessons. With force,
// renames are issued even when the remote name already matches.
func (e *Engine) PushAll(ctx context.Context, force bool) (PushResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync.push_all", trace.WithAttributes(attribute.Bool("force", force)))
	defer span.End()

	entities, err := e.entities.ListEntities(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list entities: %w", err)
		recordSpanError(span, err)
		return PushResult{}, err
	}

	var result PushResult
	var errs []error
	for _, entity := range orderForPush(entities) {
		r, err := e.pushEntity(ctx, entity, force, "")
		result.add(r)
		if err != nil {
			errs = append(errs, err)
		}
	}

	e.logger.Info("push completed",
		zap.Bool("force", force),
		zap.Int("entities", result.Entities),
		zap.Int("created", result.Created),
		zap.Int("renamed", result.Renamed),
		zap.Int("failed", result.Failed),
	)

	err = errors.Join(errs...)
	recordSpanError(span, err)
	return result, err
}

// Pull applies the change feed of one provider. The cursor is persisted only
// when every entry was applied.
func (e *Engine) Pull(ctx context.Context, provider storage.Provider) (*PullResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync.pull", trace.WithAttributes(attribute.String("provider", provider.String())))
	defer span.End()

	start := time.Now()
	result := &PullResult{Provider: provider}

	touched, err := e.pullLocked(ctx, provider, result)
	result.Duration = time.Since(start)
	if err != nil {
		result.Failed = true
		result.Code = storage.ErrorCode(err)
		recordSpanError(span, err)
		e.logger.Error("pull failed", zap.String("provider", provider.String()), zap.Error(err))
	}

	// Replay local effects of the pull onto the other providers once this
	// provider's lock is released.
	for _, entity := range touched {
		if _, perr := e.pushEntity(ctx, entity, false, provider); perr != nil {
			e.logger.Warn("propagation failed",
				zap.String("provider", provider.String()),
				zap.String("entity_id", entity.ID),
				zap.Error(perr),
			)
		}
	}

	span.SetAttributes(
		attribute.Int("pull.entries", result.Entries),
		attribute.Int("pull.created", result.Created),
		attribute.Bool("pull.cursor_advanced", result.CursorAdvanced),
	)
	return result, err
}

// PullAll pulls every connected provider concurrently
func (e *Engine) PullAll(ctx context.Context) []*PullResult {
	ctx, span := e.tracer.Start(ctx, "sync.pull_all")
	defer span.End()

	var providers []storage.Provider
	for _, p := range e.registry.List() {
		if e.connections.Connected(ctx, p) {
			providers = append(providers, p)
		} else {
			e.logger.Debug("provider not connected, skipping", zap.String("provider", p.String()))
		}
	}

	results := make([]*PullResult, len(providers))
	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p storage.Provider) {
			defer wg.Done()
			results[i], _ = e.Pull(ctx, p)
		}(i, p)
	}
	wg.Wait()

	return results
}

// RebuildStructure forgets every mapping and pushes all entities again
func (e *Engine) RebuildStructure(ctx context.Context) (PushResult, error) {
	ctx, span := e.tracer.Start(ctx, "sync.rebuild_structure")
	defer span.End()

	removed, err := e.mappings.DeleteAllMappings(ctx)
	if err != nil {
		err = fmt.Errorf("failed to delete mappings: %w", err)
		recordSpanError(span, err)
		return PushResult{}, err
	}
	e.logger.Info("mappings cleared for rebuild", zap.Int64("removed", removed))

	return e.PushAll(ctx, false)
}

// CleanupOrphanedMappings removes mappings whose entity no longer exists
func (e *Engine) CleanupOrphanedMappings(ctx context.Context) (int, error) {
	ctx, span := e.tracer.Start(ctx, "sync.cleanup_orphaned_mappings")
	defer span.End()

	mappings, err := e.mappings.ListAllMappings(ctx)
	if err != nil {
		err = fmt.Errorf("failed to list mappings: %w", err)
		recordSpanError(span, err)
		return 0, err
	}

	removed := 0
	for _, m := range mappings {
		exists, err := e.entities.EntityExists(ctx, m.EntityID)
		if err != nil {
			recordSpanError(span, err)
			return removed, fmt.Errorf("failed to check entity %s: %w", m.EntityID, err)
		}
		if exists {
			continue
		}
		if err := e.mappings.DeleteMapping(ctx, m.EntityID, m.Provider); err != nil && !errors.Is(err, core.ErrNotFound) {
			recordSpanError(span, err)
			return removed, fmt.Errorf("failed to delete mapping: %w", err)
		}
		removed++
	}

	e.logger.Info("orphaned mappings removed", zap.Int("removed", removed))
	return removed, nil
}

// Helper methods

func (e *Engine) withLock(provider storage.Provider, fn func() (PushResult, error)) (PushResult, error) {
	mu := e.lockFor(provider)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

func (e *Engine) lockFor(provider storage.Provider) *sync.Mutex {
	if mu, ok := e.locks[provider]; ok {
		return mu
	}
	// the map is fixed at construction; unknown providers share one lock
	return e.locks[storage.AllProviders[0]]
}

// pushEntity pushes entity to every connected provider except skip
func (e *Engine) pushEntity(ctx context.Context, entity core.Entity, force bool, skip storage.Provider) (PushResult, error) {
	result := PushResult{Entities: 1}
	if !entity.Eligible() {
		result.Skipped++
		return result, nil
	}

	ctx, span := e.tracer.Start(ctx, "sync.push_entity", trace.WithAttributes(
		attribute.String("entity_id", entity.ID),
		attribute.String("entity_kind", string(entity.Kind)),
	))
	defer span.End()

	name := e.namer.FolderName(entity)
	if name == "" {
		e.logger.Debug("entity has no usable folder name, skipping", zap.String("entity_id", entity.ID))
		result.Skipped++
		return result, nil
	}

	var errs []error
	for _, provider := range e.registry.List() {
		if provider == skip {
			continue
		}
		if !e.connections.Connected(ctx, provider) {
			e.logger.Debug("provider not connected, skipping", zap.String("provider", provider.String()))
			continue
		}
		conn, err := e.registry.Get(provider)
		if err != nil {
			errs = append(errs, err)
			continue
		}

		r, err := e.withLock(provider, func() (PushResult, error) {
			return e.pushOne(ctx, conn, entity, name, force)
		})
		result.add(r)
		if err != nil {
			result.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", provider, err))
			e.logger.Error("push failed",
				zap.String("provider", provider.String()),
				zap.String("entity_id", entity.ID),
				zap.Error(err),
			)
		}
	}

	err := errors.Join(errs...)
	recordSpanError(span, err)
	return result, err
}

// pushOne advances one (entity, provider) pair. The caller holds the provider lock.
func (e *Engine) pushOne(ctx context.Context, conn storage.FolderConnector, entity core.Entity, name string, force bool) (PushResult, error) {
	var result PushResult
	provider := conn.Provider()
	log := e.logger.With(zap.String("provider", provider.String()), zap.String("entity_id", entity.ID))

	mapping, err := e.mappings.GetMapping(ctx, entity.ID, provider)
	switch {
	case err == nil:
		if mapping.RemoteName == name && !force {
			return result, nil
		}
		newID, err := conn.RenameFolder(ctx, mapping.RemoteID, name)
		if err != nil {
			return result, fmt.Errorf("failed to rename folder %s: %w", mapping.RemoteID, err)
		}

		oldID := mapping.RemoteID
		mapping.RemoteID = newID
		mapping.RemoteName = name
		if err := e.mappings.UpdateMapping(ctx, mapping); err != nil {
			return result, fmt.Errorf("failed to update mapping: %w", err)
		}
		if newID != oldID {
			if err := e.rebaseDescendants(ctx, conn, oldID, newID); err != nil {
				return result, err
			}
		}

		log.Info("folder renamed", zap.String("remote_id", newID), zap.String("name", name))
		result.Renamed++
		return result, nil

	case !errors.Is(err, core.ErrNotFound):
		return result, fmt.Errorf("failed to load mapping: %w", err)
	}

	parentRemoteID := ""
	if entity.Kind == core.KindLesson {
		if entity.ParentID == "" {
			log.Debug("lesson has no parent course, skipping")
			result.Skipped++
			return result, nil
		}
		parent, err := e.mappings.GetMapping(ctx, entity.ParentID, provider)
		if errors.Is(err, core.ErrNotFound) {
			log.Debug("parent course has no folder yet, skipping lesson", zap.String("parent_id", entity.ParentID))
			result.Skipped++
			return result, nil
		}
		if err != nil {
			return result, fmt.Errorf("failed to load parent mapping: %w", err)
		}
		parentRemoteID = parent.RemoteID
	}

	remoteID, err := conn.CreateFolder(ctx, name, parentRemoteID)
	if err != nil {
		return result, fmt.Errorf("failed to create folder: %w", err)
	}

	if err := e.mappings.CreateMapping(ctx, core.RemoteFolderMapping{
		EntityID:   entity.ID,
		Provider:   provider,
		RemoteID:   remoteID,
		RemoteName: name,
	}); err != nil {
		return result, fmt.Errorf("failed to save mapping for %s: %w", remoteID, err)
	}

	log.Info("folder created", zap.String("remote_id", remoteID), zap.String("name", name))
	result.Created++
	return result, nil
}

// deleteOne removes the folder of an entity. The caller holds the provider lock.
func (e *Engine) deleteOne(ctx context.Context, conn storage.FolderConnector, entityID string) (PushResult, error) {
	var result PushResult
	provider := conn.Provider()

	mapping, err := e.mappings.GetMapping(ctx, entityID, provider)
	if errors.Is(err, core.ErrNotFound) {
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to load mapping: %w", err)
	}

	log := e.logger.With(
		zap.String("provider", provider.String()),
		zap.String("entity_id", entityID),
		zap.String("remote_id", mapping.RemoteID),
	)

	if err := conn.DeleteFolder(ctx, mapping.RemoteID); err != nil {
		log.Warn("remote folder delete failed; forgetting mapping anyway", zap.Error(err))
		result.Failed++
	} else {
		log.Info("folder deleted")
		result.Deleted++
	}

	if err := e.mappings.DeleteMapping(ctx, entityID, provider); err != nil && !errors.Is(err, core.ErrNotFound) {
		return result, fmt.Errorf("failed to delete mapping: %w", err)
	}
	return result, nil
}

// rebaseDescendants rewrites mappings below a moved folder on path-addressed providers
func (e *Engine) rebaseDescendants(ctx context.Context, conn storage.FolderConnector, oldID, newID string) error {
	rebaser, ok := conn.(storage.RemoteIDRebaser)
	if !ok {
		return nil
	}

	mappings, err := e.mappings.ListMappings(ctx, conn.Provider())
	if err != nil {
		return fmt.Errorf("failed to list mappings for rebase: %w", err)
	}
	for _, m := range mappings {
		rebased, changed := rebaser.RebaseRemoteID(m.RemoteID, oldID, newID)
		if !changed {
			continue
		}
		m.RemoteID = rebased
		if err := e.mappings.UpdateMapping(ctx, m); err != nil {
			return fmt.Errorf("failed to rebase mapping of %s: %w", m.EntityID, err)
		}
	}
	return nil
}

// pullLocked runs one pull under the provider lock and returns the entities
// whose local state changed.
func (e *Engine) pullLocked(ctx context.Context, provider storage.Provider, result *PullResult) ([]core.Entity, error) {
	if !e.connections.Connected(ctx, provider) {
		e.logger.Debug("provider not connected, skipping", zap.String("provider", provider.String()))
		return nil, nil
	}
	conn, err := e.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	mu := e.lockFor(provider)
	mu.Lock()
	defer mu.Unlock()

	cursor, err := e.settings.LoadCursor(ctx, provider)
	if err != nil {
		return nil, fmt.Errorf("failed to load cursor: %w", err)
	}

	changes, err := conn.ListChanges(ctx, cursor)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	result.Entries = len(changes.Entries)

	general, err := e.settings.LoadGeneral(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load general settings: %w", err)
	}

	moves, err := e.detectMoves(ctx, conn, changes.Entries)
	if err != nil {
		return nil, err
	}

	var touched []core.Entity
	consumed := make(map[int]bool, 2*len(moves))
	for _, mv := range moves {
		consumed[mv.deleted] = true
		consumed[mv.created] = true
		entity, err := e.applyMove(ctx, conn, mv.mapping, changes.Entries[mv.created], general.Priority, result)
		if err != nil {
			return touched, fmt.Errorf("failed to apply move of %s: %w", mv.mapping.RemoteID, err)
		}
		if entity != nil {
			touched = append(touched, *entity)
		}
	}

	for i, entry := range changes.Entries {
		if consumed[i] {
			continue
		}
		entity, err := e.applyChange(ctx, provider, entry, general.Priority, result)
		if err != nil {
			return touched, fmt.Errorf("failed to apply change %d (%s): %w", i, entry.RemoteID, err)
		}
		if entity != nil {
			touched = append(touched, *entity)
		}
	}

	if changes.NextCursor != "" && changes.NextCursor != cursor {
		if err := e.settings.SaveCursor(ctx, provider, changes.NextCursor); err != nil {
			return touched, fmt.Errorf("failed to save cursor: %w", err)
		}
		result.CursorAdvanced = true
	}

	e.logger.Info("pull completed",
		zap.String("provider", provider.String()),
		zap.Int("entries", result.Entries),
		zap.Int("created", result.Created),
		zap.Int("renamed", result.Renamed),
		zap.Int("moved", result.Moved),
		zap.Int("unlinked", result.Unlinked),
	)
	return touched, nil
}

// applyChange applies one change entry and returns the entity it created or
// renamed, if any.
func (e *Engine) applyChange(ctx context.Context, provider storage.Provider, entry storage.ChangeEntry, priority settings.Priority, result *PullResult) (*core.Entity, error) {
	log := e.logger.With(zap.String("provider", provider.String()), zap.String("remote_id", entry.RemoteID))

	existing, err := e.mappings.FindByRemoteID(ctx, provider, entry.RemoteID)
	mapped := err == nil
	if err != nil && !errors.Is(err, core.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up mapping: %w", err)
	}

	switch {
	case entry.Deleted:
		if !mapped {
			result.Skipped++
			return nil, nil
		}
		if err := e.mappings.DeleteMapping(ctx, existing.EntityID, provider); err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("failed to delete mapping: %w", err)
		}
		log.Info("remote folder removed; mapping dropped", zap.String("entity_id", existing.EntityID))
		result.Unlinked++
		return nil, nil

	case !entry.IsFolder:
		result.Skipped++
		return nil, nil

	case mapped:
		return e.applyRename(ctx, provider, existing, entry, priority, result)
	}

	kind := core.KindCourse
	parentID := ""
	if !entry.AtRoot {
		parent, err := e.mappings.FindByRemoteID(ctx, provider, entry.ParentID)
		if errors.Is(err, core.ErrNotFound) || entry.ParentID == "" {
			result.Skipped++
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to look up parent mapping: %w", err)
		}
		parentEntity, err := e.entities.GetEntity(ctx, parent.EntityID)
		if errors.Is(err, core.ErrNotFound) || (err == nil && parentEntity.Kind != core.KindCourse) {
			result.Skipped++
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load parent entity: %w", err)
		}
		kind = core.KindLesson
		parentID = parentEntity.ID
	}

	if e.namer.Sanitize(entry.Name) == "" {
		result.Skipped++
		return nil, nil
	}

	created, err := e.entities.CreateEntity(ctx, core.Entity{
		Kind:     kind,
		Title:    entry.Name,
		ParentID: parentID,
		Status:   core.StatusDraft,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", kind, err)
	}

	if err := e.mappings.CreateMapping(ctx, core.RemoteFolderMapping{
		EntityID:   created.ID,
		Provider:   provider,
		RemoteID:   entry.RemoteID,
		RemoteName: entry.Name,
	}); err != nil {
		return nil, fmt.Errorf("failed to save mapping: %w", err)
	}

	log.Info("entity created from remote folder",
		zap.String("entity_id", created.ID),
		zap.String("kind", string(kind)),
		zap.String("title", created.Title),
	)
	result.Created++
	return &created, nil
}

// folderMove pairs a deleted mapped folder with the folder that replaced it
// in the same change batch
type folderMove struct {
	deleted int
	created int
	mapping core.RemoteFolderMapping
}

// detectMoves finds renames on path-addressed providers, which report them as
// a delete of the old path plus a new folder under the same parent. Only the
// top of a moved subtree is paired; descendants follow through rebasing.
// Candidates under one parent are paired in feed order.
func (e *Engine) detectMoves(ctx context.Context, conn storage.FolderConnector, entries []storage.ChangeEntry) ([]folderMove, error) {
	rebaser, ok := conn.(storage.RemoteIDRebaser)
	if !ok {
		return nil, nil
	}
	provider := conn.Provider()

	type candidate struct {
		index   int
		mapping core.RemoteFolderMapping
	}
	var deleted []candidate
	created := make(map[int]bool)
	for i, entry := range entries {
		m, err := e.mappings.FindByRemoteID(ctx, provider, entry.RemoteID)
		mapped := err == nil
		if err != nil && !errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("failed to look up mapping: %w", err)
		}
		switch {
		case entry.Deleted && mapped:
			deleted = append(deleted, candidate{index: i, mapping: m})
		case !entry.Deleted && entry.IsFolder && !mapped && entry.Name != "":
			created[i] = true
		}
	}
	if len(deleted) == 0 || len(created) == 0 {
		return nil, nil
	}

	// descendants of another candidate move with it
	underAnother := func(id string, others []string) bool {
		for _, other := range others {
			if other == id {
				continue
			}
			if _, below := rebaser.RebaseRemoteID(id, other, other); below {
				return true
			}
		}
		return false
	}
	var deletedIDs, createdIDs []string
	for _, d := range deleted {
		deletedIDs = append(deletedIDs, d.mapping.RemoteID)
	}
	for i := range created {
		createdIDs = append(createdIDs, entries[i].RemoteID)
	}

	var moves []folderMove
	used := make(map[int]bool)
	for i, entry := range entries {
		if !created[i] || underAnother(entry.RemoteID, createdIDs) {
			continue
		}
		for j, d := range deleted {
			if used[j] || underAnother(d.mapping.RemoteID, deletedIDs) {
				continue
			}
			if entries[d.index].ParentID != entry.ParentID {
				continue
			}
			used[j] = true
			moves = append(moves, folderMove{deleted: d.index, created: i, mapping: d.mapping})
			break
		}
	}
	return moves, nil
}

// applyMove points an existing mapping at the folder's new remote id, rebases
// its descendants and then handles the name change like any remote rename.
func (e *Engine) applyMove(ctx context.Context, conn storage.FolderConnector, mapping core.RemoteFolderMapping, entry storage.ChangeEntry, priority settings.Priority, result *PullResult) (*core.Entity, error) {
	oldID := mapping.RemoteID
	mapping.RemoteID = entry.RemoteID
	if err := e.mappings.UpdateMapping(ctx, mapping); err != nil {
		return nil, fmt.Errorf("failed to update mapping: %w", err)
	}
	if err := e.rebaseDescendants(ctx, conn, oldID, entry.RemoteID); err != nil {
		return nil, err
	}

	e.logger.Info("remote folder moved",
		zap.String("provider", conn.Provider().String()),
		zap.String("entity_id", mapping.EntityID),
		zap.String("from", oldID),
		zap.String("to", entry.RemoteID),
	)
	result.Moved++
	return e.applyRename(ctx, conn.Provider(), mapping, entry, priority, result)
}

func (e *Engine) applyRename(ctx context.Context, provider storage.Provider, existing core.RemoteFolderMapping, entry storage.ChangeEntry, priority settings.Priority, result *PullResult) (*core.Entity, error) {
	if entry.Name == "" || entry.Name == existing.RemoteName {
		result.Skipped++
		return nil, nil
	}

	existing.RemoteName = entry.Name
	if err := e.mappings.UpdateMapping(ctx, existing); err != nil {
		return nil, fmt.Errorf("failed to update mapping: %w", err)
	}

	// local titles win; the next push renames the folder back
	if priority != settings.PriorityRemote {
		result.Skipped++
		return nil, nil
	}

	entity, err := e.entities.GetEntity(ctx, existing.EntityID)
	if errors.Is(err, core.ErrNotFound) {
		result.Skipped++
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load entity: %w", err)
	}

	entity.Title = entry.Name
	updated, err := e.entities.UpdateEntity(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to rename entity: %w", err)
	}

	e.logger.Info("entity renamed from remote folder",
		zap.String("provider", provider.String()),
		zap.String("entity_id", updated.ID),
		zap.String("title", updated.Title),
	)
	result.Renamed++
	return &updated, nil
}

// orderForPush puts courses before lessons so lessons find their parent mapping
func orderForPush(entities []core.Entity) []core.Entity {
	ordered := make([]core.Entity, 0, len(entities))
	for _, e := range entities {
		if e.Kind == core.KindCourse {
			ordered = append(ordered, e)
		}
	}
	for _, e := range entities {
		if e.Kind != core.KindCourse {
			ordered = append(ordered, e)
		}
	}
	return ordered
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
