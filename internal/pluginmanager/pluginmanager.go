// Package pluginmanager owns the in-memory ManagedPlugin table, the
// LRU-evicting sandbox pool, and dispatch of data source / action / AI
// pipeline calls into the right sandbox (§4.E).
package pluginmanager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"devrig/internal/apperr"
	"devrig/internal/eventbus"
	"devrig/internal/manifest"
	"devrig/internal/obs/metrics"
	"devrig/internal/pluginloader"
	"devrig/internal/sandbox"
	"devrig/internal/storage"
)

// Status is the lifecycle status of a managed plugin (§4.E).
type Status string

const (
	StatusInstalled Status = "installed"
	StatusActive    Status = "active"
	StatusError     Status = "error"
	StatusDisabled  Status = "disabled"
)

// MaxPoolSize is the sandbox pool's resident cap (§4.D, §5 invariant 5).
const MaxPoolSize = 10

// ManagedPlugin is the in-memory record the manager keeps per plugin,
// independent of whether a sandbox is currently resident for it.
type ManagedPlugin struct {
	Descriptor *pluginloader.Descriptor
	DBID       string
	Status     Status
	Error      string
}

// Manager owns the plugin table, the sandbox pool, and dispatch.
type Manager struct {
	mu      sync.Mutex
	plugins map[string]*ManagedPlugin
	pool    map[string]*sandbox.Sandbox

	db          *storage.DB
	pluginRepo  *storage.PluginRepo
	syncRepo    *storage.SyncStateRepo
	hostFuncs   sandbox.HostCallbacks
	bus         eventbus.Bus
	pluginsDir  string
	log         *slog.Logger
}

// New constructs a Manager. hostFuncs is shared across every sandbox the
// manager creates; pluginsDir is the managed-plugins directory new
// installs are copied into.
func New(db *storage.DB, hostFuncs sandbox.HostCallbacks, bus eventbus.Bus, pluginsDir string) *Manager {
	return &Manager{
		plugins:    make(map[string]*ManagedPlugin),
		pool:       make(map[string]*sandbox.Sandbox),
		db:         db,
		pluginRepo: storage.NewPluginRepo(db),
		syncRepo:   storage.NewSyncStateRepo(db),
		hostFuncs:  hostFuncs,
		bus:        bus,
		pluginsDir: pluginsDir,
		log:        slog.Default().With("component", "pluginmanager"),
	}
}

// SetHostCallbacks binds the callback set every sandbox the manager
// creates will install. Hostfuncs.Host itself resolves permissions by
// calling back into the manager, so construction order is: New(..., nil,
// ...), build the Host against the manager, then SetHostCallbacks.
func (m *Manager) SetHostCallbacks(hostFuncs sandbox.HostCallbacks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hostFuncs = hostFuncs
}

// PermissionsFor implements hostfuncs.PermissionSource against the live
// descriptor table, so a permission edit takes effect on the next call
// without waiting for the sandbox to be recreated.
func (m *Manager) PermissionsFor(pluginID string) (manifest.Permissions, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.plugins[pluginID]
	if !ok || mp.Descriptor == nil {
		return manifest.Permissions{}, false
	}
	return mp.Descriptor.Manifest.Permissions, true
}

// Initialize runs the two-phase startup sequence (§4.E): load enabled
// plugin rows from storage, then discover on-disk plugins, registering
// any unseen ones and seeding their sync-state rows.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.loadFromStorage(ctx); err != nil {
		return err
	}
	m.discoverOnDisk(ctx)
	return nil
}

func (m *Manager) loadFromStorage(ctx context.Context) error {
	rows, err := m.pluginRepo.ListEnabled(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, row := range rows {
		mp := &ManagedPlugin{DBID: row.ID, Status: StatusInstalled}
		parsed, _, err := manifest.ParseAndValidate([]byte(row.Manifest))
		if err != nil {
			mp.Status = StatusError
			mp.Error = err.Error()
			m.plugins[row.ID] = mp
			m.log.Warn("stored manifest failed validation", "plugin_id", row.ID, "error", err)
			continue
		}
		mp.Descriptor = &pluginloader.Descriptor{
			ID:          parsed.ID,
			Name:        parsed.Name,
			Version:     parsed.Version,
			Manifest:    parsed,
			Permissions: parsed.Permissions,
		}
		m.plugins[row.ID] = mp
	}
	return nil
}

func (m *Manager) discoverOnDisk(ctx context.Context) {
	descriptors := pluginloader.Discover(m.pluginsDir)
	for _, desc := range descriptors {
		m.mu.Lock()
		existing, known := m.plugins[desc.ID]
		if known {
			existing.Descriptor = desc
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		wasUninstalled, err := m.pluginRepo.WasUninstalled(ctx, desc.ID)
		if err != nil {
			m.log.Error("failed to check uninstalled tombstone", "plugin_id", desc.ID, "error", err)
			continue
		}
		if wasUninstalled {
			m.log.Info("skipping discovery of previously uninstalled plugin", "plugin_id", desc.ID)
			continue
		}

		now := storage.NowMs()
		manifestJSON, err := json.Marshal(desc.Manifest)
		if err != nil {
			m.log.Error("failed to serialize discovered manifest", "plugin_id", desc.ID, "error", err)
			continue
		}
		row := &storage.Plugin{
			ID: desc.ID, Name: desc.Name, Version: desc.Version,
			Manifest: string(manifestJSON), Enabled: true,
			InstalledAt: now, UpdatedAt: now,
		}
		if err := m.pluginRepo.Create(ctx, row); err != nil {
			m.log.Error("failed to register discovered plugin", "plugin_id", desc.ID, "error", err)
			continue
		}
		for _, ds := range desc.Manifest.Capabilities.DataSources {
			if _, err := m.syncRepo.GetOrCreate(ctx, desc.ID, ds.ID, now); err != nil {
				m.log.Error("failed to seed sync state", "plugin_id", desc.ID, "data_source_id", ds.ID, "error", err)
			}
		}

		m.mu.Lock()
		m.plugins[desc.ID] = &ManagedPlugin{Descriptor: desc, DBID: row.ID, Status: StatusInstalled}
		m.mu.Unlock()
	}
}

// Install loads a plugin from sourcePath, rejects if already installed,
// copies it into the managed directory, and persists its rows (§4.E).
func (m *Manager) Install(ctx context.Context, sourcePath string) (*ManagedPlugin, error) {
	desc, err := pluginloader.Load(sourcePath)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if _, exists := m.plugins[desc.ID]; exists {
		m.mu.Unlock()
		return nil, apperr.Validation("plugin already installed: " + desc.ID)
	}
	m.mu.Unlock()

	dest := filepath.Join(m.pluginsDir, desc.ID)
	if err := copyDir(sourcePath, dest); err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, "failed to copy plugin into managed directory", err)
	}

	loaded, err := pluginloader.Load(dest)
	if err != nil {
		return nil, err
	}

	now := storage.NowMs()
	manifestJSON, err := json.Marshal(loaded.Manifest)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnknown, "failed to serialize manifest", err)
	}
	row := &storage.Plugin{
		ID: loaded.ID, Name: loaded.Name, Version: loaded.Version,
		Manifest: string(manifestJSON), Enabled: true,
		InstalledAt: now, UpdatedAt: now,
	}
	if err := m.pluginRepo.Create(ctx, row); err != nil {
		return nil, err
	}
	for _, ds := range loaded.Manifest.Capabilities.DataSources {
		if _, err := m.syncRepo.GetOrCreate(ctx, loaded.ID, ds.ID, now); err != nil {
			return nil, err
		}
	}
	if err := m.pluginRepo.ClearUninstalled(ctx, loaded.ID); err != nil {
		m.log.Warn("failed to clear uninstalled tombstone", "plugin_id", loaded.ID, "error", err)
	}

	mp := &ManagedPlugin{Descriptor: loaded, DBID: row.ID, Status: StatusInstalled}
	m.mu.Lock()
	m.plugins[loaded.ID] = mp
	m.mu.Unlock()
	return mp, nil
}

// Uninstall disposes the live sandbox (if any), deletes inbox and
// sync-state rows, deletes the plugin row, removes the on-disk
// directory, and records an uninstalled tombstone (§4.E, §9 open
// question on resurrection).
func (m *Manager) Uninstall(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	mp, ok := m.plugins[pluginID]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("plugin not found: " + pluginID)
	}
	if sb, present := m.pool[pluginID]; present {
		sb.Dispose()
		delete(m.pool, pluginID)
	}
	delete(m.plugins, pluginID)
	m.mu.Unlock()

	inboxRepo := storage.NewInboxRepo(m.db)
	if err := inboxRepo.DeleteByPlugin(ctx, pluginID); err != nil {
		return err
	}
	if err := m.syncRepo.DeleteByPlugin(ctx, pluginID); err != nil {
		return err
	}
	if err := m.pluginRepo.Delete(ctx, mp.DBID); err != nil {
		return err
	}
	if mp.Descriptor != nil && mp.Descriptor.Path != "" {
		if err := os.RemoveAll(mp.Descriptor.Path); err != nil {
			m.log.Warn("failed to remove plugin directory", "plugin_id", pluginID, "error", err)
		}
	}
	return m.pluginRepo.MarkUninstalled(ctx, pluginID, storage.NowMs())
}

// SetEnabled flips a plugin's enabled flag. Disabling disposes any live
// sandbox and clears an `error` status; a permission-validation
// failure at enable-time fails the enable without changing status
// (§4.E).
func (m *Manager) SetEnabled(ctx context.Context, pluginID string, enabled bool) error {
	m.mu.Lock()
	mp, ok := m.plugins[pluginID]
	if !ok {
		m.mu.Unlock()
		return apperr.NotFound("plugin not found: " + pluginID)
	}
	if enabled && mp.Descriptor != nil {
		if _, err := manifest.Validate(mp.Descriptor.Manifest); err != nil {
			m.mu.Unlock()
			return err
		}
	}
	if !enabled {
		if sb, present := m.pool[pluginID]; present {
			sb.Dispose()
			delete(m.pool, pluginID)
		}
		mp.Status = StatusDisabled
	} else {
		mp.Status = StatusInstalled
		mp.Error = ""
	}
	m.mu.Unlock()

	return m.pluginRepo.SetEnabled(ctx, mp.DBID, enabled, storage.NowMs())
}

// CallDataSource invokes a declared data source's entry point function
// (the method name, e.g. "sync") inside the plugin's sandbox (§4.E).
func (m *Manager) CallDataSource(ctx context.Context, pluginID, dataSourceID, method, argsJSON string) (string, error) {
	desc, err := m.requireCapability(pluginID, func(c manifest.Capabilities) bool {
		for _, d := range c.DataSources {
			if d.ID == dataSourceID {
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, pluginID, desc, method, argsJSON)
}

// CallAction invokes guest function `action_<id>` (§4.E).
func (m *Manager) CallAction(ctx context.Context, pluginID, actionID, argsJSON string) (string, error) {
	desc, err := m.requireCapability(pluginID, func(c manifest.Capabilities) bool {
		for _, a := range c.Actions {
			if a.ID == actionID {
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, pluginID, desc, fmt.Sprintf("action_%s", actionID), argsJSON)
}

// CallAIPipeline invokes guest function `pipeline_<id>` (§4.E).
func (m *Manager) CallAIPipeline(ctx context.Context, pluginID, pipelineID, argsJSON string) (string, error) {
	desc, err := m.requireCapability(pluginID, func(c manifest.Capabilities) bool {
		for _, p := range c.AIPipelines {
			if p.ID == pipelineID {
				return true
			}
		}
		return false
	})
	if err != nil {
		return "", err
	}
	return m.dispatch(ctx, pluginID, desc, fmt.Sprintf("pipeline_%s", pipelineID), argsJSON)
}

func (m *Manager) requireCapability(pluginID string, has func(manifest.Capabilities) bool) (*pluginloader.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.plugins[pluginID]
	if !ok {
		return nil, apperr.NotFound("plugin not found: " + pluginID)
	}
	if mp.Status == StatusError {
		return nil, apperr.New(apperr.KindUnknown, "plugin is in error state: "+mp.Error)
	}
	if mp.Descriptor == nil || !has(mp.Descriptor.Manifest.Capabilities) {
		return nil, apperr.Validation("capability not declared by plugin " + pluginID)
	}
	return mp.Descriptor, nil
}

// dispatch obtains (lazily creating) the plugin's sandbox, invokes the
// named guest function, bumps lastAccessed via the sandbox itself, and
// on failure sets the managed plugin's status to error (§4.E).
func (m *Manager) dispatch(ctx context.Context, pluginID string, desc *pluginloader.Descriptor, funcName, argsJSON string) (string, error) {
	sb, err := m.getOrCreateSandbox(pluginID, desc)
	if err != nil {
		return "", err
	}

	result, err := sb.Invoke(ctx, funcName, argsJSON)
	if err != nil {
		m.mu.Lock()
		if mp, ok := m.plugins[pluginID]; ok {
			mp.Status = StatusError
			mp.Error = err.Error()
		}
		m.mu.Unlock()
		metrics.SandboxCallsTotal.WithLabelValues(pluginID, "error").Inc()
		return "", err
	}
	metrics.SandboxCallsTotal.WithLabelValues(pluginID, "success").Inc()
	return result, nil
}

// getOrCreateSandbox returns the resident sandbox for pluginID, creating
// one on first use and evicting the least-recently-accessed entry if
// the pool is at capacity (§4.D, §4.E, §5 invariant 5).
func (m *Manager) getOrCreateSandbox(pluginID string, desc *pluginloader.Descriptor) (*sandbox.Sandbox, error) {
	m.mu.Lock()
	if sb, ok := m.pool[pluginID]; ok && sb.State() != sandbox.StateDisposed {
		m.mu.Unlock()
		return sb, nil
	}

	if len(m.pool) >= MaxPoolSize {
		var lruID string
		var oldest *sandbox.Sandbox
		for id, sb := range m.pool {
			if oldest == nil || sb.LastAccessed().Before(oldest.LastAccessed()) {
				oldest = sb
				lruID = id
			}
		}
		if oldest != nil {
			oldest.Evict()
			delete(m.pool, lruID)
			metrics.SandboxEvictionsTotal.Inc()
			if mp, ok := m.plugins[lruID]; ok && mp.Status == StatusActive {
				mp.Status = StatusInstalled
			}
		}
	}
	m.mu.Unlock()

	sb := sandbox.New(pluginID, m.hostFuncs)
	if err := sb.Initialize(desc.EntryPoints); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.pool[pluginID] = sb
	if mp, ok := m.plugins[pluginID]; ok {
		mp.Status = StatusActive
	}
	metrics.SandboxPoolSize.Set(float64(len(m.pool)))
	m.mu.Unlock()

	return sb, nil
}

// Dispose tears down every resident sandbox, per the shutdown sequence
// in §6 ("dispose plugin manager, which disposes every sandbox").
func (m *Manager) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sb := range m.pool {
		sb.Dispose()
		delete(m.pool, id)
	}
	metrics.SandboxPoolSize.Set(0)
}

// Get returns the managed-plugin record for pluginID, if any.
func (m *Manager) Get(pluginID string) (*ManagedPlugin, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mp, ok := m.plugins[pluginID]
	return mp, ok
}

// List returns a snapshot of every managed plugin.
func (m *Manager) List() []*ManagedPlugin {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ManagedPlugin, 0, len(m.plugins))
	for _, mp := range m.plugins {
		out = append(out, mp)
	}
	return out
}

func copyDir(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0644)
	})
}
