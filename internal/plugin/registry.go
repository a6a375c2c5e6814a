package plugin

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"postpilot/internal/errors"
	"postpilot/internal/logging"
	"postpilot/internal/platform"
)

type registryKey struct {
	kind     Kind
	platform platform.Platform
}

// Registry indexes plugins by (kind, platform) and hands them out through
// typed getters. Lookups are read-locked; the platform list per kind is
// cached until the next registration.
type Registry struct {
	mu         sync.RWMutex
	plugins    map[registryKey]Plugin
	byKind     map[Kind][]platform.Platform
	kindsDirty bool
	logger     logging.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		plugins: make(map[registryKey]Plugin),
		byKind:  make(map[Kind][]platform.Platform),
		logger:  logging.OrNop(logger),
	}
}

// Register adds one plugin. A second plugin for the same (kind, platform)
// pair is a wiring bug and fails hard.
func (r *Registry) Register(p Plugin) error {
	if p == nil {
		return fmt.Errorf("nil plugin")
	}
	if !p.Platform().IsValid() {
		return fmt.Errorf("plugin %s targets unknown platform %q", p.Name(), p.Platform())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{kind: p.Kind(), platform: p.Platform()}
	if existing, exists := r.plugins[key]; exists {
		return fmt.Errorf("duplicate plugin for %s/%s: %s already registered, refusing %s",
			key.kind, key.platform, existing.Name(), p.Name())
	}
	r.plugins[key] = p
	r.kindsDirty = true
	return nil
}

// Bundle groups the capabilities one platform ships. Nil fields mean the
// platform lacks that capability.
type Bundle struct {
	Platform platform.Platform
	Upload   UploadPlugin
	Login    LoginPlugin
	Validate ValidatePlugin
	Message  MessagePlugin
}

func (b Bundle) pluginFor(kind Kind) Plugin {
	switch kind {
	case KindUpload:
		if b.Upload != nil {
			return b.Upload
		}
	case KindLogin:
		if b.Login != nil {
			return b.Login
		}
	case KindValidate:
		if b.Validate != nil {
			return b.Validate
		}
	case KindMessage:
		if b.Message != nil {
			return b.Message
		}
	}
	return nil
}

// RegisterBundles registers every capability of every bundle in KindOrder.
// A missing capability is logged and skipped; a duplicate registration
// aborts startup.
func (r *Registry) RegisterBundles(bundles ...Bundle) error {
	for _, kind := range KindOrder() {
		for _, bundle := range bundles {
			p := bundle.pluginFor(kind)
			if p == nil {
				r.logger.Warn("platform %s ships no %s plugin, skipping", bundle.Platform, kind)
				continue
			}
			if err := r.Register(p); err != nil {
				return err
			}
			r.logger.Info("registered %s/%s plugin %s", kind, p.Platform(), p.Name())
		}
	}
	return nil
}

func (r *Registry) get(kind Kind, p platform.Platform) (Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	plug, ok := r.plugins[registryKey{kind: kind, platform: p}]
	if !ok {
		return nil, &errors.PluginUnavailableError{Platform: string(p), Capability: string(kind)}
	}
	return plug, nil
}

// Supports reports whether a (kind, platform) pair is covered.
func (r *Registry) Supports(kind Kind, p platform.Platform) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.plugins[registryKey{kind: kind, platform: p}]
	return ok
}

// Upload resolves the upload plugin for p.
func (r *Registry) Upload(p platform.Platform) (UploadPlugin, error) {
	plug, err := r.get(KindUpload, p)
	if err != nil {
		return nil, err
	}
	return plug.(UploadPlugin), nil
}

// Login resolves the login plugin for p.
func (r *Registry) Login(p platform.Platform) (LoginPlugin, error) {
	plug, err := r.get(KindLogin, p)
	if err != nil {
		return nil, err
	}
	return plug.(LoginPlugin), nil
}

// Validate resolves the validation plugin for p.
func (r *Registry) Validate(p platform.Platform) (ValidatePlugin, error) {
	plug, err := r.get(KindValidate, p)
	if err != nil {
		return nil, err
	}
	return plug.(ValidatePlugin), nil
}

// Message resolves the message plugin for p.
func (r *Registry) Message(p platform.Platform) (MessagePlugin, error) {
	plug, err := r.get(KindMessage, p)
	if err != nil {
		return nil, err
	}
	return plug.(MessagePlugin), nil
}

// Platforms lists the platforms covered for a kind, sorted for stable
// output. The list is rebuilt only after registrations.
func (r *Registry) Platforms(kind Kind) []platform.Platform {
	r.mu.RLock()
	if !r.kindsDirty {
		cached := r.byKind[kind]
		r.mu.RUnlock()
		return append([]platform.Platform(nil), cached...)
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.kindsDirty {
		rebuilt := make(map[Kind][]platform.Platform)
		for key := range r.plugins {
			rebuilt[key.kind] = append(rebuilt[key.kind], key.platform)
		}
		for k := range rebuilt {
			sort.Slice(rebuilt[k], func(i, j int) bool { return rebuilt[k][i] < rebuilt[k][j] })
		}
		r.byKind = rebuilt
		r.kindsDirty = false
	}
	return append([]platform.Platform(nil), r.byKind[kind]...)
}

// Close releases plugins that hold resources.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for key, p := range r.plugins {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close %s/%s: %w", key.kind, key.platform, err)
			}
		}
	}
	return firstErr
}
