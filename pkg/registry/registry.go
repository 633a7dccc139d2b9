package registry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orch-os/adapter-swarm/pkg/protocol"
)

// Record is the companion metadata file written next to adapter weights,
// one JSON document per adapter under the registry directory.
type Record struct {
	ID             string    `json:"id"`
	AdapterName    string    `json:"adapter_name"`
	AdapterPath    string    `json:"adapter_path"`
	BaseModel      string    `json:"base_model,omitempty"`
	TrainingMethod string    `json:"training_method,omitempty"`
	FileKind       string    `json:"file_kind,omitempty"`
	Size           int64     `json:"size,omitempty"`
	Checksum       string    `json:"checksum,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Registry resolves logical adapter names to local paths and tracks the set
// of currently advertised descriptors. The path cache is populated by an
// asynchronous scan of the weights directory; lookups tolerate the case and
// separator drift between the subsystems that produce adapters and the ones
// that request them.
type Registry struct {
	logger       *zap.Logger
	weightsPath  string
	registryPath string
	downloadPath string

	mu        sync.Mutex
	pathCache map[string]string
	loaded    bool
	scanErr   error
	scanDone  chan struct{}

	adapters map[string]*protocol.AdapterDescriptor
}

func NewRegistry(logger *zap.Logger, weightsPath, registryPath, downloadPath string) *Registry {
	r := &Registry{
		logger:       logger,
		weightsPath:  weightsPath,
		registryPath: registryPath,
		downloadPath: downloadPath,
		pathCache:    make(map[string]string),
		adapters:     make(map[string]*protocol.AdapterDescriptor),
	}
	// Warm the cache in the background; callers that need it synchronously
	// go through EnsureLoaded.
	go func() {
		if err := r.EnsureLoaded(context.Background()); err != nil {
			logger.Warn("initial adapter scan failed", zap.Error(err))
		}
	}()
	return r
}

// EnsureLoaded waits for the directory scan to finish. Concurrent callers
// share a single scan; a failed scan is retried on the next call.
func (r *Registry) EnsureLoaded(ctx context.Context) error {
	r.mu.Lock()
	if r.loaded && r.scanErr == nil {
		r.mu.Unlock()
		return nil
	}
	if r.scanDone == nil {
		r.scanDone = make(chan struct{})
		go r.scan(r.scanDone)
	}
	done := r.scanDone
	r.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanErr
}

func (r *Registry) scan(done chan struct{}) {
	cache := make(map[string]string)
	entries, err := os.ReadDir(r.weightsPath)
	if err == nil {
		for _, entry := range entries {
			path := filepath.Join(r.weightsPath, entry.Name())
			cache[entry.Name()] = path
			cache[normalizeName(entry.Name())] = path
		}
	} else if os.IsNotExist(err) {
		// A missing weights directory just means nothing is stored yet.
		err = nil
	}

	r.mu.Lock()
	if err == nil {
		r.pathCache = cache
	}
	r.scanErr = err
	r.loaded = true
	r.scanDone = nil
	r.mu.Unlock()
	close(done)
}

// normalizeName canonicalizes an adapter name so that spelling variants like
// "foo-bar_adapter" and "foo_bar_adapter" collide.
func normalizeName(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "-", "_"))
}

// FindPath resolves an adapter name to a local path. Cached paths are
// re-validated against the filesystem and evicted when stale; a cache miss
// falls back to a fresh directory probe. A missing adapter is not an error.
func (r *Registry) FindPath(ctx context.Context, name string) (string, bool) {
	if err := r.EnsureLoaded(ctx); err != nil {
		r.logger.Warn("adapter scan unavailable, probing directly", zap.Error(err))
	}

	r.mu.Lock()
	for _, key := range []string{name, normalizeName(name)} {
		if path, ok := r.pathCache[key]; ok {
			if _, err := os.Stat(path); err == nil {
				r.mu.Unlock()
				return path, true
			}
			delete(r.pathCache, key)
		}
	}
	r.mu.Unlock()

	return r.probe(name)
}

// probe scans the weights directory for a normalized-name match and caches
// whatever it finds.
func (r *Registry) probe(name string) (string, bool) {
	want := normalizeName(name)
	entries, err := os.ReadDir(r.weightsPath)
	if err != nil {
		return "", false
	}
	for _, entry := range entries {
		if entry.Name() == name || normalizeName(entry.Name()) == want {
			path := filepath.Join(r.weightsPath, entry.Name())
			r.mu.Lock()
			r.pathCache[entry.Name()] = path
			r.pathCache[normalizeName(entry.Name())] = path
			r.mu.Unlock()
			return path, true
		}
	}
	return "", false
}

// Metadata reads the companion registry record for an adapter, tolerating the
// same name variants as FindPath.
func (r *Registry) Metadata(name string) (*Record, bool) {
	candidates := []string{name + "_adapter.json", name + ".json"}
	for _, c := range candidates {
		if rec, ok := r.readRecord(filepath.Join(r.registryPath, c)); ok {
			return rec, true
		}
	}

	want := normalizeName(name)
	entries, err := os.ReadDir(r.registryPath)
	if err != nil {
		return nil, false
	}
	for _, entry := range entries {
		base := strings.TrimSuffix(entry.Name(), "_adapter.json")
		if base == entry.Name() {
			continue
		}
		if normalizeName(base) == want {
			return r.readRecord(filepath.Join(r.registryPath, entry.Name()))
		}
	}
	return nil, false
}

func (r *Registry) readRecord(path string) (*Record, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		r.logger.Warn("malformed registry record", zap.String("path", path), zap.Error(err))
		return nil, false
	}
	return &rec, true
}

// RegisterAdapter adds a descriptor to the advertised set.
func (r *Registry) RegisterAdapter(desc *protocol.AdapterDescriptor) {
	r.mu.Lock()
	r.adapters[desc.Topic] = desc
	r.mu.Unlock()
}

// UnregisterAdapter removes a descriptor by its advertisement topic.
func (r *Registry) UnregisterAdapter(topic string) {
	r.mu.Lock()
	delete(r.adapters, topic)
	r.mu.Unlock()
}

// Adapter returns the advertised descriptor for a topic.
func (r *Registry) Adapter(topic string) (*protocol.AdapterDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.adapters[topic]
	return desc, ok
}

// Adapters returns all currently advertised descriptors.
func (r *Registry) Adapters() []*protocol.AdapterDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.AdapterDescriptor, 0, len(r.adapters))
	for _, desc := range r.adapters {
		out = append(out, desc)
	}
	return out
}

// SaveReceived persists a fully verified inbound artifact: the payload goes
// into a directory keyed by the adapter name under the download path, and a
// companion record is written to the registry directory. The new path is
// added to the cache so the adapter is immediately resolvable.
func (r *Registry) SaveReceived(desc *protocol.AdapterDescriptor, data []byte) (*Record, error) {
	dir := filepath.Join(r.downloadPath, desc.Name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	kind := desc.Metadata.FileKind
	if kind == "" {
		kind = "bin"
	}
	payloadPath := filepath.Join(dir, desc.Name+"."+kind)
	if err := os.WriteFile(payloadPath, data, 0644); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:             uuid.New().String(),
		AdapterName:    desc.Name,
		AdapterPath:    payloadPath,
		BaseModel:      desc.Metadata.BaseModel,
		TrainingMethod: desc.Metadata.TrainingMethod,
		FileKind:       desc.Metadata.FileKind,
		Size:           desc.Size,
		Checksum:       desc.Checksum,
		CreatedAt:      time.Now().UTC(),
	}

	if err := os.MkdirAll(r.registryPath, 0755); err != nil {
		return nil, err
	}
	recData, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	recPath := filepath.Join(r.registryPath, desc.Name+"_adapter.json")
	if err := os.WriteFile(recPath, recData, 0644); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.pathCache[desc.Name] = payloadPath
	r.pathCache[normalizeName(desc.Name)] = payloadPath
	r.mu.Unlock()

	r.logger.Info("saved received adapter",
		zap.String("name", desc.Name),
		zap.String("path", payloadPath))
	return rec, nil
}

// RefreshCache drops the path cache and schedules a re-scan.
func (r *Registry) RefreshCache() {
	r.mu.Lock()
	r.pathCache = make(map[string]string)
	r.loaded = false
	r.mu.Unlock()
	go func() {
		if err := r.EnsureLoaded(context.Background()); err != nil {
			r.logger.Warn("adapter re-scan failed", zap.Error(err))
		}
	}()
}

// Clear drops all cached paths and advertised descriptors.
func (r *Registry) Clear() {
	r.mu.Lock()
	r.pathCache = make(map[string]string)
	r.adapters = make(map[string]*protocol.AdapterDescriptor)
	r.loaded = false
	r.mu.Unlock()
}
