package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/PaulBabatuyi/securechat/internal/keys"
	"github.com/PaulBabatuyi/securechat/internal/normalize"
	"github.com/PaulBabatuyi/securechat/internal/relay"
	"github.com/PaulBabatuyi/securechat/internal/wire"
)

// ConversationKey identifies the conversation between a and b. The order of
// the arguments does not matter.
func ConversationKey(a, b string) string {
	a, b = normalize.Pair(a, b)
	return a + ":" + b
}

// Cache holds the messages this client has seen, per conversation, in
// creation order. Entries keep their ciphertexts; decryption happens on
// render.
type Cache struct {
	mu    sync.RWMutex
	convs map[string][]wire.Message
	index map[string]string // message id -> conversation
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		convs: make(map[string][]wire.Message),
		index: make(map[string]string),
	}
}

// Add inserts m unless its id is already cached. It reports whether m was
// new.
func (c *Cache) Add(m wire.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.add(m)
}

func (c *Cache) add(m wire.Message) bool {
	if m.ID == "" {
		return false
	}
	if _, ok := c.index[m.ID]; ok {
		return false
	}
	conv := ConversationKey(m.Sender, m.Receiver)
	list := c.convs[conv]
	// after every entry created at or before m, so equal timestamps keep
	// arrival order
	i, _ := slices.BinarySearchFunc(list, m, func(e, t wire.Message) int {
		if e.CreatedAt.After(t.CreatedAt) {
			return 1
		}
		return -1
	})
	c.convs[conv] = slices.Insert(list, i, m)
	c.index[m.ID] = conv
	return true
}

// SetStatus moves a cached message forward to status. Regressions and
// unknown ids are ignored. The returned message reflects the cache after
// the call.
func (c *Cache) SetStatus(id, status string) (wire.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conv, ok := c.index[id]
	if !ok {
		return wire.Message{}, false
	}
	list := c.convs[conv]
	for i := range list {
		if list[i].ID != id {
			continue
		}
		if relay.Status(list[i].Status).Before(relay.Status(status)) {
			list[i].Status = status
			return list[i], true
		}
		return list[i], false
	}
	return wire.Message{}, false
}

// Get returns a cached message.
func (c *Cache) Get(id string) (wire.Message, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	conv, ok := c.index[id]
	if !ok {
		return wire.Message{}, false
	}
	for _, m := range c.convs[conv] {
		if m.ID == id {
			return m, true
		}
	}
	return wire.Message{}, false
}

// Conversation returns a copy of the messages between a and b, oldest first.
func (c *Cache) Conversation(a, b string) []wire.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Clone(c.convs[ConversationKey(a, b)])
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.index)
}

func (c *Cache) snapshot() []wire.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]wire.Message, 0, len(c.index))
	for _, list := range c.convs {
		out = append(out, list...)
	}
	return out
}

// Persister saves the cache after every change.
type Persister interface {
	Save(c *Cache) error
}

const cacheVersion = 1

type cacheFile struct {
	Version  int            `json:"version"`
	Messages []wire.Message `json:"messages"`
}

// FileCache stores a Cache in one file sealed with AES-GCM under a key
// derived from the user's password. Nothing in the file is readable without
// the password, not even who the user talks to.
type FileCache struct {
	path string
	key  []byte
	mu   sync.Mutex
}

// NewFileCache derives the cache key for userID. The salt differs from the
// one protecting the private key, so the two keys are unrelated.
func NewFileCache(path, userID, password string) *FileCache {
	salt := []byte("securechat/local-cache/v1/" + userID)
	return &FileCache{path: path, key: keys.DeriveSymmetricKey(password, salt)}
}

// ErrCacheLocked is returned when the cache file cannot be opened with the
// supplied password.
var ErrCacheLocked = errors.New("client: cache file cannot be decrypted")

// Load reads the cache file. A missing file yields an empty cache.
func (f *FileCache) Load() (*Cache, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c := NewCache()
	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return nil, err
	}
	raw, err := keys.Open(f.key, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCacheLocked, err)
	}
	var cf cacheFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("decode cache: %w", err)
	}
	if cf.Version != cacheVersion {
		return nil, fmt.Errorf("unsupported cache version %d", cf.Version)
	}
	for _, m := range cf.Messages {
		c.add(m)
	}
	return c, nil
}

// Save seals and writes the whole cache, replacing the file atomically.
func (f *FileCache) Save(c *Cache) error {
	raw, err := json.Marshal(cacheFile{Version: cacheVersion, Messages: c.snapshot()})
	if err != nil {
		return err
	}
	blob, err := keys.Seal(f.key, raw)
	if err != nil {
		return fmt.Errorf("seal cache: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFile(f.path, blob, 0o600)
}

// writeFile writes b to a temp file next to path and renames it into place.
func writeFile(path string, b []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(mode); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
