package realtime

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// SessionMarker is the locally persisted "last known identity" blob
// plus the "session active" flag. written on login/register, refreshed
// on successful revalidation, cleared on logout and on hard auth
// failure.
type SessionMarker struct {
	Identity Identity  `cbor:"identity"`
	Token    string    `cbor:"token"`
	Active   bool      `cbor:"active"`
	SavedAt  time.Time `cbor:"saved_at"`
}

// MarkerStore is the local key-value collaborator, injected as a
// capability so tests can run against a fake. Get returns nil with no
// error when no marker is present.
type MarkerStore interface {
	Get() (*SessionMarker, error)
	Set(marker *SessionMarker) error
	Clear() error
}

type FileMarkerStore struct {
	mutex sync.Mutex
	path  string
}

func NewFileMarkerStore(path string) *FileMarkerStore {
	return &FileMarkerStore{
		path: path,
	}
}

func (self *FileMarkerStore) Get() (*SessionMarker, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, err := os.ReadFile(self.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	marker := &SessionMarker{}
	if err := cbor.Unmarshal(data, marker); err != nil {
		return nil, err
	}
	return marker, nil
}

func (self *FileMarkerStore) Set(marker *SessionMarker) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	data, err := cbor.Marshal(marker)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(self.path), 0700); err != nil {
		return err
	}
	return os.WriteFile(self.path, data, 0600)
}

func (self *FileMarkerStore) Clear() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	err := os.Remove(self.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// MemoryMarkerStore backs tests and embedded use.
type MemoryMarkerStore struct {
	mutex  sync.Mutex
	marker *SessionMarker
}

func NewMemoryMarkerStore() *MemoryMarkerStore {
	return &MemoryMarkerStore{}
}

func (self *MemoryMarkerStore) Get() (*SessionMarker, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.marker == nil {
		return nil, nil
	}
	marker := *self.marker
	return &marker, nil
}

func (self *MemoryMarkerStore) Set(marker *SessionMarker) error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	copied := *marker
	self.marker = &copied
	return nil
}

func (self *MemoryMarkerStore) Clear() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.marker = nil
	return nil
}
