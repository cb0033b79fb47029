package state

import (
	"context"
	"errors"
	"fmt"
	"os"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/utilitywarehouse/repo-sync/internal/lock"
	"github.com/utilitywarehouse/repo-sync/internal/utils"
	"github.com/utilitywarehouse/repo-sync/syncerr"
)

const fileBackend = "file"

// FileStore keeps all records in a single JSON document keyed by repository
// id. Every save rewrites the whole document atomically.
type FileStore struct {
	lock  lock.Mutex
	flock *flock.Flock
	path  string
}

// NewFileStore returns FileStore backed by the file at given path. The file
// and its parent directories are created on first save.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:  path,
		flock: flock.New(path + ".lock"),
	}
}

// Path returns path of the state file
func (f *FileStore) Path() string {
	return f.path
}

// Save replaces the record for given id
func (f *FileStore) Save(_ context.Context, id string, s RepositoryState) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if err := utils.EnsureParentDir(f.path); err != nil {
		return f.storageErr("unable to create state dir", id, err)
	}

	if err := f.flock.Lock(); err != nil {
		return f.storageErr("unable to lock state file", id, err)
	}
	defer f.flock.Unlock()

	table, err := f.read()
	if err != nil {
		return f.storageErr("unable to read state file", id, err)
	}

	table[id] = s

	data, err := json.MarshalIndent(table, "", "  ")
	if err != nil {
		return f.storageErr("unable to encode state", id, err)
	}
	if err := utils.WriteFileAtomic(f.path, data, 0644); err != nil {
		return f.storageErr("unable to write state file", id, err)
	}
	return nil
}

// Load returns the record for given id
func (f *FileStore) Load(_ context.Context, id string) (RepositoryState, error) {
	table, err := f.readShared()
	if err != nil {
		return RepositoryState{}, f.storageErr("unable to read state file", id, err)
	}
	return table[id], nil
}

// List returns all ids in the state file
func (f *FileStore) List(_ context.Context) (mapset.Set[string], error) {
	table, err := f.readShared()
	if err != nil {
		return nil, f.storageErr("unable to read state file", "", err)
	}

	ids := mapset.NewSet[string]()
	for id := range table {
		ids.Add(id)
	}
	return ids, nil
}

func (f *FileStore) readShared() (map[string]RepositoryState, error) {
	f.lock.Lock()
	defer f.lock.Unlock()

	if _, err := os.Stat(f.path); errors.Is(err, os.ErrNotExist) {
		return map[string]RepositoryState{}, nil
	}

	if err := f.flock.RLock(); err != nil {
		return nil, err
	}
	defer f.flock.Unlock()

	return f.read()
}

// read must be called with the file lock held
func (f *FileStore) read() (map[string]RepositoryState, error) {
	table := map[string]RepositoryState{}

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return table, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return table, nil
	}

	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("invalid state file %s err:%w", f.path, err)
	}
	return table, nil
}

func (f *FileStore) storageErr(msg, key string, err error) error {
	return &syncerr.StorageError{Msg: msg, Backend: fileBackend, Key: key, Err: err}
}
