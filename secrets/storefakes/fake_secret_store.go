package fakesecretstore

import (
	"context"
	"sync"

	apperrors "github.com/imsimpla2209/bear/internal/errors"
	"github.com/imsimpla2209/bear/secrets"
	"github.com/pkg/errors"
)

var _ secrets.Store = (*FakeSecretStore)(nil)

type record struct {
	value   string
	version int64
}

// FakeSecretStore is an in-memory secrets.Store with call counting and
// scriptable failures.
type FakeSecretStore struct {
	lock    sync.Mutex
	records map[string]record

	// FetchErr, when set, fails every Fetch until cleared.
	FetchErr error
	// FailFetches fails this many Fetch calls before succeeding.
	FailFetches int
	// Denied marks names that fail with ErrAccessDenied.
	Denied map[string]bool

	fetchCalls   int
	versionCalls int
}

func NewFakeSecretStore() *FakeSecretStore {
	return &FakeSecretStore{
		records: make(map[string]record),
		Denied:  make(map[string]bool),
	}
}

// Put stores a value, bumping its version.
func (ss *FakeSecretStore) Put(name, value string) {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	r := ss.records[name]
	r.value = value
	r.version++
	ss.records[name] = r
}

func (ss *FakeSecretStore) Fetch(_ context.Context, name string) (*secrets.Value, error) {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	ss.fetchCalls++
	if ss.FetchErr != nil {
		return nil, ss.FetchErr
	}
	if ss.FailFetches > 0 {
		ss.FailFetches--
		return nil, errors.New("scripted transient failure")
	}
	if ss.Denied[name] {
		return nil, apperrors.ErrAccessDenied
	}
	r, ok := ss.records[name]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &secrets.Value{Name: name, Value: r.value, Version: r.version}, nil
}

func (ss *FakeSecretStore) Version(_ context.Context, name string) (int64, error) {
	ss.lock.Lock()
	defer ss.lock.Unlock()

	ss.versionCalls++
	if ss.FetchErr != nil {
		return 0, ss.FetchErr
	}
	r, ok := ss.records[name]
	if !ok {
		return 0, apperrors.ErrNotFound
	}
	return r.version, nil
}

// FetchCalls reports how many Fetch calls were made.
func (ss *FakeSecretStore) FetchCalls() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.fetchCalls
}

// VersionCalls reports how many Version calls were made.
func (ss *FakeSecretStore) VersionCalls() int {
	ss.lock.Lock()
	defer ss.lock.Unlock()
	return ss.versionCalls
}
