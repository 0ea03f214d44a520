package fieldlite

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldworks/go-fieldsync/fieldsync"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A :memory: database exists per connection; keep the pool at one.
	db.SetMaxOpenConns(1)
	s, err := NewStore(db, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newTestConfig removes backoff waits so retry paths run without sleeping.
func newTestConfig() *Config {
	cfg := DefaultConfig()
	cfg.BaseDelay = 0
	cfg.MaxDelay = 0
	cfg.SyncInterval = time.Hour
	cfg.RequestTimeout = 5 * time.Second
	return cfg
}

func testRecord(clientID string) *InspectionRecord {
	return &InspectionRecord{
		ClientID:           clientID,
		TemplateID:         "tpl-basic",
		ProjectID:          "proj-1",
		InspectorID:        "inspector-7",
		TemplateFieldCount: 2,
		Data:               FieldMap{"q1": Scalar("ok")},
	}
}

type commitCall struct {
	ClientID        string
	ExpectedVersion int64
	Delete          bool
	Data            FieldMap
}

type remoteRow struct {
	remoteID string
	version  int64
	data     FieldMap
}

// memoryRemote is an in-process authoritative store with the same
// optimistic-concurrency rules as the HTTP service, plus knobs to inject
// transient failures and slow responses.
type memoryRemote struct {
	mu       sync.Mutex
	rows     map[string]*remoteRow
	calls    []commitCall
	registry []*fieldsync.RegisterAttachmentRequest

	failNext    int
	failErr     error
	registerErr error
	delay       time.Duration
}

func newMemoryRemote() *memoryRemote {
	return &memoryRemote{rows: make(map[string]*remoteRow)}
}

func (m *memoryRemote) Commit(ctx context.Context, clientID string, data FieldMap, expectedVersion int64, del bool) (*CommitResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, commitCall{
		ClientID:        clientID,
		ExpectedVersion: expectedVersion,
		Delete:          del,
		Data:            data.Clone(),
	})
	if m.failNext > 0 {
		m.failNext--
		err := m.failErr
		m.mu.Unlock()
		return nil, err
	}
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, &TransientError{Op: "commit", Err: ctx.Err()}
		case <-time.After(delay):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	row := m.rows[clientID]
	if row == nil {
		if del {
			return &CommitResult{}, nil
		}
		if expectedVersion != 0 {
			return nil, &VersionConflictError{ServerVersion: 0}
		}
		row = &remoteRow{remoteID: "remote-" + clientID, version: 1, data: data.Clone()}
		m.rows[clientID] = row
		return &CommitResult{RemoteID: row.remoteID, NewVersion: row.version}, nil
	}
	if row.version != expectedVersion {
		return nil, &VersionConflictError{
			RemoteID:      row.remoteID,
			ServerVersion: row.version,
			ServerData:    row.data.Clone(),
		}
	}
	if del {
		delete(m.rows, clientID)
		return &CommitResult{RemoteID: row.remoteID, NewVersion: row.version + 1}, nil
	}
	row.version++
	row.data = data.Clone()
	return &CommitResult{RemoteID: row.remoteID, NewVersion: row.version}, nil
}

func (m *memoryRemote) RegisterAttachment(ctx context.Context, req *fieldsync.RegisterAttachmentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.registerErr != nil {
		return m.registerErr
	}
	m.registry = append(m.registry, req)
	return nil
}

// serverEdit simulates another device committing on top of the current server
// version.
func (m *memoryRemote) serverEdit(t *testing.T, clientID string, data FieldMap) {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[clientID]
	require.NotNil(t, row, "serverEdit needs a synced row for %s", clientID)
	row.version++
	row.data = data.Clone()
}

func (m *memoryRemote) callsFor(clientID string) []commitCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []commitCall
	for _, c := range m.calls {
		if c.ClientID == clientID {
			out = append(out, c)
		}
	}
	return out
}

func (m *memoryRemote) row(clientID string) *remoteRow {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[clientID]
	if row == nil {
		return nil
	}
	cp := *row
	cp.data = row.data.Clone()
	return &cp
}

func (m *memoryRemote) setFailures(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	if err == nil {
		err = &TransientError{Op: "commit", Err: fmt.Errorf("injected failure")}
	}
	m.failErr = err
}

func newTestEngine(t *testing.T, store *Store, remote RemoteStore) *Engine {
	t.Helper()
	return NewEngine(store, remote, nil, nil, newTestConfig(), testLogger())
}
