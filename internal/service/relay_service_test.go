package service

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"io/fs"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/andresuchdata/spoolrelay/internal/apperr"
	"github.com/andresuchdata/spoolrelay/internal/domain"
	"github.com/andresuchdata/spoolrelay/internal/spool"
	"github.com/andresuchdata/spoolrelay/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type formPart struct {
	field    string
	filename string
	content  []byte
}

func multipartBody(t *testing.T, parts ...formPart) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		var (
			pw  io.Writer
			err error
		)
		if p.filename != "" {
			pw, err = w.CreateFormFile(p.field, p.filename)
		} else {
			pw, err = w.CreateFormField(p.field)
		}
		require.NoError(t, err)
		_, err = pw.Write(p.content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.Boundary()
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func spoolFiles(t *testing.T, dir string) []string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != dir {
			files = append(files, path)
		}
		return nil
	})
	require.NoError(t, err)
	return files
}

type recordingLedger struct {
	mu      sync.Mutex
	records []*domain.TransferRecord
}

func (l *recordingLedger) SaveTransfer(_ context.Context, rec *domain.TransferRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *rec
	l.records = append(l.records, &cp)
	return nil
}

func (l *recordingLedger) ListLeaked(context.Context) ([]*domain.TransferRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.TransferRecord
	for _, r := range l.records {
		if r.Leaked() {
			out = append(out, r)
		}
	}
	return out, nil
}

func (l *recordingLedger) MarkSwept(context.Context, string) error { return nil }
func (l *recordingLedger) Close() error { return nil }

type failingStore struct {
	err error
}

func (f failingStore) Bucket() string { return "transitfiles" }

func (f failingStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*storage.PutResult, error) {
	return nil, apperr.New(apperr.KindRemoteStore, "storage.put", f.err)
}

// sabotageStore stores the object and then deletes every spool file, so the
// cleanup step has nothing to remove.
type sabotageStore struct {
	*storage.MemoryStorage
	dir string
}

func (s sabotageStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*storage.PutResult, error) {
	res, err := s.MemoryStorage.PutObject(ctx, key, body, size, contentType)
	if err != nil {
		return nil, err
	}
	return res, filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			return os.Remove(path)
		}
		return err
	})
}

// flakyStore fails the first failures puts, then stores like MemoryStorage.
type flakyStore struct {
	*storage.MemoryStorage
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) PutObject(ctx context.Context, key string, body io.Reader, size int64, contentType string) (*storage.PutResult, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, apperr.New(apperr.KindRemoteStore, "storage.put", errors.New("503 SlowDown"))
	}
	return s.MemoryStorage.PutObject(ctx, key, body, size, contentType)
}

type fixture struct {
	svc    *RelayService
	store  *storage.MemoryStorage
	ledger *recordingLedger
	dir    string
}

func newFixture(t *testing.T, store storage.ObjectStorage, opts RelayOptions, namespace bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	sp, err := spool.New(spool.Options{Dir: dir, BufferSize: 64 << 10, Namespace: namespace})
	require.NoError(t, err)

	mem, _ := store.(*storage.MemoryStorage)
	if store == nil {
		mem = storage.NewMemoryStorage("transitfiles")
		store = mem
	}
	ledger := &recordingLedger{}
	return &fixture{
		svc:    NewRelayService(store, sp, ledger, opts),
		store:  mem,
		ledger: ledger,
		dir:    dir,
	}
}

func (f *fixture) relay(t *testing.T, id string, parts ...formPart) (*domain.TransferRecord, error) {
	t.Helper()
	body, boundary := multipartBody(t, parts...)
	return f.svc.Relay(context.Background(), id, multipart.NewReader(body, boundary))
}

func TestRelay_Success(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)
	payload := randomBytes(t, 300_000)

	rec, err := f.relay(t, "req-1",
		formPart{field: "comment", content: []byte("ignored")},
		formPart{field: "file", filename: "f.txt", content: payload},
	)
	require.NoError(t, err)

	got, ok := f.store.Get("f.txt")
	require.True(t, ok)
	assert.Equal(t, payload, got)
	assert.Empty(t, spoolFiles(t, f.dir))

	assert.Equal(t, domain.OutcomeSuccess, rec.Outcome)
	assert.Equal(t, domain.StageDone.String(), rec.Stage)
	assert.Equal(t, int64(len(payload)), rec.Bytes)
	assert.Equal(t, "transitfiles", rec.Bucket)
	assert.False(t, rec.SpoolKept)
	sum := md5.Sum(payload)
	assert.Equal(t, hex.EncodeToString(sum[:]), rec.ETag)
	assert.Len(t, rec.TransferID, 36)
	assert.Equal(t, rec.TransferID, filepath.Base(filepath.Dir(rec.SpoolPath)))
	assert.Empty(t, rec.FailStage)

	require.Len(t, f.ledger.records, 1)
	assert.Equal(t, "req-1", f.ledger.records[0].RequestID)
}

func TestRelay_OnlyFirstFile(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)

	_, err := f.relay(t, "req-1",
		formPart{field: "a", filename: "first.bin", content: []byte("1")},
		formPart{field: "b", filename: "second.bin", content: []byte("2")},
	)
	require.NoError(t, err)
	assert.Equal(t, []string{"first.bin"}, f.store.Keys())
}

func TestRelay_NoFile(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)

	rec, err := f.relay(t, "req-1", formPart{field: "comment", content: []byte("hi")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindMissingFile, apperr.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, apperr.StatusOf(err))
	assert.Empty(t, f.store.Keys())
	assert.Equal(t, domain.StageFailed.String(), rec.Stage)
	assert.Equal(t, domain.StageReceiving.String(), rec.FailStage)
	assert.Equal(t, domain.OutcomeFailed, rec.Outcome)
	assert.Equal(t, string(apperr.KindMissingFile), rec.FailKind)
}

func TestRelay_EmptyFileIsRejected(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)

	rec, err := f.relay(t, "req-1", formPart{field: "file", filename: "empty.txt"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindEmptyBody, apperr.KindOf(err))
	assert.Equal(t, http.StatusBadRequest, apperr.StatusOf(err))
	assert.Empty(t, f.store.Keys())
	assert.Empty(t, spoolFiles(t, f.dir))
	assert.Equal(t, domain.StageFailed.String(), rec.Stage)
	assert.Equal(t, domain.StageSpooling.String(), rec.FailStage)
}

func TestRelay_InvalidFilename(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)

	_, err := f.relay(t, "req-1", formPart{field: "file", filename: "..", content: []byte("x")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidFilename, apperr.KindOf(err))
	assert.Empty(t, spoolFiles(t, f.dir))
}

func TestRelay_TraversalFilenameStaysInSpool(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, false)

	_, err := f.relay(t, "req-1", formPart{field: "file", filename: "../../escape.txt", content: []byte("x")})
	require.NoError(t, err)
	// The multipart decoder reduces the name to its last element.
	assert.Equal(t, []string{"escape.txt"}, f.store.Keys())
	assert.NoFileExists(t, filepath.Join(f.dir, "..", "escape.txt"))
}

func TestRelay_RemoteFailureRemovesSpoolByDefault(t *testing.T) {
	f := newFixture(t, failingStore{err: errors.New("503 SlowDown")}, RelayOptions{}, true)

	rec, err := f.relay(t, "req-1", formPart{field: "file", filename: "f.txt", content: []byte("data")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindRemoteStore, apperr.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, apperr.StatusOf(err))
	assert.Contains(t, err.Error(), "503 SlowDown")

	assert.Empty(t, spoolFiles(t, f.dir))
	assert.False(t, rec.SpoolKept)
	assert.Equal(t, domain.StageFailed.String(), rec.Stage)
	assert.Equal(t, domain.StageUploading.String(), rec.FailStage)
}

func TestRelay_RemoteFailureKeepsSpoolWhenAsked(t *testing.T) {
	f := newFixture(t, failingStore{err: errors.New("AccessDenied")}, RelayOptions{KeepOnFailure: true}, true)

	rec, err := f.relay(t, "req-1", formPart{field: "file", filename: "f.txt", content: []byte("data")})
	require.Error(t, err)
	assert.Equal(t, apperr.KindRemoteStore, apperr.KindOf(err))

	assert.True(t, rec.SpoolKept)
	data, readErr := os.ReadFile(rec.SpoolPath)
	require.NoError(t, readErr)
	assert.Equal(t, "data", string(data))

	leaked, err := f.ledger.ListLeaked(context.Background())
	require.NoError(t, err)
	require.Len(t, leaked, 1)
	assert.Equal(t, rec.SpoolPath, leaked[0].SpoolPath)
}

func TestRelay_RetryWithSameRequestIDAfterKeptFailure(t *testing.T) {
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage("transitfiles"), failures: 1}
	f := newFixture(t, store, RelayOptions{KeepOnFailure: true}, true)
	const requestID = "6f1c9a3e-0b7d-4c55-9a0e-2f4f1e8d7c21"
	part := formPart{field: "file", filename: "f.txt", content: []byte("payload")}

	first, err := f.relay(t, requestID, part)
	require.Error(t, err)
	require.True(t, first.SpoolKept)

	second, err := f.relay(t, requestID, part)
	require.NoError(t, err)
	assert.NotEqual(t, first.TransferID, second.TransferID)
	assert.Equal(t, requestID, second.RequestID)

	got, ok := store.Get("f.txt")
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))

	// The first artifact stays on disk and stays findable for sweep.
	assert.FileExists(t, first.SpoolPath)
	leaked, err := f.ledger.ListLeaked(context.Background())
	require.NoError(t, err)
	require.Len(t, leaked, 1)
	assert.Equal(t, first.TransferID, leaked[0].TransferID)
}

func TestRelay_ConcurrentSameRequestID(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)

	var g errgroup.Group
	for _, name := range []string{"one.bin", "two.bin"} {
		body, boundary := multipartBody(t, formPart{field: "file", filename: name, content: []byte(name)})
		g.Go(func() error {
			_, err := f.svc.Relay(context.Background(), "same-id", multipart.NewReader(body, boundary))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, []string{"one.bin", "two.bin"}, f.store.Keys())
	assert.Empty(t, spoolFiles(t, f.dir))
}

func TestRelay_CleanupFailureAfterStore(t *testing.T) {
	dir := t.TempDir()
	sp, err := spool.New(spool.Options{Dir: dir, Namespace: false})
	require.NoError(t, err)
	mem := storage.NewMemoryStorage("transitfiles")
	svc := NewRelayService(sabotageStore{MemoryStorage: mem, dir: dir}, sp, nil, RelayOptions{})

	body, boundary := multipartBody(t, formPart{field: "file", filename: "f.txt", content: []byte("stored")})
	rec, err := svc.Relay(context.Background(), "req-1", multipart.NewReader(body, boundary))
	require.Error(t, err)
	assert.Equal(t, apperr.KindSpoolIO, apperr.KindOf(err))
	assert.Equal(t, domain.StageFailed.String(), rec.Stage)
	assert.Equal(t, domain.StageCleaning.String(), rec.FailStage)

	got, ok := mem.Get("f.txt")
	require.True(t, ok, "object is stored even though the request failed")
	assert.Equal(t, "stored", string(got))
}

func TestRelay_ConcurrentDistinctFiles(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)
	const size = 1 << 20
	payloads := map[string][]byte{
		"a.bin": randomBytes(t, size),
		"b.bin": randomBytes(t, size),
	}

	var g errgroup.Group
	for name, data := range payloads {
		body, boundary := multipartBody(t, formPart{field: "file", filename: name, content: data})
		id := "req-" + name
		g.Go(func() error {
			_, err := f.svc.Relay(context.Background(), id, multipart.NewReader(body, boundary))
			return err
		})
	}
	require.NoError(t, g.Wait())

	for name, data := range payloads {
		got, ok := f.store.Get(name)
		require.True(t, ok, name)
		assert.Len(t, got, size)
		assert.True(t, bytes.Equal(data, got), name)
	}
	assert.Empty(t, spoolFiles(t, f.dir))
}

func TestRelay_ConcurrentSameNameNamespaced(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		body, boundary := multipartBody(t, formPart{field: "file", filename: "same.bin", content: bytes.Repeat([]byte{byte(i)}, 64<<10)})
		id := "req-" + string(rune('a'+i))
		g.Go(func() error {
			_, err := f.svc.Relay(context.Background(), id, multipart.NewReader(body, boundary))
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, ok := f.store.Get("same.bin")
	require.True(t, ok)
	require.Len(t, got, 64<<10)
	// Whichever upload won, the object is one of them and not a mix.
	assert.Equal(t, bytes.Repeat(got[:1], 64<<10), got)
}

func TestRelay_KeyPrefix(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{KeyPrefix: "incoming/"}, true)

	rec, err := f.relay(t, "req-1", formPart{field: "file", filename: "f.txt", content: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "incoming/f.txt", rec.Key)
	assert.Equal(t, []string{"incoming/f.txt"}, f.store.Keys())
}

func TestRelay_FlatSpoolLayout(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, false)

	rec, err := f.relay(t, "req-1", formPart{field: "file", filename: "f.txt", content: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.dir, "f.txt"), rec.SpoolPath)
	assert.NoFileExists(t, rec.SpoolPath)
}

func TestRelay_GeneratesRequestID(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)

	rec, err := f.relay(t, "", formPart{field: "file", filename: "f.txt", content: []byte("x")})
	require.NoError(t, err)
	assert.Len(t, rec.RequestID, 36)
}

func TestRelay_BusyWhenLimitReachedAndContextDone(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{MaxConcurrent: 1}, true)
	require.NoError(t, f.svc.sem.Acquire(context.Background(), 1))
	defer f.svc.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	body, boundary := multipartBody(t, formPart{field: "file", filename: "f.txt", content: []byte("x")})
	_, err := f.svc.Relay(ctx, "req-1", multipart.NewReader(body, boundary))
	require.Error(t, err)
	assert.Equal(t, apperr.KindBusy, apperr.KindOf(err))
	assert.Equal(t, http.StatusServiceUnavailable, apperr.StatusOf(err))
}

func TestRelayRequest_NotMultipart(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)

	req := httptest.NewRequest(http.MethodPost, "/upload", strings.NewReader("plain"))
	req.Header.Set("Content-Type", "text/plain")

	rec, err := f.svc.RelayRequest(context.Background(), "req-1", req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))
	assert.Equal(t, domain.StageFailed.String(), rec.Stage)
	assert.Equal(t, domain.StageStart.String(), rec.FailStage)
	require.Len(t, f.ledger.records, 1)
}

func TestRelayRequest_Success(t *testing.T) {
	f := newFixture(t, nil, RelayOptions{}, true)
	body, boundary := multipartBody(t, formPart{field: "file", filename: "r.txt", content: []byte("via request")})

	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)

	_, err := f.svc.RelayRequest(context.Background(), "req-1", req)
	require.NoError(t, err)
	got, ok := f.store.Get("r.txt")
	require.True(t, ok)
	assert.Equal(t, "via request", string(got))
}
