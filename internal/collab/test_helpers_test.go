package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/doccollab/internal/blobstore"
	"github.com/MarcoPoloResearchLab/doccollab/internal/events"
	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
	"github.com/MarcoPoloResearchLab/doccollab/internal/snapshots"
	"github.com/MarcoPoloResearchLab/doccollab/internal/textot"
	sqlite "github.com/glebarez/sqlite"
	"github.com/spf13/afero"
	"gorm.io/gorm"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.RoomClosed
}

func (p *recordingPublisher) PublishRoomClosed(_ context.Context, event events.RoomClosed) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []events.RoomClosed {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]events.RoomClosed(nil), p.events...)
}

type flakyBlobStore struct {
	BlobStore
	mu      sync.Mutex
	failPut bool
}

func (s *flakyBlobStore) setFailPut(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPut = fail
}

func (s *flakyBlobStore) Put(ctx context.Context, roomName string, data []byte) (string, error) {
	s.mu.Lock()
	fail := s.failPut
	s.mu.Unlock()
	if fail {
		return "", errors.New("blob storage unavailable")
	}
	return s.BlobStore.Put(ctx, roomName, data)
}

type testHarness struct {
	db         *gorm.DB
	service    *Service
	logStore   *oplog.Store
	snapshots  *snapshots.Store
	blobs      *flakyBlobStore
	filesystem afero.Fs
	publisher  *recordingPublisher
}

func newTestHarness(t *testing.T, compaction CompactionOptions) *testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:collab_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&snapshots.Master{}, &snapshots.Watermark{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	logStore, err := oplog.NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct log store: %v", err)
	}
	snapshotStore, err := snapshots.NewStore(db)
	if err != nil {
		t.Fatalf("failed to construct snapshot store: %v", err)
	}
	filesystem := afero.NewMemMapFs()
	blobs, err := blobstore.NewStore(blobstore.Config{Filesystem: filesystem})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	flaky := &flakyBlobStore{BlobStore: blobs}
	publisher := &recordingPublisher{}

	service, err := NewService(ServiceConfig{
		LogStore:      logStore,
		SnapshotStore: snapshotStore,
		BlobStore:     flaky,
		Publisher:     publisher,
		Model:         textot.Model{},
		Transformer:   textot.Engine{},
		Compaction:    compaction,
		Clock: func() time.Time {
			return time.Unix(1700000000, 0).UTC()
		},
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	t.Cleanup(service.Close)

	return &testHarness{
		db:         db,
		service:    service,
		logStore:   logStore,
		snapshots:  snapshotStore,
		blobs:      flaky,
		filesystem: filesystem,
		publisher:  publisher,
	}
}

func (h *testHarness) mustImport(t *testing.T, roomName string, content *string) ImportResult {
	t.Helper()
	result, err := h.service.ImportDocument(context.Background(), ImportRequest{RoomName: roomName, RequestedBy: "alice", Content: content})
	if err != nil {
		t.Fatalf("import %s: %v", roomName, err)
	}
	return result
}

func (h *testHarness) mustSubmit(t *testing.T, roomName, user string, clientVersion int64, ops ...textot.Op) Operation {
	t.Helper()
	operation, err := h.service.Submit(context.Background(), SubmitRequest{
		RoomName:      roomName,
		SubmittedBy:   user,
		ConnectionID:  "conn-" + user,
		ClientVersion: clientVersion,
		Payload:       textot.MustEncode(ops...),
	})
	if err != nil {
		t.Fatalf("submit %s@%d: %v", user, clientVersion, err)
	}
	return operation
}

// appendEdits submits count sequential single-rune appends starting from version.
func (h *testHarness) appendEdits(t *testing.T, roomName string, from int64, count int) int64 {
	t.Helper()
	version := from
	for i := 0; i < count; i++ {
		operation := h.mustSubmit(t, roomName, "bob", version, textot.Insert(int(version), "x"))
		version = operation.ServerVersion
	}
	return version
}

func (h *testHarness) watermark(t *testing.T, roomName string) (int64, bool) {
	t.Helper()
	watermark, err := h.snapshots.FindWatermark(context.Background(), roomName)
	if errors.Is(err, snapshots.ErrNotFound) {
		return 0, false
	}
	if err != nil {
		t.Fatalf("find watermark: %v", err)
	}
	return watermark.LastSavedVersion, true
}

func (h *testHarness) master(t *testing.T, roomName string) snapshots.Master {
	t.Helper()
	master, err := h.snapshots.FindMaster(context.Background(), roomName)
	if err != nil {
		t.Fatalf("find master: %v", err)
	}
	return master
}

func (h *testHarness) masterText(t *testing.T, roomName string) string {
	t.Helper()
	master := h.master(t, roomName)
	data, err := h.blobs.Get(context.Background(), roomName, master.StorageRef)
	if err != nil {
		t.Fatalf("read master blob: %v", err)
	}
	document, err := textot.LoadDocument(data)
	if err != nil {
		t.Fatalf("parse master blob: %v", err)
	}
	return document.Text()
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func stringPointer(value string) *string {
	return &value
}

func serviceErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
