package server

import (
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/doccollab/internal/blobstore"
	"github.com/MarcoPoloResearchLab/doccollab/internal/collab"
	"github.com/MarcoPoloResearchLab/doccollab/internal/oplog"
	"github.com/MarcoPoloResearchLab/doccollab/internal/presence"
	"github.com/MarcoPoloResearchLab/doccollab/internal/snapshots"
	"github.com/MarcoPoloResearchLab/doccollab/internal/textot"
	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type testServer struct {
	server   *httptest.Server
	service  *collab.Service
	presence *presence.Manager
	hub      *RealtimeHub
}

func newTestServer(t *testing.T, validator SessionValidator) *testServer {
	t.Helper()
	return newTestServerWithDirectory(t, validator, nil)
}

func newTestServerWithDirectory(t *testing.T, validator SessionValidator, directory PresenceDirectory) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:server_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	blobs, err := blobstore.NewStore(blobstore.Config{Filesystem: afero.NewMemMapFs()})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	service, err := collab.NewService(collab.ServiceConfig{
		LogStore:      logStore,
		SnapshotStore: snapshotStore,
		BlobStore:     blobs,
		Model:         textot.Model{},
		Transformer:   textot.Engine{},
	})
	if err != nil {
		t.Fatalf("failed to construct collab service: %v", err)
	}
	t.Cleanup(service.Close)

	hub := NewRealtimeHub()
	manager, err := presence.NewManager(presence.ManagerConfig{Transport: hub, Closer: service})
	if err != nil {
		t.Fatalf("failed to construct presence manager: %v", err)
	}
	handler, err := NewHTTPHandler(Dependencies{
		CollabService:     service,
		Presence:          manager,
		Realtime:          hub,
		SessionValidator:  validator,
		PresenceDirectory: directory,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &testServer{server: server, service: service, presence: manager, hub: hub}
}

func (s *testServer) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/rooms/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial websocket: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

// readFrameOfType skips frames of other types until one of frameType arrives.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) RealtimeFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_ = conn.SetReadDeadline(deadline)
		var frame RealtimeFrame
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("waiting for %s frame: %v", frameType, err)
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func waitFor(t *testing.T, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}
