package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/doccollab/internal/auth"
	"github.com/MarcoPoloResearchLab/doccollab/internal/presence"
	"github.com/MarcoPoloResearchLab/doccollab/internal/textot"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func doJSON(t *testing.T, method, url, user string, body any) (int, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if user != "" {
		request.Header.Set(UserIdentityHeader, user)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	payload, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return response.StatusCode, payload
}

func TestHealthEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	status, body := doJSON(t, http.MethodGet, ts.server.URL+"/healthz", "", nil)
	if status != http.StatusOK || !strings.Contains(string(body), "ok") {
		t.Fatalf("unexpected health response %d %s", status, body)
	}
}

func TestImportSubmitFetchAndDownload(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.server.URL + "/rooms/doc1"

	content := `{"text":"hello"}`
	status, body := doJSON(t, http.MethodPost, base+"/import", "alice", map[string]any{"content": content})
	if status != http.StatusOK {
		t.Fatalf("import failed: %d %s", status, body)
	}
	var imported importResponsePayload
	if err := json.Unmarshal(body, &imported); err != nil {
		t.Fatalf("failed to decode import response: %v", err)
	}
	if imported.Version != 0 || imported.SavedVersion != 0 || imported.Content != content {
		t.Fatalf("unexpected import response %+v", imported)
	}

	edit := map[string]any{
		"clientVersion": 0,
		"payload":       json.RawMessage(textot.MustEncode(textot.Insert(5, "!"))),
	}
	status, body = doJSON(t, http.MethodPost, base+"/edits", "alice", edit)
	if status != http.StatusOK {
		t.Fatalf("submit failed: %d %s", status, body)
	}
	var accepted editPayload
	if err := json.Unmarshal(body, &accepted); err != nil {
		t.Fatalf("failed to decode submit response: %v", err)
	}
	if accepted.ServerVersion != 1 || accepted.SubmittedBy != "alice" || !accepted.IsTransformed {
		t.Fatalf("unexpected accepted edit %+v", accepted)
	}

	status, body = doJSON(t, http.MethodGet, base+"/edits?after=0", "", nil)
	if status != http.StatusOK {
		t.Fatalf("fetch failed: %d %s", status, body)
	}
	var fetched fetchResponsePayload
	if err := json.Unmarshal(body, &fetched); err != nil {
		t.Fatalf("failed to decode fetch response: %v", err)
	}
	if len(fetched.Operations) != 1 || fetched.Operations[0].ServerVersion != 1 {
		t.Fatalf("unexpected fetched operations %+v", fetched.Operations)
	}

	status, body = doJSON(t, http.MethodGet, base+"/snapshot", "", nil)
	if status != http.StatusOK || string(body) != content {
		t.Fatalf("unexpected snapshot %d %s", status, body)
	}

	status, body = doJSON(t, http.MethodPost, base+"/import", "bob", nil)
	if status != http.StatusOK {
		t.Fatalf("reopen failed: %d %s", status, body)
	}
	if err := json.Unmarshal(body, &imported); err != nil {
		t.Fatalf("failed to decode import response: %v", err)
	}
	if imported.Version != 1 || imported.Content != `{"text":"hello!"}` {
		t.Fatalf("expected outstanding edit to be applied, got %+v", imported)
	}
}

func TestRoomRequestErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	base := ts.server.URL + "/rooms/doc1"
	payload := json.RawMessage(textot.MustEncode(textot.Insert(0, "x")))

	testCases := []struct {
		name       string
		method     string
		url        string
		user       string
		body       any
		wantStatus int
		wantError  string
	}{
		{"missing identity", http.MethodPost, base + "/edits", "", map[string]any{"clientVersion": 0, "payload": payload}, http.StatusBadRequest, "missing_user_identity"},
		{"missing client version", http.MethodPost, base + "/edits", "alice", map[string]any{"payload": payload}, http.StatusBadRequest, "invalid_request"},
		{"client ahead", http.MethodPost, base + "/edits", "alice", map[string]any{"clientVersion": 5, "payload": payload}, http.StatusBadRequest, "collab.submit.client_version_ahead"},
		{"malformed payload", http.MethodPost, base + "/edits", "alice", map[string]any{"clientVersion": 0, "payload": json.RawMessage(`{"ops":[{"kind":"bogus"}]}`)}, http.StatusBadRequest, "collab.submit.invalid_payload"},
		{"bad after", http.MethodGet, base + "/edits?after=abc", "", nil, http.StatusBadRequest, "invalid_after"},
		{"negative after", http.MethodGet, base + "/edits?after=-1", "", nil, http.StatusBadRequest, "collab.fetch_since.invalid_version"},
		{"no snapshot", http.MethodGet, base + "/snapshot", "", nil, http.StatusNotFound, "collab.download_snapshot.not_found"},
		{"invalid document", http.MethodPost, ts.server.URL + "/rooms/doc2/import", "alice", map[string]any{"content": "not json"}, http.StatusBadRequest, ""},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			status, body := doJSON(t, testCase.method, testCase.url, testCase.user, testCase.body)
			if status != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d (%s)", testCase.wantStatus, status, body)
			}
			if testCase.wantError == "" {
				return
			}
			var decoded map[string]string
			if err := json.Unmarshal(body, &decoded); err != nil {
				t.Fatalf("failed to decode error body: %v", err)
			}
			if decoded["error"] != testCase.wantError {
				t.Fatalf("expected error %q, got %q", testCase.wantError, decoded["error"])
			}
		})
	}
}

func TestSessionTokenSuppliesIdentity(t *testing.T) {
	now := time.Now()
	secret := []byte("test-signing-secret")
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: secret, Issuer: "doccollab"})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: secret, Issuer: "doccollab", Clock: func() time.Time { return now }})
	token, _, err := issuer.IssueSessionToken("carol", "Carol")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	ts := newTestServer(t, validator)
	url := ts.server.URL + "/rooms/doc1/edits"

	status, _ := doJSON(t, http.MethodGet, url, "mallory", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized without a token, got %d", status)
	}

	body, _ := json.Marshal(map[string]any{
		"clientVersion": 0,
		"payload":       json.RawMessage(textot.MustEncode(textot.Insert(0, "x"))),
	})
	request, _ := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set(UserIdentityHeader, "mallory")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer response.Body.Close()
	var accepted editPayload
	if err := json.NewDecoder(response.Body).Decode(&accepted); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if accepted.SubmittedBy != "carol" {
		t.Fatalf("expected token subject to be the submitter, got %q", accepted.SubmittedBy)
	}
}

type stubSessionValidator struct {
	err error
}

func (s stubSessionValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return auth.SessionClaims{}, s.err
}

func TestResolveIdentityLogsLevels(t *testing.T) {
	testCases := []struct {
		name  string
		err   error
		level zapcore.Level
	}{
		{"expired", auth.ErrExpiredSessionToken, zapcore.InfoLevel},
		{"unexpected", errors.New("signature mismatch"), zapcore.WarnLevel},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			gin.SetMode(gin.TestMode)
			recorder := httptest.NewRecorder()
			ctx, _ := gin.CreateTestContext(recorder)
			ctx.Request = httptest.NewRequest(http.MethodGet, "/rooms/doc1/edits", http.NoBody)

			core, logs := observer.New(zapcore.DebugLevel)
			handler := &httpHandler{validator: stubSessionValidator{err: testCase.err}, logger: zap.New(core)}
			handler.resolveIdentity(ctx)

			if recorder.Code != http.StatusUnauthorized {
				t.Fatalf("expected unauthorized, got %d", recorder.Code)
			}
			entries := logs.All()
			if len(entries) != 1 || entries[0].Level != testCase.level {
				t.Fatalf("expected one %s entry, got %+v", testCase.level, entries)
			}
		})
	}
}

func TestCORSPreflightAllowsIdentityHeader(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(corsMiddleware())
	router.OPTIONS("/rooms/doc1/edits", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	request := httptest.NewRequest(http.MethodOptions, "/rooms/doc1/edits", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", UserIdentityHeader)
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), strings.ToLower(UserIdentityHeader)) {
		t.Fatalf("expected allow headers to include %s, got %q", UserIdentityHeader, allowHeaders)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingCollabService) {
		t.Fatalf("expected errMissingCollabService, got %v", err)
	}
}

type stubDirectory struct {
	members []presence.Entry
	rooms   []string
	err     error
}

func (d stubDirectory) Members(context.Context, string) ([]presence.Entry, error) {
	return d.members, d.err
}

func (d stubDirectory) Rooms(context.Context) ([]string, error) {
	return d.rooms, d.err
}

func TestMembershipEndpointsReadLocalPresence(t *testing.T) {
	ts := newTestServer(t, nil)
	if _, err := ts.presence.Join(context.Background(), "conn-alice", "doc1", "alice"); err != nil {
		t.Fatalf("join: %v", err)
	}

	status, body := doJSON(t, http.MethodGet, ts.server.URL+"/rooms", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list rooms failed: %d %s", status, body)
	}
	var rooms roomsResponsePayload
	if err := json.Unmarshal(body, &rooms); err != nil {
		t.Fatalf("failed to decode rooms: %v", err)
	}
	if len(rooms.Rooms) != 1 || rooms.Rooms[0] != "doc1" {
		t.Fatalf("unexpected rooms %+v", rooms)
	}

	status, body = doJSON(t, http.MethodGet, ts.server.URL+"/rooms/doc1/members", "", nil)
	if status != http.StatusOK {
		t.Fatalf("list members failed: %d %s", status, body)
	}
	var members membersResponsePayload
	if err := json.Unmarshal(body, &members); err != nil {
		t.Fatalf("failed to decode members: %v", err)
	}
	if members.Room != "doc1" || len(members.Members) != 1 || members.Members[0].UserIdentity != "alice" {
		t.Fatalf("unexpected members %+v", members)
	}

	status, body = doJSON(t, http.MethodGet, ts.server.URL+"/rooms/empty/members", "", nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"members":[]`) {
		t.Fatalf("expected empty member list, got %d %s", status, body)
	}
}

func TestMembershipEndpointsPreferDirectory(t *testing.T) {
	directory := stubDirectory{
		members: []presence.Entry{{ConnectionID: "remote", RoomName: "doc1", UserIdentity: "carol"}},
		rooms:   []string{"doc1", "doc2"},
	}
	ts := newTestServerWithDirectory(t, nil, directory)

	status, body := doJSON(t, http.MethodGet, ts.server.URL+"/rooms", "", nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"doc2"`) {
		t.Fatalf("expected directory rooms, got %d %s", status, body)
	}
	status, body = doJSON(t, http.MethodGet, ts.server.URL+"/rooms/doc1/members", "", nil)
	if status != http.StatusOK || !strings.Contains(string(body), "carol") {
		t.Fatalf("expected directory members, got %d %s", status, body)
	}
}

func TestMembershipEndpointsFallBackWhenDirectoryFails(t *testing.T) {
	ts := newTestServerWithDirectory(t, nil, stubDirectory{err: errors.New("redis down")})
	if _, err := ts.presence.Join(context.Background(), "conn-bob", "doc1", "bob"); err != nil {
		t.Fatalf("join: %v", err)
	}
	status, body := doJSON(t, http.MethodGet, ts.server.URL+"/rooms/doc1/members", "", nil)
	if status != http.StatusOK || !strings.Contains(string(body), "bob") {
		t.Fatalf("expected local members, got %d %s", status, body)
	}
	status, body = doJSON(t, http.MethodGet, ts.server.URL+"/rooms", "", nil)
	if status != http.StatusOK || !strings.Contains(string(body), `"doc1"`) {
		t.Fatalf("expected local rooms, got %d %s", status, body)
	}
}
