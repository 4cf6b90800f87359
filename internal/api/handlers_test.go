package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jesus-bazan-entel/apimovil/internal/errors"
	"github.com/jesus-bazan-entel/apimovil/internal/job"
	"github.com/jesus-bazan-entel/apimovil/internal/models"
	"github.com/jesus-bazan-entel/apimovil/internal/proxy"
)

// stubCoordinator returns canned answers per method; unset errors mean success
type stubCoordinator struct {
	submitResult *job.SubmitResult
	submitErr    error
	pauseJob     *models.JobFile
	pauseErr     error
	removeErr    error
	consultJob   *models.JobFile
	consultRecs  []*models.PhoneRecord
	consultErr   error
	jobs         []*models.JobFile
	lookup       *job.Lookup
	lookupErr    error
	pending      int64

	lastUser string
	lastFile string
}

func (s *stubCoordinator) Submit(ctx context.Context, user, fileName string, numbers []string) (*job.SubmitResult, error) {
	s.lastUser, s.lastFile = user, fileName
	return s.submitResult, s.submitErr
}

func (s *stubCoordinator) Pause(ctx context.Context, user, fileName string) (*models.JobFile, error) {
	s.lastUser, s.lastFile = user, fileName
	return s.pauseJob, s.pauseErr
}

func (s *stubCoordinator) Remove(ctx context.Context, user, fileName string) error {
	s.lastUser, s.lastFile = user, fileName
	return s.removeErr
}

func (s *stubCoordinator) Consult(ctx context.Context, user, fileName string) (*models.JobFile, []*models.PhoneRecord, error) {
	s.lastUser, s.lastFile = user, fileName
	return s.consultJob, s.consultRecs, s.consultErr
}

func (s *stubCoordinator) ListJobs(ctx context.Context, user, prefix string) ([]*models.JobFile, error) {
	s.lastUser = user
	return s.jobs, nil
}

func (s *stubCoordinator) LookupOne(ctx context.Context, user, number string) (*job.Lookup, error) {
	s.lastUser = user
	return s.lookup, s.lookupErr
}

func (s *stubCoordinator) PendingCount(ctx context.Context, user, fileName string) (int64, error) {
	return s.pending, nil
}

type stubBlockedLister struct {
	recs []*models.BlockedIP
}

func (s *stubBlockedLister) ListByUser(ctx context.Context, ownerUser string) ([]*models.BlockedIP, error) {
	return s.recs, nil
}

func setupServer(t *testing.T, coord *stubCoordinator, blocked BlockedIPLister) *Server {
	t.Helper()
	pool := proxy.NewPool(nil)
	return NewServer(DefaultServerConfig("127.0.0.1", "0"), coord, pool, blocked, nil)
}

func doRequest(t *testing.T, s *Server, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	s := setupServer(t, &stubCoordinator{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestSubmitAccepted(t *testing.T) {
	coord := &stubCoordinator{
		submitResult: &job.SubmitResult{
			Job:       &models.JobFile{FileName: "batch-1.txt", OwnerUser: "alice", TotalCount: 3, Active: true},
			Remaining: 3,
		},
	}
	s := setupServer(t, coord, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/files", "alice", SubmitRequest{
		FileName: "batch-1.txt",
		Numbers:  []string{"611111111", "622222222", "633333333"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "alice", coord.lastUser)
	assert.Equal(t, "batch-1.txt", coord.lastFile)

	var result job.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 3, result.Remaining)
}

func TestMissingUserHeader(t *testing.T) {
	s := setupServer(t, &stubCoordinator{}, nil)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/api/files"},
		{http.MethodGet, "/api/files"},
		{http.MethodGet, "/api/files/batch-1.txt"},
		{http.MethodPost, "/api/files/batch-1.txt/pause"},
		{http.MethodDelete, "/api/files/batch-1.txt"},
		{http.MethodGet, "/api/phones/611111111"},
		{http.MethodGet, "/api/proxies/stats"},
		{http.MethodGet, "/api/blocked-ips"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			rec := doRequest(t, s, p.method, p.path, "", nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestSubmitInvalidBody(t *testing.T) {
	s := setupServer(t, &stubCoordinator{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/files", bytes.NewBufferString("not json"))
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitConflictMapped(t *testing.T) {
	coord := &stubCoordinator{submitErr: apperrors.NewConflictError("file batch-1.txt is already being processed")}
	s := setupServer(t, coord, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/files", "alice", SubmitRequest{
		FileName: "batch-1.txt", Numbers: []string{"611111111"},
	})
	assert.Equal(t, http.StatusConflict, rec.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CONFLICT", body.Error.Code)
}

func TestConsult(t *testing.T) {
	coord := &stubCoordinator{
		consultJob: &models.JobFile{FileName: "batch-1.txt", OwnerUser: "alice", TotalCount: 2, ProgressCount: 1, Active: true},
		consultRecs: []*models.PhoneRecord{
			{FileName: "batch-1.txt", Number: "611111111", Operator: "MOVISTAR", Source: models.SourceScraping},
		},
		pending: 1,
	}
	s := setupServer(t, coord, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/files/batch-1.txt", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body ConsultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "batch-1.txt", body.Job.FileName)
	assert.Equal(t, int64(1), body.Pending)
	require.Len(t, body.Records, 1)
	assert.Equal(t, "MOVISTAR", body.Records[0].Operator)
}

func TestConsultNotFound(t *testing.T) {
	coord := &stubCoordinator{consultErr: apperrors.NewNotFoundError("job", "missing.txt")}
	s := setupServer(t, coord, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/files/missing.txt", "alice", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPauseAndRemove(t *testing.T) {
	coord := &stubCoordinator{
		pauseJob: &models.JobFile{FileName: "batch-1.txt", OwnerUser: "alice", Active: false},
	}
	s := setupServer(t, coord, nil)

	rec := doRequest(t, s, http.MethodPost, "/api/files/batch-1.txt/pause", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var paused models.JobFile
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &paused))
	assert.False(t, paused.Active)

	rec = doRequest(t, s, http.MethodDelete, "/api/files/batch-1.txt", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "batch-1.txt", coord.lastFile)
}

func TestLookupOne(t *testing.T) {
	coord := &stubCoordinator{
		lookup: &job.Lookup{Number: "611111111", Operator: "MOVISTAR", Source: models.SourceCache},
	}
	s := setupServer(t, coord, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/phones/611111111", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var lookup job.Lookup
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lookup))
	assert.Equal(t, "MOVISTAR", lookup.Operator)
	assert.Equal(t, models.SourceCache, lookup.Source)
}

func TestLookupOneCapacityExhausted(t *testing.T) {
	coord := &stubCoordinator{lookupErr: apperrors.NewCapacityExhaustedError("alice")}
	s := setupServer(t, coord, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/phones/611111111", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListFiles(t *testing.T) {
	coord := &stubCoordinator{jobs: []*models.JobFile{
		{FileName: "batch-1.txt", OwnerUser: "alice"},
		{FileName: "batch-2.txt", OwnerUser: "alice"},
	}}
	s := setupServer(t, coord, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/files?prefix=batch-", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Files []*models.JobFile `json:"files"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Files, 2)
}

func TestBlockedIPs(t *testing.T) {
	blocked := &stubBlockedLister{recs: []*models.BlockedIP{
		{IP: "10.0.0.1", ProxyID: 1, OwnerUser: "alice", RetryCount: 4},
	}}
	s := setupServer(t, &stubCoordinator{}, blocked)

	rec := doRequest(t, s, http.MethodGet, "/api/blocked-ips", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		BlockedIPs []*models.BlockedIP `json:"blocked_ips"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.BlockedIPs, 1)
	assert.Equal(t, "10.0.0.1", body.BlockedIPs[0].IP)
}

func TestBlockedIPsWithoutStore(t *testing.T) {
	s := setupServer(t, &stubCoordinator{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/api/blocked-ips", "alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		BlockedIPs []*models.BlockedIP `json:"blocked_ips"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.BlockedIPs)
}

func TestCORSHeaders(t *testing.T) {
	s := setupServer(t, &stubCoordinator{}, nil)

	rec := doRequest(t, s, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-User-ID")
}
