package main

import (
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentmesh/ledger"
)

func testAdminServer(t *testing.T) *adminServer {
	t.Helper()
	store, err := ledger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &adminServer{token: "secret", store: store, exportDir: t.TempDir()}
}

func TestAdminExportWritesWindow(t *testing.T) {
	srv := testAdminServer(t)
	now := time.Now().UnixMilli()
	require.NoError(t, srv.store.PutEntry(ledger.EntryRow{
		ID:        "entry-1",
		Type:      ledger.EntryTypeSwarm,
		Status:    ledger.EntryStatusSettled,
		ChainID:   31337,
		Token:     "ETH",
		Amount:    "25",
		Recipient: "0x00000000000000000000000000000000000000a1",
		Payer:     "amesh1payer",
		JobID:     "job-1",
		CreatedAt: now,
	}))

	body := strings.NewReader(`{"fromMs":0}`)
	req := httptest.NewRequest(http.MethodPost, "/export", body)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"Count":1`)

	files, err := os.ReadDir(srv.exportDir)
	require.NoError(t, err)
	require.Len(t, files, 2)
}

func TestAdminExportRequiresBearer(t *testing.T) {
	srv := testAdminServer(t)

	req := httptest.NewRequest(http.MethodPost, "/export", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/export", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	srv.router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
