package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/orch-os/adapter-swarm/pkg/api"
	"github.com/orch-os/adapter-swarm/pkg/config"
	"github.com/orch-os/adapter-swarm/pkg/coordinator"
	"github.com/orch-os/adapter-swarm/pkg/testutil"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func setupTestAPI(t *testing.T) (*api.API, string, func()) {
	tmpDir, cleanup := testutil.CreateTempDir(t, "api-test-*")

	cfg := config.DefaultConfig()
	cfg.ListenAddress = "127.0.0.1"
	cfg.Port = 0
	cfg.WeightsPath = filepath.Join(tmpDir, "weights")
	cfg.RegistryPath = filepath.Join(tmpDir, "registry")
	cfg.DownloadPath = filepath.Join(tmpDir, "downloads")
	require.NoError(t, os.MkdirAll(cfg.WeightsPath, 0755))

	coord := coordinator.New(cfg, zap.NewNop(), coordinator.Events{})
	apiInstance := api.NewAPI(coord, zap.NewNop(), 0)

	return apiInstance, tmpDir, cleanup
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var response APIResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
	return response
}

func TestHealthCheck(t *testing.T) {
	apiInstance, _, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()

	apiInstance.HealthCheck(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	response := decodeResponse(t, w)
	assert.True(t, response.Success)
}

func TestGetRoomWithoutRoom(t *testing.T) {
	apiInstance, _, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("GET", "/room", nil)
	w := httptest.NewRecorder()

	apiInstance.GetRoom(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	response := decodeResponse(t, w)
	assert.False(t, response.Success)
	assert.NotEmpty(t, response.Error)
}

func TestJoinRoomRejectsBadTopic(t *testing.T) {
	apiInstance, _, cleanup := setupTestAPI(t)
	defer cleanup()

	body := strings.NewReader(`{"topic":"tooshort"}`)
	req := httptest.NewRequest("POST", "/room/join", body)
	w := httptest.NewRecorder()

	apiInstance.JoinRoom(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	response := decodeResponse(t, w)
	assert.False(t, response.Success)
}

func TestShareAdapterNotFound(t *testing.T) {
	apiInstance, _, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("POST", "/adapters/ghost/share", nil)
	req = mux.SetURLVars(req, map[string]string{"name": "ghost"})
	w := httptest.NewRecorder()

	apiInstance.ShareAdapter(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	response := decodeResponse(t, w)
	assert.False(t, response.Success)
	assert.Contains(t, response.Error, "ghost")
}

func TestShareAndListAdapters(t *testing.T) {
	apiInstance, tmpDir, cleanup := setupTestAPI(t)
	defer cleanup()

	testutil.CreateTestBlob(t, filepath.Join(tmpDir, "weights"), "shared_adapter.gguf", 4096)

	req := httptest.NewRequest("POST", "/adapters/shared_adapter.gguf/share", nil)
	req = mux.SetURLVars(req, map[string]string{"name": "shared_adapter.gguf"})
	w := httptest.NewRecorder()

	apiInstance.ShareAdapter(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	response := decodeResponse(t, w)
	require.True(t, response.Success)

	req = httptest.NewRequest("GET", "/adapters", nil)
	w = httptest.NewRecorder()

	apiInstance.ListAdapters(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	response = decodeResponse(t, w)
	require.True(t, response.Success)
	list, ok := response.Data.([]interface{})
	require.True(t, ok)
	assert.Len(t, list, 1)
}

func TestCheckAdapterExists(t *testing.T) {
	apiInstance, tmpDir, cleanup := setupTestAPI(t)
	defer cleanup()

	testutil.CreateTestBlob(t, filepath.Join(tmpDir, "weights"), "real_adapter.gguf", 1024)

	req := httptest.NewRequest("GET", "/adapters/real_adapter.gguf/exists", nil)
	req = mux.SetURLVars(req, map[string]string{"name": "real_adapter.gguf"})
	w := httptest.NewRecorder()

	apiInstance.CheckAdapterExists(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	response := decodeResponse(t, w)
	require.True(t, response.Success)
	data, ok := response.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, data["exists"])
}

func TestRequestAdapterRequiresTopic(t *testing.T) {
	apiInstance, _, cleanup := setupTestAPI(t)
	defer cleanup()

	req := httptest.NewRequest("POST", "/adapters/request", strings.NewReader(`{}`))
	w := httptest.NewRecorder()

	apiInstance.RequestAdapter(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	response := decodeResponse(t, w)
	assert.False(t, response.Success)
}
