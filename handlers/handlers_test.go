package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basetenlabs/avatar-generation-app-tutorial/apierr"
	"github.com/basetenlabs/avatar-generation-app-tutorial/logger"
	"github.com/basetenlabs/avatar-generation-app-tutorial/models"
	"github.com/basetenlabs/avatar-generation-app-tutorial/runstate"
)

type fakeService struct {
	userData   *models.UserData
	health     *models.ModelHealth
	runID      string
	outputRef  string
	err        error
	gotUserID  string
	gotRunID   string
	gotPrompt  string
	gotDataset string
}

func (f *fakeService) Reset(_ context.Context, userID string) (*models.UserData, error) {
	f.gotUserID = userID
	return f.userData, f.err
}

func (f *fakeService) GetUserData(_ context.Context, userID string) (*models.UserData, error) {
	f.gotUserID = userID
	return f.userData, f.err
}

func (f *fakeService) GetModelHealth(_ context.Context, userID string) (*models.ModelHealth, error) {
	f.gotUserID = userID
	return f.health, f.err
}

func (f *fakeService) SubmitRun(_ context.Context, userID, prompt, datasetURL string) (string, error) {
	f.gotUserID = userID
	f.gotPrompt = prompt
	f.gotDataset = datasetURL
	return f.runID, f.err
}

func (f *fakeService) InvokeModel(_ context.Context, runID, prompt string) (string, error) {
	f.gotRunID = runID
	f.gotPrompt = prompt
	return f.outputRef, f.err
}

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewHandler(svc, nil, logger.NewNop())

	r := gin.New()
	api := r.Group("/api/v1")
	api.POST("/users/:user_id/reset", h.ResetUser)
	api.GET("/users/:user_id", h.GetUserData)
	api.GET("/users/:user_id/model/health", h.GetModelHealth)
	api.POST("/users/:user_id/runs", h.SubmitRun)
	api.POST("/runs/:run_id/invoke", h.InvokeModel)
	api.POST("/datasets", h.UploadDataset)
	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestGetUserData(t *testing.T) {
	runID := "ft-1234"
	svc := &fakeService{userData: &models.UserData{
		UserID: "alice",
		RunID:  &runID,
		RunData: models.RunData{
			Status:  string(runstate.StateDeployed),
			ModelID: "ft-1234-model",
		},
	}}
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodGet, "/api/v1/users/alice", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", svc.gotUserID)
	body := decodeBody(t, w)
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, runID, body["run_id"])
	runData, ok := body["run_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "DEPLOYED", runData["status"])
	assert.Equal(t, "ft-1234-model", runData["model_id"])
}

func TestResetUser(t *testing.T) {
	svc := &fakeService{userData: &models.UserData{
		UserID:  "bob",
		RunData: models.RunData{Status: string(runstate.StateIdle)},
	}}
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/users/bob/reset", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bob", svc.gotUserID)
	body := decodeBody(t, w)
	assert.Nil(t, body["run_id"])
	runData, ok := body["run_data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "IDLE", runData["status"])
}

func TestGetModelHealth(t *testing.T) {
	modelID := "ft-1-model"
	svc := &fakeService{health: &models.ModelHealth{Healthy: true, ModelID: &modelID}}
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodGet, "/api/v1/users/alice/model/health", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["healthy"])
	assert.Equal(t, "ft-1-model", body["model_id"])
}

func TestSubmitRun(t *testing.T) {
	svc := &fakeService{runID: "ft-9"}
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/users/alice/runs",
		`{"prompt":"a photo of sks dog","dataset_url":"https://x/data.zip"}`)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "alice", svc.gotUserID)
	assert.Equal(t, "a photo of sks dog", svc.gotPrompt)
	assert.Equal(t, "https://x/data.zip", svc.gotDataset)
	body := decodeBody(t, w)
	assert.Equal(t, "ft-9", body["run_id"])
}

func TestSubmitRunMalformedBody(t *testing.T) {
	svc := &fakeService{}
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/users/alice/runs", `{"prompt":`)

	require.Equal(t, http.StatusBadRequest, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, apierr.CodeValidation, body["code"])
	assert.Empty(t, svc.gotUserID)
}

func TestSubmitRunConflict(t *testing.T) {
	svc := &fakeService{err: apierr.Conflict(string(runstate.StateTraining),
		errors.New("user alice already has an active run"))}
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/users/alice/runs",
		`{"prompt":"p","dataset_url":"https://x/data.zip"}`)

	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, apierr.CodeConflict, body["code"])
	assert.Equal(t, "TRAINING", body["state"])
}

func TestInvokeModel(t *testing.T) {
	svc := &fakeService{outputRef: "https://cdn/outputs/1.png"}
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/runs/ft-9/invoke", `{"prompt":"sks dog at the beach"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ft-9", svc.gotRunID)
	assert.Equal(t, "sks dog at the beach", svc.gotPrompt)
	body := decodeBody(t, w)
	assert.Equal(t, "https://cdn/outputs/1.png", body["output_ref"])
}

func TestInvokeModelNotReady(t *testing.T) {
	svc := &fakeService{err: apierr.NotReady(string(runstate.StateTraining),
		errors.New("run ft-9 has no deployed model"))}
	r := newTestRouter(svc)

	w := doJSON(t, r, http.MethodPost, "/api/v1/runs/ft-9/invoke", `{"prompt":"p"}`)

	require.Equal(t, http.StatusConflict, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, apierr.CodeNotReady, body["code"])
	assert.Equal(t, "TRAINING", body["state"])
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"validation", apierr.Validation(errors.New("prompt is required")), http.StatusBadRequest, apierr.CodeValidation},
		{"store", apierr.Store(errors.New("connection refused")), http.StatusServiceUnavailable, apierr.CodeStore},
		{"lock", apierr.Lock(errors.New("lock held")), http.StatusServiceUnavailable, apierr.CodeLock},
		{"timeout", apierr.Timeout(errors.New("deadline exceeded")), http.StatusGatewayTimeout, apierr.CodePlatformTimeout},
		{"unavailable", apierr.Unavailable(errors.New("bad gateway")), http.StatusBadGateway, apierr.CodePlatformUnavailable},
		{"submission", apierr.Submission(errors.New("rejected")), http.StatusBadGateway, apierr.CodeSubmission},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&fakeService{err: tt.err})
			w := doJSON(t, r, http.MethodGet, "/api/v1/users/alice", "")

			require.Equal(t, tt.wantStatus, w.Code)
			body := decodeBody(t, w)
			assert.Equal(t, tt.wantCode, body["code"])
		})
	}
}

func TestUnclassifiedErrorIs500(t *testing.T) {
	r := newTestRouter(&fakeService{err: errors.New("boom")})

	w := doJSON(t, r, http.MethodGet, "/api/v1/users/alice", "")

	require.Equal(t, http.StatusInternalServerError, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, "internal error", body["error"])
	assert.NotContains(t, w.Body.String(), "boom")
}

func TestUploadDatasetWithoutStore(t *testing.T) {
	r := newTestRouter(&fakeService{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/datasets", strings.NewReader(""))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
}
