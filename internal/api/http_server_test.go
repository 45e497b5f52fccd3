package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"pricesync/internal/config"
	"pricesync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func do(t *testing.T, h http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	switch b := body.(type) {
	case nil:
		rd = bytes.NewReader(nil)
	case []byte:
		rd = bytes.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, rd)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func postWebhook(t *testing.T, h http.Handler, auth string, payload map[string]any) (*httptest.ResponseRecorder, webhookResponse) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(raw))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var body webhookResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func pricingEvent(itemData map[string]any) map[string]any {
	return map[string]any{
		"eventType": models.WebhookItemPricingUpdated,
		"itemData":  itemData,
		"timestamp": "2026-01-02T15:04:05Z",
		"source":    "ui",
	}
}

func TestWebhookUpdated(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	h := env.http.Handler()

	rec, body := postWebhook(t, h, "Bearer "+testSecret, pricingEvent(map[string]any{"itemid": "A", "baseprice": "75.00", "color": "red"}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Equal(t, models.WebhookResultUpdated, body.Result)
	assert.Equal(t, 3, body.JobsCreated)
	assert.Equal(t, []string{"color"}, body.Ignored)
	assert.GreaterOrEqual(t, body.ProcessingTimeMs, int64(0))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	item, err := env.db.GetItem(context.Background(), "C")
	require.NoError(t, err)
	assert.True(t, item.Fields[models.FieldBasePrice].Equal(models.Number(75)))
}

func TestWebhookSkippedIsSuccess(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())

	rec, body := postWebhook(t, env.http.Handler(), "Bearer "+testSecret,
		pricingEvent(map[string]any{"itemid": "A", "baseprice": 80, testSkipFlag: true}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, body.Success)
	assert.Equal(t, models.WebhookResultSkipped, body.Result)
	assert.Equal(t, models.SkipReasonEventFlag, body.Reason)
	assert.Zero(t, body.JobsCreated)
}

func TestWebhookRejections(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	h := env.http.Handler()

	rec, body := postWebhook(t, h, "Bearer wrong", pricingEvent(map[string]any{"itemid": "A", "baseprice": 1}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, body.Success)

	rec, _ = postWebhook(t, h, "", pricingEvent(map[string]any{"itemid": "A", "baseprice": 1}))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = postWebhook(t, h, "Bearer "+testSecret, map[string]any{"eventType": "item.deleted", "itemData": map[string]any{"itemid": "A"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = postWebhook(t, h, "Bearer "+testSecret, pricingEvent(map[string]any{"baseprice": 1}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	big := bytes.Repeat([]byte("x"), 5000)
	req = httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(big))
	req.Header.Set("Authorization", "Bearer "+testSecret)
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	counts, err := env.db.CountSyncJobs(context.Background())
	require.NoError(t, err)
	assert.Zero(t, counts.Total(), "rejected webhooks create no jobs")
}

func TestWebhookStoreFailureIs500(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	require.NoError(t, env.db.Close())

	rec, body := postWebhook(t, env.http.Handler(), "Bearer "+testSecret, pricingEvent(map[string]any{"itemid": "A", "baseprice": 1}))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, body.Success)
}

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	rec := do(t, env.http.Handler(), http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestQueueAPIAuth(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	h := env.http.Handler()

	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/queue/stats", "", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, do(t, h, http.MethodGet, "/api/v1/queue/stats", "nope", nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/queue/stats", readerKey, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/queue/stats", operatorKey, nil).Code, "write implies read")

	body := map[string]any{"entity_id": "A"}
	assert.Equal(t, http.StatusForbidden, do(t, h, http.MethodPost, "/api/v1/queue/enqueue/entity", readerKey, body).Code)
	assert.Equal(t, http.StatusAccepted, do(t, h, http.MethodPost, "/api/v1/queue/enqueue/entity", operatorKey, body).Code)
}

func TestQueueAPIRateLimit(t *testing.T) {
	cfg := testAPIConfig()
	cfg.RateLimit = config.APIRateLimitConfig{RPS: 0.001, Burst: 2}
	env := newTestEnv(t, cfg)
	h := env.http.Handler()

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/queue/stats", readerKey, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/queue/stats", readerKey, nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, do(t, h, http.MethodGet, "/api/v1/queue/stats", readerKey, nil).Code)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/api/v1/queue/stats", operatorKey, nil).Code, "limits are per key")
}

func TestQueueAPIJobLifecycle(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	h := env.http.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/queue/enqueue/family", operatorKey, map[string]any{"family_id": "FAM", "priority": "low"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var enq struct {
		Jobs        []models.SyncJob `json:"jobs"`
		JobsCreated int              `json:"jobs_created"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &enq))
	require.Equal(t, 3, enq.JobsCreated)
	assert.Equal(t, models.PriorityLow, enq.Jobs[0].Priority)

	rec = do(t, h, http.MethodGet, "/api/v1/queue/jobs?status=pending&entity_id=B", readerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs  []models.SyncJob `json:"jobs"`
		Count int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Equal(t, 1, list.Count)
	id := list.Jobs[0].ID

	path := "/api/v1/queue/jobs/" + strconv.FormatInt(id, 10)
	rec = do(t, h, http.MethodGet, path, readerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, path+"/cancel", operatorKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.SyncJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobCancelled, job.Status)

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, path+"/cancel", operatorKey, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/v1/queue/jobs/999999", readerKey, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/queue/jobs/abc", readerKey, nil).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/v1/queue/jobs?status=bogus", readerKey, nil).Code)
}

func TestQueueAPIOperatorActions(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	h := env.http.Handler()

	rec := do(t, h, http.MethodPost, "/api/v1/queue/retry", operatorKey, map[string]any{"pattern": "503"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"affected":0}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/v1/queue/purge", operatorKey, map[string]any{"older_than": "7d", "statuses": []string{"completed"}})
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/v1/queue/purge", operatorKey, map[string]any{"older_than": "soon"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/queue/reclaim", operatorKey, map[string]any{"older_than": "15m"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"reclaimed":0,"failed":0}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/v1/queue/issues", readerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var issues struct {
		UnlinkedItems []models.Item `json:"unlinked_items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issues))
	assert.Len(t, issues.UnlinkedItems, 2)

	rec = do(t, h, http.MethodPut, "/api/v1/links", operatorKey, map[string]any{"source_id": "B", "remote_id": "1002"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"remote_id":"1002"`)

	rec = do(t, h, http.MethodPut, "/api/v1/items/C/skip", operatorKey, map[string]any{"skip": true})
	require.Equal(t, http.StatusOK, rec.Code)
	item, err := env.db.GetItem(context.Background(), "C")
	require.NoError(t, err)
	assert.True(t, item.SkipSync)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/queue/retry", operatorKey, []byte("{")).Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodPost, "/api/v1/processor/pause", operatorKey, nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, h, http.MethodGet, "/api/v1/queue/retry", operatorKey, nil).Code)
}

func TestQueueAPIAuditAndExport(t *testing.T) {
	env := newTestEnv(t, testAPIConfig())
	h := env.http.Handler()

	rec, _ := postWebhook(t, h, "Bearer "+testSecret, pricingEvent(map[string]any{"itemid": "A", "baseprice": 60}))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/v1/webhooks/audit?entity_id=A", readerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"result":"updated"`)

	rec = do(t, h, http.MethodGet, "/api/v1/queue/jobs/export", readerKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment;"))

	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows("Jobs")
	require.NoError(t, err)
	assert.Len(t, rows, 4)
}

func TestRouteLabel(t *testing.T) {
	assert.Equal(t, "/api/v1/queue/jobs/{id}", routeLabel("/api/v1/queue/jobs/17/cancel"))
	assert.Equal(t, "/api/v1/queue/jobs/export", routeLabel("/api/v1/queue/jobs/export"))
	assert.Equal(t, "/webhook", routeLabel("/webhook"))
}
