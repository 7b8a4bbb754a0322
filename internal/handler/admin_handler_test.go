package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/devrev/pairfs/internal/middleware"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/namesystem"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAdminRouter(t *testing.T) (http.Handler, *namesystem.Namesystem) {
	t.Helper()
	ns := newTestNamesystem(t)
	r := mux.NewRouter()
	NewAdminHandler(ns, zap.NewNop()).Routes(r)
	return middleware.RequestID(r), ns
}

func doJSON(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAdminHandler_SetQuotaPerPath(t *testing.T) {
	h, ns := newAdminRouter(t)
	ctx := context.Background()
	_, err := ns.Mkdirs(ctx, "/a", model.PermissionStatus{})
	require.NoError(t, err)
	_, err = ns.Create(ctx, namesystem.CreateRequest{Path: "/file", ClientName: "c"})
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPut, "/admin/v1/quota", `{"paths":["/a","/missing","/file"],"quota":10}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "ok", resp.Results[0].Status)
	assert.Equal(t, "PATH_NOT_FOUND", resp.Results[1].ErrorCode)
	assert.Equal(t, "NOT_A_DIRECTORY", resp.Results[2].ErrorCode)

	qu, err := ns.GetQuota(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, int64(10), qu.Quota.Namespace)
	assert.Equal(t, model.QuotaReset, qu.Quota.Space)
}

func TestAdminHandler_RejectsInvalidQuotaValues(t *testing.T) {
	h, _ := newAdminRouter(t)

	for _, value := range []string{"0", "-5", "9223372036854775807", "9223372036854775808", "1.5"} {
		w := doJSON(t, h, http.MethodPut, "/admin/v1/space-quota", `{"paths":["/"],"quota":`+value+`}`)
		assert.Equal(t, http.StatusBadRequest, w.Code, value)

		var resp ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "error", resp.Status)
		assert.Equal(t, "INVALID_ARGUMENT", resp.ErrorCode)
		assert.NotEmpty(t, resp.RequestID)
	}
}

func TestAdminHandler_ClearQuota(t *testing.T) {
	h, ns := newAdminRouter(t)
	ctx := context.Background()
	_, err := ns.Mkdirs(ctx, "/a", model.PermissionStatus{})
	require.NoError(t, err)
	require.NoError(t, ns.SetQuota(ctx, "/a", 5, 4096))

	w := doJSON(t, h, http.MethodDelete, "/admin/v1/quota", `{"paths":["/a","/"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Results[0].Status)
	assert.Equal(t, "INVALID_ARGUMENT", resp.Results[1].ErrorCode)

	// Setting a quota on the root is allowed.
	w = doJSON(t, h, http.MethodPut, "/admin/v1/quota", `{"paths":["/"],"quota":1000}`)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	w = doJSON(t, h, http.MethodDelete, "/admin/v1/space-quota", `{"paths":["/a"]}`)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	w = doJSON(t, h, http.MethodGet, "/admin/v1/quota?path=/a", "")
	require.Equal(t, http.StatusOK, w.Code)
	var qu namesystem.QuotaUsage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &qu))
	assert.Equal(t, model.QuotaReset, qu.Quota.Namespace)
	assert.Equal(t, model.QuotaReset, qu.Quota.Space)
}

func TestAdminHandler_GetQuotaErrors(t *testing.T) {
	h, _ := newAdminRouter(t)

	w := doJSON(t, h, http.MethodGet, "/admin/v1/quota", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodGet, "/admin/v1/quota?path=/nope", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminHandler_SafeMode(t *testing.T) {
	h, ns := newAdminRouter(t)

	w := doJSON(t, h, http.MethodPost, "/admin/v1/safemode/enter", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, ns.InSafeMode())

	w = doJSON(t, h, http.MethodPut, "/admin/v1/replication", `{"paths":["/x"],"replication":2}`)
	var resp BatchResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "SAFE_MODE", resp.Results[0].ErrorCode)

	w = doJSON(t, h, http.MethodGet, "/admin/v1/safemode", "")
	var st namesystem.SafeModeStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.True(t, st.On)
	assert.True(t, st.Manual)

	doJSON(t, h, http.MethodPost, "/admin/v1/safemode/leave", "")
	assert.False(t, ns.InSafeMode())
}

func TestAdminHandler_ReportAndRefresh(t *testing.T) {
	h, ns := newAdminRouter(t)
	_, err := ns.RegisterStorageNode(context.Background(), model.NodeRegistration{NodeID: "dn-1", Address: "dn-1:9866"})
	require.NoError(t, err)

	w := doJSON(t, h, http.MethodPost, "/admin/v1/nodes/refresh", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, h, http.MethodGet, "/admin/v1/report", "")
	require.Equal(t, http.StatusOK, w.Code)
	var report namesystem.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	require.Len(t, report.Nodes, 1)
	assert.Equal(t, model.NodeID("dn-1"), report.Nodes[0].NodeID)
	assert.Equal(t, 1, report.INodes)
}

func TestAdminHandler_MalformedBody(t *testing.T) {
	h, _ := newAdminRouter(t)

	w := doJSON(t, h, http.MethodPut, "/admin/v1/quota", `{"paths":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, h, http.MethodPut, "/admin/v1/quota", `{"paths":[],"quota":3}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
