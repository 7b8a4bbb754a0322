package handler

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"

	coorderrors "github.com/devrev/pairfs/internal/errors"
	"github.com/devrev/pairfs/internal/middleware"
	"github.com/devrev/pairfs/internal/model"
	"github.com/devrev/pairfs/internal/namesystem"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// AdminHandler serves operator commands over HTTP
type AdminHandler struct {
	ns     *namesystem.Namesystem
	logger *zap.Logger
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(ns *namesystem.Namesystem, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{ns: ns, logger: logger}
}

// ErrorResponse is the body of every failed admin request
type ErrorResponse struct {
	Status    string `json:"status"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// PathResult is the outcome of an admin command on one path
type PathResult struct {
	Path      string `json:"path"`
	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	Message   string `json:"message,omitempty"`
}

// BatchResponse reports a multi-path command. Status is "ok" only if
// every path succeeded.
type BatchResponse struct {
	Status  string       `json:"status"`
	Results []PathResult `json:"results"`
}

type quotaRequest struct {
	Paths []string    `json:"paths"`
	Quota json.Number `json:"quota"`
}

type clearRequest struct {
	Paths []string `json:"paths"`
}

type replicationRequest struct {
	Paths       []string `json:"paths"`
	Replication int16    `json:"replication"`
}

// Routes registers the admin endpoints on r
func (h *AdminHandler) Routes(r *mux.Router) {
	v1 := r.PathPrefix("/admin/v1").Subrouter()
	v1.HandleFunc("/quota", h.GetQuota).Methods(http.MethodGet)
	v1.HandleFunc("/quota", h.SetQuota).Methods(http.MethodPut)
	v1.HandleFunc("/quota", h.ClearQuota).Methods(http.MethodDelete)
	v1.HandleFunc("/space-quota", h.SetSpaceQuota).Methods(http.MethodPut)
	v1.HandleFunc("/space-quota", h.ClearSpaceQuota).Methods(http.MethodDelete)
	v1.HandleFunc("/replication", h.SetReplication).Methods(http.MethodPut)
	v1.HandleFunc("/safemode", h.GetSafeMode).Methods(http.MethodGet)
	v1.HandleFunc("/safemode/enter", h.EnterSafeMode).Methods(http.MethodPost)
	v1.HandleFunc("/safemode/leave", h.LeaveSafeMode).Methods(http.MethodPost)
	v1.HandleFunc("/nodes/refresh", h.RefreshNodes).Methods(http.MethodPost)
	v1.HandleFunc("/report", h.Report).Methods(http.MethodGet)
}

// parseQuota accepts a positive 64-bit count. The reset and don't-set
// sentinels are not valid input.
func parseQuota(n json.Number) (int64, error) {
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return 0, coorderrors.InvalidArgument("quota must be a 64-bit integer: "+n.String(), err)
	}
	if v <= 0 || v == math.MaxInt64 {
		return 0, coorderrors.InvalidArgument("quota must be positive and below 2^63-1: "+n.String(), nil)
	}
	return v, nil
}

// SetQuota sets the namespace quota of each path
func (h *AdminHandler) SetQuota(w http.ResponseWriter, r *http.Request) {
	h.setQuota(w, r, true)
}

// SetSpaceQuota sets the space quota of each path
func (h *AdminHandler) SetSpaceQuota(w http.ResponseWriter, r *http.Request) {
	h.setQuota(w, r, false)
}

func (h *AdminHandler) setQuota(w http.ResponseWriter, r *http.Request, namespace bool) {
	var req quotaRequest
	if !h.decode(w, r, &req) {
		return
	}
	quota, err := parseQuota(req.Quota)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	nsQuota, dsQuota := quota, model.QuotaDontSet
	if !namespace {
		nsQuota, dsQuota = model.QuotaDontSet, quota
	}
	h.eachPath(w, r, req.Paths, func(path string) error {
		return h.ns.SetQuota(r.Context(), path, nsQuota, dsQuota)
	})
}

// ClearQuota removes the namespace quota of each path. The root keeps
// its quota.
func (h *AdminHandler) ClearQuota(w http.ResponseWriter, r *http.Request) {
	h.clearQuota(w, r, true)
}

// ClearSpaceQuota removes the space quota of each path
func (h *AdminHandler) ClearSpaceQuota(w http.ResponseWriter, r *http.Request) {
	h.clearQuota(w, r, false)
}

func (h *AdminHandler) clearQuota(w http.ResponseWriter, r *http.Request, namespace bool) {
	var req clearRequest
	if !h.decode(w, r, &req) {
		return
	}
	nsQuota, dsQuota := model.QuotaReset, model.QuotaDontSet
	if !namespace {
		nsQuota, dsQuota = model.QuotaDontSet, model.QuotaReset
	}
	h.eachPath(w, r, req.Paths, func(path string) error {
		return h.ns.SetQuota(r.Context(), path, nsQuota, dsQuota)
	})
}

// SetReplication changes the target replication of each file
func (h *AdminHandler) SetReplication(w http.ResponseWriter, r *http.Request) {
	var req replicationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.Replication <= 0 {
		h.writeError(w, r, coorderrors.InvalidArgument("replication must be positive", nil))
		return
	}
	h.eachPath(w, r, req.Paths, func(path string) error {
		_, err := h.ns.SetReplication(r.Context(), path, req.Replication)
		return err
	})
}

// GetQuota returns the usage and quota of ?path=
func (h *AdminHandler) GetQuota(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		h.writeError(w, r, coorderrors.InvalidArgument("path query parameter is required", nil))
		return
	}
	qu, err := h.ns.GetQuota(r.Context(), path)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qu)
}

func (h *AdminHandler) GetSafeMode(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ns.SafeModeStatus())
}

func (h *AdminHandler) EnterSafeMode(w http.ResponseWriter, r *http.Request) {
	st := h.ns.EnterSafeMode()
	h.logger.Warn("Safe mode entered by operator", zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusOK, st)
}

func (h *AdminHandler) LeaveSafeMode(w http.ResponseWriter, r *http.Request) {
	st := h.ns.LeaveSafeMode()
	h.logger.Info("Safe mode left by operator", zap.String("request_id", middleware.GetRequestID(r.Context())))
	writeJSON(w, http.StatusOK, st)
}

// RefreshNodes rereads the hosts file and starts or stops decommissioning
func (h *AdminHandler) RefreshNodes(w http.ResponseWriter, r *http.Request) {
	if err := h.ns.RefreshNodes(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Report returns the cluster snapshot
func (h *AdminHandler) Report(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.ns.Report())
}

// eachPath applies fn to every path independently and reports each outcome
func (h *AdminHandler) eachPath(w http.ResponseWriter, r *http.Request, paths []string, fn func(string) error) {
	if len(paths) == 0 {
		h.writeError(w, r, coorderrors.InvalidArgument("at least one path is required", nil))
		return
	}
	resp := BatchResponse{Status: "ok", Results: make([]PathResult, 0, len(paths))}
	for _, p := range paths {
		res := PathResult{Path: p, Status: "ok"}
		if err := fn(p); err != nil {
			resp.Status = "error"
			res.Status = "error"
			res.ErrorCode = coorderrors.GetCode(err).String()
			res.Message = err.Error()
			h.logger.Warn("Admin command failed",
				zap.String("path", p),
				zap.String("route", r.URL.Path),
				zap.Error(err))
		}
		resp.Results = append(resp.Results, res)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *AdminHandler) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, r, coorderrors.InvalidArgument("malformed request body", err))
		return false
	}
	return true
}

func (h *AdminHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := coorderrors.GetCode(err)
	if code == coorderrors.ErrCodeInternal {
		h.logger.Error("Admin request failed", zap.String("route", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, httpStatus(code), ErrorResponse{
		Status:    "error",
		ErrorCode: code.String(),
		Message:   err.Error(),
		RequestID: middleware.GetRequestID(r.Context()),
	})
}

// httpStatus maps an error code onto an HTTP status
func httpStatus(code coorderrors.ErrorCode) int {
	switch code {
	case coorderrors.ErrCodeOK:
		return http.StatusOK
	case coorderrors.ErrCodeInvalidArgument, coorderrors.ErrCodeNotADirectory, coorderrors.ErrCodeIsADirectory:
		return http.StatusBadRequest
	case coorderrors.ErrCodePathNotFound, coorderrors.ErrCodeBlockNotFound, coorderrors.ErrCodeUnknownNode:
		return http.StatusNotFound
	case coorderrors.ErrCodeFileExists, coorderrors.ErrCodeLeaseConflict:
		return http.StatusConflict
	case coorderrors.ErrCodeDirNotEmpty, coorderrors.ErrCodeLeaseExpired, coorderrors.ErrCodeStaleGenerationStamp:
		return http.StatusPreconditionFailed
	case coorderrors.ErrCodeNSQuotaExceeded, coorderrors.ErrCodeDSQuotaExceeded:
		return http.StatusForbidden
	case coorderrors.ErrCodeSafeMode, coorderrors.ErrCodeRecoveryInProgress,
		coorderrors.ErrCodeNotReplicatedYet, coorderrors.ErrCodeInsufficientNodes,
		coorderrors.ErrCodeCallInProgress:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
