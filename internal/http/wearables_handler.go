package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"longevity-sync/internal/domain"
	"longevity-sync/internal/provider"
	"longevity-sync/internal/repository"
	"longevity-sync/internal/service"
	apperrors "longevity-sync/pkg/errors"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// multipartMemory parts above this spill to temp files
const multipartMemory = 32 << 20

// WearableService the sync service surface used by the handlers
type WearableService interface {
	Sync(ctx context.Context, req service.SyncRequest) (*service.SyncResult, error)
	ConnectionStatus(ctx context.Context, userID string, p domain.Provider) (*service.ConnectionStatus, error)
	Disconnect(ctx context.Context, userID string, p domain.Provider) error
	Readings(ctx context.Context, filter repository.ReadingFilters) ([]*domain.BiomarkerReading, error)
}

type WearablesHandler struct {
	svc            WearableService
	maxUploadBytes int64
	logger         *zap.Logger
}

func NewWearablesHandler(svc WearableService, maxUploadBytes int64, logger *zap.Logger) *WearablesHandler {
	return &WearablesHandler{svc: svc, maxUploadBytes: maxUploadBytes, logger: logger}
}

type syncRequestBody struct {
	UserID      string `json:"userId"`
	AccessToken string `json:"accessToken"`
}

// syncResponse per-category counts are normalized readings, before dedup
type syncResponse struct {
	SyncID            string       `json:"syncId"`
	Synced            int          `json:"synced"`
	Inserted          int          `json:"inserted"`
	Reward            json.Number  `json:"reward"`
	TotalTokensEarned *json.Number `json:"totalTokensEarned,omitempty"`
	Steps             int          `json:"steps"`
	HeartRate         int          `json:"heartRate"`
	Sleep             int          `json:"sleep"`
	HRV               int          `json:"hrv"`
	Readiness         int          `json:"readiness"`
	Activity          int          `json:"activity"`
	FailedMetrics     []string     `json:"failedMetrics"`
}

func newSyncResponse(res *service.SyncResult) syncResponse {
	out := syncResponse{
		SyncID:        res.SyncID,
		Synced:        res.Synced,
		Inserted:      res.Inserted,
		Reward:        json.Number(res.Reward.String()),
		Steps:         res.Counts[provider.CategorySteps],
		HeartRate:     res.Counts[provider.CategoryHeartRate],
		Sleep:         res.Counts[provider.CategorySleep],
		HRV:           res.Counts[provider.CategoryHRV],
		Readiness:     res.Counts[provider.CategoryReadiness],
		Activity:      res.Counts[provider.CategoryActivity],
		FailedMetrics: make([]string, 0, len(res.FailedMetrics)),
	}
	if res.TotalTokensEarned != nil {
		total := json.Number(res.TotalTokensEarned.String())
		out.TotalTokensEarned = &total
	}
	for _, c := range res.FailedMetrics {
		out.FailedMetrics = append(out.FailedMetrics, string(c))
	}
	return out
}

func (h *WearablesHandler) providerFromPath(r *http.Request) (domain.Provider, error) {
	raw := mux.Vars(r)["provider"]
	p, ok := domain.ParseProvider(raw)
	if !ok {
		return "", apperrors.NotFound(fmt.Sprintf("Unknown provider: %s", raw))
	}
	return p, nil
}

// Sync POST /api/wearables/{provider}/sync
// REST providers take JSON {userId, accessToken}; file providers a multipart form with userId + file.
func (h *WearablesHandler) Sync(w http.ResponseWriter, r *http.Request) {
	p, err := h.providerFromPath(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	var req service.SyncRequest
	if p.FileBased() {
		cleanup, err := h.parseUpload(w, r, p, &req)
		if err != nil {
			writeError(w, h.logger, err)
			return
		}
		defer cleanup()
	} else {
		var body syncRequestBody
		if err := readBodyJSON(r, maxJSONBody, &body); err != nil {
			writeError(w, h.logger, apperrors.Validation("Invalid JSON body"))
			return
		}
		req = service.SyncRequest{UserID: body.UserID, Provider: p}
		if body.AccessToken != "" {
			req.Credential = domain.OAuthToken(body.AccessToken)
		}
	}

	res, err := h.svc.Sync(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(newSyncResponse(res)))
}

// parseUpload fills req from a multipart form. A missing file leaves req.Export nil so the
// service reports the missing field.
func (h *WearablesHandler) parseUpload(w http.ResponseWriter, r *http.Request, p domain.Provider, req *service.SyncRequest) (func(), error) {
	noop := func() {}
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return noop, apperrors.Validation(fmt.Sprintf("Upload exceeds %d bytes", h.maxUploadBytes))
		}
		return noop, apperrors.Validation("Missing required fields: userId and file")
	}

	req.UserID = r.FormValue("userId")
	req.Provider = p

	file, header, err := r.FormFile("file")
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return func() { _ = r.MultipartForm.RemoveAll() }, nil
		}
		return noop, apperrors.Validation("Invalid Apple Health export file")
	}
	req.Export = &provider.ExportFile{Name: header.Filename, Reader: file, Size: header.Size}

	return func() {
		_ = file.Close()
		_ = r.MultipartForm.RemoveAll()
	}, nil
}

// Status GET /api/wearables/{provider}/status?userId=
func (h *WearablesHandler) Status(w http.ResponseWriter, r *http.Request) {
	p, err := h.providerFromPath(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	st, err := h.svc.ConnectionStatus(r.Context(), r.URL.Query().Get("userId"), p)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Disconnect POST /api/wearables/{provider}/disconnect {userId}
func (h *WearablesHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	p, err := h.providerFromPath(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	var body struct {
		UserID string `json:"userId"`
	}
	if err := readBodyJSON(r, maxJSONBody, &body); err != nil {
		writeError(w, h.logger, apperrors.Validation("Invalid JSON body"))
		return
	}
	if err := h.svc.Disconnect(r.Context(), body.UserID, p); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"disconnected": true}))
}

func (h *WearablesHandler) readingsFilter(r *http.Request) (repository.ReadingFilters, error) {
	q := r.URL.Query()
	filter := repository.ReadingFilters{
		UserID: q.Get("userId"),
		Metric: domain.Metric(q.Get("metric")),
		Limit:  parseInt(q.Get("limit"), 0),
	}
	if src := q.Get("source"); src != "" {
		p, ok := domain.ParseProvider(src)
		if !ok {
			return filter, apperrors.Validation(fmt.Sprintf("Unknown source: %s", src))
		}
		filter.Source = p
	}
	from, err := parseTime(q.Get("from"))
	if err != nil {
		return filter, apperrors.Validation("Invalid from")
	}
	to, err := parseTime(q.Get("to"))
	if err != nil {
		return filter, apperrors.Validation("Invalid to")
	}
	filter.From, filter.To = from, to
	return filter, nil
}

// ListReadings GET /api/wearables/readings?userId=&metric=&source=&from=&to=&limit=
func (h *WearablesHandler) ListReadings(w http.ResponseWriter, r *http.Request) {
	filter, err := h.readingsFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	readings, err := h.svc.Readings(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": readings,
		"total": len(readings),
	}))
}

// ExportReadings GET /api/wearables/readings/export, same filters as ListReadings
func (h *WearablesHandler) ExportReadings(w http.ResponseWriter, r *http.Request) {
	filter, err := h.readingsFilter(r)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	readings, err := h.svc.Readings(r.Context(), filter)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}

	data, err := GenerateReadingsExport(readings)
	if err != nil {
		writeError(w, h.logger, apperrors.New(apperrors.ErrInternal, "failed to generate export", err))
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", "attachment; filename=biomarker-readings.xlsx")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
