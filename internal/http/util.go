package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	apperrors "longevity-sync/pkg/errors"

	"go.uber.org/zap"
)

const maxJSONBody = 1 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps an AppError to its status; 5xx details only go to the log
func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Request failed", zap.String("code", apperrors.CodeOf(err)), zap.Error(err))
	}
	writeJSON(w, status, Fail(apperrors.PublicMessage(err)))
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

// parseTime accepts RFC3339 or a bare date; empty means unset
func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func readBodyJSON(r *http.Request, maxBytes int64, out any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBytes))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}
