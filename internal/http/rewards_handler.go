package httpapi

import (
	"context"
	"net/http"

	"longevity-sync/internal/domain"

	"go.uber.org/zap"
)

// ContributionLister ledger read access
type ContributionLister interface {
	Contributions(ctx context.Context, userID string, page, size int) ([]*domain.DesciContribution, int, error)
}

type RewardsHandler struct {
	svc    ContributionLister
	logger *zap.Logger
}

func NewRewardsHandler(svc ContributionLister, logger *zap.Logger) *RewardsHandler {
	return &RewardsHandler{svc: svc, logger: logger}
}

// ListContributions GET /api/rewards/contributions?userId=&page=&size=
func (h *RewardsHandler) ListContributions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseInt(q.Get("page"), 1)
	size := parseInt(q.Get("size"), 50)

	items, total, err := h.svc.Contributions(r.Context(), q.Get("userId"), page, size)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]any{
		"items": items,
		"total": total,
		"page":  page,
		"size":  size,
	}))
}
