package provider

import (
	"errors"
	"fmt"
	"time"

	"longevity-sync/internal/domain"
	apperrors "longevity-sync/pkg/errors"
)

// Source what the caller brought for one sync: a stored/submitted credential or an upload
type Source struct {
	Credential domain.Credential
	Export     *ExportFile
}

// AdapterFactory resolves the adapter and fetch window for one sync
type AdapterFactory interface {
	Adapter(p domain.Provider, src Source, now time.Time) (Adapter, Window, error)
}

// Registry the production factory; REST clients are shared across users
type Registry struct {
	Oura       *OuraClient
	GoogleFit  *GoogleFitClient
	WindowDays int
}

var _ AdapterFactory = (*Registry)(nil)

func (r *Registry) Adapter(p domain.Provider, src Source, now time.Time) (Adapter, Window, error) {
	days := r.WindowDays
	if days <= 0 {
		days = DefaultWindowDays
	}

	switch p {
	case domain.ProviderOura, domain.ProviderGoogleFit:
		if !src.Credential.IsOAuth() {
			return nil, Window{}, apperrors.Validation("Missing required fields: userId and accessToken")
		}
		w := TrailingWindow(now, days)
		if p == domain.ProviderOura {
			if r.Oura == nil {
				return nil, Window{}, apperrors.New(apperrors.ErrInternal, "oura client not configured", nil)
			}
			return &ouraAdapter{client: r.Oura, token: src.Credential.Token}, w, nil
		}
		if r.GoogleFit == nil {
			return nil, Window{}, apperrors.New(apperrors.ErrInternal, "google fit client not configured", nil)
		}
		return &googleFitAdapter{client: r.GoogleFit, token: src.Credential.Token}, w, nil

	case domain.ProviderAppleHealth:
		if src.Export == nil {
			return nil, Window{}, apperrors.Validation("Missing required fields: userId and file")
		}
		export, err := ParseAppleHealthExport(*src.Export)
		if err != nil {
			if errors.Is(err, ErrInvalidExport) {
				return nil, Window{}, apperrors.New(apperrors.ErrValidation, "Invalid Apple Health export file", err)
			}
			return nil, Window{}, fmt.Errorf("failed to parse apple health export: %w", err)
		}
		return &appleHealthAdapter{export: export}, export.Window(), nil
	}

	return nil, Window{}, apperrors.Validation(fmt.Sprintf("unsupported provider: %s", p))
}
