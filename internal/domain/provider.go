package domain

import "strings"

// Provider wearable vendor identifier, also stored as BiomarkerReading.Source
type Provider string

const (
	ProviderOura        Provider = "oura"
	ProviderGoogleFit   Provider = "google_fit"
	ProviderAppleHealth Provider = "apple_health"
)

// ParseProvider accepts the canonical names plus the URL-friendly aliases used by the web client
func ParseProvider(s string) (Provider, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "oura":
		return ProviderOura, true
	case "google_fit", "google-fit", "googlefit":
		return ProviderGoogleFit, true
	case "apple_health", "apple-health", "apple", "healthkit":
		return ProviderAppleHealth, true
	}
	return "", false
}

// FileBased reports whether the provider ingests an uploaded export instead of calling a REST API
func (p Provider) FileBased() bool {
	return p == ProviderAppleHealth
}

func (p Provider) String() string {
	return string(p)
}
