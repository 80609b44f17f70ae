package domain

// CredentialKind discriminates Credential
type CredentialKind string

const (
	CredentialOAuthToken CredentialKind = "oauth_token"
	CredentialFileUpload CredentialKind = "file_upload"
)

// Credential is either an OAuth bearer token or the marker recorded for file-upload providers.
// The zero value is "no credential".
type Credential struct {
	Kind  CredentialKind
	Token string
}

func OAuthToken(token string) Credential {
	return Credential{Kind: CredentialOAuthToken, Token: token}
}

func FileUploadMarker() Credential {
	return Credential{Kind: CredentialFileUpload}
}

// Present reports whether the credential can be used for a sync
func (c Credential) Present() bool {
	switch c.Kind {
	case CredentialOAuthToken:
		return c.Token != ""
	case CredentialFileUpload:
		return true
	}
	return false
}

// IsOAuth reports whether c carries a bearer token
func (c Credential) IsOAuth() bool {
	return c.Kind == CredentialOAuthToken && c.Token != ""
}
