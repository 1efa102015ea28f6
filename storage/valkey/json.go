package valkey

import (
	"time"

	"github.com/authkit-io/oauth-server/storage"
)

// JSON representations stored in Valkey. Timestamps are Unix seconds so the
// Lua scripts can compare them without date parsing.

type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	ClientType              string   `json:"client_type"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	GrantTypes              []string `json:"grant_types"`
	Scopes                  []string `json:"scopes,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		ClientType:              c.ClientType,
		RedirectURIs:            c.RedirectURIs,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		GrantTypes:              c.GrantTypes,
		Scopes:                  c.Scopes,
		ClientName:              c.ClientName,
		CreatedAt:               c.CreatedAt.Unix(),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		ClientType:              j.ClientType,
		RedirectURIs:            j.RedirectURIs,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		GrantTypes:              j.GrantTypes,
		Scopes:                  j.Scopes,
		ClientName:              j.ClientName,
		CreatedAt:               time.Unix(j.CreatedAt, 0),
	}
}

type authorizationCodeJSON struct {
	Code                string `json:"code"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	CodeChallenge       string `json:"code_challenge,omitempty"`
	CodeChallengeMethod string `json:"code_challenge_method,omitempty"`
	UserID              string `json:"user_id"`
	IssuedAt            int64  `json:"issued_at"`
	ExpiresAt           int64  `json:"expires_at"`
	Consumed            bool   `json:"consumed"`
}

func toAuthorizationCodeJSON(c *storage.AuthorizationCode) *authorizationCodeJSON {
	return &authorizationCodeJSON{
		Code:                c.Code,
		ClientID:            c.ClientID,
		RedirectURI:         c.RedirectURI,
		Scope:               c.Scope,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		UserID:              c.UserID,
		IssuedAt:            c.IssuedAt.Unix(),
		ExpiresAt:           c.ExpiresAt.Unix(),
		Consumed:            c.Consumed,
	}
}

func fromAuthorizationCodeJSON(j *authorizationCodeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		UserID:              j.UserID,
		IssuedAt:            time.Unix(j.IssuedAt, 0),
		ExpiresAt:           time.Unix(j.ExpiresAt, 0),
		Consumed:            j.Consumed,
	}
}

type accessTokenJSON struct {
	JTI       string `json:"jti"`
	ClientID  string `json:"client_id"`
	UserID    string `json:"user_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
	Revoked   bool   `json:"revoked"`
}

func toAccessTokenJSON(t *storage.AccessToken) *accessTokenJSON {
	return &accessTokenJSON{
		JTI:       t.JTI,
		ClientID:  t.ClientID,
		UserID:    t.UserID,
		Scope:     t.Scope,
		IssuedAt:  t.IssuedAt.Unix(),
		ExpiresAt: t.ExpiresAt.Unix(),
		Revoked:   t.Revoked,
	}
}

func fromAccessTokenJSON(j *accessTokenJSON) *storage.AccessToken {
	return &storage.AccessToken{
		JTI:       j.JTI,
		ClientID:  j.ClientID,
		UserID:    j.UserID,
		Scope:     j.Scope,
		IssuedAt:  time.Unix(j.IssuedAt, 0),
		ExpiresAt: time.Unix(j.ExpiresAt, 0),
		Revoked:   j.Revoked,
	}
}

type refreshTokenJSON struct {
	JTI           string `json:"jti"`
	AccessTokenID string `json:"access_token_id,omitempty"`
	ClientID      string `json:"client_id"`
	UserID        string `json:"user_id"`
	Scope         string `json:"scope,omitempty"`
	FamilyID      string `json:"family_id"`
	Generation    int    `json:"generation"`
	IssuedAt      int64  `json:"issued_at"`
	ExpiresAt     int64  `json:"expires_at"`
	Revoked       bool   `json:"revoked"`
}

func toRefreshTokenJSON(t *storage.RefreshToken) *refreshTokenJSON {
	return &refreshTokenJSON{
		JTI:           t.JTI,
		AccessTokenID: t.AccessTokenID,
		ClientID:      t.ClientID,
		UserID:        t.UserID,
		Scope:         t.Scope,
		FamilyID:      t.FamilyID,
		Generation:    t.Generation,
		IssuedAt:      t.IssuedAt.Unix(),
		ExpiresAt:     t.ExpiresAt.Unix(),
		Revoked:       t.Revoked,
	}
}

func fromRefreshTokenJSON(j *refreshTokenJSON) *storage.RefreshToken {
	return &storage.RefreshToken{
		JTI:           j.JTI,
		AccessTokenID: j.AccessTokenID,
		ClientID:      j.ClientID,
		UserID:        j.UserID,
		Scope:         j.Scope,
		FamilyID:      j.FamilyID,
		Generation:    j.Generation,
		IssuedAt:      time.Unix(j.IssuedAt, 0),
		ExpiresAt:     time.Unix(j.ExpiresAt, 0),
		Revoked:       j.Revoked,
	}
}

type refreshTokenFamilyJSON struct {
	FamilyID   string `json:"family_id"`
	UserID     string `json:"user_id"`
	ClientID   string `json:"client_id"`
	Generation int    `json:"generation"`
	IssuedAt   int64  `json:"issued_at"`
	Revoked    bool   `json:"revoked"`
	RevokedAt  int64  `json:"revoked_at,omitempty"`
}

func toRefreshTokenFamilyJSON(f *storage.RefreshTokenFamily) *refreshTokenFamilyJSON {
	j := &refreshTokenFamilyJSON{
		FamilyID:   f.FamilyID,
		UserID:     f.UserID,
		ClientID:   f.ClientID,
		Generation: f.Generation,
		IssuedAt:   f.IssuedAt.Unix(),
		Revoked:    f.Revoked,
	}
	if !f.RevokedAt.IsZero() {
		j.RevokedAt = f.RevokedAt.Unix()
	}
	return j
}

func fromRefreshTokenFamilyJSON(j *refreshTokenFamilyJSON) *storage.RefreshTokenFamily {
	f := &storage.RefreshTokenFamily{
		FamilyID:   j.FamilyID,
		UserID:     j.UserID,
		ClientID:   j.ClientID,
		Generation: j.Generation,
		IssuedAt:   time.Unix(j.IssuedAt, 0),
		Revoked:    j.Revoked,
	}
	if j.RevokedAt > 0 {
		f.RevokedAt = time.Unix(j.RevokedAt, 0)
	}
	return f
}

type personalAccessTokenJSON struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name,omitempty"`
	SecretDigest string `json:"secret_digest"`
	Scope        string `json:"scope,omitempty"`
	CreatedAt    int64  `json:"created_at"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	LastUsedAt   int64  `json:"last_used_at,omitempty"`
	Revoked      bool   `json:"revoked"`
}

func toPersonalAccessTokenJSON(t *storage.PersonalAccessToken) *personalAccessTokenJSON {
	j := &personalAccessTokenJSON{
		ID:           t.ID,
		UserID:       t.UserID,
		Name:         t.Name,
		SecretDigest: t.SecretDigest,
		Scope:        t.Scope,
		CreatedAt:    t.CreatedAt.Unix(),
		Revoked:      t.Revoked,
	}
	if !t.ExpiresAt.IsZero() {
		j.ExpiresAt = t.ExpiresAt.Unix()
	}
	if !t.LastUsedAt.IsZero() {
		j.LastUsedAt = t.LastUsedAt.Unix()
	}
	return j
}

func fromPersonalAccessTokenJSON(j *personalAccessTokenJSON) *storage.PersonalAccessToken {
	t := &storage.PersonalAccessToken{
		ID:           j.ID,
		UserID:       j.UserID,
		Name:         j.Name,
		SecretDigest: j.SecretDigest,
		Scope:        j.Scope,
		CreatedAt:    time.Unix(j.CreatedAt, 0),
		Revoked:      j.Revoked,
	}
	if j.ExpiresAt > 0 {
		t.ExpiresAt = time.Unix(j.ExpiresAt, 0)
	}
	if j.LastUsedAt > 0 {
		t.LastUsedAt = time.Unix(j.LastUsedAt, 0)
	}
	return t
}
