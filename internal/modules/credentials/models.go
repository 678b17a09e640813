// Package credentials stores per-account OAuth credentials for the Schwab
// integration. Pure storage; token refresh decisions live in the
// oauthtokens module.
package credentials

import "time"

// OAuthCredential holds the OAuth application and token state for one
// linked account.
//
// Invariant: AccessToken is only used for API calls while
// now < AccessTokenExpiresAt - grace period; otherwise a refresh must
// happen first (enforced by oauthtokens.Service).
type OAuthCredential struct {
	ID                   int64  `json:"id"`
	UserID               int64  `json:"user_id"`
	LinkedAccountID      int64  `json:"linked_account_id"`
	AppKey               string `json:"app_key"`
	AppSecret            string `json:"-"`
	AccessToken          string `json:"-"`
	RefreshToken         string `json:"-"`
	AccessTokenExpiresAt int64  `json:"access_token_expires_at"` // Unix seconds, 0 = no token
	NeedsReauth          bool   `json:"needs_reauth"`
	UpdatedAt            int64  `json:"updated_at"`
}

// HasToken reports whether an access token has ever been issued for this
// credential.
func (c *OAuthCredential) HasToken() bool {
	return c.AccessToken != "" && c.AccessTokenExpiresAt > 0
}

// ExpiresWithin reports whether the access token expires within d of now.
func (c *OAuthCredential) ExpiresWithin(now time.Time, d time.Duration) bool {
	return now.Add(d).Unix() >= c.AccessTokenExpiresAt
}
