package gateway

import (
	"time"

	"golang.org/x/oauth2"
)

// lstTokenSource adapts Signer.EnsureLiveSessionToken to the
// oauth2.TokenSource interface. This module signs with OAuth 1.0a, not
// OAuth2, so Exchange/AuthCodeURL are never called — only the
// refresh-on-demand TokenSource idiom is reused, letting callers that
// already wire oauth2.ReuseTokenSource-shaped code plug this module in
// without learning a second token-refresh convention. Grounded on the
// teacher's authClient.GetAccessToken/GetHTTPClient pair in
// adapter/oauth.go, which serves the identical "give me a currently
// valid credential, refreshing if needed" role.
type lstTokenSource struct {
	signer *Signer
}

// TokenSource returns an oauth2.TokenSource backed by s. The returned
// token's AccessToken field is the base64 live session token; Expiry is
// the handshake's asserted expiration.
func (s *Signer) TokenSource() oauth2.TokenSource {
	return oauth2.ReuseTokenSource(nil, &lstTokenSource{signer: s})
}

// Token implements oauth2.TokenSource.
func (ts *lstTokenSource) Token() (*oauth2.Token, error) {
	if _, err := ts.signer.EnsureLiveSessionToken(); err != nil {
		return nil, err
	}
	ts.signer.mu.Lock()
	defer ts.signer.mu.Unlock()
	return &oauth2.Token{
		AccessToken: ts.signer.session.tokenB64,
		TokenType:   "OAuth",
		Expiry:      time.UnixMilli(ts.signer.session.expiresAtMS),
	}, nil
}
