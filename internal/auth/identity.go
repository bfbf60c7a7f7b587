package auth

import (
	"net/http"
	"strings"
)

// TokenCookie is the cookie a browser client may carry its token in.
const TokenCookie = "wirechat_token"

// Identity is the user a connection handshake resolved to.
type Identity struct {
	UserID   int64
	Username string
	IsGuest  bool
}

// TokenFromRequest extracts a token from the Authorization header, the token
// query parameter or the token cookie, in that order.
func TokenFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		if token, ok := strings.CutPrefix(header, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}

// ResolveUser maps a handshake to an identity. A request without a token
// resolves to nil; a bad token is ErrInvalidToken.
func (s *Service) ResolveUser(r *http.Request) (*Identity, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return nil, nil
	}

	claims, err := s.ValidateToken(token)
	if err != nil {
		return nil, err
	}
	return &Identity{UserID: claims.UserID, Username: claims.Username, IsGuest: claims.IsGuest}, nil
}
