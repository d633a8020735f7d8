package client

import (
	"errors"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v4"
)

// Credentials holds one of the two supported login variants: a username and
// password pair, or a pre-issued access token. Exactly one variant may be
// active per login attempt.
type Credentials struct {
	Username    string
	Password    string
	AccessToken string
}

var (
	errNoCredentials    = errors.New("username and password are required")
	errMixedCredentials = errors.New("access token and username/password are mutually exclusive")
	errMalformedToken   = errors.New("access token is not a well-formed JWT")
)

// TokenMode reports whether the access-token variant is active.
func (c Credentials) TokenMode() bool {
	return c.AccessToken != ""
}

// Validate checks that exactly one credential variant is populated. In token
// mode the token must at least parse as a JWT; the signature is the
// registrar's problem, but a structurally broken token fails fast here
// instead of producing an opaque 401 later.
func (c Credentials) Validate() error {
	if c.TokenMode() {
		if c.Username != "" || c.Password != "" {
			return errMixedCredentials
		}
		parser := jwt.NewParser()
		if _, _, err := parser.ParseUnverified(c.AccessToken, jwt.MapClaims{}); err != nil {
			return errMalformedToken
		}
		return nil
	}
	if c.Username == "" || c.Password == "" {
		return errNoCredentials
	}
	return nil
}

// Identity returns the SIP username for the active variant: the configured
// username, or the token's sub claim in token mode.
func (c Credentials) Identity() string {
	if !c.TokenMode() {
		return c.Username
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, claims); err != nil {
		return ""
	}
	sub, _ := claims["sub"].(string)
	return sub
}

// TokenExpiryFallbackMS returns the exp claim of the access token in
// milliseconds, or 0 if absent. Used only until the registrar reports the
// authoritative expiry in its response header.
func (c Credentials) TokenExpiryFallbackMS() int64 {
	if !c.TokenMode() {
		return 0
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(c.AccessToken, claims); err != nil {
		return 0
	}
	// exp decodes as a float64 of epoch seconds.
	exp, ok := claims["exp"].(float64)
	if !ok || exp <= 0 {
		return 0
	}
	return int64(exp) * 1000
}

// parseTokenExpiryMS extracts the token expiry from a registration response
// header value. The registrar formats the value as segments delimited by ";",
// one of which is "exp=<seconds>". The first exp segment wins and the value
// is stored in milliseconds. Returns 0 when no expiry is present.
func parseTokenExpiryMS(headerValues []string) int64 {
	for _, v := range headerValues {
		for _, seg := range strings.Split(v, ";") {
			seg = strings.TrimSpace(seg)
			if !strings.HasPrefix(seg, "exp=") {
				continue
			}
			secs, err := strconv.ParseInt(strings.TrimSpace(seg[len("exp="):]), 10, 64)
			if err != nil || secs <= 0 {
				continue
			}
			return secs * 1000
		}
	}
	return 0
}
