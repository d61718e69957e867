package auth

import (
	"errors"
	"net/http"
	"strings"
	"unsafe"

	"github.com/labstack/echo/v4"
)

var (
	ErrMissingAuthorization = errors.New("missing authorization header")
	ErrBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// BearerFromHeader returns the token of the first Authorization header.
func BearerFromHeader(header http.Header) ([]byte, error) {
	values := header.Values(echo.HeaderAuthorization)
	if len(values) == 0 {
		return nil, ErrMissingAuthorization
	}
	return bearerTokenFromString(values[0])
}

func bearerTokenFromString(raw string) ([]byte, error) {
	trimmed := strings.Trim(raw, " ")
	if trimmed == "" {
		return nil, ErrMissingAuthorization
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return nil, ErrBadAuthorization
	}
	token := trimmed[len(bearerPrefix):]
	if strings.Count(token, ".") != 2 {
		return nil, ErrBadAuthorization
	}
	return readOnlyBytes(token), nil
}

// The token bytes alias the header string and must not be modified.
func readOnlyBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return unsafe.Slice(unsafe.StringData(s), len(s))
}

func readOnlyString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return unsafe.String(&b[0], len(b))
}
