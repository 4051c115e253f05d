package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"board-sync/domain"
)

var (
	errMissingAuthorization = fmt.Errorf("%w: missing authorization header", domain.ErrAuthentication)
	errBadAuthorization     = fmt.Errorf("%w: bad auth header", domain.ErrAuthentication)
)

// authHeader returns the request's Authorization header, falling back to a
// token query parameter for browser websockets that cannot set headers.
func authHeader(r *http.Request) string {
	if h := r.Header.Get(echo.HeaderAuthorization); h != "" {
		return h
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return "Bearer " + token
	}
	return ""
}

// bearerToken extracts a compact JWT from "Bearer <token>".
func bearerToken(h string) (string, error) {
	h = strings.TrimSpace(h)
	if h == "" {
		return "", errMissingAuthorization
	}
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok || strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
