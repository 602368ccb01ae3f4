package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
)

var (
	errNoCredentials   = errors.New("missing authorization header")
	errBadAuthHeader   = errors.New("authorization header is not a bearer token")
	errEmptyCredential = errors.New("empty bearer token")
)

// authInfo is the authenticated caller of a request.
type authInfo struct {
	UserID string
	Role   string
}

func (a authInfo) isAdmin() bool { return a.Role == domain.RoleAdmin }

type (
	authKey     struct{}
	authSlotKey struct{}
)

// authSlot lets the outermost middleware observe who a request was
// authenticated as after the handler chain returns.
type authSlot struct {
	info authInfo
	set  bool
}

func withAuthSlot(ctx context.Context) (context.Context, *authSlot) {
	slot := &authSlot{}
	return context.WithValue(ctx, authSlotKey{}, slot), slot
}

func withAuth(ctx context.Context, info authInfo) context.Context {
	if slot, ok := ctx.Value(authSlotKey{}).(*authSlot); ok {
		slot.info, slot.set = info, true
	}
	return context.WithValue(ctx, authKey{}, info)
}

func authFrom(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(authKey{}).(authInfo)
	return info, ok
}

func actor(req *http.Request) authInfo {
	info, _ := authFrom(req.Context())
	return info
}

func (r *Router) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		info, err := r.authenticate(req)
		if err != nil {
			r.logger.Warn("request not authenticated", "error", err, "path", req.URL.Path)
			writeError(w, http.StatusUnauthorized, codeUnauthenticated, "authentication required")
			return
		}
		next(w, req.WithContext(withAuth(req.Context(), info)))
	}
}

// requireAdmin is requireAuth restricted to platform administrators.
func (r *Router) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return r.requireAuth(func(w http.ResponseWriter, req *http.Request) {
		if !actor(req).isAdmin() {
			writeError(w, http.StatusForbidden, codeForbidden, "administrator role required")
			return
		}
		next(w, req)
	})
}

func (r *Router) authenticate(req *http.Request) (authInfo, error) {
	token, err := credentials(req)
	if err != nil {
		return authInfo{}, err
	}
	user, _, err := r.svc.Auth.Authorize(req.Context(), token)
	if err != nil {
		return authInfo{}, err
	}
	return authInfo{UserID: user.ID, Role: user.Role}, nil
}

// require checks that the caller may perform action on the resource.
func (r *Router) require(req *http.Request, action, resourceType, resourceID string) error {
	info, ok := authFrom(req.Context())
	if !ok {
		return domain.ErrUnauthenticated
	}
	return r.svc.Permissions.Require(req.Context(), info.UserID, action, resourceType, resourceID)
}

// credentials reads the bearer token. Websocket and event-stream requests
// may carry it as the access_token query parameter, since browsers cannot
// set headers on them.
func credentials(req *http.Request) (string, error) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	if header == "" {
		if q := strings.TrimSpace(req.URL.Query().Get("access_token")); q != "" && isStreamPath(req.URL.Path) {
			return q, nil
		}
		return "", errNoCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", errBadAuthHeader
	}
	switch token = strings.TrimSpace(token); {
	case token == "":
		return "", errEmptyCredential
	case strings.ContainsAny(token, " \t"):
		return "", errBadAuthHeader
	}
	return token, nil
}

func isStreamPath(path string) bool {
	return strings.HasPrefix(path, apiPrefix+"/ws/") || strings.HasPrefix(path, apiPrefix+"/events/")
}
