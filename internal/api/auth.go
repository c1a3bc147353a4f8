package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/banshee-data/aoi.edge/internal/config"
	"github.com/banshee-data/aoi.edge/internal/httputil"
)

// Capabilities granted to roles.
const (
	capMotion = "motion"
	capTeach  = "teach"
	capRun    = "run"
	capReview = "review"
	capUpload = "upload"
)

var roleCapabilities = map[string]map[string]bool{
	config.RoleEngineer: {capMotion: true, capTeach: true, capRun: true, capReview: true, capUpload: true},
	config.RoleOperator: {capRun: true, capReview: true},
}

// roleFor returns the role of the bearer token on r, or "" if the token is
// missing or unknown.
func roleFor(r *http.Request, tokens map[string]string) string {
	h := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(h, "Bearer ")
	if !ok {
		return ""
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	for t, role := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			return role
		}
	}
	return ""
}

// authorize reports whether r may proceed holding any one of caps, writing
// a 401 or 403 when it may not. With no tokens configured every request
// is allowed.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, caps ...string) bool {
	tokens := s.config().APITokens
	if len(tokens) == 0 {
		return true
	}
	role := roleFor(r, tokens)
	if role == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="aoi-edge"`)
		httputil.WriteJSONError(w, http.StatusUnauthorized, "unauthorized", "missing or unknown bearer token")
		return false
	}
	for _, c := range caps {
		if roleCapabilities[role][c] {
			return true
		}
	}
	httputil.WriteJSONError(w, http.StatusForbidden, "forbidden", "role "+role+" may not "+strings.Join(caps, " or "))
	return false
}
