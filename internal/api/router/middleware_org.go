package router

import (
	"encoding/json"
	"net/http"

	"github.com/wolfman30/crm-trigger-engine/internal/tenancy"
)

// requireOrgID puts the tenant from X-Org-Id into the request context.
// Management routes cannot be called without it.
func requireOrgID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, err := tenancy.FromHeader(r.Header)
		switch {
		case err != nil:
			writeOrgError(w, "invalid "+tenancy.Header)
			return
		case orgID == "":
			writeOrgError(w, "missing "+tenancy.Header)
			return
		}
		next.ServeHTTP(w, r.WithContext(tenancy.WithOrgID(r.Context(), orgID)))
	})
}

func writeOrgError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
