package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wolfman30/crm-trigger-engine/internal/tenancy"
)

func TestRequireOrgIDPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		orgID, ok := tenancy.OrgIDFromContext(r.Context())
		if !ok || orgID != "org-abc" {
			t.Fatalf("expected org id propagated, got %s / %v", orgID, ok)
		}
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest(http.MethodGet, "/triggers", nil)
	req.Header.Set(tenancy.Header, " org-abc ")
	rr := httptest.NewRecorder()
	requireOrgID(next).ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected downstream status, got %d", rr.Code)
	}
}

func TestRequireOrgIDMissingHeader(t *testing.T) {
	handler := requireOrgID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run without a tenant")
	}))
	req := httptest.NewRequest(http.MethodGet, "/triggers", nil)
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing org, got %d", rr.Code)
	}
}

func TestRequireOrgIDRejectsMalformedHeader(t *testing.T) {
	handler := requireOrgID(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatalf("handler must not run with a malformed tenant")
	}))
	req := httptest.NewRequest(http.MethodGet, "/triggers", nil)
	req.Header.Set(tenancy.Header, "org 1; drop")
	rr := httptest.NewRecorder()

	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed org, got %d", rr.Code)
	}
}
