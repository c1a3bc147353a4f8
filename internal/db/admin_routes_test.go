package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
)

func TestAttachAdminRoutes(t *testing.T) {
	db, err := NewDB(filepath.Join(t.TempDir(), "admin.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	defer db.Close()

	mux := http.NewServeMux()
	db.AttachAdminRoutes(mux)

	for _, path := range []string{"/debug/backup", "/debug/tailsql/"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, path, nil)
			req.RemoteAddr = "127.0.0.1:12345"
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)

			// Registered routes may still refuse non-local callers.
			if w.Code == http.StatusNotFound {
				t.Fatalf("route %s should be registered, got 404", path)
			}
			if path == "/debug/backup" && w.Code == http.StatusOK {
				if w.Header().Get("Content-Disposition") == "" {
					t.Error("Expected Content-Disposition header for backup download")
				}
			}
		})
	}
}
