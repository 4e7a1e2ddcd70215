package game

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const loginPage = `<html><form method="POST" action="/login">
<input type="hidden" name="_token" value="csrf-abc123">
</form></html>`

const homePage = `<html><head>
<meta name="api-token" content="api-token-xyz">
</head></html>`

func newLoginServer(t *testing.T, acceptPassword string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/credentials", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(loginPage))
	})
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if r.FormValue("_token") != "csrf-abc123" {
			http.Error(w, "csrf mismatch", http.StatusForbidden)
			return
		}
		if r.FormValue("password") != acceptPassword {
			http.Redirect(w, r, "/login/credentials", http.StatusFound)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "laravelsession", Value: "sess-1", Path: "/"})
		http.SetCookie(w, &http.Cookie{Name: "XSRF-TOKEN", Value: "tok%3Dvalue", Path: "/"})
		http.Redirect(w, r, "/home", http.StatusFound)
	})
	mux.HandleFunc("/home", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(homePage))
	})
	return httptest.NewServer(mux)
}

func TestAuthenticator_Login(t *testing.T) {
	srv := newLoginServer(t, "hunter2")
	defer srv.Close()

	auth := NewAuthenticator(srv.URL)
	creds, err := auth.Login(context.Background(), "user@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if creds.LaravelSession != "sess-1" {
		t.Errorf("Expected session cookie sess-1, got %q", creds.LaravelSession)
	}
	if creds.XSRFToken != "tok=value" {
		t.Errorf("Expected URL-decoded XSRF token tok=value, got %q", creds.XSRFToken)
	}
	if creds.APIToken != "api-token-xyz" {
		t.Errorf("Expected api token api-token-xyz, got %q", creds.APIToken)
	}
}

func TestAuthenticator_LoginRejected(t *testing.T) {
	srv := newLoginServer(t, "hunter2")
	defer srv.Close()

	auth := NewAuthenticator(srv.URL)
	_, err := auth.Login(context.Background(), "user@example.com", "wrong")
	if err == nil {
		t.Fatal("Expected error for rejected credentials")
	}
}

func TestAuthenticator_EmptyCredentials(t *testing.T) {
	auth := NewAuthenticator("http://localhost:1")
	if _, err := auth.Login(context.Background(), "", ""); err == nil {
		t.Fatal("Expected error for empty credentials")
	}
}

func TestExtractCSRFToken(t *testing.T) {
	cases := []struct {
		name string
		html string
		want string
	}{
		{"input name first", `<input name="_token" value="t1">`, "t1"},
		{"value first", `<input value="t2" name="_token">`, "t2"},
		{"meta tag", `<meta name="csrf-token" content="t3">`, "t3"},
		{"absent", `<html></html>`, ""},
	}
	for _, c := range cases {
		if got := extractCSRFToken(c.html); got != c.want {
			t.Errorf("%s: expected %q, got %q", c.name, c.want, got)
		}
	}
}

func TestExtractAPIToken(t *testing.T) {
	if got := extractAPIToken(`<meta content="a1" name="api-token">`); got != "a1" {
		t.Errorf("Expected a1 from reversed attribute order, got %q", got)
	}
	if got := extractAPIToken(`<html></html>`); got != "" {
		t.Errorf("Expected empty token, got %q", got)
	}
}
