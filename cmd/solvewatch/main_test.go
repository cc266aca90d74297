package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func mintAccessToken(t *testing.T, username string, staff bool, exp time.Time) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"token_type": "access",
		"exp":        exp.Unix(),
		"user_id":    1,
		"username":   username,
		"is_staff":   staff,
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	seg := base64.RawURLEncoding.EncodeToString
	return seg([]byte(`{"alg":"HS256"}`)) + "." + seg(payload) + "." + seg([]byte("sig"))
}

func setupBackend(t *testing.T, access string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/users/login/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.Password != "pw" {
			http.Error(w, `{"detail":"No active account found with the given credentials"}`, http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access":"` + access + `","refresh":"r1"}`))
	})
	mux.HandleFunc("/tasks/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodPost {
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, `{"detail":"bad form"}`, http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":7,"uuid":"11111111-2222-3333-4444-555555555555","name":"` + r.FormValue("name") + `","status":"pending"}`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":7,"status":"running"},{"id":8,"status":"completed"}]`))
	})
	mux.HandleFunc("/tasks/7/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":7,"uuid":"11111111-2222-3333-4444-555555555555","name":"big solve","status":"running","last_progress":{"stage":"Decomposition","percentage":40}}`))
	})
	mux.HandleFunc("/tasks/7/cancel/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"cancellation requested"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T, baseURL string) {
	t.Helper()
	t.Setenv("SOLVEWATCH_STATE_DIR", t.TempDir())
	t.Setenv("SOLVEWATCH_BASE_URL", baseURL)
}

func TestRun_Version(t *testing.T) {
	out := &bytes.Buffer{}
	if code := run([]string{"version"}, out, &bytes.Buffer{}); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.HasPrefix(out.String(), "solvewatch ") {
		t.Fatalf("output = %q", out.String())
	}
}

func TestRun_UsageOnUnknownCommand(t *testing.T) {
	errOut := &bytes.Buffer{}
	if code := run([]string{"frobnicate"}, &bytes.Buffer{}, errOut); code != 2 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut.String(), "usage:") {
		t.Fatalf("stderr = %q", errOut.String())
	}
	if code := run(nil, &bytes.Buffer{}, errOut); code != 2 {
		t.Fatalf("no-args exit code %d", code)
	}
}

func TestRun_LoginWhoamiLogout(t *testing.T) {
	access := mintAccessToken(t, "ada", false, time.Now().Add(time.Hour))
	srv := setupBackend(t, access)
	setupEnv(t, srv.URL)

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	if code := run([]string{"login", "--username", "ada", "--password", "pw"}, out, errOut); code != 0 {
		t.Fatalf("login exit %d, stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "logged in as ada") {
		t.Fatalf("login output = %q", out.String())
	}

	out.Reset()
	if code := run([]string{"whoami"}, out, errOut); code != 0 {
		t.Fatalf("whoami exit %d, stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "ada (user)") {
		t.Fatalf("whoami output = %q", out.String())
	}

	out.Reset()
	if code := run([]string{"logout"}, out, errOut); code != 0 {
		t.Fatalf("logout exit %d", code)
	}

	errOut.Reset()
	if code := run([]string{"whoami"}, out, errOut); code != 1 {
		t.Fatalf("whoami after logout exit %d", code)
	}
	if !strings.Contains(errOut.String(), "not logged in") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRun_LoginFailure(t *testing.T) {
	access := mintAccessToken(t, "ada", false, time.Now().Add(time.Hour))
	srv := setupBackend(t, access)
	setupEnv(t, srv.URL)

	errOut := &bytes.Buffer{}
	code := run([]string{"login", "--username", "ada", "--password", "wrong"}, &bytes.Buffer{}, errOut)
	if code != 1 {
		t.Fatalf("exit code %d", code)
	}
	if !strings.Contains(errOut.String(), "No active account") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}

func TestRun_SubmitStatusList(t *testing.T) {
	access := mintAccessToken(t, "ada", false, time.Now().Add(time.Hour))
	srv := setupBackend(t, access)
	setupEnv(t, srv.URL)

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	if code := run([]string{"login", "--username", "ada", "--password", "pw"}, out, errOut); code != 0 {
		t.Fatalf("login exit %d", code)
	}

	out.Reset()
	code := run([]string{"submit", "--name", "big solve", "--matrix-text", "1 2\n3 4"}, out, errOut)
	if code != 0 {
		t.Fatalf("submit exit %d, stderr=%s", code, errOut.String())
	}
	var task map[string]any
	if err := json.Unmarshal(out.Bytes(), &task); err != nil {
		t.Fatalf("submit output not json: %v; %s", err, out.String())
	}
	if task["id"] != float64(7) || task["status"] != "pending" {
		t.Fatalf("submit task = %v", task)
	}

	out.Reset()
	if code := run([]string{"status", "7"}, out, errOut); code != 0 {
		t.Fatalf("status exit %d", code)
	}
	if err := json.Unmarshal(out.Bytes(), &task); err != nil {
		t.Fatalf("status output not json: %v", err)
	}
	if task["status"] != "running" {
		t.Fatalf("status task = %v", task)
	}

	out.Reset()
	if code := run([]string{"list"}, out, errOut); code != 0 {
		t.Fatalf("list exit %d", code)
	}
	var tasks []map[string]any
	if err := json.Unmarshal(out.Bytes(), &tasks); err != nil {
		t.Fatalf("list output not json: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("list returned %d tasks", len(tasks))
	}

	// The journal saw both the submit and the status fetch.
	out.Reset()
	if code := run([]string{"recent"}, out, errOut); code != 0 {
		t.Fatalf("recent exit %d, stderr=%s", code, errOut.String())
	}
	var entries []map[string]any
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("recent output not json: %v; %s", err, out.String())
	}
	if len(entries) != 1 || entries[0]["task_id"] != float64(7) {
		t.Fatalf("recent entries = %v", entries)
	}
	if entries[0]["status"] != "running" {
		t.Fatalf("journal status = %v, want the later fetch to win", entries[0]["status"])
	}
}

func TestRun_Cancel(t *testing.T) {
	access := mintAccessToken(t, "ada", false, time.Now().Add(time.Hour))
	srv := setupBackend(t, access)
	setupEnv(t, srv.URL)

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	if code := run([]string{"login", "--username", "ada", "--password", "pw"}, out, errOut); code != 0 {
		t.Fatalf("login exit %d", code)
	}
	out.Reset()
	if code := run([]string{"cancel", "7"}, out, errOut); code != 0 {
		t.Fatalf("cancel exit %d, stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "cancel requested for task 7") {
		t.Fatalf("output = %q", out.String())
	}
	if code := run([]string{"cancel", "nope"}, out, errOut); code != 2 {
		t.Fatalf("bad id exit %d", code)
	}
}

func TestRun_StaffGates(t *testing.T) {
	access := mintAccessToken(t, "ada", false, time.Now().Add(time.Hour))
	srv := setupBackend(t, access)
	setupEnv(t, srv.URL)

	out, errOut := &bytes.Buffer{}, &bytes.Buffer{}
	if code := run([]string{"login", "--username", "ada", "--password", "pw"}, out, errOut); code != 0 {
		t.Fatalf("login exit %d", code)
	}
	errOut.Reset()
	if code := run([]string{"metrics"}, out, errOut); code != 1 {
		t.Fatalf("metrics exit %d for non-staff", code)
	}
	if !strings.Contains(errOut.String(), "staff access required") {
		t.Fatalf("stderr = %q", errOut.String())
	}
}
