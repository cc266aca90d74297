// Package client is the authenticated REST surface of the solver backend.
// Every call goes through the auth transport, which keeps the access token
// fresh underneath it.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/solvewatch/solvewatch/internal/api"
	"github.com/solvewatch/solvewatch/internal/auth"
	"github.com/solvewatch/solvewatch/internal/paths"
)

type Client struct {
	baseURL string
	http    *http.Client
	store   *auth.Store
}

// New builds a client whose requests carry (and transparently renew) the
// session from store. onSessionEnd fires once if a refresh ever fails.
func New(baseURL string, store *auth.Store, onSessionEnd func()) *Client {
	baseURL = strings.TrimRight(baseURL, "/")
	transport := &auth.Transport{
		Store:        store,
		Refresher:    auth.NewRefresher(baseURL, &http.Client{Timeout: 30 * time.Second}),
		OnSessionEnd: onSessionEnd,
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport, Timeout: 60 * time.Second},
		store:   store,
	}
}

// NewWithHTTPClient injects the HTTP client directly; used by tests.
func NewWithHTTPClient(baseURL string, hc *http.Client, store *auth.Store) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: hc, store: store}
}

// BaseURL returns the configured REST root.
func (c *Client) BaseURL() string { return c.baseURL }

// Claims decodes the stored access token, if any. Used for whoami and for
// gating staff-only commands client-side.
func (c *Client) Claims() (auth.Claims, bool) {
	pair, ok := c.store.Get()
	if !ok {
		return auth.Claims{}, false
	}
	claims, err := auth.DecodeClaims(pair.Access)
	if err != nil {
		return auth.Claims{}, false
	}
	return claims, true
}

// Login exchanges credentials for a token pair and persists it.
func (c *Client) Login(ctx context.Context, username, password string) (api.TokenPair, error) {
	var pair api.TokenPair
	err := c.postJSON(ctx, "/users/login/", api.LoginRequest{Username: username, Password: password}, &pair)
	if err != nil {
		return api.TokenPair{}, err
	}
	if err := c.store.Set(pair); err != nil {
		return api.TokenPair{}, fmt.Errorf("persist session: %w", err)
	}
	return pair, nil
}

// Register creates the account and then logs in with the new credentials, so
// a successful registration always ends with a live session.
func (c *Client) Register(ctx context.Context, req api.RegisterRequest) (api.TokenPair, error) {
	if err := c.postJSON(ctx, "/users/register/", req, nil); err != nil {
		return api.TokenPair{}, err
	}
	return c.Login(ctx, req.Username, req.Password)
}

// Logout drops the session locally. The backend keeps no session state worth
// revoking beyond token expiry.
func (c *Client) Logout() error {
	return c.store.Clear()
}

// ListTasks returns the caller's task summaries, newest first.
func (c *Client) ListTasks(ctx context.Context) ([]api.Task, error) {
	var tasks []api.Task
	if err := c.getJSON(ctx, "/tasks/", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask fetches the full snapshot for one task.
func (c *Client) GetTask(ctx context.Context, id int64) (*api.Task, error) {
	var t api.Task
	if err := c.getJSON(ctx, fmt.Sprintf("/tasks/%d/", id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// SubmitRequest is a new solve submission. Exactly one of MatrixText and
// SourceFile must be provided.
type SubmitRequest struct {
	Name         string
	MaxN         int
	SaveMatrices bool

	MatrixText     string
	SourceFile     io.Reader
	SourceFilename string
}

// Submit uploads a new task as multipart form data. A response with status
// "queued" is not an error; the returned snapshot carries the queue metadata.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*api.Task, error) {
	if (req.MatrixText == "") == (req.SourceFile == nil) {
		return nil, &ValidationError{Fields: map[string][]string{
			"matrix_text": {"provide either matrix_text or source_file, not both"},
		}}
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("name", req.Name); err != nil {
		return nil, err
	}
	if err := w.WriteField("max_n", strconv.Itoa(req.MaxN)); err != nil {
		return nil, err
	}
	if err := w.WriteField("save_matrices", strconv.FormatBool(req.SaveMatrices)); err != nil {
		return nil, err
	}
	if req.MatrixText != "" {
		if err := w.WriteField("matrix_text", req.MatrixText); err != nil {
			return nil, err
		}
	} else {
		name := req.SourceFilename
		if name == "" {
			name = "matrix.txt"
		}
		part, err := w.CreateFormFile("source_file", name)
		if err != nil {
			return nil, err
		}
		if _, err := io.Copy(part, req.SourceFile); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tasks/", &buf)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp)
	}

	var t api.Task
	if err := json.NewDecoder(resp.Body).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Cancel asks the backend to stop a task. The backend refuses for terminal
// statuses; that refusal comes back as a plain error, never a crash.
func (c *Client) Cancel(ctx context.Context, id int64) error {
	return c.postJSON(ctx, fmt.Sprintf("/tasks/%d/cancel/", id), nil, nil)
}

// Download streams the result file into destDir. The filename comes from
// Content-Disposition, falling back to result_task_<id>.txt; a JSON body on
// this endpoint is an error payload even on the download path.
func (c *Client) Download(ctx context.Context, id int64, destDir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/tasks/%d/download/", c.baseURL, id), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", decodeError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "application/json") {
		// The endpoint answered with a JSON error despite the 2xx.
		var body struct {
			Detail string `json:"detail"`
		}
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Detail != "" {
			return "", &APIError{Status: resp.StatusCode, Message: body.Detail}
		}
		return "", &APIError{Status: resp.StatusCode, Message: "unexpected json on download"}
	}

	filename := filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	if filename == "" {
		filename = fmt.Sprintf("result_task_%d.txt", id)
	}
	dest, err := paths.SafeResultPath(destDir, filename)
	if err != nil {
		return "", err
	}
	f, err := os.Create(dest)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return dest, nil
}

// Metrics fetches the staff monitoring report.
func (c *Client) Metrics(ctx context.Context) (*api.MetricsReport, error) {
	var m api.MetricsReport
	if err := c.getJSON(ctx, "/monitoring/metrics/", &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// AllTasks lists every task in the system (staff only).
func (c *Client) AllTasks(ctx context.Context) ([]api.Task, error) {
	var tasks []api.Task
	if err := c.getJSON(ctx, "/monitoring/all-tasks/", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return params["filename"]
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
