package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"
)

// fakeServer is an in-memory persistence API keyed by collection.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	data     map[string][]map[string]any
	reject   map[string]rejection // "METHOD /path" -> rejection
	nextID   int
	requests []string
}

type rejection struct {
	status  int
	message string
}

// idFields mirrors the built-in schema.
var idFields = map[string]string{"members": "id"}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:      t,
		data:   make(map[string][]map[string]any),
		reject: make(map[string]rejection),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) URL() string { return f.srv.URL }

func (f *fakeServer) seed(collection string, recs ...map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[collection] = append(f.data[collection], recs...)
}

func (f *fakeServer) rejectWith(method, path string, status int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reject[method+" "+path] = rejection{status: status, message: message}
}

func (f *fakeServer) idField(collection string) string {
	if id, ok := idFields[collection]; ok {
		return id
	}
	return "_id"
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if rej, ok := f.reject[r.Method+" "+r.URL.Path]; ok {
		w.WriteHeader(rej.status)
		fmt.Fprintf(w, `{"message":%q}`, rej.message)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	collection := parts[0]
	idField := f.idField(collection)

	var body map[string]any
	if r.Body != nil {
		data, _ := io.ReadAll(r.Body)
		if len(data) > 0 {
			if err := json.Unmarshal(data, &body); err != nil {
				f.t.Errorf("fake server: bad body %q: %v", data, err)
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		}
	}

	switch {
	case r.Method == http.MethodGet && len(parts) == 1:
		recs := f.data[collection]
		if recs == nil {
			recs = []map[string]any{}
		}
		_ = json.NewEncoder(w).Encode(recs)

	case r.Method == http.MethodPost && len(parts) == 1:
		f.nextID++
		body[idField] = fmt.Sprintf("srv-%d", f.nextID)
		f.data[collection] = append([]map[string]any{body}, f.data[collection]...)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(body)

	case r.Method == http.MethodPut && len(parts) == 2:
		for _, rec := range f.data[collection] {
			if rec[idField] == parts[1] {
				for k, v := range body {
					rec[k] = v
				}
				_ = json.NewEncoder(w).Encode(rec)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not found"}`)

	case r.Method == http.MethodDelete && len(parts) == 2:
		recs := f.data[collection]
		for i, rec := range recs {
			if rec[idField] == parts[1] {
				f.data[collection] = append(recs[:i:i], recs[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"Not found"}`)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// writeConfig writes a config file pointing at baseURL with fast retries.
// extra is appended verbatim.
func writeConfig(t *testing.T, baseURL, extra string) string {
	t.Helper()
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "memsync.yaml")
	cfg := fmt.Sprintf(`api:
  base_url: %s
load:
  timeout: 2s
  initial_interval: 1ms
  max_interval: 5ms
  max_attempts: 2
log:
  level: error
%s`, baseURL, extra)
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"MEMSYNC_API_URL", "MEMSYNC_API_TOKEN", "MEMSYNC_PUSH_URL", "MEMSYNC_JOURNAL"} {
		t.Setenv(name, "")
	}
}

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	return executeCommand(t, NewRootCommand(), args...)
}

func executeCommand(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
