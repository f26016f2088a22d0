package ship

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeServices struct {
	mu sync.Mutex

	ticketStatus  int
	uploadStatus  int
	triggerStatus int
	triggerBody   string

	ticketReq   map[string]string
	triggerReq  map[string]string
	uploaded    []byte
	uploadType  string
	authHeaders map[string]string
	requestIDs  []string
	userAgent   string
	calls       []string
}

func newFakeServices(t *testing.T) (*fakeServices, *httptest.Server) {
	t.Helper()

	f := &fakeServices{
		ticketStatus:  http.StatusOK,
		uploadStatus:  http.StatusOK,
		triggerStatus: http.StatusAccepted,
		triggerBody:   `{"jobId":"job-42"}`,
		authHeaders:   map[string]string{},
	}

	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/ticket", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		f.record(r, "ticket")
		f.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&f.ticketReq)
		status := f.ticketStatus
		f.mu.Unlock()
		if status != http.StatusOK {
			http.Error(w, "ticket service down", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"uploadUrl": srv.URL + "/upload/obj-1", "objectKey": "recordings/obj-1"})
	})
	mux.HandleFunc("/upload/obj-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		f.record(r, "upload")
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		f.uploaded = body
		f.uploadType = r.Header.Get("Content-Type")
		status := f.uploadStatus
		f.mu.Unlock()
		w.WriteHeader(status)
	})
	mux.HandleFunc("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		f.record(r, "trigger")
		f.mu.Lock()
		_ = json.NewDecoder(r.Body).Decode(&f.triggerReq)
		status, body := f.triggerStatus, f.triggerBody
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeServices) record(r *http.Request, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	f.authHeaders[name] = r.Header.Get("Authorization")
	f.requestIDs = append(f.requestIDs, r.Header.Get("X-Request-ID"))
	f.userAgent = r.Header.Get("User-Agent")
}

func newClient(srv *httptest.Server) *Client {
	return New(Options{
		TicketURL:  srv.URL + "/ticket",
		TriggerURL: srv.URL + "/trigger",
		GroupID:    "group_0",
		Token:      "secret",
	})
}

func writeArtifact(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "segment.flac")
	require.NoError(t, os.WriteFile(path, []byte("fLaC-bytes"), 0o644))
	return path
}

func TestShipUploadsAndTriggers(t *testing.T) {
	t.Parallel()

	f, srv := newFakeServices(t)
	ref, err := newClient(srv).Ship(context.Background(), Artifact{Path: writeArtifact(t), ContentType: "audio/flac"}, "group_0-lab-1700000000")
	require.NoError(t, err)
	require.Equal(t, JobRef{ObjectKey: "recordings/obj-1", SessionID: "group_0-lab-1700000000", JobID: "job-42"}, ref)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"ticket", "upload", "trigger"}, f.calls)
	require.Equal(t, map[string]string{"contentType": "audio/flac"}, f.ticketReq)
	require.Equal(t, "fLaC-bytes", string(f.uploaded))
	require.Equal(t, "audio/flac", f.uploadType)
	require.Equal(t, map[string]string{
		"objectKey": "recordings/obj-1",
		"sessionId": "group_0-lab-1700000000",
		"groupId":   "group_0",
	}, f.triggerReq)

	require.Equal(t, "Bearer secret", f.authHeaders["ticket"])
	require.Equal(t, "Bearer secret", f.authHeaders["trigger"])
	require.Empty(t, f.authHeaders["upload"])
	require.Contains(t, f.userAgent, "ambirec/")

	require.Len(t, f.requestIDs, 3)
	for _, id := range f.requestIDs {
		require.NotEmpty(t, id)
	}
	require.NotEqual(t, f.requestIDs[0], f.requestIDs[1])
}

func TestShipTicketFailureStopsBeforeUpload(t *testing.T) {
	t.Parallel()

	f, srv := newFakeServices(t)
	f.ticketStatus = http.StatusServiceUnavailable

	_, err := newClient(srv).Ship(context.Background(), Artifact{Path: writeArtifact(t), ContentType: "audio/flac"}, "sid")
	require.ErrorIs(t, err, ErrTicket)
	require.NotErrorIs(t, err, ErrTransfer)
	require.Contains(t, err.Error(), "ticket service down")

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"ticket"}, f.calls)
}

func TestShipTransferFailureIsNotRetried(t *testing.T) {
	t.Parallel()

	f, srv := newFakeServices(t)
	f.uploadStatus = http.StatusForbidden

	ref, err := newClient(srv).Ship(context.Background(), Artifact{Path: writeArtifact(t), ContentType: "audio/wav"}, "sid")
	require.ErrorIs(t, err, ErrTransfer)
	require.Equal(t, "recordings/obj-1", ref.ObjectKey)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"ticket", "upload"}, f.calls)
}

func TestShipTriggerFailure(t *testing.T) {
	t.Parallel()

	f, srv := newFakeServices(t)
	f.triggerStatus = http.StatusInternalServerError
	f.triggerBody = "worker unavailable"

	_, err := newClient(srv).Ship(context.Background(), Artifact{Path: writeArtifact(t), ContentType: "audio/flac"}, "sid")
	require.ErrorIs(t, err, ErrTrigger)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Equal(t, []string{"ticket", "upload", "trigger"}, f.calls)
}

func TestShipTriggerWithoutJobID(t *testing.T) {
	t.Parallel()

	f, srv := newFakeServices(t)
	f.triggerBody = ""

	ref, err := newClient(srv).Ship(context.Background(), Artifact{Path: writeArtifact(t), ContentType: "audio/flac"}, "sid")
	require.NoError(t, err)
	require.Empty(t, ref.JobID)
}

func TestShipMissingArtifactIsTransferError(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServices(t)
	_, err := newClient(srv).Ship(context.Background(), Artifact{Path: filepath.Join(t.TempDir(), "gone.flac"), ContentType: "audio/flac"}, "sid")
	require.ErrorIs(t, err, ErrTransfer)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestShipKeepsCancellationCause(t *testing.T) {
	t.Parallel()

	_, srv := newFakeServices(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newClient(srv).Ship(ctx, Artifact{Path: writeArtifact(t), ContentType: "audio/flac"}, "sid")
	require.ErrorIs(t, err, ErrTicket)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRequestTicketRejectsIncompleteResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"objectKey":"k"}`)
	}))
	t.Cleanup(srv.Close)

	client := New(Options{TicketURL: srv.URL})
	_, err := client.RequestTicket(context.Background(), "audio/flac")
	require.ErrorIs(t, err, ErrTicket)
}
