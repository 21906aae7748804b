package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/hichord-qa/internal/device"
	"github.com/chase3718/hichord-qa/internal/report"
	"github.com/chase3718/hichord-qa/internal/sequencer"
	"github.com/chase3718/hichord-qa/internal/session"
	"github.com/chase3718/hichord-qa/internal/store"
	"github.com/chase3718/hichord-qa/internal/transport"
)

type fakeController struct {
	state    session.State
	identity *device.Identity
	started  int
	skipped  []uint8
	err      error
	rep      report.FinalReport
}

func (f *fakeController) Connect(context.Context) (*device.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.state = session.Connected
	return f.identity, nil
}

func (f *fakeController) EnterTestMode(context.Context) error {
	if f.err != nil {
		return f.err
	}
	f.state = session.TestModeEntered
	return nil
}

func (f *fakeController) ExitTestMode(context.Context) error {
	f.state = session.Connected
	return f.err
}

func (f *fakeController) StartSequence(_ context.Context, n int) error {
	if f.err != nil {
		return f.err
	}
	f.started = n
	f.state = session.TestRunning
	return nil
}

func (f *fakeController) AbortSequence(context.Context) (bool, error) {
	was := f.state == session.TestRunning
	f.state = session.TestComplete
	return was, f.err
}

func (f *fakeController) SkipStep(_ context.Context, index uint8) (report.StepResult, error) {
	if f.err != nil {
		return report.StepResult{}, f.err
	}
	if f.state != session.TestRunning {
		return report.StepResult{}, sequencer.ErrNotRunning
	}
	if index == 0 {
		index = uint8(len(f.skipped) + 1)
	}
	f.skipped = append(f.skipped, index)
	return report.StepResult{Index: index, Skipped: true, Attempts: 1}, nil
}

func (f *fakeController) Restart(context.Context) error    { return f.err }
func (f *fakeController) Disconnect(context.Context) error { return f.err }

func (f *fakeController) Report(context.Context) (report.FinalReport, error) {
	return f.rep, f.err
}

func (f *fakeController) State(context.Context) (session.State, error) {
	return f.state, f.err
}

func (f *fakeController) Identity(context.Context) (*device.Identity, error) {
	return f.identity, f.err
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func do(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestConnectAndRunFlow(t *testing.T) {
	ctrl := &fakeController{identity: &device.Identity{FirmwareMajor: 1, FirmwareMinor: 95, PCBBatch: 4, ButtonSystem: device.ButtonI2C}}
	srv := NewServer(ctrl, WithLogger(quiet))

	rec := do(t, srv, http.MethodPost, "/api/connect", "")
	require.Equal(t, http.StatusOK, rec.Code)
	id := decodeBody(t, rec)["identity"].(map[string]any)
	assert.Equal(t, "I2C", id["buttonSystem"])

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodPost, "/api/test-mode", "").Code)

	rec = do(t, srv, http.MethodPost, "/api/sequence", `{"stepCount":21}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 21, ctrl.started)

	rec = do(t, srv, http.MethodGet, "/api/state", "")
	assert.Equal(t, "running", decodeBody(t, rec)["state"])

	rec = do(t, srv, http.MethodPost, "/api/sequence/abort", "")
	assert.Equal(t, true, decodeBody(t, rec)["aborted"])

	assert.Equal(t, http.StatusNoContent, do(t, srv, http.MethodDelete, "/api/test-mode", "").Code)
	assert.Equal(t, session.Connected, ctrl.state)
}

func TestStartUsesDefaultStepCount(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, WithLogger(quiet), WithDefaultSteps(20))

	rec := do(t, srv, http.MethodPost, "/api/sequence", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 20, ctrl.started)

	rec = do(t, srv, http.MethodPost, "/api/sequence", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatuses(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{transport.ErrDeviceNotFound, http.StatusNotFound},
		{transport.ErrPlatformUnsupported, http.StatusServiceUnavailable},
		{session.ErrNotConnected, http.StatusConflict},
		{fmt.Errorf("start: %w", sequencer.ErrNotInTestMode), http.StatusConflict},
		{sequencer.ErrStepCount, http.StatusBadRequest},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			srv := NewServer(&fakeController{err: tc.err}, WithLogger(quiet))
			rec := do(t, srv, http.MethodPost, "/api/connect", "")
			assert.Equal(t, tc.want, rec.Code)
			assert.Contains(t, decodeBody(t, rec)["error"], tc.err.Error())
		})
	}
}

func TestSkipStep(t *testing.T) {
	ctrl := &fakeController{}
	srv := NewServer(ctrl, WithLogger(quiet))

	rec := do(t, srv, http.MethodPost, "/api/sequence/skip", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	ctrl.state = session.TestRunning
	rec = do(t, srv, http.MethodPost, "/api/sequence/skip", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["skipped"])
	assert.Equal(t, float64(1), body["index"])

	rec = do(t, srv, http.MethodPost, "/api/sequence/skip", `{"step":7}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uint8{1, 7}, ctrl.skipped)

	ctrl.err = sequencer.ErrStepIndex
	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodPost, "/api/sequence/skip", `{"step":40}`).Code)
}

func TestIdentityMissing(t *testing.T) {
	srv := NewServer(&fakeController{}, WithLogger(quiet))
	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/identity", "").Code)
}

func TestStepsAndChecklist(t *testing.T) {
	srv := NewServer(&fakeController{}, WithLogger(quiet))

	rec := do(t, srv, http.MethodGet, "/api/steps?count=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var views []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 3)
	assert.Equal(t, "Press Chord 1", views[0]["instruction"])

	rec = do(t, srv, http.MethodGet, "/api/checklist?batch=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var items []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &items))
	assert.Len(t, items, 10)

	assert.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/api/checklist?batch=x", "").Code)
}

func TestReportsEndpoints(t *testing.T) {
	srv := NewServer(&fakeController{}, WithLogger(quiet))
	assert.Equal(t, http.StatusNotImplemented, do(t, srv, http.MethodGet, "/api/reports/", "").Code)

	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, fs.Save(context.Background(), report.FinalReport{RunID: "run-1", StartedAt: time.Now(), TotalCount: 19}))

	srv = NewServer(&fakeController{}, WithLogger(quiet), WithReportStore(fs))
	rec := do(t, srv, http.MethodGet, "/api/reports/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "run-1", decodeBody(t, rec)["runId"])

	assert.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/api/reports/nope", "").Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := NewServer(&fakeController{}, WithLogger(quiet), WithCORSOrigins("http://bench.local"))
	req := httptest.NewRequest(http.MethodOptions, "/api/state", nil)
	req.Header.Set("Origin", "http://bench.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "http://bench.local", rec.Header().Get("Access-Control-Allow-Origin"))
}
