package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	json "github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"

	"github.com/chase3718/hichord-qa/internal/checklist"
	"github.com/chase3718/hichord-qa/internal/sequencer"
	"github.com/chase3718/hichord-qa/internal/session"
	"github.com/chase3718/hichord-qa/internal/steps"
	"github.com/chase3718/hichord-qa/internal/store"
	"github.com/chase3718/hichord-qa/internal/transport"
)

type startRequest struct {
	StepCount int `json:"stepCount"`
}

// skipRequest names the step to skip. Zero or omitted skips the current one.
type skipRequest struct {
	Step uint8 `json:"step"`
}

type stateResponse struct {
	State session.State `json:"state"`
}

type stepView struct {
	steps.Step
	Instruction string `json:"instruction"`
}

type checklistItem struct {
	ID          int      `json:"id"`
	Name        string   `json:"name"`
	Automated   bool     `json:"automated"`
	MinBatch    uint8    `json:"minBatch,omitempty"`
	Note        string   `json:"note,omitempty"`
	Instruction string   `json:"instruction,omitempty"`
	Procedure   []string `json:"procedure,omitempty"`
	Expected    []string `json:"expected,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	id, err := s.ctrl.Connect(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"identity": id})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Disconnect(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnterTestMode(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.EnterTestMode(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExitTestMode(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ExitTestMode(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartSequence(w http.ResponseWriter, r *http.Request) {
	req := startRequest{}
	if !s.decodeOptional(w, r, &req) {
		return
	}
	if req.StepCount == 0 {
		req.StepCount = s.defaultSteps
	}
	if err := s.ctrl.StartSequence(r.Context(), req.StepCount); err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, req)
}

func (s *Server) handleAbortSequence(w http.ResponseWriter, r *http.Request) {
	aborted, err := s.ctrl.AbortSequence(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]bool{"aborted": aborted})
}

func (s *Server) handleSkipStep(w http.ResponseWriter, r *http.Request) {
	req := skipRequest{}
	if !s.decodeOptional(w, r, &req) {
		return
	}
	res, err := s.ctrl.SkipStep(r.Context(), req.Step)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Restart(r.Context()); err != nil {
		s.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, err := s.ctrl.State(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, stateResponse{State: st})
}

func (s *Server) handleIdentity(w http.ResponseWriter, r *http.Request) {
	id, err := s.ctrl.Identity(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if id == nil {
		s.respondError(w, http.StatusNotFound, "identity not received")
		return
	}
	s.respondJSON(w, http.StatusOK, id)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	rep, err := s.ctrl.Report(r.Context())
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleSteps(w http.ResponseWriter, r *http.Request) {
	n := s.catalog.Len()
	if q := r.URL.Query().Get("count"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 1 {
			s.respondError(w, http.StatusBadRequest, "count must be a positive integer")
			return
		}
		n = v
	}
	views := lo.Map(s.catalog.Head(n).Steps(), func(st steps.Step, _ int) stepView {
		return stepView{Step: st, Instruction: st.Instruction()}
	})
	s.respondJSON(w, http.StatusOK, views)
}

func (s *Server) handleChecklist(w http.ResponseWriter, r *http.Request) {
	defs := s.checklist
	if q := r.URL.Query().Get("batch"); q != "" {
		batch, err := strconv.ParseUint(q, 10, 8)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "batch must be 0..255")
			return
		}
		defs = checklist.ForBatch(defs, uint8(batch))
	}
	items := lo.Map(defs, func(d checklist.Definition, _ int) checklistItem {
		base := d.Base()
		item := checklistItem{ID: base.ID, Name: base.Name, MinBatch: base.MinBatch, Note: base.Note}
		switch d := d.(type) {
		case checklist.Manual:
			item.Procedure, item.Expected = d.Procedure, d.Expected
		case checklist.Automated:
			item.Automated, item.Instruction = true, d.Instruction
		}
		return item
	})
	s.respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.respondError(w, http.StatusNotImplemented, "no report store configured")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	list, err := s.reports.List(r.Context(), limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		s.respondError(w, http.StatusNotImplemented, "no report store configured")
		return
	}
	rep, err := s.reports.Get(r.Context(), chi.URLParam(r, "runID"))
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

// decodeOptional reads a JSON body into v when there is one. It writes the
// error response itself and returns false on bad input.
func (s *Server) decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "read body: "+err.Error())
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Error("api: marshal response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondErr maps domain errors to HTTP statuses.
func (s *Server) respondErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, transport.ErrDeviceNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, transport.ErrPlatformUnsupported), errors.Is(err, session.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, session.ErrNotConnected),
		errors.Is(err, session.ErrAlreadyConnecting),
		errors.Is(err, session.ErrDeviceLost),
		errors.Is(err, sequencer.ErrNotInTestMode),
		errors.Is(err, sequencer.ErrNotRunning):
		status = http.StatusConflict
	case errors.Is(err, sequencer.ErrStepCount), errors.Is(err, sequencer.ErrStepIndex):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error("api: request failed", "err", err)
	}
	s.respondError(w, status, err.Error())
}
