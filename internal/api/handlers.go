package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/roach88/timeledger/internal/ir"
	"github.com/roach88/timeledger/internal/normalize"
	"github.com/roach88/timeledger/internal/tracker"
)

// eventResult is one entry of a batch ingest response.
type eventResult struct {
	tracker.IngestResult
	Error string `json:"error,omitempty"`
}

func (s *Server) postEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", err.Error())
		return
	}
	body = bytes.TrimSpace(body)

	if len(body) > 0 && body[0] == '[' {
		var raws []normalize.RawEvent
		if err := json.Unmarshal(body, &raws); err != nil {
			writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), fmt.Sprintf("decode events: %v", err))
			return
		}
		results, err := s.svc.IngestBatch(r.Context(), raws)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		out := make([]eventResult, len(results))
		for i, res := range results {
			out[i] = eventResult{IngestResult: res}
			if res.Err != nil {
				out[i].Error = res.Err.Error()
			}
		}
		writeJSON(w, http.StatusOK, out)
		return
	}

	var raw normalize.RawEvent
	if err := json.Unmarshal(body, &raw); err != nil {
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), fmt.Sprintf("decode event: %v", err))
		return
	}
	res, err := s.svc.Ingest(r.Context(), raw)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) getBuckets(w http.ResponseWriter, r *http.Request) {
	subject := mux.Vars(r)["subject"]
	q := r.URL.Query()

	category, err := parseCategory(q.Get("category"))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), err.Error())
		return
	}
	granularity, err := ir.ParseGranularity(q.Get("granularity"))
	if err != nil {
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), err.Error())
		return
	}
	from, to, err := s.window(q.Get("from"), q.Get("to"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), err.Error())
		return
	}

	buckets, err := s.svc.Query(r.Context(), subject, category, ir.PeriodRange{From: from, To: to, Granularity: granularity})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) getSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := ir.SessionFilter{SubjectID: mux.Vars(r)["subject"], OriginID: q.Get("origin")}

	if c := q.Get("category"); c != "" {
		category, err := ir.ParseCategory(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), err.Error())
			return
		}
		f.Category = category
	}
	for _, st := range q["state"] {
		state, err := ir.ParseSessionState(st)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), err.Error())
			return
		}
		f.States = append(f.States, state)
	}
	from, to, err := s.window(q.Get("from"), q.Get("to"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), err.Error())
		return
	}
	f.From, f.To = from, to

	sessions, err := s.svc.ListSessions(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []ir.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getTimelog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := s.window(q.Get("from"), q.Get("to"), true)
	if err != nil {
		writeError(w, http.StatusBadRequest, string(ir.ErrCodeValidation), err.Error())
		return
	}
	rows, err := s.svc.DailyLog(r.Context(), mux.Vars(r)["subject"], from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// window parses from/to as RFC 3339 instants or YYYY-MM-DD dates in the
// server location.
func (s *Server) window(fromStr, toStr string, required bool) (time.Time, time.Time, error) {
	if required && (fromStr == "" || toStr == "") {
		return time.Time{}, time.Time{}, errors.New("from and to are required")
	}
	from, err := s.parseTime(fromStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("from: %w", err)
	}
	to, err := s.parseTime(toStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("to: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && !to.After(from) {
		return time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return from, to, nil
}

func (s *Server) parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.ParseInLocation(time.DateOnly, v, s.loc)
}

func parseCategory(v string) (ir.Category, error) {
	if strings.TrimSpace(v) == "" {
		return ir.CategoryAttendance, nil
	}
	return ir.ParseCategory(v)
}
