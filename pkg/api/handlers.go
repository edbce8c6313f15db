package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bitemporal-io/bitemporal/pkg/addresses"
	"github.com/bitemporal-io/bitemporal/pkg/bitemporal"
	"github.com/bitemporal-io/bitemporal/pkg/filter"
	"github.com/bitemporal-io/bitemporal/pkg/interval"
)

// addressInput is the payload of a written address fact.
type addressInput struct {
	Street     string         `json:"street"`
	City       string         `json:"city"`
	PostalCode string         `json:"postalCode"`
	Country    string         `json:"country"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

func (in addressInput) version() addresses.Version {
	return addresses.Version{
		Street:     in.Street,
		City:       in.City,
		PostalCode: in.PostalCode,
		Country:    in.Country,
		Attributes: in.Attributes,
	}
}

// updateRequest is the body of PUT /{uuid}/versions. EffectiveStop may be
// omitted for an open-ended fact.
type updateRequest struct {
	EffectiveStart string `json:"effectiveStart"`
	EffectiveStop  string `json:"effectiveStop,omitempty"`
	addressInput
}

// bootstrapRequest is the body of POST /{uuid}/bootstrap.
type bootstrapRequest struct {
	Versions []updateRequest `json:"versions"`
}

// timelineResponse is the API form of a snapshot.
type timelineResponse struct {
	ID               string `json:"id"`
	Kind             string `json:"kind"`
	UUID             string `json:"uuid"`
	TransactionStart string `json:"transactionStart"`
	TransactionStop  string `json:"transactionStop,omitempty"`
	Current          bool   `json:"current"`
}

func timelineToResponse(tl *bitemporal.Timeline) timelineResponse {
	resp := timelineResponse{
		ID:               tl.ID,
		Kind:             tl.Kind,
		UUID:             tl.UUID,
		TransactionStart: tl.TransactionStart.Format(time.RFC3339Nano),
		Current:          tl.IsCurrent(),
	}
	if !resp.Current {
		resp.TransactionStop = tl.TransactionStop.Format(time.RFC3339Nano)
	}
	return resp
}

type listResponse[T any] struct {
	Items []T `json:"items"`
	Size  int `json:"size"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Size: len(items)}
}

// UpdateHandler handles PUT /{uuid}/versions.
func UpdateHandler(engine *addresses.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := chi.URLParam(r, "uuid")

		var req updateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		rng, err := req.effective()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		tl, err := engine.UpdateForRange(r.Context(), uuid, rng.Start, rng.Stop, req.version())
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, timelineToResponse(tl))
	}
}

// DeleteHandler handles DELETE /{uuid}/versions?effectiveStart=&effectiveStop=.
// It answers 204 when the entity has never been written.
func DeleteHandler(engine *addresses.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := chi.URLParam(r, "uuid")
		q := r.URL.Query()

		start, err := parseTime(q.Get("effectiveStart"))
		if err != nil || q.Get("effectiveStart") == "" {
			writeError(w, http.StatusBadRequest, "effectiveStart is required and must be RFC 3339 or YYYY-MM-DD")
			return
		}
		stop := interval.Infinity
		if s := q.Get("effectiveStop"); s != "" {
			if stop, err = parseTime(s); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}

		tl, err := engine.DeleteInRange(r.Context(), uuid, start, stop)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if tl == nil {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeJSON(w, http.StatusOK, timelineToResponse(tl))
	}
}

// BootstrapHandler handles POST /{uuid}/bootstrap.
func BootstrapHandler(engine *addresses.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := chi.URLParam(r, "uuid")

		var req bootstrapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
			return
		}
		versions := make([]addresses.Version, 0, len(req.Versions))
		for i, in := range req.Versions {
			rng, err := in.effective()
			if err != nil {
				writeError(w, http.StatusBadRequest, fmt.Sprintf("versions[%d]: %v", i, err))
				return
			}
			v := in.version()
			v.EffectiveStart, v.EffectiveStop = rng.Start, rng.Stop
			versions = append(versions, v)
		}

		tl, err := engine.Bootstrap(r.Context(), uuid, versions)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, timelineToResponse(tl))
	}
}

// GetHandler handles GET /{uuid}?transactionTime=&effectiveTime=. Both times
// default to now.
func GetHandler(engine *addresses.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := chi.URLParam(r, "uuid")
		tt, et, err := queryTimes(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		addr, err := engine.AtTime(r.Context(), uuid, tt, et)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if addr == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("address %q not found at transaction time %s, effective time %s",
				uuid, tt.Format(time.RFC3339), et.Format(time.RFC3339)))
			return
		}
		writeJSON(w, http.StatusOK, addr)
	}
}

// TimelineHandler handles GET /{uuid}/timeline?transactionTime=.
func TimelineHandler(engine *addresses.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := chi.URLParam(r, "uuid")
		tt, _, err := queryTimes(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		items, err := engine.TimelineAt(r.Context(), uuid, tt)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newList(items))
	}
}

// HistoryHandler handles GET /{uuid}/history?effectiveTime=.
func HistoryHandler(engine *addresses.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uuid := chi.URLParam(r, "uuid")
		_, et, err := queryTimes(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		items, err := engine.HistoryAt(r.Context(), uuid, et)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newList(items))
	}
}

// SnapshotsHandler handles GET /{uuid}/snapshots.
func SnapshotsHandler(engine *addresses.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timelines, err := engine.Snapshots(r.Context(), chi.URLParam(r, "uuid"))
		if err != nil {
			writeEngineError(w, err)
			return
		}
		items := make([]timelineResponse, len(timelines))
		for i := range timelines {
			items[i] = timelineToResponse(&timelines[i])
		}
		writeJSON(w, http.StatusOK, newList(items))
	}
}

// SnapshotVersionsHandler handles GET /snapshots/{timelineId}/versions.
func SnapshotVersionsHandler(engine *addresses.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		timelineID := chi.URLParam(r, "timelineId")
		versions, err := engine.Versions(r.Context(), timelineID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		if versions == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("snapshot %q not found", timelineID))
			return
		}
		writeJSON(w, http.StatusOK, newList(versions))
	}
}

// QueryHandler handles GET /?transactionTime=&effectiveTime=&filter=.
func QueryHandler(engine *addresses.Engine, parser *filter.Parser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tt, et, err := queryTimes(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		expr, err := parser.Parse(r.URL.Query().Get("filter"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		items, err := engine.Query(r.Context(), tt, et, expr)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newList(items))
	}
}

func (req updateRequest) effective() (interval.Interval, error) {
	if req.EffectiveStart == "" {
		return interval.Interval{}, errors.New("effectiveStart is required")
	}
	start, err := parseTime(req.EffectiveStart)
	if err != nil {
		return interval.Interval{}, err
	}
	if req.EffectiveStop == "" {
		return interval.Since(start)
	}
	stop, err := parseTime(req.EffectiveStop)
	if err != nil {
		return interval.Interval{}, err
	}
	return interval.New(start, stop)
}

// queryTimes reads transactionTime and effectiveTime, defaulting to now.
func queryTimes(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now()
	tt, et := now, now
	var err error
	if s := r.URL.Query().Get("transactionTime"); s != "" {
		if tt, err = parseTime(s); err != nil {
			return tt, et, err
		}
	}
	if s := r.URL.Query().Get("effectiveTime"); s != "" {
		if et, err = parseTime(s); err != nil {
			return tt, et, err
		}
	}
	return tt, et, nil
}

// parseTime accepts RFC 3339 timestamps and plain dates (UTC midnight).
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: expected RFC 3339 or YYYY-MM-DD", s)
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, bitemporal.ErrInvalidInterval),
		errors.Is(err, bitemporal.ErrInvalidPredicate),
		errors.Is(err, filter.ErrInvalidFilter):
		return http.StatusBadRequest
	case errors.Is(err, bitemporal.ErrConcurrentModification),
		errors.Is(err, bitemporal.ErrImmutableViolation):
		return http.StatusConflict
	case errors.Is(err, bitemporal.ErrOverlappingVersions),
		errors.Is(err, bitemporal.ErrMismatchedEntity):
		return http.StatusUnprocessableEntity
	case errors.Is(err, bitemporal.ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
