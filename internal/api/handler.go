// Package api exposes index updates, queries, locations and sweeps over
// HTTP.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/entity"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/geo"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/index"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/query"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/store"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/sweep"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/internal/update"
	apperrors "github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/Entity-Index-Platform/pkg/tracing"
	"github.com/google/uuid"
)

const maxBodyBytes = 4 << 20

// QueryExecutor runs one query page. Both the evaluator and the Redis
// cache in front of it satisfy it.
type QueryExecutor interface {
	Execute(ctx context.Context, targets []index.Target, q *query.Query) (*query.Results, error)
}

type Sweeper interface {
	Sweep(ctx context.Context, trigger string) (sweep.Report, error)
}

// SnapshotStore keeps the property snapshots queries verify against when
// no external entity table is configured.
type SnapshotStore interface {
	Get(ctx context.Context, id uuid.UUID) (entity.Entity, bool, error)
	Save(ctx context.Context, e entity.Entity, ts uint64) error
	Delete(ctx context.Context, id uuid.UUID, ts uint64) error
}

type Handler struct {
	engine    *update.Engine
	queries   QueryExecutor
	geo       *geo.Index
	clock     *store.Clock
	sweeper   Sweeper
	snapshots SnapshotStore
	logger    *slog.Logger
}

func NewHandler(engine *update.Engine, queries QueryExecutor, geoIndex *geo.Index, clock *store.Clock, sweeper Sweeper) *Handler {
	return &Handler{
		engine:  engine,
		queries: queries,
		geo:     geoIndex,
		clock:   clock,
		sweeper: sweeper,
		logger:  slog.Default().With("component", "api-handler"),
	}
}

// WithSnapshots makes the handler keep s in step with every update it
// applies.
func (h *Handler) WithSnapshots(s SnapshotStore) *Handler {
	h.snapshots = s
	return h
}

type propertyRequest struct {
	Entity      entity.Ref         `json:"entity"`
	Property    string             `json:"property"`
	Old         any                `json:"old"`
	New         any                `json:"new"`
	Memberships entity.Memberships `json:"memberships"`
}

type batchResponse struct {
	Entity          entity.Ref      `json:"entity"`
	Property        string          `json:"property"`
	State           string          `json:"state"`
	Skipped         bool            `json:"skipped,omitempty"`
	Written         int             `json:"written"`
	Locations       int             `json:"locations,omitempty"`
	Failed          []string        `json:"failed,omitempty"`
	PreviousEntries []entryResponse `json:"previous_entries"`
}

type entryResponse struct {
	Scope      string    `json:"scope"`
	Path       string    `json:"path"`
	Value      any       `json:"value"`
	EntityID   uuid.UUID `json:"entity_id"`
	EntityType string    `json:"entity_type,omitempty"`
	Timestamp  uint64    `json:"timestamp"`
}

func newBatchResponse(r *update.Result) batchResponse {
	b := r.Batch
	out := batchResponse{
		Entity:          b.Entity,
		Property:        b.Property,
		State:           b.State.String(),
		Skipped:         b.Skipped(),
		Written:         len(b.Writes),
		Locations:       len(b.Locations),
		PreviousEntries: make([]entryResponse, 0, len(r.PreviousEntries)),
	}
	for _, e := range r.PreviousEntries {
		out.PreviousEntries = append(out.PreviousEntries, entryResponse{
			Scope:      e.Scope.String(),
			Path:       e.Path,
			Value:      e.Value.Interface(),
			EntityID:   e.EntityID,
			EntityType: e.EntityType,
			Timestamp:  e.Timestamp,
		})
	}
	for _, s := range b.Failed {
		out.Failed = append(out.Failed, s.String())
	}
	return out
}

// IndexProperty applies one property mutation to every index the entity
// belongs to.
func (h *Handler) IndexProperty(w http.ResponseWriter, r *http.Request) {
	var req propertyRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if req.Property == "" {
		h.writeErr(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "property is required"))
		return
	}
	ctx, span := tracing.StartChildSpan(r.Context(), "update")
	span.SetAttr("property", req.Property)
	res, err := h.engine.UpdateIndexesForProperty(ctx, update.Mutation{
		Entity:      req.Entity,
		Property:    req.Property,
		Old:         req.Old,
		New:         req.New,
		Memberships: req.Memberships,
	})
	span.End()
	if err != nil && (res == nil || res.Batch == nil) {
		h.writeErr(w, r, err)
		return
	}
	// Scopes that landed already point at the new value, so the snapshot
	// follows even when others failed.
	if err == nil || res.Batch.State == update.StateApplied {
		if perr := h.patchSnapshot(r.Context(), req, res.Batch.Stamp.Timestamp); perr != nil {
			h.writeErr(w, r, perr)
			return
		}
	}
	if err != nil {
		logger.FromContext(r.Context()).Warn("index update partially applied", "entity", req.Entity, "error", err)
		h.writeJSON(w, apperrors.HTTPStatusCode(err), map[string]any{
			"error":  err.Error(),
			"result": newBatchResponse(res),
		})
		return
	}
	h.writeJSON(w, http.StatusOK, newBatchResponse(res))
}

func (h *Handler) patchSnapshot(ctx context.Context, req propertyRequest, ts uint64) error {
	if h.snapshots == nil {
		return nil
	}
	e, ok, err := h.snapshots.Get(ctx, req.Entity.ID)
	if err != nil {
		return err
	}
	if !ok {
		e = entity.Entity{Ref: req.Entity}
	}
	if e.Properties == nil {
		e.Properties = map[string]any{}
	}
	entity.Set(e.Properties, req.Property, req.New)
	return h.snapshots.Save(ctx, e, ts)
}

type entityRequest struct {
	Entity      entity.Ref         `json:"entity"`
	Properties  map[string]any     `json:"properties"`
	Memberships entity.Memberships `json:"memberships"`
}

// IndexEntity indexes every property of a whole entity.
func (h *Handler) IndexEntity(w http.ResponseWriter, r *http.Request) {
	h.entity(w, r, h.engine.IndexEntity, false)
}

// DeindexEntity removes every property of a whole entity from its indexes.
func (h *Handler) DeindexEntity(w http.ResponseWriter, r *http.Request) {
	h.entity(w, r, h.engine.DeindexEntity, true)
}

type entityFunc func(ctx context.Context, ref entity.Ref, props map[string]any, ms entity.Memberships) ([]*update.Result, error)

func (h *Handler) entity(w http.ResponseWriter, r *http.Request, fn entityFunc, remove bool) {
	var req entityRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if req.Entity.Type == "" {
		h.writeErr(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "entity type is required"))
		return
	}
	results, err := fn(r.Context(), req.Entity, req.Properties, req.Memberships)
	out := make([]batchResponse, 0, len(results))
	for _, res := range results {
		out = append(out, newBatchResponse(res))
	}
	if err != nil {
		if len(out) == 0 {
			h.writeErr(w, r, err)
			return
		}
		h.writeJSON(w, apperrors.HTTPStatusCode(err), map[string]any{"error": err.Error(), "results": out})
		return
	}
	if err := h.storeSnapshot(r.Context(), req, results, remove); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (h *Handler) storeSnapshot(ctx context.Context, req entityRequest, results []*update.Result, remove bool) error {
	if h.snapshots == nil {
		return nil
	}
	var ts uint64
	for _, res := range results {
		ts = max(ts, res.Batch.Stamp.Timestamp)
	}
	if remove {
		return h.snapshots.Delete(ctx, req.Entity.ID, ts)
	}
	props := req.Properties
	if props == nil {
		props = map[string]any{}
	}
	return h.snapshots.Save(ctx, entity.Entity{Ref: req.Entity, Properties: props}, ts)
}

// Query runs ql over the targets named by the repeated target parameter.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	targets, err := parseTargets(params["target"])
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	q, err := query.Parse(params.Get("ql"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if q.Limit, err = intParam(params.Get("limit")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if q.Reversed, err = boolParam(params.Get("reversed")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if q.Level, err = query.ParseLevel(params.Get("level")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	q.Cursor = params.Get("cursor")
	q.Type = params.Get("type")

	ctx, span := tracing.StartChildSpan(r.Context(), "query")
	res, err := h.queries.Execute(ctx, targets, q)
	span.End()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	span.SetAttr("results", res.Size)
	h.writeJSON(w, http.StatusOK, res)
}

type locationRequest struct {
	Target index.Target `json:"target"`
	Entity entity.Ref   `json:"entity"`
	Path   string       `json:"path"`
	Lat    *float64     `json:"lat,omitempty"`
	Lon    *float64     `json:"lon,omitempty"`
}

func (req *locationRequest) path() string {
	if req.Path == "" {
		return "location"
	}
	return req.Path
}

// StoreLocation records or moves the location of an entity in one target.
func (h *Handler) StoreLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if req.Lat == nil || req.Lon == nil {
		h.writeErr(w, r, apperrors.Wrapf(apperrors.ErrInvalidLocation, "lat and lon are required"))
		return
	}
	stamp, err := h.clock.Next()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	p := index.Point{Lat: *req.Lat, Lon: *req.Lon}
	if err := h.geo.StoreLocation(r.Context(), req.Target, req.Entity, req.path(), p, stamp); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "stored", "point": p})
}

// RemoveLocation drops the location of an entity from one target.
func (h *Handler) RemoveLocation(w http.ResponseWriter, r *http.Request) {
	var req locationRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	stamp, err := h.clock.Next()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if err := h.geo.RemoveLocation(r.Context(), req.Target, req.Entity, req.path(), stamp.Timestamp); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type hitResponse struct {
	Entity   entity.Ref  `json:"entity"`
	Point    index.Point `json:"point"`
	Distance float64     `json:"distance"`
}

// Proximity lists entities of one target within radius meters of a point,
// nearest first.
func (h *Handler) Proximity(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	target, err := index.ParseTarget(params.Get("target"))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	s := geo.Search{Target: target, Path: params.Get("path")}
	if s.Path == "" {
		s.Path = "location"
	}
	for name, dst := range map[string]*float64{"lat": &s.Center.Lat, "lon": &s.Center.Lon, "radius": &s.Radius} {
		v, err := strconv.ParseFloat(params.Get(name), 64)
		if err != nil {
			h.writeErr(w, r, apperrors.Wrapf(apperrors.ErrInvalidLocation, "%s: %v", name, err))
			return
		}
		*dst = v
	}
	if s.Limit, err = intParam(params.Get("limit")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if s.Reversed, err = boolParam(params.Get("reversed")); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if c := params.Get("cursor"); c != "" {
		if s.Cursor, err = base64.RawURLEncoding.DecodeString(c); err != nil {
			h.writeErr(w, r, apperrors.Wrapf(apperrors.ErrInvalidInput, "cursor: %v", err))
			return
		}
	}

	res, err := h.geo.ProximitySearch(r.Context(), s)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	hits := make([]hitResponse, 0, len(res.Hits))
	for _, hit := range res.Hits {
		hits = append(hits, hitResponse{Entity: hit.Ref, Point: hit.Point, Distance: hit.Distance})
	}
	out := map[string]any{"hits": hits, "iterations": res.Iterations}
	if res.Cursor != nil {
		out["cursor"] = base64.RawURLEncoding.EncodeToString(res.Cursor)
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Sweep runs one sweep synchronously and returns its report.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		h.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "sweeper is disabled"})
		return
	}
	rep, err := h.sweeper.Sweep(r.Context(), sweep.TriggerManual)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, rep)
}

func parseTargets(raw []string) ([]index.Target, error) {
	if len(raw) == 0 {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidInput, "at least one target is required")
	}
	targets := make([]index.Target, 0, len(raw))
	for _, s := range raw {
		for _, part := range strings.Split(s, ",") {
			t, err := index.ParseTarget(strings.TrimSpace(part))
			if err != nil {
				return nil, err
			}
			targets = append(targets, t)
		}
	}
	return targets, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, apperrors.Wrapf(apperrors.ErrInvalidInput, "limit must be a non-negative integer")
	}
	return n, nil
}

func boolParam(s string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, apperrors.Wrapf(apperrors.ErrInvalidInput, "%q is not a boolean", s)
	}
	return b, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return apperrors.Wrapf(apperrors.ErrInvalidInput, "request body is empty")
		}
		return apperrors.Wrapf(apperrors.ErrInvalidInput, "decoding request body: %v", err)
	}
	return nil
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
