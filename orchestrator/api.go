package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/allocator"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/auth"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/fsm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/idempotency"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/mdm"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/middleware"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/rowstore"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/tabular"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/timeline"
	"github.com/GaneshArwan/enterprise-process-automation/orchestrator/webhook"
)

// maxBodyBytes bounds request bodies; submissions are small JSON documents.
const maxBodyBytes = 1 << 20

// API carries the HTTP surface of the orchestrator.
type API struct {
	engine   *fsm.Engine
	store    *rowstore.Store
	workload *allocator.Workload
	events   *timeline.Store

	dashboard *DashboardService
	hub       *Hub

	tokens   *auth.Tokens
	verifier *webhook.Verifier
	replay   *idempotency.Cache

	profiles     map[string]mdm.TypeProfile
	masterTables []string

	validate *validator.Validate
	limiter  *rate.Limiter
	log      zerolog.Logger
}

// APIConfig carries the collaborators of the HTTP surface.
type APIConfig struct {
	Engine   *fsm.Engine
	Store    *rowstore.Store
	Workload *allocator.Workload
	Events   *timeline.Store

	Dashboard *DashboardService
	Hub       *Hub

	Tokens   *auth.Tokens
	Verifier *webhook.Verifier
	Replay   *idempotency.Cache

	Profiles     map[string]mdm.TypeProfile
	MasterTables []string

	RatePerSec float64
	RateBurst  int
	Log        zerolog.Logger
}

func NewAPI(cfg APIConfig) *API {
	profiles := cfg.Profiles
	if profiles == nil {
		profiles = mdm.DefaultProfiles()
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 10
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 20
	}
	return &API{
		engine:       cfg.Engine,
		store:        cfg.Store,
		workload:     cfg.Workload,
		events:       cfg.Events,
		dashboard:    cfg.Dashboard,
		hub:          cfg.Hub,
		tokens:       cfg.Tokens,
		verifier:     cfg.Verifier,
		replay:       cfg.Replay,
		profiles:     profiles,
		masterTables: cfg.MasterTables,
		validate:     validator.New(),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RateBurst),
		log:          cfg.Log.With().Str("component", "api").Logger(),
	}
}

// Router assembles the route tree. Health and metrics stay open; everything
// else sits behind bearer auth.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.CORS)
	r.Use(middleware.RequestLogger(a.log))

	r.Get("/healthz", a.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(a.tokens))

		r.With(a.throttle, a.replay.Middleware).Post("/request", a.handleSubmit)
		r.With(a.throttle, middleware.RequireRole(auth.RoleAdmin)).Post("/update_workload", a.handleUpdateWorkload)
		r.With(a.throttle).Post("/events/edit", a.handleEditEvent)

		// Request numbers contain slashes ("BOM/MDM/PT-A/00001"), so the
		// lookup routes take the rest of the path as the number.
		r.Get("/requests/*", a.handleGetRequest)
		r.Get("/tables", a.handleTables)
		r.Get("/dashboard", a.handleDashboard)
		r.Get("/stream", a.handleStream)
	})

	return r
}

// throttle applies the shared mutation rate limit with a jittered
// Retry-After so synchronized clients spread their retries.
func (a *API) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			w.Header().Set("Retry-After", strconv.Itoa(1+rand.Intn(2)))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// submitPayload is the submission wire contract. Form fields that only feed
// the attachment template ride along unvalidated and are ignored here; the
// approval booleans let a pre-approved cross-chained request arrive with
// levels already decided.
type submitPayload struct {
	Action string `json:"action"`

	RequestType  string `json:"requestType" validate:"required"`
	EmailAddress string `json:"emailAddress" validate:"required,email"`
	CompanyCode  string `json:"companyCode" validate:"required"`
	CompanyName  string `json:"companyName" validate:"required"`

	Department    string `json:"department"`
	AttachmentURL string `json:"attachmentUrl"`
	TotalTask     int    `json:"totalTask"`

	IsRequester   bool `json:"isRequester"`
	IsApprover    bool `json:"isApprover"`
	IsApproverII  bool `json:"isApproverII"`
	IsApproverIII bool `json:"isApproverIII"`

	RequesterName   string `json:"requesterName"`
	ApproverName    string `json:"approverName"`
	ApproverIIName  string `json:"approverIIName"`
	ApproverIIIName string `json:"approverIIIName"`
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}

	// Legacy single-endpoint form: a body carrying an action dispatches to
	// the matching handler instead of opening a request.
	var probe struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if probe.Action == "update_workload" {
		claims := middleware.ClaimsFromContext(r.Context())
		if claims == nil || claims.Role != auth.RoleAdmin {
			writeError(w, http.StatusForbidden, "update_workload requires role admin")
			return
		}
		a.applyWorkload(w, r, body)
		return
	}

	var p submitPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg, ok := a.checkPayload(p); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	ctx := r.Context()
	table := mdm.TableForType(a.profiles, p.RequestType)
	headers, err := a.store.Headers(ctx, table)
	if err != nil {
		writeError(w, http.StatusBadRequest, "no master table for request type "+p.RequestType)
		return
	}

	rec := tabular.Record{
		mdm.ColTimestamp:      mdm.FormatTime(time.Now()),
		mdm.ColRequestType:    p.RequestType,
		mdm.ColRequesterEmail: p.EmailAddress,
		mdm.ColBusinessUnit:   p.CompanyCode,
		mdm.ColDepartment:     p.Department,
	}
	if p.AttachmentURL != "" {
		rec[mdm.ColAttachment] = p.AttachmentURL
	}
	if p.TotalTask > 0 {
		rec[mdm.ColTotalTask] = strconv.Itoa(p.TotalTask)
	}
	a.prefillLevels(rec, p)

	row, err := a.store.Backend().AppendRow(ctx, table, tabular.UnzipRecord(headers, rec))
	if err != nil {
		a.log.Error().Err(err).Str("table", table).Msg("append submission failed")
		writeError(w, http.StatusInternalServerError, "could not store submission")
		return
	}
	a.store.InvalidateTable(table)

	if err := a.engine.HandleOnSubmit(ctx, table, row); err != nil {
		// The row is durable; the sweep finishes the submission later.
		a.log.Error().Err(err).Str("table", table).Int("row", row).Msg("submission handler failed")
		writeError(w, http.StatusInternalServerError, "submission stored but not yet processed")
		return
	}

	stored, err := a.store.ReadRowFresh(ctx, table, row)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not read stored submission")
		return
	}
	req := mdm.RequestFromRecord(stored)
	writeSuccess(w, http.StatusCreated, map[string]any{
		"message":       "request registered",
		"requestNumber": req.RequestNumber,
		"attachmentUrl": req.AttachmentURL,
		"timestamp":     mdm.FormatTime(req.Timestamp),
	})
}

// checkPayload runs struct validation and renders the first failure as a
// client-facing message.
func (a *API) checkPayload(v any) (string, bool) {
	err := a.validate.Struct(v)
	if err == nil {
		return "", true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return "field " + e.Field() + " failed " + e.Tag() + " validation", false
	}
	return err.Error(), false
}

// prefillLevels writes pre-approved decisions onto the submission row so the
// chain short-circuits past levels another system already decided.
func (a *API) prefillLevels(rec tabular.Record, p submitPayload) {
	now := mdm.FormatTime(time.Now())
	if p.IsRequester {
		name := p.RequesterName
		if name == "" {
			name = p.EmailAddress
		}
		rec[mdm.StatusColumn(0)] = mdm.RequesterCompleted
		rec[mdm.NameColumn(0)] = name
		rec[mdm.TimestampColumn(0)] = now
	}
	levels := []struct {
		set  bool
		name string
	}{
		{p.IsApprover, p.ApproverName},
		{p.IsApproverII, p.ApproverIIName},
		{p.IsApproverIII, p.ApproverIIIName},
	}
	for i, l := range levels {
		if !l.set || l.name == "" {
			continue
		}
		level := i + 1
		rec[mdm.StatusColumn(level)] = mdm.ApproverApproved
		rec[mdm.NameColumn(level)] = l.name
		rec[mdm.TimestampColumn(level)] = now
	}
}

type workloadPayload struct {
	Action  string `json:"action"`
	MDMName string `json:"mdmName" validate:"required"`
	Seconds int64  `json:"seconds"`
}

func (a *API) handleUpdateWorkload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable request body")
		return
	}
	a.applyWorkload(w, r, body)
}

func (a *API) applyWorkload(w http.ResponseWriter, r *http.Request, body []byte) {
	var p workloadPayload
	if err := json.Unmarshal(body, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg, ok := a.checkPayload(p); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	total, err := a.workload.Add(r.Context(), p.MDMName, p.Seconds)
	if err != nil {
		if errors.Is(err, allocator.ErrUnknownAgent) {
			writeError(w, http.StatusNotFound, "unknown agent "+p.MDMName)
			return
		}
		a.log.Error().Err(err).Str("agent", p.MDMName).Msg("workload update failed")
		writeError(w, http.StatusInternalServerError, "workload update failed")
		return
	}

	writeSuccess(w, http.StatusOK, map[string]any{
		"mdmName":         p.MDMName,
		"workloadSeconds": total,
	})
}

// editPayload mirrors the edit webhook the document platform fires.
type editPayload struct {
	Table     string `json:"table" validate:"required"`
	RowIndex  int    `json:"rowIndex" validate:"required,min=1"`
	Column    string `json:"column" validate:"required"`
	OldValue  string `json:"oldValue"`
	Editor    string `json:"editor" validate:"required"`
	Timestamp int64  `json:"timestamp"`
}

func (a *API) handleEditEvent(w http.ResponseWriter, r *http.Request) {
	var p editPayload
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg, ok := a.checkPayload(p); !ok {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	sig := r.Header.Get("X-Edit-Signature")
	if err := a.verifier.Verify(sig, p.Table, p.RowIndex, p.Column, p.Editor, p.Timestamp); err != nil {
		a.log.Warn().Err(err).Str("table", p.Table).Int("row", p.RowIndex).Msg("edit signature rejected")
		writeError(w, http.StatusUnauthorized, "invalid edit signature")
		return
	}

	result, err := a.engine.HandleOnEdit(r.Context(), p.Table, p.RowIndex, p.Column, p.OldValue, p.Editor)
	if err != nil {
		a.log.Error().Err(err).Str("table", p.Table).Int("row", p.RowIndex).Msg("edit handler failed")
		writeError(w, http.StatusInternalServerError, "edit processing failed")
		return
	}
	if !result.Accepted {
		// The edit was handled: the cell is reverted and the editor gets
		// the toast. That is a successful outcome, not an HTTP error.
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "rejected",
			"toast":  result.Toast,
		})
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{"message": "edit applied"})
}

// handleGetRequest serves both GET /requests/{number} and
// GET /requests/{number}/trace.
func (a *API) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	if number, ok := strings.CutSuffix(path, "/trace"); ok {
		a.renderTrace(w, r, number)
		return
	}
	a.renderRequest(w, r, path)
}

func (a *API) renderRequest(w http.ResponseWriter, r *http.Request, number string) {
	table, row, rec, err := a.findRequest(r.Context(), number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "request lookup failed")
		return
	}
	if row < 1 {
		writeError(w, http.StatusNotFound, "no request "+number)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"table":   table,
		"row":     row,
		"request": mdm.RequestFromRecord(rec),
	})
}

// renderTrace exports every lifecycle event of one request together with its
// current row, as a downloadable JSON document.
func (a *API) renderTrace(w http.ResponseWriter, r *http.Request, number string) {
	events := a.events.GetEvents(number)
	table, row, rec, err := a.findRequest(r.Context(), number)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "request lookup failed")
		return
	}
	if row < 1 && len(events) == 0 {
		writeError(w, http.StatusNotFound, "no trace for "+number)
		return
	}

	trace := map[string]any{
		"request_number": number,
		"table":          table,
		"events":         events,
	}
	if row >= 1 {
		trace["request"] = mdm.RequestFromRecord(rec)
	}

	name := strings.ReplaceAll(number, "/", "-")
	w.Header().Set("Content-Disposition", `attachment; filename="trace-`+name+`.json"`)
	writeJSON(w, http.StatusOK, trace)
}

// findRequest scans the master tables for a request number. A missing
// request returns row -1 with no error.
func (a *API) findRequest(ctx context.Context, number string) (string, int, tabular.Record, error) {
	if number == "" {
		return "", -1, nil, nil
	}
	for _, table := range a.masterTables {
		row, err := a.store.FindRow(ctx, table, number)
		if err != nil {
			return "", -1, nil, err
		}
		if row < 1 {
			continue
		}
		rec, err := a.store.ReadRowFresh(ctx, table, row)
		if err != nil {
			return "", -1, nil, err
		}
		return table, row, rec, nil
	}
	return "", -1, nil, nil
}

func (a *API) handleTables(w http.ResponseWriter, r *http.Request) {
	stats, err := a.dashboard.TableStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "table stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := a.dashboard.Snapshot(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "dashboard snapshot failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStream upgrades to WebSocket and feeds the client timeline events
// until it disconnects.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Msg("stream upgrade failed")
		return
	}

	a.hub.Register(conn)
	defer a.hub.Unregister(conn)

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ping.C:
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Read pump: the client sends nothing meaningful, but reads surface
	// disconnects and keep the pong handler running.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{
		"status": "success",
		"data":   data,
	})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"status":  "error",
		"message": message,
		"code":    status,
	})
}
