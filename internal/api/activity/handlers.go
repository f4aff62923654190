// Package activity implements the HTTP handlers for the tamper-evident
// activity ledger: filtered listing, single-entry lookup, chain verification,
// and snapshot export. All routes require authentication plus the matching
// activity scope; writes never happen here — entries are appended by the
// audit facade from the code paths that perform the audited operations, so a
// request can only ever read or check the chain, never extend it.
package activity

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/admin-console/admin-console/internal/archive"
	"github.com/admin-console/admin-console/internal/audit"
	"github.com/admin-console/admin-console/internal/db/repositories"
	"github.com/admin-console/admin-console/internal/ledger"
	"github.com/admin-console/admin-console/internal/telemetry"
)

// Store is the read surface the handlers need: the core append-only contract
// plus filtered listing and id lookup.
type Store interface {
	ledger.Store
	List(ctx context.Context, filters repositories.ActivityFilters, limit, offset int) ([]*ledger.Entry, int, error)
	GetByID(ctx context.Context, id string) (*ledger.Entry, error)
}

// Handler serves the activity ledger API.
type Handler struct {
	store    Store
	verifier *ledger.Verifier
	exporter *archive.Exporter
	recorder *audit.Logger // optional; records exports as chain entries

	// defaultQuickLimit is applied when a verify request omits the limit.
	defaultQuickLimit int64
}

// NewHandler creates the activity handler set.
func NewHandler(store Store, verifier *ledger.Verifier, exporter *archive.Exporter, defaultQuickLimit int64) *Handler {
	return &Handler{
		store:             store,
		verifier:          verifier,
		exporter:          exporter,
		defaultQuickLimit: defaultQuickLimit,
	}
}

// SetRecorder enables audit recording of snapshot exports. Exports move
// ledger data out of the database, so the export itself becomes a chain
// entry (action chain.export) attributed to the requesting user.
func (h *Handler) SetRecorder(recorder *audit.Logger) {
	h.recorder = recorder
}

// @Summary      List activity entries
// @Description  Lists activity ledger entries newest first, with optional filters on actor, action, target, and time range.
// @Tags         Activity
// @Security     Bearer
// @Produce      json
// @Param        page         query  int     false  "Page number (default 1)"
// @Param        per_page     query  int     false  "Entries per page (default 50, max 200)"
// @Param        actor_id     query  string  false  "Filter by actor id"
// @Param        action       query  string  false  "Filter by action (e.g. user.create)"
// @Param        target_type  query  string  false  "Filter by target type"
// @Param        target_id    query  string  false  "Filter by target id"
// @Param        start_date   query  string  false  "Entries at or after this RFC3339 timestamp"
// @Param        end_date     query  string  false  "Entries at or before this RFC3339 timestamp"
// @Success      200  {object}  map[string]interface{}  "entries: []ledger.Entry, pagination: {page, per_page, total}"
// @Failure      400  {object}  map[string]interface{}  "Invalid filter"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/activity [get]
// List lists activity entries with pagination
// GET /api/v1/activity?page=1&per_page=50&actor_id=...&action=...
func (h *Handler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	perPage, _ := strconv.Atoi(c.DefaultQuery("per_page", "50"))

	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > 200 {
		perPage = 50
	}
	offset := (page - 1) * perPage

	filters, err := parseFilters(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	entries, total, err := h.store.List(c.Request.Context(), filters, perPage, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list activity entries",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"pagination": gin.H{
			"page":     page,
			"per_page": perPage,
			"total":    total,
		},
	})
}

// parseFilters reads the optional list filters from the query string.
func parseFilters(c *gin.Context) (repositories.ActivityFilters, error) {
	var f repositories.ActivityFilters

	if v := c.Query("actor_id"); v != "" {
		f.ActorID = &v
	}
	if v := c.Query("action"); v != "" {
		f.Action = &v
	}
	if v := c.Query("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := c.Query("target_id"); v != "" {
		f.TargetID = &v
	}
	if v := c.Query("start_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("start_date must be an RFC3339 timestamp")
		}
		f.StartDate = &t
	}
	if v := c.Query("end_date"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("end_date must be an RFC3339 timestamp")
		}
		f.EndDate = &t
	}
	return f, nil
}

// @Summary      Get activity entry
// @Description  Retrieves a single activity ledger entry by its id.
// @Tags         Activity
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "Entry id (UUID)"
// @Success      200  {object}  map[string]interface{}  "entry: ledger.Entry"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      404  {object}  map[string]interface{}  "Entry not found"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/activity/{id} [get]
// Get retrieves a single entry by id
// GET /api/v1/activity/:id
func (h *Handler) Get(c *gin.Context) {
	entry, err := h.store.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "Activity entry not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get activity entry",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entry": entry,
	})
}

// verifyRequest is the optional POST body for Verify. An empty body runs a
// quick check with the configured default window.
type verifyRequest struct {
	Mode  string `json:"mode"`
	Limit int64  `json:"limit"`
}

// @Summary      Verify chain integrity
// @Description  Walks the hash chain and reports the first broken entry, if any. Quick mode checks only the most recent window; full mode checks every entry.
// @Tags         Activity
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        request  body  verifyRequest  false  "mode: quick|full (default quick); limit: 50|100|500|1000 (quick only)"
// @Success      200  {object}  ledger.Result  "valid, totalEntries, checkedEntries, mode, windowOnly, scopeNote, brokenAt"
// @Failure      400  {object}  map[string]interface{}  "Invalid mode or limit"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Failure      503  {object}  map[string]interface{}  "Verification interrupted"
// @Router       /api/v1/activity/verify [post]
// Verify runs a chain verification
// POST /api/v1/activity/verify
func (h *Handler) Verify(c *gin.Context) {
	req := verifyRequest{Mode: string(ledger.ModeQuick)}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid request body",
			})
			return
		}
		if req.Mode == "" {
			req.Mode = string(ledger.ModeQuick)
		}
	}

	opts := ledger.Options{Mode: ledger.Mode(req.Mode), Limit: req.Limit}
	if opts.Mode == ledger.ModeQuick && opts.Limit == 0 {
		opts.Limit = h.defaultQuickLimit
	}

	start := time.Now()
	result, err := h.verifier.Verify(c.Request.Context(), opts)
	telemetry.VerificationDuration.WithLabelValues(req.Mode).Observe(time.Since(start).Seconds())
	if err != nil {
		telemetry.VerificationRunsTotal.WithLabelValues(req.Mode, "error").Inc()
		switch {
		case errors.Is(err, ledger.ErrInvalidMode), errors.Is(err, ledger.ErrInvalidLimit):
			c.JSON(http.StatusBadRequest, gin.H{
				"error": err.Error(),
			})
		case errors.Is(err, ledger.ErrInterrupted):
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error": "Verification interrupted before completion",
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Verification failed",
			})
		}
		return
	}

	outcome := "valid"
	if !result.Valid {
		outcome = "invalid"
	}
	telemetry.VerificationRunsTotal.WithLabelValues(string(result.Mode), outcome).Inc()

	// A detected break is still a successful verification run: the endpoint
	// answered the question it was asked. 200 with valid=false, not an error.
	c.JSON(http.StatusOK, result)
}

// @Summary      Export chain snapshot
// @Description  Runs a full verification and, when the chain is intact, writes the whole chain as a JSONL snapshot plus manifest to the configured archive backend.
// @Tags         Activity
// @Security     Bearer
// @Produce      json
// @Success      201  {object}  map[string]interface{}  "manifest: archive.Manifest"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      409  {object}  map[string]interface{}  "Chain failed verification; nothing exported"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/activity/export [post]
// Export writes a verified chain snapshot to the archive backend
// POST /api/v1/activity/export
func (h *Handler) Export(c *gin.Context) {
	manifest, err := h.exporter.Export(c.Request.Context())
	if err != nil {
		if errors.Is(err, archive.ErrChainInvalid) {
			c.JSON(http.StatusConflict, gin.H{
				"error": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Export failed",
		})
		return
	}

	if h.recorder != nil {
		// A failed audit write must not fail the completed export; the
		// facade has already logged it.
		_, _ = h.recorder.LogAction(c.Request.Context(), actorID(c), "export", "chain",
			ledger.Target{Type: "chain", ID: "activity", DisplayName: "Activity ledger"},
			audit.ActionOpts{Metadata: map[string]any{
				"snapshot_key": manifest.SnapshotKey,
				"entry_count":  manifest.EntryCount,
				"tip_hash":     manifest.TipHash,
			}})
	}

	c.JSON(http.StatusCreated, gin.H{
		"manifest": manifest,
	})
}

// actorID reads the authenticated user id set by the auth middleware. Nil
// when the request context has none (tests, internal callers).
func actorID(c *gin.Context) *string {
	v, ok := c.Get("user_id")
	if !ok {
		return nil
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return nil
	}
	return &id
}

// @Summary      Chain statistics
// @Description  Returns the chain length and current tip for dashboards.
// @Tags         Activity
// @Security     Bearer
// @Produce      json
// @Success      200  {object}  map[string]interface{}  "total_entries, tip: {sequence_number, entry_hash, created_at} or null"
// @Failure      401  {object}  map[string]interface{}  "Unauthorized"
// @Failure      500  {object}  map[string]interface{}  "Internal server error"
// @Router       /api/v1/activity/stats [get]
// Stats returns chain length and tip
// GET /api/v1/activity/stats
func (h *Handler) Stats(c *gin.Context) {
	total, err := h.store.Count(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to count activity entries",
		})
		return
	}

	tip, err := h.store.Tip(c.Request.Context())
	if err != nil {
		if errors.Is(err, ledger.ErrEmptyChain) {
			c.JSON(http.StatusOK, gin.H{
				"total_entries": total,
				"tip":           nil,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read chain tip",
		})
		return
	}

	telemetry.ChainLength.Set(float64(tip.SequenceNumber))

	c.JSON(http.StatusOK, gin.H{
		"total_entries": total,
		"tip": gin.H{
			"sequence_number": tip.SequenceNumber,
			"entry_hash":      tip.EntryHash,
			"created_at":      tip.CreatedAt,
		},
	})
}
