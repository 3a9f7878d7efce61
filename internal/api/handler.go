package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"faceattend/internal/attendance"
	"faceattend/internal/auth"
	"faceattend/internal/faceclient"
	"faceattend/internal/model"
	"faceattend/internal/queue"
	"faceattend/internal/recognition"
)

// Syncer reconciles a day of attendance into the platform ledger.
type Syncer interface {
	Sync(ctx context.Context, req attendance.SyncRequest) (attendance.SyncSummary, error)
}

// Platform is the platform user store: which user owns a face identity, and
// the ledger that sync writes to.
type Platform interface {
	UpsertUser(ctx context.Context, u attendance.PlatformUser) error
	LinkFace(ctx context.Context, userID, externalID string) error
	UnlinkFace(ctx context.Context, externalID string) error
	FaceIDForUser(ctx context.Context, userID string) (string, error)
	ListEntries(ctx context.Context, date, classRef string, limit, offset int) ([]attendance.LedgerEntry, error)
}

// Deps are the components behind the face routes. Sync, Queue and Platform may be nil.
type Deps struct {
	Coordinator *recognition.Coordinator
	Marker      *attendance.Marker
	Sync        Syncer
	Queue       queue.Queue
	Platform    Platform
	Location    *time.Location
}

// Handler serves the /v1/face routes.
type Handler struct {
	coord    *recognition.Coordinator
	marker   *attendance.Marker
	sync     Syncer
	queue    queue.Queue
	platform Platform
	loc      *time.Location
}

// New builds a Handler.
func New(d Deps) *Handler {
	loc := d.Location
	if loc == nil {
		loc = time.Local
	}
	return &Handler{coord: d.Coordinator, marker: d.Marker, sync: d.Sync, queue: d.Queue, platform: d.Platform, loc: loc}
}

// Mount registers the face routes on g, which must already authenticate.
func (h *Handler) Mount(g *gin.RouterGroup) {
	staff := auth.RequireRole(auth.RoleTeacher, auth.RoleManagement)
	anyone := auth.RequireRole(auth.RoleDevice, auth.RoleTeacher, auth.RoleManagement)

	f := g.Group("/face")
	f.GET("/status", anyone, h.status)
	f.GET("/config", anyone, h.config)
	f.GET("/students", staff, h.students)
	f.GET("/stats", staff, h.stats)
	f.GET("/attendance", staff, h.attendanceByDate)

	f.POST("/register", staff, h.register)
	f.POST("/bulk-register", staff, h.bulkRegister)
	f.DELETE("/students/:id", staff, h.remove)

	f.POST("/recognize", anyone, h.recognize)

	student := auth.RequireRole(auth.RoleStudent)
	f.POST("/mark-my-attendance", student, h.markMine)
	f.GET("/my-status", student, h.myStatus)

	f.POST("/sync", staff, h.syncDay)
	f.GET("/ledger", staff, h.ledger)
	f.PUT("/users/:id", auth.RequireRole(auth.RoleManagement), h.upsertUser)
	f.POST("/clear-attendance", auth.RequireRole(auth.RoleManagement), h.clear)
}

type registerRequest struct {
	ExternalID     string `json:"student_id" binding:"required"`
	DisplayName    string `json:"name" binding:"required"`
	Image          string `json:"image_data" binding:"required"`
	PlatformUserID string `json:"platform_user_id"`
}

func (h *Handler) register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	res, err := h.coord.Register(ctx, req.ExternalID, req.DisplayName, []byte(req.Image))
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Success {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"result": res, "error": res.FailureReason})
		return
	}

	body := gin.H{"result": res}
	if req.PlatformUserID != "" && h.platform != nil {
		if err := h.platform.LinkFace(ctx, req.PlatformUserID, res.ExternalID); err != nil {
			log.WithError(err).WithFields(log.Fields{"external_id": res.ExternalID, "user_id": req.PlatformUserID}).
				Warn("face registered but platform user not linked")
			body["link_error"] = err.Error()
		} else {
			body["platform_user_id"] = req.PlatformUserID
		}
	}
	c.JSON(http.StatusCreated, body)
}

func (h *Handler) bulkRegister(c *gin.Context) {
	var req struct {
		Students []recognition.BulkItem `json:"students" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := h.coord.BulkRegister(c.Request.Context(), req.Students)
	ok := 0
	for _, r := range results {
		if r.Error == "" {
			ok++
		}
	}
	c.JSON(http.StatusOK, gin.H{"total": len(results), "registered": ok, "failed": len(results) - ok, "results": results})
}

func (h *Handler) remove(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	ctx := c.Request.Context()
	res, err := h.coord.Remove(ctx, id)
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Found {
		c.JSON(http.StatusNotFound, gin.H{"error": "student not registered", "student_id": id})
		return
	}
	if h.platform != nil {
		if err := h.platform.UnlinkFace(ctx, id); err != nil {
			log.WithError(err).WithField("external_id", id).Warn("platform user not unlinked")
		}
	}
	c.JSON(http.StatusOK, gin.H{"student_id": id, "removed": true, "provider_removed": res.ProviderRemoved})
}

type imageRequest struct {
	Image string `json:"image_data" binding:"required"`
}

// recognizeAndMark runs recognition and, on a match, marks attendance.
// owner, when set, must equal the matched id before anything is marked.
func (h *Handler) recognizeAndMark(c *gin.Context, owner string) {
	var req imageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()
	res, err := h.coord.Recognize(ctx, []byte(req.Image))
	if err != nil {
		writeError(c, err)
		return
	}
	if !res.Recognized {
		c.JSON(http.StatusOK, gin.H{"result": res, "marked": false})
		return
	}
	if owner != "" && owner != res.ExternalID {
		log.WithFields(log.Fields{"owner": owner, "external_id": res.ExternalID}).Warn("face does not belong to caller")
		c.JSON(http.StatusForbidden, gin.H{"error": "recognized face does not match the signed in student"})
		return
	}
	out, err := h.marker.Mark(ctx, res)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"result":         res,
		"marked":         true,
		"already_marked": out.AlreadyMarked,
		"attendance":     out.Event,
	})
}

func (h *Handler) recognize(c *gin.Context) { h.recognizeAndMark(c, "") }

// callerFace resolves the signed in student to their linked face id. It writes
// the response and returns ok=false when the request cannot continue.
func (h *Handler) callerFace(c *gin.Context) (userID, faceID string, ok bool) {
	claims, found := auth.ClaimsFrom(c)
	if !found || claims.Subject == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return "", "", false
	}
	if h.platform == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "platform users not configured"})
		return "", "", false
	}
	faceID, err := h.platform.FaceIDForUser(c.Request.Context(), claims.Subject)
	if err != nil {
		writeError(c, err)
		return "", "", false
	}
	return claims.Subject, faceID, true
}

func (h *Handler) markMine(c *gin.Context) {
	_, faceID, ok := h.callerFace(c)
	if !ok {
		return
	}
	if faceID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no face registered for this account"})
		return
	}
	h.recognizeAndMark(c, faceID)
}

func (h *Handler) myStatus(c *gin.Context) {
	userID, faceID, ok := h.callerFace(c)
	if !ok {
		return
	}
	today := h.marker.Today()
	body := gin.H{"user_id": userID, "date": today, "registered": false, "marked_today": false}
	if faceID == "" {
		c.JSON(http.StatusOK, body)
		return
	}
	body["student_id"] = faceID

	rec, found, err := h.coord.Lookup(faceID)
	if err != nil {
		writeError(c, err)
		return
	}
	if found {
		body["registered"] = true
		body["registered_at"] = rec.RegisteredAt
	}
	events, err := h.marker.ForDate(today)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, ev := range events {
		if ev.ExternalID == faceID {
			body["marked_today"] = true
			body["attendance"] = ev
			break
		}
	}
	c.JSON(http.StatusOK, body)
}

func (h *Handler) status(c *gin.Context) {
	st, err := h.coord.Status()
	if err != nil {
		writeError(c, err)
		return
	}
	today, err := h.marker.StatsFor(h.marker.Today())
	if err != nil {
		writeError(c, err)
		return
	}
	body := gin.H{"face": st, "today": today, "late_cutoff": h.marker.Cutoff()}
	p := h.coord.Provider()
	if tr, ok := p.(faceclient.Trainer); ok && p.Configured() {
		state, err := tr.TrainingStatus(c.Request.Context())
		if err != nil {
			log.WithError(err).Warn("training status unavailable")
		} else {
			body["training_status"] = state
		}
	}
	c.JSON(http.StatusOK, body)
}

var setupInstructions = map[model.ProviderKind]string{
	model.ProviderLocal:  "Local mode stores photos only and cannot identify faces. Set FACE_API_PROVIDER=azure or facepp to enable recognition.",
	model.ProviderAzure:  "Set AZURE_FACE_ENDPOINT and AZURE_FACE_KEY. New registrations are recognizable once person group training finishes.",
	model.ProviderFacePP: "Set FACEPP_API_KEY and FACEPP_API_SECRET. Registrations are recognizable immediately.",
}

func (h *Handler) config(c *gin.Context) {
	p := h.coord.Provider()
	c.JSON(http.StatusOK, gin.H{
		"provider":        p.Kind().String(),
		"configured":      p.Configured(),
		"sync_consistent": p.SyncConsistent(),
		"late_cutoff":     h.marker.Cutoff(),
		"timezone":        h.loc.String(),
		"instructions":    setupInstructions[p.Kind()],
	})
}

func (h *Handler) students(c *gin.Context) {
	list, err := h.coord.List()
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]gin.H, 0, len(list))
	for _, rec := range list {
		out = append(out, gin.H{
			"student_id":    rec.ExternalID,
			"name":          rec.DisplayName,
			"provider":      rec.Provider.String(),
			"registered_at": rec.RegisteredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(out), "students": out})
}

func (h *Handler) stats(c *gin.Context) {
	st, err := h.coord.Status()
	if err != nil {
		writeError(c, err)
		return
	}
	today, err := h.marker.StatsFor(h.marker.Today())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"registered": st.CatalogSize,
		"date":       today.Date,
		"marked":     today.Total,
		"present":    today.Present,
		"late":       today.Late,
		"absent":     max(st.CatalogSize-today.Total, 0),
	})
}

func (h *Handler) dateParam(raw string) (string, error) {
	if raw == "" {
		return h.marker.Today(), nil
	}
	if _, err := time.Parse(model.DateLayout, raw); err != nil {
		return "", errors.New("date must be YYYY-MM-DD")
	}
	return raw, nil
}

func (h *Handler) attendanceByDate(c *gin.Context) {
	date, err := h.dateParam(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events, err := h.marker.ForDate(date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "count": len(events), "attendance": events})
}

func (h *Handler) ledger(c *gin.Context) {
	if h.platform == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "platform ledger not configured"})
		return
	}
	date, err := h.dateParam(c.Query("date"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := intQuery(c, "limit", 50)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entries, err := h.platform.ListEntries(c.Request.Context(), date, c.Query("class_ref"), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	if entries == nil {
		entries = []attendance.LedgerEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "count": len(entries), "entries": entries})
}

func intQuery(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func (h *Handler) upsertUser(c *gin.Context) {
	if h.platform == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "platform users not configured"})
		return
	}
	var req struct {
		Name     string `json:"name" binding:"required"`
		ClassRef string `json:"class_ref"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	u := attendance.PlatformUser{ID: strings.TrimSpace(c.Param("id")), Name: strings.TrimSpace(req.Name), ClassRef: strings.TrimSpace(req.ClassRef)}
	if err := h.platform.UpsertUser(c.Request.Context(), u); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": u})
}

type syncRequest struct {
	Date     string `json:"date"`
	ClassRef string `json:"class_ref"`
	Session  string `json:"session"`
	Async    bool   `json:"async"`
}

func (h *Handler) syncDay(c *gin.Context) {
	var req syncRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	date, err := h.dateParam(req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Async {
		if h.queue == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync queue not configured"})
			return
		}
		job := queue.SyncJob{ID: uuid.NewString(), Date: date, ClassRef: req.ClassRef, Session: req.Session, EnqueuedAt: time.Now().UTC()}
		if claims, ok := auth.ClaimsFrom(c); ok {
			job.RequestedBy = claims.Subject
		}
		if err := h.queue.Publish(c.Request.Context(), job); err != nil {
			log.WithError(err).Error("sync job not enqueued")
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "sync queue unavailable"})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID, "date": date})
		return
	}

	if h.sync == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "platform ledger not configured"})
		return
	}
	sum, err := h.sync.Sync(c.Request.Context(), attendance.SyncRequest{Date: date, ClassRef: req.ClassRef, Session: req.Session})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *Handler) clear(c *gin.Context) {
	var req struct {
		Date string `json:"date"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	date, err := h.dateParam(req.Date)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	n, err := h.marker.ClearDate(date)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"date": date, "cleared": n})
}
