package shipsync

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/fulfillment_backend/config"
	"bitbucket.org/mmdatafocus/fulfillment_backend/models"
	"bitbucket.org/mmdatafocus/fulfillment_backend/utils"
	"bitbucket.org/mmdatafocus/fulfillment_backend/workflow"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

func StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())

		controls, err := models.ListWorkflowControls(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		workflows := make([]WorkflowStatus, 0, len(controls))
		for _, wc := range controls {
			workflows = append(workflows, WorkflowStatus{
				Name:      wc.WorkflowName,
				Enabled:   utils.BoolValue(wc.IsEnabled),
				LastRunAt: formatTime(wc.LastRunAt),
			})
		}

		var runs []models.SyncRun
		if err := db.Order("id desc").Limit(10).Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		overall := models.OverallStatusOffline
		if snap, err := models.LatestKpiSnapshot(db); err == nil {
			overall = snap.OverallStatus
		}

		c.JSON(http.StatusOK, StatusResponse{
			OverallStatus: overall,
			Workflows:     workflows,
			LatestRuns:    mapRuns(runs),
		})
	}
}

func TriggerSyncHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerSyncRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		workflowName := strings.TrimSpace(req.Workflow)
		switch workflowName {
		case models.WorkflowOrderSync, models.WorkflowShipmentSync,
			models.WorkflowSnapshotReconcile, models.WorkflowWeeklyReport, models.WorkflowCleanup:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown workflow"})
			return
		}

		if req.Async {
			if err := PublishSyncRun(c.Request.Context(), 0, workflowName); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true})
			return
		}

		db := config.GetDB()
		logger := config.GetLogger()
		ctx := c.Request.Context()

		var (
			run *models.SyncRun
			err error
		)
		switch workflowName {
		case models.WorkflowOrderSync:
			run, err = RunOrderSync(ctx, db, logger, models.SyncTriggeredManual)
		case models.WorkflowShipmentSync:
			run, err = RunShipmentSync(ctx, db, logger, models.SyncTriggeredManual)
		case models.WorkflowSnapshotReconcile:
			run, err = RunSnapshotReconcile(ctx, db, logger, models.SyncTriggeredManual)
		case models.WorkflowWeeklyReport:
			run, err = RunWeeklyReport(ctx, db, logger, models.SyncTriggeredManual)
		case models.WorkflowCleanup:
			run, err = RunCleanup(ctx, db, logger, models.SyncTriggeredManual)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "workflow is disabled"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func SyncHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 20
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
				limit = n
			}
		}

		db := config.GetDB().WithContext(c.Request.Context())
		q := db.Order("id desc").Limit(limit)
		if wf := strings.TrimSpace(c.Query("workflow")); wf != "" {
			q = q.Where("workflow_name = ?", wf)
		}
		var runs []models.SyncRun
		if err := q.Find(&runs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, SyncHistoryResponse{Items: mapRuns(runs)})
	}
}

func SyncRunDetailHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		run, err := utils.FetchSingleModel[models.SyncRun](db, id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var errs []models.SyncError
		if err := db.Where("sync_run_id = ?", run.ID).Order("id desc").Find(&errs).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		c.JSON(http.StatusOK, SyncRunDetailResponse{
			SyncRunResponse: mapRunToResponse(*run),
			Errors:          mapErrors(errs),
		})
	}
}

func RetrySyncRunHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid run id"})
			return
		}

		db := config.GetDB()
		logger := config.GetLogger()

		parent, err := utils.FetchSingleModel[models.SyncRun](db, id)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		ctx := c.Request.Context()
		var run *models.SyncRun
		switch parent.WorkflowName {
		case models.WorkflowOrderSync:
			run, err = RunOrderSync(ctx, db, logger, models.SyncTriggeredRetry)
		case models.WorkflowShipmentSync:
			run, err = RunShipmentSync(ctx, db, logger, models.SyncTriggeredRetry)
		case models.WorkflowSnapshotReconcile:
			run, err = RunSnapshotReconcile(ctx, db, logger, models.SyncTriggeredRetry)
		case models.WorkflowWeeklyReport:
			run, err = RunWeeklyReport(ctx, db, logger, models.SyncTriggeredRetry)
		case models.WorkflowCleanup:
			run, err = RunCleanup(ctx, db, logger, models.SyncTriggeredRetry)
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown workflow"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if run == nil {
			c.JSON(http.StatusConflict, gin.H{"error": "workflow is disabled"})
			return
		}
		if err := db.Model(run).Update("parent_run_id", parent.ID).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": run.ID})
	}
}

func ListViolationsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())

		var resolved *bool
		if v := strings.TrimSpace(c.Query("resolved")); v != "" {
			b := v == "true" || v == "1"
			resolved = &b
		}
		limit := 100
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}

		violations, err := models.ListViolations(db, resolved, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": violations})
	}
}

func ResolveViolationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.Atoi(c.Param("id"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid violation id"})
			return
		}

		var req ResolveViolationRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		resolvedBy := strings.TrimSpace(req.ResolvedBy)
		if resolvedBy == "" {
			resolvedBy, _ = utils.GetOperatorFromContext(c.Request.Context())
		}

		var violation *models.ShippingViolation
		err = config.GetDB().Transaction(func(tx *gorm.DB) error {
			var txErr error
			violation, txErr = workflow.ResolveViolation(tx, id, resolvedBy)
			return txErr
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, violation)
	}
}

func ListWorkflowsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())
		controls, err := models.ListWorkflowControls(db)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": controls})
	}
}

func SetWorkflowHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.TrimSpace(c.Param("name"))
		var req SetWorkflowRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Enabled == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}
		updatedBy := strings.TrimSpace(req.UpdatedBy)
		if updatedBy == "" {
			updatedBy, _ = utils.GetOperatorFromContext(c.Request.Context())
		}

		var control *models.WorkflowControl
		err := config.GetDB().Transaction(func(tx *gorm.DB) error {
			var txErr error
			control, txErr = models.SetWorkflowEnabled(tx, name, *req.Enabled, updatedBy)
			return txErr
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		// Overall status folds in workflow state; drop the cached KPI view.
		_ = config.RemoveRedisKey("report:kpi")
		c.JSON(http.StatusOK, control)
	}
}

func StockSnapshotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())

		if sku := strings.TrimSpace(c.Query("sku")); sku != "" {
			snap, err := models.GetStockSnapshot(db, sku)
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
					return
				}
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, snap)
			return
		}

		var snaps []models.StockSnapshot
		if err := db.Order("sku asc").Find(&snaps).Error; err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": snaps})
	}
}

func ClearAllocationHoldHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku := strings.TrimSpace(c.Param("sku"))
		if sku == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "sku is required"})
			return
		}
		err := config.GetDB().Transaction(func(tx *gorm.DB) error {
			return models.ClearAllocationHold(tx, sku)
		})
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// AdjustStockHandler appends a manual adjustment to the ledger. The sign of
// the quantity picks the transaction kind; the lot must exist and belong to
// the SKU in the path.
func AdjustStockHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		sku := strings.TrimSpace(c.Param("sku"))
		var req AdjustStockRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Quantity.IsZero() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		kind := models.TransactionKindAdjustUp
		if req.Quantity.IsNegative() {
			kind = models.TransactionKindAdjustDown
		}
		notes := strings.TrimSpace(req.Reason)
		if operator, ok := utils.GetOperatorFromContext(c.Request.Context()); ok && operator != "" {
			notes = strings.TrimSpace(notes + " (by " + operator + ")")
		}
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())

		logger := config.GetLogger()
		txn := &models.LedgerTransaction{
			Sku:           sku,
			LotCode:       strings.TrimSpace(req.LotCode),
			Quantity:      req.Quantity,
			Kind:          kind,
			Notes:         notes,
			CorrelationId: cid,
		}
		err := config.GetDB().Transaction(func(tx *gorm.DB) error {
			lot, err := models.GetLotByCode(tx, txn.LotCode)
			if err != nil {
				return err
			}
			if lot.Sku != sku {
				return errors.New("lot does not belong to sku")
			}
			return workflow.ApplyLedgerTransaction(tx, logger, txn)
		})
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "lot not found"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, txn)
	}
}

func CreateLotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var input models.NewSkuLot
		if err := c.ShouldBindJSON(&input); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		var lot *models.SkuLot
		err := config.GetDB().Transaction(func(tx *gorm.DB) error {
			var txErr error
			lot, txErr = models.CreateSkuLot(tx, &input)
			return txErr
		})
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, lot)
	}
}

// CloseLotHandler retires a lot from allocation regardless of its balance.
func CloseLotHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		lotCode := strings.TrimSpace(c.Param("lotCode"))
		if lotCode == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "lot code is required"})
			return
		}
		err := config.GetDB().Transaction(func(tx *gorm.DB) error {
			if _, err := models.GetLotByCode(tx, lotCode); err != nil {
				return err
			}
			return models.CloseLot(tx, lotCode)
		})
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "lot not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

func WeeklyHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		db := config.GetDB().WithContext(c.Request.Context())

		var since time.Time
		if v := strings.TrimSpace(c.Query("since")); v != "" {
			if t, err := time.Parse("2006-01-02", v); err == nil {
				since = t
			}
		}
		limit := 500
		if v := strings.TrimSpace(c.Query("limit")); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 2000 {
				limit = n
			}
		}

		rows, err := models.ListWeeklyShippedHistory(db, since, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": rows})
	}
}

func KpiHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var cached models.KpiSnapshot
		if ok, err := config.GetRedisObject("report:kpi", &cached); err == nil && ok {
			c.JSON(http.StatusOK, cached)
			return
		}

		db := config.GetDB().WithContext(c.Request.Context())
		snap, err := models.LatestKpiSnapshot(db)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "no kpi snapshot yet"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func mapRuns(runs []models.SyncRun) []SyncRunResponse {
	out := make([]SyncRunResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, mapRunToResponse(run))
	}
	return out
}

func mapRunToResponse(run models.SyncRun) SyncRunResponse {
	return SyncRunResponse{
		ID:            run.ID,
		WorkflowName:  run.WorkflowName,
		Status:        run.Status,
		StartedAt:     formatTime(run.StartedAt),
		FinishedAt:    formatTime(run.FinishedAt),
		DurationMs:    run.DurationMs,
		RecordsSynced: run.RecordsSynced,
		ErrorCount:    run.ErrorCount,
		TriggeredBy:   run.TriggeredBy,
	}
}

func mapErrors(errorsList []models.SyncError) []SyncErrorResponse {
	out := make([]SyncErrorResponse, 0, len(errorsList))
	for _, errItem := range errorsList {
		out = append(out, SyncErrorResponse{
			ID:         errItem.ID,
			EntityType: errItem.EntityType,
			ExternalId: errItem.ExternalId,
			ErrorCode:  errItem.ErrorCode,
			Message:    errItem.Message,
			Retryable:  errItem.Retryable,
		})
	}
	return out
}
