package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"whatsapp-flow-engine/internal/audience"
	"whatsapp-flow-engine/internal/dispatcher"
	"whatsapp-flow-engine/internal/models"
	"whatsapp-flow-engine/internal/planner"
	"whatsapp-flow-engine/internal/recurrence"
	"whatsapp-flow-engine/internal/store"
	"whatsapp-flow-engine/internal/variables"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type AutomationHandler struct {
	Store      *store.Store
	Planner    *planner.Planner
	Dispatcher *dispatcher.Dispatcher
}

func NewAutomationHandler(s *store.Store, p *planner.Planner, d *dispatcher.Dispatcher) *AutomationHandler {
	return &AutomationHandler{Store: s, Planner: p, Dispatcher: d}
}

type RecurrenceRequest struct {
	Frequency      string `json:"frequency" binding:"required"`
	Weekdays       string `json:"weekdays"`
	WindowStart    string `json:"window_start" binding:"required"`
	WindowEnd      string `json:"window_end" binding:"required"`
	Timezone       string `json:"timezone" binding:"required"`
	DayOfMonth     int    `json:"day_of_month"`
	EndDate        string `json:"end_date"` // YYYY-MM-DD
	MaxOccurrences int    `json:"max_occurrences"`
}

type ExceptionRequest struct {
	Kind      string `json:"kind" binding:"required"`
	StartDate string `json:"start_date" binding:"required"` // YYYY-MM-DD
	EndDate   string `json:"end_date" binding:"required"`
	Reason    string `json:"reason"`
}

type AutomationRequest struct {
	OrgID          uint               `json:"org_id"`
	Name           string             `json:"name" binding:"required"`
	FlowID         string             `json:"flow_id" binding:"required"`
	ChannelID      string             `json:"channel_id" binding:"required"`
	TriggerType    string             `json:"trigger_type" binding:"required"`
	TriggerKeyword string             `json:"trigger_keyword"`
	Audience       json.RawMessage    `json:"audience" binding:"required"`
	Variables      json.RawMessage    `json:"variables"`
	Recurrence     *RecurrenceRequest `json:"recurrence"`
	Exceptions     []ExceptionRequest `json:"exceptions"`
}

// buildAutomation validates the request synchronously; definition errors
// never reach the dispatcher.
func buildAutomation(req *AutomationRequest) (*models.FlowAutomation, error) {
	switch req.TriggerType {
	case models.TriggerScheduled, models.TriggerManual, models.TriggerWebhook:
	default:
		return nil, errors.New("trigger_type must be scheduled, manual or webhook")
	}

	if _, err := audience.ParseSpec(string(req.Audience)); err != nil {
		return nil, err
	}
	if _, err := variables.ParseTemplate(string(req.Variables)); err != nil {
		return nil, err
	}

	a := &models.FlowAutomation{
		OrgID:          req.OrgID,
		Name:           req.Name,
		FlowID:         req.FlowID,
		ChannelID:      req.ChannelID,
		TriggerType:    req.TriggerType,
		TriggerKeyword: req.TriggerKeyword,
		Audience:       string(req.Audience),
		Variables:      string(req.Variables),
		Active:         true,
	}
	if a.OrgID == 0 {
		a.OrgID = 1
	}

	if req.TriggerType == models.TriggerScheduled {
		if req.Recurrence == nil {
			return nil, errors.New("scheduled automations need a recurrence rule")
		}
		rule := &models.RecurrenceRule{
			Frequency:      req.Recurrence.Frequency,
			Weekdays:       req.Recurrence.Weekdays,
			WindowStart:    req.Recurrence.WindowStart,
			WindowEnd:      req.Recurrence.WindowEnd,
			Timezone:       req.Recurrence.Timezone,
			DayOfMonth:     req.Recurrence.DayOfMonth,
			MaxOccurrences: req.Recurrence.MaxOccurrences,
		}
		if rule.DayOfMonth == 0 {
			rule.DayOfMonth = 1
		}
		if req.Recurrence.EndDate != "" {
			end, err := time.Parse("2006-01-02", req.Recurrence.EndDate)
			if err != nil {
				return nil, errors.New("recurrence end_date must be YYYY-MM-DD")
			}
			rule.EndDate = &end
		}
		if err := recurrence.Validate(rule); err != nil {
			return nil, err
		}
		a.Recurrence = rule
	}

	for _, ex := range req.Exceptions {
		start, err := time.Parse("2006-01-02", ex.StartDate)
		if err != nil {
			return nil, errors.New("exception start_date must be YYYY-MM-DD")
		}
		end, err := time.Parse("2006-01-02", ex.EndDate)
		if err != nil {
			return nil, errors.New("exception end_date must be YYYY-MM-DD")
		}
		rule := models.ExceptionRule{Kind: ex.Kind, StartDate: start, EndDate: end, Reason: ex.Reason}
		if err := recurrence.ValidateException(&rule); err != nil {
			return nil, err
		}
		a.Exceptions = append(a.Exceptions, rule)
	}

	return a, nil
}

func (h *AutomationHandler) CreateAutomation(c *gin.Context) {
	var req AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := buildAutomation(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Store.CreateAutomation(a); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, a)
}

func (h *AutomationHandler) UpdateAutomation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid automation id"})
		return
	}
	existing, err := h.Store.GetAutomation(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	var req AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := buildAutomation(&req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.ID = existing.ID
	a.Active = existing.Active
	a.CreatedAt = existing.CreatedAt

	if err := h.Store.UpdateAutomation(a); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Any edit invalidates the cached plan; the next poll replans.
	h.Planner.Invalidate(a.ID)
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) GetAutomation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid automation id"})
		return
	}
	a, err := h.Store.GetAutomation(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (h *AutomationHandler) GetAutomations(c *gin.Context) {
	orgID := uint(1)
	if v := c.Query("org_id"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid org_id"})
			return
		}
		orgID = uint(n)
	}
	list, err := h.Store.ListAutomations(orgID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []models.FlowAutomation{}
	}
	c.JSON(http.StatusOK, list)
}

func (h *AutomationHandler) DeactivateAutomation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid automation id"})
		return
	}
	if err := h.Store.DeactivateAutomation(uint(id)); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.Planner.Invalidate(uint(id))
	c.JSON(http.StatusOK, gin.H{"status": "Automation deactivated"})
}

// PreviewOccurrences serves UI calendar previews of the next due instants.
func (h *AutomationHandler) PreviewOccurrences(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid automation id"})
		return
	}
	count := planner.DefaultHorizon
	if v := c.Query("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			count = n
		}
	}
	a, err := h.Store.GetAutomation(uint(id))
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	occs, err := h.Planner.NextOccurrences(a, time.Now().UTC(), count)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if occs == nil {
		occs = []time.Time{}
	}
	c.JSON(http.StatusOK, gin.H{"occurrences": occs})
}

// ExecuteNow accepts an immediate trigger: synchronous accept, asynchronous
// completion.
func (h *AutomationHandler) ExecuteNow(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid automation id"})
		return
	}
	e, err := h.Dispatcher.ExecuteNow(c.Request.Context(), uint(id), models.TriggerManual)
	if err != nil {
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "automation not found"})
		case errors.Is(err, dispatcher.ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": "automation already has an execution in flight"})
		case errors.Is(err, dispatcher.ErrInactive):
			c.JSON(http.StatusConflict, gin.H{"error": "automation is not active"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"execution_id": e.ID})
}

func (h *AutomationHandler) GetAutomationExecutions(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid automation id"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	list, err := h.Store.ListExecutions(uint(id), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if list == nil {
		list = []models.Execution{}
	}
	c.JSON(http.StatusOK, list)
}
