package api

import (
	"net/http"
	"strconv"

	"whatsapp-flow-engine/internal/models"
	"whatsapp-flow-engine/internal/store"

	"github.com/gin-gonic/gin"
)

type ContactHandler struct {
	Store *store.Store
}

func NewContactHandler(s *store.Store) *ContactHandler {
	return &ContactHandler{Store: s}
}

func orgFromQuery(c *gin.Context) uint {
	if v := c.Query("org_id"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			return uint(n)
		}
	}
	return 1
}

func (h *ContactHandler) GetContacts(c *gin.Context) {
	contacts, err := h.Store.ListContacts(orgFromQuery(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	// Return empty array instead of null
	if contacts == nil {
		contacts = []models.Contact{}
	}
	c.JSON(http.StatusOK, contacts)
}

type ContactRequest struct {
	OrgID      uint   `json:"org_id"`
	WaID       string `json:"wa_id" binding:"required"`
	Name       string `json:"name"`
	Tags       string `json:"tags"`
	Attributes string `json:"attributes"` // JSON
	OptedOut   bool   `json:"opted_out"`
}

func (h *ContactHandler) CreateContact(c *gin.Context) {
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.OrgID == 0 {
		req.OrgID = 1
	}
	contact := models.Contact{
		OrgID:      req.OrgID,
		WaID:       req.WaID,
		Name:       req.Name,
		Tags:       req.Tags,
		Attributes: req.Attributes,
		OptedOut:   req.OptedOut,
		Active:     true,
	}
	if err := h.Store.CreateContact(&contact); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create contact"})
		return
	}
	c.JSON(http.StatusCreated, contact)
}

func (h *ContactHandler) UpdateContact(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contact id"})
		return
	}
	var req ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	contact := models.Contact{
		ID:         uint(id),
		OrgID:      req.OrgID,
		WaID:       req.WaID,
		Name:       req.Name,
		Tags:       req.Tags,
		Attributes: req.Attributes,
		OptedOut:   req.OptedOut,
		Active:     true,
	}
	if contact.OrgID == 0 {
		contact.OrgID = 1
	}
	if err := h.Store.UpdateContact(&contact); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update contact"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Contact updated"})
}

func (h *ContactHandler) DeleteContact(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid contact id"})
		return
	}
	if err := h.Store.DeleteContact(uint(id)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete contact"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "Contact deleted"})
}
