package api

import (
	"errors"
	"net/http"

	"whatsapp-flow-engine/internal/dispatcher"
	"whatsapp-flow-engine/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

type ExecutionHandler struct {
	Store      *store.Store
	Dispatcher *dispatcher.Dispatcher
}

func NewExecutionHandler(s *store.Store, d *dispatcher.Dispatcher) *ExecutionHandler {
	return &ExecutionHandler{Store: s, Dispatcher: d}
}

// GetExecution returns the execution's status plus its per-recipient results.
func (h *ExecutionHandler) GetExecution(c *gin.Context) {
	id := c.Param("id")
	e, err := h.Store.GetExecution(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "execution not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	results, err := h.Store.ResultsForExecution(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"execution": e,
		"results":   results,
	})
}

// CancelExecution asks the runner to stop feeding recipients. Dispatched
// sends are not rolled back.
func (h *ExecutionHandler) CancelExecution(c *gin.Context) {
	id := c.Param("id")
	if !h.Dispatcher.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no running execution with that id on this instance"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "Cancellation requested"})
}
