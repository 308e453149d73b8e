package httpapi

import (
	"errors"
	"net/http"

	"chatflow-platform/internal/flow"
	"chatflow-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ListFlows returns the org's active flows in trigger evaluation order.
func (h Handlers) ListFlows(c *gin.Context) {
	if h.Flows == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "flows not configured"})
		return
	}
	orgID, ok := org(c)
	if !ok {
		return
	}
	graphs, err := h.Flows.Active(c.Request.Context(), orgID)
	if err != nil {
		abortError(c, err, "flow lookup failed")
		return
	}
	out := make([]flow.Flow, 0, len(graphs))
	for _, g := range graphs {
		out = append(out, g.Flow)
	}
	c.JSON(http.StatusOK, gin.H{"flows": out})
}

func (h Handlers) GetFlow(c *gin.Context) {
	if h.Flows == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "flows not configured"})
		return
	}
	orgID, ok := org(c)
	if !ok {
		return
	}
	f, err := h.Flows.Get(c.Request.Context(), orgID, c.Param("flow_id"))
	if err != nil {
		abortError(c, err, "flow lookup failed")
		return
	}
	c.JSON(http.StatusOK, f)
}

// PutFlow creates or replaces a flow. The graph is validated before it is
// stored; running sessions pick the new version up on their next message.
func (h Handlers) PutFlow(c *gin.Context) {
	if h.Flows == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "flows not configured"})
		return
	}
	orgID, ok := org(c)
	if !ok {
		return
	}
	var f flow.Flow
	if err := c.ShouldBindJSON(&f); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	f.ID = c.Param("flow_id")
	f.OrgID = orgID
	if f.Status == "" {
		f.Status = flow.StatusDraft
	}

	now := h.now()
	f.CreatedAt, f.UpdatedAt = now, now
	existing, err := h.Flows.Get(c.Request.Context(), orgID, f.ID)
	switch {
	case err == nil:
		f.CreatedAt = existing.CreatedAt
	case !errors.Is(err, flow.ErrNotFound):
		abortError(c, err, "flow lookup failed")
		return
	}

	if err := h.Flows.Save(c.Request.Context(), f); err != nil {
		abortError(c, err, "flow save failed")
		return
	}
	logger.From(c.Request.Context()).Info("flow saved", "flow_id", f.ID, "status", f.Status)
	c.JSON(http.StatusOK, f)
}
