package billing

import (
	"context"
	"net/http"

	"chatflow-platform/internal/auth"
	"chatflow-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// CreditChecker is the minimal billing surface needed by middleware.
type CreditChecker interface {
	GetBalance(ctx context.Context, orgID string) (Balance, error)
	Blocked(ctx context.Context, orgID string) (bool, error)
}

// RequireCredits blocks billable API calls for orgs that are throttled or
// have no credit left.
//
// Admin override:
// - super_admin bypasses
// - hidden network_operator bypasses
func RequireCredits(svc CreditChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		role, _ := auth.Role(c.Request.Context())
		if rbac.IsSuperAdmin(role) || role == rbac.RoleNetworkOperator {
			c.Next()
			return
		}

		orgID, err := auth.OrgID(c.Request.Context())
		if err != nil || orgID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "org_id required"})
			return
		}

		blocked, err := svc.Blocked(c.Request.Context(), orgID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "throttle lookup failed"})
			return
		}
		if blocked {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "organization throttled: insufficient credits"})
			return
		}

		bal, err := svc.GetBalance(c.Request.Context(), orgID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance lookup failed"})
			return
		}
		if bal.BalanceMinor <= 0 {
			// 402 Payment Required is semantically appropriate.
			c.AbortWithStatusJSON(http.StatusPaymentRequired, gin.H{"error": "insufficient credits"})
			return
		}

		c.Next()
	}
}
