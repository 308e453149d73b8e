package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"chatflow-platform/internal/auth"
	"chatflow-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

type fakeCreditChecker struct {
	bal     Balance
	blocked bool
	err     error
}

func (f fakeCreditChecker) GetBalance(ctx context.Context, orgID string) (Balance, error) {
	return f.bal, f.err
}

func (f fakeCreditChecker) Blocked(ctx context.Context, orgID string) (bool, error) {
	return f.blocked, nil
}

func serveWithRole(svc CreditChecker, role string) int {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.POST("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), auth.Identity{UserID: "u", OrgID: "o1", Role: role})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, RequireCredits(svc), func(c *gin.Context) {
		c.Status(200)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	return w.Code
}

func TestRequireCredits_BlocksWhenEmpty(t *testing.T) {
	code := serveWithRole(fakeCreditChecker{bal: Balance{OrgID: "o1", BalanceMinor: 0}}, rbac.RoleOwner)
	if code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", code)
	}
}

func TestRequireCredits_BlocksWhenThrottled(t *testing.T) {
	code := serveWithRole(fakeCreditChecker{bal: Balance{OrgID: "o1", BalanceMinor: 500}, blocked: true}, rbac.RoleOwner)
	if code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", code)
	}
}

func TestRequireCredits_AllowsFundedOrg(t *testing.T) {
	code := serveWithRole(fakeCreditChecker{bal: Balance{OrgID: "o1", BalanceMinor: 500}}, rbac.RoleOperator)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireCredits_AllowsAdminOverride(t *testing.T) {
	code := serveWithRole(fakeCreditChecker{bal: Balance{OrgID: "o1", BalanceMinor: 0}, blocked: true}, rbac.RoleSuperAdmin)
	if code != 200 {
		t.Fatalf("expected 200, got %d", code)
	}
}
