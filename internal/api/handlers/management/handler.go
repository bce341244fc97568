// Package management provides the /v0/management endpoints: account listing
// and lifecycle control (import, remove, restore, enable, disable) plus the
// recent-flow query. Access requires the configured management key.
package management

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/kiroproxy/kiroproxy/internal/auth"
	"github.com/kiroproxy/kiroproxy/internal/config"
	"github.com/kiroproxy/kiroproxy/internal/flow"
	"github.com/kiroproxy/kiroproxy/internal/pool"
)

// Handler aggregates the configuration, the account pool and the flow store.
type Handler struct {
	cfg   *config.Config
	pool  *pool.Pool
	flows *flow.BoltSink
}

// NewHandler creates a management handler. flows may be nil when the proxy
// runs without a flow store.
func NewHandler(cfg *config.Config, accounts *pool.Pool, flows *flow.BoltSink) *Handler {
	return &Handler{cfg: cfg, pool: accounts, flows: flows}
}

// Middleware enforces the management key. The key arrives either as a bearer
// token or in the X-Management-Key header.
func (h *Handler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := h.cfg.ManagementKey
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "management key not set"})
			return
		}

		var provided string
		if ah := c.GetHeader("Authorization"); ah != "" {
			parts := strings.SplitN(ah, " ", 2)
			if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
				provided = parts[1]
			} else {
				provided = ah
			}
		}
		if provided == "" {
			provided = c.GetHeader("X-Management-Key")
		}
		if provided == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing management key"})
			return
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid management key"})
			return
		}

		c.Next()
	}
}

// accountView is the redacted account representation served over the API.
// Tokens never leave the process.
type accountView struct {
	ID            string          `json:"id"`
	AuthKind      auth.AuthKind   `json:"auth_kind"`
	Status        auth.Status     `json:"status"`
	Enabled       bool            `json:"enabled"`
	ExpiresAt     time.Time       `json:"expires_at"`
	CooldownUntil *time.Time      `json:"cooldown_until,omitempty"`
	LastError     *auth.LastError `json:"last_error,omitempty"`
}

func viewOf(acct *auth.Account) accountView {
	return accountView{
		ID:            acct.ID,
		AuthKind:      acct.Credential.AuthKind,
		Status:        acct.Status,
		Enabled:       acct.Enabled,
		ExpiresAt:     acct.Credential.ExpiresAt,
		CooldownUntil: acct.CooldownUntil,
		LastError:     acct.LastError,
	}
}

// ListAccounts handles GET /v0/management/accounts.
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts := h.pool.List()
	views := make([]accountView, 0, len(accounts))
	for _, acct := range accounts {
		views = append(views, viewOf(acct))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

// importRequest is the token JSON produced by a Kiro IDE export.
type importRequest struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	AuthMethod   string    `json:"authMethod"`
	ClientIDHash string    `json:"clientIdHash"`
}

// ImportAccount handles POST /v0/management/accounts. The imported account
// goes through one refresh immediately; a broken refresh token therefore
// shows up as Unhealthy in the response rather than on first use.
func (h *Handler) ImportAccount(c *gin.Context) {
	var body importRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid token JSON: " + err.Error()})
		return
	}
	if body.RefreshToken == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "refreshToken is required"})
		return
	}
	kind, err := auth.ParseAuthKind(body.AuthMethod)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cred := auth.Credential{
		AccessToken:  body.AccessToken,
		RefreshToken: body.RefreshToken,
		ExpiresAt:    body.ExpiresAt,
		AuthKind:     kind,
		ClientIDHash: body.ClientIDHash,
		IssuedAt:     time.Now(),
	}
	// The refresh token is the one stable secret naming the upstream
	// account, so re-importing the same export lands on the same id.
	acct := auth.NewAccount(string(kind), body.RefreshToken, cred)

	if err = h.pool.Add(acct); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	if err = h.pool.RefreshAccount(c.Request.Context(), acct.ID); err != nil {
		log.Warnf("imported account %s failed its initial refresh: %v", acct.ID, err)
	}

	fresh, ok := h.pool.Get(acct.ID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "account vanished during import"})
		return
	}
	c.JSON(http.StatusCreated, viewOf(fresh))
}

// DeleteAccount handles DELETE /v0/management/accounts/:id.
func (h *Handler) DeleteAccount(c *gin.Context) {
	id := c.Param("id")
	if err := h.pool.Remove(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RestoreAccount handles POST /v0/management/accounts/:id/restore. The
// account returns to Active only when a fresh token exchange succeeds.
func (h *Handler) RestoreAccount(c *gin.Context) {
	id := c.Param("id")
	acct, ok := h.pool.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown account " + id})
		return
	}
	if !acct.Enabled {
		c.JSON(http.StatusConflict, gin.H{"error": "account is disabled; enable it first"})
		return
	}
	if err := h.pool.Restore(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	fresh, _ := h.pool.Get(id)
	c.JSON(http.StatusOK, viewOf(fresh))
}

// EnableAccount handles POST /v0/management/accounts/:id/enable.
func (h *Handler) EnableAccount(c *gin.Context) {
	h.setEnabled(c, true)
}

// DisableAccount handles POST /v0/management/accounts/:id/disable.
func (h *Handler) DisableAccount(c *gin.Context) {
	h.setEnabled(c, false)
}

func (h *Handler) setEnabled(c *gin.Context, enabled bool) {
	id := c.Param("id")
	if err := h.pool.SetEnabled(id, enabled); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	fresh, _ := h.pool.Get(id)
	c.JSON(http.StatusOK, viewOf(fresh))
}

// RecentFlows handles GET /v0/management/flows?limit=N, newest first.
func (h *Handler) RecentFlows(c *gin.Context) {
	if h.flows == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "flow store not configured"})
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	records, err := h.flows.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"flows": records})
}
