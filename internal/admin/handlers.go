package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	kiroauth "github.com/ki2api/kiro-gateway/internal/auth/kiro"
	"github.com/ki2api/kiro-gateway/internal/logging"
	"github.com/ki2api/kiro-gateway/internal/pool"
)

// Handlers is the admin API handler set. All routes require the admin key,
// presented as either x-api-key or Authorization Bearer; mutating routes
// additionally require a one-shot CSRF token.
type Handlers struct {
	AdminKey string
	Pools    *pool.PoolManager
	Keys     *KeyStore
	CSRF     *CSRFStore
}

// RegisterRoutes mounts the admin API under /api/admin.
func RegisterRoutes(r gin.IRouter, h *Handlers) {
	grp := r.Group("/api/admin")
	grp.Use(h.auth)
	grp.Use(h.csrfGuard)

	grp.GET("/credentials", h.listCredentials)
	grp.POST("/credentials", h.addCredential)
	grp.DELETE("/credentials/:id", h.deleteCredential)
	grp.POST("/credentials/:id/disabled", h.setCredentialDisabled)
	grp.POST("/credentials/:id/priority", h.setCredentialPriority)
	grp.POST("/credentials/:id/reset", h.resetCredential)
	grp.GET("/credentials/:id/balance", h.credentialBalance)
	grp.POST("/credentials/:id/pool", h.assignCredentialPool)

	grp.GET("/pools", h.listPools)
	grp.POST("/pools", h.createPool)
	grp.GET("/pools/:id", h.getPool)
	grp.PUT("/pools/:id", h.updatePool)
	grp.DELETE("/pools/:id", h.deletePool)
	grp.POST("/pools/:id/disabled", h.setPoolDisabled)

	grp.GET("/keys", h.listKeys)
	grp.POST("/keys", h.createKey)
	grp.PUT("/keys/:id", h.updateKey)
	grp.DELETE("/keys/:id", h.deleteKey)

	grp.GET("/csrf-token", h.csrfToken)
	grp.POST("/scheduling-mode", h.setSchedulingMode)
	grp.GET("/logs", h.logs)
}

func (h *Handlers) auth(c *gin.Context) {
	token := presentedAdminKey(c)
	if token == "" || subtle.ConstantTimeCompare([]byte(h.AdminKey), []byte(token)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
		return
	}
	c.Next()
}

// presentedAdminKey extracts the admin key from either accepted header,
// x-api-key taking precedence over the Bearer form.
func presentedAdminKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// csrfGuard consumes a one-shot CSRF token on every mutating request.
func (h *Handlers) csrfGuard(c *gin.Context) {
	switch c.Request.Method {
	case http.MethodPost, http.MethodPut, http.MethodDelete:
	default:
		c.Next()
		return
	}
	if !h.CSRF.Consume(c.GetHeader("x-csrf-token")) {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing or invalid CSRF token"})
		return
	}
	c.Next()
}

func (h *Handlers) csrfToken(c *gin.Context) {
	token, err := h.CSRF.Issue()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func pathID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// withCredentialManager runs fn against every pool's manager until one owns
// the credential.
func (h *Handlers) withCredentialManager(c *gin.Context, fn func(mgr *pool.Manager) error) {
	for _, p := range h.Pools.Pools() {
		mgr, err := h.Pools.Manager(p.ID)
		if err != nil {
			continue
		}
		err = fn(mgr)
		if errors.Is(err, pool.ErrCredentialNotFound) {
			continue
		}
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
}

func (h *Handlers) listCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": h.Pools.Snapshots()})
}

func (h *Handlers) addCredential(c *gin.Context) {
	var cred kiroauth.Credential
	if err := c.ShouldBindJSON(&cred); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid credential body: " + err.Error()})
		return
	}
	poolID := cred.PoolID
	id, err := h.Pools.AddCredential(c.Request.Context(), poolID, cred)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.WithFields(log.Fields{"credentialId": id, "pool": poolID}).Info("credential added")
	c.JSON(http.StatusOK, gin.H{"id": id})
}

func (h *Handlers) deleteCredential(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.withCredentialManager(c, func(mgr *pool.Manager) error {
		return mgr.DeleteCredential(id)
	})
}

func (h *Handlers) setCredentialDisabled(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Disabled bool `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	h.withCredentialManager(c, func(mgr *pool.Manager) error {
		return mgr.SetDisabled(id, body.Disabled)
	})
}

func (h *Handlers) setCredentialPriority(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Priority uint32 `json:"priority"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	h.withCredentialManager(c, func(mgr *pool.Manager) error {
		return mgr.SetPriority(id, body.Priority)
	})
}

func (h *Handlers) resetCredential(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.withCredentialManager(c, func(mgr *pool.Manager) error {
		return mgr.ResetAndEnable(id)
	})
}

func (h *Handlers) credentialBalance(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	for _, p := range h.Pools.Pools() {
		mgr, err := h.Pools.Manager(p.ID)
		if err != nil {
			continue
		}
		limits, err := mgr.GetUsageLimits(c.Request.Context(), id)
		if errors.Is(err, pool.ErrCredentialNotFound) {
			continue
		}
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", limits)
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "credential not found"})
}

func (h *Handlers) assignCredentialPool(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		PoolID string `json:"poolId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	if err := h.Pools.AssignCredential(id, body.PoolID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.WithFields(log.Fields{"credentialId": id, "pool": body.PoolID}).Info("credential reassigned")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) listPools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pools": h.Pools.Snapshots()})
}

func (h *Handlers) getPool(c *gin.Context) {
	poolID := c.Param("id")
	for _, snap := range h.Pools.Snapshots() {
		if snap.Pool.ID == poolID {
			c.JSON(http.StatusOK, snap)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
}

func (h *Handlers) createPool(c *gin.Context) {
	var p pool.Pool
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pool body: " + err.Error()})
		return
	}
	if err := h.Pools.CreatePool(p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.WithField("pool", p.ID).Info("pool created")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) updatePool(c *gin.Context) {
	var p pool.Pool
	if err := c.ShouldBindJSON(&p); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid pool body: " + err.Error()})
		return
	}
	p.ID = c.Param("id")
	if err := h.Pools.UpdatePool(p); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, pool.ErrPoolNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) deletePool(c *gin.Context) {
	poolID := c.Param("id")
	if err := h.Pools.DeletePool(poolID); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, pool.ErrPoolNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	log.WithField("pool", poolID).Info("pool deleted")
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) setPoolDisabled(c *gin.Context) {
	poolID := c.Param("id")
	var body struct {
		Disabled bool `json:"disabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	for _, p := range h.Pools.Pools() {
		if p.ID != poolID {
			continue
		}
		p.Enabled = !body.Disabled
		if err := h.Pools.UpdatePool(p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
}

func (h *Handlers) listKeys(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": h.Keys.List()})
}

func (h *Handlers) createKey(c *gin.Context) {
	var body struct {
		Name   string `json:"name"`
		PoolID string `json:"poolId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	key, err := h.Keys.Create(body.Name, body.PoolID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	log.WithField("name", key.Name).Info("api key created")
	// The full key is returned exactly once, at creation.
	c.JSON(http.StatusOK, key)
}

func (h *Handlers) updateKey(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	var body struct {
		Name    *string `json:"name"`
		PoolID  *string `json:"poolId"`
		Enabled *bool   `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	key, err := h.Keys.Update(id, KeyUpdate{Name: body.Name, PoolID: body.PoolID, Enabled: body.Enabled})
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrKeyNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":        key.ID,
		"name":      key.Name,
		"key":       key.Masked(),
		"poolId":    key.PoolID,
		"enabled":   key.Enabled,
		"createdAt": key.CreatedAt,
	})
}

func (h *Handlers) deleteKey(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	if err := h.Keys.Delete(id); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, ErrKeyNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) setSchedulingMode(c *gin.Context) {
	var body struct {
		Mode   string `json:"mode"`
		PoolID string `json:"poolId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body: " + err.Error()})
		return
	}
	mode, err := pool.ParseSchedulingMode(body.Mode)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	poolID := body.PoolID
	if poolID == "" {
		poolID = pool.DefaultPoolID
	}
	for _, p := range h.Pools.Pools() {
		if p.ID != poolID {
			continue
		}
		p.SchedulingMode = mode
		if err = h.Pools.UpdatePool(p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		log.WithFields(log.Fields{"pool": poolID, "mode": mode}).Info("scheduling mode changed")
		c.JSON(http.StatusOK, gin.H{"ok": true})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "pool not found"})
}

// logs returns the most recent in-memory log entries.
func (h *Handlers) logs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"entries": logging.GlobalBuffer.Recent(limit)})
}
