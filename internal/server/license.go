package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	activationdomain "github.com/keymint/keymint/internal/activation/domain"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	"go.uber.org/zap"
)

type issueLicenseRequest struct {
	ProductID      string         `json:"product_id"`
	OrderID        string         `json:"order_id"`
	OwnerEmail     string         `json:"owner_email"`
	MaxActivations *int           `json:"max_activations"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Server) IssueLicense(c *gin.Context) {
	var req issueLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.licenseSvc.Issue(c.Request.Context(), licensedomain.IssueRequest{
		ProductID:      strings.TrimSpace(req.ProductID),
		OrderID:        strings.TrimSpace(req.OrderID),
		OwnerEmail:     strings.TrimSpace(req.OwnerEmail),
		MaxActivations: req.MaxActivations,
		Metadata:       req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordLicenseIssued(c.Request.Context(), resp.ProductID.String())
	}
	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetLicense(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	resp, err := s.licenseSvc.GetByKey(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type validateLicenseRequest struct {
	Key string `json:"key"`
}

func (s *Server) ValidateLicense(c *gin.Context) {
	var req validateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		AbortWithError(c, licensedomain.ErrInvalidKey)
		return
	}

	if !s.allowVerify(c, key) {
		return
	}

	if cached, ok := s.validateCache.Get(key); ok {
		c.JSON(http.StatusOK, gin.H{"data": cached})
		return
	}

	resp, err := s.licenseSvc.Validate(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordValidation(c.Request.Context(), resp.Valid)
	}
	s.validateCache.Set(key, resp, validateCacheTTL)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type activateLicenseRequest struct {
	Key         string         `json:"key"`
	Fingerprint string         `json:"fingerprint"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) ActivateLicense(c *gin.Context) {
	var req activateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		AbortWithError(c, licensedomain.ErrInvalidKey)
		return
	}

	if !s.allowActivate(c, key) {
		return
	}

	ctx := c.Request.Context()
	if s.limiter.Enabled() {
		token, ok, err := s.limiter.TryLockActivation(ctx, key, req.Fingerprint)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if !ok {
			AbortWithError(c, ErrTooManyRequests)
			return
		}
		defer func() {
			if err := s.limiter.ReleaseActivation(ctx, key, req.Fingerprint, token); err != nil {
				s.log.Warn("activation lock release failed", zap.Error(err))
			}
		}()
	}

	resp, err := s.activationSvc.Activate(ctx, activationdomain.ActivateRequest{
		Key:         key,
		Fingerprint: strings.TrimSpace(req.Fingerprint),
		Metadata:    req.Metadata,
	})
	if err != nil {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordActivationAttempt(ctx, "rejected")
		}
		AbortWithError(c, err)
		return
	}

	if s.obsMetrics != nil {
		s.obsMetrics.RecordActivationAttempt(ctx, "accepted")
	}
	s.validateCache.Delete(key)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type deactivateLicenseRequest struct {
	Key         string `json:"key"`
	Fingerprint string `json:"fingerprint"`
}

func (s *Server) DeactivateLicense(c *gin.Context) {
	var req deactivateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		AbortWithError(c, licensedomain.ErrInvalidKey)
		return
	}

	err := s.activationSvc.Deactivate(c.Request.Context(), key, strings.TrimSpace(req.Fingerprint))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.validateCache.Delete(key)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) ListActivations(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	resp, err := s.activationSvc.ListByKey(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type transitionReasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) SuspendLicense(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var req transitionReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.licenseSvc.Suspend(c.Request.Context(), key, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordTransition(c, string(licensedomain.LicenseStatusActive), string(resp.Status))
	s.validateCache.Delete(key)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResumeLicense(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))

	resp, err := s.licenseSvc.Activate(c.Request.Context(), key)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordTransition(c, string(licensedomain.LicenseStatusSuspended), string(resp.Status))
	s.validateCache.Delete(key)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) RevokeLicense(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var req transitionReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.licenseSvc.Revoke(c.Request.Context(), key, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.recordTransition(c, "", string(resp.Status))
	s.validateCache.Delete(key)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type extendLicenseRequest struct {
	Days  int    `json:"days"`
	Until string `json:"until"`
}

func (s *Server) ExtendLicense(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	var req extendLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	var duration time.Duration
	switch {
	case req.Days > 0:
		duration = time.Duration(req.Days) * 24 * time.Hour
	case strings.TrimSpace(req.Until) != "":
		until, err := time.Parse(time.RFC3339, strings.TrimSpace(req.Until))
		if err != nil {
			AbortWithError(c, licensedomain.ErrInvalidDuration)
			return
		}
		duration = time.Until(until)
	default:
		AbortWithError(c, licensedomain.ErrInvalidDuration)
		return
	}

	resp, err := s.licenseSvc.Extend(c.Request.Context(), key, duration)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	s.validateCache.Delete(key)
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) allowVerify(c *gin.Context, key string) bool {
	if !s.limiter.Enabled() {
		return true
	}
	allowed, err := s.limiter.AllowVerify(c.Request.Context(), key)
	if err != nil {
		s.log.Warn("verify rate limit check failed", zap.Error(err))
		return true
	}
	if !allowed {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), "validate", "bucket_empty")
		}
		AbortWithError(c, ErrTooManyRequests)
		return false
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), "validate")
	}
	return true
}

func (s *Server) allowActivate(c *gin.Context, key string) bool {
	if !s.limiter.Enabled() {
		return true
	}
	allowed, err := s.limiter.AllowActivate(c.Request.Context(), key)
	if err != nil {
		s.log.Warn("activate rate limit check failed", zap.Error(err))
		return true
	}
	if !allowed {
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), "activate", "bucket_empty")
		}
		AbortWithError(c, ErrTooManyRequests)
		return false
	}
	if s.obsMetrics != nil {
		s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), "activate")
	}
	return true
}

func (s *Server) recordTransition(c *gin.Context, from, to string) {
	if s.obsMetrics == nil {
		return
	}
	s.obsMetrics.RecordLicenseTransition(c.Request.Context(), from, to)
}
