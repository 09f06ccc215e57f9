package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/keymint/keymint/internal/keygen"
	orderdomain "github.com/keymint/keymint/internal/order/domain"
	productdomain "github.com/keymint/keymint/internal/product/domain"
)

type createProductRequest struct {
	Code                  string         `json:"code"`
	Name                  string         `json:"name"`
	KeyFormat             string         `json:"key_format"`
	KeyPattern            string         `json:"key_pattern"`
	DefaultMaxActivations int            `json:"default_max_activations"`
	LicenseDurationDays   int            `json:"license_duration_days"`
	TrialDays             int            `json:"trial_days"`
	Metadata              map[string]any `json:"metadata"`
}

func (s *Server) CreateProduct(c *gin.Context) {
	var req createProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.productSvc.Create(c.Request.Context(), productdomain.CreateProductRequest{
		Code:                  strings.TrimSpace(req.Code),
		Name:                  strings.TrimSpace(req.Name),
		KeyFormat:             keygen.Format(strings.TrimSpace(req.KeyFormat)),
		KeyPattern:            strings.TrimSpace(req.KeyPattern),
		DefaultMaxActivations: req.DefaultMaxActivations,
		LicenseDurationDays:   req.LicenseDurationDays,
		TrialDays:             req.TrialDays,
		Metadata:              req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListProducts(c *gin.Context) {
	resp, err := s.productSvc.List(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetProductByID(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	resp, err := s.productSvc.GetByID(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type createOrderRequest struct {
	ProductID     string         `json:"product_id"`
	CustomerEmail string         `json:"customer_email"`
	ExternalRef   string         `json:"external_ref"`
	Metadata      map[string]any `json:"metadata"`
}

func (s *Server) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	productID, err := snowflake.ParseString(strings.TrimSpace(req.ProductID))
	if err != nil {
		AbortWithError(c, orderdomain.ErrInvalidOrder)
		return
	}
	email := strings.TrimSpace(req.CustomerEmail)
	if email == "" || !strings.Contains(email, "@") {
		AbortWithError(c, orderdomain.ErrInvalidOrder)
		return
	}

	if _, err := s.productSvc.GetByID(c.Request.Context(), productID.String()); err != nil {
		AbortWithError(c, err)
		return
	}

	now := s.nowUTC()
	order := orderdomain.Order{
		ID:            s.genID.Generate(),
		ProductID:     productID,
		CustomerEmail: email,
		ExternalRef:   strings.TrimSpace(req.ExternalRef),
		Status:        orderdomain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if len(req.Metadata) > 0 {
		order.Metadata = req.Metadata
	}

	if err := s.orderRepo.Insert(c.Request.Context(), s.db, &order); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": order})
}

func (s *Server) nowUTC() time.Time {
	return s.clock.Now()
}
