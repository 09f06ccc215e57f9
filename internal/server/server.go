package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/keymint/keymint/internal/activation"
	activationdomain "github.com/keymint/keymint/internal/activation/domain"
	"github.com/keymint/keymint/internal/clock"
	"github.com/keymint/keymint/internal/config"
	"github.com/keymint/keymint/internal/license"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	"github.com/keymint/keymint/internal/notification"
	"github.com/keymint/keymint/internal/observability"
	obsmetrics "github.com/keymint/keymint/internal/observability/metrics"
	"github.com/keymint/keymint/internal/order"
	orderdomain "github.com/keymint/keymint/internal/order/domain"
	"github.com/keymint/keymint/internal/payment"
	paymentdomain "github.com/keymint/keymint/internal/payment/domain"
	"github.com/keymint/keymint/internal/product"
	productdomain "github.com/keymint/keymint/internal/product/domain"
	"github.com/keymint/keymint/internal/ratelimit"
	"github.com/keymint/keymint/internal/scheduler"
	"github.com/keymint/keymint/internal/subscription"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const validateCacheTTL = 30 * time.Second

var Module = fx.Module("http.server",
	config.Module,
	clock.Module,
	observability.Module,
	fx.Provide(registerGin),
	notification.Module,
	product.Module,
	order.Module,
	license.Module,
	activation.Module,
	subscription.Module,
	payment.Module,
	ratelimit.Module,
	scheduler.Module,
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(log *zap.Logger, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(log, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine        *gin.Engine
	cfg           config.Config
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	licenseSvc    licensedomain.Service
	activationSvc activationdomain.Service
	productSvc    productdomain.Service
	orderRepo     orderdomain.Repository
	paymentSvc    paymentdomain.Service
	limiter       *ratelimit.LicenseLimiter
	obsMetrics    *obsmetrics.Metrics
	validateCache licensedomain.ValidateCache
}

type ServerParams struct {
	fx.In

	Gin           *gin.Engine
	Cfg           config.Config
	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	LicenseSvc    licensedomain.Service
	ActivationSvc activationdomain.Service
	ProductSvc    productdomain.Service
	OrderRepo     orderdomain.Repository
	PaymentSvc    paymentdomain.Service
	Limiter       *ratelimit.LicenseLimiter `optional:"true"`
	ObsMetrics    *obsmetrics.Metrics       `optional:"true"`
	ValidateCache licensedomain.ValidateCache
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:        p.Gin,
		cfg:           p.Cfg,
		db:            p.DB,
		log:           p.Log.Named("server"),
		genID:         p.GenID,
		clock:         p.Clock,
		licenseSvc:    p.LicenseSvc,
		activationSvc: p.ActivationSvc,
		productSvc:    p.ProductSvc,
		orderRepo:     p.OrderRepo,
		paymentSvc:    p.PaymentSvc,
		limiter:       p.Limiter,
		obsMetrics:    p.ObsMetrics,
		validateCache: p.ValidateCache,
	}

	svc.registerPublicRoutes()
	svc.registerAdminRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerPublicRoutes() {
	v1 := s.engine.Group("/v1")

	v1.POST("/licenses/validate", s.ValidateLicense)
	v1.POST("/licenses/activate", s.ActivateLicense)
	v1.POST("/licenses/deactivate", s.DeactivateLicense)
}

func (s *Server) registerAdminRoutes() {
	admin := s.engine.Group("/v1/admin", s.AdminRequired())

	admin.POST("/products", s.CreateProduct)
	admin.GET("/products", s.ListProducts)
	admin.GET("/products/:id", s.GetProductByID)

	admin.POST("/orders", s.CreateOrder)

	admin.POST("/licenses", s.IssueLicense)
	admin.GET("/licenses/:key", s.GetLicense)
	admin.GET("/licenses/:key/activations", s.ListActivations)
	admin.POST("/licenses/:key/suspend", s.SuspendLicense)
	admin.POST("/licenses/:key/resume", s.ResumeLicense)
	admin.POST("/licenses/:key/revoke", s.RevokeLicense)
	admin.POST("/licenses/:key/extend", s.ExtendLicense)
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/payments/:provider", s.HandlePaymentWebhook)
}
