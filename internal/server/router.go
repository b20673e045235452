package server

import (
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/fraterny/quest-backend/internal/handlers"
	"github.com/fraterny/quest-backend/internal/platform/envutil"
)

type Handlers struct {
	Healthcheck *handlers.HealthcheckHandler
	Assessment  *handlers.AssessmentHandler
	Payment     *handlers.PaymentHandler
}

func NewRouter(h Handlers) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	origins := envutil.String("ALLOWED_ORIGINS", "")
	if origins == "" {
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowCredentials = false
	} else {
		corsConfig.AllowOrigins = strings.Split(origins, ",")
	}
	router.Use(cors.New(corsConfig))

	router.GET("/healthcheck", h.Healthcheck.Check)

	api := router.Group("/api")
	{
		assessment := api.Group("/assessment")
		{
			assessment.POST("", h.Assessment.Submit)
			assessment.GET("/status/:testID", h.Assessment.Status)
			assessment.GET("/report/:sessionID/:userID/:testID", h.Assessment.Report)
			assessment.POST("/recover", h.Assessment.Recover)
			assessment.POST("/rebind", h.Assessment.Rebind)
			assessment.GET("/dashboard/:userID", h.Assessment.Dashboard)
			assessment.POST("/feedback", h.Assessment.Feedback)
		}

		payments := api.Group("/payments")
		{
			payments.POST("/orders", h.Payment.CreateOrder)
			payments.POST("/complete", h.Payment.Complete)
			payments.GET("/history/:userID", h.Payment.History)
		}
	}

	return router
}
