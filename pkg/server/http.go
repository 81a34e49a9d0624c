package server

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/Depado/ginprom"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"github.com/wagate/app/api/routes"
	"github.com/wagate/pkg/config"
	"github.com/wagate/pkg/domains/ingest"
	"github.com/wagate/pkg/domains/store"
	"github.com/wagate/pkg/domains/whatsapp"
	"github.com/wagate/pkg/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// NewEngine wires middleware and routes onto a gin engine.
func NewEngine(appc config.App, repo store.Repository, ing ingest.Service, wa whatsapp.Service) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	app := gin.New()
	app.Use(gin.LoggerWithFormatter(func(log gin.LogFormatterParams) string {
		return fmt.Sprintf("[%s] - %s \"%s %s %s %d %s\"\n",
			log.TimeStamp.Format("2006-01-02 15:04:05"),
			log.ClientIP,
			log.Method,
			log.Path,
			log.Request.Proto,
			log.StatusCode,
			log.Latency,
		)
	}))
	app.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	app.Use(gin.Recovery())
	app.Use(otelgin.Middleware(appc.Name))
	app.Use(middleware.ClaimIp())
	app.Use(cors.New(cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPut, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type", "Authorization", "X-Requested-With", "Origin", "Accept"},
		AllowOrigins:     []string{"*"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	p := ginprom.New(
		ginprom.Engine(app),
		ginprom.Subsystem("gin"),
		ginprom.Path("/metrics"),
		ginprom.Ignore("/docs/*any"),
	)
	app.Use(p.Instrument())

	routes.SystemRoutes(app, repo, ing)

	api := app.Group("/api/v1")
	routes.WhatsAppRoutes(api.Group("/whatsapp"), wa)
	routes.ChatRoutes(api.Group("/chats"), repo)
	routes.TenantRoutes(api.Group("/tenant"), repo)

	return app
}

// LaunchHttpServer runs the engine and returns the http.Server so the caller
// can shut it down gracefully.
func LaunchHttpServer(app *gin.Engine, appc config.App) *http.Server {
	srv := &http.Server{
		Addr:    net.JoinHostPort(appc.Host, appc.Port),
		Handler: app,
	}

	go func() {
		fmt.Println("Server is running on port " + appc.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	return srv
}
