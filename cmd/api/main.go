package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/tatamihq/dojo-api/api/swagger"
	"github.com/tatamihq/dojo-api/internal/handler"
	"github.com/tatamihq/dojo-api/internal/middleware"
	"github.com/tatamihq/dojo-api/internal/models"
	"github.com/tatamihq/dojo-api/internal/repository"
	"github.com/tatamihq/dojo-api/internal/service"
	"github.com/tatamihq/dojo-api/pkg/cache"
	"github.com/tatamihq/dojo-api/pkg/config"
	"github.com/tatamihq/dojo-api/pkg/database"
	"github.com/tatamihq/dojo-api/pkg/export"
	"github.com/tatamihq/dojo-api/pkg/jobs"
	"github.com/tatamihq/dojo-api/pkg/logger"
	corsmiddleware "github.com/tatamihq/dojo-api/pkg/middleware/cors"
	reqidmiddleware "github.com/tatamihq/dojo-api/pkg/middleware/requestid"
	"github.com/tatamihq/dojo-api/pkg/storage"
)

// @title Dojo API
// @version 1.0.0
// @description Multi-tenant academy management: CRM pipeline, subscriptions, attendance and async reports.
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validate := validator.New()

	// Repositories.
	userRepo := repository.NewUserRepository(db)
	orgRepo := repository.NewOrganizationRepository(db)
	leadRepo := repository.NewLeadRepository(db)
	reservationRepo := repository.NewReservationRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	subscriptionRepo := repository.NewSubscriptionRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	planRepo := repository.NewPlanRepository(db)
	turmaRepo := repository.NewTurmaRepository(db)
	attendanceRepo := repository.NewAttendanceRepository(db)
	agentRepo := repository.NewAgentRepository(db)
	reportRepo := repository.NewReportRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	// Services.
	metricsSvc := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.CRM.FunnelCacheTTL, logr, true)

	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "dojo-api",
	})

	leadSvc := service.NewLeadService(leadRepo, planRepo, orgRepo, userRepo, cacheSvc,
		cfg.CRM.FunnelCacheTTL, validate, logr, metricsSvc)

	trialHorizon := time.Duration(cfg.CRM.TrialHorizonDays) * 24 * time.Hour
	bookingSvc := service.NewBookingService(reservationRepo, leadRepo, turmaRepo, leadSvc,
		cacheSvc, trialHorizon, validate, logr, metricsSvc)

	// Lead check-ins propagate to the CRM pipeline through a queue whose
	// handler closes over the service built right after it.
	var attendanceSvc *service.AttendanceService
	crmQueue := jobs.NewQueue("crm", func(ctx context.Context, job jobs.Job) error {
		return attendanceSvc.PropagateLeadCheckIn(ctx, job)
	}, jobs.QueueConfig{Workers: 1, MaxRetries: 0, Logger: logr})
	attendanceSvc = service.NewAttendanceService(attendanceRepo, turmaRepo, studentRepo,
		leadRepo, reservationRepo, leadSvc, crmQueue,
		service.AttendanceWindow{OpensBefore: cfg.Attendance.CheckInBefore, LateGrace: cfg.Attendance.LateGrace},
		validate, logr, metricsSvc)

	studentSvc := service.NewStudentService(studentRepo, userRepo, attendanceRepo, validate, logr)
	subscriptionSvc := service.NewSubscriptionService(subscriptionRepo, planRepo, studentRepo,
		paymentRepo, userRepo, validate, logr)
	planSvc := service.NewPlanService(planRepo, validate, logr)
	turmaSvc := service.NewTurmaService(turmaRepo, validate, logr)
	userSvc := service.NewUserService(userRepo, validate, logr)

	logoStore, err := storage.NewLocalStorage("./uploads")
	if err != nil {
		logr.Fatal("failed to init upload storage", zap.Error(err))
	}
	orgSvc := service.NewOrganizationService(orgRepo, logoStore, validate, logr)

	crmQueue.Start(ctx)
	defer crmQueue.Stop()

	var agentSvc *service.AgentService
	if cfg.Agents.Enabled {
		agentQueue := jobs.NewQueue("agents", func(ctx context.Context, job jobs.Job) error {
			return agentSvc.ExecuteTask(ctx, job)
		}, jobs.QueueConfig{
			Workers:    cfg.Agents.WorkerConcurrency,
			MaxRetries: cfg.Agents.WorkerRetries,
			RetryDelay: 30 * time.Second,
			Logger:     logr,
		})
		agentSvc = service.NewAgentService(agentRepo, agentQueue, validate, logr)
		registerAgentExecutors(agentSvc, leadSvc)
		agentQueue.Start(ctx)
		defer agentQueue.Stop()
	}

	var reportSvc *service.ReportService
	if cfg.Reports.Enabled {
		reportStore, err := storage.NewLocalStorage(cfg.Reports.StorageDir)
		if err != nil {
			logr.Fatal("failed to init report storage", zap.Error(err))
		}
		signer := storage.NewSignedURLSigner(cfg.Reports.SignedURLSecret, cfg.Reports.SignedURLTTL)
		exportSvc := service.NewExportService(attendanceRepo, paymentRepo, leadRepo,
			reportStore, signer,
			service.ExportConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Reports.SignedURLTTL},
			logr, export.NewCSVExporter(), export.NewPDFExporter())

		reportWorker := service.NewReportWorker(reportRepo, exportSvc, cfg.Reports.WorkerRetries, logr)
		reportQueue := jobs.NewQueue("reports", reportWorker.Handle, jobs.QueueConfig{
			Workers:    cfg.Reports.WorkerConcurrency,
			MaxRetries: cfg.Reports.WorkerRetries,
			RetryDelay: 30 * time.Second,
			Logger:     logr,
		})
		reportSvc = service.NewReportService(reportRepo, reportQueue, exportSvc, validate, logr,
			service.ReportServiceConfig{
				ResultTTL:       cfg.Reports.SignedURLTTL,
				CleanupInterval: time.Hour,
				MaxRetries:      cfg.Reports.WorkerRetries,
			})
		reportQueue.Start(ctx)
		defer reportQueue.Stop()
		reportSvc.RecoverPendingJobs(ctx)
		reportSvc.StartCleanup(ctx)
	}

	r := buildRouter(cfg, logr, routerDeps{
		db:         db,
		redis:      redisClient,
		userRepo:   userRepo,
		metrics:    metricsSvc,
		auth:       authSvc,
		leads:      leadSvc,
		bookings:   bookingSvc,
		attendance: attendanceSvc,
		students:   studentSvc,
		subs:       subscriptionSvc,
		plans:      planSvc,
		turmas:     turmaSvc,
		users:      userSvc,
		orgs:       orgSvc,
		agents:     agentSvc,
		reports:    reportSvc,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Warn("server shutdown incomplete", zap.Error(err))
	}
}

type routerDeps struct {
	db         *sqlx.DB
	redis      *redis.Client
	userRepo   *repository.UserRepository
	metrics    *service.MetricsService
	auth       *service.AuthService
	leads      *service.LeadService
	bookings   *service.BookingService
	attendance *service.AttendanceService
	students   *service.StudentService
	subs       *service.SubscriptionService
	plans      *service.PlanService
	turmas     *service.TurmaService
	users      *service.UserService
	orgs       *service.OrganizationService
	agents     *service.AgentService
	reports    *service.ReportService
}

func buildRouter(cfg *config.Config, logr *zap.Logger, deps routerDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(deps.metrics))
	r.Use(middleware.WithResponseMeta())

	metricsH := handler.NewMetricsHandler(deps.metrics)
	r.GET("/metrics", metricsH.Prometheus)
	r.GET("/health", metricsH.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := deps.db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		if err := deps.redis.Ping(c.Request.Context()).Err(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	// Public landing-page surface, no auth.
	publicH := handler.NewPublicHandler(deps.leads, deps.bookings, deps.orgs, cfg.CRM.PublicBookingEnabled)
	lp := r.Group("/lp")
	{
		lp.GET("/branding/:slug", publicH.Branding)
		crm := lp.Group("/crm")
		crm.POST("/register", publicH.Register)
		crm.GET("/info/:leadId", publicH.LeadInfo)
		crm.GET("/classes", publicH.TrialSlots)
		crm.POST("/book", publicH.BookTrial)
		crm.DELETE("/book/:leadId", publicH.CancelBooking)
	}

	authH := handler.NewAuthHandler(deps.auth)
	api := r.Group(cfg.APIPrefix)
	{
		api.POST("/auth/login", authH.Login)
		api.POST("/auth/refresh", authH.Refresh)
	}

	authed := api.Group("", middleware.JWT(deps.auth))
	{
		authed.POST("/auth/logout", authH.Logout)
		authed.GET("/auth/me", authH.Me)
		authed.PUT("/auth/password", authH.ChangePassword)
	}

	staff := authed.Group("", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin, models.RoleInstructor))
	admin := authed.Group("", middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin))

	leadH := handler.NewLeadHandler(deps.leads)
	crm := staff.Group("/crm")
	{
		crm.GET("/leads", leadH.List)
		crm.POST("/leads", leadH.Create)
		crm.GET("/leads/:id", leadH.Get)
		crm.PUT("/leads/:id", leadH.Update)
		crm.DELETE("/leads/:id", middleware.Audit(deps.userRepo, "lead.delete", "leads"), leadH.Delete)
		crm.POST("/leads/:id/move", leadH.Move)
		crm.POST("/leads/:id/convert", middleware.Audit(deps.userRepo, "lead.convert", "leads"), leadH.Convert)
		crm.POST("/leads/:id/lose", leadH.Lose)
		crm.GET("/leads/:id/activities", leadH.Activities)
		crm.POST("/leads/:id/activities", leadH.AddNote)
		crm.GET("/funnel", leadH.Funnel)
	}

	studentH := handler.NewStudentHandler(deps.students)
	subH := handler.NewSubscriptionHandler(deps.subs)
	{
		staff.GET("/students", studentH.List)
		staff.POST("/students", studentH.Create)
		staff.GET("/students/:id", studentH.Get)
		staff.PUT("/students/:id", studentH.Update)
		staff.DELETE("/students/:id", middleware.Audit(deps.userRepo, "student.deactivate", "students"), studentH.Deactivate)
		staff.GET("/students/:id/frequency", studentH.Frequency)

		staff.GET("/students/:id/subscriptions", subH.ListByStudent)
		staff.POST("/students/:id/subscriptions", subH.CreateForStudent)
		staff.DELETE("/students/:id/subscriptions/:sid", subH.Cancel)
		staff.POST("/students/:id/subscriptions/:sid/freeze", subH.Freeze)
		staff.POST("/students/:id/subscriptions/:sid/resume", subH.Resume)

		staff.GET("/subscriptions", subH.List)
		staff.GET("/subscriptions/:id", subH.Get)
		staff.POST("/subscriptions", subH.Create)
		staff.GET("/subscriptions/:id/payments", subH.Payments)
		staff.POST("/subscriptions/:id/payments", subH.RecordPayment)
	}

	planH := handler.NewPlanHandler(deps.plans)
	{
		staff.GET("/plans", planH.List)
		staff.GET("/plans/:id", planH.Get)
		admin.POST("/plans", planH.Create)
		admin.PUT("/plans/:id", planH.Update)
		admin.DELETE("/plans/:id", middleware.Audit(deps.userRepo, "plan.deactivate", "plans"), planH.Deactivate)
	}

	turmaH := handler.NewTurmaHandler(deps.turmas)
	{
		staff.GET("/turmas", turmaH.List)
		staff.POST("/turmas", turmaH.Create)
		staff.GET("/turmas/:id", turmaH.Get)
		staff.PUT("/turmas/:id", turmaH.Update)
		staff.GET("/turmas/:id/lessons", turmaH.ListLessons)
		staff.POST("/turmas/:id/lessons", turmaH.ScheduleLesson)
		staff.GET("/lessons/:id", turmaH.GetLesson)
		staff.PATCH("/lessons/:id", turmaH.UpdateLessonStatus)
	}

	attendanceH := handler.NewAttendanceHandler(deps.attendance)
	{
		staff.POST("/attendance/checkin", attendanceH.CheckIn)
		staff.POST("/attendance/absent", attendanceH.MarkAbsent)
		staff.GET("/attendance", attendanceH.List)
		staff.GET("/attendance/:id", attendanceH.Get)
		staff.GET("/lessons/:id/attendance", attendanceH.ListByLesson)
	}

	if deps.agents != nil {
		agentH := handler.NewAgentHandler(deps.agents)
		agents := admin.Group("/agents")
		agents.GET("/insights", agentH.ListInsights)
		agents.POST("/insights/:id/approve", agentH.ApproveInsight)
		agents.POST("/insights/:id/dismiss", agentH.DismissInsight)
		agents.GET("/tasks", agentH.ListTasks)
		agents.POST("/tasks", agentH.CreateTask)
		agents.GET("/tasks/:id", agentH.GetTask)
		agents.POST("/tasks/:id/approve", agentH.ApproveTask)
		agents.POST("/tasks/:id/schedule", agentH.ScheduleTask)
		agents.POST("/tasks/:id/execute", agentH.ExecuteTask)
		agents.POST("/tasks/:id/cancel", agentH.CancelTask)
	}

	if deps.reports != nil {
		reportH := handler.NewReportHandler(deps.reports)
		admin.POST("/reports", reportH.Create)
		admin.GET("/reports", reportH.List)
		admin.GET("/reports/:id", reportH.Status)
		// Signed token carries its own expiry, no session needed.
		api.GET("/reports/download/:token", reportH.Download)
	}

	userH := handler.NewUserHandler(deps.users)
	{
		admin.GET("/users", userH.List)
		admin.POST("/users", userH.Create)
		authed.GET("/users/:id", middleware.RBAC("SUPERADMIN", "ADMIN", "SELF"), userH.Get)
		authed.PUT("/users/:id", middleware.RBAC("SUPERADMIN", "ADMIN", "SELF"), userH.Update)
		admin.DELETE("/users/:id", middleware.Audit(deps.userRepo, "user.delete", "users"), userH.Delete)
	}

	orgH := handler.NewOrganizationHandler(deps.orgs)
	{
		admin.GET("/organization", orgH.Get)
		admin.PUT("/organization/branding", orgH.UpdateBranding)
		admin.POST("/organization/logo", orgH.UploadLogo)
	}

	return r
}

// registerAgentExecutors binds the agent actions the console can execute.
// Unknown actions are rejected at task creation.
func registerAgentExecutors(agents *service.AgentService, leads *service.LeadService) {
	agents.RegisterExecutor("lead.add_note", func(ctx context.Context, task *models.AgentTask) error {
		title := task.Params["title"]
		if title == "" {
			title = "Agent follow-up"
		}
		_, err := leads.AddNote(ctx, task.Params["lead_id"], "", title, task.Params["description"])
		return err
	})
	agents.RegisterExecutor("lead.mark_lost", func(ctx context.Context, task *models.AgentTask) error {
		_, err := leads.Lose(ctx, task.Params["lead_id"], service.LoseLeadRequest{Reason: task.Params["reason"]}, "")
		return err
	})
}
