package app

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"vendpoint/internal/clients"
	"vendpoint/internal/config"
	"vendpoint/internal/db"
	"vendpoint/internal/devicetoken"
	httpserver "vendpoint/internal/http"
	"vendpoint/internal/http/handlers"
	"vendpoint/internal/http/middleware"
	"vendpoint/internal/notify"
	"vendpoint/internal/password"
	"vendpoint/internal/redisclient"
	"vendpoint/internal/redisstore"
	"vendpoint/internal/repository"
	"vendpoint/internal/service"
	"vendpoint/internal/token"
	"vendpoint/internal/ws"
)

// App wires vendpoint dependencies.
type App struct {
	server      *httpserver.Server
	db          *sql.DB
	redisClient *redis.Client
	logger      *zap.Logger
}

// New constructs the application graph.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	sqlDB, err := db.NewPostgres(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	stateRepo := repository.NewStateRepository(sqlDB)
	if err := stateRepo.Bootstrap(ctx, cfg.Vending.InitialStock); err != nil {
		sqlDB.Close()
		return nil, err
	}

	var (
		redisClient *redis.Client
		stateCache  *redisstore.StateCache
	)
	if cfg.Redis.Addr != "" {
		redisClient, err = redisclient.New(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			sqlDB.Close()
			return nil, err
		}
		stateCache = redisstore.NewStateCache(redisClient, cfg.CacheTTL())
	}

	gateway := clients.NewRazorpayClient(cfg.Payment.BaseURL, cfg.Payment.KeyID, cfg.Payment.KeySecret, logger)

	var notifier service.Notifier
	if cfg.SMTP.Host != "" {
		mailer, err := notify.NewMailer(notify.Config{
			Host:      cfg.SMTP.Host,
			Port:      cfg.SMTP.Port,
			Username:  cfg.SMTP.Username,
			Password:  cfg.SMTP.Password,
			From:      cfg.SMTP.From,
			Recipient: cfg.SMTP.Recipient,
		}, logger)
		if err != nil {
			logger.Warn("mailer disabled", zap.Error(err))
		} else {
			notifier = mailer
		}
	}

	hub := ws.NewHub(logger)

	machine := service.NewVendingMachine(
		stateRepo,
		stateCache,
		gateway,
		notifier,
		hub,
		service.Config{
			Amount:            cfg.Payment.Amount,
			Currency:          cfg.Payment.Currency,
			RotationLimit:     cfg.Vending.RotationLimit,
			LowStockThreshold: cfg.Vending.LowStockThreshold,
			VerifyAmount:      cfg.Payment.VerifyAmount,
		},
		logger,
	)
	machine.Restore(ctx)

	deviceAuth := devicetoken.NewAuthenticator(cfg.Device.Secret, cfg.Device.StaticToken)
	streamServer := ws.NewServer(hub, deviceAuth, machine.Display, logger)

	tokens := token.NewService(cfg.Admin.JWTSecret, cfg.AdminTokenTTL())
	adminAuth := middleware.AdminAuth(tokens)
	protect := func(h http.HandlerFunc) http.HandlerFunc {
		return adminAuth(h).ServeHTTP
	}

	deviceHandler := handlers.NewDeviceHandler(machine, deviceAuth, logger)
	adminHandler := handlers.NewAdminHandler(
		machine,
		tokens,
		password.NewBcryptHasher(0),
		stateRepo,
		cfg.Admin.Username,
		cfg.Admin.PasswordHash,
		logger,
	)

	routes := httpserver.Routes{
		Order:              handlers.NewOrderHandler(machine, logger),
		PaymentVerify:      handlers.NewPaymentVerifyHandler(machine, logger),
		DeviceCommand:      deviceHandler.HandleCommand,
		DeviceSensor:       deviceHandler.HandleSensor,
		DeviceRotation:     deviceHandler.HandleRotation,
		DeviceConnectivity: deviceHandler.HandleConnectivity,
		DeviceStream:       streamServer.HandleStream,
		Refund:             handlers.NewRefundHandler(machine, logger),
		Status:             deviceHandler.HandleStatus,
		AdminLogin:         adminHandler.HandleLogin,
		AdminStock:         protect(adminHandler.HandleSetStock),
		AdminReset:         protect(adminHandler.HandleReset),
		AdminAudit:         protect(adminHandler.HandleAudit),
		Health:             handlers.NewHealthHandler(),
	}

	router := httpserver.NewRouter(routes)
	server := httpserver.NewServer(cfg.HTTPAddress(), router, logger)

	return &App{
		server:      server,
		db:          sqlDB,
		redisClient: redisClient,
		logger:      logger,
	}, nil
}

// Run starts HTTP server.
func (a *App) Run(ctx context.Context) error {
	return a.server.Run(ctx)
}

// Close releases resources.
func (a *App) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close db", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("failed to close redis", zap.Error(err))
		}
	}
}
