package di

import (
	"github.com/prohmpiriya/fwe-access/internal/handler"
	"github.com/prohmpiriya/fwe-access/internal/repository"
	"github.com/prohmpiriya/fwe-access/internal/service"
	"github.com/prohmpiriya/fwe-access/pkg/redis"
	"github.com/prohmpiriya/fwe-access/pkg/retry"
)

// Container holds all dependencies for the access service
type Container struct {
	// Infrastructure
	DB    handler.HealthChecker
	Redis *redis.Client

	// Repositories
	TerminalRepo repository.TerminalRepository
	CheckInRepo  repository.CheckInRepository
	TicketLocker service.TicketLocker

	// Publishers
	EventPublisher service.AccessEventPublisher
	DLQPublisher   retry.DLQPublisher

	// Services
	AccessRecorder *service.RetryingAccessRecorder
	CheckInService service.CheckInService

	// Handlers
	HealthHandler  *handler.HealthHandler
	CheckInHandler *handler.CheckInHandler
}

// ContainerConfig contains configuration for building the container
type ContainerConfig struct {
	DB             handler.HealthChecker
	Redis          *redis.Client
	TerminalRepo   repository.TerminalRepository
	CheckInRepo    repository.CheckInRepository
	TicketLocker   service.TicketLocker
	EventPublisher service.AccessEventPublisher
	DLQPublisher   retry.DLQPublisher
	RecorderConfig *service.AccessRecorderConfig
	ServiceConfig  *service.CheckInServiceConfig
	ServiceName    string
	Version        string
}

// NewContainer creates a new dependency injection container
func NewContainer(cfg *ContainerConfig) *Container {
	c := &Container{
		DB:             cfg.DB,
		Redis:          cfg.Redis,
		TerminalRepo:   cfg.TerminalRepo,
		CheckInRepo:    cfg.CheckInRepo,
		TicketLocker:   cfg.TicketLocker,
		EventPublisher: cfg.EventPublisher,
		DLQPublisher:   cfg.DLQPublisher,
	}

	if c.EventPublisher == nil {
		c.EventPublisher = service.NewNoOpAccessEventPublisher()
	}
	if c.DLQPublisher == nil {
		c.DLQPublisher = retry.NewNoOpDLQPublisher()
	}

	// Initialize services
	c.AccessRecorder = service.NewAccessRecorder(
		c.CheckInRepo,
		c.DLQPublisher,
		c.EventPublisher,
		cfg.RecorderConfig,
	)
	c.CheckInService = service.NewCheckInService(
		c.TerminalRepo,
		c.CheckInRepo,
		c.TicketLocker,
		c.AccessRecorder,
		cfg.ServiceConfig,
	)

	// A nil *redis.Client must not reach the handler as a non-nil interface
	var redisHealth handler.HealthChecker
	if c.Redis != nil {
		redisHealth = c.Redis
	}

	// Initialize handlers
	c.HealthHandler = handler.NewHealthHandler(c.DB, redisHealth, cfg.ServiceName, cfg.Version)
	c.CheckInHandler = handler.NewCheckInHandler(c.CheckInService)

	return c
}
