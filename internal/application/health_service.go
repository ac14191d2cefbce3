package application

import (
	"context"

	"github.com/alorle/image-fetcher/internal/port/driven"
)

// HealthService orchestrates health checks for the application and its dependencies.
type HealthService struct {
	db      driven.FetchRecordRepository
	network driven.NetworkStack
}

// NewHealthService creates a new health check service.
func NewHealthService(db driven.FetchRecordRepository, network driven.NetworkStack) *HealthService {
	return &HealthService{
		db:      db,
		network: network,
	}
}

// ComponentHealth represents the health status of a single component.
type ComponentHealth struct {
	Status string // "ok" or "error"
	Error  string // empty if status is "ok", otherwise contains error message
}

// HealthStatus represents the overall health status of the application.
type HealthStatus struct {
	Status       string          // "ok" if all components are healthy, "degraded" otherwise
	DB           ComponentHealth // fetch history database
	NetworkStack ComponentHealth // shared network stack of the accelerated fetcher
}

// Check performs health checks on all dependencies.
func (s *HealthService) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{Status: "ok"}

	status.DB = componentHealth(s.db.Ping(ctx))
	status.NetworkStack = componentHealth(s.network.Ping(ctx))

	if status.DB.Status != "ok" || status.NetworkStack.Status != "ok" {
		status.Status = "degraded"
	}

	return status
}

func componentHealth(err error) ComponentHealth {
	if err != nil {
		return ComponentHealth{Status: "error", Error: err.Error()}
	}
	return ComponentHealth{Status: "ok"}
}
