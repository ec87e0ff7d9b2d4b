package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ZanzyTHEbar/fraudscope/internal/errors"
)

// DegradationLevel represents the current degradation state
type DegradationLevel int

const (
	LevelNormal DegradationLevel = iota
	LevelDegraded
	LevelCritical
	LevelEmergency
)

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelDegraded:
		return "degraded"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// DegradationConfig holds configuration for graceful degradation
type DegradationConfig struct {
	HealthCheckInterval time.Duration `json:"health_check_interval"`
	DegradedThreshold   float64       `json:"degraded_threshold"`  // Error rate threshold (0.0-1.0)
	CriticalThreshold   float64       `json:"critical_threshold"`  // Error rate threshold (0.0-1.0)
	EmergencyThreshold  float64       `json:"emergency_threshold"` // Error rate threshold (0.0-1.0)
	HealthCheckTimeout  time.Duration `json:"health_check_timeout"`
	MaxDegradedDuration time.Duration `json:"max_degraded_duration"` // Max time degraded before emergency
	// WindowSize is the number of most recent outcomes the error rate is computed over
	WindowSize int `json:"window_size"`
}

// DefaultDegradationConfig returns sensible defaults
func DefaultDegradationConfig() DegradationConfig {
	return DegradationConfig{
		HealthCheckInterval: 30 * time.Second,
		DegradedThreshold:   0.1,
		CriticalThreshold:   0.25,
		EmergencyThreshold:  0.5,
		HealthCheckTimeout:  5 * time.Second,
		MaxDegradedDuration: 10 * time.Minute,
		WindowSize:          100,
	}
}

// ServiceHealth represents the health status of a dependency
type ServiceHealth struct {
	ServiceName   string           `json:"service_name"`
	Level         DegradationLevel `json:"-"`
	LevelName     string           `json:"level"`
	ErrorRate     float64          `json:"error_rate"`
	TotalRequests int64            `json:"total_requests"`
	ErrorCount    int64            `json:"error_count"`
	LastError     string           `json:"last_error,omitempty"`
	LastErrorTime *time.Time       `json:"last_error_time,omitempty"`
	DegradedSince *time.Time       `json:"degraded_since,omitempty"`
	StatusMessage string           `json:"status_message"`
}

type serviceState struct {
	health ServiceHealth
	window []bool // true marks a failure; ring buffer
	next   int
	filled int
}

// DegradationManager tracks the error rate of outbound dependencies
type DegradationManager struct {
	config       DegradationConfig
	services     map[string]*serviceState
	healthChecks map[string]HealthCheckFunc
	mutex        sync.RWMutex
}

// HealthCheckFunc represents a function that checks service health
type HealthCheckFunc func(ctx context.Context) error

// NewDegradationManager creates a new degradation manager
func NewDegradationManager(config DegradationConfig) *DegradationManager {
	if config.WindowSize < 1 {
		config.WindowSize = DefaultDegradationConfig().WindowSize
	}
	return &DegradationManager{
		config:       config,
		services:     make(map[string]*serviceState),
		healthChecks: make(map[string]HealthCheckFunc),
	}
}

// RegisterService registers a service with an optional health check function
func (dm *DegradationManager) RegisterService(serviceName string, healthCheck HealthCheckFunc) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	dm.services[serviceName] = &serviceState{
		health: ServiceHealth{
			ServiceName:   serviceName,
			Level:         LevelNormal,
			LevelName:     LevelNormal.String(),
			StatusMessage: "Service is healthy",
		},
		window: make([]bool, dm.config.WindowSize),
	}

	if healthCheck != nil {
		dm.healthChecks[serviceName] = healthCheck
	}

	slog.Info("Registered service for degradation management", "service", serviceName)
}

// RecordSuccess records a successful call
func (dm *DegradationManager) RecordSuccess(serviceName string) {
	dm.record(serviceName, nil)
}

// RecordError records a failed call
func (dm *DegradationManager) RecordError(serviceName string, err error) {
	if err == nil {
		err = errors.NewInternalError("Service request failed", nil)
	}
	dm.record(serviceName, err)
}

func (dm *DegradationManager) record(serviceName string, err error) {
	dm.mutex.Lock()
	defer dm.mutex.Unlock()

	state, exists := dm.services[serviceName]
	if !exists {
		return
	}

	state.window[state.next] = err != nil
	state.next = (state.next + 1) % len(state.window)
	if state.filled < len(state.window) {
		state.filled++
	}

	health := &state.health
	health.TotalRequests++
	if err != nil {
		now := time.Now()
		health.ErrorCount++
		health.LastError = err.Error()
		health.LastErrorTime = &now
	}

	failures := 0
	for i := 0; i < state.filled; i++ {
		if state.window[i] {
			failures++
		}
	}
	health.ErrorRate = float64(failures) / float64(state.filled)

	dm.updateDegradationLevel(health)
}

// updateDegradationLevel updates the degradation level based on the windowed error rate
func (dm *DegradationManager) updateDegradationLevel(service *ServiceHealth) {
	oldLevel := service.Level
	now := time.Now()

	var newLevel DegradationLevel
	var statusMessage string

	switch {
	case service.ErrorRate >= dm.config.EmergencyThreshold:
		newLevel = LevelEmergency
		statusMessage = "Service is in emergency state - high error rate"
	case service.ErrorRate >= dm.config.CriticalThreshold:
		newLevel = LevelCritical
		statusMessage = "Service is in critical state - elevated error rate"
	case service.ErrorRate >= dm.config.DegradedThreshold:
		newLevel = LevelDegraded
		statusMessage = "Service is degraded - moderate error rate"
	default:
		newLevel = LevelNormal
		statusMessage = "Service is healthy"
	}

	if newLevel == LevelDegraded && service.DegradedSince != nil &&
		dm.config.MaxDegradedDuration > 0 && now.Sub(*service.DegradedSince) > dm.config.MaxDegradedDuration {
		newLevel = LevelEmergency
		statusMessage = "Service has been degraded too long - entering emergency state"
	}

	if newLevel == LevelDegraded && service.DegradedSince == nil {
		service.DegradedSince = &now
	} else if newLevel != LevelDegraded {
		service.DegradedSince = nil
	}

	service.Level = newLevel
	service.LevelName = newLevel.String()
	service.StatusMessage = statusMessage

	if oldLevel != newLevel {
		slog.Warn("Service degradation level changed",
			"service", service.ServiceName,
			"old_level", oldLevel.String(),
			"new_level", newLevel.String(),
			"error_rate", service.ErrorRate,
			"total_requests", service.TotalRequests,
			"error_count", service.ErrorCount)
	}
}

// GetServiceHealth returns a copy of the health status of a service
func (dm *DegradationManager) GetServiceHealth(serviceName string) (ServiceHealth, bool) {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	state, exists := dm.services[serviceName]
	if !exists {
		return ServiceHealth{}, false
	}
	return state.health, true
}

// GetAllServiceHealth returns health status for all services
func (dm *DegradationManager) GetAllServiceHealth() map[string]ServiceHealth {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	result := make(map[string]ServiceHealth, len(dm.services))
	for name, state := range dm.services {
		result[name] = state.health
	}
	return result
}

// IsServiceAvailable checks if a service is available for use
func (dm *DegradationManager) IsServiceAvailable(serviceName string) bool {
	dm.mutex.RLock()
	defer dm.mutex.RUnlock()

	state, exists := dm.services[serviceName]
	if !exists {
		return false
	}

	return state.health.Level != LevelEmergency
}

// StartHealthChecks runs the registered health checks until ctx is done
func (dm *DegradationManager) StartHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(dm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dm.CheckNow(ctx)
		}
	}
}

// CheckNow runs every registered health check once and waits for them
func (dm *DegradationManager) CheckNow(ctx context.Context) {
	dm.mutex.RLock()
	checks := make(map[string]HealthCheckFunc, len(dm.healthChecks))
	for name, check := range dm.healthChecks {
		checks[name] = check
	}
	dm.mutex.RUnlock()

	var wg sync.WaitGroup
	for serviceName, healthCheck := range checks {
		wg.Add(1)
		go func(name string, check HealthCheckFunc) {
			defer wg.Done()

			checkCtx, cancel := context.WithTimeout(ctx, dm.config.HealthCheckTimeout)
			defer cancel()

			if err := check(checkCtx); err != nil {
				dm.RecordError(name, errors.WrapError(err, "health check failed for service %s", name))
			} else {
				dm.RecordSuccess(name)
			}
		}(serviceName, healthCheck)
	}
	wg.Wait()
}
