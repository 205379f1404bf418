package util

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// GracefulShutdown manages ordered teardown of the engine's resources:
// listeners stop first, then active relays drain, then the event feeds close.
type GracefulShutdown struct {
	resources []ShutdownResource
	mu        sync.Mutex
	logger    *logrus.Logger
	timeout   time.Duration
}

// ShutdownResource represents a resource that needs graceful shutdown
type ShutdownResource struct {
	Name     string
	Shutdown func(context.Context) error
	Priority int // Lower numbers shut down first
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(logger *logrus.Logger, timeout time.Duration) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &GracefulShutdown{
		resources: make([]ShutdownResource, 0),
		logger:    logger,
		timeout:   timeout,
	}
}

// Register adds a resource to be shut down
func (gs *GracefulShutdown) Register(resource ShutdownResource) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.resources = append(gs.resources, resource)
	sort.SliceStable(gs.resources, func(i, j int) bool {
		return gs.resources[i].Priority < gs.resources[j].Priority
	})

	gs.logger.WithFields(logrus.Fields{
		"resource": resource.Name,
		"priority": resource.Priority,
	}).Debug("Registered resource for graceful shutdown")
}

// RegisterCloser registers an io.Closer for shutdown
func (gs *GracefulShutdown) RegisterCloser(name string, closer io.Closer, priority int) {
	gs.Register(ShutdownResource{
		Name:     name,
		Priority: priority,
		Shutdown: func(ctx context.Context) error {
			return closer.Close()
		},
	})
}

// Shutdown tears resources down in priority order. Each resource gets the
// remaining slice of the overall timeout; a hung resource is abandoned with
// an error rather than wedging the process.
func (gs *GracefulShutdown) Shutdown(ctx context.Context) error {
	gs.mu.Lock()
	resources := make([]ShutdownResource, len(gs.resources))
	copy(resources, gs.resources)
	gs.mu.Unlock()

	gs.logger.WithField("resource_count", len(resources)).Info("Starting graceful shutdown")

	shutdownCtx, cancel := context.WithTimeout(ctx, gs.timeout)
	defer cancel()

	var failed []string
	for _, resource := range resources {
		gs.logger.WithField("resource", resource.Name).Debug("Shutting down resource")

		done := make(chan error, 1)
		go func(res ShutdownResource) {
			defer func() {
				if r := recover(); r != nil {
					gs.logger.WithFields(logrus.Fields{
						"panic":    r,
						"resource": res.Name,
					}).Error("Panic during resource shutdown")
					done <- fmt.Errorf("panic: %v", r)
				}
			}()
			done <- res.Shutdown(shutdownCtx)
		}(resource)

		select {
		case err := <-done:
			if err != nil {
				gs.logger.WithError(err).WithField("resource", resource.Name).Error("Error shutting down resource")
				failed = append(failed, resource.Name)
			}
		case <-shutdownCtx.Done():
			gs.logger.WithField("resource", resource.Name).Warn("Shutdown timeout for resource")
			failed = append(failed, resource.Name)
		}
	}

	if len(failed) > 0 {
		return fmt.Errorf("shutdown incomplete for: %s", strings.Join(failed, ", "))
	}

	gs.logger.Info("Graceful shutdown complete")
	return nil
}
