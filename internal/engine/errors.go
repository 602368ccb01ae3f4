package engine

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/fahrettinrizaergin/docker-manager/internal/domain"
	"github.com/fahrettinrizaergin/docker-manager/internal/resilience"
)

// classify wraps an engine error with the domain sentinel describing it.
// Transport failures and timeouts are unreachable; everything the daemon answered
// with is an operation failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrNodeUnreachable) || errors.Is(err, domain.ErrOperationFailed) {
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, domain.ErrValidation) {
		return err
	}
	if Unreachable(err) {
		return fmt.Errorf("%s: %w: %w", op, domain.ErrNodeUnreachable, err)
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrOperationFailed, err)
}

// Unreachable reports whether err is a transport-class failure.
func Unreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrNodeUnreachable) || errors.Is(err, resilience.ErrCircuitOpen) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || client.IsErrConnectionFailed(err) {
		return true
	}
	if errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// IsNotFound reports whether the engine said the object does not exist.
func IsNotFound(err error) bool {
	return errdefs.IsNotFound(err) || client.IsErrNotFound(err)
}
