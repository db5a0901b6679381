package store

import (
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/haukened/oncelink/internal/domain"
)

// Unreachable tags a transport failure with domain.ErrStoreUnreachable.
// Failures that happened before the request left the process (dial, DNS,
// refused connection) are plain unreachable. Anything later may have been
// applied by the store and also carries domain.ErrOutcomeUnknown.
func Unreachable(err error) error {
	if notSent(err) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnreachable, err)
	}
	return fmt.Errorf("%w: %w: %v", domain.ErrStoreUnreachable, domain.ErrOutcomeUnknown, err)
}

func notSent(err error) bool {
	var op *net.OpError
	if errors.As(err, &op) && op.Op == "dial" {
		return true
	}
	var dns *net.DNSError
	return errors.As(err, &dns) || errors.Is(err, syscall.ECONNREFUSED)
}
