package nbi

import (
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/qltr-controller/internal/controller"
	"github.com/signalsfoundry/qltr-controller/internal/flows"
	"github.com/signalsfoundry/qltr-controller/internal/netaddr"
	"github.com/signalsfoundry/qltr-controller/internal/ofp"
	"github.com/signalsfoundry/qltr-controller/internal/routing"
)

var (
	// ErrNotFound is a package-level sentinel used when an entity cannot be located.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a package-level sentinel used for request validation failures.
	ErrInvalidArgument = errors.New("invalid argument")
)

// ToStatusError maps controller errors onto gRPC status codes.
func ToStatusError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return status.Error(codes.NotFound, err.Error())

	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, netaddr.ErrInvalidAddress),
		errors.Is(err, ofp.ErrMalformedMatch),
		errors.Is(err, ofp.ErrMissingField),
		errors.Is(err, controller.ErrInvalidConfig):
		return status.Error(codes.InvalidArgument, err.Error())

	case errors.Is(err, routing.ErrNoCandidates):
		return status.Error(codes.FailedPrecondition, err.Error())

	case errors.Is(err, flows.ErrInstallRejected):
		return status.Error(codes.Unavailable, err.Error())

	default:
		return status.Error(codes.Internal, err.Error())
	}
}
