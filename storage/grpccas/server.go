package grpccas

import (
	"context"
	"log/slog"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"auditaai.io/ledger/cidutil"
	"auditaai.io/ledger/storage"
)

// Server exposes a storage.CAS as the CAS service.
type Server struct {
	CAS storage.CAS
	// Logger receives one line per failed call. Nil means slog.Default().
	Logger *slog.Logger
}

var _ CASServer = (*Server)(nil)

func (s *Server) log() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Server) Put(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.StringValue, error) {
	if s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "no CAS configured")
	}
	id, err := s.CAS.Put(ctx, in.GetValue())
	if err != nil {
		s.log().WarnContext(ctx, "cas put failed", "bytes", len(in.GetValue()), "err", err)
		return nil, toStatus(err)
	}
	if !cidutil.Matches(id, in.GetValue()) {
		return nil, toStatus(storage.ErrCIDMismatch)
	}
	return wrapperspb.String(id.String()), nil
}

func (s *Server) Get(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	if s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "no CAS configured")
	}
	id, err := cidutil.Parse(in.GetValue())
	if err != nil {
		return nil, toStatus(storage.ErrInvalidCID)
	}
	b, err := s.CAS.Get(ctx, id)
	if err != nil {
		if !storage.IsNotFound(err) {
			s.log().WarnContext(ctx, "cas get failed", "cid", id.String(), "err", err)
		}
		return nil, toStatus(err)
	}
	return wrapperspb.Bytes(b), nil
}

func (s *Server) Has(ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	if s.CAS == nil {
		return nil, status.Error(codes.FailedPrecondition, "no CAS configured")
	}
	id, err := cidutil.Parse(in.GetValue())
	if err != nil {
		return nil, toStatus(storage.ErrInvalidCID)
	}
	ok, err := s.CAS.Has(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	return wrapperspb.Bool(ok), nil
}
