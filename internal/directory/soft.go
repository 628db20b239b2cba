package directory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/gochat-relay/internal/registry"
)

// Soft bounds every call to the wrapped Directory by a timeout and logs
// failures. Errors are still returned so callers can fall back to local state.
type Soft struct {
	next    Directory
	timeout time.Duration
	log     zerolog.Logger
}

// NewSoft wraps next. A non-positive timeout defaults to two seconds.
func NewSoft(next Directory, timeout time.Duration, log zerolog.Logger) *Soft {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Soft{next: next, timeout: timeout, log: log}
}

func (s *Soft) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Soft) warn(op, userID string, err error) {
	s.log.Warn().Err(err).Str("op", op).Str("user_id", userID).Msg("directory call failed")
}

func (s *Soft) Set(ctx context.Context, userID string, entry Entry) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.next.Set(ctx, userID, entry)
	if err != nil {
		s.warn("set", userID, err)
	}
	return err
}

func (s *Soft) Delete(ctx context.Context, userID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	err := s.next.Delete(ctx, userID)
	if err != nil {
		s.warn("delete", userID, err)
	}
	return err
}

func (s *Soft) DeleteIf(ctx context.Context, userID string, handle registry.Handle) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ok, err := s.next.DeleteIf(ctx, userID, handle)
	if err != nil {
		s.warn("delete_if", userID, err)
	}
	return ok, err
}

func (s *Soft) Get(ctx context.Context, userID string) (Entry, bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	e, ok, err := s.next.Get(ctx, userID)
	if err != nil {
		s.warn("get", userID, err)
		return Entry{}, false, err
	}
	return e, ok, nil
}

func (s *Soft) GetAll(ctx context.Context) (map[string]Entry, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	all, err := s.next.GetAll(ctx)
	if err != nil {
		s.warn("get_all", "", err)
		return map[string]Entry{}, err
	}
	return all, nil
}
