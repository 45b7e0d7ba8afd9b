// Package websession keeps per-user authorization state on the server,
// addressed by an opaque id carried in the session_id cookie.
package websession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haileyok/fapi-oauth-golang/internal/helpers"
	"gorm.io/gorm"
)

const (
	PreAuthTTL  = time.Hour
	PostAuthTTL = 24 * time.Hour
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrNotAuthenticated = errors.New("session is not authenticated")
	ErrInvalidSession   = errors.New("authenticated session must hold an unexpired access token")
)

type Session struct {
	ID              string `gorm:"primaryKey"`
	CodeVerifier    string
	State           string
	AccessToken     string
	RefreshToken    string
	TokenExpiry     int64 // unix seconds
	IsAuthenticated bool
	UserId          string
	// ConsentId is the consent the current authorization flow is for, if any.
	ConsentId string
	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"index"`
}

func (s *Session) TableName() string { return "web_sessions" }

// Validate checks that an authenticated session holds a live access token.
func (s *Session) Validate(now time.Time) error {
	if !s.IsAuthenticated {
		return nil
	}

	if s.AccessToken == "" || s.TokenExpiry <= now.Unix() {
		return ErrInvalidSession
	}

	return nil
}

type Store interface {
	Create(ctx context.Context, ttl time.Duration) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// Extend saves s with its expiry pushed to at least ttl from now.
	Extend(ctx context.Context, s *Session, ttl time.Duration) error
	Sweep(ctx context.Context) (int64, error)
}

type GormStore struct {
	db     *gorm.DB
	logger *slog.Logger
	now    func() time.Time
}

type GormStoreArgs struct {
	DB     *gorm.DB
	Logger *slog.Logger
	Now    func() time.Time
}

func NewGormStore(args GormStoreArgs) (*GormStore, error) {
	if args.DB == nil {
		return nil, fmt.Errorf("no db provided")
	}

	if args.Logger == nil {
		args.Logger = slog.Default()
	}

	if args.Now == nil {
		args.Now = time.Now
	}

	if err := args.DB.AutoMigrate(&Session{}); err != nil {
		return nil, fmt.Errorf("could not migrate sessions: %w", err)
	}

	return &GormStore{
		db:     args.DB,
		logger: args.Logger.With("component", "websession"),
		now:    args.Now,
	}, nil
}

func (gs *GormStore) Create(ctx context.Context, ttl time.Duration) (*Session, error) {
	id, err := helpers.GenerateUrlSafeToken(32)
	if err != nil {
		return nil, fmt.Errorf("could not generate session id: %w", err)
	}

	now := gs.now().UTC()
	s := &Session{
		ID:        id,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}

	if err := gs.db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}

	return s, nil
}

// Get returns the session for id. An expired session is deleted and reported
// as not found.
func (gs *GormStore) Get(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrSessionNotFound
	}

	var s Session
	if err := gs.db.WithContext(ctx).Where("id = ?", id).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}

	if !gs.now().Before(s.ExpiresAt) {
		if err := gs.Delete(ctx, id); err != nil {
			gs.logger.Warn("could not delete expired session", "err", err)
		}
		return nil, ErrSessionNotFound
	}

	return &s, nil
}

func (gs *GormStore) Save(ctx context.Context, s *Session) error {
	if err := s.Validate(gs.now()); err != nil {
		return err
	}

	res := gs.db.WithContext(ctx).Save(s)
	if res.Error != nil {
		return res.Error
	}

	return nil
}

func (gs *GormStore) Extend(ctx context.Context, s *Session, ttl time.Duration) error {
	if exp := gs.now().UTC().Add(ttl); exp.After(s.ExpiresAt) {
		s.ExpiresAt = exp
	}

	return gs.Save(ctx, s)
}

func (gs *GormStore) Delete(ctx context.Context, id string) error {
	return gs.db.WithContext(ctx).Where("id = ?", id).Delete(&Session{}).Error
}

func (gs *GormStore) Sweep(ctx context.Context) (int64, error) {
	res := gs.db.WithContext(ctx).Where("expires_at <= ?", gs.now().UTC()).Delete(&Session{})
	return res.RowsAffected, res.Error
}

// Run sweeps expired sessions every interval until ctx is done.
func (gs *GormStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := gs.Sweep(ctx)
			if err != nil {
				gs.logger.Error("session sweep failed", "err", err)
				continue
			}
			if n > 0 {
				gs.logger.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

var _ Store = (*GormStore)(nil)
