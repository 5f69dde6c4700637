// SQL implementation of the OAuth client auth store, using gorm (PostgreSQL or SQLite).
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bluesky-social/atp-oauth/atproto/auth/oauth"
	"github.com/bluesky-social/atp-oauth/atproto/syntax"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Pending auth request row. The full request is stored as JSON; only the key and expiry are columns.
type AuthRequest struct {
	State     string `gorm:"primaryKey"`
	Data      string `gorm:"not null"`
	ExpiresAt int64  `gorm:"index"` // unix seconds; zero means no expiry
	CreatedAt time.Time
}

func (AuthRequest) TableName() string {
	return "oauth_auth_requests"
}

type Session struct {
	DID       string `gorm:"column:did;primaryKey"`
	Data      string `gorm:"not null"`
	ExpiresAt int64  `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Session) TableName() string {
	return "oauth_sessions"
}

type GormStore struct {
	db *gorm.DB
}

var _ oauth.ClientAuthStore = (*GormStore)(nil)
var _ oauth.ExpiredDeleter = (*GormStore)(nil)

// Wraps an open database, creating or migrating the store tables.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&AuthRequest{}, &Session{}); err != nil {
		return nil, fmt.Errorf("migrating oauth store tables: %w", err)
	}
	return &GormStore{db: db}, nil
}

func expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(ttl).Unix()
}

// Rows past their expiry are treated as absent; they get removed by DeleteExpired, or when overwritten.
func notExpired(db *gorm.DB) *gorm.DB {
	return db.Where("expires_at = 0 OR expires_at > ?", time.Now().Unix())
}

func (s *GormStore) SaveAuthRequest(ctx context.Context, info oauth.AuthRequestData, ttl time.Duration) error {
	if info.State == "" {
		return fmt.Errorf("auth request missing state")
	}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	row := AuthRequest{
		State:     info.State,
		Data:      string(b),
		ExpiresAt: expiresAt(ttl),
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&row).Error; err != nil {
		return fmt.Errorf("saving auth request: %w", err)
	}
	return nil
}

func (s *GormStore) GetAuthRequest(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	var row AuthRequest
	err := notExpired(s.db.WithContext(ctx)).Where("state = ?", state).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oauth.ErrAuthRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading auth request: %w", err)
	}
	return decodeAuthRequest(&row)
}

func decodeAuthRequest(row *AuthRequest) (*oauth.AuthRequestData, error) {
	var info oauth.AuthRequestData
	if err := json.Unmarshal([]byte(row.Data), &info); err != nil {
		return nil, fmt.Errorf("decoding auth request: %w", err)
	}
	return &info, nil
}

func (s *GormStore) DeleteAuthRequest(ctx context.Context, state string) error {
	return s.db.WithContext(ctx).Where("state = ?", state).Delete(&AuthRequest{}).Error
}

// Deletes and returns the row in a single DELETE ... RETURNING statement, so concurrent callers can't both receive it.
func (s *GormStore) TakeAuthRequest(ctx context.Context, state string) (*oauth.AuthRequestData, error) {
	var rows []AuthRequest
	res := s.db.WithContext(ctx).Clauses(clause.Returning{}).Where("state = ?", state).Delete(&rows)
	if res.Error != nil {
		return nil, fmt.Errorf("taking auth request: %w", res.Error)
	}
	if len(rows) == 0 {
		return nil, oauth.ErrAuthRequestNotFound
	}
	row := rows[0]
	if row.ExpiresAt != 0 && row.ExpiresAt <= time.Now().Unix() {
		return nil, oauth.ErrAuthRequestNotFound
	}
	return decodeAuthRequest(&row)
}

func (s *GormStore) SaveSession(ctx context.Context, sess oauth.SessionData, ttl time.Duration) error {
	if sess.AccountDID == "" {
		return fmt.Errorf("session missing account DID")
	}
	b, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	row := Session{
		DID:       sess.AccountDID.String(),
		Data:      string(b),
		ExpiresAt: expiresAt(ttl),
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "did"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "expires_at", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (s *GormStore) GetSession(ctx context.Context, did syntax.DID) (*oauth.SessionData, error) {
	var row Session
	err := notExpired(s.db.WithContext(ctx)).Where("did = ?", did.String()).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, oauth.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	var sess oauth.SessionData
	if err := json.Unmarshal([]byte(row.Data), &sess); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &sess, nil
}

func (s *GormStore) DeleteSession(ctx context.Context, did syntax.DID) error {
	return s.db.WithContext(ctx).Where("did = ?", did.String()).Delete(&Session{}).Error
}

// Removes expired auth requests and sessions, returning the number of rows deleted.
func (s *GormStore) DeleteExpired(ctx context.Context) (int64, error) {
	now := time.Now().Unix()
	var total int64
	for _, model := range []any{&AuthRequest{}, &Session{}} {
		res := s.db.WithContext(ctx).Where("expires_at != 0 AND expires_at <= ?", now).Delete(model)
		if res.Error != nil {
			return total, res.Error
		}
		total += res.RowsAffected
	}
	return total, nil
}
