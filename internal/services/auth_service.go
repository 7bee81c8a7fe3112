package services

import (
	"context"
	cryptorand "crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ledgertx/backend/internal/models"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/argon2"
)

// Argon2Params tunes password hashing.
type Argon2Params struct {
	Time       uint32
	Memory     uint32
	Threads    uint8
	KeyLength  uint32
	SaltLength uint32
}

func DefaultArgon2Params() Argon2Params {
	return Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4, KeyLength: 32, SaltLength: 16}
}

// AuthService issues HS256 bearer tokens for a fixed set of users.
type AuthService struct {
	mu     sync.RWMutex
	users  map[string]models.User
	secret []byte
	expiry time.Duration
	params Argon2Params
	now    func() time.Time
	logger zerolog.Logger
}

func NewAuthService(secret []byte, expiry time.Duration, params Argon2Params, logger zerolog.Logger) *AuthService {
	if expiry <= 0 {
		expiry = 4 * time.Hour
	}
	return &AuthService{
		users:  make(map[string]models.User),
		secret: secret,
		expiry: expiry,
		params: params,
		now:    time.Now,
		logger: logger.With().Str("component", "auth").Logger(),
	}
}

// AddUser registers username with a hashed password and role.
func (s *AuthService) AddUser(username, password, role string) error {
	hash, err := s.hashPassword(password)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[strings.ToLower(username)] = models.User{Username: username, Role: role, PasswordHash: hash}
	return nil
}

// IssueToken checks the credentials and signs a token carrying the
// user's role.
func (s *AuthService) IssueToken(ctx context.Context, req models.TokenRequest) (*models.TokenResponse, error) {
	s.mu.RLock()
	user, ok := s.users[strings.ToLower(req.Username)]
	s.mu.RUnlock()

	if !ok || !s.verifyPassword(req.Password, user.PasswordHash) {
		s.logger.Warn().Str("username", req.Username).Msg("token request rejected")
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  user.Username,
		"role": user.Role,
		"iat":  now.Unix(),
		"exp":  now.Add(s.expiry).Unix(),
	})
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}

	s.logger.Info().Str("username", user.Username).Str("role", user.Role).Msg("token issued")
	return &models.TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.expiry.Seconds()),
	}, nil
}

func (s *AuthService) hashPassword(password string) (string, error) {
	salt := make([]byte, s.params.SaltLength)
	if _, err := cryptorand.Read(salt); err != nil {
		return "", err
	}

	hash := argon2.IDKey([]byte(password), salt, s.params.Time, s.params.Memory, s.params.Threads, s.params.KeyLength)
	return fmt.Sprintf("%s$%s", base64.StdEncoding.EncodeToString(salt), base64.StdEncoding.EncodeToString(hash)), nil
}

func (s *AuthService) verifyPassword(password, hashedPassword string) bool {
	parts := strings.Split(hashedPassword, "$")
	if len(parts) != 2 {
		return false
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}

	hash, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}

	computedHash := argon2.IDKey([]byte(password), salt, s.params.Time, s.params.Memory, s.params.Threads, uint32(len(hash)))
	return subtle.ConstantTimeCompare(hash, computedHash) == 1
}
