// Package identity provides credential verification and signed session
// tokens for the builtin login/logout methods.
package identity

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrUserExists         = errors.New("user already exists")
)

// Claims are the token claims issued at login.
type Claims struct {
	Username string `json:"username,omitempty"`
	jwt.RegisteredClaims
}

// Config controls token signing.
type Config struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

func DefaultConfig() Config {
	return Config{
		TokenTTL: 24 * time.Hour,
	}
}

func (c Config) Validate() error {
	if c.Secret == "" {
		return errors.New("identity: secret is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("identity: token_ttl must be positive")
	}
	return nil
}

// User is a registered account.
type User struct {
	ID           string
	Username     string
	PasswordHash string
}

// Service verifies credentials and issues HMAC-signed tokens. Users are held
// in memory; production deployments plug in their own user storage behind
// the same methods.
type Service struct {
	cfg Config

	mu    sync.RWMutex
	users map[string]*User // by username
}

func NewService(cfg Config) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{
		cfg:   cfg,
		users: make(map[string]*User),
	}, nil
}

// AddUser registers a user with a bcrypt-hashed password.
func (s *Service) AddUser(id, username, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return ErrUserExists
	}
	s.users[username] = &User{ID: id, Username: username, PasswordHash: hash}
	return nil
}

// Login verifies credentials and returns (userID, signed token).
func (s *Service) Login(username, password string) (string, string, error) {
	s.mu.RLock()
	user, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		// Burn a comparison so unknown usernames take as long as bad passwords.
		bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
		return "", "", ErrInvalidCredentials
	}

	match, err := VerifyPassword(password, user.PasswordHash)
	if err != nil {
		return "", "", err
	}
	if !match {
		return "", "", ErrInvalidCredentials
	}

	token, err := s.GenerateToken(user)
	if err != nil {
		return "", "", err
	}
	return user.ID, token, nil
}

// GenerateToken signs a token for the user.
func (s *Service) GenerateToken(user *User) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token, returning its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.Secret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// HashPassword hashes a password with bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword verifies a password against a bcrypt hash.
func VerifyPassword(password, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}
