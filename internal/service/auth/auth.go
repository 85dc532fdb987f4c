package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"ChatHive/entity"
	"ChatHive/internal/lib/sl"
)

var ErrInvalidToken = errors.New("invalid token")

type Directory interface {
	FindAccount(ctx context.Context, id entity.AccountID) (*entity.Account, error)
}

// Service issues and validates dashboard session tokens. Tokens are signed
// HS256 JWTs carrying the account id and username; validation also checks
// that the account still exists and is active.
type Service struct {
	directory Directory
	secret    []byte
	ttl       time.Duration
	log       *slog.Logger
}

func NewAuthService(logger *slog.Logger, directory Directory, secret string, ttlHours int) *Service {
	if ttlHours <= 0 {
		ttlHours = 24
	}
	return &Service{
		directory: directory,
		secret:    []byte(secret),
		ttl:       time.Duration(ttlHours) * time.Hour,
		log:       logger.With(sl.Module("auth-service")),
	}
}

func (s *Service) IssueToken(accountID entity.AccountID, username string) (string, error) {
	account, err := s.directory.FindAccount(context.Background(), accountID)
	if err != nil {
		return "", fmt.Errorf("finding account: %w", err)
	}
	if account == nil || !account.IsActive() {
		return "", fmt.Errorf("account %s is not active", accountID)
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":      string(accountID),
		"username": username,
		"iat":      now.Unix(),
		"exp":      now.Add(s.ttl).Unix(),
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

func (s *Service) AuthenticateByToken(tokenString string) (*entity.UserAuth, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	sub, _ := claims["sub"].(string)
	username, _ := claims["username"].(string)
	if sub == "" {
		return nil, ErrInvalidToken
	}

	accountID := entity.AccountID(sub)
	account, err := s.directory.FindAccount(context.Background(), accountID)
	if err != nil {
		return nil, fmt.Errorf("finding account: %w", err)
	}
	if account == nil || !account.IsActive() {
		s.log.Warn("token for inactive account", slog.String("account_id", sub))
		return nil, ErrInvalidToken
	}

	return &entity.UserAuth{
		Username:  username,
		AccountID: accountID,
	}, nil
}
