package service

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/voltgrid/coordinator/internal/errors"
	"github.com/voltgrid/coordinator/internal/model"
	"github.com/voltgrid/coordinator/internal/repository"
	"github.com/voltgrid/coordinator/internal/util"
)

type AuthService struct {
	userRepo    repository.UserRepository
	jwtSecret   []byte
	tokenExpiry time.Duration
}

func NewAuthService(userRepo repository.UserRepository, jwtSecret string, tokenExpiry time.Duration) *AuthService {
	return &AuthService{
		userRepo:    userRepo,
		jwtSecret:   []byte(jwtSecret),
		tokenExpiry: tokenExpiry,
	}
}

type RegisterParams struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *AuthService) Register(ctx context.Context, params RegisterParams) (*model.User, error) {
	params.Username = strings.TrimSpace(params.Username)
	params.Email = strings.TrimSpace(strings.ToLower(params.Email))

	if !util.ValidUsername(params.Username) {
		return nil, apperrors.InvalidInput("username", "3-32 characters, letters, digits, dot, dash, underscore")
	}
	if params.Username == model.HouseUsername {
		return nil, apperrors.InvalidInput("username", "reserved")
	}
	if !util.ValidEmail(params.Email) {
		return nil, apperrors.InvalidInput("email", "not a valid address")
	}
	if len(params.Password) < 8 {
		return nil, apperrors.InvalidInput("password", "must be at least 8 characters")
	}

	existing, err := s.userRepo.FindByUsername(ctx, params.Username)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if existing != nil {
		return nil, apperrors.AlreadyExists("username")
	}

	hash, err := util.HashPassword(params.Password)
	if err != nil {
		return nil, apperrors.Internal("failed to hash password")
	}

	user, err := s.userRepo.Create(ctx, model.CreateUserParams{
		Username:     params.Username,
		Email:        params.Email,
		PasswordHash: hash,
	})
	if err != nil {
		// The unique constraint catches a concurrent registration of the
		// same name or email.
		return nil, apperrors.AlreadyExists("user")
	}

	log.Info().Str("userId", user.ID).Str("username", user.Username).Msg("user registered")
	return user, nil
}

type LoginResult struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int64  `json:"expiresIn"`
}

func (s *AuthService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	user, err := s.userRepo.FindByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil || user.Username == model.HouseUsername || !util.CheckPasswordHash(password, user.PasswordHash) {
		return nil, apperrors.Unauthorized("Invalid credentials")
	}

	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   user.ID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, apperrors.Internal("failed to sign token")
	}

	return &LoginResult{
		AccessToken: token,
		ExpiresIn:   int64(s.tokenExpiry.Seconds()),
	}, nil
}

// VerifyToken resolves a bearer token to its user. Used by the auth
// middleware on every authenticated request and on push channel connect.
func (s *AuthService) VerifyToken(ctx context.Context, tokenString string) (*model.User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, apperrors.InvalidToken("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperrors.InvalidToken("Invalid or expired token")
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return nil, apperrors.InvalidToken("Malformed claims")
	}

	user, err := s.userRepo.FindByID(ctx, claims.Subject)
	if err != nil {
		return nil, apperrors.Database(err)
	}
	if user == nil {
		return nil, apperrors.InvalidToken("Unknown user")
	}
	return user, nil
}
