package auth

import (
	"errors"
	"time"

	"supporter-rewards/pkg/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/fx"
)

const RoleAdmin = "admin"

// Claims carry the operator identity. The subject is the actor id written to
// the audit log.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

type Manager struct {
	secret []byte
	issuer string
}

func NewManager(cfg *config.Config) *Manager {
	return &Manager{secret: []byte(cfg.Auth.JWTSecret), issuer: cfg.Auth.JWTIssuer}
}

// Issue signs an HS256 token for subject, used by rewardsctl to mint operator
// tokens.
func (m *Manager) Issue(now time.Time, subject, role string, ttl time.Duration) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("jwt secret is not configured")
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role: role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) Verify(token string, now time.Time) (*Claims, error) {
	if len(m.secret) == 0 {
		return nil, errors.New("jwt secret is not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithTimeFunc(func() time.Time { return now }),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}

	var claims Claims
	if _, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...); err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, errors.New("subject missing")
	}
	return &claims, nil
}

var Module = fx.Module("auth", fx.Provide(NewManager))
