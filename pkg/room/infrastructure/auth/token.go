package auth

import (
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/pkg/errors"

	"github.com/lightlink/signaling-service/pkg/room/domain/entity"
)

var ErrInvalidToken = errors.New("invalid token")

const DefaultTokenTTL = 10 * time.Hour

// Claims grants a user access to a set of rooms.
type Claims struct {
	Rooms    []string `json:"rooms"`
	Channels []string `json:"channels,omitempty"`
	jwt.StandardClaims
}

// Allows reports whether the token holder may join roomName as userID.
func (c *Claims) Allows(userID, roomName string) bool {
	if c.Subject != userID {
		return false
	}
	for _, room := range c.Rooms {
		if room == roomName {
			return true
		}
	}
	return false
}

// TokenManager issues and verifies HS256 join tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokenManager(secret string, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenManager{secret: []byte(secret), ttl: ttl, now: time.Now}
}

func (m *TokenManager) Issue(userID, roomName string) (string, error) {
	now := m.now()
	claims := Claims{
		Rooms: []string{roomName},
		Channels: []string{
			entity.RoomChannel(roomName),
			entity.UserChannel(roomName, userID),
		},
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(m.ttl).Unix(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, errors.Wrap(ErrInvalidToken, "missing token")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidToken, "%v", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}

	return claims, nil
}
