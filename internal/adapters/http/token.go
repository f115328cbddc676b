package http

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dkeye/Mosaic/internal/domain"
)

var ErrBadToken = errors.New("invalid join token")

// JoinClaims bind a participant identity to one session. The token is
// handed out on the join page and presented back on the signaling
// endpoints, so a stale link cannot impersonate a live participant.
type JoinClaims struct {
	SessionID     string `json:"sessionId"`
	ParticipantID string `json:"participantId"`
	jwt.RegisteredClaims
}

type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret), ttl: ttl}
}

func (i *TokenIssuer) Issue(session domain.SessionID, participant domain.ParticipantID) (string, error) {
	now := time.Now()
	claims := JoinClaims{
		SessionID:     string(session),
		ParticipantID: string(participant),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

func (i *TokenIssuer) Verify(raw string) (domain.SessionID, domain.ParticipantID, error) {
	var claims JoinClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrBadToken
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return "", "", ErrBadToken
	}
	if claims.SessionID == "" || claims.ParticipantID == "" {
		return "", "", ErrBadToken
	}
	return domain.SessionID(claims.SessionID), domain.ParticipantID(claims.ParticipantID), nil
}
