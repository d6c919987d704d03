package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/simstream/internal/models"
)

// Sentinel errors returned by Authenticate. Every one of them must cause the
// connection attempt to be refused.
var (
	ErrMissingCredential   = errors.New("missing credential")
	ErrConfiguration       = errors.New("authentication is not configured")
	ErrExpiredCredential   = errors.New("credential expired")
	ErrMalformedCredential = errors.New("malformed credential")
)

// Claims is the payload of a channel credential.
type Claims struct {
	UserID int64  `json:"userId"`
	Email  string `json:"email"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 bearer credentials signed with a shared secret.
type Authenticator struct {
	secret []byte
	parser *jwt.Parser
}

// NewAuthenticator creates an authenticator for the given shared secret. An empty
// secret is accepted here so that Authenticate can report ErrConfiguration; the
// server command refuses to start without one.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// Authenticate verifies the signature and expiry of credential and returns the
// identity it names.
func (a *Authenticator) Authenticate(credential string) (models.Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return models.Identity{}, ErrMissingCredential
	}

	if len(a.secret) == 0 {
		log.Error().Msg("Channel authentication attempted without a configured secret")
		return models.Identity{}, ErrConfiguration
	}

	claims := &Claims{}
	_, err := a.parser.ParseWithClaims(credential, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			log.Debug().Err(err).Msg("Credential expired")
			return models.Identity{}, ErrExpiredCredential
		}
		log.Debug().Err(err).Msg("Credential parse error")
		return models.Identity{}, fmt.Errorf("%w: %v", ErrMalformedCredential, err)
	}

	userID := claims.UserID
	if userID == 0 && claims.Subject != "" {
		if id, err := strconv.ParseInt(claims.Subject, 10, 64); err == nil {
			userID = id
		}
	}
	if userID <= 0 {
		return models.Identity{}, fmt.Errorf("%w: no user id in claims", ErrMalformedCredential)
	}

	identity := models.Identity{UserID: userID, Email: claims.Email}

	log.Debug().
		Int64("user_id", identity.UserID).
		Str("email", identity.Email).
		Msg("Channel authenticated")

	return identity, nil
}

// CredentialFromRequest extracts a bearer credential from the Authorization header,
// falling back to the "token" query parameter used by browser handshakes.
func CredentialFromRequest(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
