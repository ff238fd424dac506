package proxy

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/tomhaye/vaultsync/internal/identity"
)

// UserToken mints the bearer credential for one user. The credential issuer
// shares secret with the proxy, so any instance can verify a token against
// the addressed user without per-user state.
func UserToken(secret string, user identity.UserID) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(user.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// tokenMatches verifies token against the credential minted for user.
// hmac.Equal keeps the comparison constant-time.
func tokenMatches(secret, token string, user identity.UserID) bool {
	return hmac.Equal([]byte(token), []byte(UserToken(secret, user)))
}

// operatorDomain separates the scheduled-trigger credential from every
// user credential: no user token can ever collide with it.
const operatorDomain = "vaultsync/operator/v1"

// OperatorToken mints the credential the hosting runtime presents when it
// delivers scheduled triggers.
func OperatorToken(secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(operatorDomain))
	return hex.EncodeToString(mac.Sum(nil))
}

func operatorTokenMatches(secret, token string) bool {
	return hmac.Equal([]byte(token), []byte(OperatorToken(secret)))
}
