package app

import (
	"errors"
	"log/slog"

	"relay/cmd/security/token"
)

// ValidateSecurityConfig enforces Relay's security policy at startup.
func ValidateSecurityConfig(cfg Config) error {
	if !cfg.RequireTokenHMAC && !EnvBool("RELAY_WS_REQUIRE_AUTH", false) {
		return nil
	}

	if _, err := token.HMACKeyFromEnv(token.MinKeyBytes); err != nil {
		switch {
		case errors.Is(err, token.ErrHMACKeyMissing):
			return errors.New("security policy: authentication required but RELAY_TOKEN_HMAC_KEY is missing")
		case errors.Is(err, token.ErrHMACKeyTooShort):
			return errors.New("security policy: RELAY_TOKEN_HMAC_KEY is too short (min 32 bytes)")
		default:
			return err
		}
	}
	return nil
}

// newTokenManager returns nil (and no error) when no signing key is configured.
func newTokenManager(cfg Config, log *slog.Logger) (*token.Manager, error) {
	key, err := token.HMACKeyFromEnv(token.MinKeyBytes)
	if errors.Is(err, token.ErrHMACKeyMissing) {
		log.Warn("token.disabled", "reason", "RELAY_TOKEN_HMAC_KEY not set")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return token.NewManager(key, cfg.TokenTTL)
}
