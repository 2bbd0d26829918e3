package hooks

import (
	"crypto/subtle"

	"github.com/kabili207/meshrelay/pkg/auth"
)

func (h *GatewayHook) validateUser(user, pass string) bool {
	cfg := h.config.Config
	if cfg.PasswordHash == "" {
		return true
	}

	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(cfg.Username)) == 1
	passOK := auth.Verify(pass, cfg.Salt, cfg.PasswordHash)
	return userOK && passOK
}
