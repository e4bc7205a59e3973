package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PinHeader carries the shared staff or admin credential.
const PinHeader = "X-Qsys-Pin"

// Guard checks the shared-secret credentials. A configured value that looks
// like a bcrypt hash is compared as one; anything else must match byte for
// byte, surrounding whitespace included.
type Guard struct {
	staffPIN string
	adminPIN string
}

func NewGuard(staffPIN, adminPIN string) *Guard {
	if adminPIN == "" {
		adminPIN = staffPIN
	}
	return &Guard{staffPIN: staffPIN, adminPIN: adminPIN}
}

func (g *Guard) RequireStaff(next http.HandlerFunc) http.HandlerFunc {
	return g.require(func() string { return g.staffPIN }, "STAFF_PIN", next)
}

func (g *Guard) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return g.require(func() string { return g.adminPIN }, "ADMIN_PIN", next)
}

func (g *Guard) require(configured func() string, setting string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		expected := configured()
		if expected == "" {
			writeError(w, requestIDFromRequest(r), http.StatusInternalServerError, "config_error", setting+" is not configured")
			return
		}
		provided := r.Header.Get(PinHeader)
		if provided == "" || !matchPIN(expected, provided) {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid PIN")
			return
		}
		next(w, r)
	}
}

func matchPIN(expected, provided string) bool {
	if isBcryptHash(expected) {
		return bcrypt.CompareHashAndPassword([]byte(expected), []byte(provided)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
