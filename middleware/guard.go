package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MrEthical07/authmesh"
)

// Response headers set on every authenticated request.
const (
	HeaderSessionValid  = "X-Session-Valid"
	HeaderDegradedMode  = "X-Degraded-Mode"
	HeaderSessionFormat = "X-Session-Format"
)

// Validator guards HTTP handlers with the engine's validation flow.
type Validator struct {
	engine *authmesh.Engine
	exact  map[string]struct{}
	prefix []string
	cookie string
}

// NewValidator reads the public paths and cookie name from the engine's config.
// An entry ending in "/" or "*" matches by prefix; any other entry matches exactly.
func NewValidator(engine *authmesh.Engine) *Validator {
	cfg := engine.Config().Validator
	v := &Validator{
		engine: engine,
		exact:  make(map[string]struct{}, len(cfg.PublicPaths)),
		cookie: cfg.CookieName,
	}
	for _, p := range cfg.PublicPaths {
		switch {
		case strings.HasSuffix(p, "*"):
			v.prefix = append(v.prefix, strings.TrimSuffix(p, "*"))
		case strings.HasSuffix(p, "/") && p != "/":
			v.prefix = append(v.prefix, p)
		default:
			v.exact[p] = struct{}{}
		}
	}
	return v
}

// Guard is shorthand for NewValidator(engine).Handler.
func Guard(engine *authmesh.Engine) func(http.Handler) http.Handler {
	return NewValidator(engine).Handler
}

// IsPublic reports whether path bypasses validation.
func (v *Validator) IsPublic(path string) bool {
	if _, ok := v.exact[path]; ok {
		return true
	}
	for _, p := range v.prefix {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Handler wraps next. Public paths pass through untouched.
func (v *Validator) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if v.IsPublic(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		res := v.engine.Validate(r.Context(), v.extract(r))
		if !res.Accepted() {
			degraded := res.Outcome == authmesh.OutcomeServiceDegraded
			h := w.Header()
			h.Set(HeaderSessionValid, "false")
			h.Set(HeaderDegradedMode, strconv.FormatBool(degraded))
			WriteRejection(w, res.Outcome, degraded)
			return
		}

		h := w.Header()
		h.Set(HeaderSessionValid, "true")
		h.Set(HeaderDegradedMode, strconv.FormatBool(res.Degraded))
		h.Set(HeaderSessionFormat, res.Identity.SourceFormat.String())
		next.ServeHTTP(w, r.WithContext(authmesh.WithAuthResult(r.Context(), res)))
	})
}

func (v *Validator) extract(r *http.Request) string {
	if token, ok := bearerToken(r.Header.Get("Authorization")); ok {
		return token
	}
	if v.cookie != "" {
		if c, err := r.Cookie(v.cookie); err == nil {
			return strings.TrimSpace(c.Value)
		}
	}
	return ""
}

func bearerToken(value string) (string, bool) {
	const bearer = "bearer "
	if len(value) <= len(bearer) || !strings.EqualFold(value[:len(bearer)], bearer) {
		return "", false
	}

	token := strings.TrimSpace(value[len(bearer):])
	if token == "" {
		return "", false
	}

	return token, true
}
