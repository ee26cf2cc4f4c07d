package authmesh

import (
	"time"

	"github.com/MrEthical07/authmesh/internal/security"
)

// SecurityReport summarizes the security posture of the effective configuration.
// BypassDisabled is always true: no code path accepts a request without a
// verified token.
type SecurityReport struct {
	BypassDisabled          bool
	DegradedPolicy          DegradedPolicy
	LegacyFormatEnabled     bool
	EnhancedSigningMethod   string
	IssuerEnforced          bool
	AudienceEnforced        bool
	Leeway                  time.Duration
	AccessTTL               time.Duration
	IdleTTL                 time.Duration
	AbsoluteLifetime        time.Duration
	BreakerThreshold        int
	BreakerWindow           time.Duration
	CacheTierConfigured     bool
	DurableTierConfigured   bool
	CrossInstanceRevocation bool
	HandshakeThrottle       bool
	PublicPaths             int
	Warnings                []string
}

func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{BypassDisabled: true}
	}

	stats := e.sessions.Stats()
	r := security.BuildReport(security.ReportInput{
		DegradedPolicy:          string(e.config.Validator.DegradedPolicy),
		AllowsTokenOnly:         e.config.Validator.DegradedPolicy == DegradedAllowJWT,
		LegacySecretSet:         e.config.Token.LegacySecret != "",
		EnhancedSigningMethod:   e.config.Token.EnhancedMethod,
		Issuer:                  e.config.Token.Issuer,
		Audience:                e.config.Token.Audience,
		Leeway:                  e.config.Token.Leeway,
		AccessTTL:               e.config.Token.AccessTTL,
		IdleTTL:                 e.config.Session.IdleTTL,
		AbsoluteLifetime:        e.config.Session.AbsoluteLifetime,
		BreakerThreshold:        e.config.Breaker.Threshold,
		BreakerWindow:           e.config.Breaker.Window,
		CacheTierConfigured:     stats.CacheConfigured,
		DurableTierConfigured:   stats.DurableConfigured,
		CrossInstanceRevocation: e.subscriber != nil,
		HandshakeThrottle:       e.config.WebSocket.ThrottleEnabled,
		PublicPaths:             e.config.Validator.PublicPaths,
	})

	return SecurityReport{
		BypassDisabled:          r.BypassDisabled,
		DegradedPolicy:          DegradedPolicy(r.DegradedPolicy),
		LegacyFormatEnabled:     r.LegacyFormatEnabled,
		EnhancedSigningMethod:   r.EnhancedSigningMethod,
		IssuerEnforced:          r.IssuerEnforced,
		AudienceEnforced:        r.AudienceEnforced,
		Leeway:                  r.Leeway,
		AccessTTL:               r.AccessTTL,
		IdleTTL:                 r.IdleTTL,
		AbsoluteLifetime:        r.AbsoluteLifetime,
		BreakerThreshold:        r.BreakerThreshold,
		BreakerWindow:           r.BreakerWindow,
		CacheTierConfigured:     r.CacheTierConfigured,
		DurableTierConfigured:   r.DurableTierConfigured,
		CrossInstanceRevocation: r.CrossInstanceRevocation,
		HandshakeThrottle:       r.HandshakeThrottle,
		PublicPaths:             r.PublicPaths,
		Warnings:                r.Warnings,
	}
}
