package security

import "time"

type Report struct {
	BypassDisabled          bool
	DegradedPolicy          string
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

type ReportInput struct {
	DegradedPolicy          string
	AllowsTokenOnly         bool
	LegacySecretSet         bool
	EnhancedSigningMethod   string
	Issuer                  string
	Audience                string
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
	PublicPaths             []string
}

func BuildReport(input ReportInput) Report {
	r := Report{
		BypassDisabled:          true,
		DegradedPolicy:          input.DegradedPolicy,
		LegacyFormatEnabled:     input.LegacySecretSet,
		EnhancedSigningMethod:   input.EnhancedSigningMethod,
		IssuerEnforced:          input.Issuer != "",
		AudienceEnforced:        input.Audience != "",
		Leeway:                  input.Leeway,
		AccessTTL:               input.AccessTTL,
		IdleTTL:                 input.IdleTTL,
		AbsoluteLifetime:        input.AbsoluteLifetime,
		BreakerThreshold:        input.BreakerThreshold,
		BreakerWindow:           input.BreakerWindow,
		CacheTierConfigured:     input.CacheTierConfigured,
		DurableTierConfigured:   input.DurableTierConfigured,
		CrossInstanceRevocation: input.CrossInstanceRevocation,
		HandshakeThrottle:       input.HandshakeThrottle,
		PublicPaths:             len(input.PublicPaths),
	}

	if input.AllowsTokenOnly {
		r.Warnings = append(r.Warnings, "revoked tokens are accepted until expiry while both session tiers are down")
	}
	if input.LegacySecretSet {
		r.Warnings = append(r.Warnings, "legacy tokens carry no session id and no issuer or audience")
	}
	if !input.DurableTierConfigured {
		r.Warnings = append(r.Warnings, "no durable tier: a cache flush logs every user out")
	}
	if !input.CacheTierConfigured && !input.DurableTierConfigured {
		r.Warnings = append(r.Warnings, "no shared session tier: sessions are process-local")
	}
	if input.CacheTierConfigured && !input.CrossInstanceRevocation {
		r.Warnings = append(r.Warnings, "revocations are not broadcast to other instances")
	}
	if input.AccessTTL > time.Hour {
		r.Warnings = append(r.Warnings, "access tokens live longer than one hour")
	}
	for _, p := range input.PublicPaths {
		if p == "/" {
			r.Warnings = append(r.Warnings, "public path \"/\" exempts every route")
			break
		}
	}
	return r
}
