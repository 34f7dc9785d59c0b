package engine

import (
	"fmt"
	"strings"
)

// AuthMask selects which proxy authentication mechanisms the engine may
// negotiate.
type AuthMask uint32

const (
	AuthNone      AuthMask = 0
	AuthBasic     AuthMask = 1 << 0
	AuthDigest    AuthMask = 1 << 1
	AuthNegotiate AuthMask = 1 << 2
	AuthNTLM      AuthMask = 1 << 3
	AuthBearer    AuthMask = 1 << 6

	// AuthOnly tells the engine to use exactly the mechanism in the rest
	// of the mask without probing alternatives.
	AuthOnly AuthMask = 1 << 31

	// AuthAny allows every mechanism; AuthAnySafe excludes cleartext
	// Basic.
	AuthAny     = AuthBasic | AuthDigest | AuthNegotiate | AuthNTLM | AuthBearer
	AuthAnySafe = AuthAny &^ AuthBasic
)

var mechanismMasks = map[string]AuthMask{
	"BASIC":     AuthBasic,
	"DIGEST":    AuthDigest,
	"NEGOTIATE": AuthNegotiate,
	"NTLM":      AuthNTLM,
	"BEARER":    AuthBearer,
	"ANY":       AuthAny,
	"ANYSAFE":   AuthAnySafe,
}

// MechanismMask returns the mask for a single mechanism name such as
// "NTLM" or "NEGOTIATE". Names are case-insensitive.
func MechanismMask(name string) (AuthMask, bool) {
	m, ok := mechanismMasks[strings.ToUpper(name)]
	return m, ok
}

// ParseAuth converts a mechanism selection string into an AuthMask.
//
// Supported forms, case-insensitive:
//
//	NONE            no authentication
//	<mech>          that mechanism (or ANY / ANYSAFE)
//	NO<mech>        ANY minus <mech>, e.g. NONTLM
//	SAFENO<mech>    ANYSAFE minus <mech>, e.g. SAFENONTLM
//	ONLY<mech>      exactly <mech>, no probing, e.g. ONLYNTLM
func ParseAuth(s string) (AuthMask, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "NONE" {
		return AuthNone, nil
	}

	switch {
	case strings.HasPrefix(name, "SAFENO"):
		m, ok := MechanismMask(strings.TrimPrefix(name, "SAFENO"))
		if !ok {
			return AuthNone, fmt.Errorf("unknown auth mechanism: %q", s)
		}
		return AuthAnySafe &^ m, nil
	case strings.HasPrefix(name, "ONLY"):
		m, ok := MechanismMask(strings.TrimPrefix(name, "ONLY"))
		if !ok {
			return AuthNone, fmt.Errorf("unknown auth mechanism: %q", s)
		}
		return AuthOnly | m, nil
	case strings.HasPrefix(name, "NO"):
		m, ok := MechanismMask(strings.TrimPrefix(name, "NO"))
		if !ok {
			return AuthNone, fmt.Errorf("unknown auth mechanism: %q", s)
		}
		return AuthAny &^ m, nil
	default:
		m, ok := MechanismMask(name)
		if !ok {
			return AuthNone, fmt.Errorf("unknown auth mechanism: %q", s)
		}
		return m, nil
	}
}
