package tokens

import (
	"time"
)

// ClaimValue is a closed variant over the claim types the engine can embed
// in a token. Constructing one through the helpers below is the only way to
// hand a claim to Generate, so an unsupported claim type cannot be expressed
// at all rather than being dropped at runtime.
type ClaimValue struct {
	kind claimKind

	i  int64
	f  float64
	s  string
	t  time.Time
	b  bool
	sl []string
}

type claimKind int

const (
	kindInt claimKind = iota
	kindInt64
	kindFloat
	kindString
	kindTime
	kindBool
	kindStringList
)

// Int wraps an int claim.
func Int(v int) ClaimValue { return ClaimValue{kind: kindInt, i: int64(v)} }

// Int64 wraps an int64 claim.
func Int64(v int64) ClaimValue { return ClaimValue{kind: kindInt64, i: v} }

// Float wraps a float64 claim.
func Float(v float64) ClaimValue { return ClaimValue{kind: kindFloat, f: v} }

// String wraps a string claim.
func String(v string) ClaimValue { return ClaimValue{kind: kindString, s: v} }

// Time wraps a timestamp claim, serialized as NumericDate seconds.
func Time(v time.Time) ClaimValue { return ClaimValue{kind: kindTime, t: v} }

// Bool wraps a bool claim.
func Bool(v bool) ClaimValue { return ClaimValue{kind: kindBool, b: v} }

// StringList wraps a list-of-strings claim.
func StringList(v []string) ClaimValue { return ClaimValue{kind: kindStringList, sl: v} }

// jwtValue returns the representation golang-jwt serializes.
func (v ClaimValue) jwtValue() any {
	switch v.kind {
	case kindInt, kindInt64:
		return v.i
	case kindFloat:
		return v.f
	case kindString:
		return v.s
	case kindTime:
		return v.t.Unix()
	case kindBool:
		return v.b
	case kindStringList:
		return v.sl
	}
	return nil
}

// Well-known claim names used across the server.
const (
	ClaimTokenType    = "typ"
	ClaimName         = "name"
	ClaimClientID     = "client_id"
	ClaimScope        = "scope"
	ClaimTokenVersion = "token_version"
)

// Token type claim values.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)
