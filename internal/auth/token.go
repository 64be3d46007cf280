package auth

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// Tokens is the normalized credential pair handed to the backend.
type Tokens struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// NormalizeToken accepts the token field of a success message in any of the
// shapes the relay page produces: a plain string, a JSON-encoded object
// string, or an object. It never fails; anything it cannot interpret becomes
// the opaque access token. RefreshToken defaults to "".
func NormalizeToken(token any) Tokens {
	switch v := token.(type) {
	case nil:
		return Tokens{}
	case string:
		if strings.HasPrefix(strings.TrimSpace(v), "{") {
			var fields map[string]any
			if err := json.Unmarshal([]byte(v), &fields); err != nil {
				log.Warn().Err(err).Msg("Token parsing failed, using as simple string")
				return Tokens{AccessToken: v}
			}
			return tokensFromMap(fields, v)
		}
		return Tokens{AccessToken: v}
	case map[string]any:
		return tokensFromMap(v, opaque(v))
	case Tokens:
		return v
	default:
		return Tokens{AccessToken: opaque(v)}
	}
}

func tokensFromMap(fields map[string]any, fallback string) Tokens {
	access := firstString(fields, "access_token", "accessToken")
	if access == "" {
		access = fallback
	}
	return Tokens{
		AccessToken:  access,
		RefreshToken: firstString(fields, "refresh_token", "refreshToken"),
	}
}

func firstString(fields map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := fields[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

// opaque renders a non-string token as text.
func opaque(v any) string {
	if data, err := json.Marshal(v); err == nil {
		return string(data)
	}
	return fmt.Sprint(v)
}
