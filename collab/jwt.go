package collab

import (
	gojwt "github.com/golang-jwt/jwt/v5"
)

const AnonymousLabel = "anonymous"

// DisplayLabel extracts a display identity from the platform JWT. the
// token is treated as an opaque label source: verification belongs to the
// identity collaborator in front of the engine, not here.
func DisplayLabel(byJwt string) string {
	if byJwt == "" {
		return AnonymousLabel
	}

	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return AnonymousLabel
	}

	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return AnonymousLabel
	}

	for _, claim := range []string{"name", "display_name", "user_id", "sub"} {
		if value, ok := claims[claim]; ok {
			if label, ok := value.(string); ok && label != "" {
				return label
			}
		}
	}
	return AnonymousLabel
}
