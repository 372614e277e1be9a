package collab

import (
	"testing"

	"github.com/go-playground/assert/v2"

	gojwt "github.com/golang-jwt/jwt/v5"
)

func TestDisplayLabel(t *testing.T) {
	assert.Equal(t, AnonymousLabel, DisplayLabel(""))
	assert.Equal(t, AnonymousLabel, DisplayLabel("not-a-jwt"))

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"name": "alice",
		"sub":  "user-1",
	})
	byJwt, err := token.SignedString([]byte("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "alice", DisplayLabel(byJwt))

	// fall through the claim precedence when name is absent
	token = gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "user-1",
	})
	byJwt, err = token.SignedString([]byte("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, "user-1", DisplayLabel(byJwt))

	token = gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{})
	byJwt, err = token.SignedString([]byte("k"))
	assert.Equal(t, nil, err)
	assert.Equal(t, AnonymousLabel, DisplayLabel(byJwt))
}
