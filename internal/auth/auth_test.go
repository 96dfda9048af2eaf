package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tchow-twistedxcom/tmux-collab/internal/protocol"
)

var testUsers = []User{
	{ID: "ann", Name: "Ann", Role: protocol.RoleOperator, Token: "tok-ann"},
	{ID: "root", Role: protocol.RoleAdmin, Token: "tok-root"},
	{ID: "ghost", Role: protocol.RoleAdmin},
}

func TestAuthenticateQueryAndBearer(t *testing.T) {
	a := NewTokenAuthenticator(testUsers, false)
	assert.Equal(t, 2, a.Len(), "users without a token are skipped")

	r := httptest.NewRequest("GET", "/ws?token=tok-ann", nil)
	id, ok := a.Authenticate(r)
	assert.True(t, ok)
	assert.Equal(t, protocol.Identity{UserID: "ann", UserName: "Ann", Role: protocol.RoleOperator}, id)

	r = httptest.NewRequest("GET", "/api/locks", nil)
	r.Header.Set("Authorization", "Bearer tok-root")
	id, ok = a.Authenticate(r)
	assert.True(t, ok)
	assert.Equal(t, "root", id.UserName, "name defaults to id")
	assert.Equal(t, protocol.RoleAdmin, id.Role)
}

func TestAuthenticateRejects(t *testing.T) {
	a := NewTokenAuthenticator(testUsers, true)

	for _, target := range []string{"/ws", "/ws?token=nope", "/ws?token="} {
		_, ok := a.Authenticate(httptest.NewRequest("GET", target, nil))
		assert.False(t, ok, target)
	}

	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Basic tok-ann")
	_, ok := a.Authenticate(r)
	assert.False(t, ok)
}

func TestAnonymous(t *testing.T) {
	a := NewTokenAuthenticator(nil, true)
	id, ok := a.Authenticate(httptest.NewRequest("GET", "/ws", nil))
	assert.True(t, ok)
	assert.Equal(t, Anonymous, id)

	closed := NewTokenAuthenticator(nil, false)
	_, ok = closed.Authenticate(httptest.NewRequest("GET", "/ws", nil))
	assert.False(t, ok)
}

func TestReplace(t *testing.T) {
	a := NewTokenAuthenticator(testUsers, false)
	a.Replace([]User{{ID: "new", Role: protocol.RoleViewer, Token: "tok-new"}})

	_, ok := a.Authenticate(httptest.NewRequest("GET", "/ws?token=tok-ann", nil))
	assert.False(t, ok)
	id, ok := a.Authenticate(httptest.NewRequest("GET", "/ws?token=tok-new", nil))
	assert.True(t, ok)
	assert.Equal(t, protocol.RoleViewer, id.Role)
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", bearerToken("Bearer abc"))
	assert.Equal(t, "abc", bearerToken("  Bearer   abc  "))
	assert.Equal(t, "", bearerToken("Bearer "))
	assert.Equal(t, "", bearerToken("bearer abc"))
	assert.Equal(t, "", bearerToken(""))
}
