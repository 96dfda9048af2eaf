package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoleOrdering(t *testing.T) {
	assert.True(t, RoleAdmin.AtLeast(RoleOperator))
	assert.True(t, RoleOperator.AtLeast(RoleOperator))
	assert.False(t, RoleViewer.AtLeast(RoleOperator))
	assert.False(t, Role("").AtLeast(RoleViewer))
	assert.False(t, Role("root").AtLeast(RoleViewer))
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, RoleAdmin, ParseRole(" Admin "))
	assert.Equal(t, RoleViewer, ParseRole("superuser"))
	assert.True(t, ParseRole("operator").Valid())
}

func TestErrorFrameShape(t *testing.T) {
	raw, err := json.Marshal(ErrorFrame(CodeNotOperator, "dev", "operator role required"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","session":"dev","code":"NOT_OPERATOR","message":"operator role required"}`, string(raw))
}

func TestOutputFrameKeepsEmptyContent(t *testing.T) {
	raw, err := json.Marshal(ServerMessage{Type: TypeOutput, Session: "dev", Pane: "0"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"output","session":"dev","pane":"0","content":""}`, string(raw))

	var back ServerMessage
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, TypeOutput, back.Type)
	assert.Equal(t, "", back.Content)

	// Other frames still omit it.
	raw, err = json.Marshal(ServerMessage{Type: TypePresence, Session: "dev"})
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "content")
}
