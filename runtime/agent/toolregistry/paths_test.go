package toolregistry_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acrylicshrimp/fathom/runtime/agent/toolregistry"
)

func TestResolveWorkspacePathWithinRoot(t *testing.T) {
	abs, err := toolregistry.ResolveWorkspacePath("/workspace", "fs://a/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/workspace/a/b.txt", abs)
}

func TestResolveWorkspacePathRootItself(t *testing.T) {
	abs, err := toolregistry.ResolveWorkspacePath("/workspace", "fs://")
	require.NoError(t, err)
	assert.Equal(t, "/workspace", abs)
}

func TestResolveWorkspacePathRejectsDotDotEscape(t *testing.T) {
	_, err := toolregistry.ResolveWorkspacePath("/workspace", "fs://../etc/passwd")
	assert.ErrorIs(t, err, toolregistry.ErrPathEscape)
}

func TestResolveWorkspacePathRejectsNestedDotDotEscape(t *testing.T) {
	_, err := toolregistry.ResolveWorkspacePath("/workspace", "fs://a/../../etc/passwd")
	assert.ErrorIs(t, err, toolregistry.ErrPathEscape)
}

func TestResolveWorkspacePathRejectsAbsoluteComponent(t *testing.T) {
	_, err := toolregistry.ResolveWorkspacePath("/workspace", "fs:///etc/passwd")
	assert.ErrorIs(t, err, toolregistry.ErrPathEscape)
}

func TestResolveWorkspacePathRejectsNonFSScheme(t *testing.T) {
	_, err := toolregistry.ResolveWorkspacePath("/workspace", "managed://agent/a1/SOUL.md")
	assert.Error(t, err)
}

func TestParseManagedPathAgent(t *testing.T) {
	mp, err := toolregistry.ParseManagedPath("managed://agent/a1/SOUL.md")
	require.NoError(t, err)
	assert.Equal(t, toolregistry.ManagedPath{Kind: "agent", ID: "a1", Field: "SOUL.md"}, mp)
}

func TestParseManagedPathUser(t *testing.T) {
	mp, err := toolregistry.ParseManagedPath("managed://user/u1/USER.md")
	require.NoError(t, err)
	assert.Equal(t, toolregistry.ManagedPath{Kind: "user", ID: "u1", Field: "USER.md"}, mp)
}

func TestParseManagedPathRejectsUnknownKind(t *testing.T) {
	_, err := toolregistry.ParseManagedPath("managed://robot/a1/SOUL.md")
	assert.Error(t, err)
}

func TestParseManagedPathRejectsMalformed(t *testing.T) {
	_, err := toolregistry.ParseManagedPath("managed://agent/a1")
	assert.Error(t, err)
}

func TestParseManagedPathRejectsNonManagedScheme(t *testing.T) {
	_, err := toolregistry.ParseManagedPath("fs://a/b.txt")
	assert.Error(t, err)
}
