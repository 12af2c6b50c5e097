package pluginhost

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/pluginhost/plugin"
)

func mustPlugin(t *testing.T, name string, cmds ...string) plugin.Plugin {
	t.Helper()
	p, err := greeter(name, cmds...)()
	require.NoError(t, err)
	return p
}

func TestCommandTable_RegisterAndInvoke(t *testing.T) {
	table := NewCommandTable()
	ctx := context.Background()

	require.NoError(t, table.Register(ctx, 1, mustPlugin(t, "greeter", "hello", "wave")))

	out, err := table.Invoke(ctx, "hello", []string{"there"})
	require.NoError(t, err)
	assert.Equal(t, "hello there", out)

	cmd, owner, ok := table.Lookup("wave")
	require.True(t, ok)
	assert.Equal(t, 1, owner)
	assert.Equal(t, "says wave", cmd.Description)

	assert.Equal(t, []CommandInfo{
		{Name: "hello", Description: "says hello", PluginID: 1},
		{Name: "wave", Description: "says wave", PluginID: 1},
	}, table.List())

	_, err = table.Invoke(ctx, "missing", nil)
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestCommandTable_Conflict(t *testing.T) {
	table := NewCommandTable()
	ctx := context.Background()

	require.NoError(t, table.Register(ctx, 1, mustPlugin(t, "a", "hello")))

	err := table.Register(ctx, 2, mustPlugin(t, "b", "wave", "hello"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCommandConflict)

	_, _, ok := table.Lookup("wave")
	assert.False(t, ok, "nothing of a conflicting plugin is registered")

	// re-registering the owner replaces its own commands
	require.NoError(t, table.Register(ctx, 1, mustPlugin(t, "a", "wave")))
	_, _, ok = table.Lookup("hello")
	assert.False(t, ok)
	_, owner, ok := table.Lookup("wave")
	require.True(t, ok)
	assert.Equal(t, 1, owner)
}

func TestCommandTable_Unregister(t *testing.T) {
	table := NewCommandTable()
	ctx := context.Background()

	a := mustPlugin(t, "a", "hello")
	require.NoError(t, table.Register(ctx, 1, a))
	require.NoError(t, table.Register(ctx, 2, mustPlugin(t, "b", "wave")))

	require.NoError(t, table.Unregister(ctx, 1, a))
	require.NoError(t, table.Unregister(ctx, 1, a))

	assert.Equal(t, []CommandInfo{{Name: "wave", Description: "says wave", PluginID: 2}}, table.List())
}

type bareCommands struct {
	plugin.Base
	cmds []plugin.Command
}

func (p *bareCommands) Name() string               { return "bare" }
func (p *bareCommands) Version() string            { return "1.0.0" }
func (p *bareCommands) Description() string        { return "" }
func (p *bareCommands) Author() string             { return "" }
func (p *bareCommands) Commands() []plugin.Command { return p.cmds }

func TestCommandTable_RejectsInvalidCommands(t *testing.T) {
	table := NewCommandTable()
	ctx := context.Background()
	handler := func(context.Context, []string) (string, error) { return "", errors.New("unused") }

	err := table.Register(ctx, 1, &bareCommands{cmds: []plugin.Command{{Name: "", Handler: handler}}})
	assert.Error(t, err)

	err = table.Register(ctx, 1, &bareCommands{cmds: []plugin.Command{{Name: "x"}}})
	assert.Error(t, err)

	err = table.Register(ctx, 1, &bareCommands{cmds: []plugin.Command{
		{Name: "x", Handler: handler},
		{Name: "x", Handler: handler},
	}})
	assert.ErrorIs(t, err, ErrCommandConflict)

	assert.Empty(t, table.List())
}

func TestCommandTable_IgnoresPluginsWithoutCommands(t *testing.T) {
	table := NewCommandTable()
	require.NoError(t, table.Register(context.Background(), 1, &sickPlugin{}))
	assert.Empty(t, table.List())
}
