package pluginhost

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// CommandInfo describes a registered command.
type CommandInfo struct {
	Name        string
	Description string
	PluginID    int
}

type registeredCommand struct {
	plugin.Command
	pluginID int
}

// CommandTable holds the commands declared by loaded plugins. It is the host's
// registration hook: plugins implementing plugin.CommandProvider have their
// commands added on load and removed on unload.
//
// Thread-safety: All methods are safe for concurrent use.
type CommandTable struct {
	mu       sync.RWMutex
	commands map[string]registeredCommand
	owners   map[int][]string
}

// NewCommandTable creates an empty table.
func NewCommandTable() *CommandTable {
	return &CommandTable{
		commands: make(map[string]registeredCommand),
		owners:   make(map[int][]string),
	}
}

// Register adds the commands of p. Nothing is added when any name is taken by
// another plugin.
func (t *CommandTable) Register(ctx context.Context, pluginID int, p plugin.Plugin) error {
	cp, ok := p.(plugin.CommandProvider)
	if !ok {
		return nil
	}
	cmds := cp.Commands()

	t.mu.Lock()
	defer t.mu.Unlock()

	seen := make(map[string]bool, len(cmds))
	for _, c := range cmds {
		if c.Name == "" || c.Handler == nil {
			return fmt.Errorf("plugin %s declares an invalid command %q", p.Name(), c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: %s declared twice by %s", ErrCommandConflict, c.Name, p.Name())
		}
		seen[c.Name] = true
		if owner, ok := t.commands[c.Name]; ok && owner.pluginID != pluginID {
			return fmt.Errorf("%w: %s is provided by plugin %d", ErrCommandConflict, c.Name, owner.pluginID)
		}
	}

	t.removeLocked(pluginID)
	names := make([]string, 0, len(cmds))
	for _, c := range cmds {
		t.commands[c.Name] = registeredCommand{Command: c, pluginID: pluginID}
		names = append(names, c.Name)
	}
	if len(names) > 0 {
		t.owners[pluginID] = names
	}
	return nil
}

// Unregister removes every command of the plugin.
func (t *CommandTable) Unregister(ctx context.Context, pluginID int, p plugin.Plugin) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(pluginID)
	return nil
}

func (t *CommandTable) removeLocked(pluginID int) {
	for _, name := range t.owners[pluginID] {
		delete(t.commands, name)
	}
	delete(t.owners, pluginID)
}

// Lookup returns a command and the id of the plugin providing it.
func (t *CommandTable) Lookup(name string) (plugin.Command, int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.commands[name]
	return c.Command, c.pluginID, ok
}

// Invoke runs a command directly on the caller's goroutine.
func (t *CommandTable) Invoke(ctx context.Context, name string, args []string) (string, error) {
	c, _, ok := t.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}
	return c.Handler(ctx, args)
}

// List returns every registered command ordered by name.
func (t *CommandTable) List() []CommandInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]CommandInfo, 0, len(t.commands))
	for _, c := range t.commands {
		out = append(out, CommandInfo{Name: c.Name, Description: c.Description, PluginID: c.pluginID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
