package pluginhost

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmission_Allow(t *testing.T) {
	tests := []struct {
		name string
		expr string
		path string
		want bool
	}{
		{"extension matches", `ext == ".so"`, "/plugins/greeter.so", true},
		{"extension differs", `ext == ".so"`, "/plugins/greeter.dll", false},
		{"name prefix", `!name.startsWith("_")`, "/plugins/_draft.so", false},
		{"directory", `dir == "/opt/plugins"`, "/opt/plugins/greeter.so", true},
		{"full path regex", `path.matches("^/plugins/[a-z]+\\.so$")`, "/plugins/greeter.so", true},
		{"combined", `ext == ".so" && name != "legacy"`, "/plugins/legacy.so", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adm, err := NewAdmission(tt.expr)
			require.NoError(t, err)

			got, err := adm.Allow(tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.expr, adm.String())
		})
	}
}

func TestNewAdmission_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		wantErr string
	}{
		{"syntax error", `ext ==`, "compile admission"},
		{"unknown variable", `size > 10`, "compile admission"},
		{"not a bool", `name + ext`, "must evaluate to bool"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdmission(tt.expr)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
