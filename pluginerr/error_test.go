package pluginerr

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "full",
			err:  New("load", KindEntryNotFound, "/plugins/a.so", errors.New("no symbol Plugin")),
			want: "plugin: load (entry_not_found) /plugins/a.so: no symbol Plugin",
		},
		{
			name: "no path",
			err:  New("unload", KindHook, "", io.EOF),
			want: "plugin: unload (hook): EOF",
		},
		{
			name: "no cause",
			err:  New("load", KindInvalidState, "/p.so", nil),
			want: "plugin: load (invalid_state) /p.so",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestError_IsSentinel(t *testing.T) {
	tests := []struct {
		kind     Kind
		sentinel error
	}{
		{KindEntryNotFound, ErrEntryNotFound},
		{KindIncompatibleVersion, ErrIncompatibleVersion},
		{KindInstantiation, ErrInstantiation},
		{KindHook, ErrHookFailure},
		{KindLoaderIO, ErrLoaderIO},
		{KindInvalidState, ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := fmt.Errorf("outer: %w", New("load", tt.kind, "/x.so", errors.New("cause")))
			assert.ErrorIs(t, err, tt.sentinel)

			for _, other := range tests {
				if other.kind != tt.kind {
					assert.NotErrorIs(t, err, other.sentinel)
				}
			}
		})
	}
}

func TestError_IsByKindAndOp(t *testing.T) {
	err := New("reload", KindHook, "/x.so", nil)

	assert.ErrorIs(t, err, &Error{Kind: KindHook})
	assert.ErrorIs(t, err, &Error{Kind: KindHook, Op: "reload"})
	assert.NotErrorIs(t, err, &Error{Kind: KindHook, Op: "load"})
	assert.NotErrorIs(t, err, &Error{Kind: KindLoaderIO})
}

func TestError_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("permission denied")
	err := New("load", KindLoaderIO, "/x.so", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, cause, errors.Unwrap(err))
}

func TestDerivedSentinels(t *testing.T) {
	assert.ErrorIs(t, ErrDisposed, ErrInvalidState)
	assert.ErrorIs(t, ErrNotLoaded, ErrInvalidState)
	assert.Equal(t, KindInvalidState, KindOf(ErrDisposed))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
	assert.Equal(t, KindLoaderIO, KindOf(fmt.Errorf("wrapped: %w", New("load", KindLoaderIO, "", nil))))
	assert.Equal(t, KindIncompatibleVersion, KindOf(fmt.Errorf("gate: %w", ErrIncompatibleVersion)))
}

func TestWrap(t *testing.T) {
	require.NoError(t, Wrap("load", KindHook, "/x.so", nil))

	err := Wrap("load", KindHook, "/x.so", io.ErrUnexpectedEOF)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, KindHook, pe.Kind)
	assert.Equal(t, "/x.so", pe.Path)
}
