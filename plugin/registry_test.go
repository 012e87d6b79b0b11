package plugin_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/c360/adfront/errors"
	"github.com/c360/adfront/plugin"
	"github.com/c360/adfront/testutil"
)

func TestRegistry_RegisterFactory(t *testing.T) {
	factory := func() plugin.Plugin { return testutil.NewMockPlugin() }

	tests := []struct {
		name         string
		regName      string
		registration *plugin.Registration
		expectError  bool
	}{
		{"valid", "mock", &plugin.Registration{Factory: factory}, false},
		{"empty name", "", &plugin.Registration{Factory: factory}, true},
		{"nil registration", "mock", nil, true},
		{"nil factory", "mock", &plugin.Registration{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg := plugin.NewRegistry()
			err := reg.RegisterFactory(tt.regName, tt.registration)
			if tt.expectError {
				require.Error(t, err)
				assert.True(t, pkgerrors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			got, ok := reg.Factory(tt.regName)
			require.True(t, ok)
			assert.Equal(t, tt.regName, got.Name)
		})
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := plugin.NewRegistry()
	factory := func() plugin.Plugin { return testutil.NewMockPlugin() }

	require.NoError(t, reg.Register("b", "second", factory))
	require.NoError(t, reg.Register("a", "first", factory))

	err := reg.Register("a", "again", factory)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	assert.Equal(t, []string{"a", "b"}, reg.ListFactories())
}
