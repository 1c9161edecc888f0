package decoder

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capextract/internal/common"
	"capextract/internal/record"
)

func TestDefaultRegistry(t *testing.T) {
	r := Default()
	assert.Equal(t, []string{Donut, PlugX, PE2SHC, SRDI}, r.Names())
	assert.True(t, r.Resolve(PlugX).IsPresent())
	assert.True(t, r.Resolve("Emotet").IsAbsent())
	// names are exact, not case folded
	assert.True(t, r.Resolve("plugx").IsAbsent())
}

func TestRegisterReplaces(t *testing.T) {
	r := NewRegistry()
	r.Register("Fam", common.DecoderFunc(func([]byte) (map[string]any, error) {
		return map[string]any{"v": 1}, nil
	}))
	r.Register("Fam", common.DecoderFunc(func([]byte) (map[string]any, error) {
		return map[string]any{"v": 2}, nil
	}))

	dec, ok := r.Resolve("Fam").Get()
	require.True(t, ok)
	out, err := dec.Decode(nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["v"])
}

func TestDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register("Good", common.DecoderFunc(func(b []byte) (map[string]any, error) {
		return map[string]any{"len": len(b)}, nil
	}))
	r.Register("Bad", common.DecoderFunc(func([]byte) (map[string]any, error) {
		return nil, errors.New("corrupt")
	}))
	r.Register("Empty", common.DecoderFunc(func([]byte) (map[string]any, error) {
		return nil, nil
	}))
	d := NewDispatcher(r, zerolog.Nop())

	tests := []struct {
		name    string
		decoder string
		want    bool
	}{
		{"success", "Good", true},
		{"error", "Bad", false},
		{"no config", "Empty", false},
		{"unknown", "Missing", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &record.Artifact{Path: "/dump/1"}
			assert.Equal(t, tt.want, d.Dispatch(a, tt.decoder, []byte("abc")))
			assert.Equal(t, tt.want, a.Retain)
			if tt.want {
				assert.Equal(t, tt.decoder, a.DecoderName)
				assert.Equal(t, 3, a.Config["len"])
			} else {
				assert.Nil(t, a.Config)
				assert.Empty(t, a.DecoderName)
			}
		})
	}
}

func TestDispatchKeepsRetainOnFailure(t *testing.T) {
	d := NewDispatcher(Default(), zerolog.Nop())
	a := &record.Artifact{Retain: true}
	assert.False(t, d.Dispatch(a, PlugX, []byte("short")))
	assert.True(t, a.Retain)
	assert.Nil(t, a.Config)
}
