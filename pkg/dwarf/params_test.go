package dwarf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeleCameraSelection(t *testing.T) {
	tests := []struct {
		name    string
		cameras []any
		want    string
	}{
		{
			name: "id zero wins",
			cameras: []any{
				map[string]any{"id": float64(1), "name": "wide"},
				map[string]any{"id": float64(0), "name": "tele"},
			},
			want: "tele",
		},
		{
			name: "name match without ids",
			cameras: []any{
				map[string]any{"name": "Wide"},
				map[string]any{"name": "Tele"},
			},
			want: "Tele",
		},
		{
			name: "first as fallback",
			cameras: []any{
				map[string]any{"name": "main"},
			},
			want: "main",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			config := NewParamsConfig(map[string]any{"data": map[string]any{"cameras": tc.cameras}})
			cam, ok := config.TeleCamera()
			require.True(t, ok)
			assert.Equal(t, tc.want, cam.Name())
		})
	}

	_, ok := NewParamsConfig(map[string]any{}).TeleCamera()
	assert.False(t, ok)
}

func TestDataNodeUnwrapped(t *testing.T) {
	// Some firmware responses carry the payload without a data wrapper.
	config := NewParamsConfig(map[string]any{
		"cameras": []any{map[string]any{"id": float64(0), "name": "tele"}},
	})
	cam, ok := config.TeleCamera()
	require.True(t, ok)
	assert.Equal(t, "tele", cam.Name())
}

func TestFeatureOptionsFlattened(t *testing.T) {
	config := NewParamsConfig(map[string]any{"data": map[string]any{
		"featureParams": []any{
			map[string]any{
				"name":    "Astro img_to_take",
				"id":      float64(12),
				"hasAuto": true,
				"supportMode": []any{
					map[string]any{
						"modeIndex": float64(0),
						"values": []any{
							map[string]any{"index": float64(0), "name": "999"},
						},
					},
					map[string]any{
						"modeIndex":     float64(1),
						"index":         float64(0),
						"continueValue": float64(30),
					},
				},
			},
		},
	}})

	feature, ok := config.FindFeature("astro img_to_take")
	require.True(t, ok)
	assert.Equal(t, 12, feature.ID())
	assert.True(t, feature.HasAuto())

	options := feature.Options()
	require.Len(t, options, 2)
	assert.Equal(t, 0, options[0].ModeIndex)
	assert.Equal(t, "999", options[0].Label)
	assert.Equal(t, 1, options[1].ModeIndex)
	assert.True(t, options[1].HasContinue)
	assert.Equal(t, float64(30), options[1].ContinueValue)
}

func TestFindOptionContains(t *testing.T) {
	config := NewParamsConfig(map[string]any{"data": map[string]any{
		"featureParams": []any{
			map[string]any{
				"name": "Astro format",
				"id":   float64(3),
				"gearMode": map[string]any{
					"values": []any{
						map[string]any{"index": float64(0), "name": "FITS"},
						map[string]any{"index": float64(1), "name": "TIFF"},
					},
				},
			},
		},
	}})

	feature, ok := config.FindFeature("Astro format")
	require.True(t, ok)
	options := feature.Options()
	require.Len(t, options, 2)

	opt, ok := feature.FindOptionContains("fit")
	require.True(t, ok)
	assert.Equal(t, "FITS", opt.Label)
	assert.Equal(t, 0, opt.Index)
}

func TestFindSupportParamContains(t *testing.T) {
	config := NewParamsConfig(map[string]any{"data": map[string]any{
		"cameras": []any{
			map[string]any{
				"id": float64(0),
				"supportParams": []any{
					map[string]any{"name": "Exposure", "id": float64(1)},
					map[string]any{"name": "IR Cut", "id": float64(8)},
				},
			},
		},
	}})

	cam, ok := config.TeleCamera()
	require.True(t, ok)

	param, ok := cam.FindSupportParamContains("exposure")
	require.True(t, ok)
	assert.Equal(t, 1, param.ID())

	_, ok = cam.FindSupportParam("gain")
	assert.False(t, ok)
}
