package dwarf

import "strings"

// ParamsConfig is the device capability metadata from
// /getDefaultParamsConfig: cameras with their support params, and the
// global feature params. The payload shape drifts between firmware
// revisions, so accessors walk the raw tree and return typed results
// instead of binding to one schema.
type ParamsConfig struct {
	raw any
}

func NewParamsConfig(raw any) *ParamsConfig {
	return &ParamsConfig{raw: raw}
}

// Raw exposes the decoded JSON tree, used by the exposure resolver's
// discovery fallback.
func (c *ParamsConfig) Raw() any {
	if c == nil {
		return nil
	}
	return c.raw
}

func (c *ParamsConfig) dataNode() map[string]any {
	if c == nil {
		return nil
	}
	root, ok := c.raw.(map[string]any)
	if !ok {
		return nil
	}
	if data, ok := root["data"].(map[string]any); ok {
		return data
	}
	return root
}

func (c *ParamsConfig) listNode(key string) []any {
	data := c.dataNode()
	if data == nil {
		return nil
	}
	list, _ := data[key].([]any)
	return list
}

// Camera is one camera block with its support params.
type Camera struct {
	raw map[string]any
}

func (c *ParamsConfig) Cameras() []Camera {
	var cameras []Camera
	for _, entry := range c.listNode("cameras") {
		if m, ok := entry.(map[string]any); ok {
			cameras = append(cameras, Camera{raw: m})
		}
	}
	return cameras
}

// TeleCamera returns the telephoto camera: id 0, or the one named
// "tele", or the first one listed.
func (c *ParamsConfig) TeleCamera() (Camera, bool) {
	cameras := c.Cameras()
	for _, cam := range cameras {
		if id, ok := cam.ID(); ok && id == 0 {
			return cam, true
		}
	}
	for _, cam := range cameras {
		if strings.EqualFold(cam.Name(), "tele") {
			return cam, true
		}
	}
	if len(cameras) > 0 {
		return cameras[0], true
	}
	return Camera{}, false
}

func (c Camera) ID() (int, bool) {
	return intValue(c.raw["id"])
}

func (c Camera) Name() string {
	s, _ := c.raw["name"].(string)
	return s
}

func (c Camera) SupportParams() []Feature {
	var params []Feature
	list, _ := c.raw["supportParams"].([]any)
	for _, entry := range list {
		if m, ok := entry.(map[string]any); ok {
			params = append(params, Feature{raw: m})
		}
	}
	return params
}

// FindSupportParam matches by exact name, case insensitive.
func (c Camera) FindSupportParam(name string) (Feature, bool) {
	for _, p := range c.SupportParams() {
		if strings.EqualFold(p.Name(), name) {
			return p, true
		}
	}
	return Feature{}, false
}

// FindSupportParamContains matches by case-insensitive substring.
func (c Camera) FindSupportParamContains(sub string) (Feature, bool) {
	sub = strings.ToLower(sub)
	for _, p := range c.SupportParams() {
		if strings.Contains(strings.ToLower(p.Name()), sub) {
			return p, true
		}
	}
	return Feature{}, false
}

// Features returns the global feature params.
func (c *ParamsConfig) Features() []Feature {
	var features []Feature
	for _, entry := range c.listNode("featureParams") {
		if m, ok := entry.(map[string]any); ok {
			features = append(features, Feature{raw: m})
		}
	}
	return features
}

func (c *ParamsConfig) FindFeature(name string) (Feature, bool) {
	for _, f := range c.Features() {
		if strings.EqualFold(f.Name(), name) {
			return f, true
		}
	}
	return Feature{}, false
}

func (c *ParamsConfig) FindFeatureContains(sub string) (Feature, bool) {
	sub = strings.ToLower(sub)
	for _, f := range c.Features() {
		if strings.Contains(strings.ToLower(f.Name()), sub) {
			return f, true
		}
	}
	return Feature{}, false
}

// Feature is one adjustable parameter: a camera support param or a
// global feature param. Both share the same option layout.
type Feature struct {
	raw map[string]any
}

func (f Feature) Name() string {
	s, _ := f.raw["name"].(string)
	return s
}

func (f Feature) ID() int {
	id, _ := intValue(f.raw["id"])
	return id
}

func (f Feature) HasAuto() bool {
	b, _ := f.raw["hasAuto"].(bool)
	return b
}

func (f Feature) AutoMode() int {
	mode, _ := intValue(f.raw["autoMode"])
	return mode
}

// ParamOption is one selectable value of a feature.
type ParamOption struct {
	ModeIndex     int
	Index         int
	Label         string
	ContinueValue float64
	HasContinue   bool
}

// Options walks the feature's value tree (gearMode values, supportMode
// entries, continueMode) and flattens every indexed option it finds.
func (f Feature) Options() []ParamOption {
	var options []ParamOption
	collectOptions(f.raw, 0, &options)
	return options
}

// FindOption matches an option label exactly, case insensitive.
func (f Feature) FindOption(label string) (ParamOption, bool) {
	for _, opt := range f.Options() {
		if strings.EqualFold(opt.Label, label) {
			return opt, true
		}
	}
	return ParamOption{}, false
}

// FindOptionContains matches an option label by case-insensitive
// substring.
func (f Feature) FindOptionContains(sub string) (ParamOption, bool) {
	sub = strings.ToLower(sub)
	for _, opt := range f.Options() {
		if strings.Contains(strings.ToLower(opt.Label), sub) {
			return opt, true
		}
	}
	return ParamOption{}, false
}

func collectOptions(node any, modeIndex int, out *[]ParamOption) {
	switch v := node.(type) {
	case map[string]any:
		if mi, ok := intValue(v["modeIndex"]); ok {
			modeIndex = mi
		} else if mi, ok := intValue(v["mode"]); ok {
			modeIndex = mi
		}
		if index, ok := intValue(v["index"]); ok {
			if label := optionLabel(v); label != "" || hasNumber(v, "continueValue") {
				opt := ParamOption{ModeIndex: modeIndex, Index: index, Label: label}
				if cv, ok := floatValue(v["continueValue"]); ok {
					opt.ContinueValue = cv
					opt.HasContinue = true
				}
				*out = append(*out, opt)
			}
		}
		for key, child := range v {
			// The feature's own id/index must not leak into children.
			if key == "id" || key == "index" {
				continue
			}
			collectOptions(child, modeIndex, out)
		}
	case []any:
		for _, child := range v {
			collectOptions(child, modeIndex, out)
		}
	}
}

func optionLabel(m map[string]any) string {
	for _, key := range []string{"name", "text", "label", "value"} {
		if s, ok := m[key].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func hasNumber(m map[string]any, key string) bool {
	_, ok := floatValue(m[key])
	return ok
}

func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	}
	return 0, false
}

func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	}
	return 0, false
}
