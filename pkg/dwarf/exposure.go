package dwarf

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// ExposureOption is one selectable exposure gear value.
type ExposureOption struct {
	Index   int
	Seconds float64
}

// ExposureResolver maps requested exposure durations onto the device's
// discrete gear table.
type ExposureResolver struct {
	options []ExposureOption
}

// NewExposureResolver builds a resolver from explicit options,
// deduplicating indices (keeping the shorter duration) and dropping
// non-positive durations.
func NewExposureResolver(options []ExposureOption) (*ExposureResolver, error) {
	byIndex := make(map[int]float64)
	for _, opt := range options {
		if opt.Seconds <= 0 {
			continue
		}
		if existing, ok := byIndex[opt.Index]; !ok || opt.Seconds < existing {
			byIndex[opt.Index] = opt.Seconds
		}
	}
	if len(byIndex) == 0 {
		return nil, fmt.Errorf("no usable exposure options")
	}
	deduped := make([]ExposureOption, 0, len(byIndex))
	for index, seconds := range byIndex {
		deduped = append(deduped, ExposureOption{Index: index, Seconds: seconds})
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].Seconds != deduped[j].Seconds {
			return deduped[i].Seconds < deduped[j].Seconds
		}
		return deduped[i].Index < deduped[j].Index
	})
	return &ExposureResolver{options: deduped}, nil
}

// NewExposureResolverFromConfig extracts the exposure gear table from
// capability metadata: the tele camera's "Exposure" support param
// first, any camera with one next, and finally a generic walk over the
// whole tree for indexed entries with a parseable duration.
func NewExposureResolverFromConfig(raw any) (*ExposureResolver, error) {
	if options := cameraExposureOptions(raw); len(options) > 0 {
		return NewExposureResolver(options)
	}
	var options []ExposureOption
	discoverExposureOptions(raw, &options)
	return NewExposureResolver(options)
}

// Options returns the gear table in ascending duration order.
func (r *ExposureResolver) Options() []ExposureOption {
	return append([]ExposureOption(nil), r.options...)
}

// ChooseIndex picks the gear index whose duration is closest to the
// target. Exact midpoints resolve to the shorter duration.
func (r *ExposureResolver) ChooseIndex(targetSeconds float64) (int, float64) {
	best := r.options[0]
	bestDist := math.Abs(best.Seconds - targetSeconds)
	for _, opt := range r.options[1:] {
		if dist := math.Abs(opt.Seconds - targetSeconds); dist < bestDist {
			best = opt
			bestDist = dist
		}
	}
	return best.Index, best.Seconds
}

func cameraExposureOptions(raw any) []ExposureOption {
	config := NewParamsConfig(raw)
	cameras := config.Cameras()
	if len(cameras) == 0 {
		return nil
	}
	ordered := make([]Camera, 0, len(cameras))
	if tele, ok := config.TeleCamera(); ok {
		ordered = append(ordered, tele)
	}
	for _, cam := range cameras {
		ordered = append(ordered, cam)
	}
	for _, cam := range ordered {
		param, ok := cam.FindSupportParamContains("exposure")
		if !ok {
			continue
		}
		var options []ExposureOption
		for _, opt := range param.Options() {
			if seconds, ok := parseDurationSeconds(opt.Label); ok {
				options = append(options, ExposureOption{Index: opt.Index, Seconds: seconds})
			}
		}
		if len(options) > 0 {
			return options
		}
	}
	return nil
}

// discoverExposureOptions is the last-resort walk: any map carrying an
// index and a duration-like value counts.
func discoverExposureOptions(node any, out *[]ExposureOption) {
	switch v := node.(type) {
	case map[string]any:
		if index, ok := intValue(v["index"]); ok {
			for _, key := range []string{"duration", "time", "exp_time", "exptime", "value", "text", "name"} {
				value, present := v[key]
				if !present {
					continue
				}
				if seconds, ok := parseDurationSeconds(value); ok {
					*out = append(*out, ExposureOption{Index: index, Seconds: seconds})
					break
				}
			}
		}
		for _, child := range v {
			discoverExposureOptions(child, out)
		}
	case []any:
		for _, child := range v {
			discoverExposureOptions(child, out)
		}
	}
}

// parseDurationSeconds accepts numbers and the label spellings the
// firmware uses: "15ms", "0.5 s", "2 seconds", "1/4", `30"`.
func parseDurationSeconds(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, v > 0
	case int:
		return float64(v), v > 0
	case string:
		return parseDurationLabel(v)
	}
	return 0, false
}

func parseDurationLabel(label string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(label))
	if s == "" {
		return 0, false
	}
	// Second marks: ASCII quote and double prime.
	s = strings.ReplaceAll(s, "\"", "")
	s = strings.ReplaceAll(s, "″", "")
	for _, word := range []string{"seconds", "second", "sec"} {
		s = strings.ReplaceAll(s, word, "")
	}
	s = strings.TrimSpace(s)
	scale := 1.0
	if strings.HasSuffix(s, "ms") {
		scale = 0.001
		s = strings.TrimSuffix(s, "ms")
	} else if strings.HasSuffix(s, "s") {
		s = strings.TrimSuffix(s, "s")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if unicode.IsLetter(r) {
			return 0, false
		}
	}
	if num, den, found := strings.Cut(s, "/"); found {
		n, err1 := strconv.ParseFloat(strings.TrimSpace(num), 64)
		d, err2 := strconv.ParseFloat(strings.TrimSpace(den), 64)
		if err1 != nil || err2 != nil || d == 0 {
			return 0, false
		}
		seconds := n / d * scale
		return seconds, seconds > 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	seconds := f * scale
	return seconds, seconds > 0
}
