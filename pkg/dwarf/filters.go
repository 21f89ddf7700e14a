package dwarf

import (
	"fmt"
	"strings"

	"dwarfbridge/pkg/dwarfproto"
)

// The filter feature id used by known firmware; anything with this id
// or an "ir cut" name switches via the dedicated IR-cut command.
const irCutFeatureID = 8

// FilterOption is one selectable filter position.
type FilterOption struct {
	Name      string
	ModeIndex int
	Index     int
	FeatureID int
	HasAuto   bool
	AutoMode  int
	IRCut     bool
	// Controllable is false for the static fallback labels reported
	// when the device metadata exposes no filter parameter.
	Controllable bool
}

func isIRCutFeature(f Feature) bool {
	name := strings.ToLower(f.Name())
	return f.ID() == irCutFeatureID ||
		strings.Contains(name, "ir cut") || strings.Contains(name, "ir-cut")
}

func filterOptionsFromFeature(f Feature) []FilterOption {
	irCut := isIRCutFeature(f)
	var options []FilterOption
	for _, opt := range f.Options() {
		if opt.Label == "" {
			continue
		}
		options = append(options, FilterOption{
			Name:         opt.Label,
			ModeIndex:    opt.ModeIndex,
			Index:        opt.Index,
			FeatureID:    f.ID(),
			HasAuto:      f.HasAuto(),
			AutoMode:     f.AutoMode(),
			IRCut:        irCut,
			Controllable: true,
		})
	}
	return options
}

// CameraFilterOptions discovers the filter wheel positions: the tele
// camera's filter/IR-cut support param first, a filter feature param
// next, and the known static labels when the metadata has neither.
func (s *Session) CameraFilterOptions() ([]FilterOption, error) {
	config, err := s.ensureParamsConfig()
	if err != nil {
		return nil, err
	}

	if cam, ok := config.TeleCamera(); ok {
		for _, sub := range []string{"filter", "ir cut", "ir-cut"} {
			if param, ok := cam.FindSupportParamContains(sub); ok {
				if options := filterOptionsFromFeature(param); len(options) > 0 {
					return options, nil
				}
			}
		}
	}
	if feature, ok := config.FindFeatureContains("filter"); ok {
		if options := filterOptionsFromFeature(feature); len(options) > 0 {
			return options, nil
		}
	}

	static := []string{"VIS", "Astro", "Duo-Band"}
	options := make([]FilterOption, 0, len(static))
	for i, name := range static {
		options = append(options, FilterOption{Name: name, Index: i})
	}
	return options, nil
}

// CameraSelectedFilter returns the applied filter label.
func (s *Session) CameraSelectedFilter() string {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.capture.filterLabel
}

// CameraSelectFilter switches to the named filter. A no-op when it is
// already selected; uncontrollable fallback labels are only recorded.
// The selection is remembered, so a failed switch is retried at the
// next exposure start.
func (s *Session) CameraSelectFilter(name string) error {
	if s.CameraSelectedFilter() == name {
		return nil
	}
	return s.selectFilterByName(name)
}

func (s *Session) selectFilterByName(name string) error {
	options, err := s.CameraFilterOptions()
	if err != nil {
		return err
	}
	var selected *FilterOption
	for i := range options {
		if strings.EqualFold(options[i].Name, name) {
			selected = &options[i]
			break
		}
	}
	if selected == nil {
		return fmt.Errorf("unknown filter %q", name)
	}
	s.stateMu.Lock()
	s.capture.requestedFilter = selected.Name
	s.stateMu.Unlock()
	if selected.Controllable {
		if err := s.applyFilter(selected); err != nil {
			return err
		}
	}
	s.stateMu.Lock()
	s.capture.filterLabel = selected.Name
	s.stateMu.Unlock()
	return nil
}

// ensureFilterSettings re-applies the selected filter before an
// exposure, like the exposure and gain settings. A no-op when nothing
// was selected or the device already carries it.
func (s *Session) ensureFilterSettings() {
	s.stateMu.Lock()
	requested := s.capture.requestedFilter
	applied := s.capture.filterLabel
	s.stateMu.Unlock()
	if requested == "" || strings.EqualFold(requested, applied) {
		return
	}
	if err := s.selectFilterByName(requested); err != nil {
		s.logger.WithError(err).WithField("filter", requested).Warn("Filter refresh failed")
	}
}

func (s *Session) applyFilter(option *FilterOption) error {
	if option.IRCut {
		_, err := s.sendChecked(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetIRCut,
			&dwarfproto.ReqSetIrCut{Value: int32(option.Index)}, focusCommandTimeout, teleParamAliases())
		return err
	}
	param := dwarfproto.CommonParam{
		HasAuto:   option.HasAuto,
		AutoMode:  int32(option.AutoMode),
		ID:        int32(option.FeatureID),
		ModeIndex: int32(option.ModeIndex),
		Index:     int32(option.Index),
	}
	_, err := s.sendChecked(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetFeatureParam,
		&dwarfproto.ReqSetFeatureParams{Param: param}, focusCommandTimeout, teleParamAliases())
	return err
}
