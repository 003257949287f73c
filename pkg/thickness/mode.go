package thickness

import (
	"strings"

	"github.com/pkg/errors"
)

// Mode selects how parameters are coupled between surface points
type Mode int

const (
	// Local fits every point independently
	Local Mode = iota
	// GlobalInterpolation fits values at multiscale control points and interpolates them
	GlobalInterpolation
	// GlobalRegularization fits every point jointly with a Laplacian smoothness penalty
	GlobalRegularization
)

var modeNames = map[Mode]string{
	Local:                "local",
	GlobalInterpolation:  "global-interpolation",
	GlobalRegularization: "global-regularization",
}

// String returns the command line name of the mode
func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMode converts a command line name into a Mode
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return m, nil
		}
	}
	return Local, errors.Errorf("unknown fitting mode %q (want local, global-interpolation or global-regularization)", s)
}

// MarshalYAML writes the mode by name
func (m Mode) MarshalYAML() (interface{}, error) {
	return m.String(), nil
}

// UnmarshalYAML reads the mode by name
func (m *Mode) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
