// Package prophet implements PRoPHET delivery predictability and the
// forwarding strategies built on it.
package prophet

import (
	"errors"
	"time"

	"github.com/nmxmxh/inos_dtn/internal/dtn"
)

// Params holds the PRoPHET constants.
type Params struct {
	PEncounterMax   float64       `json:"p_encounter_max" yaml:"p_encounter_max"`
	PEncounterFirst float64       `json:"p_encounter_first" yaml:"p_encounter_first"`
	PFirstThreshold float64       `json:"p_first_threshold" yaml:"p_first_threshold"`
	Beta            float64       `json:"beta" yaml:"beta"`
	Gamma           float64       `json:"gamma" yaml:"gamma"`
	Delta           float64       `json:"delta" yaml:"delta"`
	TimeUnit        time.Duration `json:"time_unit" yaml:"time_unit"`
	ITyp            time.Duration `json:"i_typ" yaml:"i_typ"`
}

// DefaultParams returns the values recommended by RFC 6693.
func DefaultParams() Params {
	return Params{
		PEncounterMax:   0.7,
		PEncounterFirst: 0.5,
		PFirstThreshold: 0.1,
		Beta:            0.9,
		Gamma:           0.999,
		Delta:           0.01,
		TimeUnit:        time.Second,
		ITyp:            300 * time.Second,
	}
}

// Max is the ceiling for every non-local value.
func (p Params) Max() float64 { return 1 - p.Delta }

func (p Params) Validate() error {
	unit := func(field string, v float64, open bool) error {
		if v < 0 || v > 1 || (open && v == 0) {
			return dtn.ErrConfig(field, errors.New("must be within [0,1]"))
		}
		return nil
	}
	checks := []error{
		unit("p_encounter_max", p.PEncounterMax, true),
		unit("p_encounter_first", p.PEncounterFirst, true),
		unit("p_first_threshold", p.PFirstThreshold, false),
		unit("beta", p.Beta, false),
		unit("gamma", p.Gamma, true),
		unit("delta", p.Delta, false),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if p.Delta >= 1 {
		return dtn.ErrConfig("delta", errors.New("must be below 1"))
	}
	if p.PEncounterFirst > p.Max() || p.PEncounterMax > p.Max() {
		return dtn.ErrConfig("p_encounter_first", errors.New("must not exceed 1-delta"))
	}
	if p.TimeUnit <= 0 {
		return dtn.ErrConfig("time_unit", errors.New("must be positive"))
	}
	if p.ITyp <= 0 {
		return dtn.ErrConfig("i_typ", errors.New("must be positive"))
	}
	return nil
}
