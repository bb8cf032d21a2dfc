package postprocess

import (
	"fmt"
	"strings"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/fitness-server/pkg/types"
)

const (
	DefaultCaloriesKey      = "calories"
	DefaultMETKey           = "met_value"
	DefaultCalorieSmoothing = 12
)

// Biometrics describe the person whose calories are estimated
type Biometrics struct {
	WeightKg float64 `yaml:"weight_kg" json:"weight_kg"`
	HeightCm float64 `yaml:"height_cm" json:"height_cm"`
	AgeYears float64 `yaml:"age_years" json:"age_years"`
	Gender   string  `yaml:"gender" json:"gender"` // "male", "female" or anything else
}

// DefaultBiometrics are used when the user gives none
func DefaultBiometrics() Biometrics {
	return Biometrics{WeightKg: 70, HeightCm: 170, AgeYears: 30}
}

// restingMetabolicRate returns the Harris-Benedict RMR in kcal/day,
// or false when gender does not select an equation.
func (b Biometrics) restingMetabolicRate() (float64, bool) {
	switch strings.ToLower(b.Gender) {
	case "male":
		return 88.362 + 13.397*b.WeightKg + 4.799*b.HeightCm - 5.677*b.AgeYears, true
	case "female":
		return 447.593 + 9.247*b.WeightKg + 3.098*b.HeightCm - 4.330*b.AgeYears, true
	default:
		return 0, false
	}
}

// CorrectedMET rescales a MET value from the 3.5 ml O2/kg/min reference
// to the person's own resting rate. Without a gender it returns met unchanged.
func (b Biometrics) CorrectedMET(met float64) float64 {
	rmr, ok := b.restingMetabolicRate()
	if !ok || rmr <= 0 {
		return met
	}
	// kcal/day -> ml O2/kg/min, at 5 kcal per litre of oxygen
	rmrML := rmr / 1440 / 5 * 1000 / b.WeightKg
	return met * 3.5 / rmrML
}

// KcalPerMinute converts a MET value to an energy rate, floored at zero
func (b Biometrics) KcalPerMinute(met float64) float64 {
	rate := b.CorrectedMET(met) * 3.5 * b.WeightKg / 200
	if rate < 0 {
		return 0
	}
	return rate
}

func (b Biometrics) validate() error {
	if !isFinite(b.WeightKg) || b.WeightKg <= 0 {
		return fmt.Errorf("%w: calories: weight must be positive, got %v", types.ErrConfiguration, b.WeightKg)
	}
	if !isFinite(b.HeightCm) || b.HeightCm < 0 {
		return fmt.Errorf("%w: calories: height must be non-negative, got %v", types.ErrConfiguration, b.HeightCm)
	}
	if !isFinite(b.AgeYears) || b.AgeYears < 0 {
		return fmt.Errorf("%w: calories: age must be non-negative, got %v", types.ErrConfiguration, b.AgeYears)
	}
	return nil
}

// CalorieOptions tunes a CalorieAccumulator
type CalorieOptions struct {
	Index       int    // score index holding the MET value, default 0
	Smoothing   int    // default 12
	CaloriesKey string // default "calories"
	METKey      string // default "met_value"
}

// CalorieAccumulator integrates a smoothed MET estimate into a calorie total.
// The total never decreases. Time flows between ticks that carry a result;
// the first such tick only starts the clock.
type CalorieAccumulator struct {
	bio     Biometrics
	index   int
	smooth  int
	calKey  string
	metKey  string
	hasMET  bool
	buffer  []float64
	total   float64
	met     float64
	last    time.Time
	started bool
}

// NewCalorieAccumulator validates biometrics and options
func NewCalorieAccumulator(bio Biometrics, opts CalorieOptions) (*CalorieAccumulator, error) {
	if err := bio.validate(); err != nil {
		return nil, err
	}
	if opts.Smoothing == 0 {
		opts.Smoothing = DefaultCalorieSmoothing
	}
	if opts.Smoothing < 1 {
		return nil, fmt.Errorf("%w: calories: smoothing must be >= 1, got %d", types.ErrConfiguration, opts.Smoothing)
	}
	if opts.Index < 0 {
		return nil, fmt.Errorf("%w: calories: negative index %d", types.ErrConfiguration, opts.Index)
	}
	if opts.CaloriesKey == "" {
		opts.CaloriesKey = DefaultCaloriesKey
	}
	if opts.METKey == "" {
		opts.METKey = DefaultMETKey
	}
	if opts.CaloriesKey == opts.METKey {
		return nil, fmt.Errorf("%w: calories: output keys must differ", types.ErrConfiguration)
	}

	return &CalorieAccumulator{
		bio:    bio,
		index:  opts.Index,
		smooth: opts.Smoothing,
		calKey: opts.CaloriesKey,
		metKey: opts.METKey,
	}, nil
}

func (a *CalorieAccumulator) Name() string   { return "calories" }
func (a *CalorieAccumulator) Keys() []string { return []string{a.calKey, a.metKey} }

// Total returns the committed calorie total in kcal
func (a *CalorieAccumulator) Total() float64 { return a.total }

// MET returns the committed smoothed MET value
func (a *CalorieAccumulator) MET() float64 { return a.met }

func (a *CalorieAccumulator) prepare(t Tick) (func(), error) {
	if t.Result == nil {
		return nil, nil
	}

	met, err := scoreAt(a.Name(), t.Result, a.index)
	if err != nil {
		return nil, err
	}

	buffer := append(append([]float64(nil), a.buffer...), met)
	if len(buffer) > a.smooth {
		buffer = buffer[len(buffer)-a.smooth:]
	}
	var sum float64
	for _, v := range buffer {
		sum += v
	}
	mean := sum / float64(len(buffer))

	total := a.total
	if a.started {
		elapsed := t.Now.Sub(a.last)
		if elapsed > 0 {
			total += a.bio.KcalPerMinute(mean) * elapsed.Minutes()
		}
	}

	now := t.Now
	return func() {
		a.buffer = buffer
		a.met = mean
		a.hasMET = true
		a.total = total
		if !a.started || now.After(a.last) {
			a.last = now
		}
		a.started = true
	}, nil
}

func (a *CalorieAccumulator) emit(out Output) {
	out[a.calKey] = a.total
	if a.hasMET {
		out[a.metKey] = a.met
	} else {
		out[a.metKey] = nil
	}
}
