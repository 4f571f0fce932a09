package sensor

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/flexforge/conveyor/internal/model"
)

const (
	vibrationWindow   = 256
	vibrationRateHz   = 100
	partThresholdMM   = 100.0
	partSampleStep    = 10 * time.Millisecond
	partCountWindow   = time.Minute
	maxPartScan       = time.Minute
	operatorPeriodMS  = 10000
	operatorProximity = 10
	jamAccelerationG  = 0.05
	defaultSeed       = 1
)

// Synthetic generates plausible readings from smooth functions of elapsed
// time plus seeded noise. Faults can be scripted with ForceJam and SetSpeed.
type Synthetic struct {
	mu      sync.Mutex
	nominal float64
	now     func() time.Time
	rng     *rand.Rand
	start   time.Time

	lastRead     time.Time
	partDetected bool
	partCount    int
	windowStart  time.Time

	jam           bool
	speedOverride *float64
}

// SyntheticOption configures a Synthetic source.
type SyntheticOption func(*Synthetic)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) SyntheticOption {
	return func(s *Synthetic) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSynthetic creates a synthetic source.
func NewSynthetic(cfg Config, opts ...SyntheticOption) *Synthetic {
	seed := cfg.Seed
	if seed == 0 {
		seed = defaultSeed
	}
	nominal := cfg.NominalSpeedRPM
	if nominal <= 0 {
		nominal = DefaultConfig().NominalSpeedRPM
	}
	s := &Synthetic{
		nominal: nominal,
		now:     time.Now,
		rng:     rand.New(rand.NewSource(seed)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.start = s.now()
	s.lastRead = s.start
	s.windowStart = s.start
	return s
}

// Kind returns KindSynthetic.
func (s *Synthetic) Kind() string { return KindSynthetic }

// ForceJam makes the belt keep running with no vibration and no parts.
func (s *Synthetic) ForceJam(on bool) {
	s.mu.Lock()
	s.jam = on
	s.mu.Unlock()
}

// SetSpeed pins the belt speed. A non-positive speed stops the belt.
func (s *Synthetic) SetSpeed(rpm float64) {
	s.mu.Lock()
	s.speedOverride = &rpm
	s.mu.Unlock()
}

// ResetSpeed returns to the generated speed profile.
func (s *Synthetic) ResetSpeed() {
	s.mu.Lock()
	s.speedOverride = nil
	s.mu.Unlock()
}

// Read produces the snapshot for the current instant.
func (s *Synthetic) Read(ctx context.Context) (model.SystemState, error) {
	if err := ctx.Err(); err != nil {
		return model.SystemState{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ms := float64(now.Sub(s.start).Milliseconds())

	speed := s.nominal + math.Sin(ms/5000)*2 - 1
	if s.speedOverride != nil {
		speed = *s.speedOverride
	}
	running := speed > 0
	if !running {
		speed = 0
	}

	state := model.SystemState{
		ConveyorRunning: running,
		SpeedRPM:        speed,
		VibrationLevel:  s.vibration(now, running),
		Temperature:     22 + math.Sin(ms/30000)*2,
		Humidity:        45 + math.Cos(ms/45000)*5,
		Pressure:        1013.25 + math.Sin(ms/60000)*2,
		GasResistance:   uint32(150000 + math.Sin(ms/20000)*25000),
		OperatorPresent: s.operatorProximity(ms) > operatorProximity,
	}
	state.PartsPerMinute = s.countParts(now, running)
	s.lastRead = now
	return state, nil
}

// vibration is the RMS of the acceleration magnitude over the last
// vibrationWindow samples.
func (s *Synthetic) vibration(now time.Time, running bool) float64 {
	var sum float64
	step := time.Second / vibrationRateHz
	for i := 0; i < vibrationWindow; i++ {
		t := float64(now.Add(-time.Duration(i) * step).Sub(s.start).Milliseconds())
		var x, y, z float64
		switch {
		case s.jam || !running:
			noise := float64(s.rng.Intn(10)-5) / 1000
			x, y, z = noise, noise, jamAccelerationG
		default:
			noise := float64(s.rng.Intn(100)-50) / 500
			x, y, z = noise, noise*0.8, 1+math.Sin(t/200)*0.05
		}
		sum += x*x + y*y + z*z
	}
	return math.Sqrt(sum / vibrationWindow)
}

// countParts scans the simulated distance sensor since the previous read,
// counts rising edges below the detection threshold and returns the rate
// over the current one-minute window. A jam empties the window, so the
// rate reads zero for as long as the jam lasts.
func (s *Synthetic) countParts(now time.Time, running bool) int {
	if s.jam {
		s.partCount = 0
		s.partDetected = false
		s.windowStart = now
		return 0
	}
	from := s.lastRead
	if now.Sub(from) > maxPartScan {
		from = now.Add(-maxPartScan)
	}
	if running {
		for t := from.Add(partSampleStep); !t.After(now); t = t.Add(partSampleStep) {
			ms := float64(t.Sub(s.start).Milliseconds())
			detected := 200+math.Sin(ms/1000)*150 < partThresholdMM
			if detected && !s.partDetected {
				s.partCount++
			}
			s.partDetected = detected
		}
	}

	elapsed := now.Sub(s.windowStart)
	rate := 0
	if elapsed > 0 {
		rate = int(float64(s.partCount) * float64(partCountWindow) / float64(elapsed))
	}
	if elapsed >= partCountWindow {
		s.partCount = 0
		s.windowStart = now
	}
	return rate
}

func (s *Synthetic) operatorProximity(ms float64) int {
	if int64(ms)/operatorPeriodMS%3 == 0 {
		return 50 + s.rng.Intn(100)
	}
	return s.rng.Intn(10)
}
