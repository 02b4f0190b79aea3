package idea

import "fmt"

// Profile is the motion profile loaded into the controller when the session
// is reset.  It is captured at construction and never changed afterwards.
//
// Speeds are in steps/sec, rates in steps/sec^2.  Currents are in the
// controller's native units (mA for the PCM4806).
type Profile struct {
	RunSpeed     int `yaml:"RunSpeed" koanf:"RunSpeed"`
	StartSpeed   int `yaml:"StartSpeed" koanf:"StartSpeed"`
	EndSpeed     int `yaml:"EndSpeed" koanf:"EndSpeed"`
	AccelRate    int `yaml:"AccelRate" koanf:"AccelRate"`
	DecelRate    int `yaml:"DecelRate" koanf:"DecelRate"`
	RunCurrent   int `yaml:"RunCurrent" koanf:"RunCurrent"`
	HoldCurrent  int `yaml:"HoldCurrent" koanf:"HoldCurrent"`
	AccelCurrent int `yaml:"AccelCurrent" koanf:"AccelCurrent"`
	DecelCurrent int `yaml:"DecelCurrent" koanf:"DecelCurrent"`

	// Delay is the time in milliseconds to wait between commands sent
	// during a reset
	Delay int `yaml:"Delay" koanf:"Delay"`

	// Step is the microstep divisor; one real unit is Step controller steps
	Step int `yaml:"Step" koanf:"Step"`

	// HighLimitIndex and LowLimitIndex name the inputs wired to limit
	// switches, -1 for none.  They are carried but not reported.
	HighLimitIndex int `yaml:"HighLimitIndex" koanf:"HighLimitIndex"`
	LowLimitIndex  int `yaml:"LowLimitIndex" koanf:"LowLimitIndex"`
}

// DefaultProfile returns the factory profile for a PCM4806 driving a
// size 11 linear actuator at 1/8 microstepping
func DefaultProfile() Profile {
	return Profile{
		RunSpeed:       3200,
		StartSpeed:     1200,
		EndSpeed:       2000,
		AccelRate:      40000,
		DecelRate:      100000,
		RunCurrent:     290,
		HoldCurrent:    0,
		AccelCurrent:   290,
		DecelCurrent:   290,
		Delay:          50,
		Step:           8,
		HighLimitIndex: -1,
		LowLimitIndex:  -1,
	}
}

// Validate returns an error if the profile cannot be used to drive a controller
func (p Profile) Validate() error {
	if p.Step <= 0 {
		return fmt.Errorf("microstep divisor must be positive, got %d", p.Step)
	}
	if p.Delay < 0 {
		return fmt.Errorf("command delay must not be negative, got %d", p.Delay)
	}
	return nil
}

// settings returns the profile fields in the order they are sent during reset.
// It must stay aligned with the first len(settings) entries of commands.
func (p Profile) settings() []int {
	return []int{
		p.RunSpeed,
		p.StartSpeed,
		p.EndSpeed,
		p.AccelRate,
		p.DecelRate,
		p.RunCurrent,
		p.HoldCurrent,
		p.AccelCurrent,
		p.DecelCurrent,
		p.Delay,
		p.Step,
	}
}
