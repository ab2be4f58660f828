package rendercore

import "fmt"

// Param is a closed set of engine parameters. Everything about a parameter
// (its engine code, range, default) is looked up from paramTable; call sites
// never switch on the parameter themselves.
type Param int

// ParamInfo documents one parameter the engine takes.
type ParamInfo struct {
	Name      string  // stable name, used in configuration and the CLI
	Code      int     // integer code understood by the engine
	Min, Max  float32 // inclusive range
	Default   float32
	PerTarget bool // if the value is set per synthesis target instead of globally
}

const (
	ParamMasterGain Param = iota
	ParamTargetGain
	ParamPan
	ParamAttack
	ParamRelease
	ParamDetune
	ParamGrainSize
	ParamGrainDensity
	ParamResonatorDecay
	ParamResonatorBrightness
	ParamFilterCutoff
	ParamFilterResonance
	ParamSendA
	ParamSendB
	NumParams
)

var paramTable = [NumParams]ParamInfo{
	ParamMasterGain:          {Name: "master_gain", Code: 0x00, Min: 0, Max: 2, Default: 0.8},
	ParamTargetGain:          {Name: "gain", Code: 0x10, Min: 0, Max: 2, Default: 1, PerTarget: true},
	ParamPan:                 {Name: "pan", Code: 0x11, Min: -1, Max: 1, Default: 0, PerTarget: true},
	ParamAttack:              {Name: "attack", Code: 0x12, Min: 0, Max: 10, Default: 0.005, PerTarget: true},
	ParamRelease:             {Name: "release", Code: 0x13, Min: 0, Max: 10, Default: 0.2, PerTarget: true},
	ParamDetune:              {Name: "detune", Code: 0x14, Min: -1, Max: 1, Default: 0, PerTarget: true},
	ParamGrainSize:           {Name: "grain_size", Code: 0x20, Min: 0.001, Max: 1, Default: 0.05, PerTarget: true},
	ParamGrainDensity:        {Name: "grain_density", Code: 0x21, Min: 0, Max: 200, Default: 20, PerTarget: true},
	ParamResonatorDecay:      {Name: "resonator_decay", Code: 0x30, Min: 0, Max: 1, Default: 0.5, PerTarget: true},
	ParamResonatorBrightness: {Name: "resonator_brightness", Code: 0x31, Min: 0, Max: 1, Default: 0.5, PerTarget: true},
	ParamFilterCutoff:        {Name: "filter_cutoff", Code: 0x40, Min: 20, Max: 20000, Default: 20000, PerTarget: true},
	ParamFilterResonance:     {Name: "filter_resonance", Code: 0x41, Min: 0, Max: 1, Default: 0, PerTarget: true},
	ParamSendA:               {Name: "send_a", Code: 0x50, Min: 0, Max: 1, Default: 0, PerTarget: true},
	ParamSendB:               {Name: "send_b", Code: 0x51, Min: 0, Max: 1, Default: 0, PerTarget: true},
}

// Info returns the table entry of the parameter. Unknown parameters return
// the zero ParamInfo and false.
func (p Param) Info() (ParamInfo, bool) {
	if p < 0 || p >= NumParams {
		return ParamInfo{}, false
	}
	return paramTable[p], true
}

func (p Param) String() string {
	if info, ok := p.Info(); ok {
		return info.Name
	}
	return fmt.Sprintf("param(%d)", int(p))
}

// Clamp limits value to the range of the parameter.
func (p Param) Clamp(value float32) float32 {
	info, ok := p.Info()
	if !ok {
		return value
	}
	return min(max(value, info.Min), info.Max)
}

// ParamByName finds a parameter by its table name.
func ParamByName(name string) (Param, bool) {
	for i, info := range paramTable {
		if info.Name == name {
			return Param(i), true
		}
	}
	return 0, false
}

// SendParam returns the send level parameter of the i-th send bus.
func SendParam(i int) Param {
	return ParamSendA + Param(i)
}
