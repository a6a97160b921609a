package hardware

import (
	"time"

	"github.com/wfunc/jutta-brewer/internal/config"
	"github.com/wfunc/jutta-brewer/internal/errors"
)

// BrewState 冲煮状态
type BrewState int32

const (
	BrewIdle BrewState = iota
	BrewGrinding
	BrewCompressing
	BrewPreInfusion
	BrewExtracting
	BrewResetting
)

// String 返回状态名称
func (s BrewState) String() string {
	switch s {
	case BrewIdle:
		return "idle"
	case BrewGrinding:
		return "grinding"
	case BrewCompressing:
		return "compressing"
	case BrewPreInfusion:
		return "pre_infusion"
	case BrewExtracting:
		return "extracting"
	case BrewResetting:
		return "resetting"
	default:
		return "unknown"
	}
}

// MarshalText 以名称序列化
func (s BrewState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BrewParams 自定义冲煮参数
type BrewParams struct {
	GrindTime        time.Duration `json:"grind_time"`
	CompressTime     time.Duration `json:"compress_time"`
	WaterTime        time.Duration `json:"water_time"`
	CompressHold     time.Duration `json:"compress_hold"`
	PreInfusionTime  time.Duration `json:"pre_infusion_time"`
	PreInfusionPause time.Duration `json:"pre_infusion_pause"`
}

// DefaultBrewParams JUTTA E6 (2019) 的默认咖啡：研磨3.6秒，出水40秒（约200ml）
func DefaultBrewParams() BrewParams {
	return BrewParams{
		GrindTime:        3600 * time.Millisecond,
		CompressTime:     3600 * time.Millisecond,
		WaterTime:        40 * time.Second,
		CompressHold:     500 * time.Millisecond,
		PreInfusionTime:  2 * time.Second,
		PreInfusionPause: 2 * time.Second,
	}
}

// BrewParamsFromConfig 从配置构造冲煮参数，未设置的项使用默认值
func BrewParamsFromConfig(cfg *config.BrewConfig) BrewParams {
	p := DefaultBrewParams()
	if cfg == nil {
		return p
	}
	override := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	override(&p.GrindTime, cfg.GrindTime)
	override(&p.CompressTime, cfg.CompressTime)
	override(&p.WaterTime, cfg.WaterTime)
	override(&p.CompressHold, cfg.CompressHold)
	override(&p.PreInfusionTime, cfg.PreInfusionTime)
	override(&p.PreInfusionPause, cfg.PreInfusionPause)
	return p
}

// Validate 校验参数
func (p BrewParams) Validate() error {
	if p.GrindTime <= 0 {
		return errors.New(errors.ErrInvalidParam, "grind time must be positive")
	}
	if p.CompressTime <= 0 {
		return errors.New(errors.ErrInvalidParam, "compress time must be positive")
	}
	if p.WaterTime <= 0 {
		return errors.New(errors.ErrInvalidParam, "water time must be positive")
	}
	if p.CompressHold < 0 || p.PreInfusionTime < 0 || p.PreInfusionPause < 0 {
		return errors.New(errors.ErrInvalidParam, "durations must not be negative")
	}
	return nil
}

// BrewResult 冲煮结果
type BrewResult struct {
	ID              string        `json:"id"`
	Params          BrewParams    `json:"params"`
	Completed       bool          `json:"completed"`
	Canceled        bool          `json:"canceled"`
	CanceledIn      BrewState     `json:"canceled_in,omitempty"`
	HeaterPulses    int           `json:"heater_pulses"`
	CommandFailures int           `json:"command_failures"`
	StartedAt       time.Time     `json:"started_at"`
	Duration        time.Duration `json:"duration"`
}
