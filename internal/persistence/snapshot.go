package persistence

import (
	"github.com/velosd/velosd/internal/supervisor"
	"github.com/velosd/velosd/internal/wire"
)

// encodeSnapshot writes the state.bin body for configs: u32 count followed
// by each record's fields in a fixed order. Reusing internal/wire's field
// writer keeps this format byte-identical to the IPC protocol's own
// little-endian field encoding, rather than inventing a second
// serialization scheme for the same primitive types.
func encodeSnapshot(configs []supervisor.ProcessConfig) []byte {
	w := wire.NewWriter(64 + len(configs)*96)
	w.PutU32(uint32(len(configs)))
	for _, cfg := range configs {
		w.PutString(cfg.Name)
		w.PutString(cfg.Script)
		w.PutString(cfg.Cwd)
		w.PutString(cfg.Interpreter)
		w.PutU32(cfg.KillTimeoutMS)
		w.PutBool(cfg.AutoRestart)
		w.PutI32(cfg.MaxRestarts)
		w.PutU64(cfg.MinUptimeMS)
		w.PutU32(cfg.RestartDelayMS)
		w.PutBool(cfg.ExpBackoff)
		w.PutU64(cfg.MaxMemoryRestart)
		w.PutBool(cfg.Watch)
		w.PutU32(cfg.WatchDelayMS)
		w.PutString(cfg.WatchPaths)
		w.PutString(cfg.WatchIgnore)
		w.PutString(cfg.CronRestart)
		w.PutBool(cfg.WaitReady)
		w.PutU32(cfg.ListenTimeoutMS)
		w.PutBool(cfg.ShutdownWithMessage)
		w.PutU32(cfg.Instances)
		w.PutU32(cfg.InstanceID)
	}
	return w.Bytes()
}

// decodeSnapshot parses a state.bin body. A trailing field absent from an
// older-format file decodes as its zero-equivalent, except MaxRestarts,
// which defaults to DefaultMaxRestarts so an absent field and an
// explicit 0 ("never restart") stay distinct. Each record then passes
// through WithDefaults, so a zero kill timeout, min uptime, listen
// timeout, watch delay, or instance count (absent or saved as 0) comes
// back as its documented default; a record whose leading
// (name/script/cwd) fields are truncated is dropped, and decoding stops
// there, returning the partial valid prefix already parsed.
func decodeSnapshot(b []byte) []supervisor.ProcessConfig {
	r := wire.NewReader(b)
	count, err := r.U32()
	if err != nil {
		return nil
	}

	configs := make([]supervisor.ProcessConfig, 0, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.String()
		if err != nil {
			break
		}
		script, err := r.String()
		if err != nil {
			break
		}
		cwd, err := r.String()
		if err != nil {
			break
		}
		interpreter := r.StringDefault("")

		cfg := supervisor.ProcessConfig{
			Name:                name,
			Script:              script,
			Cwd:                 cwd,
			Interpreter:         interpreter,
			KillTimeoutMS:       r.U32Default(0),
			AutoRestart:         r.BoolDefault(false),
			MaxRestarts:         r.I32Default(supervisor.DefaultMaxRestarts),
			MinUptimeMS:         r.U64Default(0),
			RestartDelayMS:      r.U32Default(0),
			ExpBackoff:          r.BoolDefault(false),
			MaxMemoryRestart:    r.U64Default(0),
			Watch:               r.BoolDefault(false),
			WatchDelayMS:        r.U32Default(0),
			WatchPaths:          r.StringDefault(""),
			WatchIgnore:         r.StringDefault(""),
			CronRestart:         r.StringDefault(""),
			WaitReady:           r.BoolDefault(false),
			ListenTimeoutMS:     r.U32Default(0),
			ShutdownWithMessage: r.BoolDefault(false),
			Instances:           r.U32Default(0),
			InstanceID:          r.U32Default(0),
		}
		configs = append(configs, cfg.WithDefaults())
	}
	return configs
}
