package ipcserver

import (
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/velosd/velosd/internal/supervisor"
	"github.com/velosd/velosd/internal/verrors"
	"github.com/velosd/velosd/internal/wire"
)

var validate = validator.New()

// dispatch decodes one request envelope from payload, routes it by
// command, and encodes a response envelope. Errors from command handlers
// are rendered as the textual payload of a status=err response.
func (s *Server) dispatch(c *client, payload []byte) []byte {
	req, err := wire.DecodeRequest(payload)
	if err != nil {
		return wire.EncodeResponse(nil, wire.Response{ID: 0, Status: wire.StatusErr, Body: []byte(verrors.ErrTruncated.Error())})
	}

	body, status := s.route(req)
	return wire.EncodeResponse(nil, wire.Response{ID: req.ID, Status: status, Body: body})
}

func (s *Server) route(req wire.Request) ([]byte, byte) {
	switch req.Command {
	case wire.CmdProcessStart:
		return s.handleProcessStart(req.Body)
	case wire.CmdProcessStop:
		return s.handleProcessStop(req.Body)
	case wire.CmdProcessRestart:
		return s.handleProcessRestart(req.Body)
	case wire.CmdProcessDelete:
		return s.handleProcessDelete(req.Body)
	case wire.CmdProcessList:
		return s.handleProcessList(req.Body)
	case wire.CmdProcessInfo:
		return s.handleProcessInfo(req.Body)
	case wire.CmdProcessScale:
		return s.handleProcessScale(req.Body)
	case wire.CmdLogRead:
		return s.handleLogRead(req.Body)
	case wire.CmdStateSave:
		return s.handleStateSave(req.Body)
	case wire.CmdStateLoad:
		return s.handleStateLoad(req.Body)
	case wire.CmdPing:
		return []byte("pong"), wire.StatusOK
	case wire.CmdShutdown:
		s.shutdownRequested = true
		return []byte("shutting down"), wire.StatusOK
	default:
		return []byte("unknown command"), wire.StatusErr
	}
}

// autosave persists the current process table when pers is configured.
// Called by process_start/process_stop/process_scale on success. Failures
// are logged, not surfaced to the client — the triggering command already
// succeeded.
func (s *Server) autosave() {
	if s.pers == nil {
		return
	}
	var configs []supervisor.ProcessConfig
	for _, pi := range s.sup.List() {
		configs = append(configs, pi.Config)
	}
	if err := s.pers.Save(configs); err != nil {
		s.log.Warn("autosave failed", zap.Error(err))
	}
}

func errBody(err error) ([]byte, byte) {
	return []byte(err.Error()), wire.StatusErr
}

// handleProcessStart decodes a process_start payload, applying
// documented defaults to any trailing field absent from an older client,
// validates the resulting config, spawns instance 0, and — when
// instances > 1 — grows it into a cluster via the same scale-up path
// process_scale uses.
func (s *Server) handleProcessStart(body []byte) ([]byte, byte) {
	r := wire.NewReader(body)

	name, err := r.String()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	script, err := r.String()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	cwd, err := r.String()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	interpreter := r.StringDefault("")

	cfg := supervisor.ProcessConfig{
		Name:                 name,
		Script:               script,
		Cwd:                  cwd,
		Interpreter:          interpreter,
		KillTimeoutMS:        r.U32Default(0),
		AutoRestart:          r.BoolDefault(false),
		MaxRestarts:          r.I32Default(supervisor.DefaultMaxRestarts),
		MinUptimeMS:          r.U64Default(0),
		RestartDelayMS:       r.U32Default(0),
		ExpBackoff:           r.BoolDefault(false),
		MaxMemoryRestart:     r.U64Default(0),
		Watch:                r.BoolDefault(false),
		WatchDelayMS:         r.U32Default(0),
		WatchPaths:           r.StringDefault(""),
		WatchIgnore:          r.StringDefault(""),
		CronRestart:          r.StringDefault(""),
		WaitReady:            r.BoolDefault(false),
		ListenTimeoutMS:      r.U32Default(0),
		ShutdownWithMessage:  r.BoolDefault(false),
		Instances:            r.U32Default(0),
	}
	cfg = cfg.WithDefaults()

	if err := validate.Struct(cfg); err != nil {
		return errBody(err)
	}

	id, err := s.sup.StartProcess(cfg)
	if err != nil {
		return errBody(err)
	}

	if cfg.Instances > 1 {
		if _, _, serr := s.sup.ScaleCluster(cfg.Name, int(cfg.Instances)); serr != nil {
			return errBody(serr)
		}
	}

	s.autosave()

	w := wire.NewWriter(4)
	w.PutU32(id)
	return w.Bytes(), wire.StatusOK
}

func (s *Server) handleProcessStop(body []byte) ([]byte, byte) {
	r := wire.NewReader(body)
	id, err := r.U32()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	sig, err := r.U8()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	timeout, err := r.U32()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}

	if err := s.sup.StopProcess(id, int(sig), timeout); err != nil {
		return errBody(err)
	}
	s.autosave()
	return nil, wire.StatusOK
}

func (s *Server) handleProcessRestart(body []byte) ([]byte, byte) {
	r := wire.NewReader(body)
	id, err := r.U32()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	if err := s.sup.RestartProcess(id); err != nil {
		return errBody(err)
	}
	return nil, wire.StatusOK
}

func (s *Server) handleProcessDelete(body []byte) ([]byte, byte) {
	r := wire.NewReader(body)
	id, err := r.U32()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	if err := s.sup.DeleteProcess(id); err != nil {
		return errBody(err)
	}
	return nil, wire.StatusOK
}

func (s *Server) handleProcessList(_ []byte) ([]byte, byte) {
	list := s.sup.List()
	nowMS := time.Now().UnixMilli()

	w := wire.NewWriter(16 + len(list)*32)
	w.PutU32(uint32(len(list)))
	for _, pi := range list {
		w.PutU32(pi.ID)
		w.PutString(pi.Name)
		w.PutU32(uint32(pi.Pid))
		w.PutU8(uint8(pi.Status))
		w.PutU64(pi.MemoryBytes)
		w.PutU64(uint64(nowMS - pi.StartTimeMS))
		w.PutU32(pi.RestartCount)
	}
	return w.Bytes(), wire.StatusOK
}

func (s *Server) handleProcessInfo(body []byte) ([]byte, byte) {
	r := wire.NewReader(body)
	id, err := r.U32()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	pi, ok := s.sup.Get(id)
	if !ok {
		return errBody(verrors.ErrProcessNotFound)
	}

	nowMS := time.Now().UnixMilli()
	w := wire.NewWriter(128)
	w.PutU32(pi.ID)
	w.PutString(pi.Name)
	w.PutU32(uint32(pi.Pid))
	w.PutU8(uint8(pi.Status))
	w.PutU64(pi.MemoryBytes)
	w.PutU64(uint64(nowMS - pi.StartTimeMS))
	w.PutU32(pi.RestartCount)
	w.PutU32(pi.ConsecutiveCrashes)
	w.PutU64(uint64(pi.LastRestartMS))
	w.PutString(pi.Config.Script)
	w.PutString(pi.Config.Cwd)
	w.PutString(pi.Config.Interpreter)
	w.PutU32(pi.Config.KillTimeoutMS)
	w.PutBool(pi.Config.AutoRestart)
	w.PutI32(pi.Config.MaxRestarts)
	w.PutU64(pi.Config.MinUptimeMS)
	w.PutU32(pi.Config.RestartDelayMS)
	w.PutBool(pi.Config.ExpBackoff)
	w.PutU64(pi.Config.MaxMemoryRestart)
	w.PutBool(pi.Config.Watch)
	w.PutString(pi.Config.CronRestart)
	w.PutBool(pi.Config.WaitReady)
	w.PutBool(pi.Config.ShutdownWithMessage)
	return w.Bytes(), wire.StatusOK
}

func (s *Server) handleProcessScale(body []byte) ([]byte, byte) {
	r := wire.NewReader(body)
	name, err := r.String()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	target, err := r.U32()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}

	started, stopped, err := s.sup.ScaleCluster(name, int(target))
	if err != nil {
		return errBody(err)
	}
	s.autosave()

	w := wire.NewWriter(8)
	w.PutU32(started)
	w.PutU32(stopped)
	return w.Bytes(), wire.StatusOK
}

func (s *Server) handleLogRead(body []byte) ([]byte, byte) {
	if s.lc == nil {
		return errBody(verrors.ErrProcessNotFound)
	}
	r := wire.NewReader(body)
	id, err := r.U32()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}
	lines, err := r.U32()
	if err != nil {
		return errBody(verrors.ErrTruncated)
	}

	entries, err := s.lc.ReadLast(int64(id), int(lines))
	if err != nil {
		return errBody(err)
	}

	w := wire.NewWriter(16 + len(entries)*32)
	w.PutU32(uint32(len(entries)))
	for _, e := range entries {
		w.PutU64(uint64(e.TimestampMS))
		w.PutU8(uint8(e.Level))
		w.PutU8(uint8(e.Stream))
		w.PutString(string(e.Message))
	}
	return w.Bytes(), wire.StatusOK
}

func (s *Server) handleStateSave(_ []byte) ([]byte, byte) {
	if s.pers == nil {
		return errBody(verrors.ErrStateTruncated)
	}
	var configs []supervisor.ProcessConfig
	for _, pi := range s.sup.List() {
		configs = append(configs, pi.Config)
	}
	if err := s.pers.Save(configs); err != nil {
		return errBody(err)
	}
	return []byte("state saved"), wire.StatusOK
}

func (s *Server) handleStateLoad(_ []byte) ([]byte, byte) {
	if s.pers == nil {
		return errBody(verrors.ErrStateTruncated)
	}
	configs, err := s.pers.Load()
	if err != nil {
		return errBody(err)
	}

	var started uint32
	for _, cfg := range configs {
		if _, err := s.sup.StartProcess(cfg); err != nil {
			s.log.Warn("state_load spawn failed", zap.String("name", cfg.Name), zap.Error(err))
			continue
		}
		started++
	}

	w := wire.NewWriter(4)
	w.PutU32(started)
	return w.Bytes(), wire.StatusOK
}
