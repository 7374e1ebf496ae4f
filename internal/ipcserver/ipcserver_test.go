package ipcserver

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/velosd/velosd/internal/eventloop"
	"github.com/velosd/velosd/internal/supervisor"
	"github.com/velosd/velosd/internal/wire"
)

type fakeDeregisterer struct {
	added   []int
	removed []int
}

func (f *fakeDeregisterer) AddFD(fd int, kind eventloop.FDKind) error {
	f.added = append(f.added, fd)
	return nil
}

func (f *fakeDeregisterer) RemoveFD(fd int) error {
	f.removed = append(f.removed, fd)
	return nil
}

type fakePersister struct {
	saved []supervisor.ProcessConfig
}

func (f *fakePersister) Save(configs []supervisor.ProcessConfig) error {
	f.saved = configs
	return nil
}

func (f *fakePersister) Load() ([]supervisor.ProcessConfig, error) {
	return f.saved, nil
}

// dialAndAccept connects to srv's socket and drains the resulting
// connection into srv's client table, returning the accepted fd.
func dialAndAccept(t *testing.T, srv *Server, path string) (net.Conn, int) {
	t.Helper()
	conn, err := net.Dial("unix", path)
	require.NoError(t, err)

	srv.Accept()
	require.Len(t, srv.clients, 1)

	var fd int
	for k := range srv.clients {
		fd = k
	}
	return conn, fd
}

func sendRequest(t *testing.T, conn net.Conn, id uint32, cmd wire.Command, body []byte) {
	t.Helper()
	req, err := wire.EncodeRequest(nil, wire.Request{ID: id, Command: cmd, Body: body})
	require.NoError(t, err)
	frame, err := wire.EncodeFrame(nil, req)
	require.NoError(t, err)
	_, err = conn.Write(frame)
	require.NoError(t, err)
}

func readResponse(t *testing.T, conn net.Conn) wire.Response {
	t.Helper()
	var hdrBuf [wire.HeaderSize]byte
	_, err := conn.Read(hdrBuf[:])
	require.NoError(t, err)
	hdr, err := wire.DecodeHeader(hdrBuf[:])
	require.NoError(t, err)

	payload := make([]byte, hdr.PayloadLen)
	_, err = conn.Read(payload)
	require.NoError(t, err)

	resp, err := wire.DecodeResponse(payload)
	require.NoError(t, err)
	return resp
}

func newTestServer(t *testing.T, sup *supervisor.Supervisor, pers Persister) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "velos.sock")
	srv, err := New(zap.NewNop(), sup, nil, &fakeDeregisterer{}, pers, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return srv, path
}

func TestPingRoundTrip(t *testing.T) {
	srv, path := newTestServer(t, supervisor.New(zap.NewNop(), nil), nil)
	conn, fd := dialAndAccept(t, srv, path)
	defer conn.Close()

	sendRequest(t, conn, 1, wire.CmdPing, nil)
	srv.HandleReadable(fd)

	resp := readResponse(t, conn)
	assert.Equal(t, uint32(1), resp.ID)
	assert.Equal(t, wire.StatusOK, resp.Status)
	assert.Equal(t, "pong", string(resp.Body))
}

func TestUnknownCommandReturnsError(t *testing.T) {
	srv, path := newTestServer(t, supervisor.New(zap.NewNop(), nil), nil)
	conn, fd := dialAndAccept(t, srv, path)
	defer conn.Close()

	sendRequest(t, conn, 2, wire.Command(0xEE), nil)
	srv.HandleReadable(fd)

	resp := readResponse(t, conn)
	assert.Equal(t, wire.StatusErr, resp.Status)
	assert.Equal(t, "unknown command", string(resp.Body))
}

func TestProcessStartMaxRestartsAbsentVsExplicitZero(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "s.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 60\n"), 0755))

	srv, path := newTestServer(t, supervisor.New(zap.NewNop(), nil), nil)
	conn, fd := dialAndAccept(t, srv, path)
	defer conn.Close()

	// No trailing fields at all: max_restarts is absent, so it should
	// default to DefaultMaxRestarts, not to 0.
	w := wire.NewWriter(64)
	w.PutString("absent")
	w.PutString(script)
	w.PutString(dir)
	sendRequest(t, conn, 1, wire.CmdProcessStart, w.Bytes())
	srv.HandleReadable(fd)
	resp := readResponse(t, conn)
	require.Equal(t, wire.StatusOK, resp.Status)
	r := wire.NewReader(resp.Body)
	absentID, err := r.U32()
	require.NoError(t, err)

	// max_restarts explicitly sent as 0: "error on first crash, never
	// restart" must survive distinct from the absent case.
	w2 := wire.NewWriter(64)
	w2.PutString("explicit-zero")
	w2.PutString(script)
	w2.PutString(dir)
	w2.PutString("")      // interpreter
	w2.PutU32(5000)       // kill_timeout_ms
	w2.PutBool(false)     // auto_restart
	w2.PutI32(0)          // max_restarts, explicit
	sendRequest(t, conn, 2, wire.CmdProcessStart, w2.Bytes())
	srv.HandleReadable(fd)
	resp = readResponse(t, conn)
	require.Equal(t, wire.StatusOK, resp.Status)
	r2 := wire.NewReader(resp.Body)
	zeroID, err := r2.U32()
	require.NoError(t, err)

	infoW := wire.NewWriter(4)
	infoW.PutU32(absentID)
	sendRequest(t, conn, 3, wire.CmdProcessInfo, infoW.Bytes())
	srv.HandleReadable(fd)
	resp = readResponse(t, conn)
	require.Equal(t, wire.StatusOK, resp.Status)
	assert.Equal(t, int32(supervisor.DefaultMaxRestarts), decodeMaxRestarts(t, resp.Body))

	infoW2 := wire.NewWriter(4)
	infoW2.PutU32(zeroID)
	sendRequest(t, conn, 4, wire.CmdProcessInfo, infoW2.Bytes())
	srv.HandleReadable(fd)
	resp = readResponse(t, conn)
	require.Equal(t, wire.StatusOK, resp.Status)
	assert.Equal(t, int32(0), decodeMaxRestarts(t, resp.Body))
}

// decodeMaxRestarts skips a process_info response's fields up to
// max_restarts and returns it.
func decodeMaxRestarts(t *testing.T, body []byte) int32 {
	t.Helper()
	r := wire.NewReader(body)
	_, err := r.U32() // id
	require.NoError(t, err)
	_, err = r.String() // name
	require.NoError(t, err)
	_, err = r.U32() // pid
	require.NoError(t, err)
	_, err = r.U8() // status
	require.NoError(t, err)
	_, err = r.U64() // memory_bytes
	require.NoError(t, err)
	_, err = r.U64() // uptime_ms
	require.NoError(t, err)
	_, err = r.U32() // restart_count
	require.NoError(t, err)
	_, err = r.U32() // consecutive_crashes
	require.NoError(t, err)
	_, err = r.U64() // last_restart_ms
	require.NoError(t, err)
	_, err = r.String() // script
	require.NoError(t, err)
	_, err = r.String() // cwd
	require.NoError(t, err)
	_, err = r.String() // interpreter
	require.NoError(t, err)
	_, err = r.U32() // kill_timeout_ms
	require.NoError(t, err)
	_, err = r.Bool() // auto_restart
	require.NoError(t, err)
	maxRestarts, err := r.I32()
	require.NoError(t, err)
	return maxRestarts
}

func TestProcessStartListStopDelete(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "s.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 60\n"), 0755))

	srv, path := newTestServer(t, supervisor.New(zap.NewNop(), nil), nil)
	conn, fd := dialAndAccept(t, srv, path)
	defer conn.Close()

	w := wire.NewWriter(64)
	w.PutString("test")
	w.PutString(script)
	w.PutString(dir)
	sendRequest(t, conn, 1, wire.CmdProcessStart, w.Bytes())
	srv.HandleReadable(fd)

	resp := readResponse(t, conn)
	require.Equal(t, wire.StatusOK, resp.Status)
	r := wire.NewReader(resp.Body)
	id, err := r.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)

	lw := wire.NewWriter(0)
	sendRequest(t, conn, 2, wire.CmdProcessList, lw.Bytes())
	srv.HandleReadable(fd)
	resp = readResponse(t, conn)
	require.Equal(t, wire.StatusOK, resp.Status)
	lr := wire.NewReader(resp.Body)
	count, err := lr.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), count)

	sw := wire.NewWriter(16)
	sw.PutU32(id)
	sw.PutU8(15)
	sw.PutU32(5000)
	sendRequest(t, conn, 3, wire.CmdProcessStop, sw.Bytes())
	srv.HandleReadable(fd)
	resp = readResponse(t, conn)
	assert.Equal(t, wire.StatusOK, resp.Status)

	dw := wire.NewWriter(4)
	dw.PutU32(id)
	sendRequest(t, conn, 4, wire.CmdProcessDelete, dw.Bytes())
	srv.HandleReadable(fd)
	resp = readResponse(t, conn)
	assert.Equal(t, wire.StatusOK, resp.Status)
}

func TestProcessInfoUnknownIDReturnsError(t *testing.T) {
	srv, path := newTestServer(t, supervisor.New(zap.NewNop(), nil), nil)
	conn, fd := dialAndAccept(t, srv, path)
	defer conn.Close()

	iw := wire.NewWriter(4)
	iw.PutU32(99)
	sendRequest(t, conn, 1, wire.CmdProcessInfo, iw.Bytes())
	srv.HandleReadable(fd)

	resp := readResponse(t, conn)
	assert.Equal(t, wire.StatusErr, resp.Status)
	assert.Contains(t, string(resp.Body), "ProcessNotFound")
}

func TestStateSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "s.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\nsleep 60\n"), 0755))

	sup := supervisor.New(zap.NewNop(), nil)
	pers := &fakePersister{}
	srv, path := newTestServer(t, sup, pers)
	conn, fd := dialAndAccept(t, srv, path)
	defer conn.Close()

	w := wire.NewWriter(64)
	w.PutString("test")
	w.PutString(script)
	w.PutString(dir)
	sendRequest(t, conn, 1, wire.CmdProcessStart, w.Bytes())
	srv.HandleReadable(fd)
	_ = readResponse(t, conn)

	sendRequest(t, conn, 2, wire.CmdStateSave, nil)
	srv.HandleReadable(fd)
	resp := readResponse(t, conn)
	require.Equal(t, wire.StatusOK, resp.Status)
	assert.Equal(t, "state saved", string(resp.Body))
	require.Len(t, pers.saved, 1)

	sendRequest(t, conn, 3, wire.CmdStateLoad, nil)
	srv.HandleReadable(fd)
	resp = readResponse(t, conn)
	require.Equal(t, wire.StatusOK, resp.Status)
	r := wire.NewReader(resp.Body)
	started, err := r.U32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), started)
}

func TestClientDisconnectClosesServerSide(t *testing.T) {
	srv, path := newTestServer(t, supervisor.New(zap.NewNop(), nil), nil)
	conn, fd := dialAndAccept(t, srv, path)

	require.NoError(t, conn.Close())
	srv.HandleReadable(fd)

	assert.Empty(t, srv.clients)
}
