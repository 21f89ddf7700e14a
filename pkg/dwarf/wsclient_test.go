package dwarf

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwarfbridge/pkg/dwarfproto"
)

type fakeConn struct {
	incoming chan []byte
	writes   chan dwarfproto.WsPacket

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		writes:   make(chan dwarfproto.WsPacket, 16),
		done:     make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.incoming:
		return websocket.BinaryMessage, data, nil
	case <-f.done:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	if messageType != websocket.BinaryMessage {
		return nil
	}
	var packet dwarfproto.WsPacket
	if err := packet.UnmarshalWire(data); err != nil {
		return err
	}
	f.writes <- packet
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.done)
	}
	return nil
}

func (f *fakeConn) deliver(t *testing.T, moduleID, cmd, typ uint32, body dwarfproto.Marshaler) {
	t.Helper()
	packet := dwarfproto.WsPacket{
		MajorVersion: 1,
		MinorVersion: 2,
		DeviceID:     1,
		ModuleID:     moduleID,
		Cmd:          cmd,
		Type:         typ,
	}
	if body != nil {
		packet.Data = body.MarshalWire()
	}
	f.incoming <- packet.MarshalWire()
}

func (f *fakeConn) nextWrite(t *testing.T) dwarfproto.WsPacket {
	t.Helper()
	select {
	case packet := <-f.writes:
		return packet
	case <-time.After(time.Second):
		t.Fatal("no packet written")
		return dwarfproto.WsPacket{}
	}
}

func newTestClient(t *testing.T) (*WSClient, *fakeConn) {
	t.Helper()
	conn := newFakeConn()
	c := NewWSClient(DefaultConfig(), log.New())
	c.pingEvery = 0
	c.dial = func() (wsConn, error) { return conn, nil }
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })
	return c, conn
}

func TestSendRequestCorrelatesByModuleAndCmd(t *testing.T) {
	c, conn := newTestClient(t)

	type outcome struct {
		res any
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := c.SendCommand(uint32(dwarfproto.ModuleSystem), dwarfproto.CmdSystemSetTime,
			&dwarfproto.ReqSetTime{Timestamp: 1700000000}, time.Second, nil)
		results <- outcome{res, err}
	}()

	written := conn.nextWrite(t)
	assert.Equal(t, uint32(1), written.MajorVersion)
	assert.Equal(t, uint32(2), written.MinorVersion)
	assert.Equal(t, uint32(1), written.DeviceID)
	assert.Equal(t, defaultClientID, written.ClientID)
	assert.Equal(t, dwarfproto.TypeRequest, written.Type)

	// An answer for a different key must not resolve the request.
	conn.deliver(t, uint32(dwarfproto.ModuleSystem), dwarfproto.CmdSystemSetTimezone,
		dwarfproto.TypeRequestResponse, &dwarfproto.ComResponse{Code: -1})
	conn.deliver(t, uint32(dwarfproto.ModuleSystem), dwarfproto.CmdSystemSetTime,
		dwarfproto.TypeRequestResponse, &dwarfproto.ComResponse{})

	got := <-results
	require.NoError(t, got.err)
	com, ok := got.res.(*dwarfproto.ComResponse)
	require.True(t, ok)
	assert.Equal(t, dwarfproto.CodeOK, com.Code)
}

func TestSendRequestResolvedByAlias(t *testing.T) {
	c, conn := newTestClient(t)

	aliasKey := requestKey{uint32(dwarfproto.ModuleNotify), dwarfproto.CmdNotifyWsHostSlaveMode}
	results := make(chan any, 1)
	go func() {
		res, err := c.SendCommand(uint32(dwarfproto.ModuleSystem), dwarfproto.CmdSystemSetMasterLock,
			&dwarfproto.ReqSetMasterLock{Lock: true}, time.Second,
			map[requestKey]dwarfproto.Unmarshaler{aliasKey: &dwarfproto.ResNotifyHostSlaveMode{}})
		require.NoError(t, err)
		results <- res
	}()

	conn.nextWrite(t)
	conn.deliver(t, aliasKey.ModuleID, aliasKey.Cmd, dwarfproto.TypeNotification,
		&dwarfproto.ResNotifyHostSlaveMode{Mode: 0, Lock: true})

	res := <-results
	mode, ok := res.(*dwarfproto.ResNotifyHostSlaveMode)
	require.True(t, ok)
	assert.True(t, mode.Lock)

	// The alias mapping must be gone once the request resolved: the
	// same notification key can serve a fresh request.
	c.mu.Lock()
	assert.Empty(t, c.aliases)
	assert.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestSecondRequestSameKeyRejected(t *testing.T) {
	c, conn := newTestClient(t)

	go func() {
		_, _ = c.SendCommand(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStartGotoDSO,
			&dwarfproto.ReqGotoDSO{RA: 10}, time.Second, nil)
	}()
	conn.nextWrite(t)

	_, err := c.SendCommand(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStartGotoDSO,
		&dwarfproto.ReqGotoDSO{RA: 20}, time.Second, nil)
	assert.ErrorIs(t, err, ErrRequestPending)

	conn.deliver(t, uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStartGotoDSO,
		dwarfproto.TypeRequestResponse, &dwarfproto.ComResponse{})
}

func TestDisconnectFailsPendingRequests(t *testing.T) {
	c, conn := newTestClient(t)

	errs := make(chan error, 1)
	go func() {
		_, err := c.SendCommand(uint32(dwarfproto.ModuleFocus), dwarfproto.CmdFocusManualSingleStepFocus,
			&dwarfproto.ReqManualSingleStepFocus{Direction: 1}, 5*time.Second, nil)
		errs <- err
	}()
	conn.nextWrite(t)

	_ = conn.Close()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request not flushed on disconnect")
	}
	assert.False(t, c.Connected())
}

func TestTimeoutReleasesKey(t *testing.T) {
	c, conn := newTestClient(t)

	_, err := c.SendCommand(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetExp,
		&dwarfproto.ReqSetExp{Index: 3}, 20*time.Millisecond, nil)
	var terr *TimeoutError
	require.ErrorAs(t, err, &terr)
	conn.nextWrite(t)

	// Key usable again after the timeout.
	go func() {
		conn.nextWrite(t)
		conn.deliver(t, uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetExp,
			dwarfproto.TypeRequestResponse, &dwarfproto.ComResponse{})
	}()
	_, err = c.SendCommand(uint32(dwarfproto.ModuleCameraTele), dwarfproto.CmdCameraTeleSetExp,
		&dwarfproto.ReqSetExp{Index: 3}, time.Second, nil)
	assert.NoError(t, err)
}

func TestNotificationsFanOutToHandlers(t *testing.T) {
	c, conn := newTestClient(t)

	received := make(chan *dwarfproto.WsPacket, 1)
	c.OnNotification(func(packet *dwarfproto.WsPacket) {
		received <- packet
	})

	conn.deliver(t, uint32(dwarfproto.ModuleNotify), dwarfproto.CmdNotifyFocus,
		dwarfproto.TypeNotification, &dwarfproto.ResNotifyFocus{Focus: 1234})

	select {
	case packet := <-received:
		var focus dwarfproto.ResNotifyFocus
		require.NoError(t, focus.UnmarshalWire(packet.Data))
		assert.Equal(t, int32(1234), focus.Focus)
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestSendAndCheckMapsDeviceCode(t *testing.T) {
	c, conn := newTestClient(t)

	go func() {
		conn.nextWrite(t)
		conn.deliver(t, uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStartGotoDSO,
			dwarfproto.TypeRequestResponse, &dwarfproto.ComResponse{Code: dwarfproto.CodeAstroFunctionBusy})
	}()

	_, err := c.SendAndCheck(uint32(dwarfproto.ModuleAstro), dwarfproto.CmdAstroStartGotoDSO,
		&dwarfproto.ReqGotoDSO{RA: 10, Dec: 20}, time.Second, nil)
	var cerr *CommandError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, dwarfproto.CodeAstroFunctionBusy, cerr.Code)
}

func TestSendWhileDisconnected(t *testing.T) {
	c := NewWSClient(DefaultConfig(), log.New())
	_, err := c.SendCommand(uint32(dwarfproto.ModuleSystem), dwarfproto.CmdSystemSetTime,
		&dwarfproto.ReqSetTime{}, time.Second, nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}
