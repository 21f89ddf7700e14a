package ble

import (
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dwarfbridge/pkg/dwarfproto"
)

// scriptedTransport answers each written frame with canned
// notifications, delivered synchronously into the provisioner.
type scriptedTransport struct {
	p       *Provisioner
	respond func(frame Frame) []Frame
	written []Frame
}

func (t *scriptedTransport) WriteFrame(data []byte) error {
	frame, err := ParseFrame(data)
	if err != nil {
		return err
	}
	t.written = append(t.written, frame)
	for _, res := range t.respond(frame) {
		t.p.HandleNotification(BuildFrame(res.Cmd, res.Payload))
	}
	return nil
}

func newScripted(t *testing.T, respond func(frame Frame) []Frame) (*Provisioner, *scriptedTransport) {
	t.Helper()
	transport := &scriptedTransport{respond: respond}
	p := NewProvisioner(transport, "", 100*time.Millisecond, log.New())
	transport.p = p
	return p, transport
}

func configFrame(t *testing.T, res *dwarfproto.ResBleGetConfig) Frame {
	t.Helper()
	return Frame{Cmd: dwarfproto.BleCmdGetConfig, Payload: res.MarshalWire()}
}

func TestProvisionAlreadyConfiguredSkipsJoin(t *testing.T) {
	p, transport := newScripted(t, func(frame Frame) []Frame {
		require.Equal(t, dwarfproto.BleCmdGetConfig, frame.Cmd)
		return []Frame{configFrame(t, &dwarfproto.ResBleGetConfig{
			State:    dwarfproto.BleWifiStateConnected,
			WifiMode: dwarfproto.BleWifiModeSta,
			Ssid:     "observatory",
			Ip:       "192.168.1.50",
		})}
	})

	ip, err := p.Provision("observatory", "secret", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.50", ip)

	require.Len(t, transport.written, 1)
	assert.Equal(t, dwarfproto.BleCmdGetConfig, transport.written[0].Cmd)
}

func TestProvisionJoinsAndReturnsStationIP(t *testing.T) {
	p, transport := newScripted(t, func(frame Frame) []Frame {
		switch frame.Cmd {
		case dwarfproto.BleCmdGetConfig:
			return []Frame{configFrame(t, &dwarfproto.ResBleGetConfig{})}
		case dwarfproto.BleCmdSta:
			var req dwarfproto.ReqBleSta
			require.NoError(t, req.UnmarshalWire(frame.Payload))
			assert.Equal(t, "observatory", req.Ssid)
			assert.Equal(t, "secret", req.Psd)
			assert.Equal(t, int32(1), req.AutoStart)
			return []Frame{{
				Cmd:     dwarfproto.BleCmdSta,
				Payload: (&dwarfproto.ResBleSta{Ip: "10.0.0.12"}).MarshalWire(),
			}}
		}
		return nil
	})

	ip, err := p.Provision("observatory", "secret", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.12", ip)
	require.Len(t, transport.written, 2)
}

func TestProvisionPollsConfigUntilLease(t *testing.T) {
	configQueries := 0
	p, _ := newScripted(t, func(frame Frame) []Frame {
		switch frame.Cmd {
		case dwarfproto.BleCmdGetConfig:
			configQueries++
			if configQueries == 1 {
				return []Frame{configFrame(t, &dwarfproto.ResBleGetConfig{})}
			}
			return []Frame{configFrame(t, &dwarfproto.ResBleGetConfig{
				State:    dwarfproto.BleWifiStateConnected,
				WifiMode: dwarfproto.BleWifiModeSta,
				Ssid:     "observatory",
				Ip:       "10.0.0.30",
			})}
		case dwarfproto.BleCmdSta:
			// Joined but still on the AP address: the lease is pending.
			return []Frame{{
				Cmd:     dwarfproto.BleCmdSta,
				Payload: (&dwarfproto.ResBleSta{Ip: DefaultAPIP}).MarshalWire(),
			}}
		}
		return nil
	})

	ip, err := p.Provision("observatory", "secret", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.30", ip)
	assert.Equal(t, 2, configQueries)
}

func TestProvisionJoinRejected(t *testing.T) {
	p, _ := newScripted(t, func(frame Frame) []Frame {
		switch frame.Cmd {
		case dwarfproto.BleCmdGetConfig:
			return []Frame{configFrame(t, &dwarfproto.ResBleGetConfig{})}
		case dwarfproto.BleCmdSta:
			return []Frame{{
				Cmd:     dwarfproto.BleCmdSta,
				Payload: (&dwarfproto.ResBleSta{Code: -3}).MarshalWire(),
			}}
		}
		return nil
	})

	_, err := p.Provision("observatory", "wrong", time.Second)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int32(-3), perr.Code)
}

func TestProvisionReceiveDataError(t *testing.T) {
	p, _ := newScripted(t, func(frame Frame) []Frame {
		return []Frame{{
			Cmd:     dwarfproto.BleCmdReceiveDataError,
			Payload: (&dwarfproto.ResBleError{Code: -1}).MarshalWire(),
		}}
	})

	_, err := p.Provision("observatory", "secret", time.Second)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, int32(-1), perr.Code)
}

func TestProvisionTimeout(t *testing.T) {
	p, _ := newScripted(t, func(frame Frame) []Frame { return nil })

	_, err := p.Provision("observatory", "secret", 50*time.Millisecond)
	var perr *ProvisioningError
	require.ErrorAs(t, err, &perr)
}

func TestWifiList(t *testing.T) {
	p, _ := newScripted(t, func(frame Frame) []Frame {
		switch frame.Cmd {
		case dwarfproto.BleCmdGetConfig:
			return []Frame{configFrame(t, &dwarfproto.ResBleGetConfig{})}
		case dwarfproto.BleCmdWifiList:
			return []Frame{{
				Cmd: dwarfproto.BleCmdWifiList,
				Payload: (&dwarfproto.ResBleWifiList{
					Ssids: []string{"observatory", "guest"},
				}).MarshalWire(),
			}}
		}
		return nil
	})

	ssids, err := p.WifiList(time.Second)
	require.NoError(t, err)
	assert.Equal(t, []string{"observatory", "guest"}, ssids)
}
