package daq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/attys/internal/protocol"
	"github.com/srg/attys/pkg/config"
)

func TestAttysSettingsFor(t *testing.T) {
	s := AttysSettingsFor(config.AttysConfig{
		SampleRateIndex: 2,
		AccelRangeIndex: 1,
		ADC1GainIndex:   3,
		ADC2GainIndex:   4,
		ADC1MuxIndex:    5,
		ADC2MuxIndex:    6,
		PartialData:     true,
	})
	assert.Equal(t, protocol.AttysSettings{
		RateIndex:       2,
		AccelRangeIndex: 1,
		Gain:            [2]int{3, 4},
		Mux:             [2]int{5, 6},
		FullData:        false,
	}, s)
	assert.True(t, s.HighSpeed())
}

func TestDeviceClassFor(t *testing.T) {
	t.Run("Attys", func(t *testing.T) {
		class, err := DeviceClassFor(config.DefaultConfig())
		require.NoError(t, err)
		assert.Equal(t, config.ClassAttys, class.Name)
		assert.NotEmpty(t, class.Handshake)
		assert.Equal(t, "\r\nx=1\r", string(class.Start.Payload))
	})

	t.Run("Binary", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Protocol.Class = config.ClassBinary
		cfg.Protocol.Trailer = "0D 0A"
		cfg.Protocol.StartCommand = `\x01go\r`
		class, err := DeviceClassFor(cfg)
		require.NoError(t, err)
		assert.Equal(t, config.ClassBinary, class.Name)
		assert.Len(t, class.Channels, 4)
		assert.Equal(t, []byte("\x01go\r"), class.Start.Payload)
		assert.True(t, class.Stop.Empty())
	})

	errCases := []struct {
		name   string
		mutate func(*config.ProtocolConfig)
		want   string
	}{
		{"BadMarker", func(p *config.ProtocolConfig) { p.Marker = "ZZ" }, "protocol.marker"},
		{"BadSeqMask", func(p *config.ProtocolConfig) { p.SeqMask = 300 }, "seq_mask"},
		{"BadEscape", func(p *config.ProtocolConfig) { p.StopCommand = `\q` }, "protocol.stop_command"},
		{"BadLayout", func(p *config.ProtocolConfig) { p.ChannelCount = 0 }, "frame layout"},
	}
	for _, tc := range errCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			cfg.Protocol.Class = config.ClassBinary
			tc.mutate(&cfg.Protocol)
			_, err := DeviceClassFor(cfg)
			assert.ErrorContains(t, err, tc.want)
		})
	}

	t.Run("Unknown", func(t *testing.T) {
		cfg := config.DefaultConfig()
		cfg.Protocol.Class = "morse"
		_, err := DeviceClassFor(cfg)
		assert.Error(t, err)
	})
}

func TestMessageKinds(t *testing.T) {
	text, err := MessageStarted.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "started", string(text))

	q := newMessageQueue("/dev/rfcomm0")
	for i := 0; i < 100; i++ {
		q.post(MessageError, "error %d", i)
	}
	msgs := q.drain()
	require.NotEmpty(t, msgs)
	assert.LessOrEqual(t, len(msgs), 64, "the queue MUST stay bounded")
	assert.Equal(t, "error 99", msgs[len(msgs)-1].Text, "the newest message MUST survive")
	assert.Empty(t, q.drain())
}
