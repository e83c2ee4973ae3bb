package remote

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/krishna-esrlabs/flux-mcf/config"
	"github.com/krishna-esrlabs/flux-mcf/errors"
	"github.com/krishna-esrlabs/flux-mcf/transport"
	"github.com/krishna-esrlabs/flux-mcf/valuestore"
)

func newBuilder(t *testing.T) *Builder {
	t.Helper()
	return &Builder{
		Store:      valuestore.NewStore(),
		Codec:      newWireCodec(t),
		Transports: &transport.Factory{Mem: transport.NewMemNetwork()},
	}
}

func TestBuilder_ConfigureServices(t *testing.T) {
	b := newBuilder(t)
	services, err := b.ConfigureServices(map[string]config.RemoteServiceConfig{
		"camera": {
			SendConnection:    "mem:camera-out",
			ReceiveConnection: "mem:camera-in",
			PingIntervalMinMs: 20,
			PingIntervalMaxMs: 80,
			SendRules: []config.SendRuleConfig{
				{TopicLocal: "/camera/image", QueueLength: 2},
				{TopicLocal: "/camera/info", TopicRemote: "/info"},
			},
			ReceiveRules: []config.ReceiveRuleConfig{
				{TopicRemote: "/control/exposure"},
			},
		},
		"lidar": {
			SendConnection:    "mem:lidar-out",
			ReceiveConnection: "mem:lidar-in",
			TimeoutMs:         500,
		},
	})
	require.NoError(t, err)
	require.Len(t, services, 2)

	cam := services["camera"]
	assert.Equal(t, "RemoteServicemem:camera-out", cam.Name())
	assert.Equal(t, []string{"/camera/image", "/info"}, cam.SendRuleTopics())
	assert.Equal(t, []string{"/control/exposure"}, cam.ReceiveRuleTopics())
	assert.Equal(t, 20*time.Millisecond, cam.Pair().PingInterval())
	assert.Equal(t, DefaultTimeout, cam.Pair().sender.Timeout())

	assert.Equal(t, 500*time.Millisecond, services["lidar"].Pair().sender.Timeout())
	assert.Equal(t, DefaultPingIntervalMin, services["lidar"].Pair().PingInterval())
}

func TestBuilder_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.RemoteServiceConfig
	}{
		{
			name: "missing connection",
			cfg:  config.RemoteServiceConfig{SendConnection: "mem:a"},
		},
		{
			name: "duplicate remote topic",
			cfg: config.RemoteServiceConfig{
				SendConnection:    "mem:a",
				ReceiveConnection: "mem:b",
				SendRules: []config.SendRuleConfig{
					{TopicLocal: "/x", TopicRemote: "/y"},
					{TopicLocal: "/y"},
				},
			},
		},
		{
			name: "blocking rule",
			cfg: config.RemoteServiceConfig{
				SendConnection:    "mem:a",
				ReceiveConnection: "mem:b",
				SendRules:         []config.SendRuleConfig{{TopicLocal: "/x", Blocking: true}},
			},
		},
		{
			name: "unknown scheme",
			cfg: config.RemoteServiceConfig{
				SendConnection:    "tcp://localhost:1",
				ReceiveConnection: "mem:b",
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := newBuilder(t).Build("svc", test.cfg)
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrInvalidConfig)
			assert.True(t, errors.IsFatal(err))
		})
	}
}
