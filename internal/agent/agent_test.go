package agent

import (
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{ServerURL: "http://relay.example:3001"}.WithDefaults()
	assert.Equal(t, DefaultLocalTo, cfg.LocalTo)
	assert.Equal(t, DefaultHeaderTimeout, cfg.HeaderTimeout)
	assert.Equal(t, DefaultReconnectMax, cfg.ReconnectMax)
	assert.True(t, strings.HasPrefix(cfg.Name, "tunnel-"), cfg.Name)
	require.NoError(t, cfg.Validate())

	named := Config{ServerURL: "http://relay.example", Name: "api"}.WithDefaults()
	assert.Equal(t, "api", named.Name)
}

func TestConfigValidate(t *testing.T) {
	assert.Error(t, Config{LocalTo: DefaultLocalTo}.Validate())
	assert.Error(t, Config{ServerURL: "not a url", LocalTo: DefaultLocalTo}.Validate())
	assert.Error(t, Config{ServerURL: "http://relay.example", LocalTo: DefaultLocalTo, HeaderTimeout: -1}.Validate())
}

func TestControlURL(t *testing.T) {
	tests := map[string]string{
		"http://relay.example:3001":  "ws://relay.example:3001/_control",
		"https://relay.example":      "wss://relay.example/_control",
		"https://relay.example/base": "wss://relay.example/base/_control",
		"ws://relay.example":         "ws://relay.example/_control",
	}
	for in, want := range tests {
		u, err := url.Parse(in)
		require.NoError(t, err)
		a := &agent{serverBase: u}
		assert.Equal(t, want, a.controlURL(), in)
	}
}
