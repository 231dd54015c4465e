package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndpointURL(t *testing.T) {
	t.Parallel()

	creds := Credentials{Token: "t0k", UserID: "7"}

	cases := []struct {
		name string
		base string
		path string
		want string
	}{
		{name: "http", base: "http://127.0.0.1:3000", path: "/cable", want: "ws://127.0.0.1:3000/cable?token=t0k&user_id=7"},
		{name: "https with api prefix", base: "https://api.example.com/api/v1/", path: "cable", want: "wss://api.example.com/api/v1/cable?token=t0k&user_id=7"},
		{name: "bare host", base: "localhost:3000", path: "", want: "ws://localhost:3000/cable?token=t0k&user_id=7"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := EndpointURL(tc.base, tc.path, creds)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEndpointURL_Rejects(t *testing.T) {
	t.Parallel()

	for _, base := range []string{"", "ftp://example.com", "http://"} {
		_, err := EndpointURL(base, "/cable", Credentials{})
		assert.ErrorIs(t, err, ErrConfig, "base=%q", base)
	}
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	c := DefaultConfig("http://x")
	assert.True(t, c.AutoReconnect)
	assert.Equal(t, defaultConnectTimeout, c.ConnectTimeout)
	assert.Equal(t, defaultMaxRetries, c.MaxRetries)
	assert.Equal(t, "/cable", c.CablePath)

	c = Config{MinBackoff: time.Minute, MaxBackoff: time.Second, DrainPacing: -1}.withDefaults()
	assert.Equal(t, time.Minute, c.MaxBackoff)
	assert.Equal(t, time.Duration(0), c.DrainPacing)
}
