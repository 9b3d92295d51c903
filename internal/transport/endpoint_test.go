package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		ip      string
		port    string
		want    string
		wantErr bool
	}{
		{"lan address", "192.168.1.5", "55555", "192.168.1.5:55555", false},
		{"ipv6", "fe80::1", "6000", "[fe80::1]:6000", false},
		{"mapped ipv4", "::ffff:10.0.0.1", "1", "10.0.0.1:1", false},
		{"bad octet and port", "300.1.1.1", "70000", "", true},
		{"bad octet", "300.1.1.1", "55555", "", true},
		{"port out of range", "192.168.1.5", "70000", "", true},
		{"port zero", "192.168.1.5", "0", "", true},
		{"hostname", "receiver.local", "55555", "", true},
		{"unspecified", "0.0.0.0", "55555", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep, err := ParseEndpoint(tt.ip, tt.port)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEndpoint)
				assert.False(t, ep.IsValid())
				return
			}
			require.NoError(t, err)
			assert.True(t, ep.IsValid())
			assert.Equal(t, tt.want, ep.String())
		})
	}
}
