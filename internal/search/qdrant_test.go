package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{name: "cloud https with REST port", url: "https://xyz.cloud.qdrant.io:6333", wantHost: "xyz.cloud.qdrant.io", wantPort: 6334, wantTLS: true},
		{name: "local http with gRPC port", url: "http://localhost:6334", wantHost: "localhost", wantPort: 6334, wantTLS: false},
		{name: "no port defaults to gRPC", url: "https://qdrant.example.com", wantHost: "qdrant.example.com", wantPort: 6334, wantTLS: true},
		{name: "invalid", url: "://nope", wantErr: true},
		{name: "empty", url: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}

func TestPointIDStable(t *testing.T) {
	a := pointID("sha256:abc123")
	b := pointID("sha256:abc123")
	c := pointID("sha256:def456")

	assert.Equal(t, a, b, "same kb_id must map to the same point ID")
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 36, "point ID must be a canonical UUID string")
}
