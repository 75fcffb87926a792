package options

import (
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"127.0.0.1:9465", false},
		{":9465", false},
		{"localhost:80", false},
		{"[::1]:8080", false},
		{"127.0.0.1", true},
		{"host:port", true},
		{"127.0.0.1:70000", true},
		{"bad_host!:80", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestHttpOptionsPrefixedFlags(t *testing.T) {
	opts := NewHttpOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs, "status")

	require.NoError(t, fs.Parse([]string{"--status.addr=0.0.0.0:8080", "--status.enabled=false"}))
	assert.Equal(t, "0.0.0.0:8080", opts.Addr)
	assert.False(t, opts.Enabled)
	assert.Nil(t, fs.Lookup("http.addr"))
}

func TestDisabledGroupsSkipValidation(t *testing.T) {
	s3 := NewS3Options()
	s3.BucketName = ""
	assert.Empty(t, s3.Validate())

	s3.Enabled = true
	assert.Len(t, s3.Validate(), 1)

	httpOpts := NewHttpOptions()
	httpOpts.Addr = "nope"
	httpOpts.Enabled = false
	assert.Empty(t, httpOpts.Validate())
}

func TestMqttOptionsValidate(t *testing.T) {
	opts := NewMqttOptions()
	assert.Empty(t, opts.Validate())

	opts.Broker = "not a url"
	opts.TopicRoot = ""
	assert.Len(t, opts.Validate(), 2)

	cfg := NewMqttOptions().ToClientConfig()
	assert.Equal(t, uint16(60), cfg.KeepAlive)
}
