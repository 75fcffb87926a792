package options

import (
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*HttpOptions)(nil)

// HttpOptions contains configuration items related to the status server
// (health probes, metrics and the status snapshot).
type HttpOptions struct {
	// Enabled turns the status server on.
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Address with server address.
	Addr string `json:"addr" mapstructure:"addr"`

	// ReadTimeout bounds how long a request may take to be read.
	ReadTimeout time.Duration `json:"read-timeout" mapstructure:"read-timeout"`

	// ShutdownTimeout bounds graceful shutdown of in-flight requests.
	ShutdownTimeout time.Duration `json:"shutdown-timeout" mapstructure:"shutdown-timeout"`
}

// NewHttpOptions creates a HttpOptions object with default parameters.
func NewHttpOptions() *HttpOptions {
	return &HttpOptions{
		Enabled:         true,
		Addr:            "127.0.0.1:9465",
		ReadTimeout:     10 * time.Second,
		ShutdownTimeout: 5 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *HttpOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	errors := []error{}

	if err := ValidateAddress(o.Addr); err != nil {
		errors = append(errors, err)
	}

	return errors
}

// AddFlags adds flags related to the HTTP server to the specified FlagSet.
func (o *HttpOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, flagName("http", prefixes, "enabled"), o.Enabled, "Serve /healthz, /readyz, /metrics and /status.")
	fs.StringVar(&o.Addr, flagName("http", prefixes, "addr"), o.Addr, "Specify the HTTP server bind address and port.")
	fs.DurationVar(&o.ReadTimeout, flagName("http", prefixes, "read-timeout"), o.ReadTimeout, "Maximum duration for reading an entire request.")
	fs.DurationVar(&o.ShutdownTimeout, flagName("http", prefixes, "shutdown-timeout"), o.ShutdownTimeout, "Grace period for in-flight requests on shutdown.")
}
