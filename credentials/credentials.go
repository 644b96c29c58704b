// Package credentials resolves the service account used to talk to Pub/Sub
// from explicit options or the environment.
package credentials

import (
	"context"
	"net/http"
	"os"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

const (
	ScopePubsub        = "https://www.googleapis.com/auth/pubsub"
	ScopeCloudPlatform = "https://www.googleapis.com/auth/cloud-platform"
)

// DefaultScopes are requested unless WithScopes replaces them.
var DefaultScopes = []string{ScopePubsub, ScopeCloudPlatform}

// Env is where keys are looked up when no option names one. Paths win over
// raw JSON; the first non-empty variable in field order is used.
type Env struct {
	Keyfile          string `envconfig:"PUBSUB_KEYFILE"`
	CloudKeyfile     string `envconfig:"GOOGLE_CLOUD_KEYFILE"`
	KeyfileJSON      string `envconfig:"PUBSUB_KEYFILE_JSON"`
	CloudKeyfileJSON string `envconfig:"GOOGLE_CLOUD_KEYFILE_JSON"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, ErrEnvironment.Wrap(err, "")
	}
	return env, nil
}

type options struct {
	keyfile     string
	keyJSON     []byte
	scopes      []string
	tokenSource oauth2.TokenSource
	env         *Env
}

type Option func(*options)

func WithKeyfile(path string) Option {
	return func(o *options) {
		o.keyfile = path
	}
}

func WithKeyJSON(data []byte) Option {
	return func(o *options) {
		o.keyJSON = data
	}
}

func WithScopes(scopes ...string) Option {
	return func(o *options) {
		if len(scopes) > 0 {
			o.scopes = scopes
		}
	}
}

// WithTokenSource skips key resolution entirely, for emulators and tests.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(o *options) {
		o.tokenSource = ts
	}
}

// WithEnv uses env instead of reading the process environment.
func WithEnv(env Env) Option {
	return func(o *options) {
		o.env = &env
	}
}

// Credentials is a resolved key plus the scopes it is used with.
type Credentials struct {
	source      string
	projectID   string
	keyJSON     []byte
	tokenSource oauth2.TokenSource
	scopes      []string
}

// New resolves credentials. Explicit options win over the environment. It
// fails with ErrNoCredentials when nothing is configured.
func New(ctx context.Context, opts ...Option) (*Credentials, error) {
	o := options{scopes: DefaultScopes}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tokenSource != nil {
		return &Credentials{source: "token source", tokenSource: o.tokenSource, scopes: o.scopes}, nil
	}

	source, data, err := resolve(o)
	if err != nil {
		return nil, err
	}
	creds, err := google.CredentialsFromJSON(ctx, data, o.scopes...)
	if err != nil {
		return nil, ErrInvalidKey.Wrap(err, "%s", source)
	}
	return &Credentials{
		source:      source,
		projectID:   creds.ProjectID,
		keyJSON:     data,
		tokenSource: creds.TokenSource,
		scopes:      o.scopes,
	}, nil
}

func resolve(o options) (string, []byte, error) {
	if o.keyfile != "" {
		return readKeyfile("keyfile option", o.keyfile)
	}
	if len(o.keyJSON) > 0 {
		return "key json option", o.keyJSON, nil
	}
	env := o.env
	if env == nil {
		loaded, err := LoadEnv()
		if err != nil {
			return "", nil, err
		}
		env = &loaded
	}
	switch {
	case env.Keyfile != "":
		return readKeyfile("PUBSUB_KEYFILE", env.Keyfile)
	case env.CloudKeyfile != "":
		return readKeyfile("GOOGLE_CLOUD_KEYFILE", env.CloudKeyfile)
	case env.KeyfileJSON != "":
		return "PUBSUB_KEYFILE_JSON", []byte(env.KeyfileJSON), nil
	case env.CloudKeyfileJSON != "":
		return "GOOGLE_CLOUD_KEYFILE_JSON", []byte(env.CloudKeyfileJSON), nil
	}
	return "", nil, ErrNoCredentials
}

func readKeyfile(source, path string) (string, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, ErrReadKeyfile.Wrap(err, "%s=%s", source, path)
	}
	return source, data, nil
}

// Source names where the key came from.
func (c *Credentials) Source() string { return c.source }

// ProjectID is the project embedded in the key, empty when it has none.
func (c *Credentials) ProjectID() string { return c.projectID }

func (c *Credentials) Scopes() []string { return append([]string(nil), c.scopes...) }

func (c *Credentials) TokenSource() oauth2.TokenSource { return c.tokenSource }

// HTTPClient returns a client that authorizes every request, for the REST
// transport.
func (c *Credentials) HTTPClient(ctx context.Context) *http.Client {
	return oauth2.NewClient(ctx, c.tokenSource)
}

// ClientOptions configures the gRPC transport.
func (c *Credentials) ClientOptions() []option.ClientOption {
	opts := []option.ClientOption{option.WithTokenSource(c.tokenSource)}
	if len(c.scopes) > 0 {
		opts = append(opts, option.WithScopes(c.scopes...))
	}
	return opts
}
