package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/die-net/ruleproxy/internal/stream"
)

// Builder constructs connectors for one URL scheme.
type Builder struct {
	// Validate reports whether Build would accept u, without side effects.
	// Nil means Build is side-effect free and is used to validate.
	Validate func(u URL) error

	Build func(u URL) (Connector, error)
}

// Registry maps URL schemes to connector builders.
type Registry struct {
	ctx      context.Context
	cfg      Config
	builders map[string]Builder

	mu      sync.Mutex
	closers []io.Closer
}

// NewRegistry returns a registry with every built-in scheme registered.
// Background work started by connectors (rule file polling) stops when ctx
// ends.
func NewRegistry(ctx context.Context, cfg Config) *Registry {
	r := &Registry{
		ctx:      ctx,
		cfg:      cfg,
		builders: make(map[string]Builder),
	}

	r.mustRegister("direct", Builder{Build: func(URL) (Connector, error) {
		return NewDirect(r.cfg), nil
	}})
	r.mustRegister("reject", Builder{Build: func(URL) (Connector, error) {
		return NewReject(), nil
	}})
	r.mustRegister("socks", Builder{Build: func(u URL) (Connector, error) {
		return NewSocks4(r.cfg, u.Netloc, u.Path)
	}})
	r.mustRegister("http", Builder{Build: func(u URL) (Connector, error) {
		return NewHTTPConnect(r.cfg, u.Netloc, u.Path, false)
	}})
	r.mustRegister("https", Builder{Build: func(u URL) (Connector, error) {
		return NewHTTPConnect(r.cfg, u.Netloc, u.Path, true)
	}})
	r.mustRegister("socks5", Builder{Build: func(u URL) (Connector, error) {
		return NewSocks5(r.cfg, u.Netloc, u.Path)
	}})
	r.mustRegister("ssh", Builder{
		Validate: func(u URL) error { return validateSSH(r.cfg, u) },
		Build: func(u URL) (Connector, error) {
			return NewSSH(r.cfg, u.Netloc, u.Path)
		},
	})
	r.mustRegister("rules", Builder{
		Validate: func(u URL) error {
			if u.Path == "" {
				return errors.New("rules: missing rule file path")
			}
			return nil
		},
		Build: func(u URL) (Connector, error) {
			return NewRules(r, u.Netloc, u.Path)
		},
	})

	return r
}

// Register adds a builder for scheme. Registering a scheme twice is an
// error.
func (r *Registry) Register(scheme string, b Builder) error {
	if b.Build == nil {
		return fmt.Errorf("connector scheme %q: nil builder", scheme)
	}
	if _, ok := r.builders[scheme]; ok {
		return fmt.Errorf("connector scheme %q already registered", scheme)
	}
	r.builders[scheme] = b
	return nil
}

func (r *Registry) mustRegister(scheme string, b Builder) {
	if err := r.Register(scheme, b); err != nil {
		panic(err)
	}
}

// Has reports whether scheme has a builder.
func (r *Registry) Has(scheme string) bool {
	_, ok := r.builders[scheme]
	return ok
}

func (r *Registry) lookup(raw string) (URL, Builder, error) {
	u, err := ParseURL(raw)
	if err != nil {
		return URL{}, Builder{}, err
	}
	b, ok := r.builders[u.Scheme]
	if !ok {
		return URL{}, Builder{}, fmt.Errorf("%q: %w", u.Scheme, ErrUnknownScheme)
	}
	return u, b, nil
}

// New builds the connector for raw.
func (r *Registry) New(raw string) (Connector, error) {
	u, b, err := r.lookup(raw)
	if err != nil {
		return nil, err
	}

	c, err := b.Build(u)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u.Scheme, err)
	}

	if closer, ok := c.(io.Closer); ok {
		r.mu.Lock()
		r.closers = append(r.closers, closer)
		r.mu.Unlock()
	}

	if r.cfg.Metrics != nil {
		c = &instrumented{Connector: c, scheme: u.Scheme, cfg: r.cfg}
	}
	return c, nil
}

// Validate checks raw the way New would, without building anything.
func (r *Registry) Validate(raw string) error {
	u, b, err := r.lookup(raw)
	if err != nil {
		return err
	}
	if b.Validate != nil {
		return b.Validate(u)
	}
	if _, err := b.Build(u); err != nil {
		return fmt.Errorf("%s: %w", u.Scheme, err)
	}
	return nil
}

// Close releases resources held by connectors the registry built, such as
// SSH transports.
func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// instrumented counts connect attempts by scheme.
type instrumented struct {
	Connector
	scheme string
	cfg    Config
}

func (c *instrumented) Connect(ctx context.Context, host string, port int) (stream.Stream, error) {
	s, err := c.Connector.Connect(ctx, host, port)
	c.cfg.Metrics.Connect(c.scheme, err)
	return s, err
}

func (c *instrumented) String() string {
	return fmt.Sprint(c.Connector)
}
