// Package registry holds the broker instances configured at startup and
// authenticates requests addressed to them.
package registry

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"httptrading/internal/broker"
	"httptrading/internal/domain"
	"httptrading/internal/util"
)

const (
	MinTokenLen = 16
	MaxTokenLen = 64
)

var idPattern = regexp.MustCompile(`^\w{16,32}$`)

// ValidID reports whether id is a well-formed instance id.
func ValidID(id string) bool { return idPattern.MatchString(id) }

// ValidToken reports whether token has an acceptable length.
func ValidToken(token string) bool {
	return len(token) >= MinTokenLen && len(token) <= MaxTokenLen
}

// Instance binds an instance id to its adapter and accepted tokens. It is
// immutable once registered.
type Instance struct {
	ID     string
	Broker broker.Broker
	Caps   broker.Capabilities
	Log    *slog.Logger

	tokens [][]byte
}

// NewInstance validates id and tokens and captures the adapter's
// capabilities.
func NewInstance(id string, tokens []string, b broker.Broker, log *slog.Logger) (*Instance, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("instance id must be 16-32 word characters, got %d chars", len(id))
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("instance %s: at least one token is required", util.Redact(id))
	}
	inst := &Instance{ID: id, Broker: b, Caps: b.Capabilities()}
	for i, t := range tokens {
		if !ValidToken(t) {
			return nil, fmt.Errorf("instance %s: token %d must be %d-%d chars", util.Redact(id), i, MinTokenLen, MaxTokenLen)
		}
		inst.tokens = append(inst.tokens, []byte(t))
	}
	if log == nil {
		log = slog.Default()
	}
	inst.Log = log.With("instance", util.Redact(id), "broker", b.Name())
	return inst, nil
}

// accepts compares token against every configured token in constant time
// and without stopping at the first match.
func (inst *Instance) accepts(token string) bool {
	presented := []byte(token)
	match := 0
	for _, t := range inst.tokens {
		match |= subtle.ConstantTimeCompare(t, presented)
	}
	return match == 1
}

// Spec describes one instance to build.
type Spec struct {
	ID     string
	Broker string
	Tokens []string
	Args   broker.Args
}

// Registry is the read-only table of live instances.
type Registry struct {
	instances map[string]*Instance
	log       *slog.Logger
}

// New builds a registry from already constructed instances.
func New(log *slog.Logger, instances ...*Instance) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	r := &Registry{instances: make(map[string]*Instance, len(instances)), log: log}
	for _, inst := range instances {
		if _, dup := r.instances[inst.ID]; dup {
			return nil, fmt.Errorf("duplicate instance id %s", util.Redact(inst.ID))
		}
		r.instances[inst.ID] = inst
	}
	return r, nil
}

// Build constructs every adapter through the broker registry. Adapters
// already built are closed when a later one fails.
func Build(specs []Spec, log *slog.Logger) (*Registry, error) {
	if log == nil {
		log = slog.Default()
	}
	var built []*Instance
	fail := func(err error) (*Registry, error) {
		for _, inst := range built {
			inst.Broker.Close()
		}
		return nil, err
	}

	if err := CheckSharedState(specs); err != nil {
		return nil, err
	}
	for _, s := range specs {
		args := s.Args
		if args == nil {
			args = broker.NoArgs()
		}
		if !ValidID(s.ID) {
			return fail(fmt.Errorf("instance id must be 16-32 word characters, got %d chars", len(s.ID)))
		}
		b, err := broker.New(s.Broker, s.ID, args, log.With("instance", util.Redact(s.ID)))
		if err != nil {
			return fail(fmt.Errorf("instance %s: %w", util.Redact(s.ID), err))
		}
		inst, err := NewInstance(s.ID, s.Tokens, b, log)
		if err != nil {
			b.Close()
			return fail(err)
		}
		built = append(built, inst)
	}

	r, err := New(log, built...)
	if err != nil {
		return fail(err)
	}
	return r, nil
}

// CheckSharedState rejects specs whose adapters would own the same state,
// such as two simulators on one database file and account.
func CheckSharedState(specs []Spec) error {
	var errs []error
	owner := make(map[string]string, len(specs))
	for _, s := range specs {
		if !broker.Known(s.Broker) {
			continue
		}
		key, err := broker.StateKey(s.Broker, s.ID, s.Args)
		if err != nil {
			errs = append(errs, fmt.Errorf("instance %s: %w", util.Redact(s.ID), err))
			continue
		}
		if key == "" {
			continue
		}
		if prev, dup := owner[key]; dup {
			errs = append(errs, fmt.Errorf("instances %s and %s share %s state", util.Redact(prev), util.Redact(s.ID), s.Broker))
			continue
		}
		owner[key] = s.ID
	}
	return errors.Join(errs...)
}

// Lookup returns the instance registered under id.
func (r *Registry) Lookup(id string) (*Instance, bool) {
	inst, ok := r.instances[id]
	return inst, ok
}

// Authenticate resolves id and checks token. It returns domain.ErrNotFound
// for an unknown or malformed id and domain.ErrUnauthorized for a bad token;
// callers must not expose the difference.
func (r *Registry) Authenticate(id, token string) (*Instance, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: malformed instance id", domain.ErrNotFound)
	}
	inst, ok := r.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: unknown instance", domain.ErrNotFound)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", domain.ErrUnauthorized)
	}
	if !inst.accepts(token) {
		return nil, fmt.Errorf("%w: token mismatch", domain.ErrUnauthorized)
	}
	return inst, nil
}

// Instances returns every instance sorted by id.
func (r *Registry) Instances() []*Instance {
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of instances.
func (r *Registry) Len() int { return len(r.instances) }

// Start starts every adapter concurrently and fails on the first error.
func (r *Registry) Start(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, inst := range r.instances {
		g.Go(func() error {
			if err := inst.Broker.Start(gctx); err != nil {
				return fmt.Errorf("starting instance %s (%s): %w", util.Redact(inst.ID), inst.Broker.Name(), err)
			}
			inst.Log.Info("instance started", "capabilities", inst.Caps.Supported.String())
			return nil
		})
	}
	return g.Wait()
}

// Close closes every adapter concurrently and joins their errors.
func (r *Registry) Close() error {
	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	for _, inst := range r.instances {
		g.Go(func() error {
			if err := inst.Broker.Close(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("closing instance %s: %w", util.Redact(inst.ID), err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}
