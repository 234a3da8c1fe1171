package webclient

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/raysh454/kansoku/internal/logging"
)

// ErrUnknownBackend is returned for a Config.Client nobody registered.
var ErrUnknownBackend = errors.New("unknown webclient backend")

// BackendConstructor builds a WebClient for one backend.
type BackendConstructor func(cfg Config, logger logging.Logger) (WebClient, error)

var backends = struct {
	sync.RWMutex
	ctors map[Client]BackendConstructor
}{ctors: map[Client]BackendConstructor{}}

func normalizeClient(c Client) Client {
	c = Client(strings.ToLower(strings.TrimSpace(string(c))))
	if c == "" {
		return ClientNetHTTP
	}
	return c
}

// RegisterBackend makes ctor available under name, replacing any previous
// registration.
func RegisterBackend(name Client, ctor BackendConstructor) {
	if ctor == nil {
		return
	}
	backends.Lock()
	defer backends.Unlock()
	backends.ctors[normalizeClient(name)] = ctor
}

// NewWebClient builds the backend named by cfg.Client, nethttp when empty.
// Transports share the configured user agent.
func NewWebClient(cfg Config, logger logging.Logger) (WebClient, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	name := normalizeClient(cfg.Client)

	backends.RLock()
	ctor, ok := backends.ctors[name]
	backends.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownBackend, name, strings.Join(ListBackends(), ", "))
	}

	wc, err := ctor(cfg, logger.With(logging.Field{Key: "backend", Value: string(name)}))
	if err != nil {
		return nil, fmt.Errorf("webclient %s: %w", name, err)
	}
	if wc == nil {
		return nil, fmt.Errorf("webclient %s: constructor returned nil", name)
	}
	return wc, nil
}

// ListBackends returns the registered backend names in order.
func ListBackends() []string {
	backends.RLock()
	defer backends.RUnlock()
	out := make([]string, 0, len(backends.ctors))
	for k := range backends.ctors {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
