package resilient

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownModel is returned when no registered client serves a model
var ErrUnknownModel = errors.New("unknown model")

// Router picks the client serving a model, by model-name prefix
type Router struct {
	clients  map[string]*Client
	prefixes map[string]string // model prefix -> client name
	fallback string
}

// NewRouter creates an empty router
func NewRouter() *Router {
	return &Router{
		clients:  make(map[string]*Client),
		prefixes: make(map[string]string),
	}
}

// Register adds a client serving every model that starts with one of prefixes.
// A client registered without prefixes becomes the fallback for unknown models.
func (r *Router) Register(client *Client, prefixes ...string) {
	r.clients[client.Name()] = client
	for _, prefix := range prefixes {
		r.prefixes[prefix] = client.Name()
	}
	if len(prefixes) == 0 {
		r.fallback = client.Name()
	}
}

// SetDefault makes the named client serve empty and unknown models
func (r *Router) SetDefault(name string) {
	r.fallback = name
}

// Client returns the client registered under name
func (r *Router) Client(name string) (*Client, bool) {
	c, ok := r.clients[name]
	return c, ok
}

// Names lists registered client names in stable order
func (r *Router) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ForModel returns the client for a given model. An empty model resolves to the
// fallback client.
func (r *Router) ForModel(model string) (*Client, error) {
	name := r.detectProvider(model)
	if name == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}

	client, ok := r.clients[name]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured (check API keys)", name)
	}
	return client, nil
}

// detectProvider determines which client a model belongs to; the longest
// matching prefix wins
func (r *Router) detectProvider(model string) string {
	best := ""
	bestLen := -1
	for prefix, name := range r.prefixes {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best, bestLen = name, len(prefix)
		}
	}
	if best != "" {
		return best
	}
	return r.fallback
}
