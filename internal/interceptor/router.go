package interceptor

import (
	"strings"

	"github.com/meshrun/meshd/internal/model"
)

// Route is the parsed shape of a /api/<provider>/... request. Agent
// identity travels in the AgentConfig the caller already resolved, not
// the URL, because every agent's own worker already knows which
// upstream path its adapter built (provider.Request.URL is always
// under /api/<provider>/).
type Route struct {
	Provider string
	APIPath  string
}

// ParseRoute parses "/api/{provider}/{apiPath...}" — the only URL
// shape provider.Request.URL ever produces.
func ParseRoute(path string) (Route, error) {
	path = strings.TrimPrefix(path, "/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] != "api" {
		return Route{}, model.NewErrorf(model.ErrConfig, "interceptor: invalid path %q: must start with /api/", path)
	}
	route := Route{Provider: parts[1]}
	if len(parts) == 3 {
		route.APIPath = "/" + parts[2]
	}
	return route, nil
}
