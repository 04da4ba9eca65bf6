package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"example.com/servedir/v2/internal/config"
	"example.com/servedir/v2/internal/logger"
	"example.com/servedir/v2/internal/server"
)

// mountedRoute is a configured route with its instantiated handler.
type mountedRoute struct {
	route   config.Route
	handler http.Handler
}

// Router holds the routing table and dispatches requests.
//
// Exact routes take precedence over prefix routes; among prefix routes the
// longest pattern wins. A prefix matches only on path-segment boundaries,
// so "/files" matches "/files" and "/files/a" but not "/filesystem".
type Router struct {
	exactRoutes  map[string]mountedRoute
	prefixRoutes []mountedRoute
	log          *logger.Logger
}

// NewRouter instantiates every route's handler through the registry and
// builds the lookup tables. Any handler creation failure is returned, so a
// misconfigured route aborts startup instead of failing per request.
func NewRouter(routes []config.Route, registry *server.HandlerRegistry, lg *logger.Logger) (*Router, error) {
	if registry == nil {
		return nil, fmt.Errorf("handler registry cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	r := &Router{
		exactRoutes: make(map[string]mountedRoute),
		log:         lg,
	}
	for _, route := range routes {
		h, err := registry.CreateHandler(route.HandlerType, route.HandlerConfig, route.PathPattern, lg)
		if err != nil {
			return nil, fmt.Errorf("route %s %s: %w", route.MatchType, route.PathPattern, err)
		}
		mr := mountedRoute{route: route, handler: h}
		switch route.MatchType {
		case config.MatchTypeExact:
			r.exactRoutes[route.PathPattern] = mr
		case config.MatchTypePrefix:
			r.prefixRoutes = append(r.prefixRoutes, mr)
		default:
			return nil, fmt.Errorf("route %s: unknown match type %q", route.PathPattern, route.MatchType)
		}
		lg.Debug("Route mounted", logger.LogFields{
			"pattern":     route.PathPattern,
			"matchType":   string(route.MatchType),
			"handlerType": route.HandlerType,
		})
	}

	sort.SliceStable(r.prefixRoutes, func(i, j int) bool {
		return len(r.prefixRoutes[i].route.PathPattern) > len(r.prefixRoutes[j].route.PathPattern)
	})
	return r, nil
}

func prefixMatches(pattern, path string) bool {
	if pattern == "/" {
		return strings.HasPrefix(path, "/")
	}
	trimmed := strings.TrimSuffix(pattern, "/")
	return path == trimmed || strings.HasPrefix(path, trimmed+"/")
}

// FindRoute returns the handler and route matching path, or ok=false.
func (r *Router) FindRoute(path string) (http.Handler, config.Route, bool) {
	if mr, ok := r.exactRoutes[path]; ok {
		return mr.handler, mr.route, true
	}
	for _, mr := range r.prefixRoutes {
		if prefixMatches(mr.route.PathPattern, path) {
			return mr.handler, mr.route, true
		}
	}
	return nil, config.Route{}, false
}

// ServeHTTP dispatches the request to the matching handler, or answers 404.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h, _, ok := r.FindRoute(req.URL.Path)
	if !ok {
		r.log.Info("No route matched for request", logger.LogFields{"path": req.URL.Path})
		server.WriteErrorResponse(w, req, http.StatusNotFound, "", r.log)
		return
	}
	h.ServeHTTP(w, req)
}
