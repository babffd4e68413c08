package peerrpc

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-semver/semver"
)

const defaultVersion string = "0.0.0"

// Middleware wraps a Handler with additional behaviour.
type Middleware func(Handler) Handler

// Mux provides a request router per service and version. Request URLs have the
// form /<service>/<version>/<path>.
type Mux struct {
	serviceName string
	version     *semver.Version
	handlers    map[string]Handler
}

// New returns a Mux which uses the default semantic version. The default version
// is 0.0.0.
func New(svcName string) *Mux {
	m, _ := NewWithVersion(svcName, defaultVersion)
	return m
}

// NewWithVersion returns a Mux which uses the provided semantic version. The
// version must be a valid semantic version string.
func NewWithVersion(svcName, version string) (*Mux, error) {
	sver, err := semver.NewVersion(version)
	if err != nil {
		return nil, err
	}

	return &Mux{
		serviceName: svcName,
		version:     sver,
		handlers:    make(map[string]Handler),
	}, nil
}

// Handle is used to register a handler for a particular path. If a path is
// already registered, it will overwrite the handler for that path. The
// middlewares are applied in the order they are passed.
func (m *Mux) Handle(path string, handler Handler, mws ...Middleware) {
	for _, mw := range mws {
		handler = mw(handler)
	}
	m.handlers[strings.Trim(path, "/")] = handler
}

// URL returns the request URL that reaches path on this Mux.
func (m *Mux) URL(path string) string {
	return BuildURL(m.serviceName, m.version.String(), path)
}

// BuildURL returns the request URL of path on a service at version.
func BuildURL(service, version, path string) string {
	return "/" + strings.Join([]string{service, version, strings.Trim(path, "/")}, "/")
}

// matcher reports whether a requested version can be served. The major versions
// must be equal and the requested minor version must not be newer.
func (m *Mux) matcher(check string) bool {
	chVers, err := semver.NewVersion(check)
	if err != nil {
		return false
	}

	return m.version.Major == chVers.Major && m.version.Minor >= chVers.Minor
}

// ServeRequest routes req to the handler registered for its path.
func (m *Mux) ServeRequest(ctx context.Context, req *Request) (*Response, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, NewHandlerError(http.StatusBadRequest, fmt.Sprintf("invalid url %q", req.URL))
	}

	splits := strings.SplitN(strings.TrimPrefix(u.Path, "/"), "/", 3)
	if len(splits) < 3 || splits[0] != m.serviceName || !m.matcher(splits[1]) {
		return nil, NewHandlerError(http.StatusNotFound, fmt.Sprintf("no route for %q", req.URL))
	}

	h, found := m.handlers[strings.Trim(splits[2], "/")]
	if !found {
		return nil, NewHandlerError(http.StatusNotFound, fmt.Sprintf("no route for %q", req.URL))
	}
	return h.ServeRequest(ctx, req)
}
