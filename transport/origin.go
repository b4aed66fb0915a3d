package transport

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

type origins struct {
	allowed map[string]struct{}
}

// newOrigins normalises the configured origins, "*" or an empty list allows every origin.
func newOrigins(list []string) *origins {
	o := &origins{}
	for _, origin := range list {
		origin = strings.TrimSpace(origin)
		if origin == "" {
			continue
		}
		if origin == "*" {
			return &origins{}
		}
		n, ok := normalizeOrigin(origin)
		if !ok {
			log.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}
		if o.allowed == nil {
			o.allowed = make(map[string]struct{})
		}
		o.allowed[n] = struct{}{}
	}
	return o
}

func (o *origins) check(r *http.Request) bool {
	if len(o.allowed) == 0 {
		return true
	}
	n, ok := normalizeOrigin(r.Header.Get("Origin"))
	if ok {
		if _, ok = o.allowed[n]; ok {
			return true
		}
	}
	log.Info().Str("origin", r.Header.Get("Origin")).Msg("blocked websocket connection from disallowed origin")
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
