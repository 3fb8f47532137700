// Package server guards the upgrade handshake with an origin allow-list. The
// upgrade request rides on ambient browser credentials, so the Origin header
// is the only thing standing between the relay and a hostile page opening a
// socket as a logged-in user; clients additionally send an X-CSRF-Token
// header, which the handshake permits but does not inspect.
package server

import (
	"log"
	"net/http"
	"net/url"
	"strings"
)

// normalizeOrigins canonicalizes the configured allow-list, reporting whether
// a wildcard entry was present. Entries that do not parse as an origin are
// dropped with a warning rather than silently matched against nothing.
func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			allowAll = true
			continue
		}

		canonical, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Printf("Dropping unparseable entry %q from ALLOWED_ORIGINS", origin)
			continue
		}
		normalized = append(normalized, canonical)
	}

	return normalized, allowAll
}

// normalizeOrigin reduces an origin to lowercased scheme://host so header
// values and configured entries compare byte for byte. Values without both a
// scheme and a host are not origins and never match.
func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// isOriginAllowed reports whether the upgrade request's Origin header is on
// the allow-list. A missing header is refused even under the wildcard: a
// browser always sends one, so its absence means the request did not come
// from a page we can reason about.
func isOriginAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	canonical, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	configMu.RLock()
	defer configMu.RUnlock()

	if allowAllOrigins {
		return true
	}

	_, exists := allowedOrigins[canonical]
	return exists
}

// checkOrigin is the upgrader's CheckOrigin hook. Refusals are logged with
// the offending header so operators can spot misconfigured frontends.
func checkOrigin(r *http.Request) bool {
	if isOriginAllowed(r) {
		return true
	}

	log.Printf("Refusing relay upgrade from origin %q (%s)", r.Header.Get("Origin"), r.RemoteAddr)
	return false
}
