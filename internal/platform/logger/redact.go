package logger

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

const redacted = "****"

// sensitiveHeaders are matched case-insensitively against header names.
var sensitiveHeaders = []string{"apikey", "api-key", "access-key", "access-sign", "passphrase", "signature", "authorization"}

// Redact keeps at most a 4 character prefix of a secret.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return redacted
	}
	return secret[:4] + redacted
}

// Secret is a zap field whose value is always redacted.
func Secret(key, value string) zap.Field {
	return zap.String(key, Redact(value))
}

// RedactQuery masks the signature parameter of a raw query string without
// re-ordering the remaining parameters.
func RedactQuery(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	parts := strings.Split(rawQuery, "&")
	for i, p := range parts {
		key, _, _ := strings.Cut(p, "=")
		if k, err := url.QueryUnescape(key); err == nil && strings.EqualFold(k, "signature") {
			parts[i] = key + "=" + redacted
		}
	}
	return strings.Join(parts, "&")
}

// RedactURL returns u with a masked signature, suitable for logging.
func RedactURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	c := *u
	c.RawQuery = RedactQuery(u.RawQuery)
	return c.String()
}

// RedactHeaders copies h, masking every credential header.
func RedactHeaders(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for name, values := range h {
		lower := strings.ToLower(name)
		masked := false
		for _, s := range sensitiveHeaders {
			if strings.Contains(lower, s) {
				masked = true
				break
			}
		}
		if masked {
			out[name] = []string{redacted}
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
