package binance

import (
	"crypto-exchange-arbitrage/internal/exchange"
	"encoding/hex"
	"net/url"
	"strings"
)

type param struct {
	key   string
	value string
}

// encodeParams keeps insertion order. The signature covers the exact bytes
// that go on the wire, so the order must not change after signing.
func encodeParams(params []param) string {
	var sb strings.Builder
	for i, p := range params {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(p.key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(p.value))
	}
	return sb.String()
}

// Sign returns the lowercase hex HMAC-SHA256 of the query string.
func Sign(secret *exchange.Secret, query string) (string, error) {
	sum, err := secret.HMACSHA256([]byte(query))
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(sum), nil
}

// signedQuery appends signature as the final parameter.
func signedQuery(secret *exchange.Secret, query string) (string, error) {
	signature, err := Sign(secret, query)
	if err != nil {
		return "", err
	}
	return query + "&signature=" + signature, nil
}
