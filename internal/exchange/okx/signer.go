package okx

import (
	"crypto-exchange-arbitrage/internal/exchange"
	"encoding/base64"
	"time"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Sign returns the base64 HMAC-SHA256 of timestamp+method+requestPath+body,
// where requestPath includes the query string for GET requests.
func Sign(secret *exchange.Secret, timestamp, method, requestPath, body string) (string, error) {
	sum, err := secret.HMACSHA256([]byte(timestamp + method + requestPath + body))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
