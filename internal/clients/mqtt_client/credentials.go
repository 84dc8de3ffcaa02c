package mqtt_client

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"keyfob_alarm/internal/config"

	"github.com/golang-jwt/jwt/v5"
)

const tlsMinVersion = tls.VersionTLS12

// credentials returns the username and password sent in CONNECT.
func credentials(b config.Broker, now time.Time) (string, string, error) {
	switch b.Auth {
	case config.AuthJWT:
		token, err := generateToken(b, now)
		if err != nil {
			return "", "", err
		}
		return token, "", nil
	default:
		return b.Username, b.AppKey, nil
	}
}

// generateToken signs an HS256 token with the app key; the broker reads it
// from the username field.
func generateToken(b config.Broker, now time.Time) (string, error) {
	claims := jwt.MapClaims{
		"app":  b.Username,
		"type": "Relay",
		"iat":  now.Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signedToken, err := token.SignedString([]byte(b.AppKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// tlsConfig returns nil for plain TCP brokers.
func tlsConfig(b config.Broker) (*tls.Config, error) {
	if !b.Secure {
		return nil, nil
	}

	cfg := &tls.Config{
		MinVersion: tlsMinVersion,
		ServerName: b.Host,
	}

	if b.CACert != "" {
		pem, err := os.ReadFile(b.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", b.CACert)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
