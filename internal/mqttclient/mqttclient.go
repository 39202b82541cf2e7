// Package mqttclient connects to the ground station's MQTT broker with a
// device JWT as the password.
package mqttclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/tiiuae/missioncontroller/internal/config"
)

const (
	username       = "unused" // ignored by the broker, auth is the JWT
	tokenLifetime  = 24 * time.Hour
	connectTimeout = 5 * time.Second
)

// ClientID is the device path the broker expects.
func ClientID(cfg config.MQTTConfig, deviceID string) string {
	return fmt.Sprintf("projects/%s/locations/%s/registries/%s/devices/%s",
		cfg.ProjectID, cfg.Region, cfg.Registry, deviceID)
}

// NewJWT signs a token for projectID with a PEM private key. algorithm is
// RS256 or ES256.
func NewJWT(keyData []byte, algorithm, projectID string, now time.Time) (string, error) {
	var key interface{}
	var err error
	switch algorithm {
	case "RS256":
		key, err = jwt.ParseRSAPrivateKeyFromPEM(keyData)
	case "ES256":
		key, err = jwt.ParseECPrivateKeyFromPEM(keyData)
	default:
		return "", errors.Errorf("unknown algorithm: %s", algorithm)
	}
	if err != nil {
		return "", errors.Wrap(err, "parse private key")
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(algorithm), &jwt.StandardClaims{
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(tokenLifetime).Unix(),
		Audience:  projectID,
	})
	return token.SignedString(key)
}

// Options builds the client options for deviceID.
func Options(cfg config.MQTTConfig, deviceID string, keyData []byte) (*mqtt.ClientOptions, error) {
	pass, err := NewJWT(keyData, cfg.Algorithm, cfg.ProjectID, time.Now())
	if err != nil {
		return nil, err
	}
	return mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(ClientID(cfg, deviceID)).
		SetUsername(username).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12}).
		SetPassword(pass).
		SetAutoReconnect(true).
		SetProtocolVersion(4), nil // MQTT 3.1.1
}

// Connect keeps trying to connect until it succeeds or ctx is cancelled.
func Connect(ctx context.Context, cfg config.MQTTConfig, deviceID string) (mqtt.Client, error) {
	logger := log.WithFields(log.Fields{"component": "mqtt", "broker": cfg.Broker})
	keyData, err := os.ReadFile(cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "read mqtt private key")
	}
	opts, err := Options(cfg, deviceID, keyData)
	if err != nil {
		return nil, err
	}
	logger.Infof("Client ID: %s", opts.ClientID)

	client := mqtt.NewClient(opts)
	for {
		logger.Info("Connecting MQTT...")
		tok := client.Connect()
		if tok.WaitTimeout(connectTimeout) && tok.Error() == nil {
			logger.Info("..Connected")
			return client, nil
		}
		if err := tok.Error(); err != nil {
			logger.Warnf("Connection failed: %v", err)
		} else {
			logger.Warn("Connection timeout")
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectTimeout):
		}
	}
}
