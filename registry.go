package ssolink

import (
	"context"
	"errors"
)

// ErrUnknownBroker is returned by a registry when the broker id was never
// registered or has been revoked.
var ErrUnknownBroker = errors.New("ssolink: unknown broker")

// Brokers resolves a broker id to its shared secret. Secrets are issued
// out-of-band and never travel over the wire; they only feed the digest
// derivations.
type Brokers interface {
	Secret(ctx context.Context, brokerID string) (string, error)
}

// StaticBrokers is a fixed broker registry backed by a map from broker id
// to secret. Suitable for configuration-file deployments and tests.
type StaticBrokers map[string]string

// Secret implements Brokers.
func (b StaticBrokers) Secret(_ context.Context, brokerID string) (string, error) {
	secret, ok := b[brokerID]
	if !ok {
		return "", ErrUnknownBroker
	}
	return secret, nil
}
