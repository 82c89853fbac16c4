package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/target/mmk-jobqueue/internal/data/cryptoutil"
)

// CreateEncryptor builds the AES-GCM encryptor sealing webhook secrets from a
// hex or base64 key. An empty key falls back to the noop encryptor only in
// development; anywhere else it is an error, as is a key that does not parse.
//
//nolint:ireturn // Returning interface is intentional for encryptor abstraction
func CreateEncryptor(key string, isDev bool, logger *slog.Logger) (cryptoutil.Encryptor, error) {
	if key == "" {
		if !isDev {
			return nil, errors.New("webhook secret key is required outside development")
		}
		if logger != nil {
			logger.Warn("WEBHOOK_SECRET_KEY is empty, webhook secrets are stored unsealed")
		}
		return cryptoutil.NoopEncryptor{}, nil
	}

	raw, err := cryptoutil.ParseKey(key)
	if err != nil {
		return nil, fmt.Errorf("parse webhook secret key: %w", err)
	}
	enc, err := cryptoutil.NewAESGCMEncryptor(raw)
	if err != nil {
		return nil, fmt.Errorf("create encryptor: %w", err)
	}
	return enc, nil
}
