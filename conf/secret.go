package conf

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// ResolveJwtKey returns the inline key when set. Otherwise the key is read from
// the configured Secrets Manager secret, which may hold either the raw key or
// a JSON object with a "jwt_key" field.
func (c ServerConf) ResolveJwtKey(ctx context.Context, svc secretsAPI) ([]byte, error) {
	if c.JwtKey != "" {
		return []byte(c.JwtKey), nil
	}
	if c.JwtKeySecretName == "" {
		return nil, errors.New("no jwt key configured")
	}
	if svc == nil {
		return nil, errors.New("secrets manager client is required to resolve jwt key")
	}

	value, err := getSecret(ctx, svc, c.JwtKeySecretName)
	if err != nil {
		return nil, fmt.Errorf("failed to get jwt key from AWS: %w", err)
	}
	if strings.HasPrefix(strings.TrimSpace(value), "{") {
		var secret struct {
			JwtKey string `json:"jwt_key"`
		}
		if err := json.Unmarshal([]byte(value), &secret); err != nil {
			return nil, fmt.Errorf("failed to parse jwt key secret: %w", err)
		}
		value = secret.JwtKey
	}
	if value == "" {
		return nil, errors.New("jwt key secret is empty")
	}
	return []byte(value), nil
}

func getSecret(ctx context.Context, svc secretsAPI, secretName string) (string, error) {
	input := &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretName),
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := svc.GetSecretValue(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(result.SecretString), nil
}
