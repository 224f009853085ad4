package config

import (
	"context"
	"encoding/json/v2"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

func TestSecretRef_RoundTrip(t *testing.T) {
	input := `{"aws_secret_arn":"arn:aws:secretsmanager:us-east-1:123456789:secret:my-secret","key":"password"}`

	var s SecretRef
	if err := json.Unmarshal([]byte(input), &s); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	got, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	if string(got) != input {
		t.Errorf("round-trip mismatch:\n  input:  %s\n  output: %s", input, string(got))
	}
}

func TestSecretRef_Validate(t *testing.T) {
	tests := []struct {
		name    string
		ref     SecretRef
		wantErr bool
	}{
		{"insecure value", SecretRef{InsecureValue: "hunter2"}, false},
		{"env var", SecretRef{EnvVar: "PGFAN_TEST_SECRET"}, false},
		{"arn with key", SecretRef{AwsSecretArn: "arn:aws:...", Key: "password"}, false},
		{"arn without key", SecretRef{AwsSecretArn: "arn:aws:..."}, true},
		{"no source", SecretRef{}, true},
		{"two sources", SecretRef{InsecureValue: "x", EnvVar: "Y"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ref.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSecretCache_GetEnvVar(t *testing.T) {
	t.Setenv("PGFAN_TEST_SECRET", "swordfish")

	sc := NewSecretCache(nil)
	got, err := sc.Get(context.Background(), SecretRef{EnvVar: "PGFAN_TEST_SECRET"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "swordfish" {
		t.Errorf("Get() = %q, want %q", got, "swordfish")
	}

	_, err = sc.Get(context.Background(), SecretRef{EnvVar: "PGFAN_TEST_SECRET_MISSING"})
	if err == nil {
		t.Error("expected error for unset environment variable")
	}
}

type fakeSecretsManager struct {
	secrets map[string]string
	calls   int
}

func (f *fakeSecretsManager) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	val, ok := f.secrets[*params.SecretId]
	if !ok {
		return nil, fmt.Errorf("secret %s not found", *params.SecretId)
	}
	return &secretsmanager.GetSecretValueOutput{SecretString: &val}, nil
}

func TestSecretCache_GetAwsSecret(t *testing.T) {
	client := &fakeSecretsManager{secrets: map[string]string{
		"arn:shard0": `{"username":"app","password":"s3cret"}`,
	}}
	sc := NewSecretCache(client)

	ref := SecretRef{AwsSecretArn: "arn:shard0", Key: "password"}
	got, err := sc.Get(context.Background(), ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got != "s3cret" {
		t.Errorf("Get() = %q, want %q", got, "s3cret")
	}

	// Second lookup of the same ARN must hit the cache.
	if _, err := sc.Get(context.Background(), SecretRef{AwsSecretArn: "arn:shard0", Key: "username"}); err != nil {
		t.Fatalf("cached Get failed: %v", err)
	}
	if client.calls != 1 {
		t.Errorf("expected 1 AWS call, got %d", client.calls)
	}

	if _, err := sc.Get(context.Background(), SecretRef{AwsSecretArn: "arn:shard0", Key: "missing"}); err == nil {
		t.Error("expected error for missing key")
	}
}
