package main

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/austindbirch/relayhook/internal/config"
)

func TestValidator(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pub := string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))

	tests := []struct {
		name    string
		cfg     config.Auth
		wantNil bool
		wantErr bool
	}{
		{name: "disabled", cfg: config.Auth{Enabled: false}, wantNil: true},
		{name: "enabled without key", cfg: config.Auth{Enabled: true}, wantNil: true, wantErr: true},
		{name: "enabled with bad key", cfg: config.Auth{Enabled: true, PublicKeyPEM: "garbage"}, wantNil: true, wantErr: true},
		{name: "enabled with key", cfg: config.Auth{Enabled: true, PublicKeyPEM: pub, Issuer: "relayhook-auth", Audience: "relayhook"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := validator(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validator() error = %v, wantErr %v", err, tt.wantErr)
			}
			if (v == nil) != tt.wantNil {
				t.Errorf("validator() = %v, wantNil %v", v, tt.wantNil)
			}
		})
	}
}
