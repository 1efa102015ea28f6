package server

import (
	"strings"
	"testing"

	"github.com/authkit-io/oauth-server/internal/testutil"
)

func TestValidateCodeChallenge(t *testing.T) {
	srv, _ := setupFlowTestServer(t, nil)
	_, challenge := testutil.PKCEPair(testVerifierLength)

	tests := []struct {
		name      string
		challenge string
		method    string
		wantErr   bool
	}{
		{"valid S256", challenge, PKCEMethodS256, false},
		{"empty method defaults to S256", challenge, "", false},
		{"no challenge at all", "", "", false},
		{"too short", testutil.GenerateRandomString(42), PKCEMethodS256, true},
		{"too long", testutil.GenerateRandomString(129), PKCEMethodS256, true},
		{"plain rejected by default", testutil.GenerateRandomString(50), PKCEMethodPlain, true},
		{"unknown method", challenge, "S512", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateCodeChallenge(tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCodeChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateCodeChallenge_PlainOptIn(t *testing.T) {
	srv, _ := setupFlowTestServer(t, &Config{
		Issuer:         "https://auth.example.com",
		RequirePKCE:    true,
		AllowPKCEPlain: true,
	})

	verifier := testutil.GenerateRandomString(50)
	if err := srv.validateCodeChallenge(verifier, PKCEMethodPlain); err != nil {
		t.Errorf("plain challenge rejected with AllowPKCEPlain: %v", err)
	}
	if err := srv.validatePKCE(verifier, PKCEMethodPlain, verifier); err != nil {
		t.Errorf("plain verification failed: %v", err)
	}
	if err := srv.validatePKCE(verifier, PKCEMethodPlain, testutil.GenerateRandomString(50)); err == nil {
		t.Error("mismatched plain verifier accepted")
	}
}

func TestValidatePKCE(t *testing.T) {
	srv, _ := setupFlowTestServer(t, nil)
	verifier, challenge := testutil.PKCEPair(testVerifierLength)

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"valid S256", challenge, PKCEMethodS256, verifier, false},
		{"wrong verifier", challenge, PKCEMethodS256, testutil.GenerateRandomString(testVerifierLength), true},
		{"missing verifier", challenge, PKCEMethodS256, "", true},
		{"verifier too short", challenge, PKCEMethodS256, testutil.GenerateRandomString(42), true},
		{"verifier too long", challenge, PKCEMethodS256, testutil.GenerateRandomString(129), true},
		{"invalid verifier characters", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "!", true},
		{"no challenge accepts no verifier", "", "", "", false},
		{"verifier ignored without challenge", "", "", verifier, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
