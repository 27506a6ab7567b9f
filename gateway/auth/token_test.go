package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"localmesh/domain"
	"localmesh/interfaces/mock"
	"localmesh/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 2, 19, 12, 0, 0, 0, time.UTC)

func fixedClock() *mock.ClockMock {
	return &mock.ClockMock{NowFunc: func() time.Time { return testNow }}
}

func testPrincipal() domain.Principal {
	return domain.Principal{
		UserID:        "user-42",
		Email:         "jan@example.com",
		FullName:      "Jan Kowalski",
		Roles:         []string{"user", "admin"},
		EmailVerified: true,
	}
}

func TestVerifier_HS256RoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := SignHS256(testPrincipal(), secret, testNow, testNow.Add(time.Hour))
	require.NoError(t, err)

	v := NewHS256Verifier(secret, fixedClock())
	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", p.UserID)
	assert.Equal(t, "jan@example.com", p.Email)
	assert.Equal(t, "Jan Kowalski", p.FullName)
	assert.Equal(t, []string{"user", "admin"}, p.Roles)
	assert.True(t, p.EmailVerified)
}

func TestVerifier_RS256RoundTrip(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	token, err := SignRS256(testPrincipal(), key, testNow, testNow.Add(time.Hour))
	require.NoError(t, err)

	v := NewRS256Verifier(&key.PublicKey, fixedClock())
	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", p.UserID)
}

func TestVerifier_Failures(t *testing.T) {
	secret := []byte("test-secret")
	v := NewHS256Verifier(secret, fixedClock())

	expired, err := SignHS256(testPrincipal(), secret, testNow.Add(-2*time.Hour), testNow.Add(-time.Hour))
	require.NoError(t, err)
	wrongKey, err := SignHS256(testPrincipal(), []byte("other-secret"), testNow, testNow.Add(time.Hour))
	require.NoError(t, err)

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	wrongAlg, err := SignRS256(testPrincipal(), rsaKey, testNow, testNow.Add(time.Hour))
	require.NoError(t, err)

	noIdentity, err := SignHS256(domain.Principal{}, secret, testNow, testNow.Add(time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not.a.token"},
		{name: "empty", token: ""},
		{name: "expired", token: expired},
		{name: "wrong secret", token: wrongKey},
		{name: "wrong algorithm", token: wrongAlg},
		{name: "no user identity", token: noIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.token)
			require.Error(t, err)
			assert.True(t, service.IsAuthError(err), "every verification failure is an auth_error, got %v", err)
		})
	}
}

func TestVerifier_SubjectFallback(t *testing.T) {
	// Tokens from issuers that only set the registered subject claim still
	// carry a usable identity.
	secret := []byte("test-secret")
	token, err := SignHS256(domain.Principal{UserID: "user-7"}, secret, testNow, testNow.Add(time.Hour))
	require.NoError(t, err)

	v := NewHS256Verifier(secret, fixedClock())
	p, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-7", p.UserID)
}
