package op

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomain_DomainSeparation(t *testing.T) {
	data := []byte("same data")
	a := HashWithDomain(DomainFingerprint, data)
	b := HashWithDomain(DomainIdempotency, data)

	assert.Len(t, a, 64)
	assert.NotEqual(t, a, b, "different domains must not collide")
	assert.Equal(t, a, HashWithDomain(DomainFingerprint, data), "hash must be deterministic")
}

func TestFingerprint_KeyOrderIndependent(t *testing.T) {
	a, err := Fingerprint(KindCreate, "invoice", json.RawMessage(`{"amount":10.5,"vendor":"acme"}`), "intent-1")
	require.NoError(t, err)
	b, err := Fingerprint(KindCreate, "invoice", json.RawMessage(`{ "vendor": "acme", "amount": 10.50 }`), "intent-1")
	require.NoError(t, err)

	assert.Equal(t, a, b)
}

func TestFingerprint_DistinctInputs(t *testing.T) {
	payload := json.RawMessage(`{"vendor":"acme"}`)

	base, err := Fingerprint(KindCreate, "invoice", payload, "intent-1")
	require.NoError(t, err)

	variants := map[string]func() (string, error){
		"intent": func() (string, error) {
			return Fingerprint(KindCreate, "invoice", payload, "intent-2")
		},
		"kind": func() (string, error) {
			return Fingerprint(KindUpdate, "invoice", payload, "intent-1")
		},
		"resource": func() (string, error) {
			return Fingerprint(KindCreate, "afe", payload, "intent-1")
		},
		"payload": func() (string, error) {
			return Fingerprint(KindCreate, "invoice", json.RawMessage(`{"vendor":"other"}`), "intent-1")
		},
	}

	for name, fn := range variants {
		t.Run(name, func(t *testing.T) {
			got, err := fn()
			require.NoError(t, err)
			assert.NotEqual(t, base, got)
		})
	}
}

func TestFingerprint_InvalidPayload(t *testing.T) {
	_, err := Fingerprint(KindCreate, "invoice", json.RawMessage(`{`), "intent-1")
	require.Error(t, err)
}
