package kms

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

func randomSecret(t *testing.T) []byte {
	t.Helper()
	secret := make([]byte, interfaces.PlatformKeyLen)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	return secret
}

func TestSplitSecretRoundTrip(t *testing.T) {
	cases := []struct {
		threshold int
		total     int
	}{
		{2, 2},
		{2, 3},
		{3, 5},
		{5, 7},
		{7, 7},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_of_%d", tc.threshold, tc.total), func(t *testing.T) {
			secret := randomSecret(t)

			shares, err := SplitSecret(secret, tc.threshold, tc.total)
			require.NoError(t, err)
			require.Len(t, shares, tc.total)

			// Exactly the threshold, from both ends of the share list.
			got, err := ReconstructSecret(shares[:tc.threshold])
			require.NoError(t, err)
			assert.Equal(t, secret, got)

			got, err = ReconstructSecret(shares[tc.total-tc.threshold:])
			require.NoError(t, err)
			assert.Equal(t, secret, got)

			// More than the threshold also works.
			got, err = ReconstructSecret(shares)
			require.NoError(t, err)
			assert.Equal(t, secret, got)
		})
	}
}

func TestReconstructFromEveryCombination(t *testing.T) {
	const threshold, total = 3, 5
	secret := randomSecret(t)

	shares, err := SplitSecret(secret, threshold, total)
	require.NoError(t, err)

	for i := 0; i < total; i++ {
		for j := i + 1; j < total; j++ {
			for k := j + 1; k < total; k++ {
				subset := []string{shares[i], shares[j], shares[k]}
				got, err := ReconstructSecret(subset)
				require.NoError(t, err, "combination %d,%d,%d", i, j, k)
				assert.Equal(t, secret, got, "combination %d,%d,%d", i, j, k)
			}
		}
	}
}

func TestShareFormat(t *testing.T) {
	shares, err := SplitSecret(randomSecret(t), 3, 5)
	require.NoError(t, err)

	sharePattern := regexp.MustCompile(`^80([0-9]+)-([0-9]+)-([0-9a-f]{256})$`)
	for i, share := range shares {
		m := sharePattern.FindStringSubmatch(share)
		require.NotNil(t, m, "share %d does not match the format: %s", i, share[:16])
		assert.Equal(t, fmt.Sprintf("%d", i+1), m[1])
		assert.Equal(t, m[1], m[2])
	}
}

func TestSplitSecretUsesFreshPolynomial(t *testing.T) {
	secret := randomSecret(t)

	first, err := SplitSecret(secret, 3, 5)
	require.NoError(t, err)
	second, err := SplitSecret(secret, 3, 5)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)

	// Both independent share sets still reconstruct the same secret.
	got, err := ReconstructSecret(second[:3])
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestReconstructBelowThresholdFailsLoudly(t *testing.T) {
	secret := randomSecret(t)

	shares, err := SplitSecret(secret, 3, 5)
	require.NoError(t, err)

	// Two of three required shares interpolate to a near-uniform field
	// element far wider than 64 bytes, which is reported as an error rather
	// than returned as a wrong secret.
	got, err := ReconstructSecret(shares[:2])
	if err == nil {
		assert.NotEqual(t, secret, got)
	} else {
		assert.ErrorIs(t, err, interfaces.ErrInvalidParameter)
	}
}

func TestSplitSecretValidation(t *testing.T) {
	secret := randomSecret(t)

	cases := []struct {
		name      string
		secret    []byte
		threshold int
		total     int
	}{
		{"threshold below two", secret, 1, 5},
		{"threshold above total", secret, 6, 5},
		{"too many shares", secret, 3, 256},
		{"empty secret", nil, 2, 3},
		{"secret wider than the field", bytes.Repeat([]byte{0xff}, 128), 2, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := SplitSecret(tc.secret, tc.threshold, tc.total)
			assert.ErrorIs(t, err, interfaces.ErrInvalidParameter)
		})
	}
}

func TestReconstructSecretValidation(t *testing.T) {
	shares, err := SplitSecret(randomSecret(t), 2, 3)
	require.NoError(t, err)

	cases := []struct {
		name   string
		shares []string
	}{
		{"no shares", nil},
		{"single share", shares[:1]},
		{"malformed share", []string{shares[0], "not-a-share"}},
		{"id does not match x", []string{shares[0], "805-2-" + shares[1][6:]}},
		{"wrong y width", []string{shares[0], "802-2-abcdef"}},
		{"y not hex", []string{shares[0], "802-2-" + "zz" + shares[1][8:]}},
		{"duplicate index", []string{shares[0], shares[0]}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ReconstructSecret(tc.shares)
			assert.ErrorIs(t, err, interfaces.ErrInvalidParameter)
		})
	}
}
