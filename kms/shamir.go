package kms

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

// The finite field for secret sharing is GF(p) with p the 1024-bit safe
// prime from RFC 2409 (Oakley group 2). Already-issued paper and hardware
// shares encode field elements as 256 lowercase hex digits, so the field
// size and the share encoding must never change without a migration path.
const primeHex = "ffffffffffffffffc90fdaa22168c234c4c6628b80dc1cd129024e088a67cc74" +
	"020bbea63b139b22514a08798e3404ddef9519b3cd3a431b302b0a6df25f1437" +
	"4fe1356d6d51c245e485b576625e7ec6f44c42e9a637ed6b0bff5cb6f406b7ed" +
	"ee386bfb5a899fa5ae9f24117c4b1fe649286651ece65381ffffffffffffffff"

// shareHexDigits is the fixed width of the y coordinate in a share string:
// 256 hex digits = 1024 bits, matching the field prime's bit length.
const shareHexDigits = 256

var prime, _ = new(big.Int).SetString(primeHex, 16)

// SplitSecret splits a secret into total shares such that any threshold of
// them reconstruct it. The secret must be non-empty and, interpreted as a
// big-endian integer, smaller than the field prime (always true for 64-byte
// custodian components).
//
// A fresh random polynomial is sampled on every call, so splitting the same
// secret twice produces different share sets that both reconstruct to it.
//
// Share encoding is bit-exact "{80||i}-{i}-{y as 256 lowercase hex digits}",
// e.g. "801-1-0a1b...".
func SplitSecret(secret []byte, threshold, total int) ([]string, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("%w: threshold must be at least 2", interfaces.ErrInvalidParameter)
	}
	if threshold > total {
		return nil, fmt.Errorf("%w: threshold %d exceeds total shares %d", interfaces.ErrInvalidParameter, threshold, total)
	}
	if total > 255 {
		return nil, fmt.Errorf("%w: at most 255 shares", interfaces.ErrInvalidParameter)
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", interfaces.ErrInvalidParameter)
	}

	secretInt := new(big.Int).SetBytes(secret)
	if secretInt.Cmp(prime) >= 0 {
		return nil, fmt.Errorf("%w: secret does not fit the field", interfaces.ErrInvalidParameter)
	}

	// Random polynomial of degree threshold-1 with the secret as the
	// constant term. Coefficients are drawn uniformly from [0, prime) with
	// a cryptographically secure RNG.
	coefficients := make([]*big.Int, threshold)
	coefficients[0] = secretInt
	for i := 1; i < threshold; i++ {
		c, err := rand.Int(rand.Reader, prime)
		if err != nil {
			return nil, fmt.Errorf("failed to sample polynomial coefficient: %w", err)
		}
		coefficients[i] = c
	}

	shares := make([]string, 0, total)
	for x := 1; x <= total; x++ {
		y := evaluatePolynomial(coefficients, int64(x))
		shares = append(shares, fmt.Sprintf("80%d-%d-%0*x", x, x, shareHexDigits, y))
	}

	return shares, nil
}

// ReconstructSecret recombines shares into the original 64-byte secret via
// Lagrange interpolation at x = 0. It needs at least two shares and fails
// with a parse error on malformed input.
//
// Fewer than the issuing threshold of shares yields an incorrect result with
// no error signaled; that is fundamental to Shamir's scheme, and callers must
// know the expected threshold out-of-band. A reconstruction that does not fit
// 64 bytes is reported as an error, which is the loud signal for wrong or
// insufficient shares in practice.
func ReconstructSecret(shares []string) ([]byte, error) {
	if len(shares) < 2 {
		return nil, fmt.Errorf("%w: at least 2 shares required", interfaces.ErrInvalidParameter)
	}

	xs := make([]*big.Int, 0, len(shares))
	ys := make([]*big.Int, 0, len(shares))
	seen := make(map[int64]bool, len(shares))
	for _, share := range shares {
		x, y, err := parseShare(share)
		if err != nil {
			return nil, err
		}
		if seen[x] {
			return nil, fmt.Errorf("%w: duplicate share index %d", interfaces.ErrInvalidParameter, x)
		}
		seen[x] = true
		xs = append(xs, big.NewInt(x))
		ys = append(ys, y)
	}

	// Lagrange interpolation at x = 0 over GF(prime).
	secretInt := new(big.Int)
	for i := range xs {
		numerator := big.NewInt(1)
		denominator := big.NewInt(1)
		for j := range xs {
			if j == i {
				continue
			}
			numerator.Mul(numerator, new(big.Int).Neg(xs[j]))
			numerator.Mod(numerator, prime)
			diff := new(big.Int).Sub(xs[i], xs[j])
			denominator.Mul(denominator, diff)
			denominator.Mod(denominator, prime)
		}

		term := new(big.Int).Mul(ys[i], numerator)
		term.Mul(term, new(big.Int).ModInverse(denominator, prime))
		secretInt.Add(secretInt, term)
		secretInt.Mod(secretInt, prime)
	}

	if secretInt.BitLen() > interfaces.PlatformKeyLen*8 {
		return nil, fmt.Errorf("%w: reconstruction does not fit %d bytes, shares are wrong or insufficient",
			interfaces.ErrInvalidParameter, interfaces.PlatformKeyLen)
	}

	// Re-encode as exactly 64 bytes, big-endian, zero-padded.
	secret := make([]byte, interfaces.PlatformKeyLen)
	secretInt.FillBytes(secret)
	return secret, nil
}

// parseShare decodes one "{80||x}-{x}-{yhex}" share string.
func parseShare(share string) (int64, *big.Int, error) {
	parts := strings.SplitN(share, "-", 3)
	if len(parts) != 3 {
		return 0, nil, fmt.Errorf("%w: malformed share, expected id-x-y", interfaces.ErrInvalidParameter)
	}

	x, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || x < 1 {
		return 0, nil, fmt.Errorf("%w: malformed share x coordinate %q", interfaces.ErrInvalidParameter, parts[1])
	}
	if parts[0] != "80"+parts[1] {
		return 0, nil, fmt.Errorf("%w: share id %q does not match x coordinate %d", interfaces.ErrInvalidParameter, parts[0], x)
	}
	if len(parts[2]) != shareHexDigits {
		return 0, nil, fmt.Errorf("%w: share y coordinate must be %d hex digits", interfaces.ErrInvalidParameter, shareHexDigits)
	}

	y, ok := new(big.Int).SetString(parts[2], 16)
	if !ok {
		return 0, nil, fmt.Errorf("%w: share y coordinate is not valid hex", interfaces.ErrInvalidParameter)
	}

	return x, y, nil
}

// evaluatePolynomial computes the polynomial at x via Horner's method mod the
// field prime.
func evaluatePolynomial(coefficients []*big.Int, x int64) *big.Int {
	xInt := big.NewInt(x)
	result := new(big.Int)
	for i := len(coefficients) - 1; i >= 0; i-- {
		result.Mul(result, xInt)
		result.Add(result, coefficients[i])
		result.Mod(result, prime)
	}
	return result
}
