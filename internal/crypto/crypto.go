package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// GenerateDEK generates a 32-byte random Data Encryption Key.
func GenerateDEK() ([]byte, error) {
	dek := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, dek); err != nil {
		return nil, fmt.Errorf("generating DEK: %w", err)
	}
	return dek, nil
}

// DeriveKey derives a 32-byte key from secret using HKDF-SHA256 with the
// given context string. Deterministic: same inputs, same key.
func DeriveKey(secret []byte, context string) ([]byte, error) {
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, secret, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}
	return key, nil
}

// EncryptAESGCM encrypts plaintext with AES-256-GCM. Returns ciphertext and nonce separately.
func EncryptAESGCM(plaintext, key []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err = io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generating nonce: %w", err)
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// DecryptAESGCM decrypts AES-256-GCM ciphertext.
func DecryptAESGCM(ciphertext, nonce, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Seal encrypts data with key and prepends the nonce to the ciphertext,
// producing a single self-contained blob.
func Seal(data, key []byte) ([]byte, error) {
	ciphertext, nonce, err := EncryptAESGCM(data, key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(nonce)+len(ciphertext))
	copy(out, nonce)
	copy(out[len(nonce):], ciphertext)
	return out, nil
}

// Open decrypts a blob produced by Seal.
func Open(sealed, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	nonceSize := gcm.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.New("sealed blob too short")
	}
	plaintext, err := gcm.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// ZeroBytes overwrites b in place. Used to scrub key material after use.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// --- Shamir's Secret Sharing ---

// prime is the field modulus for Shamir's SS: 2^256 - 189, a 256-bit prime
// larger than any 32-byte key.
var prime *big.Int

func init() {
	prime = new(big.Int)
	prime.SetString("115792089237316195423570985008687907853269984665640564039457584007908834671663", 10)
}

// SplitKey splits a 32-byte key into `shares` shares requiring `threshold`
// of them to reconstruct. threshold = 1 degenerates to a constant
// polynomial: every share carries the key and any single share recovers it.
func SplitKey(key []byte, shares, threshold int) ([][]byte, error) {
	if threshold > shares {
		return nil, errors.New("threshold cannot exceed total shares")
	}
	if threshold < 1 {
		return nil, errors.New("threshold must be at least 1")
	}
	// Share x-indices are encoded in one byte.
	if shares > 255 {
		return nil, errors.New("at most 255 shares")
	}
	if len(key) != 32 {
		return nil, errors.New("key must be 32 bytes")
	}

	secret := new(big.Int).SetBytes(key)

	// Polynomial: f(x) = secret + a1*x + ... + a_{t-1}*x^{t-1}
	coeffs := make([]*big.Int, threshold)
	coeffs[0] = secret
	for i := 1; i < threshold; i++ {
		coeff, err := rand.Int(rand.Reader, prime)
		if err != nil {
			return nil, fmt.Errorf("generating coefficient: %w", err)
		}
		coeffs[i] = coeff
	}

	// Evaluate at x = 1, 2, ..., shares
	result := make([][]byte, shares)
	for i := 1; i <= shares; i++ {
		y := evalPolynomial(coeffs, big.NewInt(int64(i)))
		result[i-1] = encodeShare(i, y.Bytes())
	}
	return result, nil
}

// CombineShares reconstructs the key from threshold or more shares.
func CombineShares(shares [][]byte) ([]byte, error) {
	if len(shares) < 1 {
		return nil, errors.New("need at least 1 share")
	}

	points := make([]shamirPoint, len(shares))
	for i, share := range shares {
		x, y, err := decodeShare(share)
		if err != nil {
			return nil, fmt.Errorf("decoding share %d: %w", i, err)
		}
		points[i] = shamirPoint{big.NewInt(int64(x)), y}
	}

	// Lagrange interpolation at x=0
	secret := lagrangeInterpolate(points)
	if secret == nil {
		return nil, errors.New("failed to reconstruct secret")
	}

	// Pad to 32 bytes
	result := make([]byte, 32)
	b := secret.Bytes()
	if len(b) > 32 {
		return nil, errors.New("reconstructed secret too large")
	}
	copy(result[32-len(b):], b)
	return result, nil
}

func evalPolynomial(coeffs []*big.Int, x *big.Int) *big.Int {
	result := new(big.Int).Set(coeffs[0])
	xPow := new(big.Int).Set(x)
	for i := 1; i < len(coeffs); i++ {
		term := new(big.Int).Mul(coeffs[i], xPow)
		term.Mod(term, prime)
		result.Add(result, term)
		result.Mod(result, prime)
		xPow.Mul(xPow, x)
		xPow.Mod(xPow, prime)
	}
	return result
}

type shamirPoint struct{ x, y *big.Int }

func lagrangeInterpolate(points []shamirPoint) *big.Int {
	secret := big.NewInt(0)
	for i, pi := range points {
		num := big.NewInt(1)
		den := big.NewInt(1)
		for j, pj := range points {
			if i == j {
				continue
			}
			neg := new(big.Int).Neg(pj.x)
			num.Mul(num, neg)
			num.Mod(num, prime)
			diff := new(big.Int).Sub(pi.x, pj.x)
			den.Mul(den, diff)
			den.Mod(den, prime)
		}
		inv := new(big.Int).ModInverse(den, prime)
		if inv == nil {
			return nil
		}
		term := new(big.Int).Mul(pi.y, num)
		term.Mod(term, prime)
		term.Mul(term, inv)
		term.Mod(term, prime)
		secret.Add(secret, term)
		secret.Mod(secret, prime)
	}
	return secret
}

// encodeShare encodes a share as: [1 byte x-index][4 byte y-length][y-bytes]
func encodeShare(x int, y []byte) []byte {
	buf := make([]byte, 1+4+len(y))
	buf[0] = byte(x)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(y)))
	copy(buf[5:], y)
	return buf
}

// decodeShare decodes a share encoded by encodeShare.
func decodeShare(share []byte) (int, *big.Int, error) {
	if len(share) < 5 {
		return 0, nil, errors.New("share too short")
	}
	x := int(share[0])
	yLen := binary.BigEndian.Uint32(share[1:5])
	if len(share) < 5+int(yLen) {
		return 0, nil, errors.New("share data truncated")
	}
	y := new(big.Int).SetBytes(share[5 : 5+yLen])
	return x, y, nil
}
