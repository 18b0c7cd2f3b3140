package fieldsync

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Sealed credentials file parameters. The file layout is a 4-byte magic,
// a version byte, the PBKDF2 salt, the GCM nonce, then the ciphertext.
const (
	sealKeySize    = 32
	sealNonceSize  = 12
	sealSaltSize   = 32
	sealIterations = 100000
	sealVersion    = 1
)

var sealMagic = [4]byte{'F', 'S', 'E', 'C'}

// SealCredentials encrypts a service-account key file with a passphrase.
// Gateways sit in greenhouses and sheds, so the key material on disk is
// kept useless without the passphrase the daemon receives at start.
func SealCredentials(plaintext []byte, passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase must not be empty")
	}

	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	nonce := make([]byte, sealNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	key := pbkdf2.Key([]byte(passphrase), salt, sealIterations, sealKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(sealMagic)+1+sealSaltSize+sealNonceSize+len(sealed))
	out = append(out, sealMagic[:]...)
	out = append(out, sealVersion)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// IsSealed reports whether data carries the sealed-credentials header.
func IsSealed(data []byte) bool {
	return len(data) >= len(sealMagic) && bytes.Equal(data[:len(sealMagic)], sealMagic[:])
}

// OpenCredentials decrypts a sealed credentials file. A wrong passphrase
// and a tampered file are indistinguishable; both return ErrBadPassphrase.
func OpenCredentials(sealed []byte, passphrase string) ([]byte, error) {
	headerSize := len(sealMagic) + 1 + sealSaltSize + sealNonceSize
	if !IsSealed(sealed) {
		return nil, errors.New("not a sealed credentials file")
	}
	if len(sealed) <= headerSize {
		return nil, errors.New("sealed credentials file is truncated")
	}
	if version := sealed[len(sealMagic)]; version != sealVersion {
		return nil, fmt.Errorf("unsupported sealed credentials version %d", version)
	}

	salt := sealed[len(sealMagic)+1 : len(sealMagic)+1+sealSaltSize]
	nonce := sealed[len(sealMagic)+1+sealSaltSize : headerSize]

	key := pbkdf2.Key([]byte(passphrase), salt, sealIterations, sealKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, sealed[headerSize:], nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	return plaintext, nil
}

// ServiceAccount is the subset of a service-account key file that the
// token exchange needs.
type ServiceAccount struct {
	Type         string `json:"type"`
	ClientEmail  string `json:"client_email"`
	PrivateKey   string `json:"private_key"`
	PrivateKeyID string `json:"private_key_id"`
	TokenURI     string `json:"token_uri"`
}

const defaultTokenURI = "https://oauth2.googleapis.com/token"

// LoadServiceAccount reads a service-account key file from disk, unsealing
// it first when it carries the sealed header. Plaintext key files still
// load, so sealing stays an operator's choice.
func LoadServiceAccount(path, passphrase string) (*ServiceAccount, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials: %w", err)
	}

	if IsSealed(data) {
		if passphrase == "" {
			return nil, ErrSealedCredentials
		}
		if data, err = OpenCredentials(data, passphrase); err != nil {
			return nil, err
		}
	}

	var account ServiceAccount
	if err := json.Unmarshal(data, &account); err != nil {
		return nil, fmt.Errorf("invalid credentials file: %w", err)
	}
	if account.ClientEmail == "" || account.PrivateKey == "" {
		return nil, errors.New("credentials file is missing client_email or private_key")
	}
	if account.TokenURI == "" {
		account.TokenURI = defaultTokenURI
	}
	return &account, nil
}

// TokenSource mints bearer tokens for authority requests.
//
// This interface allows the authority client to be tested without a real
// token endpoint.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticTokenSource returns a fixed token on every call. Useful in tests
// and against authorities secured with a pre-shared key.
type StaticTokenSource string

// Token implements TokenSource.
func (s StaticTokenSource) Token(context.Context) (string, error) {
	return string(s), nil
}

const jwtBearerGrant = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// IdentityTokenSource exchanges a signed service-account assertion for an
// identity token bound to a single audience, the way Google's IAM expects
// for authenticated Cloud Function calls. Tokens are cached until shortly
// before expiry.
type IdentityTokenSource struct {
	account  *ServiceAccount
	audience string
	key      *rsa.PrivateKey
	client   *http.Client
	now      func() time.Time

	mu     sync.Mutex
	token  string
	expiry time.Time
}

var _ TokenSource = (*IdentityTokenSource)(nil)

// NewIdentityTokenSource builds a token source for the given audience,
// usually the authority's own URL.
func NewIdentityTokenSource(account *ServiceAccount, audience string) (*IdentityTokenSource, error) {
	key, err := parsePrivateKey([]byte(account.PrivateKey))
	if err != nil {
		return nil, err
	}
	return &IdentityTokenSource{
		account:  account,
		audience: audience,
		key:      key,
		client:   &http.Client{Timeout: 30 * time.Second},
		now:      time.Now,
	}, nil
}

// Token returns a cached identity token, exchanging a fresh assertion when
// the cached one is within five minutes of expiring.
func (t *IdentityTokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.token != "" && t.now().Before(t.expiry.Add(-5*time.Minute)) {
		return t.token, nil
	}

	assertion, err := t.signAssertion()
	if err != nil {
		return "", err
	}

	form := url.Values{
		"grant_type": {jwtBearerGrant},
		"assertion":  {assertion},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.account.TokenURI, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token exchange failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token exchange failed: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("invalid token response: %w", err)
	}
	if payload.IDToken == "" {
		return "", errors.New("token exchange returned no id_token")
	}

	t.token = payload.IDToken
	t.expiry = t.now().Add(time.Hour)
	return t.token, nil
}

// signAssertion builds the RS256-signed JWT the token endpoint trades for
// an identity token. The target audience rides in a private claim.
func (t *IdentityTokenSource) signAssertion() (string, error) {
	now := t.now()

	header := map[string]any{"alg": "RS256", "typ": "JWT"}
	if t.account.PrivateKeyID != "" {
		header["kid"] = t.account.PrivateKeyID
	}
	claims := map[string]any{
		"iss":             t.account.ClientEmail,
		"sub":             t.account.ClientEmail,
		"aud":             t.account.TokenURI,
		"iat":             now.Unix(),
		"exp":             now.Add(time.Hour).Unix(),
		"target_audience": t.audience,
	}

	headerSeg, err := encodeSegment(header)
	if err != nil {
		return "", err
	}
	claimsSeg, err := encodeSegment(claims)
	if err != nil {
		return "", err
	}

	signingInput := headerSeg + "." + claimsSeg
	digest := sha256.Sum256([]byte(signingInput))
	signature, err := rsa.SignPKCS1v15(rand.Reader, t.key, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signingInput + "." + base64.RawURLEncoding.EncodeToString(signature), nil
}

func encodeSegment(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// parsePrivateKey accepts the PKCS#8 encoding service-account key files
// use today and the older PKCS#1 form.
func parsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("private_key is not PEM encoded")
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("private_key is not an RSA key")
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private_key: %w", err)
	}
	return key, nil
}
