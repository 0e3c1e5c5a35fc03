package activitypub

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// Signature verification failure modes. Handlers map these to 401.
var (
	ErrMissingSignature    = errors.New("missing signature header")
	ErrIncompleteSignature = errors.New("signature does not cover required headers")
	ErrClockSkew           = errors.New("date header outside tolerance")
	ErrDigestMismatch      = errors.New("digest does not match body")
	ErrBadSignature        = errors.New("signature verification failed")
	ErrSigning             = errors.New("request signing failed")
)

// maxClockSkew bounds how far an inbound request's Date header may drift
// from local time before the request is rejected.
const maxClockSkew = 12 * time.Hour

type RsaKeyPair struct {
	Private string
	Public  string
}

// GenerateKeypair creates the RSA keypair for a new local actor. The
// public key is PKIX-encoded, which is what remote servers expect in the
// actor document.
func GenerateKeypair() (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: pubBytes,
	})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// SignRequest signs an outgoing HTTP request with the given private key.
// body may be nil for GET requests. The Date header is set if absent.
// keyId format: "https://example.com/users/alice#main-key"
func SignRequest(req *http.Request, body []byte, privateKey *rsa.PrivateKey, keyId string) error {
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if req.Header.Get("Host") == "" {
		req.Header.Set("Host", req.URL.Host)
	}

	headers := []string{httpsig.RequestTarget, "host", "date"}
	if body != nil {
		headers = append(headers, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSigning, err)
	}

	if err := signer.SignRequest(privateKey, keyId, req, body); err != nil {
		return fmt.Errorf("%w: %v", ErrSigning, err)
	}
	return nil
}

// KeyResolver maps a signature keyId to a public key, fetching the owning
// actor if needed.
type KeyResolver func(keyId string) (*rsa.PublicKey, error)

// VerifyRequest verifies the HTTP signature on an incoming request:
// signature header present, Date within tolerance, Digest matching the
// body, and a valid RSA-SHA256 signature under the resolved key.
// Returns the actor URI derived from the keyId.
func VerifyRequest(req *http.Request, body []byte, resolveKey KeyResolver) (string, error) {
	if req.Header.Get("Signature") == "" {
		return "", ErrMissingSignature
	}

	if err := checkCoverage(req, body); err != nil {
		return "", err
	}
	if err := checkDate(req); err != nil {
		return "", err
	}
	if err := checkDigest(req, body); err != nil {
		return "", err
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingSignature, err)
	}

	keyId := verifier.KeyId()
	pubKey, err := resolveKey(keyId)
	if err != nil {
		return "", fmt.Errorf("failed to resolve key %s: %w", keyId, err)
	}

	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	// keyId is usually "https://example.com/users/alice#main-key";
	// the actor URI is the part before the fragment.
	return strings.Split(keyId, "#")[0], nil
}

// checkCoverage enforces what the signature must bind: the request line,
// host and date, plus the digest when a body is present. A valid signature
// over fewer headers leaves the body or target unauthenticated and is
// rejected.
func checkCoverage(req *http.Request, body []byte) error {
	covered := make(map[string]bool)
	for _, part := range strings.Split(req.Header.Get("Signature"), ",") {
		part = strings.TrimSpace(part)
		if !strings.HasPrefix(part, "headers=") {
			continue
		}
		list := strings.Trim(strings.TrimPrefix(part, "headers="), `"`)
		for _, h := range strings.Fields(list) {
			covered[strings.ToLower(h)] = true
		}
	}

	required := []string{httpsig.RequestTarget, "host", "date"}
	if body != nil {
		required = append(required, "digest")
	}
	for _, h := range required {
		if !covered[h] {
			return fmt.Errorf("%w: %s", ErrIncompleteSignature, h)
		}
	}
	return nil
}

func checkDate(req *http.Request) error {
	dateHeader := req.Header.Get("Date")
	if dateHeader == "" {
		return nil
	}
	sent, err := http.ParseTime(dateHeader)
	if err != nil {
		return fmt.Errorf("%w: unparseable date %q", ErrClockSkew, dateHeader)
	}
	drift := time.Since(sent)
	if drift < 0 {
		drift = -drift
	}
	if drift > maxClockSkew {
		return ErrClockSkew
	}
	return nil
}

func checkDigest(req *http.Request, body []byte) error {
	digestHeader := req.Header.Get("Digest")
	if digestHeader == "" || body == nil {
		return nil
	}
	hash := sha256.Sum256(body)
	want := "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
	if !strings.EqualFold(digestHeader, want) {
		return ErrDigestMismatch
	}
	return nil
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return privateKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey. Both PKIX and
// PKCS1 encodings appear in the wild.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	if pubKey, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPubKey, ok := pubKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("not an RSA public key")
		}
		return rsaPubKey, nil
	}

	rsaPubKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return rsaPubKey, nil
}
