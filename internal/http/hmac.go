package httpx

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"net"
	"strings"

	"go.uber.org/zap"
)

// HMACAuth verifies that /analyze payloads were signed with a key derived
// from the published public key and the client's IP. The public key is
// derived from HMAC_SECRET unless HMAC_PUBLIC_KEY overrides it.
type HMACAuth struct {
	secret      []byte
	publicKey   []byte
	requireHMAC bool
	logger      *zap.Logger
}

func NewHMACAuth(secret, publicKey string, requireHMAC bool, logger *zap.Logger) *HMACAuth {
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := &HMACAuth{
		secret:      []byte(secret),
		requireHMAC: requireHMAC,
		logger:      logger,
	}

	if publicKey != "" {
		if decoded, err := base64.StdEncoding.DecodeString(publicKey); err == nil {
			auth.publicKey = decoded
		} else {
			logger.Warn("invalid HMAC_PUBLIC_KEY format, using derived key", zap.Error(err))
		}
	}
	if len(auth.publicKey) == 0 && len(auth.secret) > 0 {
		auth.publicKey = derivePublicKey(auth.secret)
	}
	return auth
}

func derivePublicKey(secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte("fingerprintd-public-key-derivation"))
	return mac.Sum(nil)[:16]
}

// GetPublicKeyBase64 returns the base64-encoded public key for client use
func (h *HMACAuth) GetPublicKeyBase64() string {
	if len(h.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(h.publicKey)
}

// ClientKeyDerivation describes how a client computes its signing key from
// the public key served on /hmac/public-key.
const ClientKeyDerivation = `HMAC-SHA256(public_key, "client-key:" + client_ip)`

// Sign returns the hex signature a client at clientIP must send for payload.
func (h *HMACAuth) Sign(payload []byte, clientIP string) string {
	if len(h.publicKey) == 0 {
		return ""
	}
	mac := hmac.New(sha256.New, h.deriveClientKey(clientIP))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// deriveClientKey is HMAC(publicKey, "client-key:" + ip).
func (h *HMACAuth) deriveClientKey(clientIP string) []byte {
	mac := hmac.New(sha256.New, h.publicKey)
	mac.Write([]byte("client-key:" + normalizeIP(clientIP)))
	return mac.Sum(nil)
}

// normalizeIP strips a port and IPv6 brackets.
func normalizeIP(addr string) string {
	if strings.HasPrefix(addr, "[") {
		if idx := strings.LastIndex(addr, "]"); idx > 0 {
			return addr[1:idx]
		}
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// VerifyHMAC checks signature against payload. It always passes when signing
// is not required.
func (h *HMACAuth) VerifyHMAC(signature, clientIP string, payload []byte) bool {
	if !h.requireHMAC {
		return true
	}
	if len(h.publicKey) == 0 {
		h.logger.Warn("HMAC verification failed: no key configured")
		return false
	}
	if signature == "" {
		h.logger.Info("HMAC verification failed: missing signature header", zap.String("ip", clientIP))
		return false
	}

	expected := h.Sign(payload, clientIP)
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		h.logger.Info("HMAC verification failed: signature mismatch", zap.String("ip", clientIP))
		return false
	}
	return true
}
