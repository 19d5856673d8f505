package cache

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/cardwatch/backend/internal/frauderr"
)

// OTPStore issues and verifies one-time passwords for card actions. Codes
// are delivered out-of-band; only a bcrypt hash ever reaches the store, and
// a successful verify consumes the code.
type OTPStore struct {
	kv  KV
	ttl time.Duration
}

func NewOTPStore(kv KV, ttl time.Duration) *OTPStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &OTPStore{kv: kv, ttl: ttl}
}

func otpKey(cardID string) string { return "otp:" + cardID }

// Issue generates a fresh 6-digit code for the card and stores its hash,
// replacing any previous code.
func (o *OTPStore) Issue(ctx context.Context, cardID string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64())

	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash otp: %w", err)
	}
	if err := o.kv.Set(ctx, otpKey(cardID), string(hash), o.ttl); err != nil {
		return "", frauderr.Wrap(frauderr.KindStore, "store otp", err)
	}
	return code, nil
}

// Verify checks the code against the stored hash and deletes it on success,
// so each code is usable exactly once.
func (o *OTPStore) Verify(ctx context.Context, cardID, code string) error {
	hash, ok, err := o.kv.Get(ctx, otpKey(cardID))
	if err != nil {
		return frauderr.Wrap(frauderr.KindStore, "load otp", err)
	}
	if !ok {
		return frauderr.New(frauderr.KindOTPInvalid, "no active otp for card")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)); err != nil {
		return frauderr.New(frauderr.KindOTPInvalid, "otp mismatch")
	}
	if err := o.kv.Del(ctx, otpKey(cardID)); err != nil {
		return frauderr.Wrap(frauderr.KindStore, "consume otp", err)
	}
	return nil
}
