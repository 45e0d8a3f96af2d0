package service

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/bcrypt"
)

// TOTPConfig tunes second-factor verification.
type TOTPConfig struct {
	Issuer          string
	Skew            uint
	BackupCodeCount int
	BcryptCost      int
}

// TOTPService implements the second-factor credential verifier: TOTP codes
// with a small validation window plus single-use backup codes. Passkey
// assertions are validated by an external WebAuthn library and reach this
// core only as a verified flag with identifying data.
type TOTPService struct {
	config TOTPConfig
}

// NewTOTPService constructs a TOTPService instance.
func NewTOTPService(config TOTPConfig) *TOTPService {
	if config.Skew == 0 {
		config.Skew = 1
	}
	if config.BackupCodeCount <= 0 {
		config.BackupCodeCount = 10
	}
	if config.BcryptCost <= 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	return &TOTPService{config: config}
}

// GenerateSecret provisions a new TOTP secret and its otpauth URI for the
// given account name.
func (s *TOTPService) GenerateSecret(accountName string) (secret, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.config.Issuer,
		AccountName: accountName,
		Period:      30,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", "", fmt.Errorf("generate totp secret: %w", err)
	}
	return key.Secret(), key.URL(), nil
}

// VerifyCode checks a TOTP code against the secret, allowing the
// configured number of time steps before and after now.
func (s *TOTPService) VerifyCode(secret, code string) bool {
	ok, err := totp.ValidateCustom(code, secret, time.Now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      s.config.Skew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

// GenerateBackupCodes returns plaintext recovery codes in XXXX-XXXX-XXXX
// form. They are shown once; only their hashes are stored.
func (s *TOTPService) GenerateBackupCodes() ([]string, error) {
	codes := make([]string, 0, s.config.BackupCodeCount)
	for i := 0; i < s.config.BackupCodeCount; i++ {
		buf := make([]byte, 6)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate backup code: %w", err)
		}
		raw := strings.ToUpper(hex.EncodeToString(buf))
		codes = append(codes, fmt.Sprintf("%s-%s-%s", raw[0:4], raw[4:8], raw[8:12]))
	}
	return codes, nil
}

// HashBackupCodes hashes each code individually for storage.
func (s *TOTPService) HashBackupCodes(codes []string) ([]string, error) {
	hashed := make([]string, 0, len(codes))
	for _, code := range codes {
		h, err := bcrypt.GenerateFromPassword([]byte(code), s.config.BcryptCost)
		if err != nil {
			return nil, fmt.Errorf("hash backup code: %w", err)
		}
		hashed = append(hashed, string(h))
	}
	return hashed, nil
}

// VerifyBackupCode returns the index of the matching hash, or -1. The
// matched code is consumed by the caller; this only finds it.
func (s *TOTPService) VerifyBackupCode(code string, hashedCodes []string) int {
	for i, hashed := range hashedCodes {
		if bcrypt.CompareHashAndPassword([]byte(hashed), []byte(code)) == nil {
			return i
		}
	}
	return -1
}
