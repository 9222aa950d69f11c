package mfa

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/keybridge-labs/authd/pkg/types"
)

const (
	backupCodeCount   = 10
	backupCodeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// GenerateBackupCodes creates the plaintext backup codes (XXXX-XXXX over
// [A-Z0-9]) alongside their hashed storage form. The plaintext is shown to
// the user exactly once.
func GenerateBackupCodes() ([]string, types.BackupCodes, error) {
	plaintext := make([]string, 0, backupCodeCount)
	hashed := make(types.BackupCodes, 0, backupCodeCount)

	for i := 0; i < backupCodeCount; i++ {
		code, err := randomBackupCode()
		if err != nil {
			return nil, nil, err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to hash backup code: %w", err)
		}
		plaintext = append(plaintext, code)
		hashed = append(hashed, types.BackupCode{Hash: string(hash)})
	}
	return plaintext, hashed, nil
}

func randomBackupCode() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate backup code: %w", err)
	}
	chars := make([]byte, 8)
	for i, b := range raw {
		chars[i] = backupCodeCharset[int(b)%len(backupCodeCharset)]
	}
	return fmt.Sprintf("%s-%s", chars[:4], chars[4:]), nil
}

// matchBackupCode returns the index of the unused backup code matching the
// presented plaintext, or -1.
func matchBackupCode(codes types.BackupCodes, code string) int {
	for i, entry := range codes {
		if entry.Used {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(entry.Hash), []byte(code)) == nil {
			return i
		}
	}
	return -1
}
