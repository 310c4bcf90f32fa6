package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// GenerateCode returns 2n uppercase hex characters from a secure
// random source.
func GenerateCode(n int) (string, error) {
	byt := make([]byte, n)
	if _, err := rand.Read(byt); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(byt)), nil
}

// TicketNumber mints a globally unique, human-displayable ticket
// number, e.g. TKT-1756500000-3F9A2C1B.
func TicketNumber() (string, error) {
	code, err := GenerateCode(4)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("TKT-%d-%s", time.Now().Unix(), code), nil
}

// GenerateOTP returns a numeric one-time code of the given length.
func GenerateOTP(length int) (string, error) {
	const charset = "0123456789"

	code := make([]byte, length)
	if _, err := rand.Read(code); err != nil {
		return "", err
	}

	for i := 0; i < length; i++ {
		code[i] = charset[int(code[i])%len(charset)]
	}

	return string(code), nil
}
