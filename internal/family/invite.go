package family

import (
	"context"
	"crypto/rand"
	"fmt"
	"regexp"

	"github.com/dukerupert/famtask/internal/apperr"
	"github.com/dukerupert/famtask/internal/store"
)

const (
	inviteCodeLength   = 6
	inviteCodeAttempts = 10
)

// inviteAlphabet leaves out 0, O, 1 and I. Its length divides 256 so a
// byte maps onto it without bias.
const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var inviteCodePattern = regexp.MustCompile(`^[A-Za-z0-9]{6}$`)

// ValidInviteCode reports whether code has the shape of an invite code.
func ValidInviteCode(code string) bool {
	return inviteCodePattern.MatchString(code)
}

func generateInviteCode() (string, error) {
	buf := make([]byte, inviteCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		buf[i] = inviteAlphabet[int(b)%len(inviteAlphabet)]
	}
	return string(buf), nil
}

// uniqueInviteCode samples codes until one is unused. Each candidate costs
// one read.
func (s *Service) uniqueInviteCode(ctx context.Context, families *store.FamilyStore) (string, error) {
	for range inviteCodeAttempts {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		exists, err := families.InviteCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", apperr.Transient(fmt.Errorf("no free invite code after %d attempts", inviteCodeAttempts))
}
