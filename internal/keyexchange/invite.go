package keyexchange

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
)

var ErrInvalidInvite = errors.New("invalid invite code")

// Code packs the invite into a single base58 token for sharing out of band.
func (i Invite) Code() (string, error) {
	if strings.TrimSpace(i.PublicKey) == "" {
		return "", fmt.Errorf("%w: missing pubkey", ErrInvalidInvite)
	}
	raw, err := json.Marshal(i)
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}

// ParseInviteCode reverses Invite.Code.
func ParseInviteCode(code string) (Invite, error) {
	raw, err := base58.Decode(strings.TrimSpace(code))
	if err != nil {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	var invite Invite
	if err := json.Unmarshal(raw, &invite); err != nil {
		return Invite{}, fmt.Errorf("%w: %v", ErrInvalidInvite, err)
	}
	invite.PublicKey = strings.TrimSpace(invite.PublicKey)
	if invite.PublicKey == "" {
		return Invite{}, fmt.Errorf("%w: missing pubkey", ErrInvalidInvite)
	}
	return invite, nil
}
