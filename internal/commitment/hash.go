package commitment

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/boxmeout/settlement/internal/domain"
)

// Hash returns the commitment to outcome under salt:
// keccak256(outcomeByte || salt) as 0x-prefixed lowercase hex. Clients
// compute it before committing and keep salt secret until reveal.
func Hash(outcome domain.Outcome, salt string) string {
	return crypto.Keccak256Hash([]byte{byte(outcome)}, []byte(salt)).Hex()
}

// normalizeHash validates a client-supplied 32-byte hex hash and returns
// its canonical form.
func normalizeHash(h string) (string, error) {
	b, err := hexutil.Decode(strings.ToLower(strings.TrimSpace(h)))
	if err != nil || len(b) != 32 {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidCommitment, h)
	}
	return hexutil.Encode(b), nil
}
