package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

var (
	eip712DomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	requestTypeHash = ethcrypto.Keccak256(
		[]byte("LedgerRequest(string method,string path,bytes32 bodyHash,uint256 timestamp)"),
	)
)

const (
	ledgerDomainName    = "SettlementLedger"
	ledgerDomainVersion = "1"
)

// Signer signs ledger requests as EIP-712 typed data with a secp256k1 key.
// The ledger recovers the address from the signature and checks it against
// the account registered for this service.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	domainSep  []byte
}

// NewSigner creates a Signer from a hex private key for the given chain id.
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
		domainSep:  domainSeparator(chainID),
	}, nil
}

// Address returns the address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest returns the 0x-prefixed 65-byte signature of a request.
func (s *Signer) SignRequest(method, path string, body []byte, unixTS int64) (string, error) {
	digest := requestDigest(s.domainSep, method, path, body, unixTS)
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	// go-ethereum yields v in {0,1}; typed-data verifiers expect {27,28}.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverRequest returns the address that produced sig over the request.
func RecoverRequest(chainID int64, method, path string, body []byte, unixTS int64, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil || len(raw) != 65 {
		return common.Address{}, fmt.Errorf("crypto/signer: malformed signature")
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	digest := requestDigest(domainSeparator(chainID), method, path, body, unixTS)
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/signer: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

func domainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		eip712DomainTypeHash,
		ethcrypto.Keccak256([]byte(ledgerDomainName)),
		ethcrypto.Keccak256([]byte(ledgerDomainVersion)),
		common.LeftPadBytes(big.NewInt(chainID).Bytes(), 32),
	)
}

// requestDigest is keccak256("\x19\x01" || domainSeparator || structHash).
func requestDigest(domainSep []byte, method, path string, body []byte, unixTS int64) []byte {
	structHash := ethcrypto.Keccak256(
		requestTypeHash,
		ethcrypto.Keccak256([]byte(method)),
		ethcrypto.Keccak256([]byte(path)),
		ethcrypto.Keccak256(body),
		common.LeftPadBytes(big.NewInt(unixTS).Bytes(), 32),
	)
	return ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
}
