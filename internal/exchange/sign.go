package exchange

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// orderWire is one order as it appears inside an order action. Field order
// matters: the action hash covers the msgpack encoding in exactly this
// sequence.
type orderWire struct {
	Asset      int
	IsBuy      bool
	Price      string
	Size       string
	ReduceOnly bool
	TIF        string
	Cloid      string // 0x-prefixed 16-byte hex, empty to omit
}

// cancelWire is one cancel-by-cloid entry.
type cancelWire struct {
	Asset int
	Cloid string
}

// rsvSignature is the signature shape the /exchange endpoint expects.
type rsvSignature struct {
	R string `json:"r"`
	S string `json:"s"`
	V uint8  `json:"v"`
}

// Signer produces the EIP-712 signatures the exchange requires on every
// action. The exchange verifies a "phantom agent": keccak of the
// msgpack-encoded action plus nonce is wrapped in an Agent typed-data
// message and signed with the wallet key. Nonces are wall-clock
// milliseconds, forced strictly increasing under the lock.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	source     string // "a" mainnet, "b" testnet

	nonceMu   sync.Mutex
	lastNonce uint64
}

// NewSigner parses the wallet key and fixes the agent source for the venue.
func NewSigner(privateKeyHex string, testnet bool) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}

	source := "a"
	if testnet {
		source = "b"
	}

	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		source:     source,
	}, nil
}

// Address returns the signer's wallet address.
func (s *Signer) Address() common.Address {
	return s.address
}

// NextNonce returns a strictly increasing millisecond nonce.
func (s *Signer) NextNonce() uint64 {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	nonce := uint64(time.Now().UnixMilli())
	if nonce <= s.lastNonce {
		nonce = s.lastNonce + 1
	}
	s.lastNonce = nonce
	return nonce
}

// SignOrderAction signs a batch order action and returns the wire signature.
func (s *Signer) SignOrderAction(orders []orderWire, nonce uint64) (*rsvSignature, error) {
	return s.signAction(packOrderAction(orders), nonce)
}

// SignCancelAction signs a cancel-by-cloid action.
func (s *Signer) SignCancelAction(cancels []cancelWire, nonce uint64) (*rsvSignature, error) {
	return s.signAction(packCancelAction(cancels), nonce)
}

// packOrderAction encodes {"type":"order","orders":[...],"grouping":"na"}.
func packOrderAction(orders []orderWire) []byte {
	w := &msgpackWriter{}
	w.writeMapHeader(3)
	w.writeString("type")
	w.writeString("order")
	w.writeString("orders")
	w.writeArrayHeader(len(orders))
	for _, o := range orders {
		fields := 6
		if o.Cloid != "" {
			fields = 7
		}
		w.writeMapHeader(fields)
		w.writeString("a")
		w.writeUint(uint64(o.Asset))
		w.writeString("b")
		w.writeBool(o.IsBuy)
		w.writeString("p")
		w.writeString(o.Price)
		w.writeString("s")
		w.writeString(o.Size)
		w.writeString("r")
		w.writeBool(o.ReduceOnly)
		w.writeString("t")
		w.writeMapHeader(1)
		w.writeString("limit")
		w.writeMapHeader(1)
		w.writeString("tif")
		w.writeString(o.TIF)
		if o.Cloid != "" {
			w.writeString("c")
			w.writeString(o.Cloid)
		}
	}
	w.writeString("grouping")
	w.writeString("na")
	return w.bytes()
}

// packCancelAction encodes {"type":"cancelByCloid","cancels":[...]}.
func packCancelAction(cancels []cancelWire) []byte {
	w := &msgpackWriter{}
	w.writeMapHeader(2)
	w.writeString("type")
	w.writeString("cancelByCloid")
	w.writeString("cancels")
	w.writeArrayHeader(len(cancels))
	for _, c := range cancels {
		w.writeMapHeader(2)
		w.writeString("asset")
		w.writeUint(uint64(c.Asset))
		w.writeString("cloid")
		w.writeString(c.Cloid)
	}
	return w.bytes()
}

// connectionID hashes the packed action with the nonce and the no-vault
// marker byte. This is the bytes32 the Agent message commits to.
func connectionID(packedAction []byte, nonce uint64) common.Hash {
	data := make([]byte, 0, len(packedAction)+9)
	data = append(data, packedAction...)
	var nonceBytes [8]byte
	for i := 0; i < 8; i++ {
		nonceBytes[7-i] = byte(nonce >> (8 * i))
	}
	data = append(data, nonceBytes[:]...)
	data = append(data, 0x00)
	return crypto.Keccak256Hash(data)
}

// signAction signs the phantom Agent typed-data message for a packed action.
func (s *Signer) signAction(packedAction []byte, nonce uint64) (*rsvSignature, error) {
	connID := connectionID(packedAction, nonce)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Agent": {
				{Name: "source", Type: "string"},
				{Name: "connectionId", Type: "bytes32"},
			},
		},
		PrimaryType: "Agent",
		Domain: apitypes.TypedDataDomain{
			Name:              "Exchange",
			Version:           "1",
			ChainId:           (*ethmath.HexOrDecimal256)(big.NewInt(1337)),
			VerifyingContract: "0x0000000000000000000000000000000000000000",
		},
		Message: apitypes.TypedDataMessage{
			"source":       s.source,
			"connectionId": connID.Bytes(),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return nil, fmt.Errorf("typed data hash: %w", err)
	}

	sig, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}

	return &rsvSignature{
		R: hexutil.Encode(sig[:32]),
		S: hexutil.Encode(sig[32:64]),
		V: sig[64],
	}, nil
}
