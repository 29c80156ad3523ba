// Package outscript classifies and builds the standard output script
// shapes and converts between output scripts and addresses.
package outscript

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/mit-dci/utxocheck/taproot"
)

// Kind is the shape of an output script.
type Kind int

const (
	Unknown Kind = iota
	PayToPubkeyHash
	PayToScriptHash
	WitnessV0KeyHash
	WitnessV0ScriptHash
	WitnessV1Taproot
)

var kindStrings = map[Kind]string{
	Unknown:             "unknown",
	PayToPubkeyHash:     "pubkeyhash",
	PayToScriptHash:     "scripthash",
	WitnessV0KeyHash:    "witness_v0_keyhash",
	WitnessV0ScriptHash: "witness_v0_scripthash",
	WitnessV1Taproot:    "witness_v1_taproot",
}

func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	ErrUnsupportedScriptKind = errors.New("unsupported script kind")
	ErrInvalidEncoding       = errors.New("invalid address encoding")
	ErrNetworkMismatch       = errors.New("address is for a different network")
)

// opcodes used by the templates below.
const (
	op0           = 0x00
	op1           = 0x51
	op16          = 0x60
	opDup         = 0x76
	opEqual       = 0x87
	opEqualVerify = 0x88
	opHash160     = 0xa9
	opCheckSig    = 0xac
	opData20      = 0x14
	opData32      = 0x20
)

// knownNets are consulted to tell a foreign-network address apart from
// garbage.
var knownNets = []*chaincfg.Params{
	&chaincfg.MainNetParams,
	&chaincfg.TestNet3Params,
	&chaincfg.RegressionNetParams,
	&chaincfg.SigNetParams,
}

// Classify returns the kind of script. It never fails.
func Classify(script []byte) Kind {
	switch {
	case len(script) == 25 && script[0] == opDup && script[1] == opHash160 &&
		script[2] == opData20 && script[23] == opEqualVerify &&
		script[24] == opCheckSig:
		return PayToPubkeyHash

	case len(script) == 23 && script[0] == opHash160 &&
		script[1] == opData20 && script[22] == opEqual:
		return PayToScriptHash

	case len(script) == 22 && script[0] == op0 && script[1] == opData20:
		return WitnessV0KeyHash

	case len(script) == 34 && script[0] == op0 && script[1] == opData32:
		return WitnessV0ScriptHash

	case len(script) == 34 && script[0] == op1 && script[1] == opData32:
		return WitnessV1Taproot
	}
	return Unknown
}

// IsWitnessProgram reports whether script is a version byte followed by a
// single 2 to 40 byte push (BIP141).
func IsWitnessProgram(script []byte) bool {
	_, _, ok := ExtractWitnessProgram(script)
	return ok
}

// ExtractWitnessProgram returns the witness version and program.
func ExtractWitnessProgram(script []byte) (int, []byte, bool) {
	if len(script) < 4 || len(script) > 42 {
		return 0, nil, false
	}
	if script[0] != op0 && (script[0] < op1 || script[0] > op16) {
		return 0, nil, false
	}
	if int(script[1])+2 != len(script) {
		return 0, nil, false
	}
	version := 0
	if script[0] != op0 {
		version = int(script[0]-op1) + 1
	}
	return version, script[2:], true
}

// IsPayToScriptHash reports whether script is a P2SH template.
func IsPayToScriptHash(script []byte) bool {
	return Classify(script) == PayToScriptHash
}

// PayToPubKeyHashScript builds OP_DUP OP_HASH160 <hash> OP_EQUALVERIFY OP_CHECKSIG.
func PayToPubKeyHashScript(hash []byte) []byte {
	s := make([]byte, 0, 25)
	s = append(s, opDup, opHash160, opData20)
	s = append(s, hash...)
	return append(s, opEqualVerify, opCheckSig)
}

// PayToScriptHashScript builds OP_HASH160 <hash> OP_EQUAL.
func PayToScriptHashScript(hash []byte) []byte {
	s := make([]byte, 0, 23)
	s = append(s, opHash160, opData20)
	s = append(s, hash...)
	return append(s, opEqual)
}

// WitnessProgramScript builds a witness output of the given version.
func WitnessProgramScript(version int, program []byte) []byte {
	s := make([]byte, 0, 2+len(program))
	if version == 0 {
		s = append(s, op0)
	} else {
		s = append(s, byte(op1+version-1))
	}
	s = append(s, byte(len(program)))
	return append(s, program...)
}

// BuildTaprootOutput returns the witness v1 script paying to the tweaked
// output key of the commitment.
func BuildTaprootOutput(c taproot.Commitment) ([]byte, error) {
	q, err := c.OutputKey()
	if err != nil {
		return nil, err
	}
	return WitnessProgramScript(1, schnorr.SerializePubKey(q)), nil
}

// EncodeAddress derives the address paying to script on net.
func EncodeAddress(script []byte, net *chaincfg.Params) (btcutil.Address, error) {
	switch Classify(script) {
	case PayToPubkeyHash:
		return btcutil.NewAddressPubKeyHash(script[3:23], net)
	case PayToScriptHash:
		return btcutil.NewAddressScriptHashFromHash(script[2:22], net)
	case WitnessV0KeyHash:
		return btcutil.NewAddressWitnessPubKeyHash(script[2:], net)
	case WitnessV0ScriptHash:
		return btcutil.NewAddressWitnessScriptHash(script[2:], net)
	case WitnessV1Taproot:
		return btcutil.NewAddressTaproot(script[2:], net)
	}
	return nil, ErrUnsupportedScriptKind
}

// DecodeAddress parses addr for net and returns the script paying to it.
func DecodeAddress(addr string, net *chaincfg.Params) ([]byte, error) {
	if isBech32(addr) {
		return decodeSegwit(addr, net)
	}
	return decodeBase58(addr, net)
}

func isBech32(addr string) bool {
	one := strings.LastIndexByte(addr, '1')
	if one < 1 {
		return false
	}
	hrp := strings.ToLower(addr[:one])
	for _, p := range knownNets {
		if hrp == p.Bech32HRPSegwit {
			return true
		}
	}
	return false
}

// decodeSegwit checks the whole address before its network, so a damaged
// address is reported as such whatever its prefix.
func decodeSegwit(addr string, net *chaincfg.Params) ([]byte, error) {
	hrp, data, encoding, err := bech32.DecodeGeneric(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(data) < 1 {
		return nil, fmt.Errorf("%w: empty data", ErrInvalidEncoding)
	}
	version := int(data[0])
	if version > 16 {
		return nil, fmt.Errorf("%w: witness version %d",
			ErrInvalidEncoding, version)
	}
	// BIP350: v0 uses bech32, v1+ bech32m.
	if (version == 0) != (encoding == bech32.Version0) {
		return nil, fmt.Errorf("%w: checksum variant for witness v%d",
			ErrInvalidEncoding, version)
	}
	program, err := bech32.ConvertBits(data[1:], 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(program) < 2 || len(program) > 40 {
		return nil, fmt.Errorf("%w: program length %d",
			ErrInvalidEncoding, len(program))
	}
	if version == 0 && len(program) != 20 && len(program) != 32 {
		return nil, fmt.Errorf("%w: v0 program length %d",
			ErrInvalidEncoding, len(program))
	}
	if hrp != net.Bech32HRPSegwit {
		return nil, fmt.Errorf("%w: hrp %q on %s", ErrNetworkMismatch,
			hrp, net.Name)
	}
	return WitnessProgramScript(version, program), nil
}

func decodeBase58(addr string, net *chaincfg.Params) ([]byte, error) {
	payload, netID, err := base58.CheckDecode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEncoding, err)
	}
	if len(payload) != 20 {
		return nil, fmt.Errorf("%w: payload length %d",
			ErrInvalidEncoding, len(payload))
	}

	switch netID {
	case net.PubKeyHashAddrID:
		return PayToPubKeyHashScript(payload), nil
	case net.ScriptHashAddrID:
		return PayToScriptHashScript(payload), nil
	}

	for _, p := range knownNets {
		if netID == p.PubKeyHashAddrID || netID == p.ScriptHashAddrID {
			return nil, fmt.Errorf("%w: version byte %#x on %s",
				ErrNetworkMismatch, netID, net.Name)
		}
	}
	return nil, fmt.Errorf("%w: unknown version byte %#x",
		ErrInvalidEncoding, netID)
}
