package x402

import "time"

// ProtocolVersion is the x402 protocol version this facilitator speaks.
const ProtocolVersion = 1

// Payment schemes.
const (
	SchemeTransparent = "transparent"
	SchemeShielded    = "shielded"
)

// Networks.
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// AmountToleranceZat is the permitted shortfall, in zatoshis, between the
// authorized amount and the required amount. Wallets that round the displayed
// ZEC value can land one zatoshi short of the exact requirement.
const AmountToleranceZat = 1

// TimestampMaxAge is the default anti-replay freshness window for
// authorization timestamps.
const TimestampMaxAge = time.Hour

// DefaultChallengeTTL is the validity window of an issued challenge when the
// caller does not override it.
const DefaultChallengeTTL = time.Hour

// MaxChallengeTTL caps caller-supplied challenge TTLs.
const MaxChallengeTTL = 24 * time.Hour

// NonceBytes is the size of the random challenge nonce (128 bits).
const NonceBytes = 16

// Base58Check version prefixes for Zcash transparent addresses.
var (
	mainnetP2PKHPrefix = [2]byte{0x1C, 0xB8} // t1
	mainnetP2SHPrefix  = [2]byte{0x1C, 0xBD} // t3
	testnetP2PKHPrefix = [2]byte{0x1D, 0x25} // tm
	testnetP2SHPrefix  = [2]byte{0x1C, 0xBA} // t2
)

// Sapling shielded address human-readable prefixes.
const (
	mainnetSaplingPrefix = "zs"
	testnetSaplingPrefix = "ztestsapling"
)

// Shielded address length band. Cryptographic validity is the node's concern.
const (
	shieldedMinLen = 50
	shieldedMaxLen = 100
)
