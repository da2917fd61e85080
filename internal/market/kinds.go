package market

// IndexKind identifies the family and payload shape of a cached series.
type IndexKind string

const (
	KindUpbitComposite IndexKind = "upbit_composite"
	KindGlobalCrypto   IndexKind = "global_crypto"
	KindFxRate         IndexKind = "fx_rate"
	KindTopCoins       IndexKind = "top_coins_snapshot"
)

// Valid reports whether k is one of the known kinds.
func (k IndexKind) Valid() bool {
	switch k {
	case KindUpbitComposite, KindGlobalCrypto, KindFxRate, KindTopCoins:
		return true
	}
	return false
}

func (k IndexKind) String() string {
	return string(k)
}

// Composite index series codes.
const (
	CodeUBCI = "ubci"
	CodeUBMI = "ubmi"
	CodeUB10 = "ub10"
	CodeUB30 = "ub30"
)

// UpbitCodes lists the composite index series in display order.
var UpbitCodes = []string{CodeUBCI, CodeUBMI, CodeUB10, CodeUB30}

// CodeUSDKRW is the single FX series tracked by the service.
const CodeUSDKRW = "USD_KRW"

// CodeTopCoins keys the encoded top-coins listing blob.
const CodeTopCoins = "top_coins"

// Global market series codes.
const (
	CodeTotalMarketCap     = "total_market_cap_usd"
	CodeTotalVolume        = "total_volume_usd"
	CodeBTCDominance       = "btc_dominance"
	CodeETHDominance       = "eth_dominance"
	CodeMarketCapChange24h = "market_cap_change_24h"
	CodeVolumeToMarketCap  = "volume_to_market_cap_ratio"
)

// Source tags discriminate which adapter produced a top-coins record.
const (
	SourcePrimary  = "primary"
	SourceFallback = "fallback"
)
