package hyperliquid

// ClearinghouseState is the /info response for {"type":"clearinghouseState"}.
// Numeric fields arrive as decimal strings.
type ClearinghouseState struct {
	AssetPositions     []AssetPosition `json:"assetPositions"`
	MarginSummary      MarginSummary   `json:"marginSummary"`
	CrossMarginSummary MarginSummary   `json:"crossMarginSummary"`
	Withdrawable       string          `json:"withdrawable"`
	Time               int64           `json:"time"`
}

// AssetPosition wraps one perp position.
type AssetPosition struct {
	Type     string       `json:"type"`
	Position PerpPosition `json:"position"`
}

// PerpPosition is a single market position. Szi is signed: negative is short.
type PerpPosition struct {
	Coin           string   `json:"coin"`
	Szi            string   `json:"szi"`
	EntryPx        *string  `json:"entryPx"`
	PositionValue  string   `json:"positionValue"`
	UnrealizedPnl  string   `json:"unrealizedPnl"`
	ReturnOnEquity string   `json:"returnOnEquity"`
	LiquidationPx  *string  `json:"liquidationPx"`
	MarginUsed     string   `json:"marginUsed"`
	MaxLeverage    int      `json:"maxLeverage"`
	Leverage       Leverage `json:"leverage"`
}

// Leverage describes the margin mode. RawUsd is only set for isolated positions.
type Leverage struct {
	Type   string  `json:"type"`
	Value  int     `json:"value"`
	RawUsd *string `json:"rawUsd"`
}

// MarginSummary holds account-level totals.
type MarginSummary struct {
	AccountValue    string `json:"accountValue"`
	TotalNtlPos     string `json:"totalNtlPos"`
	TotalRawUsd     string `json:"totalRawUsd"`
	TotalMarginUsed string `json:"totalMarginUsed"`
}
