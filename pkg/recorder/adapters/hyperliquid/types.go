package hyperliquid

import (
	"encoding/json"
	"fmt"
)

// InfoRequest is the shared envelope for info endpoint requests.
type InfoRequest struct {
	Type string      `json:"type"`
	Req  interface{} `json:"req,omitempty"`
}

// CandleSnapshotRequest carries parameters for the candleSnapshot request.
type CandleSnapshotRequest struct {
	Coin      string `json:"coin"`
	Interval  string `json:"interval"`
	StartTime int64  `json:"startTime"`
	EndTime   int64  `json:"endTime"`
}

// Candle is one row of a candleSnapshot response.
type Candle struct {
	T      int64  `json:"t"` // open time (ms)
	TClose int64  `json:"T"` // close time (ms)
	S      string `json:"s"`
	I      string `json:"i"`
	O      string `json:"o"`
	C      string `json:"c"`
	H      string `json:"h"`
	L      string `json:"l"`
	V      string `json:"v"`
	N      int64  `json:"n"` // trade count
}

// MetaAndAssetCtxsResponse contains the universe and per-asset contexts.
type MetaAndAssetCtxsResponse struct {
	Universe  []UniverseEntry
	AssetCtxs []AssetCtx
}

// UniverseEntry enumerates tradable assets.
type UniverseEntry struct {
	Name        string  `json:"name"`
	SzDecimals  int     `json:"szDecimals"`
	MaxLeverage float64 `json:"maxLeverage"`
	IsDelisted  bool    `json:"isDelisted"`
}

// AssetCtx holds the per-asset market context; only the fields used for discovery are kept.
type AssetCtx struct {
	DayNtlVlm string `json:"dayNtlVlm"`
	MarkPx    string `json:"markPx"`
}

// UnmarshalJSON accepts both the documented object form and the live two-element array.
func (m *MetaAndAssetCtxsResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch len(raw) {
	case 0:
		return fmt.Errorf("unexpected metaAndAssetCtxs payload: empty array")
	case 1:
		var meta struct {
			Universe  []UniverseEntry `json:"universe"`
			AssetCtxs []AssetCtx      `json:"assetCtxs"`
		}
		if err := json.Unmarshal(raw[0], &meta); err != nil {
			return err
		}
		m.Universe, m.AssetCtxs = meta.Universe, meta.AssetCtxs
	default:
		var meta struct {
			Universe []UniverseEntry `json:"universe"`
		}
		if err := json.Unmarshal(raw[0], &meta); err != nil {
			return err
		}
		var assetCtxs []AssetCtx
		if err := json.Unmarshal(raw[1], &assetCtxs); err != nil {
			return err
		}
		m.Universe, m.AssetCtxs = meta.Universe, assetCtxs
	}
	return nil
}
