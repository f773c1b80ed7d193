package discovery

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// The structs below mirror only the parts of a node state file needed to find
// position holders. Unknown fields are skipped by the decoder.

type snapshotFile struct {
	Exchange *exchangeState `msgpack:"exchange"`
}

type exchangeState struct {
	PerpDexs []perpDex `msgpack:"perp_dexs"`
}

type perpDex struct {
	Clearinghouse *clearinghouse `msgpack:"clearinghouse"`
}

type clearinghouse struct {
	Meta       *clearinghouseMeta `msgpack:"meta"`
	UserStates *userStates        `msgpack:"user_states"`
	Books      *userTable         `msgpack:"books"`
}

type clearinghouseMeta struct {
	Universe []universeAsset `msgpack:"universe"`
}

type universeAsset struct {
	Name string `msgpack:"name"`
}

type userStates struct {
	UserToState *userTable `msgpack:"user_to_state"`
}

// holding is one non-zero position found for a user. Legacy entries carry an
// asset index that is resolved against the universe after decoding.
type holding struct {
	Coin  string
	Index int
	Size  float64
}

type userEntry struct {
	Address  string
	Holdings []holding
}

// userTable accepts either a map of address to state or a list of
// [address, state] pairs.
type userTable []userEntry

var _ msgpack.CustomDecoder = (*userTable)(nil)

func (t *userTable) DecodeMsgpack(dec *msgpack.Decoder) error {
	code, err := dec.PeekCode()
	if err != nil {
		return err
	}

	switch {
	case code == msgpcode.Nil:
		return dec.DecodeNil()

	case msgpcode.IsFixedMap(code) || code == msgpcode.Map16 || code == msgpcode.Map32:
		n, err := dec.DecodeMapLen()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			addr, err := dec.DecodeString()
			if err != nil {
				return fmt.Errorf("user key %d: %w", i, err)
			}
			var st userState
			if err := dec.Decode(&st); err != nil {
				return fmt.Errorf("user %s: %w", addr, err)
			}
			*t = append(*t, userEntry{Address: addr, Holdings: st.holdings})
		}
		return nil

	case msgpcode.IsFixedArray(code) || code == msgpcode.Array16 || code == msgpcode.Array32:
		n, err := dec.DecodeArrayLen()
		if err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			entry, err := decodePair(dec)
			if err != nil {
				return fmt.Errorf("user entry %d: %w", i, err)
			}
			*t = append(*t, entry)
		}
		return nil
	}

	return fmt.Errorf("unexpected user table code 0x%x", code)
}

func decodePair(dec *msgpack.Decoder) (userEntry, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return userEntry{}, err
	}
	if n < 2 {
		return userEntry{}, fmt.Errorf("pair has %d elements", n)
	}
	addr, err := dec.DecodeString()
	if err != nil {
		return userEntry{}, err
	}
	var st userState
	if err := dec.Decode(&st); err != nil {
		return userEntry{}, fmt.Errorf("user %s: %w", addr, err)
	}
	for i := 2; i < n; i++ {
		if err := dec.Skip(); err != nil {
			return userEntry{}, err
		}
	}
	return userEntry{Address: addr, Holdings: st.holdings}, nil
}

// userState keeps only non-zero holdings from either schema.
type userState struct {
	holdings []holding
}

var _ msgpack.CustomDecoder = (*userState)(nil)

type rawUserState struct {
	AssetPositions []assetPosition  `msgpack:"asset_positions"`
	Legacy         *legacyPositions `msgpack:"p"`
}

type assetPosition struct {
	Position *snapshotPosition `msgpack:"position"`
}

type snapshotPosition struct {
	Coin string      `msgpack:"coin"`
	Szi  interface{} `msgpack:"szi"`
}

type legacyPositions struct {
	P []legacyPosition `msgpack:"p"`
}

// legacyPosition is an [assetIndex, {s|sz}] pair.
type legacyPosition struct {
	Index int
	Size  float64
}

func (s *userState) DecodeMsgpack(dec *msgpack.Decoder) error {
	var raw rawUserState
	if err := dec.Decode(&raw); err != nil {
		return err
	}

	for _, ap := range raw.AssetPositions {
		if ap.Position == nil {
			continue
		}
		size, err := toFloat(ap.Position.Szi)
		if err != nil {
			return fmt.Errorf("%s szi: %w", ap.Position.Coin, err)
		}
		if size != 0 {
			s.holdings = append(s.holdings, holding{Coin: strings.ToUpper(ap.Position.Coin), Index: -1, Size: size})
		}
	}

	if len(raw.AssetPositions) == 0 && raw.Legacy != nil {
		for _, lp := range raw.Legacy.P {
			if lp.Size != 0 {
				s.holdings = append(s.holdings, holding{Index: lp.Index, Size: lp.Size})
			}
		}
	}
	return nil
}

func (p *legacyPosition) DecodeMsgpack(dec *msgpack.Decoder) error {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return err
	}
	if n < 2 {
		return fmt.Errorf("legacy position has %d elements", n)
	}
	if p.Index, err = dec.DecodeInt(); err != nil {
		return fmt.Errorf("asset index: %w", err)
	}

	var body map[string]interface{}
	if err := dec.Decode(&body); err != nil {
		return fmt.Errorf("asset %d: %w", p.Index, err)
	}
	v, ok := body["s"]
	if !ok || v == nil {
		v = body["sz"]
	}
	if p.Size, err = toFloat(v); err != nil {
		return fmt.Errorf("asset %d size: %w", p.Index, err)
	}

	for i := 2; i < n; i++ {
		if err := dec.Skip(); err != nil {
			return err
		}
	}
	return nil
}

var errBadNumber = errors.New("not a number")

// toFloat accepts the numeric encodings seen in snapshots. A missing value is zero.
func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case string:
		if n == "" {
			return 0, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", errBadNumber, n)
		}
		return f, nil
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%w: %T", errBadNumber, v)
}
