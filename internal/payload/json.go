package payload

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/buger/jsonparser"
)

// DecodeSet parses the JSON document format of spec.md §6: a top-level
// object with a `roas` array and optionally `routerKeys`/`bgpsecKeys`
// arrays. Unknown top-level and per-record fields (including `metadata`)
// are ignored. ASN fields accept either a JSON number or a string, with or
// without an `AS` prefix.
func DecodeSet(data []byte) (Set, error) {
	var items []Payload
	var firstErr error

	if v, _, _, err := jsonparser.Get(data, "roas"); err == nil {
		_, aerr := jsonparser.ArrayEach(v, func(value []byte, _ jsonparser.ValueType, _ int, err error) {
			if err != nil || firstErr != nil {
				return
			}
			p, perr := decodeROA(value)
			if perr != nil {
				firstErr = perr
				return
			}
			items = append(items, p)
		})
		if aerr != nil && firstErr == nil {
			firstErr = aerr
		}
	}
	if firstErr != nil {
		return Set{}, firstErr
	}

	for _, key := range [...]string{"routerKeys", "bgpsecKeys"} {
		v, _, _, err := jsonparser.Get(data, key)
		if err != nil {
			continue
		}
		_, aerr := jsonparser.ArrayEach(v, func(value []byte, _ jsonparser.ValueType, _ int, err error) {
			if err != nil || firstErr != nil {
				return
			}
			p, perr := decodeRouterKeyJSON(value)
			if perr != nil {
				firstErr = perr
				return
			}
			items = append(items, p)
		})
		if aerr != nil && firstErr == nil {
			firstErr = aerr
		}
	}
	if firstErr != nil {
		return Set{}, firstErr
	}

	return NewSet(items...), nil
}

func decodeROA(value []byte) (Payload, error) {
	prefixStr, err := jsonparser.GetString(value, "prefix")
	if err != nil {
		return Payload{}, fmt.Errorf("payload: roa missing prefix: %w", err)
	}
	prefix, err := netip.ParsePrefix(prefixStr)
	if err != nil {
		return Payload{}, fmt.Errorf("payload: invalid prefix %q: %w", prefixStr, err)
	}
	maxLength, err := jsonparser.GetInt(value, "maxLength")
	if err != nil {
		return Payload{}, fmt.Errorf("payload: roa missing maxLength: %w", err)
	}
	asn, err := decodeASN(value, "asn")
	if err != nil {
		return Payload{}, err
	}
	return NewRouteOrigin(prefix, uint8(maxLength), asn), nil
}

func decodeRouterKeyJSON(value []byte) (Payload, error) {
	skiStr, err := jsonparser.GetString(value, "ski")
	if err != nil {
		return Payload{}, fmt.Errorf("payload: router key missing ski: %w", err)
	}
	skiBytes, err := base64.StdEncoding.DecodeString(skiStr)
	if err != nil || len(skiBytes) != 20 {
		return Payload{}, fmt.Errorf("payload: invalid ski %q", skiStr)
	}
	var ski [20]byte
	copy(ski[:], skiBytes)

	asn, err := decodeASN(value, "asn")
	if err != nil {
		return Payload{}, err
	}

	spkiStr, _ := jsonparser.GetString(value, "spki")
	spki, err := base64.StdEncoding.DecodeString(spkiStr)
	if err != nil {
		return Payload{}, fmt.Errorf("payload: invalid spki: %w", err)
	}
	return NewRouterKey(ski, asn, spki), nil
}

// decodeASN accepts a JSON number or a string, optionally prefixed with
// "AS" (any case), and returns the numeric ASN.
func decodeASN(value []byte, key string) (uint32, error) {
	v, dt, _, err := jsonparser.Get(value, key)
	if err != nil {
		return 0, fmt.Errorf("payload: missing %s: %w", key, err)
	}
	switch dt {
	case jsonparser.Number:
		n, err := strconv.ParseUint(string(v), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("payload: invalid %s %q: %w", key, v, err)
		}
		return uint32(n), nil
	case jsonparser.String:
		s := string(v)
		if len(s) >= 2 && strings.EqualFold(s[:2], "AS") {
			s = s[2:]
		}
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return 0, fmt.Errorf("payload: invalid %s %q: %w", key, v, err)
		}
		return uint32(n), nil
	default:
		return 0, fmt.Errorf("payload: unsupported %s JSON type", key)
	}
}

type jsonROA struct {
	Prefix    string `json:"prefix"`
	MaxLength uint8  `json:"maxLength"`
	ASN       string `json:"asn"`
}

type jsonRouterKey struct {
	SKI  string `json:"ski"`
	ASN  string `json:"asn"`
	SPKI string `json:"spki"`
}

type jsonDocument struct {
	ROAs       []jsonROA       `json:"roas"`
	RouterKeys []jsonRouterKey `json:"routerKeys,omitempty"`
}

// EncodeSet serializes set in the same JSON document format DecodeSet
// reads. ASNs are always written as a single "AS"-prefixed string (never
// "ASAS...") and maxLength is written exactly once per ROA (spec.md §6, §8
// scenario 6).
func EncodeSet(s Set) ([]byte, error) {
	doc := jsonDocument{ROAs: make([]jsonROA, 0, s.Len())}
	for _, p := range s.Items() {
		switch p.Kind {
		case KindRouteOrigin:
			doc.ROAs = append(doc.ROAs, jsonROA{
				Prefix:    p.RouteOrigin.Prefix.String(),
				MaxLength: p.RouteOrigin.MaxLength,
				ASN:       formatASN(p.RouteOrigin.ASN),
			})
		case KindRouterKey:
			doc.RouterKeys = append(doc.RouterKeys, jsonRouterKey{
				SKI:  base64.StdEncoding.EncodeToString(p.RouterKey.SubjectKeyID[:]),
				ASN:  formatASN(p.RouterKey.ASN),
				SPKI: base64.StdEncoding.EncodeToString(p.RouterKey.SubjectPublicKeyInfo),
			})
		}
	}
	return json.Marshal(doc)
}

func formatASN(asn uint32) string {
	return "AS" + strconv.FormatUint(uint64(asn), 10)
}
