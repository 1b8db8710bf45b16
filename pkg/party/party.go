// Package party classifies entity identifiers. An identifier is either an IP
// address (optionally with a port), a phone number or something else, and
// each classification carries the indicators that raise its risk.
package party

import (
	"cmp"
	"net/netip"
	"slices"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// Kind is the recognised shape of an identifier.
type Kind string

const (
	KindIP      Kind = "ip"
	KindPhone   Kind = "phone"
	KindUnknown Kind = "unknown"
)

// Indicators attached to a classification.
const (
	IndicatorPrivateIP        = "private_ip"
	IndicatorReservedIP       = "reserved_ip"
	IndicatorInvalid          = "invalid"
	IndicatorUnknownFormat    = "unknown_format"
	IndicatorRepeatedDigits   = "repeated_digits"
	IndicatorPlaceholder      = "placeholder_number"
	IndicatorSuspiciousPrefix = "suspicious_prefix"
	IndicatorPremiumRate      = "premium_rate"
)

// riskPoints is the score each indicator adds; the total is capped at 100.
var riskPoints = map[string]int{
	IndicatorPrivateIP:        10,
	IndicatorReservedIP:       10,
	IndicatorInvalid:          20,
	IndicatorUnknownFormat:    40,
	IndicatorRepeatedDigits:   25,
	IndicatorPlaceholder:      35,
	IndicatorSuspiciousPrefix: 15,
	IndicatorPremiumRate:      15,
}

// suspiciousPrefixes are leading digit runs typical of vanity or test ranges.
var suspiciousPrefixes = []string{"666", "777", "888", "999"}

// Risk bands.
const (
	HighRisk   = 70
	MediumRisk = 30
)

// Phone numbers are accepted with 10 to 15 digits (E.164 maximum).
const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
)

// Classification describes one identifier.
type Classification struct {
	Value string `json:"value"`
	Kind  Kind   `json:"kind"`
	Valid bool   `json:"valid"`

	// IP only.
	Private  bool `json:"private,omitempty"`
	Reserved bool `json:"reserved,omitempty"`

	// Phone only. Region and line type are empty when the number does not
	// match a known numbering plan.
	E164        string `json:"e164,omitempty"`
	CountryCode int    `json:"country_code,omitempty"`
	Region      string `json:"region,omitempty"`
	LineType    string `json:"line_type,omitempty"`

	Indicators []string `json:"indicators"`
	Risk       int      `json:"risk"`
}

// Level returns "high", "medium" or "low" for the risk of c.
func (c Classification) Level() string {
	switch {
	case c.Risk >= HighRisk:
		return "high"
	case c.Risk >= MediumRisk:
		return "medium"
	default:
		return "low"
	}
}

// Classify inspects value. It never fails; unrecognised input is reported
// as KindUnknown.
func Classify(value string) Classification {
	c := Classification{Value: value, Indicators: []string{}}
	v := strings.TrimSpace(value)

	if addr, ok := parseAddr(v); ok {
		classifyIP(&c, addr)
	} else if digits, ok := phoneDigits(v); ok {
		classifyPhone(&c, digits)
	} else {
		c.Kind = KindUnknown
		c.flag(IndicatorUnknownFormat)
		c.flag(IndicatorInvalid)
	}

	for _, ind := range c.Indicators {
		c.Risk += riskPoints[ind]
	}
	c.Risk = min(c.Risk, 100)
	return c
}

func (c *Classification) flag(indicator string) {
	c.Indicators = append(c.Indicators, indicator)
}

func parseAddr(v string) (netip.Addr, bool) {
	if addr, err := netip.ParseAddr(v); err == nil {
		return addr.Unmap(), true
	}
	if ap, err := netip.ParseAddrPort(v); err == nil {
		return ap.Addr().Unmap(), true
	}
	return netip.Addr{}, false
}

func classifyIP(c *Classification, addr netip.Addr) {
	c.Kind = KindIP
	c.Valid = addr.IsValid() && addr.Zone() == ""
	c.Private = addr.IsPrivate()
	c.Reserved = addr.IsLoopback() || addr.IsUnspecified() || addr.IsMulticast() ||
		addr.IsLinkLocalUnicast() || addr == netip.AddrFrom4([4]byte{255, 255, 255, 255})

	if c.Private {
		c.flag(IndicatorPrivateIP)
	}
	if c.Reserved {
		c.flag(IndicatorReservedIP)
	}
	if !c.Valid {
		c.flag(IndicatorInvalid)
	}
}

// phoneDigits strips common separators and returns the digits of v when
// what remains is a plausible international number.
func phoneDigits(v string) (string, bool) {
	v = strings.TrimPrefix(v, "+")
	v = strings.TrimPrefix(v, "00")
	var b strings.Builder
	for _, r := range v {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return "", false
		}
	}
	digits := b.String()
	return digits, len(digits) >= minPhoneDigits && len(digits) <= maxPhoneDigits
}

func classifyPhone(c *Classification, digits string) {
	c.Kind = KindPhone

	if num, err := phonenumbers.Parse("+"+digits, ""); err == nil {
		c.CountryCode = int(num.GetCountryCode())
		if phonenumbers.IsValidNumber(num) {
			c.Valid = true
			c.E164 = phonenumbers.Format(num, phonenumbers.E164)
			c.Region = phonenumbers.GetRegionCodeForNumber(num)
			c.LineType = lineTypes[phonenumbers.GetNumberType(num)]
			if phonenumbers.GetNumberType(num) == phonenumbers.PREMIUM_RATE {
				c.flag(IndicatorPremiumRate)
			}
		}
	}

	if distinctDigits(digits) <= 3 {
		c.flag(IndicatorRepeatedDigits)
	}
	if sequential(digits) {
		c.flag(IndicatorPlaceholder)
	}
	for _, p := range suspiciousPrefixes {
		if strings.HasPrefix(digits, p) {
			c.flag(IndicatorSuspiciousPrefix)
			break
		}
	}
	if !c.Valid {
		c.flag(IndicatorInvalid)
	}
}

var lineTypes = map[phonenumbers.PhoneNumberType]string{
	phonenumbers.FIXED_LINE:           "fixed_line",
	phonenumbers.MOBILE:               "mobile",
	phonenumbers.FIXED_LINE_OR_MOBILE: "fixed_line_or_mobile",
	phonenumbers.TOLL_FREE:            "toll_free",
	phonenumbers.PREMIUM_RATE:         "premium_rate",
	phonenumbers.SHARED_COST:          "shared_cost",
	phonenumbers.VOIP:                 "voip",
	phonenumbers.PERSONAL_NUMBER:      "personal_number",
	phonenumbers.PAGER:                "pager",
	phonenumbers.UAN:                  "uan",
	phonenumbers.VOICEMAIL:            "voicemail",
}

func distinctDigits(digits string) int {
	var seen [10]bool
	n := 0
	for _, r := range digits {
		if d := r - '0'; !seen[d] {
			seen[d] = true
			n++
		}
	}
	return n
}

// sequential reports whether digits is one run of a single digit or steps
// by one (mod 10) in a single direction, e.g. 0000000000, 1234567890 or
// 9876543210.
func sequential(digits string) bool {
	for _, step := range []int{0, 1, 9} {
		ok := true
		for i := 1; i < len(digits); i++ {
			if int(digits[i]-'0') != (int(digits[i-1]-'0')+step)%10 {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Summary aggregates the classifications of a set of identifiers.
type Summary struct {
	Total   int            `json:"total"`
	IPs     int            `json:"ips"`
	Phones  int            `json:"phones"`
	Unknown int            `json:"unknown"`
	High    int            `json:"high_risk"`
	Medium  int            `json:"medium_risk"`
	Low     int            `json:"low_risk"`
	Regions map[string]int `json:"regions"`
	// Riskiest lists up to limit entries with at least medium risk, highest
	// risk first, ties by value.
	Riskiest []Classification `json:"riskiest"`
}

// Summarize classifies each of values. limit <= 0 leaves Riskiest empty.
func Summarize(values []string, limit int) Summary {
	s := Summary{Regions: make(map[string]int), Riskiest: []Classification{}}
	var risky []Classification
	for _, v := range values {
		c := Classify(v)
		s.Total++
		switch c.Kind {
		case KindIP:
			s.IPs++
		case KindPhone:
			s.Phones++
		default:
			s.Unknown++
		}
		switch c.Level() {
		case "high":
			s.High++
		case "medium":
			s.Medium++
		default:
			s.Low++
		}
		if c.Region != "" {
			s.Regions[c.Region]++
		}
		if c.Risk >= MediumRisk {
			risky = append(risky, c)
		}
	}

	slices.SortFunc(risky, func(a, b Classification) int {
		return cmp.Or(cmp.Compare(b.Risk, a.Risk), strings.Compare(a.Value, b.Value))
	})
	if limit > 0 {
		s.Riskiest = append(s.Riskiest, risky[:min(len(risky), limit)]...)
	}
	return s
}
