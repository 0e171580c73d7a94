// Package money 以整数微单位（10^-6 USDC）精确表示 USDC 金额。
package money

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"

	xerrors "github.com/opspawn/agentos/internal/errors"
)

// Decimals 是 USDC 的小数位数。
const Decimals = 6

const unit = 1_000_000

// Amount 是以微单位计的 USDC 数量。
type Amount int64

// Zero 零金额。
const Zero Amount = 0

// FromMicro 由微单位数构造金额。
func FromMicro(micro int64) Amount { return Amount(micro) }

// FromUSDC 由整数 USDC 构造金额。
func FromUSDC(dollars int64) Amount { return Amount(dollars * unit) }

// Parse 解析 "12"、"0.25"、"3.000001" 这样的十进制字符串，只接受可选的前导符号、
// 数字与一个小数点，小数不超过 6 位。
func Parse(raw string) (Amount, error) {
	s := strings.TrimSpace(raw)
	neg := false
	if s != "" && (s[0] == '-' || s[0] == '+') {
		neg = s[0] == '-'
		s = s[1:]
	}
	whole, frac, _ := strings.Cut(s, ".")
	switch {
	case whole == "" && frac == "":
		return 0, xerrors.Errorf(xerrors.CodeInvalidArgument, "金额格式无效: %q", raw)
	case !digits(whole) || !digits(frac):
		return 0, xerrors.Errorf(xerrors.CodeInvalidArgument, "金额格式无效: %q", raw)
	case len(frac) > Decimals:
		return 0, xerrors.Errorf(xerrors.CodeInvalidArgument, "金额 %q 超过 %d 位小数", raw, Decimals)
	}

	var w, f int64
	var err error
	if whole != "" {
		if w, err = strconv.ParseInt(whole, 10, 64); err != nil {
			return 0, xerrors.Wrap(xerrors.CodeInvalidArgument, err, fmt.Sprintf("金额 %q 溢出", raw))
		}
	}
	if frac != "" {
		// 只含数字且不超过 6 位，不会失败。
		f, _ = strconv.ParseInt(frac+strings.Repeat("0", Decimals-len(frac)), 10, 64)
	}
	if w > (math.MaxInt64-f)/unit {
		return 0, xerrors.Errorf(xerrors.CodeInvalidArgument, "金额 %q 溢出", raw)
	}
	total := w*unit + f
	if neg {
		total = -total
	}
	return Amount(total), nil
}

// digits 判断 s 是否只包含 ASCII 数字，空串视为合法。
func digits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MustParse 解析失败时 panic，用于常量与测试。
func MustParse(raw string) Amount {
	a, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return a
}

// Micro 返回微单位数。
func (a Amount) Micro() int64 { return int64(a) }

// Float 返回以 USDC 计的浮点值，仅用于评分与展示。
func (a Amount) Float() float64 { return float64(a) / unit }

// IsPositive 判断金额是否大于 0。
func (a Amount) IsPositive() bool { return a > 0 }

// String 输出最短的精确十进制形式。
func (a Amount) String() string {
	v := int64(a)
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole, frac := v/unit, v%unit
	if frac == 0 {
		return sign + strconv.FormatInt(whole, 10)
	}
	fs := strings.TrimRight(fmt.Sprintf("%06d", frac), "0")
	return sign + strconv.FormatInt(whole, 10) + "." + fs
}

// BaseUnits 换算为链上代币的最小单位。
func (a Amount) BaseUnits(decimals int) *big.Int {
	v := big.NewInt(int64(a))
	switch {
	case decimals > Decimals:
		v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals-Decimals)), nil))
	case decimals < Decimals:
		v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(Decimals-decimals)), nil))
	}
	return v
}

// MarshalJSON 编码为十进制字符串。
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON 同时接受十进制字符串与 JSON 数字。
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*a = 0
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = s
	}
	parsed, err := Parse(raw)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// UnmarshalYAML 允许配置文件写作 "1.50" 或 1.5。
func (a *Amount) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Min 返回较小的金额。
func Min(a, b Amount) Amount {
	if a < b {
		return a
	}
	return b
}
