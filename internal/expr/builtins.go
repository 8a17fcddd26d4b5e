package expr

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// BUILT-IN FUNCTION LIBRARY
// Fixed whitelist: string, date, collection and crypto helpers only. No
// filesystem, network or host access is reachable from expressions.
// =============================================================================

type builtinFunc func(args []Value) (Value, error)

var builtins = map[string]builtinFunc{
	// string
	"upper":      fnUpper,
	"lower":      fnLower,
	"trim":       fnTrim,
	"length":     fnLength,
	"split":      fnSplit,
	"join":       fnJoin,
	"replace":    fnReplace,
	"contains":   fnContains,
	"startsWith": fnStartsWith,
	"endsWith":   fnEndsWith,
	"substring":  fnSubstring,
	"indexOf":    fnIndexOf,
	"toString":   fnToString,
	"toNumber":   fnToNumber,
	"encodeURL":  fnEncodeURL,

	// date
	"now":        fnNow,
	"timestamp":  fnTimestamp,
	"parseDate":  fnParseDate,
	"formatDate": fnFormatDate,
	"addSeconds": makeDateAdd(time.Second),
	"addMinutes": makeDateAdd(time.Minute),
	"addHours":   makeDateAdd(time.Hour),
	"addDays":    makeDateAdd(24 * time.Hour),

	// collection
	"first":    fnFirst,
	"last":     fnLast,
	"keys":     fnKeys,
	"values":   fnValues,
	"merge":    fnMerge,
	"flatten":  fnFlatten,
	"distinct": fnDistinct,
	"get":      fnGet,
	"pick":     fnPick,
	"omit":     fnOmit,
	"if":       fnIf,
	"ifempty":  fnIfEmpty,
	"switch":   fnSwitch,

	// crypto / encoding
	"md5":          makeDigest(func() hash.Hash { return md5.New() }),
	"sha1":         makeDigest(func() hash.Hash { return sha1.New() }),
	"sha256":       makeDigest(func() hash.Hash { return sha256.New() }),
	"hmacSha256":   fnHmacSHA256,
	"base64":       fnBase64,
	"base64decode": fnBase64Decode,
	"base64url":    fnBase64URL,
	"uuid":         fnUUID,
}

func needArgs(name string, args []Value, min, max int) error {
	if len(args) < min || (max >= 0 && len(args) > max) {
		if min == max {
			return fmt.Errorf("%s expects %d argument(s), got %d", name, min, len(args))
		}
		return fmt.Errorf("%s expects %d..%d arguments, got %d", name, min, max, len(args))
	}
	return nil
}

// --- string ---

func fnUpper(args []Value) (Value, error) {
	if err := needArgs("upper", args, 1, 1); err != nil {
		return Null, err
	}
	return String(strings.ToUpper(args[0].Text())), nil
}

func fnLower(args []Value) (Value, error) {
	if err := needArgs("lower", args, 1, 1); err != nil {
		return Null, err
	}
	return String(strings.ToLower(args[0].Text())), nil
}

func fnTrim(args []Value) (Value, error) {
	if err := needArgs("trim", args, 1, 1); err != nil {
		return Null, err
	}
	return String(strings.TrimSpace(args[0].Text())), nil
}

func fnLength(args []Value) (Value, error) {
	if err := needArgs("length", args, 1, 1); err != nil {
		return Null, err
	}
	switch args[0].Kind() {
	case KindList:
		return Number(float64(len(args[0].Items()))), nil
	case KindMap:
		return Number(float64(len(args[0].Fields()))), nil
	default:
		return Number(float64(len(args[0].Text()))), nil
	}
}

func fnSplit(args []Value) (Value, error) {
	if err := needArgs("split", args, 2, 2); err != nil {
		return Null, err
	}
	parts := strings.Split(args[0].Text(), args[1].Text())
	items := make([]Value, len(parts))
	for i, p := range parts {
		items[i] = String(p)
	}
	return List(items), nil
}

func fnJoin(args []Value) (Value, error) {
	if err := needArgs("join", args, 2, 2); err != nil {
		return Null, err
	}
	if args[0].Kind() != KindList {
		return Null, fmt.Errorf("join expects a list, got %s", args[0].Kind())
	}
	parts := make([]string, len(args[0].Items()))
	for i, item := range args[0].Items() {
		parts[i] = item.Text()
	}
	return String(strings.Join(parts, args[1].Text())), nil
}

func fnReplace(args []Value) (Value, error) {
	if err := needArgs("replace", args, 3, 3); err != nil {
		return Null, err
	}
	return String(strings.ReplaceAll(args[0].Text(), args[1].Text(), args[2].Text())), nil
}

func fnContains(args []Value) (Value, error) {
	if err := needArgs("contains", args, 2, 2); err != nil {
		return Null, err
	}
	if args[0].Kind() == KindList {
		for _, item := range args[0].Items() {
			if item.Equal(args[1]) {
				return Boolean(true), nil
			}
		}
		return Boolean(false), nil
	}
	return Boolean(strings.Contains(args[0].Text(), args[1].Text())), nil
}

func fnStartsWith(args []Value) (Value, error) {
	if err := needArgs("startsWith", args, 2, 2); err != nil {
		return Null, err
	}
	return Boolean(strings.HasPrefix(args[0].Text(), args[1].Text())), nil
}

func fnEndsWith(args []Value) (Value, error) {
	if err := needArgs("endsWith", args, 2, 2); err != nil {
		return Null, err
	}
	return Boolean(strings.HasSuffix(args[0].Text(), args[1].Text())), nil
}

func fnSubstring(args []Value) (Value, error) {
	if err := needArgs("substring", args, 2, 3); err != nil {
		return Null, err
	}
	s := args[0].Text()
	start, ok := args[1].AsNumber()
	if !ok {
		return Null, fmt.Errorf("substring start must be a number")
	}
	end := float64(len(s))
	if len(args) == 3 {
		e, ok := args[2].AsNumber()
		if !ok {
			return Null, fmt.Errorf("substring end must be a number")
		}
		end = e
	}
	lo, hi := clampRange(int(start), int(end), len(s))
	return String(s[lo:hi]), nil
}

func fnIndexOf(args []Value) (Value, error) {
	if err := needArgs("indexOf", args, 2, 2); err != nil {
		return Null, err
	}
	if args[0].Kind() == KindList {
		for i, item := range args[0].Items() {
			if item.Equal(args[1]) {
				return Number(float64(i)), nil
			}
		}
		return Number(-1), nil
	}
	return Number(float64(strings.Index(args[0].Text(), args[1].Text()))), nil
}

func fnToString(args []Value) (Value, error) {
	if err := needArgs("toString", args, 1, 1); err != nil {
		return Null, err
	}
	return String(args[0].Text()), nil
}

func fnToNumber(args []Value) (Value, error) {
	if err := needArgs("toNumber", args, 1, 1); err != nil {
		return Null, err
	}
	n, ok := args[0].AsNumber()
	if !ok {
		return Null, fmt.Errorf("cannot convert %s to number", args[0].Kind())
	}
	return Number(n), nil
}

func fnEncodeURL(args []Value) (Value, error) {
	if err := needArgs("encodeURL", args, 1, 1); err != nil {
		return Null, err
	}
	return String(url.QueryEscape(args[0].Text())), nil
}

// --- date ---
// Dates travel through expressions as unix milliseconds, the same numeric
// representation trigger state uses for its ordering timestamp.

func fnNow(args []Value) (Value, error) {
	return Number(float64(time.Now().UnixMilli())), nil
}

func fnTimestamp(args []Value) (Value, error) {
	return Number(float64(time.Now().Unix())), nil
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123,
}

func fnParseDate(args []Value) (Value, error) {
	if err := needArgs("parseDate", args, 1, 2); err != nil {
		return Null, err
	}
	if n, ok := args[0].AsNumber(); ok && args[0].Kind() == KindNumber {
		return Number(n), nil
	}
	s := args[0].Text()
	layouts := dateLayouts
	if len(args) == 2 {
		layouts = []string{args[1].Text()}
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return Number(float64(t.UnixMilli())), nil
		}
	}
	return Null, fmt.Errorf("cannot parse date %q", s)
}

func fnFormatDate(args []Value) (Value, error) {
	if err := needArgs("formatDate", args, 2, 2); err != nil {
		return Null, err
	}
	ms, ok := args[0].AsNumber()
	if !ok {
		return Null, fmt.Errorf("formatDate expects a timestamp")
	}
	return String(time.UnixMilli(int64(ms)).UTC().Format(args[1].Text())), nil
}

func makeDateAdd(unit time.Duration) builtinFunc {
	return func(args []Value) (Value, error) {
		if err := needArgs("date add", args, 2, 2); err != nil {
			return Null, err
		}
		ms, okA := args[0].AsNumber()
		n, okB := args[1].AsNumber()
		if !okA || !okB {
			return Null, fmt.Errorf("date add expects numbers")
		}
		return Number(ms + n*float64(unit.Milliseconds())), nil
	}
}

// --- collection ---

func fnFirst(args []Value) (Value, error) {
	if err := needArgs("first", args, 1, 1); err != nil {
		return Null, err
	}
	items := args[0].Items()
	if len(items) == 0 {
		return Null, nil
	}
	return items[0], nil
}

func fnLast(args []Value) (Value, error) {
	if err := needArgs("last", args, 1, 1); err != nil {
		return Null, err
	}
	items := args[0].Items()
	if len(items) == 0 {
		return Null, nil
	}
	return items[len(items)-1], nil
}

func fnKeys(args []Value) (Value, error) {
	if err := needArgs("keys", args, 1, 1); err != nil {
		return Null, err
	}
	keys := args[0].SortedKeys()
	items := make([]Value, len(keys))
	for i, k := range keys {
		items[i] = String(k)
	}
	return List(items), nil
}

func fnValues(args []Value) (Value, error) {
	if err := needArgs("values", args, 1, 1); err != nil {
		return Null, err
	}
	keys := args[0].SortedKeys()
	items := make([]Value, len(keys))
	for i, k := range keys {
		items[i] = args[0].Get(k)
	}
	return List(items), nil
}

func fnMerge(args []Value) (Value, error) {
	out := map[string]Value{}
	for _, arg := range args {
		if arg.IsNull() {
			continue
		}
		if arg.Kind() != KindMap {
			return Null, fmt.Errorf("merge expects maps, got %s", arg.Kind())
		}
		for k, v := range arg.Fields() {
			out[k] = v
		}
	}
	return Map(out), nil
}

func fnFlatten(args []Value) (Value, error) {
	if err := needArgs("flatten", args, 1, 1); err != nil {
		return Null, err
	}
	var out []Value
	for _, item := range args[0].Items() {
		if item.Kind() == KindList {
			out = append(out, item.Items()...)
		} else {
			out = append(out, item)
		}
	}
	return List(out), nil
}

func fnDistinct(args []Value) (Value, error) {
	if err := needArgs("distinct", args, 1, 1); err != nil {
		return Null, err
	}
	var out []Value
	for _, item := range args[0].Items() {
		dup := false
		for _, seen := range out {
			if seen.Equal(item) {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, item)
		}
	}
	return List(out), nil
}

func fnGet(args []Value) (Value, error) {
	if err := needArgs("get", args, 2, 2); err != nil {
		return Null, err
	}
	return ResolvePath(args[0], args[1].Text()), nil
}

func fnPick(args []Value) (Value, error) {
	if err := needArgs("pick", args, 2, -1); err != nil {
		return Null, err
	}
	out := map[string]Value{}
	for _, key := range args[1:] {
		k := key.Text()
		if v := args[0].Get(k); !v.IsNull() {
			out[k] = v
		}
	}
	return Map(out), nil
}

func fnOmit(args []Value) (Value, error) {
	if err := needArgs("omit", args, 2, -1); err != nil {
		return Null, err
	}
	out := map[string]Value{}
	for k, v := range args[0].Fields() {
		skip := false
		for _, key := range args[1:] {
			if key.Text() == k {
				skip = true
				break
			}
		}
		if !skip {
			out[k] = v
		}
	}
	return Map(out), nil
}

func fnIf(args []Value) (Value, error) {
	if err := needArgs("if", args, 2, 3); err != nil {
		return Null, err
	}
	if args[0].Truthy() {
		return args[1], nil
	}
	if len(args) == 3 {
		return args[2], nil
	}
	return Null, nil
}

func fnIfEmpty(args []Value) (Value, error) {
	if err := needArgs("ifempty", args, 2, 2); err != nil {
		return Null, err
	}
	if args[0].Truthy() {
		return args[0], nil
	}
	return args[1], nil
}

// fnSwitch matches its first argument against case/result pairs; a trailing
// unpaired argument is the default.
func fnSwitch(args []Value) (Value, error) {
	if err := needArgs("switch", args, 3, -1); err != nil {
		return Null, err
	}
	subject := args[0]
	rest := args[1:]
	for len(rest) >= 2 {
		if subject.Equal(rest[0]) {
			return rest[1], nil
		}
		rest = rest[2:]
	}
	if len(rest) == 1 {
		return rest[0], nil
	}
	return Null, nil
}

// --- crypto / encoding ---

func makeDigest(newHash func() hash.Hash) builtinFunc {
	return func(args []Value) (Value, error) {
		if err := needArgs("digest", args, 1, 1); err != nil {
			return Null, err
		}
		h := newHash()
		h.Write([]byte(args[0].Text()))
		return String(hex.EncodeToString(h.Sum(nil))), nil
	}
}

func fnHmacSHA256(args []Value) (Value, error) {
	if err := needArgs("hmacSha256", args, 2, 2); err != nil {
		return Null, err
	}
	mac := hmac.New(sha256.New, []byte(args[0].Text()))
	mac.Write([]byte(args[1].Text()))
	return String(hex.EncodeToString(mac.Sum(nil))), nil
}

func fnBase64(args []Value) (Value, error) {
	if err := needArgs("base64", args, 1, 1); err != nil {
		return Null, err
	}
	return String(base64.StdEncoding.EncodeToString([]byte(args[0].Text()))), nil
}

func fnBase64Decode(args []Value) (Value, error) {
	if err := needArgs("base64decode", args, 1, 1); err != nil {
		return Null, err
	}
	data, err := base64.StdEncoding.DecodeString(args[0].Text())
	if err != nil {
		return Null, fmt.Errorf("invalid base64 input")
	}
	return String(string(data)), nil
}

func fnBase64URL(args []Value) (Value, error) {
	if err := needArgs("base64url", args, 1, 1); err != nil {
		return Null, err
	}
	return String(base64.RawURLEncoding.EncodeToString([]byte(args[0].Text()))), nil
}

func fnUUID(args []Value) (Value, error) {
	return String(uuid.NewString()), nil
}

func clampRange(lo, hi, n int) (int, int) {
	if lo < 0 {
		lo = 0
	}
	if hi > n {
		hi = n
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}
